//go:build !linux

package proactor

// NewEpoll is unavailable outside Linux; callers should fall back to
// NewNetPoller(), or handle the error (spec.md §6: backend selection must
// degrade gracefully on unsupported platforms).
func NewEpoll() (Proactor, error) {
	return nil, ErrBackendUnsupported
}
