package cogen

import (
	"fmt"
	"time"

	"go.uber.org/zap"

	"github.com/silvatek/cogen/metrics"
	"github.com/silvatek/cogen/proactor"
)

// config holds Scheduler configuration, assembled by Option functions.
// Grounded on the teacher's config.go/defaults.go/options.go trio.
type config struct {
	Proactor               proactor.Proactor
	DefaultPriority        Priority
	DefaultTimeout         time.Duration
	ProactorResolution     time.Duration
	ProactorMultiplexFirst bool
	ProactorGreedy         bool
	OpsGreedy              bool
	Logger                 *zap.Logger
	Metrics                metrics.Provider
}

// defaultConfig centralizes Scheduler defaults, applied as the base that
// Option functions mutate in NewScheduler.
func defaultConfig() config {
	return config{
		Proactor:               nil, // filled in by NewScheduler if still nil
		DefaultPriority:        PriorityDefault,
		DefaultTimeout:         0, // 0 == "no default timeout" unless overridden
		ProactorResolution:     500 * time.Millisecond,
		ProactorMultiplexFirst: false,
		ProactorGreedy:         false,
		OpsGreedy:              false,
		Logger:                 zap.NewNop(),
		Metrics:                metrics.NewNoopProvider(),
	}
}

// validateConfig performs lightweight invariant checks.
func validateConfig(c *config) error {
	if c.ProactorResolution < 0 {
		return fmt.Errorf("%s: proactor resolution must be >= 0", Namespace)
	}
	return nil
}

// Option configures a Scheduler. Use NewScheduler(opts...).
type Option func(*config)

// WithProactor selects the proactor backend. Defaults to
// proactor.NewNetPoller() when unset.
func WithProactor(p proactor.Proactor) Option {
	return func(c *config) { c.Proactor = p }
}

// WithDefaultPriority sets the priority used for Tasks/Operations that
// don't specify one.
func WithDefaultPriority(p Priority) Option {
	return func(c *config) { c.DefaultPriority = p }
}

// WithDefaultTimeout sets the deadline applied to an Operation whose own
// Timeout is the zero value (0 means "no default timeout" here too).
func WithDefaultTimeout(d time.Duration) Option {
	return func(c *config) { c.DefaultTimeout = d }
}

// WithProactorResolution bounds how long a single proactor poll may block,
// default 500ms.
func WithProactorResolution(d time.Duration) Option {
	return func(c *config) { c.ProactorResolution = d }
}

// WithProactorMultiplexFirst prefers polling the proactor over draining
// the run queue at each main-loop iteration.
func WithProactorMultiplexFirst() Option {
	return func(c *config) { c.ProactorMultiplexFirst = true }
}

// WithProactorGreedy drains every ready proactor completion in one pass
// before returning to the run queue.
func WithProactorGreedy() Option {
	return func(c *config) { c.ProactorGreedy = true }
}

// WithOpsGreedy makes a partially-complete multi-step operation (SendAll,
// SendFile) keep attempting further writes on the same fd within a single
// Attempt call for as long as it stays immediately writable, instead of
// returning after one write and waiting for the next readiness
// notification. Off by default: each write is one step, one readiness
// round-trip.
func WithOpsGreedy() Option {
	return func(c *config) { c.OpsGreedy = true }
}

// WithLogger sets the Scheduler's structured logger (default: a no-op
// zap.Logger).
func WithLogger(l *zap.Logger) Option {
	return func(c *config) {
		if l != nil {
			c.Logger = l
		}
	}
}

// WithMetrics sets the Scheduler's metrics.Provider (default:
// metrics.NoopProvider).
func WithMetrics(p metrics.Provider) Option {
	return func(c *config) {
		if p != nil {
			c.Metrics = p
		}
	}
}
