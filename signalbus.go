package cogen

import "sync"

// signalWaiter is one Task parked in a WaitForSignal.
type signalWaiter struct {
	task  *Task
	op    *SignalWait
	entry *wheelEntry // non-nil if a timeout is pending for this wait
}

// signalBus is the named wait/notify channel set from spec.md §4.4: a map
// from name to a FIFO-within-priority list of waiters. A Signal posted
// before any WaitForSignal is registered for that name is lost -- it is
// never buffered (spec.md §8 property 6).
type signalBus struct {
	mu      sync.Mutex
	waiters map[any][]*signalWaiter
	closed  bool
}

func newSignalBus() *signalBus {
	return &signalBus{waiters: make(map[any][]*signalWaiter)}
}

// register adds w to name's waiter list, ordered so that release() drains
// PriorityFirst waiters before PriorityDefault before PriorityLast, and
// FIFO among equal priorities (stable insertion position within its
// priority band). Returns false if the bus is already closed, in which
// case the caller must not treat w as registered.
func (b *signalBus) register(name any, w *signalWaiter) bool {
	b.mu.Lock()
	defer b.mu.Unlock()
	if b.closed {
		return false
	}
	list := b.waiters[name]
	prio := w.op.Priority
	pos := len(list)
	for i, existing := range list {
		if existing.op.Priority > prio {
			pos = i
			break
		}
	}
	list = append(list, nil)
	copy(list[pos+1:], list[pos:])
	list[pos] = w
	b.waiters[name] = list
	return true
}

// unregister removes w from name's waiter list, e.g. on timeout. Returns
// true if it was found and removed.
func (b *signalBus) unregister(name any, w *signalWaiter) bool {
	b.mu.Lock()
	defer b.mu.Unlock()
	list := b.waiters[name]
	for i, existing := range list {
		if existing == w {
			b.waiters[name] = append(list[:i], list[i+1:]...)
			return true
		}
	}
	return false
}

// release delivers payload to every current waiter on name (default:
// unbounded multiplicity) and returns them in release order so the caller
// (the Scheduler) can resume each one. Re-entrant posts during a release
// are legal: a Signal delivered from within a resumed waiter's next step
// simply calls release again and observes whatever waiters are registered
// at that point.
func (b *signalBus) release(name any, payload any, limit int) []*signalWaiter {
	b.mu.Lock()
	list := b.waiters[name]
	delete(b.waiters, name)
	b.mu.Unlock()

	if limit > 0 && limit < len(list) {
		remainder := list[limit:]
		b.mu.Lock()
		b.waiters[name] = append(remainder, b.waiters[name]...)
		b.mu.Unlock()
		list = list[:limit]
	}
	return list
}

// pending returns the number of Tasks currently waiting on any signal.
func (b *signalBus) pending() int {
	b.mu.Lock()
	defer b.mu.Unlock()
	n := 0
	for _, list := range b.waiters {
		n += len(list)
	}
	return n
}

// close marks the bus closed; further registration is rejected with
// ErrInvalidState. Used by the Scheduler's shutdown sequence.
func (b *signalBus) close() {
	b.mu.Lock()
	defer b.mu.Unlock()
	b.closed = true
}
