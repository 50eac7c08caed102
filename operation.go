package cogen

import "time"

// Operation is the polymorphic suspension token a Task yields to the
// Scheduler. Concrete operations (TimedWait, SignalWait, SignalNotify,
// Spawn, Join, and the socket family in ops_socket.go) embed baseOp and
// implement process/finalize/cleanup.
//
// Invariant: at most one Operation is outstanding for a given Task at a
// time (enforced by Task.Yield).
type Operation interface {
	// process registers the operation with whatever subsystem owns its
	// completion (the proactor, the signal bus, the timer wheel, or the
	// run queue for Spawn). Called once, synchronously, by the
	// scheduler's step loop, immediately after the operation is yielded.
	process(s *Scheduler, t *Task) error

	// finalize builds the value handed back to the coroutine from
	// whatever internal state process/the owning subsystem accumulated
	// (e.g. bytes received, connected socket, joined task's result).
	finalize() (any, error)

	// cleanup cancels the operation: it must be safe to call even if the
	// operation never completed naturally, and must run before the
	// owning Task is resumed with a timeout/cancellation/close error.
	cleanup(s *Scheduler, t *Task)

	base() *baseOp
}

// baseOp carries the attributes every Operation shares, mirroring
// SocketOperation/TimedOperation in the original cogen.core implementation.
type baseOp struct {
	// Timeout is the caller-supplied duration; see normalizeTimeout.
	Timeout time.Duration
	// WeakTimeout, if true, means each successful partial-progress event
	// bumps Deadline forward by the original Timeout instead of letting
	// it expire on total elapsed duration.
	WeakTimeout bool
	// Priority tags this operation's scheduling/signal-release order.
	Priority Priority

	// deadline and hasDeadline are computed once by process() via
	// normalizeTimeout.
	deadline    time.Time
	hasDeadline bool

	// lastUpdate is bumped on every successful partial-progress event;
	// used both to re-date a weak timeout and for observability.
	lastUpdate time.Time

	// startedAt is set once, when the operation is first dispatched, and
	// never touched again -- unlike lastUpdate, which a weak timeout keeps
	// advancing. The Scheduler's operation-latency histogram measures
	// elapsed time from here to finalize.
	startedAt time.Time

	// runFirst mirrors SocketOperation.run_first: whether the proactor
	// should attempt the operation immediately upon registration rather
	// than waiting for the first OS readiness notification. Threaded
	// through to proactor.Entry.RunFirst by each socket operation's
	// process(); true for every socket operation, irrelevant for non-I/O
	// operations that never build an Entry.
	runFirst bool

	// wheelIndex tracks this operation's slot in the timer wheel so it
	// can be removed in O(log n); -1 when not (or no longer) scheduled.
	wheelIndex int
}

func (b *baseOp) base() *baseOp { return b }

func newBaseOp(timeout time.Duration, weak bool, prio Priority) baseOp {
	return baseOp{
		Timeout:     timeout,
		WeakTimeout: weak,
		Priority:    prio,
		wheelIndex:  -1,
		runFirst:    true,
	}
}

// bumpProgress advances lastUpdate and, for a weak timeout, re-dates the
// deadline forward by the original Timeout.
func (b *baseOp) bumpProgress(now time.Time) {
	b.lastUpdate = now
	if b.WeakTimeout && b.hasDeadline && b.Timeout > 0 {
		b.deadline = now.Add(b.Timeout)
	}
}

// currentDeadline returns the operation's current absolute deadline, which
// may have moved since process() if bumpProgress re-dated it for a weak
// timeout.
func (b *baseOp) currentDeadline() (time.Time, bool) {
	return b.deadline, b.hasDeadline
}
