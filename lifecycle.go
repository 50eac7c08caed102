package cogen

import "sync"

// lifecycleCoordinator encapsulates Scheduler.Close's shutdown sequence. It
// is a wiring helper, not an owner of state: it orchestrates cancellation of
// outstanding waits and release of backend resources in a deterministic
// order, adapted from the teacher's lifecycle.go (there: cancel -> drain
// inflight workers -> close channels; here: cancel waiting tasks -> close
// the signal bus -> release the proactor).
//
// Close is safe for concurrent calls; the sequence executes exactly once.
type lifecycleCoordinator struct {
	sched *Scheduler
	once  sync.Once
	err   error
}

func newLifecycleCoordinator(s *Scheduler) *lifecycleCoordinator {
	return &lifecycleCoordinator{sched: s}
}

// Close executes the shutdown sequence exactly once:
//  1. mark the Scheduler closed, so new Spawn/PostSignal calls are rejected
//  2. cancel every still-waiting Task with ErrInvalidState
//  3. close the signal bus
//  4. release the proactor backend
func (lc *lifecycleCoordinator) Close() error {
	lc.once.Do(func() {
		s := lc.sched
		s.closed.Store(true)
		s.abortAll(ErrInvalidState)
		s.signals.close()
		lc.err = s.cfg.Proactor.Close()
	})
	return lc.err
}
