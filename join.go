package cogen

import (
	"context"
	"errors"
	"time"
)

// TimedWait suspends the calling coroutine until Timeout elapses (or
// forever if Timeout is NoTimeout). It is the operation form of "sleep".
type TimedWait struct {
	baseOp
}

// Sleep builds a TimedWait for the given duration (0 uses the scheduler
// default, NoTimeout blocks forever -- which is only useful alongside an
// external cancellation path).
func Sleep(d time.Duration) *TimedWait {
	return &TimedWait{baseOp: newBaseOp(d, false, PriorityDefault)}
}

func (op *TimedWait) process(_ *Scheduler, _ *Task) error { return nil }
func (op *TimedWait) finalize() (any, error)              { return nil, nil }
func (op *TimedWait) cleanup(_ *Scheduler, _ *Task)        {}

// SignalWait is the operation form of WaitForSignal: suspend until name is
// signalled, or Timeout elapses.
type SignalWait struct {
	baseOp
	Name any

	bus     *signalBus
	waiter  *signalWaiter
	payload any
}

// WaitForSignal builds a SignalWait operation.
func WaitForSignal(name any, timeout time.Duration) *SignalWait {
	return &SignalWait{baseOp: newBaseOp(timeout, false, PriorityDefault), Name: name}
}

func (op *SignalWait) process(s *Scheduler, t *Task) error {
	if op.Name == nil {
		return ErrSignalError
	}
	op.bus = s.signals
	op.waiter = &signalWaiter{task: t, op: op}
	if !op.bus.register(op.Name, op.waiter) {
		return ErrInvalidState
	}
	return nil
}

func (op *SignalWait) finalize() (any, error) { return op.payload, nil }

func (op *SignalWait) cleanup(s *Scheduler, t *Task) {
	if op.bus != nil && op.waiter != nil {
		op.bus.unregister(op.Name, op.waiter)
	}
}

// SignalNotify is the operation form of Signal: post payload to every
// current waiter on name and return immediately with the count woken.
// Posting before any WaitForSignal is registered is a no-op -- the
// notification is not buffered (spec.md §8 property 6).
type SignalNotify struct {
	baseOp
	Name    any
	Payload any
	Limit   int // 0 means unbounded multiplicity

	woken int
}

// Signal builds a SignalNotify operation.
func Signal(name any, payload any) *SignalNotify {
	return &SignalNotify{baseOp: newBaseOp(0, false, PriorityDefault), Name: name, Payload: payload}
}

func (op *SignalNotify) process(s *Scheduler, t *Task) error {
	if op.Name == nil {
		return ErrSignalError
	}
	woken := s.signals.release(op.Name, op.Payload, op.Limit)
	op.woken = len(woken)
	for _, w := range woken {
		w.op.payload = op.Payload
		if w.entry != nil {
			s.wheel.remove(w.entry)
		}
		s.completeOp(w.task, op.Payload, nil)
	}
	s.completeOp(t, op.woken, nil)
	return nil
}

func (op *SignalNotify) finalize() (any, error) { return op.woken, nil }
func (op *SignalNotify) cleanup(_ *Scheduler, _ *Task) {}

// Spawn is the operation form of Scheduler.Spawn: create a new Task and
// return its handle to the caller without suspending.
type Spawn struct {
	baseOp
	Fn            Func
	Priority_     Priority
	InheritLocals bool

	child *Task
}

// AddCoro builds a Spawn operation usable from inside a Task, per
// spec.md §4.3.
func AddCoro(fn Func, prio Priority) *Spawn {
	return &Spawn{baseOp: newBaseOp(0, false, PriorityDefault), Fn: fn, Priority_: prio}
}

func (op *Spawn) process(s *Scheduler, parent *Task) error {
	s.mu.Lock()
	op.child = s.spawnLocked(op.Fn, op.Priority_)
	s.mu.Unlock()
	if op.InheritLocals {
		if locals := parent.cloneLocals(); locals != nil {
			op.child.local = locals
		}
	}
	s.completeOp(parent, op.child, nil)
	return nil
}

func (op *Spawn) finalize() (any, error) { return op.child, nil }
func (op *Spawn) cleanup(_ *Scheduler, _ *Task) {}

// Join suspends the caller until target reaches StateDone or StateFailed,
// resuming with its terminal value or re-raising its error.
type Join struct {
	baseOp
	Target *Task

	result any
}

// JoinTask builds a Join operation for target.
func JoinTask(target *Task, timeout time.Duration) *Join {
	return &Join{baseOp: newBaseOp(timeout, false, PriorityDefault), Target: target}
}

func (op *Join) process(s *Scheduler, t *Task) error {
	if op.Target == nil {
		return errors.New(Namespace + ": join target is nil")
	}
	if registered := op.Target.addJoiner(t); registered {
		return nil
	}
	// Target already terminated: resolve immediately on this same step.
	val, err := op.Target.Result()
	op.result = val
	s.completeOp(t, val, err)
	return nil
}

func (op *Join) finalize() (any, error) { return op.result, nil }

func (op *Join) cleanup(_ *Scheduler, _ *Task) {
	// If the target later completes after we've already timed out or
	// been cancelled, the joiners slice still references us; harmless,
	// since Scheduler.finishTask only resumes a joiner whose current
	// Operation is still a Join on that target.
}

// --- batch helpers built on Spawn+Join, adapted from the teacher's
// run_all.go/map.go/foreach.go (pool.Pool fan-out -> Scheduler fan-out). ---

// RunAll spawns one coroutine per fn on sched and drives the scheduler to
// quiescence, returning their results in input order and the errors.Join
// of every failure. Any other coroutine already spawned on sched runs
// alongside these.
func RunAll[R any](ctx context.Context, sched *Scheduler, fns []func(t *Task) (R, error)) ([]R, error) {
	tasks := make([]*Task, len(fns))
	for i, fn := range fns {
		f := fn
		tasks[i] = sched.Spawn(func(t *Task) (any, error) { return f(t) }, PriorityDefault)
	}

	sched.Run(ctx)

	results := make([]R, len(fns))
	var errs []error
	for i, tt := range tasks {
		v, err := tt.Result()
		if err != nil {
			errs = append(errs, err)
			continue
		}
		if v != nil {
			results[i] = v.(R)
		}
	}
	return results, errors.Join(errs...)
}

// Map fans items out through fn on sched and collects results in input
// order, via RunAll.
func Map[T, R any](ctx context.Context, sched *Scheduler, items []T, fn func(*Task, T) (R, error)) ([]R, error) {
	fns := make([]func(t *Task) (R, error), len(items))
	for i, item := range items {
		it := item
		fns[i] = func(t *Task) (R, error) { return fn(t, it) }
	}
	return RunAll(ctx, sched, fns)
}

// ForEach applies fn to each item concurrently on sched and returns the
// aggregated error.
func ForEach[T any](ctx context.Context, sched *Scheduler, items []T, fn func(*Task, T) error) error {
	fns := make([]func(t *Task) (struct{}, error), len(items))
	for i, item := range items {
		it := item
		fns[i] = func(t *Task) (struct{}, error) { return struct{}{}, fn(t, it) }
	}
	_, err := RunAll(ctx, sched, fns)
	return err
}
