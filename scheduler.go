package cogen

import (
	"context"
	"sync"
	"sync/atomic"
	"time"

	"go.uber.org/zap"

	"github.com/silvatek/cogen/metrics"
	"github.com/silvatek/cogen/proactor"
)

// Scheduler drives a set of cooperatively-scheduled Tasks to quiescence,
// implementing the six-step main loop from spec.md §4.1. It owns the run
// queue, the timer wheel, the signal bus, and the proactor backend; Tasks
// never touch any of these directly, only through the Operation they yield.
type Scheduler struct {
	cfg config

	mu       sync.Mutex
	queue    [3][]*Task // indexed by Priority: First, Default, Last
	tasks    map[TaskID]*Task
	nextID   uint64
	deadline map[TaskID]*wheelEntry // pending timer-wheel entry for a waiting Task, if any

	wheel   *timerWheel
	signals *signalBus

	// entryTask/entryOp correlate a proactor.Entry back to the Task/
	// Operation that registered it, since proactor.Entry is deliberately
	// opaque to the socket layer's Task/Operation types (see
	// proactor.Entry's doc comment on avoiding an import cycle).
	entryTask map[*proactor.Entry]*Task
	entryOp   map[*proactor.Entry]Operation

	// asyncCh carries completions from operations that resolve off a
	// helper goroutine without a registrable fd of their own (Connect,
	// before the dial succeeds and yields a real Socket). asyncPending
	// keeps Run from declaring quiescence while one is in flight.
	asyncCh      chan asyncResult
	asyncPending atomic.Int64

	lifecycle *lifecycleCoordinator

	closed atomic.Bool
}

// asyncResult is one completion posted via Scheduler.postAsync.
type asyncResult struct {
	task *Task
	op   Operation
	err  error
}

// NewScheduler constructs a Scheduler. A nil proactor.Proactor in the
// resolved config falls back to proactor.NewNetPoller().
func NewScheduler(opts ...Option) *Scheduler {
	cfg := defaultConfig()
	for _, opt := range opts {
		opt(&cfg)
	}
	if err := validateConfig(&cfg); err != nil {
		cfg = defaultConfig()
	}
	if cfg.Proactor == nil {
		cfg.Proactor = proactor.NewNetPoller()
	}

	s := &Scheduler{
		cfg:       cfg,
		tasks:     make(map[TaskID]*Task),
		deadline:  make(map[TaskID]*wheelEntry),
		wheel:     newTimerWheel(),
		signals:   newSignalBus(),
		entryTask: make(map[*proactor.Entry]*Task),
		entryOp:   make(map[*proactor.Entry]Operation),
		asyncCh:   make(chan asyncResult, 64),
	}
	s.lifecycle = newLifecycleCoordinator(s)
	return s
}

// Spawn creates a Task running fn at the given priority and places it on the
// run queue. It returns immediately, before fn's first step (spec.md §4.1
// contract for spawn).
func (s *Scheduler) Spawn(fn Func, prio Priority) *Task {
	s.mu.Lock()
	defer s.mu.Unlock()
	if s.closed.Load() {
		return nil
	}
	return s.spawnLocked(fn, prio)
}

// spawnLocked is the Spawn Operation's and Scheduler.Spawn's shared path.
// Callers must hold s.mu.
func (s *Scheduler) spawnLocked(fn Func, prio Priority) *Task {
	s.nextID++
	id := TaskID(s.nextID)
	t := newTask(s, id, fn, prio)
	s.tasks[id] = t
	s.enqueueLocked(t)
	s.cfg.Metrics.Counter("cogen.tasks.spawned", metrics.WithDescription("tasks spawned")).Add(1)
	s.cfg.Metrics.UpDownCounter("cogen.tasks.inflight", metrics.WithDescription("tasks spawned but not yet finished")).Add(1)
	return t
}

func (s *Scheduler) enqueueLocked(t *Task) {
	t.state = StateRunnable
	s.queue[t.priority] = append(s.queue[t.priority], t)
}

// dequeueLocked pops the next Task in priority order (First, Default, Last),
// FIFO within a lane.
func (s *Scheduler) dequeueLocked() *Task {
	for lane := range s.queue {
		if len(s.queue[lane]) > 0 {
			t := s.queue[lane][0]
			s.queue[lane] = s.queue[lane][1:]
			return t
		}
	}
	return nil
}

func (s *Scheduler) runQueueLenLocked() int {
	return len(s.queue[PriorityFirst]) + len(s.queue[PriorityDefault]) + len(s.queue[PriorityLast])
}

// PostSignal wakes every current Waiter on name with payload and returns the
// count woken (spec.md §4.1 contract for post_signal). It is safe to call
// from outside any Task (e.g. from the embedding program).
func (s *Scheduler) PostSignal(name any, payload any) int {
	woken := s.signals.release(name, payload, 0)
	s.mu.Lock()
	for _, w := range woken {
		w.op.payload = payload
		if w.entry != nil {
			s.wheel.remove(w.entry)
			delete(s.deadline, w.task.id)
		}
		s.completeOpLocked(w.task, payload, nil)
	}
	s.mu.Unlock()
	return len(woken)
}

// Run drives every spawned Task to quiescence: the run queue empty, the
// timer wheel empty, and no proactor registrations outstanding (spec.md
// §4.1's termination contract). ctx cancellation interrupts the loop,
// cancelling every still-waiting Task with ctx.Err() via cleanup.
func (s *Scheduler) Run(ctx context.Context) {
	for {
		select {
		case <-ctx.Done():
			s.abortAll(ctx.Err())
			return
		default:
		}

		if s.quiescent() {
			return
		}
		s.step()
	}
}

func (s *Scheduler) quiescent() bool {
	s.mu.Lock()
	empty := s.runQueueLenLocked() == 0 && s.wheel.len() == 0
	s.mu.Unlock()
	return empty && s.cfg.Proactor.Pending() == 0 && s.asyncPending.Load() == 0
}

// postAsync records a completion from an operation resolving off its own
// helper goroutine (see connectOp) rather than through the proactor.
func (s *Scheduler) postAsync(t *Task, op Operation, err error) {
	s.asyncCh <- asyncResult{task: t, op: op, err: err}
}

// step runs one iteration of the six-step main loop in spec.md §4.1.
func (s *Scheduler) step() {
	s.mu.Lock()
	preferProactor := s.cfg.ProactorMultiplexFirst && s.cfg.Proactor.HasReady()
	hasQueued := s.runQueueLenLocked() > 0
	s.mu.Unlock()

	// Step 1: dequeue and advance one Task, unless proactor_multiplex_first
	// says to prefer draining ready proactor completions this iteration.
	if hasQueued && !preferProactor {
		s.advanceOne()
	}

	// Steps 4-6: poll the proactor bounded by the nearest deadline and
	// proactor_resolution, then fire expired timers, then finalize
	// completions.
	s.pollAndResume()
}

// advanceOne performs step 1 (dequeue) and step 2-3 (process the yielded
// Operation, insert into the timer wheel if it carries a finite timeout).
func (s *Scheduler) advanceOne() {
	s.mu.Lock()
	t := s.dequeueLocked()
	s.mu.Unlock()
	if t == nil {
		return
	}

	if !t.started {
		t.started = true
		go t.run()
	} else {
		t.resumeCh <- resumeMsg{value: t.value, err: t.err}
	}

	msg := <-t.yieldCh
	s.handleYield(t, msg)
}

func (s *Scheduler) handleYield(t *Task, msg yieldMsg) {
	if msg.done {
		s.finishTask(t, msg.result, msg.err)
		return
	}

	op := msg.op
	t.op = op
	t.state = StateWaiting

	base := op.base()
	now := nowFunc()
	base.lastUpdate = now
	base.startedAt = now
	deadline, has := normalizeTimeout(base.Timeout, s.effectiveDefaultTimeout(op), now)
	base.hasDeadline = has
	base.deadline = deadline

	if err := op.process(s, t); err != nil {
		s.finalizeOperation(t, op, err)
		return
	}

	if t.state != StateWaiting {
		// process() already resolved it synchronously (e.g. Join against
		// an already-terminated target, or Spawn).
		return
	}

	if has {
		s.mu.Lock()
		entry := s.wheel.insert(deadline, t, op)
		s.deadline[t.id] = entry
		s.mu.Unlock()
		if sw, ok := op.(*SignalWait); ok && sw.waiter != nil {
			sw.waiter.entry = entry
		}
	}
}

// effectiveDefaultTimeout returns the scheduler-wide default timeout, the
// same for every Operation kind; an Operation with a zero Timeout gets it,
// and only an explicit NoTimeout opts out.
func (s *Scheduler) effectiveDefaultTimeout(_ Operation) time.Duration {
	return s.cfg.DefaultTimeout
}

// pollAndResume implements spec.md §4.1 steps 4-6.
func (s *Scheduler) pollAndResume() {
	s.mu.Lock()
	nextDeadline, hasDeadline := s.wheel.nextDeadline()
	now := nowFunc()
	timeout := s.cfg.ProactorResolution
	if s.runQueueLenLocked() > 0 {
		// Runnable Tasks are waiting: poll without blocking.
		timeout = 0
	} else if hasDeadline {
		if d := nextDeadline.Sub(now); d < timeout {
			if d < 0 {
				d = 0
			}
			timeout = d
		}
	}
	s.mu.Unlock()

	if s.asyncPending.Load() > 0 && len(s.asyncCh) > 0 {
		timeout = 0
	}
	completed := s.cfg.Proactor.Run(timeout)

	var asyncCompleted []asyncResult
drainAsync:
	for {
		select {
		case r := <-s.asyncCh:
			asyncCompleted = append(asyncCompleted, r)
			s.asyncPending.Add(-1)
		default:
			break drainAsync
		}
	}
	if s.cfg.ProactorGreedy {
		for s.cfg.Proactor.HasReady() {
			more := s.cfg.Proactor.Run(0)
			if len(more) == 0 {
				break
			}
			completed = append(completed, more...)
		}
	}

	s.mu.Lock()
	expired := s.wheel.popExpired(nowFunc())
	s.mu.Unlock()

	for _, e := range expired {
		s.mu.Lock()
		delete(s.deadline, e.task.id)
		s.mu.Unlock()
		if e.task.state != StateWaiting || e.task.op != e.op {
			continue
		}
		if _, ok := e.op.(*TimedWait); ok {
			// A sleep reaching its deadline is its normal completion.
			s.finalizeOperation(e.task, e.op, nil)
			continue
		}
		e.op.cleanup(s, e.task)
		s.finalizeOperation(e.task, e.op, ErrOperationTimeout)
	}

	for _, entry := range completed {
		s.mu.Lock()
		t, ok := s.entryTask[entry]
		op := s.entryOp[entry]
		delete(s.entryTask, entry)
		delete(s.entryOp, entry)
		s.mu.Unlock()
		if !ok || t.state != StateWaiting || t.op != op {
			continue
		}
		if entry.Err != nil {
			s.finalizeOperation(t, op, entry.Err)
			continue
		}
		op.base().bumpProgress(nowFunc())
		if dl, has := op.base().currentDeadline(); has {
			s.mu.Lock()
			if we, ok := s.deadline[t.id]; ok {
				s.wheel.reschedule(we, dl)
			}
			s.mu.Unlock()
		}
		s.finalizeOperation(t, op, nil)
	}

	for _, r := range asyncCompleted {
		if r.task.state != StateWaiting || r.task.op != r.op {
			continue
		}
		s.finalizeOperation(r.task, r.op, r.err)
	}
}

// noteProgress re-dates op's timer-wheel entry for a weak timeout in
// response to an in-flight (not yet completed) proactor Entry reporting
// partial progress -- wired as an Entry's OnProgress hook by the socket
// operations that loop across multiple I/O attempts per Attempt/Entry
// (SendAll, SendFile). May run on the backend's own goroutine (netpoller's
// per-Entry driver), so it takes s.mu like PostSignal's outside-a-Task path
// does.
func (s *Scheduler) noteProgress(t *Task, op Operation) {
	op.base().bumpProgress(nowFunc())
	dl, has := op.base().currentDeadline()
	if !has {
		return
	}
	s.mu.Lock()
	defer s.mu.Unlock()
	if t.state != StateWaiting || t.op != op {
		return
	}
	if we, ok := s.deadline[t.id]; ok {
		s.wheel.reschedule(we, dl)
	}
}

// registerEntry records that entry (just registered with the proactor)
// belongs to t/op, so pollAndResume can resolve Run's returned Entries back
// to a Task. Called by the socket operations in ops_socket.go.
func (s *Scheduler) registerEntry(entry *proactor.Entry, t *Task, op Operation) {
	s.mu.Lock()
	defer s.mu.Unlock()
	s.entryTask[entry] = t
	s.entryOp[entry] = op
}

// forgetEntry drops a registered entry without finalizing it, used by
// cleanup paths (timeout/cancellation) that call proactor.Remove directly.
func (s *Scheduler) forgetEntry(entry *proactor.Entry) {
	s.mu.Lock()
	defer s.mu.Unlock()
	delete(s.entryTask, entry)
	delete(s.entryOp, entry)
}

// finalizeOperation runs op.finalize (or uses the supplied err), transitions
// t back to Runnable with the resulting value/error, and re-enqueues it.
func (s *Scheduler) finalizeOperation(t *Task, op Operation, forcedErr error) {
	var val any
	var err error
	if forcedErr != nil {
		op.cleanup(s, t)
		err = forcedErr
	} else {
		val, err = op.finalize()
	}
	if started := op.base().startedAt; !started.IsZero() {
		s.cfg.Metrics.Histogram("cogen.operation.latency_seconds",
			metrics.WithDescription("elapsed time from an operation's dispatch to its finalize"),
			metrics.WithUnit("s"),
		).Record(nowFunc().Sub(started).Seconds())
	}
	s.completeOp(t, val, err)
}

// completeOp resumes t's next step with (val, err), re-enqueuing it on the
// run queue. Safe to call on an already-terminal Task (no-op), since a Join
// target can complete independently of a timed-out/cancelled joiner.
func (s *Scheduler) completeOp(t *Task, val any, err error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	s.completeOpLocked(t, val, err)
}

func (s *Scheduler) completeOpLocked(t *Task, val any, err error) {
	if t.state == StateDone || t.state == StateFailed {
		return
	}
	if entry, ok := s.deadline[t.id]; ok {
		s.wheel.remove(entry)
		delete(s.deadline, t.id)
	}
	t.op = nil
	t.value = val
	t.err = err
	s.enqueueLocked(t)
}

// finishTask records a Task's terminal result, notifies joiners, and applies
// the failure policy from spec.md §4.1: an uncaught error is delivered to
// Joiners if any are waiting, otherwise logged through the observability
// hook.
func (s *Scheduler) finishTask(t *Task, val any, err error) {
	s.mu.Lock()
	t.value = val
	t.err = err
	if err != nil {
		t.state = StateFailed
	} else {
		t.state = StateDone
	}
	joiners := t.takeJoiners()
	s.mu.Unlock()

	s.cfg.Metrics.UpDownCounter("cogen.tasks.inflight", metrics.WithDescription("tasks spawned but not yet finished")).Add(-1)

	if err != nil {
		s.cfg.Metrics.Counter("cogen.tasks.failed").Add(1)
		if len(joiners) == 0 {
			s.cfg.Logger.Error("uncaught task error",
				zap.Uint64("task_id", uint64(t.id)),
				zap.Error(err))
		}
	} else {
		s.cfg.Metrics.Counter("cogen.tasks.completed").Add(1)
	}

	for _, j := range joiners {
		// Skip a joiner that timed out or was cancelled and has since
		// moved on to another Operation.
		if jop, ok := j.op.(*Join); ok && jop.Target == t {
			s.completeOp(j, val, err)
		}
	}
}

// abortAll cancels every still-waiting Task with err, used when Run's ctx is
// cancelled.
func (s *Scheduler) abortAll(err error) {
	s.mu.Lock()
	var waiting []*Task
	for _, t := range s.tasks {
		if t.state == StateWaiting {
			waiting = append(waiting, t)
		}
	}
	s.mu.Unlock()

	for _, t := range waiting {
		if t.op != nil {
			t.op.cleanup(s, t)
		}
		s.completeOp(t, nil, err)
	}
}

// Close shuts the Scheduler down via its lifecycleCoordinator: reject new
// Spawn calls, cancel every still-waiting Task with ErrInvalidState, stop
// accepting new signal registrations, and close the proactor backend.
func (s *Scheduler) Close() error {
	return s.lifecycle.Close()
}

func (s *Scheduler) taskCount() int {
	s.mu.Lock()
	defer s.mu.Unlock()
	return len(s.tasks)
}
