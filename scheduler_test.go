package cogen

import (
	"context"
	"testing"
	"time"
)

func TestScheduler_TaskPriorityOrdering(t *testing.T) {
	sched := NewScheduler()
	defer sched.Close()

	var order []string
	// Spawned out of priority order; the run queue must still drain
	// PriorityFirst before PriorityDefault before PriorityLast.
	sched.Spawn(func(tk *Task) (any, error) { order = append(order, "last"); return nil, nil }, PriorityLast)
	sched.Spawn(func(tk *Task) (any, error) { order = append(order, "first"); return nil, nil }, PriorityFirst)
	sched.Spawn(func(tk *Task) (any, error) { order = append(order, "default"); return nil, nil }, PriorityDefault)

	ctx, cancel := context.WithTimeout(context.Background(), time.Second)
	defer cancel()
	sched.Run(ctx)

	want := []string{"first", "default", "last"}
	for i, w := range want {
		if order[i] != w {
			t.Fatalf("run order[%d] = %q, want %q (full order %v)", i, order[i], w, order)
		}
	}
}

func TestScheduler_CloseAbortsWaitingTasks(t *testing.T) {
	sched := NewScheduler()

	var got error
	done := make(chan struct{})
	sched.Spawn(func(tk *Task) (any, error) {
		_, err := tk.Yield(Sleep(NoTimeout))
		got = err
		close(done)
		return nil, err
	}, PriorityDefault)

	ctx, cancel := context.WithTimeout(context.Background(), time.Second)
	defer cancel()
	go sched.Run(ctx)

	// Let the Task yield its Sleep and enter StateWaiting before closing.
	time.Sleep(20 * time.Millisecond)
	if err := sched.Close(); err != nil {
		t.Fatalf("Close: %v", err)
	}

	select {
	case <-done:
	case <-time.After(time.Second):
		t.Fatalf("Close should abort the waiting Task promptly")
	}
	if got != ErrInvalidState {
		t.Fatalf("aborted Task should observe ErrInvalidState, got %v", got)
	}
}

func TestScheduler_QuiescenceWithNoTasks(t *testing.T) {
	sched := NewScheduler()
	defer sched.Close()

	ctx, cancel := context.WithTimeout(context.Background(), time.Second)
	defer cancel()

	finished := make(chan struct{})
	go func() { sched.Run(ctx); close(finished) }()

	select {
	case <-finished:
	case <-time.After(500 * time.Millisecond):
		t.Fatalf("Run with nothing spawned should reach quiescence immediately")
	}
}

func TestScheduler_PostSignalFromOutsideATask(t *testing.T) {
	sched := NewScheduler()
	defer sched.Close()

	var got any
	waiting := make(chan struct{})
	done := make(chan struct{})
	sched.Spawn(func(tk *Task) (any, error) {
		close(waiting)
		v, err := tk.Yield(WaitForSignal("external", NoTimeout))
		got = v
		close(done)
		return v, err
	}, PriorityDefault)

	ctx, cancel := context.WithTimeout(context.Background(), time.Second)
	defer cancel()
	go sched.Run(ctx)

	<-waiting
	time.Sleep(10 * time.Millisecond) // let WaitForSignal register
	woken := sched.PostSignal("external", "from-outside")
	if woken != 1 {
		t.Fatalf("PostSignal should report 1 waiter woken, got %d", woken)
	}

	select {
	case <-done:
	case <-time.After(time.Second):
		t.Fatalf("PostSignal should wake the waiter promptly")
	}
	if got != "from-outside" {
		t.Fatalf("waiter should observe PostSignal's payload, got %v", got)
	}
}

func TestScheduler_SpawnOperationReturnsHandle(t *testing.T) {
	sched := NewScheduler()
	defer sched.Close()

	var childID TaskID
	sched.Spawn(func(tk *Task) (any, error) {
		v, err := tk.Yield(AddCoro(func(child *Task) (any, error) { return 7, nil }, PriorityDefault))
		if err != nil {
			return nil, err
		}
		child := v.(*Task)
		childID = child.ID()
		return tk.Yield(JoinTask(child, NoTimeout))
	}, PriorityDefault)

	ctx, cancel := context.WithTimeout(context.Background(), time.Second)
	defer cancel()
	sched.Run(ctx)

	if childID == 0 {
		t.Fatalf("Spawn operation should hand back a real Task ID")
	}
}
