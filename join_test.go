package cogen

import (
	"context"
	"testing"
	"time"
)

func TestSignal_WaiterWokenWithPayload(t *testing.T) {
	sched := NewScheduler()
	defer sched.Close()

	var got any
	sched.Spawn(func(tk *Task) (any, error) {
		v, err := tk.Yield(WaitForSignal("ready", NoTimeout))
		got = v
		return v, err
	}, PriorityDefault)

	sched.Spawn(func(tk *Task) (any, error) {
		// Give the waiter a chance to register first.
		_, _ = tk.Yield(Sleep(5 * time.Millisecond))
		return tk.Yield(Signal("ready", "go"))
	}, PriorityDefault)

	ctx, cancel := context.WithTimeout(context.Background(), time.Second)
	defer cancel()
	sched.Run(ctx)

	if got != "go" {
		t.Fatalf("WaitForSignal should resume with the posted payload, got %v", got)
	}
}

func TestSignal_LostIfPostedBeforeWaiter(t *testing.T) {
	sched := NewScheduler()
	defer sched.Close()

	woken := -1
	done := make(chan struct{})
	sched.Spawn(func(tk *Task) (any, error) {
		v, err := tk.Yield(Signal("nobody-home", "payload"))
		woken, _ = v.(int)
		close(done)
		return nil, err
	}, PriorityDefault)

	ctx, cancel := context.WithTimeout(context.Background(), time.Second)
	defer cancel()
	sched.Run(ctx)

	<-done
	if woken != 0 {
		t.Fatalf("Signal with no registered waiter should wake 0, got %d", woken)
	}
}

func TestSignal_FanoutToMultipleWaiters(t *testing.T) {
	sched := NewScheduler()
	defer sched.Close()

	const n = 5
	results := make(chan any, n)
	for i := 0; i < n; i++ {
		sched.Spawn(func(tk *Task) (any, error) {
			v, err := tk.Yield(WaitForSignal("fanout", NoTimeout))
			results <- v
			return nil, err
		}, PriorityDefault)
	}
	sched.Spawn(func(tk *Task) (any, error) {
		_, _ = tk.Yield(Sleep(5 * time.Millisecond))
		return tk.Yield(Signal("fanout", "broadcast"))
	}, PriorityDefault)

	ctx, cancel := context.WithTimeout(context.Background(), time.Second)
	defer cancel()
	sched.Run(ctx)

	close(results)
	count := 0
	for v := range results {
		if v != "broadcast" {
			t.Fatalf("every waiter should receive the broadcast payload, got %v", v)
		}
		count++
	}
	if count != n {
		t.Fatalf("got %d waiters woken, want %d", count, n)
	}
}

func TestSignal_PriorityOrdersWaiters(t *testing.T) {
	sched := NewScheduler()
	defer sched.Close()

	order := make(chan Priority, 3)
	spawnWaiter := func(prio Priority) {
		sched.Spawn(func(tk *Task) (any, error) {
			op := WaitForSignal("ordered", NoTimeout)
			op.Priority = prio
			_, err := tk.Yield(op)
			order <- prio
			return nil, err
		}, PriorityDefault)
	}
	spawnWaiter(PriorityLast)
	spawnWaiter(PriorityFirst)
	spawnWaiter(PriorityDefault)

	sched.Spawn(func(tk *Task) (any, error) {
		_, _ = tk.Yield(Sleep(5 * time.Millisecond))
		return tk.Yield(Signal("ordered", nil))
	}, PriorityDefault)

	ctx, cancel := context.WithTimeout(context.Background(), time.Second)
	defer cancel()
	sched.Run(ctx)

	close(order)
	var got []Priority
	for p := range order {
		got = append(got, p)
	}
	want := []Priority{PriorityFirst, PriorityDefault, PriorityLast}
	for i, p := range want {
		if got[i] != p {
			t.Fatalf("release order[%d] = %v, want %v (full order %v)", i, got[i], p, got)
		}
	}
}

func TestAddCoro_SpawnsAndInheritsOptionally(t *testing.T) {
	sched := NewScheduler()
	defer sched.Close()

	var childResult any
	sched.Spawn(func(tk *Task) (any, error) {
		tk.SetLocal("k", "v")
		op := AddCoro(func(child *Task) (any, error) {
			return child.Local("k"), nil
		}, PriorityDefault)
		op.InheritLocals = true
		childTaskV, err := tk.Yield(op)
		if err != nil {
			return nil, err
		}
		child := childTaskV.(*Task)
		v, err := tk.Yield(JoinTask(child, NoTimeout))
		childResult = v
		return v, err
	}, PriorityDefault)

	ctx, cancel := context.WithTimeout(context.Background(), time.Second)
	defer cancel()
	sched.Run(ctx)

	if childResult != "v" {
		t.Fatalf("child spawned with InheritLocals should see the parent's local, got %v", childResult)
	}
}

func TestRunAll_CollectsResultsAndErrors(t *testing.T) {
	sched := NewScheduler()
	defer sched.Close()

	ctx, cancel := context.WithTimeout(context.Background(), time.Second)
	defer cancel()

	results, err := RunAll(ctx, sched, []func(t *Task) (int, error){
		func(t *Task) (int, error) { return 1, nil },
		func(t *Task) (int, error) { return 0, ErrCancelled },
		func(t *Task) (int, error) { return 3, nil },
	})

	if results[0] != 1 || results[2] != 3 {
		t.Fatalf("RunAll should preserve input order, got %v", results)
	}
	if err == nil {
		t.Fatalf("RunAll should aggregate the one failure")
	}
}

func TestMapAndForEach(t *testing.T) {
	sched := NewScheduler()
	defer sched.Close()

	ctx, cancel := context.WithTimeout(context.Background(), time.Second)
	defer cancel()

	doubled, err := Map(ctx, sched, []int{1, 2, 3}, func(t *Task, n int) (int, error) {
		return n * 2, nil
	})
	if err != nil || doubled[0] != 2 || doubled[1] != 4 || doubled[2] != 6 {
		t.Fatalf("Map result = %v, err = %v", doubled, err)
	}

	var sum int
	err = ForEach(ctx, sched, []int{1, 2, 3}, func(t *Task, n int) error {
		sum += n
		return nil
	})
	if err != nil || sum != 6 {
		t.Fatalf("ForEach sum = %d, err = %v", sum, err)
	}
}
