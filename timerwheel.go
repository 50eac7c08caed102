package cogen

import (
	"container/heap"
	"time"
)

// wheelEntry is one pending (deadline, Task, Operation) registration.
type wheelEntry struct {
	deadline time.Time
	task     *Task
	op       Operation
	index    int // heap index, maintained by container/heap
}

// timerWheel is an ordered index of pending deadlines, backed by a
// container/heap min-heap keyed by deadline. No timer-wheel/delay-queue
// library appears anywhere in the example corpus; container/heap is the
// idiomatic Go structure for this and supports the O(log n) arbitrary
// removal weak timeouts and cancellation both need.
type timerWheel struct {
	items wheelHeap
}

func newTimerWheel() *timerWheel {
	return &timerWheel{}
}

// insert adds an entry and returns a handle used to remove or re-date it.
func (w *timerWheel) insert(deadline time.Time, task *Task, op Operation) *wheelEntry {
	e := &wheelEntry{deadline: deadline, task: task, op: op, index: -1}
	heap.Push(&w.items, e)
	return e
}

// remove drops e from the wheel. Safe to call even if e already fired or
// was already removed.
func (w *timerWheel) remove(e *wheelEntry) {
	if e == nil || e.index < 0 {
		return
	}
	heap.Remove(&w.items, e.index)
	e.index = -1
}

// reschedule re-dates e to a new deadline, preserving heap order. Used for
// weak-timeout rebasing.
func (w *timerWheel) reschedule(e *wheelEntry, deadline time.Time) {
	if e == nil || e.index < 0 {
		return
	}
	e.deadline = deadline
	heap.Fix(&w.items, e.index)
}

// len reports the number of pending entries.
func (w *timerWheel) len() int { return w.items.Len() }

// nextDeadline returns the nearest pending deadline and true, or the zero
// time and false if the wheel is empty.
func (w *timerWheel) nextDeadline() (time.Time, bool) {
	if w.items.Len() == 0 {
		return time.Time{}, false
	}
	return w.items[0].deadline, true
}

// popExpired removes and returns every entry whose deadline is <= now.
func (w *timerWheel) popExpired(now time.Time) []*wheelEntry {
	var expired []*wheelEntry
	for w.items.Len() > 0 && !w.items[0].deadline.After(now) {
		e := heap.Pop(&w.items).(*wheelEntry)
		e.index = -1
		expired = append(expired, e)
	}
	return expired
}

type wheelHeap []*wheelEntry

func (h wheelHeap) Len() int { return len(h) }
func (h wheelHeap) Less(i, j int) bool { return h[i].deadline.Before(h[j].deadline) }
func (h wheelHeap) Swap(i, j int) {
	h[i], h[j] = h[j], h[i]
	h[i].index = i
	h[j].index = j
}

func (h *wheelHeap) Push(x any) {
	e := x.(*wheelEntry)
	e.index = len(*h)
	*h = append(*h, e)
}

func (h *wheelHeap) Pop() any {
	old := *h
	n := len(old)
	e := old[n-1]
	old[n-1] = nil
	e.index = -1
	*h = old[:n-1]
	return e
}
