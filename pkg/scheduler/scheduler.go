// Package scheduler implements the local task heap spec.md §5 describes:
// a min-heap of (callable, due_time) pairs that a single goroutine
// drains as tasks come due.
package scheduler

import (
	"container/heap"
	"context"
	"time"
)

// Task is a unit of deferred work due at a specific time.
type Task struct {
	DueAt time.Time
	Run   func(ctx context.Context)

	index int
}

type taskHeap []*Task

func (h taskHeap) Len() int            { return len(h) }
func (h taskHeap) Less(i, j int) bool  { return h[i].DueAt.Before(h[j].DueAt) }
func (h taskHeap) Swap(i, j int) {
	h[i], h[j] = h[j], h[i]
	h[i].index, h[j].index = i, j
}
func (h *taskHeap) Push(x interface{}) {
	t := x.(*Task)
	t.index = len(*h)
	*h = append(*h, t)
}
func (h *taskHeap) Pop() interface{} {
	old := *h
	n := len(old)
	t := old[n-1]
	old[n-1] = nil
	t.index = -1
	*h = old[:n-1]
	return t
}

// Scheduler is a single-goroutine, non-concurrent-safe min-heap of due
// tasks. A node.Peer owns one and drives it from a single goroutine
// (its runScheduler ticker loop); it must not be used from several
// goroutines at once.
type Scheduler struct {
	heap taskHeap
}

// New returns an empty Scheduler.
func New() *Scheduler {
	s := &Scheduler{}
	heap.Init(&s.heap)
	return s
}

// Schedule enqueues run to fire at or after dueAt and returns the Task
// handle (so callers can Cancel it before it fires).
func (s *Scheduler) Schedule(dueAt time.Time, run func(ctx context.Context)) *Task {
	t := &Task{DueAt: dueAt, Run: run}
	heap.Push(&s.heap, t)
	return t
}

// Cancel removes t from the schedule if it has not already fired.
func (s *Scheduler) Cancel(t *Task) {
	if t.index < 0 || t.index >= len(s.heap) || s.heap[t.index] != t {
		return
	}
	heap.Remove(&s.heap, t.index)
}

// Next reports the next due time, and ok=false if nothing is scheduled —
// the value a select loop feeds into a timer.
func (s *Scheduler) Next() (time.Time, bool) {
	if len(s.heap) == 0 {
		return time.Time{}, false
	}
	return s.heap[0].DueAt, true
}

// RunDue executes every task whose DueAt has passed as of now, in
// due-time order, and removes them from the schedule.
func (s *Scheduler) RunDue(ctx context.Context, now time.Time) {
	for len(s.heap) > 0 && !s.heap[0].DueAt.After(now) {
		t := heap.Pop(&s.heap).(*Task)
		t.Run(ctx)
	}
}

// Len returns the number of tasks currently scheduled.
func (s *Scheduler) Len() int { return len(s.heap) }
