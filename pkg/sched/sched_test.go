package sched

import (
	"testing"

	"github.com/maxdev1/ghost-sub005/pkg/proc"
	"github.com/maxdev1/ghost-sub005/pkg/wait"
)

func newTestTask(id proc.TaskID) *proc.Task {
	return proc.NewTask(id, proc.Application, 0, 0, 0, nil, 0, nil)
}

// fakeWaiter lets tests control exactly when a waiting task resolves.
type fakeWaiter struct {
	wake   bool
	value  any
	reason string
}

func (f *fakeWaiter) Resolve() wait.Decision {
	if !f.wake {
		return wait.Decision{}
	}
	return wait.Decision{Wake: true, Value: f.value}
}
func (f *fakeWaiter) Reason() string { return f.reason }

func TestRoundRobinOrder(t *testing.T) {
	s := New(nil, nil)
	s.AddCore(0, newTestTask(99)) // idle task

	a, b, c := newTestTask(1), newTestTask(2), newTestTask(3)
	s.Enqueue(0, a)
	s.Enqueue(0, b)
	s.Enqueue(0, c)

	for _, want := range []*proc.Task{a, b, c} {
		got := s.Tick(0)
		if got != want {
			t.Fatalf("expected task %d next, got %d", want.ID, got.ID)
		}
		s.Yield(0, got)
	}

	// Having yielded all three, the cycle repeats from a.
	if got := s.Tick(0); got != a {
		t.Fatalf("expected round-robin to wrap back to task %d, got %d", a.ID, got.ID)
	}
}

func TestIdleTaskRunsWhenReadyEmpty(t *testing.T) {
	s := New(nil, nil)
	idle := newTestTask(1)
	s.AddCore(0, idle)

	got := s.Tick(0)
	if got != idle {
		t.Fatalf("expected idle task when ready queue is empty, got %v", got)
	}
}

func TestWaitingTaskWakesAndRejoinsReadyQueue(t *testing.T) {
	s := New(nil, nil)
	idle := newTestTask(99)
	s.AddCore(0, idle)

	task := newTestTask(1)
	s.Enqueue(0, task)
	if got := s.Tick(0); got != task {
		t.Fatalf("expected task to run first")
	}

	w := &fakeWaiter{reason: "sleep"}
	s.InstallWait(task, w)
	if !s.Waiting(task.ID) {
		t.Fatalf("expected task in waiting set")
	}

	// Not yet resolvable: the core falls back to idle.
	if got := s.Tick(0); got != idle {
		t.Fatalf("expected idle task while waiter unresolved, got %v", got)
	}

	w.wake = true
	w.value = "done"
	got := s.Tick(0)
	if s.Waiting(task.ID) {
		t.Fatalf("expected task removed from waiting set once resolved")
	}
	if got != task {
		t.Fatalf("expected resolved task scheduled next, got %v", got)
	}
	v, ok := s.PopResult(task.ID)
	if !ok || v != "done" {
		t.Fatalf("expected resolver value to be recorded, got %v ok=%v", v, ok)
	}
}

func TestMessageArrivalBoostsToHeadOfQueue(t *testing.T) {
	s := New(nil, nil)
	s.AddCore(0, newTestTask(99))

	waiting := newTestTask(1)
	s.Enqueue(0, waiting)
	s.Tick(0) // waiting becomes running

	w := &fakeWaiter{reason: "receive-message"}
	s.InstallWait(waiting, w)

	// Two ordinary tasks queue up while the message has not arrived yet.
	other1, other2 := newTestTask(2), newTestTask(3)
	s.Enqueue(0, other1)
	s.Enqueue(0, other2)

	w.wake = true
	// The message arrives mid-decision: the resolver fires during this
	// same Tick, and a message-arrival wake is promoted ahead of tasks
	// that were already queued, so it is selected immediately.
	if got := s.Tick(0); got != waiting {
		t.Fatalf("expected message-boosted task scheduled immediately, got %v", got)
	}
}

func TestReapDeadRunningTask(t *testing.T) {
	s := New(nil, nil)
	s.AddCore(0, newTestTask(99))

	task := newTestTask(1)
	s.Enqueue(0, task)
	s.Tick(0) // task now running

	var reaped *proc.Task
	s.SetReapHook(func(t *proc.Task) { reaped = t })

	task.Kill()
	s.Tick(0)
	if reaped != task {
		t.Fatalf("expected reap hook to fire for dead running task")
	}
}
