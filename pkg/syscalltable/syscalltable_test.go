package syscalltable

import (
	"testing"

	"github.com/maxdev1/ghost-sub005/pkg/proc"
	"github.com/maxdev1/ghost-sub005/pkg/sched"
)

func newTask(id proc.TaskID, sec proc.SecurityLevel) *proc.Task {
	return proc.NewTask(id, sec, 0, 0, 0, nil, 0, nil)
}

func TestInlineCallRunsDirectly(t *testing.T) {
	s := sched.New(nil, nil)
	d := NewDispatcher(s, nil, nil)

	d.Register(1, Entry{Handler: func(caller *proc.Task, argPointer uintptr) Status {
		if argPointer != 0xAB {
			t.Fatalf("expected arg pointer forwarded, got %#x", argPointer)
		}
		return StatusOK
	}})

	caller := newTask(1, proc.Application)
	got := d.Dispatch(0, caller, 1, 0xAB)
	if got != StatusOK {
		t.Fatalf("expected StatusOK, got %v", got)
	}
}

func TestOutOfRangeCallIDRejected(t *testing.T) {
	s := sched.New(nil, nil)
	d := NewDispatcher(s, nil, nil)
	caller := newTask(1, proc.Application)

	got := d.Dispatch(0, caller, 999, 0)
	if got != StatusInvalidArgument {
		t.Fatalf("expected StatusInvalidArgument for unregistered/out-of-range id, got %v", got)
	}
}

func TestUnprivilegedCallerRejectedForPrivilegedCall(t *testing.T) {
	s := sched.New(nil, nil)
	d := NewDispatcher(s, nil, nil)
	d.Register(2, Entry{Privileged: true, Handler: func(*proc.Task, uintptr) Status { return StatusOK }})

	caller := newTask(1, proc.Application)
	got := d.Dispatch(0, caller, 2, 0)
	if got != StatusPermissionDenied {
		t.Fatalf("expected StatusPermissionDenied for application-level caller, got %v", got)
	}
}

func TestDriverCallerAllowedForPrivilegedCallWithoutGate(t *testing.T) {
	s := sched.New(nil, nil)
	d := NewDispatcher(s, nil, nil) // nil gate: SecurityLevel alone decides
	d.Register(2, Entry{Privileged: true, Handler: func(*proc.Task, uintptr) Status { return StatusOK }})

	caller := newTask(1, proc.Driver)
	got := d.Dispatch(0, caller, 2, 0)
	if got != StatusOK {
		t.Fatalf("expected driver-level caller to pass the privilege check, got %v", got)
	}
}

func TestThreadedCallBlocksCallerUntilHelperJoins(t *testing.T) {
	s := sched.New(nil, nil)
	s.AddCore(0, newTask(99, proc.Kernel))
	d := NewDispatcher(s, nil, nil)

	var helperRan bool
	d.Register(3, Entry{Threaded: true, Handler: func(caller *proc.Task, argPointer uintptr) Status {
		helperRan = true
		return StatusNotFound
	}})

	var nextHelperID proc.TaskID = 100
	d.SpawnHelper = func(caller *proc.Task) *proc.Task {
		h := newTask(nextHelperID, proc.Kernel)
		nextHelperID++
		return h
	}

	caller := newTask(1, proc.Application)
	s.Enqueue(0, caller)
	s.Tick(0) // caller becomes running

	got := d.Dispatch(0, caller, 3, 0)
	if got != StatusPending {
		t.Fatalf("expected StatusPending immediately for a threaded call, got %v", got)
	}
	if !helperRan {
		t.Fatalf("expected helper handler to have run")
	}
	if !s.Waiting(caller.ID) {
		t.Fatalf("expected caller installed into the waiting set")
	}

	// The helper already died synchronously, so the next tick resolves
	// the join immediately and hands back the captured status.
	woke := s.Tick(0)
	if woke != caller {
		t.Fatalf("expected caller to be rescheduled once its helper joined, got %v", woke)
	}
	v, ok := s.PopResult(caller.ID)
	if !ok || v != StatusNotFound {
		t.Fatalf("expected caller to observe the helper's captured status, got %v ok=%v", v, ok)
	}
}
