package proc

import (
	"testing"

	"github.com/maxdev1/ghost-sub005/pkg/fsdesc"
)

func newTestProcess(t *testing.T) *Process {
	t.Helper()
	files := fsdesc.NewTable(func(int) (fsdesc.VirtualNode, bool) { return nil, false })
	return NewProcess(1, nil, nil, files, "/")
}

func TestTaskLifecycleTransitions(t *testing.T) {
	task := NewTask(1, Application, 0x401000, 0x7f000000, 4, nil, 0xe0000000, nil)
	if task.State() != Ready {
		t.Fatalf("expected new task to start ready, got %s", task.State())
	}

	task.SetRunning()
	if task.State() != Running {
		t.Fatalf("expected running after SetRunning, got %s", task.State())
	}

	task.SetReady()
	if task.State() != Ready {
		t.Fatalf("expected ready after preemption, got %s", task.State())
	}

	task.SetRunning()
	task.SetWaiting(nil)
	if task.State() != Waiting {
		t.Fatalf("expected waiting, got %s", task.State())
	}
	task.SetReady()
	if task.State() != Ready {
		t.Fatalf("expected ready after predicate resolved, got %s", task.State())
	}

	task.Kill()
	if task.State() != Dead {
		t.Fatalf("expected dead after kill")
	}
	task.Kill() // idempotent
	if task.State() != Dead {
		t.Fatalf("expected kill to remain idempotent")
	}
	if !task.Terminal() {
		t.Fatalf("expected dead task to be terminal")
	}
}

func TestInvalidTransitionPanics(t *testing.T) {
	task := NewTask(1, Application, 0, 0, 0, nil, 0, nil)
	defer func() {
		if recover() == nil {
			t.Fatalf("expected panic transitioning waiting from ready")
		}
	}()
	task.SetWaiting(nil) // ready -> waiting is invalid; must come from running
}

func TestProcessThreadLifecycle(t *testing.T) {
	p := newTestProcess(t)
	t1 := NewTask(1, Application, 0, 0, 0, nil, 0, nil)
	t2 := NewTask(2, Application, 0, 0, 0, nil, 0, nil)

	p.AddThread(t1)
	p.AddThread(t2)
	if p.ThreadCount() != 2 {
		t.Fatalf("expected 2 threads, got %d", p.ThreadCount())
	}

	if empty := p.RemoveThread(t1); empty {
		t.Fatalf("should not be empty with one thread left")
	}
	if empty := p.RemoveThread(t2); !empty {
		t.Fatalf("expected process empty after removing last thread")
	}
}

func TestNameRegistryLookup(t *testing.T) {
	reg := NewRegistry()
	reg.Register("devicemanager", 42)

	id, ok := reg.Lookup("devicemanager")
	if !ok || id != 42 {
		t.Fatalf("expected lookup to find devicemanager, got %v %v", id, ok)
	}
	if _, ok := reg.Lookup("nonexistent"); ok {
		t.Fatalf("expected lookup miss for unregistered name")
	}

	reg.Unregister("devicemanager")
	if _, ok := reg.Lookup("devicemanager"); ok {
		t.Fatalf("expected lookup miss after unregister")
	}
}

func TestCloneBookkeeping(t *testing.T) {
	p := newTestProcess(t)
	p.TLS = TLSMaster{Bytes: []byte{1, 2, 3}, CopySize: 3, TotalSize: 3}

	tls, cwd := p.CloneBookkeeping()
	if cwd != "/" {
		t.Fatalf("expected cwd '/', got %q", cwd)
	}
	tls.Bytes[0] = 99
	if p.TLS.Bytes[0] == 99 {
		t.Fatalf("expected deep copy, mutation leaked into original")
	}
}
