package kernel

import (
	"testing"
	"time"
	"unsafe"

	"github.com/maxdev1/ghost-sub005/pkg/proc"
	"github.com/maxdev1/ghost-sub005/pkg/syscalltable"
)

func TestSyscallSleepResolvesAfterDeadline(t *testing.T) {
	k := newKernel(t)
	k.Scheduler.AddCore(0, k.newIdleTask())
	process, err := k.SpawnProcess("/", noSuchNode)
	if err != nil {
		t.Fatalf("spawn process: %v", err)
	}
	task := k.SpawnTask(0, process, proc.Application, 0x1000, 0x2000, 1, 0x3000)
	k.Scheduler.Tick(0) // promotes task to running

	args := &SleepArgs{Duration: 5 * time.Millisecond}
	status := k.Syscalls.Dispatch(0, task, CallSleep, uintptr(unsafe.Pointer(args)))
	if status != syscalltable.StatusPending {
		t.Fatalf("expected StatusPending, got %v", status)
	}
	if task.State() != proc.Waiting {
		t.Fatalf("expected task waiting on sleep, got %s", task.State())
	}

	time.Sleep(10 * time.Millisecond)
	k.Scheduler.Tick(0)
	if task.State() == proc.Waiting {
		t.Fatalf("expected sleep to resolve once the deadline passed")
	}
}

func TestSyscallSendReceiveRoundTrip(t *testing.T) {
	k := newKernel(t)
	k.Scheduler.AddCore(0, k.newIdleTask())
	process, err := k.SpawnProcess("/", noSuchNode)
	if err != nil {
		t.Fatalf("spawn process: %v", err)
	}
	a := k.SpawnTask(0, process, proc.Application, 0x1000, 0x2000, 1, 0x3000)
	b := k.SpawnTask(0, process, proc.Application, 0x1000, 0x2000, 1, 0x3000)

	k.Scheduler.Tick(0) // a running
	recvArgs := &ReceiveArgs{}
	status := k.Syscalls.Dispatch(0, a, CallReceive, uintptr(unsafe.Pointer(recvArgs)))
	if status != syscalltable.StatusPending {
		t.Fatalf("expected A's receive to block, got %v", status)
	}

	k.Scheduler.Tick(0) // b running
	sendArgs := &SendArgs{Receiver: a.ID, Bytes: []byte("hello")}
	status = k.Syscalls.Dispatch(0, b, CallSend, uintptr(unsafe.Pointer(sendArgs)))
	if status != syscalltable.StatusOK {
		t.Fatalf("expected B's send to A to succeed immediately, got %v", status)
	}

	if a.State() == proc.Waiting {
		t.Fatalf("expected B's delivery to have woken A")
	}
	msg, ok := k.CollectMessageResult(a)
	if !ok || string(msg.Bytes) != "hello" {
		t.Fatalf("expected A to receive B's message, got %+v ok=%v", msg, ok)
	}
}

func TestSyscallSendBlocksWhenQueueFull(t *testing.T) {
	k := newKernel(t)
	k.Scheduler.AddCore(0, k.newIdleTask())
	process, err := k.SpawnProcess("/", noSuchNode)
	if err != nil {
		t.Fatalf("spawn process: %v", err)
	}
	receiver := k.SpawnTask(0, process, proc.Application, 0x1000, 0x2000, 1, 0x3000)
	sender := k.SpawnTask(0, process, proc.Application, 0x1000, 0x2000, 1, 0x3000)

	for i := 0; i < messageQueueCapacity; i++ {
		if !k.Messages.SendNonBlocking(0, receiver.ID, []byte("x"), 0) {
			t.Fatalf("fill %d should fit under capacity", i)
		}
	}

	k.Scheduler.Tick(0)
	k.Scheduler.Tick(0) // sender now running

	args := &SendArgs{Receiver: receiver.ID, Bytes: []byte("overflow")}
	status := k.Syscalls.Dispatch(0, sender, CallSend, uintptr(unsafe.Pointer(args)))
	if status != syscalltable.StatusPending {
		t.Fatalf("expected the queue-full send to block, got %v", status)
	}
	if sender.State() != proc.Waiting {
		t.Fatalf("expected sender waiting, got %s", sender.State())
	}

	if _, ok := k.Messages.ReceiveNonBlocking(receiver.ID, 0); !ok {
		t.Fatalf("expected to dequeue one message to free capacity")
	}
	k.Scheduler.Tick(0)
	if sender.State() == proc.Waiting {
		t.Fatalf("expected the blocked send to resolve once capacity freed up")
	}
}

func TestSyscallSpawnCreatesProcessAndTask(t *testing.T) {
	k := newKernel(t)
	k.Scheduler.AddCore(0, k.newIdleTask())
	process, err := k.SpawnProcess("/", noSuchNode)
	if err != nil {
		t.Fatalf("spawn process: %v", err)
	}
	caller := k.SpawnTask(0, process, proc.Driver, 0x1000, 0x2000, 1, 0x3000)
	k.Scheduler.Tick(0) // caller running

	args := &SpawnArgs{Cwd: "/child", Entry: 0x5000, Core: 0}
	status := k.Syscalls.Dispatch(0, caller, CallSpawn, uintptr(unsafe.Pointer(args)))
	if status != syscalltable.StatusPending {
		t.Fatalf("expected a threaded call to return StatusPending immediately, got %v", status)
	}
	if caller.State() != proc.Waiting {
		t.Fatalf("expected the caller blocked on its join wait, got %s", caller.State())
	}
	if args.NewTask == 0 {
		t.Fatalf("expected the spawn handler to have written back the new task id")
	}

	k.Scheduler.Tick(0)
	if caller.State() == proc.Waiting {
		t.Fatalf("expected the join wait to resolve once the helper task died")
	}
	result, ok := k.Scheduler.PopResult(caller.ID)
	if !ok || result.(syscalltable.Status) != syscalltable.StatusOK {
		t.Fatalf("expected the joined status to be StatusOK, got %v ok=%v", result, ok)
	}
}

func TestSyscallOutOfRangeCallIDRejected(t *testing.T) {
	k := newKernel(t)
	k.Scheduler.AddCore(0, k.newIdleTask())
	process, err := k.SpawnProcess("/", noSuchNode)
	if err != nil {
		t.Fatalf("spawn process: %v", err)
	}
	task := k.SpawnTask(0, process, proc.Application, 0x1000, 0x2000, 1, 0x3000)
	k.Scheduler.Tick(0)

	status := k.Syscalls.Dispatch(0, task, syscalltable.CallCount, 0)
	if status != syscalltable.StatusInvalidArgument {
		t.Fatalf("expected out-of-range call id to be rejected, got %v", status)
	}
}
