package kernel

import (
	"time"
	"unsafe"

	"github.com/maxdev1/ghost-sub005/pkg/fsdesc"
	"github.com/maxdev1/ghost-sub005/pkg/ipc"
	"github.com/maxdev1/ghost-sub005/pkg/proc"
	"github.com/maxdev1/ghost-sub005/pkg/syscalltable"
	"github.com/maxdev1/ghost-sub005/pkg/wait"
)

// Call ids, per spec.md section 6's call table. argPointer always points
// at the matching *Args struct below, living in the caller's own Go
// stack/heap rather than a separate address space (spec.md section 4.9's
// "pointer into the caller's own address space", translated here the way
// package syscall itself round-trips a raw pointer through a uintptr).
const (
	CallYield = iota
	CallSleep
	CallSend
	CallReceive
	CallOpen
	CallClose
	CallRead
	CallWrite
	CallSeek
	CallSpawn
)

// registerSyscalls fills in the call table New leaves empty, and wires
// SpawnHelper so CallSpawn's threaded dispatch has a helper task to run
// its handler on.
func (k *Kernel) registerSyscalls() {
	k.Syscalls.Register(CallYield, syscalltable.Entry{Handler: k.sysYield})
	k.Syscalls.Register(CallSleep, syscalltable.Entry{Handler: k.sysSleep})
	k.Syscalls.Register(CallSend, syscalltable.Entry{Handler: k.sysSend})
	k.Syscalls.Register(CallReceive, syscalltable.Entry{Handler: k.sysReceive})
	k.Syscalls.Register(CallOpen, syscalltable.Entry{Handler: k.sysOpen})
	k.Syscalls.Register(CallClose, syscalltable.Entry{Handler: k.sysClose})
	k.Syscalls.Register(CallRead, syscalltable.Entry{Handler: k.sysRead})
	k.Syscalls.Register(CallWrite, syscalltable.Entry{Handler: k.sysWrite})
	k.Syscalls.Register(CallSeek, syscalltable.Entry{Handler: k.sysSeek})
	k.Syscalls.Register(CallSpawn, syscalltable.Entry{Threaded: true, Handler: k.sysSpawn})
	k.Syscalls.SpawnHelper = k.newSyscallHelper
}

// newSyscallHelper builds the kernel-security helper task a threaded
// syscall (spec.md section 4.9) runs its handler on. It is never
// enqueued on a ready queue: dispatchThreaded runs its handler to
// completion inline, then kills it immediately.
func (k *Kernel) newSyscallHelper(caller *proc.Task) *proc.Task {
	k.mu.Lock()
	k.nextTID++
	id := k.nextTID
	k.mu.Unlock()
	return proc.NewTask(id, proc.Kernel, 0, 0, 0, nil, 0, nil)
}

// sysYield implements the explicit yield syscall: the caller gives up
// its core's running slot and rejoins the back of the ready queue
// (spec.md section 4.7).
func (k *Kernel) sysYield(caller *proc.Task, argPointer uintptr) syscalltable.Status {
	core, ok := k.Scheduler.CoreOf(caller.ID)
	if !ok {
		return syscalltable.StatusInvalidArgument
	}
	k.Scheduler.Yield(core, caller)
	return syscalltable.StatusOK
}

// SleepArgs names how long the caller wants to sleep.
type SleepArgs struct {
	Duration time.Duration
}

// sysSleep installs a wait.Sleep waiter for Duration, woken by the real
// wall clock (spec.md's mandatory sleep scenario).
func (k *Kernel) sysSleep(caller *proc.Task, argPointer uintptr) syscalltable.Status {
	args := (*SleepArgs)(unsafe.Pointer(argPointer))
	k.Scheduler.InstallWait(caller, &wait.Sleep{
		Deadline: time.Now().Add(args.Duration),
		Now:      time.Now,
	})
	return syscalltable.StatusPending
}

// SendArgs names the blocking send syscall's arguments; Bytes is opaque
// to the kernel (spec.md section 6).
type SendArgs struct {
	Receiver    proc.TaskID
	Transaction uint32
	Bytes       []byte
}

// sysSend delivers Bytes to Receiver, blocking the caller on
// wait.SendMessage if its queue is full (spec.md section 4.10).
func (k *Kernel) sysSend(caller *proc.Task, argPointer uintptr) syscalltable.Status {
	args := (*SendArgs)(unsafe.Pointer(argPointer))
	if k.Messages.Send(caller, args.Receiver, args.Bytes, args.Transaction) {
		return syscalltable.StatusOK
	}
	return syscalltable.StatusPending
}

// ReceiveArgs names the blocking receive syscall's arguments. Result is
// written back only on the fast path, when a matching message is already
// queued. For a receive that blocked, Result is left untouched; the
// message is fetched with CollectMessageResult once the task wakes.
type ReceiveArgs struct {
	Transaction uint32
	Result      ipc.Message
}

// sysReceive dequeues one message matching Transaction (0 = any) for the
// caller, blocking on wait.ReceiveMessage if none is queued yet.
func (k *Kernel) sysReceive(caller *proc.Task, argPointer uintptr) syscalltable.Status {
	args := (*ReceiveArgs)(unsafe.Pointer(argPointer))
	msg, ok := k.Messages.Receive(caller, args.Transaction)
	if !ok {
		return syscalltable.StatusPending
	}
	args.Result = msg
	return syscalltable.StatusOK
}

// CollectMessageResult pops the message a blocked receive's waiter
// delivered once the caller observes it has woken (task state no longer
// Waiting): there is no instruction-level resume path in this model to
// copy the result into ReceiveArgs.Result automatically, so the caller
// fetches it explicitly, the same role package syscalltable's own
// threaded-call Status pop already plays for CallSpawn.
func (k *Kernel) CollectMessageResult(caller *proc.Task) (ipc.Message, bool) {
	v, ok := k.Scheduler.PopResult(caller.ID)
	if !ok {
		return ipc.Message{}, false
	}
	msg, ok := v.(ipc.Message)
	return msg, ok
}

// OpenArgs describes a filesystem-descriptor open request; FD is written
// back on success.
type OpenArgs struct {
	Node   int
	FDHint int
	Flags  int
	FD     int
}

func (k *Kernel) sysOpen(caller *proc.Task, argPointer uintptr) syscalltable.Status {
	if caller.Process == nil {
		return syscalltable.StatusInvalidArgument
	}
	args := (*OpenArgs)(unsafe.Pointer(argPointer))
	args.FD = caller.Process.Files.Map(args.Node, args.FDHint, args.Flags)
	return syscalltable.StatusOK
}

// CloseArgs names the descriptor to unmap.
type CloseArgs struct {
	FD int
}

func (k *Kernel) sysClose(caller *proc.Task, argPointer uintptr) syscalltable.Status {
	if caller.Process == nil {
		return syscalltable.StatusInvalidArgument
	}
	args := (*CloseArgs)(unsafe.Pointer(argPointer))
	caller.Process.Files.Unmap(args.FD)
	return syscalltable.StatusOK
}

// ReadWriteArgs is shared by the read and write syscalls; N is written
// back with the number of bytes actually transferred.
type ReadWriteArgs struct {
	FD  int
	Buf []byte
	N   int
}

func (k *Kernel) sysRead(caller *proc.Task, argPointer uintptr) syscalltable.Status {
	if caller.Process == nil {
		return syscalltable.StatusInvalidArgument
	}
	args := (*ReadWriteArgs)(unsafe.Pointer(argPointer))
	n, err := caller.Process.Files.Read(args.FD, args.Buf)
	args.N = n
	if err != nil {
		return syscalltable.StatusNotFound
	}
	return syscalltable.StatusOK
}

func (k *Kernel) sysWrite(caller *proc.Task, argPointer uintptr) syscalltable.Status {
	if caller.Process == nil {
		return syscalltable.StatusInvalidArgument
	}
	args := (*ReadWriteArgs)(unsafe.Pointer(argPointer))
	n, err := caller.Process.Files.Write(args.FD, args.Buf)
	args.N = n
	if err != nil {
		return syscalltable.StatusNotFound
	}
	return syscalltable.StatusOK
}

// SeekArgs names the seek syscall's arguments; NewOffset is written back
// on success.
type SeekArgs struct {
	FD        int
	Offset    int64
	Mode      fsdesc.SeekMode
	NewOffset int64
}

func (k *Kernel) sysSeek(caller *proc.Task, argPointer uintptr) syscalltable.Status {
	if caller.Process == nil {
		return syscalltable.StatusInvalidArgument
	}
	args := (*SeekArgs)(unsafe.Pointer(argPointer))
	off, err := caller.Process.Files.Seek(args.FD, args.Offset, args.Mode)
	if err != nil {
		return syscalltable.StatusNotFound
	}
	args.NewOffset = off
	return syscalltable.StatusOK
}

// SpawnArgs describes a process+task creation request; NewTask is
// written back on success. ResolveNode lets the caller hand the new
// process's descriptor table a concrete filesystem seam; nil means "no
// nodes resolvable yet", the same default cmd/ghostctl uses.
type SpawnArgs struct {
	Cwd         string
	Entry       uintptr
	Core        int
	ResolveNode func(nodeID int) (fsdesc.VirtualNode, bool)
	NewTask     proc.TaskID
}

func noResolvableNodes(int) (fsdesc.VirtualNode, bool) { return nil, false }

// sysSpawn is a threaded call (spec.md section 4.9: "used for calls that
// may block in complex ways (fork, spawn, ...)"): the dispatcher runs it
// on a helper task and blocks the caller on a join wait until it
// completes, per syscalltable.Dispatcher.dispatchThreaded.
func (k *Kernel) sysSpawn(helper *proc.Task, argPointer uintptr) syscalltable.Status {
	args := (*SpawnArgs)(unsafe.Pointer(argPointer))
	resolve := args.ResolveNode
	if resolve == nil {
		resolve = noResolvableNodes
	}
	p, err := k.SpawnProcess(args.Cwd, resolve)
	if err != nil {
		return syscalltable.StatusOutOfMemory
	}
	t := k.SpawnTask(args.Core, p, proc.Application, args.Entry, 0x10000000, 16, 0x20000000)
	args.NewTask = t.ID
	return syscalltable.StatusOK
}
