// Package kernel wires the kernel-core components (pkg/pmm, pkg/vmm,
// pkg/kheap, pkg/vmrange, pkg/irq, pkg/proc, pkg/ipc, pkg/sched,
// pkg/syscalltable, pkg/smp, pkg/klog) into the single process-wide
// singleton spec.md's design notes describe: "global state... initialized
// once via initialize(setup_info), for the lifetime of the kernel (no
// teardown of the kernel itself)." Grounded on the sequencing
// _examples/original_source/kernel/src/kernel/kernel.hpp documents
// (kernelInitialize -> kernelRunBootstrapCore -> per-core release), and on
// spec.md section 4.6 for the task/process destruction sequence wired
// here as the scheduler's reap hook, since that is the only place every
// owning component of a dead task is reachable at once.
package kernel

import (
	"context"
	"fmt"
	"sync"

	"github.com/maxdev1/ghost-sub005/pkg/bootinfo"
	"github.com/maxdev1/ghost-sub005/pkg/fsdesc"
	"github.com/maxdev1/ghost-sub005/pkg/ipc"
	"github.com/maxdev1/ghost-sub005/pkg/irq"
	"github.com/maxdev1/ghost-sub005/pkg/kheap"
	"github.com/maxdev1/ghost-sub005/pkg/klog"
	"github.com/maxdev1/ghost-sub005/pkg/pmm"
	"github.com/maxdev1/ghost-sub005/pkg/proc"
	"github.com/maxdev1/ghost-sub005/pkg/sched"
	"github.com/maxdev1/ghost-sub005/pkg/smp"
	"github.com/maxdev1/ghost-sub005/pkg/syscalltable"
	"github.com/maxdev1/ghost-sub005/pkg/vmm"
	"github.com/maxdev1/ghost-sub005/pkg/vmrange"
)

// PageFaultVector is the x86 page-fault exception vector, the only
// exception this package gives dedicated handling: every other exception
// vector is fatal to the task that raised it.
const PageFaultVector = 14

// userRangeBase/userRangePages bound the per-process user address-range
// pool (spec.md component C4); real values come from the loader's
// per-process layout, left fixed here since that layout isn't part of
// this package's scope.
const (
	userRangeBase  = 0x40000000
	userRangePages = 1 << 18 // 1 GiB of 4 KiB pages
)

// kernelHeapStart is the virtual address pkg/kheap's growable window
// begins at, chosen to sit above the identity-mapped low kernel image.
const kernelHeapStart = 0xD0000000

// messageQueueCapacity bounds each task's pkg/ipc receive queue.
const messageQueueCapacity = 64

// Kernel is the kernel-wide singleton: the root of every other component
// this module implements. There is exactly one per running kernel image,
// constructed by New and populated by Initialize.
type Kernel struct {
	Log *klog.Logger

	Physical    *pmm.Allocator
	VMM         *vmm.Manager
	KernelSpace *vmm.AddressSpace
	Heap        *kheap.Heap

	Names     *proc.Registry
	Messages  *ipc.Broker
	IRQs      *irq.Table
	Dispatch  *irq.Dispatcher
	Syscalls  *syscalltable.Dispatcher
	Scheduler *sched.Scheduler
	Bringup   *smp.Bringup

	mu        sync.Mutex
	processes map[proc.ProcessID]*proc.Process
	tasks     map[proc.TaskID]*proc.Task
	nextPID   proc.ProcessID
	nextTID   proc.TaskID
}

// New constructs a Kernel with its components created and their
// callbacks wired together, but with no memory handed to it yet. Call
// Initialize before use.
func New(log *klog.Logger) *Kernel {
	k := &Kernel{
		Log:       log,
		Physical:  pmm.New(),
		VMM:       vmm.NewManager(),
		Names:     proc.NewRegistry(),
		IRQs:      irq.NewTable(),
		processes: make(map[proc.ProcessID]*proc.Process),
		tasks:     make(map[proc.TaskID]*proc.Task),
	}
	k.Dispatch = irq.NewDispatcher(k.IRQs, log)
	k.Scheduler = sched.New(k.VMM, k.spaceForTask)
	k.Scheduler.SetReapHook(k.reapTask)
	k.Messages = ipc.NewBroker(messageQueueCapacity, k.Scheduler)
	k.Syscalls = syscalltable.NewDispatcher(k.Scheduler, nil, log)
	k.Bringup = &smp.Bringup{Scheduler: k.Scheduler}
	k.registerSyscalls()

	k.Messages.OnDelivered = func(receiver proc.TaskID) {
		k.mu.Lock()
		t := k.tasks[receiver]
		k.mu.Unlock()
		if t != nil {
			k.Scheduler.WakeIfResolvable(t)
		}
	}
	k.Dispatch.OnTimer = func(core int) { k.Scheduler.Tick(core) }
	k.Dispatch.OnSyscall = k.onSyscall
	k.Dispatch.OnException = k.onException
	k.Dispatch.OnIRQHandlerEntry = k.onIRQHandlerEntry
	return k
}

// onIRQHandlerEntry is the dispatcher's hook for an IRQ with a live
// registration (spec.md section 4.5's "resume a waiter" path): it sets
// the pending bit unconditionally, the same wake-time side effect
// wait.IRQWait's own resolver expects to observe, then immediately
// checks whether the registered task is already blocked on it, rather
// than waiting for the next timer tick's waiting-set poll.
func (k *Kernel) onIRQHandlerEntry(reg irq.Registration, irqNum int) {
	k.IRQs.Raise(irqNum)
	k.mu.Lock()
	t := k.tasks[reg.Task]
	k.mu.Unlock()
	if t != nil {
		k.Scheduler.WakeIfResolvable(t)
	}
}

// Initialize brings up the physical allocator and kernel address space
// from the bootloader's hand-off record, then creates the kernel heap,
// whose window starts empty and grows on its first allocation. This is the sole configuration
// entry point spec.md section 6 allows; it is called exactly once, at
// boot, on the bootstrap processor.
func (k *Kernel) Initialize(setup *bootinfo.SetupInformation) error {
	k.Physical.Initialize(setup)

	space, err := vmm.NewAddressSpace(k.Physical)
	if err != nil {
		return fmt.Errorf("kernel: allocate kernel address space: %w", err)
	}
	k.KernelSpace = space
	k.Heap = kheap.New(k.Physical, k.KernelSpace, kernelHeapStart)
	return nil
}

// StartSMP enumerates cores and releases every core's idle task into the
// scheduler (spec.md component C12), via pkg/smp.
func (k *Kernel) StartSMP(ctx context.Context, cores []smp.CoreInfo, sendSIPI func(smp.CoreInfo) (bool, error)) ([]smp.StartupResult, error) {
	k.Bringup.SendSIPI = sendSIPI
	return k.Bringup.Start(ctx, cores, func(c smp.CoreInfo) *proc.Task {
		return k.newIdleTask()
	})
}

func (k *Kernel) newIdleTask() *proc.Task {
	k.mu.Lock()
	k.nextTID++
	id := k.nextTID
	k.mu.Unlock()
	return proc.NewTask(id, proc.Kernel, 0, 0, 0, nil, 0, nil)
}

// spaceForTask satisfies sched.Scheduler's spaceFor callback: it resolves
// a task's owning process's address space so a resolver can be evaluated
// "in the task's address space" (spec.md section 4.8).
func (k *Kernel) spaceForTask(id proc.TaskID) *vmm.AddressSpace {
	k.mu.Lock()
	t := k.tasks[id]
	k.mu.Unlock()
	if t == nil || t.Process == nil {
		return nil
	}
	return t.Process.Space
}

// SpawnProcess creates a process with a fresh address space (seeded with
// the shared kernel half), a user address-range pool, and a filesystem
// descriptor table, per spec.md section 4.6's Process ownership rules.
func (k *Kernel) SpawnProcess(cwd string, resolveNode func(nodeID int) (fsdesc.VirtualNode, bool)) (*proc.Process, error) {
	space, err := vmm.NewAddressSpace(k.Physical)
	if err != nil {
		return nil, fmt.Errorf("kernel: spawn process: allocate address space: %w", err)
	}
	if k.KernelSpace != nil {
		space.CloneKernelHalf(k.KernelSpace)
	}
	ranges := vmrange.NewPool(userRangeBase, userRangePages)
	files := fsdesc.NewTable(resolveNode)

	k.mu.Lock()
	k.nextPID++
	pid := k.nextPID
	p := proc.NewProcess(pid, space, ranges, files, cwd)
	k.processes[pid] = p
	k.mu.Unlock()
	return p, nil
}

// SpawnTask creates a thread of process, registers it with the kernel's
// task table, and enqueues it on core's ready queue.
func (k *Kernel) SpawnTask(core int, process *proc.Process, security proc.SecurityLevel, entry uintptr, userStackBase uintptr, userStackPages uint32, kernelStackBase uintptr) *proc.Task {
	k.mu.Lock()
	k.nextTID++
	t := proc.NewTask(k.nextTID, security, entry, userStackBase, userStackPages, nil, kernelStackBase, nil)
	k.tasks[t.ID] = t
	k.mu.Unlock()

	process.AddThread(t)
	k.Scheduler.Enqueue(core, t)
	return t
}

// reapTask is the scheduler's onReap hook: it tears down every resource a
// dead task owned, per spec.md section 4.6 — "clears any IRQ
// registrations", "removes any pending messages addressed to it", and,
// once it was the process's last thread, "its address-space frames are
// freed".
func (k *Kernel) reapTask(t *proc.Task) {
	const reapingCore = 0
	k.IRQs.UnregisterTask(reapingCore, t.ID)
	k.Messages.Teardown(t.ID)

	k.mu.Lock()
	delete(k.tasks, t.ID)
	k.mu.Unlock()

	if t.Process == nil {
		return
	}
	if nowEmpty := t.Process.RemoveThread(t); nowEmpty {
		t.Process.Files.UnmapAll()
		t.Process.Space.FreeAll(k.Physical)
		k.mu.Lock()
		delete(k.processes, t.Process.PID)
		k.mu.Unlock()
	}
}

// onSyscall adapts an interrupt-dispatcher syscall trap to
// pkg/syscalltable's call convention: the call id in EAX, the argument
// pointer in EBX, and the returned Status written back into EAX for the
// caller to observe on resume.
func (k *Kernel) onSyscall(core int, caller *proc.Task, cpu *proc.CPUState) {
	if caller == nil {
		return
	}
	status := k.Syscalls.Dispatch(core, caller, int(cpu.EAX), cpu.EBX)
	cpu.EAX = uintptr(status)
}

// onException implements spec.md's "Fault-kill" scenario: a page fault is
// first offered to the faulting address space's on-demand mapping
// registry (spec.md section 4.2's case (ii)); anything else, or a page
// fault that resolves to no mapping, is fatal — the faulting task is
// killed and the process's remaining threads are left untouched, per
// spec.md section 4.6's "Destroying the last thread destroys the
// process" (a process with siblings still alive simply loses one
// thread).
func (k *Kernel) onException(core int, caller *proc.Task, vector int, cpu *proc.CPUState, cr2 uintptr) {
	if caller == nil {
		return
	}
	if vector == PageFaultVector && caller.Process != nil {
		if demand, ok := caller.Process.Space.LookupOnDemand(cr2); ok {
			if k.Log != nil {
				k.Log.Debugf("task %d: demand-paging fault at %#x resolved by descriptor %d", caller.ID, cr2, demand.Descriptor)
			}
			return
		}
	}
	if k.Log != nil {
		k.Log.Warnf("task %d: fatal exception vector %d at eip=%#x cr2=%#x, killing task", caller.ID, vector, cpu.EIP, cr2)
	}
	caller.Kill()
}
