// Package syscalltable implements the system-call dispatcher (spec.md
// component C9): a call-id-indexed table of inline and threaded
// handlers, privileged-call gating, and out-of-range rejection.
// Grounded on spec.md section 4.9 and the "newer dispatcher uses a call
// table with a threaded flag" resolution of the source's two parallel
// trees (spec.md section 9's Open Question), modeled after
// _examples/original_source/kernel/src/kernel/calls/syscall.cpp's
// table-driven call routing.
package syscalltable

import (
	"fmt"

	"github.com/moby/sys/capability"

	"github.com/maxdev1/ghost-sub005/pkg/klog"
	"github.com/maxdev1/ghost-sub005/pkg/proc"
	"github.com/maxdev1/ghost-sub005/pkg/sched"
	"github.com/maxdev1/ghost-sub005/pkg/wait"
)

// CallCount bounds the call-id table; ids at or beyond it are rejected
// per spec.md section 6: "ids above the table size are rejected."
const CallCount = 256

// Status is the syscall's status enum, written back into the caller's
// per-call argument structure (spec.md section 6). StatusPending is
// kernel-internal: Dispatch returns it for a threaded call whose real
// result only becomes available once the caller wakes from its join wait
// and pops it from the scheduler.
type Status int

const (
	StatusOK Status = iota
	StatusOutOfMemory
	StatusInvalidArgument
	StatusPermissionDenied
	StatusQueueFull
	StatusQueueEmpty
	StatusNotFound
	StatusFaulted
	StatusPending
)

// Handler runs one syscall's logic. argPointer is a pointer into the
// caller's own address space, valid because dispatch always runs in the
// caller's own context (spec.md section 4.9's "Argument validity").
type Handler func(caller *proc.Task, argPointer uintptr) Status

// Entry is one call table row: the handler, its dispatch mode, and
// whether it requires a privileged caller.
type Entry struct {
	Handler    Handler
	Threaded   bool
	Privileged bool
}

// PrivilegeGate layers a host-capability check on top of a caller's
// proc.SecurityLevel for privileged calls (VM86, IRQ registration):
// github.com/moby/sys/capability reports whether the kernel process
// itself still retains the Linux capability that backs the privilege
// being granted (e.g. CAP_SYS_RAWIO for IOPL-raising VM86 calls), so a
// kernel that was started with reduced capabilities fails the gate even
// for tasks whose SecurityLevel alone would qualify.
type PrivilegeGate struct {
	Required capability.Cap
}

// NewPrivilegeGate builds a gate requiring the given capability.
func NewPrivilegeGate(required capability.Cap) *PrivilegeGate {
	return &PrivilegeGate{Required: required}
}

// Allowed reports whether the hosting process currently holds Required
// in its effective set.
func (g *PrivilegeGate) Allowed() bool {
	caps, err := capability.NewPid2(0)
	if err != nil {
		return false
	}
	if err := caps.Load(); err != nil {
		return false
	}
	return caps.Get(capability.EFFECTIVE, g.Required)
}

// joinResult is a wait.Waiter that wakes once a threaded call's helper
// task has died, carrying the status the helper's handler produced.
type joinResult struct {
	target *proc.Task
	status Status
}

func (j *joinResult) Resolve() wait.Decision {
	if j.target.Terminal() {
		return wait.Decision{Wake: true, Value: j.status}
	}
	return wait.Decision{}
}
func (j *joinResult) Reason() string { return "call-threaded" }

// Dispatcher is the kernel-wide call table plus the scheduler hooks
// threaded calls need to install the caller's join wait.
type Dispatcher struct {
	table [CallCount]*Entry
	gate  *PrivilegeGate
	log   *klog.Logger
	sched *sched.Scheduler

	// SpawnHelper constructs (but does not run) the helper kernel task a
	// threaded call executes on. Left nil in tests that only register
	// inline calls.
	SpawnHelper func(caller *proc.Task) *proc.Task
}

// NewDispatcher builds an empty dispatcher. gate may be nil to skip the
// host-capability layer (e.g. in tests), relying on SecurityLevel alone.
func NewDispatcher(s *sched.Scheduler, gate *PrivilegeGate, log *klog.Logger) *Dispatcher {
	return &Dispatcher{sched: s, gate: gate, log: log}
}

// Register binds callID to entry, panicking on an out-of-range id — a
// boot-time table-building bug, not a runtime condition.
func (d *Dispatcher) Register(callID int, entry Entry) {
	if callID < 0 || callID >= CallCount {
		panic(fmt.Sprintf("syscalltable: call id %d out of range", callID))
	}
	d.table[callID] = &entry
}

// Dispatch routes callID for caller, per spec.md section 4.9.
func (d *Dispatcher) Dispatch(core int, caller *proc.Task, callID int, argPointer uintptr) Status {
	if callID < 0 || callID >= CallCount || d.table[callID] == nil {
		if d.log != nil {
			d.log.Warnf("syscall: out-of-range call id %d from task %d", callID, caller.ID)
		}
		return StatusInvalidArgument
	}

	entry := d.table[callID]
	if entry.Privileged && !d.authorized(caller) {
		return StatusPermissionDenied
	}
	if !entry.Threaded {
		return entry.Handler(caller, argPointer)
	}
	return d.dispatchThreaded(core, caller, entry, argPointer)
}

func (d *Dispatcher) authorized(caller *proc.Task) bool {
	if caller.Security != proc.Kernel && caller.Security != proc.Driver {
		return false
	}
	if d.gate == nil {
		return true
	}
	return d.gate.Allowed()
}

// dispatchThreaded primes a helper task with entry's handler, sets the
// caller to wait-for-join on it, and yields (spec.md section 4.9's
// "Threaded mode"). There is no separate instruction-execution loop in
// this model, so the helper's body is run to completion here — the
// caller's blocking contract (installed join wait, woken only once the
// helper is terminal) is exercised exactly as spec.md describes either
// way.
func (d *Dispatcher) dispatchThreaded(core int, caller *proc.Task, entry *Entry, argPointer uintptr) Status {
	if d.SpawnHelper == nil {
		panic("syscalltable: threaded call dispatched without a SpawnHelper installed")
	}
	helper := d.SpawnHelper(caller)
	status := entry.Handler(helper, argPointer)
	helper.Kill()

	d.sched.InstallWait(caller, &joinResult{target: helper, status: status})
	return StatusPending
}
