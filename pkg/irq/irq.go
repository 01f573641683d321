// Package irq implements the interrupt & exception core (spec.md
// component C5): the 256-vector dispatch table, the dispatch rules that
// route a vector to an exception handler, the timer, a registered IRQ
// handler task, or the syscall dispatcher, the IRQ registration table,
// and the global (interrupt-disabling) spin mutex spec.md section 5
// describes. Grounded on
// _examples/original_source/kernel/src-kernel/system/interrupts/handling/interrupt_request_dispatcher.cpp
// for the vector classification and spurious/unknown handling, and
// interrupt_exception_handler.hpp for the exception-vector split.
package irq

import (
	"context"
	"errors"
	"fmt"
	"os"
	"sync/atomic"

	"github.com/cenkalti/backoff/v5"
	"github.com/gofrs/flock"

	"github.com/maxdev1/ghost-sub005/pkg/klog"
	"github.com/maxdev1/ghost-sub005/pkg/proc"
)

// Vector classification constants, per spec.md section 4.5.
const (
	ExceptionVectorCount = 32
	SyscallVector        = 0x80
	SpuriousVector       = 0xFF
	TimerIRQ             = 0
	irqBase              = 0x20
	vectorCount          = 256
)

// GlobalMutex is the "global mutex" of spec.md section 5: a reentrant,
// per-core-owned critical section that never suspends its waiter — it
// spins instead, since it may be taken from interrupt context where no
// task mutex is legal. The spin is paced with
// github.com/cenkalti/backoff/v5 rather than a bare busy loop.
type GlobalMutex struct {
	locked int32
	owner  int32 // core id + 1; 0 means unlocked
	depth  int32
}

var errNotAcquired = errors.New("irq: global mutex not yet acquired")

// Lock acquires the mutex for core, spinning if another core holds it.
// Reentrant: the same core may call Lock again without blocking, so long
// as Unlock is called a matching number of times.
func (g *GlobalMutex) Lock(core int) {
	if atomic.LoadInt32(&g.owner) == int32(core)+1 {
		atomic.AddInt32(&g.depth, 1)
		return
	}
	_, _ = backoff.Retry(context.Background(), func() (struct{}, error) {
		if atomic.CompareAndSwapInt32(&g.locked, 0, 1) {
			return struct{}{}, nil
		}
		return struct{}{}, errNotAcquired
	}, backoff.WithBackOff(backoff.NewExponentialBackOff()))
	atomic.StoreInt32(&g.owner, int32(core)+1)
	atomic.StoreInt32(&g.depth, 1)
}

// Unlock releases one level of core's hold on the mutex. Panics if core
// does not currently own it, which would indicate a kernel bug.
func (g *GlobalMutex) Unlock(core int) {
	if atomic.LoadInt32(&g.owner) != int32(core)+1 {
		panic(fmt.Sprintf("irq: core %d unlocked a global mutex it does not own", core))
	}
	if atomic.AddInt32(&g.depth, -1) > 0 {
		return
	}
	atomic.StoreInt32(&g.owner, 0)
	atomic.StoreInt32(&g.locked, 0)
}

// Registration is one IRQ registration table entry (spec.md's data
// model): at most one per IRQ, naming the handler task and its
// handler/callback entry points.
type Registration struct {
	Task     proc.TaskID
	Handler  uintptr
	Callback uintptr
}

// Table is the kernel-wide IRQ registration table plus the per-IRQ
// pending bitset an unregistered IRQ sets for later poll (spec.md section
// 4.5: "or set a 'pending IRQ' bit for later poll"). Registration edits
// go through the global mutex; the pending bits are touched with atomics
// alone so raising one from interrupt context never takes any mutex.
type Table struct {
	global  GlobalMutex
	regs    [vectorCount]*Registration
	pending [vectorCount]int32
}

// NewTable builds an empty registration table.
func NewTable() *Table { return &Table{} }

// Register binds irqNum to reg, replacing any prior registration, per
// spec.md's "at most one registration per IRQ".
func (t *Table) Register(core int, irqNum int, reg Registration) {
	t.global.Lock(core)
	defer t.global.Unlock(core)
	t.regs[irqNum] = &reg
}

// Unregister clears irqNum's registration, if any.
func (t *Table) Unregister(core int, irqNum int) {
	t.global.Lock(core)
	defer t.global.Unlock(core)
	t.regs[irqNum] = nil
}

// UnregisterTask clears every IRQ registration owned by task, run at task
// destruction (spec.md section 4.6: "clears any IRQ registrations").
func (t *Table) UnregisterTask(core int, task proc.TaskID) {
	t.global.Lock(core)
	defer t.global.Unlock(core)
	for i, r := range t.regs {
		if r != nil && r.Task == task {
			t.regs[i] = nil
		}
	}
}

func (t *Table) lookup(core int, irqNum int) (Registration, bool) {
	t.global.Lock(core)
	defer t.global.Unlock(core)
	r := t.regs[irqNum]
	if r == nil {
		return Registration{}, false
	}
	return *r, true
}

// Test reports whether irqNum has a pending, unconsumed occurrence.
// Implements wait.PendingIRQTable.
func (t *Table) Test(irqNum int) bool {
	return atomic.LoadInt32(&t.pending[irqNum]) != 0
}

// Clear drops irqNum's pending bit. Implements wait.PendingIRQTable.
func (t *Table) Clear(irqNum int) {
	atomic.StoreInt32(&t.pending[irqNum], 0)
}

// Raise sets irqNum's pending bit directly. Exposed so kernel wiring can
// mark an IRQ delivered to a registered handler task before promptly
// checking whether that task is already blocked on a wait.IRQWait for it.
func (t *Table) Raise(irqNum int) {
	atomic.StoreInt32(&t.pending[irqNum], 1)
}

// Dispatcher is the common interrupt entry point spec.md section 4.5
// describes: it receives a vector and the saved CPU frame and routes to
// whichever of C2 (page fault), C7 (timer), C9 (syscall), or a
// registered IRQ handler task applies. Each upward call happens only
// through one of these callbacks, per section 2's "upward calls happen
// only through registered callbacks" rule.
type Dispatcher struct {
	Table *Table
	Log   *klog.Logger

	// OnException handles a CPU exception vector (<32) trapped while
	// caller was running. cr2 carries the faulting address for a page
	// fault, zero otherwise.
	OnException func(core int, caller *proc.Task, vector int, cpu *proc.CPUState, cr2 uintptr)
	// OnTimer runs the per-core scheduler tick (spec.md: "Timer IRQ
	// invokes the per-core scheduler update and yields").
	OnTimer func(core int)
	// OnSyscall routes the trap to the syscall dispatcher (C9).
	OnSyscall func(core int, caller *proc.Task, cpu *proc.CPUState)
	// OnIRQHandlerEntry resumes the registered handler task for irqNum.
	OnIRQHandlerEntry func(reg Registration, irqNum int)
}

// NewDispatcher builds a dispatcher over table, logging through log.
func NewDispatcher(table *Table, log *klog.Logger) *Dispatcher {
	return &Dispatcher{Table: table, Log: log}
}

// Dispatch routes one interrupt entry on core, per spec.md section 4.5's
// dispatch rules. caller is the task that was running when the trap fired
// (nil for interrupts with no interrupted task context, e.g. very early
// boot). cr2 is only meaningful when vector is the page-fault exception;
// callers pass 0 otherwise.
func (d *Dispatcher) Dispatch(core int, caller *proc.Task, vector int, cpu *proc.CPUState, cr2 uintptr) {
	switch {
	case vector == SyscallVector:
		if d.OnSyscall != nil {
			d.OnSyscall(core, caller, cpu)
		}
	case vector < ExceptionVectorCount:
		if d.OnException != nil {
			d.OnException(core, caller, vector, cpu, cr2)
		}
	case vector == SpuriousVector:
		if d.Log != nil {
			d.Log.Warnf("spurious interrupt was caught")
		}
	default:
		irqNum := vector - irqBase
		if irqNum == TimerIRQ {
			if d.OnTimer != nil {
				d.OnTimer(core)
			}
			return
		}
		if reg, ok := d.Table.lookup(core, irqNum); ok && d.OnIRQHandlerEntry != nil {
			d.OnIRQHandlerEntry(reg, irqNum)
			return
		}
		d.Table.Raise(irqNum)
	}
}

// CrashDumper serializes the unrecoverable-panic crash dump to disk,
// guarded by an advisory file lock so a crash on one core never
// interleaves its write with another core's concurrent dump (spec.md
// section 7: "Internal kernel errors... trigger a panic: log, halt all
// cores" — the dump is the artifact written before halting).
type CrashDumper struct {
	Path string
}

// Dump appends one crash record to the dump file, taking an exclusive
// flock for the duration of the write.
func (c *CrashDumper) Dump(reason string, cpu *proc.CPUState) error {
	fl := flock.New(c.Path)
	if err := fl.Lock(); err != nil {
		return fmt.Errorf("irq: acquire crash-dump lock: %w", err)
	}
	defer fl.Unlock()

	f, err := os.OpenFile(c.Path, os.O_APPEND|os.O_CREATE|os.O_WRONLY, 0o644)
	if err != nil {
		return fmt.Errorf("irq: open crash-dump file: %w", err)
	}
	defer f.Close()

	_, err = fmt.Fprintf(f, "panic: %s eip=%#x esp=%#x eflags=%#x\n", reason, cpu.EIP, cpu.ESP, cpu.EFlags)
	return err
}
