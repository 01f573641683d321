// Package proc implements the task and process model (spec.md component
// C6): a schedulable Task, its owning Process, their lifecycle states,
// the well-known task-name registry, and the VM86 thread variant.
// Grounded on spec.md sections 3 and 4.6, and on
// _examples/original_source/kernel/src-kernel/tasking/process.cpp /
// tasking_state.cpp for the lifecycle transitions.
package proc

import (
	"fmt"
	"sync"

	"github.com/mohae/deepcopy"

	"github.com/maxdev1/ghost-sub005/pkg/fsdesc"
	"github.com/maxdev1/ghost-sub005/pkg/pmm"
	"github.com/maxdev1/ghost-sub005/pkg/vmm"
	"github.com/maxdev1/ghost-sub005/pkg/vmrange"
	"github.com/maxdev1/ghost-sub005/pkg/wait"
)

// SecurityLevel gates access to privileged syscalls and I/O port use
// (IOPL), per the glossary.
type SecurityLevel int

const (
	Kernel SecurityLevel = iota
	Driver
	Application
)

// State is a task's execution state, per spec.md's Task data model.
type State int

const (
	Ready State = iota
	Running
	Waiting
	Dead
)

func (s State) String() string {
	switch s {
	case Ready:
		return "ready"
	case Running:
		return "running"
	case Waiting:
		return "waiting"
	case Dead:
		return "dead"
	default:
		return "unknown"
	}
}

// TaskID and ProcessID are kernel-wide unique identifiers, per the design
// note to model the owning graph as arena+index instead of raw cyclic
// pointers.
type TaskID uint64
type ProcessID uint64

// CPUState is the saved register frame a task resumes from. Field names
// follow x86 convention; this is the "current CPU state" pointer spec.md's
// Task mentions, stored by value rather than as raw stack bytes.
type CPUState struct {
	EIP, ESP, EBP      uintptr
	EAX, EBX, ECX, EDX uintptr
	ESI, EDI           uintptr
	EFlags             uint32
	CS, DS, SS         uint16
}

// IOPL bits, so callers can prime EFlags the way spec.md section 4.6
// requires ("IOPL=3 for drivers, IOPL=0 otherwise").
const (
	eflagsIF    = 1 << 9
	eflagsIOPL0 = 0
	eflagsIOPL3 = 3 << 12
)

// VM86State is the saved frame for the VM86 thread variant (spec.md
// section 4.6): real-mode registers plus the BIOS interrupt number that
// was requested.
type VM86State struct {
	Regs          CPUState
	BIOSInterrupt uint8
	Done          bool
	ResultRegs    CPUState
}

// TLSMaster is the process-wide thread-local-storage master image each
// new thread's TLS copy is initialized from.
type TLSMaster struct {
	Bytes          []byte
	CopySize       uint32
	TotalSize      uint32
	Alignment      uint32
	MasterLocation uintptr
}

// Process is a container of tasks sharing an address space, heap, and
// descriptor table (glossary). It exclusively owns its AddressSpace,
// AddressRangePool, TLS master, and FileDescriptor table, per spec.md
// section 3's Ownership paragraph.
type Process struct {
	mu sync.Mutex

	PID    ProcessID
	Space  *vmm.AddressSpace
	Ranges *vmrange.Pool
	Files  *fsdesc.Table

	HeapStart uintptr
	HeapBreak uintptr
	HeapPages uint32

	WorkingDirectory string
	TLS              TLSMaster

	threads []*Task
}

// NewProcess constructs an empty process (no threads yet); callers add
// the first thread with AddThread.
func NewProcess(pid ProcessID, space *vmm.AddressSpace, ranges *vmrange.Pool, files *fsdesc.Table, cwd string) *Process {
	return &Process{PID: pid, Space: space, Ranges: ranges, Files: files, WorkingDirectory: cwd}
}

// AddThread registers t as one of the process's threads.
func (p *Process) AddThread(t *Task) {
	p.mu.Lock()
	defer p.mu.Unlock()
	t.Process = p
	p.threads = append(p.threads, t)
}

// RemoveThread drops t from the process's thread list and reports whether
// the process now has zero threads (i.e. should itself be destroyed, per
// spec.md section 4.6: "Destroying the last thread destroys the
// process").
func (p *Process) RemoveThread(t *Task) (nowEmpty bool) {
	p.mu.Lock()
	defer p.mu.Unlock()
	for i, th := range p.threads {
		if th == t {
			p.threads = append(p.threads[:i], p.threads[i+1:]...)
			break
		}
	}
	return len(p.threads) == 0
}

// ThreadCount returns the live thread count.
func (p *Process) ThreadCount() int {
	p.mu.Lock()
	defer p.mu.Unlock()
	return len(p.threads)
}

// CloneBookkeeping deep-copies the TLS master metadata and working
// directory for a forked child, per spec.md section 4.9's threaded fork
// handler. The descriptor table itself is cloned separately through
// pkg/fsdesc's own Clone, since it has its own per-entry semantics; here
// we only copy the scalar/byte-slice bookkeeping that has no such API.
// deepcopy.Copy mirrors gVisor's own inclusion of mohae/deepcopy for this
// kind of clone-time bookkeeping duplication.
func (p *Process) CloneBookkeeping() (tls TLSMaster, cwd string) {
	p.mu.Lock()
	defer p.mu.Unlock()
	cloned := deepcopy.Copy(p.TLS).(TLSMaster)
	return cloned, p.WorkingDirectory
}

// Task is a schedulable thread of execution (glossary). It exclusively
// owns its stacks and its current Waiter.
type Task struct {
	mu sync.Mutex

	ID       TaskID
	Process  *Process
	Security SecurityLevel
	state    State

	CPU *CPUState

	UserStackBase   uintptr
	UserStackPages  uint32
	UserStackFrames []pmm.Frame

	KernelStackBase   uintptr
	KernelStackFrames []pmm.Frame

	VM86 *VM86State

	waiter wait.Waiter
	Name   string
}

// NewTask builds a thread of the given security level at entry. It records
// the user stack and kernel interrupt stack the caller describes (base,
// page count, backing frames); it maps nothing and reserves no guard
// region itself. CPU state is primed so returning from the interrupt
// dispatcher enters the task at entry, with ESP at the top of the user
// stack and the correct EFLAGS.
func NewTask(id TaskID, security SecurityLevel, entry uintptr, userStackBase uintptr, userStackPages uint32, userStackFrames []pmm.Frame, kernelStackBase uintptr, kernelStackFrames []pmm.Frame) *Task {
	flags := uint32(eflagsIF)
	if security == Driver {
		flags |= eflagsIOPL3
	} else {
		flags |= eflagsIOPL0
	}
	top := userStackBase + uintptr(userStackPages)*vmm.PageSize
	return &Task{
		ID:                id,
		Security:          security,
		state:             Ready,
		CPU:               &CPUState{EIP: entry, ESP: top, EFlags: flags},
		UserStackBase:     userStackBase,
		UserStackPages:    userStackPages,
		UserStackFrames:   userStackFrames,
		KernelStackBase:   kernelStackBase,
		KernelStackFrames: kernelStackFrames,
	}
}

// NewVM86Task builds the VM86 helper thread variant (spec.md section
// 4.6): it runs until the real-mode stub returns, at which point Results
// are copied back into the requester's syscall result via a CallVM86
// waiter installed by the caller.
func NewVM86Task(id TaskID, kernelStackBase uintptr, kernelStackFrames []pmm.Frame, requested CPUState, biosInterrupt uint8) *Task {
	t := &Task{
		ID:                id,
		Security:          Kernel,
		state:             Ready,
		CPU:               &CPUState{},
		KernelStackBase:   kernelStackBase,
		KernelStackFrames: kernelStackFrames,
		VM86:              &VM86State{Regs: requested, BIOSInterrupt: biosInterrupt},
	}
	return t
}

// State returns the task's current lifecycle state.
func (t *Task) State() State {
	t.mu.Lock()
	defer t.mu.Unlock()
	return t.state
}

// Terminal implements wait.TaskRef: a task is terminal once dead, which
// is "no longer in {ready,running,waiting}".
func (t *Task) Terminal() bool {
	return t.State() == Dead
}

// SetRunning transitions ready->running. Panics on any other source
// state, since that would violate spec.md's lifecycle invariant.
func (t *Task) SetRunning() {
	t.mu.Lock()
	defer t.mu.Unlock()
	if t.state != Ready {
		panic(fmt.Sprintf("proc: task %d: running transition from invalid state %s", t.ID, t.state))
	}
	t.state = Running
}

// SetReady transitions running->ready (preempted) or waiting->ready
// (predicate resolved).
func (t *Task) SetReady() {
	t.mu.Lock()
	defer t.mu.Unlock()
	if t.state != Running && t.state != Waiting {
		panic(fmt.Sprintf("proc: task %d: ready transition from invalid state %s", t.ID, t.state))
	}
	t.state = Ready
	t.waiter = nil
}

// SetWaiting transitions running->waiting and installs w as the task's
// resolver.
func (t *Task) SetWaiting(w wait.Waiter) {
	t.mu.Lock()
	defer t.mu.Unlock()
	if t.state != Running {
		panic(fmt.Sprintf("proc: task %d: waiting transition from invalid state %s", t.ID, t.state))
	}
	t.state = Waiting
	t.waiter = w
}

// Waiter returns the task's installed resolver, if any.
func (t *Task) Waiter() wait.Waiter {
	t.mu.Lock()
	defer t.mu.Unlock()
	return t.waiter
}

// Kill marks the task dead. Idempotent, per spec.md section 4.6: "Marking
// a task dead is idempotent; teardown happens lazily when the scheduler
// next inspects it."
func (t *Task) Kill() {
	t.mu.Lock()
	defer t.mu.Unlock()
	t.state = Dead
}

// Registry is the kernel-wide well-known task name table (spec.md section
// 6): other tasks look up drivers, the device manager, etc. by name.
type Registry struct {
	mu    sync.Mutex
	names map[string]TaskID
}

// NewRegistry builds an empty name registry.
func NewRegistry() *Registry {
	return &Registry{names: make(map[string]TaskID)}
}

// Register binds name to id, replacing any previous binding.
func (r *Registry) Register(name string, id TaskID) {
	r.mu.Lock()
	defer r.mu.Unlock()
	r.names[name] = id
}

// Lookup resolves name to a task id.
func (r *Registry) Lookup(name string) (TaskID, bool) {
	r.mu.Lock()
	defer r.mu.Unlock()
	id, ok := r.names[name]
	return id, ok
}

// Unregister removes name, e.g. during task teardown.
func (r *Registry) Unregister(name string) {
	r.mu.Lock()
	defer r.mu.Unlock()
	delete(r.names, name)
}
