// Package sched implements the scheduler (spec.md component C7):
// per-core ready queues, a single running slot, a waiting set polled on
// every scheduling decision, preemptive timer-driven ticks, and the idle
// task. Grounded on spec.md section 4.7; this is the only component that
// selects the next running task — every other component suspends a task
// by installing a pkg/wait.Waiter and calling Yield or InstallWait.
package sched

import (
	"container/list"
	"sync"

	"github.com/maxdev1/ghost-sub005/pkg/proc"
	"github.com/maxdev1/ghost-sub005/pkg/vmm"
	"github.com/maxdev1/ghost-sub005/pkg/wait"
)

// Scheduler is a kernel-wide singleton with one ready queue, running slot,
// and idle task per core.
type Scheduler struct {
	mu sync.Mutex

	ready   map[int]*list.List // core -> list of *proc.Task, head = next to run
	running map[int]*proc.Task
	idle    map[int]*proc.Task

	waiting  map[proc.TaskID]*proc.Task
	taskCore map[proc.TaskID]int
	results  map[proc.TaskID]any

	// spaceFor resolves a task's address space so a resolver can be
	// evaluated "in the task's address space" (spec.md section 4.8). Nil
	// means "always resolve without switching" (suitable for tests that
	// don't touch user memory).
	spaceFor func(proc.TaskID) *vmm.AddressSpace
	vmmMgr   *vmm.Manager
	core     int // the core the current goroutine is acting as, for temp switches

	// onReap, if set, is called once per dead task the scheduler finds in
	// the running slot, before it is dropped — the hook pkg/kernel uses to
	// run teardown (spec.md section 4.6).
	onReap func(*proc.Task)
}

// New builds an empty scheduler. mgr and spaceFor may be nil if callers
// never need address-space-sensitive resolvers (e.g. pure sleep/join
// tests).
func New(mgr *vmm.Manager, spaceFor func(proc.TaskID) *vmm.AddressSpace) *Scheduler {
	return &Scheduler{
		ready:    make(map[int]*list.List),
		running:  make(map[int]*proc.Task),
		idle:     make(map[int]*proc.Task),
		waiting:  make(map[proc.TaskID]*proc.Task),
		taskCore: make(map[proc.TaskID]int),
		results:  make(map[proc.TaskID]any),
		spaceFor: spaceFor,
		vmmMgr:   mgr,
	}
}

// SetReapHook installs the callback run when a dead task is reaped.
func (s *Scheduler) SetReapHook(f func(*proc.Task)) {
	s.mu.Lock()
	defer s.mu.Unlock()
	s.onReap = f
}

// AddCore registers core with its idle task (a per-core kernel-level task
// that halts until the next interrupt, per spec.md section 4.7).
func (s *Scheduler) AddCore(core int, idleTask *proc.Task) {
	s.mu.Lock()
	defer s.mu.Unlock()
	s.ready[core] = list.New()
	s.idle[core] = idleTask
}

// Enqueue places task at the back of core's ready queue, the normal
// (non-boosted) entry point for a newly-created or yielding task.
func (s *Scheduler) Enqueue(core int, task *proc.Task) {
	s.mu.Lock()
	defer s.mu.Unlock()
	s.enqueueLocked(core, task, false)
}

func (s *Scheduler) enqueueLocked(core int, task *proc.Task, boost bool) {
	s.taskCore[task.ID] = core
	q, ok := s.ready[core]
	if !ok {
		q = list.New()
		s.ready[core] = q
	}
	if boost {
		q.PushFront(task)
	} else {
		q.PushBack(task)
	}
}

// Yield implements the explicit yield syscall: task gives up the running
// slot and rejoins the back of its core's ready queue. Tick applies the
// same step to a task it preempts.
func (s *Scheduler) Yield(core int, task *proc.Task) {
	task.SetReady()
	s.Enqueue(core, task)
}

// InstallWait transitions task to waiting with w installed (spec.md
// section 4.8's waitInstall) and adds it to the polled waiting set.
func (s *Scheduler) InstallWait(task *proc.Task, w wait.Waiter) {
	task.SetWaiting(w)
	s.mu.Lock()
	s.waiting[task.ID] = task
	s.mu.Unlock()
}

// PopResult retrieves and clears the value a resolver produced when it
// woke task, for the syscall that installed the wait to consume on
// resume.
func (s *Scheduler) PopResult(id proc.TaskID) (any, bool) {
	s.mu.Lock()
	defer s.mu.Unlock()
	v, ok := s.results[id]
	delete(s.results, id)
	return v, ok
}

// resolve evaluates task's waiter, switching to its address space first
// if spaceFor is configured, per spec.md section 4.8.
func (s *Scheduler) resolve(task *proc.Task) wait.Decision {
	w := task.Waiter()
	if w == nil {
		return wait.Decision{Wake: true}
	}
	if s.spaceFor == nil || s.vmmMgr == nil {
		return w.Resolve()
	}
	space := s.spaceFor(task.ID)
	if space == nil {
		return w.Resolve()
	}
	prev, _ := s.vmmMgr.TemporarySwitchTo(s.core, space)
	d := w.Resolve()
	s.vmmMgr.TemporarySwitchBack(s.core, prev)
	return d
}

// wakeLocked moves task from waiting to ready, recording its resolver's
// result and applying the head-of-queue boost when boost is true (spec.md
// section 4.7's message-arrival latency rule). Must be called with s.mu
// held.
func (s *Scheduler) wakeLocked(task *proc.Task, value any, boost bool) {
	delete(s.waiting, task.ID)
	if value != nil {
		s.results[task.ID] = value
	}
	task.SetReady()
	core := s.taskCore[task.ID]
	s.enqueueLocked(core, task, boost)
}

// WakeIfResolvable immediately re-evaluates task's waiter outside of a
// timer tick and, if it resolves, wakes it with the message-arrival
// boost. This is the hook pkg/ipc's Broker.OnDelivered calls so a message
// delivery promotes its receiver to the head of the ready queue the
// instant it arrives, rather than waiting for the next scheduling
// decision (spec.md section 4.10).
func (s *Scheduler) WakeIfResolvable(task *proc.Task) {
	if task.State() != proc.Waiting {
		return
	}
	d := s.resolve(task)
	if !d.Wake {
		return
	}
	s.mu.Lock()
	defer s.mu.Unlock()
	if task.State() != proc.Waiting {
		return
	}
	s.wakeLocked(task, d.Value, true)
}

// Tick runs one scheduling decision on core: reap a dead running task (or
// preempt a still-running one to the back of the ready queue), poll the
// waiting set, then select the next task to run (the ready queue's head,
// or the idle task if empty). Per spec.md section 4.7.
func (s *Scheduler) Tick(core int) *proc.Task {
	s.mu.Lock()
	s.core = core

	if running := s.running[core]; running != nil && running.State() == proc.Dead {
		if s.onReap != nil {
			hook := s.onReap
			s.mu.Unlock()
			hook(running)
			s.mu.Lock()
		}
		delete(s.taskCore, running.ID)
		s.running[core] = nil
	} else if running != nil && running != s.idle[core] && running.State() == proc.Running {
		running.SetReady()
		s.enqueueLocked(core, running, false)
	}

	for _, task := range s.waiting {
		if s.taskCore[task.ID] != core {
			continue
		}
		s.mu.Unlock()
		d := s.resolve(task)
		s.mu.Lock()
		if task.State() != proc.Waiting {
			continue
		}
		if d.Wake {
			boost := task.Waiter() != nil && task.Waiter().Reason() == "receive-message"
			s.wakeLocked(task, d.Value, boost)
		}
	}

	q := s.ready[core]
	var next *proc.Task
	if q != nil && q.Len() > 0 {
		front := q.Front()
		q.Remove(front)
		next = front.Value.(*proc.Task)
	} else {
		next = s.idle[core]
	}
	if next != nil {
		if next.State() == proc.Ready {
			next.SetRunning()
		}
		s.running[core] = next
	}
	s.mu.Unlock()
	return next
}

// ReadyLen reports core's ready-queue length, for tests and introspection.
func (s *Scheduler) ReadyLen(core int) int {
	s.mu.Lock()
	defer s.mu.Unlock()
	if q, ok := s.ready[core]; ok {
		return q.Len()
	}
	return 0
}

// Running returns the task currently occupying core's running slot.
func (s *Scheduler) Running(core int) *proc.Task {
	s.mu.Lock()
	defer s.mu.Unlock()
	return s.running[core]
}

// Waiting reports whether task is currently in the waiting set.
func (s *Scheduler) Waiting(id proc.TaskID) bool {
	s.mu.Lock()
	defer s.mu.Unlock()
	_, ok := s.waiting[id]
	return ok
}

// CoreOf reports the core a task was last enqueued or is waiting on, for
// syscall handlers (e.g. yield) that need the caller's current core but
// aren't themselves handed one by the dispatcher.
func (s *Scheduler) CoreOf(id proc.TaskID) (int, bool) {
	s.mu.Lock()
	defer s.mu.Unlock()
	core, ok := s.taskCore[id]
	return core, ok
}
