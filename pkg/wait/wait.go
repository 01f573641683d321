// Package wait implements the wait subsystem (spec.md component C8): a
// tagged Waiter variant with a resolver the scheduler polls, per the
// design note "Virtual dispatch over wait reasons — model Waiter as a
// tagged variant with a resolve(&Task) -> Decision function table."
//
// The eight variants mirror
// _examples/original_source/kernel/src-kernel/tasking/wait/*.hpp one for
// one. Each carries only the state its own resolver needs, expressed here
// as small interfaces rather than a pointer to the full Task/Process
// types (which live in pkg/proc) to avoid a package cycle: pkg/proc
// depends on pkg/wait (a Task holds a Waiter), not the reverse.
package wait

import "time"

// Decision is what a resolver returns: either "keep waiting", or "wake"
// together with whatever value the waking syscall should see.
type Decision struct {
	Wake  bool
	Value any
}

var keepWaiting = Decision{}

func wake(value any) Decision { return Decision{Wake: true, Value: value} }

// Waiter is the common interface every wait variant implements. Resolve
// must be idempotent on an unwakeable waiter (spec.md testable property
// 8): calling it twice without an intervening state change returns
// "keep waiting" both times, with no side effect — except AtomicWait's
// documented set-on-wake, which only fires once, on the call that wakes.
type Waiter interface {
	Resolve() Decision
	// Reason names the variant, for logging/introspection.
	Reason() string
}

// Clock abstracts "now" so Sleep is testable without a real timer.
type Clock func() time.Time

// Sleep wakes once Clock() has reached Deadline.
type Sleep struct {
	Deadline time.Time
	Now      Clock
}

func (s *Sleep) Resolve() Decision {
	if !s.Now().Before(s.Deadline) {
		return wake(nil)
	}
	return keepWaiting
}
func (s *Sleep) Reason() string { return "sleep" }

// TaskRef is the minimal view of a task a Join/CallVM86 waiter needs.
type TaskRef interface {
	// Terminal reports whether the task is no longer in
	// {ready,running,waiting} — i.e. dead, whether or not it has been
	// reaped yet.
	Terminal() bool
}

// Join wakes once Target is no longer in {ready,running,waiting}.
type Join struct {
	Target TaskRef
}

func (j *Join) Resolve() Decision {
	if j.Target.Terminal() {
		return wake(nil)
	}
	return keepWaiting
}
func (j *Join) Reason() string { return "join" }

// MemoryAccessor lets a resolver read/write one byte of the waiting
// task's user address space, evaluated "in the task's address space" per
// spec.md section 4.8 — the caller (pkg/sched) is responsible for having
// switched to that address space (directly, or via a temporary switch)
// before calling Resolve.
type MemoryAccessor interface {
	ReadByte(addr uintptr) (byte, bool)
	WriteByte(addr uintptr, v byte) bool
}

// AtomicWait wakes once the byte(s) at Addr1 (and Addr2, if non-zero) are
// both zero. If SetOnWake is true, the resolver writes 1 back into Addr1
// as the documented wake-time side effect.
type AtomicWait struct {
	Addr1, Addr2 uintptr // Addr2 == 0 means "only one location"
	SetOnWake    bool
	Mem          MemoryAccessor
}

func (a *AtomicWait) Resolve() Decision {
	v1, ok := a.Mem.ReadByte(a.Addr1)
	if !ok || v1 != 0 {
		return keepWaiting
	}
	if a.Addr2 != 0 {
		v2, ok := a.Mem.ReadByte(a.Addr2)
		if !ok || v2 != 0 {
			return keepWaiting
		}
	}
	if a.SetOnWake {
		a.Mem.WriteByte(a.Addr1, 1)
	}
	return wake(nil)
}
func (a *AtomicWait) Reason() string { return "atomic-wait" }

// PendingIRQTable is the minimal view of the kernel-wide pending-IRQ
// bitset an IRQWait resolver needs.
type PendingIRQTable interface {
	Test(irq int) bool
	Clear(irq int)
}

// IRQWait wakes once IRQ's pending bit is observed set, clearing it as
// the resolver's side effect.
type IRQWait struct {
	IRQ     int
	Pending PendingIRQTable
}

func (w *IRQWait) Resolve() Decision {
	if w.Pending.Test(w.IRQ) {
		w.Pending.Clear(w.IRQ)
		return wake(nil)
	}
	return keepWaiting
}
func (w *IRQWait) Reason() string { return "wait-for-irq" }

// MessageView is the minimal view of a task's receive queue a
// ReceiveMessage resolver needs.
type MessageView interface {
	// Dequeue removes and returns the first message matching transaction
	// (0 matches any), or ok=false if none is queued yet.
	Dequeue(transaction uint32) (msg any, ok bool)
}

// ReceiveMessage wakes once a message matching Transaction (0 = any) is
// queued for the task.
type ReceiveMessage struct {
	Queue       MessageView
	Transaction uint32
}

func (r *ReceiveMessage) Resolve() Decision {
	if msg, ok := r.Queue.Dequeue(r.Transaction); ok {
		return wake(msg)
	}
	return keepWaiting
}
func (r *ReceiveMessage) Reason() string { return "receive-message" }

// QueueCapacity is the minimal view of one blocked send attempt a
// SendMessage resolver needs: retrying the actual delivery is the
// resolver's wake-time side effect, the same pattern atomic-wait's
// set-on-wake and vm86-wait's register copy-back use.
type QueueCapacity interface {
	TryEnqueue() bool
}

// SendMessage wakes once the receiver's queue accepts the pending
// message, blocking a sender against a full bounded queue (spec.md
// section 4.10). There is no separate delivery step once capacity frees
// up: TryEnqueue performs it.
type SendMessage struct {
	Receiver QueueCapacity
}

func (s *SendMessage) Resolve() Decision {
	if s.Receiver.TryEnqueue() {
		return wake(nil)
	}
	return keepWaiting
}
func (s *SendMessage) Reason() string { return "send-message" }

// CallVM86 wakes once the helper VM86 task dies, at which point its
// captured registers are copied back into the caller's syscall result via
// CopyBack.
type CallVM86 struct {
	Helper   TaskRef
	CopyBack func() any
}

func (c *CallVM86) Resolve() Decision {
	if c.Helper.Terminal() {
		return wake(c.CopyBack())
	}
	return keepWaiting
}
func (c *CallVM86) Reason() string { return "call-vm86" }

// FileWait defers entirely to a delegate predicate (e.g. "pipe has
// data"), per spec.md section 4.8.
type FileWait struct {
	Delegate func() (wake bool, value any)
}

func (f *FileWait) Resolve() Decision {
	if wakeNow, value := f.Delegate(); wakeNow {
		return wake(value)
	}
	return keepWaiting
}
func (f *FileWait) Reason() string { return "file-wait" }
