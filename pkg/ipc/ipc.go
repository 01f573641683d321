// Package ipc implements message passing (spec.md component C10):
// per-task bounded receive queues with blocking, non-blocking, and
// transaction-correlated send/receive. Grounded on spec.md section 4.10;
// the waiter pairing (a blocked sender waits for queue capacity, a
// blocked receiver waits for a matching message) follows the variant
// shapes _examples/original_source/kernel/src-kernel/tasking/wait/*.hpp
// implies via spec.md's wait-variant catalogue.
package ipc

import (
	"sync"

	"golang.org/x/sync/semaphore"

	"github.com/maxdev1/ghost-sub005/pkg/proc"
	"github.com/maxdev1/ghost-sub005/pkg/sched"
	"github.com/maxdev1/ghost-sub005/pkg/wait"
)

// Message is the unit of delivery, per spec.md's Message data model.
// Bytes are opaque to the kernel (spec.md section 6).
type Message struct {
	Sender      proc.TaskID
	Transaction uint32
	Bytes       []byte
}

// Queue is one receiver's bounded, ordered message queue. Capacity is
// enforced with a golang.org/x/sync/semaphore.Weighted; a blocked
// sender's wait.SendMessage waiter retries Enqueue directly via
// pendingSend.TryEnqueue.
type Queue struct {
	mu   sync.Mutex
	msgs []Message
	sem  *semaphore.Weighted
}

// NewQueue creates a queue with the given soft capacity (spec.md section
// 4.10: "bounded; overflow on a blocking send suspends the sender").
func NewQueue(capacity int) *Queue {
	return &Queue{sem: semaphore.NewWeighted(int64(capacity))}
}

// Enqueue appends msg if capacity allows, returning false if the queue is
// full (non-blocking callers use this directly; a blocked sender's
// pendingSend retries the exact same call via its wait.SendMessage
// waiter).
func (q *Queue) Enqueue(msg Message) bool {
	if !q.sem.TryAcquire(1) {
		return false
	}
	q.mu.Lock()
	q.msgs = append(q.msgs, msg)
	q.mu.Unlock()
	return true
}

// Dequeue removes and returns the first message matching transaction (0
// matches any), satisfying wait.MessageView so a ReceiveMessage waiter can
// poll it directly.
func (q *Queue) Dequeue(transaction uint32) (any, bool) {
	q.mu.Lock()
	defer q.mu.Unlock()
	for i, m := range q.msgs {
		if transaction == 0 || m.Transaction == transaction {
			q.msgs = append(q.msgs[:i], q.msgs[i+1:]...)
			q.sem.Release(1)
			return m, true
		}
	}
	return nil, false
}

// HasSpace reports whether at least one more message could be enqueued
// right now, without attempting to enqueue anything.
func (q *Queue) HasSpace() bool {
	if q.sem.TryAcquire(1) {
		q.sem.Release(1)
		return true
	}
	return false
}

// Len reports the number of currently queued messages, for introspection
// and tests.
func (q *Queue) Len() int {
	q.mu.Lock()
	defer q.mu.Unlock()
	return len(q.msgs)
}

// pendingSend is one blocked sender's retry closure: it holds the exact
// message the sender is trying to deliver, so the wait.SendMessage
// resolver's wake-time side effect is the delivery itself (spec.md
// section 4.8's pattern — atomic-wait sets a byte on wake, this enqueues
// a message), not a capacity check with delivery left for later.
type pendingSend struct {
	queue *Queue
	msg   Message
}

// TryEnqueue satisfies wait.QueueCapacity.
func (p *pendingSend) TryEnqueue() bool { return p.queue.Enqueue(p.msg) }

// Broker routes messages to per-task queues and notifies the scheduler
// when a message arrives for a task that might be waiting on it.
type Broker struct {
	mu       sync.Mutex
	capacity int
	queues   map[proc.TaskID]*Queue
	sched    *sched.Scheduler

	// OnDelivered is invoked after a message is successfully enqueued for
	// receiver, so the scheduler can promote a waiting receiver to the
	// head of its ready queue (spec.md section 4.10's latency-reduction
	// rule). Left nil in tests that don't need it.
	OnDelivered func(receiver proc.TaskID)
}

// NewBroker creates a broker whose per-task queues are created on first
// use with the given capacity. s installs the blocking waiters Send and
// Receive need; it may be nil for callers that only exercise the
// non-blocking entry points.
func NewBroker(capacity int, s *sched.Scheduler) *Broker {
	return &Broker{capacity: capacity, queues: make(map[proc.TaskID]*Queue), sched: s}
}

// QueueFor returns (creating if necessary) the receive queue for task.
func (b *Broker) QueueFor(task proc.TaskID) *Queue {
	b.mu.Lock()
	defer b.mu.Unlock()
	q, ok := b.queues[task]
	if !ok {
		q = NewQueue(b.capacity)
		b.queues[task] = q
	}
	return q
}

// SendNonBlocking attempts one delivery attempt to receiver and reports
// whether it succeeded (queue-full is the caller's cue to install a
// wait.SendMessage waiter for the blocking variant).
func (b *Broker) SendNonBlocking(sender, receiver proc.TaskID, bytes []byte, transaction uint32) bool {
	q := b.QueueFor(receiver)
	ok := q.Enqueue(Message{Sender: sender, Transaction: transaction, Bytes: bytes})
	if ok && b.OnDelivered != nil {
		b.OnDelivered(receiver)
	}
	return ok
}

// Send delivers bytes to receiver, blocking sender if receiver's queue is
// full. On the fast path this is exactly SendNonBlocking; on overflow it
// installs a wait.SendMessage waiter that retries this exact delivery
// once capacity frees up (spec.md section 4.10: "bounded; overflow on a
// blocking send suspends the sender"), returning false to signal
// StatusPending to the caller's syscall dispatch.
func (b *Broker) Send(sender *proc.Task, receiver proc.TaskID, bytes []byte, transaction uint32) bool {
	msg := Message{Sender: sender.ID, Transaction: transaction, Bytes: bytes}
	q := b.QueueFor(receiver)
	if q.Enqueue(msg) {
		if b.OnDelivered != nil {
			b.OnDelivered(receiver)
		}
		return true
	}
	if b.sched != nil {
		b.sched.InstallWait(sender, &wait.SendMessage{Receiver: &pendingSend{queue: q, msg: msg}})
	}
	return false
}

// Receive dequeues one message matching transaction (0 = any) for task,
// blocking if none is queued yet. If no matching message is queued it
// installs a wait.ReceiveMessage waiter polling the same queue, returning
// ok=false to signal StatusPending.
func (b *Broker) Receive(task *proc.Task, transaction uint32) (Message, bool) {
	q := b.QueueFor(task.ID)
	if v, ok := q.Dequeue(transaction); ok {
		return v.(Message), true
	}
	if b.sched != nil {
		b.sched.InstallWait(task, &wait.ReceiveMessage{Queue: q, Transaction: transaction})
	}
	return Message{}, false
}

// Teardown drops task's receive queue entirely, discarding any pending
// messages — run at task destruction (spec.md section 4.6: "removes any
// pending messages addressed to it").
func (b *Broker) Teardown(task proc.TaskID) {
	b.mu.Lock()
	defer b.mu.Unlock()
	delete(b.queues, task)
}

// ReceiveNonBlocking attempts one dequeue for task, filtered by
// transaction (0 = any).
func (b *Broker) ReceiveNonBlocking(task proc.TaskID, transaction uint32) (Message, bool) {
	q := b.QueueFor(task)
	v, ok := q.Dequeue(transaction)
	if !ok {
		return Message{}, false
	}
	return v.(Message), true
}
