package ipc

import (
	"testing"

	"github.com/maxdev1/ghost-sub005/pkg/proc"
	"github.com/maxdev1/ghost-sub005/pkg/sched"
)

func TestSendReceiveRoundTrip(t *testing.T) {
	b := NewBroker(4, nil)
	if !b.SendNonBlocking(2, 1, []byte("hi"), 7) {
		t.Fatalf("expected send to succeed")
	}
	msg, ok := b.ReceiveNonBlocking(1, 0)
	if !ok {
		t.Fatalf("expected receive to find message")
	}
	if msg.Sender != 2 || msg.Transaction != 7 || string(msg.Bytes) != "hi" {
		t.Fatalf("unexpected message: %+v", msg)
	}
}

func TestQueueFullBlocksSenderUntilReceive(t *testing.T) {
	q := NewQueue(4)
	for i := 0; i < 4; i++ {
		if !q.Enqueue(Message{Transaction: uint32(i)}) {
			t.Fatalf("enqueue %d should succeed under capacity", i)
		}
	}
	if q.Enqueue(Message{Transaction: 99}) {
		t.Fatalf("5th enqueue should fail: queue is full")
	}
	if q.HasSpace() {
		t.Fatalf("expected HasSpace false while full")
	}

	if _, ok := q.Dequeue(0); !ok {
		t.Fatalf("expected a message to dequeue")
	}
	if !q.HasSpace() {
		t.Fatalf("expected HasSpace true after one receive")
	}
	if !q.Enqueue(Message{Transaction: 99}) {
		t.Fatalf("5th message should now fit")
	}
}

func TestFIFOPerSenderReceiverPair(t *testing.T) {
	b := NewBroker(8, nil)
	b.SendNonBlocking(2, 1, []byte("a"), 0)
	b.SendNonBlocking(2, 1, []byte("b"), 0)
	b.SendNonBlocking(2, 1, []byte("c"), 0)

	var got []string
	for i := 0; i < 3; i++ {
		msg, ok := b.ReceiveNonBlocking(1, 0)
		if !ok {
			t.Fatalf("expected message %d", i)
		}
		got = append(got, string(msg.Bytes))
	}
	want := []string{"a", "b", "c"}
	for i := range want {
		if got[i] != want[i] {
			t.Fatalf("FIFO violated: got %v want %v", got, want)
		}
	}
}

func TestTransactionFilter(t *testing.T) {
	b := NewBroker(8, nil)
	b.SendNonBlocking(2, 1, []byte("untagged"), 0)
	b.SendNonBlocking(2, 1, []byte("tagged"), 5)

	msg, ok := b.ReceiveNonBlocking(1, 5)
	if !ok || string(msg.Bytes) != "tagged" {
		t.Fatalf("expected transaction-filtered receive to find tagged message, got %+v ok=%v", msg, ok)
	}
}

func TestOnDeliveredCallback(t *testing.T) {
	b := NewBroker(4, nil)
	var promoted proc.TaskID
	b.OnDelivered = func(receiver proc.TaskID) { promoted = receiver }
	b.SendNonBlocking(2, 1, []byte("x"), 0)
	if promoted != 1 {
		t.Fatalf("expected OnDelivered to fire for receiver 1, got %v", promoted)
	}
}

func TestBlockingReceiveInstallsWaiterAndWakesOnDelivery(t *testing.T) {
	s := sched.New(nil, nil)
	b := NewBroker(4, s)
	receiver := proc.NewTask(1, proc.Application, 0, 0, 0, nil, 0, nil)
	receiver.SetRunning()

	if _, ok := b.Receive(receiver, 0); ok {
		t.Fatalf("expected no message queued yet")
	}
	if receiver.State() != proc.Waiting {
		t.Fatalf("expected Receive to block the task, got %s", receiver.State())
	}

	b.SendNonBlocking(2, receiver.ID, []byte("hi"), 0)
	if !s.Waiting(receiver.ID) {
		t.Fatalf("receiver should still be registered as waiting until Tick resolves it")
	}

	s.Tick(0)
	if s.Waiting(receiver.ID) {
		t.Fatalf("expected the delivered message to wake the receiver on the next Tick")
	}
	if v, ok := s.PopResult(receiver.ID); !ok || string(v.(Message).Bytes) != "hi" {
		t.Fatalf("expected the woken receiver's result to be the delivered message, got %v ok=%v", v, ok)
	}
}

func TestBlockingSendInstallsWaiterUntilQueueFrees(t *testing.T) {
	s := sched.New(nil, nil)
	b := NewBroker(1, s)
	sender := proc.NewTask(2, proc.Application, 0, 0, 0, nil, 0, nil)
	sender.SetRunning()

	if !b.Send(sender, 1, []byte("first"), 0) {
		t.Fatalf("first send should fit under capacity 1")
	}
	if b.Send(sender, 1, []byte("second"), 0) {
		t.Fatalf("second send should block: queue is full")
	}
	if sender.State() != proc.Waiting {
		t.Fatalf("expected blocked sender to be waiting, got %s", sender.State())
	}

	if _, ok := b.ReceiveNonBlocking(1, 0); !ok {
		t.Fatalf("expected the first queued message to dequeue")
	}
	w := sender.Waiter()
	if w == nil || w.Reason() != "send-message" {
		t.Fatalf("expected a send-message waiter installed on the blocked sender")
	}
	if d := w.Resolve(); !d.Wake {
		t.Fatalf("expected the retried send to succeed once capacity freed up")
	}
	if got := b.QueueFor(1).Len(); got != 1 {
		t.Fatalf("expected the retried message to now be queued, len=%d", got)
	}
}
