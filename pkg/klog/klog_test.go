package klog

import (
	"strings"
	"testing"
)

func TestLogWritesToSink(t *testing.T) {
	l, buf := NewMemorySink()
	l.Infof("frame %d allocated", 7)
	if !strings.Contains(buf.String(), "frame 7 allocated") {
		t.Fatalf("expected message in sink, got %q", buf.String())
	}
}

func TestInterruptContextUsesRingPath(t *testing.T) {
	inInterrupt := true
	l := New(new(strings.Builder), 1000, 1000, func() bool { return inInterrupt })
	l.Warnf("irq storm on vector %d", 33)
	if l.ringLen != 1 {
		t.Fatalf("expected message queued to interrupt ring, got ringLen=%d", l.ringLen)
	}

	inInterrupt = false
	l.DrainInterruptLog()
	if l.ringLen != 0 {
		t.Fatalf("expected ring drained")
	}
}

func TestPanicfPanics(t *testing.T) {
	l, _ := NewMemorySink()
	defer func() {
		if recover() == nil {
			t.Fatalf("expected Panicf to panic")
		}
	}()
	l.Panicf("unaligned map at %#x", 0x1001)
}
