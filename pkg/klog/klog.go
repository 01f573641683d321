// Package klog is the kernel's serial-port-backed logger (spec.md section
// 7): four levels, and a separate ring path used when already executing in
// interrupt context, so an interrupt-context call never takes logrus's
// output lock. The ring has its own mutex (held only for ring bookkeeping,
// never across output); that path is not lock-free. Grounded on the shared choice of
// github.com/sirupsen/logrus across moby-moby and rclone-rclone.
package klog

import (
	"bytes"
	"fmt"
	"io"
	"sync"

	"github.com/sirupsen/logrus"
	"golang.org/x/time/rate"
)

// Level is one of the four levels spec.md section 7 names.
type Level int

const (
	Debug Level = iota
	Info
	Warn
	Panic
)

func (l Level) logrusLevel() logrus.Level {
	switch l {
	case Debug:
		return logrus.DebugLevel
	case Info:
		return logrus.InfoLevel
	case Warn:
		return logrus.WarnLevel
	default:
		return logrus.FatalLevel
	}
}

// interruptRingSize bounds the interrupt-context fallback buffer drained
// once the interrupt handler returns.
const interruptRingSize = 256

// Logger wraps a *logrus.Logger writing to a serial-port-shaped io.Writer,
// plus a ring for log calls made while already inside an interrupt. The
// ring is guarded by ringMu rather than by logrus's own lock, so it is not
// lock-free.
type Logger struct {
	base    *logrus.Logger
	limiter *rate.Limiter

	inInterrupt func() bool

	ringMu   sync.Mutex // guards only ring bookkeeping, never held across I/O
	ring     [interruptRingSize]ringEntry
	ringHead int
	ringLen  int
}

// ringEntry is one interrupt-context log line, held until DrainInterruptLog
// replays it through the real logrus path at its original level.
type ringEntry struct {
	level Level
	msg   string
}

// New builds a logger writing to serial, the serial-port transport
// (spec.md section 7). perSecond/burst throttle log calls made outside
// interrupt context — golang.org/x/time/rate, as used elsewhere in the
// pack for exactly this shape of limiter. Interrupt-context calls bypass
// the limiter; they are bounded only by the ring, which overwrites its
// oldest entry once full, and DrainInterruptLog replays them unthrottled.
func New(serial io.Writer, perSecond float64, burst int, inInterrupt func() bool) *Logger {
	base := logrus.New()
	base.SetOutput(serial)
	base.SetFormatter(&logrus.TextFormatter{DisableColors: true, FullTimestamp: true})
	base.SetLevel(logrus.DebugLevel)
	return &Logger{
		base:        base,
		limiter:     rate.NewLimiter(rate.Limit(perSecond), burst),
		inInterrupt: inInterrupt,
	}
}

// Log writes one message at the given level, either through the locking
// logrus path or, if called from interrupt context, into the ring for
// later draining.
func (l *Logger) Log(level Level, format string, args ...any) {
	msg := fmt.Sprintf(format, args...)
	if l.inInterrupt != nil && l.inInterrupt() {
		l.pushRing(level, msg)
		return
	}
	if !l.limiter.Allow() {
		return
	}
	l.base.Log(level.logrusLevel(), msg)
}

func (l *Logger) pushRing(level Level, msg string) {
	l.ringMu.Lock()
	defer l.ringMu.Unlock()
	idx := (l.ringHead + l.ringLen) % interruptRingSize
	l.ring[idx] = ringEntry{level: level, msg: fmt.Sprintf("[irq] %s", msg)}
	if l.ringLen < interruptRingSize {
		l.ringLen++
	} else {
		l.ringHead = (l.ringHead + 1) % interruptRingSize
	}
}

// DrainInterruptLog flushes any messages queued from interrupt context
// through the normal logrus path, each at the level it was originally
// logged at. Called from the scheduler's idle loop, never from interrupt
// context itself.
func (l *Logger) DrainInterruptLog() {
	l.ringMu.Lock()
	entries := make([]ringEntry, l.ringLen)
	for i := 0; i < l.ringLen; i++ {
		entries[i] = l.ring[(l.ringHead+i)%interruptRingSize]
	}
	l.ringHead, l.ringLen = 0, 0
	l.ringMu.Unlock()

	for _, e := range entries {
		l.base.Log(e.level.logrusLevel(), e.msg)
	}
}

// Debugf, Infof, Warnf log at the matching level.
func (l *Logger) Debugf(format string, args ...any) { l.Log(Debug, format, args...) }
func (l *Logger) Infof(format string, args ...any)  { l.Log(Info, format, args...) }
func (l *Logger) Warnf(format string, args ...any)  { l.Log(Warn, format, args...) }

// Panicf logs at Panic level then panics, matching spec.md section 7's
// "internal kernel errors that violate an invariant trigger a panic: log,
// halt all cores."
func (l *Logger) Panicf(format string, args ...any) {
	msg := fmt.Sprintf(format, args...)
	l.base.Log(Panic.logrusLevel(), msg)
	panic(msg)
}

// NewMemorySink is a convenience constructor for tests: a Logger writing
// into an in-memory buffer instead of a real serial port.
func NewMemorySink() (*Logger, *bytes.Buffer) {
	buf := &bytes.Buffer{}
	return New(buf, 1000, 1000, func() bool { return false }), buf
}
