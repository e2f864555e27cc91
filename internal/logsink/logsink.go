// Package logsink tees agent log lines to the process logger and to an
// optional external sink owned by the host process.
package logsink

import (
	"fmt"
	"log"
	"sync"
	"sync/atomic"
)

// sinkBuffer bounds the lines waiting for the sink. Lines beyond it are
// dropped from the sink only; the process logger always gets them.
const sinkBuffer = 1024

// Sink receives one human-readable line per call. Calls are made in order
// from a single goroutine owned by the Logger, never from agent goroutines,
// so a sink may call back into the agent (including Stop).
type Sink func(line string)

// Logger formats lines in the "LEVEL: [COMPONENT] message" style.
type Logger struct {
	std  *log.Logger
	sink Sink

	mu      sync.RWMutex
	lines   chan string
	closed  bool
	dropped atomic.Int64
	done    chan struct{}
}

// New returns a Logger that writes to the standard logger and to sink, if non-nil.
func New(sink Sink) *Logger {
	return NewWithLogger(nil, sink)
}

// NewWithLogger is like New but writes to std instead of the standard logger.
func NewWithLogger(std *log.Logger, sink Sink) *Logger {
	if std == nil {
		std = log.Default()
	}
	l := &Logger{std: std, sink: sink, done: make(chan struct{})}
	if sink == nil {
		close(l.done)
		return l
	}
	l.lines = make(chan string, sinkBuffer)
	go l.deliver()
	return l
}

func (l *Logger) deliver() {
	defer close(l.done)
	for line := range l.lines {
		l.sink(line)
	}
}

// Printf logs a formatted line.
func (l *Logger) Printf(format string, args ...any) {
	if l == nil {
		log.Printf(format, args...)
		return
	}
	line := fmt.Sprintf(format, args...)
	l.std.Print(line)
	if l.sink == nil {
		return
	}

	l.mu.RLock()
	defer l.mu.RUnlock()
	if l.closed {
		return
	}
	select {
	case l.lines <- line:
	default:
		l.dropped.Add(1)
	}
}

// Dropped returns how many lines were not delivered to the sink because it
// fell behind.
func (l *Logger) Dropped() int64 {
	return l.dropped.Load()
}

// Close stops sink delivery after the lines already queued. It does not
// wait for them; use Done for that. Close is idempotent.
func (l *Logger) Close() {
	if l == nil || l.sink == nil {
		return
	}
	l.mu.Lock()
	defer l.mu.Unlock()
	if l.closed {
		return
	}
	l.closed = true
	close(l.lines)
}

// Done is closed once every queued line has been handed to the sink after Close.
func (l *Logger) Done() <-chan struct{} {
	return l.done
}
