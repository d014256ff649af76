// Package arenalog is a minimal structured-logging shim used by the
// allocator's optional consistency checker. Allocation, free, and
// reallocation never log; only detected invariant violations do.
package arenalog

import (
	"log"
	"os"
)

// Logger wraps the standard library logger with a fixed prefix so
// allocator diagnostics are easy to grep out of mixed output.
type Logger struct {
	l *log.Logger
}

// New returns a Logger writing to stderr with the "arenalloc: " prefix.
func New() *Logger {
	return &Logger{l: log.New(os.Stderr, "arenalloc: ", log.LstdFlags)}
}

// Violation logs a detected consistency-check failure.
func (lg *Logger) Violation(err error) {
	if lg == nil || err == nil {
		return
	}
	lg.l.Printf("invariant violation: %v", err)
}
