// Package telemetry provides the structured-ish logging idiom the teacher
// uses throughout: the standard library's log package, prefixed by a
// component tag in the message text itself ("[Poller] ...",
// "[SECURITY WARNING] ..."), rather than a structured-logging library the
// teacher never reaches for anywhere in its tree.
package telemetry

import (
	"log"
	"os"
)

// Logger wraps a *log.Logger with a fixed component tag, the generalization
// of the teacher's ad hoc "[ComponentName] " message prefixes into a
// reusable type so every package formats consistently.
type Logger struct {
	component string
	std       *log.Logger
}

// NewLogger creates a Logger tagging every line with component, writing to
// stderr with the standard library's default flags.
func NewLogger(component string) *Logger {
	return &Logger{component: component, std: log.New(os.Stderr, "", log.LstdFlags)}
}

func (l *Logger) Infof(format string, args ...any) {
	l.std.Printf("[%s] "+format, append([]any{l.component}, args...)...)
}

func (l *Logger) Warnf(format string, args ...any) {
	l.std.Printf("[%s] WARNING: "+format, append([]any{l.component}, args...)...)
}

func (l *Logger) Errorf(format string, args ...any) {
	l.std.Printf("[%s] ERROR: "+format, append([]any{l.component}, args...)...)
}
