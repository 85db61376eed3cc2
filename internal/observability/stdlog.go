package observability

import (
	"fmt"
	"log"
	"os"
	"strings"
)

// StdLogger adapts the standard library logger to the Logger interface.
type StdLogger struct {
	inner *log.Logger
	debug bool
}

// NewStdLogger builds a logger writing to stderr. Debug lines are suppressed
// unless debug is set.
func NewStdLogger(debug bool) *StdLogger {
	return &StdLogger{
		inner: log.New(os.Stderr, "beam ", log.LstdFlags|log.Lmicroseconds),
		debug: debug,
	}
}

func (l *StdLogger) Debug(msg string, fields ...Field) {
	if !l.debug {
		return
	}
	l.print("DEBUG", msg, fields)
}

func (l *StdLogger) Info(msg string, fields ...Field)  { l.print("INFO", msg, fields) }
func (l *StdLogger) Warn(msg string, fields ...Field)  { l.print("WARN", msg, fields) }
func (l *StdLogger) Error(msg string, fields ...Field) { l.print("ERROR", msg, fields) }

func (l *StdLogger) print(level, msg string, fields []Field) {
	if l == nil || l.inner == nil {
		return
	}
	var b strings.Builder
	b.WriteString(level)
	b.WriteString(" ")
	b.WriteString(msg)
	for _, f := range fields {
		b.WriteString(" ")
		b.WriteString(f.Key)
		b.WriteString("=")
		b.WriteString(fmt.Sprint(f.Value))
	}
	l.inner.Print(b.String())
}
