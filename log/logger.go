// Package log provides the structured diagnostic logger used by the
// checkpoint backends. It is separate from the event stream: events
// describe a run, this logger describes the health of the storage
// underneath it — corrupt envelopes, recovery promotions, orphan
// collection, failed unlinks.
//
// Messages are short and constant; everything variable travels as a
// Field, so the same line is grep-able across backends:
//
//	logger.Warn("checkpoint corrupt, trying previous",
//	    log.Thread(threadID), log.Checkpoint(id), log.Err(err))
package log

import (
	"fmt"
	"strings"
)

// Field is one key/value pair attached to a log line.
type Field struct {
	Key   string
	Value any
}

// Thread tags a line with the thread the backend was working on.
func Thread(id string) Field {
	return Field{Key: "thread", Value: id}
}

// Checkpoint tags a line with a checkpoint ID.
func Checkpoint(id string) Field {
	return Field{Key: "checkpoint", Value: id}
}

// Path tags a line with the file or key the backend touched.
func Path(path string) Field {
	return Field{Key: "path", Value: path}
}

// Err tags a line with the failure that prompted it.
func Err(err error) Field {
	return Field{Key: "error", Value: err}
}

// F builds an ad-hoc field for anything the helpers above don't cover.
func F(key string, value any) Field {
	return Field{Key: key, Value: value}
}

// Logger is the diagnostic logging contract. The default implementation
// is Golog (kataras/golog); Nop silences a backend entirely.
type Logger interface {
	Debug(msg string, fields ...Field)
	Info(msg string, fields ...Field)
	Warn(msg string, fields ...Field)
	Error(msg string, fields ...Field)
}

// Line renders a message plus fields as a single text line. Exposed so
// alternative Logger implementations format identically to Golog.
func Line(msg string, fields ...Field) string {
	if len(fields) == 0 {
		return msg
	}
	var b strings.Builder
	b.WriteString(msg)
	for _, field := range fields {
		fmt.Fprintf(&b, " %s=%v", field.Key, field.Value)
	}
	return b.String()
}

// Nop is a Logger that discards everything.
type Nop struct{}

// Debug does nothing.
func (Nop) Debug(msg string, fields ...Field) {}

// Info does nothing.
func (Nop) Info(msg string, fields ...Field) {}

// Warn does nothing.
func (Nop) Warn(msg string, fields ...Field) {}

// Error does nothing.
func (Nop) Error(msg string, fields ...Field) {}
