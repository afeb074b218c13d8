package logger

import (
	"context"
	"fmt"
	"strings"
	"sync"

	"github.com/rs/zerolog"
)

// LogMessage represents a captured log message
type LogMessage struct {
	Level   string
	Message string
	Fields  map[string]interface{}
	Error   error
}

// recorder is shared by a TestLogger and every child derived from it
type recorder struct {
	mu       sync.Mutex
	messages []LogMessage
}

// TestLogger is a logger implementation that captures log messages for testing
type TestLogger struct {
	rec    *recorder
	fields map[string]interface{}
	err    error
}

// NewTestLogger creates a new test logger
func NewTestLogger() *TestLogger {
	return &TestLogger{rec: &recorder{}}
}

func (t *TestLogger) child(fields map[string]interface{}, err error) *TestLogger {
	merged := make(map[string]interface{}, len(t.fields)+len(fields))
	for k, v := range t.fields {
		merged[k] = v
	}
	for k, v := range fields {
		merged[k] = v
	}
	if err == nil {
		err = t.err
	}
	return &TestLogger{rec: t.rec, fields: merged, err: err}
}

func (t *TestLogger) log(level, msg string, fields map[string]interface{}) {
	entry := t.child(fields, nil)
	t.rec.mu.Lock()
	defer t.rec.mu.Unlock()
	t.rec.messages = append(t.rec.messages, LogMessage{
		Level:   level,
		Message: msg,
		Fields:  entry.fields,
		Error:   entry.err,
	})
}

func (t *TestLogger) Debug(msg string) { t.log("debug", msg, nil) }
func (t *TestLogger) Info(msg string)  { t.log("info", msg, nil) }
func (t *TestLogger) Warn(msg string)  { t.log("warn", msg, nil) }
func (t *TestLogger) Error(msg string) { t.log("error", msg, nil) }
func (t *TestLogger) Fatal(msg string) { t.log("fatal", msg, nil) }

func (t *TestLogger) WithField(key string, value interface{}) Logger {
	return t.child(map[string]interface{}{key: value}, nil)
}

func (t *TestLogger) WithFields(fields map[string]interface{}) Logger {
	return t.child(fields, nil)
}

func (t *TestLogger) WithError(err error) Logger {
	return t.child(nil, err)
}

func (t *TestLogger) WithContext(ctx context.Context) Logger {
	return t
}

func (t *TestLogger) DebugWithFields(msg string, fields map[string]interface{}) {
	t.log("debug", msg, fields)
}

func (t *TestLogger) InfoWithFields(msg string, fields map[string]interface{}) {
	t.log("info", msg, fields)
}

func (t *TestLogger) WarnWithFields(msg string, fields map[string]interface{}) {
	t.log("warn", msg, fields)
}

func (t *TestLogger) ErrorWithFields(msg string, fields map[string]interface{}) {
	t.log("error", msg, fields)
}

func (t *TestLogger) FatalWithFields(msg string, fields map[string]interface{}) {
	t.log("fatal", msg, fields)
}

func (t *TestLogger) GetZerolog() *zerolog.Logger {
	l := zerolog.Nop()
	return &l
}

// GetMessages returns a copy of all captured messages
func (t *TestLogger) GetMessages() []LogMessage {
	t.rec.mu.Lock()
	defer t.rec.mu.Unlock()
	return append([]LogMessage(nil), t.rec.messages...)
}

// GetMessagesByLevel returns messages filtered by level
func (t *TestLogger) GetMessagesByLevel(level string) []LogMessage {
	var out []LogMessage
	for _, msg := range t.GetMessages() {
		if msg.Level == level {
			out = append(out, msg)
		}
	}
	return out
}

// HasMessage reports whether a message at level contains substr
func (t *TestLogger) HasMessage(level, substr string) bool {
	for _, msg := range t.GetMessagesByLevel(level) {
		if strings.Contains(msg.Message, substr) {
			return true
		}
	}
	return false
}

// HasError reports whether any captured message carries an error
func (t *TestLogger) HasError() bool {
	for _, msg := range t.GetMessages() {
		if msg.Error != nil || msg.Level == "error" {
			return true
		}
	}
	return false
}

// Clear removes all captured messages
func (t *TestLogger) Clear() {
	t.rec.mu.Lock()
	defer t.rec.mu.Unlock()
	t.rec.messages = nil
}

// Dump renders captured messages, handy in failing assertions
func (t *TestLogger) Dump() string {
	var b strings.Builder
	for _, msg := range t.GetMessages() {
		fmt.Fprintf(&b, "[%s] %s %v\n", msg.Level, msg.Message, msg.Fields)
	}
	return b.String()
}
