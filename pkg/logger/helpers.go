package logger

import (
	"context"
	"fmt"
	"time"

	"github.com/rs/zerolog"
)

// LogPhaseTransition logs a phase status change
func LogPhaseTransition(l Logger, domain, phase, from, to string) {
	OrGlobal(l).WithFields(map[string]interface{}{
		"domain": domain,
		"phase":  phase,
		"from":   from,
		"to":     to,
	}).Info("Phase transition")
}

// LogBatch logs completion of a batch
func LogBatch(l Logger, phase string, index, items, processed, total int, duration time.Duration) {
	percentage := 0.0
	if total > 0 {
		percentage = float64(processed) / float64(total) * 100
	}

	OrGlobal(l).WithFields(map[string]interface{}{
		"phase":       phase,
		"batch_index": index,
		"items":       items,
		"processed":   processed,
		"total":       total,
		"percentage":  fmt.Sprintf("%.1f%%", percentage),
		"duration":    duration,
	}).Info("Batch completed")
}

// LogCheckpoint logs a checkpoint write
func LogCheckpoint(l Logger, path, trigger string) {
	OrGlobal(l).WithFields(map[string]interface{}{
		"path":    path,
		"trigger": trigger,
	}).Debug("Checkpoint written")
}

// LogLockEvent logs lock acquisition, reclamation and release
func LogLockEvent(l Logger, path, event string, waited time.Duration) {
	OrGlobal(l).WithFields(map[string]interface{}{
		"lock":   path,
		"event":  event,
		"waited": waited,
	}).Debug("Checkpoint lock")
}

// LogComponentStart logs when a component starts
func LogComponentStart(component string, config map[string]interface{}) {
	l := GetLogger().WithField("component", component)
	if len(config) > 0 {
		l = l.WithFields(config)
	}
	l.Info("Component started")
}

// LogComponentStop logs when a component stops
func LogComponentStop(component string, reason string) {
	GetLogger().WithFields(map[string]interface{}{
		"component": component,
		"reason":    reason,
	}).Info("Component stopped")
}

// NewNopLogger creates a no-operation logger for testing
func NewNopLogger() Logger {
	return &nopLogger{}
}

// nopLogger is a logger that does nothing (useful for testing)
type nopLogger struct{}

func (n *nopLogger) Debug(msg string)                                          {}
func (n *nopLogger) Info(msg string)                                           {}
func (n *nopLogger) Warn(msg string)                                           {}
func (n *nopLogger) Error(msg string)                                          {}
func (n *nopLogger) Fatal(msg string)                                          {}
func (n *nopLogger) WithField(key string, value interface{}) Logger            { return n }
func (n *nopLogger) WithFields(fields map[string]interface{}) Logger           { return n }
func (n *nopLogger) WithError(err error) Logger                                { return n }
func (n *nopLogger) WithContext(ctx context.Context) Logger                    { return n }
func (n *nopLogger) DebugWithFields(msg string, fields map[string]interface{}) {}
func (n *nopLogger) InfoWithFields(msg string, fields map[string]interface{})  {}
func (n *nopLogger) WarnWithFields(msg string, fields map[string]interface{})  {}
func (n *nopLogger) ErrorWithFields(msg string, fields map[string]interface{}) {}
func (n *nopLogger) FatalWithFields(msg string, fields map[string]interface{}) {}
func (n *nopLogger) GetZerolog() *zerolog.Logger                               { return nil }
