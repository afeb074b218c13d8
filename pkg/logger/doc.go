// Package logger provides the structured logging interface used across the
// recon pipeline.
//
// It wraps zerolog behind a small Logger interface so that components can be
// handed a logger (or a TestLogger in tests) instead of reaching for a global.
// Console output is colorized and written to stderr; when a log file is
// configured, entries are also written there as JSON.
//
// Basic Usage:
//
//	cfg := &config.LoggingConfig{Level: "info", File: "output/reconpipe.log"}
//	if err := logger.Initialize(cfg); err != nil {
//	    return err
//	}
//
//	logger.WithField("domain", "example.com").Info("Scan started")
//	logger.LogPhaseTransition(nil, "example.com", "alive_check", "pending", "in_progress")
//
// Components that accept a Logger treat nil as "use the global logger".
package logger
