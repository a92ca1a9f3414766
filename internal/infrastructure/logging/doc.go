// Package logging provides structured logging for dcmonitor.
//
// It wraps log/slog: JSON output by default, text for development, a
// level filter, and service/version attributes on every record.
//
// Configuration:
//
//	logging:
//	  level: "info"      # debug, info, warn, error
//	  format: "json"     # json, text
//	  output: "stdout"   # stdout, stderr, discard
//
// Usage:
//
//	logger := logging.New(cfg.Logging, version)
//	push := logger.Component("push")
//	push.Info("session active", "monitor_id", id)
//
// Device Cloud passwords and monitor tokens must never be logged.
package logging
