// Package logger provides structured logging for fwserve.
//
// This package wraps log/slog:
//
//   - logger.go: handler setup, the shared level, the process default
//   - context.go: loggers and connection/request ids carried in a context
//   - redact.go: sensitive attribute redaction
package logger
