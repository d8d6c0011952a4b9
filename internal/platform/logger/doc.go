// Package logger provides structured logging functionality for the application.
//
// It utilizes Go's standard library log/slog package to implement structured JSON logging
// with configurable log levels, and carries loggers through contexts so request- and
// task-scoped attributes survive across layer boundaries.
package logger
