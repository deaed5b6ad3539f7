// Package log wraps zerolog behind a small global logger.
//
// Call Init once at startup, then take component-scoped loggers with
// WithComponent. Components never configure output themselves.
package log
