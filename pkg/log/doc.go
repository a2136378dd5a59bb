// Package log provides courier's structured logging facade.
//
// The package exposes a small Logger interface with leveled methods and a
// Field type for structured context. It is backed by the standard library
// slog with text or JSON handlers, so output stays consistent across the
// codebase while components only depend on the facade.
//
// Quick start:
//
//	l := log.NewLogger(log.WithLevel(log.InfoLevel), log.WithFormat("text"))
//	l = l.WithComponent("queue")
//	l.Info("message enqueued", log.F("queue", "digest"), log.F("id", id))
//
// Loggers are passed explicitly via dependency injection; there is no global
// default logger.
package log
