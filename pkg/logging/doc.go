// Package logging provides structured logging for the converge engine.
//
// The package wraps Go's standard slog package with a small subsystem-scoped
// API so that every log line carries the component it originated from
// (Store, Informer, Queue, Elector, Controller, GC, Bootstrap).
//
// Initialization happens once at startup:
//
//	logging.Init(logging.LevelInfo, os.Stderr)
//
// After that, components log through package-level helpers:
//
//	logging.Info("Controller", "started %d workers", n)
//	logging.Error("Elector", err, "lease renewal failed")
//
// Messages below the configured level are filtered at the handler before any
// formatting work happens.
package logging
