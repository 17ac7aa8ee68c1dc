// Package logging provides the structured logging helpers shared by the
// recording engine.
//
// Loggers are dependency-injected, never global. Each component scopes its
// logger once at construction with logger.With("component", name) and
// falls back to Discard when none is given. Output format, level and
// destination are decided in main() only.
//
// Logging is sparse: lifecycle boundaries (session start/stop, file
// rollover, recovery, backup tasks) are logged; per-frame paths are not.
package logging

import (
	"context"
	"log/slog"
)

type discardHandler struct{}

func (discardHandler) Enabled(context.Context, slog.Level) bool  { return false }
func (discardHandler) Handle(context.Context, slog.Record) error { return nil }
func (d discardHandler) WithAttrs([]slog.Attr) slog.Handler      { return d }
func (d discardHandler) WithGroup(string) slog.Handler           { return d }

// Discard returns a logger that drops everything.
func Discard() *slog.Logger {
	return slog.New(discardHandler{})
}

// Default returns logger, or a discard logger when it is nil:
//
//	func NewRecorder(cfg Config) *Recorder {
//	    logger := logging.Default(cfg.Logger).With("component", "writer")
//	    ...
//	}
func Default(logger *slog.Logger) *slog.Logger {
	if logger != nil {
		return logger
	}
	return Discard()
}
