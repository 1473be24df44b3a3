// Package log provides small conventions shared by every component that
// accepts an injected *slog.Logger: a no-op sink for callers who want
// silence, and a helper that tags a logger with its owning component.
package log

import (
	"io"
	"log/slog"
)

// Discard returns a logger that drops every record, for callers who
// have no interest in the core's structured events.
func Discard() *slog.Logger {
	return slog.New(slog.NewTextHandler(io.Discard, nil))
}

// WithComponent returns l with a "component" attribute attached, or a
// discard logger tagged the same way if l is nil.
func WithComponent(l *slog.Logger, name string) *slog.Logger {
	if l == nil {
		l = Discard()
	}
	return l.With(slog.String("component", name))
}
