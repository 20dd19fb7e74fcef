// Package log defines the structured logging interface used throughout the
// isovm runtime and its collaborators.
package log

import (
	"context"
	"log/slog"
)

// Logger is the structured logging interface accepted by WithLogger and
// threaded through every runtime component. Implementations wrap log/slog.
type Logger interface {
	Debugf(format string, args ...interface{})
	Infof(format string, args ...interface{})
	Warnf(format string, args ...interface{})
	Errorf(format string, args ...interface{})

	Log(level slog.Level, msg string, args ...interface{})
	LogCtx(ctx context.Context, level slog.Level, msg string, args ...interface{})

	With(args ...interface{}) Logger

	IsEnabled(level slog.Level) bool
}
