// Package logctx threads a request-scoped slog.Logger through the call
// tree via context.Context, so every layer logs with the attributes its
// caller attached (content id, quality, trace ids).
package logctx

import (
	"context"
	"log/slog"
)

// ctxKey is an unexported struct type so no other package can collide
// with the logger entry.
type ctxKey struct{}

// WithLogger derives a context carrying logger. A nil logger leaves the
// context unchanged rather than shadowing an earlier one.
func WithLogger(ctx context.Context, logger *slog.Logger) context.Context {
	if logger == nil {
		return ctx
	}

	return context.WithValue(ctx, ctxKey{}, logger)
}

// LoggerFromContext returns the logger stored by WithLogger. Contexts that
// never passed through WithLogger fall back to slog.Default, so callers
// can log unconditionally.
func LoggerFromContext(ctx context.Context) *slog.Logger {
	if logger, ok := ctx.Value(ctxKey{}).(*slog.Logger); ok {
		return logger
	}

	return slog.Default()
}
