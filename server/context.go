package server

import (
	"context"

	"github.com/go-kit/log"
)

type loggerKey struct{}

// WithLogger returns a copy of ctx which carries l.
func WithLogger(ctx context.Context, l log.Logger) context.Context {
	return context.WithValue(ctx, loggerKey{}, l)
}

// Logger returns the logger for a request. If ctx has no logger, a no-op
// logger is returned.
func Logger(ctx context.Context) log.Logger {
	if l, ok := ctx.Value(loggerKey{}).(log.Logger); ok && l != nil {
		return l
	}
	return log.NewNopLogger()
}
