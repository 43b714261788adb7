package server

import (
	"context"
	"time"

	"github.com/go-kit/log"
	"github.com/go-kit/log/level"
	"github.com/rfratto/fine"
)

// NewLoggingMiddleware returns a middleware which logs every request at
// debug level. If l is nil, the request logger from the context is used.
func NewLoggingMiddleware(l log.Logger) Middleware {
	return &loggingMiddleware{l: l}
}

type loggingMiddleware struct {
	l log.Logger
}

func (lm *loggingMiddleware) HandleRequest(ctx context.Context, hdr *fine.RequestHeader, req fine.Request, invoker Invoker) (fine.Response, error) {
	l := lm.l
	if l == nil {
		l = Logger(ctx)
	}
	l = log.With(l, "op", hdr.Op, "id", hdr.RequestID, "node", hdr.Node)

	start := time.Now()
	level.Debug(l).Log("msg", "starting request", "uid", hdr.UID, "pid", hdr.PID)
	resp, err := invoker(ctx, hdr, req)
	level.Debug(l).Log("msg", "finished request", "duration", time.Since(start), "err", err)
	return resp, err
}
