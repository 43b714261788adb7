package grpcfine

import (
	"time"

	"github.com/go-kit/log"
	"github.com/go-kit/log/level"
	"google.golang.org/grpc"
	"google.golang.org/grpc/peer"
)

// LoggingStreamInterceptor logs when a transport stream opens and closes.
func LoggingStreamInterceptor(l log.Logger) grpc.StreamServerInterceptor {
	return func(
		srv interface{},
		ss grpc.ServerStream,
		info *grpc.StreamServerInfo,
		handler grpc.StreamHandler,
	) error {
		l := log.With(l, "method", info.FullMethod)
		if p, ok := peer.FromContext(ss.Context()); ok {
			l = log.With(l, "peer", p.Addr)
		}

		start := time.Now()
		level.Debug(l).Log("msg", "stream opened")

		err := handler(srv, ss)
		if err != nil {
			level.Warn(l).Log("msg", "stream closed with error", "duration", time.Since(start), "err", err)
		} else {
			level.Debug(l).Log("msg", "stream closed", "duration", time.Since(start))
		}
		return err
	}
}
