package grpcfine

import (
	"bytes"
	"context"
	"errors"
	"net"
	"testing"

	"github.com/go-kit/log"
	"github.com/stretchr/testify/require"
	"google.golang.org/grpc"
	"google.golang.org/grpc/peer"
)

type fakeServerStream struct {
	grpc.ServerStream
	ctx context.Context
}

func (s fakeServerStream) Context() context.Context { return s.ctx }

func TestLoggingStreamInterceptor(t *testing.T) {
	var buf bytes.Buffer
	interceptor := LoggingStreamInterceptor(log.NewLogfmtLogger(&buf))

	ctx := peer.NewContext(context.Background(), &peer.Peer{
		Addr: &net.TCPAddr{IP: net.IPv4(10, 0, 0, 1), Port: 4000},
	})
	info := &grpc.StreamServerInfo{FullMethod: "/grpcfine.Transport/Stream"}

	err := interceptor(nil, fakeServerStream{ctx: ctx}, info, func(interface{}, grpc.ServerStream) error {
		return errors.New("peer went away")
	})
	require.EqualError(t, err, "peer went away")

	out := buf.String()
	require.Contains(t, out, "msg=\"stream opened\"")
	require.Contains(t, out, "peer=10.0.0.1:4000")
	require.Contains(t, out, "method=/grpcfine.Transport/Stream")
	require.Contains(t, out, "err=\"peer went away\"")
}
