package grpcfine

import (
	"errors"
	"fmt"
	"io"
	"sync"

	"github.com/rfratto/fine"
	"go.uber.org/atomic"
	"google.golang.org/grpc/codes"
	"google.golang.org/grpc/status"
)

// NewClientTransport wraps the filesystem side of a Transport stream as a
// fine.Transport. Serve it with a server.Server to expose a filesystem to the
// peer which opened the stream.
func NewClientTransport(stream Transport_StreamClient, codec Codec) fine.Transport {
	return &clientTransport{stream: stream, codec: codec}
}

type clientTransport struct {
	stream Transport_StreamClient
	codec  Codec

	// gRPC streams allow one concurrent Recv and one concurrent Send.
	recvMut, sendMut sync.Mutex
	closed           atomic.Bool
}

var errTransportClosed = errors.New("grpcfine: transport closed")

// streamEnded reports whether err means the peer went away rather than a
// failure of the stream.
func streamEnded(err error) bool {
	if errors.Is(err, io.EOF) {
		return true
	}
	switch status.Code(err) {
	case codes.Canceled, codes.Unavailable:
		return true
	}
	return false
}

func (ct *clientTransport) RecvRequest() (fine.RequestHeader, fine.Request, error) {
	ct.recvMut.Lock()
	defer ct.recvMut.Unlock()

	msg, err := ct.stream.Recv()
	switch {
	case err != nil && streamEnded(err):
		return fine.RequestHeader{}, nil, io.EOF
	case err != nil:
		return fine.RequestHeader{}, nil, fmt.Errorf("receiving request: %w", err)
	}
	h, req, err := ct.codec.DecodeRequest(msg)
	if err != nil {
		var de *fine.DecodeError
		if !errors.As(err, &de) {
			err = &fine.DecodeError{Header: h, Err: err}
		}
		return h, nil, err
	}
	return h, req, nil
}

func (ct *clientTransport) SendResponse(h fine.ResponseHeader, r fine.Response) error {
	if ct.closed.Load() {
		return errTransportClosed
	}

	msg, err := ct.codec.EncodeResponse(&h, r)
	if err != nil {
		return fmt.Errorf("encoding %s response: %w", h.Op, err)
	}

	ct.sendMut.Lock()
	defer ct.sendMut.Unlock()
	return ct.stream.Send(msg)
}

// Close half-closes the stream. Responses can no longer be sent, and the
// peer sees the end of the stream.
func (ct *clientTransport) Close() error {
	if !ct.closed.CAS(false, true) {
		return nil
	}

	ct.sendMut.Lock()
	defer ct.sendMut.Unlock()
	if err := ct.stream.CloseSend(); err != nil && !errors.Is(err, io.EOF) {
		return err
	}
	return nil
}
