package grpcfine

import (
	"errors"
	"io"
	"testing"

	"github.com/rfratto/fine"
	"github.com/stretchr/testify/require"
	"google.golang.org/grpc"
)

// queuedStream is a Transport_StreamClient which returns queued requests
// from Recv.
type queuedStream struct {
	grpc.ClientStream
	reqs []*Request
}

func (s *queuedStream) Recv() (*Request, error) {
	if len(s.reqs) == 0 {
		return nil, io.EOF
	}
	req := s.reqs[0]
	s.reqs = s.reqs[1:]
	return req, nil
}

func (s *queuedStream) Send(*Response) error { return nil }

func TestClientTransport_UndecodableRequest(t *testing.T) {
	codec := MsgpackCodec()

	bad, err := codec.EncodeRequest(&fine.RequestHeader{Op: fine.OpLookup, RequestID: 7}, &fine.LookupRequest{Name: "a"})
	require.NoError(t, err)
	bad.Data = []byte{0xc1} // Never used by msgpack.

	good, err := codec.EncodeRequest(&fine.RequestHeader{Op: fine.OpStatfs, RequestID: 8}, nil)
	require.NoError(t, err)

	tr := NewClientTransport(&queuedStream{reqs: []*Request{
		{Header: []byte{0xc1}},
		bad,
		good,
	}}, codec)

	// An unreadable header can't be addressed.
	_, _, err = tr.RecvRequest()
	var de *fine.DecodeError
	require.True(t, errors.As(err, &de))
	require.Zero(t, de.Header.RequestID)

	_, _, err = tr.RecvRequest()
	require.True(t, errors.As(err, &de))
	require.Equal(t, fine.OpLookup, de.Header.Op)
	require.Equal(t, uint64(7), de.Header.RequestID)

	h, req, err := tr.RecvRequest()
	require.NoError(t, err)
	require.Nil(t, req)
	require.Equal(t, uint64(8), h.RequestID)

	_, _, err = tr.RecvRequest()
	require.ErrorIs(t, err, io.EOF)
}
