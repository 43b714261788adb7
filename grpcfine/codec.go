package grpcfine

import (
	"context"
	"errors"
	"fmt"
	"strings"

	"github.com/rfratto/fine"
	"github.com/vmihailenco/msgpack/v5"
	"google.golang.org/grpc/metadata"
)

// codecMetadataKey is the gRPC metadata key used to negotiate a Codec.
const codecMetadataKey = "x-grpcfine-content-type"

// Codec encodes protocol messages into stream frames.
type Codec interface {
	Name() string

	DecodeRequest(*Request) (fine.RequestHeader, fine.Request, error)
	DecodeResponse(*Response) (fine.ResponseHeader, fine.Response, error)
	EncodeRequest(*fine.RequestHeader, fine.Request) (*Request, error)
	EncodeResponse(*fine.ResponseHeader, fine.Response) (*Response, error)
}

// codecs are the codecs a peer may ask for, by name.
var codecs = map[string]Codec{
	"msgpack": MsgpackCodec(),
}

// GetCodec returns the Codec requested by the peer of a gRPC stream. The
// first supported name wins; msgpack is used when the peer asked for none.
func GetCodec(ctx context.Context) (Codec, error) {
	md, _ := metadata.FromIncomingContext(ctx)
	requested := md.Get(codecMetadataKey)
	if len(requested) == 0 {
		return MsgpackCodec(), nil
	}
	for _, name := range requested {
		if c, ok := codecs[name]; ok {
			return c, nil
		}
	}
	return nil, fmt.Errorf("no valid codecs within %q. supported codecs: msgpack", strings.Join(requested, ","))
}

// WithCodec requests c from the peer when opening a stream with ctx.
func WithCodec(ctx context.Context, c Codec) context.Context {
	return metadata.AppendToOutgoingContext(ctx, codecMetadataKey, c.Name())
}

// MsgpackCodec returns a Codec using msgpack.
func MsgpackCodec() Codec { return msgpackCodec{} }

// msgpackCodec encodes the header and the body of a message separately. An
// empty body stands for a nil message, which is how bodyless requests,
// failures and empty replies travel.
type msgpackCodec struct{}

func (msgpackCodec) Name() string { return "msgpack" }

func (msgpackCodec) DecodeRequest(in *Request) (h fine.RequestHeader, r fine.Request, err error) {
	if err := msgpack.Unmarshal(in.Header, &h); err != nil {
		// A partially decoded header can't be trusted to address a reply.
		return fine.RequestHeader{}, nil, fmt.Errorf("decoding request header: %w", err)
	}
	r, err = decodeBody(in.Data, h.Op, fine.NewEmptyRequest)
	return h, r, err
}

func (msgpackCodec) DecodeResponse(in *Response) (h fine.ResponseHeader, r fine.Response, err error) {
	if err := msgpack.Unmarshal(in.Header, &h); err != nil {
		return h, nil, fmt.Errorf("decoding response header: %w", err)
	}
	r, err = decodeBody(in.Data, h.Op, fine.NewEmptyResponse)
	return h, r, err
}

// decodeBody decodes data into the message created by newMsg. Ops without a
// message type have their body ignored.
func decodeBody[T any](data []byte, op fine.Op, newMsg func(fine.Op) (T, error)) (T, error) {
	var zero T
	if len(data) == 0 {
		return zero, nil
	}
	msg, err := newMsg(op)
	if errors.Is(err, fine.ErrorUnimplemented) {
		return zero, nil
	} else if err != nil {
		return zero, fmt.Errorf("no message type for %s: %w", op, err)
	}
	if err := msgpack.Unmarshal(data, msg); err != nil {
		return zero, fmt.Errorf("decoding %s body: %w", op, err)
	}
	return msg, nil
}

func (msgpackCodec) EncodeRequest(h *fine.RequestHeader, r fine.Request) (*Request, error) {
	var body interface{}
	if r != nil {
		body = r
	}
	header, data, err := encodeFrame(h, body)
	if err != nil {
		return nil, fmt.Errorf("encoding %s request: %w", h.Op, err)
	}
	return &Request{Header: header, Data: data}, nil
}

func (msgpackCodec) EncodeResponse(h *fine.ResponseHeader, r fine.Response) (*Response, error) {
	var body interface{}
	if r != nil {
		body = r
	}
	header, data, err := encodeFrame(h, body)
	if err != nil {
		return nil, fmt.Errorf("encoding %s response: %w", h.Op, err)
	}
	return &Response{Header: header, Data: data}, nil
}

// encodeFrame marshals a header and an optional body. A nil body yields nil
// data.
func encodeFrame(header, body interface{}) (h, data []byte, err error) {
	if h, err = msgpack.Marshal(header); err != nil {
		return nil, nil, err
	}
	if body == nil {
		return h, nil, nil
	}
	data, err = msgpack.Marshal(body)
	return h, data, err
}
