package grpcfine

import (
	"context"

	"github.com/vmihailenco/msgpack/v5"
	"google.golang.org/grpc"
	"google.golang.org/grpc/codes"
	"google.golang.org/grpc/encoding"
	"google.golang.org/grpc/status"
)

// Request is a frame holding an encoded protocol request.
type Request struct {
	Header []byte `msgpack:"header"`
	Data   []byte `msgpack:"data"`
}

// Response is a frame holding an encoded protocol response.
type Response struct {
	Header []byte `msgpack:"header"`
	Data   []byte `msgpack:"data"`
}

// frameCodecName is the gRPC content-subtype used for frames.
const frameCodecName = "grpcfine"

func init() {
	encoding.RegisterCodec(frameCodec{})
}

// frameCodec is the gRPC codec for Request and Response frames. The frames
// themselves carry payloads encoded by a Codec.
type frameCodec struct{}

func (frameCodec) Name() string                              { return frameCodecName }
func (frameCodec) Marshal(v interface{}) ([]byte, error)      { return msgpack.Marshal(v) }
func (frameCodec) Unmarshal(data []byte, v interface{}) error { return msgpack.Unmarshal(data, v) }

// TransportClient opens Transport streams.
type TransportClient interface {
	// Stream opens a stream where the caller receives requests and sends
	// responses. The caller acts as the filesystem.
	Stream(ctx context.Context, opts ...grpc.CallOption) (Transport_StreamClient, error)
}

type transportClient struct {
	cc grpc.ClientConnInterface
}

// NewTransportClient creates a TransportClient from cc.
func NewTransportClient(cc grpc.ClientConnInterface) TransportClient {
	return &transportClient{cc}
}

func (c *transportClient) Stream(ctx context.Context, opts ...grpc.CallOption) (Transport_StreamClient, error) {
	opts = append([]grpc.CallOption{grpc.CallContentSubtype(frameCodecName)}, opts...)
	stream, err := c.cc.NewStream(ctx, &Transport_ServiceDesc.Streams[0], "/grpcfine.Transport/Stream", opts...)
	if err != nil {
		return nil, err
	}
	return &transportStreamClient{stream}, nil
}

// Transport_StreamClient is the filesystem side of a Transport stream.
type Transport_StreamClient interface {
	Send(*Response) error
	Recv() (*Request, error)
	grpc.ClientStream
}

type transportStreamClient struct {
	grpc.ClientStream
}

func (x *transportStreamClient) Send(m *Response) error {
	return x.ClientStream.SendMsg(m)
}

func (x *transportStreamClient) Recv() (*Request, error) {
	m := new(Request)
	if err := x.ClientStream.RecvMsg(m); err != nil {
		return nil, err
	}
	return m, nil
}

// TransportServer is implemented by the side which forwards requests from a
// mount to a remote filesystem.
type TransportServer interface {
	Stream(Transport_StreamServer) error
}

// UnimplementedTransportServer can be embedded to have forward compatible
// implementations.
type UnimplementedTransportServer struct{}

func (UnimplementedTransportServer) Stream(Transport_StreamServer) error {
	return status.Errorf(codes.Unimplemented, "method Stream not implemented")
}

// RegisterTransportServer registers srv with s.
func RegisterTransportServer(s grpc.ServiceRegistrar, srv TransportServer) {
	s.RegisterService(&Transport_ServiceDesc, srv)
}

func _Transport_Stream_Handler(srv interface{}, stream grpc.ServerStream) error {
	return srv.(TransportServer).Stream(&transportStreamServer{stream})
}

// Transport_StreamServer is the mount side of a Transport stream.
type Transport_StreamServer interface {
	Send(*Request) error
	Recv() (*Response, error)
	grpc.ServerStream
}

type transportStreamServer struct {
	grpc.ServerStream
}

func (x *transportStreamServer) Send(m *Request) error {
	return x.ServerStream.SendMsg(m)
}

func (x *transportStreamServer) Recv() (*Response, error) {
	m := new(Response)
	if err := x.ServerStream.RecvMsg(m); err != nil {
		return nil, err
	}
	return m, nil
}

// Transport_ServiceDesc is the grpc.ServiceDesc for the Transport service.
var Transport_ServiceDesc = grpc.ServiceDesc{
	ServiceName: "grpcfine.Transport",
	HandlerType: (*TransportServer)(nil),
	Methods:     []grpc.MethodDesc{},
	Streams: []grpc.StreamDesc{
		{
			StreamName:    "Stream",
			Handler:       _Transport_Stream_Handler,
			ServerStreams: true,
			ClientStreams: true,
		},
	},
}
