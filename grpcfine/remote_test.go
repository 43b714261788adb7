package grpcfine

import (
	"context"
	"errors"
	"net"
	"testing"
	"time"

	"github.com/go-kit/log"
	"github.com/rfratto/fine"
	"github.com/rfratto/fine/server"
	"github.com/stretchr/testify/require"
	"go.uber.org/atomic"
	"google.golang.org/grpc"
	"google.golang.org/grpc/credentials/insecure"
	"google.golang.org/grpc/test/bufconn"
)

func TestRemote_Init(t *testing.T) {
	fs := newTestFS()
	remote := newTestRemote(t, fs)

	cfg := fine.NewKernelConfig(fine.ProtocolVersion, fine.InitAsyncRead|fine.InitPOSIXLocks|fine.InitBigWrites, 128*1024, 1024*1024)
	require.NoError(t, remote.Init(context.Background(), &fine.RequestHeader{Op: fine.OpInit, RequestID: 1, Node: fine.RootNode}, cfg))
	settings := cfg.Freeze()

	require.Equal(t, uint32(64*1024), settings.MaxWrite())
	require.Equal(t, time.Microsecond, settings.TimeGranularity())
	require.NotZero(t, settings.Flags()&fine.InitPOSIXLocks)
}

func TestRemote_Lookup(t *testing.T) {
	remote := newInitializedRemote(t, newTestFS())

	reply, got := capture(fine.OpLookup)
	remote.Lookup(context.Background(), testHeader(fine.OpLookup, 2), &fine.LookupRequest{Name: "hello"}, fine.ReplyEntry{Reply: reply})
	require.NoError(t, got.err)
	require.Equal(t, fine.Node(2), got.resp.(*fine.EntryResponse).Entry.Node)

	reply, got = capture(fine.OpLookup)
	remote.Lookup(context.Background(), testHeader(fine.OpLookup, 3), &fine.LookupRequest{Name: "missing"}, fine.ReplyEntry{Reply: reply})
	require.True(t, errors.Is(got.err, fine.ErrorNotExist), "unexpected error %v", got.err)
}

func TestRemote_Getxattr(t *testing.T) {
	remote := newInitializedRemote(t, newTestFS())

	t.Run("probe", func(t *testing.T) {
		reply, got := capture(fine.OpGetxattr)
		remote.Getxattr(context.Background(), testHeader(fine.OpGetxattr, 2), &fine.GetxattrRequest{Name: "user.test"}, fine.NewReplyXattr(reply, 0))
		require.NoError(t, got.err)
		require.Equal(t, &fine.XattrResponse{Size: 5}, got.resp)
	})

	t.Run("data", func(t *testing.T) {
		reply, got := capture(fine.OpGetxattr)
		remote.Getxattr(context.Background(), testHeader(fine.OpGetxattr, 3), &fine.GetxattrRequest{Name: "user.test", Size: 64}, fine.NewReplyXattr(reply, 64))
		require.NoError(t, got.err)
		require.Equal(t, []byte("value"), got.resp.(*fine.XattrResponse).Data)
	})
}

func TestRemote_Interrupt(t *testing.T) {
	fs := newTestFS()
	remote := newInitializedRemote(t, fs)

	ctx, cancel := context.WithCancel(context.Background())
	defer cancel()

	reply, got := capture(fine.OpRead)
	done := make(chan struct{})
	go func() {
		defer close(done)
		remote.Read(ctx, testHeader(fine.OpRead, 2), &fine.ReadRequest{Size: 4}, fine.ReplyData{Reply: reply})
	}()

	waitFor(t, fs.reading)
	cancel()
	waitFor(t, done)
	require.ErrorIs(t, got.err, context.Canceled)

	// The peer's read must be interrupted too.
	waitFor(t, fs.interrupted)
}

func TestRemote_Destroy(t *testing.T) {
	fs := newTestFS()
	remote := newInitializedRemote(t, fs)

	remote.Destroy(context.Background())
	waitFor(t, remote.Done())
	require.True(t, fs.destroyed.Load())
	require.NoError(t, remote.Err())

	reply, got := capture(fine.OpLookup)
	remote.Lookup(context.Background(), testHeader(fine.OpLookup, 2), &fine.LookupRequest{Name: "hello"}, fine.ReplyEntry{Reply: reply})
	require.ErrorIs(t, got.err, fine.ErrorAborted)
}

type testFS struct {
	server.UnimplementedFilesystem

	reading     chan struct{}
	interrupted chan struct{}
	destroyed   atomic.Bool
}

func newTestFS() *testFS {
	return &testFS{
		reading:     make(chan struct{}),
		interrupted: make(chan struct{}),
	}
}

func (fs *testFS) Init(_ context.Context, _ *fine.RequestHeader, cfg *fine.KernelConfig) error {
	if _, err := cfg.SetMaxWrite(64 * 1024); err != nil {
		return err
	}
	if _, err := cfg.SetTimeGranularity(time.Microsecond); err != nil {
		return err
	}
	return cfg.AddCapabilities(fine.InitPOSIXLocks)
}

func (fs *testFS) Destroy(context.Context) { fs.destroyed.Store(true) }

func (fs *testFS) Lookup(_ context.Context, _ *fine.RequestHeader, req *fine.LookupRequest, reply fine.ReplyEntry) {
	if req.Name != "hello" {
		reply.Error(fine.ErrorNotExist)
		return
	}
	reply.Entry(fine.Entry{Node: 2, Attrib: fine.Attrib{Inode: 2, Mode: 0644}})
}

func (fs *testFS) Getxattr(_ context.Context, _ *fine.RequestHeader, _ *fine.GetxattrRequest, reply fine.ReplyXattr) {
	reply.Data([]byte("value"))
}

func (fs *testFS) Read(ctx context.Context, _ *fine.RequestHeader, _ *fine.ReadRequest, reply fine.ReplyData) {
	close(fs.reading)
	<-ctx.Done()
	close(fs.interrupted)
	reply.Error(ctx.Err())
}

type transportServerFunc func(Transport_StreamServer) error

func (f transportServerFunc) Stream(s Transport_StreamServer) error { return f(s) }

// newTestRemote serves fs over an in-memory gRPC connection and returns the
// Remote forwarding to it.
func newTestRemote(t *testing.T, fs server.Filesystem) *Remote {
	t.Helper()

	lis := bufconn.Listen(1 << 20)
	remotes := make(chan *Remote, 1)

	srv := grpc.NewServer()
	RegisterTransportServer(srv, transportServerFunc(func(stream Transport_StreamServer) error {
		codec, err := GetCodec(stream.Context())
		if err != nil {
			return err
		}
		r := NewRemote(log.NewNopLogger(), stream, codec)
		remotes <- r
		<-r.Done()
		return r.Err()
	}))
	go func() { _ = srv.Serve(lis) }()
	t.Cleanup(srv.Stop)

	cc, err := grpc.DialContext(
		context.Background(),
		"bufnet",
		grpc.WithContextDialer(func(context.Context, string) (net.Conn, error) { return lis.Dial() }),
		grpc.WithTransportCredentials(insecure.NewCredentials()),
	)
	require.NoError(t, err)
	t.Cleanup(func() { _ = cc.Close() })

	ctx, cancel := context.WithCancel(context.Background())
	t.Cleanup(cancel)

	stream, err := NewTransportClient(cc).Stream(WithCodec(ctx, MsgpackCodec()))
	require.NoError(t, err)

	fsrv, err := server.New(log.NewNopLogger(), server.Options{
		Transport:  NewClientTransport(stream, MsgpackCodec()),
		Filesystem: server.NewFilesystemAdapter(fs),
	})
	require.NoError(t, err)
	go func() { _ = fsrv.Serve(ctx) }()

	select {
	case r := <-remotes:
		return r
	case <-time.After(5 * time.Second):
		require.FailNow(t, "remote never connected")
		return nil
	}
}

func newInitializedRemote(t *testing.T, fs server.Filesystem) *Remote {
	t.Helper()
	remote := newTestRemote(t, fs)
	cfg := fine.NewKernelConfig(fine.ProtocolVersion, fine.InitAsyncRead, 128*1024, 128*1024)
	require.NoError(t, remote.Init(context.Background(), &fine.RequestHeader{Op: fine.OpInit, RequestID: 1, Node: fine.RootNode}, cfg))
	cfg.Freeze()
	return remote
}

type captured struct {
	resp fine.Response
	err  error
}

func capture(op fine.Op) (*fine.Reply, *captured) {
	c := &captured{}
	return fine.NewReply(nil, op, func(resp fine.Response, err error) {
		c.resp, c.err = resp, err
	}), c
}

func testHeader(op fine.Op, id uint64) *fine.RequestHeader {
	return &fine.RequestHeader{Op: op, RequestID: id, Node: fine.RootNode, UID: 1000, GID: 1000}
}

func waitFor(t *testing.T, ch <-chan struct{}) {
	t.Helper()
	select {
	case <-ch:
	case <-time.After(5 * time.Second):
		require.FailNow(t, "timed out waiting")
	}
}
