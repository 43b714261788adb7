package server

import (
	"context"
	"errors"
	"fmt"
	"io"
	"sync"
	"testing"
	"time"

	"github.com/go-kit/log"
	"github.com/rfratto/fine"
	"github.com/stretchr/testify/require"
	"go.uber.org/atomic"
)

func TestServer_Handshake(t *testing.T) {
	fs := &hookFS{
		init: func(cfg *fine.KernelConfig) error {
			_, err := cfg.SetMaxBackground(32)
			return err
		},
	}
	tr, _ := startServer(t, NewFilesystemAdapter(fs))

	// Newer minor versions are negotiated down to ours.
	tr.send(fine.RequestHeader{Op: fine.OpInit, RequestID: 1}, &fine.InitRequest{
		LatestVersion: fine.Version{Major: 7, Minor: 40},
		MaxReadahead:  128 * 1024,
		Flags:         fine.InitAsyncRead | fine.InitBigWrites,
	})
	h, resp := tr.recv(t)
	require.Equal(t, fine.Error(0), h.Error)

	init := resp.(*fine.InitResponse)
	require.Equal(t, fine.ProtocolVersion, init.EarliestVersion)
	require.Equal(t, uint32(64*1024), init.MaxWrite)
	require.Equal(t, uint16(32), init.MaxBackground)
	require.Equal(t, uint32(128*1024), init.MaxReadahead)
}

func TestServer_Handshake_NewerMajor(t *testing.T) {
	tr, _ := startServer(t, NewFilesystemAdapter(&hookFS{}))

	tr.send(fine.RequestHeader{Op: fine.OpInit, RequestID: 1}, &fine.InitRequest{LatestVersion: fine.Version{Major: 8}})
	h, resp := tr.recv(t)
	require.Equal(t, fine.Error(0), h.Error)
	require.Equal(t, fine.ProtocolVersion, resp.(*fine.InitResponse).EarliestVersion)

	// The kernel retries with our major version.
	handshake(t, tr, fine.ProtocolVersion)
}

func TestServer_InitFailure(t *testing.T) {
	fs := &hookFS{
		init: func(*fine.KernelConfig) error { return fmt.Errorf("no backing store") },
	}
	tr, errc := startServer(t, NewFilesystemAdapter(fs))

	tr.send(fine.RequestHeader{Op: fine.OpInit, RequestID: 1}, &fine.InitRequest{LatestVersion: fine.ProtocolVersion})
	h, resp := tr.recv(t)
	require.Equal(t, fine.ErrorIO, h.Error)
	require.Nil(t, resp)

	select {
	case err := <-errc:
		require.Error(t, err)
		require.Contains(t, err.Error(), "no backing store")
	case <-time.After(5 * time.Second):
		require.FailNow(t, "server didn't exit")
	}
	require.Zero(t, fs.destroyed.Load(), "destroy must not be called without a successful init")
}

func TestServer_Handshake_TooOld(t *testing.T) {
	tr, errc := startServer(t, NewFilesystemAdapter(&hookFS{}))

	h, resp := handshakeHeader(t, tr, fine.Version{Major: 7, Minor: fine.MinVersion.Minor - 1})
	require.Equal(t, fine.ErrorProtocol, h.Error)
	require.Nil(t, resp)

	select {
	case err := <-errc:
		require.Error(t, err)
	case <-time.After(5 * time.Second):
		require.FailNow(t, "server didn't exit")
	}
}

func TestServer_Settings(t *testing.T) {
	srv, tr := newTestServer(t, NewFilesystemAdapter(&hookFS{}))
	require.Equal(t, fine.Version{}, srv.Settings().Version())

	ctx, cancel := context.WithCancel(context.Background())
	defer cancel()
	go func() { _ = srv.Serve(ctx) }()

	// Settings may be read while the handshake is being processed.
	var (
		wg   sync.WaitGroup
		done = make(chan struct{})
	)
	wg.Add(1)
	go func() {
		defer wg.Done()
		for {
			select {
			case <-done:
				return
			default:
				_ = srv.Settings().MaxWrite()
			}
		}
	}()

	handshake(t, tr, fine.ProtocolVersion)
	close(done)
	wg.Wait()

	require.Equal(t, fine.ProtocolVersion, srv.Settings().Version())
	require.Equal(t, uint32(64*1024), srv.Settings().MaxWrite())
}

func TestServer_UndecodableRequest(t *testing.T) {
	tr, errc := startServer(t, NewFilesystemAdapter(&hookFS{}))
	handshake(t, tr, fine.ProtocolVersion)

	tr.fail(&fine.DecodeError{
		Header: fine.RequestHeader{Op: fine.OpWrite, RequestID: 2, Node: 2},
		Err:    errors.New("truncated write"),
	})
	h, resp := tr.recv(t)
	require.Equal(t, uint64(2), h.RequestID)
	require.Equal(t, fine.ErrorInvalid, h.Error)
	require.Nil(t, resp)

	// Unaddressable and reply-less requests are dropped.
	tr.fail(&fine.DecodeError{Err: errors.New("short header")})
	tr.fail(&fine.DecodeError{
		Header: fine.RequestHeader{Op: fine.OpForget, RequestID: 3, Node: 2},
		Err:    errors.New("short forget"),
	})

	// The connection keeps serving.
	tr.send(fine.RequestHeader{Op: fine.OpStatfs, RequestID: 4, Node: fine.RootNode}, nil)
	h, resp = tr.recv(t)
	require.Equal(t, uint64(4), h.RequestID)
	require.Equal(t, fine.Error(0), h.Error)
	require.NotNil(t, resp)

	select {
	case err := <-errc:
		require.FailNow(t, "server exited", "err: %v", err)
	default:
	}
}

func TestServer_TransportFailure(t *testing.T) {
	tr, errc := startServer(t, NewFilesystemAdapter(&hookFS{}))
	handshake(t, tr, fine.ProtocolVersion)

	tr.fail(errors.New("device gone"))
	select {
	case err := <-errc:
		require.EqualError(t, err, "device gone")
	case <-time.After(5 * time.Second):
		require.FailNow(t, "server didn't exit")
	}
}

func TestServer_IgnoresRequestsBeforeHandshake(t *testing.T) {
	tr, _ := startServer(t, NewFilesystemAdapter(&hookFS{}))

	tr.send(fine.RequestHeader{Op: fine.OpLookup, RequestID: 1, Node: fine.RootNode}, &fine.LookupRequest{Name: "a"})
	h, _ := handshakeHeader(t, tr, fine.ProtocolVersion)
	require.Equal(t, fine.OpInit, h.Op)
}

func TestServer_UnsupportedOp(t *testing.T) {
	tr, _ := startServer(t, NewFilesystemAdapter(&hookFS{}))
	handshake(t, tr, fine.Version{Major: 7, Minor: 12})

	// READDIRPLUS needs 7.21.
	tr.send(fine.RequestHeader{Op: fine.OpReaddirplus, RequestID: 2, Node: fine.RootNode}, &fine.ReadRequest{Size: 4096})
	h, _ := tr.recv(t)
	require.Equal(t, uint64(2), h.RequestID)
	require.Equal(t, fine.ErrorUnimplemented, h.Error)

	// BATCH_FORGET needs 7.16 but never gets a reply.
	tr.send(fine.RequestHeader{Op: fine.OpBatchForget, RequestID: 3}, &fine.BatchForgetRequest{})
	tr.send(fine.RequestHeader{Op: fine.OpStatfs, RequestID: 4, Node: fine.RootNode}, nil)
	h, _ = tr.recv(t)
	require.Equal(t, uint64(4), h.RequestID)
}

func TestServer_Unreplied(t *testing.T) {
	fs := &hookFS{
		lookup: func(context.Context, *fine.LookupRequest, fine.ReplyEntry) {},
	}
	tr, _ := startServer(t, NewFilesystemAdapter(fs))
	handshake(t, tr, fine.ProtocolVersion)

	tr.send(fine.RequestHeader{Op: fine.OpLookup, RequestID: 2, Node: fine.RootNode}, &fine.LookupRequest{Name: "a"})
	h, resp := tr.recv(t)
	require.Equal(t, fine.ErrorIO, h.Error)
	require.Nil(t, resp)
}

func TestServer_Interrupt(t *testing.T) {
	reading := make(chan struct{})
	fs := &hookFS{
		read: func(ctx context.Context, reply fine.ReplyData) {
			close(reading)
			<-ctx.Done()
			reply.Error(ctx.Err())
		},
	}
	tr, _ := startServer(t, NewFilesystemAdapter(fs))
	handshake(t, tr, fine.ProtocolVersion)

	tr.send(fine.RequestHeader{Op: fine.OpRead, RequestID: 5, Node: 2}, &fine.ReadRequest{Size: 10})
	select {
	case <-reading:
	case <-time.After(5 * time.Second):
		require.FailNow(t, "read never started")
	}

	tr.send(fine.RequestHeader{Op: fine.OpInterrupt, RequestID: 6}, &fine.InterruptRequest{RequestID: 5})
	h, _ := tr.recv(t)
	require.Equal(t, uint64(5), h.RequestID)
	require.Equal(t, fine.ErrorInterrupted, h.Error)
}

func TestServer_Destroy(t *testing.T) {
	fs := &hookFS{}
	tr, errc := startServer(t, NewFilesystemAdapter(fs))
	handshake(t, tr, fine.ProtocolVersion)

	tr.send(fine.RequestHeader{Op: fine.OpDestroy, RequestID: 2}, nil)
	h, _ := tr.recv(t)
	require.Equal(t, fine.OpDestroy, h.Op)
	require.Equal(t, fine.Error(0), h.Error)

	select {
	case err := <-errc:
		require.NoError(t, err)
	case <-time.After(5 * time.Second):
		require.FailNow(t, "server didn't exit")
	}
	require.Equal(t, int32(1), fs.destroyed.Load())
}

func TestServer_CancelDestroysOnce(t *testing.T) {
	fs := &hookFS{}
	ctx, cancel := context.WithCancel(context.Background())
	tr, errc := startServerContext(ctx, t, NewFilesystemAdapter(fs))
	handshake(t, tr, fine.ProtocolVersion)

	cancel()
	select {
	case err := <-errc:
		require.NoError(t, err)
	case <-time.After(5 * time.Second):
		require.FailNow(t, "server didn't exit")
	}
	require.Equal(t, int32(1), fs.destroyed.Load())
}

func TestBatchForget(t *testing.T) {
	fs := &hookFS{}
	req := &fine.BatchForgetRequest{Items: []fine.BatchForgetItem{
		{Node: 2, NumLookups: 1},
		{Node: 3, NumLookups: 5},
	}}
	BatchForget(context.Background(), fs, &fine.RequestHeader{Op: fine.OpBatchForget, RequestID: 9}, req)

	require.Equal(t, []forgetCall{{2, 1}, {3, 5}}, fs.forgets)
}

func TestErrorForResponse(t *testing.T) {
	tt := []struct {
		in     error
		expect fine.Error
	}{
		{nil, 0},
		{fine.ErrorNotExist, fine.ErrorNotExist},
		{fmt.Errorf("wrapped: %w", fine.ErrorExists), fine.ErrorExists},
		{context.Canceled, fine.ErrorInterrupted},
		{context.DeadlineExceeded, fine.ErrorAborted},
		{io.EOF, 0},
		{errors.New("something else"), fine.ErrorIO},
	}
	for _, tc := range tt {
		require.Equal(t, tc.expect, errorForResponse(tc.in), "error %v", tc.in)
	}
}

type forgetCall struct {
	node       fine.Node
	numLookups uint64
}

// hookFS is a Filesystem whose behavior is configured by tests.
type hookFS struct {
	UnimplementedFilesystem

	init   func(cfg *fine.KernelConfig) error
	lookup func(ctx context.Context, req *fine.LookupRequest, reply fine.ReplyEntry)
	read   func(ctx context.Context, reply fine.ReplyData)

	forgets   []forgetCall
	destroyed atomic.Int32
}

func (fs *hookFS) Init(_ context.Context, _ *fine.RequestHeader, cfg *fine.KernelConfig) error {
	if fs.init != nil {
		return fs.init(cfg)
	}
	return nil
}

func (fs *hookFS) Destroy(context.Context) { fs.destroyed.Inc() }

func (fs *hookFS) Lookup(ctx context.Context, hdr *fine.RequestHeader, req *fine.LookupRequest, reply fine.ReplyEntry) {
	if fs.lookup != nil {
		fs.lookup(ctx, req, reply)
		return
	}
	fs.UnimplementedFilesystem.Lookup(ctx, hdr, req, reply)
}

func (fs *hookFS) Forget(_ context.Context, hdr *fine.RequestHeader, req *fine.ForgetRequest) {
	fs.forgets = append(fs.forgets, forgetCall{hdr.Node, req.NumLookups})
}

func (fs *hookFS) Read(ctx context.Context, hdr *fine.RequestHeader, req *fine.ReadRequest, reply fine.ReplyData) {
	if fs.read != nil {
		fs.read(ctx, reply)
		return
	}
	fs.UnimplementedFilesystem.Read(ctx, hdr, req, reply)
}

// chanTransport is an in-memory fine.Transport. Tests act as the kernel.
type chanTransport struct {
	reqs  chan chanMessage
	resps chan chanMessage

	closeOnce sync.Once
	closed    chan struct{}
}

type chanMessage struct {
	reqHeader  fine.RequestHeader
	req        fine.Request
	err        error
	respHeader fine.ResponseHeader
	resp       fine.Response
}

var _ fine.MaxWriter = (*chanTransport)(nil)

func newChanTransport() *chanTransport {
	return &chanTransport{
		reqs:   make(chan chanMessage, 16),
		resps:  make(chan chanMessage, 16),
		closed: make(chan struct{}),
	}
}

func (ct *chanTransport) MaxWrite() uint32 { return 64 * 1024 }

func (ct *chanTransport) RecvRequest() (fine.RequestHeader, fine.Request, error) {
	select {
	case m := <-ct.reqs:
		return m.reqHeader, m.req, m.err
	case <-ct.closed:
		return fine.RequestHeader{}, nil, io.EOF
	}
}

func (ct *chanTransport) SendResponse(h fine.ResponseHeader, r fine.Response) error {
	select {
	case ct.resps <- chanMessage{respHeader: h, resp: r}:
		return nil
	case <-ct.closed:
		return io.ErrClosedPipe
	}
}

func (ct *chanTransport) Close() error {
	ct.closeOnce.Do(func() { close(ct.closed) })
	return nil
}

func (ct *chanTransport) send(h fine.RequestHeader, req fine.Request) {
	ct.reqs <- chanMessage{reqHeader: h, req: req}
}

// fail makes the next RecvRequest return err.
func (ct *chanTransport) fail(err error) {
	ct.reqs <- chanMessage{err: err}
}

func (ct *chanTransport) recv(t *testing.T) (fine.ResponseHeader, fine.Response) {
	t.Helper()
	select {
	case m := <-ct.resps:
		return m.respHeader, m.resp
	case <-time.After(5 * time.Second):
		require.FailNow(t, "timed out waiting for response")
		return fine.ResponseHeader{}, nil
	}
}

func startServer(t *testing.T, fs SharedFilesystem) (*chanTransport, <-chan error) {
	ctx, cancel := context.WithCancel(context.Background())
	t.Cleanup(cancel)
	return startServerContext(ctx, t, fs)
}

func startServerContext(ctx context.Context, t *testing.T, fs SharedFilesystem) (*chanTransport, <-chan error) {
	t.Helper()

	srv, tr := newTestServer(t, fs)
	errc := make(chan error, 1)
	go func() { errc <- srv.Serve(ctx) }()
	return tr, errc
}

func newTestServer(t *testing.T, fs SharedFilesystem) (*Server, *chanTransport) {
	t.Helper()

	tr := newChanTransport()
	srv, err := New(log.NewNopLogger(), Options{
		ConcurrencyLimit: 4,
		Transport:        tr,
		Filesystem:       fs,
	})
	require.NoError(t, err)
	return srv, tr
}

func handshake(t *testing.T, tr *chanTransport, v fine.Version) {
	t.Helper()
	h, _ := handshakeHeader(t, tr, v)
	require.Equal(t, fine.Error(0), h.Error)
}

func handshakeHeader(t *testing.T, tr *chanTransport, v fine.Version) (fine.ResponseHeader, fine.Response) {
	t.Helper()
	tr.send(fine.RequestHeader{Op: fine.OpInit, RequestID: 1}, &fine.InitRequest{
		LatestVersion: v,
		MaxReadahead:  128 * 1024,
		Flags:         fine.InitAsyncRead,
	})
	return tr.recv(t)
}

func TestInflight(t *testing.T) {
	ctx, cancel := context.WithCancel(context.Background())
	defer cancel()

	f := newInflight(ctx, 1)
	require.False(t, f.interrupt(7))

	f.schedule(fine.RequestHeader{Op: fine.OpRead, RequestID: 7}, nil)
	task := <-f.queue
	require.True(t, f.interrupt(7))
	require.Error(t, task.ctx.Err())

	f.finish(task)
	require.False(t, f.interrupt(7))
}
