package grpcfine

import (
	"context"
	"errors"
	"fmt"
	"io"
	"math"
	"sync"
	"time"

	"github.com/go-kit/log"
	"github.com/go-kit/log/level"
	"github.com/rfratto/fine"
	"github.com/rfratto/fine/server"
)

// destroyTimeout bounds how long Destroy waits for the peer to acknowledge.
const destroyTimeout = 5 * time.Second

// destroyRequestID is used for the DESTROY sent by Remote, which doesn't come
// from the kernel and has no request ID of its own.
const destroyRequestID = math.MaxUint64

// Remote is a SharedFilesystem which forwards every request over a Transport
// stream. The peer serves its filesystem with a server.Server using
// NewClientTransport.
//
// Requests interrupted on this side are interrupted on the peer as well. If
// the stream closes, pending and future requests fail with ErrorAborted.
type Remote struct {
	server.UnimplementedSharedFilesystem

	log    log.Logger
	stream Transport_StreamServer
	codec  Codec

	smut     sync.Mutex
	inflight sync.Map // map[uint64]chan exchange

	done chan struct{}
	err  error // Set before done is closed.
}

var (
	_ server.SharedFilesystem = (*Remote)(nil)
	_ server.BatchForgetter   = (*Remote)(nil)
)

// exchange is a response received for an inflight request.
type exchange struct {
	hdr  fine.ResponseHeader
	resp fine.Response
}

// NewRemote creates a Remote which sends requests over stream. Responses are
// read in the background until the stream closes. The caller must keep the
// stream open until Done is closed.
func NewRemote(l log.Logger, stream Transport_StreamServer, codec Codec) *Remote {
	if l == nil {
		l = log.NewNopLogger()
	}
	r := &Remote{
		log:    l,
		stream: stream,
		codec:  codec,
		done:   make(chan struct{}),
	}
	go r.run()
	return r
}

// Done returns a channel which is closed once the stream closes.
func (r *Remote) Done() <-chan struct{} { return r.done }

// Err returns the error which closed the stream. It returns nil while the
// stream is open or if the peer closed it cleanly.
func (r *Remote) Err() error {
	select {
	case <-r.done:
		return r.err
	default:
		return nil
	}
}

func (r *Remote) run() {
	defer close(r.done)

	for {
		raw, err := r.stream.Recv()
		if errors.Is(err, io.EOF) {
			level.Debug(r.log).Log("msg", "remote closed stream")
			return
		} else if err != nil {
			level.Warn(r.log).Log("msg", "remote stream failed", "err", err)
			r.err = err
			return
		}

		h, resp, err := r.codec.DecodeResponse(raw)
		if err != nil {
			level.Error(r.log).Log("msg", "failed to decode response from remote", "err", err)
			continue
		}

		ch, ok := r.inflight.LoadAndDelete(h.RequestID)
		if !ok {
			// Interrupted requests are removed before the peer replies.
			level.Debug(r.log).Log("msg", "dropping response for unknown request", "op", h.Op, "id", h.RequestID)
			continue
		}
		ch.(chan exchange) <- exchange{hdr: h, resp: resp}
	}
}

func (r *Remote) send(hdr *fine.RequestHeader, req fine.Request) error {
	raw, err := r.codec.EncodeRequest(hdr, req)
	if err != nil {
		return fmt.Errorf("encoding %s: %w", hdr.Op, err)
	}

	r.smut.Lock()
	defer r.smut.Unlock()
	return r.stream.Send(raw)
}

// call sends a request and waits for its response. Failures reported by the
// peer are returned as a fine.Error.
func (r *Remote) call(ctx context.Context, hdr *fine.RequestHeader, req fine.Request) (fine.Response, error) {
	ch := make(chan exchange, 1)
	if _, loaded := r.inflight.LoadOrStore(hdr.RequestID, ch); loaded {
		return nil, fmt.Errorf("request %d already in flight: %w", hdr.RequestID, fine.ErrorInvalid)
	}
	defer r.inflight.Delete(hdr.RequestID)

	select {
	case <-r.done:
		return nil, fine.ErrorAborted
	default:
	}

	if err := r.send(hdr, req); err != nil {
		level.Warn(server.Logger(ctx)).Log("msg", "failed to send request to remote", "err", err)
		return nil, fine.ErrorIO
	}

	select {
	case ex := <-ch:
		if ex.hdr.Error != 0 {
			return nil, ex.hdr.Error
		}
		return ex.resp, nil
	case <-ctx.Done():
		r.interrupt(ctx, hdr)
		return nil, ctx.Err()
	case <-r.done:
		return nil, fine.ErrorAborted
	}
}

func (r *Remote) interrupt(ctx context.Context, hdr *fine.RequestHeader) {
	ih := *hdr
	ih.Op = fine.OpInterrupt
	ih.RequestID = 0
	if err := r.send(&ih, &fine.InterruptRequest{RequestID: hdr.RequestID}); err != nil {
		level.Debug(server.Logger(ctx)).Log("msg", "failed to forward interrupt", "err", err)
	}
}

// roundTrip calls the remote and checks that the response has the type the
// operation expects.
func roundTrip[T fine.Response](ctx context.Context, r *Remote, hdr *fine.RequestHeader, req fine.Request) (T, error) {
	var zero T
	resp, err := r.call(ctx, hdr, req)
	if err != nil {
		return zero, err
	}
	typed, ok := resp.(T)
	if !ok {
		level.Warn(server.Logger(ctx)).Log("msg", "unexpected response from remote", "op", hdr.Op, "type", fmt.Sprintf("%T", resp))
		return zero, fine.ErrorIO
	}
	return typed, nil
}

func (r *Remote) forwardEmpty(ctx context.Context, hdr *fine.RequestHeader, req fine.Request, reply fine.ReplyEmpty) {
	if _, err := r.call(ctx, hdr, req); err != nil {
		reply.Error(err)
		return
	}
	reply.Ok()
}

// Init forwards the kernel's offer to the peer and applies the peer's
// answer to cfg. Settings the peer asks for which cfg rejects are logged and
// skipped.
func (r *Remote) Init(ctx context.Context, hdr *fine.RequestHeader, cfg *fine.KernelConfig) error {
	resp, err := roundTrip[*fine.InitResponse](ctx, r, hdr, &fine.InitRequest{
		LatestVersion: cfg.Version(),
		MaxReadahead:  cfg.MaxReadahead(),
		Flags:         cfg.Capabilities(),
	})
	if err != nil {
		return fmt.Errorf("remote init: %w", err)
	}
	if resp.EarliestVersion != cfg.Version() {
		return fmt.Errorf("remote negotiated version %s, kernel uses %s", resp.EarliestVersion, cfg.Version())
	}
	applyInitResponse(server.Logger(ctx), cfg, resp)
	return nil
}

func applyInitResponse(l log.Logger, cfg *fine.KernelConfig, resp *fine.InitResponse) {
	logErr := func(setting string, err error) {
		if err != nil {
			level.Debug(l).Log("msg", "ignoring setting from remote", "setting", setting, "err", err)
		}
	}

	logErr("flags", cfg.AddCapabilities(resp.Flags&cfg.Capabilities()))
	if resp.MaxWrite > 0 && resp.MaxWrite < cfg.MaxWrite() {
		_, err := cfg.SetMaxWrite(resp.MaxWrite)
		logErr("max_write", err)
	}
	if resp.MaxReadahead < cfg.MaxReadahead() {
		_, err := cfg.SetMaxReadahead(resp.MaxReadahead)
		logErr("max_readahead", err)
	}
	if cfg.Version().AtLeast(13) {
		if resp.MaxBackground > 0 {
			_, err := cfg.SetMaxBackground(resp.MaxBackground)
			logErr("max_background", err)
		}
		if resp.CongestionThreshold > 0 {
			_, err := cfg.SetCongestionThreshold(resp.CongestionThreshold)
			logErr("congestion_threshold", err)
		}
	}
	if cfg.Version().AtLeast(23) && resp.TimeGran > 0 {
		_, err := cfg.SetTimeGranularity(time.Duration(resp.TimeGran))
		logErr("time_gran", err)
	}
}

// Destroy tells the peer to shut down and waits for it to acknowledge.
func (r *Remote) Destroy(ctx context.Context) {
	ctx, cancel := context.WithTimeout(ctx, destroyTimeout)
	defer cancel()

	hdr := &fine.RequestHeader{Op: fine.OpDestroy, RequestID: destroyRequestID, Node: fine.RootNode}
	if _, err := r.call(ctx, hdr, nil); err != nil {
		level.Warn(server.Logger(ctx)).Log("msg", "remote didn't acknowledge destroy", "err", err)
	}
}

func (r *Remote) Forget(ctx context.Context, hdr *fine.RequestHeader, req *fine.ForgetRequest) {
	if err := r.send(hdr, req); err != nil {
		level.Debug(server.Logger(ctx)).Log("msg", "failed to forward forget", "err", err)
	}
}

// BatchForget forwards the whole batch in one message.
func (r *Remote) BatchForget(ctx context.Context, hdr *fine.RequestHeader, req *fine.BatchForgetRequest) {
	if err := r.send(hdr, req); err != nil {
		level.Debug(server.Logger(ctx)).Log("msg", "failed to forward forget", "err", err)
	}
}

func (r *Remote) Lookup(ctx context.Context, hdr *fine.RequestHeader, req *fine.LookupRequest, reply fine.ReplyEntry) {
	resp, err := roundTrip[*fine.EntryResponse](ctx, r, hdr, req)
	if err != nil {
		reply.Error(err)
		return
	}
	reply.Entry(resp.Entry)
}

func (r *Remote) Getattr(ctx context.Context, hdr *fine.RequestHeader, req *fine.GetattrRequest, reply fine.ReplyAttr) {
	resp, err := roundTrip[*fine.AttrResponse](ctx, r, hdr, req)
	if err != nil {
		reply.Error(err)
		return
	}
	reply.Attr(resp.TTL, resp.Attrib)
}

func (r *Remote) Setattr(ctx context.Context, hdr *fine.RequestHeader, req *fine.SetattrRequest, reply fine.ReplyAttr) {
	resp, err := roundTrip[*fine.AttrResponse](ctx, r, hdr, req)
	if err != nil {
		reply.Error(err)
		return
	}
	reply.Attr(resp.TTL, resp.Attrib)
}

func (r *Remote) Readlink(ctx context.Context, hdr *fine.RequestHeader, reply fine.ReplyData) {
	resp, err := roundTrip[*fine.ReadResponse](ctx, r, hdr, nil)
	if err != nil {
		reply.Error(err)
		return
	}
	reply.Data(resp.Data)
}

func (r *Remote) Mknod(ctx context.Context, hdr *fine.RequestHeader, req *fine.MknodRequest, reply fine.ReplyEntry) {
	resp, err := roundTrip[*fine.EntryResponse](ctx, r, hdr, req)
	if err != nil {
		reply.Error(err)
		return
	}
	reply.Entry(resp.Entry)
}

func (r *Remote) Mkdir(ctx context.Context, hdr *fine.RequestHeader, req *fine.MkdirRequest, reply fine.ReplyEntry) {
	resp, err := roundTrip[*fine.EntryResponse](ctx, r, hdr, req)
	if err != nil {
		reply.Error(err)
		return
	}
	reply.Entry(resp.Entry)
}

func (r *Remote) Unlink(ctx context.Context, hdr *fine.RequestHeader, req *fine.UnlinkRequest, reply fine.ReplyEmpty) {
	r.forwardEmpty(ctx, hdr, req, reply)
}

func (r *Remote) Rmdir(ctx context.Context, hdr *fine.RequestHeader, req *fine.RmdirRequest, reply fine.ReplyEmpty) {
	r.forwardEmpty(ctx, hdr, req, reply)
}

func (r *Remote) Symlink(ctx context.Context, hdr *fine.RequestHeader, req *fine.SymlinkRequest, reply fine.ReplyEntry) {
	resp, err := roundTrip[*fine.EntryResponse](ctx, r, hdr, req)
	if err != nil {
		reply.Error(err)
		return
	}
	reply.Entry(resp.Entry)
}

func (r *Remote) Rename(ctx context.Context, hdr *fine.RequestHeader, req *fine.RenameRequest, reply fine.ReplyEmpty) {
	r.forwardEmpty(ctx, hdr, req, reply)
}

func (r *Remote) Link(ctx context.Context, hdr *fine.RequestHeader, req *fine.LinkRequest, reply fine.ReplyEntry) {
	resp, err := roundTrip[*fine.EntryResponse](ctx, r, hdr, req)
	if err != nil {
		reply.Error(err)
		return
	}
	reply.Entry(resp.Entry)
}

func (r *Remote) Open(ctx context.Context, hdr *fine.RequestHeader, req *fine.OpenRequest, reply fine.ReplyOpen) {
	resp, err := roundTrip[*fine.OpenedResponse](ctx, r, hdr, req)
	if err != nil {
		reply.Error(err)
		return
	}
	reply.Opened(resp.Handle, resp.OpenedFlags)
}

func (r *Remote) Read(ctx context.Context, hdr *fine.RequestHeader, req *fine.ReadRequest, reply fine.ReplyData) {
	resp, err := roundTrip[*fine.ReadResponse](ctx, r, hdr, req)
	if err != nil {
		reply.Error(err)
		return
	}
	reply.Data(resp.Data)
}

func (r *Remote) Write(ctx context.Context, hdr *fine.RequestHeader, req *fine.WriteRequest, reply fine.ReplyWrite) {
	resp, err := roundTrip[*fine.WriteResponse](ctx, r, hdr, req)
	if err != nil {
		reply.Error(err)
		return
	}
	reply.Written(resp.Written)
}

func (r *Remote) Flush(ctx context.Context, hdr *fine.RequestHeader, req *fine.FlushRequest, reply fine.ReplyEmpty) {
	r.forwardEmpty(ctx, hdr, req, reply)
}

func (r *Remote) Release(ctx context.Context, hdr *fine.RequestHeader, req *fine.ReleaseRequest, reply fine.ReplyEmpty) {
	r.forwardEmpty(ctx, hdr, req, reply)
}

func (r *Remote) Fsync(ctx context.Context, hdr *fine.RequestHeader, req *fine.FsyncRequest, reply fine.ReplyEmpty) {
	r.forwardEmpty(ctx, hdr, req, reply)
}

func (r *Remote) Opendir(ctx context.Context, hdr *fine.RequestHeader, req *fine.OpenRequest, reply fine.ReplyOpen) {
	resp, err := roundTrip[*fine.OpenedResponse](ctx, r, hdr, req)
	if err != nil {
		reply.Error(err)
		return
	}
	reply.Opened(resp.Handle, resp.OpenedFlags)
}

func (r *Remote) Readdir(ctx context.Context, hdr *fine.RequestHeader, req *fine.ReadRequest, reply fine.ReplyDirectory) {
	resp, err := roundTrip[*fine.ReaddirResponse](ctx, r, hdr, req)
	if err != nil {
		reply.Error(err)
		return
	}
	for _, ent := range resp.Entries {
		if reply.Add(ent) {
			level.Warn(server.Logger(ctx)).Log("msg", "remote directory listing exceeds reply buffer", "size", req.Size)
			break
		}
	}
	reply.Ok()
}

func (r *Remote) Readdirplus(ctx context.Context, hdr *fine.RequestHeader, req *fine.ReadRequest, reply fine.ReplyDirectoryPlus) {
	resp, err := roundTrip[*fine.ReaddirplusResponse](ctx, r, hdr, req)
	if err != nil {
		reply.Error(err)
		return
	}
	for _, ent := range resp.Entries {
		if reply.Add(ent) {
			level.Warn(server.Logger(ctx)).Log("msg", "remote directory listing exceeds reply buffer", "size", req.Size)
			break
		}
	}
	reply.Ok()
}

func (r *Remote) Releasedir(ctx context.Context, hdr *fine.RequestHeader, req *fine.ReleaseRequest, reply fine.ReplyEmpty) {
	r.forwardEmpty(ctx, hdr, req, reply)
}

func (r *Remote) Fsyncdir(ctx context.Context, hdr *fine.RequestHeader, req *fine.FsyncRequest, reply fine.ReplyEmpty) {
	r.forwardEmpty(ctx, hdr, req, reply)
}

func (r *Remote) Statfs(ctx context.Context, hdr *fine.RequestHeader, reply fine.ReplyStatfs) {
	resp, err := roundTrip[*fine.StatfsResponse](ctx, r, hdr, nil)
	if err != nil {
		reply.Error(err)
		return
	}
	reply.Statfs(resp.Statfs)
}

func (r *Remote) Setxattr(ctx context.Context, hdr *fine.RequestHeader, req *fine.SetxattrRequest, reply fine.ReplyEmpty) {
	r.forwardEmpty(ctx, hdr, req, reply)
}

func (r *Remote) Getxattr(ctx context.Context, hdr *fine.RequestHeader, req *fine.GetxattrRequest, reply fine.ReplyXattr) {
	resp, err := roundTrip[*fine.XattrResponse](ctx, r, hdr, req)
	if err != nil {
		reply.Error(err)
		return
	}
	if reply.RequestedSize() == 0 {
		reply.Size(resp.Size)
		return
	}
	reply.Data(resp.Data)
}

func (r *Remote) Listxattr(ctx context.Context, hdr *fine.RequestHeader, req *fine.ListxattrRequest, reply fine.ReplyXattr) {
	resp, err := roundTrip[*fine.XattrResponse](ctx, r, hdr, req)
	if err != nil {
		reply.Error(err)
		return
	}
	if reply.RequestedSize() == 0 {
		reply.Size(resp.Size)
		return
	}
	reply.Data(resp.Data)
}

func (r *Remote) Removexattr(ctx context.Context, hdr *fine.RequestHeader, req *fine.RemovexattrRequest, reply fine.ReplyEmpty) {
	r.forwardEmpty(ctx, hdr, req, reply)
}

func (r *Remote) Access(ctx context.Context, hdr *fine.RequestHeader, req *fine.AccessRequest, reply fine.ReplyEmpty) {
	r.forwardEmpty(ctx, hdr, req, reply)
}

func (r *Remote) Create(ctx context.Context, hdr *fine.RequestHeader, req *fine.CreateRequest, reply fine.ReplyCreate) {
	resp, err := roundTrip[*fine.CreateResponse](ctx, r, hdr, req)
	if err != nil {
		reply.Error(err)
		return
	}
	reply.Created(resp.Entry, resp.Handle, resp.OpenedFlags)
}

func (r *Remote) Getlk(ctx context.Context, hdr *fine.RequestHeader, req *fine.LockRequest, reply fine.ReplyLock) {
	resp, err := roundTrip[*fine.LockResponse](ctx, r, hdr, req)
	if err != nil {
		reply.Error(err)
		return
	}
	reply.Locked(resp.Lock)
}

func (r *Remote) Setlk(ctx context.Context, hdr *fine.RequestHeader, req *fine.LockRequest, reply fine.ReplyEmpty) {
	r.forwardEmpty(ctx, hdr, req, reply)
}

func (r *Remote) Bmap(ctx context.Context, hdr *fine.RequestHeader, req *fine.BmapRequest, reply fine.ReplyBmap) {
	resp, err := roundTrip[*fine.BmapResponse](ctx, r, hdr, req)
	if err != nil {
		reply.Error(err)
		return
	}
	reply.Block(resp.Block)
}

func (r *Remote) Ioctl(ctx context.Context, hdr *fine.RequestHeader, req *fine.IoctlRequest, reply fine.ReplyIoctl) {
	resp, err := roundTrip[*fine.IoctlResponse](ctx, r, hdr, req)
	if err != nil {
		reply.Error(err)
		return
	}
	reply.Ioctl(resp.Result, resp.Data)
}

func (r *Remote) Poll(ctx context.Context, hdr *fine.RequestHeader, req *fine.PollRequest, reply fine.ReplyPoll) {
	resp, err := roundTrip[*fine.PollResponse](ctx, r, hdr, req)
	if err != nil {
		reply.Error(err)
		return
	}
	reply.Events(resp.Events)
}

func (r *Remote) Fallocate(ctx context.Context, hdr *fine.RequestHeader, req *fine.FallocateRequest, reply fine.ReplyEmpty) {
	r.forwardEmpty(ctx, hdr, req, reply)
}

func (r *Remote) Lseek(ctx context.Context, hdr *fine.RequestHeader, req *fine.LseekRequest, reply fine.ReplyLseek) {
	resp, err := roundTrip[*fine.LseekResponse](ctx, r, hdr, req)
	if err != nil {
		reply.Error(err)
		return
	}
	reply.Offset(resp.Offset)
}

func (r *Remote) CopyFileRange(ctx context.Context, hdr *fine.RequestHeader, req *fine.CopyFileRangeRequest, reply fine.ReplyWrite) {
	resp, err := roundTrip[*fine.WriteResponse](ctx, r, hdr, req)
	if err != nil {
		reply.Error(err)
		return
	}
	reply.Written(resp.Written)
}
