package server

import (
	"context"
	"errors"
	"fmt"
	"io"
	"os"
	"sync"
	"syscall"
	"time"

	"github.com/dustin/go-humanize"
	"github.com/go-kit/log"
	"github.com/go-kit/log/level"
	"github.com/hashicorp/go-multierror"
	"github.com/rfratto/fine"
	uuid "github.com/satori/go.uuid"
)

// Options configures a Server.
type Options struct {
	// ConcurrencyLimit is the maximum number of concurrent requests a Server can
	// run. If ConcurrencyLimit is <= 0, it will obtain its default from
	// DefaultOptions.
	ConcurrencyLimit int

	// RequestTimeout will force a request to abort after a given amount of time.
	// 0 means to never time out.
	RequestTimeout time.Duration

	// Transport is the transport used to read and write requests. Server takes
	// ownership of the Transport after passing to New; do not close directly.
	Transport fine.Transport

	// Filesystem handles individual requests. It is called concurrently from
	// up to ConcurrencyLimit goroutines. Use NewFilesystemAdapter to serve a
	// Filesystem that can't handle concurrent calls.
	Filesystem SharedFilesystem

	// Optional middleware to preprocess requests with.
	Middleware []Middleware
}

// DefaultOptions provides defaults for Server.
var DefaultOptions = Options{
	ConcurrencyLimit: 64,
}

// Server is a FINE server, which asynchronously handles requests from a
// transport by passing them to a SharedFilesystem.
type Server struct {
	log log.Logger
	o   Options

	// The middleware to execute before the filesystem
	mw      Middleware
	handler Invoker

	// settings are written once by the handshake, but may be read by
	// Settings from any goroutine.
	settingsMut sync.RWMutex
	settings    fine.Settings

	destroyOnce sync.Once
}

// New creates a new Server. Read messages will be passed to o.Filesystem for
// handling.
//
// Call Serve to start the Server.
func New(l log.Logger, o Options) (*Server, error) {
	if o.Filesystem == nil {
		return nil, fmt.Errorf("Filesystem must be set")
	}
	if o.Transport == nil {
		return nil, fmt.Errorf("Transport must be set")
	}
	if o.ConcurrencyLimit <= 0 {
		o.ConcurrencyLimit = DefaultOptions.ConcurrencyLimit
	}

	if l == nil {
		l = log.NewNopLogger()
	}
	l = log.With(l, "session", uuid.NewV4().String())

	return &Server{
		log:     l,
		o:       o,
		mw:      chainMiddleware(o.Middleware),
		handler: NewInvoker(o.Filesystem),
	}, nil
}

// Settings returns the settings negotiated during the handshake. It returns
// the zero value until the handshake completes.
func (s *Server) Settings() fine.Settings {
	s.settingsMut.RLock()
	defer s.settingsMut.RUnlock()
	return s.settings
}

// Serve starts the server. Serve only returns if there was an error while
// serving, if the peer sent DESTROY, or if ctx is canceled. A request the
// transport reports as a *fine.DecodeError is failed with ErrorInvalid and
// doesn't stop the server.
//
// Serve should not be called again after it has exited.
func (s *Server) Serve(ctx context.Context) (err error) {
	// RecvRequest can't be canceled, so closing the transport is what
	// unblocks the read loop once ctx is done. Serve waits for the close.
	var (
		exited   = make(chan struct{})
		closeErr error
	)
	defer func() {
		<-exited
		if closeErr != nil {
			err = multierror.Append(err, closeErr).ErrorOrNil()
		}
	}()

	ctx, cancel := context.WithCancel(ctx)
	defer cancel()
	go func() {
		defer close(exited)
		<-ctx.Done()

		level.Info(s.log).Log("msg", "fine server exiting")
		defer level.Debug(s.log).Log("msg", "fine server exited")

		if err := s.o.Transport.Close(); err != nil {
			level.Error(s.log).Log("msg", "error when closing transport", "err", err)
			closeErr = fmt.Errorf("closing transport: %w", err)
		}
	}()

	var (
		workers sync.WaitGroup
		flight  = newInflight(ctx, s.o.ConcurrencyLimit)
	)
	for i := 0; i < s.o.ConcurrencyLimit; i++ {
		workers.Add(1)
		go func() {
			defer workers.Done()
			for {
				select {
				case <-ctx.Done():
					return
				case t := <-flight.queue:
					s.handleRequest(t.ctx, t.header, t.req, func() { flight.finish(t) })
				}
			}
		}()
	}

	// Nothing but INIT is served before the handshake completes. INIT may be
	// repeated while the peers settle on a major version.
	var didHandshake bool

	defer func() {
		// Stop all of our workers before telling the filesystem we're done.
		cancel()
		workers.Wait()
		if didHandshake {
			s.destroy()
		}
	}()

	for {
		// Do an early return if our context has been canceled.
		if ctx.Err() != nil {
			level.Debug(s.log).Log("msg", "context canceled, breaking out of server read loop")
			return nil
		}

		header, req, err := s.o.Transport.RecvRequest()

		var decodeErr *fine.DecodeError
		if err != nil && ctx.Err() != nil {
			level.Debug(s.log).Log("msg", "transport closed after context canceled", "err", err)
			return nil
		} else if errors.As(err, &decodeErr) {
			s.rejectUndecodable(decodeErr, didHandshake)
			continue
		} else if errors.Is(err, io.EOF) {
			level.Debug(s.log).Log("msg", "got EOF from transport; exiting")
			return nil
		} else if err != nil {
			level.Error(s.log).Log("msg", "got error from transport; exiting", "err", err)
			return err
		}

		switch header.Op {
		default:
			if !didHandshake {
				level.Warn(s.log).Log("msg", "ignoring unexpected message sent before fine handshake completed", "op", header.Op, "op_val", int(header.Op))
				continue
			}
			if version := s.Settings().Version(); !header.Op.SupportedBy(version) {
				level.Debug(s.log).Log("msg", "operation not supported by negotiated protocol version", "op", header.Op, "version", version)
				if !noReply(header.Op) {
					s.sendResponse(responseHeader(header, fine.ErrorUnimplemented), nil)
				}
				continue
			}
			flight.schedule(header, req)

		case fine.OpInit:
			req, _ := req.(*fine.InitRequest)
			if req == nil {
				level.Error(s.log).Log("msg", "protocol error: got init request without request payload")
				return fmt.Errorf("missing init message payload from peer")
			}
			level.Debug(s.log).Log("msg", "got handshake request", "version", req.LatestVersion)

			if didHandshake {
				level.Warn(s.log).Log("msg", "ignoring unexpected post-handshake init message")
				continue
			}
			didHandshake, err = s.processHandshake(ctx, header, req)
			if err != nil {
				return err
			}

		case fine.OpDestroy:
			level.Debug(s.log).Log("msg", "received shutdown request from peer")
			if didHandshake {
				s.destroy()
			}
			s.sendResponse(responseHeader(header, nil), nil)
			return nil

		case fine.OpInterrupt:
			req, _ := req.(*fine.InterruptRequest)
			if req == nil {
				level.Error(s.log).Log("msg", "protocol error: got interrupt request without request payload")
				return fmt.Errorf("missing interrupt message payload from peer")
			}
			if !flight.interrupt(req.RequestID) {
				level.Debug(s.log).Log("msg", "received interrupt for unknown request", "id", req.RequestID)
				continue
			}
			level.Debug(s.log).Log("msg", "interrupted request", "id", req.RequestID)
		}
	}
}

// task is a request waiting for or being handled by a worker.
type task struct {
	ctx    context.Context
	cancel context.CancelFunc
	header fine.RequestHeader
	req    fine.Request
}

// inflight tracks scheduled requests by ID so they can be interrupted.
type inflight struct {
	ctx   context.Context
	queue chan *task

	mut   sync.Mutex
	tasks map[uint64]*task
}

func newInflight(ctx context.Context, size int) *inflight {
	return &inflight{
		ctx:   ctx,
		queue: make(chan *task, size),
		tasks: make(map[uint64]*task),
	}
}

// schedule queues a request, blocking while every worker is busy.
func (f *inflight) schedule(header fine.RequestHeader, req fine.Request) {
	ctx, cancel := context.WithCancel(f.ctx)
	t := &task{ctx: ctx, cancel: cancel, header: header, req: req}

	f.mut.Lock()
	f.tasks[header.RequestID] = t
	f.mut.Unlock()

	select {
	case f.queue <- t:
	case <-f.ctx.Done():
		f.finish(t)
	}
}

// interrupt cancels the context of a scheduled request. It returns false if
// no request with id is in flight.
func (f *inflight) interrupt(id uint64) bool {
	f.mut.Lock()
	t, ok := f.tasks[id]
	f.mut.Unlock()
	if ok {
		t.cancel()
	}
	return ok
}

func (f *inflight) finish(t *task) {
	t.cancel()
	f.mut.Lock()
	if f.tasks[t.header.RequestID] == t {
		delete(f.tasks, t.header.RequestID)
	}
	f.mut.Unlock()
}

// noReply returns true for ops which never get a response.
func noReply(op fine.Op) bool {
	return op == fine.OpForget || op == fine.OpBatchForget
}

func (s *Server) requestContext(ctx context.Context, header fine.RequestHeader) context.Context {
	return WithLogger(ctx, log.With(s.log, "op", header.Op, "id", header.RequestID))
}

func (s *Server) destroy() {
	s.destroyOnce.Do(func() {
		ctx := WithLogger(context.Background(), s.log)
		s.o.Filesystem.Destroy(ctx)
	})
}

func (s *Server) handleRequest(ctx context.Context, header fine.RequestHeader, req fine.Request, done func()) {
	defer done()

	if s.o.RequestTimeout > 0 {
		var cancel context.CancelFunc
		ctx, cancel = context.WithTimeout(ctx, s.o.RequestTimeout)
		defer cancel()
	}
	ctx = s.requestContext(ctx, header)

	resp, err := s.mw.HandleRequest(ctx, &header, req, s.handler)
	if noReply(header.Op) {
		return
	}
	s.sendResponse(responseHeader(header, err), resp)
}

func (s *Server) sendResponse(h fine.ResponseHeader, resp fine.Response) {
	err := s.o.Transport.SendResponse(h, resp)
	if err != nil {
		level.Error(s.log).Log("msg", "failed to write response to transport", "err", err)
	}
}

func responseHeader(req fine.RequestHeader, err error) fine.ResponseHeader {
	return fine.ResponseHeader{
		Op:        req.Op,
		RequestID: req.RequestID,
		Error:     errorForResponse(err),
	}
}

func errorForResponse(err error) fine.Error {
	if err == nil {
		return 0
	}

	var fe fine.Error
	if errors.As(err, &fe) {
		return fe
	}

	// Check for common system-level errors.
	var errno syscall.Errno
	switch {
	case errors.Is(err, context.DeadlineExceeded):
		return fine.ErrorAborted
	case errors.Is(err, context.Canceled):
		return fine.ErrorInterrupted
	case errors.As(err, &errno):
		return fine.Error(-int32(errno))
	case os.IsNotExist(err):
		return fine.ErrorNotExist
	case os.IsExist(err):
		return fine.ErrorExists
	case os.IsPermission(err):
		return fine.ErrorNotPermitted
	case errors.Is(err, io.EOF):
		return 0
	}
	return fine.ErrorIO
}

// rejectUndecodable answers a request whose body couldn't be decoded with
// ErrorInvalid so the peer isn't left waiting on it.
func (s *Server) rejectUndecodable(de *fine.DecodeError, didHandshake bool) {
	hdr := de.Header
	level.Debug(s.log).Log("msg", "failed to decode request", "op", hdr.Op, "id", hdr.RequestID, "err", de.Err)

	switch {
	case hdr.RequestID == 0, noReply(hdr.Op):
		return
	case !didHandshake && hdr.Op != fine.OpInit:
		return
	}
	s.sendResponse(responseHeader(hdr, fine.ErrorInvalid), nil)
}

// processHandshake processes the handshake sent by the peer. If complete is
// false, the handshake is expected to be sent again.
func (s *Server) processHandshake(ctx context.Context, header fine.RequestHeader, init *fine.InitRequest) (complete bool, err error) {
	if init.LatestVersion.Major > fine.ProtocolVersion.Major {
		// Kernel is too new. Let's tell it which version we support.
		s.sendResponse(responseHeader(header, nil), &fine.InitResponse{EarliestVersion: fine.ProtocolVersion})
		return false, nil
	}
	if init.LatestVersion.Less(fine.MinVersion) {
		s.sendResponse(responseHeader(header, fine.ErrorProtocol), nil)
		return false, fmt.Errorf("peer version %s too old for minimum version %s", init.LatestVersion, fine.MinVersion)
	}

	version := init.LatestVersion
	if fine.ProtocolVersion.Less(version) {
		version = fine.ProtocolVersion
	}

	cfg := fine.NewKernelConfig(version, init.Flags, init.MaxReadahead, fine.TransportMaxWrite(s.o.Transport))
	initErr := s.o.Filesystem.Init(s.requestContext(ctx, header), &header, cfg)
	settings := cfg.Freeze()
	if initErr != nil {
		level.Error(s.log).Log("msg", "filesystem init failed", "err", initErr)
		s.sendResponse(responseHeader(header, fine.ErrorIO), nil)
		return false, fmt.Errorf("filesystem init failed: %w", initErr)
	}
	s.settingsMut.Lock()
	s.settings = settings
	s.settingsMut.Unlock()

	level.Info(s.log).Log(
		"msg", "handshake complete",
		"version", version,
		"flags", settings.Flags(),
		"max_write", humanize.IBytes(uint64(settings.MaxWrite())),
		"max_readahead", humanize.IBytes(uint64(settings.MaxReadahead())),
		"max_background", settings.MaxBackground(),
		"congestion_threshold", settings.CongestionThreshold(),
		"time_gran", settings.TimeGranularity(),
	)
	s.sendResponse(responseHeader(header, nil), settings.InitResponse())
	return true, nil
}
