//go:build linux

package fuse

import (
	"errors"
	"fmt"
	"io"
	"os"
	"sync"

	"github.com/go-kit/log"
	"github.com/go-kit/log/level"
	"github.com/rfratto/fine"
	"go.uber.org/atomic"
	"golang.org/x/sys/unix"
)

// devTransport implements fine.Transport over an open `/dev/fuse` file.
type devTransport struct {
	log log.Logger

	f        *os.File
	maxWrite uint32
	bufs     sync.Pool

	closed  atomic.Bool
	onClose func()

	// Minor version agreed on in the INIT reply. Zero until then.
	minor atomic.Uint32

	// The kernel hands out each request once, so reads don't need ordering;
	// writes are serialized so a reply is written with a single syscall.
	writeMut sync.Mutex
}

var (
	_ fine.Transport = (*devTransport)(nil)
	_ fine.MaxWriter = (*devTransport)(nil)
)

func newDevTransport(l log.Logger, f *os.File, maxWrite uint32, onClose func()) *devTransport {
	dt := &devTransport{log: l, f: f, maxWrite: maxWrite, onClose: onClose}

	// A read must be able to hold a full write payload plus its headers.
	size := unix.Getpagesize() + int(maxWrite)
	dt.bufs.New = func() interface{} {
		b := make([]byte, size)
		return &b
	}
	return dt
}

// MaxWrite implements fine.MaxWriter.
func (dt *devTransport) MaxWrite() uint32 { return dt.maxWrite }

func (dt *devTransport) RecvRequest() (fine.RequestHeader, fine.Request, error) {
	bufp := dt.bufs.Get().(*[]byte)
	defer dt.bufs.Put(bufp)
	buf := *bufp

	for {
		n, err := unix.Read(int(dt.f.Fd()), buf)
		switch {
		case errors.Is(err, unix.ENOENT), errors.Is(err, unix.EINTR), errors.Is(err, unix.EAGAIN):
			// ENOENT: the request was interrupted before we read it.
			continue
		case errors.Is(err, unix.ENODEV):
			level.Debug(dt.log).Log("msg", "filesystem unmounted")
			return fine.RequestHeader{}, nil, io.EOF
		case err != nil:
			if dt.closed.Load() {
				return fine.RequestHeader{}, nil, io.EOF
			}
			return fine.RequestHeader{}, nil, fmt.Errorf("reading from fuse device: %w", err)
		case n == 0:
			return fine.RequestHeader{}, nil, io.EOF
		}

		// Decoded requests copy what they keep, so buf can be reused.
		return decodeRequest(dt.log, dt.negotiatedMinor(), buf[:n])
	}
}

func (dt *devTransport) negotiatedMinor() uint32 {
	if m := dt.minor.Load(); m != 0 {
		return m
	}
	return fine.ProtocolVersion.Minor
}

func (dt *devTransport) SendResponse(h fine.ResponseHeader, resp fine.Response) error {
	data, err := encodeResponse(h, resp)
	if err != nil {
		return err
	}
	if init, ok := resp.(*fine.InitResponse); ok && h.Error == 0 {
		dt.minor.Store(init.EarliestVersion.Minor)
	}

	dt.writeMut.Lock()
	n, err := unix.Write(int(dt.f.Fd()), data)
	dt.writeMut.Unlock()

	switch {
	case errors.Is(err, unix.ENOENT):
		// The request was interrupted and the kernel no longer wants a reply.
		level.Debug(dt.log).Log("msg", "reply for interrupted request dropped", "op", h.Op, "id", h.RequestID)
		return nil
	case err != nil:
		return fmt.Errorf("writing to fuse device: %w", err)
	case n != len(data):
		return io.ErrShortWrite
	}
	return nil
}

// Close closes the connection to the kernel and runs the unmount hook.
func (dt *devTransport) Close() error {
	if !dt.closed.CAS(false, true) {
		return nil
	}
	err := dt.f.Close()
	if dt.onClose != nil {
		dt.onClose()
	}
	level.Debug(dt.log).Log("msg", "closed fuse device", "err", err)
	return err
}
