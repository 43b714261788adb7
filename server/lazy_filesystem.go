package server

import (
	"context"
	"fmt"
	"sync"

	"github.com/go-kit/log/level"
	"github.com/rfratto/fine"
)

// LazyFilesystem is a SharedFilesystem which allows to defer setting of the
// real filesystem. Until one is set, requests fail with ErrorNotExist. The
// zero value is ready for use.
type LazyFilesystem struct {
	UnimplementedSharedFilesystem

	mut    sync.RWMutex
	inner  SharedFilesystem
	cfg    *fine.KernelConfig // Set once Init was called.
	closed bool
}

var (
	_ SharedFilesystem = (*LazyFilesystem)(nil)
	_ BatchForgetter   = (*LazyFilesystem)(nil)
)

// SetFilesystem configures LazyFilesystem to forward requests to fs. Passing
// nil detaches the current filesystem without destroying it. SetFilesystem
// may not be called after LazyFilesystem has been destroyed.
//
// If the LazyFilesystem was already initialized, fs.Init is called
// immediately with a KernelConfig offering only what was negotiated with the
// kernel. Changes fs makes to it can't be applied anymore and are logged.
func (lf *LazyFilesystem) SetFilesystem(ctx context.Context, fs SharedFilesystem) error {
	lf.mut.Lock()
	defer lf.mut.Unlock()

	if lf.closed {
		return fmt.Errorf("LazyFilesystem destroyed")
	}

	lf.inner = fs
	if lf.cfg == nil || fs == nil {
		return nil
	}

	cfg := fine.NewKernelConfig(lf.cfg.Version(), lf.cfg.Requested()&lf.cfg.Capabilities(), lf.cfg.MaxReadahead(), lf.cfg.MaxWrite())
	hdr := &fine.RequestHeader{Op: fine.OpInit, Node: fine.RootNode}
	if err := fs.Init(ctx, hdr, cfg); err != nil {
		lf.inner = nil
		return fmt.Errorf("late init: %w", err)
	}

	late := cfg.Freeze()
	if late.MaxWrite() < lf.cfg.MaxWrite() || late.MaxReadahead() < lf.cfg.MaxReadahead() {
		level.Warn(Logger(ctx)).Log(
			"msg", "filesystem lowered limits after the kernel handshake; ignoring",
			"max_write", late.MaxWrite(),
			"max_readahead", late.MaxReadahead(),
		)
	}
	return nil
}

// acquire read-locks lf and returns the filesystem to forward to. If there
// is none, reply fails and nil is returned with lf unlocked. reply may be nil
// for operations without a reply.
func (lf *LazyFilesystem) acquire(reply *fine.Reply) SharedFilesystem {
	lf.mut.RLock()

	var err error
	switch {
	case lf.closed:
		err = fine.ErrorIO
	case lf.inner == nil:
		err = fine.ErrorNotExist
	default:
		return lf.inner
	}

	lf.mut.RUnlock()
	if reply != nil {
		reply.Error(err)
	}
	return nil
}

// Init implements Filesystem. Init is forwarded to the inner filesystem
// whenever it is set.
func (lf *LazyFilesystem) Init(ctx context.Context, hdr *fine.RequestHeader, cfg *fine.KernelConfig) error {
	lf.mut.Lock()
	defer lf.mut.Unlock()

	lf.cfg = cfg
	if lf.inner != nil {
		return lf.inner.Init(ctx, hdr, cfg)
	}
	return nil
}

// Destroy destroys the LazyFilesystem and the inner filesystem, if set.
func (lf *LazyFilesystem) Destroy(ctx context.Context) {
	lf.mut.Lock()
	defer lf.mut.Unlock()

	lf.closed = true
	if lf.inner != nil {
		lf.inner.Destroy(ctx)
	}
	lf.inner = nil
}

func (lf *LazyFilesystem) Forget(ctx context.Context, hdr *fine.RequestHeader, req *fine.ForgetRequest) {
	fs := lf.acquire(nil)
	if fs == nil {
		return
	}
	defer lf.mut.RUnlock()
	fs.Forget(ctx, hdr, req)
}

func (lf *LazyFilesystem) BatchForget(ctx context.Context, hdr *fine.RequestHeader, req *fine.BatchForgetRequest) {
	fs := lf.acquire(nil)
	if fs == nil {
		return
	}
	defer lf.mut.RUnlock()
	BatchForget(ctx, fs, hdr, req)
}

func (lf *LazyFilesystem) Lookup(ctx context.Context, hdr *fine.RequestHeader, req *fine.LookupRequest, reply fine.ReplyEntry) {
	fs := lf.acquire(reply.Reply)
	if fs == nil {
		return
	}
	defer lf.mut.RUnlock()
	fs.Lookup(ctx, hdr, req, reply)
}

func (lf *LazyFilesystem) Getattr(ctx context.Context, hdr *fine.RequestHeader, req *fine.GetattrRequest, reply fine.ReplyAttr) {
	fs := lf.acquire(reply.Reply)
	if fs == nil {
		return
	}
	defer lf.mut.RUnlock()
	fs.Getattr(ctx, hdr, req, reply)
}

func (lf *LazyFilesystem) Setattr(ctx context.Context, hdr *fine.RequestHeader, req *fine.SetattrRequest, reply fine.ReplyAttr) {
	fs := lf.acquire(reply.Reply)
	if fs == nil {
		return
	}
	defer lf.mut.RUnlock()
	fs.Setattr(ctx, hdr, req, reply)
}

func (lf *LazyFilesystem) Readlink(ctx context.Context, hdr *fine.RequestHeader, reply fine.ReplyData) {
	fs := lf.acquire(reply.Reply)
	if fs == nil {
		return
	}
	defer lf.mut.RUnlock()
	fs.Readlink(ctx, hdr, reply)
}

func (lf *LazyFilesystem) Mknod(ctx context.Context, hdr *fine.RequestHeader, req *fine.MknodRequest, reply fine.ReplyEntry) {
	fs := lf.acquire(reply.Reply)
	if fs == nil {
		return
	}
	defer lf.mut.RUnlock()
	fs.Mknod(ctx, hdr, req, reply)
}

func (lf *LazyFilesystem) Mkdir(ctx context.Context, hdr *fine.RequestHeader, req *fine.MkdirRequest, reply fine.ReplyEntry) {
	fs := lf.acquire(reply.Reply)
	if fs == nil {
		return
	}
	defer lf.mut.RUnlock()
	fs.Mkdir(ctx, hdr, req, reply)
}

func (lf *LazyFilesystem) Unlink(ctx context.Context, hdr *fine.RequestHeader, req *fine.UnlinkRequest, reply fine.ReplyEmpty) {
	fs := lf.acquire(reply.Reply)
	if fs == nil {
		return
	}
	defer lf.mut.RUnlock()
	fs.Unlink(ctx, hdr, req, reply)
}

func (lf *LazyFilesystem) Rmdir(ctx context.Context, hdr *fine.RequestHeader, req *fine.RmdirRequest, reply fine.ReplyEmpty) {
	fs := lf.acquire(reply.Reply)
	if fs == nil {
		return
	}
	defer lf.mut.RUnlock()
	fs.Rmdir(ctx, hdr, req, reply)
}

func (lf *LazyFilesystem) Symlink(ctx context.Context, hdr *fine.RequestHeader, req *fine.SymlinkRequest, reply fine.ReplyEntry) {
	fs := lf.acquire(reply.Reply)
	if fs == nil {
		return
	}
	defer lf.mut.RUnlock()
	fs.Symlink(ctx, hdr, req, reply)
}

func (lf *LazyFilesystem) Rename(ctx context.Context, hdr *fine.RequestHeader, req *fine.RenameRequest, reply fine.ReplyEmpty) {
	fs := lf.acquire(reply.Reply)
	if fs == nil {
		return
	}
	defer lf.mut.RUnlock()
	fs.Rename(ctx, hdr, req, reply)
}

func (lf *LazyFilesystem) Link(ctx context.Context, hdr *fine.RequestHeader, req *fine.LinkRequest, reply fine.ReplyEntry) {
	fs := lf.acquire(reply.Reply)
	if fs == nil {
		return
	}
	defer lf.mut.RUnlock()
	fs.Link(ctx, hdr, req, reply)
}

func (lf *LazyFilesystem) Open(ctx context.Context, hdr *fine.RequestHeader, req *fine.OpenRequest, reply fine.ReplyOpen) {
	fs := lf.acquire(reply.Reply)
	if fs == nil {
		return
	}
	defer lf.mut.RUnlock()
	fs.Open(ctx, hdr, req, reply)
}

func (lf *LazyFilesystem) Read(ctx context.Context, hdr *fine.RequestHeader, req *fine.ReadRequest, reply fine.ReplyData) {
	fs := lf.acquire(reply.Reply)
	if fs == nil {
		return
	}
	defer lf.mut.RUnlock()
	fs.Read(ctx, hdr, req, reply)
}

func (lf *LazyFilesystem) Write(ctx context.Context, hdr *fine.RequestHeader, req *fine.WriteRequest, reply fine.ReplyWrite) {
	fs := lf.acquire(reply.Reply)
	if fs == nil {
		return
	}
	defer lf.mut.RUnlock()
	fs.Write(ctx, hdr, req, reply)
}

func (lf *LazyFilesystem) Flush(ctx context.Context, hdr *fine.RequestHeader, req *fine.FlushRequest, reply fine.ReplyEmpty) {
	fs := lf.acquire(reply.Reply)
	if fs == nil {
		return
	}
	defer lf.mut.RUnlock()
	fs.Flush(ctx, hdr, req, reply)
}

func (lf *LazyFilesystem) Release(ctx context.Context, hdr *fine.RequestHeader, req *fine.ReleaseRequest, reply fine.ReplyEmpty) {
	fs := lf.acquire(reply.Reply)
	if fs == nil {
		return
	}
	defer lf.mut.RUnlock()
	fs.Release(ctx, hdr, req, reply)
}

func (lf *LazyFilesystem) Fsync(ctx context.Context, hdr *fine.RequestHeader, req *fine.FsyncRequest, reply fine.ReplyEmpty) {
	fs := lf.acquire(reply.Reply)
	if fs == nil {
		return
	}
	defer lf.mut.RUnlock()
	fs.Fsync(ctx, hdr, req, reply)
}

func (lf *LazyFilesystem) Opendir(ctx context.Context, hdr *fine.RequestHeader, req *fine.OpenRequest, reply fine.ReplyOpen) {
	fs := lf.acquire(reply.Reply)
	if fs == nil {
		return
	}
	defer lf.mut.RUnlock()
	fs.Opendir(ctx, hdr, req, reply)
}

func (lf *LazyFilesystem) Readdir(ctx context.Context, hdr *fine.RequestHeader, req *fine.ReadRequest, reply fine.ReplyDirectory) {
	fs := lf.acquire(reply.Reply)
	if fs == nil {
		return
	}
	defer lf.mut.RUnlock()
	fs.Readdir(ctx, hdr, req, reply)
}

func (lf *LazyFilesystem) Readdirplus(ctx context.Context, hdr *fine.RequestHeader, req *fine.ReadRequest, reply fine.ReplyDirectoryPlus) {
	fs := lf.acquire(reply.Reply)
	if fs == nil {
		return
	}
	defer lf.mut.RUnlock()
	fs.Readdirplus(ctx, hdr, req, reply)
}

func (lf *LazyFilesystem) Releasedir(ctx context.Context, hdr *fine.RequestHeader, req *fine.ReleaseRequest, reply fine.ReplyEmpty) {
	fs := lf.acquire(reply.Reply)
	if fs == nil {
		return
	}
	defer lf.mut.RUnlock()
	fs.Releasedir(ctx, hdr, req, reply)
}

func (lf *LazyFilesystem) Fsyncdir(ctx context.Context, hdr *fine.RequestHeader, req *fine.FsyncRequest, reply fine.ReplyEmpty) {
	fs := lf.acquire(reply.Reply)
	if fs == nil {
		return
	}
	defer lf.mut.RUnlock()
	fs.Fsyncdir(ctx, hdr, req, reply)
}

func (lf *LazyFilesystem) Statfs(ctx context.Context, hdr *fine.RequestHeader, reply fine.ReplyStatfs) {
	fs := lf.acquire(reply.Reply)
	if fs == nil {
		return
	}
	defer lf.mut.RUnlock()
	fs.Statfs(ctx, hdr, reply)
}

func (lf *LazyFilesystem) Setxattr(ctx context.Context, hdr *fine.RequestHeader, req *fine.SetxattrRequest, reply fine.ReplyEmpty) {
	fs := lf.acquire(reply.Reply)
	if fs == nil {
		return
	}
	defer lf.mut.RUnlock()
	fs.Setxattr(ctx, hdr, req, reply)
}

func (lf *LazyFilesystem) Getxattr(ctx context.Context, hdr *fine.RequestHeader, req *fine.GetxattrRequest, reply fine.ReplyXattr) {
	fs := lf.acquire(reply.Reply)
	if fs == nil {
		return
	}
	defer lf.mut.RUnlock()
	fs.Getxattr(ctx, hdr, req, reply)
}

func (lf *LazyFilesystem) Listxattr(ctx context.Context, hdr *fine.RequestHeader, req *fine.ListxattrRequest, reply fine.ReplyXattr) {
	fs := lf.acquire(reply.Reply)
	if fs == nil {
		return
	}
	defer lf.mut.RUnlock()
	fs.Listxattr(ctx, hdr, req, reply)
}

func (lf *LazyFilesystem) Removexattr(ctx context.Context, hdr *fine.RequestHeader, req *fine.RemovexattrRequest, reply fine.ReplyEmpty) {
	fs := lf.acquire(reply.Reply)
	if fs == nil {
		return
	}
	defer lf.mut.RUnlock()
	fs.Removexattr(ctx, hdr, req, reply)
}

func (lf *LazyFilesystem) Access(ctx context.Context, hdr *fine.RequestHeader, req *fine.AccessRequest, reply fine.ReplyEmpty) {
	fs := lf.acquire(reply.Reply)
	if fs == nil {
		return
	}
	defer lf.mut.RUnlock()
	fs.Access(ctx, hdr, req, reply)
}

func (lf *LazyFilesystem) Create(ctx context.Context, hdr *fine.RequestHeader, req *fine.CreateRequest, reply fine.ReplyCreate) {
	fs := lf.acquire(reply.Reply)
	if fs == nil {
		return
	}
	defer lf.mut.RUnlock()
	fs.Create(ctx, hdr, req, reply)
}

func (lf *LazyFilesystem) Getlk(ctx context.Context, hdr *fine.RequestHeader, req *fine.LockRequest, reply fine.ReplyLock) {
	fs := lf.acquire(reply.Reply)
	if fs == nil {
		return
	}
	defer lf.mut.RUnlock()
	fs.Getlk(ctx, hdr, req, reply)
}

func (lf *LazyFilesystem) Setlk(ctx context.Context, hdr *fine.RequestHeader, req *fine.LockRequest, reply fine.ReplyEmpty) {
	fs := lf.acquire(reply.Reply)
	if fs == nil {
		return
	}
	defer lf.mut.RUnlock()
	fs.Setlk(ctx, hdr, req, reply)
}

func (lf *LazyFilesystem) Bmap(ctx context.Context, hdr *fine.RequestHeader, req *fine.BmapRequest, reply fine.ReplyBmap) {
	fs := lf.acquire(reply.Reply)
	if fs == nil {
		return
	}
	defer lf.mut.RUnlock()
	fs.Bmap(ctx, hdr, req, reply)
}

func (lf *LazyFilesystem) Ioctl(ctx context.Context, hdr *fine.RequestHeader, req *fine.IoctlRequest, reply fine.ReplyIoctl) {
	fs := lf.acquire(reply.Reply)
	if fs == nil {
		return
	}
	defer lf.mut.RUnlock()
	fs.Ioctl(ctx, hdr, req, reply)
}

func (lf *LazyFilesystem) Poll(ctx context.Context, hdr *fine.RequestHeader, req *fine.PollRequest, reply fine.ReplyPoll) {
	fs := lf.acquire(reply.Reply)
	if fs == nil {
		return
	}
	defer lf.mut.RUnlock()
	fs.Poll(ctx, hdr, req, reply)
}

func (lf *LazyFilesystem) Fallocate(ctx context.Context, hdr *fine.RequestHeader, req *fine.FallocateRequest, reply fine.ReplyEmpty) {
	fs := lf.acquire(reply.Reply)
	if fs == nil {
		return
	}
	defer lf.mut.RUnlock()
	fs.Fallocate(ctx, hdr, req, reply)
}

func (lf *LazyFilesystem) Lseek(ctx context.Context, hdr *fine.RequestHeader, req *fine.LseekRequest, reply fine.ReplyLseek) {
	fs := lf.acquire(reply.Reply)
	if fs == nil {
		return
	}
	defer lf.mut.RUnlock()
	fs.Lseek(ctx, hdr, req, reply)
}

func (lf *LazyFilesystem) CopyFileRange(ctx context.Context, hdr *fine.RequestHeader, req *fine.CopyFileRangeRequest, reply fine.ReplyWrite) {
	fs := lf.acquire(reply.Reply)
	if fs == nil {
		return
	}
	defer lf.mut.RUnlock()
	fs.CopyFileRange(ctx, hdr, req, reply)
}
