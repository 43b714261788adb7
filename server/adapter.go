package server

import (
	"context"
	"fmt"
	"sync"

	"github.com/rfratto/fine"
	"go.uber.org/atomic"
)

// FilesystemAdapter exposes a Filesystem as a SharedFilesystem. Every call
// borrows the wrapped Filesystem exclusively, so the calls it observes never
// overlap and arrive in the order the dispatcher made them.
//
// Throughput of an adapted filesystem is bounded by the latency of its
// slowest operation: a blocking call stalls every other request. Filesystems
// which need concurrency should implement SharedFilesystem directly and do
// their own locking.
//
// Calling back into the adapter from inside one of its calls panics, as does
// any call after the wrapped filesystem panicked. Re-entry is recognized only
// through the context the adapter passed to the wrapped call. A call made on
// any other context, such as context.Background(), waits for the current
// call to return like any other caller, so making one from inside a call
// deadlocks.
type FilesystemAdapter struct {
	UnimplementedSharedFilesystem

	mut      sync.Mutex
	fs       Filesystem
	poisoned atomic.Bool
}

var (
	_ SharedFilesystem = (*FilesystemAdapter)(nil)
	_ BatchForgetter   = (*FilesystemAdapter)(nil)
)

// NewFilesystemAdapter wraps fs. The adapter takes ownership of fs; fs
// should not be called directly afterwards.
func NewFilesystemAdapter(fs Filesystem) *FilesystemAdapter {
	return &FilesystemAdapter{fs: fs}
}

// borrowKey marks a context as being inside a call on a specific adapter.
type borrowKey struct{ a *FilesystemAdapter }

// borrow acquires exclusive access to the wrapped filesystem. The returned
// context must be passed to the wrapped call, and release must be deferred
// right after.
func (a *FilesystemAdapter) borrow(ctx context.Context, op fine.Op) context.Context {
	if ctx.Value(borrowKey{a}) != nil {
		panic(fmt.Sprintf("server: re-entrant %s on FilesystemAdapter", op))
	}

	a.mut.Lock()
	if a.poisoned.Load() {
		a.mut.Unlock()
		panic(fmt.Sprintf("server: %s on FilesystemAdapter after wrapped filesystem panicked", op))
	}
	return context.WithValue(ctx, borrowKey{a}, struct{}{})
}

func (a *FilesystemAdapter) release() {
	if r := recover(); r != nil {
		a.poisoned.Store(true)
		a.mut.Unlock()
		panic(r)
	}
	a.mut.Unlock()
}

func (a *FilesystemAdapter) Init(ctx context.Context, hdr *fine.RequestHeader, cfg *fine.KernelConfig) error {
	ctx = a.borrow(ctx, fine.OpInit)
	defer a.release()
	return a.fs.Init(ctx, hdr, cfg)
}

func (a *FilesystemAdapter) Destroy(ctx context.Context) {
	ctx = a.borrow(ctx, fine.OpDestroy)
	defer a.release()
	a.fs.Destroy(ctx)
}

func (a *FilesystemAdapter) Lookup(ctx context.Context, hdr *fine.RequestHeader, req *fine.LookupRequest, reply fine.ReplyEntry) {
	ctx = a.borrow(ctx, hdr.Op)
	defer a.release()
	a.fs.Lookup(ctx, hdr, req, reply)
}

func (a *FilesystemAdapter) Forget(ctx context.Context, hdr *fine.RequestHeader, req *fine.ForgetRequest) {
	ctx = a.borrow(ctx, hdr.Op)
	defer a.release()
	a.fs.Forget(ctx, hdr, req)
}

// BatchForget forwards the whole batch within a single borrow.
func (a *FilesystemAdapter) BatchForget(ctx context.Context, hdr *fine.RequestHeader, req *fine.BatchForgetRequest) {
	ctx = a.borrow(ctx, hdr.Op)
	defer a.release()
	BatchForget(ctx, a.fs, hdr, req)
}

func (a *FilesystemAdapter) Getattr(ctx context.Context, hdr *fine.RequestHeader, req *fine.GetattrRequest, reply fine.ReplyAttr) {
	ctx = a.borrow(ctx, hdr.Op)
	defer a.release()
	a.fs.Getattr(ctx, hdr, req, reply)
}

func (a *FilesystemAdapter) Setattr(ctx context.Context, hdr *fine.RequestHeader, req *fine.SetattrRequest, reply fine.ReplyAttr) {
	ctx = a.borrow(ctx, hdr.Op)
	defer a.release()
	a.fs.Setattr(ctx, hdr, req, reply)
}

func (a *FilesystemAdapter) Readlink(ctx context.Context, hdr *fine.RequestHeader, reply fine.ReplyData) {
	ctx = a.borrow(ctx, hdr.Op)
	defer a.release()
	a.fs.Readlink(ctx, hdr, reply)
}

func (a *FilesystemAdapter) Mknod(ctx context.Context, hdr *fine.RequestHeader, req *fine.MknodRequest, reply fine.ReplyEntry) {
	ctx = a.borrow(ctx, hdr.Op)
	defer a.release()
	a.fs.Mknod(ctx, hdr, req, reply)
}

func (a *FilesystemAdapter) Mkdir(ctx context.Context, hdr *fine.RequestHeader, req *fine.MkdirRequest, reply fine.ReplyEntry) {
	ctx = a.borrow(ctx, hdr.Op)
	defer a.release()
	a.fs.Mkdir(ctx, hdr, req, reply)
}

func (a *FilesystemAdapter) Unlink(ctx context.Context, hdr *fine.RequestHeader, req *fine.UnlinkRequest, reply fine.ReplyEmpty) {
	ctx = a.borrow(ctx, hdr.Op)
	defer a.release()
	a.fs.Unlink(ctx, hdr, req, reply)
}

func (a *FilesystemAdapter) Rmdir(ctx context.Context, hdr *fine.RequestHeader, req *fine.RmdirRequest, reply fine.ReplyEmpty) {
	ctx = a.borrow(ctx, hdr.Op)
	defer a.release()
	a.fs.Rmdir(ctx, hdr, req, reply)
}

func (a *FilesystemAdapter) Symlink(ctx context.Context, hdr *fine.RequestHeader, req *fine.SymlinkRequest, reply fine.ReplyEntry) {
	ctx = a.borrow(ctx, hdr.Op)
	defer a.release()
	a.fs.Symlink(ctx, hdr, req, reply)
}

func (a *FilesystemAdapter) Rename(ctx context.Context, hdr *fine.RequestHeader, req *fine.RenameRequest, reply fine.ReplyEmpty) {
	ctx = a.borrow(ctx, hdr.Op)
	defer a.release()
	a.fs.Rename(ctx, hdr, req, reply)
}

func (a *FilesystemAdapter) Link(ctx context.Context, hdr *fine.RequestHeader, req *fine.LinkRequest, reply fine.ReplyEntry) {
	ctx = a.borrow(ctx, hdr.Op)
	defer a.release()
	a.fs.Link(ctx, hdr, req, reply)
}

func (a *FilesystemAdapter) Open(ctx context.Context, hdr *fine.RequestHeader, req *fine.OpenRequest, reply fine.ReplyOpen) {
	ctx = a.borrow(ctx, hdr.Op)
	defer a.release()
	a.fs.Open(ctx, hdr, req, reply)
}

func (a *FilesystemAdapter) Read(ctx context.Context, hdr *fine.RequestHeader, req *fine.ReadRequest, reply fine.ReplyData) {
	ctx = a.borrow(ctx, hdr.Op)
	defer a.release()
	a.fs.Read(ctx, hdr, req, reply)
}

func (a *FilesystemAdapter) Write(ctx context.Context, hdr *fine.RequestHeader, req *fine.WriteRequest, reply fine.ReplyWrite) {
	ctx = a.borrow(ctx, hdr.Op)
	defer a.release()
	a.fs.Write(ctx, hdr, req, reply)
}

func (a *FilesystemAdapter) Flush(ctx context.Context, hdr *fine.RequestHeader, req *fine.FlushRequest, reply fine.ReplyEmpty) {
	ctx = a.borrow(ctx, hdr.Op)
	defer a.release()
	a.fs.Flush(ctx, hdr, req, reply)
}

func (a *FilesystemAdapter) Release(ctx context.Context, hdr *fine.RequestHeader, req *fine.ReleaseRequest, reply fine.ReplyEmpty) {
	ctx = a.borrow(ctx, hdr.Op)
	defer a.release()
	a.fs.Release(ctx, hdr, req, reply)
}

func (a *FilesystemAdapter) Fsync(ctx context.Context, hdr *fine.RequestHeader, req *fine.FsyncRequest, reply fine.ReplyEmpty) {
	ctx = a.borrow(ctx, hdr.Op)
	defer a.release()
	a.fs.Fsync(ctx, hdr, req, reply)
}

func (a *FilesystemAdapter) Opendir(ctx context.Context, hdr *fine.RequestHeader, req *fine.OpenRequest, reply fine.ReplyOpen) {
	ctx = a.borrow(ctx, hdr.Op)
	defer a.release()
	a.fs.Opendir(ctx, hdr, req, reply)
}

func (a *FilesystemAdapter) Readdir(ctx context.Context, hdr *fine.RequestHeader, req *fine.ReadRequest, reply fine.ReplyDirectory) {
	ctx = a.borrow(ctx, hdr.Op)
	defer a.release()
	a.fs.Readdir(ctx, hdr, req, reply)
}

func (a *FilesystemAdapter) Readdirplus(ctx context.Context, hdr *fine.RequestHeader, req *fine.ReadRequest, reply fine.ReplyDirectoryPlus) {
	ctx = a.borrow(ctx, hdr.Op)
	defer a.release()
	a.fs.Readdirplus(ctx, hdr, req, reply)
}

func (a *FilesystemAdapter) Releasedir(ctx context.Context, hdr *fine.RequestHeader, req *fine.ReleaseRequest, reply fine.ReplyEmpty) {
	ctx = a.borrow(ctx, hdr.Op)
	defer a.release()
	a.fs.Releasedir(ctx, hdr, req, reply)
}

func (a *FilesystemAdapter) Fsyncdir(ctx context.Context, hdr *fine.RequestHeader, req *fine.FsyncRequest, reply fine.ReplyEmpty) {
	ctx = a.borrow(ctx, hdr.Op)
	defer a.release()
	a.fs.Fsyncdir(ctx, hdr, req, reply)
}

func (a *FilesystemAdapter) Statfs(ctx context.Context, hdr *fine.RequestHeader, reply fine.ReplyStatfs) {
	ctx = a.borrow(ctx, hdr.Op)
	defer a.release()
	a.fs.Statfs(ctx, hdr, reply)
}

func (a *FilesystemAdapter) Setxattr(ctx context.Context, hdr *fine.RequestHeader, req *fine.SetxattrRequest, reply fine.ReplyEmpty) {
	ctx = a.borrow(ctx, hdr.Op)
	defer a.release()
	a.fs.Setxattr(ctx, hdr, req, reply)
}

func (a *FilesystemAdapter) Getxattr(ctx context.Context, hdr *fine.RequestHeader, req *fine.GetxattrRequest, reply fine.ReplyXattr) {
	ctx = a.borrow(ctx, hdr.Op)
	defer a.release()
	a.fs.Getxattr(ctx, hdr, req, reply)
}

func (a *FilesystemAdapter) Listxattr(ctx context.Context, hdr *fine.RequestHeader, req *fine.ListxattrRequest, reply fine.ReplyXattr) {
	ctx = a.borrow(ctx, hdr.Op)
	defer a.release()
	a.fs.Listxattr(ctx, hdr, req, reply)
}

func (a *FilesystemAdapter) Removexattr(ctx context.Context, hdr *fine.RequestHeader, req *fine.RemovexattrRequest, reply fine.ReplyEmpty) {
	ctx = a.borrow(ctx, hdr.Op)
	defer a.release()
	a.fs.Removexattr(ctx, hdr, req, reply)
}

func (a *FilesystemAdapter) Access(ctx context.Context, hdr *fine.RequestHeader, req *fine.AccessRequest, reply fine.ReplyEmpty) {
	ctx = a.borrow(ctx, hdr.Op)
	defer a.release()
	a.fs.Access(ctx, hdr, req, reply)
}

func (a *FilesystemAdapter) Create(ctx context.Context, hdr *fine.RequestHeader, req *fine.CreateRequest, reply fine.ReplyCreate) {
	ctx = a.borrow(ctx, hdr.Op)
	defer a.release()
	a.fs.Create(ctx, hdr, req, reply)
}

func (a *FilesystemAdapter) Getlk(ctx context.Context, hdr *fine.RequestHeader, req *fine.LockRequest, reply fine.ReplyLock) {
	ctx = a.borrow(ctx, hdr.Op)
	defer a.release()
	a.fs.Getlk(ctx, hdr, req, reply)
}

func (a *FilesystemAdapter) Setlk(ctx context.Context, hdr *fine.RequestHeader, req *fine.LockRequest, reply fine.ReplyEmpty) {
	ctx = a.borrow(ctx, hdr.Op)
	defer a.release()
	a.fs.Setlk(ctx, hdr, req, reply)
}

func (a *FilesystemAdapter) Bmap(ctx context.Context, hdr *fine.RequestHeader, req *fine.BmapRequest, reply fine.ReplyBmap) {
	ctx = a.borrow(ctx, hdr.Op)
	defer a.release()
	a.fs.Bmap(ctx, hdr, req, reply)
}

func (a *FilesystemAdapter) Ioctl(ctx context.Context, hdr *fine.RequestHeader, req *fine.IoctlRequest, reply fine.ReplyIoctl) {
	ctx = a.borrow(ctx, hdr.Op)
	defer a.release()
	a.fs.Ioctl(ctx, hdr, req, reply)
}

func (a *FilesystemAdapter) Poll(ctx context.Context, hdr *fine.RequestHeader, req *fine.PollRequest, reply fine.ReplyPoll) {
	ctx = a.borrow(ctx, hdr.Op)
	defer a.release()
	a.fs.Poll(ctx, hdr, req, reply)
}

func (a *FilesystemAdapter) Fallocate(ctx context.Context, hdr *fine.RequestHeader, req *fine.FallocateRequest, reply fine.ReplyEmpty) {
	ctx = a.borrow(ctx, hdr.Op)
	defer a.release()
	a.fs.Fallocate(ctx, hdr, req, reply)
}

func (a *FilesystemAdapter) Lseek(ctx context.Context, hdr *fine.RequestHeader, req *fine.LseekRequest, reply fine.ReplyLseek) {
	ctx = a.borrow(ctx, hdr.Op)
	defer a.release()
	a.fs.Lseek(ctx, hdr, req, reply)
}

func (a *FilesystemAdapter) CopyFileRange(ctx context.Context, hdr *fine.RequestHeader, req *fine.CopyFileRangeRequest, reply fine.ReplyWrite) {
	ctx = a.borrow(ctx, hdr.Op)
	defer a.release()
	a.fs.CopyFileRange(ctx, hdr, req, reply)
}
