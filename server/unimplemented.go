package server

import (
	"context"

	"github.com/go-kit/log/level"
	"github.com/rfratto/fine"
)

// UnimplementedFilesystem implements Filesystem with default behavior for
// every operation. Embed it in a filesystem and override the operations it
// supports.
//
// Most operations fail with ErrorUnimplemented. Lookup, Getattr, Read and
// Readdir log a warning when they do, since nearly every filesystem needs
// them; other operations log at debug level. Symlink and Link fail with
// ErrorNotPermitted. Open, Opendir, Release, Releasedir and Statfs succeed.
type UnimplementedFilesystem struct{}

var _ Filesystem = UnimplementedFilesystem{}

func notImplemented(ctx context.Context, hdr *fine.RequestHeader, reply *fine.Reply) {
	level.Debug(Logger(ctx)).Log("msg", "operation not implemented", "op", hdr.Op, "node", hdr.Node)
	reply.Error(fine.ErrorUnimplemented)
}

// notImplementedWarn is used for operations that a working filesystem can't
// do without.
func notImplementedWarn(ctx context.Context, hdr *fine.RequestHeader, reply *fine.Reply) {
	level.Warn(Logger(ctx)).Log("msg", "operation not implemented", "op", hdr.Op, "node", hdr.Node)
	reply.Error(fine.ErrorUnimplemented)
}

func (UnimplementedFilesystem) Init(context.Context, *fine.RequestHeader, *fine.KernelConfig) error {
	return nil
}

func (UnimplementedFilesystem) Destroy(context.Context) {}

func (UnimplementedFilesystem) Lookup(ctx context.Context, hdr *fine.RequestHeader, _ *fine.LookupRequest, reply fine.ReplyEntry) {
	notImplementedWarn(ctx, hdr, reply.Reply)
}

func (UnimplementedFilesystem) Forget(context.Context, *fine.RequestHeader, *fine.ForgetRequest) {
	// no-op
}

func (UnimplementedFilesystem) Getattr(ctx context.Context, hdr *fine.RequestHeader, _ *fine.GetattrRequest, reply fine.ReplyAttr) {
	notImplementedWarn(ctx, hdr, reply.Reply)
}

func (UnimplementedFilesystem) Setattr(ctx context.Context, hdr *fine.RequestHeader, _ *fine.SetattrRequest, reply fine.ReplyAttr) {
	notImplemented(ctx, hdr, reply.Reply)
}

func (UnimplementedFilesystem) Readlink(ctx context.Context, hdr *fine.RequestHeader, reply fine.ReplyData) {
	notImplemented(ctx, hdr, reply.Reply)
}

func (UnimplementedFilesystem) Mknod(ctx context.Context, hdr *fine.RequestHeader, _ *fine.MknodRequest, reply fine.ReplyEntry) {
	notImplemented(ctx, hdr, reply.Reply)
}

func (UnimplementedFilesystem) Mkdir(ctx context.Context, hdr *fine.RequestHeader, _ *fine.MkdirRequest, reply fine.ReplyEntry) {
	notImplemented(ctx, hdr, reply.Reply)
}

func (UnimplementedFilesystem) Unlink(ctx context.Context, hdr *fine.RequestHeader, _ *fine.UnlinkRequest, reply fine.ReplyEmpty) {
	notImplemented(ctx, hdr, reply.Reply)
}

func (UnimplementedFilesystem) Rmdir(ctx context.Context, hdr *fine.RequestHeader, _ *fine.RmdirRequest, reply fine.ReplyEmpty) {
	notImplemented(ctx, hdr, reply.Reply)
}

func (UnimplementedFilesystem) Symlink(ctx context.Context, hdr *fine.RequestHeader, req *fine.SymlinkRequest, reply fine.ReplyEntry) {
	level.Debug(Logger(ctx)).Log("msg", "symlink not permitted", "node", hdr.Node, "name", req.Source)
	reply.Error(fine.ErrorNotPermitted)
}

func (UnimplementedFilesystem) Rename(ctx context.Context, hdr *fine.RequestHeader, _ *fine.RenameRequest, reply fine.ReplyEmpty) {
	notImplemented(ctx, hdr, reply.Reply)
}

func (UnimplementedFilesystem) Link(ctx context.Context, hdr *fine.RequestHeader, req *fine.LinkRequest, reply fine.ReplyEntry) {
	level.Debug(Logger(ctx)).Log("msg", "link not permitted", "node", req.OldNode, "name", req.NewName)
	reply.Error(fine.ErrorNotPermitted)
}

func (UnimplementedFilesystem) Open(_ context.Context, _ *fine.RequestHeader, _ *fine.OpenRequest, reply fine.ReplyOpen) {
	reply.Opened(0, 0)
}

func (UnimplementedFilesystem) Read(ctx context.Context, hdr *fine.RequestHeader, _ *fine.ReadRequest, reply fine.ReplyData) {
	notImplementedWarn(ctx, hdr, reply.Reply)
}

func (UnimplementedFilesystem) Write(ctx context.Context, hdr *fine.RequestHeader, _ *fine.WriteRequest, reply fine.ReplyWrite) {
	notImplemented(ctx, hdr, reply.Reply)
}

func (UnimplementedFilesystem) Flush(ctx context.Context, hdr *fine.RequestHeader, _ *fine.FlushRequest, reply fine.ReplyEmpty) {
	notImplemented(ctx, hdr, reply.Reply)
}

func (UnimplementedFilesystem) Release(_ context.Context, _ *fine.RequestHeader, _ *fine.ReleaseRequest, reply fine.ReplyEmpty) {
	reply.Ok()
}

func (UnimplementedFilesystem) Fsync(ctx context.Context, hdr *fine.RequestHeader, _ *fine.FsyncRequest, reply fine.ReplyEmpty) {
	notImplemented(ctx, hdr, reply.Reply)
}

func (UnimplementedFilesystem) Opendir(_ context.Context, _ *fine.RequestHeader, _ *fine.OpenRequest, reply fine.ReplyOpen) {
	reply.Opened(0, 0)
}

func (UnimplementedFilesystem) Readdir(ctx context.Context, hdr *fine.RequestHeader, _ *fine.ReadRequest, reply fine.ReplyDirectory) {
	notImplementedWarn(ctx, hdr, reply.Reply)
}

func (UnimplementedFilesystem) Readdirplus(ctx context.Context, hdr *fine.RequestHeader, _ *fine.ReadRequest, reply fine.ReplyDirectoryPlus) {
	notImplemented(ctx, hdr, reply.Reply)
}

func (UnimplementedFilesystem) Releasedir(_ context.Context, _ *fine.RequestHeader, _ *fine.ReleaseRequest, reply fine.ReplyEmpty) {
	reply.Ok()
}

func (UnimplementedFilesystem) Fsyncdir(ctx context.Context, hdr *fine.RequestHeader, _ *fine.FsyncRequest, reply fine.ReplyEmpty) {
	notImplemented(ctx, hdr, reply.Reply)
}

// Statfs reports an empty volume. Tools may read the zero counts as a full
// disk.
func (UnimplementedFilesystem) Statfs(_ context.Context, _ *fine.RequestHeader, reply fine.ReplyStatfs) {
	reply.Statfs(fine.Statfs{BlockSize: 512, NameLength: 255})
}

func (UnimplementedFilesystem) Setxattr(ctx context.Context, hdr *fine.RequestHeader, _ *fine.SetxattrRequest, reply fine.ReplyEmpty) {
	notImplemented(ctx, hdr, reply.Reply)
}

func (UnimplementedFilesystem) Getxattr(ctx context.Context, hdr *fine.RequestHeader, _ *fine.GetxattrRequest, reply fine.ReplyXattr) {
	notImplemented(ctx, hdr, reply.Reply)
}

func (UnimplementedFilesystem) Listxattr(ctx context.Context, hdr *fine.RequestHeader, _ *fine.ListxattrRequest, reply fine.ReplyXattr) {
	notImplemented(ctx, hdr, reply.Reply)
}

func (UnimplementedFilesystem) Removexattr(ctx context.Context, hdr *fine.RequestHeader, _ *fine.RemovexattrRequest, reply fine.ReplyEmpty) {
	notImplemented(ctx, hdr, reply.Reply)
}

func (UnimplementedFilesystem) Access(ctx context.Context, hdr *fine.RequestHeader, _ *fine.AccessRequest, reply fine.ReplyEmpty) {
	notImplemented(ctx, hdr, reply.Reply)
}

func (UnimplementedFilesystem) Create(ctx context.Context, hdr *fine.RequestHeader, _ *fine.CreateRequest, reply fine.ReplyCreate) {
	notImplemented(ctx, hdr, reply.Reply)
}

func (UnimplementedFilesystem) Getlk(ctx context.Context, hdr *fine.RequestHeader, _ *fine.LockRequest, reply fine.ReplyLock) {
	notImplemented(ctx, hdr, reply.Reply)
}

func (UnimplementedFilesystem) Setlk(ctx context.Context, hdr *fine.RequestHeader, _ *fine.LockRequest, reply fine.ReplyEmpty) {
	notImplemented(ctx, hdr, reply.Reply)
}

func (UnimplementedFilesystem) Bmap(ctx context.Context, hdr *fine.RequestHeader, _ *fine.BmapRequest, reply fine.ReplyBmap) {
	notImplemented(ctx, hdr, reply.Reply)
}

func (UnimplementedFilesystem) Ioctl(ctx context.Context, hdr *fine.RequestHeader, _ *fine.IoctlRequest, reply fine.ReplyIoctl) {
	notImplemented(ctx, hdr, reply.Reply)
}

func (UnimplementedFilesystem) Poll(ctx context.Context, hdr *fine.RequestHeader, _ *fine.PollRequest, reply fine.ReplyPoll) {
	notImplemented(ctx, hdr, reply.Reply)
}

func (UnimplementedFilesystem) Fallocate(ctx context.Context, hdr *fine.RequestHeader, _ *fine.FallocateRequest, reply fine.ReplyEmpty) {
	notImplemented(ctx, hdr, reply.Reply)
}

func (UnimplementedFilesystem) Lseek(ctx context.Context, hdr *fine.RequestHeader, _ *fine.LseekRequest, reply fine.ReplyLseek) {
	notImplemented(ctx, hdr, reply.Reply)
}

func (UnimplementedFilesystem) CopyFileRange(ctx context.Context, hdr *fine.RequestHeader, _ *fine.CopyFileRangeRequest, reply fine.ReplyWrite) {
	notImplemented(ctx, hdr, reply.Reply)
}

// UnimplementedSharedFilesystem implements SharedFilesystem with the same
// defaults as UnimplementedFilesystem. It must be embedded by every
// SharedFilesystem implementation.
type UnimplementedSharedFilesystem struct {
	UnimplementedFilesystem
}

var _ SharedFilesystem = UnimplementedSharedFilesystem{}

func (UnimplementedSharedFilesystem) sharedFilesystem() {}
