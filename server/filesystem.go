package server

import (
	"context"

	"github.com/rfratto/fine"
)

// Filesystem is implemented by filesystems which expect exclusive access:
// the dispatcher never calls into a Filesystem concurrently. Filesystems are
// handed to a Server by wrapping them in a FilesystemAdapter, which
// serializes every call.
//
// Every operation receives a reply capability. Exactly one terminal method
// of the reply must be called before the operation returns; errors are sent
// through the reply, never returned. Embed UnimplementedFilesystem to get
// default behavior for operations that aren't implemented.
//
// ctx is canceled when the kernel interrupts the request or the server shuts
// down. A request logger is available through Logger(ctx).
type Filesystem interface {
	// Init is called once before any other operation. cfg may be modified
	// to negotiate connection limits and capabilities; it is frozen after
	// Init returns. Returning an error aborts the mount.
	Init(ctx context.Context, hdr *fine.RequestHeader, cfg *fine.KernelConfig) error

	// Destroy is called once when the filesystem is unmounted. No other
	// operations follow it.
	Destroy(ctx context.Context)

	Lookup(ctx context.Context, hdr *fine.RequestHeader, req *fine.LookupRequest, reply fine.ReplyEntry)

	// Forget tells the filesystem that the kernel dropped NumLookups
	// references to hdr.Node. Forget has no reply.
	Forget(ctx context.Context, hdr *fine.RequestHeader, req *fine.ForgetRequest)

	Getattr(ctx context.Context, hdr *fine.RequestHeader, req *fine.GetattrRequest, reply fine.ReplyAttr)
	Setattr(ctx context.Context, hdr *fine.RequestHeader, req *fine.SetattrRequest, reply fine.ReplyAttr)
	Readlink(ctx context.Context, hdr *fine.RequestHeader, reply fine.ReplyData)
	Mknod(ctx context.Context, hdr *fine.RequestHeader, req *fine.MknodRequest, reply fine.ReplyEntry)
	Mkdir(ctx context.Context, hdr *fine.RequestHeader, req *fine.MkdirRequest, reply fine.ReplyEntry)
	Unlink(ctx context.Context, hdr *fine.RequestHeader, req *fine.UnlinkRequest, reply fine.ReplyEmpty)
	Rmdir(ctx context.Context, hdr *fine.RequestHeader, req *fine.RmdirRequest, reply fine.ReplyEmpty)
	Symlink(ctx context.Context, hdr *fine.RequestHeader, req *fine.SymlinkRequest, reply fine.ReplyEntry)

	// Rename moves a file. req.Flags carries RENAME2 flags as opaque bits
	// and is zero for plain renames.
	Rename(ctx context.Context, hdr *fine.RequestHeader, req *fine.RenameRequest, reply fine.ReplyEmpty)

	Link(ctx context.Context, hdr *fine.RequestHeader, req *fine.LinkRequest, reply fine.ReplyEntry)
	Open(ctx context.Context, hdr *fine.RequestHeader, req *fine.OpenRequest, reply fine.ReplyOpen)

	// Read must reply with exactly req.Size bytes except at the end of the
	// file. The kernel zero-pads short reads unless the file was opened with
	// OpenedDirectIO.
	Read(ctx context.Context, hdr *fine.RequestHeader, req *fine.ReadRequest, reply fine.ReplyData)

	// Write must report exactly the number of bytes accepted.
	Write(ctx context.Context, hdr *fine.RequestHeader, req *fine.WriteRequest, reply fine.ReplyWrite)

	// Flush is called on every close of a file descriptor, so it may be
	// called more than once per Open. Locks held by req.LockOwner should be
	// released here.
	Flush(ctx context.Context, hdr *fine.RequestHeader, req *fine.FlushRequest, reply fine.ReplyEmpty)

	// Release is called exactly once per successful Open. Errors aren't
	// reported to the closing process.
	Release(ctx context.Context, hdr *fine.RequestHeader, req *fine.ReleaseRequest, reply fine.ReplyEmpty)

	Fsync(ctx context.Context, hdr *fine.RequestHeader, req *fine.FsyncRequest, reply fine.ReplyEmpty)
	Opendir(ctx context.Context, hdr *fine.RequestHeader, req *fine.OpenRequest, reply fine.ReplyOpen)
	Readdir(ctx context.Context, hdr *fine.RequestHeader, req *fine.ReadRequest, reply fine.ReplyDirectory)
	Readdirplus(ctx context.Context, hdr *fine.RequestHeader, req *fine.ReadRequest, reply fine.ReplyDirectoryPlus)
	Releasedir(ctx context.Context, hdr *fine.RequestHeader, req *fine.ReleaseRequest, reply fine.ReplyEmpty)
	Fsyncdir(ctx context.Context, hdr *fine.RequestHeader, req *fine.FsyncRequest, reply fine.ReplyEmpty)
	Statfs(ctx context.Context, hdr *fine.RequestHeader, reply fine.ReplyStatfs)
	Setxattr(ctx context.Context, hdr *fine.RequestHeader, req *fine.SetxattrRequest, reply fine.ReplyEmpty)
	Getxattr(ctx context.Context, hdr *fine.RequestHeader, req *fine.GetxattrRequest, reply fine.ReplyXattr)
	Listxattr(ctx context.Context, hdr *fine.RequestHeader, req *fine.ListxattrRequest, reply fine.ReplyXattr)
	Removexattr(ctx context.Context, hdr *fine.RequestHeader, req *fine.RemovexattrRequest, reply fine.ReplyEmpty)
	Access(ctx context.Context, hdr *fine.RequestHeader, req *fine.AccessRequest, reply fine.ReplyEmpty)
	Create(ctx context.Context, hdr *fine.RequestHeader, req *fine.CreateRequest, reply fine.ReplyCreate)
	Getlk(ctx context.Context, hdr *fine.RequestHeader, req *fine.LockRequest, reply fine.ReplyLock)

	// Setlk acquires or releases a lock. If req.Sleep is set, Setlk should
	// wait for conflicting locks to be released.
	Setlk(ctx context.Context, hdr *fine.RequestHeader, req *fine.LockRequest, reply fine.ReplyEmpty)

	Bmap(ctx context.Context, hdr *fine.RequestHeader, req *fine.BmapRequest, reply fine.ReplyBmap)
	Ioctl(ctx context.Context, hdr *fine.RequestHeader, req *fine.IoctlRequest, reply fine.ReplyIoctl)
	Poll(ctx context.Context, hdr *fine.RequestHeader, req *fine.PollRequest, reply fine.ReplyPoll)
	Fallocate(ctx context.Context, hdr *fine.RequestHeader, req *fine.FallocateRequest, reply fine.ReplyEmpty)
	Lseek(ctx context.Context, hdr *fine.RequestHeader, req *fine.LseekRequest, reply fine.ReplyLseek)
	CopyFileRange(ctx context.Context, hdr *fine.RequestHeader, req *fine.CopyFileRangeRequest, reply fine.ReplyWrite)

	platformOps
}

// SharedFilesystem is implemented by filesystems which can handle concurrent
// calls. It has the same operations as Filesystem, but the dispatcher may
// invoke them from many goroutines at once; the filesystem is responsible for
// synchronizing its own state.
//
// Implementations must embed UnimplementedSharedFilesystem. A Filesystem
// which doesn't synchronize itself can be used as a SharedFilesystem through
// NewFilesystemAdapter.
type SharedFilesystem interface {
	Filesystem
	sharedFilesystem()
}

// BatchForgetter may be implemented by filesystems to handle BATCH_FORGET
// requests in one call. Filesystems which don't implement it receive one
// Forget per item.
type BatchForgetter interface {
	BatchForget(ctx context.Context, hdr *fine.RequestHeader, req *fine.BatchForgetRequest)
}

// BatchForget forwards req to fs. If fs doesn't implement BatchForgetter,
// req is split into Forget calls made in order.
func BatchForget(ctx context.Context, fs Filesystem, hdr *fine.RequestHeader, req *fine.BatchForgetRequest) {
	if bf, ok := fs.(BatchForgetter); ok {
		bf.BatchForget(ctx, hdr, req)
		return
	}
	for _, item := range req.Items {
		itemHdr := *hdr
		itemHdr.Node = item.Node
		fs.Forget(ctx, &itemHdr, &fine.ForgetRequest{NumLookups: item.NumLookups})
	}
}
