package server

import (
	"context"
	"fmt"

	"github.com/go-kit/log/level"
	"github.com/rfratto/fine"
)

// NewInvoker converts fs into an Invoker. Each call creates a reply
// capability for the request, passes it to fs, and returns whatever fs
// replied with. It is the innermost handler of a Server, and is useful for
// driving a filesystem without a transport.
func NewInvoker(fs SharedFilesystem) Invoker {
	return func(ctx context.Context, hdr *fine.RequestHeader, req fine.Request) (fine.Response, error) {
		var (
			resp fine.Response
			err  error
		)
		reply := fine.NewReply(Logger(ctx), hdr.Op, func(r fine.Response, e error) {
			resp, err = r, e
		})

		if dispatchErr := dispatch(ctx, fs, hdr, req, reply); dispatchErr != nil {
			return nil, dispatchErr
		}

		switch {
		case hdr.Op == fine.OpForget || hdr.Op == fine.OpBatchForget:
			return nil, nil
		case !reply.Sent():
			level.Warn(Logger(ctx)).Log("msg", "filesystem returned without replying, replying with EIO", "op", hdr.Op, "id", hdr.RequestID)
			reply.Error(fine.ErrorIO)
		}
		return resp, err
	}
}

func missingBody(hdr *fine.RequestHeader) error {
	return fmt.Errorf("missing request body for %s: %w", hdr.Op, fine.ErrorInvalid)
}

// dispatch calls the method of fs for hdr.Op. An error is returned if the
// request can't be dispatched; otherwise the outcome is sent through reply.
func dispatch(ctx context.Context, fs SharedFilesystem, hdr *fine.RequestHeader, req fine.Request, reply *fine.Reply) error {
	switch hdr.Op {
	case fine.OpLookup:
		req, ok := req.(*fine.LookupRequest)
		if !ok {
			return missingBody(hdr)
		}
		fs.Lookup(ctx, hdr, req, fine.ReplyEntry{Reply: reply})

	case fine.OpForget:
		req, ok := req.(*fine.ForgetRequest)
		if !ok {
			return missingBody(hdr)
		}
		fs.Forget(ctx, hdr, req)

	case fine.OpBatchForget:
		req, ok := req.(*fine.BatchForgetRequest)
		if !ok {
			return missingBody(hdr)
		}
		BatchForget(ctx, fs, hdr, req)

	case fine.OpGetattr:
		req, ok := req.(*fine.GetattrRequest)
		if !ok {
			return missingBody(hdr)
		}
		fs.Getattr(ctx, hdr, req, fine.ReplyAttr{Reply: reply})

	case fine.OpSetattr:
		req, ok := req.(*fine.SetattrRequest)
		if !ok {
			return missingBody(hdr)
		}
		fs.Setattr(ctx, hdr, req, fine.ReplyAttr{Reply: reply})

	case fine.OpReadlink:
		// Readlink has no request
		fs.Readlink(ctx, hdr, fine.ReplyData{Reply: reply})

	case fine.OpSymlink:
		req, ok := req.(*fine.SymlinkRequest)
		if !ok {
			return missingBody(hdr)
		}
		fs.Symlink(ctx, hdr, req, fine.ReplyEntry{Reply: reply})

	case fine.OpMknod:
		req, ok := req.(*fine.MknodRequest)
		if !ok {
			return missingBody(hdr)
		}
		fs.Mknod(ctx, hdr, req, fine.ReplyEntry{Reply: reply})

	case fine.OpMkdir:
		req, ok := req.(*fine.MkdirRequest)
		if !ok {
			return missingBody(hdr)
		}
		fs.Mkdir(ctx, hdr, req, fine.ReplyEntry{Reply: reply})

	case fine.OpUnlink:
		req, ok := req.(*fine.UnlinkRequest)
		if !ok {
			return missingBody(hdr)
		}
		fs.Unlink(ctx, hdr, req, fine.ReplyEmpty{Reply: reply})

	case fine.OpRmdir:
		req, ok := req.(*fine.RmdirRequest)
		if !ok {
			return missingBody(hdr)
		}
		fs.Rmdir(ctx, hdr, req, fine.ReplyEmpty{Reply: reply})

	case fine.OpRename, fine.OpRename2:
		req, ok := req.(*fine.RenameRequest)
		if !ok {
			return missingBody(hdr)
		}
		fs.Rename(ctx, hdr, req, fine.ReplyEmpty{Reply: reply})

	case fine.OpLink:
		req, ok := req.(*fine.LinkRequest)
		if !ok {
			return missingBody(hdr)
		}
		fs.Link(ctx, hdr, req, fine.ReplyEntry{Reply: reply})

	case fine.OpOpen:
		req, ok := req.(*fine.OpenRequest)
		if !ok {
			return missingBody(hdr)
		}
		fs.Open(ctx, hdr, req, fine.ReplyOpen{Reply: reply})

	case fine.OpRead:
		req, ok := req.(*fine.ReadRequest)
		if !ok {
			return missingBody(hdr)
		}
		fs.Read(ctx, hdr, req, fine.ReplyData{Reply: reply})

	case fine.OpWrite:
		req, ok := req.(*fine.WriteRequest)
		if !ok {
			return missingBody(hdr)
		}
		fs.Write(ctx, hdr, req, fine.ReplyWrite{Reply: reply})

	case fine.OpStatfs:
		fs.Statfs(ctx, hdr, fine.ReplyStatfs{Reply: reply})

	case fine.OpRelease:
		req, ok := req.(*fine.ReleaseRequest)
		if !ok {
			return missingBody(hdr)
		}
		fs.Release(ctx, hdr, req, fine.ReplyEmpty{Reply: reply})

	case fine.OpFsync:
		req, ok := req.(*fine.FsyncRequest)
		if !ok {
			return missingBody(hdr)
		}
		fs.Fsync(ctx, hdr, req, fine.ReplyEmpty{Reply: reply})

	case fine.OpSetxattr:
		req, ok := req.(*fine.SetxattrRequest)
		if !ok {
			return missingBody(hdr)
		}
		fs.Setxattr(ctx, hdr, req, fine.ReplyEmpty{Reply: reply})

	case fine.OpGetxattr:
		req, ok := req.(*fine.GetxattrRequest)
		if !ok {
			return missingBody(hdr)
		}
		fs.Getxattr(ctx, hdr, req, fine.NewReplyXattr(reply, req.Size))

	case fine.OpListxattr:
		req, ok := req.(*fine.ListxattrRequest)
		if !ok {
			return missingBody(hdr)
		}
		fs.Listxattr(ctx, hdr, req, fine.NewReplyXattr(reply, req.Size))

	case fine.OpRemovexattr:
		req, ok := req.(*fine.RemovexattrRequest)
		if !ok {
			return missingBody(hdr)
		}
		fs.Removexattr(ctx, hdr, req, fine.ReplyEmpty{Reply: reply})

	case fine.OpFlush:
		req, ok := req.(*fine.FlushRequest)
		if !ok {
			return missingBody(hdr)
		}
		fs.Flush(ctx, hdr, req, fine.ReplyEmpty{Reply: reply})

	case fine.OpOpendir:
		req, ok := req.(*fine.OpenRequest)
		if !ok {
			return missingBody(hdr)
		}
		fs.Opendir(ctx, hdr, req, fine.ReplyOpen{Reply: reply})

	case fine.OpReaddir:
		req, ok := req.(*fine.ReadRequest)
		if !ok {
			return missingBody(hdr)
		}
		fs.Readdir(ctx, hdr, req, fine.NewReplyDirectory(reply, req.Size))

	case fine.OpReaddirplus:
		req, ok := req.(*fine.ReadRequest)
		if !ok {
			return missingBody(hdr)
		}
		fs.Readdirplus(ctx, hdr, req, fine.NewReplyDirectoryPlus(reply, req.Size))

	case fine.OpReleasedir:
		req, ok := req.(*fine.ReleaseRequest)
		if !ok {
			return missingBody(hdr)
		}
		fs.Releasedir(ctx, hdr, req, fine.ReplyEmpty{Reply: reply})

	case fine.OpFsyncDir:
		req, ok := req.(*fine.FsyncRequest)
		if !ok {
			return missingBody(hdr)
		}
		fs.Fsyncdir(ctx, hdr, req, fine.ReplyEmpty{Reply: reply})

	case fine.OpGetLock:
		req, ok := req.(*fine.LockRequest)
		if !ok {
			return missingBody(hdr)
		}
		fs.Getlk(ctx, hdr, req, fine.ReplyLock{Reply: reply})

	case fine.OpSetLock, fine.OpSetLockWait:
		req, ok := req.(*fine.LockRequest)
		if !ok {
			return missingBody(hdr)
		}
		req.Sleep = hdr.Op == fine.OpSetLockWait
		fs.Setlk(ctx, hdr, req, fine.ReplyEmpty{Reply: reply})

	case fine.OpAccess:
		req, ok := req.(*fine.AccessRequest)
		if !ok {
			return missingBody(hdr)
		}
		fs.Access(ctx, hdr, req, fine.ReplyEmpty{Reply: reply})

	case fine.OpCreate:
		req, ok := req.(*fine.CreateRequest)
		if !ok {
			return missingBody(hdr)
		}
		fs.Create(ctx, hdr, req, fine.ReplyCreate{Reply: reply})

	case fine.OpBmap:
		req, ok := req.(*fine.BmapRequest)
		if !ok {
			return missingBody(hdr)
		}
		fs.Bmap(ctx, hdr, req, fine.ReplyBmap{Reply: reply})

	case fine.OpIoctl:
		req, ok := req.(*fine.IoctlRequest)
		if !ok {
			return missingBody(hdr)
		}
		fs.Ioctl(ctx, hdr, req, fine.ReplyIoctl{Reply: reply})

	case fine.OpPoll:
		req, ok := req.(*fine.PollRequest)
		if !ok {
			return missingBody(hdr)
		}
		fs.Poll(ctx, hdr, req, fine.ReplyPoll{Reply: reply})

	case fine.OpFallocate:
		req, ok := req.(*fine.FallocateRequest)
		if !ok {
			return missingBody(hdr)
		}
		fs.Fallocate(ctx, hdr, req, fine.ReplyEmpty{Reply: reply})

	case fine.OpLseek:
		req, ok := req.(*fine.LseekRequest)
		if !ok {
			return missingBody(hdr)
		}
		fs.Lseek(ctx, hdr, req, fine.ReplyLseek{Reply: reply})

	case fine.OpCopyFileRange:
		req, ok := req.(*fine.CopyFileRangeRequest)
		if !ok {
			return missingBody(hdr)
		}
		fs.CopyFileRange(ctx, hdr, req, fine.ReplyWrite{Reply: reply})

	default:
		if handled, err := dispatchPlatform(ctx, fs, hdr, req, reply); handled {
			return err
		}
		return fmt.Errorf("unexpected opcode %q: %w", hdr.Op, fine.ErrorUnimplemented)
	}

	return nil
}
