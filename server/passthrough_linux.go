package server

import (
	"context"
	"math"
	"path/filepath"

	"github.com/rfratto/fine"
	"golang.org/x/sys/unix"
)

// passthroughCapabilities are requested during Init when the kernel offers
// them.
var passthroughCapabilities = []fine.InitFlags{
	fine.InitAtomicTruncate,
	fine.InitPOSIXLocks,
}

func renameWithFlags(oldPath, newPath string, flags fine.RenameFlags) error {
	return unix.Renameat2(unix.AT_FDCWD, oldPath, unix.AT_FDCWD, newPath, uint(flags))
}

func (p *passthroughFS) Statfs(ctx context.Context, hdr *fine.RequestHeader, reply fine.ReplyStatfs) {
	path, err := p.hostPath(hdr.Node)
	if err != nil {
		reply.Error(err)
		return
	}
	var st unix.Statfs_t
	if err := unix.Statfs(path, &st); err != nil {
		reply.Error(err)
		return
	}
	reply.Statfs(fine.Statfs{
		Blocks:          st.Blocks,
		BlocksFree:      st.Bfree,
		BlocksAvailable: st.Bavail,
		Files:           st.Files,
		FilesFree:       st.Ffree,
		BlockSize:       uint32(st.Bsize),
		NameLength:      uint32(st.Namelen),
		FragmentSize:    uint32(st.Frsize),
	})
}

func (p *passthroughFS) Mknod(ctx context.Context, hdr *fine.RequestHeader, req *fine.MknodRequest, reply fine.ReplyEntry) {
	dir, err := p.hostPath(hdr.Node)
	if err != nil {
		reply.Error(err)
		return
	}
	mode := fine.ModeToUnix(req.Mode &^ req.Umask.Perm())
	if err := unix.Mknod(filepath.Join(dir, req.Name), mode, int(req.DeviceID)); err != nil {
		reply.Error(err)
		return
	}
	p.replyNewEntry(hdr.Node, req.Name, reply)
}

func (p *passthroughFS) Access(ctx context.Context, hdr *fine.RequestHeader, req *fine.AccessRequest, reply fine.ReplyEmpty) {
	path, err := p.hostPath(hdr.Node)
	if err != nil {
		reply.Error(err)
		return
	}
	if err := unix.Access(path, uint32(req.Mask.Perm())); err != nil {
		reply.Error(err)
		return
	}
	reply.Ok()
}

func (p *passthroughFS) Setxattr(ctx context.Context, hdr *fine.RequestHeader, req *fine.SetxattrRequest, reply fine.ReplyEmpty) {
	path, err := p.hostPath(hdr.Node)
	if err != nil {
		reply.Error(err)
		return
	}
	if err := unix.Lsetxattr(path, req.Name, req.Value, int(req.Flags)); err != nil {
		reply.Error(err)
		return
	}
	reply.Ok()
}

func (p *passthroughFS) Getxattr(ctx context.Context, hdr *fine.RequestHeader, req *fine.GetxattrRequest, reply fine.ReplyXattr) {
	path, err := p.hostPath(hdr.Node)
	if err != nil {
		reply.Error(err)
		return
	}
	replyXattr(reply, func(dest []byte) (int, error) {
		return unix.Lgetxattr(path, req.Name, dest)
	})
}

func (p *passthroughFS) Listxattr(ctx context.Context, hdr *fine.RequestHeader, req *fine.ListxattrRequest, reply fine.ReplyXattr) {
	path, err := p.hostPath(hdr.Node)
	if err != nil {
		reply.Error(err)
		return
	}
	replyXattr(reply, func(dest []byte) (int, error) {
		return unix.Llistxattr(path, dest)
	})
}

// replyXattr answers an xattr request using read, which behaves like the
// getxattr(2) family: a nil dest returns the size of the value.
func replyXattr(reply fine.ReplyXattr, read func(dest []byte) (int, error)) {
	if reply.RequestedSize() == 0 {
		sz, err := read(nil)
		if err != nil {
			reply.Error(err)
			return
		}
		reply.Size(uint32(sz))
		return
	}

	buf := make([]byte, reply.RequestedSize())
	n, err := read(buf)
	if err != nil {
		reply.Error(err)
		return
	}
	reply.Data(buf[:n])
}

func (p *passthroughFS) Removexattr(ctx context.Context, hdr *fine.RequestHeader, req *fine.RemovexattrRequest, reply fine.ReplyEmpty) {
	path, err := p.hostPath(hdr.Node)
	if err != nil {
		reply.Error(err)
		return
	}
	if err := unix.Lremovexattr(path, req.Name); err != nil {
		reply.Error(err)
		return
	}
	reply.Ok()
}

// Locks are taken as open file description locks on the host file, so
// conflicts between different handles are detected by the host kernel.

func (p *passthroughFS) Getlk(ctx context.Context, hdr *fine.RequestHeader, req *fine.LockRequest, reply fine.ReplyLock) {
	ph, err := p.handle(req.Handle)
	if err != nil {
		reply.Error(err)
		return
	}
	lk := toFlock(req.Lock)
	if err := unix.FcntlFlock(ph.f.Fd(), unix.F_OFD_GETLK, &lk); err != nil {
		reply.Error(err)
		return
	}
	reply.Locked(fromFlock(lk))
}

func (p *passthroughFS) Setlk(ctx context.Context, hdr *fine.RequestHeader, req *fine.LockRequest, reply fine.ReplyEmpty) {
	ph, err := p.handle(req.Handle)
	if err != nil {
		reply.Error(err)
		return
	}
	if req.Flags&fine.LockFlock != 0 {
		how := unix.LOCK_UN
		switch req.Lock.Type {
		case fine.LockTypeRead:
			how = unix.LOCK_SH
		case fine.LockTypeWrite:
			how = unix.LOCK_EX
		}
		if !req.Sleep {
			how |= unix.LOCK_NB
		}
		err = unix.Flock(int(ph.f.Fd()), how)
	} else {
		cmd := unix.F_OFD_SETLK
		if req.Sleep {
			cmd = unix.F_OFD_SETLKW
		}
		lk := toFlock(req.Lock)
		err = unix.FcntlFlock(ph.f.Fd(), cmd, &lk)
	}
	if err != nil {
		reply.Error(err)
		return
	}
	reply.Ok()
}

// offsetMax is the largest file offset, used by the kernel as the end of a
// lock covering the rest of a file.
const offsetMax = math.MaxInt64

func toFlock(l fine.Lock) unix.Flock_t {
	lk := unix.Flock_t{
		Type:   int16(l.Type),
		Whence: int16(unix.SEEK_SET),
		Start:  int64(l.Start),
	}
	if l.End != 0 && l.End < offsetMax && l.End >= l.Start {
		lk.Len = int64(l.End-l.Start) + 1
	}
	return lk
}

func fromFlock(lk unix.Flock_t) fine.Lock {
	l := fine.Lock{
		Type:  fine.LockType(lk.Type),
		Start: uint64(lk.Start),
		End:   offsetMax,
		PID:   uint32(lk.Pid),
	}
	if lk.Len > 0 {
		l.End = uint64(lk.Start+lk.Len) - 1
	}
	return l
}

func (p *passthroughFS) Fallocate(ctx context.Context, hdr *fine.RequestHeader, req *fine.FallocateRequest, reply fine.ReplyEmpty) {
	ph, err := p.handle(req.Handle)
	if err != nil {
		reply.Error(err)
		return
	}
	if err := unix.Fallocate(int(ph.f.Fd()), req.Mode, int64(req.Offset), int64(req.Length)); err != nil {
		reply.Error(err)
		return
	}
	reply.Ok()
}

func (p *passthroughFS) CopyFileRange(ctx context.Context, hdr *fine.RequestHeader, req *fine.CopyFileRangeRequest, reply fine.ReplyWrite) {
	in, err := p.handle(req.HandleIn)
	if err != nil {
		reply.Error(err)
		return
	}
	out, err := p.handle(req.HandleOut)
	if err != nil {
		reply.Error(err)
		return
	}

	var (
		offIn  = int64(req.OffsetIn)
		offOut = int64(req.OffsetOut)
	)
	n, err := unix.CopyFileRange(int(in.f.Fd()), &offIn, int(out.f.Fd()), &offOut, int(req.Length), int(req.Flags))
	if err != nil {
		reply.Error(err)
		return
	}
	reply.Written(uint32(n))
}
