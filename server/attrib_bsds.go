//go:build darwin || freebsd || netbsd || openbsd

package server

import (
	"io/fs"
	"syscall"
	"time"

	"github.com/rfratto/fine"
)

func attrFromInfo(n *passthroughNode, fi fs.FileInfo) fine.Attrib {
	attr := fallbackAttr(n, fi)

	if s, ok := fi.Sys().(*syscall.Stat_t); ok {
		attr.Inode = uint64(s.Ino)
		attr.Size = uint64(s.Size)
		attr.Blocks = uint64(s.Blocks)
		attr.LastAccess = time.Unix(int64(s.Atimespec.Sec), int64(s.Atimespec.Nsec))
		attr.LastModify = time.Unix(int64(s.Mtimespec.Sec), int64(s.Mtimespec.Nsec))
		attr.LastChange = time.Unix(int64(s.Ctimespec.Sec), int64(s.Ctimespec.Nsec))
		attr.Mode = fine.ModeFromUnix(uint32(s.Mode))
		attr.HardLinks = uint32(s.Nlink)
		attr.UID = s.Uid
		attr.GID = s.Gid
		attr.DeviceID = uint32(s.Rdev)
		attr.BlockSize = uint32(s.Blksize)
	}
	return attr
}
