//go:build aix || dragonfly || (js && wasm) || linux || solaris

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
		attr.Inode = s.Ino
		attr.Size = uint64(s.Size)
		attr.Blocks = uint64(s.Blocks)
		attr.LastAccess = time.Unix(int64(s.Atim.Sec), int64(s.Atim.Nsec))
		attr.LastModify = time.Unix(int64(s.Mtim.Sec), int64(s.Mtim.Nsec))
		attr.LastChange = time.Unix(int64(s.Ctim.Sec), int64(s.Ctim.Nsec))
		attr.Mode = fine.ModeFromUnix(uint32(s.Mode))
		attr.HardLinks = uint32(s.Nlink)
		attr.UID = s.Uid
		attr.GID = s.Gid
		attr.DeviceID = uint32(s.Rdev)
		attr.BlockSize = uint32(s.Blksize)
	}
	return attr
}
