package server

import (
	"io/fs"

	"github.com/rfratto/fine"
)

// fallbackAttr builds attributes from the portable fields of fi.
func fallbackAttr(n *passthroughNode, fi fs.FileInfo) fine.Attrib {
	mtime := fi.ModTime().UTC()
	return fine.Attrib{
		Inode:      n.inode,
		Size:       uint64(fi.Size()),
		Blocks:     (uint64(fi.Size()) + 511) / 512,
		LastAccess: mtime,
		LastModify: mtime,
		LastChange: mtime,
		Mode:       fi.Mode(),
		BlockSize:  512,
		HardLinks:  1,
	}
}
