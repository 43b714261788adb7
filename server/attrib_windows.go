//go:build windows

package server

import (
	"io/fs"

	"github.com/rfratto/fine"
)

func attrFromInfo(n *passthroughNode, fi fs.FileInfo) fine.Attrib {
	return fallbackAttr(n, fi)
}
