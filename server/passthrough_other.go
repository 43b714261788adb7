//go:build !linux

package server

import (
	"os"

	"github.com/rfratto/fine"
)

var passthroughCapabilities = []fine.InitFlags{
	fine.InitAtomicTruncate,
}

// renameWithFlags emulates RENAME_NOREPLACE. Other flags aren't supported.
func renameWithFlags(oldPath, newPath string, flags fine.RenameFlags) error {
	switch {
	case flags == 0:
		return os.Rename(oldPath, newPath)
	case flags == fine.RenameNoReplace:
		if _, err := os.Lstat(newPath); err == nil {
			return fine.ErrorExists
		}
		return os.Rename(oldPath, newPath)
	default:
		return fine.ErrorInvalid
	}
}
