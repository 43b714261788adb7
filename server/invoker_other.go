//go:build !darwin

package server

import (
	"context"

	"github.com/rfratto/fine"
)

func dispatchPlatform(context.Context, SharedFilesystem, *fine.RequestHeader, fine.Request, *fine.Reply) (handled bool, err error) {
	return false, nil
}
