//go:build darwin

package server

import (
	"context"

	"github.com/rfratto/fine"
)

// platformOps are operations only sent by macFUSE.
type platformOps interface {
	Setvolname(ctx context.Context, hdr *fine.RequestHeader, req *fine.SetvolnameRequest, reply fine.ReplyEmpty)
	Exchange(ctx context.Context, hdr *fine.RequestHeader, req *fine.ExchangeRequest, reply fine.ReplyEmpty)
	Getxtimes(ctx context.Context, hdr *fine.RequestHeader, reply fine.ReplyXTimes)
}
