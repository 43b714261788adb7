//go:build darwin

package server

import (
	"context"

	"github.com/rfratto/fine"
)

func (lf *LazyFilesystem) Setvolname(ctx context.Context, hdr *fine.RequestHeader, req *fine.SetvolnameRequest, reply fine.ReplyEmpty) {
	fs := lf.acquire(reply.Reply)
	if fs == nil {
		return
	}
	defer lf.mut.RUnlock()
	fs.Setvolname(ctx, hdr, req, reply)
}

func (lf *LazyFilesystem) Exchange(ctx context.Context, hdr *fine.RequestHeader, req *fine.ExchangeRequest, reply fine.ReplyEmpty) {
	fs := lf.acquire(reply.Reply)
	if fs == nil {
		return
	}
	defer lf.mut.RUnlock()
	fs.Exchange(ctx, hdr, req, reply)
}

func (lf *LazyFilesystem) Getxtimes(ctx context.Context, hdr *fine.RequestHeader, reply fine.ReplyXTimes) {
	fs := lf.acquire(reply.Reply)
	if fs == nil {
		return
	}
	defer lf.mut.RUnlock()
	fs.Getxtimes(ctx, hdr, reply)
}
