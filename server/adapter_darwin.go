//go:build darwin

package server

import (
	"context"

	"github.com/rfratto/fine"
)

func (a *FilesystemAdapter) Setvolname(ctx context.Context, hdr *fine.RequestHeader, req *fine.SetvolnameRequest, reply fine.ReplyEmpty) {
	ctx = a.borrow(ctx, hdr.Op)
	defer a.release()
	a.fs.Setvolname(ctx, hdr, req, reply)
}

func (a *FilesystemAdapter) Exchange(ctx context.Context, hdr *fine.RequestHeader, req *fine.ExchangeRequest, reply fine.ReplyEmpty) {
	ctx = a.borrow(ctx, hdr.Op)
	defer a.release()
	a.fs.Exchange(ctx, hdr, req, reply)
}

func (a *FilesystemAdapter) Getxtimes(ctx context.Context, hdr *fine.RequestHeader, reply fine.ReplyXTimes) {
	ctx = a.borrow(ctx, hdr.Op)
	defer a.release()
	a.fs.Getxtimes(ctx, hdr, reply)
}
