//go:build darwin

package server

import (
	"context"

	"github.com/rfratto/fine"
)

func (UnimplementedFilesystem) Setvolname(ctx context.Context, hdr *fine.RequestHeader, _ *fine.SetvolnameRequest, reply fine.ReplyEmpty) {
	notImplemented(ctx, hdr, reply.Reply)
}

func (UnimplementedFilesystem) Exchange(ctx context.Context, hdr *fine.RequestHeader, _ *fine.ExchangeRequest, reply fine.ReplyEmpty) {
	notImplemented(ctx, hdr, reply.Reply)
}

func (UnimplementedFilesystem) Getxtimes(ctx context.Context, hdr *fine.RequestHeader, reply fine.ReplyXTimes) {
	notImplemented(ctx, hdr, reply.Reply)
}
