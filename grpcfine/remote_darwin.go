//go:build darwin

package grpcfine

import (
	"context"

	"github.com/rfratto/fine"
)

func (r *Remote) Setvolname(ctx context.Context, hdr *fine.RequestHeader, req *fine.SetvolnameRequest, reply fine.ReplyEmpty) {
	r.forwardEmpty(ctx, hdr, req, reply)
}

func (r *Remote) Exchange(ctx context.Context, hdr *fine.RequestHeader, req *fine.ExchangeRequest, reply fine.ReplyEmpty) {
	r.forwardEmpty(ctx, hdr, req, reply)
}

func (r *Remote) Getxtimes(ctx context.Context, hdr *fine.RequestHeader, reply fine.ReplyXTimes) {
	resp, err := roundTrip[*fine.XTimesResponse](ctx, r, hdr, nil)
	if err != nil {
		reply.Error(err)
		return
	}
	reply.XTimes(resp.Backup, resp.Create)
}
