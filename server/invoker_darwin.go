//go:build darwin

package server

import (
	"context"

	"github.com/rfratto/fine"
)

func dispatchPlatform(ctx context.Context, fs SharedFilesystem, hdr *fine.RequestHeader, req fine.Request, reply *fine.Reply) (handled bool, err error) {
	switch hdr.Op {
	case fine.OpSetvolname:
		req, ok := req.(*fine.SetvolnameRequest)
		if !ok {
			return true, missingBody(hdr)
		}
		fs.Setvolname(ctx, hdr, req, fine.ReplyEmpty{Reply: reply})

	case fine.OpExchange:
		req, ok := req.(*fine.ExchangeRequest)
		if !ok {
			return true, missingBody(hdr)
		}
		fs.Exchange(ctx, hdr, req, fine.ReplyEmpty{Reply: reply})

	case fine.OpGetxtimes:
		fs.Getxtimes(ctx, hdr, fine.ReplyXTimes{Reply: reply})

	default:
		return false, nil
	}
	return true, nil
}
