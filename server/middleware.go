package server

import (
	"context"

	"github.com/rfratto/fine"
)

// Middleware hooks into requests before they reach the filesystem. A
// Middleware may short-circuit a request by not calling invoker.
type Middleware interface {
	HandleRequest(ctx context.Context, hdr *fine.RequestHeader, req fine.Request, invoker Invoker) (fine.Response, error)
}

// Invoker completes a request. The innermost Invoker of a Server calls the
// filesystem and converts its reply into a response.
type Invoker func(ctx context.Context, hdr *fine.RequestHeader, req fine.Request) (fine.Response, error)

// FuncMiddleware is a function that implements Middleware.
type FuncMiddleware func(ctx context.Context, hdr *fine.RequestHeader, req fine.Request, i Invoker) (fine.Response, error)

// HandleRequest implements Middleware.
func (f FuncMiddleware) HandleRequest(ctx context.Context, h *fine.RequestHeader, req fine.Request, i Invoker) (fine.Response, error) {
	return f(ctx, h, req, i)
}

// chainMiddleware runs its elements in order. The first element sees the
// request first and the response last.
type chainMiddleware []Middleware

func (c chainMiddleware) HandleRequest(ctx context.Context, h *fine.RequestHeader, req fine.Request, invoker Invoker) (fine.Response, error) {
	next := invoker
	for i := len(c) - 1; i >= 0; i-- {
		next = bind(c[i], next)
	}
	return next(ctx, h, req)
}

func bind(mw Middleware, next Invoker) Invoker {
	return func(ctx context.Context, h *fine.RequestHeader, req fine.Request) (fine.Response, error) {
		return mw.HandleRequest(ctx, h, req, next)
	}
}
