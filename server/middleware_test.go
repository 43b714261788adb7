package server

import (
	"context"
	"testing"

	"github.com/rfratto/fine"
	"github.com/stretchr/testify/require"
)

func TestChainMiddleware_ShortCircuit(t *testing.T) {
	var reached []int
	pass := func(id int) Middleware {
		return FuncMiddleware(func(ctx context.Context, h *fine.RequestHeader, req fine.Request, i Invoker) (fine.Response, error) {
			reached = append(reached, id)
			return i(ctx, h, req)
		})
	}
	deny := FuncMiddleware(func(context.Context, *fine.RequestHeader, fine.Request, Invoker) (fine.Response, error) {
		return nil, fine.ErrorUnauthorized
	})
	invoker := func(context.Context, *fine.RequestHeader, fine.Request) (fine.Response, error) {
		t.Fatal("filesystem must not be reached")
		return nil, nil
	}

	_, err := chainMiddleware{pass(1), pass(2), deny, pass(3)}.HandleRequest(context.Background(), &fine.RequestHeader{Op: fine.OpOpen}, nil, invoker)
	require.Equal(t, fine.ErrorUnauthorized, err)
	require.Equal(t, []int{1, 2}, reached)
}

func TestChainMiddleware_Empty(t *testing.T) {
	var called bool

	invoker := func(context.Context, *fine.RequestHeader, fine.Request) (fine.Response, error) {
		called = true
		return nil, nil
	}

	chainMiddleware(nil).HandleRequest(context.Background(), nil, nil, invoker)
	require.True(t, called)
}

func TestChainMiddleware_Order(t *testing.T) {
	var trace []string
	named := func(name string) Middleware {
		return FuncMiddleware(func(ctx context.Context, h *fine.RequestHeader, req fine.Request, i Invoker) (fine.Response, error) {
			trace = append(trace, name+">")
			defer func() { trace = append(trace, "<"+name) }()
			return i(ctx, h, req)
		})
	}
	invoker := func(context.Context, *fine.RequestHeader, fine.Request) (fine.Response, error) {
		trace = append(trace, "fs")
		return nil, fine.ErrorNotExist
	}

	_, err := chainMiddleware{named("a"), named("b")}.HandleRequest(context.Background(), nil, nil, invoker)
	require.Equal(t, fine.ErrorNotExist, err)
	require.Equal(t, []string{"a>", "b>", "fs", "<b", "<a"}, trace)
}
