package hostsrv

import (
	"context"
	"testing"

	"github.com/rfratto/hgfs/internal/hgfs"
	"github.com/stretchr/testify/require"
)

func TestChainMiddleware(t *testing.T) {
	var a, b, c, d int
	var called bool

	var mw = []Middleware{
		FuncMiddleware(func(ctx context.Context, h *hgfs.RequestHeader, req Request, i Invoker) (Response, error) {
			a = 10
			return i(ctx, h, req)
		}),
		FuncMiddleware(func(ctx context.Context, h *hgfs.RequestHeader, req Request, i Invoker) (Response, error) {
			b = 20
			return i(ctx, h, req)
		}),
		FuncMiddleware(func(ctx context.Context, h *hgfs.RequestHeader, req Request, i Invoker) (Response, error) {
			c = 30
			return i(ctx, h, req)
		}),
		FuncMiddleware(func(ctx context.Context, h *hgfs.RequestHeader, req Request, i Invoker) (Response, error) {
			d = 40
			return i(ctx, h, req)
		}),
	}

	invoker := func(context.Context, *hgfs.RequestHeader, Request) (Response, error) {
		called = true
		return nil, nil
	}
	_, _ = chainMiddleware(mw).HandleRequest(context.Background(), nil, nil, invoker)

	require.Equal(t, 10, a)
	require.Equal(t, 20, b)
	require.Equal(t, 30, c)
	require.Equal(t, 40, d)
	require.True(t, called)
}

func TestChainMiddleware_Empty(t *testing.T) {
	var called bool

	invoker := func(context.Context, *hgfs.RequestHeader, Request) (Response, error) {
		called = true
		return nil, nil
	}

	_, _ = chainMiddleware(nil).HandleRequest(context.Background(), nil, nil, invoker)
	require.True(t, called)
}

func TestChainMiddleware_ShortCircuit(t *testing.T) {
	var called bool

	mw := []Middleware{
		FuncMiddleware(func(context.Context, *hgfs.RequestHeader, Request, Invoker) (Response, error) {
			return nil, hgfs.ErrorAccessDenied
		}),
	}
	invoker := func(context.Context, *hgfs.RequestHeader, Request) (Response, error) {
		called = true
		return nil, nil
	}

	_, err := chainMiddleware(mw).HandleRequest(context.Background(), &hgfs.RequestHeader{}, nil, invoker)
	require.Equal(t, hgfs.ErrorAccessDenied, err)
	require.False(t, called)
}
