package hostsrv

import (
	"context"
	"fmt"

	"github.com/rfratto/hgfs/internal/hgfs"
)

type (
	// Request is a decoded request body, such as *hgfs.OpenRequest. Requests
	// for operations without a body are nil.
	Request interface{}

	// Response is a reply body, such as *hgfs.OpenReply. Replies for
	// operations without a body are nil.
	Response interface{}
)

// Middleware hooks into requests.
type Middleware interface {
	// HandleRequest handles an individual request.
	HandleRequest(ctx context.Context, hdr *hgfs.RequestHeader, req Request, invoker Invoker) (Response, error)
}

// Invoker is called by Middleware to complete requests.
type Invoker func(ctx context.Context, hdr *hgfs.RequestHeader, req Request) (Response, error)

// FuncMiddleware is a function that implements Middleware.
type FuncMiddleware func(ctx context.Context, hdr *hgfs.RequestHeader, req Request, i Invoker) (Response, error)

func (f FuncMiddleware) HandleRequest(ctx context.Context, h *hgfs.RequestHeader, req Request, i Invoker) (Response, error) {
	return f(ctx, h, req, i)
}

// decodeRequest decodes the body of the request packet frame for op.
func decodeRequest(op hgfs.Op, frame []byte) (Request, error) {
	var req Request
	switch op {
	case hgfs.OpPing:
		return nil, nil
	case hgfs.OpGetattr:
		req = &hgfs.GetattrRequest{}
	case hgfs.OpOpen:
		req = &hgfs.OpenRequest{}
	case hgfs.OpRead:
		req = &hgfs.ReadRequest{}
	case hgfs.OpWrite:
		req = &hgfs.WriteRequest{}
	case hgfs.OpClose:
		req = &hgfs.CloseRequest{}
	case hgfs.OpReadDir:
		req = &hgfs.ReadDirRequest{}
	default:
		return nil, fmt.Errorf("unexpected opcode %s: %w", op, hgfs.ErrorOperationNotSupported)
	}

	if _, err := hgfs.DecodeRequest(frame, req); err != nil {
		return nil, err
	}
	return req, nil
}

// handlerInvoker converts h into an Invoker.
func handlerInvoker(h Handler) Invoker {
	return func(ctx context.Context, header *hgfs.RequestHeader, req Request) (resp Response, err error) {
		switch header.Op {
		case hgfs.OpPing:
			// Pings are answered by the server itself.

		case hgfs.OpGetattr:
			req, _ := req.(*hgfs.GetattrRequest)
			if req == nil {
				err = fmt.Errorf("missing request body for %s: %w", header.Op, hgfs.ErrorProtocol)
				break
			}
			resp, err = h.Getattr(ctx, header, req)

		case hgfs.OpOpen:
			req, _ := req.(*hgfs.OpenRequest)
			if req == nil {
				err = fmt.Errorf("missing request body for %s: %w", header.Op, hgfs.ErrorProtocol)
				break
			}
			resp, err = h.Open(ctx, header, req)

		case hgfs.OpRead:
			req, _ := req.(*hgfs.ReadRequest)
			if req == nil {
				err = fmt.Errorf("missing request body for %s: %w", header.Op, hgfs.ErrorProtocol)
				break
			}
			resp, err = h.Read(ctx, header, req)

		case hgfs.OpWrite:
			req, _ := req.(*hgfs.WriteRequest)
			if req == nil {
				err = fmt.Errorf("missing request body for %s: %w", header.Op, hgfs.ErrorProtocol)
				break
			}
			resp, err = h.Write(ctx, header, req)

		case hgfs.OpClose:
			req, _ := req.(*hgfs.CloseRequest)
			if req == nil {
				err = fmt.Errorf("missing request body for %s: %w", header.Op, hgfs.ErrorProtocol)
				break
			}
			err = h.Release(ctx, header, req)

		case hgfs.OpReadDir:
			req, _ := req.(*hgfs.ReadDirRequest)
			if req == nil {
				err = fmt.Errorf("missing request body for %s: %w", header.Op, hgfs.ErrorProtocol)
				break
			}
			resp, err = h.ReadDir(ctx, header, req)

		default:
			err = fmt.Errorf("unexpected opcode %s: %w", header.Op, hgfs.ErrorOperationNotSupported)
		}

		// Typed nil pointers must not reach the encoder as non-nil bodies.
		if err != nil {
			resp = nil
		}
		return resp, err
	}
}

type chainMiddleware []Middleware

func (c chainMiddleware) HandleRequest(ctx context.Context, h *hgfs.RequestHeader, req Request, invoker Invoker) (Response, error) {
	if len(c) == 0 {
		return invoker(ctx, h, req)
	}

	var (
		index        int
		chainInvoker Invoker
	)

	chainInvoker = func(ctx context.Context, h *hgfs.RequestHeader, req Request) (Response, error) {
		mw := c[index]
		index++

		var next Invoker
		if index == len(c) {
			next = invoker
		} else {
			next = chainInvoker
		}

		return mw.HandleRequest(ctx, h, req, next)
	}
	return chainInvoker(ctx, h, req)
}
