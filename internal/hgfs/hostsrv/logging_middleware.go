package hostsrv

import (
	"context"
	"time"

	"github.com/go-kit/log"
	"github.com/go-kit/log/level"
	"github.com/rfratto/hgfs/internal/hgfs"
)

// NewLoggingMiddleware returns a middleware which logs every request along
// with the file it targets and the status sent back to the guest. Failed
// requests are logged at warn level; everything else at debug.
func NewLoggingMiddleware(l log.Logger) Middleware {
	if l == nil {
		l = log.NewNopLogger()
	}
	return &loggingMiddleware{l: l}
}

type loggingMiddleware struct {
	l log.Logger
}

func (lm *loggingMiddleware) HandleRequest(ctx context.Context, hdr *hgfs.RequestHeader, req Request, invoker Invoker) (Response, error) {
	start := time.Now()
	resp, err := invoker(ctx, hdr, req)

	kv := []interface{}{"op", hdr.Op, "id", hdr.ID}
	kv = append(kv, requestFields(req)...)
	kv = append(kv, replyFields(resp)...)
	kv = append(kv, "status", statusLabel(errorForResponse(err)), "duration", time.Since(start))

	if err != nil {
		level.Warn(lm.l).Log(append([]interface{}{"msg", "request failed"}, append(kv, "err", err)...)...)
	} else {
		level.Debug(lm.l).Log(append([]interface{}{"msg", "request handled"}, kv...)...)
	}
	return resp, err
}

func requestFields(req Request) []interface{} {
	switch req := req.(type) {
	case *hgfs.GetattrRequest:
		return []interface{}{"path", req.Path}
	case *hgfs.OpenRequest:
		return []interface{}{"path", req.Path, "mode", req.Mode, "create", req.Create}
	case *hgfs.ReadRequest:
		return []interface{}{"handle", req.Handle, "offset", req.Offset, "size", req.Size}
	case *hgfs.WriteRequest:
		return []interface{}{"handle", req.Handle, "offset", req.Offset, "size", len(req.Data)}
	case *hgfs.CloseRequest:
		return []interface{}{"handle", req.Handle}
	case *hgfs.ReadDirRequest:
		return []interface{}{"path", req.Path}
	}
	return nil
}

func replyFields(resp Response) []interface{} {
	switch resp := resp.(type) {
	case *hgfs.OpenReply:
		return []interface{}{"new_handle", resp.Handle}
	case *hgfs.ReadReply:
		return []interface{}{"read", len(resp.Data)}
	case *hgfs.WriteReply:
		return []interface{}{"written", resp.Written}
	case *hgfs.ReadDirReply:
		return []interface{}{"entries", len(resp.Entries)}
	}
	return nil
}
