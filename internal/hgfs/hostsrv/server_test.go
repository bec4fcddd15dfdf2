package hostsrv

import (
	"bytes"
	"context"
	"errors"
	"fmt"
	"net"
	"os"
	"path/filepath"
	"syscall"
	"testing"

	"github.com/go-kit/log"
	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/testutil"
	"github.com/rfratto/hgfs/internal/hgfs"
	"github.com/stretchr/testify/require"
)

func TestServer_HandleFrame(t *testing.T) {
	root := t.TempDir()
	require.NoError(t, os.WriteFile(filepath.Join(root, "hello.txt"), []byte("hello, world"), 0644))
	require.NoError(t, os.Mkdir(filepath.Join(root, "dir"), 0755))

	srv := newTestServer(t, Passthrough(nil, root))
	ctx := context.Background()

	t.Run("ping", func(t *testing.T) {
		reply := handle(t, srv, 1, hgfs.OpPing, nil)
		hdr, err := hgfs.DecodeReply(reply, nil)
		require.NoError(t, err)
		require.Equal(t, uint32(1), hdr.ID)
		require.NoError(t, hdr.Err())
	})

	t.Run("getattr", func(t *testing.T) {
		var attr hgfs.Attr
		reply := handle(t, srv, 2, hgfs.OpGetattr, &hgfs.GetattrRequest{Path: "/hello.txt"})
		hdr, err := hgfs.DecodeReply(reply, &attr)
		require.NoError(t, err)
		require.NoError(t, hdr.Err())
		require.Equal(t, hgfs.FileTypeRegular, attr.Type)
		require.Equal(t, uint64(12), attr.Size)
	})

	t.Run("getattr missing", func(t *testing.T) {
		reply := handle(t, srv, 3, hgfs.OpGetattr, &hgfs.GetattrRequest{Path: "/missing"})
		hdr, err := hgfs.DecodeReply(reply, &hgfs.Attr{})
		require.NoError(t, err)
		require.Equal(t, hgfs.ErrorNoSuchFile, hdr.Status)
	})

	t.Run("unknown op", func(t *testing.T) {
		reply := handle(t, srv, 4, hgfs.Op(99), nil)
		hdr, err := hgfs.DecodeReplyHeader(reply)
		require.NoError(t, err)
		require.Equal(t, hgfs.ErrorOperationNotSupported, hdr.Status)
	})

	t.Run("missing body", func(t *testing.T) {
		reply := handle(t, srv, 5, hgfs.OpOpen, nil)
		hdr, err := hgfs.DecodeReplyHeader(reply)
		require.NoError(t, err)
		require.Equal(t, hgfs.ErrorProtocol, hdr.Status)
	})

	t.Run("short header", func(t *testing.T) {
		_, err := srv.HandleFrame(ctx, []byte{1, 2, 3})
		require.True(t, errors.Is(err, hgfs.ErrorProtocol))
	})

	require.Equal(t, 1.0, testutil.ToFloat64(srv.requests.WithLabelValues("GETATTR", "success")))
	require.Equal(t, 1.0, testutil.ToFloat64(srv.requests.WithLabelValues("GETATTR", hgfs.ErrorNoSuchFile.Error())))
}

func TestServer_Serve(t *testing.T) {
	root := t.TempDir()
	require.NoError(t, os.WriteFile(filepath.Join(root, "file"), []byte("data"), 0644))

	srv := newTestServer(t, Passthrough(nil, root))

	guest, host := net.Pipe()
	ctx, cancel := context.WithCancel(context.Background())
	defer cancel()

	served := make(chan error, 1)
	go func() { served <- srv.Serve(ctx, NewStreamTransport(host)) }()

	fc := hgfs.NewFrameConn(guest)

	// Send several requests before reading any reply; replies may come back in
	// any order.
	const numRequests = 8
	for i := 0; i < numRequests; i++ {
		require.NoError(t, fc.WriteFrame(encodeRequest(t, uint32(100+i), hgfs.OpGetattr, &hgfs.GetattrRequest{Path: "/file"})))
	}

	seen := make(map[uint32]bool)
	for i := 0; i < numRequests; i++ {
		reply, err := fc.ReadFrame()
		require.NoError(t, err)

		var attr hgfs.Attr
		hdr, err := hgfs.DecodeReply(reply, &attr)
		require.NoError(t, err)
		require.NoError(t, hdr.Err())
		require.Equal(t, uint64(4), attr.Size)
		seen[hdr.ID] = true
	}
	require.Len(t, seen, numRequests)

	// Disconnecting the guest stops the server.
	require.NoError(t, fc.Close())
	require.NoError(t, <-served)
}

func TestServer_ServeCanceled(t *testing.T) {
	srv := newTestServer(t, Passthrough(nil, t.TempDir()))

	_, host := net.Pipe()
	ctx, cancel := context.WithCancel(context.Background())

	served := make(chan error, 1)
	go func() { served <- srv.Serve(ctx, NewStreamTransport(host)) }()

	cancel()
	require.NoError(t, <-served)
}

func TestServer_Close(t *testing.T) {
	root := t.TempDir()
	require.NoError(t, os.WriteFile(filepath.Join(root, "f"), []byte("f"), 0644))

	h := Passthrough(nil, root)
	srv, err := New(nil, Options{Handler: h})
	require.NoError(t, err)

	ctx := context.Background()
	opened, err := h.Open(ctx, &hgfs.RequestHeader{}, &hgfs.OpenRequest{Path: "/f", Mode: hgfs.ModeReadOnly})
	require.NoError(t, err)

	// Closing the server releases every handle still open on the host.
	require.NoError(t, srv.Close())
	_, err = h.Read(ctx, &hgfs.RequestHeader{}, &hgfs.ReadRequest{Handle: opened.Handle, Size: 1})
	require.True(t, errors.Is(err, hgfs.ErrorInvalidHandle))
}

func TestLoggingMiddleware(t *testing.T) {
	var (
		buf   bytes.Buffer
		calls int
	)
	mw := NewLoggingMiddleware(log.NewLogfmtLogger(&buf))

	hdr := &hgfs.RequestHeader{ID: 1, Op: hgfs.OpRead}
	req := &hgfs.ReadRequest{Handle: 7, Offset: 10, Size: 4}
	resp, err := mw.HandleRequest(context.Background(), hdr, req, func(context.Context, *hgfs.RequestHeader, Request) (Response, error) {
		calls++
		return &hgfs.ReadReply{Data: []byte("data")}, nil
	})
	require.NoError(t, err)
	require.Equal(t, &hgfs.ReadReply{Data: []byte("data")}, resp)
	require.Equal(t, 1, calls)

	line := buf.String()
	require.Contains(t, line, "level=debug")
	require.Contains(t, line, "handle=7 offset=10 size=4")
	require.Contains(t, line, "read=4")
	require.Contains(t, line, "status=success")

	buf.Reset()
	hdr = &hgfs.RequestHeader{ID: 2, Op: hgfs.OpOpen}
	_, err = mw.HandleRequest(context.Background(), hdr, &hgfs.OpenRequest{Path: "/missing"}, func(context.Context, *hgfs.RequestHeader, Request) (Response, error) {
		return nil, os.ErrNotExist
	})
	require.ErrorIs(t, err, os.ErrNotExist)

	line = buf.String()
	require.Contains(t, line, "level=warn")
	require.Contains(t, line, "path=/missing")
	require.Contains(t, line, `status="no such file or directory"`)
}

func TestErrorForResponse(t *testing.T) {
	tt := []struct {
		err    error
		expect hgfs.Error
	}{
		{nil, 0},
		{os.ErrNotExist, hgfs.ErrorNoSuchFile},
		{&os.PathError{Op: "open", Path: "x", Err: syscall.ENOENT}, hgfs.ErrorNoSuchFile},
		{&os.PathError{Op: "open", Path: "x", Err: syscall.EEXIST}, hgfs.ErrorFileExists},
		{&os.PathError{Op: "readdir", Path: "x", Err: syscall.ENOTDIR}, hgfs.ErrorNotDirectory},
		{&os.PathError{Op: "rmdir", Path: "x", Err: syscall.ENOTEMPTY}, hgfs.ErrorNotEmpty},
		{os.ErrPermission, hgfs.ErrorAccessDenied},
		{context.DeadlineExceeded, hgfs.ErrorTransport},
		{fmt.Errorf("wrapped: %w", hgfs.ErrorInvalidHandle), hgfs.ErrorInvalidHandle},
		{hgfs.ErrorNoMemory, hgfs.ErrorGeneric},
		{fmt.Errorf("something else"), hgfs.ErrorGeneric},
	}

	for _, tc := range tt {
		t.Run(fmt.Sprint(tc.err), func(t *testing.T) {
			require.Equal(t, tc.expect, errorForResponse(tc.err))
		})
	}
}

func newTestServer(t *testing.T, h Handler) *Server {
	t.Helper()

	srv, err := New(nil, Options{
		Handler:    h,
		Middleware: []Middleware{NewLoggingMiddleware(nil)},
		Registerer: prometheus.NewRegistry(),
	})
	require.NoError(t, err)
	t.Cleanup(func() { require.NoError(t, srv.Close()) })
	return srv
}

func encodeRequest(t *testing.T, id uint32, op hgfs.Op, body interface{}) []byte {
	t.Helper()

	buf := make([]byte, hgfs.MaxPacketSize)
	n, err := hgfs.EncodeRequest(buf, hgfs.RequestHeader{ID: id, Op: op}, body)
	require.NoError(t, err)
	return buf[:n]
}

func handle(t *testing.T, srv *Server, id uint32, op hgfs.Op, body interface{}) []byte {
	t.Helper()

	reply, err := srv.HandleFrame(context.Background(), encodeRequest(t, id, op, body))
	require.NoError(t, err)
	return reply
}
