package mount

import (
	"bytes"
	"context"
	"errors"
	"math/rand"
	"os"
	"path/filepath"
	"testing"
	"time"

	"github.com/go-kit/log"
	"github.com/prometheus/client_golang/prometheus"
	"github.com/rfratto/hgfs/internal/hgfs"
	"github.com/rfratto/hgfs/internal/hgfs/filetable"
	"github.com/rfratto/hgfs/internal/hgfs/hostsrv"
	"github.com/rfratto/hgfs/internal/hgfs/loopback"
	"github.com/rfratto/hgfs/internal/hgfs/transport"
	"github.com/stretchr/testify/require"
)

func TestMount_ReadWrite(t *testing.T) {
	m := newPassthroughMount(t, t.TempDir())
	ctx := context.Background()

	// Large enough to be split across several requests.
	data := make([]byte, 3*hgfs.MaxIOSize+100)
	_, _ = rand.Read(data)

	of, err := m.Open(ctx, "/file", hgfs.ModeReadWrite, true)
	require.NoError(t, err)
	require.Equal(t, 1, m.Table().Len())

	n, err := m.Write(ctx, of, 0, data)
	require.NoError(t, err)
	require.Equal(t, len(data), n)

	// Ask for more than is there; the read stops at the end of the file.
	got, err := m.Read(ctx, of, 0, len(data)+50)
	require.NoError(t, err)
	require.True(t, bytes.Equal(data, got))

	got, err = m.Read(ctx, of, uint64(len(data)-10), 10)
	require.NoError(t, err)
	require.Equal(t, data[len(data)-10:], got)

	require.NoError(t, m.Close(ctx, of))
	require.Equal(t, 0, m.Table().Len())
	require.Equal(t, 0, m.Outstanding())

	_, err = m.Read(ctx, of, 0, 1)
	require.True(t, errors.Is(err, hgfs.ErrorInvalidHandle))

	require.NoError(t, m.Unmount(ctx, false))
	require.True(t, errors.Is(m.Ping(ctx), hgfs.ErrorStaleSession))
	require.True(t, errors.Is(m.Unmount(ctx, false), hgfs.ErrorStaleSession))
}

func TestMount_WriteReadOnly(t *testing.T) {
	root := t.TempDir()
	require.NoError(t, os.WriteFile(filepath.Join(root, "file"), []byte("hello"), 0644))

	m := newPassthroughMount(t, root)
	ctx := context.Background()

	of, err := m.Open(ctx, "file", hgfs.ModeReadOnly, false)
	require.NoError(t, err)
	defer m.Close(ctx, of)

	_, err = m.Write(ctx, of, 0, []byte("x"))
	require.True(t, errors.Is(err, hgfs.ErrorAccessDenied))

	got, err := m.Read(ctx, of, 1, 3)
	require.NoError(t, err)
	require.Equal(t, "ell", string(got))
}

func TestMount_OpenMissing(t *testing.T) {
	m := newPassthroughMount(t, t.TempDir())

	_, err := m.Open(context.Background(), "/missing", hgfs.ModeReadOnly, false)
	require.True(t, errors.Is(err, hgfs.ErrorNoSuchFile))
	require.Equal(t, 0, m.Table().Len())
}

func TestMount_Lookup(t *testing.T) {
	root := t.TempDir()
	require.NoError(t, os.Mkdir(filepath.Join(root, "a"), 0755))
	require.NoError(t, os.WriteFile(filepath.Join(root, "a", "b.txt"), []byte("b"), 0644))

	m := newPassthroughMount(t, root)
	ctx := context.Background()

	dir, attr, err := m.Lookup(ctx, "/a")
	require.NoError(t, err)
	require.Equal(t, hgfs.FileTypeDirectory, attr.Type)
	require.Equal(t, hgfs.FileTypeDirectory, dir.Type())

	f, attr, err := m.Lookup(ctx, "a//b.txt")
	require.NoError(t, err)
	require.Equal(t, uint64(1), attr.Size)
	require.Equal(t, "/a/b.txt", f.Path())
	require.Equal(t, filetable.NodeID("/a/b.txt"), f.NodeID())

	// Looking up the same path again shares the record.
	again, _, err := m.Lookup(ctx, "/a/b.txt")
	require.NoError(t, err)
	require.Same(t, f, again)
	require.Equal(t, 2, m.Table().Len())

	m.Forget(again)
	m.Forget(f)
	m.Forget(dir)
	require.Equal(t, 0, m.Table().Len())

	_, _, err = m.Lookup(ctx, "/a/missing")
	require.True(t, errors.Is(err, hgfs.ErrorNoSuchFile))
	require.Equal(t, 0, m.Table().Len())
}

func TestMount_ReadDir(t *testing.T) {
	root := t.TempDir()
	require.NoError(t, os.Mkdir(filepath.Join(root, "a"), 0755))
	require.NoError(t, os.Mkdir(filepath.Join(root, "a", "sub"), 0755))
	require.NoError(t, os.WriteFile(filepath.Join(root, "a", "file"), nil, 0644))

	m := newPassthroughMount(t, root)

	ents, err := m.ReadDir(context.Background(), "a")
	require.NoError(t, err)
	require.ElementsMatch(t, []DirEntry{
		{Name: "file", Type: hgfs.FileTypeRegular, Node: filetable.NodeID("/a/file")},
		{Name: "sub", Type: hgfs.FileTypeDirectory, Node: filetable.NodeID("/a/sub")},
	}, ents)

	// Listing doesn't create records.
	require.Equal(t, 0, m.Table().Len())

	_, err = m.ReadDir(context.Background(), "a/file")
	require.True(t, errors.Is(err, hgfs.ErrorNotDirectory))
}

func TestMount_ShareDirectoryHandle(t *testing.T) {
	root := t.TempDir()
	require.NoError(t, os.Mkdir(filepath.Join(root, "dir"), 0755))
	require.NoError(t, os.WriteFile(filepath.Join(root, "file"), nil, 0644))

	m := newPassthroughMount(t, root)
	ctx := context.Background()

	dir, err := m.Open(ctx, "/dir", hgfs.ModeReadOnly, false)
	require.NoError(t, err)
	h, _ := dir.Handle()

	shared, err := m.Reopen(dir)
	require.NoError(t, err)
	require.Equal(t, h, shared)

	// The first close only drops the shared reference.
	require.NoError(t, m.Close(ctx, dir))
	_, ok := dir.Handle()
	require.True(t, ok)
	require.Equal(t, 1, m.Table().Len())

	require.NoError(t, m.Close(ctx, dir))
	_, ok = dir.Handle()
	require.False(t, ok)
	require.Equal(t, 0, m.Table().Len())

	file, err := m.Open(ctx, "/file", hgfs.ModeReadOnly, false)
	require.NoError(t, err)
	_, err = m.Reopen(file)
	require.True(t, errors.Is(err, hgfs.ErrorOperationNotSupported))
	require.NoError(t, m.Close(ctx, file))
}

func TestMount_CloseTwice(t *testing.T) {
	root := t.TempDir()
	require.NoError(t, os.WriteFile(filepath.Join(root, "f"), []byte("f"), 0644))

	m := newPassthroughMount(t, root)
	ctx := context.Background()

	a, err := m.Open(ctx, "/f", hgfs.ModeReadOnly, false)
	require.NoError(t, err)
	b, err := m.Open(ctx, "/f", hgfs.ModeReadOnly, false)
	require.NoError(t, err)
	require.Equal(t, uint32(2), b.File().Refs())

	require.NoError(t, m.Close(ctx, a))
	require.Panics(t, func() { _ = m.Close(ctx, a) })

	// The bad close must not take b's reference with it.
	require.Equal(t, uint32(1), b.File().Refs())
	require.Equal(t, 1, m.Table().Len())

	c, err := m.Open(ctx, "/f", hgfs.ModeReadOnly, false)
	require.NoError(t, err)
	require.True(t, c.File() == b.File(), "a path must have one live record")

	require.NoError(t, m.Close(ctx, c))
	require.NoError(t, m.Close(ctx, b))
	require.Equal(t, 0, m.Table().Len())
}

func TestMount_UnmountBusy(t *testing.T) {
	root := t.TempDir()
	require.NoError(t, os.WriteFile(filepath.Join(root, "file"), nil, 0644))

	m := newPassthroughMount(t, root)
	ctx := context.Background()

	f, _, err := m.Lookup(ctx, "/file")
	require.NoError(t, err)

	err = m.Unmount(ctx, false)
	require.True(t, errors.Is(err, hgfs.ErrorBusy))
	require.NoError(t, m.Ping(ctx), "failed unmount should leave the share usable")

	m.Forget(f)
	require.NoError(t, m.Unmount(ctx, false))
}

func TestMount_ForceUnmount(t *testing.T) {
	h := &blockingHandler{
		entered: make(chan struct{}, 1),
		release: make(chan struct{}),
	}
	m := newTestMount(t, h)
	t.Cleanup(func() { close(h.release) })

	errCh := make(chan error, 1)
	go func() { errCh <- m.Ping(context.Background()) }()

	select {
	case <-h.entered:
	case <-time.After(5 * time.Second):
		require.FailNow(t, "request never reached the host")
	}
	require.Equal(t, 1, m.Outstanding())

	ctx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
	defer cancel()
	require.NoError(t, m.Unmount(ctx, true))

	err := <-errCh
	require.True(t, errors.Is(err, hgfs.ErrorTransport))
	require.Equal(t, 0, m.Outstanding())
	require.True(t, errors.Is(m.Ping(context.Background()), hgfs.ErrorStaleSession))
}

func TestMount_SharedClient(t *testing.T) {
	srv, err := hostsrv.New(nil, hostsrv.Options{Handler: hostsrv.Passthrough(nil, t.TempDir())})
	require.NoError(t, err)
	t.Cleanup(func() { _ = srv.Close() })

	cli := newTestClient(t, srv)
	reg := prometheus.NewRegistry()

	// Both mounts register their file table metrics against reg.
	a := New(nil, cli, reg)
	b := New(nil, cli, reg)
	require.NotEqual(t, a.ID(), b.ID())

	ctx := context.Background()
	require.NoError(t, a.Ping(ctx))
	require.NoError(t, b.Unmount(ctx, true))
	require.NoError(t, a.Ping(ctx), "unmounting one share must not affect another")
}

func newPassthroughMount(t *testing.T, root string) *Mount {
	t.Helper()

	srv, err := hostsrv.New(nil, hostsrv.Options{Handler: hostsrv.Passthrough(nil, root)})
	require.NoError(t, err)
	t.Cleanup(func() { _ = srv.Close() })
	return newTestMount(t, srv)
}

func newTestMount(t *testing.T, h loopback.Handler) *Mount {
	t.Helper()
	return New(newTestLogger(), newTestClient(t, h), prometheus.NewRegistry())
}

func newTestClient(t *testing.T, h loopback.Handler) *transport.Client {
	t.Helper()

	cli, err := transport.New(newTestLogger(), transport.Options{
		Channels: []hgfs.Channel{loopback.New("loopback", h)},
	})
	require.NoError(t, err)

	ctx, cancel := context.WithCancel(context.Background())
	done := make(chan struct{})
	go func() {
		defer close(done)
		_ = cli.Run(ctx)
	}()
	t.Cleanup(func() {
		cancel()
		<-done
		_ = cli.Close()
	})
	return cli
}

func newTestLogger() log.Logger {
	l := log.NewLogfmtLogger(log.NewSyncWriter(os.Stderr))
	return log.With(l, "ts", log.DefaultTimestampUTC)
}

// blockingHandler holds every request until release is closed.
type blockingHandler struct {
	entered chan struct{}
	release chan struct{}
}

func (h *blockingHandler) HandleFrame(ctx context.Context, frame []byte) ([]byte, error) {
	select {
	case h.entered <- struct{}{}:
	default:
	}
	<-h.release

	hdr, err := hgfs.DecodeRequestHeader(frame)
	if err != nil {
		return nil, err
	}
	reply := make([]byte, hgfs.ReplyHeaderSize)
	_, err = hgfs.ReplyHeader{ID: hdr.ID}.MarshalTo(reply)
	return reply, err
}
