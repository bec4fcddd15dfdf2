// Package mount ties the request transport and the file table together for a
// single mounted share. It exposes typed filesystem operations for whatever
// binds the share into a filesystem.
package mount

import (
	"context"
	"fmt"
	"path"
	"sync"

	"github.com/go-kit/log"
	"github.com/go-kit/log/level"
	"github.com/prometheus/client_golang/prometheus"
	"github.com/rfratto/hgfs/internal/hgfs"
	"github.com/rfratto/hgfs/internal/hgfs/filetable"
	"github.com/rfratto/hgfs/internal/hgfs/transport"
	uuid "github.com/satori/go.uuid"
)

// ErrUnmounted is returned by operations on a Mount after Unmount.
var ErrUnmounted = fmt.Errorf("share is unmounted: %w", hgfs.ErrorStaleSession)

// Mount is a single mounted share.
type Mount struct {
	log   log.Logger
	id    string
	cli   *transport.Client
	ct    *transport.Container
	table *filetable.Table

	mut       sync.RWMutex
	unmounted bool
}

// New creates a new Mount which sends requests through cli. Metrics are
// registered against reg with a mount label if reg is non-nil.
func New(l log.Logger, cli *transport.Client, reg prometheus.Registerer) *Mount {
	if l == nil {
		l = log.NewNopLogger()
	}

	id := uuid.NewV4().String()
	if reg != nil {
		reg = prometheus.WrapRegistererWith(prometheus.Labels{"mount": id}, reg)
	}
	l = log.With(l, "mount", id)

	level.Info(l).Log("msg", "share mounted")
	return &Mount{
		log:   l,
		id:    id,
		cli:   cli,
		ct:    cli.NewContainer(),
		table: filetable.New(l, reg),
	}
}

// ID returns the unique ID of the mount.
func (m *Mount) ID() string { return m.id }

// Table returns the file table of the mount.
func (m *Mount) Table() *filetable.Table { return m.table }

// Outstanding returns the number of requests currently owned by the mount.
func (m *Mount) Outstanding() int { return m.ct.Len() }

// Call sends a request for op with the body req and decodes the body of the
// reply into reply. Either of req or reply may be nil for operations without
// a body.
func (m *Mount) Call(ctx context.Context, op hgfs.Op, req, reply interface{}) error {
	m.mut.RLock()
	defer m.mut.RUnlock()
	if m.unmounted {
		return ErrUnmounted
	}

	r, err := m.cli.Allocate(ctx, m.ct)
	if err != nil {
		return err
	}
	defer m.cli.Release(m.ct, r)

	n, err := hgfs.EncodeRequest(r.Payload(), hgfs.RequestHeader{ID: r.ID(), Op: op}, req)
	if err != nil {
		return err
	}
	if err := r.SetPayloadSize(n); err != nil {
		return err
	}

	if err := m.cli.Submit(ctx, r); err != nil {
		return fmt.Errorf("%s: %w", op, err)
	}

	raw, err := r.Reply()
	if err != nil {
		return err
	}
	hdr, err := hgfs.DecodeReply(raw, reply)
	if err != nil {
		return err
	}
	return hdr.Err()
}

// Ping performs a round trip to the host.
func (m *Mount) Ping(ctx context.Context) error {
	return m.Call(ctx, hgfs.OpPing, nil, nil)
}

// Getattr returns the attributes of p.
func (m *Mount) Getattr(ctx context.Context, p string) (hgfs.Attr, error) {
	var attr hgfs.Attr
	err := m.Call(ctx, hgfs.OpGetattr, &hgfs.GetattrRequest{Path: p}, &attr)
	return attr, err
}

// Lookup resolves p on the host and returns its file record, creating one if
// needed. The record must be released with Forget.
func (m *Mount) Lookup(ctx context.Context, p string) (*filetable.File, hgfs.Attr, error) {
	attr, err := m.Getattr(ctx, p)
	if err != nil {
		return nil, attr, err
	}
	f, err := m.table.GetOrCreate(p, attr.Type)
	if err != nil {
		return nil, attr, err
	}
	return f, attr, nil
}

// Forget releases a file record returned by Lookup.
func (m *Mount) Forget(f *filetable.File) { m.table.Release(f) }

// Open opens p on the host and binds the returned handle to a new open
// instance.
func (m *Mount) Open(ctx context.Context, p string, mode hgfs.AccessMode, create bool) (of *filetable.OpenFile, err error) {
	var reply hgfs.OpenReply
	err = m.Call(ctx, hgfs.OpOpen, &hgfs.OpenRequest{Path: p, Mode: mode, Create: create}, &reply)
	if err != nil {
		return nil, err
	}

	// The host handle must be closed again if the open instance can't be
	// created.
	defer func() {
		if err != nil {
			_ = m.closeHandle(ctx, reply.Handle)
		}
	}()

	of, err = filetable.OpenInstance(m.table, p, reply.Attr.Type)
	if err != nil {
		return nil, err
	}
	of.SetHandle(reply.Handle)
	_ = of.SetMode(mode) // of is new, so its mode is never already set.
	return of, nil
}

// Reopen shares the host handle of an already-open directory instance. Each
// call must be balanced by an additional Close.
func (m *Mount) Reopen(of *filetable.OpenFile) (hgfs.Handle, error) {
	return of.ShareHandle()
}

// Read reads up to size bytes from of at off. Reads larger than
// hgfs.MaxIOSize are split into multiple requests. Fewer than size bytes are
// returned at the end of the file.
func (m *Mount) Read(ctx context.Context, of *filetable.OpenFile, off uint64, size int) ([]byte, error) {
	h, err := m.handle(of)
	if err != nil {
		return nil, err
	}

	out := make([]byte, 0, size)
	for len(out) < size {
		chunk := size - len(out)
		if chunk > hgfs.MaxIOSize {
			chunk = hgfs.MaxIOSize
		}

		var reply hgfs.ReadReply
		req := &hgfs.ReadRequest{Handle: h, Offset: off + uint64(len(out)), Size: uint32(chunk)}
		if err := m.Call(ctx, hgfs.OpRead, req, &reply); err != nil {
			return out, err
		}
		out = append(out, reply.Data...)
		if len(reply.Data) < chunk {
			break
		}
	}
	return out, nil
}

// Write writes data to of at off. Writes larger than hgfs.MaxIOSize are split
// into multiple requests.
func (m *Mount) Write(ctx context.Context, of *filetable.OpenFile, off uint64, data []byte) (int, error) {
	h, err := m.handle(of)
	if err != nil {
		return 0, err
	}
	if mode, _ := of.Mode(); mode == hgfs.ModeReadOnly {
		return 0, fmt.Errorf("%s is open read-only: %w", of.File().Path(), hgfs.ErrorAccessDenied)
	}

	var written int
	for written < len(data) {
		chunk := data[written:]
		if len(chunk) > hgfs.MaxIOSize {
			chunk = chunk[:hgfs.MaxIOSize]
		}

		var reply hgfs.WriteReply
		req := &hgfs.WriteRequest{Handle: h, Offset: off + uint64(written), Data: chunk}
		if err := m.Call(ctx, hgfs.OpWrite, req, &reply); err != nil {
			return written, err
		}
		written += int(reply.Written)
		if int(reply.Written) < len(chunk) {
			return written, fmt.Errorf("short write: %w", hgfs.ErrorNoSpace)
		}
	}
	return written, nil
}

// Close drops a reference to the handle of of. Once the last reference is
// dropped, the handle is closed on the host and the open instance is
// destroyed. Closing an instance which was already destroyed panics.
func (m *Mount) Close(ctx context.Context, of *filetable.OpenFile) error {
	last, err := of.ClearHandle(ctx, m.closeHandle)
	if last {
		filetable.CloseInstance(m.table, of)
	}
	return err
}

func (m *Mount) closeHandle(ctx context.Context, h hgfs.Handle) error {
	return m.Call(ctx, hgfs.OpClose, &hgfs.CloseRequest{Handle: h}, nil)
}

func (m *Mount) handle(of *filetable.OpenFile) (hgfs.Handle, error) {
	h, ok := of.Handle()
	if !ok {
		return 0, fmt.Errorf("%s has no open handle: %w", of.File().Path(), hgfs.ErrorInvalidHandle)
	}
	return h, nil
}

// DirEntry is an entry returned by ReadDir.
type DirEntry struct {
	Name string
	Type hgfs.FileType
	Node hgfs.NodeID
}

// ReadDir lists the directory p. Entries are given node IDs without creating
// file records for them.
func (m *Mount) ReadDir(ctx context.Context, p string) ([]DirEntry, error) {
	var reply hgfs.ReadDirReply
	if err := m.Call(ctx, hgfs.OpReadDir, &hgfs.ReadDirRequest{Path: p}, &reply); err != nil {
		return nil, err
	}

	ents := make([]DirEntry, len(reply.Entries))
	for i, ent := range reply.Entries {
		ents[i] = DirEntry{
			Name: ent.Name,
			Type: ent.Type,
			Node: filetable.NodeID(path.Join("/", p, ent.Name)),
		}
	}
	return ents, nil
}

// Unmount detaches the share. Without force, Unmount fails with
// hgfs.ErrorBusy if any request or file record is still live. With force,
// outstanding requests are canceled and Unmount waits for their owners to
// release them.
//
// Operations fail with ErrUnmounted once Unmount succeeds.
func (m *Mount) Unmount(ctx context.Context, force bool) error {
	if !force {
		if n := m.table.Len(); n > 0 {
			return fmt.Errorf("%d files still referenced: %w", n, hgfs.ErrorBusy)
		}
		if n := m.ct.Len(); n > 0 {
			return fmt.Errorf("%d requests outstanding: %w", n, hgfs.ErrorBusy)
		}
	} else {
		canceled := m.cli.CancelAll(m.ct)
		level.Info(m.log).Log("msg", "forcing unmount", "canceled", canceled, "files", m.table.Len())
	}

	// Callers in Call hold the read lock until they release their request.
	// Taking the write lock waits them out and blocks new calls.
	locked := make(chan struct{})
	go func() {
		m.mut.Lock()
		close(locked)
	}()
	select {
	case <-locked:
	case <-ctx.Done():
		// Unlock once the lock is eventually acquired.
		go func() {
			<-locked
			m.mut.Unlock()
		}()
		return ctx.Err()
	}
	defer m.mut.Unlock()

	if m.unmounted {
		return ErrUnmounted
	}
	if err := m.ct.Close(); err != nil {
		return err
	}
	m.unmounted = true
	level.Info(m.log).Log("msg", "share unmounted")
	return nil
}
