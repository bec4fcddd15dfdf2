package hostsrv

import (
	"context"
	"errors"
	"fmt"
	"io"
	"io/fs"
	"os"
	"path"
	"path/filepath"
	"strings"

	"github.com/go-kit/log"
	"github.com/rfratto/hgfs/internal/hgfs"
)

// Passthrough creates a new Handler which passes through requests to the host
// filesystem. Request paths are resolved relative to root. Note that this
// isn't a chroot, and it's possible to read files in higher directories via
// symbolic links.
func Passthrough(l log.Logger, root string) Handler {
	if l == nil {
		l = log.NewNopLogger()
	}
	return &passthroughHandler{
		log:     l,
		root:    root,
		handles: newHandleTable(l),
	}
}

type passthroughHandler struct {
	log     log.Logger
	root    string
	handles *handleTable
}

var (
	_ Handler = (*passthroughHandler)(nil)
)

// hostPath converts a guest path into a path on the host.
func (h *passthroughHandler) hostPath(p string) (string, error) {
	if p == "" {
		return "", fmt.Errorf("empty path: %w", hgfs.ErrorInvalidName)
	}
	if strings.ContainsRune(p, 0) {
		return "", fmt.Errorf("path contains NUL: %w", hgfs.ErrorInvalidName)
	}
	// Cleaning a rooted path removes any leading "..".
	clean := path.Clean("/" + p)
	return filepath.Join(h.root, filepath.FromSlash(clean)), nil
}

func (h *passthroughHandler) Close() error {
	return h.handles.CloseAll()
}

func (h *passthroughHandler) Getattr(ctx context.Context, hdr *hgfs.RequestHeader, req *hgfs.GetattrRequest) (*hgfs.Attr, error) {
	p, err := h.hostPath(req.Path)
	if err != nil {
		return nil, err
	}
	fi, err := os.Lstat(p)
	if err != nil {
		return nil, err
	}
	attr := attrFromInfo(fi)
	return &attr, nil
}

func (h *passthroughHandler) Open(ctx context.Context, hdr *hgfs.RequestHeader, req *hgfs.OpenRequest) (_ *hgfs.OpenReply, err error) {
	p, err := h.hostPath(req.Path)
	if err != nil {
		return nil, err
	}

	var flags int
	switch req.Mode {
	case hgfs.ModeReadOnly:
		flags = os.O_RDONLY
	case hgfs.ModeWriteOnly:
		flags = os.O_WRONLY
	case hgfs.ModeReadWrite:
		flags = os.O_RDWR
	default:
		return nil, fmt.Errorf("unknown access mode %s: %w", req.Mode, hgfs.ErrorInvalidParameter)
	}
	if req.Create {
		flags |= os.O_CREATE
	}

	f, err := os.OpenFile(p, flags, 0644)
	if err != nil {
		return nil, err
	}
	// If anything after the open fails, we want to close the file again.
	defer func() {
		if err != nil {
			_ = f.Close()
		}
	}()

	fi, err := f.Stat()
	if err != nil {
		return nil, err
	}
	if fi.IsDir() && req.Mode != hgfs.ModeReadOnly {
		return nil, fmt.Errorf("directories can only be opened for reading: %w", hgfs.ErrorAccessDenied)
	}

	id, err := h.handles.Add(&passthroughHandle{f: f, mode: req.Mode})
	if err != nil {
		return nil, err
	}
	return &hgfs.OpenReply{
		Handle: id,
		Attr:   attrFromInfo(fi),
	}, nil
}

func (h *passthroughHandler) getHandle(id hgfs.Handle) (*passthroughHandle, error) {
	c, err := h.handles.Get(id)
	if err != nil {
		return nil, err
	}
	return c.(*passthroughHandle), nil
}

func (h *passthroughHandler) Read(ctx context.Context, hdr *hgfs.RequestHeader, req *hgfs.ReadRequest) (*hgfs.ReadReply, error) {
	ph, err := h.getHandle(req.Handle)
	if err != nil {
		return nil, err
	}
	if req.Size > hgfs.MaxIOSize {
		return nil, fmt.Errorf("read of %d bytes exceeds %d: %w", req.Size, hgfs.MaxIOSize, hgfs.ErrorInvalidParameter)
	}

	buf := make([]byte, int(req.Size))
	n, err := ph.f.ReadAt(buf, int64(req.Offset))
	if errors.Is(err, io.EOF) {
		// Short reads at the end of the file are not an error.
		err = nil
	}
	if err != nil {
		return nil, err
	}
	return &hgfs.ReadReply{Data: buf[:n]}, nil
}

func (h *passthroughHandler) Write(ctx context.Context, hdr *hgfs.RequestHeader, req *hgfs.WriteRequest) (*hgfs.WriteReply, error) {
	ph, err := h.getHandle(req.Handle)
	if err != nil {
		return nil, err
	}
	if ph.mode == hgfs.ModeReadOnly {
		return nil, fmt.Errorf("handle %d is read-only: %w", req.Handle, hgfs.ErrorAccessDenied)
	}

	n, err := ph.f.WriteAt(req.Data, int64(req.Offset))
	if err != nil {
		return nil, err
	}
	return &hgfs.WriteReply{Written: uint32(n)}, nil
}

func (h *passthroughHandler) Release(ctx context.Context, hdr *hgfs.RequestHeader, req *hgfs.CloseRequest) error {
	return h.handles.Release(req.Handle)
}

func (h *passthroughHandler) ReadDir(ctx context.Context, hdr *hgfs.RequestHeader, req *hgfs.ReadDirRequest) (*hgfs.ReadDirReply, error) {
	p, err := h.hostPath(req.Path)
	if err != nil {
		return nil, err
	}

	ents, err := os.ReadDir(p)
	if err != nil {
		return nil, err
	}

	resp := &hgfs.ReadDirReply{Entries: make([]hgfs.DirEntry, 0, len(ents))}
	for _, ent := range ents {
		resp.Entries = append(resp.Entries, hgfs.DirEntry{
			Name: ent.Name(),
			Type: toFileType(ent.Type()),
		})
	}
	return resp, nil
}

type passthroughHandle struct {
	f    *os.File
	mode hgfs.AccessMode
}

func (h *passthroughHandle) Close() error { return h.f.Close() }

func attrFromInfo(fi fs.FileInfo) hgfs.Attr {
	return hgfs.Attr{
		Type:    toFileType(fi.Mode()),
		Size:    uint64(fi.Size()),
		Mode:    uint32(fi.Mode().Perm()),
		ModTime: fi.ModTime().UTC(),
	}
}

func toFileType(m fs.FileMode) hgfs.FileType {
	switch {
	case m&fs.ModeDir != 0:
		return hgfs.FileTypeDirectory
	case m&fs.ModeSymlink != 0:
		return hgfs.FileTypeSymlink
	default:
		return hgfs.FileTypeRegular
	}
}
