package filetable

import (
	"context"
	"fmt"
	"sync"

	"github.com/go-kit/log/level"
	"github.com/rfratto/hgfs/internal/hgfs"
)

// OpenFile is the state of a single open instance of a File. It holds the
// handle the host assigned to the instance and the mode it was opened with.
type OpenFile struct {
	file *File

	mut        sync.Mutex
	handle     hgfs.Handle
	handleRefs uint32
	mode       hgfs.AccessMode
	modeSet    bool
	closed     bool
}

// OpenInstance creates an open instance of p, taking a reference to the File
// record for p.
func OpenInstance(t *Table, p string, ft hgfs.FileType) (*OpenFile, error) {
	f, err := t.GetOrCreate(p, ft)
	if err != nil {
		return nil, err
	}
	return &OpenFile{file: f}, nil
}

// CloseInstance releases the File reference held by of. The host handle must
// already have been cleared with ClearHandle. CloseInstance panics if of was
// already closed.
func CloseInstance(t *Table, of *OpenFile) {
	of.mut.Lock()
	if of.closed {
		of.mut.Unlock()
		panic(fmt.Sprintf("filetable: open instance of %s closed twice", of.file.path))
	}
	of.closed = true
	refs, h := of.handleRefs, of.handle
	of.mut.Unlock()

	if refs > 0 {
		level.Warn(t.log).Log("msg", "closing open file which still holds a host handle", "path", of.file.path, "handle", h, "refs", refs)
	}
	t.Release(of.file)
}

// File returns the record of.
func (of *OpenFile) File() *File { return of.file }

// SetHandle binds the host handle h to of. SetHandle panics if of already has
// a handle.
func (of *OpenFile) SetHandle(h hgfs.Handle) {
	of.mut.Lock()
	defer of.mut.Unlock()
	if of.handleRefs > 0 {
		panic(fmt.Sprintf("filetable: %s already has handle %d", of.file.path, of.handle))
	}
	of.handle = h
	of.handleRefs = 1
}

// ShareHandle takes another reference to the handle of a directory, for
// when the same open instance is opened again. The handle is only closed
// once every reference has been cleared.
func (of *OpenFile) ShareHandle() (hgfs.Handle, error) {
	if of.file.typ != hgfs.FileTypeDirectory {
		return 0, fmt.Errorf("sharing handle of %s %s: %w", of.file.typ, of.file.path, hgfs.ErrorOperationNotSupported)
	}

	of.mut.Lock()
	defer of.mut.Unlock()
	if of.handleRefs == 0 {
		return 0, fmt.Errorf("%s has no handle: %w", of.file.path, hgfs.ErrorInvalidHandle)
	}
	of.handleRefs++
	return of.handle, nil
}

// Handle returns the host handle of of, if one is set.
func (of *OpenFile) Handle() (hgfs.Handle, bool) {
	of.mut.Lock()
	defer of.mut.Unlock()
	return of.handle, of.handleRefs > 0
}

// ClearHandle drops a reference to the host handle. When the last reference
// is dropped, closer is invoked to close the handle on the host and the
// access mode is reset; last reports whether that happened. The handle is
// forgotten even if closer fails.
//
// ClearHandle panics if of was already closed with CloseInstance.
func (of *OpenFile) ClearHandle(ctx context.Context, closer func(context.Context, hgfs.Handle) error) (last bool, err error) {
	of.mut.Lock()
	if of.closed {
		of.mut.Unlock()
		panic(fmt.Sprintf("filetable: clearing handle of closed open instance of %s", of.file.path))
	}
	if of.handleRefs == 0 {
		of.mut.Unlock()
		return false, fmt.Errorf("%s has no handle: %w", of.file.path, hgfs.ErrorInvalidHandle)
	}
	of.handleRefs--
	if of.handleRefs > 0 {
		of.mut.Unlock()
		return false, nil
	}
	h := of.handle
	of.handle = 0
	of.mode, of.modeSet = 0, false
	of.mut.Unlock()

	if closer == nil {
		return true, nil
	}
	if err := closer(ctx, h); err != nil {
		return true, fmt.Errorf("closing handle %d: %w", h, err)
	}
	return true, nil
}

// SetMode records the access mode of. The mode can only be set once until
// the handle is cleared.
func (of *OpenFile) SetMode(m hgfs.AccessMode) error {
	of.mut.Lock()
	defer of.mut.Unlock()
	if of.modeSet {
		return fmt.Errorf("access mode already set to %s: %w", of.mode, hgfs.ErrorInvalidParameter)
	}
	of.mode, of.modeSet = m, true
	return nil
}

// Mode returns the access mode of of, if set.
func (of *OpenFile) Mode() (hgfs.AccessMode, bool) {
	of.mut.Lock()
	defer of.mut.Unlock()
	return of.mode, of.modeSet
}
