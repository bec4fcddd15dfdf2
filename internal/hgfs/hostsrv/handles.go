package hostsrv

import (
	"fmt"
	"io"
	"sync"

	"github.com/go-kit/log"
	"github.com/go-kit/log/level"
	"github.com/hashicorp/go-multierror"
	"github.com/rfratto/hgfs/internal/hgfs"
)

// handleTable assigns handles to open resources. Released handle IDs are
// reused before new ones are assigned.
type handleTable struct {
	log log.Logger

	mut          sync.RWMutex
	handles      map[hgfs.Handle]io.Closer
	availHandles []hgfs.Handle
	nextHandle   hgfs.Handle
}

func newHandleTable(l log.Logger) *handleTable {
	if l == nil {
		l = log.NewNopLogger()
	}
	return &handleTable{
		log:     l,
		handles: make(map[hgfs.Handle]io.Closer),
	}
}

// Add stores c and returns its handle.
func (t *handleTable) Add(c io.Closer) (hgfs.Handle, error) {
	t.mut.Lock()
	defer t.mut.Unlock()

	var id hgfs.Handle
	if numAvail := len(t.availHandles); numAvail > 0 {
		id = t.availHandles[numAvail-1]
		t.availHandles = t.availHandles[:numAvail-1]
	} else {
		t.nextHandle++
		id = t.nextHandle

		if id == 0 {
			// We've temporarily exhausted the handle space until some existing
			// handles close.
			t.nextHandle--
			return 0, fmt.Errorf("handle space exhausted: %w", hgfs.ErrorTooManySessions)
		}
	}

	t.handles[id] = c
	return id, nil
}

// Get returns the resource for id.
func (t *handleTable) Get(id hgfs.Handle) (io.Closer, error) {
	t.mut.RLock()
	defer t.mut.RUnlock()

	c, ok := t.handles[id]
	if !ok {
		return nil, fmt.Errorf("handle %d: %w", id, hgfs.ErrorInvalidHandle)
	}
	return c, nil
}

// Release removes id from the table and closes its resource.
func (t *handleTable) Release(id hgfs.Handle) error {
	var c io.Closer

	// The resource is closed in a defer so the lock isn't held for longer than
	// it needs to be.
	defer func() {
		if c == nil {
			return
		}
		if err := c.Close(); err != nil {
			level.Error(t.log).Log("msg", "error when closing released handle", "id", id, "err", err)
		}
	}()

	t.mut.Lock()
	defer t.mut.Unlock()

	c, ok := t.handles[id]
	if !ok {
		return fmt.Errorf("handle %d: %w", id, hgfs.ErrorInvalidHandle)
	}

	delete(t.handles, id)
	t.availHandles = append(t.availHandles, id)
	return nil
}

// CloseAll releases every handle.
func (t *handleTable) CloseAll() error {
	t.mut.Lock()
	defer t.mut.Unlock()

	var errs *multierror.Error
	for id, c := range t.handles {
		if err := c.Close(); err != nil {
			errs = multierror.Append(errs, fmt.Errorf("handle %d: %w", id, err))
		}
		delete(t.handles, id)
	}
	t.availHandles = nil
	t.nextHandle = 0
	return errs.ErrorOrNil()
}

// Len returns the number of open handles.
func (t *handleTable) Len() int {
	t.mut.RLock()
	defer t.mut.RUnlock()
	return len(t.handles)
}
