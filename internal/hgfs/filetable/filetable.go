// Package filetable tracks the files a mount currently has a reference to.
//
// Each path has at most one live File record, shared by every open instance
// of that path. Records carry a node ID which is derived from the path alone,
// so the ID of a path is stable even across records being destroyed and
// recreated.
package filetable

import (
	"encoding/binary"
	"fmt"
	"path"
	"sync"

	"github.com/go-kit/log"
	"github.com/go-kit/log/level"
	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/promauto"
	"github.com/rfratto/hgfs/internal/hgfs"
	"golang.org/x/crypto/blake2b"
)

// MaxPathLen is the longest normalized path a File record may hold.
const MaxPathLen = 1024

// NodeID returns the node ID for a path. The path is normalized first, so
// equivalent spellings of a path share an ID. NodeID never returns 0.
func NodeID(p string) hgfs.NodeID {
	return nodeID(normalize(p))
}

func nodeID(normalized string) hgfs.NodeID {
	sum := blake2b.Sum256([]byte(normalized))

	var id uint64
	for i := 0; i < len(sum); i += 8 {
		id ^= binary.LittleEndian.Uint64(sum[i : i+8])
	}
	if id == 0 {
		// 0 is reserved for "no node".
		id = 1
	}
	return hgfs.NodeID(id)
}

// normalize cleans p and roots it at /.
func normalize(p string) string {
	if p == "" {
		return ""
	}
	return path.Clean("/" + p)
}

// File is the record for a single path.
type File struct {
	path string
	typ  hgfs.FileType
	id   hgfs.NodeID

	mut  sync.Mutex
	refs uint32
}

// Path returns the normalized path of the file.
func (f *File) Path() string { return f.path }

// Type returns the type the file had when its record was created.
func (f *File) Type() hgfs.FileType { return f.typ }

// NodeID returns the node ID of the file.
func (f *File) NodeID() hgfs.NodeID { return f.id }

// Refs returns the current reference count.
func (f *File) Refs() uint32 {
	f.mut.Lock()
	defer f.mut.Unlock()
	return f.refs
}

// Table maps paths to File records. The table lock is always acquired before
// a record's lock.
type Table struct {
	log     log.Logger
	records prometheus.Gauge

	mut   sync.Mutex
	files map[string]*File
}

// New creates an empty Table. Metrics are left unregistered if reg is nil.
func New(l log.Logger, reg prometheus.Registerer) *Table {
	if l == nil {
		l = log.NewNopLogger()
	}
	return &Table{
		log: l,
		records: promauto.With(reg).NewGauge(prometheus.GaugeOpts{
			Name: "hgfs_file_table_records",
			Help: "Number of live file records.",
		}),
		files: make(map[string]*File),
	}
}

// GetOrCreate returns the record for p, creating it with type t if it doesn't
// exist yet. The returned record holds a reference which must be given back
// with Release. t is ignored when the record already exists.
func (t *Table) GetOrCreate(p string, ft hgfs.FileType) (*File, error) {
	np := normalize(p)
	switch {
	case np == "":
		return nil, fmt.Errorf("empty path: %w", hgfs.ErrorInvalidName)
	case len(np) > MaxPathLen:
		return nil, fmt.Errorf("path of %d bytes exceeds %d: %w", len(np), MaxPathLen, hgfs.ErrorNameTooLong)
	}

	t.mut.Lock()
	if f := t.files[np]; f != nil {
		t.ref(f)
		t.mut.Unlock()
		return f, nil
	}
	t.mut.Unlock()

	// The record is built without the table lock held.
	created := &File{
		path: np,
		typ:  ft,
		id:   nodeID(np),
		refs: 1,
	}

	t.mut.Lock()
	defer t.mut.Unlock()

	// Another caller may have inserted the same path in the meantime; if so
	// theirs wins and ours is dropped.
	if f := t.files[np]; f != nil {
		t.ref(f)
		return f, nil
	}
	t.files[np] = created
	t.records.Inc()
	level.Debug(t.log).Log("msg", "created file record", "path", np, "node", created.id)
	return created, nil
}

// ref increments the references of f. t.mut must be held.
func (t *Table) ref(f *File) {
	f.mut.Lock()
	f.refs++
	f.mut.Unlock()
}

// Release drops a reference to f. The record is removed from the table once
// its last reference is released. Release panics if f has no references.
func (t *Table) Release(f *File) {
	f.mut.Lock()
	if f.refs == 0 {
		f.mut.Unlock()
		panic(fmt.Sprintf("filetable: releasing %s with no references", f.path))
	}
	f.refs--
	last := f.refs == 0
	f.mut.Unlock()

	if !last {
		return
	}

	t.mut.Lock()
	defer t.mut.Unlock()

	// f may have been picked up again by GetOrCreate between dropping its lock
	// and acquiring the table lock.
	f.mut.Lock()
	resurrected := f.refs > 0
	f.mut.Unlock()
	if resurrected || t.files[f.path] != f {
		return
	}

	delete(t.files, f.path)
	t.records.Dec()
	level.Debug(t.log).Log("msg", "removed file record", "path", f.path, "node", f.id)
}

// Lookup returns the live record for p without taking a reference.
func (t *Table) Lookup(p string) (*File, bool) {
	t.mut.Lock()
	defer t.mut.Unlock()
	f, ok := t.files[normalize(p)]
	return f, ok
}

// Len returns the number of live records.
func (t *Table) Len() int {
	t.mut.Lock()
	defer t.mut.Unlock()
	return len(t.files)
}
