package transport

import (
	"fmt"
	"sync"

	"github.com/rfratto/hgfs/internal/hgfs"
)

// State is the lifecycle state of a Request.
type State uint32

// Request states. A request moves from StateUnused to StateAllocated when
// handed out by the pool, to StateSubmitted when queued, and terminates at
// StateCompleted, StateError or StateAbandoned. It returns to StateUnused
// only when its last reference is dropped.
const (
	StateUnused State = iota
	StateAllocated
	StateSubmitted
	StateCompleted
	StateError
	StateAbandoned
)

func (s State) String() string {
	switch s {
	case StateUnused:
		return "unused"
	case StateAllocated:
		return "allocated"
	case StateSubmitted:
		return "submitted"
	case StateCompleted:
		return "completed"
	case StateError:
		return "error"
	case StateAbandoned:
		return "abandoned"
	default:
		return fmt.Sprintf("state(%d)", uint32(s))
	}
}

// Request is a single unit of work sent to the host. The request and its
// reply share one payload buffer.
//
// A Request is obtained from Client.Allocate and must be given back with
// Client.Release by the same caller.
type Request struct {
	client *Client

	// Guards every field below. Acquired after the container and queue locks.
	mut sync.Mutex

	id    uint32
	state State
	refs  uint32

	buf  []byte
	size int
	ch   hgfs.Channel // Channel which allocated buf

	queued    bool       // Linked on the work queue
	container *Container // Owning container
	done      chan struct{}
}

var _ hgfs.Packet = (*Request)(nil)

// ID returns the request ID. IDs increase monotonically and wrap.
func (r *Request) ID() uint32 {
	r.mut.Lock()
	defer r.mut.Unlock()
	return r.id
}

// State returns the current state of the request.
func (r *Request) State() State {
	r.mut.Lock()
	defer r.mut.Unlock()
	return r.state
}

// Payload returns the full payload buffer. Callers write the outbound request
// here before calling Submit and call SetPayloadSize with the number of bytes
// written.
func (r *Request) Payload() []byte {
	r.mut.Lock()
	defer r.mut.Unlock()
	return r.buf
}

// SetPayloadSize records how many bytes of the payload are meaningful.
func (r *Request) SetPayloadSize(n int) error {
	r.mut.Lock()
	defer r.mut.Unlock()
	if n < 0 || n > len(r.buf) {
		return fmt.Errorf("payload size %d out of range [0, %d]: %w", n, len(r.buf), hgfs.ErrorInvalidParameter)
	}
	r.size = n
	return nil
}

// PayloadSize returns the number of meaningful bytes in the payload. After
// completion, this is the size of the reply.
func (r *Request) PayloadSize() int {
	r.mut.Lock()
	defer r.mut.Unlock()
	return r.size
}

// Reply returns the reply written by the host. Reply fails unless the
// request has completed.
func (r *Request) Reply() ([]byte, error) {
	r.mut.Lock()
	defer r.mut.Unlock()
	if r.state != StateCompleted {
		return nil, fmt.Errorf("request %d is %s: %w", r.id, r.state, ErrRequestFailed)
	}
	return r.buf[:r.size], nil
}

// Bytes implements hgfs.Packet.
func (r *Request) Bytes() []byte {
	r.mut.Lock()
	defer r.mut.Unlock()
	return r.buf[:r.size]
}

// Complete implements hgfs.Packet.
func (r *Request) Complete(reply []byte) error {
	r.mut.Lock()
	defer r.mut.Unlock()

	if r.state != StateSubmitted {
		return fmt.Errorf("request %d is %s: %w", r.id, r.state, hgfs.ErrNotSubmitted)
	}
	if len(reply) > len(r.buf) {
		return fmt.Errorf("reply of %d bytes exceeds buffer: %w", len(reply), hgfs.ErrorProtocol)
	}
	r.size = copy(r.buf, reply)
	r.finish(StateCompleted)
	return nil
}

// Fail implements hgfs.Packet.
func (r *Request) Fail() {
	r.mut.Lock()
	defer r.mut.Unlock()
	if r.state == StateSubmitted {
		r.finish(StateError)
	}
}

// finish moves r to a terminal state and wakes the submitter if r was
// submitted. r.mut must be held.
func (r *Request) finish(s State) {
	wasSubmitted := r.state == StateSubmitted
	r.state = s
	if wasSubmitted && r.done != nil {
		close(r.done)
	}
	r.client.metrics.finished.WithLabelValues(s.String()).Inc()
}

// reset prepares r for reuse by a new owner. r.mut must be held.
func (r *Request) reset(id uint32, ct *Container) {
	r.id = id
	r.state = StateAllocated
	r.refs = 1
	r.size = 0
	r.queued = false
	r.container = ct
	r.done = nil
	for i := range r.buf {
		r.buf[i] = 0
	}
}
