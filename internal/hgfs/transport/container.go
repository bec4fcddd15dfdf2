package transport

import (
	"context"
	"fmt"
	"sync"

	"github.com/go-kit/log/level"
)

// Container tracks the requests owned by a single mount so they can be
// canceled together on a forced unmount.
type Container struct {
	client *Client

	mut     sync.Mutex
	reqs    map[*Request]struct{}
	waiters []chan struct{} // Closed when reqs becomes empty
	closed  bool
}

// Len returns the number of requests currently owned by ct.
func (ct *Container) Len() int {
	ct.mut.Lock()
	defer ct.mut.Unlock()
	return len(ct.reqs)
}

// Empty returns true if ct owns no requests.
func (ct *Container) Empty() bool { return ct.Len() == 0 }

// Wait blocks until ct owns no requests or ctx is canceled.
func (ct *Container) Wait(ctx context.Context) error {
	ct.mut.Lock()
	if len(ct.reqs) == 0 {
		ct.mut.Unlock()
		return nil
	}
	ch := make(chan struct{})
	ct.waiters = append(ct.waiters, ch)
	ct.mut.Unlock()

	select {
	case <-ch:
		return nil
	case <-ctx.Done():
		return ctx.Err()
	}
}

// Close destroys the container. Close fails with ErrBusy if any request is
// still owned by ct. No requests may be allocated into a closed container.
func (ct *Container) Close() error {
	ct.mut.Lock()
	defer ct.mut.Unlock()
	if n := len(ct.reqs); n > 0 {
		return fmt.Errorf("%d requests outstanding: %w", n, ErrBusy)
	}
	ct.closed = true
	return nil
}

func (ct *Container) link(r *Request) {
	ct.mut.Lock()
	defer ct.mut.Unlock()
	if ct.closed {
		panic("transport: allocating into a closed container")
	}
	ct.reqs[r] = struct{}{}
}

// unlink removes r from ct, returning false if r wasn't linked.
func (ct *Container) unlink(r *Request) bool {
	ct.mut.Lock()
	defer ct.mut.Unlock()

	if _, ok := ct.reqs[r]; !ok {
		return false
	}
	delete(ct.reqs, r)

	if len(ct.reqs) == 0 {
		for _, w := range ct.waiters {
			close(w)
		}
		ct.waiters = nil
	}
	return true
}

// CancelAll forces every request owned by ct that is still waiting for a
// reply into StateError and wakes its submitter. Requests waiting on the work
// queue are removed from it. CancelAll returns the number of requests it
// failed; calling it when nothing is outstanding does nothing.
//
// Canceled requests stay linked to ct: their owners still hold them and must
// Release them as usual.
func (c *Client) CancelAll(ct *Container) int {
	ct.mut.Lock()
	defer ct.mut.Unlock()

	c.qmut.Lock()
	defer c.qmut.Unlock()

	var canceled int
	for r := range ct.reqs {
		r.mut.Lock()
		dequeued := r.queued
		if dequeued {
			c.dequeueLocked(r)
			r.queued = false
		}
		if r.state == StateSubmitted {
			r.finish(StateError)
			canceled++
		}
		r.mut.Unlock()

		// The owner's reference keeps r alive; this only drops the queue's.
		if dequeued {
			c.unref(r)
		}
	}

	if canceled > 0 {
		level.Info(c.log).Log("msg", "canceled outstanding requests", "count", canceled)
	}
	return canceled
}
