package transport

import (
	"context"
	"fmt"

	"github.com/go-kit/log/level"
	"github.com/rfratto/hgfs/internal/hgfs"
)

// Allocate returns a new request linked into ct. Allocate connects a channel
// if none is active and fails fast with ErrNoChannel if that isn't possible,
// so work is never queued for a channel that doesn't exist.
//
// The returned request has a zeroed payload and must be given back with
// Release.
func (c *Client) Allocate(ctx context.Context, ct *Container) (*Request, error) {
	ch, err := c.channels.acquire(ctx)
	if err != nil {
		return nil, err
	}
	r, err := c.getRequest(ch)
	if err != nil {
		return nil, err
	}

	r.mut.Lock()
	r.reset(c.nextID.Inc(), ct)
	r.mut.Unlock()

	ct.link(r)
	c.metrics.allocated.Inc()
	return r, nil
}

// Release gives up the caller's interest in r. A request which hasn't reached
// a terminal state is abandoned; the dispatch worker will skip it or discard
// its reply. r is recycled once no other references remain.
//
// Release panics if r isn't owned by ct, which indicates r was already
// released.
func (c *Client) Release(ct *Container, r *Request) {
	if !ct.unlink(r) {
		panic(fmt.Sprintf("transport: released request %p which is not owned by its container", r))
	}

	r.mut.Lock()
	switch r.state {
	case StateAllocated, StateSubmitted:
		r.finish(StateAbandoned)
	}
	r.container = nil
	r.mut.Unlock()

	c.unref(r)
}

// unref drops a reference to r, freeing it when the last reference is gone.
func (c *Client) unref(r *Request) {
	r.mut.Lock()
	if r.refs == 0 {
		r.mut.Unlock()
		panic(fmt.Sprintf("transport: reference count underflow for request %p", r))
	}
	r.refs--
	last := r.refs == 0
	r.mut.Unlock()

	if last {
		c.freeRequest(r)
	}
}

// getRequest pops a cached request or creates a new one, making sure its
// buffer belongs to ch.
func (c *Client) getRequest(ch hgfs.Channel) (*Request, error) {
	c.poolMut.Lock()
	if c.live >= c.o.MaxRequests {
		c.poolMut.Unlock()
		return nil, ErrNoMemory
	}
	var r *Request
	if n := len(c.free); n > 0 {
		r = c.free[n-1]
		c.free[n-1] = nil
		c.free = c.free[:n-1]
	} else {
		r = &Request{client: c}
	}
	c.live++
	c.poolMut.Unlock()

	// Buffers from a previous channel go back to it; the active channel has
	// changed since r was last used.
	if r.ch != ch {
		if r.ch != nil {
			r.ch.Free(r.buf)
		}
		r.ch, r.buf = nil, nil

		buf, err := ch.Allocate(hgfs.MaxPacketSize)
		if err == nil && len(buf) < hgfs.MaxPacketSize {
			ch.Free(buf)
			err = fmt.Errorf("channel %s allocated %d bytes, need %d", ch.Name(), len(buf), hgfs.MaxPacketSize)
		}
		if err != nil {
			level.Warn(c.log).Log("msg", "failed to allocate request buffer", "channel", ch.Name(), "err", err)
			c.poolMut.Lock()
			c.live--
			c.free = append(c.free, r)
			c.poolMut.Unlock()
			return nil, ErrNoMemory
		}
		r.ch, r.buf = ch, buf[:hgfs.MaxPacketSize]
	}

	c.metrics.live.Inc()
	return r, nil
}

// freeRequest returns r to the pool. It must only be called by whoever
// dropped the last reference.
func (c *Client) freeRequest(r *Request) {
	r.mut.Lock()
	if r.state == StateUnused {
		r.mut.Unlock()
		panic(fmt.Sprintf("transport: request %p freed twice", r))
	}
	if r.queued || r.container != nil {
		r.mut.Unlock()
		panic(fmt.Sprintf("transport: request %p freed while still linked", r))
	}
	r.state = StateUnused
	r.done = nil
	r.mut.Unlock()

	c.metrics.live.Dec()

	c.poolMut.Lock()
	c.live--
	if len(c.free) < c.o.MaxCachedRequests {
		c.free = append(c.free, r)
		c.poolMut.Unlock()
		return
	}
	c.poolMut.Unlock()

	if r.ch != nil {
		r.ch.Free(r.buf)
		r.ch, r.buf = nil, nil
	}
}

// poolStats returns the number of live and cached request objects.
func (c *Client) poolStats() (live, cached int) {
	c.poolMut.Lock()
	defer c.poolMut.Unlock()
	return c.live, len(c.free)
}
