package transport

import (
	"context"
	"fmt"

	"github.com/go-kit/log/level"
)

// Submit queues r for dispatch and blocks until the host replies, the
// request fails, or ctx is canceled.
//
// Submit returns nil if r completed and ErrRequestFailed if r was failed by
// the channel or canceled by CancelAll. If ctx is canceled first, Submit
// returns ErrInterrupted and r stays submitted; it will still be resolved
// later. In every case the caller keeps ownership of r and must Release it.
//
// Submit panics if r isn't in StateAllocated.
func (c *Client) Submit(ctx context.Context, r *Request) error {
	c.qmut.Lock()
	r.mut.Lock()
	if r.state != StateAllocated {
		state := r.state
		r.mut.Unlock()
		c.qmut.Unlock()
		panic(fmt.Sprintf("transport: submitting request in state %s", state))
	}

	// done is created before r is visible to the worker, so a completion can't
	// be missed between enqueueing and waiting.
	done := make(chan struct{})
	r.done = done
	r.state = StateSubmitted
	c.metrics.submitted.Inc()

	if c.exited {
		r.finish(StateError)
		r.mut.Unlock()
		c.qmut.Unlock()
		return fmt.Errorf("dispatch worker not running: %w", ErrRequestFailed)
	}

	r.refs++ // Held by the queue
	r.queued = true
	r.mut.Unlock()

	c.queue = append(c.queue, r)
	c.qcond.Signal()
	c.qmut.Unlock()

	select {
	case <-done:
	case <-ctx.Done():
		return ErrInterrupted
	}

	if r.State() != StateCompleted {
		return ErrRequestFailed
	}
	return nil
}

// Run runs the dispatch worker, sending queued requests one at a time through
// the active channel. Run blocks until ctx is canceled or Close is called.
// Requests still queued at exit are failed.
//
// Run should not be called again after it has exited.
func (c *Client) Run(ctx context.Context) error {
	c.qmut.Lock()
	if c.started {
		c.qmut.Unlock()
		return fmt.Errorf("dispatch worker already started")
	}
	c.started = true
	c.qmut.Unlock()
	defer close(c.workerCh)

	level.Debug(c.log).Log("msg", "dispatch worker starting")
	defer level.Debug(c.log).Log("msg", "dispatch worker exited")

	// Translate ctx cancellation into an exit request, since the worker waits
	// on a condition variable.
	stopped := make(chan struct{})
	defer close(stopped)
	go func() {
		select {
		case <-ctx.Done():
			c.qmut.Lock()
			c.exiting = true
			c.qcond.Broadcast()
			c.qmut.Unlock()
		case <-stopped:
		}
	}()

	for {
		c.qmut.Lock()
		for len(c.queue) == 0 && !c.exiting {
			c.qcond.Wait()
		}
		if c.exiting {
			c.exited = true
			c.drainLocked()
			c.qmut.Unlock()
			return nil
		}

		// The queue's reference transfers to the worker.
		r := c.queue[0]
		c.queue[0] = nil
		c.queue = c.queue[1:]

		r.mut.Lock()
		r.queued = false
		state := r.state
		r.mut.Unlock()

		if state == StateAbandoned || state == StateError {
			c.qmut.Unlock()
			c.unref(r)
			continue
		}
		c.qmut.Unlock()

		c.dispatch(ctx, r)
		c.unref(r)
	}
}

// dispatch sends r through the active channel.
func (c *Client) dispatch(ctx context.Context, r *Request) {
	// The channel only ever returns without resolving r if it's broken; make
	// sure the submitter is woken regardless.
	defer r.Fail()

	ch := c.channels.connected()
	if ch == nil {
		level.Debug(c.log).Log("msg", "no connected channel; failing request", "id", r.ID())
		return
	}

	if c.o.SendTimeout > 0 {
		var cancel context.CancelFunc
		ctx, cancel = context.WithTimeout(ctx, c.o.SendTimeout)
		defer cancel()
	}

	err := ch.Send(ctx, r)
	switch {
	case err == nil:
	case isNotSubmitted(err):
		level.Debug(c.log).Log("msg", "discarding reply for request resolved during send", "id", r.ID(), "channel", ch.Name())
	default:
		level.Warn(c.log).Log("msg", "channel failed during send", "channel", ch.Name(), "id", r.ID(), "err", err)
		c.channels.markDead(ch)
	}
}

// drainLocked fails every queued request. qmut must be held.
func (c *Client) drainLocked() {
	for _, r := range c.queue {
		r.mut.Lock()
		r.queued = false
		if r.state == StateSubmitted {
			r.finish(StateError)
		}
		r.mut.Unlock()
		c.unref(r)
	}
	if n := len(c.queue); n > 0 {
		level.Debug(c.log).Log("msg", "failed queued requests on exit", "count", n)
	}
	c.queue = nil
}

// dequeueLocked removes r from the work queue. qmut must be held.
func (c *Client) dequeueLocked(r *Request) {
	for i, q := range c.queue {
		if q != r {
			continue
		}
		copy(c.queue[i:], c.queue[i+1:])
		c.queue[len(c.queue)-1] = nil
		c.queue = c.queue[:len(c.queue)-1]
		return
	}
}

// queueLen returns the number of requests on the work queue.
func (c *Client) queueLen() int {
	c.qmut.Lock()
	defer c.qmut.Unlock()
	return len(c.queue)
}
