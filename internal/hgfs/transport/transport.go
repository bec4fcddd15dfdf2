// Package transport implements the request side of the HGFS guest client.
//
// A Client owns a pool of request objects, a single dispatch worker and the
// currently active Channel. Each mount creates a Container to track the
// requests it owns. A typical call looks like:
//
//	req, err := client.Allocate(ctx, container)
//	// write the request into req.Payload() and call req.SetPayloadSize
//	err = client.Submit(ctx, req)
//	// read the reply from req.Reply()
//	client.Release(container, req)
//
// Lock ordering is always container, then queue, then request. The pool and
// channel locks are never held while acquiring any of those.
package transport

import (
	"context"
	"errors"
	"fmt"
	"sync"
	"time"

	"github.com/go-kit/log"
	"github.com/go-kit/log/level"
	"github.com/hashicorp/go-multierror"
	"github.com/prometheus/client_golang/prometheus"
	"github.com/rfratto/hgfs/internal/hgfs"
	"go.uber.org/atomic"
)

// Errors returned by the Client.
var (
	ErrNoChannel     = fmt.Errorf("no channel could be connected: %w", hgfs.ErrorTransport)
	ErrNoMemory      = fmt.Errorf("request pool exhausted: %w", hgfs.ErrorNoMemory)
	ErrInterrupted   = fmt.Errorf("wait for reply interrupted: %w", hgfs.ErrorInterrupted)
	ErrRequestFailed = fmt.Errorf("request failed: %w", hgfs.ErrorTransport)
	ErrBusy          = fmt.Errorf("container has outstanding requests: %w", hgfs.ErrorBusy)
)

// Options configures a Client.
type Options struct {
	// Channels are the candidate channels in order of preference. The first
	// channel which opens successfully becomes active. The last entry should
	// be a channel which is always available.
	Channels []hgfs.Channel

	// MaxRequests is the maximum number of request objects that may be live
	// at once. If MaxRequests <= 0, it will obtain its default from
	// DefaultOptions.
	MaxRequests int

	// MaxCachedRequests is the number of freed request objects kept for
	// reuse. Negative values disable caching.
	MaxCachedRequests int

	// SendTimeout bounds a single Send on the active channel. 0 means to
	// never time out.
	SendTimeout time.Duration

	// Registerer to register metrics against. May be nil.
	Registerer prometheus.Registerer
}

// DefaultOptions provides defaults for Client.
var DefaultOptions = Options{
	MaxRequests:       256,
	MaxCachedRequests: 32,
}

// Client is the shared context for requests: it owns the request pool, the
// work queue consumed by the dispatch worker, and the active channel.
type Client struct {
	log     log.Logger
	o       Options
	metrics *metrics

	channels *channelSet
	nextID   atomic.Uint32

	// Pool state.
	poolMut sync.Mutex
	free    []*Request
	live    int

	// Work queue state. qcond is signaled when the queue becomes non-empty or
	// exiting is set.
	qmut     sync.Mutex
	qcond    *sync.Cond
	queue    []*Request
	started  bool // Run has been called
	exiting  bool // Worker has been asked to exit
	exited   bool // Worker has exited; new submissions fail immediately
	workerCh chan struct{}

	closed atomic.Bool
}

// New creates a new Client. Call Run to start the dispatch worker.
func New(l log.Logger, o Options) (*Client, error) {
	if len(o.Channels) == 0 {
		return nil, fmt.Errorf("at least one channel must be provided")
	}
	if o.MaxRequests <= 0 {
		o.MaxRequests = DefaultOptions.MaxRequests
	}
	if l == nil {
		l = log.NewNopLogger()
	}

	m := newMetrics(o.Registerer)
	c := &Client{
		log:      l,
		o:        o,
		metrics:  m,
		channels: newChannelSet(l, m, o.Channels),
		workerCh: make(chan struct{}),
	}
	c.qcond = sync.NewCond(&c.qmut)
	return c, nil
}

// NewContainer creates a new Container for tracking the requests of a single
// mount.
func (c *Client) NewContainer() *Container {
	return &Container{
		client: c,
		reqs:   make(map[*Request]struct{}),
	}
}

// ActiveChannel returns the name and status of the active channel. name is
// empty if no channel is active.
func (c *Client) ActiveChannel() (name string, status hgfs.ChannelStatus) {
	return c.channels.activeStatus()
}

// Call performs a full request round trip: a request object is allocated from
// ct, filled with a header for op followed by body, submitted, and released.
// The body of the reply is returned. A non-success status in the reply header
// is returned as an hgfs.Error.
func (c *Client) Call(ctx context.Context, ct *Container, op hgfs.Op, body []byte) ([]byte, error) {
	req, err := c.Allocate(ctx, ct)
	if err != nil {
		return nil, err
	}
	defer c.Release(ct, req)

	payload := req.Payload()
	n, err := hgfs.RequestHeader{ID: req.ID(), Op: op}.MarshalTo(payload)
	if err != nil {
		return nil, err
	}
	if n+len(body) > len(payload) {
		return nil, fmt.Errorf("%s body of %d bytes does not fit in packet: %w", op, len(body), hgfs.ErrorInvalidParameter)
	}
	n += copy(payload[n:], body)
	if err := req.SetPayloadSize(n); err != nil {
		return nil, err
	}

	if err := c.Submit(ctx, req); err != nil {
		return nil, err
	}
	reply, err := req.Reply()
	if err != nil {
		return nil, err
	}
	hdr, err := hgfs.DecodeReplyHeader(reply)
	if err != nil {
		return nil, err
	}
	if err := hdr.Err(); err != nil {
		return nil, err
	}

	// Copy the body out; the buffer goes back to the pool on release.
	out := make([]byte, len(reply)-hgfs.ReplyHeaderSize)
	copy(out, reply[hgfs.ReplyHeaderSize:])
	return out, nil
}

// Close stops the dispatch worker and closes the active channel. Requests
// still waiting for dispatch are failed. Close waits for Run to exit if it
// was started.
func (c *Client) Close() error {
	if !c.closed.CAS(false, true) {
		return nil
	}

	c.qmut.Lock()
	c.exiting = true
	c.qcond.Broadcast()
	started := c.started
	if !started {
		c.exited = true
		c.drainLocked()
	}
	c.qmut.Unlock()

	if started {
		<-c.workerCh
	}

	var errs *multierror.Error
	if err := c.channels.close(); err != nil {
		errs = multierror.Append(errs, err)
	}
	level.Debug(c.log).Log("msg", "transport client closed", "err", errs.ErrorOrNil())
	return errs.ErrorOrNil()
}

func isNotSubmitted(err error) bool { return errors.Is(err, hgfs.ErrNotSubmitted) }
