// Package sock implements a synchronous hgfs.Channel over a stream socket.
// Each Send writes one request frame and blocks until the matching reply
// frame is read back.
package sock

import (
	"context"
	"fmt"
	"net"
	"sync"
	"time"

	"github.com/go-kit/log"
	"github.com/go-kit/log/level"
	"github.com/rfratto/hgfs/internal/hgfs"
)

// Options configures a Channel.
type Options struct {
	// Address of the host, as a URL. tcp:// and unix:// are supported.
	Address string

	// DialTimeout bounds connecting to the host. 0 means to never time out.
	DialTimeout time.Duration
}

// DefaultOptions holds defaults for Channel.
var DefaultOptions = Options{
	Address:     "tcp://127.0.0.1:12195",
	DialTimeout: 5 * time.Second,
}

// Channel is a stream socket hgfs.Channel.
type Channel struct {
	log     log.Logger
	network string
	address string
	o       Options

	mut  sync.Mutex
	conn net.Conn
	fc   *hgfs.FrameConn
}

var _ hgfs.Channel = (*Channel)(nil)

// New creates a new Channel. The connection isn't made until Open is called.
func New(l log.Logger, o Options) (*Channel, error) {
	if l == nil {
		l = log.NewNopLogger()
	}
	network, address, err := hgfs.ParseAddr(o.Address)
	if err != nil {
		return nil, err
	}
	return &Channel{
		log:     l,
		network: network,
		address: address,
		o:       o,
	}, nil
}

// Name implements hgfs.Channel.
func (c *Channel) Name() string { return "sock" }

// Open implements hgfs.Channel. Open is a no-op if the channel is already
// connected.
func (c *Channel) Open(ctx context.Context) error {
	c.mut.Lock()
	defer c.mut.Unlock()

	if c.conn != nil {
		return nil
	}

	d := net.Dialer{Timeout: c.o.DialTimeout}
	conn, err := d.DialContext(ctx, c.network, c.address)
	if err != nil {
		return fmt.Errorf("dialing %s %s: %w", c.network, c.address, err)
	}
	level.Debug(c.log).Log("msg", "connected to host", "network", c.network, "addr", c.address)

	c.conn = conn
	c.fc = hgfs.NewFrameConn(conn)
	return nil
}

// Close implements hgfs.Channel.
func (c *Channel) Close() error {
	c.mut.Lock()
	defer c.mut.Unlock()

	if c.conn == nil {
		return nil
	}
	err := c.fc.Close()
	c.conn, c.fc = nil, nil
	return err
}

// Allocate implements hgfs.Channel.
func (c *Channel) Allocate(size int) ([]byte, error) { return make([]byte, size), nil }

// Free implements hgfs.Channel.
func (c *Channel) Free([]byte) {}

// Send implements hgfs.Channel. Any error leaves the connection unusable and
// the channel should be closed.
func (c *Channel) Send(ctx context.Context, p hgfs.Packet) error {
	c.mut.Lock()
	defer c.mut.Unlock()

	if c.conn == nil {
		return fmt.Errorf("sock channel not connected: %w", hgfs.ErrorTransport)
	}

	// Canceling ctx interrupts any blocked read or write by moving the
	// deadline into the past.
	deadline, _ := ctx.Deadline()
	_ = c.conn.SetDeadline(deadline)

	finished := make(chan struct{})
	defer close(finished)
	go func(conn net.Conn) {
		select {
		case <-ctx.Done():
			_ = conn.SetDeadline(time.Unix(1, 0))
		case <-finished:
		}
	}(c.conn)

	req := p.Bytes()
	if err := c.fc.WriteFrame(req); err != nil {
		return fmt.Errorf("writing request: %w", err)
	}
	reply, err := c.fc.ReadFrame()
	if err != nil {
		return fmt.Errorf("reading reply: %w", err)
	}
	if err := hgfs.CheckReply(req, reply); err != nil {
		return err
	}
	return p.Complete(reply)
}
