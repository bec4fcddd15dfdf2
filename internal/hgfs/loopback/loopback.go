// Package loopback implements an hgfs.Channel which hands packets directly to
// an in-process host server.
package loopback

import (
	"context"
	"fmt"

	"github.com/rfratto/hgfs/internal/hgfs"
	"go.uber.org/atomic"
)

// Handler handles a single request packet, returning the reply packet.
// *hostsrv.Server implements Handler.
type Handler interface {
	HandleFrame(ctx context.Context, frame []byte) ([]byte, error)
}

// Channel is an in-process hgfs.Channel.
type Channel struct {
	name string
	h    Handler

	open atomic.Bool
}

var _ hgfs.Channel = (*Channel)(nil)

// New creates a new loopback Channel named name which sends packets to h.
func New(name string, h Handler) *Channel {
	return &Channel{name: name, h: h}
}

// Name implements hgfs.Channel.
func (c *Channel) Name() string { return c.name }

// Open implements hgfs.Channel.
func (c *Channel) Open(context.Context) error {
	c.open.Store(true)
	return nil
}

// Close implements hgfs.Channel.
func (c *Channel) Close() error {
	c.open.Store(false)
	return nil
}

// Allocate implements hgfs.Channel.
func (c *Channel) Allocate(size int) ([]byte, error) { return make([]byte, size), nil }

// Free implements hgfs.Channel.
func (c *Channel) Free([]byte) {}

// Send implements hgfs.Channel. The request is handled synchronously.
func (c *Channel) Send(ctx context.Context, p hgfs.Packet) error {
	if !c.open.Load() {
		return fmt.Errorf("channel %s is closed: %w", c.name, hgfs.ErrorTransport)
	}

	// The host gets its own copy; p may be abandoned while it's handled.
	req := append([]byte(nil), p.Bytes()...)
	reply, err := c.h.HandleFrame(ctx, req)
	if err != nil {
		return err
	}
	if err := hgfs.CheckReply(req, reply); err != nil {
		return err
	}
	return p.Complete(reply)
}
