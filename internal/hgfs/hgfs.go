// Package hgfs holds the vocabulary shared by the guest side of a host/guest
// shared-folder filesystem: operation codes, status codes, the generic
// request and reply headers, and the interfaces a transport channel must
// implement.
//
// Requests are moved to the host by a Channel. See the subpackages for
// available channels: sock (a synchronous stream socket), grpchgfs (a gRPC
// stream) and loopback (in-process, for tests and local serving). The
// transport subpackage owns request objects and dispatches them to whichever
// channel is currently active.
package hgfs

import (
	"context"
	"errors"
)

// MaxPacketSize is the largest request or reply that may be exchanged with the
// host. A request and its reply share one buffer of this size.
const MaxPacketSize = 6144

// MaxIOSize is the largest read or write payload that fits in a single packet
// alongside its headers and message body.
const MaxIOSize = 4096

// ErrNotSubmitted is returned by Packet.Complete when the packet left the
// submitted state before the host replied, usually because it was canceled.
var ErrNotSubmitted = errors.New("hgfs: packet is no longer submitted")

// Packet is a single in-flight request as seen by a Channel.
type Packet interface {
	// ID returns the request ID of the packet.
	ID() uint32

	// Bytes returns the outbound request bytes.
	Bytes() []byte

	// Complete copies reply into the packet's buffer in place of the request
	// bytes and marks the packet completed. Returns ErrNotSubmitted if the
	// packet was resolved by someone else in the meantime; the reply is
	// discarded in that case.
	Complete(reply []byte) error

	// Fail marks the packet as failed. Fail is a no-op if the packet has
	// already been resolved.
	Fail()
}

// Channel is a transport endpoint used to move packets to and from the host.
// Exactly one Channel is active per transport client at a time.
type Channel interface {
	// Name returns a short, stable name for the channel used in logs and
	// metrics.
	Name() string

	// Open connects the channel. Open may be called again after Close to
	// reconnect.
	Open(ctx context.Context) error

	// Close disconnects the channel.
	Close() error

	// Allocate returns a buffer of size bytes suitable for use with Send.
	Allocate(size int) ([]byte, error)

	// Free returns a buffer previously obtained from Allocate.
	Free(buf []byte)

	// Send sends p to the host and blocks until the host responds or the
	// transport fails. On success the reply is handed to p.Complete. A
	// returned error means the channel is no longer usable.
	Send(ctx context.Context, p Packet) error
}

// ChannelStatus is the connection status of a Channel.
type ChannelStatus uint32

// Channel statuses.
const (
	ChannelUninitialized ChannelStatus = iota // Never opened
	ChannelNotConnected                       // Opened before but currently closed
	ChannelConnected                          // Ready for Send
	ChannelDead                               // Failed during Send; must be reopened
)

func (s ChannelStatus) String() string {
	switch s {
	case ChannelUninitialized:
		return "uninitialized"
	case ChannelNotConnected:
		return "not_connected"
	case ChannelConnected:
		return "connected"
	case ChannelDead:
		return "dead"
	default:
		return "unknown"
	}
}
