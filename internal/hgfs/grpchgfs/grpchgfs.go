// Package grpchgfs carries HGFS packets over a bidirectional gRPC stream.
//
// The client side is an hgfs.Channel. Requests are written to the stream as
// they are sent and replies are matched back to their request by ID, so the
// host may answer out of order.
package grpchgfs

import (
	"context"
	"errors"
	"fmt"
	"io"
	"net"
	"sync"
	"time"

	"github.com/go-kit/log"
	"github.com/go-kit/log/level"
	"github.com/rfratto/hgfs/internal/hgfs"
	"github.com/rfratto/hgfs/internal/hgfs/hostsrv"
	"google.golang.org/grpc"
	"google.golang.org/grpc/codes"
	"google.golang.org/grpc/credentials/insecure"
	"google.golang.org/grpc/keepalive"
	"google.golang.org/grpc/status"
	"google.golang.org/protobuf/types/known/wrapperspb"
)

// Options configures a Channel.
type Options struct {
	// Address of the host, as a URL. tcp:// and unix:// are supported.
	Address string

	// DialTimeout bounds connecting to the host. 0 means to never time out.
	DialTimeout time.Duration

	// Extra options to pass when dialing. Options given here override the
	// defaults.
	DialOptions []grpc.DialOption
}

// DefaultOptions holds defaults for Channel.
var DefaultOptions = Options{
	Address:     "tcp://127.0.0.1:12195",
	DialTimeout: 5 * time.Second,
}

// Channel is a gRPC hgfs.Channel.
type Channel struct {
	log     log.Logger
	network string
	address string
	o       Options

	mut    sync.Mutex
	conn   *grpc.ClientConn
	stream Transport_StreamClient
	cancel context.CancelFunc
	closed chan struct{} // Closed when the receive loop exits

	sendMut  sync.Mutex
	inflight sync.Map // map[uint32]chan<- []byte
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
func (c *Channel) Name() string { return "grpc" }

// Open implements hgfs.Channel. Open blocks until the connection is
// established. Open is a no-op if the channel is already connected.
func (c *Channel) Open(ctx context.Context) (err error) {
	c.mut.Lock()
	defer c.mut.Unlock()

	if c.conn != nil {
		return nil
	}

	if c.o.DialTimeout > 0 {
		var cancel context.CancelFunc
		ctx, cancel = context.WithTimeout(ctx, c.o.DialTimeout)
		defer cancel()
	}

	network := c.network
	opts := []grpc.DialOption{
		grpc.WithBlock(),
		grpc.WithTransportCredentials(insecure.NewCredentials()),
		grpc.WithKeepaliveParams(keepalive.ClientParameters{
			Time:                30 * time.Second,
			Timeout:             10 * time.Second,
			PermitWithoutStream: true,
		}),
		grpc.WithContextDialer(func(ctx context.Context, addr string) (net.Conn, error) {
			var d net.Dialer
			return d.DialContext(ctx, network, addr)
		}),
	}
	opts = append(opts, c.o.DialOptions...)

	conn, err := grpc.DialContext(ctx, c.address, opts...)
	if err != nil {
		return fmt.Errorf("dialing %s %s: %w", c.network, c.address, err)
	}
	defer func() {
		if err != nil {
			_ = conn.Close()
		}
	}()

	// The stream outlives the ctx passed to Open.
	streamCtx, cancel := context.WithCancel(context.Background())
	stream, err := NewTransportClient(conn).Stream(streamCtx)
	if err != nil {
		cancel()
		return fmt.Errorf("opening stream: %w", err)
	}
	level.Debug(c.log).Log("msg", "connected to host", "network", c.network, "addr", c.address)

	c.conn = conn
	c.stream = stream
	c.cancel = cancel
	c.closed = make(chan struct{})
	go c.recvLoop(stream, c.closed)
	return nil
}

// recvLoop reads replies from stream and forwards them to waiting senders.
func (c *Channel) recvLoop(stream Transport_StreamClient, closed chan struct{}) {
	defer close(closed)

	for {
		msg, err := stream.Recv()
		if s, ok := status.FromError(err); ok && s.Code() == codes.Canceled {
			return
		} else if errors.Is(err, io.EOF) {
			level.Debug(c.log).Log("msg", "host closed stream")
			return
		} else if err != nil {
			level.Warn(c.log).Log("msg", "got read error from gRPC stream", "err", err)
			return
		}

		reply := msg.GetValue()
		hdr, err := hgfs.DecodeReplyHeader(reply)
		if err != nil {
			level.Warn(c.log).Log("msg", "failed to decode reply from gRPC stream", "err", err)
			continue
		}

		val, found := c.inflight.LoadAndDelete(hdr.ID)
		if !found {
			level.Warn(c.log).Log("msg", "got reply that doesn't match up to a request", "id", hdr.ID)
			continue
		}
		val.(chan<- []byte) <- reply
	}
}

// Close implements hgfs.Channel.
func (c *Channel) Close() error {
	c.mut.Lock()
	defer c.mut.Unlock()

	if c.conn == nil {
		return nil
	}

	c.sendMut.Lock()
	_ = c.stream.CloseSend()
	c.sendMut.Unlock()

	c.cancel()
	err := c.conn.Close()
	<-c.closed

	c.conn, c.stream, c.cancel = nil, nil, nil
	return err
}

// Allocate implements hgfs.Channel.
func (c *Channel) Allocate(size int) ([]byte, error) { return make([]byte, size), nil }

// Free implements hgfs.Channel.
func (c *Channel) Free([]byte) {}

// Send implements hgfs.Channel. Send blocks until the reply for p arrives,
// the stream fails, or ctx is canceled.
func (c *Channel) Send(ctx context.Context, p hgfs.Packet) error {
	c.mut.Lock()
	stream, closed := c.stream, c.closed
	c.mut.Unlock()
	if stream == nil {
		return fmt.Errorf("grpc channel not connected: %w", hgfs.ErrorTransport)
	}

	req := append([]byte(nil), p.Bytes()...)
	hdr, err := hgfs.DecodeRequestHeader(req)
	if err != nil {
		return err
	}

	// Buffered so the receive loop never blocks on a sender that gave up.
	replyCh := make(chan []byte, 1)
	if _, loaded := c.inflight.LoadOrStore(hdr.ID, (chan<- []byte)(replyCh)); loaded {
		return fmt.Errorf("request %d already in flight: %w", hdr.ID, hgfs.ErrorProtocol)
	}
	defer c.inflight.Delete(hdr.ID)

	c.sendMut.Lock()
	err = stream.Send(&wrapperspb.BytesValue{Value: req})
	c.sendMut.Unlock()
	if err != nil {
		return fmt.Errorf("failed to send request: %w", err)
	}

	select {
	case reply := <-replyCh:
		if err := hgfs.CheckReply(req, reply); err != nil {
			return err
		}
		return p.Complete(reply)
	case <-closed:
		return fmt.Errorf("stream closed while waiting for reply: %w", hgfs.ErrorTransport)
	case <-ctx.Done():
		return ctx.Err()
	}
}

// NewServer returns a TransportServer which serves each stream with srv.
func NewServer(l log.Logger, srv *hostsrv.Server) TransportServer {
	if l == nil {
		l = log.NewNopLogger()
	}
	return &transportServer{log: l, srv: srv}
}

type transportServer struct {
	log log.Logger
	srv *hostsrv.Server
}

func (ts *transportServer) Stream(stream Transport_StreamServer) error {
	level.Debug(ts.log).Log("msg", "serving gRPC stream")
	err := ts.srv.Serve(stream.Context(), &serverTransport{stream: stream})
	level.Debug(ts.log).Log("msg", "gRPC stream exited", "err", err)
	return err
}

// serverTransport adapts the server side of a stream into a
// hostsrv.Transport.
type serverTransport struct {
	stream Transport_StreamServer
	wmut   sync.Mutex
}

func (st *serverTransport) RecvRequest() ([]byte, error) {
	msg, err := st.stream.Recv()
	if s, ok := status.FromError(err); ok && s.Code() == codes.Canceled {
		return nil, io.EOF
	} else if err != nil {
		return nil, err
	}
	return msg.GetValue(), nil
}

func (st *serverTransport) SendReply(p []byte) error {
	st.wmut.Lock()
	defer st.wmut.Unlock()
	return st.stream.Send(&wrapperspb.BytesValue{Value: p})
}

// Close is a no-op; the stream is closed when its handler returns.
func (st *serverTransport) Close() error { return nil }
