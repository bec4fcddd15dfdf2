// Package hostsrv implements the host side of HGFS: it reads request packets
// from a guest, passes them to a Handler, and writes back replies.
package hostsrv

import (
	"context"
	"errors"
	"fmt"
	"io"
	"os"
	"sync"
	"syscall"
	"time"

	"github.com/go-kit/log"
	"github.com/go-kit/log/level"
	"github.com/hashicorp/go-multierror"
	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/promauto"
	"github.com/rfratto/hgfs/internal/hgfs"
)

// Handler processes requests from guests. Handler is passed to New, and its
// methods are invoked as requests come in. Handler methods may be called
// concurrently.
type Handler interface {
	// Close is called when closing the Server.
	Close() error

	Getattr(context.Context, *hgfs.RequestHeader, *hgfs.GetattrRequest) (*hgfs.Attr, error)
	Open(context.Context, *hgfs.RequestHeader, *hgfs.OpenRequest) (*hgfs.OpenReply, error)
	Read(context.Context, *hgfs.RequestHeader, *hgfs.ReadRequest) (*hgfs.ReadReply, error)
	Write(context.Context, *hgfs.RequestHeader, *hgfs.WriteRequest) (*hgfs.WriteReply, error)
	Release(context.Context, *hgfs.RequestHeader, *hgfs.CloseRequest) error
	ReadDir(context.Context, *hgfs.RequestHeader, *hgfs.ReadDirRequest) (*hgfs.ReadDirReply, error)
}

// Transport carries packets between a guest and the Server.
type Transport interface {
	// RecvRequest returns the next request packet. io.EOF is returned once the
	// guest disconnects.
	RecvRequest() ([]byte, error)

	// SendReply sends a reply packet to the guest.
	SendReply([]byte) error

	// Close the connection.
	Close() error
}

// Options configures a Server.
type Options struct {
	// ConcurrencyLimit is the maximum number of concurrent requests a Server can
	// run per connection. If ConcurrencyLimit is <= 0, it will obtain its
	// default from DefaultOptions.
	ConcurrencyLimit int

	// RequestTimeout will force a request to abort after a given amount of time.
	// 0 means to never time out.
	RequestTimeout time.Duration

	// Handler is used for handling individual requests. The Server takes
	// ownership of Handler and closes it in Close.
	Handler Handler

	// Optional middleware to preprocess requests with.
	Middleware []Middleware

	// Registerer to register metrics against. May be nil.
	Registerer prometheus.Registerer
}

// DefaultOptions provides defaults for Server.
var DefaultOptions = Options{
	ConcurrencyLimit: 64,
}

// Server is an HGFS host server, which asynchronously handles requests from
// transports by passing them to a Handler.
type Server struct {
	log log.Logger
	o   Options

	// The middleware to execute before the handler
	mw      Middleware
	handler Invoker

	requests *prometheus.CounterVec
}

// New creates a new Server. Call Serve for each connected guest.
func New(l log.Logger, o Options) (*Server, error) {
	if o.Handler == nil {
		return nil, fmt.Errorf("Handler must be set")
	}
	if o.ConcurrencyLimit <= 0 {
		o.ConcurrencyLimit = DefaultOptions.ConcurrencyLimit
	}
	if l == nil {
		l = log.NewNopLogger()
	}

	return &Server{
		log:     l,
		o:       o,
		mw:      chainMiddleware(o.Middleware),
		handler: handlerInvoker(o.Handler),

		requests: promauto.With(o.Registerer).NewCounterVec(prometheus.CounterOpts{
			Name: "hgfs_host_requests_total",
			Help: "Total number of requests handled by the host server.",
		}, []string{"op", "status"}),
	}, nil
}

// Serve handles requests from t until t returns an error, the guest
// disconnects, or ctx is canceled. Serve closes t before returning.
func (s *Server) Serve(ctx context.Context, t Transport) error {
	// Receiving isn't cancelable, so t is closed from a dedicated goroutine
	// once ctx is done. Serve doesn't return until it has exited.
	exited := make(chan struct{})
	defer func() { <-exited }()

	ctx, cancel := context.WithCancel(ctx)
	defer cancel()
	go func() {
		defer close(exited)
		<-ctx.Done()

		if err := t.Close(); err != nil {
			level.Debug(s.log).Log("msg", "error when closing transport", "err", err)
		}
	}()

	var (
		runningWorkers sync.WaitGroup
		taskCh         = make(chan []byte, s.o.ConcurrencyLimit)
	)
	for i := 0; i < s.o.ConcurrencyLimit; i++ {
		runningWorkers.Add(1)
		go func() {
			defer runningWorkers.Done()

			for {
				select {
				case <-ctx.Done():
					return
				case frame := <-taskCh:
					s.serveFrame(ctx, t, frame)
				}
			}
		}()
	}
	defer func() {
		// Stop all of our workers.
		cancel()
		runningWorkers.Wait()
	}()

	for {
		if ctx.Err() != nil {
			level.Debug(s.log).Log("msg", "context canceled, breaking out of server read loop")
			return nil
		}

		frame, err := t.RecvRequest()
		if errors.Is(err, io.EOF) {
			level.Debug(s.log).Log("msg", "got EOF from transport; exiting")
			return nil
		} else if err != nil {
			if ctx.Err() != nil {
				return nil
			}
			level.Error(s.log).Log("msg", "got error from transport; exiting", "err", err)
			return err
		}

		select {
		case taskCh <- frame:
		case <-ctx.Done():
			return nil
		}
	}
}

func (s *Server) serveFrame(ctx context.Context, t Transport, frame []byte) {
	reply, err := s.HandleFrame(ctx, frame)
	if err != nil {
		level.Warn(s.log).Log("msg", "dropping malformed request", "err", err)
		return
	}
	if err := t.SendReply(reply); err != nil {
		level.Error(s.log).Log("msg", "failed to write reply to transport", "err", err)
	}
}

// HandleFrame handles a single request packet and returns the reply packet.
// An error is only returned if the request header can't be read, in which
// case there is nobody to address a reply to.
func (s *Server) HandleFrame(ctx context.Context, frame []byte) ([]byte, error) {
	hdr, err := hgfs.DecodeRequestHeader(frame)
	if err != nil {
		return nil, err
	}

	if s.o.RequestTimeout > 0 {
		var cancel context.CancelFunc
		ctx, cancel = context.WithTimeout(ctx, s.o.RequestTimeout)
		defer cancel()
	}

	var resp Response
	req, err := decodeRequest(hdr.Op, frame)
	if err == nil {
		resp, err = s.mw.HandleRequest(ctx, &hdr, req, s.handler)
	}
	return s.encodeReply(hdr, resp, err), nil
}

func (s *Server) encodeReply(hdr hgfs.RequestHeader, resp Response, err error) []byte {
	status := errorForResponse(err)
	if status != 0 {
		resp = nil
	}

	buf := make([]byte, hgfs.MaxPacketSize)
	n, encErr := hgfs.EncodeReply(buf, hgfs.ReplyHeader{ID: hdr.ID, Status: status}, resp)
	if encErr != nil {
		level.Error(s.log).Log("msg", "failed to encode reply", "op", hdr.Op, "id", hdr.ID, "err", encErr)
		status = hgfs.ErrorProtocol
		n, _ = hgfs.EncodeReply(buf, hgfs.ReplyHeader{ID: hdr.ID, Status: status}, nil)
	}

	s.requests.WithLabelValues(hdr.Op.String(), statusLabel(status)).Inc()
	return buf[:n]
}

// Close closes the Handler.
func (s *Server) Close() error {
	var errs *multierror.Error
	if err := s.o.Handler.Close(); err != nil {
		errs = multierror.Append(errs, fmt.Errorf("closing handler: %w", err))
	}
	return errs.ErrorOrNil()
}

func statusLabel(status hgfs.Error) string {
	if status == 0 {
		return "success"
	}
	return status.Error()
}

func errorForResponse(err error) hgfs.Error {
	if err == nil {
		return 0
	}

	// Check for common system-level errors.
	switch {
	case errors.Is(err, context.DeadlineExceeded):
		return hgfs.ErrorTransport
	case errors.Is(err, context.Canceled):
		return hgfs.ErrorTransport
	case errors.Is(err, syscall.ENOTDIR):
		return hgfs.ErrorNotDirectory
	case errors.Is(err, syscall.ENOTEMPTY): // Also matches os.ErrExist
		return hgfs.ErrorNotEmpty
	case errors.Is(err, syscall.ENOSPC):
		return hgfs.ErrorNoSpace
	case errors.Is(err, syscall.ENAMETOOLONG):
		return hgfs.ErrorNameTooLong
	case os.IsNotExist(err):
		return hgfs.ErrorNoSuchFile
	case os.IsExist(err):
		return hgfs.ErrorFileExists
	case os.IsPermission(err):
		return hgfs.ErrorAccessDenied
	case errors.Is(err, os.ErrNotExist):
		return hgfs.ErrorNoSuchFile
	case errors.Is(err, os.ErrClosed):
		return hgfs.ErrorInvalidHandle
	}

	var he hgfs.Error
	if errors.As(err, &he) && !he.Local() {
		return he
	}
	return hgfs.ErrorGeneric
}
