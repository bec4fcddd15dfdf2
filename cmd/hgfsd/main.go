// Command hgfsd serves a host directory to HGFS guests. Guests may connect
// with either the gRPC channel or the stream socket channel; both are served
// from the same listener.
package main

import (
	"context"
	"errors"
	"flag"
	"fmt"
	"net"
	"net/http"
	"os"
	"os/signal"
	"syscall"
	"time"

	_ "net/http/pprof" // anonymous import to get the pprof handler registered

	"github.com/go-kit/log"
	"github.com/go-kit/log/level"
	"github.com/gorilla/mux"
	"github.com/oklog/run"
	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/promhttp"
	"github.com/rfratto/hgfs/internal/cmdutil"
	"github.com/rfratto/hgfs/internal/hgfs"
	"github.com/rfratto/hgfs/internal/hgfs/grpchgfs"
	"github.com/rfratto/hgfs/internal/hgfs/hostsrv"
	"github.com/soheilhy/cmux"
	"google.golang.org/grpc"
	"google.golang.org/grpc/keepalive"
)

func main() {
	var (
		ll             cmdutil.LogLevel
		listenAddr     = "tcp://127.0.0.1:12195"
		httpAddr       = "127.0.0.1:8080"
		root           = "."
		requestTimeout = 15 * time.Second
		logRequests    bool
	)

	fs := flag.NewFlagSet(os.Args[0], flag.ExitOnError)
	fs.Var(&ll, "log.level", "Level to display logs at")
	fs.StringVar(&listenAddr, "listen.addr", listenAddr, "address to listen for guest traffic on. tcp:// and unix:// are supported")
	fs.StringVar(&httpAddr, "http.listen-addr", httpAddr, "address to serve metrics and pprof on")
	fs.StringVar(&root, "root", root, "host directory to share")
	fs.DurationVar(&requestTimeout, "server.request-timeout", requestTimeout, "maximum time to spend on a single request. 0 disables the timeout")
	fs.BoolVar(&logRequests, "server.log-requests", logRequests, "log every request handled")

	if err := fs.Parse(os.Args[1:]); err != nil {
		fmt.Fprintf(os.Stderr, "error parsing flags: %s\n", err.Error())
		os.Exit(1)
	}

	l := cmdutil.NewLogger(os.Stdout, ll, "hgfsd")

	var middleware []hostsrv.Middleware
	if logRequests {
		middleware = append(middleware, hostsrv.NewLoggingMiddleware(l))
	}
	hs, err := hostsrv.New(l, hostsrv.Options{
		ConcurrencyLimit: hostsrv.DefaultOptions.ConcurrencyLimit,
		RequestTimeout:   requestTimeout,
		Handler:          hostsrv.Passthrough(l, root),
		Middleware:       middleware,
		Registerer:       prometheus.DefaultRegisterer,
	})
	if err != nil {
		level.Error(l).Log("msg", "failed to create host server", "err", err)
		os.Exit(1)
	}

	// os.Exit skips deferred calls, so the server is closed before exiting.
	err = runServer(l, hs, listenAddr, httpAddr)
	if cerr := hs.Close(); cerr != nil {
		level.Warn(l).Log("msg", "failed to close host server", "err", cerr)
	}
	if err != nil {
		level.Error(l).Log("msg", "error running hgfsd", "err", err)
		os.Exit(1)
	}
}

func runServer(l log.Logger, hs *hostsrv.Server, listenAddr, httpAddr string) error {
	var group run.Group

	// Information server worker
	{
		lis, err := net.Listen("tcp", httpAddr)
		if err != nil {
			return fmt.Errorf("failed to create listener for HTTP server: %w", err)
		}

		r := mux.NewRouter()
		r.Handle("/metrics", promhttp.Handler())
		r.PathPrefix("/debug/pprof").Handler(http.DefaultServeMux)
		srv := http.Server{Handler: r}

		group.Add(func() error {
			level.Debug(l).Log("msg", "listening for http traffic", "addr", lis.Addr())
			err := srv.Serve(lis)
			if errors.Is(err, http.ErrServerClosed) {
				return nil
			}
			return err
		}, func(_ error) {
			shutdownCtx, shutdownCancel := context.WithTimeout(context.Background(), 30*time.Second)
			defer shutdownCancel()
			if err := srv.Shutdown(shutdownCtx); err != nil {
				_ = srv.Close()
			}
		})
	}

	network, address, err := hgfs.ParseAddr(listenAddr)
	if err != nil {
		return err
	}
	if network == "unix" {
		// Remove a stale socket from a previous run.
		_ = os.Remove(address)
	}
	lis, err := net.Listen(network, address)
	if err != nil {
		return fmt.Errorf("failed to create listener for guest traffic: %w", err)
	}
	level.Info(l).Log("msg", "listening for guest traffic", "network", network, "addr", lis.Addr())

	addGuestWorkers(&group, l, hs, lis)

	// signal worker
	{
		ctx, cancel := context.WithCancel(context.Background())

		group.Add(func() error {
			ch := make(chan os.Signal, 2)
			signal.Notify(ch, os.Interrupt, syscall.SIGTERM)
			defer signal.Stop(ch)

			select {
			case <-ch:
				level.Info(l).Log("msg", "received shutdown signal")
			case <-ctx.Done():
			}
			return nil
		}, func(_ error) {
			cancel()
		})
	}

	return group.Run()
}

// addGuestWorkers adds workers to group which serve guests connecting to lis
// with any supported channel.
func addGuestWorkers(group *run.Group, l log.Logger, hs *hostsrv.Server, lis net.Listener) {
	if l == nil {
		l = log.NewNopLogger()
	}

	// gRPC is matched first; anything else is treated as a framed stream
	// socket.
	m := cmux.New(lis)
	grpcL := m.MatchWithWriters(cmux.HTTP2MatchHeaderFieldSendSettings("content-type", "application/grpc"))
	sockL := m.Match(cmux.Any())

	// Connection multiplexer worker
	{
		group.Add(func() error {
			err := m.Serve()
			if errors.Is(err, net.ErrClosed) {
				return nil
			}
			return err
		}, func(_ error) {
			_ = lis.Close()
		})
	}

	// gRPC worker
	{
		srv := grpc.NewServer(
			grpc.KeepaliveEnforcementPolicy(keepalive.EnforcementPolicy{
				MinTime:             10 * time.Second,
				PermitWithoutStream: true,
			}),
		)
		grpchgfs.RegisterTransportServer(srv, grpchgfs.NewServer(l, hs))

		group.Add(func() error {
			err := srv.Serve(grpcL)
			if errors.Is(err, cmux.ErrListenerClosed) {
				return nil
			}
			return err
		}, func(_ error) {
			srv.Stop()
		})
	}

	// Stream socket worker
	{
		ctx, cancel := context.WithCancel(context.Background())

		group.Add(func() error {
			for {
				conn, err := sockL.Accept()
				if ctx.Err() != nil || errors.Is(err, cmux.ErrListenerClosed) {
					return nil
				} else if err != nil {
					return err
				}

				go func() {
					cl := log.With(l, "remote", conn.RemoteAddr())
					level.Debug(cl).Log("msg", "serving stream socket")
					err := hs.Serve(ctx, hostsrv.NewStreamTransport(conn))
					level.Debug(cl).Log("msg", "stream socket exited", "err", err)
				}()
			}
		}, func(_ error) {
			cancel()
			_ = sockL.Close()
		})
	}
}
