// Command hgfscli is a small guest-side client for an HGFS host. It connects
// through the first channel that can be opened and runs a single command
// against the share.
package main

import (
	"context"
	"flag"
	"fmt"
	"os"
	"strings"
	"time"

	"github.com/go-kit/log"
	"github.com/go-kit/log/level"
	"github.com/oklog/run"
	"github.com/rfratto/hgfs/internal/cmdutil"
	"github.com/rfratto/hgfs/internal/hgfs"
	"github.com/rfratto/hgfs/internal/hgfs/grpchgfs"
	"github.com/rfratto/hgfs/internal/hgfs/mount"
	"github.com/rfratto/hgfs/internal/hgfs/sock"
	"github.com/rfratto/hgfs/internal/hgfs/transport"
)

func main() {
	var (
		ll       cmdutil.LogLevel
		hostAddr = grpchgfs.DefaultOptions.Address
		channels = "grpc,sock"
		timeout  = 30 * time.Second
	)

	fs := flag.NewFlagSet(os.Args[0], flag.ExitOnError)
	fs.Var(&ll, "log.level", "Level to display logs at")
	fs.StringVar(&hostAddr, "host.addr", hostAddr, "address of the HGFS host")
	fs.StringVar(&channels, "channels", channels, "comma-separated channels to try, in order of preference")
	fs.DurationVar(&timeout, "timeout", timeout, "timeout for the whole command")
	fs.Usage = func() {
		fmt.Fprintf(fs.Output(), "usage: %s [flags] <command> [args]\n\ncommands:\n", os.Args[0])
		for _, c := range commands {
			fmt.Fprintf(fs.Output(), "  %-18s %s\n", c.usage, c.help)
		}
		fmt.Fprintf(fs.Output(), "\nflags:\n")
		fs.PrintDefaults()
	}

	if err := fs.Parse(os.Args[1:]); err != nil {
		fmt.Fprintf(os.Stderr, "error parsing flags: %s\n", err.Error())
		os.Exit(1)
	}
	if fs.NArg() == 0 {
		fs.Usage()
		os.Exit(1)
	}
	cmd, ok := findCommand(fs.Arg(0))
	if !ok {
		fmt.Fprintf(os.Stderr, "unknown command %q\n", fs.Arg(0))
		fs.Usage()
		os.Exit(1)
	}
	if args := fs.Args()[1:]; len(args) != cmd.nargs {
		fmt.Fprintf(os.Stderr, "usage: %s [flags] %s\n", os.Args[0], cmd.usage)
		os.Exit(1)
	}

	l := cmdutil.NewLogger(os.Stderr, ll, "hgfscli")

	chs, err := buildChannels(l, strings.Split(channels, ","), hostAddr)
	if err != nil {
		level.Error(l).Log("msg", "invalid channel configuration", "err", err)
		os.Exit(1)
	}
	cli, err := transport.New(l, transport.Options{Channels: chs})
	if err != nil {
		level.Error(l).Log("msg", "failed to create transport client", "err", err)
		os.Exit(1)
	}

	var group run.Group

	// Dispatch worker
	{
		ctx, cancel := context.WithCancel(context.Background())
		group.Add(func() error {
			return cli.Run(ctx)
		}, func(_ error) {
			cancel()
			_ = cli.Close()
		})
	}

	// Command worker
	{
		ctx, cancel := context.WithTimeout(context.Background(), timeout)
		group.Add(func() error {
			m := mount.New(l, cli, nil)
			defer func() {
				if err := m.Unmount(context.Background(), true); err != nil {
					level.Warn(l).Log("msg", "failed to unmount share", "err", err)
				}
			}()
			return cmd.run(ctx, m, os.Stdout, fs.Args()[1:])
		}, func(_ error) {
			cancel()
		})
	}

	if err := group.Run(); err != nil {
		level.Error(l).Log("msg", "command failed", "cmd", cmd.name, "err", err)
		os.Exit(1)
	}
}

func buildChannels(l log.Logger, names []string, addr string) ([]hgfs.Channel, error) {
	if l == nil {
		l = log.NewNopLogger()
	}

	var chs []hgfs.Channel
	for _, name := range names {
		switch strings.TrimSpace(name) {
		case "grpc":
			o := grpchgfs.DefaultOptions
			o.Address = addr
			ch, err := grpchgfs.New(log.With(l, "channel", "grpc"), o)
			if err != nil {
				return nil, err
			}
			chs = append(chs, ch)
		case "sock":
			o := sock.DefaultOptions
			o.Address = addr
			ch, err := sock.New(log.With(l, "channel", "sock"), o)
			if err != nil {
				return nil, err
			}
			chs = append(chs, ch)
		default:
			return nil, fmt.Errorf("unknown channel %q", name)
		}
	}
	return chs, nil
}
