package main

import (
	"context"
	"fmt"
	"io"
	"os"
	"text/tabwriter"
	"time"

	"github.com/rfratto/hgfs/internal/hgfs"
	"github.com/rfratto/hgfs/internal/hgfs/mount"
)

type command struct {
	name  string
	usage string
	help  string
	nargs int
	run   func(ctx context.Context, m *mount.Mount, w io.Writer, args []string) error
}

var commands = []command{
	{name: "ping", usage: "ping", help: "check that the host is reachable", nargs: 0, run: runPing},
	{name: "stat", usage: "stat <path>", help: "print attributes of a file", nargs: 1, run: runStat},
	{name: "ls", usage: "ls <path>", help: "list a directory", nargs: 1, run: runLs},
	{name: "cat", usage: "cat <path>", help: "print the contents of a file", nargs: 1, run: runCat},
	{name: "put", usage: "put <path>", help: "write stdin to the start of a file, creating it if needed", nargs: 1, run: runPut},
}

func findCommand(name string) (command, bool) {
	for _, c := range commands {
		if c.name == name {
			return c, true
		}
	}
	return command{}, false
}

func runPing(ctx context.Context, m *mount.Mount, w io.Writer, _ []string) error {
	start := time.Now()
	if err := m.Ping(ctx); err != nil {
		return err
	}
	_, err := fmt.Fprintf(w, "pong in %s\n", time.Since(start))
	return err
}

func runStat(ctx context.Context, m *mount.Mount, w io.Writer, args []string) error {
	f, attr, err := m.Lookup(ctx, args[0])
	if err != nil {
		return err
	}
	defer m.Forget(f)

	tw := tabwriter.NewWriter(w, 0, 4, 1, ' ', 0)
	fmt.Fprintf(tw, "path:\t%s\n", f.Path())
	fmt.Fprintf(tw, "node:\t%d\n", f.NodeID())
	fmt.Fprintf(tw, "type:\t%s\n", attr.Type)
	fmt.Fprintf(tw, "size:\t%d\n", attr.Size)
	fmt.Fprintf(tw, "mode:\t%s\n", os.FileMode(attr.Mode).Perm())
	fmt.Fprintf(tw, "modified:\t%s\n", attr.ModTime.Format(time.RFC3339))
	return tw.Flush()
}

func runLs(ctx context.Context, m *mount.Mount, w io.Writer, args []string) error {
	ents, err := m.ReadDir(ctx, args[0])
	if err != nil {
		return err
	}

	tw := tabwriter.NewWriter(w, 0, 4, 2, ' ', 0)
	for _, ent := range ents {
		name := ent.Name
		if ent.Type == hgfs.FileTypeDirectory {
			name += "/"
		}
		fmt.Fprintf(tw, "%d\t%s\t%s\n", ent.Node, ent.Type, name)
	}
	return tw.Flush()
}

func runCat(ctx context.Context, m *mount.Mount, w io.Writer, args []string) (err error) {
	of, err := m.Open(ctx, args[0], hgfs.ModeReadOnly, false)
	if err != nil {
		return err
	}
	defer func() {
		if cerr := m.Close(ctx, of); err == nil {
			err = cerr
		}
	}()

	var off uint64
	for {
		data, err := m.Read(ctx, of, off, hgfs.MaxIOSize)
		if err != nil {
			return err
		}
		if _, err := w.Write(data); err != nil {
			return err
		}
		off += uint64(len(data))
		if len(data) < hgfs.MaxIOSize {
			return nil
		}
	}
}

// stdin is replaced in tests.
var stdin io.Reader = os.Stdin

func runPut(ctx context.Context, m *mount.Mount, w io.Writer, args []string) (err error) {
	of, err := m.Open(ctx, args[0], hgfs.ModeWriteOnly, true)
	if err != nil {
		return err
	}
	defer func() {
		if cerr := m.Close(ctx, of); err == nil {
			err = cerr
		}
	}()

	var (
		off uint64
		buf = make([]byte, hgfs.MaxIOSize)
	)
	for {
		n, rerr := io.ReadFull(stdin, buf)
		if n > 0 {
			written, err := m.Write(ctx, of, off, buf[:n])
			if err != nil {
				return err
			}
			off += uint64(written)
		}
		if rerr == io.EOF || rerr == io.ErrUnexpectedEOF {
			break
		} else if rerr != nil {
			return rerr
		}
	}
	_, err = fmt.Fprintf(w, "wrote %d bytes\n", off)
	return err
}
