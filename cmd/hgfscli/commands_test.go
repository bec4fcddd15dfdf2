package main

import (
	"bytes"
	"context"
	"os"
	"path/filepath"
	"strings"
	"testing"

	"github.com/rfratto/hgfs/internal/hgfs"
	"github.com/rfratto/hgfs/internal/hgfs/hostsrv"
	"github.com/rfratto/hgfs/internal/hgfs/loopback"
	"github.com/rfratto/hgfs/internal/hgfs/mount"
	"github.com/rfratto/hgfs/internal/hgfs/transport"
	"github.com/stretchr/testify/require"
)

func TestCommands(t *testing.T) {
	root := t.TempDir()
	require.NoError(t, os.Mkdir(filepath.Join(root, "dir"), 0755))
	big := strings.Repeat("0123456789", 1000)
	require.NoError(t, os.WriteFile(filepath.Join(root, "dir", "big.txt"), []byte(big), 0644))

	m := newTestMount(t, root)

	t.Run("ping", func(t *testing.T) {
		out := runCommand(t, m, "ping")
		require.Contains(t, out, "pong")
	})

	t.Run("stat", func(t *testing.T) {
		out := runCommand(t, m, "stat", "dir/big.txt")
		require.Contains(t, out, "/dir/big.txt")
		require.Regexp(t, `size:\s+10000\n`, out)
		require.Equal(t, 0, m.Table().Len())
	})

	t.Run("ls", func(t *testing.T) {
		out := runCommand(t, m, "ls", "/")
		require.Contains(t, out, "dir/")
	})

	t.Run("cat", func(t *testing.T) {
		out := runCommand(t, m, "cat", "/dir/big.txt")
		require.Equal(t, big, out)
	})

	t.Run("put", func(t *testing.T) {
		stdin = strings.NewReader(big)
		defer func() { stdin = os.Stdin }()

		out := runCommand(t, m, "put", "/copy.txt")
		require.Equal(t, "wrote 10000 bytes\n", out)

		copied, err := os.ReadFile(filepath.Join(root, "copy.txt"))
		require.NoError(t, err)
		require.Equal(t, big, string(copied))
	})

	require.Equal(t, 0, m.Table().Len())
	require.Equal(t, 0, m.Outstanding())
}

func TestBuildChannels(t *testing.T) {
	chs, err := buildChannels(nil, []string{"grpc", " sock"}, "tcp://127.0.0.1:12195")
	require.NoError(t, err)
	require.Len(t, chs, 2)
	require.Equal(t, "grpc", chs[0].Name())
	require.Equal(t, "sock", chs[1].Name())

	_, err = buildChannels(nil, []string{"carrier-pigeon"}, "tcp://127.0.0.1:12195")
	require.Error(t, err)
}

func runCommand(t *testing.T, m *mount.Mount, name string, args ...string) string {
	t.Helper()

	cmd, ok := findCommand(name)
	require.True(t, ok)

	var buf bytes.Buffer
	require.NoError(t, cmd.run(context.Background(), m, &buf, args))
	return buf.String()
}

func newTestMount(t *testing.T, root string) *mount.Mount {
	t.Helper()

	srv, err := hostsrv.New(nil, hostsrv.Options{Handler: hostsrv.Passthrough(nil, root)})
	require.NoError(t, err)

	cli, err := transport.New(nil, transport.Options{
		Channels: []hgfs.Channel{loopback.New("loopback", srv)},
	})
	require.NoError(t, err)

	ctx, cancel := context.WithCancel(context.Background())
	done := make(chan struct{})
	go func() {
		defer close(done)
		_ = cli.Run(ctx)
	}()
	t.Cleanup(func() {
		cancel()
		<-done
		_ = cli.Close()
		_ = srv.Close()
	})
	return mount.New(nil, cli, nil)
}
