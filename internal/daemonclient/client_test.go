package daemonclient

import (
	"context"
	"os"
	"path/filepath"
	"testing"
	"time"

	"github.com/stretchr/testify/require"
	"go.uber.org/zap"

	"sari/internal/daemon"
	"sari/internal/mcptools"
	"sari/internal/workspace"
)

func startTestDaemon(t *testing.T) (host string, port int) {
	t.Helper()
	home := t.TempDir()
	t.Setenv("HOME", home)

	tools, err := mcptools.New()
	require.NoError(t, err)
	build := daemon.NewBuilder(zap.NewNop())

	server := daemon.NewServerRegistry(filepath.Join(home, "server.json"))
	reg := daemon.NewRegistry(zap.NewNop())
	d := daemon.NewWithRegistries(daemon.Config{Host: "127.0.0.1", Port: 0, IdleSec: 600, DrainGraceSec: 5}, zap.NewNop(), tools, server, reg)

	ctx, cancel := context.WithCancel(context.Background())
	t.Cleanup(cancel)
	require.NoError(t, d.Start(ctx, build))
	t.Cleanup(func() { d.Stop("test teardown") })

	require.Eventually(t, func() bool {
		daemons, _, err := server.Snapshot()
		return err == nil && len(daemons) == 1
	}, time.Second, 10*time.Millisecond)

	daemons, _, err := server.Snapshot()
	require.NoError(t, err)
	for _, entry := range daemons {
		return entry.Host, entry.Port
	}
	t.Fatal("no daemon entry registered")
	return "", 0
}

func TestClientIdentifyAndToolCallRoundTrip(t *testing.T) {
	host, port := startTestDaemon(t)

	c, err := Dial(host, port)
	require.NoError(t, err)
	defer c.Close()

	info, err := c.Identify()
	require.NoError(t, err)
	require.Equal(t, "sari", info["name"])

	ws := t.TempDir()
	require.NoError(t, os.WriteFile(filepath.Join(ws, "a.go"), []byte("package a\n"), 0o644))
	require.NoError(t, c.Initialize(ws))

	res, err := c.CallTool("status", nil)
	require.NoError(t, err)
	require.False(t, res.IsError)
	require.Contains(t, res.Content[0].Text, "db_health=ok")
}
