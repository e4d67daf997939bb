package main

import (
	"os"
	"path/filepath"
	"testing"

	"github.com/stretchr/testify/require"
	"go.uber.org/zap"

	"sari/internal/daemon"
)

func TestFindDaemonForNoDaemonsReturnsActionableError(t *testing.T) {
	logger = zap.NewNop()
	home := t.TempDir()
	t.Setenv("HOME", home)
	t.Setenv("SARI_REGISTRY_FILE", filepath.Join(home, "server.json"))

	_, _, err := findDaemonFor("some-root-id")
	require.Error(t, err)
	require.Contains(t, err.Error(), "sari serve")
}

func TestFindDaemonForPrefersWorkspaceBinding(t *testing.T) {
	logger = zap.NewNop()
	home := t.TempDir()
	registryPath := filepath.Join(home, "server.json")
	t.Setenv("HOME", home)
	t.Setenv("SARI_REGISTRY_FILE", registryPath)

	server := daemon.NewServerRegistry(registryPath)
	require.NoError(t, server.RegisterDaemon("boot-a", daemon.DaemonEntry{Host: "127.0.0.1", Port: 4001, PID: os.Getpid()}))
	require.NoError(t, server.RegisterDaemon("boot-b", daemon.DaemonEntry{Host: "127.0.0.1", Port: 4002, PID: os.Getpid()}))
	require.NoError(t, server.BindWorkspace("root1", daemon.WorkspaceEntry{BootID: "boot-b"}))

	host, port, err := findDaemonFor("root1")
	require.NoError(t, err)
	require.Equal(t, "127.0.0.1", host)
	require.Equal(t, 4002, port)
}
