package main

import (
	"testing"

	"github.com/stretchr/testify/require"
	"go.uber.org/zap"
)

func TestResolveWorkspaceDefaultsToCwd(t *testing.T) {
	logger = zap.NewNop()
	workspaceRoot = ""

	ws, err := resolveWorkspace()
	require.NoError(t, err)
	require.NotEmpty(t, ws)
}

func TestResolveWorkspaceHonorsFlag(t *testing.T) {
	logger = zap.NewNop()
	dir := t.TempDir()
	workspaceRoot = dir
	defer func() { workspaceRoot = "" }()

	ws, err := resolveWorkspace()
	require.NoError(t, err)
	require.Equal(t, dir, ws)
}
