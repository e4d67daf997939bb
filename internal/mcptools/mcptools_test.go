package mcptools

import (
	"context"
	"os"
	"path/filepath"
	"testing"

	"github.com/stretchr/testify/require"

	"sari/internal/ctxtoken"
	"sari/internal/daemon"
	"sari/internal/storage"
	"sari/internal/workspace"
)

func testState(t *testing.T) *daemon.SharedState {
	t.Helper()
	dir := t.TempDir()
	db, err := storage.OpenDB(filepath.Join(dir, "sari.db"))
	require.NoError(t, err)
	t.Cleanup(func() { db.Close() })

	root := workspace.Root{ID: "root1", AbsPath: dir, Label: filepath.Base(dir)}
	return &daemon.SharedState{Root: root, DB: db, Queue: storage.NewQueue()}
}

func testRegistry(t *testing.T) *Registry {
	t.Helper()
	return NewWithSigner(ctxtoken.NewSigner([]byte("test-key")))
}

func TestCallUnknownToolReturnsError(t *testing.T) {
	r := testRegistry(t)
	state := testState(t)
	res := r.Call(context.Background(), state, "not_a_tool", nil)
	require.True(t, res.IsError)
	require.Equal(t, "ERR_INVALID_ARGS", res.Error.Code)
}

func TestReadFileRefusesEscapingPath(t *testing.T) {
	r := testRegistry(t)
	state := testState(t)
	res := r.Call(context.Background(), state, "read_file", map[string]any{"path": "../../etc/passwd"})
	require.True(t, res.IsError)
	require.Equal(t, "ERR_ROOT_OUT_OF_SCOPE", res.Error.Code)
}

func TestReadFileReturnsContent(t *testing.T) {
	r := testRegistry(t)
	state := testState(t)
	require.NoError(t, os.WriteFile(filepath.Join(state.Root.AbsPath, "hello.go"), []byte("package main\n"), 0o644))

	res := r.Call(context.Background(), state, "read_file", map[string]any{"path": "hello.go"})
	require.False(t, res.IsError)
	require.Equal(t, "package main\n", res.Content[0].Text)
}

func TestSaveAndGetSnippetRoundTrip(t *testing.T) {
	r := testRegistry(t)
	state := testState(t)

	res := r.Call(context.Background(), state, "save_snippet", map[string]any{
		"tag": "auth-check", "path": "auth.go", "start_line": float64(10), "end_line": float64(20),
		"content": "func Check() bool { return true }",
	})
	require.False(t, res.IsError)

	res = r.Call(context.Background(), state, "get_snippet", map[string]any{"tag": "auth-check"})
	require.False(t, res.IsError)
	require.Contains(t, res.Content[0].Text, "func Check")
}

func TestGetSnippetMissingTagNotFound(t *testing.T) {
	r := testRegistry(t)
	state := testState(t)
	res := r.Call(context.Background(), state, "get_snippet", map[string]any{"tag": "nope"})
	require.True(t, res.IsError)
	require.Equal(t, "ERR_NOT_FOUND", res.Error.Code)
}

func TestArchiveContextMintsTokenAndGetContextResolvesIt(t *testing.T) {
	r := testRegistry(t)
	state := testState(t)

	res := r.Call(context.Background(), state, "archive_context", map[string]any{
		"topic": "refactor-plan", "content": "splitting the worker pool into two stages",
	})
	require.False(t, res.IsError)
	token := res.Content[0].Text
	require.Contains(t, token, "ctx_")

	res = r.Call(context.Background(), state, "get_context", map[string]any{"ref": token})
	require.False(t, res.IsError)
	require.Equal(t, "splitting the worker pool into two stages", res.Content[0].Text)

	res = r.Call(context.Background(), state, "get_context", map[string]any{"ref": "refactor-plan"})
	require.False(t, res.IsError)
	require.Equal(t, "splitting the worker pool into two stages", res.Content[0].Text)
}

func TestDryRunDiffReportsNoChangesForIdenticalContent(t *testing.T) {
	r := testRegistry(t)
	state := testState(t)
	require.NoError(t, os.WriteFile(filepath.Join(state.Root.AbsPath, "a.go"), []byte("package a\n"), 0o644))

	res := r.Call(context.Background(), state, "dry_run_diff", map[string]any{"path": "a.go", "content": "package a\n"})
	require.False(t, res.IsError)
	require.Equal(t, "no changes", res.Content[0].Text)
}

func TestDryRunDiffReportsUnifiedHunkForChangedContent(t *testing.T) {
	r := testRegistry(t)
	state := testState(t)
	require.NoError(t, os.WriteFile(filepath.Join(state.Root.AbsPath, "a.go"), []byte("package a\n"), 0o644))

	res := r.Call(context.Background(), state, "dry_run_diff", map[string]any{"path": "a.go", "content": "package b\n"})
	require.False(t, res.IsError)
	require.Contains(t, res.Content[0].Text, "--- a.go")
}

func TestStatusReportsDBHealth(t *testing.T) {
	r := testRegistry(t)
	state := testState(t)
	res := r.Call(context.Background(), state, "status", nil)
	require.False(t, res.IsError)
	require.Contains(t, res.Content[0].Text, "db_health=ok")
}

func TestDoctorReportsIndexedFileCount(t *testing.T) {
	r := testRegistry(t)
	state := testState(t)
	res := r.Call(context.Background(), state, "doctor", nil)
	require.False(t, res.IsError)
	require.Contains(t, res.Content[0].Text, "indexed_files=0")
	require.Contains(t, res.Content[0].Text, "watcher: not running")
}

func TestListSymbolsEmptyForUnindexedFile(t *testing.T) {
	r := testRegistry(t)
	state := testState(t)
	res := r.Call(context.Background(), state, "list_symbols", map[string]any{"path": "nope.go"})
	require.False(t, res.IsError)
	require.Equal(t, "", res.Content[0].Text)
}

func TestIndexFileRequiresCoordinator(t *testing.T) {
	r := testRegistry(t)
	state := testState(t)
	res := r.Call(context.Background(), state, "index_file", map[string]any{"path": "a.go"})
	require.True(t, res.IsError)
	require.Equal(t, "ERR_INTERNAL", res.Error.Code)
}

func TestRequireStringRejectsMissingArgument(t *testing.T) {
	r := testRegistry(t)
	state := testState(t)
	res := r.Call(context.Background(), state, "read_file", map[string]any{})
	require.True(t, res.IsError)
	require.Equal(t, "ERR_INVALID_ARGS", res.Error.Code)
}
