package scanner

import (
	"context"
	"os"
	"path/filepath"
	"testing"

	"github.com/stretchr/testify/require"

	"sari/internal/workspace"
)

func writeTree(t *testing.T, root string, files map[string]string) {
	t.Helper()
	for rel, content := range files {
		full := filepath.Join(root, rel)
		require.NoError(t, os.MkdirAll(filepath.Dir(full), 0o755))
		require.NoError(t, os.WriteFile(full, []byte(content), 0o644))
	}
}

func collect(t *testing.T, s *Scanner, root string) []Entry {
	t.Helper()
	entries, errs := s.Scan(context.Background(), root)
	var got []Entry
	for e := range entries {
		got = append(got, e)
	}
	for err := range errs {
		require.NoError(t, err)
	}
	return got
}

func TestScanFindsIncludedFiles(t *testing.T) {
	root := t.TempDir()
	writeTree(t, root, map[string]string{
		"src/main.go": "package main\n",
		"README.md":   "# hi\n",
	})

	cfg := workspace.CoreProfile()
	s, err := New(cfg)
	require.NoError(t, err)

	entries := collect(t, s, root)
	require.Len(t, entries, 2)
	for _, e := range entries {
		require.False(t, e.Excluded)
	}
}

func TestScanPrunesExcludedDirs(t *testing.T) {
	root := t.TempDir()
	writeTree(t, root, map[string]string{
		"node_modules/pkg/index.js": "module.exports = {}\n",
		"src/app.go":                "package app\n",
	})

	cfg := workspace.CoreProfile()
	s, err := New(cfg)
	require.NoError(t, err)

	entries := collect(t, s, root)
	require.Len(t, entries, 1)
	require.Equal(t, filepath.Join(root, "src/app.go"), entries[0].AbsPath)
}

func TestScanFlagsExcludedButStillEmits(t *testing.T) {
	root := t.TempDir()
	writeTree(t, root, map[string]string{
		"notes.xyz": "unrelated extension\n",
	})

	cfg := workspace.CoreProfile()
	s, err := New(cfg)
	require.NoError(t, err)

	entries := collect(t, s, root)
	require.Len(t, entries, 1)
	require.True(t, entries[0].Excluded)
}
