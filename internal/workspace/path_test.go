package workspace

import (
	"os"
	"path/filepath"
	"testing"

	"github.com/stretchr/testify/require"
)

func TestNormalizeIdempotent(t *testing.T) {
	dir := t.TempDir()
	once, err := Normalize(dir, false)
	require.NoError(t, err)

	twice, err := Normalize(once, false)
	require.NoError(t, err)

	require.Equal(t, once, twice)
}

func TestNormalizeStripsTrailingSeparator(t *testing.T) {
	dir := t.TempDir()
	withSlash := dir + string(filepath.Separator)

	got, err := Normalize(withSlash, false)
	require.NoError(t, err)
	require.False(t, len(got) > 1 && got[len(got)-1] == filepath.Separator)
}

func TestRootIDStableAcrossCalls(t *testing.T) {
	dir := t.TempDir()
	norm, err := Normalize(dir, false)
	require.NoError(t, err)

	require.Equal(t, RootID(norm), RootID(norm))
}

func TestRootIDDiffersByPath(t *testing.T) {
	a, b := t.TempDir(), t.TempDir()
	na, _ := Normalize(a, false)
	nb, _ := Normalize(b, false)
	require.NotEqual(t, RootID(na), RootID(nb))
}

func TestFindProjectRootRequiresMarker(t *testing.T) {
	dir := t.TempDir()
	sub := filepath.Join(dir, "a", "b")
	require.NoError(t, os.MkdirAll(sub, 0o755))

	_, found := FindProjectRoot(sub)
	require.False(t, found)

	require.NoError(t, os.WriteFile(filepath.Join(dir, ".sariroot"), nil, 0o644))

	root, found := FindProjectRoot(sub)
	require.True(t, found)
	require.Equal(t, dir, root)
}

func TestSariConfigDirIsNotABoundary(t *testing.T) {
	dir := t.TempDir()
	require.NoError(t, os.MkdirAll(filepath.Join(dir, ".sari"), 0o755))
	sub := filepath.Join(dir, "a")
	require.NoError(t, os.MkdirAll(sub, 0o755))

	_, found := FindProjectRoot(sub)
	require.False(t, found)
}
