package storage

import (
	"path/filepath"
	"testing"

	"github.com/stretchr/testify/require"
)

func TestOpenDBCreatesSchema(t *testing.T) {
	path := filepath.Join(t.TempDir(), "index.db")
	db, err := OpenDB(path)
	require.NoError(t, err)
	defer db.Close()

	var version int
	require.NoError(t, db.QueryRow(`SELECT version FROM schema_version`).Scan(&version))
	require.Equal(t, CurrentSchemaVersion, version)

	for _, table := range []string{"roots", "files", "symbols", "relations", "snippets", "contexts", "failed_tasks"} {
		var name string
		err := db.QueryRow(`SELECT name FROM sqlite_master WHERE type='table' AND name=?`, table).Scan(&name)
		require.NoError(t, err, "missing table %s", table)
	}
}

func TestOpenDBIsIdempotent(t *testing.T) {
	path := filepath.Join(t.TempDir(), "index.db")
	db1, err := OpenDB(path)
	require.NoError(t, err)
	db1.Close()

	db2, err := OpenDB(path)
	require.NoError(t, err)
	defer db2.Close()

	var version int
	require.NoError(t, db2.QueryRow(`SELECT version FROM schema_version`).Scan(&version))
	require.Equal(t, CurrentSchemaVersion, version)
}
