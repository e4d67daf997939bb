package search

import (
	"path/filepath"
	"testing"

	"github.com/stretchr/testify/require"

	"sari/internal/storage"
)

func TestPipelineMergesOverlayAboveFTS(t *testing.T) {
	dbPath := filepath.Join(t.TempDir(), "index.db")
	db, err := storage.OpenDB(dbPath)
	require.NoError(t, err)
	defer db.Close()

	_, err = db.Exec(`INSERT INTO files (root_id, path, repo, mtime, size, fts_text, scan_ts) VALUES (?, ?, ?, ?, ?, ?, ?)`,
		"r1", "a.go", "repo", 100, 10, "func widget implementation", 1)
	require.NoError(t, err)
	_, err = db.Exec(`INSERT INTO files_fts (path, fts_text, root_id) VALUES (?, ?, ?)`, "a.go", "func widget implementation", "r1")
	require.NoError(t, err)

	overlay := storage.NewOverlay(10)
	overlay.Upsert(storage.OverlayRow{Path: "a.go", RootID: "r1", MTime: 100, Snippet: "func widget implementation"})

	fts := NewFTSEngine(db)
	sqlFallback := NewSQLEngine(db)
	pipeline := NewPipeline(overlay, fts, sqlFallback, db, NewSnippetCache(10))

	results, meta := pipeline.Search(Options{Query: "widget", RootIDs: []string{"r1"}, Limit: 10})
	require.NotEmpty(t, results)
	require.Equal(t, "a.go", results[0].Path)
	require.GreaterOrEqual(t, results[0].Score, 100.0)
	require.Equal(t, "ok", meta.DBHealth)
}

func TestPipelineFallsBackToSQLForRegex(t *testing.T) {
	dbPath := filepath.Join(t.TempDir(), "index.db")
	db, err := storage.OpenDB(dbPath)
	require.NoError(t, err)
	defer db.Close()

	_, err = db.Exec(`INSERT INTO files (root_id, path, repo, mtime, size, fts_text, scan_ts) VALUES (?, ?, ?, ?, ?, ?, ?)`,
		"r1", "b.go", "repo", 50, 5, "func Helper() {}", 1)
	require.NoError(t, err)

	overlay := storage.NewOverlay(10)
	fts := NewFTSEngine(db)
	sqlFallback := NewSQLEngine(db)
	pipeline := NewPipeline(overlay, fts, sqlFallback, db, NewSnippetCache(10))

	results, meta := pipeline.Search(Options{Query: "Helper\\(\\)", UseRegex: true, RootIDs: []string{"r1"}, Limit: 10})
	require.Len(t, results, 1)
	require.Equal(t, "sqlite", meta.Engine)
}

func TestPipelineAttachesSnippetByDefault(t *testing.T) {
	dbPath := filepath.Join(t.TempDir(), "index.db")
	db, err := storage.OpenDB(dbPath)
	require.NoError(t, err)
	defer db.Close()

	overlay := storage.NewOverlay(10)
	overlay.Upsert(storage.OverlayRow{Path: "a.go", RootID: "r1", MTime: 100, Snippet: "say hello world"})
	_, err = db.Exec(`INSERT INTO files (root_id, path, repo, mtime, size, fts_text, scan_ts) VALUES (?, ?, ?, ?, ?, ?, ?)`,
		"r1", "a.go", "repo", 100, 10, "say hello world", 1)
	require.NoError(t, err)

	pipeline := NewPipeline(overlay, NewFTSEngine(db), NewSQLEngine(db), db, NewSnippetCache(10))
	results, _ := pipeline.Search(Options{Query: "hello", RootIDs: []string{"r1"}, Limit: 10})
	require.NotEmpty(t, results)
	require.Contains(t, results[0].Snippet, ">>>hello<<<")
	require.Empty(t, results[0].Content, "full content must stay empty unless IncludeContent is set")
}

func TestPipelineMarksDegradedOverlayHits(t *testing.T) {
	dbPath := filepath.Join(t.TempDir(), "index.db")
	db, err := storage.OpenDB(dbPath)
	require.NoError(t, err)
	defer db.Close()

	overlay := storage.NewOverlay(10)
	overlay.Upsert(storage.OverlayRow{Path: "a.go", RootID: "r1", MTime: 100, Snippet: "func widget"})
	_, err = db.Exec(`INSERT INTO files (root_id, path, repo, mtime, size, fts_text, scan_ts) VALUES (?, ?, ?, ?, ?, ?, ?)`,
		"r1", "a.go", "repo", 100, 10, "func widget", 1)
	require.NoError(t, err)

	// A closed DB handle makes the FTS engine query fail, forcing meta.Partial
	// while the overlay hit still resolves.
	ftsDB, err := storage.OpenDB(filepath.Join(t.TempDir(), "fts.db"))
	require.NoError(t, err)
	require.NoError(t, ftsDB.Close())

	pipeline := NewPipeline(overlay, NewFTSEngine(ftsDB), NewSQLEngine(db), db, NewSnippetCache(10))
	results, meta := pipeline.Search(Options{Query: "widget", RootIDs: []string{"r1"}, Limit: 10})
	require.True(t, meta.Partial)
	require.NotEmpty(t, results)
	require.Equal(t, "L2 Cache (Degraded)", results[0].HitReason)
}

func TestPipelineBoostsRootPrefixMatches(t *testing.T) {
	dbPath := filepath.Join(t.TempDir(), "index.db")
	db, err := storage.OpenDB(dbPath)
	require.NoError(t, err)
	defer db.Close()

	overlay := storage.NewOverlay(10)
	overlay.Upsert(storage.OverlayRow{Path: "r1/a.go", RootID: "r1", MTime: 1, Snippet: "widget code"})

	pipeline := NewPipeline(overlay, NewFTSEngine(db), NewSQLEngine(db), db, NewSnippetCache(10))
	results, _ := pipeline.Search(Options{Query: "widget", RootIDs: []string{"r1"}, Limit: 10})
	require.NotEmpty(t, results)
	require.Greater(t, results[0].Score, 100.0)
}
