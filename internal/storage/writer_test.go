package storage

import (
	"path/filepath"
	"testing"

	"github.com/stretchr/testify/require"
	"go.uber.org/zap"

	"sari/internal/parser"
	"sari/internal/worker"
)

func newTestWriter(t *testing.T) (*Writer, func()) {
	t.Helper()
	path := filepath.Join(t.TempDir(), "index.db")
	db, err := OpenDB(path)
	require.NoError(t, err)
	w := NewWriter(db, NewQueue(), NewOverlay(100), zap.NewNop())
	return w, func() { db.Close() }
}

func TestWriterUpsertsFileAndSymbols(t *testing.T) {
	w, cleanup := newTestWriter(t)
	defer cleanup()

	task := Task{
		Kind: TaskUpsertFiles,
		Results: []worker.Result{{
			RootID: "r1", RelPath: "a.go", Repo: "repo", ModTime: 100, Size: 10,
			Hash: "h1", FTSText: "func widget", Kind: "updated", ParseStatus: "ok",
			Symbols: []parser.Symbol{{Name: "Widget", Kind: parser.KindFunction, Qualname: "Widget", StartLine: 1, EndLine: 2}},
		}},
	}

	require.NoError(t, w.applyBatch([]Task{task}))

	var repo string
	require.NoError(t, w.db.QueryRow(`SELECT repo FROM files WHERE root_id='r1' AND path='a.go'`).Scan(&repo))
	require.Equal(t, "repo", repo)

	var symCount int
	require.NoError(t, w.db.QueryRow(`SELECT COUNT(*) FROM symbols WHERE root_id='r1' AND path='a.go'`).Scan(&symCount))
	require.Equal(t, 1, symCount)
}

func TestWriterEnforcesMonotoneMTime(t *testing.T) {
	w, cleanup := newTestWriter(t)
	defer cleanup()

	first := Task{Kind: TaskUpsertFiles, Results: []worker.Result{{
		RootID: "r1", RelPath: "a.go", ModTime: 200, Size: 10, Hash: "h1", Kind: "updated",
	}}}
	require.NoError(t, w.applyBatch([]Task{first}))

	stale := Task{Kind: TaskUpsertFiles, Results: []worker.Result{{
		RootID: "r1", RelPath: "a.go", ModTime: 100, Size: 99, Hash: "h2", Kind: "updated",
	}}}
	require.NoError(t, w.applyBatch([]Task{stale}))

	var mtime, size int64
	require.NoError(t, w.db.QueryRow(`SELECT mtime, size FROM files WHERE root_id='r1' AND path='a.go'`).Scan(&mtime, &size))
	require.Equal(t, int64(200), mtime)
	require.Equal(t, int64(10), size)
}

func TestWriterDeletesTombstone(t *testing.T) {
	w, cleanup := newTestWriter(t)
	defer cleanup()

	require.NoError(t, w.applyBatch([]Task{{Kind: TaskUpsertFiles, Results: []worker.Result{{
		RootID: "r1", RelPath: "a.go", ModTime: 100, Size: 10, Hash: "h1", Kind: "updated",
	}}}}))

	require.NoError(t, w.applyBatch([]Task{{Kind: TaskDeletePath, Deletes: []DeletePath{{
		RootID: "r1", Path: "a.go", DeletedTS: 999,
	}}}}))

	var deletedTS int64
	require.NoError(t, w.db.QueryRow(`SELECT deleted_ts FROM files WHERE root_id='r1' AND path='a.go'`).Scan(&deletedTS))
	require.Equal(t, int64(999), deletedTS)
}

func TestWriterRetriesTasksIndividuallyOnBatchFailure(t *testing.T) {
	w, cleanup := newTestWriter(t)
	defer cleanup()

	good := Task{Kind: TaskUpsertFiles, Results: []worker.Result{{
		RootID: "r1", RelPath: "good.go", ModTime: 100, Size: 10, Hash: "h1", Kind: "updated",
		Symbols: []parser.Symbol{{Name: "Good", Kind: parser.KindFunction, Qualname: "Good", StartLine: 1, EndLine: 2}},
	}}}
	// Two symbols with the same qualname collide on symbol_id, so this
	// task's own transaction fails every time it is applied, batched or
	// alone.
	bad := Task{Kind: TaskUpsertFiles, Results: []worker.Result{{
		RootID: "r1", RelPath: "bad.go", ModTime: 100, Size: 10, Hash: "h2", Kind: "updated",
		Symbols: []parser.Symbol{
			{Name: "Dup", Kind: parser.KindFunction, Qualname: "Dup", StartLine: 1, EndLine: 2},
			{Name: "Dup", Kind: parser.KindFunction, Qualname: "Dup", StartLine: 3, EndLine: 4},
		},
	}}}

	require.Error(t, w.applyBatch([]Task{good, bad}))
	w.retryIndividually([]Task{good, bad})

	var goodCount int
	require.NoError(t, w.db.QueryRow(`SELECT COUNT(*) FROM files WHERE root_id='r1' AND path='good.go'`).Scan(&goodCount))
	require.Equal(t, 1, goodCount)

	var badCount int
	require.NoError(t, w.db.QueryRow(`SELECT COUNT(*) FROM files WHERE root_id='r1' AND path='bad.go'`).Scan(&badCount))
	require.Equal(t, 0, badCount)
}

func TestWriterPreservesSymbolsOnStaleRetry(t *testing.T) {
	w, cleanup := newTestWriter(t)
	defer cleanup()

	first := Task{Kind: TaskUpsertFiles, Results: []worker.Result{{
		RootID: "r1", RelPath: "a.go", ModTime: 200, Size: 10, Hash: "h1", Kind: "updated",
		Symbols: []parser.Symbol{{Name: "Widget", Kind: parser.KindFunction, Qualname: "Widget", StartLine: 1, EndLine: 2}},
	}}}
	require.NoError(t, w.applyBatch([]Task{first}))

	stale := Task{Kind: TaskUpsertFiles, Results: []worker.Result{{
		RootID: "r1", RelPath: "a.go", ModTime: 100, Size: 99, Hash: "h2", Kind: "updated",
		Symbols: []parser.Symbol{{Name: "Stale", Kind: parser.KindFunction, Qualname: "Stale", StartLine: 9, EndLine: 9}},
	}}}
	require.NoError(t, w.applyBatch([]Task{stale}))

	var symCount int
	require.NoError(t, w.db.QueryRow(`SELECT COUNT(*) FROM symbols WHERE root_id='r1' AND path='a.go' AND qualname='Widget'`).Scan(&symCount))
	require.Equal(t, 1, symCount, "stale retry must not delete symbols from the prior, still-current file row")

	var staleCount int
	require.NoError(t, w.db.QueryRow(`SELECT COUNT(*) FROM symbols WHERE root_id='r1' AND path='a.go' AND qualname='Stale'`).Scan(&staleCount))
	require.Equal(t, 0, staleCount, "stale retry's own symbols must not be inserted")
}

func TestWriterDLQUpsertAndClear(t *testing.T) {
	w, cleanup := newTestWriter(t)
	defer cleanup()

	require.NoError(t, w.applyBatch([]Task{{Kind: TaskDLQUpsert, DLQ: []DLQEntry{{
		Path: "bad.go", RootID: "r1", Attempts: 1, ErrorText: "parse error", NextRetry: 10,
	}}}}))

	var attempts int
	require.NoError(t, w.db.QueryRow(`SELECT attempts FROM failed_tasks WHERE path='bad.go'`).Scan(&attempts))
	require.Equal(t, 1, attempts)

	require.NoError(t, w.applyBatch([]Task{{Kind: TaskDLQClear, DLQClear: []DLQClearKey{{Path: "bad.go"}}}}))

	var count int
	require.NoError(t, w.db.QueryRow(`SELECT COUNT(*) FROM failed_tasks WHERE path='bad.go'`).Scan(&count))
	require.Equal(t, 0, count)
}
