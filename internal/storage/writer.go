package storage

import (
	"context"
	"database/sql"
	"encoding/json"
	"fmt"

	"go.uber.org/zap"

	"sari/internal/worker"
)

// DefaultMaxBatch is the default drain size of §4.4's writer thread.
const DefaultMaxBatch = 500

// Writer is the single dedicated writer thread of §4.4's L3: it
// drains the Queue, applies each batch inside one transaction in a
// fixed task order, and reports commit confirmation so the overlay
// can evict durable rows.
type Writer struct {
	db       *sql.DB
	queue    *Queue
	overlay  *Overlay
	log      *zap.Logger
	maxBatch int
}

// NewWriter constructs a writer bound to db, queue and overlay.
func NewWriter(db *sql.DB, queue *Queue, overlay *Overlay, log *zap.Logger) *Writer {
	return &Writer{db: db, queue: queue, overlay: overlay, log: log, maxBatch: DefaultMaxBatch}
}

// Run drains the queue until ctx is cancelled, applying one batch per
// iteration. Coordinator throttling shrinks the batch size via
// queue.Load(), matching §4.4's "fewer if coordinator reports
// throttling."
func (w *Writer) Run(ctx context.Context) {
	for {
		select {
		case <-ctx.Done():
			w.queue.Close()
			return
		default:
		}

		batch := w.queue.DrainUpTo(w.batchSize())
		if len(batch) == 0 {
			select {
			case <-ctx.Done():
				return
			default:
				continue
			}
		}
		if err := w.applyBatch(batch); err != nil {
			w.log.Warn("storage writer batch failed, retrying tasks individually", zap.Error(err))
			w.retryIndividually(batch)
		}
	}
}

// retryIndividually re-applies a failed batch one task at a time, each
// in its own transaction: a task that fails alone is logged and
// skipped, and the writer continues with the rest of the batch.
func (w *Writer) retryIndividually(tasks []Task) {
	for _, t := range tasks {
		if err := w.applyBatch([]Task{t}); err != nil {
			w.log.Error("storage writer task failed, skipping", zap.String("kind", string(t.Kind)), zap.Error(err))
		}
	}
}

func (w *Writer) batchSize() int {
	load := w.queue.Load()
	if load > 0.8 {
		return w.maxBatch / 4
	}
	return w.maxBatch
}

// applyBatch groups tasks by kind and applies them in the fixed order
// of §4.4: deletions, file upserts, symbol upserts, relation upserts,
// last-seen updates, LSP-dirty marks, snippet upserts, context upserts,
// DLQ upserts, DLQ clears — all inside one transaction.
func (w *Writer) applyBatch(tasks []Task) error {
	tx, err := w.db.Begin()
	if err != nil {
		return err
	}
	defer tx.Rollback()

	for _, t := range tasks {
		if t.Kind != TaskDeletePath {
			continue
		}
		if err := applyDeletes(tx, t.Deletes); err != nil {
			return err
		}
	}

	// fileUpsertApplied holds, per TaskUpsertFiles task, only the
	// results whose file UPDATE actually fired — excludes rows a
	// stale-mtime retry dropped. The symbol/relation passes below must
	// reuse this filtered set rather than t.Results directly, or a
	// stale retry would still delete+reinsert symbols/relations for a
	// path whose file row it never touched (§3's symbol invariant:
	// prior symbols survive a stale retry).
	fileUpsertApplied := make(map[int][]worker.Result)
	for i, t := range tasks {
		if t.Kind != TaskUpsertFiles {
			continue
		}
		applied, err := applyFileUpserts(tx, t.Results)
		if err != nil {
			return err
		}
		fileUpsertApplied[i] = applied
	}
	for i, t := range tasks {
		switch t.Kind {
		case TaskUpsertSymbols:
			if err := applySymbolUpserts(tx, t.Results); err != nil {
				return err
			}
		case TaskUpsertFiles:
			if err := applySymbolUpserts(tx, fileUpsertApplied[i]); err != nil {
				return err
			}
		}
	}
	for i, t := range tasks {
		switch t.Kind {
		case TaskUpsertRelations:
			if err := applyRelationUpserts(tx, t.Results); err != nil {
				return err
			}
		case TaskUpsertFiles:
			if err := applyRelationUpserts(tx, fileUpsertApplied[i]); err != nil {
				return err
			}
		}
	}
	for _, t := range tasks {
		if t.Kind != TaskUpdateLastSeen {
			continue
		}
		if err := applyLastSeen(tx, t.LastSeen); err != nil {
			return err
		}
	}
	for _, t := range tasks {
		if t.Kind != TaskMarkDirty {
			continue
		}
		if err := applyDirtyMarks(tx, t.Dirty); err != nil {
			return err
		}
	}
	for _, t := range tasks {
		if t.Kind != TaskUpsertSnippets {
			continue
		}
		if err := applySnippetUpserts(tx, t.Snippets); err != nil {
			return err
		}
	}
	for _, t := range tasks {
		if t.Kind != TaskUpsertContexts {
			continue
		}
		if err := applyContextUpserts(tx, t.Contexts); err != nil {
			return err
		}
	}
	for _, t := range tasks {
		if t.Kind != TaskDLQUpsert {
			continue
		}
		if err := applyDLQUpserts(tx, t.DLQ); err != nil {
			return err
		}
	}
	for _, t := range tasks {
		if t.Kind != TaskDLQClear {
			continue
		}
		if err := applyDLQClears(tx, t.DLQClear); err != nil {
			return err
		}
	}

	if err := tx.Commit(); err != nil {
		return err
	}

	for _, t := range tasks {
		if t.Kind == TaskUpsertFiles {
			for _, r := range t.Results {
				w.overlay.Evict(r.RootID, r.RelPath)
			}
		}
	}
	return nil
}

// applyDirtyMarks flags a path for re-parse attention (§4.7's
// "LSP-dirty" signal). Marking an unknown (root_id, path) is a no-op
// since a dirty flag only matters once a file row exists.
func applyDirtyMarks(tx *sql.Tx, marks []DirtyMark) error {
	for _, m := range marks {
		if _, err := tx.Exec(`UPDATE files SET lsp_dirty = 1 WHERE root_id = ? AND path = ?`, m.RootID, m.Path); err != nil {
			return err
		}
	}
	return nil
}

func applyDeletes(tx *sql.Tx, deletes []DeletePath) error {
	for _, d := range deletes {
		if _, err := tx.Exec(`UPDATE files SET deleted_ts = ? WHERE root_id = ? AND path = ? AND mtime <= ?`,
			d.DeletedTS, d.RootID, d.Path, d.DeletedTS); err != nil {
			return fmt.Errorf("delete %s/%s: %w", d.RootID, d.Path, err)
		}
		if _, err := tx.Exec(`DELETE FROM files_fts WHERE root_id = ? AND path = ?`, d.RootID, d.Path); err != nil {
			return err
		}
	}
	return nil
}

// applyFileUpserts enforces §3's monotone-mtime invariant: an upsert
// with an older mtime than the existing row must not overwrite it. It
// returns only the results whose file row was actually written
// (excluding "unchanged" rows and stale-mtime retries), since only
// those paths' symbols/relations should be touched by the caller.
func applyFileUpserts(tx *sql.Tx, results []worker.Result) ([]worker.Result, error) {
	applied := make([]worker.Result, 0, len(results))
	for _, r := range results {
		if r.Kind == "excluded" {
			if err := upsertStub(tx, r); err != nil {
				return nil, err
			}
			continue
		}
		if r.Kind == "unchanged" {
			continue
		}

		var existingMTime int64
		err := tx.QueryRow(`SELECT mtime FROM files WHERE root_id = ? AND path = ?`, r.RootID, r.RelPath).Scan(&existingMTime)
		if err != nil && err != sql.ErrNoRows {
			return nil, err
		}
		if err == nil && r.ModTime < existingMTime {
			continue
		}

		metaJSON, err := json.Marshal(r.Metadata)
		if err != nil {
			return nil, err
		}

		if _, err := tx.Exec(`
			INSERT INTO files (root_id, path, repo, mtime, size, content, content_hash, fts_text,
				scan_ts, deleted_ts, parse_status, parse_reason, ast_status, ast_reason,
				is_binary, is_minified, sampled, content_bytes, metadata_json)
			VALUES (?, ?, ?, ?, ?, ?, ?, ?, ?, 0, ?, ?, ?, ?, ?, ?, ?, ?, ?)
			ON CONFLICT (root_id, path) DO UPDATE SET
				repo=excluded.repo, mtime=excluded.mtime, size=excluded.size,
				content=excluded.content, content_hash=excluded.content_hash,
				fts_text=excluded.fts_text, scan_ts=excluded.scan_ts, deleted_ts=0,
				parse_status=excluded.parse_status, parse_reason=excluded.parse_reason,
				ast_status=excluded.ast_status, ast_reason=excluded.ast_reason,
				is_binary=excluded.is_binary, is_minified=excluded.is_minified,
				sampled=excluded.sampled, content_bytes=excluded.content_bytes,
				metadata_json=excluded.metadata_json`,
			r.RootID, r.RelPath, r.Repo, r.ModTime, r.Size, r.Content, r.Hash, r.FTSText,
			r.ScanTS, r.ParseStatus, r.ParseReason, r.ASTStatus, r.ASTReason,
			r.IsBinary, r.IsMinified, r.Sampled, r.ContentBytes, string(metaJSON),
		); err != nil {
			return nil, fmt.Errorf("upsert file %s/%s: %w", r.RootID, r.RelPath, err)
		}

		if _, err := tx.Exec(`DELETE FROM files_fts WHERE root_id = ? AND path = ?`, r.RootID, r.RelPath); err != nil {
			return nil, err
		}
		if r.FTSText != "" {
			if _, err := tx.Exec(`INSERT INTO files_fts (path, fts_text, root_id) VALUES (?, ?, ?)`, r.RelPath, r.FTSText, r.RootID); err != nil {
				return nil, err
			}
		}

		applied = append(applied, r)
	}
	return applied, nil
}

func upsertStub(tx *sql.Tx, r worker.Result) error {
	_, err := tx.Exec(`
		INSERT INTO files (root_id, path, repo, mtime, size, scan_ts, deleted_ts, parse_status, parse_reason, content_bytes)
		VALUES (?, ?, ?, ?, ?, ?, 0, ?, ?, 0)
		ON CONFLICT (root_id, path) DO UPDATE SET
			mtime=excluded.mtime, size=excluded.size, scan_ts=excluded.scan_ts, deleted_ts=0`,
		r.RootID, r.RelPath, r.Repo, r.ModTime, r.Size, r.ScanTS, r.ParseStatus, r.ParseReason,
	)
	return err
}

// applySymbolUpserts deletes old symbols for a path then inserts new
// ones, per §3's Symbol invariant.
func applySymbolUpserts(tx *sql.Tx, results []worker.Result) error {
	for _, r := range results {
		if r.Kind == "unchanged" || r.Kind == "excluded" {
			continue
		}
		if _, err := tx.Exec(`DELETE FROM symbols WHERE root_id = ? AND path = ?`, r.RootID, r.RelPath); err != nil {
			return err
		}
		for _, s := range r.Symbols {
			id := SymbolID(r.RelPath, string(s.Kind), s.Qualname)
			metaJSON, err := json.Marshal(s.Metadata)
			if err != nil {
				return err
			}
			if _, err := tx.Exec(`
				INSERT INTO symbols (symbol_id, root_id, path, name, kind, start_line, end_line,
					snippet, parent_qualname, qualname, docstring, importance, metadata_json)
				VALUES (?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?, 0, ?)`,
				id, r.RootID, r.RelPath, s.Name, string(s.Kind), s.StartLine, s.EndLine,
				s.Snippet, s.ParentQualname, s.Qualname, s.Docstring, string(metaJSON),
			); err != nil {
				return fmt.Errorf("upsert symbol %s: %w", s.Qualname, err)
			}
		}
	}
	return nil
}

func applyRelationUpserts(tx *sql.Tx, results []worker.Result) error {
	for _, r := range results {
		if r.Kind == "unchanged" || r.Kind == "excluded" {
			continue
		}
		if _, err := tx.Exec(`DELETE FROM relations WHERE from_root_id = ? AND from_path = ?`, r.RootID, r.RelPath); err != nil {
			return err
		}
		for _, rel := range r.Relations {
			metaJSON, err := json.Marshal(rel.Metadata)
			if err != nil {
				return err
			}
			if _, err := tx.Exec(`
				INSERT OR IGNORE INTO relations (from_root_id, from_path, from_symbol_id, from_name,
					to_root_id, to_path, to_symbol_id, to_name, kind, call_line, metadata_json)
				VALUES (?, ?, NULL, ?, NULL, NULL, NULL, ?, ?, ?, ?)`,
				r.RootID, r.RelPath, rel.FromName, rel.ToName, string(rel.Kind), rel.FromLine, string(metaJSON),
			); err != nil {
				return fmt.Errorf("upsert relation %s->%s: %w", rel.FromName, rel.ToName, err)
			}
		}
	}
	return nil
}

func applyLastSeen(tx *sql.Tx, updates []LastSeenUpdate) error {
	for _, u := range updates {
		if _, err := tx.Exec(`UPDATE files SET scan_ts = ? WHERE root_id = ? AND path = ?`, u.ScanTS, u.RootID, u.Path); err != nil {
			return err
		}
	}
	return nil
}

func applySnippetUpserts(tx *sql.Tx, snippets []Snippet) error {
	for _, s := range snippets {
		metaJSON, err := json.Marshal(s.Metadata)
		if err != nil {
			return err
		}
		if _, err := tx.Exec(`
			INSERT INTO snippets (tag, root_id, path, start_line, end_line, content, content_hash,
				before_anchor, after_anchor, repo, note, commit_hash, created_at, updated_at, metadata_json)
			VALUES (?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?)
			ON CONFLICT (tag, root_id, path, start_line, end_line) DO UPDATE SET
				content=excluded.content, content_hash=excluded.content_hash,
				note=excluded.note, updated_at=excluded.updated_at, metadata_json=excluded.metadata_json`,
			s.Tag, s.RootID, s.Path, s.StartLine, s.EndLine, s.Content, s.ContentHash,
			s.BeforeAnchor, s.AfterAnchor, s.Repo, s.Note, s.CommitHash, s.CreatedAt, s.UpdatedAt, string(metaJSON),
		); err != nil {
			return fmt.Errorf("upsert snippet %s: %w", s.Tag, err)
		}
	}
	return nil
}

func applyContextUpserts(tx *sql.Tx, contexts []Context) error {
	for _, c := range contexts {
		tagsJSON, err := json.Marshal(c.Tags)
		if err != nil {
			return err
		}
		filesJSON, err := json.Marshal(c.RelatedFiles)
		if err != nil {
			return err
		}
		if _, err := tx.Exec(`
			INSERT INTO contexts (topic, content, tags_json, related_files_json, source,
				valid_from, valid_until, deprecated, created_at, updated_at)
			VALUES (?, ?, ?, ?, ?, ?, ?, ?, ?, ?)
			ON CONFLICT (topic) DO UPDATE SET
				content=excluded.content, tags_json=excluded.tags_json,
				related_files_json=excluded.related_files_json, source=excluded.source,
				valid_from=excluded.valid_from, valid_until=excluded.valid_until,
				deprecated=excluded.deprecated, updated_at=excluded.updated_at`,
			c.Topic, c.Content, string(tagsJSON), string(filesJSON), c.Source,
			c.ValidFrom, c.ValidUntil, c.Deprecated, c.CreatedAt, c.UpdatedAt,
		); err != nil {
			return fmt.Errorf("upsert context %s: %w", c.Topic, err)
		}
	}
	return nil
}

func applyDLQUpserts(tx *sql.Tx, entries []DLQEntry) error {
	for _, e := range entries {
		metaJSON, err := json.Marshal(e.Metadata)
		if err != nil {
			return err
		}
		if _, err := tx.Exec(`
			INSERT INTO failed_tasks (path, root_id, attempts, error_text, created_at, next_retry, metadata_json)
			VALUES (?, ?, ?, ?, ?, ?, ?)
			ON CONFLICT (path) DO UPDATE SET
				attempts=excluded.attempts, error_text=excluded.error_text, next_retry=excluded.next_retry,
				metadata_json=excluded.metadata_json`,
			e.Path, e.RootID, e.Attempts, e.ErrorText, e.CreatedAt, e.NextRetry, string(metaJSON),
		); err != nil {
			return fmt.Errorf("upsert dlq entry %s: %w", e.Path, err)
		}
	}
	return nil
}

func applyDLQClears(tx *sql.Tx, keys []DLQClearKey) error {
	for _, k := range keys {
		if _, err := tx.Exec(`DELETE FROM failed_tasks WHERE path = ?`, k.Path); err != nil {
			return err
		}
	}
	return nil
}
