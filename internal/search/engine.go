// Package search implements the merged overlay+FTS+SQL query pipeline
// of SPEC_FULL §4.5.
package search

import (
	"database/sql"
	"fmt"
	"regexp"
	"strings"
)

// Document is what the embedded full-text engine indexes per §4.5.
type Document struct {
	RootID string
	Path   string
	Repo   string
	Body   string
	MTime  int64
	Size   int64
}

// Hit is a single query match before merge/scoring.
type Hit struct {
	RootID string
	Path   string
	Repo   string
	MTime  int64
	Size   int64
	Score  float64
	Source string // "overlay" | "fts" | "sql"
}

// Engine is the uniform interface §4.5 calls for: upsert/delete/commit/
// close/search, implemented by an embedded FTS engine and a SQL
// fallback adapter sharing the same sqlite connection.
type Engine interface {
	UpsertDocuments(docs []Document) error
	DeleteDocuments(rootID string, paths []string) error
	Commit() error
	Close() error
	Search(query string, rootIDs []string, limit int) ([]Hit, error)
}

// FTSEngine is the embedded full-text engine (primary), backed by the
// `files_fts` FTS5 virtual table the storage layer maintains — sari
// has no separate Lucene-style index process; the embedded engine is
// realized as the SQLite FTS5 table already wired for storage, queried
// through its own handle.
type FTSEngine struct {
	db *sql.DB
}

// NewFTSEngine wraps db for full-text queries against files_fts.
func NewFTSEngine(db *sql.DB) *FTSEngine { return &FTSEngine{db: db} }

func (e *FTSEngine) UpsertDocuments(docs []Document) error { return nil } // storage.Writer already maintains files_fts
func (e *FTSEngine) DeleteDocuments(rootID string, paths []string) error { return nil }
func (e *FTSEngine) Commit() error                                       { return nil }
func (e *FTSEngine) Close() error                                        { return nil }

var specialChars = regexp.MustCompile(`[+\-&|!(){}\[\]^"~*?:\\/]`)

// escapeFTSQuery escapes Lucene-style special characters unless the
// query already uses field syntax, grouping, boolean operators or
// NEAR, in which case it is passed through verbatim (§4.5).
func escapeFTSQuery(query string) string {
	if looksStructured(query) {
		return query
	}
	return specialChars.ReplaceAllStringFunc(query, func(s string) string {
		return `"` + s + `"`
	})
}

func looksStructured(query string) bool {
	upper := strings.ToUpper(query)
	if strings.Contains(upper, " AND ") || strings.Contains(upper, " OR ") || strings.Contains(upper, " NOT ") || strings.Contains(upper, "NEAR") {
		return true
	}
	if strings.Contains(query, ":") || strings.Contains(query, "(") {
		return true
	}
	return false
}

// Search queries files_fts, scoped to rootIDs via a join against
// files, and returns raw (unnormalized) bm25-derived scores; the
// caller (query.go) normalizes them into [0,10].
func (e *FTSEngine) Search(query string, rootIDs []string, limit int) ([]Hit, error) {
	escaped := escapeFTSQuery(query)

	args := []any{escaped}
	rootFilter := ""
	if len(rootIDs) > 0 {
		placeholders := make([]string, len(rootIDs))
		for i, r := range rootIDs {
			placeholders[i] = "?"
			args = append(args, r)
		}
		rootFilter = "AND f.root_id IN (" + strings.Join(placeholders, ",") + ")"
	}
	args = append(args, limit)

	rows, err := e.db.Query(fmt.Sprintf(`
		SELECT f.root_id, f.path, f.repo, f.mtime, f.size, bm25(files_fts) AS rank
		FROM files_fts
		JOIN files f ON f.path = files_fts.path AND f.root_id = files_fts.root_id
		WHERE files_fts MATCH ? AND f.deleted_ts = 0 %s
		ORDER BY rank
		LIMIT ?`, rootFilter), args...)
	if err != nil {
		return nil, err
	}
	defer rows.Close()

	var hits []Hit
	for rows.Next() {
		var h Hit
		var rank float64
		if err := rows.Scan(&h.RootID, &h.Path, &h.Repo, &h.MTime, &h.Size, &rank); err != nil {
			return nil, err
		}
		h.Score = -rank // bm25 is lower-is-better; invert so higher is better
		h.Source = "fts"
		hits = append(hits, h)
	}
	return hits, rows.Err()
}

// SQLEngine is the SQL-only fallback adapter (§4.5): LIKE-based
// queries against the files table, used when the embedded engine is
// unavailable or regex search is requested.
type SQLEngine struct {
	db *sql.DB
}

// NewSQLEngine wraps db for LIKE/regex-driven fallback queries.
func NewSQLEngine(db *sql.DB) *SQLEngine { return &SQLEngine{db: db} }

func (e *SQLEngine) UpsertDocuments(docs []Document) error             { return nil }
func (e *SQLEngine) DeleteDocuments(rootID string, paths []string) error { return nil }
func (e *SQLEngine) Commit() error                                      { return nil }
func (e *SQLEngine) Close() error                                       { return nil }

func (e *SQLEngine) Search(query string, rootIDs []string, limit int) ([]Hit, error) {
	args := []any{"%" + query + "%"}
	rootFilter := ""
	if len(rootIDs) > 0 {
		placeholders := make([]string, len(rootIDs))
		for i, r := range rootIDs {
			placeholders[i] = "?"
			args = append(args, r)
		}
		rootFilter = "AND root_id IN (" + strings.Join(placeholders, ",") + ")"
	}
	args = append(args, limit)

	rows, err := e.db.Query(fmt.Sprintf(`
		SELECT root_id, path, repo, mtime, size
		FROM files
		WHERE fts_text LIKE ? AND deleted_ts = 0 %s
		ORDER BY mtime DESC
		LIMIT ?`, rootFilter), args...)
	if err != nil {
		return nil, err
	}
	defer rows.Close()

	var hits []Hit
	for rows.Next() {
		var h Hit
		if err := rows.Scan(&h.RootID, &h.Path, &h.Repo, &h.MTime, &h.Size); err != nil {
			return nil, err
		}
		h.Score = 1.0
		h.Source = "sql"
		hits = append(hits, h)
	}
	return hits, rows.Err()
}

// SearchRegex matches path_pattern or body content via Go regexp,
// used when SearchOptions.UseRegex is set (§4.5: "regex search is
// requested").
func (e *SQLEngine) SearchRegex(pattern string, rootIDs []string, limit int) ([]Hit, error) {
	re, err := regexp.Compile(pattern)
	if err != nil {
		return nil, fmt.Errorf("invalid regex: %w", err)
	}

	args := []any{}
	rootFilter := ""
	if len(rootIDs) > 0 {
		placeholders := make([]string, len(rootIDs))
		for i, r := range rootIDs {
			placeholders[i] = "?"
			args = append(args, r)
		}
		rootFilter = "WHERE root_id IN (" + strings.Join(placeholders, ",") + ") AND deleted_ts = 0"
	} else {
		rootFilter = "WHERE deleted_ts = 0"
	}

	rows, err := e.db.Query(fmt.Sprintf(`SELECT root_id, path, repo, mtime, size, fts_text FROM files %s`, rootFilter), args...)
	if err != nil {
		return nil, err
	}
	defer rows.Close()

	var hits []Hit
	for rows.Next() {
		var h Hit
		var body string
		if err := rows.Scan(&h.RootID, &h.Path, &h.Repo, &h.MTime, &h.Size, &body); err != nil {
			return nil, err
		}
		if re.MatchString(body) || re.MatchString(h.Path) {
			h.Score = 1.0
			h.Source = "sql"
			hits = append(hits, h)
			if len(hits) >= limit {
				break
			}
		}
	}
	return hits, rows.Err()
}
