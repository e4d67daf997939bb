package search

import (
	"database/sql"
	"sort"
	"strings"

	"sari/internal/storage"
)

// Options mirrors §4.5's SearchOptions.
type Options struct {
	Query         string
	Limit         int
	RootIDs       []string
	UseRegex      bool
	IncludeContent bool
	Repo          string
	SnippetLines  int
	TotalMode     string
	FileTypes     []string
	PathPattern   string
	CaseSensitive bool
}

// Result is one merged, scored, ranked search hit with its snippet.
type Result struct {
	RootID      string
	Path        string
	Repo        string
	MTime       int64
	Size        int64
	Score       float64
	Snippet     string
	Content     string
	ScopeReason string
	HitReason   string
}

// Meta mirrors §4.5's response meta block.
type Meta struct {
	Engine    string // "hybrid" | "l2" | "sqlite"
	Partial   bool
	DBHealth  string // "ok" | "error"
	DBError   string
	Total     int
	TotalMode string
}

// Pipeline runs the query pipeline of §4.5 over the overlay, FTS
// engine and SQL fallback.
type Pipeline struct {
	overlay *storage.Overlay
	fts     Engine
	sqlFallback *SQLEngine
	db      *sql.DB
	cache   *SnippetCache
}

// NewPipeline constructs a query pipeline.
func NewPipeline(overlay *storage.Overlay, fts Engine, sqlFallback *SQLEngine, db *sql.DB, cache *SnippetCache) *Pipeline {
	return &Pipeline{overlay: overlay, fts: fts, sqlFallback: sqlFallback, db: db, cache: cache}
}

// Search executes §4.5's seven-step query pipeline.
func (p *Pipeline) Search(opts Options) ([]Result, Meta) {
	if opts.Limit <= 0 {
		opts.Limit = 20
	}

	byPath := make(map[string]Result)
	origin := make(map[string]string)
	meta := Meta{Engine: "hybrid", DBHealth: "ok", TotalMode: opts.TotalMode}

	// Step 2: overlay substring match, fixed score 100.
	for _, rootID := range normalizeRootIDs(opts.RootIDs) {
		for _, row := range p.overlay.SearchSnippets(rootID, opts.Query) {
			byPath[row.Path] = Result{
				RootID: row.RootID, Path: row.Path, Repo: row.Repo,
				MTime: row.MTime, Size: row.Size, Score: 100.0,
			}
			origin[row.Path] = "overlay"
		}
	}

	// Step 3: full-text engine, score normalized into [0,10].
	if !opts.UseRegex && p.fts != nil {
		hits, err := p.fts.Search(opts.Query, opts.RootIDs, opts.Limit*4)
		if err != nil {
			meta.DBHealth = "error"
			meta.DBError = err.Error()
			meta.Partial = true
		} else {
			mergeNormalized(byPath, origin, hits)
		}
	}

	// Step 4: SQL fallback if short on results, engine unavailable, or regex requested.
	if opts.UseRegex {
		hits, err := p.sqlFallback.SearchRegex(opts.Query, opts.RootIDs, opts.Limit*4)
		if err != nil {
			meta.DBHealth = "error"
			meta.DBError = err.Error()
			meta.Partial = true
			meta.Engine = "l2"
		} else {
			mergeFallback(byPath, origin, hits)
			meta.Engine = "sqlite"
		}
	} else if len(byPath) < opts.Limit || p.fts == nil {
		hits, err := p.sqlFallback.Search(opts.Query, opts.RootIDs, opts.Limit*4)
		if err == nil {
			mergeFallback(byPath, origin, hits)
		}
	}

	results := applyFilters(byPath, opts)

	// Step 5: boost prefix matches.
	for i := range results {
		for _, rootID := range opts.RootIDs {
			if strings.HasPrefix(results[i].Path, rootID) {
				results[i].Score += 50.0
				break
			}
		}
	}

	// Step 6: sort by (-score, -mtime), truncate.
	sort.Slice(results, func(i, j int) bool {
		if results[i].Score != results[j].Score {
			return results[i].Score > results[j].Score
		}
		return results[i].MTime > results[j].MTime
	})
	meta.Total = len(results)
	if len(results) > opts.Limit {
		results = results[:opts.Limit]
	}

	// Step 7: snippets (always) + scope_reason + hit_reason; full content
	// only when requested.
	for i := range results {
		results[i].ScopeReason = scopeReason(opts)
		results[i].HitReason = hitReason(origin[results[i].Path], meta)
		results[i].Snippet = p.snippetFor(results[i], opts)
		if opts.IncludeContent {
			results[i].Content = p.fullContentFor(results[i])
		}
	}

	return results, meta
}

// hitReason surfaces a hit's origin tier for scenarios like a degraded
// overlay-only read when the primary engine failed (§4.5 meta.partial).
func hitReason(origin string, meta Meta) string {
	switch origin {
	case "overlay":
		if meta.Partial {
			return "L2 Cache (Degraded)"
		}
		return "L2 Cache"
	case "fts":
		return "FTS"
	case "sql":
		return "SQL Fallback"
	default:
		return ""
	}
}

func normalizeRootIDs(rootIDs []string) []string {
	if len(rootIDs) == 0 {
		return []string{""}
	}
	return rootIDs
}

func mergeNormalized(byPath map[string]Result, origin map[string]string, hits []Hit) {
	max := 0.0
	for _, h := range hits {
		if h.Score > max {
			max = h.Score
		}
	}
	if max == 0 {
		max = 1
	}
	for _, h := range hits {
		if _, exists := byPath[h.Path]; exists {
			continue // overlay wins on collision
		}
		byPath[h.Path] = Result{
			RootID: h.RootID, Path: h.Path, Repo: h.Repo,
			MTime: h.MTime, Size: h.Size, Score: (h.Score / max) * 10.0,
		}
		origin[h.Path] = h.Source
	}
}

func mergeFallback(byPath map[string]Result, origin map[string]string, hits []Hit) {
	for _, h := range hits {
		if _, exists := byPath[h.Path]; exists {
			continue
		}
		byPath[h.Path] = Result{
			RootID: h.RootID, Path: h.Path, Repo: h.Repo,
			MTime: h.MTime, Size: h.Size, Score: h.Score,
		}
		origin[h.Path] = h.Source
	}
}

func applyFilters(byPath map[string]Result, opts Options) []Result {
	var out []Result
	for _, r := range byPath {
		if opts.Repo != "" && r.Repo != opts.Repo {
			continue
		}
		if len(opts.FileTypes) > 0 && !hasFileType(r.Path, opts.FileTypes) {
			continue
		}
		if opts.PathPattern != "" && !strings.Contains(r.Path, opts.PathPattern) {
			continue
		}
		out = append(out, r)
	}
	return out
}

func hasFileType(path string, types []string) bool {
	for _, t := range types {
		if strings.HasSuffix(path, t) {
			return true
		}
	}
	return false
}

func scopeReason(opts Options) string {
	var parts []string
	if opts.Repo != "" {
		parts = append(parts, "repo="+opts.Repo)
	}
	if opts.PathPattern != "" {
		parts = append(parts, "path~="+opts.PathPattern)
	}
	if len(opts.FileTypes) > 0 {
		parts = append(parts, "types="+strings.Join(opts.FileTypes, ","))
	}
	if len(parts) == 0 {
		return "unscoped"
	}
	return strings.Join(parts, " ")
}

func (p *Pipeline) snippetFor(r Result, opts Options) string {
	var content string
	_ = p.db.QueryRow(`SELECT fts_text FROM files WHERE root_id = ? AND path = ?`, r.RootID, r.Path).Scan(&content)
	if content == "" {
		return ""
	}
	key := SnippetKey{
		Path: r.Path, Query: opts.Query,
		ContentDigest: ContentDigest([]byte(content)),
		CaseSensitive: opts.CaseSensitive,
	}
	return p.cache.GetOrCompute(key, func() string {
		return ExtractSnippet(content, opts.Query, opts.SnippetLines, opts.CaseSensitive)
	})
}

// fullContentFor loads a result's full stored content, used only when
// IncludeContent is set — snippetFor above stays the unconditional path.
func (p *Pipeline) fullContentFor(r Result) string {
	var content []byte
	_ = p.db.QueryRow(`SELECT content FROM files WHERE root_id = ? AND path = ?`, r.RootID, r.Path).Scan(&content)
	return string(content)
}
