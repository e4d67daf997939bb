// Package mcptools implements the 18 named tool calls of SPEC_FULL
// §6 against a bound workspace's shared state, dispatched by
// internal/daemon via the ToolDispatcher interface.
package mcptools

import (
	"context"
	"fmt"
	"os"
	"path/filepath"
	"strconv"
	"strings"
	"time"

	"sari/internal/ctxtoken"
	"sari/internal/daemon"
	"sari/internal/diffutil"
	"sari/internal/search"
	"sari/internal/worker"
)

// toolFunc executes one named tool against a bound workspace.
type toolFunc func(ctx context.Context, state *daemon.SharedState, args map[string]any) daemon.ToolResult

// Registry is the dispatch table handed to the daemon as a
// daemon.ToolDispatcher.
type Registry struct {
	tools  map[string]toolFunc
	signer *ctxtoken.Signer
}

// New builds the registry of all 18 tools, minting a fresh in-memory
// context-token signing key (ctx_keys.json persistence is the caller's
// responsibility via Signer.Key).
func New() (*Registry, error) {
	signer, err := ctxtoken.NewRandomSigner()
	if err != nil {
		return nil, err
	}
	return NewWithSigner(signer), nil
}

// NewWithSigner builds the registry with an explicit signer — the
// override hook for tests and for a daemon restoring a persisted key.
func NewWithSigner(signer *ctxtoken.Signer) *Registry {
	r := &Registry{tools: make(map[string]toolFunc), signer: signer}
	r.tools["search"] = r.search
	r.tools["search_symbols"] = r.searchSymbols
	r.tools["list_files"] = r.listFiles
	r.tools["read_file"] = r.readFile
	r.tools["read_symbol"] = r.readSymbol
	r.tools["list_symbols"] = r.listSymbols
	r.tools["get_callers"] = r.getCallers
	r.tools["get_implementations"] = r.getImplementations
	r.tools["call_graph"] = r.callGraph
	r.tools["save_snippet"] = r.saveSnippet
	r.tools["get_snippet"] = r.getSnippet
	r.tools["archive_context"] = r.archiveContext
	r.tools["get_context"] = r.getContext
	r.tools["status"] = r.status
	r.tools["doctor"] = r.doctor
	r.tools["dry_run_diff"] = r.dryRunDiff
	r.tools["index_file"] = r.indexFile
	r.tools["rescan"] = r.rescan
	return r
}

// Call implements daemon.ToolDispatcher.
func (r *Registry) Call(ctx context.Context, state *daemon.SharedState, name string, args map[string]any) daemon.ToolResult {
	fn, ok := r.tools[name]
	if !ok {
		return errResult("ERR_INVALID_ARGS", "unknown tool: "+name)
	}
	return fn(ctx, state, args)
}

func errResult(code, message string) daemon.ToolResult {
	return daemon.ToolResult{IsError: true, Error: &daemon.ToolCallError{Code: code, Message: message}}
}

func textResult(text string) daemon.ToolResult {
	return daemon.ToolResult{Content: []daemon.ToolContent{{Type: "text", Text: text}}}
}

func argString(args map[string]any, key string) (string, bool) {
	v, ok := args[key]
	if !ok {
		return "", false
	}
	s, ok := v.(string)
	return s, ok
}

func argInt(args map[string]any, key string, def int) int {
	v, ok := args[key]
	if !ok {
		return def
	}
	switch n := v.(type) {
	case float64:
		return int(n)
	case int:
		return n
	default:
		return def
	}
}

func requireString(args map[string]any, key string) (string, *daemon.ToolResult) {
	s, ok := argString(args, key)
	if !ok || s == "" {
		res := errResult("ERR_INVALID_ARGS", "missing required argument: "+key)
		return "", &res
	}
	return s, nil
}

// search runs the merged overlay+FTS+SQL query pipeline (§4.5).
func (r *Registry) search(ctx context.Context, state *daemon.SharedState, args map[string]any) daemon.ToolResult {
	query, errRes := requireString(args, "query")
	if errRes != nil {
		return *errRes
	}
	if state.Search == nil {
		return errResult("ERR_INTERNAL", "search pipeline not available")
	}
	opts := search.Options{
		Query:          query,
		Limit:          argInt(args, "limit", 20),
		RootIDs:        []string{state.Root.ID},
		IncludeContent: boolArg(args, "include_content"),
		SnippetLines:   argInt(args, "snippet_lines", 5),
	}
	if pattern, ok := argString(args, "path_pattern"); ok {
		opts.PathPattern = pattern
	}
	if boolArg(args, "use_regex") {
		opts.UseRegex = true
	}

	results, meta := state.Search.Search(opts)
	return textResult(renderSearchResults(results, meta))
}

func boolArg(args map[string]any, key string) bool {
	v, ok := args[key]
	if !ok {
		return false
	}
	b, _ := v.(bool)
	return b
}

func renderSearchResults(results []search.Result, meta search.Meta) string {
	var b strings.Builder
	b.WriteString("engine=" + meta.Engine)
	if meta.Partial {
		b.WriteString(" partial=true db_health=" + meta.DBHealth)
	}
	b.WriteString("\n")
	for _, res := range results {
		b.WriteString(res.Path)
		if res.HitReason != "" {
			b.WriteString(" hit_reason=" + res.HitReason)
		}
		b.WriteString("\n")
		if res.Snippet != "" {
			b.WriteString(res.Snippet)
			b.WriteString("\n")
		}
		if res.Content != "" {
			b.WriteString(res.Content)
			b.WriteString("\n")
		}
	}
	return b.String()
}

// searchSymbols looks up symbols by name substring within the bound root.
func (r *Registry) searchSymbols(ctx context.Context, state *daemon.SharedState, args map[string]any) daemon.ToolResult {
	name, errRes := requireString(args, "name")
	if errRes != nil {
		return *errRes
	}
	rows, err := state.DB.QueryContext(ctx, `
		SELECT path, name, kind, qualname, start_line, end_line
		FROM symbols WHERE root_id = ? AND name LIKE ? ORDER BY importance DESC LIMIT ?`,
		state.Root.ID, "%"+name+"%", argInt(args, "limit", 50))
	if err != nil {
		return errResult("ERR_INTERNAL", err.Error())
	}
	defer rows.Close()

	var b strings.Builder
	for rows.Next() {
		var path, symName, kind, qualname string
		var start, end int
		if err := rows.Scan(&path, &symName, &kind, &qualname, &start, &end); err != nil {
			return errResult("ERR_INTERNAL", err.Error())
		}
		b.WriteString(path + ":" + strconv.Itoa(start) + "-" + strconv.Itoa(end) + " " + kind + " " + qualname + "\n")
	}
	return textResult(b.String())
}

// listFiles lists live files under the bound root, optionally
// filtered by a path prefix.
func (r *Registry) listFiles(ctx context.Context, state *daemon.SharedState, args map[string]any) daemon.ToolResult {
	prefix, _ := argString(args, "path_prefix")
	rows, err := state.DB.QueryContext(ctx, `
		SELECT path, size, mtime FROM files
		WHERE root_id = ? AND deleted_ts = 0 AND path LIKE ?
		ORDER BY path LIMIT ?`,
		state.Root.ID, prefix+"%", argInt(args, "limit", 500))
	if err != nil {
		return errResult("ERR_INTERNAL", err.Error())
	}
	defer rows.Close()

	var b strings.Builder
	for rows.Next() {
		var path string
		var size, mtime int64
		if err := rows.Scan(&path, &size, &mtime); err != nil {
			return errResult("ERR_INTERNAL", err.Error())
		}
		b.WriteString(path + "\n")
	}
	return textResult(b.String())
}

// readFile returns a file's current content straight off disk, scoped
// to the bound root (§6's out-of-scope-root check).
func (r *Registry) readFile(ctx context.Context, state *daemon.SharedState, args map[string]any) daemon.ToolResult {
	rel, errRes := requireString(args, "path")
	if errRes != nil {
		return *errRes
	}
	abs, err := scopedPath(state, rel)
	if err != nil {
		return errResult("ERR_ROOT_OUT_OF_SCOPE", err.Error())
	}
	content, err := os.ReadFile(abs)
	if err != nil {
		return errResult("ERR_NOT_FOUND", err.Error())
	}
	return textResult(string(content))
}

// scopedPath resolves rel against root, refusing to escape it.
func scopedPath(state *daemon.SharedState, rel string) (string, error) {
	abs := filepath.Join(state.Root.AbsPath, rel)
	if !strings.HasPrefix(abs, filepath.Clean(state.Root.AbsPath)+string(filepath.Separator)) && abs != state.Root.AbsPath {
		return "", errOutOfScope(rel)
	}
	return abs, nil
}

type outOfScopeErr struct{ path string }

func (e outOfScopeErr) Error() string { return "path escapes workspace root: " + e.path }

func errOutOfScope(path string) error { return outOfScopeErr{path: path} }

// readSymbol returns one symbol's stored snippet by qualname.
func (r *Registry) readSymbol(ctx context.Context, state *daemon.SharedState, args map[string]any) daemon.ToolResult {
	qualname, errRes := requireString(args, "qualname")
	if errRes != nil {
		return *errRes
	}
	var snippet, path string
	var start, end int
	err := state.DB.QueryRowContext(ctx, `
		SELECT path, start_line, end_line, snippet FROM symbols
		WHERE root_id = ? AND qualname = ? LIMIT 1`, state.Root.ID, qualname).
		Scan(&path, &start, &end, &snippet)
	if err != nil {
		return errResult("ERR_NOT_FOUND", "symbol not found: "+qualname)
	}
	return textResult(path + ":" + strconv.Itoa(start) + "-" + strconv.Itoa(end) + "\n" + snippet)
}

// listSymbols lists every symbol defined in one file.
func (r *Registry) listSymbols(ctx context.Context, state *daemon.SharedState, args map[string]any) daemon.ToolResult {
	path, errRes := requireString(args, "path")
	if errRes != nil {
		return *errRes
	}
	rows, err := state.DB.QueryContext(ctx, `
		SELECT name, kind, qualname, start_line, end_line FROM symbols
		WHERE root_id = ? AND path = ? ORDER BY start_line`, state.Root.ID, path)
	if err != nil {
		return errResult("ERR_INTERNAL", err.Error())
	}
	defer rows.Close()

	var b strings.Builder
	for rows.Next() {
		var name, kind, qualname string
		var start, end int
		if err := rows.Scan(&name, &kind, &qualname, &start, &end); err != nil {
			return errResult("ERR_INTERNAL", err.Error())
		}
		b.WriteString(strconv.Itoa(start) + "-" + strconv.Itoa(end) + " " + kind + " " + qualname + "\n")
	}
	return textResult(b.String())
}

// getCallers returns every relation calling the named symbol.
func (r *Registry) getCallers(ctx context.Context, state *daemon.SharedState, args map[string]any) daemon.ToolResult {
	name, errRes := requireString(args, "name")
	if errRes != nil {
		return *errRes
	}
	return queryRelations(ctx, state, name, "calls")
}

// getImplementations returns every relation implementing the named interface.
func (r *Registry) getImplementations(ctx context.Context, state *daemon.SharedState, args map[string]any) daemon.ToolResult {
	name, errRes := requireString(args, "name")
	if errRes != nil {
		return *errRes
	}
	return queryRelations(ctx, state, name, "implements")
}

func queryRelations(ctx context.Context, state *daemon.SharedState, toName, kind string) daemon.ToolResult {
	rows, err := state.DB.QueryContext(ctx, `
		SELECT from_path, from_name, call_line FROM relations
		WHERE from_root_id = ? AND to_name = ? AND kind = ?
		ORDER BY from_path`, state.Root.ID, toName, kind)
	if err != nil {
		return errResult("ERR_INTERNAL", err.Error())
	}
	defer rows.Close()

	var b strings.Builder
	for rows.Next() {
		var path, from string
		var line int
		if err := rows.Scan(&path, &from, &line); err != nil {
			return errResult("ERR_INTERNAL", err.Error())
		}
		b.WriteString(path + ":" + strconv.Itoa(line) + " " + from + "\n")
	}
	return textResult(b.String())
}

// callGraph returns the one-hop call edges from the named symbol in
// both directions; §9 keeps its exact contract at "results or empty
// with a reason".
func (r *Registry) callGraph(ctx context.Context, state *daemon.SharedState, args map[string]any) daemon.ToolResult {
	name, errRes := requireString(args, "name")
	if errRes != nil {
		return *errRes
	}

	var b strings.Builder
	b.WriteString("callers:\n")
	b.WriteString(queryRelationsText(ctx, state, name, "calls", true))
	b.WriteString("callees:\n")
	b.WriteString(queryRelationsText(ctx, state, name, "calls", false))
	if b.Len() == len("callers:\ncallees:\n") {
		return textResult("no call graph data for " + name + " (reason: symbol unresolved or never parsed)")
	}
	return textResult(b.String())
}

func queryRelationsText(ctx context.Context, state *daemon.SharedState, name, kind string, incoming bool) string {
	col := "to_name"
	other := "from_name"
	if !incoming {
		col, other = "from_name", "to_name"
	}
	rows, err := state.DB.QueryContext(ctx, `
		SELECT `+other+`, call_line FROM relations
		WHERE from_root_id = ? AND `+col+` = ? AND kind = ?`, state.Root.ID, name, kind)
	if err != nil {
		return ""
	}
	defer rows.Close()

	var b strings.Builder
	for rows.Next() {
		var peer string
		var line int
		if err := rows.Scan(&peer, &line); err != nil {
			continue
		}
		b.WriteString("  " + peer + ":" + strconv.Itoa(line) + "\n")
	}
	return b.String()
}

// saveSnippet stores a pinned code excerpt under a tag (§3's Snippet
// record), content-addressed via a stable hash of its text.
func (r *Registry) saveSnippet(ctx context.Context, state *daemon.SharedState, args map[string]any) daemon.ToolResult {
	tag, errRes := requireString(args, "tag")
	if errRes != nil {
		return *errRes
	}
	path, errRes := requireString(args, "path")
	if errRes != nil {
		return *errRes
	}
	content, errRes := requireString(args, "content")
	if errRes != nil {
		return *errRes
	}
	start := argInt(args, "start_line", 1)
	end := argInt(args, "end_line", start)
	note, _ := argString(args, "note")

	now := time.Now().Unix()
	_, err := state.DB.ExecContext(ctx, `
		INSERT INTO snippets (tag, root_id, path, start_line, end_line, content, content_hash, note, created_at, updated_at)
		VALUES (?, ?, ?, ?, ?, ?, ?, ?, ?, ?)
		ON CONFLICT(tag, root_id, path, start_line, end_line) DO UPDATE SET
			content = excluded.content, content_hash = excluded.content_hash,
			note = excluded.note, updated_at = excluded.updated_at`,
		tag, state.Root.ID, path, start, end, content, search.ContentDigest([]byte(content)), note, now, now)
	if err != nil {
		return errResult("ERR_INTERNAL", err.Error())
	}
	return textResult("saved snippet " + tag)
}

// getSnippet retrieves a previously saved snippet by tag.
func (r *Registry) getSnippet(ctx context.Context, state *daemon.SharedState, args map[string]any) daemon.ToolResult {
	tag, errRes := requireString(args, "tag")
	if errRes != nil {
		return *errRes
	}
	var path, content string
	var start, end int
	err := state.DB.QueryRowContext(ctx, `
		SELECT path, start_line, end_line, content FROM snippets
		WHERE root_id = ? AND tag = ? ORDER BY updated_at DESC LIMIT 1`, state.Root.ID, tag).
		Scan(&path, &start, &end, &content)
	if err != nil {
		return errResult("ERR_NOT_FOUND", "snippet not found: "+tag)
	}
	return textResult(path + ":" + strconv.Itoa(start) + "-" + strconv.Itoa(end) + "\n" + content)
}

// archiveContext saves a durable note under a topic and mints a
// context reference token for later retrieval (§6).
func (r *Registry) archiveContext(ctx context.Context, state *daemon.SharedState, args map[string]any) daemon.ToolResult {
	topic, errRes := requireString(args, "topic")
	if errRes != nil {
		return *errRes
	}
	content, errRes := requireString(args, "content")
	if errRes != nil {
		return *errRes
	}
	now := time.Now().Unix()
	_, err := state.DB.ExecContext(ctx, `
		INSERT INTO contexts (topic, content, source, created_at, updated_at)
		VALUES (?, ?, ?, ?, ?)
		ON CONFLICT(topic) DO UPDATE SET content = excluded.content, updated_at = excluded.updated_at`,
		topic, content, state.Root.ID, now, now)
	if err != nil {
		return errResult("ERR_INTERNAL", err.Error())
	}
	token, err := r.signer.Issue(topic, state.Root.ID, 0)
	if err != nil {
		return errResult("ERR_INTERNAL", err.Error())
	}
	return textResult(token)
}

// getContext resolves a context token (or a bare topic, for
// convenience) back to its archived content.
func (r *Registry) getContext(ctx context.Context, state *daemon.SharedState, args map[string]any) daemon.ToolResult {
	ref, errRes := requireString(args, "ref")
	if errRes != nil {
		return *errRes
	}
	topic := ref
	if strings.HasPrefix(ref, "ctx_") {
		p, err := r.signer.Verify(ref)
		if err != nil {
			return errResult("ERR_INVALID_ARGS", err.Error())
		}
		topic = p.Topic
	}
	var content string
	err := state.DB.QueryRowContext(ctx, `SELECT content FROM contexts WHERE topic = ?`, topic).Scan(&content)
	if err != nil {
		return errResult("ERR_NOT_FOUND", "context not found: "+topic)
	}
	return textResult(content)
}

// status reports the bound workspace's basic health: db reachability
// and the writer queue's load (depth/5000, capped at 1).
func (r *Registry) status(ctx context.Context, state *daemon.SharedState, args map[string]any) daemon.ToolResult {
	var b strings.Builder
	b.WriteString("root=" + state.Root.Label + " (" + state.Root.ID + ")\n")
	if err := state.DB.PingContext(ctx); err != nil {
		b.WriteString("db_health=error: " + err.Error() + "\n")
	} else {
		b.WriteString("db_health=ok\n")
	}
	if state.Queue != nil {
		fmt.Fprintf(&b, "queue_load=%.2f\n", state.Queue.Load())
	}
	return textResult(b.String())
}

// doctor runs a deeper diagnostic pass; §9 leaves its exact contract
// at "returns results or empty with a reason".
func (r *Registry) doctor(ctx context.Context, state *daemon.SharedState, args map[string]any) daemon.ToolResult {
	var b strings.Builder
	if err := state.DB.PingContext(ctx); err != nil {
		b.WriteString("db: unreachable (" + err.Error() + ")\n")
	} else {
		b.WriteString("db: reachable\n")
	}

	var fileCount, failedCount int
	_ = state.DB.QueryRowContext(ctx, `SELECT COUNT(*) FROM files WHERE root_id = ? AND deleted_ts = 0`, state.Root.ID).Scan(&fileCount)
	_ = state.DB.QueryRowContext(ctx, `SELECT COUNT(*) FROM failed_tasks WHERE root_id = ?`, state.Root.ID).Scan(&failedCount)
	b.WriteString("indexed_files=" + strconv.Itoa(fileCount) + "\n")
	b.WriteString("failed_tasks=" + strconv.Itoa(failedCount) + "\n")

	if state.Watcher == nil {
		b.WriteString("watcher: not running (reason: workspace has no active watcher)\n")
	} else {
		b.WriteString("watcher: running\n")
	}
	return textResult(b.String())
}

// dryRunDiff computes a unified diff between a file's current content
// and proposed replacement content, without writing anything.
func (r *Registry) dryRunDiff(ctx context.Context, state *daemon.SharedState, args map[string]any) daemon.ToolResult {
	rel, errRes := requireString(args, "path")
	if errRes != nil {
		return *errRes
	}
	proposed, errRes := requireString(args, "content")
	if errRes != nil {
		return *errRes
	}
	abs, err := scopedPath(state, rel)
	if err != nil {
		return errResult("ERR_ROOT_OUT_OF_SCOPE", err.Error())
	}
	current, err := os.ReadFile(abs)
	if err != nil && !os.IsNotExist(err) {
		return errResult("ERR_INTERNAL", err.Error())
	}
	result := diffutil.Compute(rel, string(current), proposed)
	if result.Identical {
		return textResult("no changes")
	}
	return textResult(result.Unified)
}

// indexFile forces a single-file reindex on the priority lane,
// bypassing the mtime/hash unchanged-shortcut (§4.3 step 3) so an
// explicit user request is never starved behind a large background
// scan.
func (r *Registry) indexFile(ctx context.Context, state *daemon.SharedState, args map[string]any) daemon.ToolResult {
	rel, errRes := requireString(args, "path")
	if errRes != nil {
		return *errRes
	}
	if state.Coordinator == nil {
		return errResult("ERR_INTERNAL", "coordinator not available")
	}
	abs, err := scopedPath(state, rel)
	if err != nil {
		return errResult("ERR_ROOT_OUT_OF_SCOPE", err.Error())
	}
	state.Coordinator.EnqueuePriority(state.Root.ID, 10, worker.Task{
		Root: state.Root.AbsPath, RootID: state.Root.ID, AbsPath: abs,
		ScanTS: time.Now().Unix(), Force: true,
	})
	return textResult("queued forced reindex: " + rel)
}

// rescan walks the bound root and enqueues every live file onto the
// fair queue for reindexing (§4.6); an optional force flag disables
// the unchanged-shortcut for this pass only.
func (r *Registry) rescan(ctx context.Context, state *daemon.SharedState, args map[string]any) daemon.ToolResult {
	if state.Scanner == nil || state.Coordinator == nil {
		return errResult("ERR_INTERNAL", "scanner or coordinator not available")
	}
	force := boolArg(args, "force")
	scanTS := time.Now().Unix()

	entries, errs := state.Scanner.Scan(ctx, state.Root.AbsPath)
	count := 0
	for entries != nil || errs != nil {
		select {
		case entry, ok := <-entries:
			if !ok {
				entries = nil
				continue
			}
			state.Coordinator.EnqueueFair(state.Root.ID, worker.Task{
				Root: state.Root.AbsPath, RootID: state.Root.ID, AbsPath: entry.AbsPath,
				ScanTS: scanTS, Excluded: entry.Excluded, Force: force,
			})
			count++
		case err, ok := <-errs:
			if !ok {
				errs = nil
				continue
			}
			if err != nil {
				return errResult("ERR_INTERNAL", err.Error())
			}
		}
	}
	return textResult("rescan enqueued " + strconv.Itoa(count) + " files for " + state.Root.Label)
}

