// Package scanner walks a workspace root and produces candidate file
// entries for the worker pipeline, applying ignore rules and the
// MAX_DEPTH bound of SPEC_FULL §4.2.
package scanner

import (
	"context"
	"os"
	"path/filepath"
	"regexp"
	"strings"

	"sari/internal/workspace"
)

// Entry is one (absolute_path, stat_info, excluded_flag) tuple from
// the scan. A file may be enumerated but flagged Excluded; the
// pipeline still records a stub so deletions of excluded files are
// detected and tombstoned (§4.2).
type Entry struct {
	AbsPath  string
	Info     os.FileInfo
	Excluded bool
}

// Scanner compiles a workspace's include/exclude rules into two
// regexes (dirs, globs) at construction for O(1) per-entry dispatch.
type Scanner struct {
	cfg        workspace.Config
	dirExclude *regexp.Regexp
	globExclude *regexp.Regexp
	includeExt map[string]bool
	includeName map[string]bool
	followSymlinks bool
	maxDepth   int
}

// New compiles exclude rules from cfg.
func New(cfg workspace.Config) (*Scanner, error) {
	dirPattern := globsToAnchoredAlternation(cfg.ExcludeDirs)
	dirRe, err := regexp.Compile(dirPattern)
	if err != nil {
		return nil, err
	}

	globPattern := globsToRegexAlternation(cfg.ExcludeGlobs)
	globRe, err := regexp.Compile(globPattern)
	if err != nil {
		return nil, err
	}

	includeExt := make(map[string]bool, len(cfg.IncludeExt))
	for _, e := range cfg.IncludeExt {
		includeExt[strings.ToLower(e)] = true
	}
	includeName := make(map[string]bool, len(cfg.IncludeNames))
	for _, n := range cfg.IncludeNames {
		includeName[n] = true
	}

	maxDepth := cfg.MaxDepth
	if maxDepth <= 0 {
		maxDepth = 64
	}

	return &Scanner{
		cfg:            cfg,
		dirExclude:     dirRe,
		globExclude:    globRe,
		includeExt:     includeExt,
		includeName:    includeName,
		followSymlinks: cfg.FollowSymlinks,
		maxDepth:       maxDepth,
	}, nil
}

func globsToAnchoredAlternation(names []string) string {
	if len(names) == 0 {
		return `\A\z` // matches nothing
	}
	parts := make([]string, len(names))
	for i, n := range names {
		parts[i] = "^" + regexp.QuoteMeta(n) + "$"
	}
	return strings.Join(parts, "|")
}

func globsToRegexAlternation(globs []string) string {
	if len(globs) == 0 {
		return `\A\z`
	}
	parts := make([]string, len(globs))
	for i, g := range globs {
		// Translate shell glob to regex: '*' -> '.*', '?' -> '.'
		escaped := regexp.QuoteMeta(g)
		escaped = strings.ReplaceAll(escaped, `\*`, `.*`)
		escaped = strings.ReplaceAll(escaped, `\?`, `.`)
		parts[i] = "^" + escaped + "$"
	}
	return strings.Join(parts, "|")
}

// Scan walks root depth-first and sends one Entry per file (never
// directories) on the returned channel. The walk never descends into
// a symlinked directory, whatever the setting; with FollowSymlinks off
// symlink entries are skipped, with it on they are emitted like
// regular files. It prunes entire subtrees whose directory name
// matches the exclude-dirs pattern, and stops at maxDepth.
// Errors are sent on the error channel; the entry channel is always
// closed when the walk finishes or ctx is cancelled.
func (s *Scanner) Scan(ctx context.Context, root string) (<-chan Entry, <-chan error) {
	entries := make(chan Entry, 64)
	errs := make(chan error, 1)

	go func() {
		defer close(entries)
		defer close(errs)

		err := filepath.Walk(root, func(path string, info os.FileInfo, err error) error {
			select {
			case <-ctx.Done():
				return ctx.Err()
			default:
			}
			if err != nil {
				return nil // unreadable entry: skip, not fatal to the walk
			}

			rel, _ := filepath.Rel(root, path)
			depth := strings.Count(filepath.ToSlash(rel), "/")

			if info.IsDir() {
				if path == root {
					return nil
				}
				if depth >= s.maxDepth {
					return filepath.SkipDir
				}
				if !s.followSymlinks && info.Mode()&os.ModeSymlink != 0 {
					return filepath.SkipDir
				}
				if s.dirExclude.MatchString(info.Name()) {
					return filepath.SkipDir
				}
				return nil
			}

			if !s.followSymlinks && info.Mode()&os.ModeSymlink != 0 {
				return nil
			}

			excluded := s.isExcluded(path, info)

			select {
			case entries <- Entry{AbsPath: path, Info: info, Excluded: excluded}:
			case <-ctx.Done():
				return ctx.Err()
			}
			return nil
		})
		if err != nil && err != context.Canceled {
			errs <- err
		}
	}()

	return entries, errs
}

// isExcluded reports the excluded_flag for a file: true unless it
// matches an include rule (by extension or literal filename) and does
// not match an exclude-glob.
func (s *Scanner) isExcluded(path string, info os.FileInfo) bool {
	base := filepath.Base(path)
	if s.globExclude.MatchString(base) {
		return true
	}

	ext := strings.ToLower(filepath.Ext(path))
	if s.includeExt[ext] {
		return false
	}
	if s.includeName[base] {
		return false
	}
	return true
}
