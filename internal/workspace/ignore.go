package workspace

import (
	"bufio"
	"os"
	"path/filepath"
	"strings"
)

// IgnoreSet holds compiled line patterns from one ignore file (Resolve
// loads the workspace's .sariignore; .gitignore is not read), applied
// as simple glob-per-path-component matches. This is intentionally a
// subset of full gitignore syntax (no negation, no directory-only
// trailing-slash distinction beyond a literal strip). It filters
// profile-marker detection during the first three directory levels
// (§4.1); the scanner does not consult it.
type IgnoreSet struct {
	patterns []string
}

func loadIgnorePatterns(path string) (*IgnoreSet, error) {
	f, err := os.Open(path)
	if err != nil {
		if os.IsNotExist(err) {
			return &IgnoreSet{}, nil
		}
		return nil, err
	}
	defer f.Close()

	var patterns []string
	scanner := bufio.NewScanner(f)
	for scanner.Scan() {
		line := strings.TrimSpace(scanner.Text())
		if line == "" || strings.HasPrefix(line, "#") {
			continue
		}
		patterns = append(patterns, strings.TrimSuffix(line, "/"))
	}
	if err := scanner.Err(); err != nil {
		return nil, err
	}
	return &IgnoreSet{patterns: patterns}, nil
}

// Matches reports whether relPath (forward-slash or OS-separated,
// relative to the workspace root) matches any loaded pattern.
func (s *IgnoreSet) Matches(relPath string) bool {
	if s == nil {
		return false
	}
	relPath = filepath.ToSlash(relPath)
	base := filepath.Base(relPath)
	for _, p := range s.patterns {
		if ok, _ := filepath.Match(p, relPath); ok {
			return true
		}
		if ok, _ := filepath.Match(p, base); ok {
			return true
		}
		if strings.Contains(relPath, "/"+p+"/") || strings.HasPrefix(relPath, p+"/") {
			return true
		}
	}
	return false
}
