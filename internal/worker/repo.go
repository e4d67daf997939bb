package worker

import (
	"os"
	"path/filepath"
	"strings"
	"sync"
)

// RepoLabeler infers a repository label per §4.3 step 6: Git top-level
// basename if discoverable, else the workspace root basename for
// root-level files, else the first-component directory name. The
// cache is bounded and keyed by directory, never shared across
// unrelated workspace roots.
type RepoLabeler struct {
	mu       sync.Mutex
	cache    map[string]string
	maxSize  int
	workRoot string
}

// NewRepoLabeler constructs a labeler scoped to one workspace root.
func NewRepoLabeler(workspaceRoot string, maxSize int) *RepoLabeler {
	if maxSize <= 0 {
		maxSize = 4096
	}
	return &RepoLabeler{
		cache:    make(map[string]string),
		maxSize:  maxSize,
		workRoot: workspaceRoot,
	}
}

// Label returns the repository label for a file's containing
// directory.
func (r *RepoLabeler) Label(fileDir string) string {
	r.mu.Lock()
	if label, ok := r.cache[fileDir]; ok {
		r.mu.Unlock()
		return label
	}
	r.mu.Unlock()

	label := r.compute(fileDir)

	r.mu.Lock()
	if len(r.cache) >= r.maxSize {
		for k := range r.cache {
			delete(r.cache, k)
			break
		}
	}
	r.cache[fileDir] = label
	r.mu.Unlock()

	return label
}

func (r *RepoLabeler) compute(fileDir string) string {
	if top, ok := gitTopLevel(fileDir, r.workRoot); ok {
		return filepath.Base(top)
	}
	if fileDir == r.workRoot {
		return filepath.Base(r.workRoot)
	}
	rel, err := filepath.Rel(r.workRoot, fileDir)
	if err != nil || rel == "." {
		return filepath.Base(r.workRoot)
	}
	first := strings.SplitN(filepath.ToSlash(rel), "/", 2)[0]
	if first == "" {
		return filepath.Base(r.workRoot)
	}
	return first
}

func gitTopLevel(start, floor string) (string, bool) {
	dir := start
	for {
		if info, err := os.Stat(filepath.Join(dir, ".git")); err == nil && info.IsDir() {
			return dir, true
		}
		if dir == floor || dir == filepath.Dir(dir) {
			return "", false
		}
		dir = filepath.Dir(dir)
	}
}
