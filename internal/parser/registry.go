package parser

import (
	"fmt"
	"strings"
	"sync"
)

// Registry dispatches a file extension to the Parser that claims it,
// populated once at daemon startup (§9: Parser is an explicit
// capability set registered by string key, not discovered via
// inheritance).
type Registry struct {
	mu      sync.RWMutex
	byExt   map[string]Parser
}

// NewRegistry builds an empty registry.
func NewRegistry() *Registry {
	return &Registry{byExt: make(map[string]Parser)}
}

// NewDefaultRegistry registers the Go parser plus the tree-sitter
// parsers for Python, Rust, JavaScript and TypeScript.
func NewDefaultRegistry() *Registry {
	r := NewRegistry()
	r.MustRegister(NewGoParser())
	r.MustRegister(NewPythonParser())
	r.MustRegister(NewRustParser())
	r.MustRegister(NewJavaScriptParser())
	r.MustRegister(NewTypeScriptParser())
	return r
}

// Register binds p to every extension it reports. A later
// registration for the same extension overrides an earlier one.
func (r *Registry) Register(p Parser) error {
	exts := p.Extensions()
	if len(exts) == 0 {
		return fmt.Errorf("parser registered with no extensions")
	}
	r.mu.Lock()
	defer r.mu.Unlock()
	for _, e := range exts {
		r.byExt[strings.ToLower(e)] = p
	}
	return nil
}

// MustRegister panics on a malformed parser; only used at startup with
// statically known parsers.
func (r *Registry) MustRegister(p Parser) {
	if err := r.Register(p); err != nil {
		panic(err)
	}
}

// For returns the parser registered for ext (which must include the
// leading dot), and whether one was found.
func (r *Registry) For(ext string) (Parser, bool) {
	r.mu.RLock()
	defer r.mu.RUnlock()
	p, ok := r.byExt[strings.ToLower(ext)]
	return p, ok
}

// Extensions lists every extension with a registered parser.
func (r *Registry) Extensions() []string {
	r.mu.RLock()
	defer r.mu.RUnlock()
	out := make([]string, 0, len(r.byExt))
	for e := range r.byExt {
		out = append(out, e)
	}
	return out
}
