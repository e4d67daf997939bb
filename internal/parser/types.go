// Package parser implements the language Parser capability set of
// SPEC_FULL §9: Parser{Extensions(), Extract(path, bytes) → (symbols,
// relations)}, dispatched via a string-keyed registry populated at
// startup.
package parser

// SymbolKind enumerates the symbol kinds of SPEC_FULL §3.
type SymbolKind string

const (
	KindClass     SymbolKind = "class"
	KindFunction  SymbolKind = "function"
	KindMethod    SymbolKind = "method"
	KindInterface SymbolKind = "interface"
	KindVariable  SymbolKind = "variable"
	KindResource  SymbolKind = "resource"
	KindBlock     SymbolKind = "block"
)

// RelationKind enumerates the symbol relation kinds of §3.
type RelationKind string

const (
	RelCalls      RelationKind = "calls"
	RelImplements RelationKind = "implements"
	RelExtends    RelationKind = "extends"
	RelOverrides  RelationKind = "overrides"
	RelImports    RelationKind = "imports"
)

// Symbol is a single extracted symbol, pre-ID-assignment: the worker
// pipeline computes symbol_id = H(path, kind, qualname) once it knows
// the file's root_id (§3).
type Symbol struct {
	Name          string
	Kind          SymbolKind
	StartLine     int
	EndLine       int // inclusive
	Snippet       string
	ParentQualname string
	Qualname      string
	Docstring     string
	Metadata      map[string]any
}

// Relation is a single extracted edge, pre-resolution: "To" fields are
// best-effort textual references the worker pipeline later resolves
// (or leaves unresolved) against the symbol graph.
type Relation struct {
	FromName   string
	FromLine   int
	ToName     string
	Kind       RelationKind
	Metadata   map[string]any
}

// ParseError records one recoverable parse diagnostic; a non-empty
// Errors list does not by itself mean extraction failed — callers
// decide whether any Symbols/Relations were still usable.
type ParseError struct {
	Line    int
	Column  int
	Message string
}

// Result is what a Parser produces for one file.
type Result struct {
	Symbols   []Symbol
	Relations []Relation
	Errors    []ParseError
}

// Parser is the capability set every language implementation
// satisfies. Extensions reports the file extensions (lowercase, with
// leading dot) the parser claims; Extract performs the parse.
type Parser interface {
	Extensions() []string
	Extract(path string, content []byte) (Result, error)
}
