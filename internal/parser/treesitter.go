package parser

import (
	"context"
	"strings"

	sitter "github.com/smacker/go-tree-sitter"
	"github.com/smacker/go-tree-sitter/javascript"
	"github.com/smacker/go-tree-sitter/python"
	"github.com/smacker/go-tree-sitter/rust"
	"github.com/smacker/go-tree-sitter/typescript/typescript"
)

// treeSitterParser adapts a single tree-sitter grammar into the Parser
// capability set via a recursive node-type walk, one instance per
// non-Go language. Go uses stdlib go/ast instead (see go.go); every
// other language here follows the same pool-of-one-parser,
// walk-by-node-type idiom.
type treeSitterParser struct {
	lang  *sitter.Language
	exts  []string
	walk  func(n *sitter.Node, src []byte, res *Result)
}

func (p *treeSitterParser) Extensions() []string { return p.exts }

func (p *treeSitterParser) Extract(path string, content []byte) (Result, error) {
	sp := sitter.NewParser()
	sp.SetLanguage(p.lang)
	tree, err := sp.ParseCtx(context.Background(), nil, content)
	if err != nil {
		return Result{}, err
	}
	var res Result
	p.walk(tree.RootNode(), content, &res)
	return res, nil
}

func nodeText(n *sitter.Node, src []byte) string {
	if n == nil {
		return ""
	}
	return n.Content(src)
}

func nodeLines(n *sitter.Node) (int, int) {
	return int(n.StartPoint().Row) + 1, int(n.EndPoint().Row) + 1
}

// NewPythonParser grounds on ast_treesitter.go's extractPythonSymbols:
// class_definition and function_definition nodes become symbols,
// import_statement/import_from_statement become import relations.
func NewPythonParser() Parser {
	return &treeSitterParser{
		lang: python.GetLanguage(),
		exts: []string{".py", ".pyi"},
		walk: walkPython,
	}
}

func walkPython(n *sitter.Node, src []byte, res *Result) {
	switch n.Type() {
	case "class_definition":
		if name := n.ChildByFieldName("name"); name != nil {
			start, end := nodeLines(n)
			res.Symbols = append(res.Symbols, Symbol{
				Name:      nodeText(name, src),
				Kind:      KindClass,
				StartLine: start,
				EndLine:   end,
				Snippet:   nodeText(n, src),
				Qualname:  nodeText(name, src),
			})
		}
	case "function_definition":
		if name := n.ChildByFieldName("name"); name != nil {
			start, end := nodeLines(n)
			res.Symbols = append(res.Symbols, Symbol{
				Name:      nodeText(name, src),
				Kind:      KindFunction,
				StartLine: start,
				EndLine:   end,
				Snippet:   nodeText(n, src),
				Qualname:  nodeText(name, src),
			})
		}
	case "import_statement", "import_from_statement":
		for i := 0; i < int(n.NamedChildCount()); i++ {
			child := n.NamedChild(i)
			if child.Type() == "dotted_name" {
				_, line := nodeLines(n)
				res.Relations = append(res.Relations, Relation{
					FromLine: line,
					ToName:   nodeText(child, src),
					Kind:     RelImports,
				})
			}
		}
	}
	for i := 0; i < int(n.ChildCount()); i++ {
		walkPython(n.Child(i), src, res)
	}
}

// NewRustParser grounds on ast_treesitter.go's extractRustSymbols:
// struct_item/impl_item/function_item nodes, "pub" visibility check.
func NewRustParser() Parser {
	return &treeSitterParser{
		lang: rust.GetLanguage(),
		exts: []string{".rs"},
		walk: walkRust,
	}
}

func isPub(n *sitter.Node, src []byte) bool {
	for i := 0; i < int(n.ChildCount()); i++ {
		if n.Child(i).Type() == "visibility_modifier" {
			return true
		}
	}
	_ = src
	return false
}

func walkRust(n *sitter.Node, src []byte, res *Result) {
	switch n.Type() {
	case "struct_item":
		if name := n.ChildByFieldName("name"); name != nil {
			start, end := nodeLines(n)
			res.Symbols = append(res.Symbols, Symbol{
				Name:      nodeText(name, src),
				Kind:      KindClass,
				StartLine: start,
				EndLine:   end,
				Snippet:   nodeText(n, src),
				Qualname:  nodeText(name, src),
				Metadata:  map[string]any{"pub": isPub(n, src)},
			})
		}
	case "function_item":
		if name := n.ChildByFieldName("name"); name != nil {
			start, end := nodeLines(n)
			res.Symbols = append(res.Symbols, Symbol{
				Name:      nodeText(name, src),
				Kind:      KindFunction,
				StartLine: start,
				EndLine:   end,
				Snippet:   nodeText(n, src),
				Qualname:  nodeText(name, src),
				Metadata:  map[string]any{"pub": isPub(n, src)},
			})
		}
	case "impl_item":
		if typeNode := n.ChildByFieldName("type"); typeNode != nil {
			implFor := nodeText(typeNode, src)
			if traitNode := n.ChildByFieldName("trait"); traitNode != nil {
				_, line := nodeLines(n)
				res.Relations = append(res.Relations, Relation{
					FromName: implFor,
					FromLine: line,
					ToName:   nodeText(traitNode, src),
					Kind:     RelImplements,
				})
			}
		}
	}
	for i := 0; i < int(n.ChildCount()); i++ {
		walkRust(n.Child(i), src, res)
	}
}

// NewJavaScriptParser grounds on ast_treesitter.go's extractJSSymbols:
// class_declaration/function_declaration/method_definition nodes.
func NewJavaScriptParser() Parser {
	return &treeSitterParser{
		lang: javascript.GetLanguage(),
		exts: []string{".js", ".jsx", ".mjs", ".cjs"},
		walk: walkJSLike,
	}
}

// NewTypeScriptParser grounds on ast_treesitter.go's extractTSSymbols,
// sharing the JS walk since the TypeScript grammar exposes the same
// declaration node types for the subset sari extracts.
func NewTypeScriptParser() Parser {
	return &treeSitterParser{
		lang: typescript.GetLanguage(),
		exts: []string{".ts", ".tsx"},
		walk: walkJSLike,
	}
}

func walkJSLike(n *sitter.Node, src []byte, res *Result) {
	switch n.Type() {
	case "class_declaration":
		if name := n.ChildByFieldName("name"); name != nil {
			start, end := nodeLines(n)
			res.Symbols = append(res.Symbols, Symbol{
				Name:      nodeText(name, src),
				Kind:      KindClass,
				StartLine: start,
				EndLine:   end,
				Snippet:   nodeText(n, src),
				Qualname:  nodeText(name, src),
			})
		}
	case "function_declaration":
		if name := n.ChildByFieldName("name"); name != nil {
			start, end := nodeLines(n)
			res.Symbols = append(res.Symbols, Symbol{
				Name:      nodeText(name, src),
				Kind:      KindFunction,
				StartLine: start,
				EndLine:   end,
				Snippet:   nodeText(n, src),
				Qualname:  nodeText(name, src),
			})
		}
	case "method_definition":
		if name := n.ChildByFieldName("name"); name != nil {
			start, end := nodeLines(n)
			res.Symbols = append(res.Symbols, Symbol{
				Name:      nodeText(name, src),
				Kind:      KindMethod,
				StartLine: start,
				EndLine:   end,
				Snippet:   nodeText(n, src),
				Qualname:  nodeText(name, src),
			})
		}
	case "import_statement":
		if source := n.ChildByFieldName("source"); source != nil {
			_, line := nodeLines(n)
			res.Relations = append(res.Relations, Relation{
				FromLine: line,
				ToName:   strings.Trim(nodeText(source, src), `"'`),
				Kind:     RelImports,
			})
		}
	}
	for i := 0; i < int(n.ChildCount()); i++ {
		walkJSLike(n.Child(i), src, res)
	}
}
