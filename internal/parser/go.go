package parser

import (
	"fmt"
	"go/ast"
	"go/parser"
	"go/token"
	"strings"
)

// GoParser extracts symbols and relations from Go source using the
// standard library's own parser rather than tree-sitter: Go is the one
// language sari's host toolchain can already parse exactly, so there
// is no reason to pay a grammar dependency for it.
type GoParser struct{}

// NewGoParser constructs a Go language parser.
func NewGoParser() *GoParser { return &GoParser{} }

func (p *GoParser) Extensions() []string { return []string{".go"} }

func (p *GoParser) Extract(path string, content []byte) (Result, error) {
	fset := token.NewFileSet()
	file, err := parser.ParseFile(fset, path, content, parser.ParseComments)
	if err != nil {
		// A syntactically broken file still yields a partial AST from
		// go/parser; extract what we can and surface the error as a
		// diagnostic rather than failing the whole file.
		if file == nil {
			return Result{Errors: []ParseError{{Message: err.Error()}}}, nil
		}
	}

	lines := strings.Split(string(content), "\n")
	var res Result
	if err != nil {
		res.Errors = append(res.Errors, ParseError{Message: err.Error()})
	}

	structRefs := make(map[string]string) // receiver var name -> type name

	for _, decl := range file.Decls {
		switch d := decl.(type) {
		case *ast.FuncDecl:
			p.extractFuncDecl(fset, d, lines, structRefs, &res)
		case *ast.GenDecl:
			p.extractGenDecl(fset, d, lines, &res)
		}
	}

	return res, nil
}

func (p *GoParser) extractFuncDecl(fset *token.FileSet, d *ast.FuncDecl, lines []string, structRefs map[string]string, res *Result) {
	start := fset.Position(d.Pos()).Line
	end := fset.Position(d.End()).Line

	name := d.Name.Name
	kind := KindFunction
	qualname := name
	parent := ""

	if d.Recv != nil && len(d.Recv.List) > 0 {
		kind = KindMethod
		recvType := exprString(d.Recv.List[0].Type)
		recvType = strings.TrimPrefix(recvType, "*")
		parent = recvType
		qualname = recvType + "." + name
		if len(d.Recv.List[0].Names) > 0 {
			structRefs[d.Recv.List[0].Names[0].Name] = recvType
		}
	}

	doc := ""
	if d.Doc != nil {
		doc = d.Doc.Text()
	}

	res.Symbols = append(res.Symbols, Symbol{
		Name:           name,
		Kind:           kind,
		StartLine:      start,
		EndLine:        end,
		Snippet:        snippetLines(lines, start, end),
		ParentQualname: parent,
		Qualname:       qualname,
		Docstring:      strings.TrimSpace(doc),
	})

	if d.Body != nil {
		for _, call := range findCalls(d.Body) {
			res.Relations = append(res.Relations, Relation{
				FromName: qualname,
				FromLine: start,
				ToName:   call,
				Kind:     RelCalls,
			})
		}
	}
}

func (p *GoParser) extractGenDecl(fset *token.FileSet, d *ast.GenDecl, lines []string, res *Result) {
	for _, spec := range d.Specs {
		ts, ok := spec.(*ast.TypeSpec)
		if !ok {
			continue
		}
		start := fset.Position(d.Pos()).Line
		end := fset.Position(ts.End()).Line
		name := ts.Name.Name

		doc := ""
		if d.Doc != nil {
			doc = d.Doc.Text()
		}

		switch t := ts.Type.(type) {
		case *ast.InterfaceType:
			res.Symbols = append(res.Symbols, Symbol{
				Name:      name,
				Kind:      KindInterface,
				StartLine: start,
				EndLine:   end,
				Snippet:   snippetLines(lines, start, end),
				Qualname:  name,
				Docstring: strings.TrimSpace(doc),
			})
			for _, m := range t.Methods.List {
				if len(m.Names) == 0 {
					// embedded interface
					res.Relations = append(res.Relations, Relation{
						FromName: name,
						FromLine: start,
						ToName:   exprString(m.Type),
						Kind:     RelExtends,
					})
				}
			}
		case *ast.StructType:
			res.Symbols = append(res.Symbols, Symbol{
				Name:      name,
				Kind:      KindClass,
				StartLine: start,
				EndLine:   end,
				Snippet:   snippetLines(lines, start, end),
				Qualname:  name,
				Docstring: strings.TrimSpace(doc),
			})
		default:
			res.Symbols = append(res.Symbols, Symbol{
				Name:      name,
				Kind:      KindVariable,
				StartLine: start,
				EndLine:   end,
				Snippet:   snippetLines(lines, start, end),
				Qualname:  name,
				Docstring: strings.TrimSpace(doc),
			})
		}
	}
}

func exprString(e ast.Expr) string {
	switch t := e.(type) {
	case *ast.Ident:
		return t.Name
	case *ast.StarExpr:
		return "*" + exprString(t.X)
	case *ast.SelectorExpr:
		return exprString(t.X) + "." + t.Sel.Name
	case *ast.ArrayType:
		return "[]" + exprString(t.Elt)
	default:
		return fmt.Sprintf("%T", e)
	}
}

func findCalls(body *ast.BlockStmt) []string {
	var calls []string
	ast.Inspect(body, func(n ast.Node) bool {
		call, ok := n.(*ast.CallExpr)
		if !ok {
			return true
		}
		switch fn := call.Fun.(type) {
		case *ast.Ident:
			calls = append(calls, fn.Name)
		case *ast.SelectorExpr:
			calls = append(calls, fn.Sel.Name)
		}
		return true
	})
	return calls
}

func snippetLines(lines []string, start, end int) string {
	if start < 1 {
		start = 1
	}
	if end > len(lines) {
		end = len(lines)
	}
	if start > end || start > len(lines) {
		return ""
	}
	return strings.Join(lines[start-1:end], "\n")
}
