package parser

import (
	"testing"

	"github.com/stretchr/testify/require"
)

const goSample = `package sample

// Widget does a thing.
type Widget struct {
	Name string
}

type Greeter interface {
	Greet() string
}

func NewWidget(name string) *Widget {
	return &Widget{Name: name}
}

func (w *Widget) Greet() string {
	return helper(w.Name)
}

func helper(s string) string {
	return s
}
`

func TestGoParserExtractsSymbols(t *testing.T) {
	p := NewGoParser()
	res, err := p.Extract("sample.go", []byte(goSample))
	require.NoError(t, err)

	names := make(map[string]SymbolKind)
	for _, s := range res.Symbols {
		names[s.Name] = s.Kind
	}

	require.Equal(t, KindClass, names["Widget"])
	require.Equal(t, KindInterface, names["Greeter"])
	require.Equal(t, KindFunction, names["NewWidget"])
	require.Equal(t, KindMethod, names["Greet"])
	require.Equal(t, KindFunction, names["helper"])
}

func TestGoParserExtractsCallRelations(t *testing.T) {
	p := NewGoParser()
	res, err := p.Extract("sample.go", []byte(goSample))
	require.NoError(t, err)

	found := false
	for _, rel := range res.Relations {
		if rel.Kind == RelCalls && rel.ToName == "helper" {
			found = true
		}
	}
	require.True(t, found, "expected a calls relation to helper")
}

func TestGoParserSurvivesBrokenSyntax(t *testing.T) {
	p := NewGoParser()
	res, err := p.Extract("broken.go", []byte("package sample\nfunc broken( {\n"))
	require.NoError(t, err)
	require.NotEmpty(t, res.Errors)
}

func TestGoParserExtensions(t *testing.T) {
	require.Equal(t, []string{".go"}, NewGoParser().Extensions())
}
