package parser

import (
	"testing"

	"github.com/stretchr/testify/require"
)

const pySample = `import os

class Widget:
    def greet(self):
        return "hi"

def helper():
    pass
`

func TestPythonParserExtractsSymbols(t *testing.T) {
	p := NewPythonParser()
	res, err := p.Extract("sample.py", []byte(pySample))
	require.NoError(t, err)

	var sawClass, sawFunc bool
	for _, s := range res.Symbols {
		if s.Kind == KindClass && s.Name == "Widget" {
			sawClass = true
		}
		if s.Kind == KindFunction && s.Name == "helper" {
			sawFunc = true
		}
	}
	require.True(t, sawClass)
	require.True(t, sawFunc)
}

const rustSample = `pub struct Widget {
    name: String,
}

impl Greeter for Widget {
    fn greet(&self) -> String {
        self.name.clone()
    }
}

fn helper() {}
`

func TestRustParserExtractsSymbols(t *testing.T) {
	p := NewRustParser()
	res, err := p.Extract("sample.rs", []byte(rustSample))
	require.NoError(t, err)

	var sawStruct bool
	for _, s := range res.Symbols {
		if s.Kind == KindClass && s.Name == "Widget" {
			sawStruct = true
			require.Equal(t, true, s.Metadata["pub"])
		}
	}
	require.True(t, sawStruct)

	var sawImpl bool
	for _, r := range res.Relations {
		if r.Kind == RelImplements && r.ToName == "Greeter" {
			sawImpl = true
		}
	}
	require.True(t, sawImpl)
}

const jsSample = `import React from "react";

class Widget {
	greet() {
		return "hi";
	}
}

function helper() {}
`

func TestJavaScriptParserExtractsSymbols(t *testing.T) {
	p := NewJavaScriptParser()
	res, err := p.Extract("sample.js", []byte(jsSample))
	require.NoError(t, err)

	var sawClass, sawMethod, sawFunc, sawImport bool
	for _, s := range res.Symbols {
		switch {
		case s.Kind == KindClass && s.Name == "Widget":
			sawClass = true
		case s.Kind == KindMethod && s.Name == "greet":
			sawMethod = true
		case s.Kind == KindFunction && s.Name == "helper":
			sawFunc = true
		}
	}
	for _, r := range res.Relations {
		if r.Kind == RelImports && r.ToName == "react" {
			sawImport = true
		}
	}
	require.True(t, sawClass)
	require.True(t, sawMethod)
	require.True(t, sawFunc)
	require.True(t, sawImport)
}

func TestTypeScriptParserSharesJSWalk(t *testing.T) {
	p := NewTypeScriptParser()
	res, err := p.Extract("sample.ts", []byte(jsSample))
	require.NoError(t, err)
	require.NotEmpty(t, res.Symbols)
}
