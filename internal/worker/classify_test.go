package worker

import (
	"bytes"
	"testing"

	"github.com/stretchr/testify/require"
)

func TestClassifyBinaryDetectsNullBytes(t *testing.T) {
	content := append([]byte("some header"), make([]byte, 200)...)
	require.True(t, classifyBinary(content))
}

func TestClassifyBinaryAllowsPlainText(t *testing.T) {
	require.False(t, classifyBinary([]byte("package main\n\nfunc main() {}\n")))
}

func TestClassifyMinifiedDetectsLongLines(t *testing.T) {
	content := bytes.Repeat([]byte("a"), 5000)
	require.True(t, classifyMinified(content))
}

func TestDecodeTextFallsBackToLatin1(t *testing.T) {
	invalid := []byte{0xff, 0xfe, 'h', 'i'}
	decoded := decodeText(invalid)
	require.Equal(t, 4, len([]rune(decoded)))
}
