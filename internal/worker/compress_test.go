package worker

import (
	"testing"

	"github.com/stretchr/testify/require"
)

func TestCompressRoundTrip(t *testing.T) {
	original := []byte("package main\n\nfunc main() {}\n")
	compressed, err := compressContent(original, 6)
	require.NoError(t, err)
	require.True(t, len(compressed) >= len(zlibMagic))

	decompressed, err := decompressContent(compressed)
	require.NoError(t, err)
	require.Equal(t, original, decompressed)
}

func TestDecompressPassesThroughUncompressed(t *testing.T) {
	original := []byte("plain text")
	out, err := decompressContent(original)
	require.NoError(t, err)
	require.Equal(t, original, out)
}
