package worker

import (
	"bytes"
	"unicode/utf8"
)

// classifyBinary applies the null-byte-density heuristic of §4.3 step
// 4 to the first 8 KiB, then treats a sample that is neither valid
// UTF-8 nor mostly printable Latin-1 as binary (line length is
// classifyMinified's concern). Grounded on the same spirit
// as internal/world/fs.go's extension-based language detection, but
// content-based since sari must classify files with no recognized
// extension too.
func classifyBinary(content []byte) bool {
	if len(content) == 0 {
		return false
	}
	sample := content
	if len(sample) > 8192 {
		sample = sample[:8192]
	}
	nulls := bytes.Count(sample, []byte{0})
	if float64(nulls)/float64(len(sample)) > 0.01 {
		return true
	}
	return !utf8.Valid(sample) && !looksLikeLatin1Text(sample)
}

// classifyMinified flags files whose average line length is
// implausibly long for hand-written source (single-line bundles).
func classifyMinified(content []byte) bool {
	if len(content) == 0 {
		return false
	}
	lines := bytes.Count(content, []byte{'\n'}) + 1
	avg := len(content) / lines
	return avg > 2000 && lines < 20
}

func looksLikeLatin1Text(sample []byte) bool {
	printable := 0
	for _, b := range sample {
		if b == '\t' || b == '\n' || b == '\r' || (b >= 0x20 && b < 0x7f) || b >= 0xa0 {
			printable++
		}
	}
	return float64(printable)/float64(len(sample)) > 0.95
}

// decodeText decodes content as strict UTF-8, falling back to a
// byte-for-byte Latin-1 (ISO-8859-1) mapping so no byte is ever
// silently dropped (§4.3 step 4).
func decodeText(content []byte) string {
	if utf8.Valid(content) {
		return string(content)
	}
	runes := make([]rune, len(content))
	for i, b := range content {
		runes[i] = rune(b)
	}
	return string(runes)
}
