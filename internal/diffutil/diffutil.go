// Package diffutil computes unified diffs for the dry_run_diff tool
// (§6), without writing anything to disk.
package diffutil

import (
	"fmt"
	"strings"

	"github.com/sergi/go-diff/diffmatchpatch"
)

// Result is a dry-run diff between a file's current content and a
// proposed replacement.
type Result struct {
	Path       string
	Unified    string
	Insertions int
	Deletions  int
	Identical  bool
}

// Compute builds a unified-style diff of before → after, labeling
// hunks with path.
func Compute(path, before, after string) Result {
	if before == after {
		return Result{Path: path, Identical: true}
	}

	dmp := diffmatchpatch.New()
	diffs := dmp.DiffMain(before, after, false)
	diffs = dmp.DiffCleanupSemantic(diffs)

	var b strings.Builder
	fmt.Fprintf(&b, "--- %s\n+++ %s\n", path, path)

	insertions, deletions := 0, 0
	for _, d := range diffs {
		lines := strings.Split(d.Text, "\n")
		switch d.Type {
		case diffmatchpatch.DiffInsert:
			insertions += countNonEmpty(lines)
			writePrefixed(&b, "+", lines)
		case diffmatchpatch.DiffDelete:
			deletions += countNonEmpty(lines)
			writePrefixed(&b, "-", lines)
		case diffmatchpatch.DiffEqual:
			writePrefixed(&b, " ", lines)
		}
	}

	return Result{
		Path:       path,
		Unified:    b.String(),
		Insertions: insertions,
		Deletions:  deletions,
	}
}

func countNonEmpty(lines []string) int {
	n := 0
	for _, l := range lines {
		if l != "" {
			n++
		}
	}
	return n
}

func writePrefixed(b *strings.Builder, marker string, lines []string) {
	for i, l := range lines {
		if l == "" && i == len(lines)-1 {
			continue // trailing split artifact from a final newline
		}
		b.WriteString(marker)
		b.WriteString(l)
		b.WriteByte('\n')
	}
}
