package toolregistry

import (
	"fmt"
	"strings"

	"github.com/sergi/go-diff/diffmatchpatch"
)

// diffLineCounts and unifiedDiff share one diffmatchpatch line-diff pass
// between Write (which only reports a +/- line count) and Edit (which
// also renders a unified-style patch), grounded in the teacher's
// tool/diff.go buildDiffMetadata helper.

// diffLineCounts computes added/deleted line counts the way the
// teacher's diff tool does, via diffmatchpatch's line-granular diff.
func diffLineCounts(before, after string) (additions, deletions int) {
	if before == after {
		return 0, 0
	}
	dmp := diffmatchpatch.New()
	a, b, lineArray := dmp.DiffLinesToChars(before, after)
	diffs := dmp.DiffMain(a, b, false)
	diffs = dmp.DiffCharsToLines(diffs, lineArray)
	for _, d := range diffs {
		switch d.Type {
		case diffmatchpatch.DiffInsert:
			additions += countLines(d.Text)
		case diffmatchpatch.DiffDelete:
			deletions += countLines(d.Text)
		}
	}
	return additions, deletions
}

func countLines(text string) int {
	if text == "" {
		return 0
	}
	n := 0
	for _, r := range text {
		if r == '\n' {
			n++
		}
	}
	if text[len(text)-1] != '\n' {
		n++
	}
	return n
}

// unifiedDiff renders a patch-style summary via diffmatchpatch's line
// diff, grounded in the teacher's buildDiffMetadata helper.
func unifiedDiff(path, before, after string) string {
	if before == after {
		return ""
	}
	dmp := diffmatchpatch.New()
	a, b, lineArray := dmp.DiffLinesToChars(before, after)
	diffs := dmp.DiffMain(a, b, false)
	diffs = dmp.DiffCharsToLines(diffs, lineArray)
	patches := dmp.PatchMake(before, diffs)
	diffText := dmp.PatchToText(patches)
	if diffText == "" {
		return ""
	}
	var sb strings.Builder
	sb.WriteString(fmt.Sprintf("--- %s\n+++ %s\n", path, path))
	sb.WriteString(diffText)
	return sb.String()
}
