package review

import (
	"regexp"
	"strconv"
	"strings"

	"github.com/sergi/go-diff/diffmatchpatch"
)

// hunkHeaderRe matches "@@ -a,b +c,d @@" (counts optional).
var hunkHeaderRe = regexp.MustCompile(`^@@ -(\d+)(?:,(\d+))? \+(\d+)(?:,(\d+))? @@`)

// AddedLines parses a unified patch and returns the set of line numbers
// added in the new file. Context and removed lines advance the counters;
// only "+" lines land in the set.
func AddedLines(patch string) map[int]bool {
	added := make(map[int]bool)
	newLine := 0
	inHunk := false

	for _, line := range strings.Split(patch, "\n") {
		if match := hunkHeaderRe.FindStringSubmatch(line); match != nil {
			newLine, _ = strconv.Atoi(match[3])
			inHunk = true
			continue
		}
		if !inHunk {
			continue
		}
		switch {
		case strings.HasPrefix(line, "+++"), strings.HasPrefix(line, "---"):
			// File headers inside concatenated patches.
		case strings.HasPrefix(line, "+"):
			added[newLine] = true
			newLine++
		case strings.HasPrefix(line, "-"):
			// Removed line: old counter only.
		case strings.HasPrefix(line, "\\"):
			// "\ No newline at end of file"
		default:
			newLine++
		}
	}

	return added
}

// AddedLinesFromContents computes the added-line set by diffing base and
// head content directly. Used when a provider returns no patch text (large
// or binary-flagged files) but both blobs are fetchable.
func AddedLinesFromContents(baseContent, headContent string) map[int]bool {
	dmp := diffmatchpatch.New()
	a, b, lineArray := dmp.DiffLinesToChars(baseContent, headContent)
	diffs := dmp.DiffMain(a, b, false)
	diffs = dmp.DiffCharsToLines(diffs, lineArray)

	added := make(map[int]bool)
	newLine := 1
	for _, diff := range diffs {
		lines := strings.Split(diff.Text, "\n")
		if len(lines) > 0 && lines[len(lines)-1] == "" {
			lines = lines[:len(lines)-1]
		}
		switch diff.Type {
		case diffmatchpatch.DiffEqual:
			newLine += len(lines)
		case diffmatchpatch.DiffInsert:
			for range lines {
				added[newLine] = true
				newLine++
			}
		case diffmatchpatch.DiffDelete:
			// Old side only.
		}
	}
	return added
}
