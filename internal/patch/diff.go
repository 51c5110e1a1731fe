// Package patch implements the unified-diff data model and
// the two components that consume it: the Patch Safety Guard and
// the Patch Applier. Parsing is intentionally independent of any
// particular apply mechanism so the Guard can validate a patch's shape and
// content without ever touching the working tree.
package patch

import (
	"fmt"
	"strconv"
	"strings"

	"github.com/novasolve/ci-auto-rescue-sub001/internal/errkind"
)

// Hunk is one `@@ -l,s +l,s @@` block plus its body lines, each still
// prefixed with its leading '+', '-', or ' ' marker.
type Hunk struct {
	OldStart int
	OldLines int
	NewStart int
	NewLines int
	Lines    []string
}

// AddedLines returns the hunk's added-line text (marker stripped).
func (h Hunk) AddedLines() []string {
	var out []string
	for _, l := range h.Lines {
		if strings.HasPrefix(l, "+") {
			out = append(out, l[1:])
		}
	}
	return out
}

// FileDiff is one file's section of a unified diff.
type FileDiff struct {
	OldPath string // without a/ prefix; "/dev/null" for new files
	NewPath string // without b/ prefix; "/dev/null" for deletions
	IsNew   bool
	Hunks   []Hunk
}

func (f FileDiff) IsDelete() bool { return f.NewPath == "/dev/null" }

// Path returns the effective repository-relative path this diff touches.
func (f FileDiff) Path() string {
	if f.NewPath != "" && f.NewPath != "/dev/null" {
		return f.NewPath
	}
	return f.OldPath
}

// Patch is a parsed unified diff rooted at a repository's top.
type Patch struct {
	Files []FileDiff
	Raw   string
}

// AddedRemoved returns the total added+removed line count across every
// hunk, the size-cap input for the guard.
func (p *Patch) AddedRemoved() (added, removed int) {
	for _, f := range p.Files {
		for _, h := range f.Hunks {
			for _, l := range h.Lines {
				switch {
				case strings.HasPrefix(l, "+"):
					added++
				case strings.HasPrefix(l, "-"):
					removed++
				}
			}
		}
	}
	return added, removed
}

// FormatError is returned by Parse when the text cannot be read as a
// unified diff even after normalization.
type FormatError struct {
	Reason string
}

func (e *FormatError) Error() string      { return "invalid patch format: " + e.Reason }
func (e *FormatError) Kind() errkind.Kind { return errkind.SafetyRejection }

// Parse parses raw unified-diff text. Callers that want the
// near-miss-tolerant normalization should call
// Normalize first and parse its result.
func Parse(raw string) (*Patch, error) {
	lines := strings.Split(raw, "\n")
	p := &Patch{Raw: raw}

	var cur *FileDiff
	i := 0
	for i < len(lines) {
		line := lines[i]
		switch {
		case strings.HasPrefix(line, "diff --git "):
			if cur != nil {
				p.Files = append(p.Files, *cur)
			}
			cur = &FileDiff{}
			i++
		case strings.HasPrefix(line, "new file mode"):
			if cur != nil {
				cur.IsNew = true
			}
			i++
		case strings.HasPrefix(line, "--- "):
			if cur == nil {
				cur = &FileDiff{}
			}
			cur.OldPath = stripDiffPrefix(strings.TrimPrefix(line, "--- "), "a/")
			i++
		case strings.HasPrefix(line, "+++ "):
			if cur == nil {
				cur = &FileDiff{}
			}
			cur.NewPath = stripDiffPrefix(strings.TrimPrefix(line, "+++ "), "b/")
			if cur.OldPath == "/dev/null" {
				cur.IsNew = true
			}
			i++
		case strings.HasPrefix(line, "@@ "):
			if cur == nil {
				return nil, &FormatError{Reason: "hunk header before any file header"}
			}
			h, consumed, err := parseHunk(lines, i)
			if err != nil {
				return nil, err
			}
			cur.Hunks = append(cur.Hunks, h)
			i += consumed
		default:
			i++
		}
	}
	if cur != nil {
		p.Files = append(p.Files, *cur)
	}
	if len(p.Files) == 0 {
		return nil, &FormatError{Reason: "no file sections found"}
	}
	for _, f := range p.Files {
		if f.OldPath == "" && f.NewPath == "" {
			return nil, &FormatError{Reason: "file section missing --- / +++ headers"}
		}
	}
	return p, nil
}

func stripDiffPrefix(path string, prefix string) string {
	path = strings.TrimSpace(path)
	// Headers may carry a trailing tab + timestamp; diff markers only.
	if idx := strings.IndexByte(path, '\t'); idx >= 0 {
		path = path[:idx]
	}
	if path == "/dev/null" {
		return path
	}
	return strings.TrimPrefix(path, prefix)
}

var errBadHunkHeader = &FormatError{Reason: "malformed hunk header"}

func parseHunk(lines []string, start int) (Hunk, int, error) {
	header := lines[start]
	oldStart, oldLines, newStart, newLines, err := parseHunkHeader(header)
	if err != nil {
		return Hunk{}, 0, err
	}
	h := Hunk{OldStart: oldStart, OldLines: oldLines, NewStart: newStart, NewLines: newLines}

	i := start + 1
	gotOld, gotNew := 0, 0
	for i < len(lines) {
		l := lines[i]
		if l == "" && i == len(lines)-1 {
			break
		}
		if strings.HasPrefix(l, "@@ ") || strings.HasPrefix(l, "diff --git ") {
			break
		}
		switch {
		case strings.HasPrefix(l, "+"):
			gotNew++
		case strings.HasPrefix(l, "-"):
			gotOld++
		case strings.HasPrefix(l, " "):
			gotOld++
			gotNew++
		case l == "\\ No newline at end of file":
			// context marker, not counted
		default:
			// Blank line within a hunk body is a context line with a
			// dropped leading space; treat as context.
			gotOld++
			gotNew++
		}
		h.Lines = append(h.Lines, l)
		i++
	}
	if gotOld != oldLines || gotNew != newLines {
		return Hunk{}, 0, &FormatError{Reason: fmt.Sprintf(
			"hunk header advertises -%d,+%d but body has -%d,+%d", oldLines, newLines, gotOld, gotNew)}
	}
	return h, i - start, nil
}

func parseHunkHeader(header string) (oldStart, oldLines, newStart, newLines int, err error) {
	// @@ -l[,s] +l[,s] @@ optional-section-heading
	body := strings.TrimPrefix(header, "@@ ")
	end := strings.Index(body, " @@")
	if end < 0 {
		return 0, 0, 0, 0, errBadHunkHeader
	}
	fields := strings.Fields(body[:end])
	if len(fields) != 2 {
		return 0, 0, 0, 0, errBadHunkHeader
	}
	oldStart, oldLines, err = parseRange(fields[0], "-")
	if err != nil {
		return 0, 0, 0, 0, err
	}
	newStart, newLines, err = parseRange(fields[1], "+")
	if err != nil {
		return 0, 0, 0, 0, err
	}
	return oldStart, oldLines, newStart, newLines, nil
}

func parseRange(field, want string) (start, count int, err error) {
	if !strings.HasPrefix(field, want) {
		return 0, 0, errBadHunkHeader
	}
	field = strings.TrimPrefix(field, want)
	parts := strings.SplitN(field, ",", 2)
	start, err = strconv.Atoi(parts[0])
	if err != nil {
		return 0, 0, errBadHunkHeader
	}
	count = 1
	if len(parts) == 2 {
		count, err = strconv.Atoi(parts[1])
		if err != nil {
			return 0, 0, errBadHunkHeader
		}
	}
	return start, count, nil
}
