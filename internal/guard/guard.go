package guard

import (
	"fmt"
	"strings"

	"github.com/bmatcuk/doublestar/v4"

	"github.com/novasolve/ci-auto-rescue-sub001/internal/errkind"
	"github.com/novasolve/ci-auto-rescue-sub001/internal/patch"
)

// RejectionError wraps a failing Result as an error, for callers (the tool
// layer, the CLI) that need the violations to carry the
// SafetyRejection kind rather than a bare Result struct.
type RejectionError struct {
	Violations []string
}

func (e *RejectionError) Error() string {
	return "guard rejected patch: " + strings.Join(e.Violations, "; ")
}
func (e *RejectionError) Kind() errkind.Kind { return errkind.SafetyRejection }

// Guard runs the ordered safety checks against a parsed patch.
type Guard struct {
	Policy Policy
}

// New constructs a Guard bound to a policy.
func New(policy Policy) *Guard {
	return &Guard{Policy: policy}
}

// Result is the outcome of Validate: an `(ok, violations)` pair,
// plus the normalized text and parsed patch for callers (the Critic, the
// Applier) that want to reuse the work instead of re-parsing.
type Result struct {
	OK             bool
	Violations     []string
	NormalizedText string
	Parsed         *patch.Patch
}

// Validate runs the five ordered checks. Cheaper checks
// short-circuit: a format failure never reaches the content scan.
func (g *Guard) Validate(raw string) Result {
	normalized := patch.Normalize(raw)

	// 1. Format.
	parsed, err := patch.Parse(normalized)
	if err != nil {
		return Result{OK: false, Violations: []string{fmt.Sprintf("format: %v", err)}, NormalizedText: normalized}
	}

	var violations []string

	// 2. Scope.
	for _, f := range parsed.Files {
		path := f.Path()
		if !g.allowed(path) {
			violations = append(violations, fmt.Sprintf("scope: %q is not in the allowed source tree", path))
			continue
		}
		if g.forbidden(path) {
			violations = append(violations, fmt.Sprintf("scope: %q matches a forbidden path pattern", path))
		}
		if f.IsDelete() {
			violations = append(violations, fmt.Sprintf("scope: deletion of %q is forbidden", f.OldPath))
		}
	}
	if len(violations) > 0 {
		return Result{OK: false, Violations: violations, NormalizedText: normalized, Parsed: parsed}
	}

	// 3. Size caps.
	added, removed := parsed.AddedRemoved()
	total := added + removed
	if g.Policy.MaxPatchLines > 0 && total > g.Policy.MaxPatchLines {
		violations = append(violations, fmt.Sprintf("size: %d changed lines exceeds max_patch_lines=%d", total, g.Policy.MaxPatchLines))
	}
	if g.Policy.MaxFiles > 0 && len(parsed.Files) > g.Policy.MaxFiles {
		violations = append(violations, fmt.Sprintf("size: %d touched files exceeds max_files=%d", len(parsed.Files), g.Policy.MaxFiles))
	}
	if len(violations) > 0 {
		return Result{OK: false, Violations: violations, NormalizedText: normalized, Parsed: parsed}
	}

	// 4. Content.
	for _, f := range parsed.Files {
		for _, h := range f.Hunks {
			for _, added := range h.AddedLines() {
				for _, re := range g.Policy.ForbiddenPatterns {
					if re.MatchString(added) {
						violations = append(violations, fmt.Sprintf("content: %q contains a forbidden pattern (%s)", f.Path(), re.String()))
					}
				}
			}
		}
	}
	if len(violations) > 0 {
		return Result{OK: false, Violations: violations, NormalizedText: normalized, Parsed: parsed}
	}

	// 5. Idempotence.
	if patch.IsEmptyEffect(parsed) {
		return Result{OK: false, Violations: []string{"idempotence: patch has no net effect on the working tree"}, NormalizedText: normalized, Parsed: parsed}
	}

	return Result{OK: true, NormalizedText: normalized, Parsed: parsed}
}

func (g *Guard) allowed(path string) bool {
	if len(g.Policy.AllowGlobs) == 0 {
		return true
	}
	for _, glob := range g.Policy.AllowGlobs {
		if ok, _ := doublestar.Match(glob, path); ok {
			return true
		}
	}
	return false
}

func (g *Guard) forbidden(path string) bool {
	for _, glob := range g.Policy.ForbiddenGlobs {
		if ok, _ := doublestar.Match(glob, path); ok {
			return true
		}
		// doublestar.Match requires the glob and path to have a comparable
		// number of path elements for patterns like "**/.env"; also try a
		// basename-anchored match so "**/.env" denies a root-level ".env".
		if ok, _ := doublestar.Match(strings.TrimPrefix(glob, "**/"), path); ok {
			return true
		}
	}
	return false
}
