// Package guard implements the Patch Safety Guard: a
// deterministic, side-effect-free validator applied, in order, before any
// patch reaches the working tree.
package guard

import "regexp"

// Policy is the immutable safety policy consumed by Validate.
type Policy struct {
	MaxPatchLines     int
	MaxFiles          int
	MaxFileReadBytes  int64
	MaxFileWriteBytes int64

	// AllowGlobs is the allow-list of doublestar globs a touched path must
	// match at least one of.
	AllowGlobs []string
	// ForbiddenGlobs denies test files, CI configs, dependency manifests,
	// lockfiles, secret/env files, VCS internals, and build outputs.
	ForbiddenGlobs []string
	// ForbiddenPatterns match against added-line text only.
	ForbiddenPatterns []*regexp.Regexp
}

// DefaultPolicy carries the default caps and the standard categories of
// forbidden paths.
func DefaultPolicy() Policy {
	return Policy{
		MaxPatchLines:     500,
		MaxFiles:          10,
		MaxFileReadBytes:  1 << 20,
		MaxFileWriteBytes: 1 << 20,
		AllowGlobs:        []string{"**/*"},
		ForbiddenGlobs: []string{
			"**/test_*.py", "**/*_test.py", "**/*_test.go", "**/tests/**",
			"**/*.test.js", "**/*.test.ts", "**/__tests__/**",
			"**/.github/**", "**/.gitlab-ci.yml", "**/.circleci/**",
			"**/go.mod", "**/go.sum", "**/package.json", "**/package-lock.json",
			"**/requirements*.txt", "**/Pipfile", "**/Pipfile.lock",
			"**/poetry.lock", "**/Gemfile", "**/Gemfile.lock", "**/Cargo.toml",
			"**/Cargo.lock", "**/yarn.lock", "**/pnpm-lock.yaml",
			"**/.env", "**/.env.*", "**/*.pem", "**/*.key",
			"**/.git/**",
			"**/dist/**", "**/build/**", "**/node_modules/**", "**/vendor/**",
		},
		ForbiddenPatterns: defaultForbiddenPatterns(),
	}
}

func defaultForbiddenPatterns() []*regexp.Regexp {
	raw := []string{
		// Dynamic code evaluation.
		`\beval\s*\(`, `\bexec\s*\(`, `\bcompile\s*\(.*['"]exec['"]`,
		`new\s+Function\s*\(`,
		// Subprocess-with-shell constructs.
		`shell\s*=\s*True`, `os\.system\s*\(`, `subprocess\.Popen\([^)]*shell\s*=\s*True`,
		`exec\.Command\(\s*"(sh|bash)"\s*,\s*"-c"`,
		// Hard-coded credentials matching a generic secret regex.
		`(?i)(api[_-]?key|secret|password|token)\s*[:=]\s*['"][A-Za-z0-9_\-]{16,}['"]`,
		`-----BEGIN (RSA |EC |OPENSSH )?PRIVATE KEY-----`,
		// Network egress primitives (unless already present in the file —
		// the caller is responsible for the "unless already present" carve-out
		// by diffing against the pre-image; this regex only flags additions).
		`\bnet\.Dial\s*\(`, `\brequests\.(get|post|put|delete)\s*\(`,
		`\burllib\.request\.urlopen\s*\(`,
	}
	out := make([]*regexp.Regexp, 0, len(raw))
	for _, r := range raw {
		out = append(out, regexp.MustCompile(r))
	}
	return out
}
