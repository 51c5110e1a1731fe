// Package tools implements the Tool Layer: the closed set of
// side-effecting operations the agent loop may invoke, each gated by scope
// and loop-prevention before it touches the repository or runs tests.
package tools

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"os"
	"path/filepath"
	"strings"

	"github.com/bmatcuk/doublestar/v4"

	"github.com/novasolve/ci-auto-rescue-sub001/internal/critic"
	"github.com/novasolve/ci-auto-rescue-sub001/internal/guard"
	"github.com/novasolve/ci-auto-rescue-sub001/internal/patch"
	"github.com/novasolve/ci-auto-rescue-sub001/internal/runstate"
	"github.com/novasolve/ci-auto-rescue-sub001/internal/sandbox"
)

// Names are the closed set of tool names the agent may invoke.
const (
	ReadFile     = "read_file"
	WriteFile    = "write_file"
	ApplyPatch   = "apply_patch"
	RunTests     = "run_tests"
	CriticReview = "critic_review"
	PlanTodo     = "plan_todo"
)

// observationPrefix is the tag every non-JSON observation's first line
// begins with.
type observationPrefix string

const (
	prefixOK    observationPrefix = "OK:"
	prefixSkip  observationPrefix = "SKIP:"
	prefixError observationPrefix = "ERROR:"
)

func observation(prefix observationPrefix, body string) string {
	return string(prefix) + " " + body
}

// Layer wires the guard/critic/patch/sandbox components behind the uniform
// tool-invocation shape.
type Layer struct {
	RepoDir       string
	State         *runstate.State
	Guard         *guard.Guard
	Critic        *critic.Critic
	Applier       *patch.Applier
	Runner        *sandbox.Runner
	TestCommand   []string
	MaxReadBytes  int64
	MaxWriteBytes int64
	AllowTestRead bool // allow_test_file_read knob

	onEvent func(kind string, payload map[string]any)

	lastFailing []sandboxFailureSummary
}

type sandboxFailureSummary struct {
	ID      string
	Message string
	File    string
	Line    int
}

// New constructs a tool Layer.
func New(repoDir string, st *runstate.State, g *guard.Guard, c *critic.Critic, ap *patch.Applier, r *sandbox.Runner, testCmd []string) *Layer {
	return &Layer{
		RepoDir:       repoDir,
		State:         st,
		Guard:         g,
		Critic:        c,
		Applier:       ap,
		Runner:        r,
		TestCommand:   testCmd,
		MaxReadBytes:  1 << 20,
		MaxWriteBytes: 1 << 20,
		AllowTestRead: true,
	}
}

// OnEvent registers a telemetry sink callback.
func (l *Layer) OnEvent(f func(kind string, payload map[string]any)) { l.onEvent = f }

func (l *Layer) emit(kind string, payload map[string]any) {
	if l.onEvent != nil {
		l.onEvent(kind, payload)
	}
}

// Invoke dispatches one tool call under the loop-prevention protocol
// and records it in run-state and telemetry. argument is the raw
// string argument exactly as the model supplied it.
func (l *Layer) Invoke(ctx context.Context, name, argument string) (string, error) {
	normalized := normalizeArgument(name, argument)
	repeat := l.State.Seen(name, normalized)
	if repeat {
		body := l.skipBody(name, argument)
		l.emit("tool_call", map[string]any{"name": name, "argument": normalized, "skip": true})
		return observation(prefixSkip, body), nil
	}

	var (
		obs string
		err error
	)
	switch name {
	case ReadFile:
		obs, err = l.readFile(argument)
	case WriteFile:
		obs, err = l.writeFile(argument)
	case ApplyPatch:
		obs, err = l.applyPatch(ctx, argument)
	case RunTests:
		obs, err = l.runTests(ctx, argument)
	case CriticReview:
		obs, err = l.criticReview(ctx, argument)
	case PlanTodo:
		obs, err = l.planTodo(argument)
	default:
		return "", fmt.Errorf("unknown tool %q", name)
	}

	l.emit("tool_call", map[string]any{"name": name, "argument": normalized})
	if err != nil {
		// A sandbox that cannot start when fallback is forbidden is fatal
		// infrastructure, not an observation the agent can act on; propagate
		// it so the run ends instead of looping on a useless retry.
		if errors.Is(err, sandbox.ErrSandboxUnavailable) {
			return "", err
		}
		return observation(prefixError, err.Error()), nil
	}
	return obs, nil
}

// normalizeArgument canonicalizes an argument for the loop-prevention key
// (`normalized_argument`): whitespace-trimmed, and for write_file/
// apply_patch, re-serialized through a stable JSON/text form so cosmetic
// differences in model output (extra spaces) don't evade dedup.
func normalizeArgument(name, argument string) string {
	trimmed := strings.TrimSpace(argument)
	switch name {
	case WriteFile:
		var v map[string]any
		if err := json.Unmarshal([]byte(trimmed), &v); err == nil {
			if b, err := json.Marshal(v); err == nil {
				return string(b)
			}
		}
	}
	return trimmed
}

func (l *Layer) skipBody(name, argument string) string {
	switch name {
	case ReadFile:
		path := strings.TrimSpace(argument)
		if content, ok := l.State.CachedRead(path); ok {
			return fmt.Sprintf("no-op: %s already read this epoch; reusing cached content:\n%s", path, content)
		}
		return "no-op: this read was already served; reuse the previous observation"
	default:
		return "no-op: this action would have no new effect; choose a different next step"
	}
}

// resolvePath implements the path-resolution order: literal path first,
// then src/, lib/, app/.
func resolvePath(repoDir, relPath string) (abs string, resolvedVia string, err error) {
	for _, root := range []string{"", "src", "lib", "app"} {
		candidate := filepath.Join(repoDir, root, relPath)
		if _, statErr := os.Stat(candidate); statErr == nil {
			return candidate, root, nil
		}
	}
	return "", "", fmt.Errorf("%q not found at its literal path or under src/, lib/, app/", relPath)
}

func inRepo(repoDir, abs string) bool {
	rel, err := filepath.Rel(repoDir, abs)
	if err != nil {
		return false
	}
	return !strings.HasPrefix(rel, "..")
}

// isTestOrForbiddenPath reports whether a path matches the unconditional
// write-deny globs: test, CI, and secret paths are denied even when the
// guard's general policy would otherwise allow them.
func isTestOrForbiddenPath(relPath string, globs []string) bool {
	for _, g := range globs {
		if ok, _ := doublestar.Match(g, relPath); ok {
			return true
		}
	}
	return false
}

var unconditionalWriteDenyGlobs = []string{
	"**/test_*.py", "**/*_test.py", "**/*_test.go", "**/tests/**", "**/__tests__/**",
	"**/*.test.js", "**/*.test.ts",
	"**/.github/**", "**/.gitlab-ci.yml", "**/.circleci/**",
	"**/go.mod", "**/go.sum", "**/package.json", "**/package-lock.json",
	"**/.env", "**/.env.*", "**/*.pem", "**/*.key",
}
