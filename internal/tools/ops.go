package tools

import (
	"context"
	"encoding/json"
	"fmt"
	"os"
	"strings"

	"github.com/novasolve/ci-auto-rescue-sub001/internal/sandbox"
)

func (l *Layer) readFile(argument string) (string, error) {
	rel := strings.TrimSpace(argument)
	if rel == "" {
		return "", fmt.Errorf("read_file requires a path argument")
	}
	if !l.AllowTestRead && isTestOrForbiddenPath(rel, unconditionalWriteDenyGlobs) {
		return "", fmt.Errorf("reading test files is disabled by configuration: %s", rel)
	}
	abs, via, err := resolvePath(l.RepoDir, rel)
	if err != nil {
		return "", err
	}
	if !inRepo(l.RepoDir, abs) {
		return "", fmt.Errorf("path %q escapes the repository root", rel)
	}
	info, err := os.Stat(abs)
	if err != nil {
		return "", err
	}
	if info.Size() > l.MaxReadBytes {
		return "", fmt.Errorf("file %q (%d bytes) exceeds max_file_read_bytes=%d", rel, info.Size(), l.MaxReadBytes)
	}
	b, err := os.ReadFile(abs)
	if err != nil {
		return "", err
	}
	content := string(b)
	l.State.CacheRead(rel, content)

	header := fmt.Sprintf("path: %s", rel)
	if via != "" {
		header += fmt.Sprintf(" (resolved via %s/)", via)
	}
	return observation(prefixOK, header+"\n"+content), nil
}

type writeFileArg struct {
	Path       string `json:"path"`
	NewContent string `json:"new_content"`
}

func (l *Layer) writeFile(argument string) (string, error) {
	var arg writeFileArg
	if err := json.Unmarshal([]byte(argument), &arg); err != nil {
		return "", fmt.Errorf("write_file argument must be JSON {path, new_content}: %w", err)
	}
	rel := strings.TrimSpace(arg.Path)
	if rel == "" {
		return "", fmt.Errorf("write_file requires a non-empty path")
	}
	if isTestOrForbiddenPath(rel, unconditionalWriteDenyGlobs) {
		return "", fmt.Errorf("writes to %q are unconditionally denied (test/CI/secret path)", rel)
	}
	if int64(len(arg.NewContent)) > l.MaxWriteBytes {
		return "", fmt.Errorf("write of %d bytes exceeds max_file_write_bytes=%d", len(arg.NewContent), l.MaxWriteBytes)
	}
	abs, _, err := resolvePath(l.RepoDir, rel)
	if err != nil {
		// write_file may target a file that does not yet exist; that is
		// only valid at the literal path.
		abs = joinRepo(l.RepoDir, rel)
	}
	if !inRepo(l.RepoDir, abs) {
		return "", fmt.Errorf("path %q escapes the repository root", rel)
	}
	if !l.State.HasReadSinceEpoch(rel) {
		return "", fmt.Errorf("write_file on %q requires a read_file of the same path in this modifications epoch first", rel)
	}
	if err := writeFileAtomic(abs, arg.NewContent); err != nil {
		return "", err
	}
	l.State.RecordModification("")
	l.State.CacheRead(rel, arg.NewContent)
	return observation(prefixOK, fmt.Sprintf("wrote %s (%d bytes)", rel, len(arg.NewContent))), nil
}

func (l *Layer) applyPatch(ctx context.Context, argument string) (string, error) {
	gr := l.Guard.Validate(argument)
	if !gr.OK {
		l.emit("patch_rejected", map[string]any{"violations": gr.Violations})
		return "", fmt.Errorf("guard rejected patch: %s", strings.Join(gr.Violations, "; "))
	}

	review, err := l.Critic.Review(ctx, gr.NormalizedText, summariesToFailures(l.lastFailing))
	if err != nil {
		return "", fmt.Errorf("critic review failed: %w", err)
	}
	if !review.Approved {
		l.emit("patch_rejected", map[string]any{"violations": []string{review.Rationale}})
		return "", fmt.Errorf("critic rejected patch: %s", review.Rationale)
	}

	for _, f := range gr.Parsed.Files {
		if !l.State.HasReadSinceEpoch(f.Path()) && !f.IsNew {
			return "", fmt.Errorf("apply_patch on %q requires a read_file of that path in this modifications epoch first", f.Path())
		}
	}

	result, err := l.Applier.Apply(gr.NormalizedText)
	if err != nil {
		l.emit("patch_apply_failed", map[string]any{"reason": err.Error()})
		return "", err
	}
	added, removed := gr.Parsed.AddedRemoved()
	files := make([]string, 0, len(gr.Parsed.Files))
	for _, f := range gr.Parsed.Files {
		files = append(files, f.Path())
	}
	l.State.RecordModification(result.CommitID)
	l.emit("patch_applied", map[string]any{"lines_changed": added + removed, "files": files, "commit_id": result.CommitID})
	return observation(prefixOK, fmt.Sprintf("applied patch as commit %s (+%d/-%d across %d files)", result.CommitID, added, removed, len(files))), nil
}

func (l *Layer) runTests(ctx context.Context, argument string) (string, error) {
	cmd := l.TestCommand
	selectors := strings.Fields(strings.TrimSpace(argument))
	if len(selectors) > 0 {
		cmd = append(append([]string{}, l.TestCommand...), selectors...)
	}
	result, err := l.Runner.Run(ctx, l.RepoDir, cmd)
	if err != nil {
		return "", err
	}
	l.lastFailing = toSummaries(result.Failing)
	b, err := json.Marshal(result)
	if err != nil {
		return "", err
	}
	payload := map[string]any{"passed": result.Passed, "failed": result.Failed, "exit_code": result.ExitCode}
	if result.RunnerError != "" {
		payload["runner_error"] = result.RunnerError
	}
	l.emit("test_run_completed", payload)
	return string(b), nil
}

func (l *Layer) criticReview(ctx context.Context, argument string) (string, error) {
	review, err := l.Critic.Review(ctx, argument, summariesToFailures(l.lastFailing))
	if err != nil {
		return "", err
	}
	b, _ := json.Marshal(map[string]any{"approved": review.Approved, "rationale": review.Rationale})
	return observation(prefixOK, string(b)), nil
}

func (l *Layer) planTodo(argument string) (string, error) {
	text := strings.TrimSpace(argument)
	if text == "" {
		return "", fmt.Errorf("plan_todo requires non-empty plan text")
	}
	l.emit("plan_todo", map[string]any{"plan": text})
	return observation(prefixOK, "plan recorded; continue with the next concrete step"), nil
}

func toSummaries(fs []sandbox.Failure) []sandboxFailureSummary {
	out := make([]sandboxFailureSummary, 0, len(fs))
	for _, f := range fs {
		out = append(out, sandboxFailureSummary{ID: f.ID, Message: f.Message, File: f.File, Line: f.Line})
	}
	return out
}

func summariesToFailures(ss []sandboxFailureSummary) []sandbox.Failure {
	out := make([]sandbox.Failure, 0, len(ss))
	for _, s := range ss {
		out = append(out, sandbox.Failure{ID: s.ID, Message: s.Message, File: s.File, Line: s.Line})
	}
	return out
}
