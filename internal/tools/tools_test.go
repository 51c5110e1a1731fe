package tools

import (
	"context"
	"encoding/json"
	"os"
	"os/exec"
	"path/filepath"
	"testing"
	"time"

	"github.com/novasolve/ci-auto-rescue-sub001/internal/critic"
	"github.com/novasolve/ci-auto-rescue-sub001/internal/gitutil"
	"github.com/novasolve/ci-auto-rescue-sub001/internal/guard"
	"github.com/novasolve/ci-auto-rescue-sub001/internal/llm"
	"github.com/novasolve/ci-auto-rescue-sub001/internal/patch"
	"github.com/novasolve/ci-auto-rescue-sub001/internal/runstate"
	"github.com/novasolve/ci-auto-rescue-sub001/internal/sandbox"
)

func initToolsTestRepo(t *testing.T) string {
	t.Helper()
	dir := t.TempDir()
	run := func(args ...string) {
		t.Helper()
		cmd := exec.Command("git", append([]string{"-C", dir}, args...)...)
		cmd.Env = append(os.Environ(),
			"GIT_AUTHOR_NAME=test", "GIT_AUTHOR_EMAIL=test@test",
			"GIT_COMMITTER_NAME=test", "GIT_COMMITTER_EMAIL=test@test",
		)
		if out, err := cmd.CombinedOutput(); err != nil {
			t.Fatalf("git %v failed: %v\n%s", args, err, out)
		}
	}
	run("init", "-b", "main")
	run("config", "user.name", "test")
	run("config", "user.email", "test@test")
	if err := os.WriteFile(filepath.Join(dir, "calc.py"), []byte("def add(a, b):\n    return a - b\n"), 0o644); err != nil {
		t.Fatal(err)
	}
	run("add", "-A")
	run("commit", "-m", "initial")
	return dir
}

type gitCommitter struct{ dir string }

func (g gitCommitter) Commit(message string) (string, error) {
	return gitutil.CommitAllowEmpty(g.dir, message)
}

type approvingAdapter struct{}

func (approvingAdapter) Name() string { return "test-provider" }
func (approvingAdapter) Complete(ctx context.Context, req llm.Request) (llm.Response, error) {
	return llm.Response{Provider: "test-provider", Message: llm.Assistant(`{"decision": "approve", "rationale": "ok"}`)}, nil
}
func (a approvingAdapter) Stream(ctx context.Context, req llm.Request) (llm.Stream, error) {
	resp, err := a.Complete(ctx, req)
	return llm.NewOneShotStream(resp, err), nil
}

func newLayer(t *testing.T, dir string) *Layer {
	t.Helper()
	st := runstate.New("run1", 50, 50, time.Time{})
	g := guard.New(guard.DefaultPolicy())
	client := llm.NewClient()
	client.Register(approvingAdapter{})
	c := critic.New(g, client, "test-provider", "m")
	scratch := filepath.Join(dir, ".kilroy-repair")
	applier := patch.NewApplier(dir, scratch, gitCommitter{dir: dir})
	runner := sandbox.New(sandbox.Config{UseSandbox: false, TestTimeout: 5 * time.Second})
	return New(dir, st, g, c, applier, runner, []string{"sh", "-c", "echo 1 passed; exit 0"})
}

const fixPatch = `diff --git a/calc.py b/calc.py
--- a/calc.py
+++ b/calc.py
@@ -1,2 +1,2 @@
 def add(a, b):
-    return a - b
+    return a + b
`

func TestLayer_Invoke_ReadFileThenWriteRequiresPriorRead(t *testing.T) {
	dir := initToolsTestRepo(t)
	l := newLayer(t, dir)
	ctx := context.Background()

	// write_file before any read of the same path is rejected.
	arg, _ := json.Marshal(writeFileArg{Path: "calc.py", NewContent: "def add(a, b):\n    return a + b\n"})
	obs, err := l.Invoke(ctx, WriteFile, string(arg))
	if err != nil {
		t.Fatalf("Invoke: %v", err)
	}
	if !hasPrefix(obs, "ERROR:") {
		t.Fatalf("expected an ERROR observation before any read, got %q", obs)
	}

	obs, err = l.Invoke(ctx, ReadFile, "calc.py")
	if err != nil {
		t.Fatalf("Invoke read_file: %v", err)
	}
	if !hasPrefix(obs, "OK:") {
		t.Fatalf("expected OK for read_file, got %q", obs)
	}

	obs, err = l.Invoke(ctx, WriteFile, string(arg))
	if err != nil {
		t.Fatalf("Invoke write_file: %v", err)
	}
	if !hasPrefix(obs, "OK:") {
		t.Fatalf("expected OK for write_file after a prior read, got %q", obs)
	}
}

func TestLayer_Invoke_RepeatedReadIsSkipped(t *testing.T) {
	dir := initToolsTestRepo(t)
	l := newLayer(t, dir)
	ctx := context.Background()

	first, err := l.Invoke(ctx, ReadFile, "calc.py")
	if err != nil || !hasPrefix(first, "OK:") {
		t.Fatalf("first read_file = (%q, %v)", first, err)
	}
	second, err := l.Invoke(ctx, ReadFile, "calc.py")
	if err != nil {
		t.Fatalf("Invoke: %v", err)
	}
	if !hasPrefix(second, "SKIP:") {
		t.Fatalf("expected SKIP on a repeated identical read, got %q", second)
	}
}

func TestLayer_Invoke_WriteUnconditionallyDeniedForTestFiles(t *testing.T) {
	dir := initToolsTestRepo(t)
	if err := os.WriteFile(filepath.Join(dir, "test_calc.py"), []byte("def test_add(): pass\n"), 0o644); err != nil {
		t.Fatal(err)
	}
	l := newLayer(t, dir)
	ctx := context.Background()

	if _, err := l.Invoke(ctx, ReadFile, "test_calc.py"); err != nil {
		t.Fatalf("Invoke read_file: %v", err)
	}
	arg, _ := json.Marshal(writeFileArg{Path: "test_calc.py", NewContent: "def test_add(): assert True\n"})
	obs, err := l.Invoke(ctx, WriteFile, string(arg))
	if err != nil {
		t.Fatalf("Invoke: %v", err)
	}
	if !hasPrefix(obs, "ERROR:") {
		t.Fatalf("expected a write to a test file to be unconditionally denied, got %q", obs)
	}
}

func TestLayer_Invoke_ApplyPatchRequiresPriorReadThenSucceeds(t *testing.T) {
	dir := initToolsTestRepo(t)
	l := newLayer(t, dir)
	ctx := context.Background()

	if _, err := l.Invoke(ctx, ReadFile, "calc.py"); err != nil {
		t.Fatalf("Invoke read_file: %v", err)
	}
	obs, err := l.Invoke(ctx, ApplyPatch, fixPatch)
	if err != nil {
		t.Fatalf("Invoke apply_patch: %v", err)
	}
	if !hasPrefix(obs, "OK:") {
		t.Fatalf("expected apply_patch to succeed, got %q", obs)
	}

	got, err := os.ReadFile(filepath.Join(dir, "calc.py"))
	if err != nil {
		t.Fatal(err)
	}
	if string(got) != "def add(a, b):\n    return a + b\n" {
		t.Fatalf("calc.py content = %q", got)
	}
}

func TestLayer_Invoke_RunTestsReturnsResultJSON(t *testing.T) {
	dir := initToolsTestRepo(t)
	l := newLayer(t, dir)
	obs, err := l.Invoke(context.Background(), RunTests, "")
	if err != nil {
		t.Fatalf("Invoke: %v", err)
	}
	var result sandbox.TestResult
	if err := json.Unmarshal([]byte(obs), &result); err != nil {
		t.Fatalf("run_tests observation should be raw TestResult JSON, got %q: %v", obs, err)
	}
	if !result.Clean() {
		t.Fatalf("expected a clean result, got %+v", result)
	}
}

func TestLayer_Invoke_PlanTodoRequiresNonEmptyText(t *testing.T) {
	dir := initToolsTestRepo(t)
	l := newLayer(t, dir)
	obs, err := l.Invoke(context.Background(), PlanTodo, "   ")
	if err != nil {
		t.Fatalf("Invoke: %v", err)
	}
	if !hasPrefix(obs, "ERROR:") {
		t.Fatalf("expected ERROR for blank plan text, got %q", obs)
	}

	obs, err = l.Invoke(context.Background(), PlanTodo, "read calc.py, then patch it")
	if err != nil || !hasPrefix(obs, "OK:") {
		t.Fatalf("Invoke = (%q, %v)", obs, err)
	}
}

func TestLayer_Invoke_UnknownToolErrors(t *testing.T) {
	dir := initToolsTestRepo(t)
	l := newLayer(t, dir)
	if _, err := l.Invoke(context.Background(), "delete_repo", ""); err == nil {
		t.Fatal("expected an error for an unrecognized tool name")
	}
}

func hasPrefix(s, prefix string) bool {
	return len(s) >= len(prefix) && s[:len(prefix)] == prefix
}
