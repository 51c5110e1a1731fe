package patch

import (
	"os"
	"os/exec"
	"path/filepath"
	"testing"

	"github.com/novasolve/ci-auto-rescue-sub001/internal/gitutil"
)

func initApplyTestRepo(t *testing.T) string {
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
	if err := os.MkdirAll(filepath.Join(dir, "src"), 0o755); err != nil {
		t.Fatal(err)
	}
	if err := os.WriteFile(filepath.Join(dir, "src", "calc.py"), []byte("def add(a, b):\n    return a - b\n"), 0o644); err != nil {
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

func TestApplier_Apply_Success(t *testing.T) {
	dir := initApplyTestRepo(t)
	scratch := filepath.Join(dir, ".kilroy-repair")
	applier := NewApplier(dir, scratch, gitCommitter{dir: dir})

	result, err := applier.Apply(calcPatch)
	if err != nil {
		t.Fatalf("Apply: %v", err)
	}
	if !result.OK || result.CommitID == "" {
		t.Fatalf("expected an OK result with a commit id, got %+v", result)
	}

	got, err := os.ReadFile(filepath.Join(dir, "src", "calc.py"))
	if err != nil {
		t.Fatal(err)
	}
	want := "def add(a, b):\n    return a + b\n"
	if string(got) != want {
		t.Fatalf("file content = %q, want %q", got, want)
	}
}

// noopAgainstTreePatch's pre-image matches the repo's actual current
// content and its post-image is identical to the pre-image: applying it
// should have no effect on the working tree.
const noopAgainstTreePatch = `diff --git a/src/calc.py b/src/calc.py
--- a/src/calc.py
+++ b/src/calc.py
@@ -1,2 +1,2 @@
 def add(a, b):
-    return a - b
+    return a - b
`

func TestApplier_Apply_EmptyDiffIsNoop(t *testing.T) {
	dir := initApplyTestRepo(t)
	scratch := filepath.Join(dir, ".kilroy-repair")
	applier := NewApplier(dir, scratch, gitCommitter{dir: dir})

	before, err := os.ReadFile(filepath.Join(dir, "src", "calc.py"))
	if err != nil {
		t.Fatal(err)
	}

	_, err = applier.Apply(noopAgainstTreePatch)
	if err == nil {
		t.Fatal("expected an ApplyError: a no-op patch yields an empty commit, which Commit() rejects")
	}

	after, err := os.ReadFile(filepath.Join(dir, "src", "calc.py"))
	if err != nil {
		t.Fatal(err)
	}
	if string(before) != string(after) {
		t.Fatal("working tree must be unchanged after a failed apply")
	}
}

func TestApplier_Apply_RejectsUnrelatedContext(t *testing.T) {
	dir := initApplyTestRepo(t)
	scratch := filepath.Join(dir, ".kilroy-repair")
	applier := NewApplier(dir, scratch, gitCommitter{dir: dir})

	wrong := `diff --git a/src/calc.py b/src/calc.py
--- a/src/calc.py
+++ b/src/calc.py
@@ -1,2 +1,2 @@
 def multiply(a, b):
-    return a * b
+    return a ** b
`
	if _, err := applier.Apply(wrong); err == nil {
		t.Fatal("expected an ApplyError for context that does not match the working tree")
	}

	clean, err := gitutil.IsClean(dir)
	if err != nil {
		t.Fatal(err)
	}
	if !clean {
		t.Fatal("working tree must be restored after a failed apply")
	}
}

func TestApplier_Apply_ScratchFilesUnderMetadataDir(t *testing.T) {
	dir := initApplyTestRepo(t)
	scratch := filepath.Join(dir, ".kilroy-repair")
	applier := NewApplier(dir, scratch, gitCommitter{dir: dir})

	if _, err := applier.Apply(calcPatch); err != nil {
		t.Fatalf("Apply: %v", err)
	}
	entries, err := os.ReadDir(filepath.Join(scratch, "diffs"))
	if err != nil {
		t.Fatalf("scratch diffs dir: %v", err)
	}
	if len(entries) == 0 {
		t.Fatal("expected the applied patch to be written under the scratch diffs directory")
	}
}
