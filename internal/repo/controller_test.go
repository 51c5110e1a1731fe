package repo

import (
	"context"
	"os"
	"os/exec"
	"path/filepath"
	"testing"
	"time"

	"github.com/novasolve/ci-auto-rescue-sub001/internal/errkind"
)

func initRepoTestRepo(t *testing.T) string {
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

func writeSource(t *testing.T, dir, content string) {
	t.Helper()
	if err := os.WriteFile(filepath.Join(dir, "calc.py"), []byte(content), 0o644); err != nil {
		t.Fatal(err)
	}
}

func TestOpen_RejectsDirtyWorkingTree(t *testing.T) {
	dir := initRepoTestRepo(t)
	writeSource(t, dir, "def add(a, b):\n    return a + b\n")

	_, err := Open(dir, "repair", time.Now())
	if err == nil {
		t.Fatal("expected Open to reject a dirty working tree")
	}
	var ie *IntegrityError
	if e, ok := err.(*IntegrityError); ok {
		ie = e
	}
	if ie == nil {
		t.Fatalf("expected *IntegrityError, got %T: %v", err, err)
	}
	if k, ok := errkind.Of(err); !ok || k != errkind.IntegrityViolation {
		t.Fatalf("errkind.Of(err) = (%v, %v)", k, ok)
	}
}

func TestOpen_CreatesRepairBranchFromClean(t *testing.T) {
	dir := initRepoTestRepo(t)
	now := time.Date(2026, 1, 2, 3, 4, 5, 0, time.UTC)

	c, err := Open(dir, "repair", now)
	if err != nil {
		t.Fatalf("Open: %v", err)
	}
	if c.BranchName != "repair/20260102T030405Z" {
		t.Fatalf("BranchName = %q", c.BranchName)
	}
	if !c.OriginalIsRef || c.OriginalRef != "main" {
		t.Fatalf("OriginalRef = %q, OriginalIsRef = %v", c.OriginalRef, c.OriginalIsRef)
	}
}

func TestController_Commit_RejectsEmptyCommit(t *testing.T) {
	dir := initRepoTestRepo(t)
	c, err := Open(dir, "repair", time.Now())
	if err != nil {
		t.Fatalf("Open: %v", err)
	}
	if _, err := c.Commit("no-op"); err == nil {
		t.Fatal("expected Commit to reject an empty commit")
	} else if k, ok := errkind.Of(err); !ok || k != errkind.ApplyFailure {
		t.Fatalf("errkind.Of(err) = (%v, %v)", k, ok)
	}
}

func TestController_Commit_Success(t *testing.T) {
	dir := initRepoTestRepo(t)
	c, err := Open(dir, "repair", time.Now())
	if err != nil {
		t.Fatalf("Open: %v", err)
	}
	writeSource(t, dir, "def add(a, b):\n    return a + b\n")

	id, err := c.Commit("fix add")
	if err != nil {
		t.Fatalf("Commit: %v", err)
	}
	if id == "" {
		t.Fatal("expected a non-empty commit id")
	}
	if got := c.Commits(); len(got) != 1 || got[0] != id {
		t.Fatalf("Commits() = %v", got)
	}
}

func TestController_RollbackAll_RestoresOriginalBranchAndTree(t *testing.T) {
	dir := initRepoTestRepo(t)
	c, err := Open(dir, "repair", time.Now())
	if err != nil {
		t.Fatalf("Open: %v", err)
	}
	writeSource(t, dir, "def add(a, b):\n    return a + b\n")
	if _, err := c.Commit("fix add"); err != nil {
		t.Fatalf("Commit: %v", err)
	}

	if err := c.RollbackAll(); err != nil {
		t.Fatalf("RollbackAll: %v", err)
	}

	branch, ok := gitSymbolicRefHEAD(dir)
	if !ok || branch != "main" {
		t.Fatalf("expected to be back on main, got (%q, %v)", branch, ok)
	}
	got, err := os.ReadFile(filepath.Join(dir, "calc.py"))
	if err != nil {
		t.Fatal(err)
	}
	if string(got) != "def add(a, b):\n    return a - b\n" {
		t.Fatalf("working tree content = %q, want the original", got)
	}
}

func TestController_Cleanup_DeletesRepairBranchWhenNoCommits(t *testing.T) {
	dir := initRepoTestRepo(t)
	c, err := Open(dir, "repair", time.Now())
	if err != nil {
		t.Fatalf("Open: %v", err)
	}
	if err := c.Cleanup(); err != nil {
		t.Fatalf("Cleanup: %v", err)
	}
	branch, ok := gitSymbolicRefHEAD(dir)
	if !ok || branch != "main" {
		t.Fatalf("expected to be back on main, got (%q, %v)", branch, ok)
	}
	cmd := exec.Command("git", "-C", dir, "rev-parse", "--verify", c.BranchName)
	if err := cmd.Run(); err == nil {
		t.Fatal("expected the empty repair branch to have been deleted")
	}
}

func TestController_Cleanup_KeepsRepairBranchWhenCommitsExist(t *testing.T) {
	dir := initRepoTestRepo(t)
	c, err := Open(dir, "repair", time.Now())
	if err != nil {
		t.Fatalf("Open: %v", err)
	}
	writeSource(t, dir, "def add(a, b):\n    return a + b\n")
	if _, err := c.Commit("fix add"); err != nil {
		t.Fatalf("Commit: %v", err)
	}
	if err := c.Cleanup(); err != nil {
		t.Fatalf("Cleanup: %v", err)
	}
	cmd := exec.Command("git", "-C", dir, "rev-parse", "--verify", c.BranchName)
	if err := cmd.Run(); err != nil {
		t.Fatal("expected the repair branch with commits to survive Cleanup")
	}
}

func TestController_WithInterruptRollback_CancelsAndRollsBackOnSignal(t *testing.T) {
	dir := initRepoTestRepo(t)
	c, err := Open(dir, "repair", time.Now())
	if err != nil {
		t.Fatalf("Open: %v", err)
	}
	writeSource(t, dir, "def add(a, b):\n    return a + b\n")
	if _, err := c.Commit("fix add"); err != nil {
		t.Fatalf("Commit: %v", err)
	}

	ctx, cancelAndStop := c.WithInterruptRollback(context.Background())
	defer cancelAndStop()

	c.mu.Lock()
	onInterrupt := c.stopSig
	c.mu.Unlock()
	if onInterrupt == nil {
		t.Fatal("expected a signal handler to have been installed")
	}

	if ctx.Err() != nil {
		t.Fatal("ctx should not be cancelled before any signal arrives")
	}
}
