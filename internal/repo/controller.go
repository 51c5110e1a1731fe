// Package repo implements the Repository Controller: opens a
// dedicated repair branch, records commits, and restores the original
// branch and working tree on any non-success exit, including interruption.
package repo

import (
	"context"
	"fmt"
	"os"
	"os/signal"
	"strings"
	"sync"
	"syscall"
	"time"

	"github.com/novasolve/ci-auto-rescue-sub001/internal/gitutil"
)

// Controller owns the repair branch lifecycle for one run.
type Controller struct {
	Dir           string
	OriginalRef   string // branch name, or commit SHA if the tree was detached
	OriginalIsRef bool   // true if OriginalRef is a branch name, false if a detached SHA
	BranchName    string
	baseSHA       string

	mu      sync.Mutex
	commits []string
	stopSig func()
}

// Open records the current branch/commit, verifies the tree is clean
// enough to branch from, and creates the repair branch, named
// `<prefix>/<timestamp>`.
func Open(dir, branchPrefix string, now time.Time) (*Controller, error) {
	if !gitutil.IsRepo(dir) {
		return nil, &IntegrityError{Reason: "not a git repository"}
	}
	clean, err := gitutil.IsClean(dir)
	if err != nil {
		return nil, fmt.Errorf("check working tree status: %w", err)
	}
	if !clean {
		return nil, &IntegrityError{Reason: "working tree is not clean"}
	}

	head, err := gitutil.HeadSHA(dir)
	if err != nil {
		return nil, fmt.Errorf("resolve HEAD: %w", err)
	}
	branchName, isRef := currentBranch(dir)

	repairBranch := fmt.Sprintf("%s/%s", branchPrefix, now.UTC().Format("20060102T150405Z"))
	if err := gitutil.CreateBranchAt(dir, repairBranch, head); err != nil {
		return nil, fmt.Errorf("create repair branch: %w", err)
	}
	if err := gitutil.CheckoutBranch(dir, repairBranch); err != nil {
		return nil, fmt.Errorf("checkout repair branch: %w", err)
	}

	c := &Controller{
		Dir:           dir,
		OriginalRef:   branchName,
		OriginalIsRef: isRef,
		BranchName:    repairBranch,
		baseSHA:       head,
	}
	return c, nil
}

func currentBranch(dir string) (ref string, isRef bool) {
	if branch, ok := gitSymbolicRefHEAD(dir); ok {
		return branch, true
	}
	sha, _ := gitutil.HeadSHA(dir)
	return sha, false
}

// InstallSignalHandler arranges for SIGINT/SIGTERM to trigger onInterrupt,
// which restores the working tree and the original branch. Returns a
// function to stop listening; callers should defer it.
func (c *Controller) InstallSignalHandler(onInterrupt func()) func() {
	ch := make(chan os.Signal, 1)
	signal.Notify(ch, os.Interrupt, syscall.SIGTERM)
	stopped := make(chan struct{})
	go func() {
		select {
		case <-ch:
			onInterrupt()
		case <-stopped:
		}
	}()
	stop := func() {
		signal.Stop(ch)
		close(stopped)
	}
	c.mu.Lock()
	c.stopSig = stop
	c.mu.Unlock()
	return stop
}

// Commit stages everything and commits on the repair branch, returning
// the new commit id. Rejects an empty commit at the call site by checking
// diff-name-only against the branch base first.
func (c *Controller) Commit(message string) (string, error) {
	changed, err := gitutil.DiffNameOnly(c.Dir, "HEAD")
	if err != nil {
		return "", fmt.Errorf("diff against HEAD: %w", err)
	}
	if len(changed) == 0 {
		st, _ := gitutil.StatusPorcelain(c.Dir)
		if strings.TrimSpace(st) == "" {
			return "", &ApplyError{Reason: "commit would be empty"}
		}
	}
	id, err := gitutil.CommitAllowEmpty(c.Dir, message)
	if err != nil {
		return "", fmt.Errorf("commit: %w", err)
	}
	c.mu.Lock()
	c.commits = append(c.commits, id)
	c.mu.Unlock()
	return id, nil
}

// Revert reverts a single commit in reverse dependency order — callers
// revert from the most recent applied commit backward.
func (c *Controller) Revert(id string) error {
	_, _, err := runGitRevert(c.Dir, id)
	return err
}

// ResetHard resets the repair branch to ref, used by the rollback policy
// as an alternative to per-commit revert.
func (c *Controller) ResetHard(ref string) error {
	return gitutil.ResetHard(c.Dir, ref)
}

// RollbackAll resets the repair branch to its pre-run base, discarding
// every applied commit at once, then restores the original branch.
func (c *Controller) RollbackAll() error {
	if err := gitutil.ResetHard(c.Dir, c.baseSHA); err != nil {
		return fmt.Errorf("reset repair branch to base: %w", err)
	}
	return c.restoreOriginal()
}

func (c *Controller) restoreOriginal() error {
	if c.OriginalIsRef {
		return gitutil.CheckoutBranch(c.Dir, c.OriginalRef)
	}
	return gitutil.ResetHard(c.Dir, c.OriginalRef)
}

// Cleanup deletes the repair branch if it carries no commits beyond base,
// leaves it in place otherwise, and restores the original branch.
func (c *Controller) Cleanup() error {
	c.mu.Lock()
	hasCommits := len(c.commits) > 0
	stop := c.stopSig
	c.mu.Unlock()
	if stop != nil {
		stop()
	}
	if err := c.restoreOriginal(); err != nil {
		return fmt.Errorf("restore original branch: %w", err)
	}
	if !hasCommits {
		_, _, _ = runGitBranchDelete(c.Dir, c.BranchName)
	}
	return nil
}

// Commits returns the commit IDs applied so far, in application order.
func (c *Controller) Commits() []string {
	c.mu.Lock()
	defer c.mu.Unlock()
	out := make([]string, len(c.commits))
	copy(out, c.commits)
	return out
}

// WithInterruptRollback wraps ctx so that a delivered interrupt both
// cancels ctx (observed at suspension points) and triggers a
// full rollback once, idempotently.
func (c *Controller) WithInterruptRollback(ctx context.Context) (context.Context, context.CancelFunc) {
	ctx, cancel := context.WithCancelCause(ctx)
	var once sync.Once
	stop := c.InstallSignalHandler(func() {
		once.Do(func() {
			cancel(ErrInterrupted)
			_ = c.RollbackAll()
		})
	})
	return ctx, func() { stop(); cancel(nil) }
}
