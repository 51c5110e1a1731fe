package repo

import (
	"bytes"
	"os/exec"
	"strings"
)

// gitSymbolicRefHEAD returns the current branch name, or ok=false when HEAD
// is detached. gitutil exposes branch/commit/status plumbing but not this
// specific query, so it is added here rather than widened upstream since it
// is only needed by the controller's "remember the original branch" step.
func gitSymbolicRefHEAD(dir string) (string, bool) {
	cmd := exec.Command("git", "-C", dir, "symbolic-ref", "--short", "-q", "HEAD")
	var out bytes.Buffer
	cmd.Stdout = &out
	if err := cmd.Run(); err != nil {
		return "", false
	}
	branch := strings.TrimSpace(out.String())
	if branch == "" {
		return "", false
	}
	return branch, true
}

func runGitRevert(dir, commitID string) (string, string, error) {
	cmd := exec.Command("git", "-C", dir, "revert", "--no-edit", commitID)
	var out, errOut bytes.Buffer
	cmd.Stdout = &out
	cmd.Stderr = &errOut
	err := cmd.Run()
	return out.String(), errOut.String(), err
}

func runGitBranchDelete(dir, branch string) (string, string, error) {
	cmd := exec.Command("git", "-C", dir, "branch", "-D", branch)
	var out, errOut bytes.Buffer
	cmd.Stdout = &out
	cmd.Stderr = &errOut
	err := cmd.Run()
	return out.String(), errOut.String(), err
}
