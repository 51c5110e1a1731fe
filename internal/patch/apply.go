package patch

import (
	"bytes"
	"encoding/hex"
	"errors"
	"fmt"
	"os"
	"os/exec"
	"path/filepath"
	"strings"

	"github.com/zeebo/blake3"

	"github.com/novasolve/ci-auto-rescue-sub001/internal/errkind"
)

// Committer is the subset of the Repository Controller the Applier needs:
// commit the working tree under the repair branch.
type Committer interface {
	Commit(message string) (string, error)
}

// Applier implements the Patch Applier.
type Applier struct {
	RepoDir    string
	ScratchDir string // repository's private metadata directory, never the OS temp dir
	Committer  Committer

	// lastRejectedDigest tracks the content hash of a patch that failed
	// dry-run apply, so a second identical apply_patch call within the same
	// modifications epoch is recognized as a request to use the tolerant
	// fallback writer.
	lastRejectedDigest string
}

// NewApplier constructs an Applier bound to a repository and its metadata
// scratch directory.
func NewApplier(repoDir, scratchDir string, committer Committer) *Applier {
	return &Applier{RepoDir: repoDir, ScratchDir: scratchDir, Committer: committer}
}

// ApplyError reports that the patch does not apply
// even via the fallback writer.
type ApplyError struct {
	Reason      string
	Diagnostics string
}

func (e *ApplyError) Error() string      { return "apply failure: " + e.Reason }
func (e *ApplyError) Kind() errkind.Kind { return errkind.ApplyFailure }

// ApplyResult carries the apply outcome: ok, optional commit id, message.
type ApplyResult struct {
	OK       bool
	CommitID string
	Message  string
}

// Apply runs the Patch Applier algorithm. raw is the
// already-Guard-approved patch text (normalized form, so line numbers and
// hunk counts are trustworthy).
func (a *Applier) Apply(raw string) (ApplyResult, error) {
	scratchPath, err := a.writeScratch(raw)
	if err != nil {
		return ApplyResult{}, fmt.Errorf("write scratch patch: %w", err)
	}

	digest := contentDigest(raw)
	if err := a.dryRunApply(scratchPath); err == nil {
		if err := a.realApply(scratchPath); err != nil {
			_ = restoreTree(a.RepoDir)
			return ApplyResult{}, &ApplyError{Reason: "real apply failed after successful dry-run", Diagnostics: err.Error()}
		}
		result, err := a.commit(raw)
		if err != nil {
			_ = restoreTree(a.RepoDir)
			return result, err
		}
		return result, nil
	} else if !recoverable(err) {
		a.lastRejectedDigest = digest
		return ApplyResult{}, &ApplyError{Reason: "patch does not apply", Diagnostics: err.Error()}
	}

	// Dry-run failed with a recoverable error. The tolerant fallback
	// writer only engages on a *second*
	// apply_patch of the same patch content within the same epoch; the
	// first failure is surfaced to the agent.
	if a.lastRejectedDigest != digest {
		a.lastRejectedDigest = digest
		return ApplyResult{}, &ApplyError{Reason: "patch context does not match working tree (retry to reconstruct)", Diagnostics: ""}
	}

	parsed, err := Parse(raw)
	if err != nil {
		return ApplyResult{}, &ApplyError{Reason: "cannot reconstruct: " + err.Error()}
	}
	if err := a.fallbackWrite(parsed); err != nil {
		_ = restoreTree(a.RepoDir)
		return ApplyResult{}, &ApplyError{Reason: "fallback writer failed", Diagnostics: err.Error()}
	}
	a.lastRejectedDigest = ""
	result, err := a.commit(raw)
	if err != nil {
		_ = restoreTree(a.RepoDir)
		return result, err
	}
	return result, nil
}

// restoreTree implements the leave-the-tree-untouched guarantee on
// failure: a hard reset to HEAD is safe here because nothing
// between the start of Apply and this point advances HEAD except a
// successful commit, which only happens on the success path.
func restoreTree(repoDir string) error {
	cmd := exec.Command("git", "-C", repoDir, "reset", "--hard", "HEAD")
	var out bytes.Buffer
	cmd.Stdout = &out
	cmd.Stderr = &out
	if err := cmd.Run(); err != nil {
		return fmt.Errorf("%v: %s", err, strings.TrimSpace(out.String()))
	}
	cleanCmd := exec.Command("git", "-C", repoDir, "clean", "-fd")
	cleanCmd.Stdout = &out
	cleanCmd.Stderr = &out
	return cleanCmd.Run()
}

func (a *Applier) commit(raw string) (ApplyResult, error) {
	// Reject a commit that would be empty: the patch applied cleanly but
	// changed nothing the tree didn't already contain.
	if st, err := statusPorcelain(a.RepoDir); err == nil && strings.TrimSpace(st) == "" {
		return ApplyResult{}, &ApplyError{Reason: "commit would be empty", Diagnostics: "patch had no effect on the working tree"}
	}
	var added, removed int
	if p, err := Parse(raw); err == nil {
		added, removed = p.AddedRemoved()
	}
	msg := fmt.Sprintf("kilroy-repair: apply patch (+%d/-%d)", added, removed)
	id, err := a.Committer.Commit(msg)
	if err != nil {
		var ae *ApplyError
		if errors.As(err, &ae) {
			return ApplyResult{}, err
		}
		return ApplyResult{}, &ApplyError{Reason: "commit failed", Diagnostics: err.Error()}
	}
	return ApplyResult{OK: true, CommitID: id, Message: "applied"}, nil
}

func statusPorcelain(repoDir string) (string, error) {
	cmd := exec.Command("git", "-C", repoDir, "status", "--porcelain")
	var out bytes.Buffer
	cmd.Stdout = &out
	cmd.Stderr = &out
	if err := cmd.Run(); err != nil {
		return "", fmt.Errorf("%v: %s", err, strings.TrimSpace(out.String()))
	}
	return out.String(), nil
}

func contentDigest(raw string) string {
	sum := blake3.Sum256([]byte(raw))
	return hex.EncodeToString(sum[:])
}

// writeScratch writes the patch to a stable location under the
// repository's private metadata directory, keyed by content
// digest so repeated identical applies reuse the same file. The metadata
// directory carries a self-ignoring .gitignore so scratch files are never
// staged by the commit's `git add -A` and never swept by rollback's
// `git clean`.
func (a *Applier) writeScratch(raw string) (string, error) {
	if err := os.MkdirAll(filepath.Join(a.ScratchDir, "diffs"), 0o755); err != nil {
		return "", err
	}
	ignore := filepath.Join(a.ScratchDir, ".gitignore")
	if _, err := os.Stat(ignore); os.IsNotExist(err) {
		if err := os.WriteFile(ignore, []byte("*\n"), 0o644); err != nil {
			return "", err
		}
	}
	name := contentDigest(raw)[:16] + ".patch"
	path := filepath.Join(a.ScratchDir, "diffs", name)
	if err := os.WriteFile(path, []byte(raw), 0o644); err != nil {
		return "", err
	}
	return path, nil
}

func (a *Applier) dryRunApply(patchPath string) error {
	return runGitApply(a.RepoDir, patchPath, true)
}

func (a *Applier) realApply(patchPath string) error {
	return runGitApply(a.RepoDir, patchPath, false)
}

func runGitApply(repoDir, patchPath string, check bool) error {
	args := []string{"-C", repoDir, "apply", "--whitespace=nowarn"}
	if check {
		args = append(args, "--check")
	}
	args = append(args, patchPath)
	cmd := exec.Command("git", args...)
	var out bytes.Buffer
	cmd.Stdout = &out
	cmd.Stderr = &out
	if err := cmd.Run(); err != nil {
		return fmt.Errorf("%v: %s", err, strings.TrimSpace(out.String()))
	}
	return nil
}

// recoverable reports whether a dry-run failure is the "corrupt/outdated
// context, fuzz needed" class eligible for the
// fallback writer, as opposed to a structurally broken patch.
func recoverable(err error) bool {
	msg := strings.ToLower(err.Error())
	return strings.Contains(msg, "patch does not apply") ||
		strings.Contains(msg, "while searching for") ||
		strings.Contains(msg, "context mismatch")
}
