package runstate

import (
	"fmt"
	"os"
	"path/filepath"
	"strconv"

	"github.com/novasolve/ci-auto-rescue-sub001/internal/errkind"
)

// Lock is the run's mutual-exclusion lockfile under the repository's
// private metadata directory: concurrent runs against the same repository
// are rejected before any mutation happens.
type Lock struct {
	path string
}

// ErrLocked is returned by Acquire when another run already holds the lock.
type ErrLocked struct {
	Path       string
	HolderPID  int
	HolderText string
}

func (e *ErrLocked) Error() string {
	return fmt.Sprintf("repository locked by another run (pid %d, %s): %s", e.HolderPID, e.HolderText, e.Path)
}

func (e *ErrLocked) Kind() errkind.Kind { return errkind.IntegrityViolation }

// Acquire creates metaDir/lock exclusively, failing with *ErrLocked if it
// already exists. metaDir is created if absent, along with a self-ignoring
// .gitignore so the metadata directory never dirties the working tree: the
// clean-tree preflight, `git add -A` commits, and rollback's `git clean`
// must all see past it.
func Acquire(metaDir string) (*Lock, error) {
	if err := os.MkdirAll(metaDir, 0o755); err != nil {
		return nil, fmt.Errorf("create metadata dir: %w", err)
	}
	ignore := filepath.Join(metaDir, ".gitignore")
	if _, err := os.Stat(ignore); os.IsNotExist(err) {
		if err := os.WriteFile(ignore, []byte("*\n"), 0o644); err != nil {
			return nil, fmt.Errorf("write metadata .gitignore: %w", err)
		}
	}
	path := filepath.Join(metaDir, "lock")
	f, err := os.OpenFile(path, os.O_CREATE|os.O_EXCL|os.O_WRONLY, 0o644)
	if err != nil {
		if os.IsExist(err) {
			holder, _ := os.ReadFile(path)
			return nil, &ErrLocked{Path: path, HolderText: string(holder)}
		}
		return nil, fmt.Errorf("create lockfile: %w", err)
	}
	defer func() { _ = f.Close() }()
	_, _ = f.WriteString(strconv.Itoa(os.Getpid()))
	return &Lock{path: path}, nil
}

// Release removes the lockfile. Safe to call even if the file is already gone.
func (l *Lock) Release() error {
	if l == nil {
		return nil
	}
	err := os.Remove(l.path)
	if err != nil && os.IsNotExist(err) {
		return nil
	}
	return err
}
