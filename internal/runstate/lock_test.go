package runstate

import (
	"path/filepath"
	"testing"
)

func TestLock_AcquireRejectsSecondHolder(t *testing.T) {
	dir := filepath.Join(t.TempDir(), ".kilroy-repair")

	l1, err := Acquire(dir)
	if err != nil {
		t.Fatalf("first Acquire: %v", err)
	}
	defer l1.Release()

	_, err = Acquire(dir)
	if err == nil {
		t.Fatal("expected the second Acquire to fail while the first lock is held")
	}
	var locked *ErrLocked
	if !asErrLocked(err, &locked) {
		t.Fatalf("expected *ErrLocked, got %T: %v", err, err)
	}
}

func asErrLocked(err error, target **ErrLocked) bool {
	if e, ok := err.(*ErrLocked); ok {
		*target = e
		return true
	}
	return false
}

func TestLock_ReleaseThenReacquire(t *testing.T) {
	dir := filepath.Join(t.TempDir(), ".kilroy-repair")

	l1, err := Acquire(dir)
	if err != nil {
		t.Fatalf("first Acquire: %v", err)
	}
	if err := l1.Release(); err != nil {
		t.Fatalf("Release: %v", err)
	}

	l2, err := Acquire(dir)
	if err != nil {
		t.Fatalf("Acquire after release should succeed: %v", err)
	}
	defer l2.Release()
}

func TestLock_ReleaseIsIdempotentOnMissingFile(t *testing.T) {
	dir := filepath.Join(t.TempDir(), ".kilroy-repair")
	l, err := Acquire(dir)
	if err != nil {
		t.Fatal(err)
	}
	if err := l.Release(); err != nil {
		t.Fatalf("first Release: %v", err)
	}
	if err := l.Release(); err != nil {
		t.Fatalf("second Release should be a no-op, got: %v", err)
	}
}
