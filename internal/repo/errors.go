package repo

import "github.com/novasolve/ci-auto-rescue-sub001/internal/errkind"

// IntegrityError is the integrity-violation failure: working tree
// unexpectedly dirty, branch race, lock held. Fatal; no rollback required
// because no mutation occurred.
type IntegrityError struct {
	Reason string
}

func (e *IntegrityError) Error() string    { return "integrity violation: " + e.Reason }
func (e *IntegrityError) Kind() errkind.Kind { return errkind.IntegrityViolation }

// ApplyError is an apply failure as it surfaces at the
// controller layer (an empty commit attempt).
type ApplyError struct {
	Reason string
}

func (e *ApplyError) Error() string    { return "apply failure: " + e.Reason }
func (e *ApplyError) Kind() errkind.Kind { return errkind.ApplyFailure }

// interruptedError is the cancellation cause used by WithInterruptRollback.
type interruptedError struct{}

func (interruptedError) Error() string      { return "run interrupted" }
func (interruptedError) Kind() errkind.Kind { return errkind.Interrupted }

// ErrInterrupted is the cancellation cause used by WithInterruptRollback.
var ErrInterrupted error = interruptedError{}
