package rollback

import (
	"errors"
	"fmt"
)

// RollbackFailureError reports a restore that did not complete. The
// device must be treated as degraded until an operator clears it.
type RollbackFailureError struct {
	SnapshotID string
	DeviceID   string
	Err        error
}

// Error implements the error interface.
func (e *RollbackFailureError) Error() string {
	return fmt.Sprintf("rollback of %s from snapshot %s failed: %v", e.DeviceID, e.SnapshotID, e.Err)
}

// Unwrap returns the restorer's error.
func (e *RollbackFailureError) Unwrap() error { return e.Err }

// IsRollbackFailure returns true if err is a RollbackFailureError.
func IsRollbackFailure(err error) bool {
	var re *RollbackFailureError
	return errors.As(err, &re)
}
