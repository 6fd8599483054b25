package lock

import (
	"errors"
	"fmt"
	"time"

	"github.com/preacher1045/pdsno/internal/model"
)

// LockHeldError reports that a subject is locked by another holder.
type LockHeldError struct {
	SubjectID string
	Type      model.LockType

	// HolderID, RequestID and ExpiresAt describe the blocking lock.
	HolderID  string
	RequestID string
	LockID    string
	ExpiresAt time.Time
}

// Error implements the error interface.
func (e *LockHeldError) Error() string {
	return fmt.Sprintf("%s lock on %s held by %s until %s",
		e.Type, e.SubjectID, e.HolderID, e.ExpiresAt.Format(time.RFC3339))
}

// NotHolderError reports a release attempted by someone other than the
// lock's holder.
type NotHolderError struct {
	LockID   string
	CallerID string
}

// Error implements the error interface.
func (e *NotHolderError) Error() string {
	return fmt.Sprintf("%s is not the holder of lock %s", e.CallerID, e.LockID)
}

// IsLockHeld returns true if err is a LockHeldError.
func IsLockHeld(err error) bool {
	var le *LockHeldError
	return errors.As(err, &le)
}

// IsNotHolder returns true if err is a NotHolderError.
func IsNotHolder(err error) bool {
	var ne *NotHolderError
	return errors.As(err, &ne)
}
