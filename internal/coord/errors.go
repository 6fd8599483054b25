package coord

import (
	"errors"
	"fmt"

	"github.com/preacher1045/pdsno/internal/store"
)

// ErrNotFound is returned when the requested record does not exist.
var ErrNotFound = store.ErrNotFound

// ErrNoChange may be returned by an Update mutator to finish without
// writing. Update then returns the record as read.
var ErrNoChange = errors.New("coord: no change")

// ConflictError reports a write rejected because the stored version
// moved on, after the coordinator gave up retrying.
type ConflictError struct {
	Collection store.Collection
	ID         string

	// Expected is the version the final attempt presented.
	Expected int64

	// Attempts is how many writes were tried.
	Attempts int
}

// Error implements the error interface.
func (e *ConflictError) Error() string {
	return fmt.Sprintf("write conflict on %s/%s (expected version %d, %d attempt(s))",
		e.Collection, e.ID, e.Expected, e.Attempts)
}

// IsConflict returns true if err is a ConflictError.
// Uses errors.As to handle wrapped errors.
func IsConflict(err error) bool {
	var ce *ConflictError
	return errors.As(err, &ce)
}

// IsNotFound returns true if err reports a missing record.
func IsNotFound(err error) bool {
	return errors.Is(err, ErrNotFound)
}
