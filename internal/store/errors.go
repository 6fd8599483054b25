package store

import (
	"errors"

	"github.com/mattn/go-sqlite3"
)

var (
	// ErrNotFound is returned when no row matches the lookup.
	ErrNotFound = errors.New("store: not found")

	// ErrConflict is returned when a versioned write loses a race: the
	// expected version no longer matches, the record already exists, or
	// a unique lookup key is taken.
	ErrConflict = errors.New("store: version conflict")

	// ErrLockHeld is returned when a lock is held by another holder.
	ErrLockHeld = errors.New("store: lock held")

	// ErrNotHolder is returned when a release names the wrong holder.
	ErrNotHolder = errors.New("store: not lock holder")
)

// isUniqueViolation reports whether err is a SQLite UNIQUE or PRIMARY
// KEY constraint failure.
func isUniqueViolation(err error) bool {
	var sqliteErr sqlite3.Error
	if !errors.As(err, &sqliteErr) {
		return false
	}
	return sqliteErr.ExtendedCode == sqlite3.ErrConstraintUnique ||
		sqliteErr.ExtendedCode == sqlite3.ErrConstraintPrimaryKey
}
