package store

import (
	"context"
	"database/sql"
	"errors"
	"fmt"
	"time"

	"github.com/preacher1045/pdsno/internal/model"
)

const lockColumns = `id, subject_id, lock_type, holder_id, request_id, status, acquired_at, expires_at, released_at`

// AcquireLock inserts l as the active lock on its subject unless a live
// lock is already there.
//
// The check and insert run in one transaction. An active row whose
// expiry has passed at now is marked expired and replaced. A live row
// held by the same holder for the same request is returned as-is, so a
// retried acquire is idempotent. Any other live row is returned together
// with ErrLockHeld so the caller can report the blocking holder.
func (s *Store) AcquireLock(ctx context.Context, l model.Lock, now time.Time) (model.Lock, error) {
	tx, err := s.db.BeginTx(ctx, nil)
	if err != nil {
		return model.Lock{}, fmt.Errorf("acquire lock: begin: %w", err)
	}
	defer tx.Rollback() // No-op if committed

	current, err := scanLock(tx.QueryRowContext(ctx, `
		SELECT `+lockColumns+`
		FROM locks
		WHERE subject_id = ? AND lock_type = ? AND status = 'active'
	`, l.SubjectID, l.Type.String()))
	switch {
	case errors.Is(err, ErrNotFound):
	case err != nil:
		return model.Lock{}, fmt.Errorf("acquire lock: %w", err)
	case current.HeldAt(now):
		if current.HolderID == l.HolderID && current.RequestID == l.RequestID {
			return current, nil
		}
		return current, ErrLockHeld
	default:
		if _, err := tx.ExecContext(ctx, `
			UPDATE locks SET status = 'expired' WHERE id = ?
		`, current.ID); err != nil {
			return model.Lock{}, fmt.Errorf("acquire lock: expire %s: %w", current.ID, err)
		}
	}

	l.Status = model.LockActive
	l.Version = 1
	if _, err := tx.ExecContext(ctx, `
		INSERT INTO locks (`+lockColumns+`)
		VALUES (?, ?, ?, ?, ?, 'active', ?, ?, NULL)
	`,
		l.ID,
		l.SubjectID,
		l.Type.String(),
		l.HolderID,
		l.RequestID,
		toNanos(l.AcquiredAt),
		toNanos(l.ExpiresAt),
	); err != nil {
		if isUniqueViolation(err) {
			return model.Lock{}, ErrConflict
		}
		return model.Lock{}, fmt.Errorf("acquire lock: insert: %w", err)
	}

	if err := tx.Commit(); err != nil {
		return model.Lock{}, fmt.Errorf("acquire lock: commit: %w", err)
	}
	return l, nil
}

// ReleaseLock marks an active lock released. Releasing a lock that is
// already released or expired is a no-op. A holder mismatch reports
// ErrNotHolder and an unknown id reports ErrNotFound.
func (s *Store) ReleaseLock(ctx context.Context, lockID, holderID string, now time.Time) error {
	res, err := s.db.ExecContext(ctx, `
		UPDATE locks SET status = 'released', released_at = ?
		WHERE id = ? AND holder_id = ? AND status = 'active'
	`, toNanos(now), lockID, holderID)
	if err != nil {
		return fmt.Errorf("release lock %s: %w", lockID, err)
	}
	n, err := res.RowsAffected()
	if err != nil {
		return fmt.Errorf("release lock %s: %w", lockID, err)
	}
	if n > 0 {
		return nil
	}

	l, err := s.GetLock(ctx, lockID)
	if err != nil {
		return err
	}
	if l.HolderID != holderID {
		return ErrNotHolder
	}
	return nil
}

// GetLock returns a lock row by id regardless of status.
func (s *Store) GetLock(ctx context.Context, lockID string) (model.Lock, error) {
	return scanLock(s.db.QueryRowContext(ctx, `
		SELECT `+lockColumns+` FROM locks WHERE id = ?
	`, lockID))
}

// ActiveLock returns the lock holding subject at now, if any.
func (s *Store) ActiveLock(ctx context.Context, subjectID string, lockType model.LockType, now time.Time) (model.Lock, bool, error) {
	l, err := scanLock(s.db.QueryRowContext(ctx, `
		SELECT `+lockColumns+`
		FROM locks
		WHERE subject_id = ? AND lock_type = ? AND status = 'active' AND expires_at > ?
	`, subjectID, lockType.String(), toNanos(now)))
	if errors.Is(err, ErrNotFound) {
		return model.Lock{}, false, nil
	}
	if err != nil {
		return model.Lock{}, false, err
	}
	return l, true, nil
}

// ListActiveLocks returns the locks live at now ordered by subject.
func (s *Store) ListActiveLocks(ctx context.Context, now time.Time) ([]model.Lock, error) {
	rows, err := s.db.QueryContext(ctx, `
		SELECT `+lockColumns+`
		FROM locks
		WHERE status = 'active' AND expires_at > ?
		ORDER BY subject_id COLLATE BINARY ASC, lock_type ASC
	`, toNanos(now))
	if err != nil {
		return nil, fmt.Errorf("query locks: %w", err)
	}
	defer rows.Close()

	locks := []model.Lock{}
	for rows.Next() {
		l, err := scanLock(rows)
		if err != nil {
			return nil, err
		}
		locks = append(locks, l)
	}
	if err := rows.Err(); err != nil {
		return nil, fmt.Errorf("iterate locks: %w", err)
	}
	return locks, nil
}

// ExpireLocks marks every active lock past its expiry as expired and
// returns how many rows changed.
func (s *Store) ExpireLocks(ctx context.Context, now time.Time) (int64, error) {
	res, err := s.db.ExecContext(ctx, `
		UPDATE locks SET status = 'expired'
		WHERE status = 'active' AND expires_at <= ?
	`, toNanos(now))
	if err != nil {
		return 0, fmt.Errorf("expire locks: %w", err)
	}
	return res.RowsAffected()
}

// PurgeLocks deletes released and expired locks that ended before cutoff.
func (s *Store) PurgeLocks(ctx context.Context, cutoff time.Time) (int64, error) {
	res, err := s.db.ExecContext(ctx, `
		DELETE FROM locks
		WHERE status != 'active' AND COALESCE(released_at, expires_at) < ?
	`, toNanos(cutoff))
	if err != nil {
		return 0, fmt.Errorf("purge locks: %w", err)
	}
	return res.RowsAffected()
}

func scanLock(row rowScanner) (model.Lock, error) {
	var (
		l        model.Lock
		lockType string
		status   string
		acquired int64
		expires  int64
		released sql.NullInt64
	)
	err := row.Scan(&l.ID, &l.SubjectID, &lockType, &l.HolderID, &l.RequestID, &status, &acquired, &expires, &released)
	if errors.Is(err, sql.ErrNoRows) {
		return model.Lock{}, ErrNotFound
	}
	if err != nil {
		return model.Lock{}, fmt.Errorf("scan lock: %w", err)
	}
	if l.Type, err = model.ParseLockType(lockType); err != nil {
		return model.Lock{}, fmt.Errorf("scan lock %s: %w", l.ID, err)
	}
	if l.Status, err = model.ParseLockStatus(status); err != nil {
		return model.Lock{}, fmt.Errorf("scan lock %s: %w", l.ID, err)
	}
	l.Version = 1
	l.AcquiredAt = fromNanos(acquired)
	l.ExpiresAt = fromNanos(expires)
	l.CreatedAt = l.AcquiredAt
	l.UpdatedAt = l.AcquiredAt
	if released.Valid {
		l.UpdatedAt = fromNanos(released.Int64)
	}
	l.DataTier = model.DataTransient
	return l, nil
}
