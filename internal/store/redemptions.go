package store

import (
	"context"
	"fmt"
	"time"
)

// Redemption records that an execution token has been spent.
type Redemption struct {
	TokenID    string
	ProposalID string
	RedeemedBy string
	RedeemedAt time.Time
	ExpiresAt  time.Time
}

// Redeem marks a token as spent. It returns false, with no error, when
// the token was already redeemed; the primary key on token_id makes the
// check and the mark a single atomic statement.
func (s *Store) Redeem(ctx context.Context, r Redemption) (bool, error) {
	res, err := s.db.ExecContext(ctx, `
		INSERT INTO token_redemptions (token_id, proposal_id, redeemed_by, redeemed_at, expires_at)
		VALUES (?, ?, ?, ?, ?)
		ON CONFLICT(token_id) DO NOTHING
	`, r.TokenID, r.ProposalID, r.RedeemedBy, toNanos(r.RedeemedAt), toNanos(r.ExpiresAt))
	if err != nil {
		return false, fmt.Errorf("redeem token %s: %w", r.TokenID, err)
	}
	n, err := res.RowsAffected()
	if err != nil {
		return false, fmt.Errorf("redeem token %s: %w", r.TokenID, err)
	}
	return n == 1, nil
}

// Redeemed reports whether tokenID has been spent.
func (s *Store) Redeemed(ctx context.Context, tokenID string) (bool, error) {
	var n int
	err := s.db.QueryRowContext(ctx, `
		SELECT COUNT(*) FROM token_redemptions WHERE token_id = ?
	`, tokenID).Scan(&n)
	if err != nil {
		return false, fmt.Errorf("lookup redemption %s: %w", tokenID, err)
	}
	return n > 0, nil
}

// PurgeRedemptions deletes redemption markers for tokens that expired
// before cutoff. An expired token fails verification before redemption
// is consulted, so its marker is no longer needed.
func (s *Store) PurgeRedemptions(ctx context.Context, cutoff time.Time) (int64, error) {
	res, err := s.db.ExecContext(ctx, `
		DELETE FROM token_redemptions WHERE expires_at < ?
	`, toNanos(cutoff))
	if err != nil {
		return 0, fmt.Errorf("purge redemptions: %w", err)
	}
	return res.RowsAffected()
}
