// Package ratelimit enforces per-key limits over sliding windows whose
// uses are recorded elsewhere.
//
// The limiter holds no counts of its own. Every check asks a Counter for
// the uses inside the window, so limiters in separate processes sharing
// one database agree. What it does keep is the instant until which a
// key is known to be over its limit: uses are never un-recorded, so that
// verdict stays true until the oldest counted use leaves the window.
package ratelimit

import (
	"context"
	"fmt"
	"time"

	"github.com/hashicorp/golang-lru/v2/expirable"

	"github.com/preacher1045/pdsno/internal/clock"
)

// Defaults bound the limiter's memory. Entries idle for longer than
// DefaultIdleTTL are dropped; their windows have long since closed.
const (
	DefaultMaxKeys = 4096
	DefaultIdleTTL = 24 * time.Hour
)

// Counter returns the times of key's recorded uses at or after since.
type Counter func(ctx context.Context, key string, since time.Time) ([]time.Time, error)

// Verdict is the outcome of a check.
type Verdict struct {
	Allowed bool

	// Used is the number of uses already inside the window.
	Used int

	// RetryAt is when the oldest counted use leaves the window. Zero
	// when Allowed.
	RetryAt time.Time
}

// Remaining is the number of uses left after the one being checked.
func (v Verdict) Remaining(limit int) int {
	if !v.Allowed {
		return 0
	}
	return max(limit-v.Used-1, 0)
}

// Limiter checks keys against their recorded uses.
type Limiter struct {
	clock   clock.Clock
	count   Counter
	blocked *expirable.LRU[string, time.Time]
}

// New creates a Limiter reading time from clk and uses from count.
func New(clk clock.Clock, count Counter) *Limiter {
	if clk == nil {
		clk = clock.Real()
	}
	return &Limiter{
		clock:   clk,
		count:   count,
		blocked: expirable.NewLRU[string, time.Time](DefaultMaxKeys, nil, DefaultIdleTTL),
	}
}

// Check reports whether key may be used once more with at most limit
// uses per window. It records nothing; the caller records the use. A
// limit of zero or less never allows.
func (l *Limiter) Check(ctx context.Context, key string, limit int, per time.Duration) (Verdict, error) {
	if limit <= 0 {
		return Verdict{}, nil
	}
	now := l.clock.Now()
	if until, ok := l.blocked.Get(key); ok {
		if now.Before(until) {
			return Verdict{Used: limit, RetryAt: until}, nil
		}
		l.blocked.Remove(key)
	}

	// A use exactly one window old has left it.
	uses, err := l.count(ctx, key, now.Add(-per).Add(time.Nanosecond))
	if err != nil {
		return Verdict{}, fmt.Errorf("count uses of %s: %w", key, err)
	}
	if len(uses) < limit {
		return Verdict{Allowed: true, Used: len(uses)}, nil
	}

	oldest := uses[0]
	for _, t := range uses[1:] {
		if t.Before(oldest) {
			oldest = t
		}
	}
	until := oldest.Add(per)
	l.blocked.Add(key, until)
	return Verdict{Used: len(uses), RetryAt: until}, nil
}
