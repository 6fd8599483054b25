package lock

import (
	"context"
	"io"
	"log/slog"
	"time"

	"github.com/preacher1045/pdsno/internal/clock"
	"github.com/preacher1045/pdsno/internal/metrics"
	"github.com/preacher1045/pdsno/internal/store"
)

// DefaultSweepInterval applies when NewSweeper is given no interval.
const DefaultSweepInterval = time.Minute

// SweepResult counts the rows one sweep touched.
type SweepResult struct {
	Expired     int64 `json:"expired"`
	Purged      int64 `json:"purged"`
	Redemptions int64 `json:"redemptions"`
}

// Sweeper marks expired locks and purges old lock and redemption rows.
// Lock correctness never depends on it having run.
type Sweeper struct {
	store     *store.Store
	clock     clock.Clock
	interval  time.Duration
	retention time.Duration
	logger    *slog.Logger
	metrics   *metrics.Recorder
}

// SweeperOption configures a Sweeper.
type SweeperOption func(*Sweeper)

// SweepWithClock sets the sweeper's clock.
func SweepWithClock(c clock.Clock) SweeperOption { return func(s *Sweeper) { s.clock = c } }

// SweepWithLogger sets the sweeper's logger.
func SweepWithLogger(l *slog.Logger) SweeperOption { return func(s *Sweeper) { s.logger = l } }

// SweepWithMetrics sets the sweeper's metrics recorder.
func SweepWithMetrics(r *metrics.Recorder) SweeperOption {
	return func(s *Sweeper) { s.metrics = r }
}

// NewSweeper creates a sweeper that runs every interval and purges rows
// that ended more than retention ago.
func NewSweeper(st *store.Store, interval, retention time.Duration, opts ...SweeperOption) *Sweeper {
	s := &Sweeper{
		store:     st,
		clock:     clock.Real(),
		interval:  interval,
		retention: retention,
		logger:    slog.New(slog.NewTextHandler(io.Discard, nil)),
	}
	if s.interval <= 0 {
		s.interval = DefaultSweepInterval
	}
	for _, opt := range opts {
		opt(s)
	}
	return s
}

// SweepOnce performs a single housekeeping pass.
func (s *Sweeper) SweepOnce(ctx context.Context) (SweepResult, error) {
	now := s.clock.Now().UTC()
	var res SweepResult
	var err error

	if res.Expired, err = s.store.ExpireLocks(ctx, now); err != nil {
		return res, err
	}
	if s.retention > 0 {
		cutoff := now.Add(-s.retention)
		if res.Purged, err = s.store.PurgeLocks(ctx, cutoff); err != nil {
			return res, err
		}
		if res.Redemptions, err = s.store.PurgeRedemptions(ctx, cutoff); err != nil {
			return res, err
		}
	}

	s.metrics.ObserveSweep("expired", res.Expired)
	s.metrics.ObserveSweep("purged", res.Purged)
	if res.Expired+res.Purged+res.Redemptions > 0 {
		s.logger.Info("lock sweep",
			"expired", res.Expired,
			"purged", res.Purged,
			"redemptions_purged", res.Redemptions,
		)
	}
	return res, nil
}

// Run sweeps every interval until ctx is cancelled. Sweep errors are
// logged and the loop carries on.
func (s *Sweeper) Run(ctx context.Context) error {
	ticker := s.clock.NewTicker(s.interval)
	defer ticker.Stop()

	for {
		select {
		case <-ctx.Done():
			return ctx.Err()
		case <-ticker.C:
			if _, err := s.SweepOnce(ctx); err != nil {
				s.logger.Error("lock sweep failed", "error", err)
			}
		}
	}
}
