// Package lock is the Lock Manager: time-bounded advisory locks on
// subjects such as devices and configuration records.
//
// A lock is held if and only if its row is active and the current time
// is before expires_at. That comparison is made against the injected
// clock on every acquire and check; the stored status is never trusted
// on its own, and the Sweeper is housekeeping only.
package lock

import (
	"context"
	"errors"
	"fmt"
	"io"
	"log/slog"
	"slices"
	"time"

	"github.com/preacher1045/pdsno/internal/clock"
	"github.com/preacher1045/pdsno/internal/ids"
	"github.com/preacher1045/pdsno/internal/metrics"
	"github.com/preacher1045/pdsno/internal/model"
	"github.com/preacher1045/pdsno/internal/store"
)

// DefaultTTL applies when a request does not name one.
const DefaultTTL = 10 * time.Minute

// Request describes a lock acquisition.
type Request struct {
	SubjectID string
	Type      model.LockType
	HolderID  string

	// RequestID ties the lock to the operation holding it. Re-acquiring
	// with the same holder and request id returns the existing lock.
	RequestID string
	TTL       time.Duration
}

// Manager acquires, releases and checks locks.
type Manager struct {
	store   *store.Store
	clock   clock.Clock
	ids     ids.Generator
	logger  *slog.Logger
	metrics *metrics.Recorder
}

// Option configures a Manager.
type Option func(*Manager)

// WithClock sets the clock that decides expiry.
func WithClock(c clock.Clock) Option { return func(m *Manager) { m.clock = c } }

// WithIDs sets the lock id generator.
func WithIDs(g ids.Generator) Option { return func(m *Manager) { m.ids = g } }

// WithLogger sets the logger.
func WithLogger(l *slog.Logger) Option { return func(m *Manager) { m.logger = l } }

// WithMetrics sets the metrics recorder.
func WithMetrics(r *metrics.Recorder) Option { return func(m *Manager) { m.metrics = r } }

// New creates a Manager over the lock table in st.
func New(st *store.Store, opts ...Option) *Manager {
	m := &Manager{
		store:  st,
		clock:  clock.Real(),
		ids:    ids.UUIDv7{},
		logger: slog.New(slog.NewTextHandler(io.Discard, nil)),
	}
	for _, opt := range opts {
		opt(m)
	}
	return m
}

// Acquire takes the lock described by req. If a live lock is held by
// someone else it returns a LockHeldError naming the holder.
func (m *Manager) Acquire(ctx context.Context, req Request) (model.Lock, error) {
	if req.SubjectID == "" || req.HolderID == "" {
		return model.Lock{}, fmt.Errorf("acquire lock: subject and holder are required")
	}
	if req.Type == model.LockTypeUnknown {
		return model.Lock{}, fmt.Errorf("acquire lock on %s: lock type is required", req.SubjectID)
	}
	ttl := req.TTL
	if ttl <= 0 {
		ttl = DefaultTTL
	}

	now := m.clock.Now().UTC()
	l := model.Lock{
		Entity:     model.Entity{ID: m.ids.Generate()},
		SubjectID:  req.SubjectID,
		Type:       req.Type,
		HolderID:   req.HolderID,
		RequestID:  req.RequestID,
		AcquiredAt: now,
		ExpiresAt:  now.Add(ttl),
	}

	got, err := m.store.AcquireLock(ctx, l, now)
	switch {
	case errors.Is(err, store.ErrLockHeld), errors.Is(err, store.ErrConflict):
		m.metrics.ObserveLock(req.Type.String(), "held")
		if errors.Is(err, store.ErrConflict) {
			// Lost the insert race; report whoever won it.
			if cur, ok, cerr := m.store.ActiveLock(ctx, req.SubjectID, req.Type, now); cerr == nil && ok {
				got = cur
			}
		}
		m.logger.Debug("lock held",
			"subject_id", req.SubjectID,
			"lock_type", req.Type,
			"holder_id", got.HolderID,
			"requested_by", req.HolderID,
		)
		return model.Lock{}, &LockHeldError{
			SubjectID: req.SubjectID,
			Type:      req.Type,
			HolderID:  got.HolderID,
			RequestID: got.RequestID,
			LockID:    got.ID,
			ExpiresAt: got.ExpiresAt,
		}
	case err != nil:
		return model.Lock{}, err
	}

	m.metrics.ObserveLock(req.Type.String(), "acquired")
	m.logger.Debug("lock acquired",
		"lock_id", got.ID,
		"subject_id", got.SubjectID,
		"lock_type", got.Type,
		"holder_id", got.HolderID,
		"expires_at", got.ExpiresAt,
	)
	return got, nil
}

// AcquireAll locks every subject for one holder. Subjects are locked in
// sorted order so two callers over overlapping sets cannot deadlock;
// if any subject is held, the locks already taken are released and the
// LockHeldError is returned.
func (m *Manager) AcquireAll(ctx context.Context, subjects []string, lockType model.LockType, holderID, requestID string, ttl time.Duration) ([]model.Lock, error) {
	sorted := slices.Clone(subjects)
	slices.Sort(sorted)
	sorted = slices.Compact(sorted)

	held := make([]model.Lock, 0, len(sorted))
	for _, subject := range sorted {
		l, err := m.Acquire(ctx, Request{
			SubjectID: subject,
			Type:      lockType,
			HolderID:  holderID,
			RequestID: requestID,
			TTL:       ttl,
		})
		if err != nil {
			for _, h := range held {
				if rerr := m.Release(ctx, h.ID, holderID); rerr != nil {
					m.logger.Warn("release after partial acquire failed", "lock_id", h.ID, "error", rerr)
				}
			}
			return nil, err
		}
		held = append(held, l)
	}
	return held, nil
}

// Release gives up a lock. Only the holder may release it; anyone else
// gets a NotHolderError. Releasing an already released or expired lock
// succeeds.
func (m *Manager) Release(ctx context.Context, lockID, holderID string) error {
	err := m.store.ReleaseLock(ctx, lockID, holderID, m.clock.Now().UTC())
	switch {
	case errors.Is(err, store.ErrNotHolder):
		m.metrics.ObserveLock("", "not_holder")
		return &NotHolderError{LockID: lockID, CallerID: holderID}
	case err != nil:
		return err
	}
	m.metrics.ObserveLock("", "released")
	m.logger.Debug("lock released", "lock_id", lockID, "holder_id", holderID)
	return nil
}

// ReleaseAll releases each lock, returning the first error after trying
// all of them.
func (m *Manager) ReleaseAll(ctx context.Context, lockIDs []string, holderID string) error {
	var first error
	for _, id := range lockIDs {
		if err := m.Release(ctx, id, holderID); err != nil && first == nil {
			first = err
		}
	}
	return first
}

// Check returns the lock holding subject right now, if any.
func (m *Manager) Check(ctx context.Context, subjectID string, lockType model.LockType) (model.Lock, bool, error) {
	return m.store.ActiveLock(ctx, subjectID, lockType, m.clock.Now().UTC())
}

// Active lists every lock live right now.
func (m *Manager) Active(ctx context.Context) ([]model.Lock, error) {
	return m.store.ListActiveLocks(ctx, m.clock.Now().UTC())
}
