// Package approval drives configuration proposals through the approval
// state machine.
//
// A proposal is classified, decided by a tier with enough authority,
// executed with a single-use token and, on failure, rolled back:
//
//	DRAFT -> PENDING_APPROVAL -> APPROVED -> EXECUTING -> EXECUTED
//	PENDING_APPROVAL -> DENIED
//	EXECUTING -> FAILED -> ROLLED_BACK | DEGRADED
//
// Emergency changes skip PENDING_APPROVAL, may be denied by a later
// review while APPROVED, and may be compensated from EXECUTED. Every
// transition writes an audit event, and so does every rejection at a
// trust boundary (tokens, locks, policy versions, authority).
package approval

import (
	"context"
	"errors"
	"fmt"
	"io"
	"log/slog"
	"time"

	"github.com/preacher1045/pdsno/internal/audit"
	"github.com/preacher1045/pdsno/internal/clock"
	"github.com/preacher1045/pdsno/internal/coord"
	"github.com/preacher1045/pdsno/internal/ids"
	"github.com/preacher1045/pdsno/internal/ir"
	"github.com/preacher1045/pdsno/internal/lock"
	"github.com/preacher1045/pdsno/internal/metrics"
	"github.com/preacher1045/pdsno/internal/model"
	"github.com/preacher1045/pdsno/internal/policy"
	"github.com/preacher1045/pdsno/internal/ratelimit"
	"github.com/preacher1045/pdsno/internal/rollback"
	"github.com/preacher1045/pdsno/internal/store"
	"github.com/preacher1045/pdsno/internal/token"
)

// Deps are the components the service is built on. All are required
// except Escalator; without one every escalation times out at once.
type Deps struct {
	Coord     *coord.Coordinator
	Locks     *lock.Manager
	Audit     *audit.Log
	Policies  *policy.Registry
	Issuer    *token.Issuer
	Verifier  *token.Verifier
	Rollback  *rollback.Manager
	Escalator Escalator
}

// Service implements the governance operations.
type Service struct {
	Deps
	limiter *ratelimit.Limiter
	clock   clock.Clock
	ids     ids.Generator
	logger  *slog.Logger
	metrics *metrics.Recorder
}

// Option configures a Service.
type Option func(*Service)

// WithClock sets the clock used for escalation timeouts, emergency
// rate windows and transition timestamps.
func WithClock(c clock.Clock) Option { return func(s *Service) { s.clock = c } }

// WithIDs sets the proposal id generator.
func WithIDs(g ids.Generator) Option { return func(s *Service) { s.ids = g } }

// WithLogger sets the logger.
func WithLogger(l *slog.Logger) Option { return func(s *Service) { s.logger = l } }

// WithMetrics sets the metrics recorder.
func WithMetrics(r *metrics.Recorder) Option { return func(s *Service) { s.metrics = r } }

// New creates a Service.
func New(d Deps, opts ...Option) (*Service, error) {
	switch {
	case d.Coord == nil, d.Locks == nil, d.Audit == nil, d.Policies == nil:
		return nil, errors.New("approval: coordinator, locks, audit and policies are required")
	case d.Issuer == nil, d.Verifier == nil, d.Rollback == nil:
		return nil, errors.New("approval: token issuer, verifier and rollback manager are required")
	}
	s := &Service{
		Deps:   d,
		clock:  clock.Real(),
		ids:    ids.UUIDv7{},
		logger: slog.New(slog.NewTextHandler(io.Discard, nil)),
	}
	for _, opt := range opts {
		opt(s)
	}
	s.limiter = ratelimit.New(s.clock, s.emergencyUses)
	return s, nil
}

// emergencyUses returns when proposer's emergency changes since since
// were approved. Every approved emergency change has a record, so the
// count holds across services sharing the database.
func (s *Service) emergencyUses(ctx context.Context, proposer string, since time.Time) ([]time.Time, error) {
	recs, err := coord.List[model.ConfigRecord](ctx, s.Coord, store.Configs)
	if err != nil {
		return nil, err
	}
	var uses []time.Time
	for _, rec := range recs {
		if rec.Emergency && rec.ProposerID == proposer && !rec.CreatedAt.Before(since) {
			uses = append(uses, rec.CreatedAt)
		}
	}
	return uses, nil
}

// Get returns a configuration record.
func (s *Service) Get(ctx context.Context, configID string) (*model.ConfigRecord, error) {
	return coord.Get[model.ConfigRecord](ctx, s.Coord, store.Configs, configID)
}

// List returns every configuration record.
func (s *Service) List(ctx context.Context) ([]*model.ConfigRecord, error) {
	return coord.List[model.ConfigRecord](ctx, s.Coord, store.Configs)
}

// event appends an audit event. A failed append fails the operation.
func (s *Service) event(ctx context.Context, typ model.EventType, actor, subject, action string, decision model.Decision, payload ir.Object) error {
	_, err := s.Audit.Append(ctx, audit.Entry{
		Type:     typ,
		Actor:    actor,
		Subject:  subject,
		Action:   action,
		Decision: decision,
		Payload:  payload,
	})
	if err != nil {
		return fmt.Errorf("audit %s for %s: %w", typ, subject, err)
	}
	return nil
}

// reject audits a refusal at a trust boundary and returns cause. An
// audit failure is joined to cause rather than replacing it.
func (s *Service) reject(ctx context.Context, typ model.EventType, actor, subject string, cause error, payload ir.Object) error {
	if payload == nil {
		payload = ir.Object{}
	}
	payload["error"] = ir.String(cause.Error())
	payload["kind"] = ir.String(KindOf(cause).String())
	if err := s.event(ctx, typ, actor, subject, "rejected: "+cause.Error(), model.DecisionDenied, payload); err != nil {
		return errors.Join(cause, err)
	}
	return cause
}

// activePolicy returns the active document, checking version when set.
// Mismatches are audited.
func (s *Service) activePolicy(ctx context.Context, caller model.Identity, subject, version string) (*policy.Document, error) {
	sp, err := s.Policies.Check(ctx, version)
	if err != nil {
		if policy.IsPolicyMismatch(err) || policy.IsNoActivePolicy(err) {
			return nil, s.reject(ctx, model.EventPolicyMismatch, caller.ID, subject, err, ir.Object{
				"requested": ir.String(version),
			})
		}
		return nil, err
	}
	return sp.Document, nil
}

// devices loads every target device and rejects blocked or quarantined
// ones.
func (s *Service) devices(ctx context.Context, deviceIDs []string) ([]*model.Device, error) {
	out := make([]*model.Device, 0, len(deviceIDs))
	for _, id := range deviceIDs {
		dev, err := coord.Get[model.Device](ctx, s.Coord, store.Devices, id)
		if err != nil {
			return nil, fmt.Errorf("device %s: %w", id, err)
		}
		if dev.AutomationBlocked {
			return nil, &DeviceBlockedError{DeviceID: id, Status: dev.Status, BlockedBy: dev.BlockedBy}
		}
		if dev.Status == model.DeviceQuarantined {
			return nil, &DeviceBlockedError{DeviceID: id, Status: dev.Status}
		}
		out = append(out, dev)
	}
	return out, nil
}

// releaseLocks gives up the record's device locks. Failures are logged;
// the locks expire on their own.
func (s *Service) releaseLocks(ctx context.Context, rec *model.ConfigRecord) {
	if len(rec.LockIDs) == 0 {
		return
	}
	if err := s.Locks.ReleaseAll(ctx, rec.LockIDs, rec.LockHolder); err != nil {
		s.logger.Warn("release config locks", "config_id", rec.ID, "holder_id", rec.LockHolder, "error", err)
	}
}

func changeSummary(rec *model.ConfigRecord) ir.Object {
	devices := make(ir.List, 0, len(rec.DeviceIDs))
	for _, id := range rec.DeviceIDs {
		devices = append(devices, ir.String(id))
	}
	return ir.Object{
		"change_type":  ir.String(rec.ChangeType),
		"content_hash": ir.String(rec.ContentHash),
		"devices":      devices,
		"tier":         ir.String(rec.Tier.String()),
	}
}
