package approval

import (
	"context"
	"fmt"
	"time"

	"github.com/preacher1045/pdsno/internal/coord"
	"github.com/preacher1045/pdsno/internal/ir"
	"github.com/preacher1045/pdsno/internal/model"
	"github.com/preacher1045/pdsno/internal/store"
	"github.com/preacher1045/pdsno/internal/token"
)

// IssuedToken is an execution token and its wire form.
type IssuedToken struct {
	Token model.ExecutionToken
	Wire  string
}

// ExecutionResult is what the executor reports after touching the
// devices.
type ExecutionResult struct {
	Success bool
	Detail  string
}

// IssueToken mints the execution token for an APPROVED record. Only the
// approver, or a caller with the authority the change required, may ask.
// Asking again returns the token already issued while it is live. Once
// it has expired unspent a fresh token replaces it, and the old one no
// longer matches the record.
func (s *Service) IssueToken(ctx context.Context, caller model.Identity, configID string) (IssuedToken, error) {
	rec, err := s.Get(ctx, configID)
	if err != nil {
		return IssuedToken{}, err
	}
	if rec.State != model.StateApproved {
		return IssuedToken{}, &IllegalTransitionError{ConfigID: configID, From: rec.State, To: model.StateExecuting}
	}
	required := RequiredAuthority(rec.Tier, rec.ProposerAuthority)
	if caller.ID != rec.ApproverID && caller.Authority < required {
		return IssuedToken{}, s.reject(ctx, model.EventAuthorityRejected, caller.ID, configID,
			&AuthorityError{Actor: caller.ID, Have: caller.Authority, Required: required, Reason: "only the approver may request the token"}, nil)
	}
	var previous *model.TokenRecord
	if rec.TokenID != "" {
		existing, err := coord.Get[model.TokenRecord](ctx, s.Coord, store.Tokens, rec.TokenID)
		if err != nil {
			return IssuedToken{}, err
		}
		if s.clock.Now().Before(existing.Claims.ExpiresAt) {
			return IssuedToken{Token: existing.Claims, Wire: existing.Wire}, nil
		}
		spent, err := s.Verifier.Redeemed(ctx, existing.ID)
		if err != nil {
			return IssuedToken{}, err
		}
		if spent {
			return IssuedToken{}, &token.TokenInvalidError{TokenID: existing.ID, Verdict: model.VerdictAlreadyRedeemed,
				Detail: "token for " + configID + " was spent and has expired"}
		}
		previous = existing
	}

	doc, err := s.activePolicy(ctx, caller, configID, rec.PolicyVersion)
	if err != nil {
		return IssuedToken{}, err
	}
	constraints := model.Constraints{
		RateCap:          doc.Tokens.RateCap,
		RollbackRequired: doc.Tokens.RollbackRequired,
	}
	if previous != nil {
		// A replacement keeps what the first token promised, such as the
		// rollback an emergency change requires.
		constraints = previous.Claims.Constraints
		s.logger.Info("replacing expired token", "config_id", configID, "token_id", previous.ID)
	}
	return s.issue(ctx, caller, rec, doc.Tokens.TTL.Std(), constraints)
}

// issue mints a token and links it to the record. Of two concurrent
// issuers only one links its token; the other gets a ConflictError and
// its token can never be redeemed against the record.
func (s *Service) issue(ctx context.Context, caller model.Identity, rec *model.ConfigRecord, ttl time.Duration, c model.Constraints) (IssuedToken, error) {
	tok, wire, err := s.Issuer.Issue(ctx, token.Request{
		ProposalID:  rec.ID,
		ContentHash: rec.ContentHash,
		DeviceIDs:   rec.DeviceIDs,
		Constraints: c,
		TTL:         ttl,
	})
	if err != nil {
		return IssuedToken{}, err
	}
	expected := rec.Version
	replaced := rec.TokenID
	rec.TokenID = tok.ID
	if err := s.Coord.Put(ctx, store.Configs, rec); err != nil {
		rec.TokenID = replaced
		return IssuedToken{}, fmt.Errorf("link token %s (expected version %d): %w", tok.ID, expected, err)
	}

	payload := changeSummary(rec)
	payload["token_id"] = ir.String(tok.ID)
	payload["expires_at"] = ir.String(tok.ExpiresAt.Format(time.RFC3339Nano))
	payload["rollback_required"] = ir.Bool(c.RollbackRequired)
	if replaced != "" {
		payload["replaces"] = ir.String(replaced)
	}
	if err := s.event(ctx, model.EventTokenIssued, caller.ID, rec.ID, "issued token "+tok.ID, model.DecisionNA, payload); err != nil {
		return IssuedToken{}, err
	}
	return IssuedToken{Token: tok, Wire: wire}, nil
}

// VerifyToken checks and redeems the token for an APPROVED record, takes
// rollback snapshots when the token requires them, and moves the record
// to EXECUTING. The caller becomes the record's executor. The token is
// redeemed before anything else is written, so a replay fails with
// ALREADY_REDEEMED even if this call fails later.
func (s *Service) VerifyToken(ctx context.Context, caller model.Identity, configID, wire string) (*model.ConfigRecord, error) {
	if caller.ID == "" {
		return nil, fmt.Errorf("%w: caller identity is required", ErrInvalidRequest)
	}
	rec, err := s.Get(ctx, configID)
	if err != nil {
		return nil, err
	}

	if claims, err := token.Decode(wire); err == nil && rec.TokenID != "" && claims.ID != rec.TokenID {
		return rec, s.tokenRejected(ctx, caller, rec, &token.TokenInvalidError{
			TokenID: claims.ID,
			Verdict: model.VerdictBindingMismatch,
			Detail:  "not the token issued for " + configID,
		})
	}
	tok, err := s.Verifier.Verify(ctx, wire, token.Binding{
		ProposalID:  rec.ID,
		ContentHash: rec.ContentHash,
		DeviceIDs:   rec.DeviceIDs,
	}, caller.ID)
	if err != nil {
		if token.IsTokenInvalid(err) {
			return rec, s.tokenRejected(ctx, caller, rec, err)
		}
		return rec, err
	}

	if rec.State != model.StateApproved {
		return rec, &IllegalTransitionError{ConfigID: configID, From: rec.State, To: model.StateExecuting}
	}
	if _, err := s.devices(ctx, rec.DeviceIDs); err != nil {
		return rec, s.reject(ctx, model.EventTokenRejected, caller.ID, configID, err, nil)
	}

	snapshots := map[string]string{}
	if tok.Constraints.RollbackRequired {
		for _, dev := range rec.DeviceIDs {
			snap, err := s.Deps.Rollback.Snapshot(ctx, dev, configID)
			if err != nil {
				return rec, err
			}
			snapshots[dev] = snap.ID
		}
	}

	executing, err := s.transition(ctx, configID, caller.ID, model.StateExecuting, func(r *model.ConfigRecord) error {
		r.ExecutorID = caller.ID
		r.Snapshots = snapshots
		return nil
	})
	if err != nil {
		return rec, err
	}
	payload := changeSummary(executing)
	payload["token_id"] = ir.String(tok.ID)
	payload["snapshots"] = ir.Int(int64(len(snapshots)))
	if err := s.event(ctx, model.EventExecutionStarted, caller.ID, configID, "execution started", model.DecisionNA, payload); err != nil {
		return executing, err
	}
	return executing, nil
}

func (s *Service) tokenRejected(ctx context.Context, caller model.Identity, rec *model.ConfigRecord, err error) error {
	payload := changeSummary(rec)
	payload["verdict"] = ir.String(token.VerdictOf(err).String())
	return s.reject(ctx, model.EventTokenRejected, caller.ID, rec.ID, err, payload)
}

// RecordExecutionResult closes an EXECUTING record. Success applies the
// change to the stored device records and moves to EXECUTED. Failure
// moves to FAILED and rolls back at once; the record ends ROLLED_BACK,
// or DEGRADED with a RollbackFailureError.
func (s *Service) RecordExecutionResult(ctx context.Context, caller model.Identity, configID string, res ExecutionResult) (*model.ConfigRecord, error) {
	rec, err := s.Get(ctx, configID)
	if err != nil {
		return nil, err
	}
	if rec.State != model.StateExecuting {
		to := model.StateExecuted
		if !res.Success {
			to = model.StateFailed
		}
		return rec, &IllegalTransitionError{ConfigID: configID, From: rec.State, To: to}
	}
	if caller.ID != rec.ExecutorID {
		return rec, s.reject(ctx, model.EventAuthorityRejected, caller.ID, configID,
			&AuthorityError{Actor: caller.ID, Have: caller.Authority, Reason: "only executor " + rec.ExecutorID + " may report the result"}, nil)
	}

	if !res.Success {
		failed, err := s.transition(ctx, configID, caller.ID, model.StateFailed, func(r *model.ConfigRecord) error {
			r.Reason = res.Detail
			return nil
		})
		if err != nil {
			return rec, err
		}
		payload := changeSummary(failed)
		payload["detail"] = ir.String(res.Detail)
		if err := s.event(ctx, model.EventExecutionFailed, caller.ID, configID, "execution failed: "+res.Detail, model.DecisionNA, payload); err != nil {
			return failed, err
		}
		return s.rollbackRecord(ctx, caller, failed)
	}

	if err := s.applyToDevices(ctx, rec); err != nil {
		return rec, err
	}
	executed, err := s.transition(ctx, configID, caller.ID, model.StateExecuted, nil)
	if err != nil {
		return rec, err
	}
	payload := changeSummary(executed)
	payload["detail"] = ir.String(res.Detail)
	if err := s.event(ctx, model.EventExecutionSucceeded, caller.ID, configID, "execution succeeded", model.DecisionNA, payload); err != nil {
		return executed, err
	}
	return executed, nil
}

// applyToDevices merges the change payload into each device's recorded
// configuration and marks the record as the device's latest change.
func (s *Service) applyToDevices(ctx context.Context, rec *model.ConfigRecord) error {
	for _, id := range rec.DeviceIDs {
		_, err := coord.Update[model.Device](ctx, s.Coord, store.Devices, id, func(d *model.Device) error {
			config := d.Config.Merge(rec.Payload)
			canonical, err := ir.MarshalCanonical(config)
			if err != nil {
				return err
			}
			d.Config = config
			d.ConfigHash = ir.HashWithDomain(ir.DomainSnapshot, canonical)
			d.LastChangeID = rec.ID
			return nil
		})
		if err != nil {
			return fmt.Errorf("apply %s to %s: %w", rec.ID, id, err)
		}
	}
	return nil
}
