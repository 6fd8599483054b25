package approval

import (
	"context"
	"fmt"
	"strings"
	"time"

	"github.com/preacher1045/pdsno/internal/classify"
	"github.com/preacher1045/pdsno/internal/coord"
	"github.com/preacher1045/pdsno/internal/ir"
	"github.com/preacher1045/pdsno/internal/lock"
	"github.com/preacher1045/pdsno/internal/model"
	"github.com/preacher1045/pdsno/internal/store"
)

// EmergencyResult is an emergency change approved for immediate
// execution, with its token.
type EmergencyResult struct {
	Record *model.ConfigRecord
	Token  IssuedToken
}

// Emergency approves a change for immediate local execution, skipping
// PENDING_APPROVAL. The change type must be on the policy's emergency
// list, the target devices must be free, and the proposer must be within
// the per-proposer rate limit. Only approved changes count against the
// limit. The approval is audited with the full payload and must later
// be reviewed by a higher tier.
func (s *Service) Emergency(ctx context.Context, caller model.Identity, p Proposal) (EmergencyResult, error) {
	if err := p.validate(caller); err != nil {
		return EmergencyResult{}, err
	}
	id := s.ids.Generate()
	devices := ir.NormalizeDeviceSet(p.DeviceIDs)
	changeType := strings.TrimSpace(p.ChangeType)
	attempt := ir.Object{"change_type": ir.String(changeType), "emergency": ir.Bool(true)}

	doc, err := s.activePolicy(ctx, caller, id, p.PolicyVersion)
	if err != nil {
		return EmergencyResult{}, err
	}
	if !doc.EmergencyAllowed(changeType) {
		return EmergencyResult{}, s.reject(ctx, model.EventProposalRejected, caller.ID, id,
			&AuthorityError{Actor: caller.ID, Have: caller.Authority, Reason: changeType + " is not an emergency change type"}, attempt)
	}
	if _, err := s.devices(ctx, devices); err != nil {
		return EmergencyResult{}, s.reject(ctx, model.EventProposalRejected, caller.ID, id, err, attempt)
	}
	hash, err := ir.ContentHash(changeType, p.Payload, devices)
	if err != nil {
		return EmergencyResult{}, fmt.Errorf("%w: %v", ErrInvalidRequest, err)
	}

	locks, err := s.Locks.AcquireAll(ctx, devices, model.LockDevice, caller.ID, id, doc.Locks.TTL.Std())
	if err != nil {
		if lock.IsLockHeld(err) {
			return EmergencyResult{}, s.reject(ctx, model.EventLockContended, caller.ID, id, err, attempt)
		}
		return EmergencyResult{}, err
	}
	lockIDs := make([]string, len(locks))
	for i, l := range locks {
		lockIDs[i] = l.ID
	}
	held := &model.ConfigRecord{LockIDs: lockIDs, LockHolder: caller.ID}

	window := doc.Emergency.Window.Std()
	verdict, err := s.limiter.Check(ctx, caller.ID, doc.Emergency.PerProposerLimit, window)
	if err != nil {
		s.releaseLocks(ctx, held)
		return EmergencyResult{}, err
	}
	if !verdict.Allowed {
		s.releaseLocks(ctx, held)
		attempt["retry_at"] = ir.String(verdict.RetryAt.UTC().Format(time.RFC3339))
		return EmergencyResult{}, s.reject(ctx, model.EventProposalRejected, caller.ID, id,
			&RateLimitedError{ProposerID: caller.ID, Limit: doc.Emergency.PerProposerLimit, Window: window}, attempt)
	}

	payload := p.Payload.Clone()
	if payload == nil {
		payload = ir.Object{}
	}
	rec := &model.ConfigRecord{
		Entity:            model.Entity{ID: id, DataTier: model.DataDurable},
		DeviceIDs:         devices,
		ChangeType:        changeType,
		Payload:           payload,
		ContentHash:       hash,
		SuggestedTier:     p.SuggestedTier,
		Tier:              model.TierEmergency,
		State:             model.StateDraft,
		ProposerID:        caller.ID,
		ProposerAuthority: caller.Authority,
		PolicyVersion:     doc.Version,
		Emergency:         true,
		Reason:            p.Reason,
		LockIDs:           lockIDs,
		LockHolder:        caller.ID,
	}
	if err := s.Coord.Create(ctx, store.Configs, rec); err != nil {
		s.releaseLocks(ctx, rec)
		return EmergencyResult{}, err
	}

	approved, err := s.transition(ctx, id, caller.ID, model.StateApproved, func(r *model.ConfigRecord) error {
		r.ApproverID = caller.ID
		return nil
	})
	if err != nil {
		s.releaseLocks(ctx, rec)
		return EmergencyResult{}, err
	}

	// The emergency trail carries everything needed to reconstruct the
	// change without consulting the config record.
	result := classify.Classify(p.change(), doc)
	full := changeSummary(approved)
	full["payload"] = payload.Clone()
	full["reason"] = ir.String(p.Reason)
	full["computed_tier"] = ir.String(result.Tier.String())
	full["rule"] = ir.String(result.Rule)
	full["policy_version"] = ir.String(doc.Version)
	full["remaining"] = ir.Int(int64(verdict.Remaining(doc.Emergency.PerProposerLimit)))
	if err := s.event(ctx, model.EventEmergencyApproved, caller.ID, id,
		"emergency "+changeType+" approved for immediate execution", model.DecisionApproved, full); err != nil {
		return EmergencyResult{Record: approved}, err
	}

	tok, err := s.issue(ctx, caller, approved, doc.Tokens.TTL.Std(), model.Constraints{
		RateCap:          doc.Tokens.RateCap,
		RollbackRequired: true,
	})
	if err != nil {
		return EmergencyResult{Record: approved}, err
	}
	return EmergencyResult{Record: approved, Token: tok}, nil
}

// ReviewEmergency records a higher tier's review of an emergency
// change. Approval only stamps the reviewer. Denial stops a change not
// yet executed, and compensates an executed one by rolling it back,
// unless a newer change has since been applied to one of its devices:
// then nothing is rolled back, the conflict is flagged and an
// EmergencyPrecedenceError returned.
func (s *Service) ReviewEmergency(ctx context.Context, caller model.Identity, configID string, approve bool, reason string) (*model.ConfigRecord, error) {
	rec, err := s.Get(ctx, configID)
	if err != nil {
		return nil, err
	}
	if !rec.Emergency {
		return rec, fmt.Errorf("%w: %s is not an emergency change", ErrInvalidRequest, configID)
	}
	if caller.Authority <= rec.ProposerAuthority && caller.Authority != model.AuthorityGlobal {
		return rec, s.reject(ctx, model.EventAuthorityRejected, caller.ID, configID,
			&AuthorityError{Actor: caller.ID, Have: caller.Authority, Required: rec.ProposerAuthority.Above(), Reason: "review needs a higher tier"}, nil)
	}
	if caller.ID == rec.ProposerID {
		return rec, s.reject(ctx, model.EventAuthorityRejected, caller.ID, configID,
			&AuthorityError{Actor: caller.ID, Have: caller.Authority, Reason: "proposer cannot review own emergency change"}, nil)
	}
	if rec.ReviewedBy != "" {
		return rec, nil
	}

	decision := model.DecisionApproved
	if !approve {
		decision = model.DecisionDenied
	}
	payload := changeSummary(rec)
	payload["reason"] = ir.String(reason)
	payload["state"] = ir.String(rec.State.String())

	if approve {
		reviewed, err := s.markReviewed(ctx, configID, caller.ID)
		if err != nil {
			return rec, err
		}
		return reviewed, s.event(ctx, model.EventEmergencyReviewed, caller.ID, configID, "emergency review approved", decision, payload)
	}

	switch rec.State {
	case model.StateApproved:
		if err := s.event(ctx, model.EventEmergencyReviewed, caller.ID, configID, "emergency review denied before execution", decision, payload); err != nil {
			return rec, err
		}
		return s.transition(ctx, configID, caller.ID, model.StateDenied, func(r *model.ConfigRecord) error {
			r.ReviewedBy = caller.ID
			r.Reason = reason
			return nil
		})
	case model.StateExecuting:
		return rec, &IllegalTransitionError{ConfigID: configID, From: rec.State, To: model.StateRolledBack}
	case model.StateExecuted:
		if err := s.event(ctx, model.EventEmergencyReviewed, caller.ID, configID, "emergency review denied after execution", decision, payload); err != nil {
			return rec, err
		}
		if err := s.checkPrecedence(ctx, caller, rec); err != nil {
			if reviewed, markErr := s.markReviewed(ctx, configID, caller.ID); markErr == nil {
				rec = reviewed
			}
			return rec, err
		}
		reviewed, err := s.markReviewed(ctx, configID, caller.ID)
		if err != nil {
			return rec, err
		}
		return s.rollbackRecord(ctx, caller, reviewed)
	}

	// Already failed, rolled back or degraded: nothing left to stop.
	reviewed, err := s.markReviewed(ctx, configID, caller.ID)
	if err != nil {
		return rec, err
	}
	return reviewed, s.event(ctx, model.EventEmergencyReviewed, caller.ID, configID, "emergency review denied", decision, payload)
}

// checkPrecedence flags a denied emergency change whose devices have
// since received a newer change.
func (s *Service) checkPrecedence(ctx context.Context, caller model.Identity, rec *model.ConfigRecord) error {
	for _, id := range rec.DeviceIDs {
		dev, err := coord.Get[model.Device](ctx, s.Coord, store.Devices, id)
		if err != nil {
			return err
		}
		if dev.LastChangeID == rec.ID {
			continue
		}
		perr := &EmergencyPrecedenceError{ConfigID: rec.ID, DeviceID: id, NewerChangeID: dev.LastChangeID}
		payload := changeSummary(rec)
		payload["device_id"] = ir.String(id)
		payload["newer_change_id"] = ir.String(dev.LastChangeID)
		if err := s.event(ctx, model.EventPrecedenceFlagged, caller.ID, rec.ID, perr.Error(), model.DecisionFlagged, payload); err != nil {
			return err
		}
		s.logger.Warn("emergency precedence conflict", "config_id", rec.ID, "device_id", id, "newer_change_id", dev.LastChangeID)
		return perr
	}
	return nil
}

func (s *Service) markReviewed(ctx context.Context, configID, reviewer string) (*model.ConfigRecord, error) {
	return coord.Update[model.ConfigRecord](ctx, s.Coord, store.Configs, configID, func(r *model.ConfigRecord) error {
		if r.ReviewedBy != "" {
			return coord.ErrNoChange
		}
		r.ReviewedBy = reviewer
		return nil
	})
}
