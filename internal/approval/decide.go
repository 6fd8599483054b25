package approval

import (
	"context"
	"errors"
	"fmt"
	"time"

	"github.com/preacher1045/pdsno/internal/classify"
	"github.com/preacher1045/pdsno/internal/ir"
	"github.com/preacher1045/pdsno/internal/lock"
	"github.com/preacher1045/pdsno/internal/model"
	"github.com/preacher1045/pdsno/internal/policy"
)

// Action is what a decider chooses.
type Action int

const (
	ActionUnknown Action = iota
	ActionApprove
	ActionDeny
	ActionEscalate
)

var actionNames = []string{"unknown", "approve", "deny", "escalate"}

func (a Action) String() string {
	if a < 0 || int(a) >= len(actionNames) {
		return "unknown"
	}
	return actionNames[a]
}

// ParseAction parses an action name.
func ParseAction(s string) (Action, error) {
	for i, name := range actionNames {
		if i > 0 && name == s {
			return Action(i), nil
		}
	}
	return ActionUnknown, fmt.Errorf("%w: unknown action %q", ErrInvalidRequest, s)
}

// Decision is a decider's request.
type Decision struct {
	Action Action
	Reason string
}

// Decide acts on a PENDING_APPROVAL proposal.
//
// The decider first locks every target device, then re-classifies the
// change itself and checks its own authority against the result. An
// approval by a caller below the required authority becomes an
// escalation. Denials release the locks; approvals keep them until
// execution resolves.
//
// When a device is locked for another request the proposal stays
// pending under the "queue" contention policy and is denied under
// "deny"; both return the LockHeldError. Locks held for this same record
// mean another decider is still deciding it, and the call fails with a
// DecisionInProgressError without touching the record.
func (s *Service) Decide(ctx context.Context, caller model.Identity, configID string, d Decision) (*model.ConfigRecord, error) {
	if caller.ID == "" || !caller.Authority.Valid() {
		return nil, fmt.Errorf("%w: caller identity and authority are required", ErrInvalidRequest)
	}
	if d.Action == ActionUnknown {
		return nil, fmt.Errorf("%w: action is required", ErrInvalidRequest)
	}
	rec, err := s.Get(ctx, configID)
	if err != nil {
		return nil, err
	}
	if rec.State != model.StatePendingApproval {
		to := model.StateApproved
		if d.Action == ActionDeny {
			to = model.StateDenied
		}
		return rec, &IllegalTransitionError{ConfigID: configID, From: rec.State, To: to}
	}
	if d.Action == ActionDeny {
		return s.deny(ctx, caller, rec, d.Reason)
	}

	doc, err := s.activePolicy(ctx, caller, configID, rec.PolicyVersion)
	if err != nil {
		return rec, err
	}

	locks, err := s.Locks.AcquireAll(ctx, rec.DeviceIDs, model.LockDevice, caller.ID, configID, doc.Locks.TTL.Std())
	if err != nil {
		var le *lock.LockHeldError
		if !errors.As(err, &le) {
			return rec, err
		}
		if le.RequestID == configID {
			return rec, &DecisionInProgressError{ConfigID: configID, HolderID: le.HolderID, Until: le.ExpiresAt}
		}
		return s.contended(ctx, caller, rec, doc, err)
	}
	lockIDs := make([]string, len(locks))
	for i, l := range locks {
		lockIDs[i] = l.ID
	}
	held := &model.ConfigRecord{LockIDs: lockIDs, LockHolder: caller.ID}

	result := classify.Classify(classify.Change{ChangeType: rec.ChangeType, Payload: rec.Payload, DeviceIDs: rec.DeviceIDs}, doc)
	if classify.Disagrees(rec.SuggestedTier, result.Tier) {
		if err := s.event(ctx, model.EventTierDisagreement, caller.ID, configID,
			fmt.Sprintf("decider computed %s, proposer suggested %s", result.Tier, rec.SuggestedTier),
			model.DecisionFlagged, changeSummary(rec)); err != nil {
			s.releaseLocks(ctx, held)
			return rec, err
		}
	}
	required := RequiredAuthority(result.Tier, rec.ProposerAuthority)

	switch {
	case d.Action == ActionApprove && caller.Authority >= required:
		if result.Tier == model.TierLow && caller.ID == rec.ProposerID && !doc.Approval.SelfApproveLow {
			s.releaseLocks(ctx, held)
			return rec, s.reject(ctx, model.EventAuthorityRejected, caller.ID, configID,
				&AuthorityError{Actor: caller.ID, Have: caller.Authority, Required: required, Reason: "self-approval is disabled"}, nil)
		}
		return s.approveHeld(ctx, caller, caller.ID, configID, result.Tier, lockIDs, d.Reason, model.EventApproved)
	case d.Action == ActionApprove, d.Action == ActionEscalate:
		return s.escalate(ctx, caller, rec, doc, result.Tier, required, lockIDs)
	}
	s.releaseLocks(ctx, held)
	return rec, fmt.Errorf("%w: unsupported action %s", ErrInvalidRequest, d.Action)
}

// contended applies the lock contention policy.
func (s *Service) contended(ctx context.Context, caller model.Identity, rec *model.ConfigRecord, doc *policy.Document, held error) (*model.ConfigRecord, error) {
	var le *lock.LockHeldError
	errors.As(held, &le)
	payload := ir.Object{
		"policy":    ir.String(string(doc.Approval.OnLockContention)),
		"device_id": ir.String(le.SubjectID),
		"holder_id": ir.String(le.HolderID),
	}
	if err := s.reject(ctx, model.EventLockContended, caller.ID, rec.ID, held, payload); err != held {
		return rec, err
	}
	if doc.Approval.OnLockContention != policy.ContentionDeny {
		return rec, held
	}
	denied, err := s.deny(ctx, caller, rec, "lock contention: "+held.Error())
	if err != nil {
		return rec, errors.Join(held, err)
	}
	return denied, held
}

// deny moves the record to DENIED, releasing any locks it holds.
func (s *Service) deny(ctx context.Context, caller model.Identity, rec *model.ConfigRecord, reason string) (*model.ConfigRecord, error) {
	if rec.Tier.Valid() {
		required := RequiredAuthority(rec.Tier, rec.ProposerAuthority)
		if caller.ID != rec.ProposerID && caller.Authority < required {
			return rec, s.reject(ctx, model.EventAuthorityRejected, caller.ID, rec.ID,
				&AuthorityError{Actor: caller.ID, Have: caller.Authority, Required: required}, nil)
		}
	}
	denied, err := s.transition(ctx, rec.ID, caller.ID, model.StateDenied, func(r *model.ConfigRecord) error {
		r.Reason = reason
		return nil
	})
	if err != nil {
		return rec, err
	}
	payload := changeSummary(denied)
	payload["reason"] = ir.String(reason)
	if err := s.event(ctx, model.EventDenied, caller.ID, rec.ID, "denied: "+reason, model.DecisionDenied, payload); err != nil {
		return denied, err
	}
	return denied, nil
}

// escalate forwards the decision and waits up to the policy timeout.
func (s *Service) escalate(ctx context.Context, caller model.Identity, rec *model.ConfigRecord, doc *policy.Document, tier model.Tier, required model.Authority, lockIDs []string) (*model.ConfigRecord, error) {
	held := &model.ConfigRecord{LockIDs: lockIDs, LockHolder: caller.ID}
	timeout := doc.Escalation.Timeout.Std()

	payload := changeSummary(rec)
	payload["required"] = ir.String(required.String())
	payload["timeout"] = ir.String(timeout.String())
	if err := s.event(ctx, model.EventEscalated, caller.ID, rec.ID,
		"escalated to "+required.String(), model.DecisionNA, payload); err != nil {
		s.releaseLocks(ctx, held)
		return rec, err
	}

	resp, err := s.wait(ctx, EscalationRequest{
		ConfigID:    rec.ID,
		ChangeType:  rec.ChangeType,
		ContentHash: rec.ContentHash,
		DeviceIDs:   rec.DeviceIDs,
		Tier:        tier,
		Required:    required,
		From:        caller,
	}, timeout)
	if err != nil {
		if ctx.Err() != nil {
			s.releaseLocks(ctx, held)
			return rec, ctx.Err()
		}
		return s.timedOut(ctx, caller, rec, doc, tier, timeout, lockIDs, err)
	}

	if resp.Decider.Authority < required {
		s.releaseLocks(ctx, held)
		return rec, s.reject(ctx, model.EventAuthorityRejected, resp.Decider.ID, rec.ID,
			&AuthorityError{Actor: resp.Decider.ID, Have: resp.Decider.Authority, Required: required}, nil)
	}
	if !resp.Approve {
		reason := resp.Reason
		if reason == "" {
			reason = "denied by " + resp.Decider.ID
		}
		denied, err := s.transition(ctx, rec.ID, resp.Decider.ID, model.StateDenied, func(r *model.ConfigRecord) error {
			r.Reason = reason
			r.LockIDs, r.LockHolder = lockIDs, caller.ID
			return nil
		})
		if err != nil {
			s.releaseLocks(ctx, held)
			return rec, err
		}
		p := changeSummary(denied)
		p["reason"] = ir.String(reason)
		return denied, s.event(ctx, model.EventDenied, resp.Decider.ID, rec.ID, "denied: "+reason, model.DecisionDenied, p)
	}
	return s.approveHeld(ctx, resp.Decider, caller.ID, rec.ID, tier, lockIDs, resp.Reason, model.EventApproved)
}

// approveHeld approves with locks held by holder, which may differ from
// the approver after an escalation.
func (s *Service) approveHeld(ctx context.Context, approver model.Identity, holder, configID string, tier model.Tier, lockIDs []string, reason string, typ model.EventType) (*model.ConfigRecord, error) {
	rec, err := s.transition(ctx, configID, approver.ID, model.StateApproved, func(r *model.ConfigRecord) error {
		r.Tier = tier
		r.ApproverID = approver.ID
		r.LockIDs, r.LockHolder = lockIDs, holder
		return nil
	})
	if err != nil {
		s.releaseLocks(ctx, &model.ConfigRecord{LockIDs: lockIDs, LockHolder: holder})
		return nil, err
	}
	decision := model.DecisionApproved
	if typ == model.EventEscalationFallback {
		decision = model.DecisionFlagged
	}
	payload := changeSummary(rec)
	payload["reason"] = ir.String(reason)
	if typ == model.EventEscalationFallback {
		payload["payload"] = rec.Payload.Clone()
	}
	if err := s.event(ctx, typ, approver.ID, configID, "approved "+rec.Tier.String()+" change", decision, payload); err != nil {
		return rec, err
	}
	return rec, nil
}

// wait runs the escalator with a deadline on the service clock.
func (s *Service) wait(ctx context.Context, req EscalationRequest, timeout time.Duration) (EscalationResponse, error) {
	if s.Escalator == nil {
		return EscalationResponse{}, errors.New("no escalator configured")
	}
	ectx, cancel := context.WithCancel(ctx)
	defer cancel()

	type answer struct {
		resp EscalationResponse
		err  error
	}
	done := make(chan answer, 1)
	go func() {
		resp, err := s.Escalator.Escalate(ectx, req)
		done <- answer{resp, err}
	}()

	select {
	case a := <-done:
		return a.resp, a.err
	case <-s.clock.After(timeout):
		return EscalationResponse{}, context.DeadlineExceeded
	case <-ctx.Done():
		return EscalationResponse{}, ctx.Err()
	}
}

// timedOut applies the default decision after an unanswered escalation:
// deny and release the locks, unless the policy's fallback covers the
// change type.
func (s *Service) timedOut(ctx context.Context, caller model.Identity, rec *model.ConfigRecord, doc *policy.Document, tier model.Tier, timeout time.Duration, lockIDs []string, cause error) (*model.ConfigRecord, error) {
	fallback := doc.FallbackAllowed(rec.ChangeType)
	timeoutErr := &EscalationTimeoutError{ConfigID: rec.ID, Timeout: timeout, FellBack: fallback}
	s.logger.Warn("escalation timed out", "config_id", rec.ID, "timeout", timeout, "fallback", fallback, "error", cause)

	payload := changeSummary(rec)
	payload["timeout"] = ir.String(timeout.String())
	payload["fallback"] = ir.Bool(fallback)
	decision := model.DecisionDenied
	if fallback {
		decision = model.DecisionFlagged
	}
	if err := s.event(ctx, model.EventEscalationTimeout, caller.ID, rec.ID, timeoutErr.Error(), decision, payload); err != nil {
		s.releaseLocks(ctx, &model.ConfigRecord{LockIDs: lockIDs, LockHolder: caller.ID})
		return rec, errors.Join(timeoutErr, err)
	}

	if fallback {
		approved, err := s.approveHeld(ctx, caller, caller.ID, rec.ID, tier, lockIDs, "escalation fallback", model.EventEscalationFallback)
		if err != nil {
			return rec, errors.Join(timeoutErr, err)
		}
		return approved, nil
	}

	denied, err := s.transition(ctx, rec.ID, caller.ID, model.StateDenied, func(r *model.ConfigRecord) error {
		r.Reason = timeoutErr.Error()
		r.LockIDs, r.LockHolder = lockIDs, caller.ID
		return nil
	})
	if err != nil {
		s.releaseLocks(ctx, &model.ConfigRecord{LockIDs: lockIDs, LockHolder: caller.ID})
		return rec, errors.Join(timeoutErr, err)
	}
	p := changeSummary(denied)
	p["reason"] = ir.String("escalation timeout")
	if err := s.event(ctx, model.EventDenied, caller.ID, rec.ID, "denied: escalation timeout", model.DecisionDenied, p); err != nil {
		return denied, errors.Join(timeoutErr, err)
	}
	return denied, timeoutErr
}
