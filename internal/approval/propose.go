package approval

import (
	"context"
	"fmt"
	"strings"

	"github.com/preacher1045/pdsno/internal/classify"
	"github.com/preacher1045/pdsno/internal/ir"
	"github.com/preacher1045/pdsno/internal/model"
	"github.com/preacher1045/pdsno/internal/store"
)

// Proposal is a requested configuration change.
type Proposal struct {
	ChangeType string
	Payload    ir.Object
	DeviceIDs  []string

	// SuggestedTier is the proposer's own classification. It is recorded
	// and compared, never trusted.
	SuggestedTier model.Tier

	// PolicyVersion must name the active policy. Empty means whichever
	// is active.
	PolicyVersion string
	Reason        string
}

func (p Proposal) change() classify.Change {
	return classify.Change{ChangeType: strings.TrimSpace(p.ChangeType), Payload: p.Payload, DeviceIDs: p.DeviceIDs}
}

func (p Proposal) validate(caller model.Identity) error {
	switch {
	case caller.ID == "" || !caller.Authority.Valid():
		return fmt.Errorf("%w: caller identity and authority are required", ErrInvalidRequest)
	case strings.TrimSpace(p.ChangeType) == "":
		return fmt.Errorf("%w: change type is required", ErrInvalidRequest)
	case len(ir.NormalizeDeviceSet(p.DeviceIDs)) == 0:
		return fmt.Errorf("%w: at least one device is required", ErrInvalidRequest)
	}
	return nil
}

// Classify computes the tier of a change under the active policy
// without recording anything.
func (s *Service) Classify(ctx context.Context, p Proposal) (classify.Result, error) {
	sp, err := s.Policies.Check(ctx, p.PolicyVersion)
	if err != nil {
		return classify.Result{}, err
	}
	return classify.Classify(p.change(), sp.Document), nil
}

// Propose records a new proposal, classifies it and moves it to
// PENDING_APPROVAL. A LOW change from a proposer allowed to self-approve
// is decided on the spot; a lock conflict during that decision is
// returned alongside the still-pending record.
func (s *Service) Propose(ctx context.Context, caller model.Identity, p Proposal) (*model.ConfigRecord, error) {
	if err := p.validate(caller); err != nil {
		return nil, err
	}
	p.ChangeType = strings.TrimSpace(p.ChangeType)
	id := s.ids.Generate()
	devices := ir.NormalizeDeviceSet(p.DeviceIDs)

	doc, err := s.activePolicy(ctx, caller, id, p.PolicyVersion)
	if err != nil {
		return nil, err
	}
	if _, err := s.devices(ctx, devices); err != nil {
		return nil, s.reject(ctx, model.EventProposalRejected, caller.ID, id, err, ir.Object{
			"change_type": ir.String(p.ChangeType),
		})
	}
	hash, err := ir.ContentHash(p.ChangeType, p.Payload, devices)
	if err != nil {
		return nil, fmt.Errorf("%w: %v", ErrInvalidRequest, err)
	}

	payload := p.Payload.Clone()
	if payload == nil {
		payload = ir.Object{}
	}
	rec := &model.ConfigRecord{
		Entity:            model.Entity{ID: id, DataTier: model.DataDurable},
		DeviceIDs:         devices,
		ChangeType:        p.ChangeType,
		Payload:           payload,
		ContentHash:       hash,
		SuggestedTier:     p.SuggestedTier,
		State:             model.StateDraft,
		ProposerID:        caller.ID,
		ProposerAuthority: caller.Authority,
		PolicyVersion:     doc.Version,
		Reason:            p.Reason,
	}
	if err := s.Coord.Create(ctx, store.Configs, rec); err != nil {
		return nil, err
	}
	if err := s.event(ctx, model.EventProposalCreated, caller.ID, id,
		fmt.Sprintf("proposed %s on %d device(s)", rec.ChangeType, len(devices)),
		model.DecisionNA, changeSummary(rec)); err != nil {
		return nil, err
	}

	result := classify.Classify(p.change(), doc)
	rec, err = s.transition(ctx, id, caller.ID, model.StatePendingApproval, func(r *model.ConfigRecord) error {
		r.Tier = result.Tier
		return nil
	})
	if err != nil {
		return nil, err
	}
	if err := s.classified(ctx, caller, rec, result); err != nil {
		return nil, err
	}

	if rec.Tier == model.TierLow && doc.Approval.SelfApproveLow {
		decided, err := s.Decide(ctx, caller, id, Decision{Action: ActionApprove, Reason: "self-approved LOW change"})
		if err != nil {
			if decided == nil {
				decided = rec
			}
			return decided, err
		}
		return decided, nil
	}
	return rec, nil
}

// classified audits a classification, flagging a suggested tier more
// than one level away from the computed one.
func (s *Service) classified(ctx context.Context, caller model.Identity, rec *model.ConfigRecord, result classify.Result) error {
	payload := changeSummary(rec)
	payload["rule"] = ir.String(result.Rule)
	payload["suggested_tier"] = ir.String(rec.SuggestedTier.String())
	if err := s.event(ctx, model.EventClassified, caller.ID, rec.ID,
		"classified "+result.Tier.String(), model.DecisionNA, payload); err != nil {
		return err
	}
	if classify.Disagrees(rec.SuggestedTier, result.Tier) {
		s.logger.Warn("tier disagreement",
			"config_id", rec.ID,
			"suggested", rec.SuggestedTier,
			"computed", result.Tier,
		)
		return s.event(ctx, model.EventTierDisagreement, caller.ID, rec.ID,
			fmt.Sprintf("suggested %s, computed %s", rec.SuggestedTier, result.Tier),
			model.DecisionFlagged, payload)
	}
	return nil
}
