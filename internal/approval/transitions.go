package approval

import (
	"context"
	"slices"

	"github.com/preacher1045/pdsno/internal/coord"
	"github.com/preacher1045/pdsno/internal/model"
	"github.com/preacher1045/pdsno/internal/store"
)

type edge struct {
	from, to model.State
}

// transitions lists every legal state change. Edges marked true are
// legal only for emergency records.
var transitions = map[edge]bool{
	{model.StateDraft, model.StatePendingApproval}:    false,
	{model.StatePendingApproval, model.StateApproved}: false,
	{model.StatePendingApproval, model.StateDenied}:   false,
	{model.StateApproved, model.StateExecuting}:       false,
	{model.StateExecuting, model.StateExecuted}:       false,
	{model.StateExecuting, model.StateFailed}:         false,
	{model.StateFailed, model.StateRolledBack}:        false,
	{model.StateFailed, model.StateDegraded}:          false,

	{model.StateDraft, model.StateApproved}:      true,
	{model.StateApproved, model.StateDenied}:     true,
	{model.StateExecuted, model.StateRolledBack}: true,
	{model.StateExecuted, model.StateDegraded}:   true,
}

// Legal reports whether rec may move to state to.
func Legal(rec *model.ConfigRecord, to model.State) bool {
	emergencyOnly, ok := transitions[edge{rec.State, to}]
	if !ok {
		return false
	}
	return !emergencyOnly || rec.Emergency
}

// transition moves the record to state to, applying mutate to the same
// write. Entering a final state releases the record's locks. The transition is checked against the stored state, so a
// caller acting on a stale read gets an IllegalTransitionError, or a
// ConflictError if the record moved between read and write.
func (s *Service) transition(ctx context.Context, configID, actor string, to model.State, mutate func(*model.ConfigRecord) error) (*model.ConfigRecord, error) {
	var from model.State
	rec, err := coord.Update[model.ConfigRecord](ctx, s.Coord, store.Configs, configID, func(r *model.ConfigRecord) error {
		from = r.State
		if !Legal(r, to) {
			return &IllegalTransitionError{ConfigID: r.ID, From: r.State, To: to}
		}
		if mutate != nil {
			if err := mutate(r); err != nil {
				return err
			}
		}
		r.State = to
		r.History = append(r.History, model.Transition{From: from, To: to, Actor: actor, At: s.clock.Now().UTC()})
		return nil
	})
	if err != nil {
		return nil, err
	}
	if releasesLocks(to) {
		s.releaseLocks(ctx, rec)
	}
	s.metrics.ObserveTransition(from.String(), to.String())
	s.logger.Info("config transition",
		"config_id", configID,
		"from", from,
		"to", to,
		"actor", actor,
		"version", rec.Version,
	)
	return rec, nil
}

// RequiredAuthority is the authority needed to approve a change of the
// given tier from a proposer at proposer's level.
func RequiredAuthority(tier model.Tier, proposer model.Authority) model.Authority {
	switch tier {
	case model.TierLow, model.TierEmergency:
		return proposer
	case model.TierMedium:
		return proposer.Above()
	case model.TierHigh:
		return model.AuthorityGlobal
	case model.TierUnknown:
	}
	return model.AuthorityGlobal
}

// finalStates are the states after which a record holds no locks.
var finalStates = []model.State{
	model.StateDenied,
	model.StateExecuted,
	model.StateRolledBack,
	model.StateDegraded,
}

func releasesLocks(st model.State) bool { return slices.Contains(finalStates, st) }
