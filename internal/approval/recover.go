package approval

import (
	"context"
	"errors"
	"fmt"
	"slices"

	"github.com/preacher1045/pdsno/internal/coord"
	"github.com/preacher1045/pdsno/internal/ir"
	"github.com/preacher1045/pdsno/internal/model"
	"github.com/preacher1045/pdsno/internal/rollback"
	"github.com/preacher1045/pdsno/internal/store"
)

// Rollback restores a FAILED record's devices from their snapshots.
// Rolling back a ROLLED_BACK record is a no-op.
func (s *Service) Rollback(ctx context.Context, caller model.Identity, configID string) (*model.ConfigRecord, error) {
	rec, err := s.Get(ctx, configID)
	if err != nil {
		return nil, err
	}
	required := RequiredAuthority(rec.Tier, rec.ProposerAuthority)
	if caller.ID != rec.ExecutorID && caller.ID != rec.ApproverID && caller.Authority < required {
		return rec, s.reject(ctx, model.EventAuthorityRejected, caller.ID, configID,
			&AuthorityError{Actor: caller.ID, Have: caller.Authority, Required: required}, nil)
	}

	switch rec.State {
	case model.StateRolledBack:
		s.logger.Debug("rollback no-op", "config_id", configID)
		return rec, s.event(ctx, model.EventRollbackNoop, caller.ID, configID,
			"already rolled back", model.DecisionNA, changeSummary(rec))
	case model.StateFailed:
		return s.rollbackRecord(ctx, caller, rec)
	}
	return rec, &IllegalTransitionError{ConfigID: configID, From: rec.State, To: model.StateRolledBack}
}

// rollbackRecord restores every snapshot of rec. All devices are
// attempted even after a failure. Full success moves the record to
// ROLLED_BACK; any failure moves it to DEGRADED and blocks automation
// on its devices. A FAILED record without snapshots has nothing to
// restore and moves straight to ROLLED_BACK.
func (s *Service) rollbackRecord(ctx context.Context, caller model.Identity, rec *model.ConfigRecord) (*model.ConfigRecord, error) {
	if len(rec.Snapshots) == 0 {
		if rec.State != model.StateFailed {
			s.releaseLocks(ctx, rec)
			return rec, s.event(ctx, model.EventRollbackNoop, caller.ID, rec.ID,
				"no snapshots to restore", model.DecisionNA, changeSummary(rec))
		}
		// Nothing was captured, so nothing is left to undo.
		restored, err := s.transition(ctx, rec.ID, caller.ID, model.StateRolledBack, nil)
		if err != nil {
			return rec, err
		}
		return restored, s.event(ctx, model.EventRollbackNoop, caller.ID, rec.ID,
			"no snapshots to restore", model.DecisionNA, changeSummary(restored))
	}

	devices := make([]string, 0, len(rec.Snapshots))
	for dev := range rec.Snapshots {
		devices = append(devices, dev)
	}
	slices.Sort(devices)

	var (
		failure *rollback.RollbackFailureError
		failed  []string
	)
	for _, dev := range devices {
		snapID := rec.Snapshots[dev]
		if _, err := s.Deps.Rollback.Rollback(ctx, snapID); err != nil {
			s.logger.Error("restore snapshot", "config_id", rec.ID, "device_id", dev, "snapshot_id", snapID, "error", err)
			failed = append(failed, dev)
			if failure == nil && !errors.As(err, &failure) {
				failure = &rollback.RollbackFailureError{SnapshotID: snapID, DeviceID: dev, Err: err}
			}
		}
	}

	if failure == nil {
		restored, err := s.transition(ctx, rec.ID, caller.ID, model.StateRolledBack, nil)
		if err != nil {
			return rec, err
		}
		return restored, s.event(ctx, model.EventRollbackSucceeded, caller.ID, rec.ID,
			fmt.Sprintf("restored %d device(s)", len(devices)), model.DecisionNA, changeSummary(restored))
	}

	for _, dev := range failed {
		if err := s.setBlocked(ctx, dev, rec.ID, true); err != nil {
			return rec, err
		}
	}
	degraded, err := s.transition(ctx, rec.ID, caller.ID, model.StateDegraded, func(r *model.ConfigRecord) error {
		r.Reason = failure.Error()
		return nil
	})
	if err != nil {
		return rec, err
	}
	payload := changeSummary(degraded)
	blocked := make(ir.List, len(failed))
	for i, dev := range failed {
		blocked[i] = ir.String(dev)
	}
	payload["blocked_devices"] = blocked
	payload["error"] = ir.String(failure.Error())
	if err := s.event(ctx, model.EventRollbackFailed, caller.ID, rec.ID,
		"rollback failed, automation blocked", model.DecisionFlagged, payload); err != nil {
		return degraded, err
	}
	return degraded, failure
}

// setBlocked blocks or unblocks automation on a device on behalf of a
// degraded record. Unblocking leaves devices blocked by other records
// alone.
func (s *Service) setBlocked(ctx context.Context, deviceID, configID string, blocked bool) error {
	_, err := coord.Update[model.Device](ctx, s.Coord, store.Devices, deviceID, func(d *model.Device) error {
		switch {
		case blocked:
			d.AutomationBlocked = true
			d.BlockedBy = configID
		case d.BlockedBy == configID:
			d.AutomationBlocked = false
			d.BlockedBy = ""
		default:
			return coord.ErrNoChange
		}
		return nil
	})
	if err != nil {
		return fmt.Errorf("device %s: %w", deviceID, err)
	}
	return nil
}

// ClearDegraded unblocks the devices of a DEGRADED record once an
// operator has repaired them. Only GLOBAL authority may clear. The
// record stays DEGRADED and records who cleared it.
func (s *Service) ClearDegraded(ctx context.Context, caller model.Identity, configID, reason string) (*model.ConfigRecord, error) {
	rec, err := s.Get(ctx, configID)
	if err != nil {
		return nil, err
	}
	if caller.Authority != model.AuthorityGlobal {
		return rec, s.reject(ctx, model.EventAuthorityRejected, caller.ID, configID,
			&AuthorityError{Actor: caller.ID, Have: caller.Authority, Required: model.AuthorityGlobal}, nil)
	}
	if rec.State != model.StateDegraded {
		return rec, &IllegalTransitionError{ConfigID: configID, From: rec.State, To: model.StateDegraded}
	}
	if rec.ClearedBy != "" {
		return rec, nil
	}

	for _, dev := range rec.DeviceIDs {
		if err := s.setBlocked(ctx, dev, configID, false); err != nil {
			return rec, err
		}
	}
	rec.ClearedBy = caller.ID
	if err := s.Coord.Put(ctx, store.Configs, rec); err != nil {
		return rec, err
	}
	payload := changeSummary(rec)
	payload["reason"] = ir.String(reason)
	return rec, s.event(ctx, model.EventDegradedCleared, caller.ID, configID, "cleared: "+reason, model.DecisionApproved, payload)
}
