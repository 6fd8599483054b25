package approval

import (
	"context"
	"errors"
	"fmt"
	"strings"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/preacher1045/pdsno/internal/coord"
	"github.com/preacher1045/pdsno/internal/ir"
	"github.com/preacher1045/pdsno/internal/lock"
	"github.com/preacher1045/pdsno/internal/model"
	"github.com/preacher1045/pdsno/internal/policy"
	"github.com/preacher1045/pdsno/internal/rollback"
	"github.com/preacher1045/pdsno/internal/store"
	"github.com/preacher1045/pdsno/internal/token"
)

func TestLowChange_SelfApprovedAndExecuted(t *testing.T) {
	f := newFixture(t, nil)
	ctx := t.Context()

	rec, err := f.svc.Propose(ctx, local1, proposal("port.describe", "dev-1"))
	require.NoError(t, err)
	assert.Equal(t, "cfg-1", rec.ID)
	assert.Equal(t, model.TierLow, rec.Tier)
	assert.Equal(t, model.StateApproved, rec.State)
	assert.Equal(t, "local-1", rec.ApproverID)
	assert.True(t, f.lockHeld(t, "dev-1"))

	executing, _ := f.execute(t, rec, local1, local1)
	assert.Equal(t, model.StateExecuting, executing.State)
	assert.Equal(t, "local-1", executing.ExecutorID)
	assert.Contains(t, executing.Snapshots, "dev-1")

	done, err := f.svc.RecordExecutionResult(ctx, local1, rec.ID, ExecutionResult{Success: true})
	require.NoError(t, err)
	assert.Equal(t, model.StateExecuted, done.State)
	assert.False(t, f.lockHeld(t, "dev-1"))

	dev := f.device(t, "dev-1")
	assert.Equal(t, ir.Object{"vlan": ir.Int(20)}, dev.Config)
	assert.Equal(t, "cfg-1", dev.LastChangeID)

	assert.Equal(t, []model.EventType{
		model.EventProposalCreated,
		model.EventClassified,
		model.EventApproved,
		model.EventTokenIssued,
		model.EventExecutionStarted,
		model.EventExecutionSucceeded,
	}, f.events(t, rec.ID))

	states := make([]model.State, 0, len(done.History))
	for _, h := range done.History {
		states = append(states, h.To)
	}
	assert.Equal(t, []model.State{
		model.StatePendingApproval,
		model.StateApproved,
		model.StateExecuting,
		model.StateExecuted,
	}, states)

	f.env.VerifyAudit(t)
}

func TestHighChanges_SecondQueuesUntilFirstResolves(t *testing.T) {
	f := newFixture(t, nil)
	ctx := t.Context()

	first, err := f.svc.Propose(ctx, local1, proposal("bgp.update", "dev-1"))
	require.NoError(t, err)
	second, err := f.svc.Propose(ctx, local2, proposal("bgp.update", "dev-1"))
	require.NoError(t, err)
	assert.Equal(t, model.TierHigh, first.Tier)
	assert.Equal(t, model.StatePendingApproval, second.State)

	approved, err := f.svc.Decide(ctx, global1, first.ID, Decision{Action: ActionApprove})
	require.NoError(t, err)
	assert.Equal(t, model.StateApproved, approved.State)

	queued, err := f.svc.Decide(ctx, global1, second.ID, Decision{Action: ActionApprove})
	require.Error(t, err)
	assert.True(t, lock.IsLockHeld(err), "got %v", err)
	assert.Equal(t, KindLockHeld, KindOf(err))
	assert.Equal(t, model.StatePendingApproval, queued.State)
	assert.Contains(t, f.events(t, second.ID), model.EventLockContended)

	f.execute(t, approved, global1, local1)
	_, err = f.svc.RecordExecutionResult(ctx, local1, first.ID, ExecutionResult{Success: true})
	require.NoError(t, err)

	retried, err := f.svc.Decide(ctx, global1, second.ID, Decision{Action: ActionApprove})
	require.NoError(t, err)
	assert.Equal(t, model.StateApproved, retried.State)
}

func TestLockContention_DenyPolicy(t *testing.T) {
	f := newFixture(t, nil, strings.Replace(testPolicy, "on_lock_contention: queue", "on_lock_contention: deny", 1))
	ctx := t.Context()

	first, err := f.svc.Propose(ctx, local1, proposal("bgp.update", "dev-1"))
	require.NoError(t, err)
	second, err := f.svc.Propose(ctx, local2, proposal("bgp.update", "dev-1", "dev-2"))
	require.NoError(t, err)
	_, err = f.svc.Decide(ctx, global1, first.ID, Decision{Action: ActionApprove})
	require.NoError(t, err)

	denied, err := f.svc.Decide(ctx, global1, second.ID, Decision{Action: ActionApprove})
	assert.True(t, lock.IsLockHeld(err), "got %v", err)
	assert.Equal(t, model.StateDenied, denied.State)
	// The partial acquisition of dev-2 is undone.
	assert.False(t, f.lockHeld(t, "dev-2"))
}

func TestFailedExecution_RollsBackAndSecondRollbackIsNoop(t *testing.T) {
	f := newFixture(t, nil)
	ctx := t.Context()

	rec, err := f.svc.Propose(ctx, local1, proposal("port.describe", "dev-1"))
	require.NoError(t, err)
	f.execute(t, rec, local1, local1)

	rolled, err := f.svc.RecordExecutionResult(ctx, local1, rec.ID, ExecutionResult{Detail: "commit rejected"})
	require.NoError(t, err)
	assert.Equal(t, model.StateRolledBack, rolled.State)
	assert.Equal(t, []string{"dev-1"}, f.restorer.calls)
	assert.False(t, f.lockHeld(t, "dev-1"))
	assert.Equal(t, ir.Object{"vlan": ir.Int(10)}, f.device(t, "dev-1").Config)

	again, err := f.svc.Rollback(ctx, local1, rec.ID)
	require.NoError(t, err)
	assert.Equal(t, model.StateRolledBack, again.State)
	assert.Len(t, f.restorer.calls, 1)

	evs := f.events(t, rec.ID)
	assert.Contains(t, evs, model.EventExecutionFailed)
	assert.Contains(t, evs, model.EventRollbackSucceeded)
	assert.Equal(t, model.EventRollbackNoop, evs[len(evs)-1])
}

func TestFailedExecution_WithoutSnapshotsEndsRolledBack(t *testing.T) {
	f := newFixture(t, nil, strings.Replace(testPolicy, "rollback_required: true", "rollback_required: false", 1))
	ctx := t.Context()

	rec, err := f.svc.Propose(ctx, local1, proposal("port.describe", "dev-1"))
	require.NoError(t, err)
	executing, _ := f.execute(t, rec, local1, local1)
	assert.Empty(t, executing.Snapshots)

	rolled, err := f.svc.RecordExecutionResult(ctx, local1, rec.ID, ExecutionResult{Detail: "commit rejected"})
	require.NoError(t, err)
	assert.Equal(t, model.StateRolledBack, rolled.State)
	assert.Empty(t, f.restorer.calls)
	assert.False(t, f.lockHeld(t, "dev-1"))

	again, err := f.svc.Rollback(ctx, local1, rec.ID)
	require.NoError(t, err)
	assert.Equal(t, model.StateRolledBack, again.State)

	assert.Equal(t, []model.EventType{
		model.EventProposalCreated,
		model.EventClassified,
		model.EventApproved,
		model.EventTokenIssued,
		model.EventExecutionStarted,
		model.EventExecutionFailed,
		model.EventRollbackNoop,
		model.EventRollbackNoop,
	}, f.events(t, rec.ID))
}

func TestFailedRollback_DegradesAndBlocksUntilCleared(t *testing.T) {
	f := newFixture(t, nil)
	ctx := t.Context()
	f.restorer.fail["dev-1"] = true

	rec, err := f.svc.Propose(ctx, local1, proposal("port.describe", "dev-1", "dev-2"))
	require.NoError(t, err)
	f.execute(t, rec, local1, local1)

	degraded, err := f.svc.RecordExecutionResult(ctx, local1, rec.ID, ExecutionResult{Detail: "timeout"})
	require.Error(t, err)
	assert.True(t, rollback.IsRollbackFailure(err), "got %v", err)
	assert.Equal(t, model.StateDegraded, degraded.State)
	assert.Equal(t, []string{"dev-1", "dev-2"}, f.restorer.calls)
	assert.Equal(t, []model.Decision{model.DecisionFlagged}, f.decisions(t, rec.ID, model.EventRollbackFailed))

	dev1, dev2 := f.device(t, "dev-1"), f.device(t, "dev-2")
	assert.True(t, dev1.AutomationBlocked)
	assert.Equal(t, rec.ID, dev1.BlockedBy)
	assert.False(t, dev2.AutomationBlocked)

	_, err = f.svc.Propose(ctx, local2, proposal("port.describe", "dev-1"))
	assert.True(t, IsDeviceBlocked(err), "got %v", err)

	_, err = f.svc.ClearDegraded(ctx, regional, rec.ID, "repaired")
	assert.True(t, IsAuthority(err), "got %v", err)

	cleared, err := f.svc.ClearDegraded(ctx, global1, rec.ID, "repaired by hand")
	require.NoError(t, err)
	assert.Equal(t, model.StateDegraded, cleared.State)
	assert.Equal(t, "global-1", cleared.ClearedBy)
	assert.False(t, f.device(t, "dev-1").AutomationBlocked)

	_, err = f.svc.ClearDegraded(ctx, global1, rec.ID, "again")
	require.NoError(t, err)
	n := 0
	for _, typ := range f.events(t, rec.ID) {
		if typ == model.EventDegradedCleared {
			n++
		}
	}
	assert.Equal(t, 1, n)

	_, err = f.svc.Propose(ctx, local2, proposal("port.describe", "dev-1"))
	assert.NoError(t, err)
}

func TestMediumEscalation_TimesOutAndDenies(t *testing.T) {
	f := newFixture(t, blockingEscalator)
	ctx := t.Context()

	rec, err := f.svc.Propose(ctx, local1, proposal("vlan.modify", "dev-1"))
	require.NoError(t, err)
	assert.Equal(t, model.TierMedium, rec.Tier)
	assert.Equal(t, model.StatePendingApproval, rec.State)

	type result struct {
		rec *model.ConfigRecord
		err error
	}
	done := make(chan result, 1)
	go func() {
		r, err := f.svc.Decide(ctx, local2, rec.ID, Decision{Action: ActionApprove})
		done <- result{r, err}
	}()

	f.env.Clock.WaitForWaiters(1)
	f.env.Clock.Advance(30 * time.Second)

	var res result
	select {
	case res = <-done:
	case <-time.After(5 * time.Second):
		t.Fatal("decide did not return after the escalation timeout")
	}
	require.Error(t, res.err)
	assert.True(t, IsEscalationTimeout(res.err), "got %v", res.err)
	assert.Equal(t, KindEscalationTimeout, KindOf(res.err))
	assert.Equal(t, model.StateDenied, res.rec.State)
	assert.False(t, f.lockHeld(t, "dev-1"))

	evs := f.events(t, rec.ID)
	assert.Contains(t, evs, model.EventEscalated)
	assert.Contains(t, evs, model.EventEscalationTimeout)
	assert.Equal(t, model.EventDenied, evs[len(evs)-1])
}

func TestEscalation_FallbackApprovesAndFlags(t *testing.T) {
	f := newFixture(t, nil)
	ctx := t.Context()

	rec, err := f.svc.Propose(ctx, local1, proposal("vlan.add", "dev-1"))
	require.NoError(t, err)
	approved, err := f.svc.Decide(ctx, local2, rec.ID, Decision{Action: ActionApprove})
	require.NoError(t, err)
	assert.Equal(t, model.StateApproved, approved.State)
	assert.Equal(t, []model.Decision{model.DecisionFlagged}, f.decisions(t, rec.ID, model.EventEscalationFallback))
	assert.Equal(t, []model.Decision{model.DecisionFlagged}, f.decisions(t, rec.ID, model.EventEscalationTimeout))
}

func TestEscalation_AnsweredByHigherTier(t *testing.T) {
	var got EscalationRequest
	esc := EscalatorFunc(func(_ context.Context, req EscalationRequest) (EscalationResponse, error) {
		got = req
		return EscalationResponse{Approve: true, Decider: regional, Reason: "ok"}, nil
	})
	f := newFixture(t, esc)
	ctx := t.Context()

	rec, err := f.svc.Propose(ctx, local1, proposal("vlan.modify", "dev-1"))
	require.NoError(t, err)
	approved, err := f.svc.Decide(ctx, local2, rec.ID, Decision{Action: ActionEscalate})
	require.NoError(t, err)
	assert.Equal(t, model.StateApproved, approved.State)
	assert.Equal(t, "regional-1", approved.ApproverID)
	assert.Equal(t, "local-2", approved.LockHolder)
	assert.Equal(t, model.AuthorityRegional, got.Required)
	assert.Equal(t, rec.ContentHash, got.ContentHash)
}

func TestDecide_SecondDeciderDuringEscalationIsInProgress(t *testing.T) {
	answer := make(chan EscalationResponse, 1)
	esc := EscalatorFunc(func(ctx context.Context, _ EscalationRequest) (EscalationResponse, error) {
		select {
		case r := <-answer:
			return r, nil
		case <-ctx.Done():
			return EscalationResponse{}, ctx.Err()
		}
	})
	f := newFixture(t, esc, strings.Replace(testPolicy, "on_lock_contention: queue", "on_lock_contention: deny", 1))
	ctx := t.Context()

	rec, err := f.svc.Propose(ctx, local1, proposal("vlan.modify", "dev-1"))
	require.NoError(t, err)

	type result struct {
		rec *model.ConfigRecord
		err error
	}
	done := make(chan result, 1)
	go func() {
		r, err := f.svc.Decide(ctx, local2, rec.ID, Decision{Action: ActionApprove})
		done <- result{r, err}
	}()
	f.env.Clock.WaitForWaiters(1)

	pending, err := f.svc.Decide(ctx, regional, rec.ID, Decision{Action: ActionApprove})
	require.Error(t, err)
	assert.True(t, IsDecisionInProgress(err), "got %v", err)
	assert.Equal(t, KindConflict, KindOf(err))
	assert.Equal(t, model.StatePendingApproval, pending.State)
	assert.NotContains(t, f.events(t, rec.ID), model.EventLockContended)
	assert.NotContains(t, f.events(t, rec.ID), model.EventDenied)

	answer <- EscalationResponse{Approve: true, Decider: regional, Reason: "ok"}
	var res result
	select {
	case res = <-done:
	case <-time.After(5 * time.Second):
		t.Fatal("decide did not return after the escalation was answered")
	}
	require.NoError(t, res.err)
	assert.Equal(t, model.StateApproved, res.rec.State)
	assert.Equal(t, "local-2", res.rec.LockHolder)
}

func TestEscalation_DeciderBelowRequiredIsRejected(t *testing.T) {
	esc := EscalatorFunc(func(context.Context, EscalationRequest) (EscalationResponse, error) {
		return EscalationResponse{Approve: true, Decider: local2}, nil
	})
	f := newFixture(t, esc)
	ctx := t.Context()

	rec, err := f.svc.Propose(ctx, local1, proposal("vlan.modify", "dev-1"))
	require.NoError(t, err)
	pending, err := f.svc.Decide(ctx, local2, rec.ID, Decision{Action: ActionApprove})
	assert.True(t, IsAuthority(err), "got %v", err)
	assert.Equal(t, model.StatePendingApproval, pending.State)
	assert.False(t, f.lockHeld(t, "dev-1"))
}

func TestTokenReplay_AlreadyRedeemed(t *testing.T) {
	f := newFixture(t, nil)
	ctx := t.Context()

	rec, err := f.svc.Propose(ctx, local1, proposal("port.describe", "dev-1"))
	require.NoError(t, err)
	_, wire := f.execute(t, rec, local1, local1)

	_, err = f.svc.VerifyToken(ctx, local2, rec.ID, wire)
	require.Error(t, err)
	assert.Equal(t, model.VerdictAlreadyRedeemed, token.VerdictOf(err))
	assert.Equal(t, KindTokenInvalid, KindOf(err))
	assert.Equal(t, []model.Decision{model.DecisionDenied}, f.decisions(t, rec.ID, model.EventTokenRejected))

	still, err := f.svc.Get(ctx, rec.ID)
	require.NoError(t, err)
	assert.Equal(t, "local-1", still.ExecutorID)
}

func TestToken_ForAnotherRecordIsBindingMismatch(t *testing.T) {
	f := newFixture(t, nil)
	ctx := t.Context()

	a, err := f.svc.Propose(ctx, local1, proposal("port.describe", "dev-1"))
	require.NoError(t, err)
	b, err := f.svc.Propose(ctx, local1, proposal("port.describe", "dev-2"))
	require.NoError(t, err)
	tokA, err := f.svc.IssueToken(ctx, local1, a.ID)
	require.NoError(t, err)
	tokB, err := f.svc.IssueToken(ctx, local1, b.ID)
	require.NoError(t, err)

	_, err = f.svc.VerifyToken(ctx, local1, b.ID, tokA.Wire)
	assert.Equal(t, model.VerdictBindingMismatch, token.VerdictOf(err))

	// Neither token was spent by the mismatch.
	_, err = f.svc.VerifyToken(ctx, local1, b.ID, tokB.Wire)
	assert.NoError(t, err)
	_, err = f.svc.VerifyToken(ctx, local1, a.ID, tokA.Wire)
	assert.NoError(t, err)
}

func TestIssueToken_RepeatReturnsSameToken(t *testing.T) {
	f := newFixture(t, nil)
	ctx := t.Context()

	rec, err := f.svc.Propose(ctx, local1, proposal("port.describe", "dev-1"))
	require.NoError(t, err)
	first, err := f.svc.IssueToken(ctx, local1, rec.ID)
	require.NoError(t, err)
	second, err := f.svc.IssueToken(ctx, local1, rec.ID)
	require.NoError(t, err)
	assert.Equal(t, first.Wire, second.Wire)

	_, err = f.svc.IssueToken(ctx, local2, rec.ID)
	assert.True(t, IsAuthority(err), "got %v", err)
}

func TestToken_ExpiredBeforeExecution(t *testing.T) {
	f := newFixture(t, nil)
	ctx := t.Context()

	rec, err := f.svc.Propose(ctx, local1, proposal("port.describe", "dev-1"))
	require.NoError(t, err)
	tok, err := f.svc.IssueToken(ctx, local1, rec.ID)
	require.NoError(t, err)

	f.env.Clock.Advance(5 * time.Minute)
	_, err = f.svc.VerifyToken(ctx, local1, rec.ID, tok.Wire)
	assert.Equal(t, model.VerdictExpired, token.VerdictOf(err))
}

func TestIssueToken_ExpiredUnspentTokenIsReplaced(t *testing.T) {
	f := newFixture(t, nil)
	ctx := t.Context()

	res, err := f.svc.Emergency(ctx, local1, proposal("port.shutdown", "dev-1"))
	require.NoError(t, err)
	first := res.Token

	f.env.Clock.Advance(6 * time.Minute)
	fresh, err := f.svc.IssueToken(ctx, local1, res.Record.ID)
	require.NoError(t, err)
	assert.NotEqual(t, first.Token.ID, fresh.Token.ID)
	assert.True(t, fresh.Token.ExpiresAt.After(f.env.Clock.Now()))
	assert.True(t, fresh.Token.Constraints.RollbackRequired, "replacement keeps the emergency constraints")

	again, err := f.svc.IssueToken(ctx, local1, res.Record.ID)
	require.NoError(t, err)
	assert.Equal(t, fresh.Wire, again.Wire, "a live replacement is returned as is")

	_, err = f.svc.VerifyToken(ctx, local1, res.Record.ID, first.Wire)
	assert.Equal(t, model.VerdictBindingMismatch, token.VerdictOf(err))

	executing, err := f.svc.VerifyToken(ctx, local1, res.Record.ID, fresh.Wire)
	require.NoError(t, err)
	assert.Equal(t, model.StateExecuting, executing.State)
	assert.Equal(t, fresh.Token.ID, executing.TokenID)
	assert.Contains(t, executing.Snapshots, "dev-1")
}

func TestDecide_ReclassifiesIndependently(t *testing.T) {
	f := newFixture(t, nil)
	ctx := t.Context()

	p := proposal("bgp.update", "dev-1")
	p.SuggestedTier = model.TierLow
	rec, err := f.svc.Propose(ctx, local1, p)
	require.NoError(t, err)
	assert.Equal(t, model.TierHigh, rec.Tier)
	assert.Equal(t, model.StatePendingApproval, rec.State, "a LOW suggestion must not self-approve")
	assert.Equal(t, []model.Decision{model.DecisionFlagged}, f.decisions(t, rec.ID, model.EventTierDisagreement))

	// REGIONAL is not enough for HIGH; with no escalator the escalation
	// times out and the change is denied.
	denied, err := f.svc.Decide(ctx, regional, rec.ID, Decision{Action: ActionApprove})
	assert.True(t, IsEscalationTimeout(err), "got %v", err)
	assert.Equal(t, model.StateDenied, denied.State)
}

func TestDecide_SelfApprovalDisabled(t *testing.T) {
	f := newFixture(t, nil, strings.Replace(testPolicy, "self_approve_low: true", "self_approve_low: false", 1))
	ctx := t.Context()

	rec, err := f.svc.Propose(ctx, local1, proposal("port.describe", "dev-1"))
	require.NoError(t, err)
	assert.Equal(t, model.StatePendingApproval, rec.State)

	_, err = f.svc.Decide(ctx, local1, rec.ID, Decision{Action: ActionApprove})
	assert.True(t, IsAuthority(err), "got %v", err)
	assert.False(t, f.lockHeld(t, "dev-1"))

	approved, err := f.svc.Decide(ctx, local2, rec.ID, Decision{Action: ActionApprove})
	require.NoError(t, err)
	assert.Equal(t, "local-2", approved.ApproverID)
}

func TestDecide_DenyByProposerOrAuthority(t *testing.T) {
	f := newFixture(t, nil)
	ctx := t.Context()

	a, err := f.svc.Propose(ctx, local1, proposal("bgp.update", "dev-1"))
	require.NoError(t, err)
	withdrawn, err := f.svc.Decide(ctx, local1, a.ID, Decision{Action: ActionDeny, Reason: "withdrawn"})
	require.NoError(t, err)
	assert.Equal(t, model.StateDenied, withdrawn.State)

	b, err := f.svc.Propose(ctx, local1, proposal("bgp.update", "dev-1"))
	require.NoError(t, err)
	_, err = f.svc.Decide(ctx, local2, b.ID, Decision{Action: ActionDeny})
	assert.True(t, IsAuthority(err), "got %v", err)
	denied, err := f.svc.Decide(ctx, global1, b.ID, Decision{Action: ActionDeny, Reason: "no"})
	require.NoError(t, err)
	assert.Equal(t, "no", denied.Reason)

	_, err = f.svc.Decide(ctx, global1, b.ID, Decision{Action: ActionApprove})
	assert.Error(t, err)
}

func TestPropose_PolicyMismatchIsRejectedAndAudited(t *testing.T) {
	f := newFixture(t, nil)
	ctx := t.Context()

	p := proposal("port.describe", "dev-1")
	p.PolicyVersion = "test-0"
	_, err := f.svc.Propose(ctx, local1, p)
	require.Error(t, err)
	assert.True(t, policy.IsPolicyMismatch(err), "got %v", err)
	assert.Equal(t, KindPolicyMismatch, KindOf(err))
	assert.Equal(t, []model.EventType{model.EventPolicyMismatch}, f.events(t, "cfg-1"))

	_, err = f.svc.Get(ctx, "cfg-1")
	assert.True(t, coord.IsNotFound(err))

	p.PolicyVersion = "test-1"
	rec, err := f.svc.Propose(ctx, local1, p)
	require.NoError(t, err)
	assert.Equal(t, "test-1", rec.PolicyVersion)
}

func TestPropose_ChangeTypeIsHashedAsStored(t *testing.T) {
	f := newFixture(t, nil, strings.Replace(testPolicy, "self_approve_low: true", "self_approve_low: false", 1))
	ctx := t.Context()

	padded, err := f.svc.Propose(ctx, local1, proposal("  port.describe ", "dev-1"))
	require.NoError(t, err)
	plain, err := f.svc.Propose(ctx, local1, proposal("port.describe", "dev-1"))
	require.NoError(t, err)

	assert.Equal(t, "port.describe", padded.ChangeType)
	assert.Equal(t, plain.ContentHash, padded.ContentHash)
	want, err := ir.ContentHash(padded.ChangeType, padded.Payload, padded.DeviceIDs)
	require.NoError(t, err)
	assert.Equal(t, want, padded.ContentHash)

	res, err := f.svc.Emergency(ctx, local2, proposal(" port.shutdown", "dev-2"))
	require.NoError(t, err)
	want, err = ir.ContentHash(res.Record.ChangeType, res.Record.Payload, res.Record.DeviceIDs)
	require.NoError(t, err)
	assert.Equal(t, want, res.Record.ContentHash)
}

func TestPropose_InvalidRequests(t *testing.T) {
	f := newFixture(t, nil)
	ctx := t.Context()

	tests := []struct {
		name   string
		caller model.Identity
		p      Proposal
	}{
		{"no devices", local1, proposal("port.describe")},
		{"no change type", local1, proposal(" ", "dev-1")},
		{"no caller", model.Identity{}, proposal("port.describe", "dev-1")},
	}
	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			_, err := f.svc.Propose(ctx, tt.caller, tt.p)
			assert.ErrorIs(t, err, ErrInvalidRequest)
		})
	}

	_, err := f.svc.Propose(ctx, local1, proposal("port.describe", "dev-404"))
	assert.True(t, coord.IsNotFound(err), "got %v", err)
}

func TestRecordExecutionResult_IllegalTransitions(t *testing.T) {
	f := newFixture(t, nil)
	ctx := t.Context()

	rec, err := f.svc.Propose(ctx, local1, proposal("bgp.update", "dev-1"))
	require.NoError(t, err)
	_, err = f.svc.RecordExecutionResult(ctx, local1, rec.ID, ExecutionResult{Success: true})
	assert.True(t, IsIllegalTransition(err), "got %v", err)

	_, err = f.svc.Rollback(ctx, global1, rec.ID)
	assert.True(t, IsIllegalTransition(err), "got %v", err)

	low, err := f.svc.Propose(ctx, local1, proposal("port.describe", "dev-2"))
	require.NoError(t, err)
	f.execute(t, low, local1, local1)
	_, err = f.svc.RecordExecutionResult(ctx, local2, low.ID, ExecutionResult{Success: true})
	assert.True(t, IsAuthority(err), "only the executor may report, got %v", err)
}

func TestLegal(t *testing.T) {
	tests := []struct {
		from, to  model.State
		emergency bool
		want      bool
	}{
		{model.StateDraft, model.StatePendingApproval, false, true},
		{model.StatePendingApproval, model.StateApproved, false, true},
		{model.StateApproved, model.StateExecuting, false, true},
		{model.StateExecuting, model.StateFailed, false, true},
		{model.StateFailed, model.StateDegraded, false, true},
		{model.StateDraft, model.StateApproved, false, false},
		{model.StateDraft, model.StateApproved, true, true},
		{model.StateApproved, model.StateDenied, false, false},
		{model.StateApproved, model.StateDenied, true, true},
		{model.StateExecuted, model.StateRolledBack, false, false},
		{model.StateExecuted, model.StateRolledBack, true, true},
		{model.StateDenied, model.StateApproved, true, false},
		{model.StateRolledBack, model.StateExecuting, true, false},
		{model.StatePendingApproval, model.StateExecuting, false, false},
	}
	for _, tt := range tests {
		rec := &model.ConfigRecord{State: tt.from, Emergency: tt.emergency}
		if got := Legal(rec, tt.to); got != tt.want {
			t.Errorf("Legal(%s -> %s, emergency=%v) = %v, want %v", tt.from, tt.to, tt.emergency, got, tt.want)
		}
	}
}

func TestRequiredAuthority(t *testing.T) {
	tests := []struct {
		tier     model.Tier
		proposer model.Authority
		want     model.Authority
	}{
		{model.TierLow, model.AuthorityLocal, model.AuthorityLocal},
		{model.TierMedium, model.AuthorityLocal, model.AuthorityRegional},
		{model.TierMedium, model.AuthorityRegional, model.AuthorityGlobal},
		{model.TierMedium, model.AuthorityGlobal, model.AuthorityGlobal},
		{model.TierHigh, model.AuthorityLocal, model.AuthorityGlobal},
		{model.TierEmergency, model.AuthorityRegional, model.AuthorityRegional},
		{model.TierUnknown, model.AuthorityLocal, model.AuthorityGlobal},
	}
	for _, tt := range tests {
		if got := RequiredAuthority(tt.tier, tt.proposer); got != tt.want {
			t.Errorf("RequiredAuthority(%s, %s) = %s, want %s", tt.tier, tt.proposer, got, tt.want)
		}
	}
}

func TestKindOf(t *testing.T) {
	tests := []struct {
		err  error
		want ErrorKind
	}{
		{nil, KindNone},
		{fmt.Errorf("wrap: %w", ErrInvalidRequest), KindInvalidRequest},
		{fmt.Errorf("device x: %w", store.ErrNotFound), KindNotFound},
		{&coord.ConflictError{}, KindConflict},
		{&DecisionInProgressError{ConfigID: "cfg-1"}, KindConflict},
		{&lock.LockHeldError{SubjectID: "dev-1"}, KindLockHeld},
		{&lock.NotHolderError{}, KindNotHolder},
		{&token.TokenInvalidError{Verdict: model.VerdictExpired}, KindTokenInvalid},
		{&policy.PolicyMismatchError{Requested: "a", Active: "b"}, KindPolicyMismatch},
		{policy.ErrNoActivePolicy, KindNoActivePolicy},
		{&rollback.RollbackFailureError{Err: errors.New("x")}, KindRollbackFailure},
		{&EscalationTimeoutError{}, KindEscalationTimeout},
		{&IllegalTransitionError{}, KindIllegalTransition},
		{&AuthorityError{}, KindAuthority},
		{&DeviceBlockedError{}, KindDeviceBlocked},
		{&RateLimitedError{}, KindRateLimited},
		{&EmergencyPrecedenceError{}, KindEmergencyPrecedence},
		{errors.New("disk on fire"), KindInternal},
	}
	for _, tt := range tests {
		if got := KindOf(tt.err); got != tt.want {
			t.Errorf("KindOf(%v) = %s, want %s", tt.err, got, tt.want)
		}
	}
}

func TestNew_RequiresComponents(t *testing.T) {
	_, err := New(Deps{})
	assert.Error(t, err)
}
