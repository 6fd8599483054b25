package approval

import (
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/preacher1045/pdsno/internal/ids"
	"github.com/preacher1045/pdsno/internal/ir"
	"github.com/preacher1045/pdsno/internal/model"
)

func TestEmergency_ApprovesAndIssuesToken(t *testing.T) {
	f := newFixture(t, nil)
	ctx := t.Context()

	res, err := f.svc.Emergency(ctx, local1, proposal("port.shutdown", "dev-1"))
	require.NoError(t, err)
	rec := res.Record
	assert.True(t, rec.Emergency)
	assert.Equal(t, model.TierEmergency, rec.Tier)
	assert.Equal(t, model.StateApproved, rec.State)
	assert.Equal(t, "local-1", rec.ApproverID)
	assert.Equal(t, rec.ID, res.Token.Token.ProposalID)
	assert.True(t, res.Token.Token.Constraints.RollbackRequired)
	assert.NotEmpty(t, res.Token.Wire)
	assert.True(t, f.lockHeld(t, "dev-1"))

	evs, err := f.env.Audit.List(ctx, storeFilter(rec.ID))
	require.NoError(t, err)
	require.NotEmpty(t, evs)
	var approved *model.AuditEvent
	for i := range evs {
		if evs[i].Type == model.EventEmergencyApproved {
			approved = &evs[i]
		}
	}
	require.NotNil(t, approved, "emergency approval must be audited")
	payload, err := f.env.Audit.Payload(ctx, *approved)
	require.NoError(t, err)
	assert.Equal(t, ir.Object{"vlan": ir.Int(20)}, payload["payload"])
	assert.Equal(t, ir.Int(1), payload["remaining"])

	executing, err := f.svc.VerifyToken(ctx, local1, rec.ID, res.Token.Wire)
	require.NoError(t, err)
	assert.Contains(t, executing.Snapshots, "dev-1")
}

func TestEmergency_RateLimitedPerProposer(t *testing.T) {
	f := newFixture(t, nil)
	ctx := t.Context()

	_, err := f.svc.Emergency(ctx, local1, proposal("port.shutdown", "dev-1"))
	require.NoError(t, err)
	_, err = f.svc.Emergency(ctx, local1, proposal("port.shutdown", "dev-2"))
	require.NoError(t, err)

	_, err = f.svc.Emergency(ctx, local1, proposal("port.shutdown", "dev-3"))
	require.Error(t, err)
	assert.True(t, IsRateLimited(err), "got %v", err)
	assert.Equal(t, KindRateLimited, KindOf(err))
	assert.False(t, f.lockHeld(t, "dev-3"))

	// Another proposer has its own budget.
	_, err = f.svc.Emergency(ctx, local2, proposal("port.shutdown", "dev-3"))
	require.NoError(t, err)

	f.env.Clock.Advance(time.Hour + time.Second)
	_, err = f.svc.Emergency(ctx, local1, proposal("port.shutdown", "dev-3"))
	require.NoError(t, err, "the first uses have left the window")
}

func TestEmergency_RateLimitHoldsAcrossServices(t *testing.T) {
	f := newFixture(t, nil)
	ctx := t.Context()

	other, err := New(f.svc.Deps, WithClock(f.env.Clock), WithIDs(ids.NewSequence("alt")))
	require.NoError(t, err)

	_, err = f.svc.Emergency(ctx, local1, proposal("port.shutdown", "dev-1"))
	require.NoError(t, err)
	_, err = other.Emergency(ctx, local1, proposal("port.shutdown", "dev-2"))
	require.NoError(t, err)

	_, err = f.svc.Emergency(ctx, local1, proposal("port.shutdown", "dev-3"))
	assert.True(t, IsRateLimited(err), "got %v", err)
	_, err = other.Emergency(ctx, local1, proposal("port.shutdown", "dev-3"))
	assert.True(t, IsRateLimited(err), "got %v", err)
	assert.False(t, f.lockHeld(t, "dev-3"))
}

func TestEmergency_RejectedAttemptsDoNotUseQuota(t *testing.T) {
	f := newFixture(t, nil)
	ctx := t.Context()

	rec, err := f.svc.Propose(ctx, local2, proposal("port.describe", "dev-1"))
	require.NoError(t, err)
	require.Equal(t, model.StateApproved, rec.State)

	for range 3 {
		_, err = f.svc.Emergency(ctx, local1, proposal("port.shutdown", "dev-1"))
		assert.Equal(t, KindLockHeld, KindOf(err))
	}

	_, err = f.svc.Emergency(ctx, local1, proposal("port.shutdown", "dev-2"))
	require.NoError(t, err)
	_, err = f.svc.Emergency(ctx, local1, proposal("port.shutdown", "dev-3"))
	require.NoError(t, err)
}

func TestEmergency_RejectsOtherChangeTypes(t *testing.T) {
	f := newFixture(t, nil)

	_, err := f.svc.Emergency(t.Context(), local1, proposal("vlan.add", "dev-1"))
	assert.True(t, IsAuthority(err), "got %v", err)
	assert.Equal(t, []model.EventType{model.EventProposalRejected}, f.events(t, "cfg-1"))
}

func TestEmergency_LockedDeviceIsRejected(t *testing.T) {
	f := newFixture(t, nil)
	ctx := t.Context()

	rec, err := f.svc.Propose(ctx, local2, proposal("port.describe", "dev-1"))
	require.NoError(t, err)
	require.Equal(t, model.StateApproved, rec.State)

	_, err = f.svc.Emergency(ctx, local1, proposal("port.shutdown", "dev-1"))
	assert.Equal(t, KindLockHeld, KindOf(err))
}

func TestReviewEmergency_Approve(t *testing.T) {
	f := newFixture(t, nil)
	ctx := t.Context()

	res, err := f.svc.Emergency(ctx, local1, proposal("port.shutdown", "dev-1"))
	require.NoError(t, err)

	_, err = f.svc.ReviewEmergency(ctx, local2, res.Record.ID, true, "fine")
	assert.True(t, IsAuthority(err), "a peer cannot review, got %v", err)

	reviewed, err := f.svc.ReviewEmergency(ctx, regional, res.Record.ID, true, "fine")
	require.NoError(t, err)
	assert.Equal(t, "regional-1", reviewed.ReviewedBy)
	assert.Equal(t, model.StateApproved, reviewed.State)
	assert.Equal(t, []model.Decision{model.DecisionApproved}, f.decisions(t, res.Record.ID, model.EventEmergencyReviewed))
}

func TestReviewEmergency_DenyBeforeExecution(t *testing.T) {
	f := newFixture(t, nil)
	ctx := t.Context()

	res, err := f.svc.Emergency(ctx, local1, proposal("port.shutdown", "dev-1"))
	require.NoError(t, err)

	denied, err := f.svc.ReviewEmergency(ctx, regional, res.Record.ID, false, "not an emergency")
	require.NoError(t, err)
	assert.Equal(t, model.StateDenied, denied.State)
	assert.False(t, f.lockHeld(t, "dev-1"))

	_, err = f.svc.VerifyToken(ctx, local1, res.Record.ID, res.Token.Wire)
	assert.True(t, IsIllegalTransition(err), "got %v", err)
}

func TestReviewEmergency_DenyAfterExecutionRollsBack(t *testing.T) {
	f := newFixture(t, nil)
	ctx := t.Context()

	res, err := f.svc.Emergency(ctx, local1, proposal("port.shutdown", "dev-1"))
	require.NoError(t, err)
	_, err = f.svc.VerifyToken(ctx, local1, res.Record.ID, res.Token.Wire)
	require.NoError(t, err)
	_, err = f.svc.RecordExecutionResult(ctx, local1, res.Record.ID, ExecutionResult{Success: true})
	require.NoError(t, err)
	assert.Equal(t, res.Record.ID, f.device(t, "dev-1").LastChangeID)

	rolled, err := f.svc.ReviewEmergency(ctx, global1, res.Record.ID, false, "compensate")
	require.NoError(t, err)
	assert.Equal(t, model.StateRolledBack, rolled.State)
	assert.Equal(t, "global-1", rolled.ReviewedBy)
	assert.Equal(t, []string{"dev-1"}, f.restorer.calls)

	dev := f.device(t, "dev-1")
	assert.Equal(t, ir.Object{"vlan": ir.Int(10)}, dev.Config)
	assert.Empty(t, dev.LastChangeID)
}

func TestReviewEmergency_NewerChangeTakesPrecedence(t *testing.T) {
	f := newFixture(t, nil)
	ctx := t.Context()

	res, err := f.svc.Emergency(ctx, local1, proposal("port.shutdown", "dev-1"))
	require.NoError(t, err)
	_, err = f.svc.VerifyToken(ctx, local1, res.Record.ID, res.Token.Wire)
	require.NoError(t, err)
	_, err = f.svc.RecordExecutionResult(ctx, local1, res.Record.ID, ExecutionResult{Success: true})
	require.NoError(t, err)

	later, err := f.svc.Propose(ctx, local2, proposal("port.describe", "dev-1"))
	require.NoError(t, err)
	f.execute(t, later, local2, local2)
	_, err = f.svc.RecordExecutionResult(ctx, local2, later.ID, ExecutionResult{Success: true})
	require.NoError(t, err)

	rec, err := f.svc.ReviewEmergency(ctx, regional, res.Record.ID, false, "should not have happened")
	require.Error(t, err)
	assert.True(t, IsEmergencyPrecedence(err), "got %v", err)
	assert.Equal(t, model.StateExecuted, rec.State)
	assert.Equal(t, "regional-1", rec.ReviewedBy)
	assert.Empty(t, f.restorer.calls)
	assert.Equal(t, later.ID, f.device(t, "dev-1").LastChangeID)
	assert.Equal(t, []model.Decision{model.DecisionFlagged}, f.decisions(t, res.Record.ID, model.EventPrecedenceFlagged))
}

func TestReviewEmergency_NotEmergency(t *testing.T) {
	f := newFixture(t, nil)

	rec, err := f.svc.Propose(t.Context(), local1, proposal("port.describe", "dev-1"))
	require.NoError(t, err)
	_, err = f.svc.ReviewEmergency(t.Context(), global1, rec.ID, true, "")
	assert.ErrorIs(t, err, ErrInvalidRequest)
}
