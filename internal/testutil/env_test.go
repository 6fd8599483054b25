package testutil

import (
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/preacher1045/pdsno/internal/audit"
	"github.com/preacher1045/pdsno/internal/model"
)

func TestNewEnv_SharesOneClock(t *testing.T) {
	env := NewEnv(t)
	ctx := t.Context()

	env.Clock.Advance(time.Minute)
	ev, err := env.Audit.Append(ctx, audit.Entry{Type: model.EventProposalCreated, Actor: "a", Subject: "s", Action: "x"})
	require.NoError(t, err)
	assert.Equal(t, Epoch.Add(time.Minute), ev.Timestamp)
	assert.Equal(t, "ev-1", ev.ID)

	l, err := env.Locks.Acquire(ctx, lockRequest("dev-1"))
	require.NoError(t, err)
	assert.Equal(t, "lock-1", l.ID)
	assert.Equal(t, Epoch.Add(time.Minute), l.AcquiredAt)

	report := env.VerifyAudit(t)
	assert.Equal(t, int64(1), report.Events)
}

func TestNewEnv_Isolated(t *testing.T) {
	a := NewEnv(t)
	b := NewEnv(t)
	assert.NotEqual(t, a.Dir, b.Dir)
	assert.NotEqual(t, a.TokenPub, b.TokenPub)
}
