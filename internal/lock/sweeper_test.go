package lock

import (
	"context"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/preacher1045/pdsno/internal/model"
)

func TestSweepOnce_ExpiresAndPurges(t *testing.T) {
	m, clk, st := newTestManager(t)
	ctx := context.Background()

	short, err := m.Acquire(ctx, deviceLock("dev-1", "ctrl-a", time.Minute))
	require.NoError(t, err)
	_, err = m.Acquire(ctx, deviceLock("dev-2", "ctrl-a", time.Hour))
	require.NoError(t, err)

	s := NewSweeper(st, time.Minute, 10*time.Minute, SweepWithClock(clk))

	clk.Advance(2 * time.Minute)
	res, err := s.SweepOnce(ctx)
	require.NoError(t, err)
	assert.Equal(t, int64(1), res.Expired)
	assert.Equal(t, int64(0), res.Purged)

	stored, err := st.GetLock(ctx, short.ID)
	require.NoError(t, err)
	assert.Equal(t, model.LockExpired, stored.Status)

	clk.Advance(20 * time.Minute)
	res, err = s.SweepOnce(ctx)
	require.NoError(t, err)
	assert.Equal(t, int64(1), res.Purged)

	_, ok, err := m.Check(ctx, "dev-2", model.LockDevice)
	require.NoError(t, err)
	assert.True(t, ok, "live locks survive the sweep")
}

func TestRun_SweepsOnEveryTick(t *testing.T) {
	m, clk, st := newTestManager(t)
	ctx, cancel := context.WithCancel(context.Background())
	defer cancel()

	_, err := m.Acquire(ctx, deviceLock("dev-1", "ctrl-a", 30*time.Second))
	require.NoError(t, err)

	s := NewSweeper(st, time.Minute, 0, SweepWithClock(clk))
	done := make(chan error, 1)
	go func() { done <- s.Run(ctx) }()

	clk.WaitForWaiters(1)
	clk.Advance(time.Minute)

	require.Eventually(t, func() bool {
		l, err := st.GetLock(context.Background(), "lock-1")
		return err == nil && l.Status == model.LockExpired
	}, time.Second, 5*time.Millisecond)

	cancel()
	assert.ErrorIs(t, <-done, context.Canceled)
}
