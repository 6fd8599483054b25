package model

import (
	"encoding/json"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
	"gopkg.in/yaml.v3"
)

func TestTier_ParseAndText(t *testing.T) {
	for _, name := range []string{"LOW", "medium", " High ", "EMERGENCY"} {
		tier, err := ParseTier(name)
		require.NoError(t, err, name)
		assert.True(t, tier.Valid())
	}

	_, err := ParseTier("UNKNOWN")
	assert.Error(t, err, "the zero value is not parseable")
	_, err = ParseTier("CRITICAL")
	assert.Error(t, err)

	b, err := json.Marshal(struct{ T Tier }{TierHigh})
	require.NoError(t, err)
	assert.JSONEq(t, `{"T":"HIGH"}`, string(b))
}

func TestTier_Distance(t *testing.T) {
	assert.Equal(t, 2, TierLow.Distance(TierHigh))
	assert.Equal(t, 2, TierHigh.Distance(TierLow))
	assert.Equal(t, 0, TierMedium.Distance(TierMedium))
}

func TestAuthority_Above(t *testing.T) {
	assert.Equal(t, AuthorityRegional, AuthorityLocal.Above())
	assert.Equal(t, AuthorityGlobal, AuthorityRegional.Above())
	assert.Equal(t, AuthorityGlobal, AuthorityGlobal.Above())
}

func TestState_Terminal(t *testing.T) {
	terminal := map[State]bool{
		StateDenied: true, StateExecuted: true, StateFailed: true,
		StateRolledBack: true, StateDegraded: true,
	}
	for s := StateDraft; s <= StateDegraded; s++ {
		assert.Equal(t, terminal[s], s.Terminal(), s.String())
	}
}

func TestState_TextRoundTrip(t *testing.T) {
	for s := StateDraft; s <= StateDegraded; s++ {
		b, err := s.MarshalText()
		require.NoError(t, err)
		var got State
		require.NoError(t, got.UnmarshalText(b))
		assert.Equal(t, s, got)
	}
}

func TestLock_HeldAt(t *testing.T) {
	now := time.Date(2026, 1, 1, 0, 0, 0, 0, time.UTC)
	l := Lock{Status: LockActive, ExpiresAt: now.Add(time.Second)}

	assert.True(t, l.HeldAt(now))
	assert.False(t, l.HeldAt(now.Add(time.Second)), "expiry instant is not held")

	l.Status = LockReleased
	assert.False(t, l.HeldAt(now))
}

func TestDuration_YAMLAndJSON(t *testing.T) {
	var cfg struct {
		Timeout Duration `yaml:"timeout" json:"timeout"`
	}
	require.NoError(t, yaml.Unmarshal([]byte("timeout: 90s\n"), &cfg))
	assert.Equal(t, 90*time.Second, cfg.Timeout.Std())

	b, err := json.Marshal(cfg)
	require.NoError(t, err)
	assert.JSONEq(t, `{"timeout":"1m30s"}`, string(b))

	require.NoError(t, json.Unmarshal([]byte(`{"timeout":"5m"}`), &cfg))
	assert.Equal(t, 5*time.Minute, cfg.Timeout.Std())

	assert.Error(t, json.Unmarshal([]byte(`{"timeout":300}`), &cfg))
	assert.Error(t, yaml.Unmarshal([]byte("timeout: -1s\n"), &cfg))
}

func TestConfigRecord_Targets(t *testing.T) {
	r := ConfigRecord{DeviceIDs: []string{"dev-a", "dev-b"}}
	assert.True(t, r.Targets("dev-b"))
	assert.False(t, r.Targets("dev-c"))
}

func TestConfigRecord_ZeroEnumsRoundTrip(t *testing.T) {
	rec := ConfigRecord{ChangeType: "vlan", State: StateDraft}
	b, err := json.Marshal(rec)
	require.NoError(t, err)
	assert.Contains(t, string(b), `"tier":"UNKNOWN"`)

	var got ConfigRecord
	require.NoError(t, json.Unmarshal(b, &got), string(b))
	assert.Equal(t, TierUnknown, got.Tier)
	assert.Equal(t, TierUnknown, got.SuggestedTier)
	assert.Equal(t, AuthorityUnknown, got.ProposerAuthority)
	assert.Equal(t, DataTierUnknown, got.DataTier)
	assert.Equal(t, StateDraft, got.State)

	var d Device
	require.NoError(t, json.Unmarshal([]byte(`{"status":"unknown"}`), &d))
	assert.Equal(t, DeviceStatusUnknown, d.Status)

	var snap Snapshot
	require.NoError(t, json.Unmarshal([]byte(`{"status":""}`), &snap))
	assert.Equal(t, SnapshotStatus(0), snap.Status)

	var tier Tier
	assert.Error(t, tier.UnmarshalText([]byte("UNKNOWN(99)")))
	assert.Error(t, tier.UnmarshalText([]byte("CRITICAL")))
}
