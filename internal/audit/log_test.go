package audit

import (
	"bufio"
	"bytes"
	"context"
	"crypto/ed25519"
	"encoding/json"
	"path/filepath"
	"strings"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/preacher1045/pdsno/internal/clock"
	"github.com/preacher1045/pdsno/internal/ids"
	"github.com/preacher1045/pdsno/internal/ir"
	"github.com/preacher1045/pdsno/internal/keys"
	"github.com/preacher1045/pdsno/internal/model"
	"github.com/preacher1045/pdsno/internal/store"
)

var epoch = time.Date(2026, 3, 1, 12, 0, 0, 0, time.UTC)

func newTestLog(t *testing.T, opts ...Option) (*Log, *store.Store, *clock.FakeClock) {
	t.Helper()
	st, err := store.Open(filepath.Join(t.TempDir(), "test.db"))
	require.NoError(t, err)
	t.Cleanup(func() { st.Close() })

	_, private, err := keys.Generate()
	require.NoError(t, err)

	clk := clock.Fake(epoch)
	opts = append([]Option{WithClock(clk), WithIDs(ids.NewSequence("ev"))}, opts...)
	return New(st, private, opts...), st, clk
}

func entry(subject string) Entry {
	return Entry{
		Type:     model.EventProposalCreated,
		Actor:    "ctrl-local-1",
		Subject:  subject,
		Action:   "proposed vlan.add on 1 device",
		Decision: model.DecisionNA,
		Payload:  ir.Object{"change_type": ir.String("vlan.add")},
	}
}

func TestAppend_BuildsChain(t *testing.T) {
	l, _, clk := newTestLog(t)
	ctx := context.Background()

	first, err := l.Append(ctx, entry("cfg-1"))
	require.NoError(t, err)
	clk.Advance(time.Second)
	second, err := l.Append(ctx, Entry{Type: model.EventApproved, Actor: "ctrl-regional-1", Subject: "cfg-1", Action: "approved", Decision: model.DecisionApproved})
	require.NoError(t, err)

	assert.Equal(t, int64(1), first.Seq)
	assert.Equal(t, "ev-1", first.ID)
	assert.Empty(t, first.PrevHash)
	assert.Equal(t, int64(2), second.Seq)
	assert.Equal(t, first.Hash, second.PrevHash)
	assert.Equal(t, epoch.Add(time.Second), second.Timestamp)
	assert.Equal(t, l.SignerID(), second.Signer)
	assert.Len(t, second.Hash, 64)

	report, err := l.Verify(ctx, l.Keyring())
	require.NoError(t, err)
	assert.Equal(t, int64(2), report.Events)
	assert.Equal(t, second.Hash, report.LastHash)
}

func TestAppend_DefaultsDecisionToNA(t *testing.T) {
	l, _, _ := newTestLog(t)

	ev, err := l.Append(context.Background(), Entry{Type: model.EventWriteConflict, Actor: "a", Subject: "s", Action: "x"})
	require.NoError(t, err)
	assert.Equal(t, model.DecisionNA, ev.Decision)
}

func TestAppend_LargePayloadStoredByReference(t *testing.T) {
	l, _, _ := newTestLog(t, WithPayloadThreshold(64))
	ctx := context.Background()

	big := ir.Object{"config": ir.String(strings.Repeat("x", 200))}
	ev, err := l.Append(ctx, Entry{Type: model.EventEmergencyApproved, Actor: "a", Subject: "cfg-1", Action: "emergency", Decision: model.DecisionApproved, Payload: big})
	require.NoError(t, err)
	assert.Nil(t, ev.Payload)
	require.NotEmpty(t, ev.PayloadRef)

	small, err := l.Append(ctx, entry("cfg-2"))
	require.NoError(t, err)
	assert.Empty(t, small.PayloadRef)

	events, err := l.List(ctx, store.EventFilter{Subject: "cfg-1"})
	require.NoError(t, err)
	require.Len(t, events, 1)
	got, err := l.Payload(ctx, events[0])
	require.NoError(t, err)
	assert.Equal(t, big, got)

	_, err = l.Verify(ctx, l.Keyring())
	require.NoError(t, err)
}

func TestVerify_DetectsTampering(t *testing.T) {
	l, st, _ := newTestLog(t)
	ctx := context.Background()

	for _, s := range []string{"cfg-1", "cfg-2", "cfg-3"} {
		_, err := l.Append(ctx, entry(s))
		require.NoError(t, err)
	}

	// Only someone who drops the trigger can rewrite a row, and the chain
	// still catches it.
	_, err := st.DB().Exec("DROP TRIGGER events_no_update")
	require.NoError(t, err)
	_, err = st.DB().Exec("UPDATE events SET actor = 'mallory' WHERE seq = 2")
	require.NoError(t, err)

	_, err = l.Verify(ctx, l.Keyring())
	var ce *ChainError
	require.ErrorAs(t, err, &ce)
	assert.Equal(t, int64(2), ce.Seq)
	assert.Equal(t, "content hash mismatch", ce.Reason)
}

func TestVerify_RejectsWrongKey(t *testing.T) {
	l, _, _ := newTestLog(t)
	ctx := context.Background()
	_, err := l.Append(ctx, entry("cfg-1"))
	require.NoError(t, err)

	other, _, err := keys.Generate()
	require.NoError(t, err)

	_, err = l.Verify(ctx, Keyring{l.SignerID(): other})
	require.True(t, IsChainError(err))
	assert.Contains(t, err.Error(), "bad signature")

	_, err = l.Verify(ctx, Keyring{})
	assert.Contains(t, err.Error(), "unknown signer")
}

func TestVerify_EmptyTrail(t *testing.T) {
	l, _, _ := newTestLog(t)

	report, err := l.Verify(context.Background(), l.Keyring())
	require.NoError(t, err)
	assert.Zero(t, report.Events)
}

func TestAppend_WritesMirror(t *testing.T) {
	var buf bytes.Buffer
	l, _, _ := newTestLog(t, WithMirror(&buf))
	ctx := context.Background()

	_, err := l.Append(ctx, entry("cfg-1"))
	require.NoError(t, err)
	_, err = l.Append(ctx, entry("cfg-2"))
	require.NoError(t, err)

	var lines []model.AuditEvent
	sc := bufio.NewScanner(&buf)
	for sc.Scan() {
		var ev model.AuditEvent
		require.NoError(t, json.Unmarshal(sc.Bytes(), &ev))
		lines = append(lines, ev)
	}
	require.Len(t, lines, 2)
	assert.Equal(t, "cfg-2", lines[1].Subject)
	assert.Equal(t, lines[0].Hash, lines[1].PrevHash)
}

func TestNewMirror_RotatingFile(t *testing.T) {
	path := filepath.Join(t.TempDir(), "audit.jsonl")
	m := NewMirror(MirrorConfig{Path: path, MaxSizeMB: 1, MaxBackups: 2})
	defer m.Close()

	l, _, _ := newTestLog(t, WithMirror(m))
	_, err := l.Append(context.Background(), entry("cfg-1"))
	require.NoError(t, err)
	assert.FileExists(t, path)
}

func TestKeyring_AddUsesKeyID(t *testing.T) {
	public, _, err := ed25519.GenerateKey(nil)
	require.NoError(t, err)

	kr := Keyring{}
	kr.Add(public)
	assert.Contains(t, kr, keys.ID(public))
}
