package approval

import (
	"encoding/json"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/preacher1045/pdsno/internal/classify"
	"github.com/preacher1045/pdsno/internal/model"
	"github.com/preacher1045/pdsno/internal/store"
)

func storeFilter(subject string) store.EventFilter { return store.EventFilter{Subject: subject} }

func TestHandle_FullFlow(t *testing.T) {
	f := newFixture(t, nil)
	ctx := t.Context()

	resp := f.svc.Handle(ctx, Request{
		Op:         OpPropose,
		Caller:     local1,
		ChangeType: "port.describe",
		Payload:    map[string]any{"description": "uplink", "mtu": 9000},
		DeviceIDs:  []string{"dev-1"},
	})
	require.True(t, resp.OK, resp.Message)
	rec := resp.Data.(*model.ConfigRecord)
	assert.Equal(t, model.StateApproved, rec.State)

	resp = f.svc.Handle(ctx, Request{Op: OpIssueToken, Caller: local1, ConfigID: rec.ID})
	require.True(t, resp.OK, resp.Message)
	wire := resp.Data.(TokenData).Wire

	resp = f.svc.Handle(ctx, Request{Op: OpVerifyToken, Caller: local1, ConfigID: rec.ID, Token: wire})
	require.True(t, resp.OK, resp.Message)

	resp = f.svc.Handle(ctx, Request{Op: OpRecordExecutionResult, Caller: local1, ConfigID: rec.ID, Success: true})
	require.True(t, resp.OK, resp.Message)
	assert.Equal(t, model.StateExecuted, resp.Data.(*model.ConfigRecord).State)

	resp = f.svc.Handle(ctx, Request{Op: OpVerifyToken, Caller: local1, ConfigID: rec.ID, Token: wire})
	assert.False(t, resp.OK)
	assert.Equal(t, KindTokenInvalid, resp.Kind)
}

func TestHandle_Errors(t *testing.T) {
	f := newFixture(t, nil)
	ctx := t.Context()

	tests := []struct {
		name string
		req  Request
		want ErrorKind
	}{
		{"unknown op", Request{Op: "launch"}, KindInvalidRequest},
		{"bad action", Request{Op: OpDecide, Caller: global1, ConfigID: "cfg-1", Action: "maybe"}, KindInvalidRequest},
		{"missing record", Request{Op: OpGet, ConfigID: "cfg-404"}, KindNotFound},
		{"float payload", Request{Op: OpPropose, Caller: local1, ChangeType: "x", DeviceIDs: []string{"dev-1"}, Payload: map[string]any{"mtu": 1.5}}, KindInvalidRequest},
		{"garbage token", Request{Op: OpVerifyToken, Caller: local1, ConfigID: "cfg-404", Token: "!!"}, KindNotFound},
	}
	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			resp := f.svc.Handle(ctx, tt.req)
			assert.False(t, resp.OK)
			assert.Equal(t, tt.want, resp.Kind, resp.Message)
			assert.NotEmpty(t, resp.Message)
		})
	}
}

func TestHandle_ClassifyIsReadOnly(t *testing.T) {
	f := newFixture(t, nil)

	resp := f.svc.Handle(t.Context(), Request{Op: OpClassify, Caller: local1, ChangeType: "bgp.update", DeviceIDs: []string{"dev-1"}})
	require.True(t, resp.OK, resp.Message)
	res := resp.Data.(classify.Result)
	assert.Equal(t, model.TierHigh, res.Tier)
	assert.Equal(t, "routing", res.Rule)

	evs, err := f.env.Audit.List(t.Context(), store.EventFilter{})
	require.NoError(t, err)
	for _, ev := range evs {
		assert.Equal(t, model.EventPolicyActivated, ev.Type)
	}
}

func TestResponse_JSON(t *testing.T) {
	body, err := json.Marshal(Response{Kind: KindLockHeld, Message: "held"})
	require.NoError(t, err)
	assert.JSONEq(t, `{"ok":false,"kind":"LOCK_HELD","message":"held"}`, string(body))

	body, err = json.Marshal(Response{OK: true})
	require.NoError(t, err)
	assert.JSONEq(t, `{"ok":true}`, string(body))
}
