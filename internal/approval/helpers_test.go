package approval

import (
	"context"
	"fmt"
	"sync"
	"testing"

	"github.com/stretchr/testify/require"

	"github.com/preacher1045/pdsno/internal/ids"
	"github.com/preacher1045/pdsno/internal/ir"
	"github.com/preacher1045/pdsno/internal/keys"
	"github.com/preacher1045/pdsno/internal/model"
	"github.com/preacher1045/pdsno/internal/policy"
	"github.com/preacher1045/pdsno/internal/rollback"
	"github.com/preacher1045/pdsno/internal/store"
	"github.com/preacher1045/pdsno/internal/testutil"
	"github.com/preacher1045/pdsno/internal/token"
)

const testPolicy = `
version: "test-1"
classification:
  default_tier: LOW
  rules:
    - name: vlan
      tier: MEDIUM
      change_types: ["vlan.*"]
    - name: routing
      tier: HIGH
      change_types: ["bgp.*"]
approval:
  self_approve_low: true
  on_lock_contention: queue
escalation:
  timeout: 30s
  fallback:
    allow: true
    change_types: ["vlan.add"]
emergency:
  change_types: ["port.shutdown"]
  per_proposer_limit: 2
  window: 1h
tokens:
  ttl: 5m
  rate_cap: 10
  rollback_required: true
locks:
  ttl: 10m
`

var (
	local1   = model.Identity{ID: "local-1", Authority: model.AuthorityLocal}
	local2   = model.Identity{ID: "local-2", Authority: model.AuthorityLocal}
	regional = model.Identity{ID: "regional-1", Authority: model.AuthorityRegional}
	global1  = model.Identity{ID: "global-1", Authority: model.AuthorityGlobal}
)

type restorer struct {
	mu    sync.Mutex
	fail  map[string]bool
	calls []string
}

func (r *restorer) Restore(_ context.Context, deviceID string, _ ir.Object) error {
	r.mu.Lock()
	defer r.mu.Unlock()
	r.calls = append(r.calls, deviceID)
	if r.fail[deviceID] {
		return fmt.Errorf("device %s unreachable", deviceID)
	}
	return nil
}

type fixture struct {
	env      *testutil.Env
	svc      *Service
	policies *policy.Registry
	restorer *restorer
}

// newFixture builds a service over testPolicy, or over the given policy
// source, with devices dev-1 through dev-3.
func newFixture(t *testing.T, escalator Escalator, policySource ...string) *fixture {
	t.Helper()
	env := testutil.NewEnv(t)
	ctx := t.Context()

	src := testPolicy
	if len(policySource) > 0 {
		src = policySource[0]
	}
	doc, err := policy.Load([]byte(src), policy.FormatYAML, "policy.yaml")
	require.NoError(t, err)
	reg := policy.NewRegistry(env.Coord, env.Audit)
	_, err = reg.Store(ctx, doc, policy.FormatYAML, "admin")
	require.NoError(t, err)
	require.NoError(t, reg.Activate(ctx, doc.Version, "admin"))

	ring := keys.Ring{}
	ring.Add(env.TokenPub)
	r := &restorer{fail: map[string]bool{}}
	svc, err := New(Deps{
		Coord:     env.Coord,
		Locks:     env.Locks,
		Audit:     env.Audit,
		Policies:  reg,
		Issuer:    token.NewIssuer(env.Coord, env.TokenKey, token.WithClock(env.Clock), token.WithIDs(ids.NewSequence("tok"))),
		Verifier:  token.NewVerifier(env.Store, ring, token.WithClock(env.Clock)),
		Rollback:  rollback.New(env.Coord, r, rollback.WithClock(env.Clock), rollback.WithIDs(ids.NewSequence("snap"))),
		Escalator: escalator,
	}, WithClock(env.Clock), WithIDs(ids.NewSequence("cfg")))
	require.NoError(t, err)

	f := &fixture{env: env, svc: svc, policies: reg, restorer: r}
	for i := 1; i <= 3; i++ {
		f.seedDevice(t, fmt.Sprintf("dev-%d", i))
	}
	return f
}

func (f *fixture) seedDevice(t *testing.T, id string) {
	t.Helper()
	dev := &model.Device{
		Entity: model.Entity{ID: id, DataTier: model.DataDurable},
		MAC:    "mac-" + id,
		Status: model.DeviceActive,
		Config: ir.Object{"vlan": ir.Int(10)},
	}
	require.NoError(t, f.env.Coord.Create(t.Context(), store.Devices, dev))
}

func (f *fixture) device(t *testing.T, id string) *model.Device {
	t.Helper()
	var dev model.Device
	_, err := f.env.Coord.Read(t.Context(), store.Devices, id, &dev)
	require.NoError(t, err)
	return &dev
}

// execute issues the token for an approved record and redeems it as
// executor.
func (f *fixture) execute(t *testing.T, rec *model.ConfigRecord, approver, executor model.Identity) (*model.ConfigRecord, string) {
	t.Helper()
	tok, err := f.svc.IssueToken(t.Context(), approver, rec.ID)
	require.NoError(t, err)
	executing, err := f.svc.VerifyToken(t.Context(), executor, rec.ID, tok.Wire)
	require.NoError(t, err)
	return executing, tok.Wire
}

func (f *fixture) events(t *testing.T, subject string) []model.EventType {
	t.Helper()
	evs, err := f.env.Audit.List(t.Context(), store.EventFilter{Subject: subject})
	require.NoError(t, err)
	out := make([]model.EventType, len(evs))
	for i, ev := range evs {
		out[i] = ev.Type
	}
	return out
}

func (f *fixture) decisions(t *testing.T, subject string, typ model.EventType) []model.Decision {
	t.Helper()
	evs, err := f.env.Audit.List(t.Context(), store.EventFilter{Subject: subject})
	require.NoError(t, err)
	var out []model.Decision
	for _, ev := range evs {
		if ev.Type == typ {
			out = append(out, ev.Decision)
		}
	}
	return out
}

func (f *fixture) lockHeld(t *testing.T, deviceID string) bool {
	t.Helper()
	_, held, err := f.env.Locks.Check(t.Context(), deviceID, model.LockDevice)
	require.NoError(t, err)
	return held
}

func proposal(changeType string, devices ...string) Proposal {
	return Proposal{
		ChangeType: changeType,
		Payload:    ir.Object{"vlan": ir.Int(20)},
		DeviceIDs:  devices,
	}
}

// blockingEscalator never answers; it returns when the escalation is
// abandoned.
var blockingEscalator = EscalatorFunc(func(ctx context.Context, _ EscalationRequest) (EscalationResponse, error) {
	<-ctx.Done()
	return EscalationResponse{}, ctx.Err()
})
