package harness

import (
	"context"
	"fmt"
	"io"
	"log/slog"
	"sync"
	"time"

	"github.com/preacher1045/pdsno/internal/approval"
	"github.com/preacher1045/pdsno/internal/audit"
	"github.com/preacher1045/pdsno/internal/clock"
	"github.com/preacher1045/pdsno/internal/coord"
	"github.com/preacher1045/pdsno/internal/ids"
	"github.com/preacher1045/pdsno/internal/ir"
	"github.com/preacher1045/pdsno/internal/keys"
	"github.com/preacher1045/pdsno/internal/lock"
	"github.com/preacher1045/pdsno/internal/model"
	"github.com/preacher1045/pdsno/internal/policy"
	"github.com/preacher1045/pdsno/internal/rollback"
	"github.com/preacher1045/pdsno/internal/store"
	"github.com/preacher1045/pdsno/internal/token"
)

// Epoch is the clock's starting time in every run.
var Epoch = time.Date(2026, 3, 1, 12, 0, 0, 0, time.UTC)

// Actor is recorded as the loader and activator of the scenario policy.
const Actor = "harness"

// Harness holds the components of one scenario run.
type Harness struct {
	store    *store.Store
	clock    *clock.FakeClock
	coord    *coord.Coordinator
	audit    *audit.Log
	service  *approval.Service
	restorer *scriptedRestorer
	logger   *slog.Logger

	// wires maps a record id to the wire form last issued for it.
	wires map[string]string
}

// Option configures a run.
type Option func(*Harness)

// WithLogger sets the logger handed to every component. Runs are silent
// by default.
func WithLogger(l *slog.Logger) Option { return func(h *Harness) { h.logger = l } }

// Run executes a scenario against a fresh in-memory database.
//
// Execution flow:
//  1. Open the store and build the components on a fake clock
//  2. Store and activate the policy, seed the devices
//  3. Run each step, comparing its response with the expectation
//  4. Collect the audit trail written after setup and the final states
//  5. Evaluate the assertions
//
// Step and assertion failures are reported in the result; the error is
// reserved for runs that could not be carried out.
func Run(ctx context.Context, scenario *Scenario, opts ...Option) (*Result, error) {
	st, err := store.Open(":memory:")
	if err != nil {
		return nil, fmt.Errorf("failed to create in-memory store: %w", err)
	}
	defer st.Close()

	h, err := newHarness(st, scenario, opts...)
	if err != nil {
		return nil, err
	}

	after, err := h.setup(ctx, scenario)
	if err != nil {
		return nil, fmt.Errorf("failed to execute setup: %w", err)
	}

	result := NewResult()
	for i, step := range scenario.Steps {
		if err := h.executeStep(ctx, i, step, result); err != nil {
			return nil, fmt.Errorf("step %d: %w", i, err)
		}
	}

	events, err := h.audit.List(ctx, store.EventFilter{AfterSeq: after})
	if err != nil {
		return nil, fmt.Errorf("read audit trail: %w", err)
	}
	for _, ev := range events {
		result.Trace = append(result.Trace, traceEvent(ev))
	}
	records, err := h.service.List(ctx)
	if err != nil {
		return nil, fmt.Errorf("list records: %w", err)
	}
	for _, rec := range records {
		result.States[rec.ID] = rec.State.String()
	}

	if _, err := h.audit.Verify(ctx, h.audit.Keyring()); err != nil {
		result.AddError(fmt.Sprintf("audit trail does not verify: %v", err))
	}

	actx := &AssertionContext{Ctx: ctx, Coord: h.coord}
	for _, msg := range EvaluateAssertions(result, scenario.Assertions, actx) {
		result.AddError(msg)
	}
	return result, nil
}

func newHarness(st *store.Store, scenario *Scenario, opts ...Option) (*Harness, error) {
	h := &Harness{
		store:    st,
		clock:    clock.Fake(Epoch),
		restorer: &scriptedRestorer{fail: map[string]bool{}},
		logger:   slog.New(slog.NewTextHandler(io.Discard, nil)),
		wires:    map[string]string{},
	}
	for _, opt := range opts {
		opt(h)
	}
	for _, dev := range scenario.RestoreFailures {
		h.restorer.fail[dev] = true
	}

	_, auditKey, err := keys.Generate()
	if err != nil {
		return nil, fmt.Errorf("generate audit key: %w", err)
	}
	tokenPub, tokenKey, err := keys.Generate()
	if err != nil {
		return nil, fmt.Errorf("generate token key: %w", err)
	}
	ring := keys.Ring{}
	ring.Add(tokenPub)

	h.coord = coord.New(st, coord.WithClock(h.clock), coord.WithLogger(h.logger), coord.WithRetry(coord.DefaultMaxAttempts, 0, 0))
	h.audit = audit.New(st, auditKey, audit.WithClock(h.clock), audit.WithIDs(ids.NewSequence("ev")), audit.WithLogger(h.logger))
	locks := lock.New(st, lock.WithClock(h.clock), lock.WithIDs(ids.NewSequence("lock")), lock.WithLogger(h.logger))

	var escalator approval.Escalator
	if script := scenario.Escalation; script != nil {
		escalator = approval.EscalatorFunc(func(context.Context, approval.EscalationRequest) (approval.EscalationResponse, error) {
			return approval.EscalationResponse{Approve: script.Approve, Decider: script.Decider, Reason: script.Reason}, nil
		})
	}

	svc, err := approval.New(approval.Deps{
		Coord:     h.coord,
		Locks:     locks,
		Audit:     h.audit,
		Policies:  policy.NewRegistry(h.coord, h.audit, policy.WithLogger(h.logger)),
		Issuer:    token.NewIssuer(h.coord, tokenKey, token.WithClock(h.clock), token.WithIDs(ids.NewSequence("tok")), token.WithLogger(h.logger)),
		Verifier:  token.NewVerifier(st, ring, token.WithClock(h.clock), token.WithLogger(h.logger)),
		Rollback:  rollback.New(h.coord, h.restorer, rollback.WithClock(h.clock), rollback.WithIDs(ids.NewSequence("snap")), rollback.WithLogger(h.logger)),
		Escalator: escalator,
	}, approval.WithClock(h.clock), approval.WithIDs(ids.NewSequence("cfg")), approval.WithLogger(h.logger))
	if err != nil {
		return nil, err
	}
	h.service = svc
	return h, nil
}

// setup activates the policy and seeds the devices. It returns the last
// audit sequence number written.
func (h *Harness) setup(ctx context.Context, scenario *Scenario) (int64, error) {
	doc, format, err := policy.LoadFile(scenario.Policy)
	if err != nil {
		return 0, err
	}
	reg := h.service.Policies
	if _, err := reg.Store(ctx, doc, format, Actor); err != nil {
		return 0, err
	}
	if err := reg.Activate(ctx, doc.Version, Actor); err != nil {
		return 0, err
	}

	for _, seed := range scenario.Devices {
		config, err := ir.ObjectFromAny(seed.Config)
		if err != nil {
			return 0, fmt.Errorf("device %s config: %w", seed.ID, err)
		}
		status := seed.Status
		if status == model.DeviceStatusUnknown {
			status = model.DeviceActive
		}
		now := h.clock.Now()
		dev := &model.Device{
			Entity:         model.Entity{ID: seed.ID, DataTier: model.DataDurable},
			MAC:            seed.MAC,
			IP:             seed.IP,
			Status:         status,
			FirstSeen:      now,
			LastSeen:       now,
			LastObservedAt: now,
			Config:         config,
		}
		if err := h.coord.Create(ctx, store.Devices, dev); err != nil {
			return 0, fmt.Errorf("seed device %s: %w", seed.ID, err)
		}
		h.logger.Info("device seeded", "device_id", seed.ID, "mac", seed.MAC)
	}

	events, err := h.audit.List(ctx, store.EventFilter{})
	if err != nil {
		return 0, err
	}
	if len(events) == 0 {
		return 0, nil
	}
	return events[len(events)-1].Seq, nil
}

// executeStep runs one step and checks its outcome.
func (h *Harness) executeStep(ctx context.Context, i int, step Step, result *Result) error {
	if step.Advance > 0 {
		h.clock.Advance(step.Advance.Std())
	}
	if step.Op == "" {
		return nil
	}

	req := step.Request
	if step.TokenFrom != "" {
		wire, ok := h.wires[step.TokenFrom]
		if !ok {
			return fmt.Errorf("no token issued for %s", step.TokenFrom)
		}
		req.Token = wire
	}

	resp := h.service.Handle(ctx, req)
	h.remember(resp)

	got := StepResult{Index: i, Op: string(req.Op), OK: resp.OK, Kind: resp.Kind.String(), State: stateOf(resp.Data)}
	result.Steps = append(result.Steps, got)

	h.logger.Info("step completed",
		"step", i,
		"op", req.Op,
		"ok", resp.OK,
		"kind", got.Kind,
		"state", got.State,
	)

	want := step.Expect
	if want == nil {
		want = &Expect{OK: true}
	}
	if got.OK != want.OK || (want.Kind != "" && got.Kind != want.Kind) {
		result.AddError(fmt.Sprintf("step %d (%s): expected ok=%t kind=%q, got ok=%t kind=%q: %s",
			i, req.Op, want.OK, want.Kind, got.OK, got.Kind, resp.Message))
	}
	if want.State != "" && got.State != want.State {
		result.AddError(fmt.Sprintf("step %d (%s): expected state %s, got %q", i, req.Op, want.State, got.State))
	}
	return nil
}

// remember keeps issued wire forms for later token_from steps.
func (h *Harness) remember(resp approval.Response) {
	data, ok := resp.Data.(approval.TokenData)
	if !ok || data.Wire == "" {
		return
	}
	h.wires[data.Token.ProposalID] = data.Wire
}

func stateOf(data any) string {
	switch d := data.(type) {
	case *model.ConfigRecord:
		return d.State.String()
	case approval.TokenData:
		if d.Record != nil {
			return d.Record.State.String()
		}
	}
	return ""
}

// scriptedRestorer succeeds for every device not listed in fail.
type scriptedRestorer struct {
	mu   sync.Mutex
	fail map[string]bool
}

func (r *scriptedRestorer) Restore(_ context.Context, deviceID string, _ ir.Object) error {
	r.mu.Lock()
	defer r.mu.Unlock()
	if r.fail[deviceID] {
		return fmt.Errorf("device %s unreachable", deviceID)
	}
	return nil
}
