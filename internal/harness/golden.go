package harness

import (
	"testing"

	"github.com/sebdah/goldie/v2"

	"github.com/preacher1045/pdsno/internal/ir"
)

// Snapshot is the golden form of a run: step outcomes, the audit trail
// and final record states, serialized as canonical JSON.
func Snapshot(name string, result *Result) ([]byte, error) {
	steps := make([]any, len(result.Steps))
	for i, s := range result.Steps {
		m := map[string]any{
			"index": s.Index,
			"op":    s.Op,
			"ok":    s.OK,
		}
		if s.Kind != "" {
			m["kind"] = s.Kind
		}
		if s.State != "" {
			m["state"] = s.State
		}
		steps[i] = m
	}

	trace := make([]any, len(result.Trace))
	for i, ev := range result.Trace {
		trace[i] = map[string]any{
			"seq":      ev.Seq,
			"type":     ev.Type,
			"actor":    ev.Actor,
			"subject":  ev.Subject,
			"decision": ev.Decision,
		}
	}

	states := make(map[string]any, len(result.States))
	for id, state := range result.States {
		states[id] = state
	}

	return ir.MarshalCanonical(map[string]any{
		"scenario": name,
		"steps":    steps,
		"trace":    trace,
		"states":   states,
	})
}

// RunWithGolden runs a scenario, fails the test on any step or
// assertion error, and compares the snapshot with
// testdata/golden/{name}.golden.
//
// To regenerate golden files, run:
//
//	go test ./internal/harness -update
func RunWithGolden(t *testing.T, scenario *Scenario) *Result {
	t.Helper()

	result, err := Run(t.Context(), scenario)
	if err != nil {
		t.Fatalf("run %s: %v", scenario.Name, err)
	}
	for _, msg := range result.Errors {
		t.Errorf("%s: %s", scenario.Name, msg)
	}
	AssertGolden(t, scenario.Name, result)
	return result
}

// AssertGolden compares an existing result against its golden file.
func AssertGolden(t *testing.T, name string, result *Result) {
	t.Helper()

	snapshot, err := Snapshot(name, result)
	if err != nil {
		t.Fatalf("snapshot %s: %v", name, err)
	}
	g := goldie.New(t,
		goldie.WithFixtureDir("testdata/golden"),
		goldie.WithNameSuffix(".golden"),
	)
	g.Assert(t, name, snapshot)
}
