package harness

import (
	"context"
	"encoding/json"
	"fmt"
	"sort"
	"strings"

	"github.com/preacher1045/pdsno/internal/coord"
	"github.com/preacher1045/pdsno/internal/model"
	"github.com/preacher1045/pdsno/internal/store"
)

// AssertionContext gives assertions access to the stored state.
type AssertionContext struct {
	Ctx   context.Context
	Coord *coord.Coordinator
}

// AssertionError is returned when an assertion fails. It carries the
// trace to help debug the failure.
type AssertionError struct {
	Type     string
	Expected string
	Actual   string
	Trace    []TraceEvent
}

// Error implements the error interface.
func (e *AssertionError) Error() string {
	var buf strings.Builder
	fmt.Fprintf(&buf, "Assertion failed: %s\n", e.Type)
	fmt.Fprintf(&buf, "  Expected: %s\n", e.Expected)
	fmt.Fprintf(&buf, "  Actual: %s\n", e.Actual)
	if len(e.Trace) > 0 {
		fmt.Fprintf(&buf, "\nAudit trail:\n")
		for _, ev := range e.Trace {
			fmt.Fprintf(&buf, "  [%d] %s %s by %s (%s)\n", ev.Seq, ev.Type, ev.Subject, ev.Actor, ev.Decision)
		}
	}
	return buf.String()
}

// EvaluateAssertions runs every assertion and returns the failure
// messages.
func EvaluateAssertions(result *Result, assertions []Assertion, actx *AssertionContext) []string {
	var errs []string
	for i, a := range assertions {
		if err := evaluate(result, a, actx); err != nil {
			errs = append(errs, fmt.Sprintf("assertions[%d]: %v", i, err))
		}
	}
	return errs
}

func evaluate(result *Result, a Assertion, actx *AssertionContext) error {
	switch a.Type {
	case AssertAuditContains:
		return assertAuditContains(result.Trace, a)
	case AssertAuditOrder:
		return assertAuditOrder(result.Trace, a)
	case AssertAuditCount:
		return assertAuditCount(result.Trace, a)
	case AssertFinalState:
		return assertFinalState(actx, a)
	}
	return fmt.Errorf("unknown assertion type %q", a.Type)
}

func matchesSubject(ev TraceEvent, subject string) bool {
	return subject == "" || ev.Subject == subject
}

// assertAuditContains checks that an event of the type exists, for the
// subject and with the decision when those are set.
func assertAuditContains(trace []TraceEvent, a Assertion) error {
	for _, ev := range trace {
		if ev.Type == a.Event && matchesSubject(ev, a.Subject) && (a.Decision == "" || ev.Decision == a.Decision) {
			return nil
		}
	}
	return &AssertionError{
		Type:     AssertAuditContains,
		Expected: fmt.Sprintf("event %s subject=%q decision=%q", a.Event, a.Subject, a.Decision),
		Actual:   "not found in audit trail",
		Trace:    trace,
	}
}

// assertAuditOrder checks that event types appear in the given order.
// Other events may come in between.
func assertAuditOrder(trace []TraceEvent, a Assertion) error {
	next := 0
	for _, ev := range trace {
		if next < len(a.Events) && matchesSubject(ev, a.Subject) && ev.Type == a.Events[next] {
			next++
		}
	}
	if next == len(a.Events) {
		return nil
	}
	return &AssertionError{
		Type:     AssertAuditOrder,
		Expected: fmt.Sprintf("events in order: %v", a.Events),
		Actual:   fmt.Sprintf("%s not found after %v", a.Events[next], a.Events[:next]),
		Trace:    trace,
	}
}

// assertAuditCount checks that an event type appears exactly Count
// times.
func assertAuditCount(trace []TraceEvent, a Assertion) error {
	count := 0
	for _, ev := range trace {
		if ev.Type == a.Event && matchesSubject(ev, a.Subject) {
			count++
		}
	}
	if count != a.Count {
		return &AssertionError{
			Type:     AssertAuditCount,
			Expected: fmt.Sprintf("%d occurrences of %s", a.Count, a.Event),
			Actual:   fmt.Sprintf("%d occurrences", count),
			Trace:    trace,
		}
	}
	return nil
}

// assertFinalState reads the record or device and compares the expected
// fields of its JSON form.
func assertFinalState(actx *AssertionContext, a Assertion) error {
	var (
		entity model.Record
		coll   store.Collection
		id     string
	)
	if a.Record != "" {
		entity, coll, id = &model.ConfigRecord{}, store.Configs, a.Record
	} else {
		entity, coll, id = &model.Device{}, store.Devices, a.Device
	}
	if _, err := actx.Coord.Read(actx.Ctx, coll, id, entity); err != nil {
		return &AssertionError{
			Type:     AssertFinalState,
			Expected: fmt.Sprintf("%s %s to exist", coll, id),
			Actual:   err.Error(),
		}
	}

	raw, err := json.Marshal(entity)
	if err != nil {
		return fmt.Errorf("encode %s: %w", id, err)
	}
	var actual map[string]any
	if err := json.Unmarshal(raw, &actual); err != nil {
		return fmt.Errorf("decode %s: %w", id, err)
	}

	keys := make([]string, 0, len(a.Expect))
	for k := range a.Expect {
		keys = append(keys, k)
	}
	sort.Strings(keys)
	for _, key := range keys {
		want := a.Expect[key]
		got := actual[key]
		if !stateValuesEqual(want, got) {
			return &AssertionError{
				Type:     AssertFinalState,
				Expected: fmt.Sprintf("%s %s field %q = %v", coll, id, key, want),
				Actual:   fmt.Sprintf("field %q = %v", key, got),
			}
		}
	}
	return nil
}

// stateValuesEqual compares a YAML value with a decoded JSON value.
// Numbers are compared by their printed form since JSON decodes them as
// float64; an absent field equals false, zero or the empty string.
func stateValuesEqual(expected, actual any) bool {
	if actual == nil {
		switch v := expected.(type) {
		case nil:
			return true
		case bool:
			return !v
		case string:
			return v == ""
		case int:
			return v == 0
		}
		return false
	}
	switch e := expected.(type) {
	case []any:
		a, ok := actual.([]any)
		if !ok || len(a) != len(e) {
			return false
		}
		for i := range e {
			if !stateValuesEqual(e[i], a[i]) {
				return false
			}
		}
		return true
	case map[string]any:
		a, ok := actual.(map[string]any)
		if !ok {
			return false
		}
		for k, v := range e {
			if !stateValuesEqual(v, a[k]) {
				return false
			}
		}
		return true
	}
	return fmt.Sprint(expected) == fmt.Sprint(actual)
}
