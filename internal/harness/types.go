package harness

import "github.com/preacher1045/pdsno/internal/model"

// TraceEvent is the deterministic part of one audit event.
type TraceEvent struct {
	Seq      int64  `json:"seq"`
	Type     string `json:"type"`
	Actor    string `json:"actor"`
	Subject  string `json:"subject"`
	Decision string `json:"decision"`
}

func traceEvent(ev model.AuditEvent) TraceEvent {
	return TraceEvent{
		Seq:      ev.Seq,
		Type:     string(ev.Type),
		Actor:    ev.Actor,
		Subject:  ev.Subject,
		Decision: ev.Decision.String(),
	}
}

// StepResult is the observed outcome of one step.
type StepResult struct {
	Index int    `json:"index"`
	Op    string `json:"op"`
	OK    bool   `json:"ok"`
	Kind  string `json:"kind,omitempty"`
	State string `json:"state,omitempty"`
}

// Result is the outcome of a scenario run.
type Result struct {
	// Pass is true when every step matched its expectation and every
	// assertion held.
	Pass bool `json:"pass"`

	Steps []StepResult `json:"steps"`

	// Trace holds the audit events written after setup, in order.
	Trace []TraceEvent `json:"trace"`

	Errors []string `json:"errors,omitempty"`

	// States maps every configuration record to its final state.
	States map[string]string `json:"states"`
}

// NewResult creates a passing result.
func NewResult() *Result {
	return &Result{
		Pass:   true,
		Steps:  []StepResult{},
		Trace:  []TraceEvent{},
		Errors: []string{},
		States: map[string]string{},
	}
}

// AddError records a failure and marks the result as failed.
func (r *Result) AddError(err string) {
	r.Errors = append(r.Errors, err)
	r.Pass = false
}
