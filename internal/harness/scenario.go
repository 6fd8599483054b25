package harness

import (
	"bytes"
	"fmt"
	"os"
	"path/filepath"

	"gopkg.in/yaml.v3"

	"github.com/preacher1045/pdsno/internal/approval"
	"github.com/preacher1045/pdsno/internal/model"
)

// Scenario is one end-to-end governance run.
type Scenario struct {
	// Name identifies the scenario and names its golden file.
	Name string `yaml:"name"`

	// Description says what the scenario demonstrates.
	Description string `yaml:"description"`

	// Policy is the path of the policy document to store and activate.
	// Relative paths are resolved against the scenario file.
	Policy string `yaml:"policy"`

	Devices []DeviceSeed `yaml:"devices,omitempty"`

	// Escalation answers every escalation. Without it escalations time
	// out at once.
	Escalation *EscalationScript `yaml:"escalation,omitempty"`

	// RestoreFailures lists devices whose snapshot restore fails.
	RestoreFailures []string `yaml:"restore_failures,omitempty"`

	Steps []Step `yaml:"steps"`

	Assertions []Assertion `yaml:"assertions,omitempty"`
}

// DeviceSeed is a device present before the first step.
type DeviceSeed struct {
	ID     string             `yaml:"id"`
	MAC    string             `yaml:"mac"`
	IP     string             `yaml:"ip,omitempty"`
	Status model.DeviceStatus `yaml:"status,omitempty"`
	Config map[string]any     `yaml:"config,omitempty"`
}

// EscalationScript is the higher tier's fixed answer.
type EscalationScript struct {
	Decider model.Identity `yaml:"decider"`
	Approve bool           `yaml:"approve"`
	Reason  string         `yaml:"reason,omitempty"`
}

// Step calls one operation or advances the clock.
type Step struct {
	approval.Request `yaml:",inline"`

	// TokenFrom fills Token with the wire form last issued for the named
	// record.
	TokenFrom string `yaml:"token_from,omitempty"`

	// Advance moves the clock forward before the operation runs. A step
	// with only Advance set does nothing else.
	Advance model.Duration `yaml:"advance,omitempty"`

	Expect *Expect `yaml:"expect,omitempty"`
}

// Expect is the outcome a step must produce. Kind implies failure.
type Expect struct {
	OK    bool   `yaml:"ok"`
	Kind  string `yaml:"kind,omitempty"`
	State string `yaml:"state,omitempty"`
}

// Assertion checks the audit trail or the stored state after the steps.
type Assertion struct {
	// Type is one of audit_contains, audit_order, audit_count or
	// final_state.
	Type string `yaml:"type"`

	// Event is the audit event type (audit_contains, audit_count).
	Event string `yaml:"event,omitempty"`

	// Events are event types in their expected order (audit_order).
	Events []string `yaml:"events,omitempty"`

	// Subject narrows the audit assertions to one subject.
	Subject string `yaml:"subject,omitempty"`

	// Decision narrows audit_contains to one decision.
	Decision string `yaml:"decision,omitempty"`

	// Count is the exact number of occurrences (audit_count).
	Count int `yaml:"count,omitempty"`

	// Record or Device names the stored entity (final_state).
	Record string `yaml:"record,omitempty"`
	Device string `yaml:"device,omitempty"`

	// Expect holds field values of the entity's JSON form; only the
	// listed fields are compared (final_state).
	Expect map[string]any `yaml:"expect,omitempty"`
}

// Assertion type constants.
const (
	AssertAuditContains = "audit_contains"
	AssertAuditOrder    = "audit_order"
	AssertAuditCount    = "audit_count"
	AssertFinalState    = "final_state"
)

// LoadScenario reads and validates a scenario file. Unknown fields are
// rejected, and the policy path is resolved against the file's
// directory.
func LoadScenario(path string) (*Scenario, error) {
	data, err := os.ReadFile(path)
	if err != nil {
		return nil, fmt.Errorf("failed to read scenario file: %w", err)
	}

	var scenario Scenario
	decoder := yaml.NewDecoder(bytes.NewReader(data))
	decoder.KnownFields(true)
	if err := decoder.Decode(&scenario); err != nil {
		return nil, fmt.Errorf("failed to parse YAML: %w", err)
	}

	if scenario.Policy != "" && !filepath.IsAbs(scenario.Policy) {
		scenario.Policy = filepath.Join(filepath.Dir(path), scenario.Policy)
	}

	if err := validateScenario(&scenario); err != nil {
		return nil, fmt.Errorf("invalid scenario: %w", err)
	}
	return &scenario, nil
}

// LoadScenarios loads every *.yaml scenario in dir, sorted by file name.
func LoadScenarios(dir string) ([]*Scenario, error) {
	paths, err := filepath.Glob(filepath.Join(dir, "*.yaml"))
	if err != nil {
		return nil, err
	}
	out := make([]*Scenario, 0, len(paths))
	for _, p := range paths {
		s, err := LoadScenario(p)
		if err != nil {
			return nil, fmt.Errorf("%s: %w", filepath.Base(p), err)
		}
		out = append(out, s)
	}
	return out, nil
}

func validateScenario(s *Scenario) error {
	if s.Name == "" {
		return fmt.Errorf("name is required")
	}
	if s.Description == "" {
		return fmt.Errorf("description is required")
	}
	if s.Policy == "" {
		return fmt.Errorf("policy is required")
	}
	if _, err := os.Stat(s.Policy); err != nil {
		return fmt.Errorf("policy file not found: %s", s.Policy)
	}
	if len(s.Steps) == 0 {
		return fmt.Errorf("steps list is required and must be non-empty")
	}

	seen := map[string]bool{}
	for i, d := range s.Devices {
		switch {
		case d.ID == "":
			return fmt.Errorf("devices[%d]: id is required", i)
		case d.MAC == "":
			return fmt.Errorf("devices[%d]: mac is required", i)
		case seen[d.ID]:
			return fmt.Errorf("devices[%d]: duplicate id %q", i, d.ID)
		}
		seen[d.ID] = true
	}

	if e := s.Escalation; e != nil && (e.Decider.ID == "" || !e.Decider.Authority.Valid()) {
		return fmt.Errorf("escalation: decider id and authority are required")
	}

	for i, step := range s.Steps {
		if step.Op == "" && step.Advance <= 0 {
			return fmt.Errorf("steps[%d]: op or advance is required", i)
		}
		if step.Op == "" && step.Expect != nil {
			return fmt.Errorf("steps[%d]: expect needs an op", i)
		}
		if step.TokenFrom != "" && step.Token != "" {
			return fmt.Errorf("steps[%d]: token and token_from are exclusive", i)
		}
		if step.Expect != nil && step.Expect.OK && step.Expect.Kind != "" {
			return fmt.Errorf("steps[%d].expect: kind contradicts ok", i)
		}
	}

	for i := range s.Assertions {
		if err := validateAssertion(i, &s.Assertions[i]); err != nil {
			return err
		}
	}
	return nil
}

func validateAssertion(index int, a *Assertion) error {
	switch a.Type {
	case "":
		return fmt.Errorf("assertions[%d]: type is required", index)
	case AssertAuditContains:
		if a.Event == "" {
			return fmt.Errorf("assertions[%d]: event is required for audit_contains", index)
		}
	case AssertAuditOrder:
		if len(a.Events) == 0 {
			return fmt.Errorf("assertions[%d]: events list is required for audit_order", index)
		}
	case AssertAuditCount:
		if a.Event == "" {
			return fmt.Errorf("assertions[%d]: event is required for audit_count", index)
		}
		if a.Count < 0 {
			return fmt.Errorf("assertions[%d]: count must be non-negative", index)
		}
	case AssertFinalState:
		if (a.Record == "") == (a.Device == "") {
			return fmt.Errorf("assertions[%d]: exactly one of record or device is required for final_state", index)
		}
		if len(a.Expect) == 0 {
			return fmt.Errorf("assertions[%d]: expect is required for final_state", index)
		}
	default:
		return fmt.Errorf("assertions[%d]: unknown assertion type %q", index, a.Type)
	}
	return nil
}
