package model

import (
	"fmt"
	"strings"
)

// enumName renders v using names, where names[0] is the zero value.
func enumName(names []string, v int) string {
	if v < 0 || v >= len(names) {
		return fmt.Sprintf("UNKNOWN(%d)", v)
	}
	return names[v]
}

// parseEnum looks s up in names, skipping the zero value. Matching is
// case-insensitive so hand-written policy and scenario files stay
// forgiving.
func parseEnum(kind string, names []string, s string) (int, error) {
	for i := 1; i < len(names); i++ {
		if strings.EqualFold(names[i], strings.TrimSpace(s)) {
			return i, nil
		}
	}
	return 0, fmt.Errorf("unknown %s %q", kind, s)
}

// unmarshalEnum decodes a stored name. Unlike parseEnum it accepts the
// zero name and the empty string, so unset fields read back as zero.
func unmarshalEnum(kind string, names []string, b []byte) (int, error) {
	s := strings.TrimSpace(string(b))
	if s == "" || strings.EqualFold(s, names[0]) {
		return 0, nil
	}
	return parseEnum(kind, names, s)
}

// Tier is the sensitivity classification of a proposed change.
type Tier int

const (
	TierUnknown Tier = iota
	TierLow
	TierMedium
	TierHigh
	TierEmergency
)

var tierNames = []string{"UNKNOWN", "LOW", "MEDIUM", "HIGH", "EMERGENCY"}

func (t Tier) String() string { return enumName(tierNames, int(t)) }

// Valid reports whether t is one of the four defined tiers.
func (t Tier) Valid() bool { return t >= TierLow && t <= TierEmergency }

// Distance is the number of levels between two tiers.
func (t Tier) Distance(other Tier) int {
	d := int(t) - int(other)
	if d < 0 {
		return -d
	}
	return d
}

// ParseTier parses a tier name.
func ParseTier(s string) (Tier, error) {
	v, err := parseEnum("tier", tierNames, s)
	return Tier(v), err
}

func (t Tier) MarshalText() ([]byte, error) { return []byte(t.String()), nil }

func (t *Tier) UnmarshalText(b []byte) error {
	v, err := unmarshalEnum("tier", tierNames, b)
	if err != nil {
		return err
	}
	*t = Tier(v)
	return nil
}

// State is the position of a configuration record in the approval
// state machine.
type State int

const (
	StateUnknown State = iota
	StateDraft
	StatePendingApproval
	StateApproved
	StateDenied
	StateExecuting
	StateExecuted
	StateFailed
	StateRolledBack
	StateDegraded
)

var stateNames = []string{
	"UNKNOWN", "DRAFT", "PENDING_APPROVAL", "APPROVED", "DENIED",
	"EXECUTING", "EXECUTED", "FAILED", "ROLLED_BACK", "DEGRADED",
}

func (s State) String() string { return enumName(stateNames, int(s)) }

// Terminal reports whether no forward transition leaves s. FAILED is
// terminal for execution; only the rollback exits leave it.
func (s State) Terminal() bool {
	switch s {
	case StateDenied, StateExecuted, StateFailed, StateRolledBack, StateDegraded:
		return true
	case StateUnknown, StateDraft, StatePendingApproval, StateApproved, StateExecuting:
		return false
	}
	return false
}

// ParseState parses a state name.
func ParseState(s string) (State, error) {
	v, err := parseEnum("state", stateNames, s)
	return State(v), err
}

func (s State) MarshalText() ([]byte, error) { return []byte(s.String()), nil }

func (s *State) UnmarshalText(b []byte) error {
	v, err := unmarshalEnum("state", stateNames, b)
	if err != nil {
		return err
	}
	*s = State(v)
	return nil
}

// DeviceStatus is the observed condition of a managed device.
type DeviceStatus int

const (
	DeviceStatusUnknown DeviceStatus = iota
	DeviceActive
	DeviceInactive
	DeviceUnreachable
	DeviceQuarantined
)

var deviceStatusNames = []string{"unknown", "active", "inactive", "unreachable", "quarantined"}

func (d DeviceStatus) String() string { return enumName(deviceStatusNames, int(d)) }

// Valid reports whether d is a defined status.
func (d DeviceStatus) Valid() bool { return d >= DeviceActive && d <= DeviceQuarantined }

// ParseDeviceStatus parses a device status name.
func ParseDeviceStatus(s string) (DeviceStatus, error) {
	v, err := parseEnum("device status", deviceStatusNames, s)
	return DeviceStatus(v), err
}

func (d DeviceStatus) MarshalText() ([]byte, error) { return []byte(d.String()), nil }

func (d *DeviceStatus) UnmarshalText(b []byte) error {
	v, err := unmarshalEnum("device status", deviceStatusNames, b)
	if err != nil {
		return err
	}
	*d = DeviceStatus(v)
	return nil
}

// LockType scopes a lock to a kind of subject.
type LockType int

const (
	LockTypeUnknown LockType = iota
	LockDevice
	LockConfig
	LockValidation
)

var lockTypeNames = []string{"unknown", "device", "config", "validation"}

func (l LockType) String() string { return enumName(lockTypeNames, int(l)) }

// ParseLockType parses a lock type name.
func ParseLockType(s string) (LockType, error) {
	v, err := parseEnum("lock type", lockTypeNames, s)
	return LockType(v), err
}

func (l LockType) MarshalText() ([]byte, error) { return []byte(l.String()), nil }

func (l *LockType) UnmarshalText(b []byte) error {
	v, err := unmarshalEnum("lock type", lockTypeNames, b)
	if err != nil {
		return err
	}
	*l = LockType(v)
	return nil
}

// LockStatus is the stored status of a lock row. It is housekeeping
// only: whether a lock is held is always recomputed from expires_at.
type LockStatus int

const (
	LockStatusUnknown LockStatus = iota
	LockActive
	LockExpired
	LockReleased
)

var lockStatusNames = []string{"unknown", "active", "expired", "released"}

func (l LockStatus) String() string { return enumName(lockStatusNames, int(l)) }

// ParseLockStatus parses a lock status name.
func ParseLockStatus(s string) (LockStatus, error) {
	v, err := parseEnum("lock status", lockStatusNames, s)
	return LockStatus(v), err
}

// Decision is the outcome recorded on an audit event.
type Decision int

const (
	DecisionUnknown Decision = iota
	DecisionApproved
	DecisionDenied
	DecisionFlagged
	DecisionNA
)

var decisionNames = []string{"UNKNOWN", "APPROVED", "DENIED", "FLAGGED", "N/A"}

func (d Decision) String() string { return enumName(decisionNames, int(d)) }

// ParseDecision parses a decision name.
func ParseDecision(s string) (Decision, error) {
	v, err := parseEnum("decision", decisionNames, s)
	return Decision(v), err
}

func (d Decision) MarshalText() ([]byte, error) { return []byte(d.String()), nil }

func (d *Decision) UnmarshalText(b []byte) error {
	v, err := unmarshalEnum("decision", decisionNames, b)
	if err != nil {
		return err
	}
	*d = Decision(v)
	return nil
}

// DataTier hints at the storage backend a record belongs in. It is
// recorded but not enforced.
type DataTier int

const (
	DataTierUnknown DataTier = iota
	DataTransient
	DataDurable
)

var dataTierNames = []string{"unknown", "transient", "durable"}

func (d DataTier) String() string { return enumName(dataTierNames, int(d)) }

// ParseDataTier parses a data tier name.
func ParseDataTier(s string) (DataTier, error) {
	v, err := parseEnum("data tier", dataTierNames, s)
	return DataTier(v), err
}

func (d DataTier) MarshalText() ([]byte, error) { return []byte(d.String()), nil }

func (d *DataTier) UnmarshalText(b []byte) error {
	v, err := unmarshalEnum("data tier", dataTierNames, b)
	if err != nil {
		return err
	}
	*d = DataTier(v)
	return nil
}

// Authority is a controller's level in the hierarchy.
type Authority int

const (
	AuthorityUnknown Authority = iota
	AuthorityLocal
	AuthorityRegional
	AuthorityGlobal
)

var authorityNames = []string{"UNKNOWN", "LOCAL", "REGIONAL", "GLOBAL"}

func (a Authority) String() string { return enumName(authorityNames, int(a)) }

// Valid reports whether a is a defined controller level.
func (a Authority) Valid() bool { return a >= AuthorityLocal && a <= AuthorityGlobal }

// Above returns the next level up, capped at GLOBAL.
func (a Authority) Above() Authority {
	if a >= AuthorityGlobal {
		return AuthorityGlobal
	}
	return a + 1
}

// ParseAuthority parses an authority name.
func ParseAuthority(s string) (Authority, error) {
	v, err := parseEnum("authority", authorityNames, s)
	return Authority(v), err
}

func (a Authority) MarshalText() ([]byte, error) { return []byte(a.String()), nil }

func (a *Authority) UnmarshalText(b []byte) error {
	v, err := unmarshalEnum("authority", authorityNames, b)
	if err != nil {
		return err
	}
	*a = Authority(v)
	return nil
}

// Verdict is the result of verifying an execution token.
type Verdict int

const (
	VerdictUnknown Verdict = iota
	VerdictValid
	VerdictExpired
	VerdictAlreadyRedeemed
	VerdictBindingMismatch
	VerdictBadSignature
)

var verdictNames = []string{"UNKNOWN", "VALID", "EXPIRED", "ALREADY_REDEEMED", "BINDING_MISMATCH", "BAD_SIGNATURE"}

func (v Verdict) String() string { return enumName(verdictNames, int(v)) }

func (v Verdict) MarshalText() ([]byte, error) { return []byte(v.String()), nil }
