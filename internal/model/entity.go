package model

import (
	"encoding/json"
	"slices"
	"time"

	"github.com/preacher1045/pdsno/internal/ir"
)

// Entity holds the fields every stored record shares. The store owns
// these values: they are overwritten from the row on every read.
type Entity struct {
	ID        string    `json:"id"`
	Version   int64     `json:"version"`
	CreatedAt time.Time `json:"created_at"`
	UpdatedAt time.Time `json:"updated_at"`
	DataTier  DataTier  `json:"data_tier"`
}

// Base returns the shared fields so generic code can reach them through
// any embedding record.
func (e *Entity) Base() *Entity { return e }

// Record is implemented by every stored type through its embedded
// Entity.
type Record interface {
	Base() *Entity
}

// Keyed records carry a secondary identity that must be unique within
// their collection.
type Keyed interface {
	LookupKey() string
}

// Identity is the verified caller of an operation, handed over by the
// authentication collaborator.
type Identity struct {
	ID        string    `json:"id"`
	Authority Authority `json:"authority"`
}

// Device is a managed device, deduplicated by MAC address.
type Device struct {
	Entity
	MAC            string       `json:"mac"`
	IP             string       `json:"ip"`
	Status         DeviceStatus `json:"status"`
	OwnerAgent     string       `json:"owner_agent"`
	FirstSeen      time.Time    `json:"first_seen"`
	LastSeen       time.Time    `json:"last_seen"`
	LastObservedAt time.Time    `json:"last_observed_at"`
	MissedCycles   int          `json:"missed_cycles"`

	// Config is the configuration most recently applied through the
	// approval flow, and ConfigHash its fingerprint.
	Config       ir.Object `json:"config,omitempty"`
	ConfigHash   string    `json:"config_hash,omitempty"`
	LastChangeID string    `json:"last_change_id,omitempty"`

	// AutomationBlocked is set when a rollback failed; it is only cleared
	// manually.
	AutomationBlocked bool   `json:"automation_blocked,omitempty"`
	BlockedBy         string `json:"blocked_by,omitempty"`
}

// LookupKey deduplicates devices by MAC address.
func (d *Device) LookupKey() string { return d.MAC }

// Transition is one step in a configuration record's history.
type Transition struct {
	From  State     `json:"from"`
	To    State     `json:"to"`
	Actor string    `json:"actor"`
	At    time.Time `json:"at"`
}

// ConfigRecord is a configuration change proposal and its lifecycle.
type ConfigRecord struct {
	Entity
	DeviceIDs         []string  `json:"device_ids"`
	ChangeType        string    `json:"change_type"`
	Payload           ir.Object `json:"payload"`
	ContentHash       string    `json:"content_hash"`
	SuggestedTier     Tier      `json:"suggested_tier"`
	Tier              Tier      `json:"tier"`
	State             State     `json:"state"`
	ProposerID        string    `json:"proposer_id"`
	ProposerAuthority Authority `json:"proposer_authority"`
	ApproverID        string    `json:"approver_id,omitempty"`
	TokenID           string    `json:"token_id,omitempty"`
	ExecutorID        string    `json:"executor_id,omitempty"`
	PolicyVersion     string    `json:"policy_version"`
	Emergency         bool      `json:"emergency,omitempty"`
	Reason            string    `json:"reason,omitempty"`

	// Snapshots maps device id to the rollback snapshot taken before
	// execution began.
	Snapshots map[string]string `json:"snapshots,omitempty"`

	// LockIDs are the device locks held on behalf of this record from
	// approval until execution resolves.
	LockIDs    []string `json:"lock_ids,omitempty"`
	LockHolder string   `json:"lock_holder,omitempty"`

	ReviewedBy string       `json:"reviewed_by,omitempty"`
	ClearedBy  string       `json:"cleared_by,omitempty"`
	History    []Transition `json:"history,omitempty"`
}

// Targets reports whether the record touches deviceID.
func (r *ConfigRecord) Targets(deviceID string) bool {
	return slices.Contains(r.DeviceIDs, deviceID)
}

// Lock is a time-bounded advisory lock on a subject.
type Lock struct {
	Entity
	SubjectID  string     `json:"subject_id"`
	Type       LockType   `json:"lock_type"`
	HolderID   string     `json:"holder_id"`
	RequestID  string     `json:"request_id,omitempty"`
	Status     LockStatus `json:"status"`
	AcquiredAt time.Time  `json:"acquired_at"`
	ExpiresAt  time.Time  `json:"expires_at"`
}

// HeldAt reports whether the lock is held at now. The stored status is
// not trusted on its own: an active row past its expiry is not held.
func (l Lock) HeldAt(now time.Time) bool {
	return l.Status == LockActive && now.Before(l.ExpiresAt)
}

// Constraints limit what an execution token authorises.
type Constraints struct {
	RateCap          int  `json:"rate_cap,omitempty" cbor:"1,keyasint,omitempty"`
	RollbackRequired bool `json:"rollback_required" cbor:"2,keyasint"`
}

// ExecutionToken is the decoded claim set of a signed execution token.
type ExecutionToken struct {
	ID          string      `json:"id"`
	ProposalID  string      `json:"proposal_id"`
	ContentHash string      `json:"content_hash"`
	DeviceIDs   []string    `json:"device_ids"`
	IssuerID    string      `json:"issuer_id"`
	IssuedAt    time.Time   `json:"issued_at"`
	ExpiresAt   time.Time   `json:"expires_at"`
	Constraints Constraints `json:"constraints"`
}

// SnapshotStatus tracks whether a snapshot has been restored.
type SnapshotStatus int

const (
	SnapshotUnknown SnapshotStatus = iota
	SnapshotPending
	SnapshotRestored
	SnapshotFailed
)

var snapshotStatusNames = []string{"unknown", "pending", "restored", "failed"}

func (s SnapshotStatus) String() string { return enumName(snapshotStatusNames, int(s)) }

func (s SnapshotStatus) MarshalText() ([]byte, error) { return []byte(s.String()), nil }

func (s *SnapshotStatus) UnmarshalText(b []byte) error {
	v, err := unmarshalEnum("snapshot status", snapshotStatusNames, b)
	if err != nil {
		return err
	}
	*s = SnapshotStatus(v)
	return nil
}

// Snapshot is the pre-change state of one device.
type Snapshot struct {
	Entity
	DeviceID   string         `json:"device_id"`
	ConfigID   string         `json:"config_id"`
	Payload    ir.Object      `json:"payload"`
	ConfigHash string         `json:"config_hash"`

	// LastChangeID is the device's last applied change when the
	// snapshot was taken.
	LastChangeID string         `json:"last_change_id,omitempty"`
	Status       SnapshotStatus `json:"status"`
	TakenAt      time.Time      `json:"taken_at"`
	RestoredAt   time.Time      `json:"restored_at,omitempty"`
}

// PolicyRecord is one stored, immutable policy version.
type PolicyRecord struct {
	Entity
	PolicyVersion string          `json:"policy_version"`
	Format        string          `json:"format"`
	Document      json.RawMessage `json:"document"`
	Hash          string          `json:"hash"`
	LoadedBy      string          `json:"loaded_by"`
}

// LookupKey makes policy versions unique.
func (p *PolicyRecord) LookupKey() string { return p.PolicyVersion }

// ActivePolicy points at the policy version currently in force.
type ActivePolicy struct {
	Entity
	PolicyVersion string    `json:"policy_version"`
	ActivatedBy   string    `json:"activated_by"`
	ActivatedAt   time.Time `json:"activated_at"`
}

// TokenRecord is the issuer's copy of an execution token.
type TokenRecord struct {
	Entity
	Claims ExecutionToken `json:"claims"`
	Wire   string         `json:"wire"`
}
