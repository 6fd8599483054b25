package model

import (
	"time"

	"github.com/preacher1045/pdsno/internal/ir"
)

// EventType names what an audit event records.
type EventType string

const (
	EventProposalCreated    EventType = "proposal.created"
	EventProposalRejected   EventType = "proposal.rejected"
	EventClassified         EventType = "proposal.classified"
	EventTierDisagreement   EventType = "proposal.tier_disagreement"
	EventApproved           EventType = "decision.approved"
	EventDenied             EventType = "decision.denied"
	EventEscalated          EventType = "escalation.forwarded"
	EventEscalationTimeout  EventType = "escalation.timeout"
	EventEscalationFallback EventType = "escalation.fallback"
	EventLockContended      EventType = "lock.contended"
	EventTokenIssued        EventType = "token.issued"
	EventTokenRejected      EventType = "token.rejected"
	EventExecutionStarted   EventType = "execution.started"
	EventExecutionSucceeded EventType = "execution.succeeded"
	EventExecutionFailed    EventType = "execution.failed"
	EventRollbackSucceeded  EventType = "rollback.succeeded"
	EventRollbackFailed     EventType = "rollback.failed"
	EventRollbackNoop       EventType = "rollback.noop"
	EventEmergencyApproved  EventType = "emergency.approved"
	EventEmergencyReviewed  EventType = "emergency.reviewed"
	EventPrecedenceFlagged  EventType = "emergency.precedence_flagged"
	EventDegradedCleared    EventType = "degraded.cleared"
	EventPolicyMismatch     EventType = "policy.mismatch"
	EventPolicyActivated    EventType = "policy.activated"
	EventWriteConflict      EventType = "write.conflict"
	EventAuthorityRejected  EventType = "authority.rejected"
	EventDeviceInactive     EventType = "device.inactive"
)

// AuditEvent is one signed, hash-chained entry of the audit trail. It is
// immutable from the moment it is written.
type AuditEvent struct {
	Seq       int64     `json:"seq"`
	ID        string    `json:"id"`
	Type      EventType `json:"type"`
	Actor     string    `json:"actor"`
	Subject   string    `json:"subject"`
	Action    string    `json:"action"`
	Decision  Decision  `json:"decision"`
	Timestamp time.Time `json:"timestamp"`

	// Payload is carried inline when small; larger payloads are stored
	// separately and referenced by PayloadRef.
	Payload    ir.Object `json:"payload,omitempty"`
	PayloadRef string    `json:"payload_ref,omitempty"`

	PrevHash  string `json:"prev_hash"`
	Hash      string `json:"hash"`
	Signer    string `json:"signer"`
	Signature string `json:"signature"`
}
