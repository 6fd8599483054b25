// Package harness runs governance scenarios end to end.
//
// A scenario seeds devices, activates a policy and then drives the
// approval service through a list of requests, checking each outcome.
// The resulting audit trail is compared against assertions and, in
// tests, against a golden snapshot.
//
// # Scenario Format
//
//	name: low_change_lifecycle
//	description: "A LOW change is self-approved and executed"
//	policy: policy.yaml
//	devices:
//	  - id: dev-1
//	    mac: "00:11:22:33:44:01"
//	    config: { vlan: 10 }
//	steps:
//	  - op: propose
//	    caller: { id: local-1, authority: LOCAL }
//	    change_type: port.describe
//	    payload: { description: uplink }
//	    device_ids: [dev-1]
//	    expect: { ok: true, state: APPROVED }
//	  - op: verifyToken
//	    caller: { id: local-1, authority: LOCAL }
//	    config_id: cfg-1
//	    token_from: cfg-1
//	  - advance: 30s
//	assertions:
//	  - type: audit_order
//	    subject: cfg-1
//	    events: [proposal.created, decision.approved]
//	  - type: final_state
//	    record: cfg-1
//	    expect: { state: EXECUTED }
//
// A step either calls an operation or advances the clock. token_from
// fills the token with the wire form last issued for that record.
// Without an expect clause the step must succeed.
//
// # Assertion Types
//
//   - audit_contains: an event of the type exists, optionally for a
//     subject and with a decision
//   - audit_order: event types appear in order for a subject
//   - audit_count: an event type appears exactly count times
//   - final_state: fields of a stored record or device match
//
// # Deterministic Runs
//
// Every run uses a fresh in-memory database, a fake clock starting at
// Epoch and sequential ids (cfg-1, tok-1, snap-1, ...), so the audit
// trail is identical between runs apart from keys and signatures, which
// the trace leaves out.
package harness
