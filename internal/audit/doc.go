// Package audit is the tamper-evident compliance trail.
//
// Every event is appended through the store in one transaction that
// reads the current tail, so the trail forms a single hash chain:
//
//	hash = SHA256("pdsno/event/v1" || 0x00 || canonical(content))
//
// where content includes the predecessor's hash. The writer signs the
// same canonical bytes with Ed25519. Verify walks the chain from the
// first event and reports the first broken link, bad hash or bad
// signature.
//
// Payloads larger than the inline threshold are stored once in the
// insert-only payload table and referenced by their own domain hash.
//
// Audit events are not logs. Operational logging goes through slog;
// this package records decisions.
package audit
