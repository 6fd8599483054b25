// Package store provides SQLite-backed durable storage for governance
// state.
//
// The store holds four kinds of rows:
//   - Documents: versioned records (devices, configs, policies,
//     snapshots, tokens) with a canonical JSON body
//   - Locks: advisory locks with a partial unique index on active rows
//   - Events: the signed, hash-chained audit trail and its payloads
//   - Token redemptions: single-use markers for execution tokens
//
// # Invariants
//
// Versioned writes: every update is a compare-and-swap on the version
// column. A write whose expected version does not match touches no row
// and reports ErrConflict. Creation uses expected version 0.
//
// Append-only audit: triggers abort any UPDATE or DELETE on events and
// event_payloads, so not even a direct SQL session can rewrite history.
//
// Lock liveness: the stored status of a lock is housekeeping. Whether a
// lock is held is decided by comparing expires_at with the caller's
// clock on every read.
//
// Deterministic reads: list queries order by id (or seq) with BINARY
// collation so results are stable across runs.
//
// # Database Configuration
//
//   - WAL mode: Concurrent reads during writes
//   - synchronous=NORMAL: Balance durability/performance
//   - busy_timeout=5000: Wait for locks up to 5 seconds
//   - foreign_keys=ON: Enforce referential integrity
//
// Timestamps are stored as Unix nanoseconds so expiry comparisons happen
// in SQL without parsing.
package store
