// Package coord is the Write Coordinator: the single entry point through
// which every component reads and mutates versioned records.
//
// A write presents the version it read. The store accepts it only if
// that version is still current, so concurrent writers are detected and
// never merged. Each write reports an explicit Outcome:
//
//   - Success: the record is stored at Version
//   - Conflict: the expected version was stale; nothing was written
//   - Failure: the write could not be attempted or the store failed
//
// Update wraps a read-modify-write in a visible, bounded retry loop
// (default 3 attempts, exponential backoff). Each attempt re-reads the
// current record and recomputes the change; a stale write is never
// replayed. Whether a conflict may be retried at all depends on the
// collection's ConflictPolicy: device observations retry, while
// configuration and policy records surface the conflict immediately and
// the caller must serialise through the Lock Manager instead.
package coord
