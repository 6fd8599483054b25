package coord

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"io"
	"log/slog"
	"math/rand/v2"
	"reflect"
	"time"

	"github.com/preacher1045/pdsno/internal/clock"
	"github.com/preacher1045/pdsno/internal/metrics"
	"github.com/preacher1045/pdsno/internal/model"
	"github.com/preacher1045/pdsno/internal/store"
)

// Outcome is the explicit result of a single write.
type Outcome int

const (
	OutcomeUnknown Outcome = iota
	OutcomeSuccess
	OutcomeConflict
	OutcomeFailure
)

func (o Outcome) String() string {
	switch o {
	case OutcomeSuccess:
		return "success"
	case OutcomeConflict:
		return "conflict"
	case OutcomeFailure:
		return "failure"
	case OutcomeUnknown:
	}
	return "unknown"
}

// WriteResult is returned by Write. Version is the stored version on
// Success; Err is set on Conflict and Failure.
type WriteResult struct {
	Outcome Outcome
	Version int64
	Err     error
}

// ConflictPolicy decides what Update does after a Conflict.
type ConflictPolicy int

const (
	// RetryReread re-reads the current record and recomputes the change,
	// up to the attempt bound. The mutator sees the newer record and
	// decides whether its change still applies.
	RetryReread ConflictPolicy = iota

	// NeverResolve surfaces the first conflict as a ConflictError.
	NeverResolve
)

// Defaults for the retry loop.
const (
	DefaultMaxAttempts = 3
	DefaultBaseBackoff = 10 * time.Millisecond
	DefaultMaxBackoff  = 200 * time.Millisecond
)

// Coordinator mediates every read and write of versioned records.
type Coordinator struct {
	store       *store.Store
	clock       clock.Clock
	logger      *slog.Logger
	metrics     *metrics.Recorder
	maxAttempts int
	baseBackoff time.Duration
	maxBackoff  time.Duration
	policies    map[store.Collection]ConflictPolicy
}

// Option configures a Coordinator.
type Option func(*Coordinator)

// WithClock sets the clock used for timestamps and backoff.
func WithClock(c clock.Clock) Option {
	return func(co *Coordinator) { co.clock = c }
}

// WithLogger sets the logger.
func WithLogger(l *slog.Logger) Option {
	return func(co *Coordinator) { co.logger = l }
}

// WithMetrics sets the metrics recorder.
func WithMetrics(m *metrics.Recorder) Option {
	return func(co *Coordinator) { co.metrics = m }
}

// WithRetry sets the attempt bound and backoff range. A zero base
// backoff retries immediately.
func WithRetry(maxAttempts int, base, ceiling time.Duration) Option {
	return func(co *Coordinator) {
		if maxAttempts > 0 {
			co.maxAttempts = maxAttempts
		}
		co.baseBackoff = base
		co.maxBackoff = ceiling
	}
}

// WithPolicy overrides the conflict policy of one collection.
func WithPolicy(coll store.Collection, p ConflictPolicy) Option {
	return func(co *Coordinator) { co.policies[coll] = p }
}

// New creates a Coordinator over st.
func New(st *store.Store, opts ...Option) *Coordinator {
	c := &Coordinator{
		store:       st,
		clock:       clock.Real(),
		logger:      slog.New(slog.NewTextHandler(io.Discard, nil)),
		maxAttempts: DefaultMaxAttempts,
		baseBackoff: DefaultBaseBackoff,
		maxBackoff:  DefaultMaxBackoff,
		policies: map[store.Collection]ConflictPolicy{
			store.Devices:   RetryReread,
			store.Snapshots: RetryReread,
			store.Tokens:    RetryReread,
			store.Configs:   NeverResolve,
			store.Policies:  NeverResolve,
		},
	}
	for _, opt := range opts {
		opt(c)
	}
	return c
}

// Clock returns the coordinator's clock.
func (c *Coordinator) Clock() clock.Clock { return c.clock }

// Policy returns the conflict policy for coll.
func (c *Coordinator) Policy(coll store.Collection) ConflictPolicy {
	if p, ok := c.policies[coll]; ok {
		return p
	}
	return NeverResolve
}

// Read loads the record with the given id into out and returns its
// version. A missing record reports ErrNotFound.
func (c *Coordinator) Read(ctx context.Context, coll store.Collection, id string, out model.Record) (int64, error) {
	doc, err := c.store.Get(ctx, coll, id)
	if err != nil {
		return 0, err
	}
	if err := decode(doc, out); err != nil {
		return 0, err
	}
	return doc.Version, nil
}

// ReadByKey loads the record whose lookup key is key.
func (c *Coordinator) ReadByKey(ctx context.Context, coll store.Collection, key string, out model.Record) (int64, error) {
	doc, err := c.store.GetByKey(ctx, coll, key)
	if err != nil {
		return 0, err
	}
	if err := decode(doc, out); err != nil {
		return 0, err
	}
	return doc.Version, nil
}

// Write stores rec if the stored version still equals expected. It makes
// exactly one attempt; expected 0 creates the record. On Success rec's
// version and timestamps are updated in place.
func (c *Coordinator) Write(ctx context.Context, coll store.Collection, rec model.Record, expected int64) WriteResult {
	base := rec.Base()
	if base.ID == "" {
		return WriteResult{Outcome: OutcomeFailure, Err: fmt.Errorf("write %s: record has no id", coll)}
	}

	body, err := json.Marshal(rec)
	if err != nil {
		return WriteResult{Outcome: OutcomeFailure, Err: fmt.Errorf("write %s/%s: encode: %w", coll, base.ID, err)}
	}
	if err := readable(body, rec); err != nil {
		return WriteResult{Outcome: OutcomeFailure, Err: fmt.Errorf("write %s/%s: %w", coll, base.ID, err)}
	}
	doc := store.Document{
		Collection: coll,
		ID:         base.ID,
		DataTier:   base.DataTier,
		Body:       body,
		CreatedAt:  base.CreatedAt,
		UpdatedAt:  c.clock.Now().UTC(),
	}
	if k, ok := rec.(model.Keyed); ok {
		doc.LookupKey = k.LookupKey()
	}

	stored, err := c.store.Put(ctx, doc, expected)
	switch {
	case errors.Is(err, store.ErrConflict):
		return WriteResult{Outcome: OutcomeConflict, Err: err}
	case err != nil:
		return WriteResult{Outcome: OutcomeFailure, Err: err}
	}

	base.Version = stored.Version
	base.CreatedAt = stored.CreatedAt
	base.UpdatedAt = stored.UpdatedAt
	base.DataTier = stored.DataTier
	return WriteResult{Outcome: OutcomeSuccess, Version: stored.Version}
}

// Create stores a new record at version 1. An existing id or lookup key
// reports a ConflictError.
func (c *Coordinator) Create(ctx context.Context, coll store.Collection, rec model.Record) error {
	res := c.Write(ctx, coll, rec, 0)
	c.metrics.ObserveWrite(string(coll), res.Outcome.String(), 1)
	switch res.Outcome {
	case OutcomeSuccess:
		return nil
	case OutcomeConflict:
		return &ConflictError{Collection: coll, ID: rec.Base().ID, Expected: 0, Attempts: 1}
	case OutcomeFailure, OutcomeUnknown:
	}
	return res.Err
}

// Put writes rec against the version it carries, in a single attempt.
// It is the write half of a caller-managed read-modify-write.
func (c *Coordinator) Put(ctx context.Context, coll store.Collection, rec model.Record) error {
	expected := rec.Base().Version
	res := c.Write(ctx, coll, rec, expected)
	c.metrics.ObserveWrite(string(coll), res.Outcome.String(), 1)
	switch res.Outcome {
	case OutcomeSuccess:
		return nil
	case OutcomeConflict:
		return &ConflictError{Collection: coll, ID: rec.Base().ID, Expected: expected, Attempts: 1}
	case OutcomeFailure, OutcomeUnknown:
	}
	return res.Err
}

// backoff returns the wait before the given retry (1-based), doubling
// from the base and capped at the maximum, with jitter in [d/2, d).
func (c *Coordinator) backoff(retry int) time.Duration {
	if c.baseBackoff <= 0 {
		return 0
	}
	d := c.baseBackoff << (retry - 1)
	if d > c.maxBackoff || d <= 0 {
		d = c.maxBackoff
	}
	half := d / 2
	return half + time.Duration(rand.Int64N(int64(half)+1))
}

func (c *Coordinator) sleep(ctx context.Context, d time.Duration) error {
	if d <= 0 {
		return ctx.Err()
	}
	select {
	case <-ctx.Done():
		return ctx.Err()
	case <-c.clock.After(d):
		return nil
	}
}

// readable decodes body into a fresh value of rec's type, so a record
// carrying an out-of-range enum is refused before it reaches the store.
func readable(body []byte, rec model.Record) error {
	t := reflect.TypeOf(rec)
	if t.Kind() != reflect.Pointer {
		return fmt.Errorf("record is %s, not a pointer", t)
	}
	fresh := reflect.New(t.Elem()).Interface()
	if err := json.Unmarshal(body, fresh); err != nil {
		return fmt.Errorf("record would not read back: %w", err)
	}
	return nil
}

func decode(doc store.Document, out model.Record) error {
	if err := json.Unmarshal(doc.Body, out); err != nil {
		return fmt.Errorf("decode %s/%s: %w", doc.Collection, doc.ID, err)
	}
	base := out.Base()
	base.ID = doc.ID
	base.Version = doc.Version
	base.DataTier = doc.DataTier
	base.CreatedAt = doc.CreatedAt
	base.UpdatedAt = doc.UpdatedAt
	return nil
}
