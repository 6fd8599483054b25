package audit

import (
	"context"
	"crypto/ed25519"
	"encoding/hex"
	"encoding/json"
	"fmt"
	"io"
	"log/slog"
	"sync"
	"time"

	"github.com/preacher1045/pdsno/internal/clock"
	"github.com/preacher1045/pdsno/internal/ids"
	"github.com/preacher1045/pdsno/internal/ir"
	"github.com/preacher1045/pdsno/internal/keys"
	"github.com/preacher1045/pdsno/internal/metrics"
	"github.com/preacher1045/pdsno/internal/model"
	"github.com/preacher1045/pdsno/internal/store"
)

// DefaultPayloadThreshold is the largest canonical payload, in bytes,
// stored inline on the event row.
const DefaultPayloadThreshold = 4096

// Entry is what a caller records. The log fills in sequence, timestamp,
// chain links and signature.
type Entry struct {
	Type     model.EventType
	Actor    string
	Subject  string
	Action   string
	Decision model.Decision
	Payload  ir.Object
}

// Log appends and verifies audit events.
type Log struct {
	store     *store.Store
	clock     clock.Clock
	ids       ids.Generator
	key       ed25519.PrivateKey
	signerID  string
	threshold int
	logger    *slog.Logger
	metrics   *metrics.Recorder

	mirrorMu sync.Mutex
	mirror   io.Writer
}

// Option configures a Log.
type Option func(*Log)

// WithClock sets the clock used for event timestamps.
func WithClock(c clock.Clock) Option { return func(l *Log) { l.clock = c } }

// WithIDs sets the event id generator.
func WithIDs(g ids.Generator) Option { return func(l *Log) { l.ids = g } }

// WithLogger sets the logger.
func WithLogger(lg *slog.Logger) Option { return func(l *Log) { l.logger = lg } }

// WithMetrics sets the metrics recorder.
func WithMetrics(r *metrics.Recorder) Option { return func(l *Log) { l.metrics = r } }

// WithMirror copies every committed event as a JSON line to w.
func WithMirror(w io.Writer) Option { return func(l *Log) { l.mirror = w } }

// WithPayloadThreshold sets the inline payload limit in bytes.
func WithPayloadThreshold(n int) Option { return func(l *Log) { l.threshold = n } }

// New creates a Log that signs with key.
func New(st *store.Store, key ed25519.PrivateKey, opts ...Option) *Log {
	l := &Log{
		store:     st,
		clock:     clock.Real(),
		ids:       ids.UUIDv7{},
		key:       key,
		signerID:  keys.ID(key.Public().(ed25519.PublicKey)),
		threshold: DefaultPayloadThreshold,
		logger:    slog.New(slog.NewTextHandler(io.Discard, nil)),
	}
	for _, opt := range opts {
		opt(l)
	}
	return l
}

// SignerID identifies this log's signing key in every event it writes.
func (l *Log) SignerID() string { return l.signerID }

// Keyring returns a keyring containing this log's public key.
func (l *Log) Keyring() Keyring {
	kr := Keyring{}
	kr.Add(l.key.Public().(ed25519.PublicKey))
	return kr
}

// Append writes one event to the end of the trail and returns it as
// stored.
func (l *Log) Append(ctx context.Context, e Entry) (model.AuditEvent, error) {
	start := time.Now()

	payload, ref, err := l.placePayload(ctx, e.Payload)
	if err != nil {
		return model.AuditEvent{}, fmt.Errorf("audit %s: %w", e.Type, err)
	}

	id := l.ids.Generate()
	ts := l.clock.Now().UTC()
	ev, err := l.store.AppendEvent(ctx, func(tail model.AuditEvent, ok bool) (model.AuditEvent, error) {
		ev := model.AuditEvent{
			Seq:        1,
			ID:         id,
			Type:       e.Type,
			Actor:      e.Actor,
			Subject:    e.Subject,
			Action:     e.Action,
			Decision:   e.Decision,
			Timestamp:  ts,
			Payload:    payload,
			PayloadRef: ref,
			Signer:     l.signerID,
		}
		if ev.Decision == model.DecisionUnknown {
			ev.Decision = model.DecisionNA
		}
		if ok {
			ev.Seq = tail.Seq + 1
			ev.PrevHash = tail.Hash
		}
		content, err := canonicalContent(ev)
		if err != nil {
			return model.AuditEvent{}, err
		}
		ev.Hash = ir.HashWithDomain(ir.DomainEvent, content)
		ev.Signature = hex.EncodeToString(ed25519.Sign(l.key, content))
		return ev, nil
	})
	if err != nil {
		return model.AuditEvent{}, fmt.Errorf("audit %s: %w", e.Type, err)
	}

	l.metrics.ObserveAudit(time.Since(start))
	l.writeMirror(ev)
	return ev, nil
}

// placePayload returns the payload to inline, or the reference to a
// stored payload when it exceeds the threshold.
func (l *Log) placePayload(ctx context.Context, p ir.Object) (ir.Object, string, error) {
	if len(p) == 0 {
		return nil, "", nil
	}
	body, err := ir.MarshalCanonical(p)
	if err != nil {
		return nil, "", fmt.Errorf("payload: %w", err)
	}
	if len(body) <= l.threshold {
		return p, "", nil
	}
	ref := ir.HashWithDomain(ir.DomainPayload, body)
	if err := l.store.PutPayload(ctx, ref, body, l.clock.Now().UTC()); err != nil {
		return nil, "", err
	}
	return nil, ref, nil
}

// writeMirror copies ev to the mirror. The store is authoritative, so a
// mirror failure is logged rather than returned.
func (l *Log) writeMirror(ev model.AuditEvent) {
	if l.mirror == nil {
		return
	}
	line, err := json.Marshal(ev)
	if err != nil {
		l.logger.Error("audit mirror encode failed", "seq", ev.Seq, "error", err)
		return
	}
	line = append(line, '\n')

	l.mirrorMu.Lock()
	defer l.mirrorMu.Unlock()
	if _, err := l.mirror.Write(line); err != nil {
		l.logger.Error("audit mirror write failed", "seq", ev.Seq, "error", err)
	}
}

// List returns events matching f in append order.
func (l *Log) List(ctx context.Context, f store.EventFilter) ([]model.AuditEvent, error) {
	return l.store.ListEvents(ctx, f)
}

// Payload returns an event's payload, loading it from the payload table
// when the event carries a reference.
func (l *Log) Payload(ctx context.Context, ev model.AuditEvent) (ir.Object, error) {
	if ev.PayloadRef == "" {
		return ev.Payload, nil
	}
	body, err := l.store.GetPayload(ctx, ev.PayloadRef)
	if err != nil {
		return nil, fmt.Errorf("payload %s: %w", ev.PayloadRef, err)
	}
	var obj ir.Object
	if err := json.Unmarshal(body, &obj); err != nil {
		return nil, fmt.Errorf("payload %s: %w", ev.PayloadRef, err)
	}
	return obj, nil
}

// canonicalContent is the byte string that is hashed and signed: every
// field of the event except the hash and signature themselves.
func canonicalContent(ev model.AuditEvent) ([]byte, error) {
	obj := ir.Object{
		"seq":       ir.Int(ev.Seq),
		"id":        ir.String(ev.ID),
		"type":      ir.String(ev.Type),
		"actor":     ir.String(ev.Actor),
		"subject":   ir.String(ev.Subject),
		"action":    ir.String(ev.Action),
		"decision":  ir.String(ev.Decision.String()),
		"timestamp": ir.String(ev.Timestamp.UTC().Format(time.RFC3339Nano)),
		"prev_hash": ir.String(ev.PrevHash),
		"signer":    ir.String(ev.Signer),
	}
	if len(ev.Payload) > 0 {
		obj["payload"] = ev.Payload
	}
	if ev.PayloadRef != "" {
		obj["payload_ref"] = ir.String(ev.PayloadRef)
	}
	content, err := ir.MarshalCanonical(obj)
	if err != nil {
		return nil, fmt.Errorf("canonical event: %w", err)
	}
	return content, nil
}
