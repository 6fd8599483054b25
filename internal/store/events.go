package store

import (
	"context"
	"database/sql"
	"errors"
	"fmt"
	"time"

	"github.com/preacher1045/pdsno/internal/model"
)

const eventColumns = `seq, id, event_type, actor, subject, action, decision, ts, payload, payload_ref, prev_hash, hash, signer, signature`

// AppendEvent appends one event to the audit trail.
//
// build receives the current tail of the trail (ok is false when the
// trail is empty) and returns the complete event to store, including its
// seq, prev_hash, hash and signature. Reading the tail and inserting run
// in one transaction so concurrent appenders cannot fork the chain.
func (s *Store) AppendEvent(ctx context.Context, build func(tail model.AuditEvent, ok bool) (model.AuditEvent, error)) (model.AuditEvent, error) {
	tx, err := s.db.BeginTx(ctx, nil)
	if err != nil {
		return model.AuditEvent{}, fmt.Errorf("append event: begin: %w", err)
	}
	defer tx.Rollback() // No-op if committed

	tail, err := scanEvent(tx.QueryRowContext(ctx, `
		SELECT `+eventColumns+` FROM events ORDER BY seq DESC LIMIT 1
	`))
	ok := true
	if errors.Is(err, ErrNotFound) {
		ok = false
	} else if err != nil {
		return model.AuditEvent{}, fmt.Errorf("append event: read tail: %w", err)
	}

	ev, err := build(tail, ok)
	if err != nil {
		return model.AuditEvent{}, err
	}

	payload, err := marshalPayload(ev.Payload)
	if err != nil {
		return model.AuditEvent{}, fmt.Errorf("append event: %w", err)
	}
	if _, err := tx.ExecContext(ctx, `
		INSERT INTO events (`+eventColumns+`)
		VALUES (?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?)
	`,
		ev.Seq,
		ev.ID,
		string(ev.Type),
		ev.Actor,
		ev.Subject,
		ev.Action,
		ev.Decision.String(),
		toNanos(ev.Timestamp),
		payload,
		nullString(ev.PayloadRef),
		ev.PrevHash,
		ev.Hash,
		ev.Signer,
		ev.Signature,
	); err != nil {
		return model.AuditEvent{}, fmt.Errorf("append event: insert: %w", err)
	}

	if err := tx.Commit(); err != nil {
		return model.AuditEvent{}, fmt.Errorf("append event: commit: %w", err)
	}
	return ev, nil
}

// EventFilter narrows ListEvents. Zero values match everything.
type EventFilter struct {
	Subject  string
	AfterSeq int64
	Limit    int
}

// ListEvents returns events in seq order.
//
// Returns an empty slice (not nil) if nothing matches.
func (s *Store) ListEvents(ctx context.Context, f EventFilter) ([]model.AuditEvent, error) {
	query := `SELECT ` + eventColumns + ` FROM events WHERE seq > ?`
	args := []any{f.AfterSeq}
	if f.Subject != "" {
		query += ` AND subject = ?`
		args = append(args, f.Subject)
	}
	query += ` ORDER BY seq ASC`
	if f.Limit > 0 {
		query += ` LIMIT ?`
		args = append(args, f.Limit)
	}

	rows, err := s.db.QueryContext(ctx, query, args...)
	if err != nil {
		return nil, fmt.Errorf("query events: %w", err)
	}
	defer rows.Close()

	events := []model.AuditEvent{}
	for rows.Next() {
		ev, err := scanEvent(rows)
		if err != nil {
			return nil, err
		}
		events = append(events, ev)
	}
	if err := rows.Err(); err != nil {
		return nil, fmt.Errorf("iterate events: %w", err)
	}
	return events, nil
}

// PutPayload stores a content-addressed payload body. Writing the same
// hash twice is a no-op.
func (s *Store) PutPayload(ctx context.Context, hash string, body []byte, at time.Time) error {
	_, err := s.db.ExecContext(ctx, `
		INSERT INTO event_payloads (hash, body, created_at)
		VALUES (?, ?, ?)
		ON CONFLICT(hash) DO NOTHING
	`, hash, string(body), toNanos(at))
	if err != nil {
		return fmt.Errorf("put payload %s: %w", hash, err)
	}
	return nil
}

// GetPayload returns the body stored under hash.
func (s *Store) GetPayload(ctx context.Context, hash string) ([]byte, error) {
	var body string
	err := s.db.QueryRowContext(ctx, `
		SELECT body FROM event_payloads WHERE hash = ?
	`, hash).Scan(&body)
	if errors.Is(err, sql.ErrNoRows) {
		return nil, ErrNotFound
	}
	if err != nil {
		return nil, fmt.Errorf("get payload %s: %w", hash, err)
	}
	return []byte(body), nil
}

func scanEvent(row rowScanner) (model.AuditEvent, error) {
	var (
		ev         model.AuditEvent
		eventType  string
		decision   string
		ts         int64
		payload    sql.NullString
		payloadRef sql.NullString
	)
	err := row.Scan(&ev.Seq, &ev.ID, &eventType, &ev.Actor, &ev.Subject, &ev.Action, &decision, &ts,
		&payload, &payloadRef, &ev.PrevHash, &ev.Hash, &ev.Signer, &ev.Signature)
	if errors.Is(err, sql.ErrNoRows) {
		return model.AuditEvent{}, ErrNotFound
	}
	if err != nil {
		return model.AuditEvent{}, fmt.Errorf("scan event: %w", err)
	}
	ev.Type = model.EventType(eventType)
	if ev.Decision, err = model.ParseDecision(decision); err != nil {
		return model.AuditEvent{}, fmt.Errorf("scan event %d: %w", ev.Seq, err)
	}
	ev.Timestamp = fromNanos(ts)
	if ev.Payload, err = unmarshalPayload(payload); err != nil {
		return model.AuditEvent{}, fmt.Errorf("scan event %d: %w", ev.Seq, err)
	}
	ev.PayloadRef = payloadRef.String
	return ev, nil
}
