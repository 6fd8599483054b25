package store

import (
	"context"
	"database/sql"
	"errors"
	"fmt"
	"time"

	"github.com/preacher1045/pdsno/internal/model"
)

// Collection names a family of versioned documents.
type Collection string

const (
	Devices   Collection = "devices"
	Configs   Collection = "configs"
	Policies  Collection = "policies"
	Snapshots Collection = "snapshots"
	Tokens    Collection = "tokens"
)

// Document is a stored record: a canonical JSON body plus the columns
// the store manages itself.
type Document struct {
	Collection Collection
	ID         string
	Version    int64
	DataTier   model.DataTier
	LookupKey  string
	Body       []byte
	CreatedAt  time.Time
	UpdatedAt  time.Time
}

// Get returns the document with the given id.
func (s *Store) Get(ctx context.Context, coll Collection, id string) (Document, error) {
	row := s.db.QueryRowContext(ctx, `
		SELECT collection, id, version, data_tier, lookup_key, body, created_at, updated_at
		FROM documents
		WHERE collection = ? AND id = ?
	`, string(coll), id)
	return scanDocument(row)
}

// GetByKey returns the document whose lookup key matches key.
func (s *Store) GetByKey(ctx context.Context, coll Collection, key string) (Document, error) {
	row := s.db.QueryRowContext(ctx, `
		SELECT collection, id, version, data_tier, lookup_key, body, created_at, updated_at
		FROM documents
		WHERE collection = ? AND lookup_key = ?
	`, string(coll), key)
	return scanDocument(row)
}

// List returns every document in a collection ordered by id.
//
// Returns an empty slice (not nil) if the collection is empty.
func (s *Store) List(ctx context.Context, coll Collection) ([]Document, error) {
	rows, err := s.db.QueryContext(ctx, `
		SELECT collection, id, version, data_tier, lookup_key, body, created_at, updated_at
		FROM documents
		WHERE collection = ?
		ORDER BY id COLLATE BINARY ASC
	`, string(coll))
	if err != nil {
		return nil, fmt.Errorf("query %s: %w", coll, err)
	}
	defer rows.Close()

	docs := []Document{}
	for rows.Next() {
		doc, err := scanDocument(rows)
		if err != nil {
			return nil, err
		}
		docs = append(docs, doc)
	}
	if err := rows.Err(); err != nil {
		return nil, fmt.Errorf("iterate %s: %w", coll, err)
	}
	return docs, nil
}

// Put writes doc if the stored version equals expected.
//
// expected == 0 creates the document at version 1; it reports
// ErrConflict when the id or lookup key already exists. expected > 0
// replaces the body and bumps the version by one; it reports ErrConflict
// when the stored version has moved on and ErrNotFound when there is
// nothing to update. CreatedAt is preserved across updates.
//
// The returned document carries the version and timestamps as stored.
func (s *Store) Put(ctx context.Context, doc Document, expected int64) (Document, error) {
	if doc.ID == "" {
		return Document{}, fmt.Errorf("put %s: empty id", doc.Collection)
	}
	if doc.UpdatedAt.IsZero() {
		return Document{}, fmt.Errorf("put %s/%s: missing timestamp", doc.Collection, doc.ID)
	}
	if doc.DataTier == model.DataTierUnknown {
		doc.DataTier = model.DataDurable
	}
	if expected == 0 {
		return s.insertDocument(ctx, doc)
	}
	return s.updateDocument(ctx, doc, expected)
}

// insertDocument uses ON CONFLICT DO NOTHING so a duplicate id or lookup
// key shows up as zero rows affected rather than an error.
func (s *Store) insertDocument(ctx context.Context, doc Document) (Document, error) {
	doc.Version = 1
	if doc.CreatedAt.IsZero() {
		doc.CreatedAt = doc.UpdatedAt
	}
	res, err := s.db.ExecContext(ctx, `
		INSERT INTO documents
		(collection, id, version, data_tier, lookup_key, body, created_at, updated_at)
		VALUES (?, ?, ?, ?, ?, ?, ?, ?)
		ON CONFLICT DO NOTHING
	`,
		string(doc.Collection),
		doc.ID,
		doc.Version,
		doc.DataTier.String(),
		nullString(doc.LookupKey),
		string(doc.Body),
		toNanos(doc.CreatedAt),
		toNanos(doc.UpdatedAt),
	)
	if err != nil {
		return Document{}, fmt.Errorf("insert %s/%s: %w", doc.Collection, doc.ID, err)
	}
	n, err := res.RowsAffected()
	if err != nil {
		return Document{}, fmt.Errorf("insert %s/%s: %w", doc.Collection, doc.ID, err)
	}
	if n == 0 {
		return Document{}, ErrConflict
	}
	return doc, nil
}

func (s *Store) updateDocument(ctx context.Context, doc Document, expected int64) (Document, error) {
	res, err := s.db.ExecContext(ctx, `
		UPDATE documents
		SET version = version + 1, data_tier = ?, lookup_key = ?, body = ?, updated_at = ?
		WHERE collection = ? AND id = ? AND version = ?
	`,
		doc.DataTier.String(),
		nullString(doc.LookupKey),
		string(doc.Body),
		toNanos(doc.UpdatedAt),
		string(doc.Collection),
		doc.ID,
		expected,
	)
	if err != nil {
		if isUniqueViolation(err) {
			return Document{}, ErrConflict
		}
		return Document{}, fmt.Errorf("update %s/%s: %w", doc.Collection, doc.ID, err)
	}
	n, err := res.RowsAffected()
	if err != nil {
		return Document{}, fmt.Errorf("update %s/%s: %w", doc.Collection, doc.ID, err)
	}
	if n == 0 {
		if _, err := s.Get(ctx, doc.Collection, doc.ID); err != nil {
			return Document{}, err
		}
		return Document{}, ErrConflict
	}
	return s.Get(ctx, doc.Collection, doc.ID)
}

// rowScanner is satisfied by *sql.Row and *sql.Rows.
type rowScanner interface {
	Scan(dest ...any) error
}

func scanDocument(row rowScanner) (Document, error) {
	var (
		doc       Document
		coll      string
		dataTier  string
		lookupKey sql.NullString
		body      string
		created   int64
		updated   int64
	)
	err := row.Scan(&coll, &doc.ID, &doc.Version, &dataTier, &lookupKey, &body, &created, &updated)
	if errors.Is(err, sql.ErrNoRows) {
		return Document{}, ErrNotFound
	}
	if err != nil {
		return Document{}, fmt.Errorf("scan document: %w", err)
	}
	tier, err := model.ParseDataTier(dataTier)
	if err != nil {
		return Document{}, fmt.Errorf("scan document %s/%s: %w", coll, doc.ID, err)
	}
	doc.Collection = Collection(coll)
	doc.DataTier = tier
	doc.LookupKey = lookupKey.String
	doc.Body = []byte(body)
	doc.CreatedAt = fromNanos(created)
	doc.UpdatedAt = fromNanos(updated)
	return doc, nil
}
