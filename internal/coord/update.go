package coord

import (
	"context"
	"errors"

	"github.com/preacher1045/pdsno/internal/model"
	"github.com/preacher1045/pdsno/internal/store"
)

// RecordPtr constrains a pointer to a stored record type.
type RecordPtr[T any] interface {
	*T
	model.Record
}

// Get reads one record into a fresh value.
func Get[T any, P RecordPtr[T]](ctx context.Context, c *Coordinator, coll store.Collection, id string) (P, error) {
	p := P(new(T))
	if _, err := c.Read(ctx, coll, id, p); err != nil {
		return nil, err
	}
	return p, nil
}

// GetByKey reads the record whose lookup key is key.
func GetByKey[T any, P RecordPtr[T]](ctx context.Context, c *Coordinator, coll store.Collection, key string) (P, error) {
	p := P(new(T))
	if _, err := c.ReadByKey(ctx, coll, key, p); err != nil {
		return nil, err
	}
	return p, nil
}

// List reads every record of a collection ordered by id.
func List[T any, P RecordPtr[T]](ctx context.Context, c *Coordinator, coll store.Collection) ([]P, error) {
	docs, err := c.store.List(ctx, coll)
	if err != nil {
		return nil, err
	}
	out := make([]P, 0, len(docs))
	for _, doc := range docs {
		p := P(new(T))
		if err := decode(doc, p); err != nil {
			return nil, err
		}
		out = append(out, p)
	}
	return out, nil
}

// Update performs a read-modify-write of one record.
//
// Each attempt reads the current record, hands it to mutate and writes
// the result against the version it read. mutate may return ErrNoChange
// to finish without writing, or any other error to abort. On Conflict,
// collections with the RetryReread policy back off and try again from a
// fresh read, up to the attempt bound; NeverResolve collections return
// the ConflictError at once. Exhausting the bound also returns a
// ConflictError.
func Update[T any, P RecordPtr[T]](ctx context.Context, c *Coordinator, coll store.Collection, id string, mutate func(P) error) (P, error) {
	maxAttempts := c.maxAttempts
	if c.Policy(coll) == NeverResolve {
		maxAttempts = 1
	}

	var expected int64
	for attempt := 1; ; attempt++ {
		p := P(new(T))
		version, err := c.Read(ctx, coll, id, p)
		if err != nil {
			return nil, err
		}
		expected = version

		if err := mutate(p); err != nil {
			if errors.Is(err, ErrNoChange) {
				return p, nil
			}
			return nil, err
		}

		res := c.Write(ctx, coll, p, expected)
		switch res.Outcome {
		case OutcomeSuccess:
			c.metrics.ObserveWrite(string(coll), res.Outcome.String(), attempt)
			return p, nil
		case OutcomeFailure, OutcomeUnknown:
			c.metrics.ObserveWrite(string(coll), OutcomeFailure.String(), attempt)
			return nil, res.Err
		case OutcomeConflict:
		}

		c.logger.Debug("write conflict",
			"collection", coll,
			"id", id,
			"expected_version", expected,
			"attempt", attempt,
		)
		if attempt >= maxAttempts {
			c.metrics.ObserveWrite(string(coll), OutcomeConflict.String(), attempt)
			return nil, &ConflictError{Collection: coll, ID: id, Expected: expected, Attempts: attempt}
		}
		if err := c.sleep(ctx, c.backoff(attempt)); err != nil {
			return nil, err
		}
	}
}

// Upsert updates the record with the given id, or creates it with build
// when it does not exist yet. A create that loses the race to another
// creator falls back to Update, so the loser sees the winner's record.
func Upsert[T any, P RecordPtr[T]](ctx context.Context, c *Coordinator, coll store.Collection, id string, build func() (P, error), mutate func(P) error) (P, error) {
	_, err := Get[T, P](ctx, c, coll, id)
	switch {
	case err == nil:
		return Update[T, P](ctx, c, coll, id, mutate)
	case !IsNotFound(err):
		return nil, err
	}

	p, err := build()
	if err != nil {
		return nil, err
	}
	p.Base().ID = id
	if err := c.Create(ctx, coll, p); err != nil {
		if IsConflict(err) && c.Policy(coll) == RetryReread {
			return Update[T, P](ctx, c, coll, id, mutate)
		}
		return nil, err
	}
	return p, nil
}
