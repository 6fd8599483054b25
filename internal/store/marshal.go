package store

import (
	"database/sql"
	"encoding/json"
	"fmt"
	"time"

	"github.com/preacher1045/pdsno/internal/ir"
)

// toNanos converts a timestamp to the INTEGER column representation.
// The zero time is stored as 0.
func toNanos(t time.Time) int64 {
	if t.IsZero() {
		return 0
	}
	return t.UnixNano()
}

// fromNanos is the inverse of toNanos. Times come back in UTC.
func fromNanos(n int64) time.Time {
	if n == 0 {
		return time.Time{}
	}
	return time.Unix(0, n).UTC()
}

// marshalPayload converts an inline audit payload to canonical JSON TEXT.
// An empty payload is stored as NULL.
func marshalPayload(p ir.Object) (sql.NullString, error) {
	if len(p) == 0 {
		return sql.NullString{}, nil
	}
	data, err := ir.MarshalCanonical(p)
	if err != nil {
		return sql.NullString{}, fmt.Errorf("marshal payload: %w", err)
	}
	return sql.NullString{String: string(data), Valid: true}, nil
}

// unmarshalPayload parses canonical JSON TEXT back into an object. The
// ir decoder keeps integers exact instead of routing through float64.
func unmarshalPayload(data sql.NullString) (ir.Object, error) {
	if !data.Valid || data.String == "" {
		return nil, nil
	}
	var obj ir.Object
	if err := json.Unmarshal([]byte(data.String), &obj); err != nil {
		return nil, fmt.Errorf("unmarshal payload: %w", err)
	}
	return obj, nil
}

func nullString(s string) sql.NullString {
	if s == "" {
		return sql.NullString{}
	}
	return sql.NullString{String: s, Valid: true}
}
