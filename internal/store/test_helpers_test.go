package store

import (
	"path/filepath"
	"testing"
	"time"
)

// testEpoch anchors every timestamp written by the store tests.
var testEpoch = time.Date(2026, 3, 1, 12, 0, 0, 0, time.UTC)

// createTestStore opens a fresh database under t.TempDir.
func createTestStore(t *testing.T) *Store {
	t.Helper()
	path := filepath.Join(t.TempDir(), "test.db")
	s, err := Open(path)
	if err != nil {
		t.Fatalf("Open() failed: %v", err)
	}
	t.Cleanup(func() { s.Close() })
	return s
}

// testDocument builds a document with a minimal JSON body.
func testDocument(coll Collection, id, body string) Document {
	return Document{
		Collection: coll,
		ID:         id,
		Body:       []byte(body),
		UpdatedAt:  testEpoch,
	}
}
