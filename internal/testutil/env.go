// Package testutil assembles the governance components over a temporary
// database for tests.
//
// Every component shares one fake clock and deterministic id sequences,
// so the same test produces the same records and audit trail on every
// run.
package testutil

import (
	"crypto/ed25519"
	"path/filepath"
	"testing"
	"time"

	"github.com/preacher1045/pdsno/internal/audit"
	"github.com/preacher1045/pdsno/internal/clock"
	"github.com/preacher1045/pdsno/internal/coord"
	"github.com/preacher1045/pdsno/internal/ids"
	"github.com/preacher1045/pdsno/internal/keys"
	"github.com/preacher1045/pdsno/internal/lock"
	"github.com/preacher1045/pdsno/internal/store"
)

// Epoch is the fake clock's starting time.
var Epoch = time.Date(2026, 3, 1, 12, 0, 0, 0, time.UTC)

// Env is a set of components wired to one store.
type Env struct {
	Dir   string
	Store *store.Store
	Clock *clock.FakeClock
	Coord *coord.Coordinator
	Audit *audit.Log
	Locks *lock.Manager

	AuditKey ed25519.PrivateKey
	TokenPub ed25519.PublicKey
	TokenKey ed25519.PrivateKey
}

// NewEnv opens a database under t.TempDir and builds the components.
// Write retries do not sleep.
//
// Keys are generated fresh, so signatures differ between runs; everything
// else recorded in the audit trail is deterministic.
func NewEnv(t testing.TB) *Env {
	t.Helper()
	dir := t.TempDir()
	st, err := store.Open(filepath.Join(dir, "pdsno.db"))
	if err != nil {
		t.Fatalf("open store: %v", err)
	}
	t.Cleanup(func() { st.Close() })

	_, auditKey, err := keys.Generate()
	if err != nil {
		t.Fatalf("generate audit key: %v", err)
	}
	tokenPub, tokenKey, err := keys.Generate()
	if err != nil {
		t.Fatalf("generate token key: %v", err)
	}

	clk := clock.Fake(Epoch)
	return &Env{
		Dir:      dir,
		Store:    st,
		Clock:    clk,
		Coord:    coord.New(st, coord.WithClock(clk), coord.WithRetry(coord.DefaultMaxAttempts, 0, 0)),
		Audit:    audit.New(st, auditKey, audit.WithClock(clk), audit.WithIDs(ids.NewSequence("ev"))),
		Locks:    lock.New(st, lock.WithClock(clk), lock.WithIDs(ids.NewSequence("lock"))),
		AuditKey: auditKey,
		TokenPub: tokenPub,
		TokenKey: tokenKey,
	}
}

// VerifyAudit fails the test unless the audit trail verifies.
func (e *Env) VerifyAudit(t testing.TB) audit.Report {
	t.Helper()
	report, err := e.Audit.Verify(t.Context(), e.Audit.Keyring())
	if err != nil {
		t.Fatalf("audit trail does not verify: %v", err)
	}
	return report
}
