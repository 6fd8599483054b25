package audit

import (
	"context"
	"crypto/ed25519"
	"encoding/hex"

	"github.com/preacher1045/pdsno/internal/ir"
	"github.com/preacher1045/pdsno/internal/keys"
	"github.com/preacher1045/pdsno/internal/store"
)

// verifyPageSize bounds how many events Verify holds in memory.
const verifyPageSize = 500

// Keyring maps signer ids to the public keys that verify them.
type Keyring = keys.Ring

// Report summarises a successful verification.
type Report struct {
	Events   int64
	LastSeq  int64
	LastHash string
}

// Verify walks the whole trail and checks sequence contiguity, chain
// links, content hashes, signatures and referenced payloads. It returns
// a ChainError for the first event that fails.
func (l *Log) Verify(ctx context.Context, kr Keyring) (Report, error) {
	var (
		report   Report
		prevHash string
	)
	for {
		page, err := l.store.ListEvents(ctx, store.EventFilter{AfterSeq: report.LastSeq, Limit: verifyPageSize})
		if err != nil {
			return report, err
		}
		if len(page) == 0 {
			return report, nil
		}

		for _, ev := range page {
			if ev.Seq != report.LastSeq+1 {
				return report, &ChainError{Seq: ev.Seq, Reason: "sequence gap"}
			}
			if ev.PrevHash != prevHash {
				return report, &ChainError{Seq: ev.Seq, Reason: "prev_hash does not match predecessor"}
			}

			content, err := canonicalContent(ev)
			if err != nil {
				return report, &ChainError{Seq: ev.Seq, Reason: err.Error()}
			}
			if ir.HashWithDomain(ir.DomainEvent, content) != ev.Hash {
				return report, &ChainError{Seq: ev.Seq, Reason: "content hash mismatch"}
			}

			public, ok := kr[ev.Signer]
			if !ok {
				return report, &ChainError{Seq: ev.Seq, Reason: "unknown signer " + ev.Signer}
			}
			sig, err := hex.DecodeString(ev.Signature)
			if err != nil || !ed25519.Verify(public, content, sig) {
				return report, &ChainError{Seq: ev.Seq, Reason: "bad signature"}
			}

			if ev.PayloadRef != "" {
				body, err := l.store.GetPayload(ctx, ev.PayloadRef)
				if err != nil {
					return report, &ChainError{Seq: ev.Seq, Reason: "missing payload " + ev.PayloadRef}
				}
				if ir.HashWithDomain(ir.DomainPayload, body) != ev.PayloadRef {
					return report, &ChainError{Seq: ev.Seq, Reason: "payload hash mismatch"}
				}
			}

			prevHash = ev.Hash
			report.Events++
			report.LastSeq = ev.Seq
			report.LastHash = ev.Hash
		}
	}
}
