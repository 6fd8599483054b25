// Package token issues and verifies execution tokens.
//
// An execution token authorises exactly one application of one approved
// change. It is bound to the proposal id, the change's content hash and
// the device set, expires after a short TTL and is signed with Ed25519.
// Verification redeems the token in the same step, so a token that
// passes Verify once can never pass it again.
package token

import (
	"context"
	"crypto/ed25519"
	"fmt"
	"io"
	"log/slog"
	"slices"
	"time"

	"github.com/preacher1045/pdsno/internal/clock"
	"github.com/preacher1045/pdsno/internal/coord"
	"github.com/preacher1045/pdsno/internal/ids"
	"github.com/preacher1045/pdsno/internal/ir"
	"github.com/preacher1045/pdsno/internal/keys"
	"github.com/preacher1045/pdsno/internal/metrics"
	"github.com/preacher1045/pdsno/internal/model"
	"github.com/preacher1045/pdsno/internal/store"
)

// DefaultTTL applies when a request does not name one.
const DefaultTTL = 5 * time.Minute

// Request describes a token to issue.
type Request struct {
	ProposalID  string
	ContentHash string
	DeviceIDs   []string
	Constraints model.Constraints
	TTL         time.Duration
}

// Binding is what the presenter claims the token is for.
type Binding struct {
	ProposalID  string
	ContentHash string
	DeviceIDs   []string
}

type options struct {
	clock   clock.Clock
	ids     ids.Generator
	logger  *slog.Logger
	metrics *metrics.Recorder
}

// Option configures an Issuer or Verifier.
type Option func(*options)

// WithClock sets the clock used for issue and expiry times.
func WithClock(c clock.Clock) Option { return func(o *options) { o.clock = c } }

// WithIDs sets the token id generator.
func WithIDs(g ids.Generator) Option { return func(o *options) { o.ids = g } }

// WithLogger sets the logger.
func WithLogger(l *slog.Logger) Option { return func(o *options) { o.logger = l } }

// WithMetrics sets the metrics recorder.
func WithMetrics(r *metrics.Recorder) Option { return func(o *options) { o.metrics = r } }

func newOptions(opts []Option) options {
	o := options{
		clock:  clock.Real(),
		ids:    ids.UUIDv7{},
		logger: slog.New(slog.NewTextHandler(io.Discard, nil)),
	}
	for _, opt := range opts {
		opt(&o)
	}
	return o
}

// Issuer mints tokens and keeps a copy of each in the tokens collection.
type Issuer struct {
	options
	coord    *coord.Coordinator
	key      ed25519.PrivateKey
	issuerID string
}

// NewIssuer creates an Issuer that signs with key.
func NewIssuer(c *coord.Coordinator, key ed25519.PrivateKey, opts ...Option) *Issuer {
	return &Issuer{
		options:  newOptions(opts),
		coord:    c,
		key:      key,
		issuerID: keys.ID(key.Public().(ed25519.PublicKey)),
	}
}

// IssuerID identifies this issuer's key in the tokens it mints.
func (i *Issuer) IssuerID() string { return i.issuerID }

// Issue mints a token for req and returns its claims and wire form.
func (i *Issuer) Issue(ctx context.Context, req Request) (model.ExecutionToken, string, error) {
	if req.ProposalID == "" || req.ContentHash == "" {
		return model.ExecutionToken{}, "", fmt.Errorf("issue token: proposal id and content hash are required")
	}
	devices := ir.NormalizeDeviceSet(req.DeviceIDs)
	if len(devices) == 0 {
		return model.ExecutionToken{}, "", fmt.Errorf("issue token for %s: no devices", req.ProposalID)
	}
	ttl := req.TTL
	if ttl <= 0 {
		ttl = DefaultTTL
	}

	now := i.clock.Now().UTC()
	t := model.ExecutionToken{
		ID:          i.ids.Generate(),
		ProposalID:  req.ProposalID,
		ContentHash: req.ContentHash,
		DeviceIDs:   devices,
		IssuerID:    i.issuerID,
		IssuedAt:    now,
		ExpiresAt:   now.Add(ttl),
		Constraints: req.Constraints,
	}
	wire, err := encode(i.key, t)
	if err != nil {
		return model.ExecutionToken{}, "", err
	}

	rec := &model.TokenRecord{
		Entity: model.Entity{ID: t.ID, DataTier: model.DataTransient},
		Claims: t,
		Wire:   wire,
	}
	if err := i.coord.Create(ctx, store.Tokens, rec); err != nil {
		return model.ExecutionToken{}, "", fmt.Errorf("record token %s: %w", t.ID, err)
	}
	i.logger.Debug("token issued",
		"token_id", t.ID,
		"proposal_id", t.ProposalID,
		"devices", len(devices),
		"expires_at", t.ExpiresAt,
	)
	return t, wire, nil
}

// Verifier checks and redeems tokens.
type Verifier struct {
	options
	store *store.Store
	ring  keys.Ring
}

// NewVerifier creates a Verifier trusting the issuer keys in ring.
func NewVerifier(st *store.Store, ring keys.Ring, opts ...Option) *Verifier {
	return &Verifier{options: newOptions(opts), store: st, ring: ring}
}

// Verify checks the token against the binding and redeems it. Checks
// run in order: signature, expiry, binding, redemption. The first
// failing check is returned as a TokenInvalidError; nothing is redeemed
// unless every earlier check passed.
func (v *Verifier) Verify(ctx context.Context, wire string, b Binding, redeemer string) (model.ExecutionToken, error) {
	t, err := v.verify(ctx, wire, b, redeemer)
	verdict := VerdictOf(err)
	if verdict != model.VerdictUnknown {
		v.metrics.ObserveVerdict(verdict.String())
	}
	if err != nil {
		v.logger.Info("token rejected", "token_id", t.ID, "proposal_id", b.ProposalID, "verdict", verdict, "error", err)
	}
	return t, err
}

func (v *Verifier) verify(ctx context.Context, wire string, b Binding, redeemer string) (model.ExecutionToken, error) {
	t, payload, sig, err := decode(wire)
	if err != nil {
		return t, &TokenInvalidError{Verdict: model.VerdictBadSignature, Detail: err.Error()}
	}
	public, ok := v.ring[t.IssuerID]
	if !ok {
		return t, &TokenInvalidError{TokenID: t.ID, Verdict: model.VerdictBadSignature, Detail: "unknown issuer " + t.IssuerID}
	}
	if !ed25519.Verify(public, payload, sig) {
		return t, &TokenInvalidError{TokenID: t.ID, Verdict: model.VerdictBadSignature}
	}

	now := v.clock.Now()
	if !now.Before(t.ExpiresAt) {
		return t, &TokenInvalidError{TokenID: t.ID, Verdict: model.VerdictExpired, Detail: "expired at " + t.ExpiresAt.Format(time.RFC3339)}
	}

	if detail := bindingMismatch(t, b); detail != "" {
		return t, &TokenInvalidError{TokenID: t.ID, Verdict: model.VerdictBindingMismatch, Detail: detail}
	}

	redeemed, err := v.store.Redeem(ctx, store.Redemption{
		TokenID:    t.ID,
		ProposalID: t.ProposalID,
		RedeemedBy: redeemer,
		RedeemedAt: now,
		ExpiresAt:  t.ExpiresAt,
	})
	if err != nil {
		return t, err
	}
	if !redeemed {
		return t, &TokenInvalidError{TokenID: t.ID, Verdict: model.VerdictAlreadyRedeemed}
	}
	return t, nil
}

// Redeemed reports whether the token with the given id has been spent.
func (v *Verifier) Redeemed(ctx context.Context, tokenID string) (bool, error) {
	return v.store.Redeemed(ctx, tokenID)
}

func bindingMismatch(t model.ExecutionToken, b Binding) string {
	switch {
	case t.ProposalID != b.ProposalID:
		return "proposal id"
	case t.ContentHash != b.ContentHash:
		return "content hash"
	case !slices.Equal(t.DeviceIDs, ir.NormalizeDeviceSet(b.DeviceIDs)):
		return "device set"
	}
	return ""
}
