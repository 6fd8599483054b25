package token

import (
	"crypto/ed25519"
	"encoding/base64"
	"errors"
	"fmt"
	"time"

	"github.com/fxamacker/cbor/v2"

	"github.com/preacher1045/pdsno/internal/model"
)

// Wire format: base64url (unpadded) of the Core Deterministic CBOR claim
// set followed by the 64-byte Ed25519 signature over it.

var (
	encMode cbor.EncMode
	decMode cbor.DecMode
)

func init() {
	var err error
	encMode, err = cbor.CoreDetEncOptions().EncMode()
	if err != nil {
		panic("token: CBOR encoder initialization failed: " + err.Error())
	}
	decMode, err = cbor.DecOptions{
		DupMapKey: cbor.DupMapKeyEnforcedAPF,
	}.DecMode()
	if err != nil {
		panic("token: CBOR decoder initialization failed: " + err.Error())
	}
}

// claims is the signed payload. Times are Unix nanoseconds.
type claims struct {
	ID          string            `cbor:"1,keyasint"`
	ProposalID  string            `cbor:"2,keyasint"`
	ContentHash string            `cbor:"3,keyasint"`
	DeviceIDs   []string          `cbor:"4,keyasint"`
	IssuerID    string            `cbor:"5,keyasint"`
	IssuedAt    int64             `cbor:"6,keyasint"`
	ExpiresAt   int64             `cbor:"7,keyasint"`
	Constraints model.Constraints `cbor:"8,keyasint"`
}

func claimsOf(t model.ExecutionToken) claims {
	return claims{
		ID:          t.ID,
		ProposalID:  t.ProposalID,
		ContentHash: t.ContentHash,
		DeviceIDs:   t.DeviceIDs,
		IssuerID:    t.IssuerID,
		IssuedAt:    t.IssuedAt.UnixNano(),
		ExpiresAt:   t.ExpiresAt.UnixNano(),
		Constraints: t.Constraints,
	}
}

func (c claims) token() model.ExecutionToken {
	return model.ExecutionToken{
		ID:          c.ID,
		ProposalID:  c.ProposalID,
		ContentHash: c.ContentHash,
		DeviceIDs:   c.DeviceIDs,
		IssuerID:    c.IssuerID,
		IssuedAt:    time.Unix(0, c.IssuedAt).UTC(),
		ExpiresAt:   time.Unix(0, c.ExpiresAt).UTC(),
		Constraints: c.Constraints,
	}
}

var errMalformed = errors.New("malformed token")

// encode signs t and returns its wire form.
func encode(key ed25519.PrivateKey, t model.ExecutionToken) (string, error) {
	payload, err := encMode.Marshal(claimsOf(t))
	if err != nil {
		return "", fmt.Errorf("encode token claims: %w", err)
	}
	sig := ed25519.Sign(key, payload)
	raw := make([]byte, 0, len(payload)+ed25519.SignatureSize)
	raw = append(raw, payload...)
	raw = append(raw, sig...)
	return base64.RawURLEncoding.EncodeToString(raw), nil
}

// decode splits a wire token into its claims, the signed payload and
// the signature. The signature is not checked.
func decode(wire string) (model.ExecutionToken, []byte, []byte, error) {
	raw, err := base64.RawURLEncoding.DecodeString(wire)
	if err != nil {
		return model.ExecutionToken{}, nil, nil, fmt.Errorf("%w: %v", errMalformed, err)
	}
	if len(raw) <= ed25519.SignatureSize {
		return model.ExecutionToken{}, nil, nil, fmt.Errorf("%w: too short", errMalformed)
	}
	split := len(raw) - ed25519.SignatureSize
	payload, sig := raw[:split], raw[split:]

	var c claims
	if err := decMode.Unmarshal(payload, &c); err != nil {
		return model.ExecutionToken{}, nil, nil, fmt.Errorf("%w: %v", errMalformed, err)
	}
	return c.token(), payload, sig, nil
}

// Decode returns the claims of a wire token without verifying it.
func Decode(wire string) (model.ExecutionToken, error) {
	t, _, _, err := decode(wire)
	return t, err
}
