// Package keys manages the Ed25519 keypairs used to sign execution
// tokens and audit events.
package keys

import (
	"crypto/ed25519"
	"crypto/rand"
	"crypto/sha256"
	"encoding/hex"
	"fmt"
	"os"
	"path/filepath"
)

// Well-known keypair names under the key directory.
const (
	TokenKey = "token-signing-key"
	AuditKey = "audit-signing-key"
)

// Generate creates a new Ed25519 keypair.
func Generate() (ed25519.PublicKey, ed25519.PrivateKey, error) {
	public, private, err := ed25519.GenerateKey(rand.Reader)
	if err != nil {
		return nil, nil, fmt.Errorf("generating Ed25519 keypair: %w", err)
	}
	return public, private, nil
}

// Save writes a keypair as name and name.pub under dir. The private key
// file has 0600 permissions; the public key file has 0644.
func Save(dir, name string, public ed25519.PublicKey, private ed25519.PrivateKey) error {
	if err := os.MkdirAll(dir, 0o700); err != nil {
		return fmt.Errorf("creating key directory: %w", err)
	}
	if err := os.WriteFile(filepath.Join(dir, name), private, 0o600); err != nil {
		return fmt.Errorf("writing private key: %w", err)
	}
	if err := os.WriteFile(filepath.Join(dir, name+".pub"), public, 0o644); err != nil {
		return fmt.Errorf("writing public key: %w", err)
	}
	return nil
}

// Load reads the keypair saved as name under dir. Returns an error if
// either file is missing or has an unexpected size.
func Load(dir, name string) (ed25519.PublicKey, ed25519.PrivateKey, error) {
	privateBytes, err := os.ReadFile(filepath.Join(dir, name))
	if err != nil {
		return nil, nil, fmt.Errorf("reading private key: %w", err)
	}
	if len(privateBytes) != ed25519.PrivateKeySize {
		return nil, nil, fmt.Errorf("private key has %d bytes, want %d", len(privateBytes), ed25519.PrivateKeySize)
	}

	public, err := LoadPublic(dir, name)
	if err != nil {
		return nil, nil, err
	}
	private := ed25519.PrivateKey(privateBytes)
	if !public.Equal(private.Public()) {
		return nil, nil, fmt.Errorf("public key %s.pub does not match private key", name)
	}
	return public, private, nil
}

// LoadPublic reads only the public half of a keypair, which is all a
// verifier needs.
func LoadPublic(dir, name string) (ed25519.PublicKey, error) {
	publicBytes, err := os.ReadFile(filepath.Join(dir, name+".pub"))
	if err != nil {
		return nil, fmt.Errorf("reading public key: %w", err)
	}
	if len(publicBytes) != ed25519.PublicKeySize {
		return nil, fmt.Errorf("public key has %d bytes, want %d", len(publicBytes), ed25519.PublicKeySize)
	}
	return ed25519.PublicKey(publicBytes), nil
}

// LoadOrGenerate loads the keypair, or generates and saves a new one if
// the private key file does not exist. Returns whether it was generated.
func LoadOrGenerate(dir, name string) (ed25519.PublicKey, ed25519.PrivateKey, bool, error) {
	public, private, err := Load(dir, name)
	if err == nil {
		return public, private, false, nil
	}

	// A file that exists but fails to load is corruption, not first boot.
	if _, statErr := os.Stat(filepath.Join(dir, name)); statErr == nil {
		return nil, nil, false, err
	}

	public, private, err = Generate()
	if err != nil {
		return nil, nil, false, err
	}
	if err := Save(dir, name, public, private); err != nil {
		return nil, nil, false, err
	}
	return public, private, true, nil
}

// ID returns a short, stable identifier for a public key.
func ID(public ed25519.PublicKey) string {
	sum := sha256.Sum256(public)
	return hex.EncodeToString(sum[:8])
}

// Ring maps key ids to public keys.
type Ring map[string]ed25519.PublicKey

// Add registers a public key under its key id.
func (r Ring) Add(public ed25519.PublicKey) {
	r[ID(public)] = public
}
