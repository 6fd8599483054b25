// Package ir defines the constrained value model used for configuration
// change payloads and the canonical encoding used to fingerprint them.
//
// Payload values are restricted to strings, integers, booleans, lists and
// objects. Floats and nulls are rejected so that the same logical change
// always produces the same bytes, and therefore the same content hash, on
// every tier that recomputes it.
//
// Hashes use SHA-256 with a versioned domain prefix and a 0x00 separator:
//
//	SHA256(domain || 0x00 || canonical-json)
//
// The canonical encoding follows RFC 8785: object keys ordered by UTF-16
// code units, strings NFC-normalised, no HTML escaping.
package ir
