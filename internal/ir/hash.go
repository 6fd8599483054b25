package ir

import (
	"crypto/sha256"
	"encoding/hex"
	"fmt"
	"net"
	"slices"
	"strings"
)

// Domain prefixes for content-addressed identity. The version suffix
// allows the algorithm to migrate without colliding with old values.
const (
	DomainChange   = "pdsno/change/v1"
	DomainDevice   = "pdsno/device/v1"
	DomainEvent    = "pdsno/event/v1"
	DomainPayload  = "pdsno/payload/v1"
	DomainPolicy   = "pdsno/policy/v1"
	DomainSnapshot = "pdsno/snapshot/v1"
)

// HashWithDomain computes SHA256(domain || 0x00 || data) as lowercase hex.
func HashWithDomain(domain string, data []byte) string {
	h := sha256.New()
	h.Write([]byte(domain))
	h.Write([]byte{0x00})
	h.Write(data)
	return hex.EncodeToString(h.Sum(nil))
}

// ContentHash fingerprints a normalised change: its type, its payload and
// the sorted, de-duplicated device set it targets. Two proposals with the
// same change against the same devices hash identically regardless of
// key or device order.
func ContentHash(changeType string, payload Object, deviceIDs []string) (string, error) {
	devices := make(List, 0, len(deviceIDs))
	for _, id := range NormalizeDeviceSet(deviceIDs) {
		devices = append(devices, String(id))
	}
	if payload == nil {
		payload = Object{}
	}
	obj := Object{
		"change_type": String(strings.TrimSpace(changeType)),
		"devices":     devices,
		"payload":     payload,
	}
	canonical, err := MarshalCanonical(obj)
	if err != nil {
		return "", fmt.Errorf("content hash: %w", err)
	}
	return HashWithDomain(DomainChange, canonical), nil
}

// NormalizeDeviceSet returns the sorted, de-duplicated, non-empty ids.
func NormalizeDeviceSet(ids []string) []string {
	out := make([]string, 0, len(ids))
	for _, id := range ids {
		id = strings.TrimSpace(id)
		if id != "" {
			out = append(out, id)
		}
	}
	slices.Sort(out)
	return slices.Compact(out)
}

// NormalizeMAC parses a hardware address and renders it in lowercase
// colon-separated form.
func NormalizeMAC(mac string) (string, error) {
	hw, err := net.ParseMAC(strings.TrimSpace(mac))
	if err != nil {
		return "", fmt.Errorf("invalid mac %q: %w", mac, err)
	}
	return hw.String(), nil
}

// DeviceID derives the stable device id from a MAC address. IP addresses
// and hostnames change; the MAC does not, so it is the deduplication key.
func DeviceID(mac string) (string, error) {
	normalized, err := NormalizeMAC(mac)
	if err != nil {
		return "", err
	}
	return "dev-" + HashWithDomain(DomainDevice, []byte(normalized))[:16], nil
}

// MustContentHash is like ContentHash but panics on error.
// Use only in tests or when inputs are known to be valid.
func MustContentHash(changeType string, payload Object, deviceIDs []string) string {
	h, err := ContentHash(changeType, payload, deviceIDs)
	if err != nil {
		panic(err)
	}
	return h
}
