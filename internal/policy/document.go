// Package policy loads, validates and versions governance policy
// documents.
//
// A document is written in YAML or CUE and always validated against the
// embedded #Policy schema, which also supplies defaults. Stored
// documents are immutable; exactly one version is active at a time and
// proposals referencing any other version are rejected.
package policy

import (
	"bytes"
	"encoding/json"
	"fmt"
	"path"
	"slices"

	"github.com/preacher1045/pdsno/internal/ir"
	"github.com/preacher1045/pdsno/internal/model"
)

// ContentionPolicy decides what happens when a decider cannot lock a
// target device.
type ContentionPolicy string

const (
	// ContentionQueue leaves the proposal pending.
	ContentionQueue ContentionPolicy = "queue"
	// ContentionDeny denies the proposal.
	ContentionDeny ContentionPolicy = "deny"
)

// Document is a validated policy.
type Document struct {
	Version        string         `json:"version"`
	Classification Classification `json:"classification"`
	Approval       Approval       `json:"approval"`
	Escalation     Escalation     `json:"escalation"`
	Emergency      Emergency      `json:"emergency"`
	Tokens         Tokens         `json:"tokens"`
	Locks          Locks          `json:"locks"`
}

// Classification holds the sensitivity rules.
type Classification struct {
	DefaultTier model.Tier `json:"default_tier"`
	Rules       []Rule     `json:"rules"`
}

// Rule assigns a tier to changes it matches. Every non-empty criterion
// must match: the change type against one of ChangeTypes, some payload
// key against one of ParamKeys, and the device count against MinDevices.
// Patterns use path.Match syntax.
type Rule struct {
	Name        string     `json:"name"`
	Tier        model.Tier `json:"tier"`
	ChangeTypes []string   `json:"change_types"`
	ParamKeys   []string   `json:"param_keys"`
	MinDevices  int        `json:"min_devices"`
}

// Approval configures who may approve.
type Approval struct {
	SelfApproveLow   bool             `json:"self_approve_low"`
	OnLockContention ContentionPolicy `json:"on_lock_contention"`
}

// Escalation configures forwarding to a higher tier.
type Escalation struct {
	Timeout  model.Duration `json:"timeout"`
	Fallback Fallback       `json:"fallback"`
}

// Fallback narrowly scopes approvals allowed when an escalation times
// out. The default is deny.
type Fallback struct {
	Allow       bool     `json:"allow"`
	ChangeTypes []string `json:"change_types"`
}

// Emergency configures the emergency path.
type Emergency struct {
	ChangeTypes      []string       `json:"change_types"`
	PerProposerLimit int            `json:"per_proposer_limit"`
	Window           model.Duration `json:"window"`
}

// Tokens configures execution tokens.
type Tokens struct {
	TTL              model.Duration `json:"ttl"`
	RateCap          int            `json:"rate_cap"`
	RollbackRequired bool           `json:"rollback_required"`
}

// Locks configures device locks taken by deciders.
type Locks struct {
	TTL model.Duration `json:"ttl"`
}

// Hash fingerprints the canonical form of the document.
func (d *Document) Hash() (string, error) {
	canonical, err := d.canonical()
	if err != nil {
		return "", err
	}
	return ir.HashWithDomain(ir.DomainPolicy, canonical), nil
}

func (d *Document) canonical() ([]byte, error) {
	norm := d.normalized()
	js, err := json.Marshal(norm)
	if err != nil {
		return nil, fmt.Errorf("canonical policy %s: %w", d.Version, err)
	}
	dec := json.NewDecoder(bytes.NewReader(js))
	dec.UseNumber()
	var raw map[string]any
	if err := dec.Decode(&raw); err != nil {
		return nil, fmt.Errorf("canonical policy %s: %w", d.Version, err)
	}
	b, err := ir.MarshalCanonical(raw)
	if err != nil {
		return nil, fmt.Errorf("canonical policy %s: %w", d.Version, err)
	}
	return b, nil
}

// normalized returns a copy with nil lists replaced by empty ones, so a
// document built in code hashes like the same document loaded from a
// file.
func (d *Document) normalized() Document {
	out := *d
	out.Classification.Rules = make([]Rule, len(d.Classification.Rules))
	for i, r := range d.Classification.Rules {
		r.ChangeTypes = nonNil(r.ChangeTypes)
		r.ParamKeys = nonNil(r.ParamKeys)
		out.Classification.Rules[i] = r
	}
	out.Escalation.Fallback.ChangeTypes = nonNil(d.Escalation.Fallback.ChangeTypes)
	out.Emergency.ChangeTypes = nonNil(d.Emergency.ChangeTypes)
	return out
}

func nonNil(s []string) []string {
	if s == nil {
		return []string{}
	}
	return s
}

// check enforces what the schema cannot express.
func (d *Document) check() error {
	seen := map[string]bool{}
	for i, r := range d.Classification.Rules {
		if seen[r.Name] {
			return &ValidationError{Field: fmt.Sprintf("classification.rules[%d].name", i), Message: "duplicate rule name " + r.Name}
		}
		seen[r.Name] = true
		if len(r.ChangeTypes) == 0 && len(r.ParamKeys) == 0 && r.MinDevices == 0 {
			return &ValidationError{Field: fmt.Sprintf("classification.rules[%d]", i), Message: "rule " + r.Name + " has no match criteria"}
		}
		for _, patterns := range [][]string{r.ChangeTypes, r.ParamKeys} {
			for _, p := range patterns {
				if _, err := path.Match(p, ""); err != nil {
					return &ValidationError{Field: fmt.Sprintf("classification.rules[%d]", i), Message: fmt.Sprintf("bad pattern %q", p)}
				}
			}
		}
	}
	for _, patterns := range [][]string{d.Emergency.ChangeTypes, d.Escalation.Fallback.ChangeTypes} {
		for _, p := range patterns {
			if _, err := path.Match(p, ""); err != nil {
				return &ValidationError{Field: "change_types", Message: fmt.Sprintf("bad pattern %q", p)}
			}
		}
	}
	if d.Tokens.TTL <= 0 {
		return &ValidationError{Field: "tokens.ttl", Message: "must be positive"}
	}
	if d.Locks.TTL <= 0 {
		return &ValidationError{Field: "locks.ttl", Message: "must be positive"}
	}
	if d.Escalation.Timeout <= 0 {
		return &ValidationError{Field: "escalation.timeout", Message: "must be positive"}
	}
	return nil
}

// MatchAny reports whether name matches one of the path.Match patterns.
// Malformed patterns never match; documents are checked for them on
// load.
func MatchAny(patterns []string, name string) bool {
	return slices.ContainsFunc(patterns, func(p string) bool {
		ok, err := path.Match(p, name)
		return err == nil && ok
	})
}

// EmergencyAllowed reports whether changeType is on the pre-approved
// emergency list.
func (d *Document) EmergencyAllowed(changeType string) bool {
	return MatchAny(d.Emergency.ChangeTypes, changeType)
}

// FallbackAllowed reports whether a timed-out escalation of changeType
// may fall back to approval.
func (d *Document) FallbackAllowed(changeType string) bool {
	return d.Escalation.Fallback.Allow && MatchAny(d.Escalation.Fallback.ChangeTypes, changeType)
}
