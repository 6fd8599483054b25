// Package classify computes the sensitivity tier of a proposed change.
//
// Classify is a pure function of the change content and the policy
// document. Proposers may suggest a tier, but every decider calls
// Classify again and trusts only its own result.
package classify

import (
	"github.com/preacher1045/pdsno/internal/ir"
	"github.com/preacher1045/pdsno/internal/model"
	"github.com/preacher1045/pdsno/internal/policy"
)

// Change is the content being classified.
type Change struct {
	ChangeType string
	Payload    ir.Object
	DeviceIDs  []string
}

// Result is the computed tier and the rule that produced it. Rule is
// empty when the document's default tier applied.
type Result struct {
	Tier model.Tier
	Rule string
}

// Classify returns the highest tier among the default and the rules
// matching c. Ties go to the earlier rule.
func Classify(c Change, doc *policy.Document) Result {
	res := Result{Tier: doc.Classification.DefaultTier}
	if !res.Tier.Valid() {
		res.Tier = model.TierLow
	}

	devices := len(ir.NormalizeDeviceSet(c.DeviceIDs))
	keys := payloadKeys(c.Payload)
	for _, r := range doc.Classification.Rules {
		if r.Tier > res.Tier && matches(r, c.ChangeType, keys, devices) {
			res = Result{Tier: r.Tier, Rule: r.Name}
		}
	}
	return res
}

// Disagrees reports whether a suggested tier is more than one level
// away from the computed one. Unknown suggestions never disagree.
func Disagrees(suggested, computed model.Tier) bool {
	if suggested == model.TierUnknown {
		return false
	}
	return suggested.Distance(computed) > 1
}

func matches(r policy.Rule, changeType string, keys []string, devices int) bool {
	if len(r.ChangeTypes) > 0 && !policy.MatchAny(r.ChangeTypes, changeType) {
		return false
	}
	if len(r.ParamKeys) > 0 && !anyKey(r.ParamKeys, keys) {
		return false
	}
	if r.MinDevices > 0 && devices < r.MinDevices {
		return false
	}
	return true
}

func anyKey(patterns, keys []string) bool {
	for _, k := range keys {
		if policy.MatchAny(patterns, k) {
			return true
		}
	}
	return false
}

// payloadKeys lists every key of the payload, nested keys joined with
// dots ("acl.rules").
func payloadKeys(o ir.Object) []string {
	var out []string
	var walk func(prefix string, o ir.Object)
	walk = func(prefix string, o ir.Object) {
		for _, k := range o.SortedKeys() {
			name := k
			if prefix != "" {
				name = prefix + "." + k
			}
			out = append(out, name)
			if child, ok := o[k].(ir.Object); ok {
				walk(name, child)
			}
		}
	}
	walk("", o)
	return out
}
