package approval

import (
	"context"

	"github.com/preacher1045/pdsno/internal/model"
)

// EscalationRequest asks a higher tier to decide a proposal.
type EscalationRequest struct {
	ConfigID    string
	ChangeType  string
	ContentHash string
	DeviceIDs   []string
	Tier        model.Tier
	Required    model.Authority
	From        model.Identity
}

// EscalationResponse is the higher tier's decision.
type EscalationResponse struct {
	Approve bool
	Decider model.Identity
	Reason  string
}

// Escalator forwards a decision to a higher tier and waits for the
// answer. The service bounds the wait with the policy's escalation
// timeout and cancels ctx when it gives up.
type Escalator interface {
	Escalate(ctx context.Context, req EscalationRequest) (EscalationResponse, error)
}

// EscalatorFunc adapts a function to Escalator.
type EscalatorFunc func(ctx context.Context, req EscalationRequest) (EscalationResponse, error)

// Escalate calls f.
func (f EscalatorFunc) Escalate(ctx context.Context, req EscalationRequest) (EscalationResponse, error) {
	return f(ctx, req)
}
