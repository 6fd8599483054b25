package approval

import (
	"context"
	"fmt"

	"github.com/preacher1045/pdsno/internal/ir"
	"github.com/preacher1045/pdsno/internal/model"
)

// Op names an operation reachable through Handle.
type Op string

const (
	OpPropose               Op = "propose"
	OpClassify              Op = "classify"
	OpDecide                Op = "decide"
	OpIssueToken            Op = "issueToken"
	OpVerifyToken           Op = "verifyToken"
	OpRecordExecutionResult Op = "recordExecutionResult"
	OpRollback              Op = "rollback"
	OpEmergency             Op = "emergency"
	OpReviewEmergency       Op = "reviewEmergency"
	OpClearDegraded         Op = "clearDegraded"
	OpGet                   Op = "get"
)

// Request is the transport form of an operation call. Only the fields
// the operation reads need to be set.
type Request struct {
	Op       Op             `json:"op" yaml:"op"`
	Caller   model.Identity `json:"caller" yaml:"caller"`
	ConfigID string         `json:"config_id,omitempty" yaml:"config_id,omitempty"`

	// propose, classify, emergency
	ChangeType    string         `json:"change_type,omitempty" yaml:"change_type,omitempty"`
	Payload       map[string]any `json:"payload,omitempty" yaml:"payload,omitempty"`
	DeviceIDs     []string       `json:"device_ids,omitempty" yaml:"device_ids,omitempty"`
	SuggestedTier model.Tier     `json:"suggested_tier,omitempty" yaml:"suggested_tier,omitempty"`
	PolicyVersion string         `json:"policy_version,omitempty" yaml:"policy_version,omitempty"`

	// decide
	Action string `json:"action,omitempty" yaml:"action,omitempty"`

	// verifyToken
	Token string `json:"token,omitempty" yaml:"token,omitempty"`

	// recordExecutionResult
	Success bool   `json:"success,omitempty" yaml:"success,omitempty"`
	Detail  string `json:"detail,omitempty" yaml:"detail,omitempty"`

	// reviewEmergency
	Approve bool `json:"approve,omitempty" yaml:"approve,omitempty"`

	Reason string `json:"reason,omitempty" yaml:"reason,omitempty"`
}

// Response is the transport form of an operation result. Kind is empty
// on success.
type Response struct {
	OK      bool      `json:"ok"`
	Kind    ErrorKind `json:"kind,omitempty"`
	Message string    `json:"message,omitempty"`
	Data    any       `json:"data,omitempty"`
}

// TokenData is the Data of a response that carries a token.
type TokenData struct {
	Record *model.ConfigRecord   `json:"record,omitempty"`
	Token  model.ExecutionToken `json:"token"`
	Wire   string               `json:"wire"`
}

// Handle runs one request and reports the outcome with its error kind.
// Operations that fail after changing state, such as a rollback that
// degrades, still return the resulting record in Data.
func (s *Service) Handle(ctx context.Context, req Request) Response {
	data, err := s.dispatch(ctx, req)
	if err != nil {
		s.logger.Debug("request failed", "op", req.Op, "config_id", req.ConfigID, "kind", KindOf(err), "error", err)
		return Response{Kind: KindOf(err), Message: err.Error(), Data: data}
	}
	return Response{OK: true, Data: data}
}

func (s *Service) dispatch(ctx context.Context, req Request) (any, error) {
	switch req.Op {
	case OpPropose, OpClassify, OpEmergency:
		p, err := req.proposal()
		if err != nil {
			return nil, err
		}
		switch req.Op {
		case OpPropose:
			return nilRecord(s.Propose(ctx, req.Caller, p))
		case OpClassify:
			res, err := s.Classify(ctx, p)
			if err != nil {
				return nil, err
			}
			return res, nil
		}
		res, err := s.Emergency(ctx, req.Caller, p)
		if res.Record == nil {
			return nil, err
		}
		return TokenData{Record: res.Record, Token: res.Token.Token, Wire: res.Token.Wire}, err
	case OpDecide:
		action, err := ParseAction(req.Action)
		if err != nil {
			return nil, err
		}
		return nilRecord(s.Decide(ctx, req.Caller, req.ConfigID, Decision{Action: action, Reason: req.Reason}))
	case OpIssueToken:
		tok, err := s.IssueToken(ctx, req.Caller, req.ConfigID)
		if err != nil {
			return nil, err
		}
		return TokenData{Token: tok.Token, Wire: tok.Wire}, nil
	case OpVerifyToken:
		return nilRecord(s.VerifyToken(ctx, req.Caller, req.ConfigID, req.Token))
	case OpRecordExecutionResult:
		return nilRecord(s.RecordExecutionResult(ctx, req.Caller, req.ConfigID, ExecutionResult{Success: req.Success, Detail: req.Detail}))
	case OpRollback:
		return nilRecord(s.Rollback(ctx, req.Caller, req.ConfigID))
	case OpReviewEmergency:
		return nilRecord(s.ReviewEmergency(ctx, req.Caller, req.ConfigID, req.Approve, req.Reason))
	case OpClearDegraded:
		return nilRecord(s.ClearDegraded(ctx, req.Caller, req.ConfigID, req.Reason))
	case OpGet:
		return nilRecord(s.Get(ctx, req.ConfigID))
	}
	return nil, fmt.Errorf("%w: unknown op %q", ErrInvalidRequest, req.Op)
}

func (r Request) proposal() (Proposal, error) {
	payload, err := ir.ObjectFromAny(r.Payload)
	if err != nil {
		return Proposal{}, fmt.Errorf("%w: payload: %v", ErrInvalidRequest, err)
	}
	return Proposal{
		ChangeType:    r.ChangeType,
		Payload:       payload,
		DeviceIDs:     r.DeviceIDs,
		SuggestedTier: r.SuggestedTier,
		PolicyVersion: r.PolicyVersion,
		Reason:        r.Reason,
	}, nil
}

// nilRecord keeps a typed nil record out of Response.Data.
func nilRecord(rec *model.ConfigRecord, err error) (any, error) {
	if rec == nil {
		return nil, err
	}
	return rec, err
}
