package approval

import (
	"errors"
	"fmt"
	"time"

	"github.com/preacher1045/pdsno/internal/model"
)

// ErrInvalidRequest is returned for requests missing required fields.
var ErrInvalidRequest = errors.New("approval: invalid request")

// IllegalTransitionError reports an attempted state change that the
// state machine does not allow. Nothing is written.
type IllegalTransitionError struct {
	ConfigID string
	From     model.State
	To       model.State
}

// Error implements the error interface.
func (e *IllegalTransitionError) Error() string {
	return fmt.Sprintf("config %s: illegal transition %s -> %s", e.ConfigID, e.From, e.To)
}

// IsIllegalTransition returns true if err is an IllegalTransitionError.
func IsIllegalTransition(err error) bool {
	var ie *IllegalTransitionError
	return errors.As(err, &ie)
}

// DecisionInProgressError reports a decision attempted while another
// decider holds the record's device locks, typically while waiting on
// an escalation. The record is left as it was.
type DecisionInProgressError struct {
	ConfigID string
	HolderID string
	Until    time.Time
}

// Error implements the error interface.
func (e *DecisionInProgressError) Error() string {
	return fmt.Sprintf("config %s: decision in progress by %s until %s",
		e.ConfigID, e.HolderID, e.Until.Format(time.RFC3339))
}

// IsDecisionInProgress returns true if err is a DecisionInProgressError.
func IsDecisionInProgress(err error) bool {
	var de *DecisionInProgressError
	return errors.As(err, &de)
}

// AuthorityError reports a caller whose authority does not cover the
// operation.
type AuthorityError struct {
	Actor    string
	Have     model.Authority
	Required model.Authority
	Reason   string
}

// Error implements the error interface.
func (e *AuthorityError) Error() string {
	if e.Reason != "" {
		return fmt.Sprintf("%s (%s) not authorised: %s", e.Actor, e.Have, e.Reason)
	}
	return fmt.Sprintf("%s (%s) not authorised: requires %s", e.Actor, e.Have, e.Required)
}

// IsAuthority returns true if err is an AuthorityError.
func IsAuthority(err error) bool {
	var ae *AuthorityError
	return errors.As(err, &ae)
}

// EscalationTimeoutError reports that the deciding tier did not answer
// within the escalation timeout. The proposal was denied unless the
// policy's fallback applied, in which case FellBack is set.
type EscalationTimeoutError struct {
	ConfigID string
	Timeout  time.Duration
	FellBack bool
}

// Error implements the error interface.
func (e *EscalationTimeoutError) Error() string {
	outcome := "denied"
	if e.FellBack {
		outcome = "approved by fallback"
	}
	return fmt.Sprintf("config %s: escalation timed out after %s, %s", e.ConfigID, e.Timeout, outcome)
}

// IsEscalationTimeout returns true if err is an EscalationTimeoutError.
func IsEscalationTimeout(err error) bool {
	var ee *EscalationTimeoutError
	return errors.As(err, &ee)
}

// DeviceBlockedError reports a device that automation may not touch:
// blocked after a failed rollback, or quarantined.
type DeviceBlockedError struct {
	DeviceID  string
	Status    model.DeviceStatus
	BlockedBy string
}

// Error implements the error interface.
func (e *DeviceBlockedError) Error() string {
	if e.BlockedBy != "" {
		return fmt.Sprintf("device %s is blocked by degraded config %s", e.DeviceID, e.BlockedBy)
	}
	return fmt.Sprintf("device %s is %s", e.DeviceID, e.Status)
}

// IsDeviceBlocked returns true if err is a DeviceBlockedError.
func IsDeviceBlocked(err error) bool {
	var de *DeviceBlockedError
	return errors.As(err, &de)
}

// RateLimitedError reports an emergency request over the per-proposer
// limit.
type RateLimitedError struct {
	ProposerID string
	Limit      int
	Window     time.Duration
}

// Error implements the error interface.
func (e *RateLimitedError) Error() string {
	return fmt.Sprintf("%s exceeded %d emergency changes per %s", e.ProposerID, e.Limit, e.Window)
}

// IsRateLimited returns true if err is a RateLimitedError.
func IsRateLimited(err error) bool {
	var re *RateLimitedError
	return errors.As(err, &re)
}

// EmergencyPrecedenceError reports a denied emergency change that was
// not rolled back because a newer change has since been applied to one
// of its devices. The conflict is flagged for an operator.
type EmergencyPrecedenceError struct {
	ConfigID      string
	DeviceID      string
	NewerChangeID string
}

// Error implements the error interface.
func (e *EmergencyPrecedenceError) Error() string {
	return fmt.Sprintf("emergency config %s not rolled back: device %s has newer change %s",
		e.ConfigID, e.DeviceID, e.NewerChangeID)
}

// IsEmergencyPrecedence returns true if err is an EmergencyPrecedenceError.
func IsEmergencyPrecedence(err error) bool {
	var ee *EmergencyPrecedenceError
	return errors.As(err, &ee)
}
