package approval

import (
	"errors"

	"github.com/preacher1045/pdsno/internal/coord"
	"github.com/preacher1045/pdsno/internal/lock"
	"github.com/preacher1045/pdsno/internal/policy"
	"github.com/preacher1045/pdsno/internal/rollback"
	"github.com/preacher1045/pdsno/internal/token"
)

// ErrorKind classifies errors for transport responses.
type ErrorKind int

const (
	KindNone ErrorKind = iota
	KindInvalidRequest
	KindNotFound
	KindConflict
	KindLockHeld
	KindNotHolder
	KindTokenInvalid
	KindPolicyMismatch
	KindNoActivePolicy
	KindRollbackFailure
	KindEscalationTimeout
	KindIllegalTransition
	KindAuthority
	KindDeviceBlocked
	KindRateLimited
	KindEmergencyPrecedence
	KindInternal
)

var kindNames = []string{
	"",
	"INVALID_REQUEST",
	"NOT_FOUND",
	"CONFLICT",
	"LOCK_HELD",
	"NOT_HOLDER",
	"TOKEN_INVALID",
	"POLICY_MISMATCH",
	"NO_ACTIVE_POLICY",
	"ROLLBACK_FAILURE",
	"ESCALATION_TIMEOUT",
	"ILLEGAL_TRANSITION",
	"AUTHORITY",
	"DEVICE_BLOCKED",
	"RATE_LIMITED",
	"EMERGENCY_PRECEDENCE",
	"INTERNAL",
}

func (k ErrorKind) String() string {
	if k < 0 || int(k) >= len(kindNames) {
		return "INTERNAL"
	}
	return kindNames[k]
}

// MarshalText writes the kind name.
func (k ErrorKind) MarshalText() ([]byte, error) { return []byte(k.String()), nil }

// KindOf maps err onto the closed set of error kinds. Every error the
// service returns has a specific kind; anything unrecognised is
// KindInternal.
func KindOf(err error) ErrorKind {
	switch {
	case err == nil:
		return KindNone
	case errors.Is(err, ErrInvalidRequest):
		return KindInvalidRequest
	case coord.IsConflict(err), IsDecisionInProgress(err):
		return KindConflict
	case lock.IsLockHeld(err):
		return KindLockHeld
	case lock.IsNotHolder(err):
		return KindNotHolder
	case token.IsTokenInvalid(err):
		return KindTokenInvalid
	case policy.IsPolicyMismatch(err):
		return KindPolicyMismatch
	case policy.IsNoActivePolicy(err):
		return KindNoActivePolicy
	case rollback.IsRollbackFailure(err):
		return KindRollbackFailure
	case IsEscalationTimeout(err):
		return KindEscalationTimeout
	case IsIllegalTransition(err):
		return KindIllegalTransition
	case IsAuthority(err):
		return KindAuthority
	case IsDeviceBlocked(err):
		return KindDeviceBlocked
	case IsRateLimited(err):
		return KindRateLimited
	case IsEmergencyPrecedence(err):
		return KindEmergencyPrecedence
	case coord.IsNotFound(err):
		return KindNotFound
	}
	return KindInternal
}
