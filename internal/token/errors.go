package token

import (
	"errors"
	"fmt"

	"github.com/preacher1045/pdsno/internal/model"
)

// TokenInvalidError reports a token that failed verification. Verdict
// says which check failed.
type TokenInvalidError struct {
	TokenID string
	Verdict model.Verdict
	Detail  string
}

// Error implements the error interface.
func (e *TokenInvalidError) Error() string {
	id := e.TokenID
	if id == "" {
		id = "<unreadable>"
	}
	if e.Detail != "" {
		return fmt.Sprintf("token %s rejected: %s (%s)", id, e.Verdict, e.Detail)
	}
	return fmt.Sprintf("token %s rejected: %s", id, e.Verdict)
}

// IsTokenInvalid returns true if err is a TokenInvalidError.
func IsTokenInvalid(err error) bool {
	var te *TokenInvalidError
	return errors.As(err, &te)
}

// VerdictOf returns the verdict carried by err: VALID for nil, the
// TokenInvalidError's verdict, or VerdictUnknown for any other error.
func VerdictOf(err error) model.Verdict {
	if err == nil {
		return model.VerdictValid
	}
	var te *TokenInvalidError
	if errors.As(err, &te) {
		return te.Verdict
	}
	return model.VerdictUnknown
}
