package policy

import (
	"errors"
	"fmt"

	cueerrors "cuelang.org/go/cue/errors"
	"cuelang.org/go/cue/token"
)

// ErrNoActivePolicy is returned before any policy has been activated.
var ErrNoActivePolicy = errors.New("policy: no active policy")

// PolicyMismatchError reports a request that referenced a policy version
// other than the active one. Active is surfaced so the caller can retry
// against it.
type PolicyMismatchError struct {
	Requested string
	Active    string
}

// Error implements the error interface.
func (e *PolicyMismatchError) Error() string {
	return fmt.Sprintf("policy version %q is not active (active: %q)", e.Requested, e.Active)
}

// IsPolicyMismatch returns true if err is a PolicyMismatchError.
func IsPolicyMismatch(err error) bool {
	var pe *PolicyMismatchError
	return errors.As(err, &pe)
}

// ValidationError represents a policy document that failed validation,
// with the source position when CUE reported one.
type ValidationError struct {
	Field   string
	Message string
	Pos     token.Pos
}

// Error implements the error interface.
func (e *ValidationError) Error() string {
	if e.Pos.IsValid() {
		return fmt.Sprintf("%s:%d:%d: %s: %s",
			e.Pos.Filename(), e.Pos.Line(), e.Pos.Column(),
			e.Field, e.Message)
	}
	return fmt.Sprintf("%s: %s", e.Field, e.Message)
}

// IsValidation returns true if err is a ValidationError.
func IsValidation(err error) bool {
	var ve *ValidationError
	return errors.As(err, &ve)
}

// formatCUEError turns the first CUE error into a ValidationError with
// its position. Positions inside the policy document win over positions
// inside the built-in schema.
func formatCUEError(err error) error {
	if err == nil {
		return nil
	}
	errs := cueerrors.Errors(err)
	if len(errs) == 0 {
		return &ValidationError{Field: "policy", Message: err.Error()}
	}
	first := errs[0]
	ve := &ValidationError{Field: "policy", Message: first.Error(), Pos: errorPos(errs)}
	if path := first.Path(); len(path) > 0 {
		ve.Field = joinPath(path)
	}
	return ve
}

func errorPos(errs []cueerrors.Error) token.Pos {
	var candidates []token.Pos
	for _, e := range errs {
		candidates = append(candidates, e.Position())
		candidates = append(candidates, cueerrors.Positions(e)...)
	}
	var fallback token.Pos
	for _, p := range candidates {
		if !p.IsValid() {
			continue
		}
		if p.Filename() != schemaFile {
			return p
		}
		if !fallback.IsValid() {
			fallback = p
		}
	}
	return fallback
}

func joinPath(path []string) string {
	out := ""
	for i, p := range path {
		if i > 0 {
			out += "."
		}
		out += p
	}
	return out
}
