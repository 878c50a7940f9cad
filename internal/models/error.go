package models

import (
	"errors"
	"strings"
)

// Sentinel errors for common failure conditions
var (
	ErrNotFound       = errors.New("resource not found")
	ErrConflict       = errors.New("resource already exists")
	ErrUnauthorized   = errors.New("unauthorized")
	ErrBadRequest     = errors.New("bad request")
	ErrInternalServer = errors.New("internal server error")

	// Perimeter errors
	ErrPolicyViolation  = errors.New("policy violation")
	ErrStoreUnavailable = errors.New("store unavailable")
)

// PolicyError carries the rules a request, credential or file failed.
// It unwraps to ErrPolicyViolation.
type PolicyError struct {
	Subject    string
	Violations []string
}

func (e *PolicyError) Error() string {
	if len(e.Violations) == 0 {
		return e.Subject + ": policy violation"
	}
	return e.Subject + ": " + strings.Join(e.Violations, "; ")
}

func (e *PolicyError) Unwrap() error {
	return ErrPolicyViolation
}

// NewPolicyError builds a PolicyError from a failed verdict.
func NewPolicyError(subject string, verdict ValidationVerdict) *PolicyError {
	return &PolicyError{Subject: subject, Violations: verdict.Violations}
}
