package service

import (
	"errors"
	"strings"
)

var (
	ErrInvalidCredentials = errors.New("invalid credentials")
	ErrEmailTaken         = errors.New("email is already registered")

	ErrInvalidRefreshToken = errors.New("invalid refresh token")
	// ErrRefreshTokenReuseDetected marks presentation of an inactive chain
	// member. The caller's whole active chain has already been revoked by the
	// time this error is returned.
	ErrRefreshTokenReuseDetected = errors.New("refresh token reuse detected")

	ErrSessionStampMismatch = errors.New("session stamp mismatch")
)

// ValidationError carries every violated rule, not just the first one.
type ValidationError struct {
	Violations []string
}

func (e *ValidationError) Error() string {
	return "validation failed: " + strings.Join(e.Violations, "; ")
}
