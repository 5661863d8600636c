package errors

import "errors"

// Domain errors
var (
	// Interception stage errors
	ErrBind        = errors.New("proxy stage could not bind")
	ErrStopTimeout = errors.New("proxy stage did not drain within grace period")
	ErrNoAuthority = errors.New("certificate authority not loaded")
	ErrNotHello    = errors.New("not a TLS ClientHello")

	// Session errors
	ErrAppNotInstalled   = errors.New("application not installed")
	ErrDevice            = errors.New("device command failed")
	ErrInvalidTransition = errors.New("invalid session state transition")
	ErrEmptyIdentifier   = errors.New("application identifier cannot be empty")

	// Static evidence errors
	ErrNoPatterns = errors.New("no search patterns configured")

	// Validation errors
	ErrInvalidInput    = errors.New("invalid input")
	ErrMissingRequired = errors.New("missing required field")
)
