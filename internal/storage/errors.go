package storage

import (
	"errors"
	"fmt"
)

// Error kinds. Repository operations wrap one of these sentinels so callers
// can classify failures without string matching. The RPC layer maps each kind
// to a stable error code in the response envelope.
var (
	ErrNotFound    = errors.New("not found")
	ErrConflict    = errors.New("conflict")
	ErrValidation  = errors.New("validation failed")
	ErrIntegrity   = errors.New("integrity violation")
	ErrUnavailable = errors.New("unavailable")
)

// NotFoundf wraps ErrNotFound with context.
func NotFoundf(format string, args ...interface{}) error {
	return fmt.Errorf("%w: "+format, append([]interface{}{ErrNotFound}, args...)...)
}

// Conflictf wraps ErrConflict with context.
func Conflictf(format string, args ...interface{}) error {
	return fmt.Errorf("%w: "+format, append([]interface{}{ErrConflict}, args...)...)
}

// Validationf wraps ErrValidation with context.
func Validationf(format string, args ...interface{}) error {
	return fmt.Errorf("%w: "+format, append([]interface{}{ErrValidation}, args...)...)
}

// Integrityf wraps ErrIntegrity with context.
func Integrityf(format string, args ...interface{}) error {
	return fmt.Errorf("%w: "+format, append([]interface{}{ErrIntegrity}, args...)...)
}

// Unavailablef wraps ErrUnavailable with context.
func Unavailablef(format string, args ...interface{}) error {
	return fmt.Errorf("%w: "+format, append([]interface{}{ErrUnavailable}, args...)...)
}

// Code returns the stable error code for err, or "internal" if the error
// does not wrap a known kind.
func Code(err error) string {
	switch {
	case errors.Is(err, ErrNotFound):
		return "not_found"
	case errors.Is(err, ErrValidation):
		return "validation"
	case errors.Is(err, ErrConflict):
		return "conflict"
	case errors.Is(err, ErrIntegrity):
		return "integrity"
	case errors.Is(err, ErrUnavailable):
		return "unavailable"
	default:
		return "internal"
	}
}
