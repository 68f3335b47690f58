package gateway

import (
	"errors"
	"fmt"
)

var (
	// ErrMalformedPayload is returned when a structured payload cannot be decoded
	ErrMalformedPayload = errors.New("malformed payload")

	// ErrUnknownEvent is returned for event types the adapter does not act on
	ErrUnknownEvent = errors.New("unknown event")

	// ErrSyntax is returned when a memo does not match the transfer grammar
	ErrSyntax = errors.New("memo syntax error")

	// ErrUnknownPackage is returned when a decoded package code is not catalogued
	ErrUnknownPackage = errors.New("unknown package")

	// ErrInvalidSignature is returned when a signed payload fails verification
	ErrInvalidSignature = errors.New("invalid webhook signature")

	// ErrNotConfigured is returned when an adapter is missing required configuration
	ErrNotConfigured = errors.New("gateway not configured")
)

// DecodeError is returned by adapters for any payload they refuse.
type DecodeError struct {
	Gateway string
	Kind    error // one of the sentinel errors above
	Detail  string
}

func (e *DecodeError) Error() string {
	if e.Detail == "" {
		return fmt.Sprintf("%s: %v", e.Gateway, e.Kind)
	}
	return fmt.Sprintf("%s: %v: %s", e.Gateway, e.Kind, e.Detail)
}

func (e *DecodeError) Unwrap() error {
	return e.Kind
}

// NewDecodeError builds a DecodeError with a formatted detail.
func NewDecodeError(gateway string, kind error, format string, args ...any) *DecodeError {
	return &DecodeError{Gateway: gateway, Kind: kind, Detail: fmt.Sprintf(format, args...)}
}

// IsDecodeError reports whether err is a DecodeError.
func IsDecodeError(err error) bool {
	var de *DecodeError
	return errors.As(err, &de)
}
