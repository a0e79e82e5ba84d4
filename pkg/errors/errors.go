// Package errors provides structured error handling for the bridge. It defines
// the error categories the broker uses to decide whether a failure touches
// shared connection state, and the table-driven classifier that maps raw
// failure text onto those categories.
package errors

import (
	"errors"
	"fmt"
)

// Category classifies an error for connection-state handling. Only
// CategoryConnection failures may flip the broker's connection status; tool
// and unknown failures never do.
type Category string

const (
	// CategoryTool covers method/tool/parameter failures reported by the
	// endpoint. Never affects connection state.
	CategoryTool Category = "tool"
	// CategoryConnection covers refused/timed-out/DNS/5xx/transport failures.
	CategoryConnection Category = "connection"
	// CategoryUnknown covers everything that matches neither list. Treated as
	// non-connection on purpose so ambiguous failures cannot cause disconnect
	// storms.
	CategoryUnknown Category = "unknown"
	// CategoryValidation covers malformed requests rejected before any
	// network activity.
	CategoryValidation Category = "validation"
	// CategoryPermanent marks the exhausted consecutive-failure budget. Only
	// an explicit user-initiated reconnect clears it.
	CategoryPermanent Category = "permanent"
)

// BridgeError is the structured error type used throughout the bridge.
type BridgeError interface {
	error

	// Code returns the JSON-RPC aligned error code
	Code() int

	// Category returns the error category for connection-state handling
	Category() Category

	// Remediation returns a user-facing hint on how to recover
	Remediation() string

	// Unwrap returns the underlying error for chain traversal
	Unwrap() error
}

type bridgeError struct {
	code        int
	message     string
	category    Category
	remediation string
	cause       error
}

func (e *bridgeError) Error() string {
	if e.cause != nil {
		return fmt.Sprintf("%s: %v", e.message, e.cause)
	}
	return e.message
}

func (e *bridgeError) Code() int           { return e.code }
func (e *bridgeError) Category() Category  { return e.category }
func (e *bridgeError) Remediation() string { return e.remediation }
func (e *bridgeError) Unwrap() error       { return e.cause }

// New creates a BridgeError with the given code, category and message.
func New(code int, category Category, message string) BridgeError {
	return &bridgeError{code: code, message: message, category: category}
}

// Newf creates a BridgeError with a formatted message.
func Newf(code int, category Category, format string, args ...interface{}) BridgeError {
	return &bridgeError{code: code, message: fmt.Sprintf(format, args...), category: category}
}

// Wrap wraps an existing error as a BridgeError.
func Wrap(err error, code int, category Category, message string) BridgeError {
	return &bridgeError{code: code, message: message, category: category, cause: err}
}

// WithRemediation returns a copy of the error carrying a user-facing
// remediation hint.
func WithRemediation(err BridgeError, remediation string) BridgeError {
	if base, ok := err.(*bridgeError); ok {
		clone := *base
		clone.remediation = remediation
		return &clone
	}
	return &bridgeError{
		code:        err.Code(),
		message:     err.Error(),
		category:    err.Category(),
		remediation: remediation,
		cause:       err.Unwrap(),
	}
}

// As extracts a BridgeError from an error chain.
func As(err error) (BridgeError, bool) {
	var be BridgeError
	if errors.As(err, &be) {
		return be, true
	}
	return nil, false
}

// CategoryOf returns the category of an error. Errors outside the bridge
// taxonomy report CategoryUnknown.
func CategoryOf(err error) Category {
	if be, ok := As(err); ok {
		return be.Category()
	}
	return CategoryUnknown
}

// IsCategory reports whether the error chain carries the given category.
func IsCategory(err error, category Category) bool {
	return CategoryOf(err) == category
}

// IsCode reports whether the error chain carries the given code.
func IsCode(err error, code int) bool {
	if be, ok := As(err); ok {
		return be.Code() == code
	}
	return false
}
