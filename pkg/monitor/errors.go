package monitor

import (
	"errors"
	"fmt"
)

// Class is the error class surfaced to keepers and operators. Callers key
// retry behavior off the class, so classes are part of the API contract.
type Class string

const (
	ClassInvalidObjectDefinition      Class = "invalid_object_definition"
	ClassUndefinedObject              Class = "undefined_object"
	ClassObjectNotInPrerequisiteState Class = "object_not_in_prerequisite_state"
	ClassObjectInUse                  Class = "object_in_use"
	ClassInvalidParameterValue        Class = "invalid_parameter_value"
	ClassFeatureNotSupported          Class = "feature_not_supported"
	ClassConnectionException          Class = "connection_exception"
	ClassInternalError                Class = "internal_error"
)

// Error is an operator-facing failure with a class, a human detail and an
// optional hint. Retryable errors are transient by contract: callers may
// repeat the exact same request.
type Error struct {
	Class     Class  `json:"class"`
	Detail    string `json:"detail"`
	Hint      string `json:"hint,omitempty"`
	Retryable bool   `json:"retryable,omitempty"`
}

func (e *Error) Error() string {
	if e.Hint != "" {
		return fmt.Sprintf("%s: %s (%s)", e.Class, e.Detail, e.Hint)
	}
	return fmt.Sprintf("%s: %s", e.Class, e.Detail)
}

// NewError builds a classified error.
func NewError(class Class, format string, args ...interface{}) *Error {
	return &Error{Class: class, Detail: fmt.Sprintf(format, args...)}
}

// WithHint attaches a hint and returns the error.
func (e *Error) WithHint(format string, args ...interface{}) *Error {
	e.Hint = fmt.Sprintf(format, args...)
	return e
}

// AsRetryable marks the error transient and returns it.
func (e *Error) AsRetryable() *Error {
	e.Retryable = true
	return e
}

// ClassOf extracts the class of a classified error, or internal_error.
func ClassOf(err error) Class {
	var e *Error
	if errors.As(err, &e) {
		return e.Class
	}
	return ClassInternalError
}

// IsRetryable reports whether callers may repeat the request unchanged.
func IsRetryable(err error) bool {
	var e *Error
	if errors.As(err, &e) {
		return e.Retryable || e.Class == ClassConnectionException
	}
	return false
}
