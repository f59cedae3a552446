// Package errs implements a fixed taxonomy of error codes handlers branch
// on to decide whether to swallow, log, or re-raise for broker redelivery.
package errs

import (
	"errors"
	"fmt"
)

// Code identifies which of the seven categories an error belongs to.
type Code string

const (
	DecodeError     Code = "DECODE_ERROR"
	AlreadyExists   Code = "ALREADY_EXISTS"
	NotFound        Code = "NOT_FOUND"
	Conflict        Code = "CONFLICT"
	TransientIO     Code = "TRANSIENT_IO"
	FatalPublish    Code = "FATAL_PUBLISH"
	BusinessFailure Code = "BUSINESS_FAILURE"
)

// Error wraps a cause with one of the codes above and an operator-facing
// message.
type Error struct {
	Code    Code
	Message string
	Cause   error
}

func (e *Error) Error() string {
	if e.Cause != nil {
		return fmt.Sprintf("%s: %s: %v", e.Code, e.Message, e.Cause)
	}
	return fmt.Sprintf("%s: %s", e.Code, e.Message)
}

func (e *Error) Unwrap() error { return e.Cause }

// New builds an Error with no underlying cause.
func New(code Code, message string) error {
	return &Error{Code: code, Message: message}
}

// Wrap attaches a code and message to an existing error.
func Wrap(code Code, message string, cause error) error {
	if cause == nil {
		return New(code, message)
	}
	return &Error{Code: code, Message: message, Cause: cause}
}

// CodeOf extracts the Code from err, or "" if err is nil or not one of ours.
func CodeOf(err error) Code {
	var e *Error
	if errors.As(err, &e) {
		return e.Code
	}
	return ""
}

// Is reports whether err carries the given code anywhere in its chain.
func Is(err error, code Code) bool {
	return CodeOf(err) == code
}
