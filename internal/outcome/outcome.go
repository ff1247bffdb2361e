// Package outcome classifies simulation errors so the runner can aggregate
// them instead of aborting a scenario.
package outcome

import (
	"errors"
	"fmt"
)

// Class is the error taxonomy used across the engine.
type Class string

const (
	ClassNone              Class = ""
	ClassConfiguration     Class = "configuration"
	ClassProtocolViolation Class = "protocol_violation"
	ClassTransient         Class = "transient"
	ClassFatal             Class = "fatal"
)

// Error is a classified error. Code is stable and suitable for assertions in
// scenario results, e.g. "ReplayDetected".
type Error struct {
	Class Class
	Code  string
	Msg   string
	Err   error
}

// New returns a classified sentinel error.
func New(class Class, code, msg string) *Error {
	return &Error{Class: class, Code: code, Msg: msg}
}

func (e *Error) Error() string {
	if e.Err != nil {
		return fmt.Sprintf("%s: %v", e.Msg, e.Err)
	}
	return e.Msg
}

func (e *Error) Unwrap() error { return e.Err }

// Is matches any *Error with the same code, so wrapped copies still compare
// equal to their sentinel.
func (e *Error) Is(target error) bool {
	var t *Error
	if !errors.As(target, &t) {
		return false
	}
	return t.Code == e.Code
}

// Wrap returns a copy of sentinel carrying cause.
func Wrap(sentinel *Error, cause error) *Error {
	cp := *sentinel
	cp.Err = cause
	return &cp
}

// ClassOf returns the class of err, or ClassNone when err is nil or unclassified.
func ClassOf(err error) Class {
	if err == nil {
		return ClassNone
	}
	var e *Error
	if errors.As(err, &e) {
		return e.Class
	}
	return ClassNone
}

// CodeOf returns the stable code of err, or "" when unclassified.
func CodeOf(err error) string {
	var e *Error
	if errors.As(err, &e) {
		return e.Code
	}
	return ""
}
