// Package api
// Author: momentics <momentics@gmail.com>
//
// Common error types and error handling utilities for hioload-proxy.

package api

import (
	"errors"
	"fmt"
)

// Common errors used across the proxy. Match with errors.Is.
var (
	ErrInvalidArgument = errors.New("invalid argument")
	ErrAlreadyStarted  = errors.New("connector already started")
	ErrBindFailure     = errors.New("bind failure")
	ErrAlreadyQueued   = errors.New("handler already queued")
	ErrNotSupported    = errors.New("operation not supported")
)

// ErrorCode represents specific error conditions in the library.
type ErrorCode int

const (
	ErrCodeOK ErrorCode = iota
	ErrCodeInvalidArgument
	ErrCodeAlreadyStarted
	ErrCodeBindFailure
	ErrCodeNotSupported
	ErrCodeInternal
)

var codeErrors = map[ErrorCode]error{
	ErrCodeInvalidArgument: ErrInvalidArgument,
	ErrCodeAlreadyStarted:  ErrAlreadyStarted,
	ErrCodeBindFailure:     ErrBindFailure,
	ErrCodeNotSupported:    ErrNotSupported,
}

// Error represents a structured error with code and context.
type Error struct {
	Code    ErrorCode
	Message string
	Context map[string]any
}

// Error implements the error interface.
func (e *Error) Error() string {
	if len(e.Context) == 0 {
		return e.Message
	}
	return fmt.Sprintf("%s (context: %+v)", e.Message, e.Context)
}

// Unwrap exposes the sentinel matching Code.
func (e *Error) Unwrap() error {
	return codeErrors[e.Code]
}

// NewError creates a new structured error.
func NewError(code ErrorCode, message string) *Error {
	return &Error{
		Code:    code,
		Message: message,
		Context: make(map[string]any),
	}
}

// WithContext adds context information to the error.
func (e *Error) WithContext(key string, value any) *Error {
	if e.Context == nil {
		e.Context = make(map[string]any)
	}
	e.Context[key] = value
	return e
}

// BindError reports that the listening socket could not be opened.
type BindError struct {
	Addr string
	Err  error
}

func (e *BindError) Error() string {
	return fmt.Sprintf("bind %s: %v", e.Addr, e.Err)
}

// Unwrap matches both ErrBindFailure and the underlying cause.
func (e *BindError) Unwrap() []error {
	return []error{ErrBindFailure, e.Err}
}
