// Package apperrors defines the error taxonomy shared by services and handlers.
package apperrors

import (
	"errors"
	"fmt"
	"net/http"
)

// Kind classifies an error for status mapping and client messages.
type Kind string

const (
	KindConfiguration     Kind = "configuration"
	KindValidation        Kind = "validation"
	KindAuth              Kind = "auth"
	KindNotFound          Kind = "not_found"
	KindUpstreamAuth      Kind = "upstream_auth"
	KindUpstreamRateLimit Kind = "upstream_rate_limit"
	KindUpstreamServer    Kind = "upstream_server"
	KindUpstreamRequest   Kind = "upstream_request"
	KindEmptyReply        Kind = "empty_reply"
	KindPersistence       Kind = "persistence"
	KindInternal          Kind = "internal"
)

// Error is an application error carrying its kind and an optional cause.
type Error struct {
	Kind    Kind
	Message string
	Cause   error
}

// Error implements the error interface.
func (e *Error) Error() string {
	if e.Cause != nil {
		return fmt.Sprintf("%s: %s: %v", e.Kind, e.Message, e.Cause)
	}
	return fmt.Sprintf("%s: %s", e.Kind, e.Message)
}

// Unwrap returns the underlying error.
func (e *Error) Unwrap() error {
	return e.Cause
}

// HTTPStatus maps the error kind to a response status.
func (e *Error) HTTPStatus() int {
	return StatusFor(e.Kind)
}

// StatusFor maps a kind to a response status.
func StatusFor(kind Kind) int {
	switch kind {
	case KindValidation:
		return http.StatusBadRequest
	case KindAuth:
		return http.StatusUnauthorized
	case KindNotFound:
		return http.StatusNotFound
	default:
		return http.StatusInternalServerError
	}
}

// New creates an error of the given kind.
func New(kind Kind, message string) *Error {
	return &Error{Kind: kind, Message: message}
}

// Wrap creates an error of the given kind around cause.
func Wrap(kind Kind, message string, cause error) *Error {
	return &Error{Kind: kind, Message: message, Cause: cause}
}

// Configuration reports missing credentials or environment.
func Configuration(message string) *Error {
	return New(KindConfiguration, message)
}

// Validation reports malformed caller input.
func Validation(message string) *Error {
	return New(KindValidation, message)
}

// Unauthorized reports an unresolved or invalid identity.
func Unauthorized(message string) *Error {
	if message == "" {
		message = "unauthorized"
	}
	return New(KindAuth, message)
}

// NotFound reports a missing resource. It is also used for resources owned by
// someone else so that existence is never revealed.
func NotFound(resource string) *Error {
	return New(KindNotFound, resource+" not found")
}

// Persistence wraps a storage failure.
func Persistence(operation string, cause error) *Error {
	return Wrap(KindPersistence, fmt.Sprintf("database operation '%s' failed", operation), cause)
}

// KindOf returns the kind of err, or KindInternal for foreign errors.
func KindOf(err error) Kind {
	var appErr *Error
	if errors.As(err, &appErr) {
		return appErr.Kind
	}
	return KindInternal
}

// Is reports whether err is an application error of the given kind.
func Is(err error, kind Kind) bool {
	var appErr *Error
	return errors.As(err, &appErr) && appErr.Kind == kind
}

// IsUpstream reports whether err came from the completion service.
func IsUpstream(err error) bool {
	switch KindOf(err) {
	case KindUpstreamAuth, KindUpstreamRateLimit, KindUpstreamServer, KindUpstreamRequest, KindEmptyReply:
		return true
	}
	return false
}

// Message returns a client-safe message for err.
func Message(err error) string {
	var appErr *Error
	if errors.As(err, &appErr) {
		return appErr.Message
	}
	return "internal server error"
}
