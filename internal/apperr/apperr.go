// Package apperr defines the error kinds surfaced by the portal and their HTTP mapping.
package apperr

import (
	"errors"
	"fmt"
	"net/http"
)

// Kind classifies an error for the presentation layer
type Kind string

const (
	KindValidation      Kind = "validation"
	KindNotFound        Kind = "not_found"
	KindUnauthenticated Kind = "unauthenticated"
	KindAuthorization   Kind = "authorization"
	KindAlreadyDecided  Kind = "already_decided"
	KindCollaborator    Kind = "collaborator"
	KindInternal        Kind = "internal"
)

// Error is a classified error. Fields carries per-field detail for validation failures.
type Error struct {
	Kind    Kind
	Message string
	Fields  map[string]string
	Err     error
}

func (e *Error) Error() string {
	if e.Err != nil {
		return fmt.Sprintf("%s: %v", e.Message, e.Err)
	}
	return e.Message
}

func (e *Error) Unwrap() error {
	return e.Err
}

// Code returns the HTTP status code for the error kind
func (e *Error) Code() int {
	switch e.Kind {
	case KindValidation:
		return http.StatusBadRequest
	case KindNotFound:
		return http.StatusNotFound
	case KindUnauthenticated:
		return http.StatusUnauthorized
	case KindAuthorization:
		return http.StatusForbidden
	case KindAlreadyDecided:
		return http.StatusConflict
	default:
		return http.StatusInternalServerError
	}
}

// Validation reports a malformed payload. fields maps field name to problem.
func Validation(message string, fields map[string]string) *Error {
	return &Error{Kind: KindValidation, Message: message, Fields: fields}
}

// NotFound reports a missing entity
func NotFound(resource string, id interface{}) *Error {
	return &Error{Kind: KindNotFound, Message: fmt.Sprintf("%s %v not found", resource, id)}
}

// Unauthenticated reports a missing or invalid credential
func Unauthenticated(message string, err error) *Error {
	return &Error{Kind: KindUnauthenticated, Message: message, Err: err}
}

// Forbidden reports an authenticated caller without the required role or bucket access
func Forbidden(message string) *Error {
	return &Error{Kind: KindAuthorization, Message: message}
}

// AlreadyDecided reports a decision attempt on a request that is no longer pending
func AlreadyDecided(requestID int64, status string) *Error {
	return &Error{
		Kind:    KindAlreadyDecided,
		Message: fmt.Sprintf("access request %d already %s", requestID, status),
	}
}

// Collaborator wraps a failure of the identity provider, storage provider or store
func Collaborator(operation string, err error) *Error {
	return &Error{Kind: KindCollaborator, Message: operation + " failed", Err: err}
}

// KindOf returns the kind of err, or KindInternal when err is not classified
func KindOf(err error) Kind {
	var appErr *Error
	if errors.As(err, &appErr) {
		return appErr.Kind
	}
	return KindInternal
}

// Is reports whether err is classified as kind
func Is(err error, kind Kind) bool {
	return err != nil && KindOf(err) == kind
}

// HTTPStatus maps any error to a status code
func HTTPStatus(err error) int {
	var appErr *Error
	if errors.As(err, &appErr) {
		return appErr.Code()
	}
	return http.StatusInternalServerError
}
