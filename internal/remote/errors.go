package remote

import (
	"errors"
	"fmt"
	"net/http"
)

// Class buckets a remote failure for the retry policy.
type Class int

const (
	// ClassTransient covers connectivity faults, timeouts, and 5xx
	// responses: retried via the queue's retry counter.
	ClassTransient Class = iota

	// ClassPermanent covers 4xx rejections (validation, missing foreign
	// keys). Retried identically to transient failures by default; they
	// just exhaust the ceiling faster and land in the DLQ for inspection.
	ClassPermanent

	// ClassAuth covers 401/403: the cycle aborts and the orchestrator
	// reauthenticates before anything else is attempted.
	ClassAuth
)

func (c Class) String() string {
	switch c {
	case ClassTransient:
		return "transient"
	case ClassPermanent:
		return "permanent"
	case ClassAuth:
		return "auth"
	}
	return "unknown"
}

// APIError is a classified failure from the cloud API.
type APIError struct {
	Status  int
	Class   Class
	Message string
}

func (e *APIError) Error() string {
	if e.Status > 0 {
		return fmt.Sprintf("remote: %s (%d %s)", e.Message, e.Status, e.Class)
	}
	return fmt.Sprintf("remote: %s (%s)", e.Message, e.Class)
}

// statusError builds an APIError from an HTTP response status.
func statusError(status int, message string) *APIError {
	return &APIError{Status: status, Class: classifyStatus(status), Message: message}
}

// transportError wraps a network-level failure (DNS, refused, timeout) as
// transient.
func transportError(err error) *APIError {
	return &APIError{Class: ClassTransient, Message: err.Error()}
}

func classifyStatus(status int) Class {
	switch {
	case status == http.StatusUnauthorized || status == http.StatusForbidden:
		return ClassAuth
	case status >= 400 && status < 500:
		return ClassPermanent
	default:
		return ClassTransient
	}
}

// IsAuthError reports whether err is a 401/403 class failure.
func IsAuthError(err error) bool {
	var apiErr *APIError
	return errors.As(err, &apiErr) && apiErr.Class == ClassAuth
}

// IsPermanent reports whether err is a 4xx rejection.
func IsPermanent(err error) bool {
	var apiErr *APIError
	return errors.As(err, &apiErr) && apiErr.Class == ClassPermanent
}

// IsTransient reports whether err is a connectivity fault, timeout, or
// 5xx response.
func IsTransient(err error) bool {
	var apiErr *APIError
	return errors.As(err, &apiErr) && apiErr.Class == ClassTransient
}
