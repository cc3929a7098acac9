package model

import (
	"errors"
	"fmt"
	"strings"
)

// ErrorClass classifies a backend error for retry decisions.
type ErrorClass string

const (
	// ClassTransient covers network failures and server-side errors that may
	// succeed on retry.
	ClassTransient ErrorClass = "transient"

	// ClassThrottled covers rate limiting. Retried like transient errors.
	ClassThrottled ErrorClass = "throttled"

	// ClassNotFound means the addressed resource or definition does not exist.
	ClassNotFound ErrorClass = "not_found"

	// ClassPermanent covers everything that will not succeed on retry.
	ClassPermanent ErrorClass = "permanent"
)

// ErrNotSupported is returned by backends for operations they do not offer,
// such as definition registration on Kubernetes.
var ErrNotSupported = errors.New("operation not supported by backend")

// BackendError wraps an error returned by a compute backend with its class.
type BackendError struct {
	Class    ErrorClass
	Op       string
	Resource string
	Err      error
}

// Error implements the error interface.
func (e *BackendError) Error() string {
	if e.Resource != "" {
		return fmt.Sprintf("%s %s [%s]: %v", e.Op, e.Resource, e.Class, e.Err)
	}
	return fmt.Sprintf("%s [%s]: %v", e.Op, e.Class, e.Err)
}

// Unwrap returns the underlying error.
func (e *BackendError) Unwrap() error {
	return e.Err
}

// NewBackendError builds a classified backend error.
func NewBackendError(class ErrorClass, op, resource string, err error) *BackendError {
	return &BackendError{Class: class, Op: op, Resource: resource, Err: err}
}

// IsTransient reports whether err is a backend error worth retrying.
func IsTransient(err error) bool {
	var be *BackendError
	if !errors.As(err, &be) {
		return false
	}
	return be.Class == ClassTransient || be.Class == ClassThrottled
}

// IsNotFound reports whether err is a backend not-found error.
func IsNotFound(err error) bool {
	var be *BackendError
	return errors.As(err, &be) && be.Class == ClassNotFound
}

// ConfigurationError reports configuration that cannot produce a resource,
// for example a unit with no resolvable container image. It is never retried.
type ConfigurationError struct {
	Field   string
	Message string
}

// Error implements the error interface.
func (e *ConfigurationError) Error() string {
	if e.Field != "" {
		return fmt.Sprintf("configuration error: %s: %s", e.Field, e.Message)
	}
	return "configuration error: " + e.Message
}

// FailureReason is one per-item rejection reported by a backend create call.
type FailureReason struct {
	Resource string `json:"resource,omitempty"`
	Reason   string `json:"reason"`
	Detail   string `json:"detail,omitempty"`
}

// String formats the reason as "<resource> failed because <reason>: <detail>".
func (r FailureReason) String() string {
	var b strings.Builder
	if r.Resource != "" {
		b.WriteString(r.Resource)
		b.WriteString(" failed because ")
	}
	b.WriteString(r.Reason)
	if r.Detail != "" {
		b.WriteString(": ")
		b.WriteString(r.Detail)
	}
	return b.String()
}

// LaunchFailure is returned when the backend created no resource for a launch.
// It aggregates every failure reason the backend reported.
type LaunchFailure struct {
	Resource string
	Reasons  []FailureReason
}

// Error implements the error interface.
func (e *LaunchFailure) Error() string {
	if len(e.Reasons) == 0 {
		return fmt.Sprintf("launch %s failed: backend created no resources", e.Resource)
	}
	parts := make([]string, len(e.Reasons))
	for i, r := range e.Reasons {
		parts[i] = r.String()
	}
	return fmt.Sprintf("launch %s failed: %s", e.Resource, strings.Join(parts, "; "))
}
