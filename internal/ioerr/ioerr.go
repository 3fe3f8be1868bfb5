// Package ioerr defines the error taxonomy shared by the credential store,
// the provider adapters, and the orchestrator. Every error carries a Kind
// (machine-readable), a message, and an optional details map. Secrets never
// enter the details map; callers pass already-redacted values.
package ioerr

import (
	"errors"
	"fmt"
	"strings"
)

// Kind classifies an error for retry and reporting decisions.
type Kind string

const (
	KindValidation            Kind = "validation"
	KindCredentialUnavailable Kind = "credential_unavailable"
	KindConsentRequired       Kind = "consent_required"
	KindDelegationDenied      Kind = "delegation_denied"
	KindAuthExpired           Kind = "auth_expired"
	KindForbidden             Kind = "forbidden"
	KindNotFound              Kind = "not_found"
	KindConflict              Kind = "conflict"
	KindTransient             Kind = "transient"
	KindTimeout               Kind = "timeout"
	KindCancelled             Kind = "cancelled"
	KindPartialSuccess        Kind = "partial_success"
	KindMalformed             Kind = "malformed"
	KindInternal              Kind = "internal"
)

// Error is the taxonomy-carrying error type.
type Error struct {
	Kind    Kind
	Message string
	Details map[string]string
	Wrapped error
}

func (e *Error) Error() string {
	if e.Wrapped != nil {
		return fmt.Sprintf("%s: %s: %v", e.Kind, e.Message, e.Wrapped)
	}
	return fmt.Sprintf("%s: %s", e.Kind, e.Message)
}

func (e *Error) Unwrap() error { return e.Wrapped }

// Is matches two taxonomy errors by Kind, so errors.Is(err, ioerr.Transient("", nil))
// style sentinels work without comparing messages.
func (e *Error) Is(target error) bool {
	var te *Error
	if errors.As(target, &te) {
		return te.Kind == e.Kind
	}
	return false
}

// Code returns the machine-readable code for the error.
func (e *Error) Code() string { return string(e.Kind) }

func (k Kind) String() string { return string(k) }

// New constructs a taxonomy error.
func New(kind Kind, msg string) *Error {
	return &Error{Kind: kind, Message: msg}
}

// Wrap constructs a taxonomy error wrapping a cause.
func Wrap(kind Kind, msg string, cause error) *Error {
	return &Error{Kind: kind, Message: msg, Wrapped: cause}
}

// WithDetail returns the error with one detail added. The value must not
// contain secret material.
func (e *Error) WithDetail(key, value string) *Error {
	if e.Details == nil {
		e.Details = make(map[string]string)
	}
	e.Details[key] = value
	return e
}

// KindOf extracts the Kind from any error; non-taxonomy errors are Internal.
func KindOf(err error) Kind {
	if err == nil {
		return ""
	}
	var e *Error
	if errors.As(err, &e) {
		return e.Kind
	}
	return KindInternal
}

// IsKind reports whether err carries the given kind.
func IsKind(err error, kind Kind) bool {
	return KindOf(err) == kind
}

// Retryable reports whether the error is safe to retry with backoff.
func Retryable(err error) bool {
	return IsKind(err, KindTransient)
}

// Validation builds a validation error citing the offending field.
func Validation(field, reason string) *Error {
	e := New(KindValidation, fmt.Sprintf("invalid %s: %s", field, reason))
	return e.WithDetail("field", field)
}

// Malformed builds a server-side validation rejection for a pre-validated field.
func Malformed(field, reason string) *Error {
	e := New(KindMalformed, fmt.Sprintf("provider rejected %s: %s", field, reason))
	return e.WithDetail("field", field).WithDetail("reason", reason)
}

// Cancelled is the terminal error delivered for cancelled work.
func Cancelled() *Error { return New(KindCancelled, "operation cancelled") }

// Timeout is the terminal error for an elapsed request deadline.
func Timeout(what string) *Error {
	return New(KindTimeout, "deadline elapsed: "+what)
}

// ProviderOutcome is one provider's terminal result inside a partial success.
type ProviderOutcome struct {
	Provider string `json:"provider"`
	Code     string `json:"code"`
	Message  string `json:"message,omitempty"`
}

// Partial builds a PartialSuccess error from per-provider outcomes.
func Partial(outcomes []ProviderOutcome) *Error {
	var parts []string
	for _, o := range outcomes {
		parts = append(parts, o.Provider+"="+o.Code)
	}
	e := New(KindPartialSuccess, "partial success: "+strings.Join(parts, " "))
	for _, o := range outcomes {
		e = e.WithDetail(o.Provider, o.Code)
	}
	return e
}

// Exit maps an error kind to the CLI process exit code.
func Exit(err error) int {
	if err == nil {
		return 0
	}
	switch KindOf(err) {
	case KindValidation, KindMalformed:
		return 2
	case KindCredentialUnavailable, KindConsentRequired, KindDelegationDenied, KindForbidden, KindAuthExpired:
		return 3
	case KindTransient, KindTimeout, KindNotFound, KindConflict, KindPartialSuccess:
		return 4
	default:
		return 1
	}
}
