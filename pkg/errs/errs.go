// Package errs defines the platform error taxonomy. Every failure that can
// reach a caller carries a stable machine code grouped into a kind; the kind
// decides HTTP mapping and propagation policy, the code is what tests and
// clients match on.
package errs

import (
	"errors"
	"fmt"
	"net/http"
)

// Kind groups machine codes by caller-visible behaviour.
type Kind int

const (
	// KindValidation is a malformed or missing input. 400.
	KindValidation Kind = iota
	// KindAuth is a missing or insufficient identity. 401 or 403.
	KindAuth
	// KindState is a precondition failure on current entity state. 409.
	KindState
	// KindPolicy is a policy or compliance denial. 403.
	KindPolicy
	// KindCrypto is a signature, proof or identity-binding failure. 400.
	KindCrypto
	// KindNotFound is a missing entity. 404.
	KindNotFound
	// KindRateLimit is a velocity rejection. 429.
	KindRateLimit
	// KindService is a transient downstream failure, retried per policy. 503.
	KindService
	// KindInternal is an unexpected failure, never detailed to callers. 500.
	KindInternal
)

// Machine codes shared across components. Component-specific codes (the
// mandate verifier's failure strings, treasury limits, …) are declared next
// to the code that produces them.
const (
	CodeInvalidJSON        = "invalid_json"
	CodeUnauthenticated    = "unauthenticated"
	CodeUnauthorized       = "unauthorized"
	CodeInvalidOperation   = "invalid_operation"
	CodePolicyViolation    = "policy_violation"
	CodeServiceUnavailable = "service_unavailable"
	CodeChainSubmitFailed  = "chain_submit_failed"
	CodeInternal           = "internal_error"
)

// Error is the structured platform error.
type Error struct {
	Kind    Kind
	Code    string
	Message string
	Details map[string]any

	cause error
}

// New constructs an Error with the given kind, machine code and message.
func New(kind Kind, code, message string) *Error {
	return &Error{Kind: kind, Code: code, Message: message}
}

// Newf constructs an Error with a formatted message.
func Newf(kind Kind, code, format string, args ...any) *Error {
	return &Error{Kind: kind, Code: code, Message: fmt.Sprintf(format, args...)}
}

// Wrap attaches a cause to a new Error. The cause is preserved for
// errors.Is/As but never rendered to callers.
func Wrap(cause error, kind Kind, code, message string) *Error {
	return &Error{Kind: kind, Code: code, Message: message, cause: cause}
}

// NotFound builds the conventional "<resource>_not_found" error.
func NotFound(resource, id string) *Error {
	e := New(KindNotFound, resource+"_not_found", fmt.Sprintf("%s %s not found", resource, id))
	return e.WithDetail("id", id)
}

// Validation builds a KindValidation error.
func Validation(code, message string) *Error {
	return New(KindValidation, code, message)
}

// Internal wraps an unexpected failure. The message shown to callers is
// fixed; the cause goes to logs only.
func Internal(cause error) *Error {
	return Wrap(cause, KindInternal, CodeInternal, "an unexpected error occurred")
}

// Error implements the error interface.
func (e *Error) Error() string {
	if e.cause != nil {
		return fmt.Sprintf("%s: %s: %v", e.Code, e.Message, e.cause)
	}
	return fmt.Sprintf("%s: %s", e.Code, e.Message)
}

// Unwrap exposes the cause for errors.Is/As.
func (e *Error) Unwrap() error { return e.cause }

// WithDetail attaches a key/value to the error's caller-visible details and
// returns the same error for chaining.
func (e *Error) WithDetail(key string, value any) *Error {
	if e.Details == nil {
		e.Details = make(map[string]any, 1)
	}
	e.Details[key] = value
	return e
}

// CodeOf returns the machine code of err, or "internal_error" for foreign
// errors.
func CodeOf(err error) string {
	var pe *Error
	if errors.As(err, &pe) {
		return pe.Code
	}
	return CodeInternal
}

// KindOf returns the kind of err, defaulting to KindInternal.
func KindOf(err error) Kind {
	var pe *Error
	if errors.As(err, &pe) {
		return pe.Kind
	}
	return KindInternal
}

// IsCode reports whether err carries the given machine code.
func IsCode(err error, code string) bool {
	return CodeOf(err) == code
}

// HTTPStatus maps an error to its HTTP status per the taxonomy.
func HTTPStatus(err error) int {
	var pe *Error
	if !errors.As(err, &pe) {
		return http.StatusInternalServerError
	}
	switch pe.Kind {
	case KindValidation, KindCrypto:
		return http.StatusBadRequest
	case KindAuth:
		if pe.Code == CodeUnauthenticated {
			return http.StatusUnauthorized
		}
		return http.StatusForbidden
	case KindState:
		return http.StatusConflict
	case KindPolicy:
		return http.StatusForbidden
	case KindNotFound:
		return http.StatusNotFound
	case KindRateLimit:
		return http.StatusTooManyRequests
	case KindService:
		return http.StatusServiceUnavailable
	default:
		return http.StatusInternalServerError
	}
}

// Response is the caller-visible failure shape. Crypto and sanctions errors
// are rendered with code and message only; internal causes are always
// elided.
type Response struct {
	Code      string         `json:"code"`
	Message   string         `json:"message"`
	Details   map[string]any `json:"details,omitempty"`
	RequestID string         `json:"request_id"`
}

// ToResponse renders err for a caller, attaching the request id. Foreign
// errors collapse to internal_error with a generic message.
func ToResponse(err error, requestID string) Response {
	var pe *Error
	if !errors.As(err, &pe) {
		return Response{Code: CodeInternal, Message: "an unexpected error occurred", RequestID: requestID}
	}
	resp := Response{Code: pe.Code, Message: pe.Message, RequestID: requestID}
	// Kind-level redaction: crypto failures never expose which sub-check
	// failed beyond the code itself.
	if pe.Kind != KindCrypto {
		resp.Details = pe.Details
	}
	return resp
}

// Retryable reports whether the error kind participates in the retry policy.
func Retryable(err error) bool {
	return KindOf(err) == KindService
}
