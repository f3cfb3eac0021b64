// Package handlers defines HTTP-layer error codes used across all API endpoints.
//
// This file centralizes symbolic error code constants that are mapped to HTTP responses
// (via the `fail()` helper in this package). These codes provide clients with a stable,
// machine-readable error taxonomy that supplements human-readable messages.
//
// Conventions:
//   - Codes are lowercase, snake_case, and domain-agnostic unless explicitly noted.
//   - Generic codes (e.g., bad_request, unauthorized, conflict) mirror common HTTP
//     status semantics to aid interoperability.
//   - Domain-specific codes (e.g., payment_pending, still_processing) are reserved
//     for business states the front end branches on during the confirmation flow.
//   - All error responses must include both an HTTP status and one of these codes.

package handlers

const (
	ErrCodeBadRequest   = "bad_request"
	ErrCodeUnauthorized = "unauthorized"
	ErrCodeForbidden    = "forbidden"
	ErrCodeNotFound     = "not_found"
	ErrCodeConflict     = "conflict"
	ErrCodeRateLimited  = "too_many_requests"
	ErrCodeInternal     = "internal_error"

	// Domain-specific:
	ErrCodeReferenceNotFound = "reference_not_found"
	ErrCodePaymentPending    = "payment_pending"
	ErrCodeStillProcessing   = "still_processing"
	ErrCodePaymentFailed     = "payment_failed"
	ErrCodeReferenceInUse    = "reference_in_use"
	ErrCodeSessionNotFound   = "session_not_found"
	ErrCodeCheckoutFailed    = "checkout_failed"
	ErrCodeMethodNotAllowed  = "method_not_allowed"
)
