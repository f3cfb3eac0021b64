// Package middleware contains shared Gin middleware used by the HTTP layer.
//
// This file implements external-reference handling for the payment
// confirmation surface. Every signal about a payment (page load, webhook,
// poller) is keyed by an opaque external reference; this middleware
// validates the reference format at the edge, stashes the normalized value
// in the request context, and optionally performs a user-defined lookup to
// detect references whose shipment already exists so downstream components
// can:
//   - read the normalized reference (GetReference)
//   - detect already-fulfilled references (IsFulfilledReference)
//   - bypass rate limiting for fulfilled-page reloads (via an internal flag)
//
// Design goals:
//   - Keep transport concerns (validation, context stashing) in middleware.
//   - Decouple persistence via a narrow FulfilledLookup function type.
//   - Remain framework-agnostic beyond Gin's context.
package middleware

import (
	"context"
	"net/http"
	"regexp"

	"github.com/gin-gonic/gin"
)

// QueryReference is the canonical query parameter that clients use to convey
// the external payment reference on the confirmation surface.
//
// The value is expected to be stable for a given order so that reloads and
// retries all reconcile against the same payment intent.
const QueryReference = "ref"

// Context keys used internally to stash reference state.
// These keys are intentionally unexported and referenced via accessor helpers.
const (
	ctxKeyReference    = "payment.ref"
	ctxKeyRefFulfilled = "payment.fulfilled" // bool: true when a shipment already exists
	ctxKeyRateBypass   = "rate.bypass"       // bool: true to skip rate limiting
)

// GetReference returns the validated external reference stored in the Gin
// context by ReferenceValidator. The second return value indicates presence.
//
// Handlers should prefer this function over reading the query directly.
func GetReference(c *gin.Context) (string, bool) {
	v, ok := c.Get(ctxKeyReference)
	if !ok {
		return "", false
	}
	s, _ := v.(string)
	return s, s != ""
}

// IsFulfilledReference reports whether the middleware detected that this
// request's reference already has a materialized shipment.
//
// When true, upstream components (e.g., rate limiters) may choose to serve
// the request without counting it against abuse limits: reloading an
// already-confirmed page is the cheapest, most common request in the system.
func IsFulfilledReference(c *gin.Context) bool {
	v, ok := c.Get(ctxKeyRefFulfilled)
	if !ok {
		return false
	}
	b, _ := v.(bool)
	return b
}

// ReferenceOptions configures validation behavior for ReferenceValidator.
type ReferenceOptions struct {
	// MaxLen caps the accepted reference length. Values <= 0 default to 200.
	MaxLen int
	// Pattern restricts allowed characters. If nil, a conservative RFC7230-like
	// token pattern is used: ^[A-Za-z0-9._~\-:]+$
	Pattern *regexp.Regexp
}

// FulfilledLookup answers whether a shipment already exists for the external
// reference. Implementations typically consult the duplicate-detection
// lookup (cache first, then the unique-indexed column).
//
// Return exists=true when the reference is already fulfilled; return an
// error only for lookup failures (which should not block normal processing).
type FulfilledLookup func(ctx context.Context, externalReference string) (exists bool, err error)

// ReferenceValidator validates the `ref` query parameter (if present),
// stashes it in the request context, and optionally checks whether the
// reference is already fulfilled via the supplied lookup. When fulfilled,
// it marks the context so downstream components can:
//   - detect the fulfilled state via IsFulfilledReference
//   - bypass rate limiting (internal flag checked by the RL middleware)
//
// Behavior:
//   - If the parameter is absent: the middleware is a no-op.
//   - If the parameter fails validation: responds 400 with a compact error body.
//   - If lookup reports fulfilled: sets fulfilled + rate-bypass flags.
//   - Always invokes the next handler unless validation fails.
//
// This middleware never serves the shipment itself; handlers remain in
// control of reconciliation and response shaping.
func ReferenceValidator(opts ReferenceOptions, lookup FulfilledLookup) gin.HandlerFunc {
	// Sensible defaults.
	maxLen := opts.MaxLen
	if maxLen <= 0 {
		maxLen = 200
	}
	pat := opts.Pattern
	if pat == nil {
		// RFC-7230-ish token + common safe chars.
		pat = regexp.MustCompile(`^[A-Za-z0-9._~\-:]+$`)
	}

	return func(c *gin.Context) {
		ref := c.Query(QueryReference)
		if ref == "" {
			// Nothing to validate or stash; proceed.
			c.Next()
			return
		}
		if len(ref) > maxLen || !pat.MatchString(ref) {
			c.AbortWithStatusJSON(http.StatusBadRequest, gin.H{
				"code":    "bad_reference",
				"message": "invalid payment reference",
			})
			return
		}

		// Stash the normalized reference for downstream use.
		c.Set(ctxKeyReference, ref)

		// If the shipment already exists, mark fulfilled + rate bypass.
		if lookup != nil {
			if exists, _ := lookup(c.Request.Context(), ref); exists {
				c.Set(ctxKeyRefFulfilled, true)
				c.Set(ctxKeyRateBypass, true) // let RL middleware skip limiting
			}
		}

		c.Next()
	}
}

// userIDFromCtx extracts the user identifier from the Gin context as set by
// upstream authentication middleware. A development-friendly "demo-user"
// fallback is returned when no identity is available.
func userIDFromCtx(c *gin.Context) string {
	if v, ok := c.Get("userID"); ok {
		if s, ok := v.(string); ok && s != "" {
			return s
		}
	}
	return "demo-user"
}
