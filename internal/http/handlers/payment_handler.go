// Payment HTTP handlers.
//
// This file exposes the payment confirmation surface:
//   - GET    /payments/confirmation?ref=...  (reconciliation entry point)
//   - POST   /payments/webhook               (inbound gateway notification)
//   - POST   /payments/{id}/check            (manual "I already paid")
//   - DELETE /payments/{id}/session          (modal teardown)
//
// The confirmation endpoint is deliberately safe to hammer: every page load,
// reload, and retry funnels into the same idempotent reconciliation, and the
// response tells the front end whether to render the shipment, keep waiting,
// or give up.
package handlers

import (
	"errors"
	"net/http"
	"strings"

	"github.com/gin-gonic/gin"

	"github.com/confix/go-shipping-backend/internal/http/middleware"
	"github.com/confix/go-shipping-backend/internal/poller"
	"github.com/confix/go-shipping-backend/internal/services"
)

// retryAfterMS is the retry hint attached to 202 responses. It mirrors the
// reconciler's duplicate-wait spacing so a retrying client lands after the
// winner had a full window to finish.
const retryAfterMS = 2500

// WebhookRequest is the gateway's payment notification payload.
type WebhookRequest struct {
	PaymentID         string `json:"payment_id"`
	ExternalReference string `json:"external_reference" binding:"required"`
	Status            string `json:"status" binding:"required"`
}

// ManualCheckResponse reports the gateway answer to an out-of-band check.
type ManualCheckResponse struct {
	PaymentID string `json:"payment_id"`
	State     string `json:"state"`
	Status    string `json:"status"`
	Paid      bool   `json:"paid"`
}

// ConfirmPaymentPage handles GET /payments/confirmation. This is the
// page-load path of the confirmation race: it reconciles the reference and
// returns 200 with the shipment, 202 while settling, or a terminal error.
func (h *Handlers) ConfirmPaymentPage(c *gin.Context) {
	ref := strings.TrimSpace(c.Query("ref"))
	if ref == "" {
		fail(c, http.StatusBadRequest, ErrCodeBadRequest, "query parameter 'ref' is required")
		return
	}

	res, err := h.reconcileSvc.Reconcile(c.Request.Context(), ref)
	switch {
	case errors.Is(err, services.ErrReferenceNotFound):
		fail(c, http.StatusNotFound, ErrCodeReferenceNotFound, "no payment found for reference")
	case errors.Is(err, services.ErrPaymentPending):
		retryLater(c, ErrCodePaymentPending, "payment not confirmed yet", retryAfterMS)
	case errors.Is(err, services.ErrStillProcessing):
		retryLater(c, ErrCodeStillProcessing, "payment confirmed, shipment being prepared", retryAfterMS)
	case errors.Is(err, services.ErrPaymentFailed):
		fail(c, http.StatusConflict, ErrCodePaymentFailed, "payment failed or expired")
	case err != nil:
		fail(c, http.StatusInternalServerError, ErrCodeInternal, "confirmation failed")
	default:
		ok(c, http.StatusOK, res)
	}
}

// PaymentWebhook handles POST /payments/webhook. The gateway retries
// non-2xx responses, so every understood notification is answered 200 even
// when fulfillment is still in flight; only malformed payloads are rejected.
func (h *Handlers) PaymentWebhook(c *gin.Context) {
	var req WebhookRequest
	if err := c.ShouldBindJSON(&req); err != nil {
		fail(c, http.StatusBadRequest, ErrCodeBadRequest, "invalid webhook payload")
		return
	}

	ctx := c.Request.Context()
	lg := middleware.LoggerFrom(c)

	switch {
	case isPaidStatus(req.Status):
		if err := h.reconcileSvc.ConfirmPayment(ctx, req.ExternalReference); err != nil {
			if errors.Is(err, services.ErrReferenceNotFound) {
				fail(c, http.StatusNotFound, ErrCodeReferenceNotFound, "unknown external reference")
				return
			}
			fail(c, http.StatusInternalServerError, ErrCodeInternal, "could not record confirmation")
			return
		}
		// Drive fulfillment from the webhook path too. Losing the race or
		// catching the winner mid-write is normal here.
		if _, err := h.reconcileSvc.Reconcile(ctx, req.ExternalReference); err != nil &&
			!errors.Is(err, services.ErrStillProcessing) {
			lg.Warn().Err(err).
				Str("reference", req.ExternalReference).
				Msg("webhook-driven reconciliation did not complete")
		}
		if h.sessions != nil && req.PaymentID != "" {
			h.sessions.Close(req.PaymentID)
		}

	case isFailedStatus(req.Status):
		if err := h.reconcileSvc.FailPayment(ctx, req.ExternalReference); err != nil &&
			!errors.Is(err, services.ErrReferenceNotFound) {
			fail(c, http.StatusInternalServerError, ErrCodeInternal, "could not record failure")
			return
		}
		if h.sessions != nil && req.PaymentID != "" {
			h.sessions.Close(req.PaymentID)
		}

	default:
		lg.Debug().
			Str("status", req.Status).
			Str("reference", req.ExternalReference).
			Msg("ignoring webhook status")
	}

	ok(c, http.StatusOK, gin.H{"received": true})
}

// ManualCheck handles POST /payments/{id}/check: one out-of-band gateway
// query, independent of the polling cadence. Works on dormant (timed out)
// sessions; a paid answer flows through the same confirmation hooks as the
// cadence would.
func (h *Handlers) ManualCheck(c *gin.Context) {
	paymentID := c.Param("id")
	if h.sessions == nil {
		fail(c, http.StatusNotFound, ErrCodeSessionNotFound, "no polling session for payment")
		return
	}
	s := h.sessions.Get(paymentID)
	if s == nil {
		fail(c, http.StatusNotFound, ErrCodeSessionNotFound, "no polling session for payment")
		return
	}

	res, err := s.CheckNow(c.Request.Context())
	if errors.Is(err, poller.ErrSessionClosed) {
		fail(c, http.StatusConflict, ErrCodeConflict, "polling session already settled")
		return
	}
	if err != nil {
		fail(c, http.StatusBadGateway, ErrCodeInternal, "gateway status query failed")
		return
	}

	ok(c, http.StatusOK, ManualCheckResponse{
		PaymentID: paymentID,
		State:     string(s.State()),
		Status:    res.Status,
		Paid:      res.Paid,
	})
}

// CloseSession handles DELETE /payments/{id}/session. Closing an unknown
// session is a success: the buyer may have paid and the session already
// removed itself.
func (h *Handlers) CloseSession(c *gin.Context) {
	if h.sessions != nil {
		h.sessions.Close(c.Param("id"))
	}
	noContent(c)
}

func isPaidStatus(status string) bool {
	switch strings.ToUpper(status) {
	case "PAID", "APPROVED", "CONFIRMED", "COMPLETED":
		return true
	}
	return false
}

func isFailedStatus(status string) bool {
	switch strings.ToUpper(status) {
	case "EXPIRED", "REJECTED", "CANCELLED", "REFUNDED", "FAILED":
		return true
	}
	return false
}
