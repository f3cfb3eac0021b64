// Checkout HTTP handlers.
//
// This file exposes the checkout entry point:
//   - POST /quotes (validate order payload, open pix charge, start polling)
//
// Handlers are transport-thin: they validate input, call application services,
// and translate results into HTTP responses.
package handlers

import (
	"context"
	"errors"
	"net/http"
	"strings"

	"github.com/gin-gonic/gin"

	"github.com/confix/go-shipping-backend/internal/domain"
	"github.com/confix/go-shipping-backend/internal/gateway"
	"github.com/confix/go-shipping-backend/internal/poller"
	"github.com/confix/go-shipping-backend/internal/services"
)

//
// Service contracts (context-aware)
//

// CheckoutService defines the checkout operation consumed by HTTP handlers.
//
// Implementations should be safe for concurrent use and must honor the
// provided context for cancellation and timeouts.
type CheckoutService interface {
	// Start validates the payload, opens a pix charge, and persists the intent.
	Start(ctx context.Context, userID, externalReference string, payload domain.OrderPayload) (*services.Checkout, error)
}

// ReconcileService defines the payment confirmation operations.
//
// Reconcile is the idempotent entry point shared by page loads, webhooks,
// and the poller; ConfirmPayment/FailPayment record external signals.
type ReconcileService interface {
	Reconcile(ctx context.Context, externalReference string) (*services.ReconcileResult, error)
	ConfirmPayment(ctx context.Context, externalReference string) error
	FailPayment(ctx context.Context, externalReference string) error
}

// ShipmentService defines the read-side queries for the tracking page and
// the address book.
type ShipmentService interface {
	ByTrackingCode(ctx context.Context, code string) (*domain.Shipment, []domain.StatusHistory, error)
	SavedAddresses(ctx context.Context, userID string) ([]domain.SavedAddress, error)
}

// PollSessions is the polling session registry consumed by the payment
// endpoints: open on checkout, manual check, close on modal teardown.
type PollSessions interface {
	Open(ctx context.Context, paymentID, externalReference string) *poller.Session
	Get(paymentID string) *poller.Session
	Close(paymentID string)
}

//
// Handler wiring
//

// Handlers groups HTTP endpoints for checkout, payment confirmation, and
// shipment queries. It depends on abstract service interfaces to keep
// transport concerns separate from business logic.
type Handlers struct {
	checkoutSvc  CheckoutService
	reconcileSvc ReconcileService
	shipmentSvc  ShipmentService
	sessions     PollSessions
}

// New constructs and returns a Handlers instance bound to the given services.
func New(checkoutSvc CheckoutService, reconcileSvc ReconcileService, shipmentSvc ShipmentService, sessions PollSessions) *Handlers {
	return &Handlers{
		checkoutSvc:  checkoutSvc,
		reconcileSvc: reconcileSvc,
		shipmentSvc:  shipmentSvc,
		sessions:     sessions,
	}
}

// userID extracts the authenticated user id from Gin context (set by upstream
// middleware). If absent, it falls back to "X-User-ID" header (tests use it),
// and finally to "demo-user". It never touches c.Request if it's nil.
func userID(c *gin.Context) string {
	if v, ok := c.Get("userID"); ok {
		if s, ok := v.(string); ok && s != "" {
			return s
		}
	}
	if c != nil && c.Request != nil {
		if h := strings.TrimSpace(c.GetHeader("X-User-ID")); h != "" {
			return h
		}
	}
	return "demo-user"
}

//
// DTOs
//

// CheckoutRequest is the JSON payload for starting a checkout. The embedded
// order payload is the self-contained fulfillment snapshot; the external
// reference is optional and generated when absent.
type CheckoutRequest struct {
	ExternalReference string              `json:"external_reference" example:"ord-2025-0001"`
	Order             domain.OrderPayload `json:"order" binding:"required"`
}

// CheckoutResponse wraps the durable intent and the pix charge the payment
// modal renders.
type CheckoutResponse struct {
	IntentID          string            `json:"intent_id"`
	ExternalReference string            `json:"external_reference"`
	Status            string            `json:"status"`
	Charge            gateway.PixCharge `json:"charge"`
}

//
// Handlers
//

// StartCheckout handles POST /quotes. On success the pix charge is returned
// and a polling session is already watching the payment.
func (h *Handlers) StartCheckout(c *gin.Context) {
	var req CheckoutRequest
	if err := c.ShouldBindJSON(&req); err != nil {
		fail(c, http.StatusBadRequest, ErrCodeBadRequest, "invalid JSON body")
		return
	}

	out, err := h.checkoutSvc.Start(c.Request.Context(), userID(c), req.ExternalReference, req.Order)
	switch {
	case errors.Is(err, services.ErrReferenceInUse):
		fail(c, http.StatusConflict, ErrCodeReferenceInUse, "external reference already in use")
		return
	case errors.Is(err, services.ErrInvalidPayload):
		fail(c, http.StatusBadRequest, ErrCodeBadRequest, err.Error())
		return
	case err != nil:
		fail(c, http.StatusInternalServerError, ErrCodeCheckoutFailed, "could not start checkout")
		return
	}

	// Watch the payment from the server side; the session outlives this
	// request, hence the detached context.
	if h.sessions != nil {
		h.sessions.Open(context.WithoutCancel(c.Request.Context()), out.Charge.PaymentID, out.Intent.ExternalReference)
	}

	ok(c, http.StatusCreated, CheckoutResponse{
		IntentID:          out.Intent.ID,
		ExternalReference: out.Intent.ExternalReference,
		Status:            string(out.Intent.Status),
		Charge:            out.Charge,
	})
}
