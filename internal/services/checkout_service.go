// Package services – CheckoutService
//
// This file implements the checkout entry of the payment flow: validating
// the order payload at the ingestion boundary, opening a pix charge with the
// gateway, and persisting the PaymentIntent that anchors all later
// reconciliation under its external reference.
package services

import (
	"context"
	"errors"
	"fmt"
	"strings"

	"github.com/google/uuid"
	"gorm.io/gorm"

	"github.com/confix/go-shipping-backend/internal/domain"
	"github.com/confix/go-shipping-backend/internal/gateway"
	"github.com/confix/go-shipping-backend/internal/repo"
)

// ErrReferenceInUse is returned when a checkout reuses an external reference
// that already has an intent. References are one-shot by design.
var ErrReferenceInUse = errors.New("external reference already in use")

// ErrInvalidPayload wraps order payload validation failures so the transport
// layer can map them to 400 without string matching.
var ErrInvalidPayload = errors.New("invalid order payload")

// CheckoutService opens payment intents and their pix charges.
type CheckoutService struct {
	DB      *gorm.DB
	Gateway gateway.Client
}

// NewCheckoutService constructs a CheckoutService.
func NewCheckoutService(db *gorm.DB, gw gateway.Client) *CheckoutService {
	return &CheckoutService{DB: db, Gateway: gw}
}

// Checkout is the result handed back to the client: the durable intent plus
// the ephemeral pix session data the payment modal renders.
type Checkout struct {
	Intent *domain.PaymentIntent `json:"intent"`
	Charge gateway.PixCharge     `json:"charge"`
}

// Start validates payload, creates the gateway charge, and persists the
// intent in status Created. A blank externalReference gets a generated one.
//
// Validation failures and ErrReferenceInUse are the only blocking errors
// surfaced to the user; everything downstream is the poller's problem.
func (s *CheckoutService) Start(ctx context.Context, userID, externalReference string, payload domain.OrderPayload) (*Checkout, error) {
	if err := payload.Validate(); err != nil {
		return nil, fmt.Errorf("%w: %v", ErrInvalidPayload, err)
	}
	externalReference = strings.TrimSpace(externalReference)
	if externalReference == "" {
		externalReference = uuid.NewString()
	}

	charge, err := s.Gateway.CreatePixCharge(ctx, gateway.CreateChargeRequest{
		ExternalReference: externalReference,
		AmountCents:       payload.QuoteOptions.PriceCents,
		PayerName:         payload.Sender.Name,
		PayerDocument:     payload.Sender.Document,
	})
	if err != nil {
		return nil, err
	}

	intent, err := repo.CreateIntent(ctx, s.DB, userID, externalReference, charge.PaymentID, charge.AmountCents, payload)
	if errors.Is(err, repo.ErrDuplicateReference) {
		return nil, ErrReferenceInUse
	}
	if err != nil {
		return nil, err
	}
	return &Checkout{Intent: intent, Charge: charge}, nil
}
