// Package services implements the business logic of the reconciliation
// engine. This file centralizes common service-level error values so that
// they can be consistently returned by service methods and checked by
// callers.
//
// These errors are intended for internal use by the service layer;
// translation into user-facing messages or HTTP status codes is performed at
// the handler layer. Per the propagation policy, only ErrReferenceNotFound
// and validation errors surface as blocking failures; everything else maps
// to a recoverable "still processing" or "payment pending" response.
package services

import "errors"

var (
	// ErrReferenceNotFound indicates no PaymentIntent exists for the given
	// external reference. Fatal for the entry-point path; the user is shown
	// a manual-retry affordance.
	ErrReferenceNotFound = errors.New("payment reference not found")

	// ErrPaymentPending indicates the gateway has not reported the payment
	// as settled yet. Recoverable: the caller keeps polling.
	ErrPaymentPending = errors.New("payment not confirmed yet")

	// ErrStillProcessing indicates another actor holds the fulfillment lock
	// and its shipment did not appear within the bounded wait. Recoverable:
	// the caller should retry shortly.
	ErrStillProcessing = errors.New("fulfillment still processing")

	// ErrPaymentFailed indicates the intent reached the failed terminal
	// state (expired or rejected payment).
	ErrPaymentFailed = errors.New("payment failed")
)
