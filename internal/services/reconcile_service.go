// Package services – ReconcileService
//
// This file implements the fulfillment orchestrator: the component that
// turns an asynchronous, possibly-duplicated "payment confirmed" signal into
// exactly one shipment. Page loads, browser reloads, the gateway webhook,
// and the payment poller all funnel into Reconcile with the same external
// reference; the conditional status update on the intent row decides which
// caller fulfills, and everyone else converges on the winner's shipment.
//
// The lock protocol:
//
//	Created ──(gateway says paid)──> PaymentConfirmed
//	PaymentConfirmed ──(CAS, one winner)──> Processing
//	Processing ──(shipment durable)──> Processed
//
// Losers of the CAS never treat contention as failure: the winner may have
// completed, may still be writing, or may have crashed. They poll the
// duplicate lookup for a bounded window and then report "still processing".
//
// Observability: Reconcile is OpenTelemetry-instrumented and counts
// outcomes in Prometheus.
package services

import (
	"context"
	"errors"
	"fmt"
	"strings"
	"time"

	"gorm.io/gorm"

	"github.com/rs/zerolog/log"
	"go.opentelemetry.io/otel"
	"go.opentelemetry.io/otel/attribute"
	"go.opentelemetry.io/otel/trace"
	"golang.org/x/text/cases"
	"golang.org/x/text/language"

	"github.com/confix/go-shipping-backend/internal/domain"
	"github.com/confix/go-shipping-backend/internal/gateway"
	"github.com/confix/go-shipping-backend/internal/notify"
	"github.com/confix/go-shipping-backend/internal/repo"
)

// Clock abstracts time so the duplicate-detector wait can be driven by a
// fake in tests instead of wall-clock sleeps.
type Clock interface {
	Now() time.Time
	After(d time.Duration) <-chan time.Time
}

type realClock struct{}

func (realClock) Now() time.Time                         { return time.Now() }
func (realClock) After(d time.Duration) <-chan time.Time { return time.After(d) }

// DuplicateCache is the optional fast path for duplicate detection.
// Implementations must be safe for concurrent use; a nil cache disables it.
type DuplicateCache interface {
	GetShipmentID(ctx context.Context, ref string) (string, bool)
	SetShipmentID(ctx context.Context, ref, shipmentID string)
}

// ReconcileResult is what every caller converges on: the shipment for the
// reference, and whether this call created it or found the winner's.
type ReconcileResult struct {
	Shipment       *domain.Shipment `json:"shipment"`
	AlreadyExisted bool             `json:"already_existed"`
}

// ReconcileService coordinates the payment confirmation reconciliation.
type ReconcileService struct {
	DB       *gorm.DB
	Gateway  gateway.StatusQuerier
	Notifier notify.Dispatcher
	Cache    DuplicateCache // optional
	Clock    Clock

	// DupWaitAttempts is how many extra duplicate lookups a lock loser
	// performs after the initial miss; DupWaitInterval spaces them. The two
	// together are the documented stuck-intent recovery window.
	DupWaitAttempts int
	DupWaitInterval time.Duration
}

// NewReconcileService constructs a ReconcileService with the default
// bounded-wait policy (2 extra lookups, 2.5s apart).
func NewReconcileService(db *gorm.DB, gw gateway.StatusQuerier, n notify.Dispatcher) *ReconcileService {
	return &ReconcileService{
		DB:              db,
		Gateway:         gw,
		Notifier:        n,
		Clock:           realClock{},
		DupWaitAttempts: 2,
		DupWaitInterval: 2500 * time.Millisecond,
	}
}

func (s *ReconcileService) clock() Clock {
	if s.Clock != nil {
		return s.Clock
	}
	return realClock{}
}

// Reconcile drives one reconciliation attempt for externalReference.
//
// Exactly-once contract: among any number of concurrent calls sharing one
// reference, at most one shipment row ever exists. The winner returns it
// with AlreadyExisted=false; every other caller either returns the same
// shipment with AlreadyExisted=true or ErrStillProcessing when the winner
// has not finished inside the bounded wait.
func (s *ReconcileService) Reconcile(ctx context.Context, externalReference string) (*ReconcileResult, error) {
	tr := otel.Tracer("services/ReconcileService")
	ctx, span := tr.Start(ctx, "Reconcile",
		trace.WithAttributes(attribute.String("payment.reference", externalReference)),
	)
	defer span.End()

	if strings.TrimSpace(externalReference) == "" {
		reconcileOutcomes.WithLabelValues("not_found").Inc()
		return nil, ErrReferenceNotFound
	}

	// Fast pre-check: reloads of an already-fulfilled confirmation page are
	// by far the most common path through here.
	if existing, err := s.findExisting(ctx, externalReference); err != nil {
		return nil, err
	} else if existing != nil {
		reconcileOutcomes.WithLabelValues("duplicate").Inc()
		return &ReconcileResult{Shipment: existing, AlreadyExisted: true}, nil
	}

	intent, err := repo.GetIntentByReference(ctx, s.DB, externalReference)
	if errors.Is(err, repo.ErrNotFound) {
		reconcileOutcomes.WithLabelValues("not_found").Inc()
		return nil, ErrReferenceNotFound
	}
	if err != nil {
		return nil, err
	}

	switch intent.Status {
	case domain.IntentFailed:
		reconcileOutcomes.WithLabelValues("payment_failed").Inc()
		return nil, ErrPaymentFailed

	case domain.IntentProcessed:
		// Fulfillment finished but the pre-check missed; look again with
		// the bounded wait before giving up.
		return s.awaitWinner(ctx, externalReference)

	case domain.IntentCreated:
		// The confirmation signal has not landed yet; ask the gateway
		// directly (the page-load path may beat both webhook and poller).
		res, qerr := s.Gateway.QueryStatus(ctx, intent.GatewayPaymentID)
		if qerr != nil {
			log.Warn().Err(qerr).
				Str("reference", externalReference).
				Msg("gateway status query failed during reconciliation")
			reconcileOutcomes.WithLabelValues("payment_pending").Inc()
			return nil, ErrPaymentPending
		}
		if !res.Paid {
			reconcileOutcomes.WithLabelValues("payment_pending").Inc()
			return nil, ErrPaymentPending
		}
		// Record the confirmation. A false here just means the webhook got
		// there first; either way the intent is now confirmed or beyond.
		if _, err := repo.AdvanceIntentStatus(ctx, s.DB, intent.ID, domain.IntentCreated, domain.IntentPaymentConfirmed); err != nil {
			return nil, err
		}
	}

	// Claim exclusivity. Exactly one concurrent caller sees won=true.
	won, err := repo.AdvanceIntentStatus(ctx, s.DB, intent.ID, domain.IntentPaymentConfirmed, domain.IntentProcessing)
	if err != nil {
		return nil, err
	}
	if !won {
		lockContention.Inc()
		span.SetAttributes(attribute.Bool("lock.won", false))
		return s.awaitWinner(ctx, externalReference)
	}
	span.SetAttributes(attribute.Bool("lock.won", true))

	shp, alreadyExisted, err := s.fulfill(ctx, intent)
	if err != nil {
		// The intent stays in Processing; competing callers recover through
		// the bounded wait. Convert to the recoverable condition rather
		// than leaking the raw fault to the entry point.
		log.Error().Err(err).
			Str("reference", externalReference).
			Str("intent_id", intent.ID).
			Msg("fulfillment failed after winning lock")
		reconcileOutcomes.WithLabelValues("error").Inc()
		return nil, ErrStillProcessing
	}
	if alreadyExisted {
		reconcileOutcomes.WithLabelValues("duplicate").Inc()
	} else {
		reconcileOutcomes.WithLabelValues("created").Inc()
	}
	return &ReconcileResult{Shipment: shp, AlreadyExisted: alreadyExisted}, nil
}

// ConfirmPayment records an externally observed "paid" signal (webhook or
// poller) by moving the intent from Created to PaymentConfirmed. Contention
// is not an error: a false CAS just means another actor confirmed first.
func (s *ReconcileService) ConfirmPayment(ctx context.Context, externalReference string) error {
	intent, err := repo.GetIntentByReference(ctx, s.DB, externalReference)
	if errors.Is(err, repo.ErrNotFound) {
		return ErrReferenceNotFound
	}
	if err != nil {
		return err
	}
	if intent.Status != domain.IntentCreated {
		return nil
	}
	_, err = repo.AdvanceIntentStatus(ctx, s.DB, intent.ID, domain.IntentCreated, domain.IntentPaymentConfirmed)
	return err
}

// FailPayment moves a still-unpaid intent to the Failed terminal state
// (gateway reported the charge expired or rejected). Intents past Created
// are left alone: a late failure signal never beats a confirmed payment.
func (s *ReconcileService) FailPayment(ctx context.Context, externalReference string) error {
	intent, err := repo.GetIntentByReference(ctx, s.DB, externalReference)
	if errors.Is(err, repo.ErrNotFound) {
		return ErrReferenceNotFound
	}
	if err != nil {
		return err
	}
	if intent.Status != domain.IntentCreated {
		return nil
	}
	_, err = repo.AdvanceIntentStatus(ctx, s.DB, intent.ID, domain.IntentCreated, domain.IntentFailed)
	return err
}

// findExisting is the duplicate detector's lookup: cache first, then the
// authoritative unique-indexed column. (nil, nil) means no shipment yet.
func (s *ReconcileService) findExisting(ctx context.Context, ref string) (*domain.Shipment, error) {
	if s.Cache != nil {
		if id, ok := s.Cache.GetShipmentID(ctx, ref); ok {
			shp, err := repo.GetShipmentByID(ctx, s.DB, id)
			if err == nil {
				return shp, nil
			}
			// Stale cache entry; fall through to the database.
		}
	}
	shp, err := repo.FindShipmentByReference(ctx, s.DB, ref)
	if err != nil {
		return nil, err
	}
	if shp != nil && s.Cache != nil {
		s.Cache.SetShipmentID(ctx, ref, shp.ID)
	}
	return shp, nil
}

// awaitWinner re-checks the duplicate lookup after a lost race. The initial
// lookup plus DupWaitAttempts retries spaced DupWaitInterval apart bound the
// wait; past that the caller gets ErrStillProcessing, which the HTTP layer
// surfaces as "still processing, try again shortly".
func (s *ReconcileService) awaitWinner(ctx context.Context, ref string) (*ReconcileResult, error) {
	for i := 0; ; i++ {
		shp, err := s.findExisting(ctx, ref)
		if err != nil {
			return nil, err
		}
		if shp != nil {
			reconcileOutcomes.WithLabelValues("duplicate").Inc()
			return &ReconcileResult{Shipment: shp, AlreadyExisted: true}, nil
		}
		if i >= s.DupWaitAttempts {
			break
		}
		select {
		case <-ctx.Done():
			return nil, ctx.Err()
		case <-s.clock().After(s.DupWaitInterval):
		}
	}
	reconcileOutcomes.WithLabelValues("still_processing").Inc()
	return nil, ErrStillProcessing
}

// fulfill runs the winner-only side-effect sequence. Addresses, shipment,
// and the initial history entry are one transaction (the store supports it,
// which removes the partial-write flavor of the stuck-Processing edge
// case); the saved address and the label notification stay best-effort
// outside it.
func (s *ReconcileService) fulfill(ctx context.Context, intent *domain.PaymentIntent) (*domain.Shipment, bool, error) {
	const maxCodeAttempts = 3
	p := intent.Payload

	var shp *domain.Shipment
	for attempt := 1; ; attempt++ {
		code, err := GenerateTrackingCode(s.clock().Now())
		if err != nil {
			return nil, false, err
		}

		err = s.DB.WithContext(ctx).Transaction(func(tx *gorm.DB) error {
			sender, err := repo.CreateAddress(ctx, tx, addressFromParty(domain.AddressKindSender, p.Sender))
			if err != nil {
				return fmt.Errorf("create sender address: %w", err)
			}
			recipient, err := repo.CreateAddress(ctx, tx, addressFromParty(domain.AddressKindRecipient, p.Recipient))
			if err != nil {
				return fmt.Errorf("create recipient address: %w", err)
			}

			created, err := repo.CreateShipment(ctx, tx, &domain.Shipment{
				TrackingCode:       code,
				ExternalReference:  intent.ExternalReference,
				SenderAddressID:    sender.ID,
				RecipientAddressID: recipient.ID,
				Status:             domain.ShipmentStatusPaid,
				UserID:             intent.UserID,
				PaymentID:          intent.GatewayPaymentID,
				PaymentMethod:      "pix",
				PaidAmountCents:    intent.AmountCents,
			})
			if err != nil {
				return err
			}
			if _, err := repo.AppendStatusHistory(ctx, tx, created.ID, domain.ShipmentStatusPaid, "payment confirmed, shipment created"); err != nil {
				return fmt.Errorf("append history: %w", err)
			}
			shp = created
			return nil
		})

		switch {
		case err == nil:
			// fall through to post-commit steps
		case errors.Is(err, repo.ErrDuplicateTrackingCode) && attempt < maxCodeAttempts:
			continue
		case errors.Is(err, repo.ErrDuplicateReference):
			// Someone materialized this reference without the lock (e.g. a
			// redeployed worker finishing an old claim). The unique index
			// held the invariant; converge on the existing row.
			existing, ferr := repo.FindShipmentByReference(ctx, s.DB, intent.ExternalReference)
			if ferr != nil || existing == nil {
				return nil, false, fmt.Errorf("reference already materialized but not readable: %w", err)
			}
			s.finishIntent(ctx, intent)
			return existing, true, nil
		default:
			return nil, false, err
		}
		break
	}

	// Best-effort: remember the sender in the user's address book. Never
	// fatal to the shipment.
	if _, err := repo.CreateSavedAddress(ctx, s.DB, savedAddressFromParty(intent.UserID, p.Sender)); err != nil && !errors.Is(err, repo.ErrDuplicate) {
		log.Warn().Err(err).
			Str("user_id", intent.UserID).
			Msg("saved address persistence failed")
	}

	s.finishIntent(ctx, intent)

	if s.Cache != nil {
		s.Cache.SetShipmentID(ctx, intent.ExternalReference, shp.ID)
	}

	// Fire-and-forget: the shipment is durable, label generation is told
	// about it on a detached context; failure is logged, never retried here.
	if s.Notifier != nil {
		go s.dispatchNotification(intent, shp)
	}

	return shp, false, nil
}

// finishIntent moves the intent to Processed. The shipment is already
// durable at this point, so a failure here only costs an extra gateway
// round-trip on the next reload; the unique index carries the invariant.
func (s *ReconcileService) finishIntent(ctx context.Context, intent *domain.PaymentIntent) {
	if _, err := repo.AdvanceIntentStatus(ctx, s.DB, intent.ID, domain.IntentProcessing, domain.IntentProcessed); err != nil {
		log.Error().Err(err).
			Str("intent_id", intent.ID).
			Msg("intent finalization failed")
	}
}

func (s *ReconcileService) dispatchNotification(intent *domain.PaymentIntent, shp *domain.Shipment) {
	ctx, cancel := context.WithTimeout(context.Background(), 15*time.Second)
	defer cancel()

	ev := notify.ShipmentCreated{
		Event:        notify.EventShipmentCreated,
		ShipmentID:   shp.ID,
		TrackingCode: shp.TrackingCode,
		PaymentData: notify.PaymentData{
			PaymentID:         intent.GatewayPaymentID,
			ExternalReference: intent.ExternalReference,
			Method:            shp.PaymentMethod,
			AmountCents:       intent.AmountCents,
		},
		SenderData:    intent.Payload.Sender,
		RecipientData: intent.Payload.Recipient,
		PackageData:   intent.Payload.Package,
		QuoteOptions:  intent.Payload.QuoteOptions,
	}
	if err := s.Notifier.Dispatch(ctx, ev); err != nil {
		log.Warn().Err(err).
			Str("tracking_code", shp.TrackingCode).
			Msg("label notification dispatch failed")
	}
}

// titleCaser normalizes free-form city/name casing in address snapshots.
var titleCaser = cases.Title(language.Und)

func addressFromParty(kind string, p domain.Party) *domain.Address {
	return &domain.Address{
		Kind:       kind,
		Name:       strings.TrimSpace(p.Name),
		Document:   strings.TrimSpace(p.Document),
		Email:      strings.ToLower(strings.TrimSpace(p.Email)),
		Phone:      strings.TrimSpace(p.Phone),
		Street:     strings.TrimSpace(p.Street),
		Number:     strings.TrimSpace(p.Number),
		Complement: strings.TrimSpace(p.Complement),
		District:   strings.TrimSpace(p.District),
		City:       titleCaser.String(strings.ToLower(strings.TrimSpace(p.City))),
		State:      strings.ToUpper(strings.TrimSpace(p.State)),
		PostalCode: strings.TrimSpace(p.PostalCode),
	}
}

func savedAddressFromParty(userID string, p domain.Party) *domain.SavedAddress {
	a := addressFromParty(domain.AddressKindSender, p)
	return &domain.SavedAddress{
		UserID:     userID,
		Name:       a.Name,
		Document:   a.Document,
		Email:      a.Email,
		Phone:      a.Phone,
		Street:     a.Street,
		Number:     a.Number,
		Complement: a.Complement,
		District:   a.District,
		City:       a.City,
		State:      a.State,
		PostalCode: a.PostalCode,
	}
}
