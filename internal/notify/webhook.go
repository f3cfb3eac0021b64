// Package notify dispatches the shipment-created event to the downstream
// label-generation collaborator.
//
// Dispatch is best-effort by contract: the orchestrator fires it after the
// shipment is already durable, failures are logged and counted but never
// retried here and never roll anything back.
package notify

import (
	"bytes"
	"context"
	"encoding/json"
	"fmt"
	"net/http"
	"time"

	"github.com/prometheus/client_golang/prometheus"
	"github.com/rs/zerolog/log"

	"github.com/confix/go-shipping-backend/internal/domain"
)

// EventShipmentCreated is the event name the label generator listens for.
const EventShipmentCreated = "shipment.created"

// PaymentData is the payment metadata forwarded with the event.
type PaymentData struct {
	PaymentID         string `json:"payment_id"`
	ExternalReference string `json:"external_reference"`
	Method            string `json:"method"`
	AmountCents       int64  `json:"amount_cents"`
}

// ShipmentCreated is the webhook body sent to the label generator.
type ShipmentCreated struct {
	Event         string              `json:"event"`
	ShipmentID    string              `json:"shipment_id"`
	TrackingCode  string              `json:"tracking_code"`
	PaymentData   PaymentData         `json:"payment_data"`
	SenderData    domain.Party        `json:"sender_data"`
	RecipientData domain.Party        `json:"recipient_data"`
	PackageData   domain.Package      `json:"package_data"`
	QuoteOptions  domain.QuoteOptions `json:"quote_options"`
}

// Dispatcher is the contract the orchestrator depends on.
type Dispatcher interface {
	Dispatch(ctx context.Context, ev ShipmentCreated) error
}

var dispatchFailures = prometheus.NewCounter(prometheus.CounterOpts{
	Name: "label_notify_failures_total",
	Help: "Total failed label-generation webhook dispatches.",
})

func init() {
	prometheus.MustRegister(dispatchFailures)
}

// WebhookDispatcher POSTs events to a fixed URL. Safe for concurrent use.
type WebhookDispatcher struct {
	URL string
	// HTTP is the underlying client; a default with Timeout is used when nil.
	HTTP *http.Client
}

// NewWebhookDispatcher returns a Dispatcher for url.
func NewWebhookDispatcher(url string, timeout time.Duration) *WebhookDispatcher {
	if timeout <= 0 {
		timeout = 10 * time.Second
	}
	return &WebhookDispatcher{
		URL:  url,
		HTTP: &http.Client{Timeout: timeout},
	}
}

// Dispatch sends the event. No response contract is required beyond a 2xx
// acknowledgement; anything else is an error for the caller to log.
func (d *WebhookDispatcher) Dispatch(ctx context.Context, ev ShipmentCreated) error {
	raw, err := json.Marshal(ev)
	if err != nil {
		dispatchFailures.Inc()
		return fmt.Errorf("notify: marshal event: %w", err)
	}

	req, err := http.NewRequestWithContext(ctx, http.MethodPost, d.URL, bytes.NewReader(raw))
	if err != nil {
		dispatchFailures.Inc()
		return fmt.Errorf("notify: build request: %w", err)
	}
	req.Header.Set("Content-Type", "application/json")

	httpc := d.HTTP
	if httpc == nil {
		httpc = &http.Client{Timeout: 10 * time.Second}
	}
	resp, err := httpc.Do(req)
	if err != nil {
		dispatchFailures.Inc()
		return fmt.Errorf("notify: post event: %w", err)
	}
	defer resp.Body.Close()

	if resp.StatusCode < 200 || resp.StatusCode >= 300 {
		dispatchFailures.Inc()
		log.Warn().
			Str("tracking_code", ev.TrackingCode).
			Int("status", resp.StatusCode).
			Msg("label webhook rejected event")
		return fmt.Errorf("notify: unexpected status %d", resp.StatusCode)
	}
	return nil
}
