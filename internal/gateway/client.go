// Package gateway implements the payment gateway collaborator: creating pix
// charges at checkout and querying payment status for the poller and the
// reconciliation path.
//
// The concrete client speaks plain HTTP/JSON. Consumers depend on the
// narrow interfaces below so tests can substitute fakes and so the service
// layer never touches transport details.
package gateway

import (
	"bytes"
	"context"
	"encoding/json"
	"fmt"
	"io"
	"net/http"
	"strings"
	"time"

	"github.com/rs/zerolog/log"
)

// StatusResult is the gateway's answer to a status query.
type StatusResult struct {
	// Status is the gateway's raw status string, e.g. "PAID", "PENDING",
	// "EXPIRED". Callers should branch on Paid, not on Status.
	Status string `json:"status"`
	// Paid is true once the payment is settled.
	Paid bool `json:"is_paid"`
}

// PixCharge is a freshly created pix charge.
type PixCharge struct {
	PaymentID   string `json:"payment_id"`
	PixCode     string `json:"pix_code"`
	QRCodeImage string `json:"qr_code_image"`
	AmountCents int64  `json:"amount_cents"`
}

// CreateChargeRequest carries the fields needed to open a pix charge.
type CreateChargeRequest struct {
	ExternalReference string `json:"external_reference"`
	AmountCents       int64  `json:"amount_cents"`
	PayerName         string `json:"payer_name"`
	PayerDocument     string `json:"payer_document"`
}

// StatusQuerier is the minimal contract the poller and the reconciler need.
type StatusQuerier interface {
	QueryStatus(ctx context.Context, paymentID string) (StatusResult, error)
}

// Client is the full gateway contract consumed by the checkout path.
type Client interface {
	StatusQuerier
	CreatePixCharge(ctx context.Context, req CreateChargeRequest) (PixCharge, error)
}

// HTTPClient talks to the gateway's REST API. Safe for concurrent use.
type HTTPClient struct {
	BaseURL string
	APIKey  string
	// HTTP is the underlying client; a default with Timeout is used when nil.
	HTTP *http.Client
}

// NewHTTPClient returns a Client bound to baseURL with a sane default timeout.
func NewHTTPClient(baseURL, apiKey string, timeout time.Duration) *HTTPClient {
	if timeout <= 0 {
		timeout = 10 * time.Second
	}
	return &HTTPClient{
		BaseURL: strings.TrimRight(baseURL, "/"),
		APIKey:  apiKey,
		HTTP:    &http.Client{Timeout: timeout},
	}
}

// QueryStatus issues GET /v1/payments/{id}/status. Transport and non-2xx
// failures are returned as errors; the poller treats them as transient.
func (c *HTTPClient) QueryStatus(ctx context.Context, paymentID string) (StatusResult, error) {
	var out StatusResult
	err := c.do(ctx, http.MethodGet, "/v1/payments/"+paymentID+"/status", nil, &out)
	return out, err
}

// CreatePixCharge issues POST /v1/payments/pix.
func (c *HTTPClient) CreatePixCharge(ctx context.Context, req CreateChargeRequest) (PixCharge, error) {
	var out PixCharge
	err := c.do(ctx, http.MethodPost, "/v1/payments/pix", req, &out)
	return out, err
}

func (c *HTTPClient) do(ctx context.Context, method, path string, in, out any) error {
	var body io.Reader
	if in != nil {
		raw, err := json.Marshal(in)
		if err != nil {
			return fmt.Errorf("gateway: marshal request: %w", err)
		}
		body = bytes.NewReader(raw)
	}

	req, err := http.NewRequestWithContext(ctx, method, c.BaseURL+path, body)
	if err != nil {
		return fmt.Errorf("gateway: build request: %w", err)
	}
	req.Header.Set("Accept", "application/json")
	if in != nil {
		req.Header.Set("Content-Type", "application/json")
	}
	if c.APIKey != "" {
		req.Header.Set("Authorization", "Bearer "+c.APIKey)
	}

	httpc := c.HTTP
	if httpc == nil {
		httpc = &http.Client{Timeout: 10 * time.Second}
	}
	resp, err := httpc.Do(req)
	if err != nil {
		return fmt.Errorf("gateway: %s %s: %w", method, path, err)
	}
	defer resp.Body.Close()

	if resp.StatusCode < 200 || resp.StatusCode >= 300 {
		// Bounded read: gateway error bodies are small, and we only log them.
		snippet, _ := io.ReadAll(io.LimitReader(resp.Body, 512))
		log.Warn().
			Str("method", method).
			Str("path", path).
			Int("status", resp.StatusCode).
			Str("body", string(snippet)).
			Msg("gateway error response")
		return fmt.Errorf("gateway: %s %s: unexpected status %d", method, path, resp.StatusCode)
	}

	if out != nil {
		if err := json.NewDecoder(resp.Body).Decode(out); err != nil {
			return fmt.Errorf("gateway: decode response: %w", err)
		}
	}
	return nil
}
