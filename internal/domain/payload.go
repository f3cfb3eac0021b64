// Package domain defines the core persistence models for the application.
// This file contains the versioned order payload embedded in a PaymentIntent.
package domain

import (
	"errors"
	"fmt"
	"strings"
)

// OrderPayloadSchemaVersion is the current payload schema version. Payloads
// are validated against it at the ingestion boundary; fulfillment assumes a
// payload that already passed Validate.
const OrderPayloadSchemaVersion = 1

// Party holds the sender or recipient data captured at quote time.
type Party struct {
	Name       string `json:"name"`
	Document   string `json:"document"`
	Email      string `json:"email"`
	Phone      string `json:"phone"`
	Street     string `json:"street"`
	Number     string `json:"number"`
	Complement string `json:"complement"`
	District   string `json:"district"`
	City       string `json:"city"`
	State      string `json:"state"`
	PostalCode string `json:"postal_code"`
}

// Package describes the physical parcel being quoted.
type Package struct {
	WeightKg           float64 `json:"weight_kg"`
	LengthCm           float64 `json:"length_cm"`
	WidthCm            float64 `json:"width_cm"`
	HeightCm           float64 `json:"height_cm"`
	DeclaredValueCents int64   `json:"declared_value_cents"`
}

// QuoteOptions records the carrier option the user picked for this order.
type QuoteOptions struct {
	Carrier      string `json:"carrier"`
	ServiceLevel string `json:"service_level"`
	PriceCents   int64  `json:"price_cents"`
	DeliveryDays int    `json:"delivery_days"`
}

// OrderPayload is the explicitly-tagged order snapshot stored on a
// PaymentIntent. It replaces the loose multi-shape JSON the front end used to
// pass around: one schema version, validated once at ingestion, and every
// consumer downstream reads the same fields.
type OrderPayload struct {
	SchemaVersion int          `json:"schema_version"`
	Sender        Party        `json:"sender"`
	Recipient     Party        `json:"recipient"`
	Package       Package      `json:"package"`
	QuoteOptions  QuoteOptions `json:"quote_options"`
}

// ErrUnsupportedSchema is returned by Validate for unknown payload versions.
var ErrUnsupportedSchema = errors.New("unsupported payload schema version")

// Validate checks the payload is complete enough to fulfill. It is total:
// any payload yields either nil or a descriptive error, never a panic.
func (p OrderPayload) Validate() error {
	if p.SchemaVersion != OrderPayloadSchemaVersion {
		return fmt.Errorf("%w: %d", ErrUnsupportedSchema, p.SchemaVersion)
	}
	if err := p.Sender.validate("sender"); err != nil {
		return err
	}
	if err := p.Recipient.validate("recipient"); err != nil {
		return err
	}
	if p.Package.WeightKg <= 0 {
		return errors.New("package: weight must be positive")
	}
	if p.Package.LengthCm <= 0 || p.Package.WidthCm <= 0 || p.Package.HeightCm <= 0 {
		return errors.New("package: dimensions must be positive")
	}
	if strings.TrimSpace(p.QuoteOptions.Carrier) == "" {
		return errors.New("quote_options: carrier is required")
	}
	if p.QuoteOptions.PriceCents <= 0 {
		return errors.New("quote_options: price must be positive")
	}
	return nil
}

func (pt Party) validate(role string) error {
	required := []struct {
		field, value string
	}{
		{"name", pt.Name},
		{"street", pt.Street},
		{"city", pt.City},
		{"state", pt.State},
		{"postal_code", pt.PostalCode},
	}
	for _, r := range required {
		if strings.TrimSpace(r.value) == "" {
			return fmt.Errorf("%s: %s is required", role, r.field)
		}
	}
	return nil
}
