// Package repo implements the data persistence layer for domain entities,
// backed by GORM. This file provides repository functions for the
// PaymentIntent model, including the conditional status update that serves
// as the fulfillment lock.
//
// All functions are context-aware and accept a *gorm.DB handle, making them
// safe for use within transactions or connection-scoped operations. They
// follow the "thin repository" approach: no business logic, only CRUD
// persistence and query composition.
//
// Error semantics:
//   - When an intent is not found, functions return gorm.ErrRecordNotFound
//     (also exported here as ErrNotFound for convenience).
//   - On DB errors (constraint violations, connectivity issues, etc.),
//     the raw gorm error is propagated.
package repo

import (
	"context"
	"errors"
	"fmt"
	"strings"
	"time"

	"github.com/google/uuid"
	"gorm.io/gorm"

	"github.com/confix/go-shipping-backend/internal/domain"
)

// ErrNotFound is returned when a requested record does not exist.
// It aliases gorm.ErrRecordNotFound for convenience and consistency
// across the service layer and handlers.
var ErrNotFound = gorm.ErrRecordNotFound

// ErrDuplicateReference indicates a row already exists for the given
// external reference (unique index violation).
var ErrDuplicateReference = errors.New("duplicate external reference")

// CreateIntent inserts a new PaymentIntent in status Created. The intent ID
// is a randomly generated UUID and CreatedAt is set to UTC.
//
// Returns ErrDuplicateReference when the external reference is already taken.
func CreateIntent(ctx context.Context, db *gorm.DB, userID, externalReference, gatewayPaymentID string, amountCents int64, payload domain.OrderPayload) (*domain.PaymentIntent, error) {
	in := &domain.PaymentIntent{
		ID:                uuid.NewString(),
		ExternalReference: externalReference,
		GatewayPaymentID:  gatewayPaymentID,
		Status:            domain.IntentCreated,
		AmountCents:       amountCents,
		Payload:           payload,
		UserID:            userID,
		CreatedAt:         time.Now().UTC(),
	}
	if err := db.WithContext(ctx).Create(in).Error; err != nil {
		if isUniqueViolation(err) {
			return nil, ErrDuplicateReference
		}
		return nil, err
	}
	return in, nil
}

// GetIntentByReference fetches an intent by its external reference, or
// ErrNotFound if missing.
func GetIntentByReference(ctx context.Context, db *gorm.DB, externalReference string) (*domain.PaymentIntent, error) {
	var in domain.PaymentIntent
	err := db.WithContext(ctx).
		Where("external_reference = ?", externalReference).
		First(&in).Error
	if err != nil {
		return nil, err
	}
	return &in, nil
}

// GetIntent fetches an intent by primary key, or ErrNotFound if missing.
func GetIntent(ctx context.Context, db *gorm.DB, id string) (*domain.PaymentIntent, error) {
	var in domain.PaymentIntent
	if err := db.WithContext(ctx).First(&in, "id = ?", id).Error; err != nil {
		return nil, err
	}
	return &in, nil
}

// AdvanceIntentStatus performs the conditional update that serves as the
// mutual-exclusion primitive for fulfillment:
//
//	UPDATE payment_intents SET status = next
//	WHERE id = ? AND status = expected
//
// It returns true iff exactly one row was affected. Among N concurrent
// callers attempting the same transition, exactly one observes true; the
// rest see false and must treat that as contention, not failure (another
// actor may have completed, be in progress, or have failed).
//
// Transitions that do not move forward in the lifecycle are rejected
// outright, so a Processed intent can never be dragged back.
func AdvanceIntentStatus(ctx context.Context, db *gorm.DB, id string, expected, next domain.IntentStatus) (bool, error) {
	if !expected.CanAdvanceTo(next) {
		return false, fmt.Errorf("invalid intent transition %q -> %q", expected, next)
	}
	res := db.WithContext(ctx).
		Model(&domain.PaymentIntent{}).
		Where("id = ? AND status = ?", id, expected).
		Update("status", next)
	if res.Error != nil {
		return false, res.Error
	}
	return res.RowsAffected == 1, nil
}

// isUniqueViolation reports whether err is a unique-constraint failure.
// glebarez/sqlite often returns plain-text errors for UNIQUE violations.
func isUniqueViolation(err error) bool {
	if errors.Is(err, gorm.ErrDuplicatedKey) {
		return true
	}
	low := strings.ToLower(err.Error())
	return strings.Contains(low, "unique constraint failed") ||
		strings.Contains(low, "constraint failed: unique")
}
