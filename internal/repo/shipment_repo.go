// Package repo implements the data persistence layer for domain entities,
// backed by GORM. This file provides repository functions for the Shipment
// model, including the duplicate-detection lookup by external reference.
package repo

import (
	"context"
	"errors"
	"strings"
	"time"

	"github.com/google/uuid"
	"gorm.io/gorm"

	"github.com/confix/go-shipping-backend/internal/domain"
)

// ErrDuplicateTrackingCode indicates the generated tracking code collided
// with an existing shipment. Callers regenerate and retry.
var ErrDuplicateTrackingCode = errors.New("duplicate tracking code")

// CreateShipment inserts a shipment row. The ID is assigned here; callers
// provide the tracking code, address references, and payment metadata.
//
// The two unique indexes are told apart by the violated column so callers
// can react differently: a reference collision means another actor already
// materialized this payment (ErrDuplicateReference), a tracking-code
// collision is bad luck in the generator (ErrDuplicateTrackingCode).
func CreateShipment(ctx context.Context, db *gorm.DB, s *domain.Shipment) (*domain.Shipment, error) {
	if s.ID == "" {
		s.ID = uuid.NewString()
	}
	if s.CreatedAt.IsZero() {
		s.CreatedAt = time.Now().UTC()
	}
	if err := db.WithContext(ctx).Create(s).Error; err != nil {
		if isUniqueViolation(err) {
			low := strings.ToLower(err.Error())
			if strings.Contains(low, "tracking_code") {
				return nil, ErrDuplicateTrackingCode
			}
			return nil, ErrDuplicateReference
		}
		return nil, err
	}
	return s, nil
}

// FindShipmentByReference looks up an already-materialized shipment by its
// embedded external reference. It returns (nil, nil) when no shipment
// exists, so callers can distinguish "not there yet" from a DB failure.
// Address snapshots are preloaded.
func FindShipmentByReference(ctx context.Context, db *gorm.DB, externalReference string) (*domain.Shipment, error) {
	var s domain.Shipment
	err := db.WithContext(ctx).
		Preload("SenderAddress").
		Preload("RecipientAddress").
		Where("external_reference = ?", externalReference).
		First(&s).Error
	if errors.Is(err, gorm.ErrRecordNotFound) {
		return nil, nil
	}
	if err != nil {
		return nil, err
	}
	return &s, nil
}

// GetShipmentByID fetches a shipment by primary key with both address
// snapshots preloaded, or ErrNotFound if missing.
func GetShipmentByID(ctx context.Context, db *gorm.DB, id string) (*domain.Shipment, error) {
	var s domain.Shipment
	err := db.WithContext(ctx).
		Preload("SenderAddress").
		Preload("RecipientAddress").
		First(&s, "id = ?", id).Error
	if err != nil {
		return nil, err
	}
	return &s, nil
}

// GetShipmentByTrackingCode fetches a shipment by tracking code with both
// address snapshots preloaded, or ErrNotFound if missing.
func GetShipmentByTrackingCode(ctx context.Context, db *gorm.DB, trackingCode string) (*domain.Shipment, error) {
	var s domain.Shipment
	err := db.WithContext(ctx).
		Preload("SenderAddress").
		Preload("RecipientAddress").
		Where("tracking_code = ?", trackingCode).
		First(&s).Error
	if err != nil {
		return nil, err
	}
	return &s, nil
}
