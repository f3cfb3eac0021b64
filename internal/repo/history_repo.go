// Package repo implements the data persistence layer for domain entities,
// backed by GORM. This file provides repository functions for the
// append-only StatusHistory log.
package repo

import (
	"context"
	"time"

	"github.com/google/uuid"
	"gorm.io/gorm"

	"github.com/confix/go-shipping-backend/internal/domain"
)

// AppendStatusHistory inserts an immutable log entry for a shipment.
// Entries are append-only; there are no update or delete functions.
func AppendStatusHistory(ctx context.Context, db *gorm.DB, shipmentID, status, note string) (*domain.StatusHistory, error) {
	h := &domain.StatusHistory{
		ID:         uuid.NewString(),
		ShipmentID: shipmentID,
		Status:     status,
		Note:       note,
		CreatedAt:  time.Now().UTC(),
	}
	if err := db.WithContext(ctx).Create(h).Error; err != nil {
		return nil, err
	}
	return h, nil
}

// ListStatusHistory returns a shipment's history entries in chronological
// order (oldest first).
func ListStatusHistory(ctx context.Context, db *gorm.DB, shipmentID string) ([]domain.StatusHistory, error) {
	var out []domain.StatusHistory
	err := db.WithContext(ctx).
		Where("shipment_id = ?", shipmentID).
		Order("created_at asc").
		Find(&out).Error
	return out, err
}
