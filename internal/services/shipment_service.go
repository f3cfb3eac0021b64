// Package services – read-side queries for shipments and saved addresses.
package services

import (
	"context"
	"errors"

	"gorm.io/gorm"

	"github.com/confix/go-shipping-backend/internal/domain"
	"github.com/confix/go-shipping-backend/internal/repo"
)

// ErrShipmentNotFound is returned for an unknown tracking code.
var ErrShipmentNotFound = errors.New("shipment not found")

// ShipmentService serves the tracking page and the address book.
type ShipmentService struct {
	DB *gorm.DB
}

// NewShipmentService constructs a ShipmentService.
func NewShipmentService(db *gorm.DB) *ShipmentService {
	return &ShipmentService{DB: db}
}

// ByTrackingCode returns the shipment plus its status timeline.
func (s *ShipmentService) ByTrackingCode(ctx context.Context, code string) (*domain.Shipment, []domain.StatusHistory, error) {
	shp, err := repo.GetShipmentByTrackingCode(ctx, s.DB, code)
	if errors.Is(err, gorm.ErrRecordNotFound) {
		return nil, nil, ErrShipmentNotFound
	}
	if err != nil {
		return nil, nil, err
	}
	hist, err := repo.ListStatusHistory(ctx, s.DB, shp.ID)
	if err != nil {
		return nil, nil, err
	}
	return shp, hist, nil
}

// SavedAddresses lists the user's remembered sender addresses.
func (s *ShipmentService) SavedAddresses(ctx context.Context, userID string) ([]domain.SavedAddress, error) {
	return repo.ListSavedAddresses(ctx, s.DB, userID)
}
