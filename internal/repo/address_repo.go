// Package repo implements the data persistence layer for domain entities,
// backed by GORM. This file provides repository functions for Address
// snapshots and the user's reusable SavedAddress book.
package repo

import (
	"context"
	"errors"
	"time"

	"github.com/google/uuid"
	"gorm.io/gorm"

	"github.com/confix/go-shipping-backend/internal/domain"
)

// ErrDuplicate indicates a saved-address row already exists for the same
// user and address fingerprint.
var ErrDuplicate = errors.New("duplicate")

// CreateAddress inserts an immutable address snapshot and returns it.
// There is deliberately no update function: snapshots belong to the
// shipment that references them and are never mutated afterward.
func CreateAddress(ctx context.Context, db *gorm.DB, a *domain.Address) (*domain.Address, error) {
	if a.ID == "" {
		a.ID = uuid.NewString()
	}
	if a.CreatedAt.IsZero() {
		a.CreatedAt = time.Now().UTC()
	}
	if err := db.WithContext(ctx).Create(a).Error; err != nil {
		return nil, err
	}
	return a, nil
}

// CreateSavedAddress inserts a reusable address-book entry for userID.
// Returns ErrDuplicate when an equivalent entry already exists (unique
// index on user/postal code/number); callers treat that as success.
func CreateSavedAddress(ctx context.Context, db *gorm.DB, sa *domain.SavedAddress) (*domain.SavedAddress, error) {
	if sa.ID == "" {
		sa.ID = uuid.NewString()
	}
	if sa.CreatedAt.IsZero() {
		sa.CreatedAt = time.Now().UTC()
	}
	if err := db.WithContext(ctx).Create(sa).Error; err != nil {
		if isUniqueViolation(err) {
			return nil, ErrDuplicate
		}
		return nil, err
	}
	return sa, nil
}

// ListSavedAddresses returns the user's saved addresses, most recent first.
func ListSavedAddresses(ctx context.Context, db *gorm.DB, userID string) ([]domain.SavedAddress, error) {
	var out []domain.SavedAddress
	err := db.WithContext(ctx).
		Where("user_id = ?", userID).
		Order("created_at desc").
		Find(&out).Error
	return out, err
}
