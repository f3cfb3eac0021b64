// Shipment HTTP handlers.
//
// This file exposes the read side of the API:
//   - GET /shipments/{code}    (shipment + status timeline by tracking code)
//   - GET /addresses/saved     (the user's remembered sender addresses)
package handlers

import (
	"errors"
	"net/http"
	"strings"

	"github.com/gin-gonic/gin"

	"github.com/confix/go-shipping-backend/internal/domain"
	"github.com/confix/go-shipping-backend/internal/services"
	"github.com/confix/go-shipping-backend/internal/utils"
)

const (
	defaultAddressLimit = 20
	maxAddressLimit     = 100
)

// ShipmentResponse bundles a shipment with its status history for the
// tracking page.
type ShipmentResponse struct {
	Shipment *domain.Shipment       `json:"shipment"`
	History  []domain.StatusHistory `json:"history"`
}

// SavedAddressesResponse wraps the user's address book.
type SavedAddressesResponse struct {
	Addresses []domain.SavedAddress `json:"addresses"`
}

// GetShipment handles GET /shipments/{code}.
func (h *Handlers) GetShipment(c *gin.Context) {
	code := strings.ToUpper(strings.TrimSpace(c.Param("code")))
	if code == "" {
		fail(c, http.StatusBadRequest, ErrCodeBadRequest, "tracking code required")
		return
	}

	shp, hist, err := h.shipmentSvc.ByTrackingCode(c.Request.Context(), code)
	if errors.Is(err, services.ErrShipmentNotFound) {
		fail(c, http.StatusNotFound, ErrCodeNotFound, "shipment not found")
		return
	}
	if err != nil {
		fail(c, http.StatusInternalServerError, ErrCodeInternal, "shipment lookup failed")
		return
	}
	ok(c, http.StatusOK, ShipmentResponse{Shipment: shp, History: hist})
}

// ListSavedAddresses handles GET /addresses/saved?limit=N.
func (h *Handlers) ListSavedAddresses(c *gin.Context) {
	limit := utils.AtoiDefault(c.Query("limit"), defaultAddressLimit)
	if limit < 1 {
		limit = defaultAddressLimit
	}
	if limit > maxAddressLimit {
		limit = maxAddressLimit
	}

	items, err := h.shipmentSvc.SavedAddresses(c.Request.Context(), userID(c))
	if err != nil {
		fail(c, http.StatusInternalServerError, ErrCodeInternal, "address lookup failed")
		return
	}
	if items == nil {
		items = []domain.SavedAddress{}
	}
	if len(items) > limit {
		items = items[:limit]
	}
	ok(c, http.StatusOK, SavedAddressesResponse{Addresses: items})
}
