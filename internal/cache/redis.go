// Package cache provides an optional Redis-backed fast path for duplicate
// detection: a mapping from external reference to the shipment that already
// materialized it. The database unique index stays authoritative; the cache
// only saves a query on the hot "user reloads the confirmation page" path.
package cache

import (
	"context"
	"errors"
	"time"

	"github.com/redis/go-redis/v9"
)

const keyPrefix = "shipment:ref:"

// ShipmentCache caches reference -> shipment id lookups.
type ShipmentCache struct {
	client *redis.Client
	ttl    time.Duration
}

// New returns a ShipmentCache talking to addr. ttl bounds how long a mapping
// is kept; shipments are immutable per reference so a generous TTL is safe.
func New(addr, password string, db int, ttl time.Duration) *ShipmentCache {
	client := redis.NewClient(&redis.Options{
		Addr:     addr,
		Password: password,
		DB:       db,
	})
	return &ShipmentCache{client: client, ttl: ttl}
}

// GetShipmentID returns the cached shipment id for ref, if present.
// Lookup errors are deliberately indistinguishable from misses: the caller
// falls through to the database either way.
func (c *ShipmentCache) GetShipmentID(ctx context.Context, ref string) (string, bool) {
	if c == nil {
		return "", false
	}
	id, err := c.client.Get(ctx, keyPrefix+ref).Result()
	if err != nil {
		return "", false
	}
	return id, id != ""
}

// SetShipmentID records the mapping. Failures are ignored; the cache is an
// optimization, never a source of truth.
func (c *ShipmentCache) SetShipmentID(ctx context.Context, ref, shipmentID string) {
	if c == nil {
		return
	}
	_ = c.client.Set(ctx, keyPrefix+ref, shipmentID, c.ttl).Err()
}

// Ping verifies connectivity at startup.
func (c *ShipmentCache) Ping(ctx context.Context) error {
	if c == nil {
		return errors.New("cache: not configured")
	}
	return c.client.Ping(ctx).Err()
}
