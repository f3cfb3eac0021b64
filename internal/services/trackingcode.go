// Package services – tracking code generation.
package services

import (
	"crypto/rand"
	"fmt"
	"regexp"
	"time"
)

const (
	trackingPrefix   = "CFX"
	trackingAlphabet = "0123456789ABCDEFGHIJKLMNOPQRSTUVWXYZ"
	trackingSuffix   = 6
)

// TrackingCodeRE matches the public tracking code format:
// "CFX" + 4-digit year + 6 uppercase base36 characters.
var TrackingCodeRE = regexp.MustCompile(`^CFX\d{4}[A-Z0-9]{6}$`)

// GenerateTrackingCode returns a fresh code such as "CFX2025A1B2C3".
// Codes are random, not sequential; collisions are possible in principle,
// so the shipment table carries a unique index and the orchestrator
// regenerates on conflict.
func GenerateTrackingCode(now time.Time) (string, error) {
	buf := make([]byte, trackingSuffix)
	if _, err := rand.Read(buf); err != nil {
		return "", fmt.Errorf("tracking code entropy: %w", err)
	}
	for i, b := range buf {
		buf[i] = trackingAlphabet[int(b)%len(trackingAlphabet)]
	}
	return fmt.Sprintf("%s%04d%s", trackingPrefix, now.UTC().Year(), buf), nil
}
