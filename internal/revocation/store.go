// Package revocation records forced sign-outs server-side so a still-unexpired
// client-held cache entry from another tab cannot resurrect a session the
// gatekeeper already terminated. Lookups are best-effort: on store failure the
// cookie's own TTL still bounds the exposure window.
package revocation

import (
	"context"
	"time"
)

const keyPrefix = "sessiongate:revoked:v1:"

// Store is the revocation backend surface. Implementations must be safe for
// concurrent use by independent request goroutines.
type Store interface {
	// Revoke records a session fingerprint until the supplied TTL elapses.
	Revoke(ctx context.Context, sessionID string, ttl time.Duration) error
	// IsRevoked reports whether the fingerprint was recorded and has not yet
	// aged out.
	IsRevoked(ctx context.Context, sessionID string) (bool, error)
	Size(ctx context.Context) (int64, error)
	Close(ctx context.Context) error
}
