package session

import (
	"errors"
	"fmt"
	"strings"
	"time"

	"github.com/golang-jwt/jwt/v5"
	"github.com/google/uuid"
)

// ErrInvalidEntry is returned when a cache cookie fails signature, schema, or
// expiry validation. Callers treat it as a cache miss, never as a denial on
// its own.
var ErrInvalidEntry = errors.New("session: invalid cache entry")

// IsExpiredEntry distinguishes natural expiry from signature or schema
// failures, for metric labeling only; both are cache misses.
func IsExpiredEntry(err error) bool {
	return errors.Is(err, jwt.ErrTokenExpired)
}

// CacheEntry is the typed claim set carried by the session cache cookie. The
// version field is a write-time fingerprint used for staleness comparison,
// not a strict ordering guarantee; the nonce distinguishes concurrent writers
// that land on the same millisecond.
type CacheEntry struct {
	Email     string `json:"email"`
	SessionID string `json:"sid"`
	Version   int64  `json:"ver"`
	Nonce     string `json:"nonce"`
	jwt.RegisteredClaims
}

// WrittenAt converts the version fingerprint back to a timestamp.
func (e CacheEntry) WrittenAt() time.Time {
	return time.UnixMilli(e.Version)
}

// Age reports how long ago the entry was written.
func (e CacheEntry) Age(now time.Time) time.Duration {
	return now.Sub(e.WrittenAt())
}

// Codec signs and verifies session cache cookies. Encoding always produces a
// fresh nonce so two tabs racing on a cache miss write distinguishable
// entries even when last-write-wins collapses them client-side.
type Codec struct {
	key []byte
	now func() time.Time
}

// NewCodec prepares an HS256 codec around the configured signing key.
func NewCodec(signingKey string) (*Codec, error) {
	key := strings.TrimSpace(signingKey)
	if key == "" {
		return nil, errors.New("session: signing key required")
	}
	return &Codec{key: []byte(key), now: time.Now}, nil
}

// WithClock overrides the codec clock. Tests use this to cross TTL and
// staleness boundaries deterministically.
func (c *Codec) WithClock(now func() time.Time) *Codec {
	if now != nil {
		c.now = now
	}
	return c
}

// Encode mints a signed cache entry for the descriptor with expires = now+ttl.
func (c *Codec) Encode(d Descriptor, ttl time.Duration) (string, CacheEntry, error) {
	if ttl <= 0 {
		return "", CacheEntry{}, fmt.Errorf("session: encode ttl invalid: %s", ttl)
	}
	if strings.TrimSpace(d.Email) == "" {
		return "", CacheEntry{}, errors.New("session: encode requires an email")
	}
	now := c.now()
	entry := CacheEntry{
		Email:     d.Email,
		SessionID: d.Fingerprint(),
		Version:   now.UnixMilli(),
		Nonce:     uuid.NewString(),
		RegisteredClaims: jwt.RegisteredClaims{
			IssuedAt:  jwt.NewNumericDate(now),
			ExpiresAt: jwt.NewNumericDate(now.Add(ttl)),
		},
	}
	token, err := jwt.NewWithClaims(jwt.SigningMethodHS256, entry).SignedString(c.key)
	if err != nil {
		return "", CacheEntry{}, fmt.Errorf("session: sign cache entry: %w", err)
	}
	return token, entry, nil
}

// Decode verifies and deserializes a cache cookie value. Any signature
// failure, foreign algorithm, schema mismatch, or past expiry yields
// ErrInvalidEntry so the caller falls through to upstream verification.
func (c *Codec) Decode(value string) (CacheEntry, error) {
	value = strings.TrimSpace(value)
	if value == "" {
		return CacheEntry{}, fmt.Errorf("%w: empty value", ErrInvalidEntry)
	}
	var entry CacheEntry
	_, err := jwt.ParseWithClaims(value, &entry, func(*jwt.Token) (any, error) {
		return c.key, nil
	},
		jwt.WithValidMethods([]string{jwt.SigningMethodHS256.Alg()}),
		jwt.WithExpirationRequired(),
		jwt.WithTimeFunc(c.now),
	)
	if err != nil {
		return CacheEntry{}, fmt.Errorf("%w: %w", ErrInvalidEntry, err)
	}
	if strings.TrimSpace(entry.Email) == "" || strings.TrimSpace(entry.SessionID) == "" {
		return CacheEntry{}, fmt.Errorf("%w: missing identity claims", ErrInvalidEntry)
	}
	if entry.Version <= 0 || strings.TrimSpace(entry.Nonce) == "" {
		return CacheEntry{}, fmt.Errorf("%w: missing freshness fingerprint", ErrInvalidEntry)
	}
	return entry, nil
}
