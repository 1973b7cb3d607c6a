package session

import "time"

// TTLPolicy maps elapsed time since last activity onto a cache TTL tier.
// Active users tolerate a slightly stale cache, so they get the longest TTL;
// idle users are revalidated quickly so a timeout or external sign-out is
// honored promptly.
type TTLPolicy struct {
	ActiveTTL   time.Duration
	RecentTTL   time.Duration
	IdleTTL     time.Duration
	ActiveUnder time.Duration
	RecentUnder time.Duration
	// StalenessFactor widens the read-side validity window: an entry written
	// with TTL t stays readable while its age is under StalenessFactor × t.
	StalenessFactor int
}

// DefaultTTLPolicy returns the documented tier boundaries.
func DefaultTTLPolicy() TTLPolicy {
	return TTLPolicy{
		ActiveTTL:       2 * time.Minute,
		RecentTTL:       time.Minute,
		IdleTTL:         30 * time.Second,
		ActiveUnder:     5 * time.Minute,
		RecentUnder:     15 * time.Minute,
		StalenessFactor: 2,
	}
}

// TTLFor selects the cache TTL tier for the given activity age. A negative
// age (activity cookie from the future, clock skew) is treated as active.
func (p TTLPolicy) TTLFor(activityAge time.Duration) time.Duration {
	switch {
	case activityAge < p.ActiveUnder:
		return p.ActiveTTL
	case activityAge < p.RecentUnder:
		return p.RecentTTL
	default:
		return p.IdleTTL
	}
}

// StalenessWindow computes how long after its write time an entry remains
// readable. The window intentionally exceeds the write TTL so an active user
// riding a cache entry is not revalidated mid-burst.
func (p TTLPolicy) StalenessWindow(ttl time.Duration) time.Duration {
	factor := p.StalenessFactor
	if factor < 1 {
		factor = 1
	}
	return time.Duration(factor) * ttl
}
