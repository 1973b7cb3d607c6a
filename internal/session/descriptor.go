// Package session defines the verified-session descriptor, the adaptive cache
// TTL policy, and the signed cookie codec that mirrors an upstream-verified
// session on the client.
package session

import "strings"

// fingerprintLength truncates the opaque upstream token for the cache entry.
// The fragment is only ever used as a staleness/revocation key, never as a
// credential.
const fingerprintLength = 8

// Descriptor is the minimal session surface the upstream identity provider
// resolves: a user email, an opaque token fragment, and the discrete user-type
// tag timeout enforcement keys on.
type Descriptor struct {
	Email    string
	Token    string
	UserType string
}

// Fingerprint derives the short session identifier recorded in cache entries
// and in the revocation store.
func (d Descriptor) Fingerprint() string {
	return Fingerprint(d.Token)
}

// Fingerprint truncates an opaque session token to its cache identifier.
func Fingerprint(token string) string {
	token = strings.TrimSpace(token)
	if len(token) <= fingerprintLength {
		return token
	}
	return token[:fingerprintLength]
}

// IsClient reports whether the descriptor belongs to a client-type user, the
// only population subject to inactivity timeouts.
func (d Descriptor) IsClient() bool {
	return strings.EqualFold(strings.TrimSpace(d.UserType), "client")
}
