package gatekeeper

import (
	"net/http"
	"time"

	"github.com/venlock/sessiongate/internal/config"
)

// CookieIntegrity summarizes the state of the core session cookies.
type CookieIntegrity string

const (
	// IntegrityAnonymous means no core cookies are present; the user is simply
	// not logged in.
	IntegrityAnonymous CookieIntegrity = "anonymous"
	// IntegrityComplete means every core cookie is present and non-empty.
	IntegrityComplete CookieIntegrity = "complete"
	// IntegrityPartial means some core cookies are present or empty-valued,
	// usually the residue of a concurrent write or a crashed client.
	IntegrityPartial CookieIntegrity = "partial"
)

// cookieJar is the per-request snapshot of every cookie the gatekeeper reads,
// plus the writer used to stamp or scrub cookies on the response. Writes are
// only attached at defined points in the flow, never incrementally, so a
// cancelled request naturally drops them.
type cookieJar struct {
	cfg config.CookiesConfig

	core       map[string]*http.Cookie
	cache      *http.Cookie
	activity   *http.Cookie
	revalidate *http.Cookie
}

func newCookieJar(cfg config.CookiesConfig, r *http.Request) *cookieJar {
	jar := &cookieJar{
		cfg:  cfg,
		core: make(map[string]*http.Cookie, len(cfg.Core)),
	}
	for _, name := range cfg.Core {
		if cookie, err := r.Cookie(name); err == nil {
			jar.core[name] = cookie
		}
	}
	if cookie, err := r.Cookie(cfg.Cache); err == nil {
		jar.cache = cookie
	}
	if cookie, err := r.Cookie(cfg.Activity); err == nil {
		jar.activity = cookie
	}
	if cookie, err := r.Cookie(cfg.Revalidate); err == nil {
		jar.revalidate = cookie
	}
	return jar
}

// Integrity classifies the core cookie set. Presence with an empty value
// counts as partial: it is indistinguishable from a torn write.
func (j *cookieJar) Integrity() CookieIntegrity {
	present := 0
	empty := 0
	for _, name := range j.cfg.Core {
		cookie, ok := j.core[name]
		if !ok {
			continue
		}
		present++
		if cookie.Value == "" {
			empty++
		}
	}
	switch {
	case present == 0:
		return IntegrityAnonymous
	case present == len(j.cfg.Core) && empty == 0:
		return IntegrityComplete
	default:
		return IntegrityPartial
	}
}

// AccessToken returns the opaque value of the first core cookie, which by
// convention carries the provider's access token.
func (j *cookieJar) AccessToken() string {
	if len(j.cfg.Core) == 0 {
		return ""
	}
	if cookie, ok := j.core[j.cfg.Core[0]]; ok {
		return cookie.Value
	}
	return ""
}

// UserType returns the discrete tag from the user-type marker cookie, empty
// when absent. The gatekeeper never mutates this cookie.
func (j *cookieJar) UserType() string {
	if j.cfg.UserType == "" {
		return ""
	}
	if cookie, ok := j.core[j.cfg.UserType]; ok {
		return cookie.Value
	}
	return ""
}

// CoreCookies returns the present core cookies for forwarding upstream.
func (j *cookieJar) CoreCookies() []*http.Cookie {
	out := make([]*http.Cookie, 0, len(j.core))
	for _, name := range j.cfg.Core {
		if cookie, ok := j.core[name]; ok && cookie.Value != "" {
			out = append(out, cookie)
		}
	}
	return out
}

// CacheValue returns the raw session-cache cookie value, empty when absent.
func (j *cookieJar) CacheValue() string {
	if j.cache == nil {
		return ""
	}
	return j.cache.Value
}

// ActivityValue returns the raw activity cookie value, empty when absent.
func (j *cookieJar) ActivityValue() string {
	if j.activity == nil {
		return ""
	}
	return j.activity.Value
}

// ForceRevalidate reports whether the one-shot revalidation flag is set.
func (j *cookieJar) ForceRevalidate() bool {
	return j.revalidate != nil && j.revalidate.Value != ""
}

// WriteCache stamps a fresh session-cache cookie whose lifetime matches the
// TTL baked into the entry's expiry.
func (j *cookieJar) WriteCache(w http.ResponseWriter, value string, ttl time.Duration) {
	http.SetCookie(w, &http.Cookie{
		Name:     j.cfg.Cache,
		Value:    value,
		Path:     "/",
		Domain:   j.cfg.Domain,
		MaxAge:   int(ttl.Seconds()),
		Secure:   j.cfg.Secure,
		HttpOnly: true,
		SameSite: http.SameSiteLaxMode,
	})
}

// WriteActivity refreshes the activity timestamp. The cookie stays readable
// by client-side code so UI timers can reflect it.
func (j *cookieJar) WriteActivity(w http.ResponseWriter, value string, maxAge time.Duration) {
	http.SetCookie(w, &http.Cookie{
		Name:     j.cfg.Activity,
		Value:    value,
		Path:     "/",
		Domain:   j.cfg.Domain,
		MaxAge:   int(maxAge.Seconds()),
		Secure:   j.cfg.Secure,
		HttpOnly: false,
		SameSite: http.SameSiteLaxMode,
	})
}

// DeleteCache expires the session-cache cookie.
func (j *cookieJar) DeleteCache(w http.ResponseWriter) {
	j.expire(w, j.cfg.Cache)
}

// DeleteRevalidate consumes the one-shot revalidation flag.
func (j *cookieJar) DeleteRevalidate(w http.ResponseWriter) {
	j.expire(w, j.cfg.Revalidate)
}

// Scrub expires every session-related cookie: core set, cache entry,
// revalidation flag, and activity timestamp.
func (j *cookieJar) Scrub(w http.ResponseWriter) {
	for _, name := range j.cfg.Core {
		j.expire(w, name)
	}
	j.expire(w, j.cfg.Cache)
	j.expire(w, j.cfg.Revalidate)
	j.expire(w, j.cfg.Activity)
}

func (j *cookieJar) expire(w http.ResponseWriter, name string) {
	if name == "" {
		return
	}
	http.SetCookie(w, &http.Cookie{
		Name:     name,
		Value:    "",
		Path:     "/",
		Domain:   j.cfg.Domain,
		MaxAge:   -1,
		Secure:   j.cfg.Secure,
		SameSite: http.SameSiteLaxMode,
	})
}
