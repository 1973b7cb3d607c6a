// Package gatekeeper implements the authenticated-session middleware: it
// intercepts every non-public request, resolves a valid session from the
// signed cache cookie or the upstream identity provider, enforces the
// inactivity timeout for client-type users, and re-stamps the activity
// cookie. Every branch terminates in either "allow" or "redirect"; nothing
// escapes to the host framework as an unhandled error.
package gatekeeper

import (
	"context"
	"errors"
	"log/slog"
	"net/http"
	"net/url"
	"strings"
	"time"

	"github.com/google/uuid"

	"github.com/venlock/sessiongate/internal/config"
	"github.com/venlock/sessiongate/internal/identity"
	"github.com/venlock/sessiongate/internal/metrics"
	"github.com/venlock/sessiongate/internal/revocation"
	"github.com/venlock/sessiongate/internal/session"
)

// CacheHeader carries the hit/miss diagnostic on allowed requests.
const CacheHeader = "X-Sessiongate-Cache"

// Options wires the gatekeeper's collaborators and policy knobs.
type Options struct {
	Codec             *session.Codec
	TTL               session.TTLPolicy
	Verifier          identity.Verifier
	Revocations       revocation.Store
	Metrics           metrics.Sink
	Cookies           config.CookiesConfig
	Routes            *Routes
	InactivityTimeout time.Duration
	ActivityMaxAge    time.Duration
	CorrelationHeader string
	Clock             func() time.Time
}

// Gatekeeper is stateless across requests: every invocation recomputes the
// decision from the cookies presented. Concurrent invocations share nothing
// mutable beyond the route table and the revocation store, both of which are
// safe for concurrent use.
type Gatekeeper struct {
	logger            *slog.Logger
	codec             *session.Codec
	ttl               session.TTLPolicy
	verifier          identity.Verifier
	revocations       revocation.Store
	metrics           metrics.Sink
	cookies           config.CookiesConfig
	routes            *Routes
	inactivityTimeout time.Duration
	activityMaxAge    time.Duration
	correlationHeader string
	clock             func() time.Time
}

// New assembles a gatekeeper. Codec, Verifier, and Routes are required; the
// revocation store and metrics sink degrade to no-ops when absent.
func New(logger *slog.Logger, opts Options) (*Gatekeeper, error) {
	if logger == nil {
		logger = slog.Default()
	}
	if opts.Codec == nil {
		return nil, errors.New("gatekeeper: session codec required")
	}
	if opts.Verifier == nil {
		return nil, errors.New("gatekeeper: identity verifier required")
	}
	if opts.Routes == nil {
		return nil, errors.New("gatekeeper: route table required")
	}
	ttl := opts.TTL
	if ttl.ActiveTTL <= 0 {
		ttl = session.DefaultTTLPolicy()
	}
	inactivity := opts.InactivityTimeout
	if inactivity <= 0 {
		inactivity = 30 * time.Minute
	}
	activityMaxAge := opts.ActivityMaxAge
	if activityMaxAge <= 0 {
		activityMaxAge = 7 * 24 * time.Hour
	}
	clock := opts.Clock
	if clock == nil {
		clock = time.Now
	}
	sink := opts.Metrics
	if sink == nil {
		// A typed-nil Recorder keeps every Observe call a no-op.
		sink = (*metrics.Recorder)(nil)
	}
	return &Gatekeeper{
		logger:            logger.With(slog.String("agent", "gatekeeper")),
		codec:             opts.Codec,
		ttl:               ttl,
		verifier:          opts.Verifier,
		revocations:       opts.Revocations,
		metrics:           sink,
		cookies:           opts.Cookies,
		routes:            opts.Routes,
		inactivityTimeout: inactivity,
		activityMaxAge:    activityMaxAge,
		correlationHeader: strings.TrimSpace(opts.CorrelationHeader),
		clock:             clock,
	}, nil
}

// Routes exposes the classification table so the hot-reload watcher can swap
// prefixes on the live gatekeeper.
func (g *Gatekeeper) Routes() *Routes { return g.routes }

// Close releases the revocation store.
func (g *Gatekeeper) Close(ctx context.Context) error {
	if g.revocations == nil {
		return nil
	}
	return g.revocations.Close(ctx)
}

// Middleware wraps next so only requests with a resolved, non-timed-out
// session reach it. Public and admin paths pass through untouched: cookies
// are never inspected and no headers are added.
func (g *Gatekeeper) Middleware(next http.Handler) http.Handler {
	return http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		start := g.clock()
		class := g.routes.Classify(r.URL.Path)
		if class != RouteProtected {
			g.metrics.ObserveRequest(metrics.OutcomePublic, false, g.clock().Sub(start))
			next.ServeHTTP(w, r)
			return
		}

		state := newState(r.URL.Path, g.correlationID(r), start)
		state.Class = class
		jar := newCookieJar(g.cookies, r)
		reqLogger := g.logger.With(
			slog.String("path", state.Path),
			slog.String("correlation_id", state.CorrelationID),
		)

		func() {
			// Fail closed: an internal panic on a protected path must resolve
			// to a scrub-and-redirect, never a 500.
			defer func() {
				if rec := recover(); rec != nil {
					reqLogger.Error("gatekeeper panic", slog.Any("panic", rec))
					state.deny(DenialError, "internal error")
				}
			}()
			g.evaluate(r.Context(), reqLogger, state, jar)
		}()

		g.finalize(w, r, state, jar, next)
		g.metrics.ObserveRequest(state.Outcome(), state.Cache.Hit, g.clock().Sub(start))
		g.logDecision(r.Context(), reqLogger, state)
	})
}

// evaluate walks the decision stages in order: cookie integrity, forced
// revalidation, cache read, upstream verification, inactivity timeout.
func (g *Gatekeeper) evaluate(ctx context.Context, logger *slog.Logger, state *State, jar *cookieJar) {
	now := g.clock()

	state.Integrity = jar.Integrity()
	if state.Integrity == IntegrityPartial {
		g.metrics.ObserveIntegrityViolation()
		state.deny(DenialCleanup, "partial core cookie set")
		return
	}

	if at, ok := session.ParseActivity(jar.ActivityValue()); ok {
		state.ActivityAt = at
		state.ActivitySeen = true
	}

	if jar.ForceRevalidate() {
		state.Revalidated = true
		g.metrics.ObserveCacheRead(metrics.CacheBypassed)
	}

	// Cache read. Anonymous requests skip it: with no core cookies there is
	// nothing a cache entry could legitimately mirror.
	var entry session.CacheEntry
	if state.Integrity == IntegrityComplete && !state.Revalidated && jar.CacheValue() != "" {
		state.Cache.Consulted = true
		entry = g.readCache(ctx, logger, state, jar, now)
	}

	if state.Cache.Hit {
		state.Session = session.Descriptor{
			Email:    entry.Email,
			UserType: jar.UserType(),
		}
	} else if !g.verifyUpstream(ctx, logger, state, jar, now) {
		return
	}

	if g.timedOut(state, now) {
		g.forceSignOut(ctx, logger, state, jar, entry)
		state.deny(DenialTimeout, "inactivity timeout")
		return
	}

	state.allow()
}

// readCache decodes and vets the session-cache cookie, returning the usable
// entry on a hit. Every non-hit result is just a miss with a sharper label.
func (g *Gatekeeper) readCache(ctx context.Context, logger *slog.Logger, state *State, jar *cookieJar, now time.Time) session.CacheEntry {
	entry, err := g.codec.Decode(jar.CacheValue())
	if err != nil {
		result := metrics.CacheInvalid
		if session.IsExpiredEntry(err) {
			result = metrics.CacheExpired
		}
		state.Cache.Result = result
		g.metrics.ObserveCacheRead(result)
		logger.Debug("cache entry rejected", slog.Any("error", err))
		return session.CacheEntry{}
	}

	ttl := g.ttl.TTLFor(g.activityAge(state, now))
	if entry.Age(now) >= g.ttl.StalenessWindow(ttl) {
		state.Cache.Result = metrics.CacheStale
		g.metrics.ObserveCacheRead(metrics.CacheStale)
		return session.CacheEntry{}
	}

	if g.revocations != nil {
		revoked, err := g.revocations.IsRevoked(ctx, entry.SessionID)
		if err != nil {
			// Lookup failures stay fail-open: the cookie's own expiry still
			// bounds the exposure window.
			g.metrics.ObserveRevocation("lookup", true)
			logger.Warn("revocation lookup failed", slog.Any("error", err))
		} else {
			g.metrics.ObserveRevocation("lookup", false)
			if revoked {
				state.Cache.Result = metrics.CacheRevoked
				g.metrics.ObserveCacheRead(metrics.CacheRevoked)
				return session.CacheEntry{}
			}
		}
	}

	state.Cache.Result = metrics.CacheHit
	state.Cache.Hit = true
	state.Cache.Entry = entry
	g.metrics.ObserveCacheRead(metrics.CacheHit)
	return entry
}

// verifyUpstream resolves the session at the identity provider and, on
// success, stages a fresh cache entry. Returns false when the request was
// denied.
func (g *Gatekeeper) verifyUpstream(ctx context.Context, logger *slog.Logger, state *State, jar *cookieJar, now time.Time) bool {
	// A complete cookie set with no cache entry at all is the plain miss;
	// rejected reads and bypasses were already counted with sharper labels.
	if state.Integrity == IntegrityComplete && !state.Revalidated && !state.Cache.Consulted {
		state.Cache.Result = metrics.CacheMiss
		g.metrics.ObserveCacheRead(metrics.CacheMiss)
	}

	creds := identity.Credentials{
		AccessToken: jar.AccessToken(),
		Cookies:     jar.CoreCookies(),
	}
	verifyStart := g.clock()
	desc, err := g.verifier.VerifySession(ctx, creds)
	verifyDuration := g.clock().Sub(verifyStart)
	switch {
	case errors.Is(err, identity.ErrNoSession):
		g.metrics.ObserveUpstream(metrics.UpstreamVerify, metrics.UpstreamNoSession, verifyDuration)
		state.deny(DenialLogin, "no upstream session")
		return false
	case err != nil:
		g.metrics.ObserveUpstream(metrics.UpstreamVerify, metrics.UpstreamError, verifyDuration)
		logger.Error("upstream verification failed", slog.Any("error", err))
		state.deny(DenialError, "upstream verification failed")
		return false
	}
	g.metrics.ObserveUpstream(metrics.UpstreamVerify, metrics.UpstreamOK, verifyDuration)

	ttl := g.ttl.TTLFor(g.activityAge(state, now))
	value, _, err := g.codec.Encode(desc, ttl)
	if err != nil {
		// A failed cache write never blocks an otherwise valid session.
		logger.Warn("cache entry encode failed", slog.Any("error", err))
	} else {
		state.Cache.Stored = true
		state.Cache.StoredTTL = ttl
		state.pendingCacheValue = value
		g.metrics.ObserveCacheWrite(ttl)
	}

	if cookieType := jar.UserType(); cookieType != "" {
		desc.UserType = cookieType
	}
	state.Session = desc
	return true
}

// timedOut applies the inactivity threshold to client-type users. The check
// runs even on a cache hit so a stale entry cannot mask a timeout. With no
// activity cookie present the user gets first-touch grace.
func (g *Gatekeeper) timedOut(state *State, now time.Time) bool {
	if !state.Session.IsClient() {
		return false
	}
	if !state.ActivitySeen {
		return false
	}
	return now.Sub(state.ActivityAt) > g.inactivityTimeout
}

// forceSignOut terminates the upstream session and records the fingerprint in
// the revocation store so other tabs holding a live cache entry are refused.
// Both operations are best-effort; the denial stands regardless.
func (g *Gatekeeper) forceSignOut(ctx context.Context, logger *slog.Logger, state *State, jar *cookieJar, entry session.CacheEntry) {
	creds := identity.Credentials{
		AccessToken: jar.AccessToken(),
		Cookies:     jar.CoreCookies(),
	}
	signOutStart := g.clock()
	if err := g.verifier.SignOut(ctx, creds); err != nil {
		g.metrics.ObserveUpstream(metrics.UpstreamSignOut, metrics.UpstreamError, g.clock().Sub(signOutStart))
		logger.Warn("upstream sign-out failed", slog.Any("error", err))
	} else {
		g.metrics.ObserveUpstream(metrics.UpstreamSignOut, metrics.UpstreamOK, g.clock().Sub(signOutStart))
	}

	if g.revocations == nil {
		return
	}
	fingerprint := entry.SessionID
	if fingerprint == "" {
		fingerprint = state.Session.Fingerprint()
	}
	if fingerprint == "" {
		return
	}
	// Cover the widest window a cached entry could still be read in.
	ttl := g.ttl.StalenessWindow(g.ttl.ActiveTTL)
	if err := g.revocations.Revoke(ctx, fingerprint, ttl); err != nil {
		g.metrics.ObserveRevocation("revoke", true)
		logger.Warn("revocation store write failed", slog.Any("error", err))
	} else {
		g.metrics.ObserveRevocation("revoke", false)
	}
}

// finalize attaches the response: cookies and diagnostic headers on allow,
// scrub and redirect on deny. Cookie writes only happen here so a cancelled
// request drops them wholesale.
func (g *Gatekeeper) finalize(w http.ResponseWriter, r *http.Request, state *State, jar *cookieJar, next http.Handler) {
	w.Header().Set("Cache-Control", "no-store")
	if g.correlationHeader != "" {
		w.Header().Set(g.correlationHeader, state.CorrelationID)
	}

	if !state.Allowed {
		jar.Scrub(w)
		g.redirect(w, r, state)
		return
	}

	if state.Revalidated {
		jar.DeleteRevalidate(w)
		if state.pendingCacheValue == "" {
			jar.DeleteCache(w)
		}
	}
	if state.pendingCacheValue != "" {
		jar.WriteCache(w, state.pendingCacheValue, state.Cache.StoredTTL)
	}
	jar.WriteActivity(w, session.FormatActivity(g.clock()), g.activityMaxAge)

	if state.Cache.Hit {
		w.Header().Set(CacheHeader, "hit")
	} else {
		w.Header().Set(CacheHeader, "miss")
	}
	next.ServeHTTP(w, r)
}

// redirect sends the caller to the login entry point with exactly one
// diagnostic parameter attached.
func (g *Gatekeeper) redirect(w http.ResponseWriter, r *http.Request, state *State) {
	target := url.URL{Path: g.routes.LoginPath()}
	values := url.Values{}
	switch state.Denial {
	case DenialTimeout:
		values.Set("timeout", "true")
	case DenialCleanup:
		values.Set("cleanup", "true")
	case DenialError:
		values.Set("error", "middleware")
	default:
		values.Set("redirect", state.Path)
	}
	target.RawQuery = values.Encode()
	http.Redirect(w, r, target.String(), http.StatusFound)
}

func (g *Gatekeeper) activityAge(state *State, now time.Time) time.Duration {
	if !state.ActivitySeen {
		return 0
	}
	age := now.Sub(state.ActivityAt)
	if age < 0 {
		return 0
	}
	return age
}

func (g *Gatekeeper) correlationID(r *http.Request) string {
	if g.correlationHeader != "" {
		if id := strings.TrimSpace(r.Header.Get(g.correlationHeader)); id != "" {
			return id
		}
	}
	return uuid.NewString()
}

func (g *Gatekeeper) logDecision(ctx context.Context, logger *slog.Logger, state *State) {
	if !logger.Enabled(ctx, slog.LevelInfo) {
		return
	}
	attrs := []slog.Attr{
		slog.String("outcome", string(state.Outcome())),
		slog.Bool("allowed", state.Allowed),
		slog.Bool("cache_hit", state.Cache.Hit),
		slog.Bool("cache_stored", state.Cache.Stored),
		slog.String("integrity", string(state.Integrity)),
	}
	if state.Cache.Result != "" {
		attrs = append(attrs, slog.String("cache_result", string(state.Cache.Result)))
	}
	if state.Reason != "" {
		attrs = append(attrs, slog.String("reason", state.Reason))
	}
	if state.Session.Email != "" {
		attrs = append(attrs, slog.String("email", state.Session.Email))
	}
	logger.LogAttrs(ctx, slog.LevelInfo, "gatekeeper decision", attrs...)
}
