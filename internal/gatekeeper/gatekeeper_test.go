package gatekeeper

import (
	"context"
	"errors"
	"io"
	"log/slog"
	"net/http"
	"net/http/httptest"
	"net/url"
	"sync"
	"testing"
	"time"

	"github.com/stretchr/testify/require"

	"github.com/venlock/sessiongate/internal/config"
	"github.com/venlock/sessiongate/internal/identity"
	"github.com/venlock/sessiongate/internal/metrics"
	"github.com/venlock/sessiongate/internal/revocation"
	"github.com/venlock/sessiongate/internal/session"
)

type fakeVerifier struct {
	mu           sync.Mutex
	verify       func(identity.Credentials) (session.Descriptor, error)
	signOut      func(identity.Credentials) error
	verifyCalls  int
	signOutCalls int
	lastCreds    identity.Credentials
}

func (f *fakeVerifier) VerifySession(_ context.Context, creds identity.Credentials) (session.Descriptor, error) {
	f.mu.Lock()
	f.verifyCalls++
	f.lastCreds = creds
	f.mu.Unlock()
	if f.verify == nil {
		return session.Descriptor{}, identity.ErrNoSession
	}
	return f.verify(creds)
}

func (f *fakeVerifier) SignOut(_ context.Context, creds identity.Credentials) error {
	f.mu.Lock()
	f.signOutCalls++
	f.mu.Unlock()
	if f.signOut == nil {
		return nil
	}
	return f.signOut(creds)
}

// recordingSink counts emissions so tests can assert the decision paths
// instrument themselves.
type recordingSink struct {
	mu         sync.Mutex
	requests   map[metrics.Outcome]int
	cacheReads map[metrics.CacheResult]int
	upstream   map[string]int
	violations int
}

func newRecordingSink() *recordingSink {
	return &recordingSink{
		requests:   make(map[metrics.Outcome]int),
		cacheReads: make(map[metrics.CacheResult]int),
		upstream:   make(map[string]int),
	}
}

func (s *recordingSink) ObserveRequest(outcome metrics.Outcome, _ bool, _ time.Duration) {
	s.mu.Lock()
	defer s.mu.Unlock()
	s.requests[outcome]++
}

func (s *recordingSink) ObserveCacheRead(result metrics.CacheResult) {
	s.mu.Lock()
	defer s.mu.Unlock()
	s.cacheReads[result]++
}

func (s *recordingSink) ObserveCacheWrite(time.Duration) {}

func (s *recordingSink) ObserveUpstream(op metrics.UpstreamOperation, result metrics.UpstreamResult, _ time.Duration) {
	s.mu.Lock()
	defer s.mu.Unlock()
	s.upstream[string(op)+"/"+string(result)]++
}

func (s *recordingSink) ObserveIntegrityViolation() {
	s.mu.Lock()
	defer s.mu.Unlock()
	s.violations++
}

func (s *recordingSink) ObserveRevocation(string, bool) {}

type fixture struct {
	gk          *Gatekeeper
	codec       *session.Codec
	verifier    *fakeVerifier
	revocations revocation.Store
	sink        *recordingSink
	now         time.Time
	nextCalls   int
}

func (f *fixture) advance(d time.Duration) { f.now = f.now.Add(d) }

func newFixture(t *testing.T) *fixture {
	t.Helper()
	f := &fixture{
		now: time.Date(2026, 3, 1, 12, 0, 0, 0, time.UTC),
		verifier: &fakeVerifier{
			verify: func(identity.Credentials) (session.Descriptor, error) {
				return session.Descriptor{Email: "ops@acme.test", Token: "opaque-token-value", UserType: "client"}, nil
			},
		},
		revocations: revocation.NewMemory(time.Hour),
		sink:        newRecordingSink(),
	}
	clock := func() time.Time { return f.now }

	codec, err := session.NewCodec("test-signing-key")
	require.NoError(t, err)
	f.codec = codec.WithClock(clock)

	routes := NewRoutes(config.RoutesConfig{
		LoginPath:      "/login",
		PublicPrefixes: []string{"/assets"},
		AdminPrefixes:  []string{"/admin"},
	})

	gk, err := New(slog.New(slog.NewTextHandler(io.Discard, nil)), Options{
		Codec:             f.codec,
		TTL:               session.DefaultTTLPolicy(),
		Verifier:          f.verifier,
		Revocations:       f.revocations,
		Metrics:           f.sink,
		Cookies:           testCookiesConfig(),
		Routes:            routes,
		InactivityTimeout: 30 * time.Minute,
		ActivityMaxAge:    7 * 24 * time.Hour,
		CorrelationHeader: "X-Request-Id",
		Clock:             clock,
	})
	require.NoError(t, err)
	f.gk = gk
	return f
}

func (f *fixture) serve(req *http.Request) *httptest.ResponseRecorder {
	next := http.HandlerFunc(func(w http.ResponseWriter, _ *http.Request) {
		f.nextCalls++
		w.WriteHeader(http.StatusOK)
		_, _ = w.Write([]byte("portal"))
	})
	rr := httptest.NewRecorder()
	f.gk.Middleware(next).ServeHTTP(rr, req)
	return rr
}

func (f *fixture) coreCookies(userType string) []*http.Cookie {
	return []*http.Cookie{
		{Name: "sg-access-token", Value: "opaque-token-value"},
		{Name: "sg-refresh-token", Value: "refresh-value"},
		{Name: "sg-user-type", Value: userType},
	}
}

func (f *fixture) mintCache(t *testing.T, email string, ttl time.Duration) string {
	t.Helper()
	value, _, err := f.codec.Encode(session.Descriptor{Email: email, Token: "opaque-token-value"}, ttl)
	require.NoError(t, err)
	return value
}

func protectedRequest(cookies ...*http.Cookie) *http.Request {
	req := httptest.NewRequest("GET", "/dashboard", nil)
	for _, c := range cookies {
		req.AddCookie(c)
	}
	return req
}

func findCookie(t *testing.T, rr *httptest.ResponseRecorder, name string) *http.Cookie {
	t.Helper()
	for _, cookie := range rr.Result().Cookies() {
		if cookie.Name == name {
			return cookie
		}
	}
	return nil
}

func redirectQuery(t *testing.T, rr *httptest.ResponseRecorder) url.Values {
	t.Helper()
	require.Equal(t, http.StatusFound, rr.Code)
	loc, err := url.Parse(rr.Header().Get("Location"))
	require.NoError(t, err)
	require.Equal(t, "/login", loc.Path)
	return loc.Query()
}

func TestPublicAndAdminPathsPassThroughUntouched(t *testing.T) {
	f := newFixture(t)

	for _, path := range []string{"/assets/app.js", "/admin/users", "/login"} {
		req := httptest.NewRequest("GET", path, nil)
		rr := f.serve(req)
		require.Equal(t, http.StatusOK, rr.Code, "path %s", path)
		require.Empty(t, rr.Header().Get("Cache-Control"), "path %s", path)
		require.Empty(t, rr.Result().Cookies(), "path %s", path)
		require.Empty(t, rr.Header().Get(CacheHeader), "path %s", path)
	}
	require.Equal(t, 3, f.nextCalls)
	require.Equal(t, 0, f.verifier.verifyCalls)
	require.Equal(t, 3, f.sink.requests[metrics.OutcomePublic])
}

func TestAnonymousProtectedRedirectsWithOriginalPath(t *testing.T) {
	f := newFixture(t)
	f.verifier.verify = nil

	rr := f.serve(protectedRequest())

	query := redirectQuery(t, rr)
	require.Equal(t, "/dashboard", query.Get("redirect"))
	require.Len(t, query, 1)
	require.Equal(t, "no-store", rr.Header().Get("Cache-Control"))
	require.Equal(t, 0, f.nextCalls)
	require.Equal(t, 1, f.sink.requests[metrics.OutcomeRedirectLogin])
}

func TestPartialCookiesScrubAndCleanupRedirect(t *testing.T) {
	f := newFixture(t)

	rr := f.serve(protectedRequest(&http.Cookie{Name: "sg-access-token", Value: "tok"}))

	query := redirectQuery(t, rr)
	require.Equal(t, "true", query.Get("cleanup"))
	require.Len(t, query, 1)
	require.Equal(t, 0, f.verifier.verifyCalls)
	require.Equal(t, 1, f.sink.violations)

	for _, name := range []string{"sg-access-token", "sg-refresh-token", "sg-user-type", "sg-session-cache", "sg-force-revalidate", "sg-last-activity"} {
		cookie := findCookie(t, rr, name)
		require.NotNil(t, cookie, "expected scrub for %s", name)
		require.Less(t, cookie.MaxAge, 0, "cookie %s", name)
	}
}

func TestEmptyCoreCookieCountsAsPartial(t *testing.T) {
	f := newFixture(t)

	cookies := f.coreCookies("client")
	cookies[1].Value = ""
	rr := f.serve(protectedRequest(cookies...))

	query := redirectQuery(t, rr)
	require.Equal(t, "true", query.Get("cleanup"))
}

func TestCacheMissVerifiesUpstreamAndStoresEntry(t *testing.T) {
	f := newFixture(t)

	rr := f.serve(protectedRequest(f.coreCookies("client")...))

	require.Equal(t, http.StatusOK, rr.Code)
	require.Equal(t, "miss", rr.Header().Get(CacheHeader))
	require.Equal(t, "no-store", rr.Header().Get("Cache-Control"))
	require.Equal(t, 1, f.verifier.verifyCalls)
	require.Equal(t, "opaque-token-value", f.verifier.lastCreds.AccessToken)
	require.Equal(t, 1, f.sink.cacheReads[metrics.CacheMiss])

	// No activity cookie means the active tier applies.
	cache := findCookie(t, rr, "sg-session-cache")
	require.NotNil(t, cache)
	require.Equal(t, int((2 * time.Minute).Seconds()), cache.MaxAge)

	entry, err := f.codec.Decode(cache.Value)
	require.NoError(t, err)
	require.Equal(t, "ops@acme.test", entry.Email)
	require.Equal(t, "opaque-t", entry.SessionID)

	activity := findCookie(t, rr, "sg-last-activity")
	require.NotNil(t, activity)
	require.Equal(t, session.FormatActivity(f.now), activity.Value)
	require.False(t, activity.HttpOnly)
}

func TestCacheHitSkipsUpstream(t *testing.T) {
	f := newFixture(t)
	value := f.mintCache(t, "ops@acme.test", 2*time.Minute)
	f.advance(30 * time.Second)

	cookies := append(f.coreCookies("client"),
		&http.Cookie{Name: "sg-session-cache", Value: value},
		&http.Cookie{Name: "sg-last-activity", Value: session.FormatActivity(f.now.Add(-time.Minute))},
	)
	rr := f.serve(protectedRequest(cookies...))

	require.Equal(t, http.StatusOK, rr.Code)
	require.Equal(t, "hit", rr.Header().Get(CacheHeader))
	require.Equal(t, 0, f.verifier.verifyCalls)
	require.Equal(t, 1, f.sink.cacheReads[metrics.CacheHit])

	// A hit re-stamps activity but leaves the cache entry alone.
	require.Nil(t, findCookie(t, rr, "sg-session-cache"))
	require.NotNil(t, findCookie(t, rr, "sg-last-activity"))
}

func TestStaleEntryFallsThroughToUpstream(t *testing.T) {
	f := newFixture(t)
	value := f.mintCache(t, "ops@acme.test", 2*time.Minute)

	// Ninety seconds later the entry is inside its signed expiry, but the
	// idle activity tier shrinks the validity window to 2x30s.
	f.advance(90 * time.Second)
	cookies := append(f.coreCookies("client"),
		&http.Cookie{Name: "sg-session-cache", Value: value},
		&http.Cookie{Name: "sg-last-activity", Value: session.FormatActivity(f.now.Add(-20 * time.Minute))},
	)
	rr := f.serve(protectedRequest(cookies...))

	require.Equal(t, http.StatusOK, rr.Code)
	require.Equal(t, "miss", rr.Header().Get(CacheHeader))
	require.Equal(t, 1, f.verifier.verifyCalls)
	require.Equal(t, 1, f.sink.cacheReads[metrics.CacheStale])

	// The replacement entry is minted at the idle tier.
	cache := findCookie(t, rr, "sg-session-cache")
	require.NotNil(t, cache)
	require.Equal(t, int((30 * time.Second).Seconds()), cache.MaxAge)
}

func TestExpiredEntryFallsThroughToUpstream(t *testing.T) {
	f := newFixture(t)
	value := f.mintCache(t, "ops@acme.test", 2*time.Minute)
	f.advance(3 * time.Minute)

	cookies := append(f.coreCookies("client"),
		&http.Cookie{Name: "sg-session-cache", Value: value},
		&http.Cookie{Name: "sg-last-activity", Value: session.FormatActivity(f.now)},
	)
	rr := f.serve(protectedRequest(cookies...))

	require.Equal(t, http.StatusOK, rr.Code)
	require.Equal(t, 1, f.verifier.verifyCalls)
	require.Equal(t, 1, f.sink.cacheReads[metrics.CacheExpired])
}

func TestTamperedEntryFallsThroughToUpstream(t *testing.T) {
	f := newFixture(t)

	cookies := append(f.coreCookies("client"),
		&http.Cookie{Name: "sg-session-cache", Value: "not-a-signed-entry"},
		&http.Cookie{Name: "sg-last-activity", Value: session.FormatActivity(f.now)},
	)
	rr := f.serve(protectedRequest(cookies...))

	require.Equal(t, http.StatusOK, rr.Code)
	require.Equal(t, 1, f.verifier.verifyCalls)
	require.Equal(t, 1, f.sink.cacheReads[metrics.CacheInvalid])
}

func TestForceRevalidateBypassesCacheAndConsumesFlag(t *testing.T) {
	f := newFixture(t)
	value := f.mintCache(t, "ops@acme.test", 2*time.Minute)

	cookies := append(f.coreCookies("client"),
		&http.Cookie{Name: "sg-session-cache", Value: value},
		&http.Cookie{Name: "sg-last-activity", Value: session.FormatActivity(f.now)},
		&http.Cookie{Name: "sg-force-revalidate", Value: "1"},
	)
	rr := f.serve(protectedRequest(cookies...))

	require.Equal(t, http.StatusOK, rr.Code)
	require.Equal(t, "miss", rr.Header().Get(CacheHeader))
	require.Equal(t, 1, f.verifier.verifyCalls)
	require.Equal(t, 1, f.sink.cacheReads[metrics.CacheBypassed])

	flag := findCookie(t, rr, "sg-force-revalidate")
	require.NotNil(t, flag)
	require.Less(t, flag.MaxAge, 0)

	// The bypass still refreshes the cache entry for the next request.
	require.NotNil(t, findCookie(t, rr, "sg-session-cache"))
}

func TestInactivityTimeoutSignsOutAndRevokes(t *testing.T) {
	f := newFixture(t)
	value := f.mintCache(t, "ops@acme.test", 2*time.Minute)

	cookies := append(f.coreCookies("client"),
		&http.Cookie{Name: "sg-session-cache", Value: value},
		&http.Cookie{Name: "sg-last-activity", Value: session.FormatActivity(f.now.Add(-31 * time.Minute))},
	)
	rr := f.serve(protectedRequest(cookies...))

	query := redirectQuery(t, rr)
	require.Equal(t, "true", query.Get("timeout"))
	require.Len(t, query, 1)
	require.Equal(t, 1, f.verifier.signOutCalls)

	revoked, err := f.revocations.IsRevoked(context.Background(), "opaque-t")
	require.NoError(t, err)
	require.True(t, revoked)

	// The scrub removes every session cookie alongside the redirect.
	cache := findCookie(t, rr, "sg-session-cache")
	require.NotNil(t, cache)
	require.Less(t, cache.MaxAge, 0)
	require.Equal(t, 1, f.sink.requests[metrics.OutcomeRedirectTimeout])
}

func TestTimeoutAppliesEvenWithoutCacheEntry(t *testing.T) {
	f := newFixture(t)

	cookies := append(f.coreCookies("client"),
		&http.Cookie{Name: "sg-last-activity", Value: session.FormatActivity(f.now.Add(-45 * time.Minute))},
	)
	rr := f.serve(protectedRequest(cookies...))

	query := redirectQuery(t, rr)
	require.Equal(t, "true", query.Get("timeout"))
	require.Equal(t, 1, f.verifier.verifyCalls)
	require.Equal(t, 1, f.verifier.signOutCalls)
}

func TestFirstTouchGraceWithoutActivityCookie(t *testing.T) {
	f := newFixture(t)

	rr := f.serve(protectedRequest(f.coreCookies("client")...))

	require.Equal(t, http.StatusOK, rr.Code)
	require.Equal(t, 0, f.verifier.signOutCalls)
	require.NotNil(t, findCookie(t, rr, "sg-last-activity"))
}

func TestNonClientUsersNeverTimeOut(t *testing.T) {
	f := newFixture(t)
	f.verifier.verify = func(identity.Credentials) (session.Descriptor, error) {
		return session.Descriptor{Email: "staff@acme.test", Token: "opaque-token-value", UserType: "staff"}, nil
	}

	cookies := append(f.coreCookies("staff"),
		&http.Cookie{Name: "sg-last-activity", Value: session.FormatActivity(f.now.Add(-2 * time.Hour))},
	)
	rr := f.serve(protectedRequest(cookies...))

	require.Equal(t, http.StatusOK, rr.Code)
	require.Equal(t, 0, f.verifier.signOutCalls)
}

func TestUpstreamErrorFailsClosed(t *testing.T) {
	f := newFixture(t)
	f.verifier.verify = func(identity.Credentials) (session.Descriptor, error) {
		return session.Descriptor{}, errors.New("connection refused")
	}

	rr := f.serve(protectedRequest(f.coreCookies("client")...))

	query := redirectQuery(t, rr)
	require.Equal(t, "middleware", query.Get("error"))
	require.Len(t, query, 1)
	require.Equal(t, 1, f.sink.requests[metrics.OutcomeRedirectError])
	require.Equal(t, 1, f.sink.upstream["verify/error"])
}

func TestVerifierPanicFailsClosed(t *testing.T) {
	f := newFixture(t)
	f.verifier.verify = func(identity.Credentials) (session.Descriptor, error) {
		panic("provider sdk bug")
	}

	rr := f.serve(protectedRequest(f.coreCookies("client")...))

	query := redirectQuery(t, rr)
	require.Equal(t, "middleware", query.Get("error"))
	require.Equal(t, 0, f.nextCalls)
}

func TestRevokedEntryForcesUpstreamVerification(t *testing.T) {
	f := newFixture(t)
	value := f.mintCache(t, "ops@acme.test", 2*time.Minute)
	require.NoError(t, f.revocations.Revoke(context.Background(), "opaque-t", time.Hour))

	cookies := append(f.coreCookies("client"),
		&http.Cookie{Name: "sg-session-cache", Value: value},
		&http.Cookie{Name: "sg-last-activity", Value: session.FormatActivity(f.now)},
	)
	rr := f.serve(protectedRequest(cookies...))

	require.Equal(t, http.StatusOK, rr.Code)
	require.Equal(t, "miss", rr.Header().Get(CacheHeader))
	require.Equal(t, 1, f.verifier.verifyCalls)
	require.Equal(t, 1, f.sink.cacheReads[metrics.CacheRevoked])
}

func TestStoredTTLTracksActivityTier(t *testing.T) {
	f := newFixture(t)

	cases := []struct {
		age  time.Duration
		want time.Duration
	}{
		{2 * time.Minute, 2 * time.Minute},
		{10 * time.Minute, time.Minute},
		{20 * time.Minute, 30 * time.Second},
	}
	for _, tc := range cases {
		cookies := append(f.coreCookies("client"),
			&http.Cookie{Name: "sg-last-activity", Value: session.FormatActivity(f.now.Add(-tc.age))},
		)
		rr := f.serve(protectedRequest(cookies...))
		require.Equal(t, http.StatusOK, rr.Code, "age %s", tc.age)

		cache := findCookie(t, rr, "sg-session-cache")
		require.NotNil(t, cache, "age %s", tc.age)
		require.Equal(t, int(tc.want.Seconds()), cache.MaxAge, "age %s", tc.age)
	}
}

func TestCorrelationHeaderEchoedOrGenerated(t *testing.T) {
	f := newFixture(t)

	req := protectedRequest(f.coreCookies("client")...)
	req.Header.Set("X-Request-Id", "req-42")
	rr := f.serve(req)
	require.Equal(t, "req-42", rr.Header().Get("X-Request-Id"))

	rr = f.serve(protectedRequest(f.coreCookies("client")...))
	require.NotEmpty(t, rr.Header().Get("X-Request-Id"))
}

func TestNewRequiresCollaborators(t *testing.T) {
	f := newFixture(t)
	logger := slog.New(slog.NewTextHandler(io.Discard, nil))

	_, err := New(logger, Options{Verifier: f.verifier, Routes: f.gk.Routes()})
	require.Error(t, err)
	_, err = New(logger, Options{Codec: f.codec, Routes: f.gk.Routes()})
	require.Error(t, err)
	_, err = New(logger, Options{Codec: f.codec, Verifier: f.verifier})
	require.Error(t, err)
}
