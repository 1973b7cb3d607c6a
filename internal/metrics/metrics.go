package metrics

import (
	"net/http"
	"strings"
	"time"

	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/collectors"
	"github.com/prometheus/client_golang/prometheus/promhttp"
)

// Outcome identifies the terminal state of a gatekeeper invocation.
type Outcome string

const (
	// OutcomeAllowed indicates the request was passed through to the portal.
	OutcomeAllowed Outcome = "allowed"
	// OutcomePublic indicates the path was public and left untouched.
	OutcomePublic Outcome = "public"
	// OutcomeRedirectLogin indicates a denial that sent the caller to login.
	OutcomeRedirectLogin Outcome = "redirect_login"
	// OutcomeRedirectTimeout indicates an inactivity-timeout sign-out.
	OutcomeRedirectTimeout Outcome = "redirect_timeout"
	// OutcomeRedirectCleanup indicates a cookie-integrity scrub.
	OutcomeRedirectCleanup Outcome = "redirect_cleanup"
	// OutcomeRedirectError indicates the fail-closed boundary fired.
	OutcomeRedirectError Outcome = "redirect_error"
)

// CacheResult captures the result of a session-cache cookie read.
type CacheResult string

const (
	// CacheHit indicates the cookie entry satisfied the request.
	CacheHit CacheResult = "hit"
	// CacheMiss indicates no usable entry was present.
	CacheMiss CacheResult = "miss"
	// CacheStale indicates the entry's write-time fingerprint aged out.
	CacheStale CacheResult = "stale"
	// CacheExpired indicates the entry's expiry had passed.
	CacheExpired CacheResult = "expired"
	// CacheInvalid indicates the entry failed signature or schema checks.
	CacheInvalid CacheResult = "invalid"
	// CacheRevoked indicates the revocation store refused the entry.
	CacheRevoked CacheResult = "revoked"
	// CacheBypassed indicates the force-revalidate flag skipped the read.
	CacheBypassed CacheResult = "bypassed"
)

// UpstreamOperation identifies the identity-provider call being instrumented.
type UpstreamOperation string

const (
	// UpstreamVerify records session verification calls.
	UpstreamVerify UpstreamOperation = "verify"
	// UpstreamSignOut records forced sign-out calls.
	UpstreamSignOut UpstreamOperation = "sign_out"
)

// UpstreamResult captures the result of an identity-provider call.
type UpstreamResult string

const (
	// UpstreamOK indicates the provider returned a usable response.
	UpstreamOK UpstreamResult = "ok"
	// UpstreamNoSession indicates the provider reported no session.
	UpstreamNoSession UpstreamResult = "no_session"
	// UpstreamError indicates the call failed.
	UpstreamError UpstreamResult = "error"
)

// Sink is the injectable metrics surface the gatekeeper emits into. Emission
// must never affect the request outcome, so every implementation is expected
// to be nil-safe and non-blocking.
type Sink interface {
	ObserveRequest(outcome Outcome, fromCache bool, duration time.Duration)
	ObserveCacheRead(result CacheResult)
	ObserveCacheWrite(ttl time.Duration)
	ObserveUpstream(op UpstreamOperation, result UpstreamResult, duration time.Duration)
	ObserveIntegrityViolation()
	ObserveRevocation(op string, err bool)
}

// Recorder publishes Prometheus metrics for gatekeeper activity.
type Recorder struct {
	gatherer prometheus.Gatherer
	handler  http.Handler

	requests       *prometheus.CounterVec
	requestLatency *prometheus.HistogramVec

	cacheReads  *prometheus.CounterVec
	cacheWrites prometheus.Counter

	upstreamCalls   *prometheus.CounterVec
	upstreamLatency *prometheus.HistogramVec

	integrityViolations prometheus.Counter
	revocationOps       *prometheus.CounterVec
}

var _ Sink = (*Recorder)(nil)

// NewRecorder constructs a Prometheus-backed Recorder. When reg is nil a
// dedicated registry is created so multiple recorders can coexist without
// conflicting with the global default registerer.
func NewRecorder(reg *prometheus.Registry) *Recorder {
	if reg == nil {
		reg = prometheus.NewRegistry()
	}

	reg.MustRegister(
		collectors.NewProcessCollector(collectors.ProcessCollectorOpts{}),
		collectors.NewGoCollector(),
	)

	requests := prometheus.NewCounterVec(prometheus.CounterOpts{
		Namespace: "sessiongate",
		Subsystem: "gatekeeper",
		Name:      "requests_total",
		Help:      "Total requests classified by the gatekeeper.",
	}, []string{"outcome", "from_cache"})

	requestLatency := prometheus.NewHistogramVec(prometheus.HistogramOpts{
		Namespace: "sessiongate",
		Subsystem: "gatekeeper",
		Name:      "request_duration_seconds",
		Help:      "Latency distribution for completed gatekeeper decisions.",
		Buckets:   []float64{0.0005, 0.001, 0.005, 0.01, 0.025, 0.05, 0.1, 0.25, 0.5, 1},
	}, []string{"outcome"})

	cacheReads := prometheus.NewCounterVec(prometheus.CounterOpts{
		Namespace: "sessiongate",
		Subsystem: "cache",
		Name:      "reads_total",
		Help:      "Session-cache cookie reads by result.",
	}, []string{"result"})

	cacheWrites := prometheus.NewCounter(prometheus.CounterOpts{
		Namespace: "sessiongate",
		Subsystem: "cache",
		Name:      "writes_total",
		Help:      "Session-cache cookie writes after upstream verification.",
	})

	upstreamCalls := prometheus.NewCounterVec(prometheus.CounterOpts{
		Namespace: "sessiongate",
		Subsystem: "upstream",
		Name:      "calls_total",
		Help:      "Identity-provider calls by operation and result.",
	}, []string{"operation", "result"})

	upstreamLatency := prometheus.NewHistogramVec(prometheus.HistogramOpts{
		Namespace: "sessiongate",
		Subsystem: "upstream",
		Name:      "call_duration_seconds",
		Help:      "Latency distribution for identity-provider calls.",
		Buckets:   []float64{0.005, 0.01, 0.025, 0.05, 0.1, 0.25, 0.5, 1, 2, 5},
	}, []string{"operation", "result"})

	integrityViolations := prometheus.NewCounter(prometheus.CounterOpts{
		Namespace: "sessiongate",
		Subsystem: "cookies",
		Name:      "integrity_violations_total",
		Help:      "Partial core-cookie sets detected and scrubbed.",
	})

	revocationOps := prometheus.NewCounterVec(prometheus.CounterOpts{
		Namespace: "sessiongate",
		Subsystem: "revocation",
		Name:      "operations_total",
		Help:      "Revocation store operations by result.",
	}, []string{"operation", "result"})

	reg.MustRegister(requests, requestLatency, cacheReads, cacheWrites, upstreamCalls, upstreamLatency, integrityViolations, revocationOps)

	handler := promhttp.HandlerFor(reg, promhttp.HandlerOpts{})

	return &Recorder{
		gatherer:            reg,
		handler:             handler,
		requests:            requests,
		requestLatency:      requestLatency,
		cacheReads:          cacheReads,
		cacheWrites:         cacheWrites,
		upstreamCalls:       upstreamCalls,
		upstreamLatency:     upstreamLatency,
		integrityViolations: integrityViolations,
		revocationOps:       revocationOps,
	}
}

// Handler exposes the Prometheus HTTP handler for the recorder's registry.
func (r *Recorder) Handler() http.Handler {
	if r == nil {
		return http.HandlerFunc(func(w http.ResponseWriter, _ *http.Request) {
			http.Error(w, "metrics unavailable", http.StatusServiceUnavailable)
		})
	}
	return r.handler
}

// Gatherer returns the underlying Prometheus gatherer for tests and advanced
// integrations.
func (r *Recorder) Gatherer() prometheus.Gatherer {
	if r == nil {
		return prometheus.NewRegistry()
	}
	return r.gatherer
}

// ObserveRequest records the outcome and latency for a completed decision.
func (r *Recorder) ObserveRequest(outcome Outcome, fromCache bool, duration time.Duration) {
	if r == nil {
		return
	}
	outcomeLabel := normalizeLabel(string(outcome))
	cacheLabel := "false"
	if fromCache {
		cacheLabel = "true"
	}
	r.requests.WithLabelValues(outcomeLabel, cacheLabel).Inc()
	r.requestLatency.WithLabelValues(outcomeLabel).Observe(duration.Seconds())
}

// ObserveCacheRead records the result of a session-cache cookie read.
func (r *Recorder) ObserveCacheRead(result CacheResult) {
	if r == nil {
		return
	}
	label := string(result)
	if label == "" {
		label = string(CacheMiss)
	}
	r.cacheReads.WithLabelValues(label).Inc()
}

// ObserveCacheWrite records a session-cache cookie write. The TTL is accepted
// so alternative sinks can bucket by freshness tier; the Prometheus recorder
// only counts.
func (r *Recorder) ObserveCacheWrite(time.Duration) {
	if r == nil {
		return
	}
	r.cacheWrites.Inc()
}

// ObserveUpstream records the result and latency of an identity-provider call.
func (r *Recorder) ObserveUpstream(op UpstreamOperation, result UpstreamResult, duration time.Duration) {
	if r == nil {
		return
	}
	opLabel := string(op)
	if opLabel == "" {
		opLabel = string(UpstreamVerify)
	}
	resultLabel := string(result)
	if resultLabel == "" {
		resultLabel = string(UpstreamError)
	}
	r.upstreamCalls.WithLabelValues(opLabel, resultLabel).Inc()
	r.upstreamLatency.WithLabelValues(opLabel, resultLabel).Observe(duration.Seconds())
}

// ObserveIntegrityViolation records a partial core-cookie set.
func (r *Recorder) ObserveIntegrityViolation() {
	if r == nil {
		return
	}
	r.integrityViolations.Inc()
}

// ObserveRevocation records a revocation store operation.
func (r *Recorder) ObserveRevocation(op string, failed bool) {
	if r == nil {
		return
	}
	result := "ok"
	if failed {
		result = "error"
	}
	r.revocationOps.WithLabelValues(normalizeLabel(op), result).Inc()
}

func normalizeLabel(value string) string {
	trimmed := strings.TrimSpace(value)
	if trimmed == "" {
		return "unknown"
	}
	return trimmed
}
