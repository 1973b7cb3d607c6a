package gatekeeper

import (
	"time"

	"github.com/venlock/sessiongate/internal/metrics"
	"github.com/venlock/sessiongate/internal/session"
)

// Denial enumerates the diagnostic the login page receives on a redirect.
// Exactly one is attached per denied request.
type Denial string

const (
	// DenialLogin carries the originally requested path so the login flow can
	// bounce the user back after authentication.
	DenialLogin Denial = "redirect"
	// DenialTimeout marks an inactivity sign-out the login page can render.
	DenialTimeout Denial = "timeout"
	// DenialCleanup marks a cookie-integrity scrub.
	DenialCleanup Denial = "cleanup"
	// DenialError marks the fail-closed boundary.
	DenialError Denial = "error"
)

// CacheState captures the session-cache cookie's participation in a decision.
type CacheState struct {
	Consulted bool                `json:"consulted"`
	Result    metrics.CacheResult `json:"result,omitempty"`
	Hit       bool                `json:"hit"`
	Entry     session.CacheEntry  `json:"-"`
	Stored    bool                `json:"stored"`
	StoredTTL time.Duration       `json:"storedTtl,omitempty"`
}

// State is the per-request decision record threaded through the gatekeeper
// stages. It exists for one request/response pair only; nothing in it crosses
// requests except via the cookies written from it.
type State struct {
	CorrelationID string          `json:"correlationId"`
	Path          string          `json:"path"`
	Class         RouteClass      `json:"class"`
	Integrity     CookieIntegrity `json:"integrity,omitempty"`
	Revalidated   bool            `json:"revalidated"`

	Cache   CacheState         `json:"cache"`
	Session session.Descriptor `json:"-"`

	ActivityAt   time.Time `json:"activityAt,omitempty"`
	ActivitySeen bool      `json:"activitySeen"`

	Allowed bool   `json:"allowed"`
	Denial  Denial `json:"denial,omitempty"`
	Reason  string `json:"reason,omitempty"`

	StartedAt time.Time `json:"startedAt"`

	// pendingCacheValue holds a freshly minted cache cookie until finalize
	// attaches it, so a denial later in the flow never leaks a cookie write.
	pendingCacheValue string
}

func newState(path, correlationID string, now time.Time) *State {
	return &State{
		CorrelationID: correlationID,
		Path:          path,
		StartedAt:     now,
	}
}

// Outcome maps the terminal state onto the metric label space.
func (s *State) Outcome() metrics.Outcome {
	if s.Allowed {
		if s.Class == RoutePublic || s.Class == RouteAdmin {
			return metrics.OutcomePublic
		}
		return metrics.OutcomeAllowed
	}
	switch s.Denial {
	case DenialTimeout:
		return metrics.OutcomeRedirectTimeout
	case DenialCleanup:
		return metrics.OutcomeRedirectCleanup
	case DenialError:
		return metrics.OutcomeRedirectError
	default:
		return metrics.OutcomeRedirectLogin
	}
}

func (s *State) deny(d Denial, reason string) {
	s.Allowed = false
	s.Denial = d
	s.Reason = reason
}

func (s *State) allow() {
	s.Allowed = true
	s.Denial = ""
}
