package server

import (
	"encoding/json"
	"net/http"

	"github.com/venlock/sessiongate/internal/gatekeeper"
)

// RouterOptions wires the routing facade: the gatekeeper guards everything
// except the operational endpoints, and Next is the handler protected
// requests reach once admitted.
type RouterOptions struct {
	Gatekeeper *gatekeeper.Gatekeeper
	Metrics    http.Handler
	Next       http.Handler
}

// NewRouter mounts the operational endpoints beside the gatekeeper-wrapped
// application handler. /metrics and /healthz sit outside the gatekeeper so
// scrapers and probes never touch session state.
func NewRouter(opts RouterOptions) http.Handler {
	next := opts.Next
	if next == nil {
		next = DecisionHandler()
	}

	mux := http.NewServeMux()
	if opts.Metrics != nil {
		mux.Handle("/metrics", opts.Metrics)
	}
	mux.HandleFunc("/healthz", serveHealth)
	if opts.Gatekeeper != nil {
		mux.Handle("/", opts.Gatekeeper.Middleware(next))
	} else {
		mux.Handle("/", next)
	}
	return mux
}

// DecisionHandler is the forward-auth terminal: an admitted request needs no
// body, only the diagnostic headers the gatekeeper already attached.
func DecisionHandler() http.Handler {
	return http.HandlerFunc(func(w http.ResponseWriter, _ *http.Request) {
		w.WriteHeader(http.StatusNoContent)
	})
}

func serveHealth(w http.ResponseWriter, _ *http.Request) {
	w.Header().Set("Content-Type", "application/json")
	w.WriteHeader(http.StatusOK)
	_ = json.NewEncoder(w).Encode(map[string]string{"status": "ok"})
}
