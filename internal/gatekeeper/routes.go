package gatekeeper

import (
	"strings"
	"sync"

	"github.com/venlock/sessiongate/internal/config"
)

// RouteClass is the terminal classification for a request path.
type RouteClass string

const (
	// RoutePublic paths pass through untouched; cookies are never inspected.
	RoutePublic RouteClass = "public"
	// RouteAdmin paths are governed by a separate authorization mechanism and
	// also pass through untouched.
	RouteAdmin RouteClass = "admin"
	// RouteProtected paths require a resolved session.
	RouteProtected RouteClass = "protected"
)

// Routes is the classification table. It supports atomic replacement so the
// hot-reload watcher can swap prefixes without pausing request traffic.
type Routes struct {
	loginPath string

	mu     sync.RWMutex
	public []string
	admin  []string
}

// NewRoutes builds a table from the loaded configuration. The login path is
// always public regardless of the configured prefixes.
func NewRoutes(cfg config.RoutesConfig) *Routes {
	r := &Routes{loginPath: cfg.LoginPath}
	r.Replace(cfg.PublicPrefixes, cfg.AdminPrefixes)
	return r
}

// Replace atomically swaps the prefix lists. Inputs are expected to be
// normalized by the config loader.
func (r *Routes) Replace(public, admin []string) {
	publicCopy := append([]string(nil), public...)
	adminCopy := append([]string(nil), admin...)
	r.mu.Lock()
	r.public = publicCopy
	r.admin = adminCopy
	r.mu.Unlock()
}

// ReplaceFromTable applies a freshly loaded route table.
func (r *Routes) ReplaceFromTable(table config.RouteTable) {
	r.Replace(table.Public, table.Admin)
}

// LoginPath reports where denials redirect to.
func (r *Routes) LoginPath() string {
	if r.loginPath == "" {
		return "/login"
	}
	return r.loginPath
}

// Classify resolves the route class for a request path. Admin prefixes win
// over public ones so an operator cannot accidentally expose /admin by listing
// a shorter public prefix above it.
func (r *Routes) Classify(path string) RouteClass {
	path = normalizePath(path)
	if path == r.LoginPath() {
		return RoutePublic
	}
	r.mu.RLock()
	defer r.mu.RUnlock()
	if matchesPrefix(path, r.admin) {
		return RouteAdmin
	}
	if matchesPrefix(path, r.public) {
		return RoutePublic
	}
	return RouteProtected
}

// matchesPrefix checks segment-aligned prefixes: /api/public matches
// /api/public and /api/public/x but not /api/publicity.
func matchesPrefix(path string, prefixes []string) bool {
	for _, prefix := range prefixes {
		if prefix == "/" {
			return true
		}
		if path == prefix {
			return true
		}
		if strings.HasPrefix(path, prefix+"/") {
			return true
		}
	}
	return false
}

func normalizePath(path string) string {
	path = strings.TrimSpace(path)
	if path == "" {
		return "/"
	}
	if !strings.HasPrefix(path, "/") {
		path = "/" + path
	}
	if path != "/" {
		path = strings.TrimRight(path, "/")
	}
	return path
}
