package config

import (
	"errors"
	"fmt"
	"strings"
	"time"
)

// Config holds every server-level option plus the resolved route table once
// the loader finishes hydrating.
type Config struct {
	Server     ServerConfig     `koanf:"server"`
	Routes     RoutesConfig     `koanf:"routes"`
	Cookies    CookiesConfig    `koanf:"cookies"`
	Session    SessionConfig    `koanf:"session"`
	Identity   IdentityConfig   `koanf:"identity"`
	Revocation RevocationConfig `koanf:"revocation"`

	// RouteSources records which files contributed route prefixes once the
	// loader resolves the configured sources. Excluded from koanf so the value
	// only reflects runtime discovery rather than static input documents.
	RouteSources []string `koanf:"-"`
}

// ServerConfig collects the bootstrap knobs owned by the lifecycle agent.
type ServerConfig struct {
	Listen  ListenConfig  `koanf:"listen"`
	Logging LoggingConfig `koanf:"logging"`
}

// ListenConfig instructs the HTTP listener about bind address and port.
type ListenConfig struct {
	Address string `koanf:"address"`
	Port    int    `koanf:"port"`
}

// LoggingConfig expresses log level, format, and correlation ID wiring.
type LoggingConfig struct {
	Level             string `koanf:"level"`
	Format            string `koanf:"format"`
	CorrelationHeader string `koanf:"correlationHeader"`
}

// RoutesConfig declares the path-classification table consumed by the
// gatekeeper: which prefixes bypass it entirely and where denials land.
type RoutesConfig struct {
	LoginPath      string   `koanf:"loginPath"`
	PublicPrefixes []string `koanf:"publicPrefixes"`
	AdminPrefixes  []string `koanf:"adminPrefixes"`
	// RoutesFile optionally sources additional prefixes from a yaml/json/toml
	// document that is hot-reloaded on change.
	RoutesFile string `koanf:"routesFile"`
}

// CookiesConfig names every cookie the gatekeeper reads or writes plus the
// attributes stamped onto its own cookies.
type CookiesConfig struct {
	// Core lists the opaque session cookies owned by the identity provider and
	// login flow. The gatekeeper only inspects them for presence/emptiness.
	Core []string `koanf:"core"`
	// UserType is the core cookie carrying the discrete user-type tag.
	UserType   string `koanf:"userType"`
	Cache      string `koanf:"cache"`
	Activity   string `koanf:"activity"`
	Revalidate string `koanf:"revalidate"`
	// SigningKey is the HS256 key protecting the session cache cookie.
	SigningKey string `koanf:"signingKey"`
	Domain     string `koanf:"domain"`
	Secure     bool   `koanf:"secure"`
}

// SessionConfig tunes the adaptive cache TTL tiers and the inactivity policy.
type SessionConfig struct {
	ActiveTTL   time.Duration `koanf:"activeTTL"`
	RecentTTL   time.Duration `koanf:"recentTTL"`
	IdleTTL     time.Duration `koanf:"idleTTL"`
	ActiveUnder time.Duration `koanf:"activeUnder"`
	RecentUnder time.Duration `koanf:"recentUnder"`
	// StalenessFactor widens the read-side validity window: an entry written
	// with TTL t is still readable while its age stays under factor × t.
	StalenessFactor   int           `koanf:"stalenessFactor"`
	InactivityTimeout time.Duration `koanf:"inactivityTimeout"`
	ActivityMaxAge    time.Duration `koanf:"activityMaxAge"`
}

// IdentityConfig points at the upstream identity provider endpoints.
type IdentityConfig struct {
	BaseURL     string            `koanf:"baseURL"`
	VerifyPath  string            `koanf:"verifyPath"`
	SignOutPath string            `koanf:"signOutPath"`
	Timeout     time.Duration     `koanf:"timeout"`
	Headers     map[string]string `koanf:"headers"`
}

// RevocationConfig selects the backend recording forced sign-outs.
type RevocationConfig struct {
	Backend string      `koanf:"backend"`
	Redis   RedisConfig `koanf:"redis"`
}

// RedisConfig carries the Valkey/Redis connection settings.
type RedisConfig struct {
	Address  string         `koanf:"address"`
	Username string         `koanf:"username"`
	Password string         `koanf:"password"`
	DB       int            `koanf:"db"`
	TLS      RedisTLSConfig `koanf:"tls"`
}

// RedisTLSConfig toggles TLS for the Redis connection.
type RedisTLSConfig struct {
	Enabled bool   `koanf:"enabled"`
	CAFile  string `koanf:"caFile"`
}

// Validate enforces invariants that keep the gatekeeper predictable before it
// starts classifying traffic.
func (c *Config) Validate() error {
	if c == nil {
		return errors.New("config: nil")
	}
	if c.Server.Listen.Port <= 0 || c.Server.Listen.Port > 65535 {
		return fmt.Errorf("config: listen.port invalid: %d", c.Server.Listen.Port)
	}
	if !strings.HasPrefix(c.Routes.LoginPath, "/") {
		return fmt.Errorf("config: routes.loginPath must be absolute: %q", c.Routes.LoginPath)
	}
	if len(c.Cookies.Core) == 0 {
		return errors.New("config: cookies.core requires at least one cookie name")
	}
	seen := make(map[string]struct{}, len(c.Cookies.Core))
	userTypeListed := false
	for i, name := range c.Cookies.Core {
		trimmed := strings.TrimSpace(name)
		if trimmed == "" {
			return fmt.Errorf("config: cookies.core[%d] empty", i)
		}
		if _, dup := seen[trimmed]; dup {
			return fmt.Errorf("config: cookies.core duplicate: %s", trimmed)
		}
		seen[trimmed] = struct{}{}
		if trimmed == c.Cookies.UserType {
			userTypeListed = true
		}
		c.Cookies.Core[i] = trimmed
	}
	if c.Cookies.UserType != "" && !userTypeListed {
		return fmt.Errorf("config: cookies.userType %q must be listed in cookies.core", c.Cookies.UserType)
	}
	for field, name := range map[string]string{
		"cookies.cache":      c.Cookies.Cache,
		"cookies.activity":   c.Cookies.Activity,
		"cookies.revalidate": c.Cookies.Revalidate,
	} {
		if strings.TrimSpace(name) == "" {
			return fmt.Errorf("config: %s required", field)
		}
		if _, clash := seen[name]; clash {
			return fmt.Errorf("config: %s %q clashes with a core cookie", field, name)
		}
	}
	if strings.TrimSpace(c.Cookies.SigningKey) == "" {
		return errors.New("config: cookies.signingKey required")
	}
	if err := c.Session.validate(); err != nil {
		return err
	}
	if strings.TrimSpace(c.Identity.BaseURL) == "" {
		return errors.New("config: identity.baseURL required")
	}
	if c.Identity.Timeout <= 0 {
		return fmt.Errorf("config: identity.timeout invalid: %s", c.Identity.Timeout)
	}
	backend := strings.TrimSpace(strings.ToLower(c.Revocation.Backend))
	switch backend {
	case "", "memory":
	case "redis":
		if strings.TrimSpace(c.Revocation.Redis.Address) == "" {
			return errors.New("config: revocation.redis.address required for redis backend")
		}
	default:
		return fmt.Errorf("config: revocation.backend unsupported: %s", c.Revocation.Backend)
	}
	return nil
}

func (s SessionConfig) validate() error {
	for field, d := range map[string]time.Duration{
		"session.activeTTL":         s.ActiveTTL,
		"session.recentTTL":         s.RecentTTL,
		"session.idleTTL":           s.IdleTTL,
		"session.inactivityTimeout": s.InactivityTimeout,
		"session.activityMaxAge":    s.ActivityMaxAge,
	} {
		if d <= 0 {
			return fmt.Errorf("config: %s invalid: %s", field, d)
		}
	}
	if s.ActiveUnder <= 0 || s.RecentUnder <= s.ActiveUnder {
		return fmt.Errorf("config: session tier boundaries invalid: activeUnder=%s recentUnder=%s", s.ActiveUnder, s.RecentUnder)
	}
	if s.IdleTTL > s.RecentTTL || s.RecentTTL > s.ActiveTTL {
		return errors.New("config: session TTL tiers must not grow with inactivity")
	}
	if s.StalenessFactor < 1 {
		return fmt.Errorf("config: session.stalenessFactor invalid: %d", s.StalenessFactor)
	}
	return nil
}

// DefaultConfig returns the baseline values matching the documented defaults.
func DefaultConfig() Config {
	return Config{
		Server: ServerConfig{
			Listen: ListenConfig{
				Address: "0.0.0.0",
				Port:    8080,
			},
			Logging: LoggingConfig{
				Level:             "info",
				Format:            "json",
				CorrelationHeader: "X-Request-ID",
			},
		},
		Routes: RoutesConfig{
			LoginPath: "/login",
			PublicPrefixes: []string{
				"/login",
				"/auth",
				"/api/public",
				"/_next",
				"/static",
				"/favicon.ico",
			},
			AdminPrefixes: []string{"/admin"},
		},
		Cookies: CookiesConfig{
			Core:       []string{"sg-access-token", "sg-refresh-token", "sg-user-type"},
			UserType:   "sg-user-type",
			Cache:      "sg-session-cache",
			Activity:   "sg-last-activity",
			Revalidate: "sg-force-revalidate",
			Secure:     true,
		},
		Session: SessionConfig{
			ActiveTTL:         2 * time.Minute,
			RecentTTL:         time.Minute,
			IdleTTL:           30 * time.Second,
			ActiveUnder:       5 * time.Minute,
			RecentUnder:       15 * time.Minute,
			StalenessFactor:   2,
			InactivityTimeout: 30 * time.Minute,
			ActivityMaxAge:    7 * 24 * time.Hour,
		},
		Identity: IdentityConfig{
			VerifyPath:  "/auth/v1/user",
			SignOutPath: "/auth/v1/logout",
			Timeout:     5 * time.Second,
		},
		Revocation: RevocationConfig{
			Backend: "memory",
		},
	}
}
