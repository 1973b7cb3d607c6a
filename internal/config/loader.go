package config

import (
	"context"
	"errors"
	"fmt"
	"os"
	"strings"

	"github.com/knadh/koanf/parsers/yaml"
	"github.com/knadh/koanf/providers/confmap"
	"github.com/knadh/koanf/providers/env"
	"github.com/knadh/koanf/providers/file"
	"github.com/knadh/koanf/v2"
)

// Loader hydrates the runtime configuration while respecting env > file > default precedence.
type Loader struct {
	envPrefix string
	files     []string
}

// NewLoader prepares a config hydrator that honors the env-first contract before touching files or defaults.
func NewLoader(envPrefix string, files ...string) *Loader {
	return &Loader{
		envPrefix: envPrefix,
		files:     files,
	}
}

// Load assembles the effective snapshot so the lifecycle agent can make decisions using the documented precedence rules.
func (l *Loader) Load(ctx context.Context) (Config, error) {
	defaultCfg := DefaultConfig()
	k := koanf.New(".")

	if err := k.Load(confmap.Provider(structToMap(defaultCfg), "."), nil); err != nil {
		return Config{}, fmt.Errorf("config: load defaults: %w", err)
	}

	for _, path := range l.files {
		if path == "" {
			continue
		}
		select {
		case <-ctx.Done():
			return Config{}, ctx.Err()
		default:
		}
		if _, err := os.Stat(path); err != nil {
			if errors.Is(err, os.ErrNotExist) {
				return Config{}, fmt.Errorf("config: file %s not found", path)
			}
			return Config{}, fmt.Errorf("config: stat %s: %w", path, err)
		}
		if err := k.Load(file.Provider(path), yaml.Parser()); err != nil {
			return Config{}, fmt.Errorf("config: load file %s: %w", path, err)
		}
	}

	if l.envPrefix != "" {
		canonical := map[string]string{
			"routes.loginpath":           "routes.loginPath",
			"routes.publicprefixes":      "routes.publicPrefixes",
			"routes.adminprefixes":       "routes.adminPrefixes",
			"routes.routesfile":          "routes.routesFile",
			"cookies.usertype":           "cookies.userType",
			"cookies.signingkey":         "cookies.signingKey",
			"session.activettl":          "session.activeTTL",
			"session.recentttl":          "session.recentTTL",
			"session.idlettl":            "session.idleTTL",
			"session.activeunder":        "session.activeUnder",
			"session.recentunder":        "session.recentUnder",
			"session.stalenessfactor":    "session.stalenessFactor",
			"session.inactivitytimeout":  "session.inactivityTimeout",
			"session.activitymaxage":     "session.activityMaxAge",
			"identity.baseurl":           "identity.baseURL",
			"identity.verifypath":        "identity.verifyPath",
			"identity.signoutpath":       "identity.signOutPath",
			"revocation.redis.tls.cafile": "revocation.redis.tls.caFile",
		}
		transform := func(s string) string {
			// Double underscores signal a nested path (SESSION__IDLE_TTL -> session.idlettl).
			key := strings.TrimPrefix(s, l.envPrefix+"_")
			key = strings.ReplaceAll(key, "__", ".")
			lower := strings.ToLower(strings.ReplaceAll(key, "_", ""))
			if mapped, ok := canonical[lower]; ok {
				return mapped
			}
			return lower
		}
		if err := k.Load(env.Provider(l.envPrefix, ".", transform), nil); err != nil {
			return Config{}, fmt.Errorf("config: load env: %w", err)
		}
	}

	var cfg Config
	if err := k.Unmarshal("", &cfg); err != nil {
		return Config{}, fmt.Errorf("config: unmarshal: %w", err)
	}
	if err := cfg.Validate(); err != nil {
		return Config{}, err
	}

	table, err := buildRouteTable(ctx, cfg.Routes)
	if err != nil {
		return Config{}, err
	}
	cfg.Routes.PublicPrefixes = table.Public
	cfg.Routes.AdminPrefixes = table.Admin
	cfg.RouteSources = table.Sources
	return cfg, nil
}

// structToMap converts DefaultConfig into a map for the koanf confmap provider.
func structToMap(cfg Config) map[string]any {
	return map[string]any{
		"server": map[string]any{
			"listen": map[string]any{
				"address": cfg.Server.Listen.Address,
				"port":    cfg.Server.Listen.Port,
			},
			"logging": map[string]any{
				"level":             cfg.Server.Logging.Level,
				"format":            cfg.Server.Logging.Format,
				"correlationHeader": cfg.Server.Logging.CorrelationHeader,
			},
		},
		"routes": map[string]any{
			"loginPath":      cfg.Routes.LoginPath,
			"publicPrefixes": cfg.Routes.PublicPrefixes,
			"adminPrefixes":  cfg.Routes.AdminPrefixes,
			"routesFile":     cfg.Routes.RoutesFile,
		},
		"cookies": map[string]any{
			"core":       cfg.Cookies.Core,
			"userType":   cfg.Cookies.UserType,
			"cache":      cfg.Cookies.Cache,
			"activity":   cfg.Cookies.Activity,
			"revalidate": cfg.Cookies.Revalidate,
			"signingKey": cfg.Cookies.SigningKey,
			"domain":     cfg.Cookies.Domain,
			"secure":     cfg.Cookies.Secure,
		},
		"session": map[string]any{
			"activeTTL":         cfg.Session.ActiveTTL.String(),
			"recentTTL":         cfg.Session.RecentTTL.String(),
			"idleTTL":           cfg.Session.IdleTTL.String(),
			"activeUnder":       cfg.Session.ActiveUnder.String(),
			"recentUnder":       cfg.Session.RecentUnder.String(),
			"stalenessFactor":   cfg.Session.StalenessFactor,
			"inactivityTimeout": cfg.Session.InactivityTimeout.String(),
			"activityMaxAge":    cfg.Session.ActivityMaxAge.String(),
		},
		"identity": map[string]any{
			"baseURL":     cfg.Identity.BaseURL,
			"verifyPath":  cfg.Identity.VerifyPath,
			"signOutPath": cfg.Identity.SignOutPath,
			"timeout":     cfg.Identity.Timeout.String(),
			"headers":     cfg.Identity.Headers,
		},
		"revocation": map[string]any{
			"backend": cfg.Revocation.Backend,
			"redis": map[string]any{
				"address":  cfg.Revocation.Redis.Address,
				"username": cfg.Revocation.Redis.Username,
				"password": cfg.Revocation.Redis.Password,
				"db":       cfg.Revocation.Redis.DB,
				"tls": map[string]any{
					"enabled": cfg.Revocation.Redis.TLS.Enabled,
					"caFile":  cfg.Revocation.Redis.TLS.CAFile,
				},
			},
		},
	}
}
