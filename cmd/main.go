package main

import (
	"context"
	"errors"
	"flag"
	"fmt"
	"log"
	"log/slog"
	"os"
	"os/signal"
	"strings"
	"syscall"
	"time"

	"github.com/prometheus/client_golang/prometheus"

	"github.com/venlock/sessiongate/internal/config"
	"github.com/venlock/sessiongate/internal/gatekeeper"
	"github.com/venlock/sessiongate/internal/identity"
	"github.com/venlock/sessiongate/internal/logging"
	"github.com/venlock/sessiongate/internal/metrics"
	"github.com/venlock/sessiongate/internal/revocation"
	"github.com/venlock/sessiongate/internal/server"
	"github.com/venlock/sessiongate/internal/session"
)

func main() {
	var (
		configFile = flag.String("config", "", "path to server configuration file")
		envPrefix  = flag.String("env-prefix", "SESSIONGATE", "environment variable prefix")
	)
	flag.Parse()

	ctx, stop := signal.NotifyContext(context.Background(), syscall.SIGINT, syscall.SIGTERM)
	defer stop()

	loader := config.NewLoader(*envPrefix, *configFile)
	cfg, err := loader.Load(ctx)
	if err != nil {
		log.Fatalf("failed to load configuration: %v", err)
	}

	logger, err := logging.New(cfg.Server.Logging)
	if err != nil {
		log.Fatalf("failed to configure logger: %v", err)
	}

	codec, err := session.NewCodec(cfg.Cookies.SigningKey)
	if err != nil {
		log.Fatalf("failed to prepare session codec: %v", err)
	}

	verifier, err := identity.NewClient(cfg.Identity, logger)
	if err != nil {
		log.Fatalf("failed to prepare identity client: %v", err)
	}

	ttlPolicy := session.TTLPolicy{
		ActiveTTL:       cfg.Session.ActiveTTL,
		RecentTTL:       cfg.Session.RecentTTL,
		IdleTTL:         cfg.Session.IdleTTL,
		ActiveUnder:     cfg.Session.ActiveUnder,
		RecentUnder:     cfg.Session.RecentUnder,
		StalenessFactor: cfg.Session.StalenessFactor,
	}

	storeLogger := logger.With(slog.String("agent", "revocation_factory"))
	store := buildRevocationStore(storeLogger, cfg.Revocation, ttlPolicy.StalenessWindow(ttlPolicy.ActiveTTL))

	promRegistry := prometheus.NewRegistry()
	recorder := metrics.NewRecorder(promRegistry)

	routes := gatekeeper.NewRoutes(cfg.Routes)
	gk, err := gatekeeper.New(logger, gatekeeper.Options{
		Codec:             codec,
		TTL:               ttlPolicy,
		Verifier:          verifier,
		Revocations:       store,
		Metrics:           recorder,
		Cookies:           cfg.Cookies,
		Routes:            routes,
		InactivityTimeout: cfg.Session.InactivityTimeout,
		ActivityMaxAge:    cfg.Session.ActivityMaxAge,
		CorrelationHeader: cfg.Server.Logging.CorrelationHeader,
	})
	if err != nil {
		log.Fatalf("failed to assemble gatekeeper: %v", err)
	}
	defer func() {
		shutdownCtx, cancel := context.WithTimeout(context.Background(), 3*time.Second)
		defer cancel()
		if err := gk.Close(shutdownCtx); err != nil {
			logger.Error("revocation store shutdown failed", slog.Any("error", err))
		}
	}()

	var routesWatcher *config.RoutesWatcher
	if cfg.Routes.RoutesFile != "" {
		watcher, err := loader.WatchRoutes(ctx, cfg, func(table config.RouteTable) {
			routes.ReplaceFromTable(table)
		}, func(err error) {
			if err != nil {
				logger.Error("routes watcher error", slog.Any("error", err))
			}
		})
		if err != nil {
			logger.Error("routes watcher setup failed", slog.Any("error", err))
		} else {
			routesWatcher = watcher
			defer routesWatcher.Stop()
		}
	}

	handler := server.NewRouter(server.RouterOptions{
		Gatekeeper: gk,
		Metrics:    recorder.Handler(),
	})

	srv, err := server.New(cfg, logger, handler)
	if err != nil {
		logger.Error("unable to construct server", slog.Any("error", err))
		os.Exit(1)
	}

	if err := srv.Run(ctx); err != nil && !errors.Is(err, context.Canceled) {
		logger.Error("server terminated unexpectedly", slog.Any("error", err))
		fmt.Fprintln(os.Stderr, err)
		os.Exit(1)
	}

	logger.Info("server shutdown complete")
}

func buildRevocationStore(logger *slog.Logger, cfg config.RevocationConfig, defaultTTL time.Duration) revocation.Store {
	backend := strings.TrimSpace(strings.ToLower(cfg.Backend))
	switch backend {
	case "", "memory":
		if logger != nil {
			logger.Info("using memory revocation store", slog.Duration("default_ttl", defaultTTL))
		}
		return revocation.NewMemory(defaultTTL)
	case "redis":
		store, err := revocation.NewRedis(revocation.RedisConfig{
			Address:  cfg.Redis.Address,
			Username: cfg.Redis.Username,
			Password: cfg.Redis.Password,
			DB:       cfg.Redis.DB,
			TLS: revocation.RedisTLSConfig{
				Enabled: cfg.Redis.TLS.Enabled,
				CAFile:  cfg.Redis.TLS.CAFile,
			},
		})
		if err != nil {
			if logger != nil {
				logger.Error("redis revocation store initialization failed", slog.Any("error", err))
				logger.Info("falling back to memory revocation store")
			}
			return revocation.NewMemory(defaultTTL)
		}
		if logger != nil {
			logger.Info("using redis revocation store", slog.String("address", cfg.Redis.Address))
		}
		return store
	default:
		if logger != nil {
			logger.Warn("unsupported revocation backend, defaulting to memory", slog.String("backend", cfg.Backend))
		}
		return revocation.NewMemory(defaultTTL)
	}
}
