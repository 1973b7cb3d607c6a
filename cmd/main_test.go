package main

import (
	"context"
	"io"
	"log/slog"
	"strings"
	"testing"
	"time"

	"github.com/alicebob/miniredis/v2"
	"github.com/stretchr/testify/require"

	"github.com/venlock/sessiongate/internal/config"
	"github.com/venlock/sessiongate/internal/revocation"
)

func newTestLogger() *slog.Logger {
	return slog.New(slog.NewTextHandler(io.Discard, &slog.HandlerOptions{Level: slog.LevelDebug}))
}

func TestBuildRevocationStore(t *testing.T) {
	tests := []struct {
		name   string
		cfg    func(t *testing.T) config.RevocationConfig
		verify func(t *testing.T, store revocation.Store)
	}{
		{
			name: "defaults to memory",
			cfg: func(t *testing.T) config.RevocationConfig {
				return config.RevocationConfig{}
			},
			verify: func(t *testing.T, store revocation.Store) {
				require.NotNil(t, store)
			},
		},
		{
			name: "constructs redis store",
			cfg: func(t *testing.T) config.RevocationConfig {
				server, err := miniredis.Run()
				if err != nil {
					if strings.Contains(err.Error(), "operation not permitted") {
						t.Skip("miniredis unavailable in sandbox")
					}
					require.NoError(t, err)
				}
				t.Cleanup(server.Close)
				return config.RevocationConfig{
					Backend: "redis",
					Redis:   config.RedisConfig{Address: server.Addr()},
				}
			},
			verify: func(t *testing.T, store revocation.Store) {
				ctx := context.Background()
				require.NoError(t, store.Revoke(ctx, "abcd1234", time.Minute))
				revoked, err := store.IsRevoked(ctx, "abcd1234")
				require.NoError(t, err)
				require.True(t, revoked)
			},
		},
		{
			name: "falls back to memory when redis is unreachable",
			cfg: func(t *testing.T) config.RevocationConfig {
				return config.RevocationConfig{
					Backend: "redis",
					Redis:   config.RedisConfig{Address: "127.0.0.1:1"},
				}
			},
			verify: func(t *testing.T, store revocation.Store) {
				ctx := context.Background()
				require.NoError(t, store.Revoke(ctx, "abcd1234", time.Minute))
				revoked, err := store.IsRevoked(ctx, "abcd1234")
				require.NoError(t, err)
				require.True(t, revoked)
			},
		},
		{
			name: "unknown backend defaults to memory",
			cfg: func(t *testing.T) config.RevocationConfig {
				return config.RevocationConfig{Backend: "dynamo"}
			},
			verify: func(t *testing.T, store revocation.Store) {
				require.NotNil(t, store)
			},
		},
	}

	for _, tc := range tests {
		tc := tc
		t.Run(tc.name, func(t *testing.T) {
			store := buildRevocationStore(newTestLogger(), tc.cfg(t), 4*time.Minute)
			t.Cleanup(func() {
				require.NoError(t, store.Close(context.Background()))
			})

			tc.verify(t, store)
		})
	}
}
