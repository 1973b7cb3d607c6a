// Package identity wraps the upstream identity provider behind the two calls
// the gatekeeper consumes: session verification and forced sign-out. The
// provider is a black box with its own retry semantics; this client only adds
// bounded timeouts and typed outcomes.
package identity

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"io"
	"log/slog"
	"net/http"
	"net/url"
	"strings"
	"time"

	"github.com/venlock/sessiongate/internal/config"
	"github.com/venlock/sessiongate/internal/session"
)

// ErrNoSession reports that the provider answered authoritatively with "no
// valid session". It is distinguished from transport errors only for logging
// and metrics; both deny the request.
var ErrNoSession = errors.New("identity: no session")

// Verifier is the collaborator surface the gatekeeper depends on.
type Verifier interface {
	VerifySession(ctx context.Context, creds Credentials) (session.Descriptor, error)
	SignOut(ctx context.Context, creds Credentials) error
}

// Credentials carries the opaque material extracted from the core session
// cookies. The access token doubles as the bearer credential and the source
// of the session fingerprint.
type Credentials struct {
	AccessToken string
	Cookies     []*http.Cookie
}

type httpDoer interface {
	Do(*http.Request) (*http.Response, error)
}

// Client talks to the identity provider over HTTP with a bounded per-call
// timeout. A timeout is treated identically to an upstream error: fail-closed.
type Client struct {
	baseURL     *url.URL
	verifyPath  string
	signOutPath string
	headers     map[string]string
	client      httpDoer
	logger      *slog.Logger
}

// NewClient validates the endpoint configuration and prepares the provider
// client.
func NewClient(cfg config.IdentityConfig, logger *slog.Logger) (*Client, error) {
	base, err := url.Parse(strings.TrimSpace(cfg.BaseURL))
	if err != nil || base.Scheme == "" || base.Host == "" {
		return nil, fmt.Errorf("identity: invalid baseURL %q", cfg.BaseURL)
	}
	timeout := cfg.Timeout
	if timeout <= 0 {
		timeout = 5 * time.Second
	}
	if logger == nil {
		logger = slog.Default()
	}
	return &Client{
		baseURL:     base,
		verifyPath:  pathOrDefault(cfg.VerifyPath, "/auth/v1/user"),
		signOutPath: pathOrDefault(cfg.SignOutPath, "/auth/v1/logout"),
		headers:     cfg.Headers,
		client:      &http.Client{Timeout: timeout},
		logger:      logger.With(slog.String("agent", "identity_client")),
	}, nil
}

// WithHTTPClient swaps the underlying transport. Tests use this to inject
// failing or recording doers.
func (c *Client) WithHTTPClient(doer httpDoer) *Client {
	if doer != nil {
		c.client = doer
	}
	return c
}

type verifyResponse struct {
	Email    string `json:"email"`
	UserType string `json:"userType"`
}

// VerifySession asks the provider whether the presented credentials map to a
// live session. Non-2xx auth statuses resolve to ErrNoSession; everything
// else is a transport-level failure.
func (c *Client) VerifySession(ctx context.Context, creds Credentials) (session.Descriptor, error) {
	resp, err := c.do(ctx, http.MethodGet, c.verifyPath, creds)
	if err != nil {
		return session.Descriptor{}, err
	}
	defer drainClose(resp.Body)

	switch {
	case resp.StatusCode == http.StatusOK:
	case resp.StatusCode == http.StatusUnauthorized,
		resp.StatusCode == http.StatusForbidden,
		resp.StatusCode == http.StatusNotFound:
		return session.Descriptor{}, ErrNoSession
	default:
		return session.Descriptor{}, fmt.Errorf("identity: verify returned status %d", resp.StatusCode)
	}

	var body verifyResponse
	if err := json.NewDecoder(io.LimitReader(resp.Body, 1<<16)).Decode(&body); err != nil {
		return session.Descriptor{}, fmt.Errorf("identity: verify decode: %w", err)
	}
	if strings.TrimSpace(body.Email) == "" {
		return session.Descriptor{}, ErrNoSession
	}
	return session.Descriptor{
		Email:    body.Email,
		Token:    creds.AccessToken,
		UserType: body.UserType,
	}, nil
}

// SignOut revokes the upstream session. Used when the inactivity timeout
// fires so a stale cache entry in another tab cannot resurrect the session.
func (c *Client) SignOut(ctx context.Context, creds Credentials) error {
	resp, err := c.do(ctx, http.MethodPost, c.signOutPath, creds)
	if err != nil {
		return err
	}
	defer drainClose(resp.Body)
	if resp.StatusCode >= 200 && resp.StatusCode < 300 {
		return nil
	}
	// Treat "already signed out" as success so timeout handling stays
	// idempotent across racing tabs.
	if resp.StatusCode == http.StatusUnauthorized || resp.StatusCode == http.StatusNotFound {
		return nil
	}
	return fmt.Errorf("identity: sign-out returned status %d", resp.StatusCode)
}

func (c *Client) do(ctx context.Context, method, path string, creds Credentials) (*http.Response, error) {
	// The bounded per-call deadline lives on the underlying http.Client, which
	// covers the body read too. A context deadline scoped to this function
	// would be cancelled before the caller consumes the body.
	target := c.baseURL.JoinPath(path)
	req, err := http.NewRequestWithContext(ctx, method, target.String(), nil)
	if err != nil {
		return nil, fmt.Errorf("identity: build request: %w", err)
	}
	for name, value := range c.headers {
		if strings.TrimSpace(value) != "" {
			req.Header.Set(name, value)
		}
	}
	if token := strings.TrimSpace(creds.AccessToken); token != "" {
		req.Header.Set("Authorization", "Bearer "+token)
	}
	for _, cookie := range creds.Cookies {
		if cookie != nil && cookie.Value != "" {
			req.AddCookie(cookie)
		}
	}

	resp, err := c.client.Do(req)
	if err != nil {
		return nil, fmt.Errorf("identity: %s %s: %w", method, path, err)
	}
	return resp, nil
}

func drainClose(body io.ReadCloser) {
	if body == nil {
		return
	}
	_, _ = io.Copy(io.Discard, io.LimitReader(body, 1<<16))
	_ = body.Close()
}

func pathOrDefault(path, fallback string) string {
	path = strings.TrimSpace(path)
	if path == "" {
		return fallback
	}
	if !strings.HasPrefix(path, "/") {
		path = "/" + path
	}
	return path
}
