// Package session implements the identity collaborator adapter: it obtains
// the bearer credential for a run, either a statically configured token or a
// password-grant token endpoint (Supabase-style), with expiry-aware reuse.
package session

import (
	"bytes"
	"encoding/json"
	"errors"
	"fmt"
	"log/slog"
	"net/http"
	"sync"
	"time"

	backoff "github.com/cenkalti/backoff/v4"
	"github.com/golang-jwt/jwt/v5"

	"github.com/fairyhunter13/resume-fit-pipeline/internal/config"
	"github.com/fairyhunter13/resume-fit-pipeline/internal/domain"
	"github.com/fairyhunter13/resume-fit-pipeline/internal/observability"
)

// Provider implements domain.SessionProvider. A cached token is re-used
// across runs until it nears expiry; runs themselves treat the credential as
// read-only.
type Provider struct {
	cfg config.Config
	hc  *http.Client

	mu     sync.Mutex
	cached domain.Session
}

// New constructs a Provider.
func New(cfg config.Config) *Provider {
	return &Provider{cfg: cfg, hc: &http.Client{Timeout: cfg.RequestTimeout}}
}

// tokenResponse mirrors the password-grant response.
type tokenResponse struct {
	AccessToken string `json:"access_token"`
	TokenType   string `json:"token_type"`
	ExpiresIn   int64  `json:"expires_in"`
	User        struct {
		ID string `json:"id"`
	} `json:"user"`
}

// Session returns the current bearer credential. An explicit absence (no
// credential source configured, or the token endpoint rejecting the grant)
// is a terminal auth error for the run.
func (p *Provider) Session(ctx domain.Context) (domain.Session, error) {
	if p.cfg.APIToken != "" {
		return domain.Session{AccessToken: p.cfg.APIToken, ExpiresAt: tokenExpiry(p.cfg.APIToken)}, nil
	}
	if !p.cfg.SessionConfigured() {
		return domain.Session{}, fmt.Errorf("op=session.Session: %w: no credential source configured", domain.ErrAuth)
	}

	p.mu.Lock()
	defer p.mu.Unlock()
	if p.cached.AccessToken != "" && !p.expiring(p.cached) {
		return p.cached, nil
	}

	sess, err := p.fetchToken(ctx)
	if err != nil {
		return domain.Session{}, err
	}
	p.cached = sess
	return sess, nil
}

// expiring reports whether the cached token is within the refresh leeway of
// its expiry. Tokens without a parsable expiry are refreshed every time.
func (p *Provider) expiring(s domain.Session) bool {
	if s.ExpiresAt.IsZero() {
		return true
	}
	return time.Until(s.ExpiresAt) < p.cfg.TokenRefreshLeeway
}

func (p *Provider) fetchToken(ctx domain.Context) (domain.Session, error) {
	body, _ := json.Marshal(map[string]string{
		"email":    p.cfg.AuthEmail,
		"password": p.cfg.AuthPassword,
	})

	var out tokenResponse
	op := func() error {
		req, err := http.NewRequestWithContext(ctx, http.MethodPost,
			p.cfg.AuthBaseURL+"/auth/v1/token?grant_type=password", bytes.NewReader(body))
		if err != nil {
			return backoff.Permanent(err)
		}
		req.Header.Set("Content-Type", "application/json")
		if p.cfg.AuthAnonKey != "" {
			req.Header.Set("apikey", p.cfg.AuthAnonKey)
		}
		resp, err := p.hc.Do(req)
		if err != nil {
			return err
		}
		defer func() { _ = resp.Body.Close() }()
		if resp.StatusCode == http.StatusTooManyRequests || resp.StatusCode >= 500 {
			observability.LoggerFromContext(ctx).Warn("token endpoint retryable status", slog.Int("status", resp.StatusCode))
			return fmt.Errorf("token status %d", resp.StatusCode)
		}
		if resp.StatusCode < 200 || resp.StatusCode >= 300 {
			return backoff.Permanent(fmt.Errorf("%w: token endpoint status %d", domain.ErrAuth, resp.StatusCode))
		}
		if err := json.NewDecoder(resp.Body).Decode(&out); err != nil {
			return backoff.Permanent(fmt.Errorf("%w: decode token response: %v", domain.ErrAuth, err))
		}
		return nil
	}

	expo := backoff.NewExponentialBackOff()
	expo.MaxElapsedTime = p.cfg.RequestTimeout
	if err := backoff.Retry(op, backoff.WithContext(expo, ctx)); err != nil {
		if errors.Is(err, domain.ErrAuth) {
			return domain.Session{}, fmt.Errorf("op=session.fetchToken: %w", err)
		}
		return domain.Session{}, fmt.Errorf("op=session.fetchToken: %w: %v", domain.ErrAuth, err)
	}
	if out.AccessToken == "" {
		return domain.Session{}, fmt.Errorf("op=session.fetchToken: %w: empty access token", domain.ErrAuth)
	}

	exp := tokenExpiry(out.AccessToken)
	if exp.IsZero() && out.ExpiresIn > 0 {
		exp = time.Now().Add(time.Duration(out.ExpiresIn) * time.Second)
	}
	observability.LoggerFromContext(ctx).Info("session token obtained", slog.String("user_id", out.User.ID), slog.Time("expires_at", exp))
	return domain.Session{AccessToken: out.AccessToken, UserID: out.User.ID, ExpiresAt: exp}, nil
}

// tokenExpiry reads the exp claim without verifying the signature; the
// backend verifies, the client only needs to know when to refresh.
func tokenExpiry(token string) time.Time {
	claims := jwt.MapClaims{}
	if _, _, err := jwt.NewParser().ParseUnverified(token, claims); err != nil {
		return time.Time{}
	}
	exp, err := claims.GetExpirationTime()
	if err != nil || exp == nil {
		return time.Time{}
	}
	return exp.Time
}
