package session_test

import (
	"context"
	"encoding/base64"
	"encoding/json"
	"fmt"
	"net/http"
	"net/http/httptest"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/fairyhunter13/resume-fit-pipeline/internal/adapter/session"
	"github.com/fairyhunter13/resume-fit-pipeline/internal/config"
	"github.com/fairyhunter13/resume-fit-pipeline/internal/domain"
)

// unsignedJWT builds a structurally valid JWT with the given exp claim; the
// provider never verifies signatures, only reads expiry.
func unsignedJWT(t *testing.T, exp time.Time) string {
	t.Helper()
	enc := func(v any) string {
		b, err := json.Marshal(v)
		require.NoError(t, err)
		return base64.RawURLEncoding.EncodeToString(b)
	}
	header := enc(map[string]string{"alg": "HS256", "typ": "JWT"})
	claims := enc(map[string]any{"sub": "u1", "exp": exp.Unix()})
	return header + "." + claims + "." + base64.RawURLEncoding.EncodeToString([]byte("sig"))
}

func authCfg(authURL string) config.Config {
	return config.Config{
		AppEnv:             "test",
		APIBaseURL:         "http://localhost:0",
		AuthBaseURL:        authURL,
		AuthAnonKey:        "anon",
		AuthEmail:          "user@example.com",
		AuthPassword:       "secret",
		RequestTimeout:     2 * time.Second,
		TokenRefreshLeeway: 30 * time.Second,
	}
}

func TestSession_StaticToken(t *testing.T) {
	t.Parallel()
	cfg := config.Config{AppEnv: "test", APIToken: "static-token"}
	p := session.New(cfg)
	sess, err := p.Session(context.Background())
	require.NoError(t, err)
	assert.Equal(t, "static-token", sess.AccessToken)
}

func TestSession_NoCredentialSourceIsAuthError(t *testing.T) {
	t.Parallel()
	p := session.New(config.Config{AppEnv: "test"})
	_, err := p.Session(context.Background())
	require.ErrorIs(t, err, domain.ErrAuth)
}

func TestSession_PasswordGrant(t *testing.T) {
	t.Parallel()
	token := unsignedJWT(t, time.Now().Add(time.Hour))
	var calls int
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		calls++
		require.Equal(t, "/auth/v1/token", r.URL.Path)
		require.Equal(t, "password", r.URL.Query().Get("grant_type"))
		require.Equal(t, "anon", r.Header.Get("apikey"))

		var body map[string]string
		require.NoError(t, json.NewDecoder(r.Body).Decode(&body))
		assert.Equal(t, "user@example.com", body["email"])

		_ = json.NewEncoder(w).Encode(map[string]any{
			"access_token": token,
			"token_type":   "bearer",
			"expires_in":   3600,
			"user":         map[string]string{"id": "u1"},
		})
	}))
	defer srv.Close()

	p := session.New(authCfg(srv.URL))
	sess, err := p.Session(context.Background())
	require.NoError(t, err)
	assert.Equal(t, token, sess.AccessToken)
	assert.Equal(t, "u1", sess.UserID)
	assert.WithinDuration(t, time.Now().Add(time.Hour), sess.ExpiresAt, 5*time.Second)

	// Unexpired token is reused without another round trip.
	again, err := p.Session(context.Background())
	require.NoError(t, err)
	assert.Equal(t, sess.AccessToken, again.AccessToken)
	assert.Equal(t, 1, calls)
}

func TestSession_ExpiringTokenRefreshed(t *testing.T) {
	t.Parallel()
	var calls int
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, _ *http.Request) {
		calls++
		// Expires inside the refresh leeway, forcing a refresh per call.
		tok := unsignedJWT(t, time.Now().Add(5*time.Second))
		_ = json.NewEncoder(w).Encode(map[string]any{"access_token": tok})
	}))
	defer srv.Close()

	p := session.New(authCfg(srv.URL))
	_, err := p.Session(context.Background())
	require.NoError(t, err)
	_, err = p.Session(context.Background())
	require.NoError(t, err)
	assert.Equal(t, 2, calls)
}

func TestSession_RejectedGrantIsAuthError(t *testing.T) {
	t.Parallel()
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, _ *http.Request) {
		w.WriteHeader(http.StatusBadRequest)
		_ = fmt.Fprint(w, `{"error":"invalid_grant"}`)
	}))
	defer srv.Close()

	p := session.New(authCfg(srv.URL))
	_, err := p.Session(context.Background())
	require.ErrorIs(t, err, domain.ErrAuth)
}

func TestSession_EmptyAccessTokenIsAuthError(t *testing.T) {
	t.Parallel()
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, _ *http.Request) {
		_ = json.NewEncoder(w).Encode(map[string]any{"access_token": ""})
	}))
	defer srv.Close()

	p := session.New(authCfg(srv.URL))
	_, err := p.Session(context.Background())
	require.ErrorIs(t, err, domain.ErrAuth)
}
