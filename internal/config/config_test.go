package config

import (
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func TestLoad_Defaults(t *testing.T) {
	t.Setenv("API_BASE_URL", "http://localhost:8000")

	cfg, err := Load()
	require.NoError(t, err)
	assert.Equal(t, 5*time.Minute, cfg.AnalysisTimeout)
	assert.Equal(t, 30*time.Second, cfg.RequestTimeout)
	assert.Equal(t, int64(10), cfg.MaxUploadMB)
	assert.True(t, cfg.IsDev())
	assert.False(t, cfg.IsProd())
}

func TestLoad_InvalidBaseURL(t *testing.T) {
	t.Setenv("API_BASE_URL", "not a url")

	_, err := Load()
	require.Error(t, err)
}

func TestLoad_Overrides(t *testing.T) {
	t.Setenv("APP_ENV", "prod")
	t.Setenv("API_BASE_URL", "https://api.example.com")
	t.Setenv("ANALYSIS_TIMEOUT", "90s")
	t.Setenv("MAX_UPLOAD_MB", "25")

	cfg, err := Load()
	require.NoError(t, err)
	assert.True(t, cfg.IsProd())
	assert.Equal(t, 90*time.Second, cfg.AnalysisTimeout)
	assert.Equal(t, int64(25*1024*1024), cfg.MaxUploadBytes())
}

func TestSessionConfigured(t *testing.T) {
	assert.True(t, Config{APIToken: "tok"}.SessionConfigured())
	assert.True(t, Config{AuthBaseURL: "http://a", AuthEmail: "e", AuthPassword: "p"}.SessionConfigured())
	assert.False(t, Config{AuthBaseURL: "http://a"}.SessionConfigured())
	assert.False(t, Config{}.SessionConfigured())
}
