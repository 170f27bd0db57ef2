package config

import (
	"encoding/base64"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func setRequiredEnv(t *testing.T) {
	t.Helper()
	t.Setenv("QB_CLIENT_ID", "client-id")
	t.Setenv("QB_CLIENT_SECRET", "client-secret")
	t.Setenv("QB_REDIRECT_URI", "https://example.com/api/callback")
	t.Setenv("ENCRYPTION_KEY", "0123456789abcdef0123456789abcdef")
	t.Setenv("POSTGRES_DSN", "host=localhost user=test dbname=test")
}

func TestNew(t *testing.T) {
	t.Run("defaults applied", func(t *testing.T) {
		setRequiredEnv(t)

		cfg, err := New()
		require.NoError(t, err)
		assert.Equal(t, "https://appcenter.intuit.com/connect/oauth2", cfg.AuthorizeURL)
		assert.Equal(t, "https://oauth.platform.intuit.com/oauth2/v1/tokens/bearer", cfg.TokenURL)
		assert.Equal(t, "com.intuit.quickbooks.accounting", cfg.Scope)
		assert.Equal(t, ":8080", cfg.ListenAddr)
		assert.Equal(t, 30*time.Second, cfg.HTTPTimeout)
		assert.Equal(t, 100, cfg.PageSize)
		assert.Len(t, cfg.EncryptionKey, 32)
	})

	t.Run("all missing variables reported at once", func(t *testing.T) {
		t.Setenv("QB_CLIENT_ID", "")
		t.Setenv("QB_CLIENT_SECRET", "")
		t.Setenv("QB_REDIRECT_URI", "")
		t.Setenv("ENCRYPTION_KEY", "")

		_, err := New()
		require.Error(t, err)
		assert.Contains(t, err.Error(), "QB_CLIENT_ID")
		assert.Contains(t, err.Error(), "QB_CLIENT_SECRET")
		assert.Contains(t, err.Error(), "QB_REDIRECT_URI")
		assert.Contains(t, err.Error(), "ENCRYPTION_KEY")
	})

	t.Run("invalid redirect URI", func(t *testing.T) {
		setRequiredEnv(t)
		t.Setenv("QB_REDIRECT_URI", "not a url")

		_, err := New()
		require.Error(t, err)
		assert.Contains(t, err.Error(), "QB_REDIRECT_URI")
	})

	t.Run("base64 encryption key", func(t *testing.T) {
		setRequiredEnv(t)
		raw := make([]byte, 32)
		for i := range raw {
			raw[i] = byte(i)
		}
		t.Setenv("ENCRYPTION_KEY", base64.StdEncoding.EncodeToString(raw))

		cfg, err := New()
		require.NoError(t, err)
		assert.Equal(t, raw, cfg.EncryptionKey)
	})

	t.Run("bad encryption key length", func(t *testing.T) {
		setRequiredEnv(t)
		t.Setenv("ENCRYPTION_KEY", "too-short")

		_, err := New()
		require.Error(t, err)
		assert.Contains(t, err.Error(), "ENCRYPTION_KEY")
	})

	t.Run("timeout out of range", func(t *testing.T) {
		setRequiredEnv(t)
		t.Setenv("HTTP_TIMEOUT", "10m")

		_, err := New()
		require.Error(t, err)
		assert.Contains(t, err.Error(), "HTTP_TIMEOUT")
	})

	t.Run("page size out of range", func(t *testing.T) {
		setRequiredEnv(t)
		t.Setenv("QB_PAGE_SIZE", "5")

		_, err := New()
		require.Error(t, err)
		assert.Contains(t, err.Error(), "QB_PAGE_SIZE")
	})

	t.Run("overrides win over defaults", func(t *testing.T) {
		setRequiredEnv(t)
		t.Setenv("QB_API_BASE_URL", "https://sandbox-quickbooks.api.intuit.com")
		t.Setenv("LISTEN_ADDR", ":9999")
		t.Setenv("QB_PAGE_SIZE", "250")

		cfg, err := New()
		require.NoError(t, err)
		assert.Equal(t, "https://sandbox-quickbooks.api.intuit.com", cfg.APIBaseURL)
		assert.Equal(t, ":9999", cfg.ListenAddr)
		assert.Equal(t, 250, cfg.PageSize)
	})
}
