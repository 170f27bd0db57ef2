// Package config provides environment-driven configuration for the QuickBooks
// connector service.
package config

import (
	"encoding/base64"
	"fmt"
	"net/url"
	"os"
	"strconv"
	"time"

	"go.uber.org/multierr"
)

const (
	defaultAuthorizeURL = "https://appcenter.intuit.com/connect/oauth2"
	defaultTokenURL     = "https://oauth.platform.intuit.com/oauth2/v1/tokens/bearer"
	defaultRevokeURL    = "https://developer.api.intuit.com/v2/oauth2/tokens/revoke"
	defaultAPIBaseURL   = "https://quickbooks.api.intuit.com"
	defaultScope        = "com.intuit.quickbooks.accounting"

	defaultHTTPTimeout = 30 * time.Second
	minHTTPTimeout     = time.Second
	maxHTTPTimeout     = 5 * time.Minute

	defaultListenAddr = ":8080"
	defaultPageSize   = 100
	minPageSize       = 10
	maxPageSize       = 1000
)

// Config holds everything main needs to wire the service.
type Config struct {
	// OAuth application credentials issued by Intuit.
	ClientID     string
	ClientSecret string
	RedirectURI  string
	Scope        string

	AuthorizeURL string
	TokenURL     string
	RevokeURL    string
	APIBaseURL   string

	// EncryptionKey is the raw 32-byte key for token encryption at rest.
	EncryptionKey []byte

	PostgresDSN string
	ListenAddr  string

	HTTPTimeout time.Duration
	PageSize    int
}

// New reads configuration from the environment and validates it. All failures
// are joined so an operator sees every missing variable at once.
func New() (*Config, error) {
	cfg := &Config{
		ClientID:     os.Getenv("QB_CLIENT_ID"),
		ClientSecret: os.Getenv("QB_CLIENT_SECRET"),
		RedirectURI:  os.Getenv("QB_REDIRECT_URI"),
		Scope:        getEnvOrDefault("QB_SCOPE", defaultScope),
		AuthorizeURL: getEnvOrDefault("QB_AUTHORIZE_URL", defaultAuthorizeURL),
		TokenURL:     getEnvOrDefault("QB_TOKEN_URL", defaultTokenURL),
		RevokeURL:    getEnvOrDefault("QB_REVOKE_URL", defaultRevokeURL),
		APIBaseURL:   getEnvOrDefault("QB_API_BASE_URL", defaultAPIBaseURL),
		PostgresDSN:  os.Getenv("POSTGRES_DSN"),
		ListenAddr:   getEnvOrDefault("LISTEN_ADDR", defaultListenAddr),
	}

	var errs error

	if cfg.ClientID == "" {
		errs = multierr.Append(errs, fmt.Errorf("QB_CLIENT_ID is required"))
	}
	if cfg.ClientSecret == "" {
		errs = multierr.Append(errs, fmt.Errorf("QB_CLIENT_SECRET is required"))
	}
	if cfg.RedirectURI == "" {
		errs = multierr.Append(errs, fmt.Errorf("QB_REDIRECT_URI is required"))
	} else if _, err := url.ParseRequestURI(cfg.RedirectURI); err != nil {
		errs = multierr.Append(errs, fmt.Errorf("QB_REDIRECT_URI is not a valid URL: %w", err))
	}

	for name, raw := range map[string]string{
		"QB_AUTHORIZE_URL": cfg.AuthorizeURL,
		"QB_TOKEN_URL":     cfg.TokenURL,
		"QB_REVOKE_URL":    cfg.RevokeURL,
		"QB_API_BASE_URL":  cfg.APIBaseURL,
	} {
		if _, err := url.ParseRequestURI(raw); err != nil {
			errs = multierr.Append(errs, fmt.Errorf("%s is not a valid URL: %w", name, err))
		}
	}

	key, err := parseEncryptionKey(os.Getenv("ENCRYPTION_KEY"))
	if err != nil {
		errs = multierr.Append(errs, err)
	}
	cfg.EncryptionKey = key

	if cfg.HTTPTimeout, err = validateTimeout(getEnvOrDefault("HTTP_TIMEOUT", defaultHTTPTimeout.String())); err != nil {
		errs = multierr.Append(errs, err)
	}

	if cfg.PageSize, err = validatePageSize(getEnvOrDefault("QB_PAGE_SIZE", strconv.Itoa(defaultPageSize))); err != nil {
		errs = multierr.Append(errs, err)
	}

	if errs != nil {
		return nil, errs
	}

	return cfg, nil
}

// parseEncryptionKey accepts either a raw 32-byte value or base64 of 32 bytes.
func parseEncryptionKey(raw string) ([]byte, error) {
	if raw == "" {
		return nil, fmt.Errorf("ENCRYPTION_KEY is required")
	}
	if len(raw) == 32 {
		return []byte(raw), nil
	}
	decoded, err := base64.StdEncoding.DecodeString(raw)
	if err == nil && len(decoded) == 32 {
		return decoded, nil
	}
	return nil, fmt.Errorf("ENCRYPTION_KEY must be 32 raw bytes or base64 of 32 bytes")
}

func validateTimeout(raw string) (time.Duration, error) {
	d, err := time.ParseDuration(raw)
	if err != nil {
		return 0, fmt.Errorf("invalid HTTP_TIMEOUT: %w", err)
	}
	if d < minHTTPTimeout || d > maxHTTPTimeout {
		return 0, fmt.Errorf("HTTP_TIMEOUT must be between %v and %v", minHTTPTimeout, maxHTTPTimeout)
	}
	return d, nil
}

func validatePageSize(raw string) (int, error) {
	n, err := strconv.Atoi(raw)
	if err != nil {
		return 0, fmt.Errorf("QB_PAGE_SIZE must be a number: %w", err)
	}
	if n < minPageSize || n > maxPageSize {
		return 0, fmt.Errorf("QB_PAGE_SIZE must be between %d and %d", minPageSize, maxPageSize)
	}
	return n, nil
}

func getEnvOrDefault(key, defaultValue string) string {
	if value := os.Getenv(key); value != "" {
		return value
	}
	return defaultValue
}
