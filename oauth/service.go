// Package oauth implements the QuickBooks OAuth2 lifecycle: authorization URL
// generation with CSRF state, code exchange, token refresh and revocation, and
// connection queries. Tokens are stored encrypted; decrypted material only
// ever lives in memory.
package oauth

import (
	"context"
	"crypto/rand"
	"encoding/base64"
	"encoding/json"
	"errors"
	"fmt"
	"io"
	"net/http"
	"net/url"
	"strings"
	"sync"
	"time"

	"github.com/google/uuid"
	"go.uber.org/zap"

	"github.com/Vantage/vantage-books-sync/config"
	"github.com/Vantage/vantage-books-sync/internal/database"
	"github.com/Vantage/vantage-books-sync/models"
	"github.com/Vantage/vantage-books-sync/pkg/encryption"
	"github.com/Vantage/vantage-books-sync/statecache"
)

// RefreshMargin is the safety window before expiry at which tokens are
// refreshed rather than used.
const RefreshMargin = 5 * time.Minute

// Service is the OAuth lifecycle manager.
type Service struct {
	cfg        *config.Config
	cache      statecache.Cache
	db         *database.Db
	enc        encryption.Encryptor
	httpClient *http.Client
	logger     *zap.Logger
	audit      *zap.Logger

	// refreshMu serializes token refresh per connection: Intuit rotates
	// refresh tokens, so two concurrent refreshes would strand one caller
	// with a dead token.
	refreshMu sync.Map // connection id -> *sync.Mutex

	now func() time.Time
}

// NewService wires the lifecycle manager.
func NewService(cfg *config.Config, cache statecache.Cache, db *database.Db, enc encryption.Encryptor, logger *zap.Logger) *Service {
	if logger == nil {
		logger = zap.NewNop()
	}
	return &Service{
		cfg:        cfg,
		cache:      cache,
		db:         db,
		enc:        enc,
		httpClient: &http.Client{Timeout: cfg.HTTPTimeout},
		logger:     logger,
		audit:      logger.Named("audit"),
		now:        time.Now,
	}
}

// AuthorizeOptions are the optional parameters for an authorization URL.
type AuthorizeOptions struct {
	RedirectURL    string
	ConnectionName string
	IsAdditional   bool
}

// AuthorizationGrant is what the operator-facing flow needs to continue.
type AuthorizationGrant struct {
	URL          string `json:"url"`
	State        string `json:"state"`
	ConnectionID string `json:"connection_id"`
}

// GenerateAuthorizationURL creates a CSRF state, stores the in-flight
// authorization context, and returns the Intuit authorize URL. A cache write
// failure is fatal to the flow and surfaces as ErrDependency.
func (s *Service) GenerateAuthorizationURL(ctx context.Context, orgID string, opts AuthorizeOptions) (*AuthorizationGrant, error) {
	if orgID == "" {
		return nil, fmt.Errorf("organization id is required")
	}

	state, err := newStateToken()
	if err != nil {
		return nil, fmt.Errorf("failed to generate state token: %w", err)
	}
	connID := uuid.New().String()

	st := models.AuthorizationState{
		State:          state,
		OrganizationID: orgID,
		ConnectionID:   connID,
		ConnectionName: opts.ConnectionName,
		RedirectURL:    opts.RedirectURL,
		IsAdditional:   opts.IsAdditional,
		CreatedAt:      s.now().UTC(),
	}
	if err := s.cache.PutState(ctx, st, models.StateTTL); err != nil {
		return nil, fmt.Errorf("%w: %v", ErrDependency, err)
	}

	u, err := url.Parse(s.cfg.AuthorizeURL)
	if err != nil {
		return nil, fmt.Errorf("invalid authorize URL: %w", err)
	}
	q := u.Query()
	q.Set("client_id", s.cfg.ClientID)
	q.Set("scope", s.cfg.Scope)
	q.Set("redirect_uri", s.cfg.RedirectURI)
	q.Set("response_type", "code")
	q.Set("access_type", "offline")
	q.Set("state", state)
	u.RawQuery = q.Encode()

	s.audit.Info("authorization url issued",
		zap.String("organization_id", orgID),
		zap.String("connection_id", connID),
		zap.Bool("additional", opts.IsAdditional))

	return &AuthorizationGrant{URL: u.String(), State: state, ConnectionID: connID}, nil
}

// ExchangeCodeForTokens validates the callback state, exchanges the code at
// the token endpoint, and persists a new active Connection with encrypted
// tokens. The state entry is deleted on success, so a replayed callback fails
// with ErrInvalidState instead of minting a duplicate connection.
func (s *Service) ExchangeCodeForTokens(ctx context.Context, code, state, realmID string) (*models.TokenSet, error) {
	if code == "" || state == "" || realmID == "" {
		return nil, fmt.Errorf("code, state and realm id are required")
	}

	st, err := s.cache.GetState(ctx, state)
	if err != nil {
		if errors.Is(err, statecache.ErrNotFound) {
			s.audit.Warn("code exchange with unknown state", zap.String("realm_id", realmID))
			return nil, ErrInvalidState
		}
		return nil, fmt.Errorf("%w: %v", ErrDependency, err)
	}

	// Defense in depth: the cache should have expired the entry already, but
	// the window is re-checked from the stored creation time.
	if s.now().Sub(st.CreatedAt) > models.StateTTL {
		return nil, ErrExpiredState
	}

	form := url.Values{}
	form.Set("grant_type", "authorization_code")
	form.Set("code", code)
	form.Set("redirect_uri", s.cfg.RedirectURI)

	tok, err := s.tokenRequest(ctx, form)
	if err != nil {
		s.audit.Warn("code exchange rejected",
			zap.String("organization_id", st.OrganizationID),
			zap.Error(err))
		return nil, err
	}

	accessEnc, err := s.enc.Encrypt(tok.AccessToken)
	if err != nil {
		return nil, fmt.Errorf("failed to encrypt access token: %w", err)
	}
	refreshEnc, err := s.enc.Encrypt(tok.RefreshToken)
	if err != nil {
		return nil, fmt.Errorf("failed to encrypt refresh token: %w", err)
	}

	expiresAt := s.now().UTC().Add(time.Duration(tok.ExpiresIn) * time.Second)
	_, err = s.db.CreateConnection(ctx, &database.CreateConnectionInput{
		ID:              st.ConnectionID,
		OrganizationID:  st.OrganizationID,
		RealmID:         realmID,
		Name:            st.ConnectionName,
		IsDefault:       !st.IsAdditional,
		AccessTokenEnc:  accessEnc,
		RefreshTokenEnc: refreshEnc,
		TokenExpiresAt:  expiresAt,
	})
	if err != nil {
		return nil, fmt.Errorf("%w: %v", ErrDependency, err)
	}

	// Single use: drop the state only after the connection exists.
	if err := s.cache.DeleteState(ctx, state); err != nil {
		s.logger.Warn("failed to delete consumed authorization state", zap.Error(err))
	}

	s.audit.Info("connection established",
		zap.String("organization_id", st.OrganizationID),
		zap.String("connection_id", st.ConnectionID),
		zap.String("realm_id", realmID))

	return &models.TokenSet{
		AccessToken:  tok.AccessToken,
		RefreshToken: tok.RefreshToken,
		RealmID:      realmID,
		ExpiresAt:    expiresAt,
	}, nil
}

// RefreshTokens performs a refresh_token grant for the organization's active
// connection. On invalid_grant the connection is marked expired before the
// error returns, so reads reflect the failure without caller bookkeeping.
func (s *Service) RefreshTokens(ctx context.Context, orgID, connID string) (*models.TokenSet, error) {
	conn, err := s.db.GetActiveConnection(ctx, orgID, connID)
	if err != nil {
		if errors.Is(err, database.ErrConnectionNotFound) {
			return nil, ErrNoActiveConnection
		}
		return nil, fmt.Errorf("%w: %v", ErrDependency, err)
	}

	mu := s.connMutex(conn.ID)
	mu.Lock()
	defer mu.Unlock()

	// Re-read under the lock: a concurrent refresh may have already rotated
	// the tokens while this caller waited.
	conn, err = s.db.GetConnection(ctx, orgID, conn.ID)
	if err != nil {
		return nil, fmt.Errorf("%w: %v", ErrDependency, err)
	}
	if conn.Status != models.ConnectionActive {
		return nil, ErrNoActiveConnection
	}

	refreshToken, err := s.enc.Decrypt(conn.RefreshTokenEnc)
	if err != nil {
		// Corrupted credentials are fatal, never masked.
		return nil, fmt.Errorf("failed to decrypt refresh token: %w", err)
	}

	form := url.Values{}
	form.Set("grant_type", "refresh_token")
	form.Set("refresh_token", refreshToken)

	tok, err := s.tokenRequest(ctx, form)
	if err != nil {
		var provErr *ProviderError
		if errors.As(err, &provErr) && provErr.IsInvalidGrant() {
			if markErr := s.db.UpdateConnectionStatus(ctx, conn.ID, models.ConnectionExpired); markErr != nil {
				s.logger.Error("failed to mark connection expired", zap.Error(markErr))
			}
			s.audit.Warn("refresh grant invalid, connection expired",
				zap.String("connection_id", conn.ID))
		}
		return nil, err
	}

	// Intuit may omit the refresh token when it has not rotated.
	if tok.RefreshToken == "" {
		tok.RefreshToken = refreshToken
	}

	accessEnc, err := s.enc.Encrypt(tok.AccessToken)
	if err != nil {
		return nil, fmt.Errorf("failed to encrypt access token: %w", err)
	}
	refreshEnc, err := s.enc.Encrypt(tok.RefreshToken)
	if err != nil {
		return nil, fmt.Errorf("failed to encrypt refresh token: %w", err)
	}

	expiresAt := s.now().UTC().Add(time.Duration(tok.ExpiresIn) * time.Second)
	if err := s.db.UpdateConnectionTokens(ctx, conn.ID, accessEnc, refreshEnc, expiresAt); err != nil {
		return nil, fmt.Errorf("%w: %v", ErrDependency, err)
	}

	return &models.TokenSet{
		AccessToken:  tok.AccessToken,
		RefreshToken: tok.RefreshToken,
		RealmID:      conn.RealmID,
		ExpiresAt:    expiresAt,
	}, nil
}

// RevokeTokens disconnects a connection. The local row is marked revoked no
// matter what the remote revocation returns: the organization's decision to
// disconnect is not blocked by network failure. A remote failure is still
// returned so the caller can surface a warning.
func (s *Service) RevokeTokens(ctx context.Context, orgID, connID string) error {
	conn, err := s.db.GetActiveConnection(ctx, orgID, connID)
	if err != nil {
		if errors.Is(err, database.ErrConnectionNotFound) {
			return ErrNoActiveConnection
		}
		return fmt.Errorf("%w: %v", ErrDependency, err)
	}

	var remoteErr error
	if refreshToken, decErr := s.enc.Decrypt(conn.RefreshTokenEnc); decErr == nil {
		remoteErr = s.revokeRemote(ctx, refreshToken)
	} else {
		remoteErr = fmt.Errorf("failed to decrypt refresh token for revocation: %w", decErr)
	}

	if err := s.db.UpdateConnectionStatus(ctx, conn.ID, models.ConnectionRevoked); err != nil {
		return fmt.Errorf("%w: %v", ErrDependency, err)
	}

	s.audit.Info("connection revoked",
		zap.String("organization_id", orgID),
		zap.String("connection_id", conn.ID),
		zap.Bool("remote_revoked", remoteErr == nil))

	if remoteErr != nil {
		return fmt.Errorf("connection revoked locally, remote revocation failed: %w", remoteErr)
	}
	return nil
}

// GetActiveConnection returns the decrypted token set for the organization's
// active connection, or (nil, nil) when none exists. Decryption failures
// propagate: corrupted credentials must not be masked.
func (s *Service) GetActiveConnection(ctx context.Context, orgID, connID string) (*models.TokenSet, error) {
	conn, err := s.db.GetActiveConnection(ctx, orgID, connID)
	if err != nil {
		if errors.Is(err, database.ErrConnectionNotFound) {
			return nil, nil
		}
		return nil, fmt.Errorf("%w: %v", ErrDependency, err)
	}

	access, err := s.enc.Decrypt(conn.AccessTokenEnc)
	if err != nil {
		return nil, fmt.Errorf("failed to decrypt access token: %w", err)
	}
	refresh, err := s.enc.Decrypt(conn.RefreshTokenEnc)
	if err != nil {
		return nil, fmt.Errorf("failed to decrypt refresh token: %w", err)
	}

	return &models.TokenSet{
		AccessToken:  access,
		RefreshToken: refresh,
		RealmID:      conn.RealmID,
		ExpiresAt:    conn.TokenExpiresAt,
	}, nil
}

// GetAllConnections lists connection summaries without secrets.
func (s *Service) GetAllConnections(ctx context.Context, orgID string) ([]models.ConnectionSummary, error) {
	conns, err := s.db.ListConnections(ctx, orgID)
	if err != nil {
		return nil, fmt.Errorf("%w: %v", ErrDependency, err)
	}
	out := make([]models.ConnectionSummary, 0, len(conns))
	for i := range conns {
		out = append(out, conns[i].Summary())
	}
	return out, nil
}

// ValidateTokens reports whether an active, unexpired connection exists.
func (s *Service) ValidateTokens(ctx context.Context, orgID, connID string) (bool, error) {
	conn, err := s.db.GetActiveConnection(ctx, orgID, connID)
	if err != nil {
		if errors.Is(err, database.ErrConnectionNotFound) {
			return false, nil
		}
		return false, fmt.Errorf("%w: %v", ErrDependency, err)
	}
	return conn.TokenExpiresAt.After(s.now()), nil
}

// EnsureFreshToken hands the sync engine a token set, refreshing first when
// expiry is past or within the safety margin.
func (s *Service) EnsureFreshToken(ctx context.Context, orgID, connID string) (*models.TokenSet, error) {
	conn, err := s.db.GetActiveConnection(ctx, orgID, connID)
	if err != nil {
		if errors.Is(err, database.ErrConnectionNotFound) {
			return nil, ErrNoActiveConnection
		}
		return nil, fmt.Errorf("%w: %v", ErrDependency, err)
	}

	if s.now().Add(RefreshMargin).Before(conn.TokenExpiresAt) {
		return s.GetActiveConnection(ctx, orgID, conn.ID)
	}
	return s.RefreshTokens(ctx, orgID, conn.ID)
}

func (s *Service) connMutex(connID string) *sync.Mutex {
	mu, _ := s.refreshMu.LoadOrStore(connID, &sync.Mutex{})
	return mu.(*sync.Mutex)
}

// tokenResponse is the Intuit token endpoint success body.
type tokenResponse struct {
	AccessToken  string `json:"access_token"`
	RefreshToken string `json:"refresh_token"`
	ExpiresIn    int    `json:"expires_in"`
	TokenType    string `json:"token_type"`
}

// tokenRequest POSTs a form-encoded grant with HTTP Basic auth and maps any
// non-2xx body to a ProviderError carrying the upstream code verbatim.
func (s *Service) tokenRequest(ctx context.Context, form url.Values) (*tokenResponse, error) {
	req, err := http.NewRequestWithContext(ctx, http.MethodPost, s.cfg.TokenURL, strings.NewReader(form.Encode()))
	if err != nil {
		return nil, fmt.Errorf("failed to create token request: %w", err)
	}
	req.Header.Set("Content-Type", "application/x-www-form-urlencoded")
	req.Header.Set("Accept", "application/json")
	req.SetBasicAuth(s.cfg.ClientID, s.cfg.ClientSecret)

	resp, err := s.httpClient.Do(req)
	if err != nil {
		return nil, fmt.Errorf("token request failed: %w", err)
	}
	defer resp.Body.Close()

	body, err := io.ReadAll(resp.Body)
	if err != nil {
		return nil, fmt.Errorf("failed to read token response: %w", err)
	}

	if resp.StatusCode < 200 || resp.StatusCode >= 300 {
		var oauthErr struct {
			Error       string `json:"error"`
			Description string `json:"error_description"`
		}
		_ = json.Unmarshal(body, &oauthErr)
		return nil, &ProviderError{
			StatusCode:  resp.StatusCode,
			Code:        oauthErr.Error,
			Description: oauthErr.Description,
		}
	}

	var tok tokenResponse
	if err := json.Unmarshal(body, &tok); err != nil {
		return nil, fmt.Errorf("failed to parse token response: %w", err)
	}
	return &tok, nil
}

func (s *Service) revokeRemote(ctx context.Context, token string) error {
	form := url.Values{}
	form.Set("token", token)

	req, err := http.NewRequestWithContext(ctx, http.MethodPost, s.cfg.RevokeURL, strings.NewReader(form.Encode()))
	if err != nil {
		return fmt.Errorf("failed to create revoke request: %w", err)
	}
	req.Header.Set("Content-Type", "application/x-www-form-urlencoded")
	req.SetBasicAuth(s.cfg.ClientID, s.cfg.ClientSecret)

	resp, err := s.httpClient.Do(req)
	if err != nil {
		return fmt.Errorf("revoke request failed: %w", err)
	}
	defer resp.Body.Close()

	if resp.StatusCode < 200 || resp.StatusCode >= 300 {
		body, _ := io.ReadAll(resp.Body)
		return fmt.Errorf("revoke request returned status %d: %s", resp.StatusCode, body)
	}
	return nil
}

// newStateToken returns 32 random bytes, base64url-encoded without padding.
func newStateToken() (string, error) {
	b := make([]byte, 32)
	if _, err := rand.Read(b); err != nil {
		return "", err
	}
	return base64.RawURLEncoding.EncodeToString(b), nil
}
