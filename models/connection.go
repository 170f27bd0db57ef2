package models

import (
	"time"
)

// ConnectionStatus is the lifecycle state of a Connection row.
type ConnectionStatus string

const (
	ConnectionActive  ConnectionStatus = "active"
	ConnectionExpired ConnectionStatus = "expired"
	ConnectionRevoked ConnectionStatus = "revoked"
)

// Connection is one authorized link between an organization and a QuickBooks
// company file (realm). Token columns hold AES-GCM ciphertext, never plaintext.
// Rows are retained for audit and never hard-deleted: a reconnect creates a
// fresh row instead of resurrecting an expired or revoked one.
type Connection struct {
	ID             string           `gorm:"primaryKey;size:64" json:"id"`
	OrganizationID string           `gorm:"index;size:64;not null" json:"organization_id"`
	RealmID        string           `gorm:"index;size:64;not null" json:"realm_id"`
	Name           string           `gorm:"size:255" json:"name,omitempty"`
	Status         ConnectionStatus `gorm:"size:16;index;not null" json:"status"`
	IsDefault      bool             `json:"is_default"`

	// Encrypted at rest. Excluded from every JSON surface.
	AccessTokenEnc  string `gorm:"column:access_token_enc;type:text" json:"-"`
	RefreshTokenEnc string `gorm:"column:refresh_token_enc;type:text" json:"-"`

	TokenExpiresAt time.Time `json:"token_expires_at"`

	// LastSyncedAt is the incremental-sync watermark. It only advances when a
	// run completes with every attempted entity fully succeeded.
	LastSyncedAt *time.Time `json:"last_synced_at,omitempty"`
	LastUsedAt   *time.Time `json:"last_used_at,omitempty"`
	CreatedAt    time.Time  `json:"created_at"`
	UpdatedAt    time.Time  `json:"updated_at"`
}

// Terminal reports whether the row can never return to active.
func (s ConnectionStatus) Terminal() bool {
	return s == ConnectionExpired || s == ConnectionRevoked
}

// ConnectionSummary is the secret-free view returned to callers listing
// connections.
type ConnectionSummary struct {
	ID             string           `json:"id"`
	OrganizationID string           `json:"organization_id"`
	RealmID        string           `json:"realm_id"`
	Name           string           `json:"name,omitempty"`
	Status         ConnectionStatus `json:"status"`
	IsDefault      bool             `json:"is_default"`
	TokenExpiresAt time.Time        `json:"token_expires_at"`
	LastSyncedAt   *time.Time       `json:"last_synced_at,omitempty"`
	CreatedAt      time.Time        `json:"created_at"`
}

// Summary strips token material from a Connection.
func (c *Connection) Summary() ConnectionSummary {
	return ConnectionSummary{
		ID:             c.ID,
		OrganizationID: c.OrganizationID,
		RealmID:        c.RealmID,
		Name:           c.Name,
		Status:         c.Status,
		IsDefault:      c.IsDefault,
		TokenExpiresAt: c.TokenExpiresAt,
		LastSyncedAt:   c.LastSyncedAt,
		CreatedAt:      c.CreatedAt,
	}
}

// TokenSet is a decrypted credential bundle handed to API callers. It lives
// only in memory.
type TokenSet struct {
	AccessToken  string    `json:"access_token"`
	RefreshToken string    `json:"refresh_token"`
	RealmID      string    `json:"realm_id"`
	ExpiresAt    time.Time `json:"expires_at"`
}

// AuthorizationState binds a CSRF state token to the organization that asked
// for it. Entries live in the state cache for at most StateTTL and are deleted
// on first successful exchange.
type AuthorizationState struct {
	State          string    `json:"state"`
	OrganizationID string    `json:"organization_id"`
	ConnectionID   string    `json:"connection_id"`
	ConnectionName string    `json:"connection_name,omitempty"`
	RedirectURL    string    `json:"redirect_url,omitempty"`
	IsAdditional   bool      `json:"is_additional"`
	CreatedAt      time.Time `json:"created_at"`
}

// StateTTL is the authorization window: a state older than this is rejected
// even if the cache row still exists.
const StateTTL = 30 * time.Minute
