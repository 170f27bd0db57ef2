package models

import (
	"strings"
	"time"
)

// Documented bounds for SyncConfig fields. Values outside these ranges are
// rejected before the row is saved.
const (
	MinSyncInterval = 15 * time.Minute
	MaxSyncInterval = 24 * time.Hour

	MinFullSyncEvery = 24 * time.Hour
	MaxFullSyncEvery = 30 * 24 * time.Hour

	MinRetries = 1
	MaxRetries = 10

	MinRetryDelay = time.Second
	MaxRetryDelay = 5 * time.Minute

	MinRecordsPerSync = 100
	MaxRecordsPerSync = 100000
)

// SyncConfig is the per-organization sync policy.
type SyncConfig struct {
	OrganizationID string `gorm:"primaryKey;size:64" json:"organization_id"`

	// Comma-joined EntityType names. Empty means all entities are enabled.
	EnabledEntities string `gorm:"size:255" json:"-"`

	SyncInterval   time.Duration `json:"sync_interval"`
	FullSyncEvery  time.Duration `json:"full_sync_every"`
	MaxRetries     int           `json:"max_retries"`
	RetryDelay     time.Duration `json:"retry_delay"`
	MaxRecords     int           `json:"max_records_per_sync"`
	WebhookEnabled bool          `json:"webhook_enabled"`

	CreatedAt time.Time `json:"created_at"`
	UpdatedAt time.Time `json:"updated_at"`
}

// DefaultSyncConfig returns the policy used before an organization saves one.
func DefaultSyncConfig(orgID string) SyncConfig {
	return SyncConfig{
		OrganizationID: orgID,
		SyncInterval:   time.Hour,
		FullSyncEvery:  7 * 24 * time.Hour,
		MaxRetries:     3,
		RetryDelay:     5 * time.Second,
		MaxRecords:     10000,
		WebhookEnabled: true,
	}
}

// Entities returns the enabled entity list, falling back to every known
// entity when none are configured. Unknown names are dropped rather than
// panicking: they can appear when the entity set shrinks across releases.
func (c *SyncConfig) Entities() []EntityType {
	if c.EnabledEntities == "" {
		return AllEntityTypes
	}
	var out []EntityType
	for _, name := range strings.Split(c.EnabledEntities, ",") {
		if et, err := ParseEntityType(strings.TrimSpace(name)); err == nil {
			out = append(out, et)
		}
	}
	if len(out) == 0 {
		return AllEntityTypes
	}
	return out
}

// SetEntities stores the enabled entity list.
func (c *SyncConfig) SetEntities(entities []EntityType) {
	names := make([]string, 0, len(entities))
	for _, et := range entities {
		names = append(names, string(et))
	}
	c.EnabledEntities = strings.Join(names, ",")
}
