package models

import "time"

// HealthGrade summarizes how well a connection's mirror is keeping up.
type HealthGrade string

const (
	HealthExcellent HealthGrade = "excellent"
	HealthGood      HealthGrade = "good"
	HealthWarning   HealthGrade = "warning"
	HealthPoor      HealthGrade = "poor"
)

// EntityFreshness is the derived per-entity view computed from SyncRun history
// on every read. It is never persisted.
type EntityFreshness struct {
	Entity      EntityType `json:"entity"`
	LastSyncAt  *time.Time `json:"last_sync_at,omitempty"`
	RecordCount int64      `json:"record_count"`
	SuccessRate float64    `json:"success_rate"`
	IsStale     bool       `json:"is_stale"`
	// StaleDays counts whole days beyond the threshold, not raw age: an
	// entity synced 3 days ago against a 1-day threshold reports 2.
	StaleDays int `json:"stale_days"`
}

// FreshnessReport is the dashboard summary for one connection.
type FreshnessReport struct {
	ConnectionID      string            `json:"connection_id"`
	Entities          []EntityFreshness `json:"entities"`
	Health            HealthGrade       `json:"health"`
	RecommendedAction string            `json:"recommended_action,omitempty"`
	GeneratedAt       time.Time         `json:"generated_at"`
}

// APIError is the JSON error envelope returned by the HTTP surface.
type APIError struct {
	Code    int    `json:"code"`
	Message string `json:"message"`
}
