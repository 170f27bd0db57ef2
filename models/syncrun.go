package models

import (
	"time"
)

// SyncType says what triggered a run and how wide it pulls.
type SyncType string

const (
	SyncFull        SyncType = "full"
	SyncIncremental SyncType = "incremental"
	SyncManual      SyncType = "manual"
	SyncWebhook     SyncType = "webhook"
)

func (t SyncType) Valid() bool {
	switch t {
	case SyncFull, SyncIncremental, SyncManual, SyncWebhook:
		return true
	}
	return false
}

// RunStatus is the state of one sync execution.
type RunStatus string

const (
	RunPending    RunStatus = "pending"
	RunInProgress RunStatus = "in_progress"
	RunPaused     RunStatus = "paused"
	RunCompleted  RunStatus = "completed"
	RunFailed     RunStatus = "failed"
	RunCancelled  RunStatus = "cancelled"
)

// Terminal reports whether the run can no longer change. Terminal rows are
// never mutated again.
func (s RunStatus) Terminal() bool {
	switch s {
	case RunCompleted, RunFailed, RunCancelled:
		return true
	}
	return false
}

// ScopeAll means the run covers every enabled entity type.
const ScopeAll = "all"

// SyncRun is one execution of a sync job. At most one non-terminal run may
// exist per connection; the store enforces that with an atomic conditional
// insert.
type SyncRun struct {
	ID             string    `gorm:"primaryKey;size:64" json:"id"`
	OrganizationID string    `gorm:"index;size:64;not null" json:"organization_id"`
	ConnectionID   string    `gorm:"index;size:64;not null" json:"connection_id"`
	SyncType       SyncType  `gorm:"size:16;not null" json:"sync_type"`
	Scope          string    `gorm:"size:32;not null" json:"scope"`
	Status         RunStatus `gorm:"size:16;index;not null" json:"status"`
	TriggeredBy    string    `gorm:"size:64" json:"triggered_by,omitempty"`

	CurrentEntity     string `gorm:"size:32" json:"current_entity,omitempty"`
	EntitiesCompleted int    `json:"entities_completed"`
	EntitiesTotal     int    `json:"entities_total"`
	RecordsProcessed  int    `json:"records_processed"`
	RecordsSucceeded  int    `json:"records_succeeded"`
	RecordsFailed     int    `json:"records_failed"`
	LastError         string `gorm:"type:text" json:"last_error,omitempty"`

	StartedAt   *time.Time `json:"started_at,omitempty"`
	CompletedAt *time.Time `json:"completed_at,omitempty"`
	CreatedAt   time.Time  `json:"created_at"`
	UpdatedAt   time.Time  `json:"updated_at"`
}

// ControlAction is an operator signal to a running sync. Signals are observed
// at page boundaries, not preemptively.
type ControlAction string

const (
	ControlPause  ControlAction = "pause"
	ControlResume ControlAction = "resume"
	ControlCancel ControlAction = "cancel"
)

func (a ControlAction) Valid() bool {
	switch a {
	case ControlPause, ControlResume, ControlCancel:
		return true
	}
	return false
}

// SyncRunEntity records the outcome of one entity within one run. Freshness
// is derived from these rows, so a partially failed run still reports accurate
// per-entity staleness.
type SyncRunEntity struct {
	ID               uint       `gorm:"primaryKey" json:"id"`
	RunID            string     `gorm:"index;size:64;not null" json:"run_id"`
	ConnectionID     string     `gorm:"index;size:64;not null" json:"connection_id"`
	Entity           EntityType `gorm:"size:32;not null" json:"entity"`
	Succeeded        bool       `json:"succeeded"`
	RecordsProcessed int        `json:"records_processed"`
	RecordsFailed    int        `json:"records_failed"`
	Error            string     `gorm:"type:text" json:"error,omitempty"`
	CompletedAt      time.Time  `json:"completed_at"`
}

// MirrorRecord is one synced QuickBooks record in the local mirror, stored as
// the raw upstream JSON plus addressing columns. Downstream consumers of the
// mirror are outside this service.
type MirrorRecord struct {
	ID           uint       `gorm:"primaryKey" json:"id"`
	ConnectionID string     `gorm:"uniqueIndex:idx_mirror_record;size:64;not null" json:"connection_id"`
	EntityType   EntityType `gorm:"uniqueIndex:idx_mirror_record;size:32;not null" json:"entity_type"`
	RemoteID     string     `gorm:"uniqueIndex:idx_mirror_record;size:64;not null" json:"remote_id"`
	Payload      string     `gorm:"type:text" json:"payload"`
	SyncedAt     time.Time  `json:"synced_at"`
	CreatedAt    time.Time  `json:"created_at"`
	UpdatedAt    time.Time  `json:"updated_at"`
}
