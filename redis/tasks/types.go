package tasks

// Task types.
const (
	TypeSyncRun     = "sync:run"
	TypeHealthCheck = "health:check"
)

// Queue names, matched to config.DefaultQueuePriorities.
const (
	QueueWebhook   = "webhook"
	QueueDefault   = "default"
	QueueScheduled = "scheduled"
)

// SyncRunPayload carries a reserved run to a worker. The run row in the
// database is the source of truth; the payload only addresses it.
type SyncRunPayload struct {
	RunID          string `json:"run_id"`
	OrganizationID string `json:"organization_id"`
	ConnectionID   string `json:"connection_id"`
	SyncType       string `json:"sync_type"`
}
