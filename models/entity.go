package models

import (
	"fmt"
	"time"
)

// EntityType is the closed set of QuickBooks entities the mirror tracks.
// Keeping this an enumeration (rather than free-form strings) means a typo in
// a scope or webhook payload fails parsing instead of silently skipping an
// entity.
type EntityType string

const (
	EntityCustomers    EntityType = "customers"
	EntityInvoices     EntityType = "invoices"
	EntityAccounts     EntityType = "accounts"
	EntityTransactions EntityType = "transactions"
	EntityReports      EntityType = "reports"
)

// AllEntityTypes is the sync order for a full run.
var AllEntityTypes = []EntityType{
	EntityCustomers,
	EntityInvoices,
	EntityAccounts,
	EntityTransactions,
	EntityReports,
}

// entityInfo carries the per-entity constants: the QBO resource queried for it
// and how old its mirror may grow before it counts as stale.
type entityInfo struct {
	resource       string
	staleThreshold time.Duration
}

var entityRegistry = map[EntityType]entityInfo{
	EntityCustomers:    {resource: "Customer", staleThreshold: 3 * 24 * time.Hour},
	EntityInvoices:     {resource: "Invoice", staleThreshold: 3 * 24 * time.Hour},
	EntityAccounts:     {resource: "Account", staleThreshold: 7 * 24 * time.Hour},
	EntityTransactions: {resource: "Purchase", staleThreshold: 24 * time.Hour},
	EntityReports:      {resource: "Report", staleThreshold: 24 * time.Hour},
}

// ParseEntityType validates an entity name coming from a request, config row,
// or webhook payload.
func ParseEntityType(s string) (EntityType, error) {
	et := EntityType(s)
	if _, ok := entityRegistry[et]; !ok {
		return "", fmt.Errorf("unknown entity type %q", s)
	}
	return et, nil
}

// Resource returns the QuickBooks API resource name for the entity.
func (e EntityType) Resource() string {
	return entityRegistry[e].resource
}

// StaleThreshold returns the default freshness threshold for the entity.
// Per-organization overrides come from SyncConfig.
func (e EntityType) StaleThreshold() time.Duration {
	return entityRegistry[e].staleThreshold
}

func (e EntityType) Valid() bool {
	_, ok := entityRegistry[e]
	return ok
}
