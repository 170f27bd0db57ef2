// Package webhook translates Intuit change notifications into narrowly
// scoped incremental sync triggers.
package webhook

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"strings"

	"go.uber.org/zap"

	"github.com/Vantage/vantage-books-sync/internal/database"
	"github.com/Vantage/vantage-books-sync/models"
	"github.com/Vantage/vantage-books-sync/syncer"
)

// ChangedEntity is one changed record reference in a notification.
type ChangedEntity struct {
	Name      string `json:"name"`
	ID        string `json:"id"`
	Operation string `json:"operation"`
}

// DataChangeEvent groups the changed records of one notification.
type DataChangeEvent struct {
	Entities []ChangedEntity `json:"entities"`
}

// EventNotification is one realm's change notification.
type EventNotification struct {
	RealmID         string          `json:"realmId"`
	DataChangeEvent DataChangeEvent `json:"dataChangeEvent"`
}

// Envelope is the Intuit webhook payload shape.
type Envelope struct {
	EventNotifications []EventNotification `json:"eventNotifications"`
}

// entityAliases maps Intuit's entity names onto the mirror's entity types.
var entityAliases = map[string]models.EntityType{
	"customer": models.EntityCustomers,
	"invoice":  models.EntityInvoices,
	"account":  models.EntityAccounts,
	"purchase": models.EntityTransactions,
	"payment":  models.EntityTransactions,
}

// Processor maps webhook notifications to sync triggers.
type Processor struct {
	db     *database.Db
	engine *syncer.Engine
	logger *zap.Logger
}

// NewProcessor builds the webhook processor.
func NewProcessor(db *database.Db, engine *syncer.Engine, logger *zap.Logger) *Processor {
	if logger == nil {
		logger = zap.NewNop()
	}
	return &Processor{db: db, engine: engine, logger: logger}
}

// Process parses a webhook body and triggers one scoped incremental sync per
// (realm, entity) pair. Unknown entity names are skipped with a warning, not
// an error: Intuit adds entity kinds over time and a new one must not fail
// the intake. A realm with no active connection is skipped likewise.
func (p *Processor) Process(ctx context.Context, body []byte) error {
	var envelope Envelope
	if err := json.Unmarshal(body, &envelope); err != nil {
		return fmt.Errorf("failed to parse webhook payload: %w", err)
	}

	for _, notification := range envelope.EventNotifications {
		conn, err := p.connectionForRealm(ctx, notification.RealmID)
		if err != nil {
			p.logger.Warn("webhook for unknown realm",
				zap.String("realm_id", notification.RealmID))
			continue
		}

		cfg, err := p.db.GetSyncConfig(ctx, conn.OrganizationID)
		if err != nil {
			return err
		}
		if !cfg.WebhookEnabled {
			p.logger.Debug("webhooks disabled for organization",
				zap.String("organization_id", conn.OrganizationID))
			continue
		}

		for _, entity := range p.changedEntityTypes(notification.DataChangeEvent.Entities) {
			_, err := p.engine.TriggerSync(ctx, &syncer.TriggerSyncInput{
				OrganizationID: conn.OrganizationID,
				ConnectionID:   conn.ID,
				SyncType:       models.SyncWebhook,
				Scope:          string(entity),
				TriggeredBy:    "webhook",
			})
			if err != nil {
				if errors.Is(err, syncer.ErrSyncAlreadyRunning) {
					// The running sync will pick the change up.
					continue
				}
				return fmt.Errorf("failed to trigger webhook sync: %w", err)
			}
		}
	}
	return nil
}

// connectionForRealm finds the active connection mirroring a realm.
func (p *Processor) connectionForRealm(ctx context.Context, realmID string) (*models.Connection, error) {
	conns, err := p.db.ActiveConnections(ctx)
	if err != nil {
		return nil, err
	}
	for i := range conns {
		if conns[i].RealmID == realmID {
			return &conns[i], nil
		}
	}
	return nil, database.ErrConnectionNotFound
}

// changedEntityTypes maps notification entity names to entity types, dropping
// unknowns and duplicates so one sync covers all changed records of a kind.
func (p *Processor) changedEntityTypes(entities []ChangedEntity) []models.EntityType {
	seen := make(map[models.EntityType]bool)
	var out []models.EntityType
	for _, e := range entities {
		et, ok := entityAliases[strings.ToLower(e.Name)]
		if !ok {
			p.logger.Warn("webhook entity not mirrored", zap.String("name", e.Name))
			continue
		}
		if !seen[et] {
			seen[et] = true
			out = append(out, et)
		}
	}
	return out
}
