package database

import (
	"context"
	"errors"
	"fmt"
	"time"

	"github.com/go-playground/validator/v10"
	"go.uber.org/multierr"
	"gorm.io/gorm"
	"gorm.io/gorm/clause"

	"github.com/Vantage/vantage-books-sync/models"
)

// SaveSyncConfigInput carries the per-organization sync policy. Range bounds
// mirror the documented limits in models.
type SaveSyncConfigInput struct {
	OrganizationID  string `validate:"required"`
	EnabledEntities []models.EntityType
	SyncInterval    time.Duration
	FullSyncEvery   time.Duration
	MaxRetries      int
	RetryDelay      time.Duration
	MaxRecords      int
	WebhookEnabled  bool
}

func (in *SaveSyncConfigInput) validate() error {
	var errs error

	if err := validator.New(validator.WithRequiredStructEnabled()).Struct(in); err != nil {
		errs = multierr.Append(errs, err)
	}
	for _, et := range in.EnabledEntities {
		if !et.Valid() {
			errs = multierr.Append(errs, fmt.Errorf("unknown entity type %q", et))
		}
	}
	if in.SyncInterval < models.MinSyncInterval || in.SyncInterval > models.MaxSyncInterval {
		errs = multierr.Append(errs, fmt.Errorf("sync interval must be between %v and %v",
			models.MinSyncInterval, models.MaxSyncInterval))
	}
	if in.FullSyncEvery < models.MinFullSyncEvery || in.FullSyncEvery > models.MaxFullSyncEvery {
		errs = multierr.Append(errs, fmt.Errorf("full sync frequency must be between %v and %v",
			models.MinFullSyncEvery, models.MaxFullSyncEvery))
	}
	if in.MaxRetries < models.MinRetries || in.MaxRetries > models.MaxRetries {
		errs = multierr.Append(errs, fmt.Errorf("max retries must be between %d and %d",
			models.MinRetries, models.MaxRetries))
	}
	if in.RetryDelay < models.MinRetryDelay || in.RetryDelay > models.MaxRetryDelay {
		errs = multierr.Append(errs, fmt.Errorf("retry delay must be between %v and %v",
			models.MinRetryDelay, models.MaxRetryDelay))
	}
	if in.MaxRecords < models.MinRecordsPerSync || in.MaxRecords > models.MaxRecordsPerSync {
		errs = multierr.Append(errs, fmt.Errorf("max records per sync must be between %d and %d",
			models.MinRecordsPerSync, models.MaxRecordsPerSync))
	}

	if errs != nil {
		return multierr.Append(ErrInvalidInput, errs)
	}
	return nil
}

// GetSyncConfig returns the organization's sync policy, or the defaults when
// none has been saved yet.
func (db *Db) GetSyncConfig(ctx context.Context, orgID string) (*models.SyncConfig, error) {
	ctx, cancel := context.WithTimeout(ctx, db.queryTimeout)
	defer cancel()

	var cfg models.SyncConfig
	err := db.engine.WithContext(ctx).Where("organization_id = ?", orgID).First(&cfg).Error
	if err != nil {
		if errors.Is(err, gorm.ErrRecordNotFound) {
			def := models.DefaultSyncConfig(orgID)
			return &def, nil
		}
		return nil, fmt.Errorf("failed to get sync config: %w", err)
	}
	return &cfg, nil
}

// SaveSyncConfig validates and upserts the organization's sync policy.
func (db *Db) SaveSyncConfig(ctx context.Context, input *SaveSyncConfigInput) (*models.SyncConfig, error) {
	ctx, cancel := context.WithTimeout(ctx, db.queryTimeout)
	defer cancel()

	if input == nil {
		return nil, ErrInvalidInput
	}
	if err := input.validate(); err != nil {
		return nil, err
	}

	cfg := models.SyncConfig{
		OrganizationID: input.OrganizationID,
		SyncInterval:   input.SyncInterval,
		FullSyncEvery:  input.FullSyncEvery,
		MaxRetries:     input.MaxRetries,
		RetryDelay:     input.RetryDelay,
		MaxRecords:     input.MaxRecords,
		WebhookEnabled: input.WebhookEnabled,
	}
	cfg.SetEntities(input.EnabledEntities)

	err := db.engine.WithContext(ctx).Clauses(clause.OnConflict{
		Columns: []clause.Column{{Name: "organization_id"}},
		DoUpdates: clause.AssignmentColumns([]string{
			"enabled_entities", "sync_interval", "full_sync_every",
			"max_retries", "retry_delay", "max_records", "webhook_enabled",
			"updated_at",
		}),
	}).Create(&cfg).Error
	if err != nil {
		return nil, fmt.Errorf("failed to save sync config: %w", err)
	}
	return &cfg, nil
}
