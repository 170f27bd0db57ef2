package database

import (
	"context"
	"errors"
	"fmt"
	"time"

	"github.com/go-playground/validator/v10"
	"go.uber.org/multierr"
	"go.uber.org/zap"
	"gorm.io/gorm"

	"github.com/Vantage/vantage-books-sync/models"
)

// CreateConnectionInput holds the parameters for CreateConnection.
type CreateConnectionInput struct {
	ID              string `validate:"required"`
	OrganizationID  string `validate:"required"`
	RealmID         string `validate:"required"`
	Name            string
	IsDefault       bool
	AccessTokenEnc  string `validate:"required"`
	RefreshTokenEnc string `validate:"required"`
	TokenExpiresAt  time.Time
}

func (in *CreateConnectionInput) validate() error {
	if err := validator.New(validator.WithRequiredStructEnabled()).Struct(in); err != nil {
		return multierr.Append(ErrInvalidInput, err)
	}
	return nil
}

// CreateConnection inserts a new active connection. Any previously active row
// for the same (organization, realm) is marked expired first, so at most one
// connection per pair stays active.
func (db *Db) CreateConnection(ctx context.Context, input *CreateConnectionInput) (*models.Connection, error) {
	ctx, cancel := context.WithTimeout(ctx, db.queryTimeout)
	defer cancel()

	if input == nil {
		return nil, ErrInvalidInput
	}
	if err := input.validate(); err != nil {
		return nil, err
	}

	conn := &models.Connection{
		ID:              input.ID,
		OrganizationID:  input.OrganizationID,
		RealmID:         input.RealmID,
		Name:            input.Name,
		Status:          models.ConnectionActive,
		IsDefault:       input.IsDefault,
		AccessTokenEnc:  input.AccessTokenEnc,
		RefreshTokenEnc: input.RefreshTokenEnc,
		TokenExpiresAt:  input.TokenExpiresAt,
	}

	err := db.engine.WithContext(ctx).Transaction(func(tx *gorm.DB) error {
		res := tx.Model(&models.Connection{}).
			Where("organization_id = ? AND realm_id = ? AND status = ?",
				input.OrganizationID, input.RealmID, models.ConnectionActive).
			Update("status", models.ConnectionExpired)
		if res.Error != nil {
			return res.Error
		}
		if res.RowsAffected > 0 {
			db.logger.Info("superseded previously active connection",
				zap.String("organization_id", input.OrganizationID),
				zap.String("realm_id", input.RealmID))
		}
		return tx.Create(conn).Error
	})
	if err != nil {
		return nil, fmt.Errorf("failed to create connection: %w", err)
	}

	return conn, nil
}

// GetConnection fetches one connection by id, scoped to the organization.
func (db *Db) GetConnection(ctx context.Context, orgID, connID string) (*models.Connection, error) {
	ctx, cancel := context.WithTimeout(ctx, db.queryTimeout)
	defer cancel()

	var conn models.Connection
	err := db.engine.WithContext(ctx).
		Where("organization_id = ? AND id = ?", orgID, connID).
		First(&conn).Error
	if err != nil {
		if errors.Is(err, gorm.ErrRecordNotFound) {
			return nil, ErrConnectionNotFound
		}
		return nil, fmt.Errorf("failed to get connection: %w", err)
	}
	return &conn, nil
}

// GetActiveConnection resolves the active connection for an organization.
// With an empty connID it prefers the default connection, then the most
// recently created active one.
func (db *Db) GetActiveConnection(ctx context.Context, orgID, connID string) (*models.Connection, error) {
	ctx, cancel := context.WithTimeout(ctx, db.queryTimeout)
	defer cancel()

	q := db.engine.WithContext(ctx).
		Where("organization_id = ? AND status = ?", orgID, models.ConnectionActive)
	if connID != "" {
		q = q.Where("id = ?", connID)
	} else {
		q = q.Order("is_default DESC, created_at DESC")
	}

	var conn models.Connection
	if err := q.First(&conn).Error; err != nil {
		if errors.Is(err, gorm.ErrRecordNotFound) {
			return nil, ErrConnectionNotFound
		}
		return nil, fmt.Errorf("failed to get active connection: %w", err)
	}
	return &conn, nil
}

// ListConnections returns every connection the organization holds, newest
// first, including expired and revoked rows (retained for audit).
func (db *Db) ListConnections(ctx context.Context, orgID string) ([]models.Connection, error) {
	ctx, cancel := context.WithTimeout(ctx, db.queryTimeout)
	defer cancel()

	var conns []models.Connection
	err := db.engine.WithContext(ctx).
		Where("organization_id = ?", orgID).
		Order("created_at DESC").
		Find(&conns).Error
	if err != nil {
		return nil, fmt.Errorf("failed to list connections: %w", err)
	}
	return conns, nil
}

// ActiveConnections returns every active connection across organizations.
// The background scheduler walks this list.
func (db *Db) ActiveConnections(ctx context.Context) ([]models.Connection, error) {
	ctx, cancel := context.WithTimeout(ctx, db.queryTimeout)
	defer cancel()

	var conns []models.Connection
	err := db.engine.WithContext(ctx).
		Where("status = ?", models.ConnectionActive).
		Find(&conns).Error
	if err != nil {
		return nil, fmt.Errorf("failed to list active connections: %w", err)
	}
	return conns, nil
}

// UpdateConnectionTokens replaces the encrypted token pair after a refresh.
func (db *Db) UpdateConnectionTokens(ctx context.Context, connID, accessEnc, refreshEnc string, expiresAt time.Time) error {
	ctx, cancel := context.WithTimeout(ctx, db.queryTimeout)
	defer cancel()

	res := db.engine.WithContext(ctx).Model(&models.Connection{}).
		Where("id = ?", connID).
		Updates(map[string]any{
			"access_token_enc":  accessEnc,
			"refresh_token_enc": refreshEnc,
			"token_expires_at":  expiresAt,
			"last_used_at":      time.Now().UTC(),
		})
	if res.Error != nil {
		return fmt.Errorf("failed to update connection tokens: %w", res.Error)
	}
	if res.RowsAffected == 0 {
		return ErrConnectionNotFound
	}
	return nil
}

// UpdateConnectionStatus moves a connection to expired or revoked.
func (db *Db) UpdateConnectionStatus(ctx context.Context, connID string, status models.ConnectionStatus) error {
	ctx, cancel := context.WithTimeout(ctx, db.queryTimeout)
	defer cancel()

	res := db.engine.WithContext(ctx).Model(&models.Connection{}).
		Where("id = ?", connID).
		Update("status", status)
	if res.Error != nil {
		return fmt.Errorf("failed to update connection status: %w", res.Error)
	}
	if res.RowsAffected == 0 {
		return ErrConnectionNotFound
	}

	db.logger.Info("connection status changed",
		zap.String("connection_id", connID),
		zap.String("status", string(status)))
	return nil
}

// AdvanceWatermark moves the incremental-sync watermark forward. Callers only
// invoke this after a run in which every attempted entity succeeded.
func (db *Db) AdvanceWatermark(ctx context.Context, connID string, to time.Time) error {
	ctx, cancel := context.WithTimeout(ctx, db.queryTimeout)
	defer cancel()

	res := db.engine.WithContext(ctx).Model(&models.Connection{}).
		Where("id = ?", connID).
		Update("last_synced_at", to)
	if res.Error != nil {
		return fmt.Errorf("failed to advance watermark: %w", res.Error)
	}
	if res.RowsAffected == 0 {
		return ErrConnectionNotFound
	}
	return nil
}
