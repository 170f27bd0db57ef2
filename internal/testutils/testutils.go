// Package testutils provides shared fixtures for package tests.
package testutils

import (
	"context"
	"path/filepath"
	"testing"
	"time"

	"github.com/glebarez/sqlite"
	"github.com/google/uuid"
	"github.com/stretchr/testify/require"
	"gorm.io/gorm"
	gormlogger "gorm.io/gorm/logger"

	"github.com/Vantage/vantage-books-sync/internal/database"
)

// NewTestDb opens an isolated sqlite-backed store for one test. The file
// lives in the test's temp dir and is cleaned up automatically.
func NewTestDb(t *testing.T) *database.Db {
	t.Helper()

	engine, err := gorm.Open(
		sqlite.Open(filepath.Join(t.TempDir(), "test.db")),
		&gorm.Config{Logger: gormlogger.Default.LogMode(gormlogger.Silent)},
	)
	require.NoError(t, err)

	db, err := database.New(engine, nil)
	require.NoError(t, err)
	return db
}

// SeedConnection creates an active connection for the organization and
// returns its id.
func SeedConnection(t *testing.T, db *database.Db, orgID, realmID string) string {
	t.Helper()

	id := uuid.New().String()
	_, err := db.CreateConnection(context.Background(), &database.CreateConnectionInput{
		ID:              id,
		OrganizationID:  orgID,
		RealmID:         realmID,
		IsDefault:       true,
		AccessTokenEnc:  "enc:access-" + id,
		RefreshTokenEnc: "enc:refresh-" + id,
		TokenExpiresAt:  time.Now().UTC().Add(time.Hour),
	})
	require.NoError(t, err)
	return id
}
