package database

import (
	"errors"
	"path/filepath"
	"testing"

	"github.com/glebarez/sqlite"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
	"gorm.io/gorm"
	gormlogger "gorm.io/gorm/logger"

	"github.com/Vantage/vantage-books-sync/models"
)

func newRawDb(t *testing.T) *Db {
	t.Helper()

	engine, err := gorm.Open(
		sqlite.Open(filepath.Join(t.TempDir(), "test.db")),
		&gorm.Config{Logger: gormlogger.Default.LogMode(gormlogger.Silent)},
	)
	require.NoError(t, err)

	db, err := New(engine, nil)
	require.NoError(t, err)
	return db
}

func rawRun(id string, status models.RunStatus) *models.SyncRun {
	return &models.SyncRun{
		ID:             id,
		OrganizationID: "org-1",
		ConnectionID:   "conn-1",
		SyncType:       models.SyncFull,
		Scope:          models.ScopeAll,
		Status:         status,
	}
}

// TestLiveRunIndex writes around the reservation guard to show the store
// itself rejects a second live run, which is what keeps the one-live-run
// invariant when two service instances insert concurrently.
func TestLiveRunIndex(t *testing.T) {
	t.Run("second live run is rejected by the index", func(t *testing.T) {
		db := newRawDb(t)
		require.NoError(t, db.engine.Create(rawRun("run-1", models.RunPending)).Error)

		err := db.engine.Create(rawRun("run-2", models.RunInProgress)).Error
		require.Error(t, err)
		assert.True(t, isUniqueViolation(err))
	})

	t.Run("paused runs count as live", func(t *testing.T) {
		db := newRawDb(t)
		require.NoError(t, db.engine.Create(rawRun("run-1", models.RunPaused)).Error)

		err := db.engine.Create(rawRun("run-2", models.RunPending)).Error
		require.Error(t, err)
		assert.True(t, isUniqueViolation(err))
	})

	t.Run("terminal runs are unconstrained", func(t *testing.T) {
		db := newRawDb(t)
		require.NoError(t, db.engine.Create(rawRun("run-1", models.RunCompleted)).Error)
		require.NoError(t, db.engine.Create(rawRun("run-2", models.RunFailed)).Error)
		require.NoError(t, db.engine.Create(rawRun("run-3", models.RunPending)).Error)
	})
}

var (
	errPostgresDuplicate = errors.New(`ERROR: duplicate key value violates unique constraint "idx_sync_runs_live_connection" (SQLSTATE 23505)`)
	errSqliteDuplicate   = errors.New("constraint failed: UNIQUE constraint failed: sync_runs.connection_id (2067)")
)

func TestIsUniqueViolation(t *testing.T) {
	cases := []struct {
		name string
		err  error
		want bool
	}{
		{"gorm sentinel", gorm.ErrDuplicatedKey, true},
		{"postgres message", errPostgresDuplicate, true},
		{"sqlite message", errSqliteDuplicate, true},
		{"unrelated", gorm.ErrInvalidData, false},
		{"record not found", gorm.ErrRecordNotFound, false},
	}
	for _, tc := range cases {
		t.Run(tc.name, func(t *testing.T) {
			assert.Equal(t, tc.want, isUniqueViolation(tc.err))
		})
	}
}
