package database_test

import (
	"context"
	"errors"
	"sync"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/Vantage/vantage-books-sync/internal/database"
	"github.com/Vantage/vantage-books-sync/internal/testutils"
	"github.com/Vantage/vantage-books-sync/models"
)

func newRun(id, connID string, syncType models.SyncType) *models.SyncRun {
	return &models.SyncRun{
		ID:             id,
		OrganizationID: "org-1",
		ConnectionID:   connID,
		SyncType:       syncType,
		Scope:          models.ScopeAll,
	}
}

func TestReserveRun(t *testing.T) {
	ctx := context.Background()

	t.Run("reserves when connection is idle", func(t *testing.T) {
		db := testutils.NewTestDb(t)
		connID := testutils.SeedConnection(t, db, "org-1", "realm-1")

		run := newRun("run-1", connID, models.SyncFull)
		require.NoError(t, db.ReserveRun(ctx, run))
		assert.Equal(t, models.RunPending, run.Status)
	})

	t.Run("second reservation conflicts", func(t *testing.T) {
		db := testutils.NewTestDb(t)
		connID := testutils.SeedConnection(t, db, "org-1", "realm-1")

		require.NoError(t, db.ReserveRun(ctx, newRun("run-1", connID, models.SyncFull)))

		err := db.ReserveRun(ctx, newRun("run-2", connID, models.SyncManual))
		assert.ErrorIs(t, err, database.ErrSyncAlreadyRunning)
	})

	t.Run("reservation frees once run is terminal", func(t *testing.T) {
		db := testutils.NewTestDb(t)
		connID := testutils.SeedConnection(t, db, "org-1", "realm-1")

		require.NoError(t, db.ReserveRun(ctx, newRun("run-1", connID, models.SyncFull)))
		require.NoError(t, db.TransitionRun(ctx, "run-1", models.RunCancelled, ""))

		assert.NoError(t, db.ReserveRun(ctx, newRun("run-2", connID, models.SyncFull)))
	})

	t.Run("other connections are unaffected", func(t *testing.T) {
		db := testutils.NewTestDb(t)
		connA := testutils.SeedConnection(t, db, "org-1", "realm-1")
		connB := testutils.SeedConnection(t, db, "org-2", "realm-2")

		require.NoError(t, db.ReserveRun(ctx, newRun("run-a", connA, models.SyncFull)))
		assert.NoError(t, db.ReserveRun(ctx, newRun("run-b", connB, models.SyncFull)))
	})

	t.Run("missing fields", func(t *testing.T) {
		db := testutils.NewTestDb(t)
		assert.ErrorIs(t, db.ReserveRun(ctx, nil), database.ErrInvalidInput)
		assert.ErrorIs(t, db.ReserveRun(ctx, &models.SyncRun{ID: "x"}), database.ErrInvalidInput)
	})

	t.Run("exactly one of two concurrent reservations wins", func(t *testing.T) {
		db := testutils.NewTestDb(t)
		connID := testutils.SeedConnection(t, db, "org-1", "realm-1")

		errs := make(chan error, 2)
		var wg sync.WaitGroup
		for _, id := range []string{"run-a", "run-b"} {
			wg.Add(1)
			go func(id string) {
				defer wg.Done()
				errs <- db.ReserveRun(ctx, newRun(id, connID, models.SyncFull))
			}(id)
		}
		wg.Wait()
		close(errs)

		var wins, conflicts int
		for err := range errs {
			switch {
			case err == nil:
				wins++
			case errors.Is(err, database.ErrSyncAlreadyRunning):
				conflicts++
			default:
				t.Fatalf("unexpected reservation error: %v", err)
			}
		}
		assert.Equal(t, 1, wins)
		assert.Equal(t, 1, conflicts)
	})
}

func TestTransitionRun(t *testing.T) {
	ctx := context.Background()

	setup := func(t *testing.T) (*database.Db, string) {
		db := testutils.NewTestDb(t)
		connID := testutils.SeedConnection(t, db, "org-1", "realm-1")
		require.NoError(t, db.ReserveRun(ctx, newRun("run-1", connID, models.SyncFull)))
		return db, "run-1"
	}

	t.Run("pending to in_progress sets started_at", func(t *testing.T) {
		db, runID := setup(t)

		require.NoError(t, db.TransitionRun(ctx, runID, models.RunInProgress, ""))

		run, err := db.GetRun(ctx, runID)
		require.NoError(t, err)
		assert.Equal(t, models.RunInProgress, run.Status)
		assert.NotNil(t, run.StartedAt)
		assert.Nil(t, run.CompletedAt)
	})

	t.Run("terminal transition sets completed_at", func(t *testing.T) {
		db, runID := setup(t)

		require.NoError(t, db.TransitionRun(ctx, runID, models.RunInProgress, ""))
		require.NoError(t, db.TransitionRun(ctx, runID, models.RunFailed, "boom"))

		run, err := db.GetRun(ctx, runID)
		require.NoError(t, err)
		assert.Equal(t, models.RunFailed, run.Status)
		assert.Equal(t, "boom", run.LastError)
		assert.NotNil(t, run.CompletedAt)
	})

	t.Run("pending cannot complete directly", func(t *testing.T) {
		db, runID := setup(t)
		err := db.TransitionRun(ctx, runID, models.RunCompleted, "")
		assert.ErrorIs(t, err, database.ErrInvalidTransition)
	})

	t.Run("terminal runs are immutable", func(t *testing.T) {
		db, runID := setup(t)
		require.NoError(t, db.TransitionRun(ctx, runID, models.RunCancelled, ""))

		for _, to := range []models.RunStatus{
			models.RunInProgress, models.RunPaused, models.RunCompleted, models.RunFailed,
		} {
			err := db.TransitionRun(ctx, runID, to, "")
			assert.ErrorIs(t, err, database.ErrInvalidTransition, "transition to %s", to)
		}
	})

	t.Run("pause resume cycle", func(t *testing.T) {
		db, runID := setup(t)

		require.NoError(t, db.TransitionRun(ctx, runID, models.RunInProgress, ""))
		require.NoError(t, db.TransitionRun(ctx, runID, models.RunPaused, ""))
		require.NoError(t, db.TransitionRun(ctx, runID, models.RunInProgress, ""))
		require.NoError(t, db.TransitionRun(ctx, runID, models.RunCompleted, ""))
	})

	t.Run("unknown run", func(t *testing.T) {
		db := testutils.NewTestDb(t)
		err := db.TransitionRun(ctx, "missing", models.RunInProgress, "")
		assert.ErrorIs(t, err, database.ErrRunNotFound)
	})
}

func TestUpdateRunProgress(t *testing.T) {
	ctx := context.Background()

	db := testutils.NewTestDb(t)
	connID := testutils.SeedConnection(t, db, "org-1", "realm-1")
	require.NoError(t, db.ReserveRun(ctx, newRun("run-1", connID, models.SyncFull)))
	require.NoError(t, db.TransitionRun(ctx, "run-1", models.RunInProgress, ""))

	p := database.RunProgress{
		CurrentEntity:     "invoices",
		EntitiesCompleted: 1,
		RecordsProcessed:  120,
		RecordsSucceeded:  118,
		RecordsFailed:     2,
		LastError:         "two bad rows",
	}
	require.NoError(t, db.UpdateRunProgress(ctx, "run-1", p))

	run, err := db.GetRun(ctx, "run-1")
	require.NoError(t, err)
	assert.Equal(t, "invoices", run.CurrentEntity)
	assert.Equal(t, 120, run.RecordsProcessed)
	assert.Equal(t, 118, run.RecordsSucceeded)
	assert.Equal(t, 2, run.RecordsFailed)

	// Progress writes stop once the run is terminal.
	require.NoError(t, db.TransitionRun(ctx, "run-1", models.RunCompleted, ""))
	err = db.UpdateRunProgress(ctx, "run-1", p)
	assert.ErrorIs(t, err, database.ErrRunNotFound)
}

func TestListRuns(t *testing.T) {
	ctx := context.Background()

	db := testutils.NewTestDb(t)
	connID := testutils.SeedConnection(t, db, "org-1", "realm-1")

	seed := []struct {
		id     string
		scope  string
		status models.RunStatus
	}{
		{"run-1", models.ScopeAll, models.RunCompleted},
		{"run-2", "invoices", models.RunFailed},
		{"run-3", "customers", models.RunCompleted},
	}
	for _, s := range seed {
		run := newRun(s.id, connID, models.SyncManual)
		run.Scope = s.scope
		require.NoError(t, db.ReserveRun(ctx, run))
		require.NoError(t, db.TransitionRun(ctx, s.id, models.RunInProgress, ""))
		require.NoError(t, db.TransitionRun(ctx, s.id, s.status, ""))
	}

	t.Run("filters by status", func(t *testing.T) {
		runs, err := db.ListRuns(ctx, database.ListRunsInput{
			OrganizationID: "org-1",
			Status:         models.RunFailed,
		})
		require.NoError(t, err)
		require.Len(t, runs, 1)
		assert.Equal(t, "run-2", runs[0].ID)
	})

	t.Run("entity filter matches scoped and all runs", func(t *testing.T) {
		runs, err := db.ListRuns(ctx, database.ListRunsInput{
			OrganizationID: "org-1",
			Entity:         models.EntityInvoices,
		})
		require.NoError(t, err)
		require.Len(t, runs, 2)
	})

	t.Run("other organization sees nothing", func(t *testing.T) {
		runs, err := db.ListRuns(ctx, database.ListRunsInput{OrganizationID: "org-2"})
		require.NoError(t, err)
		assert.Empty(t, runs)
	})

	t.Run("limit applies", func(t *testing.T) {
		runs, err := db.ListRuns(ctx, database.ListRunsInput{
			OrganizationID: "org-1",
			Limit:          2,
		})
		require.NoError(t, err)
		assert.Len(t, runs, 2)
	})
}

func TestUpsertMirrorRecords(t *testing.T) {
	ctx := context.Background()

	db := testutils.NewTestDb(t)
	connID := testutils.SeedConnection(t, db, "org-1", "realm-1")

	first := []models.MirrorRecord{
		{ConnectionID: connID, EntityType: models.EntityCustomers, RemoteID: "1", Payload: `{"v":1}`, SyncedAt: time.Now()},
		{ConnectionID: connID, EntityType: models.EntityCustomers, RemoteID: "2", Payload: `{"v":1}`, SyncedAt: time.Now()},
	}
	require.NoError(t, db.UpsertMirrorRecords(ctx, first))

	// Re-syncing the same remote id replaces the payload instead of duplicating.
	second := []models.MirrorRecord{
		{ConnectionID: connID, EntityType: models.EntityCustomers, RemoteID: "2", Payload: `{"v":2}`, SyncedAt: time.Now()},
		{ConnectionID: connID, EntityType: models.EntityCustomers, RemoteID: "3", Payload: `{"v":1}`, SyncedAt: time.Now()},
	}
	require.NoError(t, db.UpsertMirrorRecords(ctx, second))

	count, err := db.MirrorRecordCount(ctx, connID, models.EntityCustomers)
	require.NoError(t, err)
	assert.Equal(t, int64(3), count)

	require.NoError(t, db.UpsertMirrorRecords(ctx, nil))
}

func TestEntityResults(t *testing.T) {
	ctx := context.Background()

	db := testutils.NewTestDb(t)
	connID := testutils.SeedConnection(t, db, "org-1", "realm-1")
	require.NoError(t, db.ReserveRun(ctx, newRun("run-1", connID, models.SyncFull)))

	base := time.Now().UTC().Add(-time.Hour)
	for i := 0; i < 3; i++ {
		require.NoError(t, db.RecordEntityResult(ctx, &models.SyncRunEntity{
			RunID:        "run-1",
			ConnectionID: connID,
			Entity:       models.EntityInvoices,
			Succeeded:    i != 1,
			CompletedAt:  base.Add(time.Duration(i) * time.Minute),
		}))
	}

	results, err := db.EntityResults(ctx, connID, models.EntityInvoices, 10)
	require.NoError(t, err)
	require.Len(t, results, 3)
	// Newest first.
	assert.True(t, results[0].CompletedAt.After(results[2].CompletedAt))

	assert.ErrorIs(t, db.RecordEntityResult(ctx, nil), database.ErrInvalidInput)
	assert.ErrorIs(t, db.RecordEntityResult(ctx, &models.SyncRunEntity{RunID: "x"}), database.ErrInvalidInput)
}

func TestLastCompletedRunOfType(t *testing.T) {
	ctx := context.Background()

	db := testutils.NewTestDb(t)
	connID := testutils.SeedConnection(t, db, "org-1", "realm-1")

	_, err := db.LastCompletedRunOfType(ctx, connID, models.SyncFull)
	assert.ErrorIs(t, err, database.ErrRunNotFound)

	require.NoError(t, db.ReserveRun(ctx, newRun("run-1", connID, models.SyncFull)))
	require.NoError(t, db.TransitionRun(ctx, "run-1", models.RunInProgress, ""))
	require.NoError(t, db.TransitionRun(ctx, "run-1", models.RunCompleted, ""))

	run, err := db.LastCompletedRunOfType(ctx, connID, models.SyncFull)
	require.NoError(t, err)
	assert.Equal(t, "run-1", run.ID)

	// Failed runs do not count.
	_, err = db.LastCompletedRunOfType(ctx, connID, models.SyncIncremental)
	assert.ErrorIs(t, err, database.ErrRunNotFound)
}
