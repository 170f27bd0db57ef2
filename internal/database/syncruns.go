package database

import (
	"context"
	"errors"
	"fmt"
	"strings"
	"time"

	"gorm.io/gorm"
	"gorm.io/gorm/clause"

	"github.com/Vantage/vantage-books-sync/models"
)

// isUniqueViolation detects a duplicate-key failure from either backend.
// gorm only translates these to ErrDuplicatedKey when the dialector is opened
// with TranslateError, so the raw driver messages are matched as well.
func isUniqueViolation(err error) bool {
	if errors.Is(err, gorm.ErrDuplicatedKey) {
		return true
	}
	msg := err.Error()
	return strings.Contains(msg, "duplicate key") || strings.Contains(msg, "UNIQUE constraint")
}

var nonTerminalStatuses = []models.RunStatus{
	models.RunPending, models.RunInProgress, models.RunPaused,
}

// ReserveRun creates a pending run for the connection, failing with
// ErrSyncAlreadyRunning if a non-terminal run already exists. The NOT EXISTS
// guard rejects the common case without touching the index; when two
// concurrent triggers race past it, the partial unique index on live runs
// rejects the loser, which surfaces as the same conflict.
func (db *Db) ReserveRun(ctx context.Context, run *models.SyncRun) error {
	ctx, cancel := context.WithTimeout(ctx, db.queryTimeout)
	defer cancel()

	if run == nil || run.ID == "" || run.ConnectionID == "" {
		return ErrInvalidInput
	}

	now := time.Now().UTC()
	res := db.engine.WithContext(ctx).Exec(`
		INSERT INTO sync_runs
			(id, organization_id, connection_id, sync_type, scope, status,
			 triggered_by, entities_total, created_at, updated_at)
		SELECT ?, ?, ?, ?, ?, ?, ?, ?, ?, ?
		WHERE NOT EXISTS (
			SELECT 1 FROM sync_runs
			WHERE connection_id = ? AND status IN (?, ?, ?)
		)`,
		run.ID, run.OrganizationID, run.ConnectionID, run.SyncType, run.Scope,
		models.RunPending, run.TriggeredBy, run.EntitiesTotal, now, now,
		run.ConnectionID,
		models.RunPending, models.RunInProgress, models.RunPaused,
	)
	if res.Error != nil {
		if isUniqueViolation(res.Error) {
			return ErrSyncAlreadyRunning
		}
		return fmt.Errorf("failed to reserve sync run: %w", res.Error)
	}
	if res.RowsAffected == 0 {
		return ErrSyncAlreadyRunning
	}

	run.Status = models.RunPending
	run.CreatedAt = now
	run.UpdatedAt = now
	return nil
}

// GetRun fetches one run by id.
func (db *Db) GetRun(ctx context.Context, runID string) (*models.SyncRun, error) {
	ctx, cancel := context.WithTimeout(ctx, db.queryTimeout)
	defer cancel()

	var run models.SyncRun
	if err := db.engine.WithContext(ctx).Where("id = ?", runID).First(&run).Error; err != nil {
		if errors.Is(err, gorm.ErrRecordNotFound) {
			return nil, ErrRunNotFound
		}
		return nil, fmt.Errorf("failed to get sync run: %w", err)
	}
	return &run, nil
}

// ActiveRunForConnection returns the current non-terminal run, or
// ErrRunNotFound when the connection is idle.
func (db *Db) ActiveRunForConnection(ctx context.Context, connID string) (*models.SyncRun, error) {
	ctx, cancel := context.WithTimeout(ctx, db.queryTimeout)
	defer cancel()

	var run models.SyncRun
	err := db.engine.WithContext(ctx).
		Where("connection_id = ? AND status IN ?", connID, nonTerminalStatuses).
		First(&run).Error
	if err != nil {
		if errors.Is(err, gorm.ErrRecordNotFound) {
			return nil, ErrRunNotFound
		}
		return nil, fmt.Errorf("failed to get active run: %w", err)
	}
	return &run, nil
}

// validTransitions encodes the run state machine. Terminal states have no
// outgoing edges.
var validTransitions = map[models.RunStatus][]models.RunStatus{
	models.RunPending:    {models.RunInProgress, models.RunCancelled},
	models.RunInProgress: {models.RunPaused, models.RunCompleted, models.RunFailed, models.RunCancelled},
	models.RunPaused:     {models.RunInProgress, models.RunCancelled},
}

func transitionAllowed(from, to models.RunStatus) bool {
	for _, s := range validTransitions[from] {
		if s == to {
			return true
		}
	}
	return false
}

// TransitionRun moves a run to a new status, enforcing the state machine and
// terminal immutability at the database row, not just in process. The guard in
// the WHERE clause makes concurrent transitions race-safe: only one writer can
// move the row off its current status.
func (db *Db) TransitionRun(ctx context.Context, runID string, to models.RunStatus, lastError string) error {
	ctx, cancel := context.WithTimeout(ctx, db.queryTimeout)
	defer cancel()

	run, err := db.GetRun(ctx, runID)
	if err != nil {
		return err
	}
	if !transitionAllowed(run.Status, to) {
		return fmt.Errorf("%w: %s -> %s", ErrInvalidTransition, run.Status, to)
	}

	now := time.Now().UTC()
	updates := map[string]any{"status": to, "updated_at": now}
	if to == models.RunInProgress && run.StartedAt == nil {
		updates["started_at"] = now
	}
	if to.Terminal() {
		updates["completed_at"] = now
	}
	if lastError != "" {
		updates["last_error"] = lastError
	}

	res := db.engine.WithContext(ctx).Model(&models.SyncRun{}).
		Where("id = ? AND status = ?", runID, run.Status).
		Updates(updates)
	if res.Error != nil {
		return fmt.Errorf("failed to transition run: %w", res.Error)
	}
	if res.RowsAffected == 0 {
		return fmt.Errorf("%w: run %s changed concurrently", ErrInvalidTransition, runID)
	}
	return nil
}

// RunProgress is the mid-run counter snapshot written after every page, so
// progress is observable while the run executes.
type RunProgress struct {
	CurrentEntity     string
	EntitiesCompleted int
	RecordsProcessed  int
	RecordsSucceeded  int
	RecordsFailed     int
	LastError         string
}

// UpdateRunProgress persists progress counters for a non-terminal run.
func (db *Db) UpdateRunProgress(ctx context.Context, runID string, p RunProgress) error {
	ctx, cancel := context.WithTimeout(ctx, db.queryTimeout)
	defer cancel()

	res := db.engine.WithContext(ctx).Model(&models.SyncRun{}).
		Where("id = ? AND status IN ?", runID, nonTerminalStatuses).
		Updates(map[string]any{
			"current_entity":     p.CurrentEntity,
			"entities_completed": p.EntitiesCompleted,
			"records_processed":  p.RecordsProcessed,
			"records_succeeded":  p.RecordsSucceeded,
			"records_failed":     p.RecordsFailed,
			"last_error":         p.LastError,
		})
	if res.Error != nil {
		return fmt.Errorf("failed to update run progress: %w", res.Error)
	}
	if res.RowsAffected == 0 {
		return ErrRunNotFound
	}
	return nil
}

// RecordEntityResult appends the per-entity outcome row for a run.
func (db *Db) RecordEntityResult(ctx context.Context, result *models.SyncRunEntity) error {
	ctx, cancel := context.WithTimeout(ctx, db.queryTimeout)
	defer cancel()

	if result == nil || result.RunID == "" || !result.Entity.Valid() {
		return ErrInvalidInput
	}
	if result.CompletedAt.IsZero() {
		result.CompletedAt = time.Now().UTC()
	}
	if err := db.engine.WithContext(ctx).Create(result).Error; err != nil {
		return fmt.Errorf("failed to record entity result: %w", err)
	}
	return nil
}

// ListRunsInput filters the sync history listing.
type ListRunsInput struct {
	OrganizationID string
	ConnectionID   string
	Status         models.RunStatus
	Entity         models.EntityType
	Limit          int
	Offset         int
}

// ListRuns returns run history, newest first.
func (db *Db) ListRuns(ctx context.Context, input ListRunsInput) ([]models.SyncRun, error) {
	ctx, cancel := context.WithTimeout(ctx, db.queryTimeout)
	defer cancel()

	limit := input.Limit
	if limit <= 0 || limit > 200 {
		limit = 50
	}

	q := db.engine.WithContext(ctx).Model(&models.SyncRun{})
	if input.OrganizationID != "" {
		q = q.Where("organization_id = ?", input.OrganizationID)
	}
	if input.ConnectionID != "" {
		q = q.Where("connection_id = ?", input.ConnectionID)
	}
	if input.Status != "" {
		q = q.Where("status = ?", input.Status)
	}
	if input.Entity != "" {
		q = q.Where("scope IN ?", []string{string(input.Entity), models.ScopeAll})
	}

	var runs []models.SyncRun
	if err := q.Order("created_at DESC").Limit(limit).Offset(input.Offset).Find(&runs).Error; err != nil {
		return nil, fmt.Errorf("failed to list sync runs: %w", err)
	}
	return runs, nil
}

// LastCompletedRunOfType returns the newest completed run of the given type
// for a connection, or ErrRunNotFound. The scheduler uses it to decide when
// the next full sync is due.
func (db *Db) LastCompletedRunOfType(ctx context.Context, connID string, syncType models.SyncType) (*models.SyncRun, error) {
	ctx, cancel := context.WithTimeout(ctx, db.queryTimeout)
	defer cancel()

	var run models.SyncRun
	err := db.engine.WithContext(ctx).
		Where("connection_id = ? AND sync_type = ? AND status = ?",
			connID, syncType, models.RunCompleted).
		Order("created_at DESC").
		First(&run).Error
	if err != nil {
		if errors.Is(err, gorm.ErrRecordNotFound) {
			return nil, ErrRunNotFound
		}
		return nil, fmt.Errorf("failed to get last completed run: %w", err)
	}
	return &run, nil
}

// EntityResults returns recent per-entity outcomes for a connection and
// entity, newest first. The freshness aggregator reads these.
func (db *Db) EntityResults(ctx context.Context, connID string, entity models.EntityType, limit int) ([]models.SyncRunEntity, error) {
	ctx, cancel := context.WithTimeout(ctx, db.queryTimeout)
	defer cancel()

	if limit <= 0 {
		limit = 20
	}
	var results []models.SyncRunEntity
	err := db.engine.WithContext(ctx).
		Where("connection_id = ? AND entity = ?", connID, entity).
		Order("completed_at DESC").
		Limit(limit).
		Find(&results).Error
	if err != nil {
		return nil, fmt.Errorf("failed to list entity results: %w", err)
	}
	return results, nil
}

// UpsertMirrorRecords writes a page of fetched records into the local mirror,
// replacing payloads for records already present.
func (db *Db) UpsertMirrorRecords(ctx context.Context, records []models.MirrorRecord) error {
	if len(records) == 0 {
		return nil
	}

	ctx, cancel := context.WithTimeout(ctx, db.queryTimeout)
	defer cancel()

	err := db.engine.WithContext(ctx).Clauses(clause.OnConflict{
		Columns: []clause.Column{
			{Name: "connection_id"}, {Name: "entity_type"}, {Name: "remote_id"},
		},
		DoUpdates: clause.AssignmentColumns([]string{"payload", "synced_at", "updated_at"}),
	}).Create(&records).Error
	if err != nil {
		return fmt.Errorf("failed to upsert mirror records: %w", err)
	}
	return nil
}

// MirrorRecordCount counts mirrored records for a connection and entity.
func (db *Db) MirrorRecordCount(ctx context.Context, connID string, entity models.EntityType) (int64, error) {
	ctx, cancel := context.WithTimeout(ctx, db.queryTimeout)
	defer cancel()

	var count int64
	err := db.engine.WithContext(ctx).Model(&models.MirrorRecord{}).
		Where("connection_id = ? AND entity_type = ?", connID, entity).
		Count(&count).Error
	if err != nil {
		return 0, fmt.Errorf("failed to count mirror records: %w", err)
	}
	return count, nil
}
