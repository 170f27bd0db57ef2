package syncer

import (
	"context"
	"errors"
	"time"

	"go.uber.org/zap"

	"github.com/Vantage/vantage-books-sync/internal/database"
	"github.com/Vantage/vantage-books-sync/models"
)

// Scheduler triggers periodic incremental syncs and less frequent full syncs
// for every active connection, per each organization's sync configuration.
// Serialization is delegated to the engine: a due connection that is already
// syncing just reports ErrSyncAlreadyRunning and is skipped.
type Scheduler struct {
	db     *database.Db
	engine *Engine
	logger *zap.Logger

	interval time.Duration
	now      func() time.Time
}

// NewScheduler builds the background scheduler. tick is how often due
// connections are evaluated.
func NewScheduler(db *database.Db, engine *Engine, logger *zap.Logger, tick time.Duration) *Scheduler {
	if logger == nil {
		logger = zap.NewNop()
	}
	if tick <= 0 {
		tick = time.Minute
	}
	return &Scheduler{
		db:       db,
		engine:   engine,
		logger:   logger,
		interval: tick,
		now:      time.Now,
	}
}

// Run evaluates due connections until the context is cancelled.
func (s *Scheduler) Run(ctx context.Context) error {
	ticker := time.NewTicker(s.interval)
	defer ticker.Stop()

	for {
		select {
		case <-ctx.Done():
			return ctx.Err()
		case <-ticker.C:
			s.tick(ctx)
		}
	}
}

func (s *Scheduler) tick(ctx context.Context) {
	conns, err := s.db.ActiveConnections(ctx)
	if err != nil {
		s.logger.Error("scheduler: failed to list connections", zap.Error(err))
		return
	}

	for i := range conns {
		conn := &conns[i]
		cfg, err := s.db.GetSyncConfig(ctx, conn.OrganizationID)
		if err != nil {
			s.logger.Error("scheduler: failed to load sync config",
				zap.String("organization_id", conn.OrganizationID), zap.Error(err))
			continue
		}

		syncType, due := s.dueSyncType(ctx, conn, cfg)
		if !due {
			continue
		}

		_, err = s.engine.TriggerSync(ctx, &TriggerSyncInput{
			OrganizationID: conn.OrganizationID,
			ConnectionID:   conn.ID,
			SyncType:       syncType,
			Scope:          models.ScopeAll,
			TriggeredBy:    "scheduler",
		})
		if err != nil {
			if errors.Is(err, ErrSyncAlreadyRunning) {
				continue
			}
			s.logger.Warn("scheduler: trigger failed",
				zap.String("connection_id", conn.ID), zap.Error(err))
		}
	}
}

// dueSyncType decides whether a connection needs a sync now, and which kind.
// A full sync is due when none has completed within FullSyncEvery; otherwise
// an incremental is due once the watermark is older than SyncInterval.
func (s *Scheduler) dueSyncType(ctx context.Context, conn *models.Connection, cfg *models.SyncConfig) (models.SyncType, bool) {
	now := s.now()

	lastFull, err := s.db.LastCompletedRunOfType(ctx, conn.ID, models.SyncFull)
	switch {
	case errors.Is(err, database.ErrRunNotFound):
		return models.SyncFull, true
	case err != nil:
		s.logger.Error("scheduler: failed to check full sync history",
			zap.String("connection_id", conn.ID), zap.Error(err))
		return "", false
	case lastFull.CompletedAt != nil && now.Sub(*lastFull.CompletedAt) >= cfg.FullSyncEvery:
		return models.SyncFull, true
	}

	if conn.LastSyncedAt == nil || now.Sub(*conn.LastSyncedAt) >= cfg.SyncInterval {
		return models.SyncIncremental, true
	}
	return "", false
}
