// Package database is the persistence layer for connections, sync runs and
// the mirrored QuickBooks records. It is backed by gorm; production runs on
// Postgres and tests use an in-memory sqlite database.
package database

import (
	"errors"
	"time"

	"go.uber.org/zap"
	"gorm.io/gorm"

	"github.com/Vantage/vantage-books-sync/models"
)

var (
	// ErrInvalidInput is returned when an input struct fails validation.
	ErrInvalidInput = errors.New("invalid input")

	// ErrConnectionNotFound is returned when no matching connection exists.
	ErrConnectionNotFound = errors.New("connection not found")

	// ErrRunNotFound is returned when no matching sync run exists.
	ErrRunNotFound = errors.New("sync run not found")

	// ErrSyncAlreadyRunning is the per-connection serialization conflict: a
	// non-terminal run already exists for the connection.
	ErrSyncAlreadyRunning = errors.New("a sync is already running for this connection")

	// ErrInvalidTransition is returned for a run status change the state
	// machine does not allow, including any mutation of a terminal run.
	ErrInvalidTransition = errors.New("invalid run status transition")
)

const defaultQueryTimeout = 10 * time.Second

// Db wraps the gorm engine with logging and a per-operation query timeout.
type Db struct {
	engine       *gorm.DB
	logger       *zap.Logger
	queryTimeout time.Duration
}

// Option configures a Db.
type Option func(*Db)

// WithQueryTimeout overrides the default per-operation timeout.
func WithQueryTimeout(d time.Duration) Option {
	return func(db *Db) {
		db.queryTimeout = d
	}
}

// New migrates the schema and returns the database handle.
func New(engine *gorm.DB, logger *zap.Logger, opts ...Option) (*Db, error) {
	if engine == nil {
		return nil, errors.New("nil gorm engine")
	}
	if logger == nil {
		logger = zap.NewNop()
	}

	db := &Db{
		engine:       engine,
		logger:       logger,
		queryTimeout: defaultQueryTimeout,
	}
	for _, opt := range opts {
		opt(db)
	}

	if err := engine.AutoMigrate(
		&models.Connection{},
		&models.SyncRun{},
		&models.SyncRunEntity{},
		&models.MirrorRecord{},
		&models.SyncConfig{},
	); err != nil {
		return nil, err
	}

	// At most one live run per connection. The reservation's NOT EXISTS guard
	// is not atomic across concurrent transactions on Postgres, so the partial
	// index is what holds the invariant; both backends support it.
	if err := engine.Exec(
		`CREATE UNIQUE INDEX IF NOT EXISTS idx_sync_runs_live_connection
		 ON sync_runs (connection_id)
		 WHERE status IN ('pending', 'in_progress', 'paused')`,
	).Error; err != nil {
		return nil, err
	}

	return db, nil
}

// GetQueryTimeout returns the per-operation timeout.
func (db *Db) GetQueryTimeout() time.Duration {
	return db.queryTimeout
}
