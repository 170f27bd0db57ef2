// Package syncer is the sync job engine: it accepts triggers, serializes runs
// per connection, executes entity page loops with retry and backoff, and
// keeps run progress observable mid-flight.
package syncer

import (
	"context"
	"errors"
	"fmt"
	"time"

	"github.com/go-playground/validator/v10"
	"github.com/google/uuid"
	"go.uber.org/multierr"
	"go.uber.org/zap"

	"github.com/Vantage/vantage-books-sync/internal/database"
	"github.com/Vantage/vantage-books-sync/models"
	"github.com/Vantage/vantage-books-sync/oauth"
	"github.com/Vantage/vantage-books-sync/qbapi"
)

// ErrSyncAlreadyRunning re-exports the store's serialization conflict so
// callers depend on the engine, not the persistence layer.
var ErrSyncAlreadyRunning = database.ErrSyncAlreadyRunning

// ErrRunNotFound re-exports the store's missing-run error.
var ErrRunNotFound = database.ErrRunNotFound

// PageFetcher abstracts the data API client so the engine is testable without
// HTTP. *qbapi.Client satisfies it.
type PageFetcher interface {
	FetchPage(ctx context.Context, ts qbapi.TokenSource, req qbapi.PageRequest) (*qbapi.Page, error)
}

// Enqueuer hands an accepted run to the task queue for asynchronous
// execution.
type Enqueuer interface {
	EnqueueRun(ctx context.Context, runID, orgID, connID string, syncType models.SyncType) error
}

// Engine executes sync runs.
type Engine struct {
	db       *database.Db
	oauth    *oauth.Service
	fetcher  PageFetcher
	enqueuer Enqueuer
	logger   *zap.Logger

	pageSize int
	sleep    Sleeper
	now      func() time.Time
}

// Option configures the Engine.
type Option func(*Engine)

// WithEnqueuer routes accepted runs to a task queue instead of an in-process
// goroutine.
func WithEnqueuer(e Enqueuer) Option {
	return func(eng *Engine) { eng.enqueuer = e }
}

// WithPageSize overrides the API page size.
func WithPageSize(n int) Option {
	return func(eng *Engine) { eng.pageSize = n }
}

// WithSleeper replaces the backoff timer, so tests run without waiting.
func WithSleeper(s Sleeper) Option {
	return func(eng *Engine) { eng.sleep = s }
}

// WithClock replaces the time source.
func WithClock(now func() time.Time) Option {
	return func(eng *Engine) { eng.now = now }
}

// New builds the engine.
func New(db *database.Db, oauthSvc *oauth.Service, fetcher PageFetcher, logger *zap.Logger, opts ...Option) *Engine {
	if logger == nil {
		logger = zap.NewNop()
	}
	eng := &Engine{
		db:       db,
		oauth:    oauthSvc,
		fetcher:  fetcher,
		logger:   logger,
		pageSize: 100,
		sleep:    realSleep,
		now:      time.Now,
	}
	for _, opt := range opts {
		opt(eng)
	}
	return eng
}

// TriggerSyncInput describes a sync request.
type TriggerSyncInput struct {
	OrganizationID string          `validate:"required"`
	ConnectionID   string          `validate:"required"`
	SyncType       models.SyncType `validate:"required"`
	// Scope is "all" or one entity type name. Empty means all.
	Scope       string
	TriggeredBy string
}

func (in *TriggerSyncInput) validate() error {
	var errs error
	if err := validator.New(validator.WithRequiredStructEnabled()).Struct(in); err != nil {
		errs = multierr.Append(errs, err)
	}
	if in.SyncType != "" && !in.SyncType.Valid() {
		errs = multierr.Append(errs, fmt.Errorf("unknown sync type %q", in.SyncType))
	}
	if in.Scope != "" && in.Scope != models.ScopeAll {
		if _, err := models.ParseEntityType(in.Scope); err != nil {
			errs = multierr.Append(errs, err)
		}
	}
	return errs
}

// TriggerSync reserves a run for the connection and hands it off for
// execution. Exactly one of two concurrent triggers for the same connection
// wins; the other receives ErrSyncAlreadyRunning.
func (e *Engine) TriggerSync(ctx context.Context, input *TriggerSyncInput) (string, error) {
	if input == nil {
		return "", database.ErrInvalidInput
	}
	if err := input.validate(); err != nil {
		return "", multierr.Append(database.ErrInvalidInput, err)
	}

	conn, err := e.db.GetActiveConnection(ctx, input.OrganizationID, input.ConnectionID)
	if err != nil {
		if errors.Is(err, database.ErrConnectionNotFound) {
			return "", oauth.ErrNoActiveConnection
		}
		return "", err
	}

	scope := input.Scope
	if scope == "" {
		scope = models.ScopeAll
	}

	cfg, err := e.db.GetSyncConfig(ctx, input.OrganizationID)
	if err != nil {
		return "", err
	}

	run := &models.SyncRun{
		ID:             uuid.New().String(),
		OrganizationID: input.OrganizationID,
		ConnectionID:   conn.ID,
		SyncType:       input.SyncType,
		Scope:          scope,
		TriggeredBy:    input.TriggeredBy,
		EntitiesTotal:  len(e.entitiesForScope(scope, cfg)),
	}
	if err := e.db.ReserveRun(ctx, run); err != nil {
		return "", err
	}

	e.logger.Info("sync run accepted",
		zap.String("run_id", run.ID),
		zap.String("connection_id", conn.ID),
		zap.String("sync_type", string(input.SyncType)),
		zap.String("scope", scope))

	if e.enqueuer != nil {
		if err := e.enqueuer.EnqueueRun(ctx, run.ID, input.OrganizationID, conn.ID, input.SyncType); err != nil {
			// The reservation must not leak: release it so a retrigger works.
			if cancelErr := e.db.TransitionRun(ctx, run.ID, models.RunCancelled, "enqueue failed: "+err.Error()); cancelErr != nil {
				e.logger.Error("failed to release orphaned run", zap.Error(cancelErr))
			}
			return "", fmt.Errorf("failed to enqueue sync run: %w", err)
		}
	} else {
		go func() {
			if err := e.ExecuteRun(context.Background(), run.ID); err != nil {
				e.logger.Error("sync run failed", zap.String("run_id", run.ID), zap.Error(err))
			}
		}()
	}

	return run.ID, nil
}

// ControlSync applies a pause/resume/cancel signal. The running task observes
// the new status at its next page boundary.
func (e *Engine) ControlSync(ctx context.Context, runID string, action models.ControlAction) error {
	if !action.Valid() {
		return fmt.Errorf("%w: unknown control action %q", database.ErrInvalidInput, action)
	}

	run, err := e.db.GetRun(ctx, runID)
	if err != nil {
		return err
	}

	switch action {
	case models.ControlPause:
		if run.Status != models.RunInProgress {
			return fmt.Errorf("%w: cannot pause a %s run", database.ErrInvalidTransition, run.Status)
		}
		return e.db.TransitionRun(ctx, runID, models.RunPaused, "")
	case models.ControlResume:
		if run.Status != models.RunPaused {
			return fmt.Errorf("%w: cannot resume a %s run", database.ErrInvalidTransition, run.Status)
		}
		return e.db.TransitionRun(ctx, runID, models.RunInProgress, "")
	case models.ControlCancel:
		if run.Status.Terminal() {
			return fmt.Errorf("%w: run already %s", database.ErrInvalidTransition, run.Status)
		}
		return e.db.TransitionRun(ctx, runID, models.RunCancelled, "")
	}
	return nil
}

// entitiesForScope resolves the entity list for a run.
func (e *Engine) entitiesForScope(scope string, cfg *models.SyncConfig) []models.EntityType {
	if scope != models.ScopeAll {
		if et, err := models.ParseEntityType(scope); err == nil {
			return []models.EntityType{et}
		}
		return nil
	}
	return cfg.Entities()
}

// entityOutcome accumulates one entity's numbers within a run.
type entityOutcome struct {
	processed int
	succeeded int
	failed    int
	err       error
	// stopped marks a mid-entity interruption (cancel or store failure):
	// the entity neither succeeded nor failed, so no result row is owed.
	stopped bool
}

// ExecuteRun drives one reserved run to a terminal state. Errors during
// execution are captured into the run record; only infrastructure failures
// (store unreachable) are returned.
func (e *Engine) ExecuteRun(ctx context.Context, runID string) error {
	run, err := e.db.GetRun(ctx, runID)
	if err != nil {
		return err
	}
	if run.Status.Terminal() {
		// Cancelled before it started.
		return nil
	}
	if run.Status == models.RunPending {
		if err := e.db.TransitionRun(ctx, runID, models.RunInProgress, ""); err != nil {
			return err
		}
	}

	conn, err := e.db.GetConnection(ctx, run.OrganizationID, run.ConnectionID)
	if err != nil {
		return e.failRun(ctx, runID, fmt.Sprintf("connection lookup failed: %v", err))
	}
	cfg, err := e.db.GetSyncConfig(ctx, run.OrganizationID)
	if err != nil {
		return e.failRun(ctx, runID, fmt.Sprintf("sync config lookup failed: %v", err))
	}

	policy := BackoffPolicy{
		MaxRetries: cfg.MaxRetries,
		BaseDelay:  cfg.RetryDelay,
		MaxDelay:   DefaultBackoff.MaxDelay,
	}

	// Full syncs ignore the watermark; everything else pulls changes since
	// the connection's last fully successful sync.
	var since time.Time
	if run.SyncType != models.SyncFull && conn.LastSyncedAt != nil {
		since = *conn.LastSyncedAt
	}

	entities := e.entitiesForScope(run.Scope, cfg)
	runStart := e.now().UTC()
	ts := &connTokenSource{oauth: e.oauth, orgID: run.OrganizationID, connID: conn.ID}

	progress := database.RunProgress{}
	allSucceeded := true
	anyProgress := false
	var lastFailure string

	for i, entity := range entities {
		proceed, stopped := e.awaitRunnable(ctx, runID)
		if !proceed {
			return stopped
		}

		progress.CurrentEntity = string(entity)
		_ = e.db.UpdateRunProgress(ctx, runID, progress)

		outcome := e.syncEntity(ctx, runID, conn, entity, since, cfg, policy, ts, &progress)

		if outcome.stopped {
			// A partial pull must not read as a completed entity sync, so no
			// result row is recorded; freshness would otherwise take it for a
			// full success.
			return outcome.err
		}

		progress.EntitiesCompleted = i + 1
		progress.RecordsProcessed += outcome.processed
		progress.RecordsSucceeded += outcome.succeeded
		progress.RecordsFailed += outcome.failed
		if outcome.err != nil {
			allSucceeded = false
			lastFailure = outcome.err.Error()
			progress.LastError = lastFailure
		}
		if outcome.succeeded > 0 {
			anyProgress = true
		}
		_ = e.db.UpdateRunProgress(ctx, runID, progress)

		_ = e.db.RecordEntityResult(ctx, &models.SyncRunEntity{
			RunID:            runID,
			ConnectionID:     conn.ID,
			Entity:           entity,
			Succeeded:        outcome.err == nil,
			RecordsProcessed: outcome.processed,
			RecordsFailed:    outcome.failed,
			Error:            errString(outcome.err),
			CompletedAt:      e.now().UTC(),
		})
	}

	// A cancel may have landed during the final entity.
	if current, err := e.db.GetRun(ctx, runID); err == nil && current.Status.Terminal() {
		return nil
	}

	if !anyProgress && !allSucceeded {
		return e.db.TransitionRun(ctx, runID, models.RunFailed, lastFailure)
	}

	if allSucceeded {
		// Watermark advances only past a fully successful run; a partial
		// failure leaves it put so the next incremental re-covers the gap.
		if err := e.db.AdvanceWatermark(ctx, conn.ID, runStart); err != nil {
			e.logger.Error("failed to advance watermark",
				zap.String("connection_id", conn.ID), zap.Error(err))
		}
	}

	return e.db.TransitionRun(ctx, runID, models.RunCompleted, lastFailure)
}

// syncEntity pulls every page for one entity. Transient failures are retried
// per policy; a permanent failure or retry exhaustion fails the entity
// without aborting the rest of the run.
func (e *Engine) syncEntity(
	ctx context.Context,
	runID string,
	conn *models.Connection,
	entity models.EntityType,
	since time.Time,
	cfg *models.SyncConfig,
	policy BackoffPolicy,
	ts qbapi.TokenSource,
	progress *database.RunProgress,
) entityOutcome {
	var out entityOutcome
	startPos := 1

	for {
		proceed, stopErr := e.awaitRunnable(ctx, runID)
		if !proceed {
			out.stopped = true
			out.err = stopErr
			return out
		}

		page, err := e.fetchWithRetry(ctx, ts, qbapi.PageRequest{
			RealmID:  conn.RealmID,
			Entity:   entity,
			StartPos: startPos,
			PageSize: e.pageSize,
			Since:    since,
		}, policy)
		if err != nil {
			out.err = fmt.Errorf("%s: %w", entity, err)
			// At least one failure marker per failed entity; the exact record
			// count behind a failed page is unknowable.
			out.failed++
			return out
		}

		records := make([]models.MirrorRecord, 0, len(page.Records))
		syncedAt := e.now().UTC()
		for _, rec := range page.Records {
			records = append(records, models.MirrorRecord{
				ConnectionID: conn.ID,
				EntityType:   entity,
				RemoteID:     rec.RemoteID,
				Payload:      string(rec.Payload),
				SyncedAt:     syncedAt,
			})
		}
		out.processed += len(page.Records)

		if err := e.db.UpsertMirrorRecords(ctx, records); err != nil {
			out.err = fmt.Errorf("%s: mirror write failed: %w", entity, err)
			out.failed += len(records)
			return out
		}
		out.succeeded += len(records)

		// Progress is observable after every page, not only at completion.
		snapshot := *progress
		snapshot.RecordsProcessed += out.processed
		snapshot.RecordsSucceeded += out.succeeded
		snapshot.RecordsFailed += out.failed
		_ = e.db.UpdateRunProgress(ctx, runID, snapshot)

		if !page.HasMore {
			return out
		}
		if cfg.MaxRecords > 0 && out.processed >= cfg.MaxRecords {
			e.logger.Info("max records per sync reached",
				zap.String("run_id", runID),
				zap.String("entity", string(entity)),
				zap.Int("records", out.processed))
			return out
		}
		startPos += e.pageSize
	}
}

// fetchWithRetry retries transient page failures with exponential backoff,
// honoring any upstream Retry-After hint. Permanent failures return at once.
func (e *Engine) fetchWithRetry(ctx context.Context, ts qbapi.TokenSource, req qbapi.PageRequest, policy BackoffPolicy) (*qbapi.Page, error) {
	var lastErr error
	for attempt := 0; attempt <= policy.MaxRetries; attempt++ {
		page, err := e.fetcher.FetchPage(ctx, ts, req)
		if err == nil {
			return page, nil
		}
		lastErr = err

		if !qbapi.IsTransient(err) {
			return nil, err
		}
		if attempt == policy.MaxRetries {
			break
		}
		if sleepErr := e.sleep(ctx, policy.Delay(attempt, qbapi.RetryAfterHint(err))); sleepErr != nil {
			return nil, sleepErr
		}
	}
	return nil, fmt.Errorf("retries exhausted: %w", lastErr)
}

// awaitRunnable checks the control state at a page boundary. It blocks while
// the run is paused and reports proceed=false once the run reaches a terminal
// state or the context dies.
func (e *Engine) awaitRunnable(ctx context.Context, runID string) (proceed bool, err error) {
	for {
		run, getErr := e.db.GetRun(ctx, runID)
		if getErr != nil {
			return false, getErr
		}
		switch run.Status {
		case models.RunInProgress:
			return true, nil
		case models.RunPaused:
			if sleepErr := e.sleep(ctx, time.Second); sleepErr != nil {
				return false, sleepErr
			}
		default:
			// Terminal: cancelled out from under the task.
			return false, nil
		}
	}
}

func (e *Engine) failRun(ctx context.Context, runID, msg string) error {
	if err := e.db.TransitionRun(ctx, runID, models.RunFailed, msg); err != nil {
		return err
	}
	return nil
}

func errString(err error) string {
	if err == nil {
		return ""
	}
	return err.Error()
}

// connTokenSource binds the OAuth service to one connection for the data API
// client.
type connTokenSource struct {
	oauth  *oauth.Service
	orgID  string
	connID string
}

func (t *connTokenSource) Token(ctx context.Context) (*models.TokenSet, error) {
	return t.oauth.EnsureFreshToken(ctx, t.orgID, t.connID)
}

func (t *connTokenSource) Refresh(ctx context.Context) (*models.TokenSet, error) {
	return t.oauth.RefreshTokens(ctx, t.orgID, t.connID)
}
