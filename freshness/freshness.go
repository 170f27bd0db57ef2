// Package freshness derives per-entity staleness and an overall health grade
// from sync run history. It performs no writes and caches nothing: every call
// recomputes from the store, so the report itself can never go stale.
package freshness

import (
	"context"
	"fmt"
	"time"

	"go.uber.org/zap"

	"github.com/Vantage/vantage-books-sync/internal/database"
	"github.com/Vantage/vantage-books-sync/models"
)

// resultWindow is how many recent per-entity outcomes feed the success rate.
const resultWindow = 20

// excellentRate is the aggregate success rate separating excellent from good
// when nothing is stale.
const excellentRate = 0.95

// Aggregator computes freshness reports.
type Aggregator struct {
	db     *database.Db
	logger *zap.Logger

	// thresholds overrides the per-entity defaults when set.
	thresholds map[models.EntityType]time.Duration
	now        func() time.Time
}

// Option configures the Aggregator.
type Option func(*Aggregator)

// WithThreshold overrides the staleness threshold for one entity type.
func WithThreshold(entity models.EntityType, d time.Duration) Option {
	return func(a *Aggregator) { a.thresholds[entity] = d }
}

// WithClock replaces the time source.
func WithClock(now func() time.Time) Option {
	return func(a *Aggregator) { a.now = now }
}

// New builds the aggregator.
func New(db *database.Db, logger *zap.Logger, opts ...Option) *Aggregator {
	if logger == nil {
		logger = zap.NewNop()
	}
	a := &Aggregator{
		db:         db,
		logger:     logger,
		thresholds: make(map[models.EntityType]time.Duration),
		now:        time.Now,
	}
	for _, opt := range opts {
		opt(a)
	}
	return a
}

func (a *Aggregator) threshold(entity models.EntityType) time.Duration {
	if d, ok := a.thresholds[entity]; ok {
		return d
	}
	return entity.StaleThreshold()
}

// GetFreshness builds the dashboard report for one connection: per-entity
// staleness plus an overall grade and a recommended action. An empty connID
// resolves to the organization's default connection.
func (a *Aggregator) GetFreshness(ctx context.Context, orgID, connID string) (*models.FreshnessReport, error) {
	conn, err := a.db.GetActiveConnection(ctx, orgID, connID)
	if err != nil {
		return nil, err
	}

	cfg, err := a.db.GetSyncConfig(ctx, orgID)
	if err != nil {
		return nil, err
	}

	now := a.now().UTC()
	report := &models.FreshnessReport{
		ConnectionID: conn.ID,
		GeneratedAt:  now,
	}

	var (
		worstOver   float64 // staleness as a multiple of the threshold
		worstEntity models.EntityType
		rateSum     float64
		rateCount   int
		neverSynced models.EntityType
		hasUnsynced bool
	)

	for _, entity := range cfg.Entities() {
		ef, err := a.entityFreshness(ctx, conn.ID, entity, now)
		if err != nil {
			return nil, err
		}
		report.Entities = append(report.Entities, ef)

		if ef.LastSyncAt == nil {
			hasUnsynced = true
			if neverSynced == "" {
				neverSynced = entity
			}
			continue
		}

		rateSum += ef.SuccessRate
		rateCount++

		if ef.IsStale {
			over := float64(now.Sub(*ef.LastSyncAt)) / float64(a.threshold(entity))
			if over > worstOver {
				worstOver = over
				worstEntity = entity
			}
		}
	}

	avgRate := 1.0
	if rateCount > 0 {
		avgRate = rateSum / float64(rateCount)
	}

	switch {
	case worstOver >= 2:
		report.Health = models.HealthPoor
	case worstOver > 0 || hasUnsynced:
		report.Health = models.HealthWarning
	case avgRate >= excellentRate:
		report.Health = models.HealthExcellent
	default:
		report.Health = models.HealthGood
	}

	switch {
	case worstEntity != "":
		report.RecommendedAction = fmt.Sprintf("run incremental sync on %s", worstEntity)
	case hasUnsynced:
		report.RecommendedAction = fmt.Sprintf("run full sync to populate %s", neverSynced)
	case report.Health == models.HealthGood:
		report.RecommendedAction = "review recent sync failures"
	}

	return report, nil
}

// entityFreshness computes the derived view for one entity.
func (a *Aggregator) entityFreshness(ctx context.Context, connID string, entity models.EntityType, now time.Time) (models.EntityFreshness, error) {
	ef := models.EntityFreshness{Entity: entity, SuccessRate: 1}

	results, err := a.db.EntityResults(ctx, connID, entity, resultWindow)
	if err != nil {
		return ef, err
	}

	var successes int
	for i := range results {
		r := &results[i]
		if r.Succeeded {
			successes++
			if ef.LastSyncAt == nil {
				t := r.CompletedAt
				ef.LastSyncAt = &t
			}
		}
	}
	if len(results) > 0 {
		ef.SuccessRate = float64(successes) / float64(len(results))
	}

	count, err := a.db.MirrorRecordCount(ctx, connID, entity)
	if err != nil {
		return ef, err
	}
	ef.RecordCount = count

	if ef.LastSyncAt != nil {
		age := now.Sub(*ef.LastSyncAt)
		if threshold := a.threshold(entity); age > threshold {
			ef.IsStale = true
			// Whole days beyond the threshold, not raw age.
			ef.StaleDays = int((age - threshold).Hours() / 24)
		}
	}

	return ef, nil
}
