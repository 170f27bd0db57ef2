// Package redis wraps the asynq client and server used by the sync engine.
package redis

import (
	"context"
	"encoding/json"
	"fmt"
	"sync"
	"time"

	"github.com/hibiken/asynq"

	"github.com/Vantage/vantage-books-sync/models"
	"github.com/Vantage/vantage-books-sync/redis/config"
	"github.com/Vantage/vantage-books-sync/redis/tasks"
)

// Client wraps asynq client functionality and implements the engine's
// Enqueuer contract.
type Client struct {
	client *asynq.Client
	cfg    *config.RedisConfig
	mu     sync.RWMutex
}

// NewClient creates the task queue client and verifies connectivity.
func NewClient(cfg *config.RedisConfig) (*Client, error) {
	redisOpt := asynq.RedisClientOpt{
		Addr:     cfg.GetRedisAddr(),
		Password: cfg.Password,
		DB:       cfg.DB,
	}

	client := asynq.NewClient(redisOpt)
	if err := testConnection(client); err != nil {
		return nil, fmt.Errorf("failed to connect to Redis: %w", err)
	}

	return &Client{client: client, cfg: cfg}, nil
}

// EnqueueRun queues a reserved sync run for a worker. Webhook runs land on
// the higher-priority queue; the task is unique per connection so a crashed
// worker's retry does not stack duplicates.
func (c *Client) EnqueueRun(ctx context.Context, runID, orgID, connID string, syncType models.SyncType) error {
	c.mu.RLock()
	defer c.mu.RUnlock()

	payload, err := json.Marshal(tasks.SyncRunPayload{
		RunID:          runID,
		OrganizationID: orgID,
		ConnectionID:   connID,
		SyncType:       string(syncType),
	})
	if err != nil {
		return fmt.Errorf("failed to marshal sync run payload: %w", err)
	}

	queue := tasks.QueueDefault
	if syncType == models.SyncWebhook {
		queue = tasks.QueueWebhook
	}

	task := asynq.NewTask(tasks.TypeSyncRun, payload)
	_, err = c.client.EnqueueContext(ctx, task,
		asynq.Queue(queue),
		asynq.MaxRetry(c.cfg.MaxRetries),
		asynq.Unique(time.Hour),
		asynq.Retention(c.cfg.RetentionPeriod),
	)
	if err != nil {
		return fmt.Errorf("failed to enqueue sync run: %w", err)
	}
	return nil
}

// Close closes the underlying asynq client.
func (c *Client) Close() error {
	c.mu.Lock()
	defer c.mu.Unlock()

	if err := c.client.Close(); err != nil {
		return fmt.Errorf("failed to close Redis client: %w", err)
	}
	return nil
}

// testConnection enqueues a throwaway health task to verify connectivity.
func testConnection(client *asynq.Client) error {
	task := asynq.NewTask(tasks.TypeHealthCheck, nil)
	if _, err := client.EnqueueContext(context.Background(), task); err != nil {
		return fmt.Errorf("failed to connect to Redis: %w", err)
	}
	return nil
}
