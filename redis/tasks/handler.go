// Package tasks provides the asynq task types and handlers for sync runs.
package tasks

import (
	"context"
	"encoding/json"
	"fmt"
	"time"

	"github.com/hibiken/asynq"
	"go.uber.org/zap"
)

// RunExecutor drives a reserved sync run to a terminal state. The syncer
// engine satisfies it.
type RunExecutor interface {
	ExecuteRun(ctx context.Context, runID string) error
}

// Handler dispatches asynq tasks.
type Handler struct {
	executor    RunExecutor
	logger      *zap.Logger
	taskTimeout time.Duration
}

// HandlerOption configures a Handler.
type HandlerOption func(*Handler)

// WithTaskTimeout caps how long one sync run may execute.
func WithTaskTimeout(timeout time.Duration) HandlerOption {
	return func(h *Handler) {
		h.taskTimeout = timeout
	}
}

// WithLogger sets the handler logger.
func WithLogger(logger *zap.Logger) HandlerOption {
	return func(h *Handler) {
		h.logger = logger
	}
}

// NewHandler creates a task handler with the provided options.
func NewHandler(executor RunExecutor, opts ...HandlerOption) *Handler {
	h := &Handler{
		executor:    executor,
		logger:      zap.NewNop(),
		taskTimeout: 30 * time.Minute,
	}
	for _, opt := range opts {
		opt(h)
	}
	return h
}

// ProcessTask processes a task based on its type.
func (h *Handler) ProcessTask(ctx context.Context, task *asynq.Task) error {
	ctx, cancel := context.WithTimeout(ctx, h.taskTimeout)
	defer cancel()

	switch task.Type() {
	case TypeSyncRun:
		return h.processSyncRun(ctx, task)
	case TypeHealthCheck:
		return nil
	default:
		return fmt.Errorf("unknown task type: %s", task.Type())
	}
}

func (h *Handler) processSyncRun(ctx context.Context, task *asynq.Task) error {
	var payload SyncRunPayload
	if err := json.Unmarshal(task.Payload(), &payload); err != nil {
		return fmt.Errorf("failed to unmarshal sync run payload: %w", err)
	}
	if payload.RunID == "" {
		return fmt.Errorf("sync run payload missing run id")
	}

	h.logger.Info("executing sync run",
		zap.String("run_id", payload.RunID),
		zap.String("connection_id", payload.ConnectionID),
		zap.String("sync_type", payload.SyncType))

	if err := h.executor.ExecuteRun(ctx, payload.RunID); err != nil {
		h.logger.Error("sync run execution failed",
			zap.String("run_id", payload.RunID), zap.Error(err))
		return err
	}
	return nil
}

// Mux returns an asynq mux routing all task types through the handler.
func (h *Handler) Mux() *asynq.ServeMux {
	mux := asynq.NewServeMux()
	mux.Handle(TypeSyncRun, h)
	mux.Handle(TypeHealthCheck, h)
	return mux
}
