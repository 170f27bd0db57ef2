package tasks

import (
	"context"
	"encoding/json"
	"errors"
	"testing"
	"time"

	"github.com/hibiken/asynq"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

type fakeExecutor struct {
	runIDs []string
	err    error
}

func (f *fakeExecutor) ExecuteRun(_ context.Context, runID string) error {
	f.runIDs = append(f.runIDs, runID)
	return f.err
}

func syncRunTask(t *testing.T, payload SyncRunPayload) *asynq.Task {
	t.Helper()
	body, err := json.Marshal(payload)
	require.NoError(t, err)
	return asynq.NewTask(TypeSyncRun, body)
}

func TestProcessTask(t *testing.T) {
	ctx := context.Background()

	t.Run("dispatches sync run to the executor", func(t *testing.T) {
		executor := &fakeExecutor{}
		h := NewHandler(executor)

		task := syncRunTask(t, SyncRunPayload{
			RunID:          "run-1",
			OrganizationID: "org-1",
			ConnectionID:   "conn-1",
			SyncType:       "full",
		})
		require.NoError(t, h.ProcessTask(ctx, task))

		assert.Equal(t, []string{"run-1"}, executor.runIDs)
	})

	t.Run("executor failure propagates for retry", func(t *testing.T) {
		executor := &fakeExecutor{err: errors.New("store unavailable")}
		h := NewHandler(executor)

		task := syncRunTask(t, SyncRunPayload{RunID: "run-1"})
		err := h.ProcessTask(ctx, task)
		assert.ErrorContains(t, err, "store unavailable")
	})

	t.Run("malformed payload", func(t *testing.T) {
		executor := &fakeExecutor{}
		h := NewHandler(executor)

		err := h.ProcessTask(ctx, asynq.NewTask(TypeSyncRun, []byte("{not json")))
		assert.ErrorContains(t, err, "failed to unmarshal sync run payload")
		assert.Empty(t, executor.runIDs)
	})

	t.Run("payload without a run id", func(t *testing.T) {
		executor := &fakeExecutor{}
		h := NewHandler(executor)

		task := syncRunTask(t, SyncRunPayload{OrganizationID: "org-1"})
		err := h.ProcessTask(ctx, task)
		assert.ErrorContains(t, err, "missing run id")
		assert.Empty(t, executor.runIDs)
	})

	t.Run("health check is a no-op", func(t *testing.T) {
		executor := &fakeExecutor{}
		h := NewHandler(executor)

		require.NoError(t, h.ProcessTask(ctx, asynq.NewTask(TypeHealthCheck, nil)))
		assert.Empty(t, executor.runIDs)
	})

	t.Run("unknown task type", func(t *testing.T) {
		h := NewHandler(&fakeExecutor{})

		err := h.ProcessTask(ctx, asynq.NewTask("email:send", nil))
		assert.ErrorContains(t, err, "unknown task type")
	})
}

func TestHandlerOptions(t *testing.T) {
	t.Run("task timeout override", func(t *testing.T) {
		h := NewHandler(&fakeExecutor{}, WithTaskTimeout(time.Minute))
		assert.Equal(t, time.Minute, h.taskTimeout)
	})

	t.Run("defaults", func(t *testing.T) {
		h := NewHandler(&fakeExecutor{})
		assert.Equal(t, 30*time.Minute, h.taskTimeout)
		assert.NotNil(t, h.logger)
	})
}
