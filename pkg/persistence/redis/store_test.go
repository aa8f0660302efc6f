package redis

import (
	"context"
	"encoding/json"
	"testing"
	"time"

	"github.com/alicebob/miniredis/v2"
	goredis "github.com/redis/go-redis/v9"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/hitrack/hitrack-scanner/pkg/etc"
	"github.com/hitrack/hitrack-scanner/pkg/model"
)

func TestTaskMirror(t *testing.T) {
	server := miniredis.RunT(t)
	rdb := goredis.NewClient(&goredis.Options{Addr: server.Addr()})
	defer rdb.Close()

	ctx := context.Background()
	mirror := NewTaskMirror(etc.JobQueue{Namespace: "test", ResultTTL: time.Hour}, rdb)

	t.Run("Should return nil for unknown tasks", func(t *testing.T) {
		state, err := mirror.Get(ctx, "missing")
		require.NoError(t, err)
		assert.Nil(t, state)
		assert.NoError(t, mirror.UpdateStatus(ctx, "missing", model.TaskError))
	})

	t.Run("Should save and update task state with a TTL", func(t *testing.T) {
		err := mirror.Save(ctx, TaskState{TaskRecord: model.TaskRecord{
			ID:     "t1",
			Type:   "generate_sbom",
			Status: model.TaskQueued,
		}})
		require.NoError(t, err)
		assert.Equal(t, time.Hour, server.TTL("test:task:t1"))

		require.NoError(t, mirror.UpdateStatus(ctx, "t1", model.TaskError, "boom"))

		state, err := mirror.Get(ctx, "t1")
		require.NoError(t, err)
		require.NotNil(t, state)
		assert.Equal(t, model.TaskError, state.Status)
		assert.Equal(t, "boom", state.Message)
		assert.Equal(t, "generate_sbom", state.Type)
	})

	t.Run("Should keep the raw handler result", func(t *testing.T) {
		err := mirror.Save(ctx, TaskState{
			TaskRecord: model.TaskRecord{ID: "t2", Status: model.TaskSuccess},
			Result:     json.RawMessage(`{"status":"success"}`),
		})
		require.NoError(t, err)

		state, err := mirror.Get(ctx, "t2")
		require.NoError(t, err)
		assert.JSONEq(t, `{"status":"success"}`, string(state.Result))
	})

	t.Run("Should expire task state", func(t *testing.T) {
		server.FastForward(2 * time.Hour)
		state, err := mirror.Get(ctx, "t1")
		require.NoError(t, err)
		assert.Nil(t, state)
	})
}
