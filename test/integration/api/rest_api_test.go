//go:build integration

package api

import (
	"context"
	"encoding/json"
	"io"
	"net/http"
	"net/http/httptest"
	"testing"
	"time"

	"github.com/alicebob/miniredis/v2"
	goredis "github.com/redis/go-redis/v9"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/hitrack/hitrack-scanner/pkg/etc"
	"github.com/hitrack/hitrack-scanner/pkg/ext"
	v1 "github.com/hitrack/hitrack-scanner/pkg/http/api/v1"
	"github.com/hitrack/hitrack-scanner/pkg/model"
	redisstore "github.com/hitrack/hitrack-scanner/pkg/persistence/redis"
	"github.com/hitrack/hitrack-scanner/pkg/persistence/relational"
	"github.com/hitrack/hitrack-scanner/pkg/pipeline"
	"github.com/hitrack/hitrack-scanner/pkg/queue"
)

// TestRestAPI is an integration test for the operational API backed by a
// running worker. Tests only happy paths. All branches are covered in the
// corresponding unit tests.
func TestRestAPI(t *testing.T) {
	if testing.Short() {
		t.Skip("An integration test")
	}

	ctx, cancel := context.WithCancel(context.Background())
	defer cancel()

	jobQueue := etc.JobQueue{
		Namespace:         "test:job-queue",
		WorkerConcurrency: 1,
		PollTimeout:       100 * time.Millisecond,
		LockTTL:           time.Minute,
		ResultTTL:         time.Hour,
	}

	db, err := relational.Open(etc.Database{Dialect: "sqlite", DSN: ":memory:", AutoMigrate: true})
	require.NoError(t, err)
	store := relational.NewStore(db)

	rdb := goredis.NewClient(&goredis.Options{Addr: miniredis.RunT(t).Addr()})
	mirror := redisstore.NewTaskMirror(jobQueue, rdb)
	enqueuer := queue.NewEnqueuer(jobQueue, rdb, store, mirror, ext.DefaultClock)

	p := pipeline.New(etc.Config{JobQueue: jobQueue}, pipeline.Dependencies{
		Store:    store,
		Enqueuer: enqueuer,
	})

	worker := queue.NewWorker(jobQueue, rdb, store, mirror, enqueuer, p, ext.DefaultClock)
	worker.Start(ctx)
	defer worker.Stop()

	ts := httptest.NewServer(v1.NewAPIHandler(etc.BuildInfo{Version: "1.0", Commit: "abc", Date: "2024-06-01T12:00"},
		enqueuer, p, map[string]v1.Check{
			"redis": func(ctx context.Context) error { return rdb.Ping(ctx).Err() },
		}))
	defer ts.Close()

	t.Run("POST /api/v1/tasks/{task_type} then GET /api/v1/tasks/{task_id}", func(t *testing.T) {
		rs, err := ts.Client().Post(ts.URL+"/api/v1/tasks/cleanup_orphans?dry_run=true", "", nil)
		require.NoError(t, err)
		require.Equal(t, http.StatusAccepted, rs.StatusCode)

		var task queue.Task
		require.NoError(t, json.NewDecoder(rs.Body).Decode(&task))
		_ = rs.Body.Close()
		require.NotEmpty(t, task.ID)

		var state redisstore.TaskState
		require.Eventually(t, func() bool {
			rs, err := ts.Client().Get(ts.URL + "/api/v1/tasks/" + task.ID)
			if err != nil || rs.StatusCode != http.StatusOK {
				return false
			}
			defer rs.Body.Close()
			if json.NewDecoder(rs.Body).Decode(&state) != nil {
				return false
			}
			return state.Status.IsTerminal()
		}, 10*time.Second, 100*time.Millisecond)

		assert.Equal(t, model.TaskSuccess, state.Status)
		assert.Equal(t, "would delete 0 orphan vulnerabilities", state.Message)
	})

	t.Run("POST /api/v1/images/{image_id}/scan for an unknown image", func(t *testing.T) {
		rs, err := ts.Client().Post(ts.URL+"/api/v1/images/00000000-0000-0000-0000-000000000000/scan", "", nil)
		require.NoError(t, err)
		defer rs.Body.Close()
		assert.Equal(t, http.StatusNotFound, rs.StatusCode)
	})

	t.Run("GET /probe/ready", func(t *testing.T) {
		rs, err := ts.Client().Get(ts.URL + "/probe/ready")
		require.NoError(t, err)
		defer rs.Body.Close()

		assert.Equal(t, http.StatusOK, rs.StatusCode)
		bodyBytes, err := io.ReadAll(rs.Body)
		require.NoError(t, err)
		assert.JSONEq(t, `{"redis":"ok"}`, string(bodyBytes))
	})
}
