package queue

import (
	"context"
	"encoding/json"
	"strconv"

	"github.com/google/uuid"
	"github.com/redis/go-redis/v9"
	log "github.com/sirupsen/logrus"
	"golang.org/x/xerrors"

	"github.com/hitrack/hitrack-scanner/pkg/etc"
	"github.com/hitrack/hitrack-scanner/pkg/ext"
	"github.com/hitrack/hitrack-scanner/pkg/model"
	"github.com/hitrack/hitrack-scanner/pkg/persistence"
	redisstore "github.com/hitrack/hitrack-scanner/pkg/persistence/redis"
)

var ErrUnknownTaskType = xerrors.New("unknown task type")

type Enqueuer interface {
	// Enqueue records the task as queued and hands it to the workers. A task
	// with a NotBefore in the future waits in the delayed set.
	Enqueue(ctx context.Context, task Task) (Task, error)
	// Revoke marks a task so that workers skip it, or cancel it when running.
	Revoke(ctx context.Context, taskID string) error
	// Status prefers the Redis mirror and falls back to the durable record.
	Status(ctx context.Context, taskID string) (*redisstore.TaskState, error)
}

type enqueuer struct {
	keys   keys
	config etc.JobQueue
	rdb    *redis.Client
	tasks  persistence.TaskStore
	mirror *redisstore.TaskMirror
	clock  ext.Clock
}

func NewEnqueuer(config etc.JobQueue, rdb *redis.Client, tasks persistence.TaskStore, mirror *redisstore.TaskMirror, clock ext.Clock) Enqueuer {
	return &enqueuer{
		keys:   keys{namespace: config.Namespace},
		config: config,
		rdb:    rdb,
		tasks:  tasks,
		mirror: mirror,
		clock:  clock,
	}
}

func (e *enqueuer) Enqueue(ctx context.Context, task Task) (Task, error) {
	if !task.Type.IsValid() {
		return Task{}, xerrors.Errorf("%q: %w", task.Type, ErrUnknownTaskType)
	}
	retry := task.ID != ""
	if !retry {
		task.ID = uuid.NewString()
	}

	record := model.TaskRecord{
		ID:         task.ID,
		Type:       task.Type.String(),
		TargetID:   task.TargetID,
		Stage:      task.Stage,
		ParentID:   task.ParentID,
		Status:     model.TaskQueued,
		Attempt:    task.Attempt,
		EnqueuedAt: e.clock.Now(),
	}
	if retry {
		if err := e.tasks.UpdateTask(ctx, record); err != nil {
			return Task{}, err
		}
	} else if err := e.tasks.CreateTask(ctx, record); err != nil {
		return Task{}, err
	}
	if err := e.mirror.Save(ctx, redisstore.TaskState{TaskRecord: record}); err != nil {
		log.WithError(err).WithField("task_id", task.ID).Warn("Failed to mirror task state")
	}

	if err := e.push(ctx, task); err != nil {
		return Task{}, err
	}

	log.WithFields(log.Fields{
		"task_id":   task.ID,
		"task_type": task.Type,
		"target_id": task.TargetID,
		"attempt":   task.Attempt,
	}).Debug("Enqueued task")
	return task, nil
}

func (e *enqueuer) push(ctx context.Context, task Task) error {
	b, err := json.Marshal(task)
	if err != nil {
		return xerrors.Errorf("marshalling task: %w", err)
	}
	if !task.NotBefore.IsZero() && task.NotBefore.After(e.clock.Now()) {
		err = e.rdb.ZAdd(ctx, e.keys.delayed(), redis.Z{Score: float64(task.NotBefore.Unix()), Member: b}).Err()
	} else {
		err = e.rdb.LPush(ctx, e.keys.ready(), b).Err()
	}
	if err != nil {
		return xerrors.Errorf("enqueuing task %s: %w", task.ID, err)
	}
	return nil
}

func (e *enqueuer) Revoke(ctx context.Context, taskID string) error {
	record, err := e.tasks.GetTask(ctx, taskID)
	if err != nil {
		return err
	}
	if record.Status.IsTerminal() {
		return nil
	}

	if err = e.rdb.Set(ctx, e.keys.revoked(taskID), "1", e.config.ResultTTL).Err(); err != nil {
		return xerrors.Errorf("revoking task %s: %w", taskID, err)
	}
	// A running task is finalized by its worker.
	if record.Status == model.TaskQueued {
		now := e.clock.Now()
		record.Status = model.TaskRevoked
		record.FinishedAt = &now
		if err = e.tasks.UpdateTask(ctx, *record); err != nil {
			return err
		}
		if err = e.mirror.UpdateStatus(ctx, taskID, model.TaskRevoked); err != nil {
			return err
		}
	}
	log.WithField("task_id", taskID).Info("Revoked task")
	return nil
}

func (e *enqueuer) Status(ctx context.Context, taskID string) (*redisstore.TaskState, error) {
	state, err := e.mirror.Get(ctx, taskID)
	if err != nil {
		log.WithError(err).WithField("task_id", taskID).Warn("Reading task mirror failed")
	}
	if state != nil {
		return state, nil
	}
	record, err := e.tasks.GetTask(ctx, taskID)
	if err != nil {
		return nil, err
	}
	return &redisstore.TaskState{TaskRecord: *record}, nil
}

type keys struct {
	namespace string
}

func (k keys) ready() string {
	return k.namespace + ":ready"
}

func (k keys) delayed() string {
	return k.namespace + ":delayed"
}

// lock is per attempt so a requeued retry never collides with the lock of
// the attempt that scheduled it.
func (k keys) lock(taskID string, attempt int) string {
	return k.namespace + ":lock:" + taskID + ":" + strconv.Itoa(attempt)
}

func (k keys) revoked(taskID string) string {
	return k.namespace + ":revoked:" + taskID
}
