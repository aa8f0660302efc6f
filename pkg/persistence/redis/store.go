package redis

import (
	"context"
	"encoding/json"
	"fmt"
	"time"

	goredis "github.com/redis/go-redis/v9"
	log "github.com/sirupsen/logrus"
	"golang.org/x/xerrors"

	"github.com/hitrack/hitrack-scanner/pkg/etc"
	"github.com/hitrack/hitrack-scanner/pkg/model"
)

// TaskState is the polled view of a task: its record plus the handler result
// once the task is finished.
type TaskState struct {
	model.TaskRecord
	Result json.RawMessage `json:"result,omitempty"`
}

// TaskMirror keeps a short-lived copy of task records in Redis so status
// polling does not hit the relational store.
type TaskMirror struct {
	namespace string
	ttl       time.Duration
	rdb       *goredis.Client
}

func NewTaskMirror(config etc.JobQueue, rdb *goredis.Client) *TaskMirror {
	return &TaskMirror{
		namespace: config.Namespace,
		ttl:       config.ResultTTL,
		rdb:       rdb,
	}
}

func (s *TaskMirror) Save(ctx context.Context, state TaskState) error {
	bytes, err := json.Marshal(state)
	if err != nil {
		return xerrors.Errorf("marshalling task state: %w", err)
	}

	key := s.getKeyForTask(state.ID)

	log.WithFields(log.Fields{
		"task_id":     state.ID,
		"task_status": state.Status,
		"redis_key":   key,
		"expire":      s.ttl.Seconds(),
	}).Debug("Saving task state")

	if err = s.rdb.Set(ctx, key, bytes, s.ttl).Err(); err != nil {
		return xerrors.Errorf("saving task state: %w", err)
	}
	return nil
}

// Get returns nil when the task is unknown or its state has expired.
func (s *TaskMirror) Get(ctx context.Context, taskID string) (*TaskState, error) {
	value, err := s.rdb.Get(ctx, s.getKeyForTask(taskID)).Bytes()
	if err != nil {
		if xerrors.Is(err, goredis.Nil) {
			return nil, nil
		}
		return nil, xerrors.Errorf("getting task state: %w", err)
	}

	var state TaskState
	if err = json.Unmarshal(value, &state); err != nil {
		return nil, xerrors.Errorf("unmarshalling task state: %w", err)
	}
	return &state, nil
}

// UpdateStatus rewrites the status of a mirrored task. Unknown tasks are ignored.
func (s *TaskMirror) UpdateStatus(ctx context.Context, taskID string, status model.TaskStatus, message ...string) error {
	log.WithFields(log.Fields{
		"task_id":    taskID,
		"new_status": status,
	}).Debug("Updating status for task")

	state, err := s.Get(ctx, taskID)
	if err != nil || state == nil {
		return err
	}

	state.Status = status
	if len(message) > 0 {
		state.Message = message[0]
	}
	return s.Save(ctx, *state)
}

func (s *TaskMirror) getKeyForTask(taskID string) string {
	return fmt.Sprintf("%s:task:%s", s.namespace, taskID)
}
