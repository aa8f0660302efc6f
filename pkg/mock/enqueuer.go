package mock

import (
	"context"

	"github.com/stretchr/testify/mock"

	redisstore "github.com/hitrack/hitrack-scanner/pkg/persistence/redis"
	"github.com/hitrack/hitrack-scanner/pkg/queue"
)

type Enqueuer struct {
	mock.Mock
}

func NewEnqueuer() *Enqueuer {
	return &Enqueuer{}
}

func (em *Enqueuer) Enqueue(ctx context.Context, task queue.Task) (queue.Task, error) {
	args := em.Called(ctx, task)
	return args.Get(0).(queue.Task), args.Error(1)
}

func (em *Enqueuer) Revoke(ctx context.Context, taskID string) error {
	args := em.Called(ctx, taskID)
	return args.Error(0)
}

func (em *Enqueuer) Status(ctx context.Context, taskID string) (*redisstore.TaskState, error) {
	args := em.Called(ctx, taskID)
	return args.Get(0).(*redisstore.TaskState), args.Error(1)
}
