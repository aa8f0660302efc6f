package mock

import (
	"context"

	"github.com/stretchr/testify/mock"

	"github.com/hitrack/hitrack-scanner/pkg/queue"
)

// ImageTrigger mocks the image scan entry point of the pipeline.
type ImageTrigger struct {
	mock.Mock
}

func NewImageTrigger() *ImageTrigger {
	return &ImageTrigger{}
}

func (m *ImageTrigger) TriggerImage(ctx context.Context, imageID, parentID string) (queue.Task, bool, error) {
	args := m.Called(ctx, imageID, parentID)
	return args.Get(0).(queue.Task), args.Bool(1), args.Error(2)
}
