package relational

import (
	"context"

	"golang.org/x/xerrors"

	"github.com/hitrack/hitrack-scanner/pkg/model"
)

func (s *Store) CreateTask(ctx context.Context, record model.TaskRecord) error {
	if err := s.db.WithContext(ctx).Create(&record).Error; err != nil {
		return xerrors.Errorf("creating task %s: %w", record.ID, err)
	}
	return nil
}

func (s *Store) UpdateTask(ctx context.Context, record model.TaskRecord) error {
	err := s.db.WithContext(ctx).Model(&model.TaskRecord{}).
		Where("id = ?", record.ID).
		Updates(map[string]interface{}{
			"status":      record.Status,
			"attempt":     record.Attempt,
			"message":     record.Message,
			"started_at":  record.StartedAt,
			"finished_at": record.FinishedAt,
		}).Error
	if err != nil {
		return xerrors.Errorf("updating task %s: %w", record.ID, err)
	}
	return nil
}

func (s *Store) GetTask(ctx context.Context, id string) (*model.TaskRecord, error) {
	var record model.TaskRecord
	if err := s.db.WithContext(ctx).First(&record, "id = ?", id).Error; err != nil {
		return nil, notFound(err, "task %s", id)
	}
	return &record, nil
}

func (s *Store) ChildTaskCounts(ctx context.Context, parentID string) (map[model.TaskStatus]int64, error) {
	var rows []struct {
		Status model.TaskStatus
		Count  int64
	}
	err := s.db.WithContext(ctx).Model(&model.TaskRecord{}).
		Select("status, COUNT(*) AS count").
		Where("parent_id = ?", parentID).
		Group("status").
		Scan(&rows).Error
	if err != nil {
		return nil, xerrors.Errorf("counting children of task %s: %w", parentID, err)
	}
	counts := make(map[model.TaskStatus]int64, len(rows))
	for _, r := range rows {
		counts[r.Status] = r.Count
	}
	return counts, nil
}
