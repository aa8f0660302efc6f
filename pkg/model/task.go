package model

import (
	"time"
)

type TaskStatus string

const (
	TaskQueued  TaskStatus = "queued"
	TaskRunning TaskStatus = "running"
	TaskSuccess TaskStatus = "success"
	TaskError   TaskStatus = "error"
	TaskSkipped TaskStatus = "skipped"
	TaskRevoked TaskStatus = "revoked"
)

func (s TaskStatus) IsTerminal() bool {
	switch s {
	case TaskSuccess, TaskError, TaskSkipped, TaskRevoked:
		return true
	}
	return false
}

// TaskRecord is the durable trace of one task invocation. The task type is
// stored explicitly so bulk monitors never have to infer it from the id.
type TaskRecord struct {
	ID         string     `gorm:"primaryKey;size:36" json:"id"`
	Type       string     `gorm:"size:64;index" json:"type"`
	TargetID   string     `gorm:"size:128;index" json:"target_id,omitempty"`
	Stage      string     `gorm:"size:64" json:"stage,omitempty"`
	ParentID   string     `gorm:"size:36;index" json:"parent_id,omitempty"`
	Status     TaskStatus `gorm:"size:16;index" json:"status"`
	Attempt    int        `json:"attempt"`
	Message    string     `gorm:"type:text" json:"message,omitempty"`
	EnqueuedAt time.Time  `json:"enqueued_at"`
	StartedAt  *time.Time `json:"started_at,omitempty"`
	FinishedAt *time.Time `json:"finished_at,omitempty"`
}
