package queue

import (
	"context"
	"time"

	"github.com/hitrack/hitrack-scanner/pkg/model"
)

type TaskType string

const (
	TypeGenerateSBOM        TaskType = "generate_sbom"
	TypeParseSBOM           TaskType = "parse_sbom"
	TypeVulnScan            TaskType = "vuln_scan"
	TypeProcessScanResults  TaskType = "process_scan_results"
	TypeDiscoverRepos       TaskType = "discover_repositories"
	TypeScanRepositoryTags  TaskType = "scan_repository_tags"
	TypeProcessTag          TaskType = "process_tag"
	TypeRescanImages        TaskType = "rescan_images"
	TypeUpdateLatest        TaskType = "update_latest_versions"
	TypeUpdateImageLatest   TaskType = "update_image_latest_versions"
	TypeEnrichAll           TaskType = "enrich_vulnerabilities"
	TypeEnrichVulnerability TaskType = "enrich_vulnerability"
	TypeEnrichPriority      TaskType = "enrich_priority"
	TypeMonitorBulk         TaskType = "monitor_bulk"
	TypeCleanupOrphans      TaskType = "cleanup_orphans"
	TypeCleanupDetails      TaskType = "cleanup_details"
	TypeReapStuckImages     TaskType = "reap_stuck_images"
	TypeDeleteOldTags       TaskType = "delete_old_tags"
)

var taskTypes = map[TaskType]bool{
	TypeGenerateSBOM:        true,
	TypeParseSBOM:           true,
	TypeVulnScan:            true,
	TypeProcessScanResults:  true,
	TypeDiscoverRepos:       true,
	TypeScanRepositoryTags:  true,
	TypeProcessTag:          true,
	TypeRescanImages:        true,
	TypeUpdateLatest:        true,
	TypeUpdateImageLatest:   true,
	TypeEnrichAll:           true,
	TypeEnrichVulnerability: true,
	TypeEnrichPriority:      true,
	TypeMonitorBulk:         true,
	TypeCleanupOrphans:      true,
	TypeCleanupDetails:      true,
	TypeReapStuckImages:     true,
	TypeDeleteOldTags:       true,
}

func (t TaskType) IsValid() bool {
	return taskTypes[t]
}

// IsStage reports whether the type is one of the per-image pipeline stages.
func (t TaskType) IsStage() bool {
	switch t {
	case TypeGenerateSBOM, TypeParseSBOM, TypeVulnScan, TypeProcessScanResults:
		return true
	}
	return false
}

func (t TaskType) String() string {
	return string(t)
}

// Task is the queued payload. It carries identifiers only; handlers reload
// entity state from the persistence gateway.
type Task struct {
	ID        string            `json:"id"`
	Type      TaskType          `json:"type"`
	TargetID  string            `json:"target_id,omitempty"`
	Stage     string            `json:"stage,omitempty"`
	ParentID  string            `json:"parent_id,omitempty"`
	Attempt   int               `json:"attempt"`
	NotBefore time.Time         `json:"not_before,omitempty"`
	Args      map[string]string `json:"args,omitempty"`
}

// Task arguments understood by more than one handler.
const (
	ArgForce  = "force"
	ArgDryRun = "dry_run"
)

func (t Task) Arg(key string) string {
	return t.Args[key]
}

// Result is what every handler reports back to the worker.
type Result struct {
	Status   model.TaskStatus       `json:"status"`
	Message  string                 `json:"message,omitempty"`
	TaskType TaskType               `json:"task_type"`
	TargetID string                 `json:"target_id,omitempty"`
	Stage    string                 `json:"stage,omitempty"`
	Data     map[string]interface{} `json:"data,omitempty"`

	// RetryAfter asks the worker to requeue the task as its next attempt.
	RetryAfter time.Duration `json:"-"`
}

func Success(t Task, message string, data map[string]interface{}) Result {
	return Result{Status: model.TaskSuccess, Message: message, TaskType: t.Type, TargetID: t.TargetID, Stage: t.Stage, Data: data}
}

func Failure(t Task, message string) Result {
	return Result{Status: model.TaskError, Message: message, TaskType: t.Type, TargetID: t.TargetID, Stage: t.Stage}
}

func Skipped(t Task, message string) Result {
	return Result{Status: model.TaskSkipped, Message: message, TaskType: t.Type, TargetID: t.TargetID, Stage: t.Stage}
}

func Retry(t Task, message string, after time.Duration) Result {
	return Result{Status: model.TaskQueued, Message: message, TaskType: t.Type, TargetID: t.TargetID, Stage: t.Stage, RetryAfter: after}
}

type Handler interface {
	Handle(ctx context.Context, task Task) Result
}

// Aborter is implemented by handlers that hold state on behalf of a task,
// such as a claimed image. The worker calls Abort whenever it fails or
// revokes a task on its own, after a panic, an exceeded time limit,
// a failed requeue or a revocation.
type Aborter interface {
	Abort(ctx context.Context, task Task, reason string)
}

type HandlerFunc func(ctx context.Context, task Task) Result

func (f HandlerFunc) Handle(ctx context.Context, task Task) Result {
	return f(ctx, task)
}
