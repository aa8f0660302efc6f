package pipeline

import (
	"context"
	"fmt"
	"strings"
	"time"

	"github.com/samber/lo"
	log "github.com/sirupsen/logrus"

	"github.com/hitrack/hitrack-scanner/pkg/intel"
	"github.com/hitrack/hitrack-scanner/pkg/model"
	"github.com/hitrack/hitrack-scanner/pkg/persistence"
	"github.com/hitrack/hitrack-scanner/pkg/queue"
)

const (
	argDeadline = "deadline"
	argIDs      = "ids"
)

func (p *Pipeline) rescanImages(ctx context.Context, task queue.Task) queue.Result {
	ids, err := p.store.ListImageIDs(ctx, persistence.ImageFilter{
		WithSBOM: true,
		Statuses: []model.Status{model.StatusNone, model.StatusSuccess, model.StatusError},
	})
	if err != nil {
		return queue.Failure(task, err.Error())
	}

	var scheduled, busy int
	for _, id := range ids {
		if ctx.Err() != nil {
			break
		}
		_, ok, err := p.TriggerImage(ctx, id, task.ID)
		if err != nil {
			log.WithError(err).WithField("image_id", id).Error("Failed to schedule rescan")
			continue
		}
		if !ok {
			busy++
			continue
		}
		scheduled++
	}
	return p.fanOutDone(ctx, task, len(ids), scheduled, map[string]interface{}{"busy": busy})
}

func (p *Pipeline) updateLatestVersions(ctx context.Context, task queue.Task) queue.Result {
	ids, err := p.store.ListImageIDs(ctx, persistence.ImageFilter{WithSBOM: true})
	if err != nil {
		return queue.Failure(task, err.Error())
	}
	scheduled := p.fanOut(ctx, task, queue.TypeUpdateImageLatest, ids, nil)
	return p.fanOutDone(ctx, task, len(ids), scheduled, nil)
}

func (p *Pipeline) updateImageLatestVersions(ctx context.Context, task queue.Task) queue.Result {
	result, err := p.updater.UpdateImage(ctx, task.TargetID)
	if err != nil {
		return queue.Failure(task, err.Error())
	}
	return queue.Success(task, fmt.Sprintf("updated %d of %d component versions", result.Updated, result.Total),
		map[string]interface{}{"result": result})
}

func (p *Pipeline) enrichAll(ctx context.Context, task queue.Task) queue.Result {
	return p.enrichStale(ctx, task, false)
}

func (p *Pipeline) enrichPriority(ctx context.Context, task queue.Task) queue.Result {
	return p.enrichStale(ctx, task, true)
}

// enrichStale selects vulnerabilities whose details are missing or older than
// the staleness window and fans them out in batches.
func (p *Pipeline) enrichStale(ctx context.Context, task queue.Task, priority bool) queue.Result {
	force := task.Arg(queue.ArgForce) == "true"
	filter := persistence.EnrichmentFilter{PriorityOnly: priority}
	if force {
		filter.StaleBefore = p.clock.Now()
	} else {
		filter.StaleBefore = p.enricher.StaleBefore(priority)
	}
	vulnerabilities, err := p.store.VulnerabilitiesForEnrichment(ctx, filter)
	if err != nil {
		return queue.Failure(task, err.Error())
	}

	ids := lo.Map(vulnerabilities, func(v model.Vulnerability, _ int) string { return v.VulnerabilityID })
	size := p.intel.BatchSize
	if size < 1 {
		size = 50
	}
	var args []map[string]string
	for _, chunk := range lo.Chunk(ids, size) {
		a := map[string]string{argIDs: strings.Join(chunk, ",")}
		if force {
			a[queue.ArgForce] = "true"
		}
		args = append(args, a)
	}

	var scheduled int
	for _, a := range args {
		if ctx.Err() != nil {
			break
		}
		if _, err = p.enqueuer.Enqueue(ctx, queue.Task{Type: queue.TypeEnrichVulnerability, ParentID: task.ID, Args: a}); err != nil {
			log.WithError(err).WithField("task_id", task.ID).Error("Failed to schedule enrichment batch")
			continue
		}
		scheduled++
	}
	return p.fanOutDone(ctx, task, len(ids), scheduled, map[string]interface{}{
		"priority": priority,
		"batches":  len(args),
	})
}

func (p *Pipeline) enrichVulnerability(ctx context.Context, task queue.Task) queue.Result {
	var ids []string
	if raw := task.Arg(argIDs); raw != "" {
		ids = strings.Split(raw, ",")
	} else if task.TargetID != "" {
		ids = []string{task.TargetID}
	}
	if len(ids) == 0 {
		return queue.Failure(task, "no vulnerability to enrich")
	}

	result, err := p.enricher.Enrich(ctx, ids, intel.EnrichOptions{Force: task.Arg(queue.ArgForce) == "true"})
	if err != nil {
		return queue.Failure(task, err.Error())
	}
	message := fmt.Sprintf("enriched %d of %d vulnerabilities", result.Enriched, result.Requested)
	if len(result.Failed) > 0 && result.Enriched == 0 && result.Fresh == 0 {
		return queue.Failure(task, message)
	}
	return queue.Success(task, message, map[string]interface{}{"result": result})
}

// fanOut enqueues one task of the given type per target and reports how many
// were scheduled.
func (p *Pipeline) fanOut(ctx context.Context, parent queue.Task, t queue.TaskType, targets []string, args map[string]string) int {
	var scheduled int
	for _, id := range targets {
		if ctx.Err() != nil {
			break
		}
		if _, err := p.enqueuer.Enqueue(ctx, queue.Task{Type: t, TargetID: id, ParentID: parent.ID, Args: args}); err != nil {
			log.WithError(err).WithFields(log.Fields{"task_type": t, "target_id": id}).Error("Failed to schedule child task")
			continue
		}
		scheduled++
	}
	return scheduled
}

func (p *Pipeline) fanOutDone(ctx context.Context, task queue.Task, eligible, scheduled int, data map[string]interface{}) queue.Result {
	if data == nil {
		data = map[string]interface{}{}
	}
	data["eligible"] = eligible
	data["scheduled"] = scheduled
	if scheduled > 0 {
		if err := p.monitor(ctx, task); err != nil {
			log.WithError(err).WithField("task_id", task.ID).Warn("Failed to schedule bulk monitor")
		} else {
			data["monitor"] = true
		}
	}
	return queue.Success(task, fmt.Sprintf("scheduled %d of %d", scheduled, eligible), data)
}

// monitor schedules a monitor_bulk task that follows the children of parent.
func (p *Pipeline) monitor(ctx context.Context, parent queue.Task) error {
	now := p.clock.Now()
	_, err := p.enqueuer.Enqueue(ctx, queue.Task{
		Type:      queue.TypeMonitorBulk,
		TargetID:  parent.ID,
		NotBefore: now.Add(p.config.MonitorInterval),
		Args:      map[string]string{argDeadline: now.Add(p.config.MonitorDeadline).Format(time.RFC3339)},
	})
	return err
}

// monitorBulk polls the child records of a bulk task until none is queued or
// running, or the deadline passes.
func (p *Pipeline) monitorBulk(ctx context.Context, task queue.Task) queue.Result {
	counts, err := p.store.ChildTaskCounts(ctx, task.TargetID)
	if err != nil {
		return queue.Retry(task, err.Error(), p.config.MonitorInterval)
	}
	var total int64
	data := make(map[string]interface{}, len(counts))
	for status, n := range counts {
		data[string(status)] = n
		total += n
	}
	active := counts[model.TaskQueued] + counts[model.TaskRunning]
	logger := log.WithFields(log.Fields{
		"parent_id": task.TargetID,
		"total":     total,
		"active":    active,
		"success":   counts[model.TaskSuccess],
		"error":     counts[model.TaskError],
	})

	if active == 0 {
		logger.Info("Bulk task completed")
		return queue.Success(task, fmt.Sprintf("%d child tasks finished", total), data)
	}

	if deadline, err := time.Parse(time.RFC3339, task.Arg(argDeadline)); err == nil && !p.clock.Now().Before(deadline) {
		logger.Warn("Bulk task monitor deadline passed")
		return queue.Failure(task, fmt.Sprintf("deadline passed with %d of %d child tasks active", active, total))
	}

	logger.Info("Bulk task in progress")
	return queue.Retry(task, fmt.Sprintf("%d of %d child tasks active", active, total), p.config.MonitorInterval)
}
