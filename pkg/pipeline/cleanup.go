package pipeline

import (
	"context"
	"fmt"

	log "github.com/sirupsen/logrus"

	"github.com/hitrack/hitrack-scanner/pkg/queue"
)

func (p *Pipeline) cleanupOrphans(ctx context.Context, task queue.Task) queue.Result {
	dryRun := task.Arg(queue.ArgDryRun) == "true"
	ids, err := p.store.DeleteOrphanVulnerabilities(ctx, dryRun)
	if err != nil {
		return queue.Failure(task, err.Error())
	}
	verb := "deleted"
	if dryRun {
		verb = "would delete"
	}
	log.WithFields(log.Fields{"count": len(ids), "dry_run": dryRun}).Info("Orphan vulnerability cleanup finished")
	return queue.Success(task, fmt.Sprintf("%s %d orphan vulnerabilities", verb, len(ids)), map[string]interface{}{
		"dry_run":           dryRun,
		"vulnerability_ids": ids,
	})
}

func (p *Pipeline) cleanupDetails(ctx context.Context, task queue.Task) queue.Result {
	before := p.clock.Now().Add(-p.intel.DetailsRetention)
	n, err := p.store.DeleteStaleDetails(ctx, before)
	if err != nil {
		return queue.Failure(task, err.Error())
	}
	return queue.Success(task, fmt.Sprintf("deleted %d vulnerability details", n), map[string]interface{}{
		"deleted": n,
		"before":  before,
	})
}

func (p *Pipeline) reapStuckImages(ctx context.Context, task queue.Task) queue.Result {
	before := p.clock.Now().Add(-p.config.StuckImageTTL)
	n, err := p.store.ResetStuckImages(ctx, before, fmt.Sprintf("no progress since %s", before.Format("2006-01-02 15:04:05")))
	if err != nil {
		return queue.Failure(task, err.Error())
	}
	if n > 0 {
		log.WithField("count", n).Warn("Reset stuck images")
	}
	return queue.Success(task, fmt.Sprintf("reset %d stuck images", n), map[string]interface{}{"reset": n})
}

func (p *Pipeline) deleteOldTags(ctx context.Context, task queue.Task) queue.Result {
	if p.config.OldTagAge <= 0 {
		return queue.Skipped(task, "old tag cleanup is disabled")
	}
	before := p.clock.Now().Add(-p.config.OldTagAge)
	n, err := p.store.DeleteTagsOlderThan(ctx, before)
	if err != nil {
		return queue.Failure(task, err.Error())
	}
	return queue.Success(task, fmt.Sprintf("deleted %d tags", n), map[string]interface{}{"deleted": n})
}
