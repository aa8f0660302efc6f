package pipeline

import (
	"context"
	"fmt"
	"time"

	log "github.com/sirupsen/logrus"
	"golang.org/x/xerrors"

	"github.com/hitrack/hitrack-scanner/pkg/etc"
	"github.com/hitrack/hitrack-scanner/pkg/ext"
	"github.com/hitrack/hitrack-scanner/pkg/intel"
	"github.com/hitrack/hitrack-scanner/pkg/manifest"
	"github.com/hitrack/hitrack-scanner/pkg/model"
	"github.com/hitrack/hitrack-scanner/pkg/persistence"
	"github.com/hitrack/hitrack-scanner/pkg/queue"
	"github.com/hitrack/hitrack-scanner/pkg/reconcile"
	"github.com/hitrack/hitrack-scanner/pkg/registry"
	"github.com/hitrack/hitrack-scanner/pkg/scantool"
	"github.com/hitrack/hitrack-scanner/pkg/upstream"
)

// ErrPrecondition marks failures caused by missing or invalid data. They are
// never retried.
var ErrPrecondition = xerrors.New("precondition failed")

// Enricher is satisfied by intel.Service.
type Enricher interface {
	Enrich(ctx context.Context, vulnerabilityIDs []string, opts intel.EnrichOptions) (intel.Result, error)
	StaleBefore(priority bool) time.Time
}

// LatestUpdater is satisfied by upstream.Updater.
type LatestUpdater interface {
	UpdateImage(ctx context.Context, imageID string) (upstream.UpdateResult, error)
}

// ClientFactory resolves the registry client of a registry row once per load.
type ClientFactory func(r model.Registry) (registry.Client, error)

// Dependencies are the collaborators the stage handlers drive.
type Dependencies struct {
	Store    persistence.Gateway
	Enqueuer queue.Enqueuer
	Tool     scantool.Tool
	Engine   *reconcile.Engine
	Resolver *manifest.Resolver
	Enricher Enricher
	Updater  LatestUpdater
	Clients  ClientFactory
	Clock    ext.Clock
}

// Pipeline implements every task type of the queue.
type Pipeline struct {
	config   etc.Pipeline
	intel    etc.Intel
	store    persistence.Gateway
	enqueuer queue.Enqueuer
	tool     scantool.Tool
	engine   *reconcile.Engine
	resolver *manifest.Resolver
	enricher Enricher
	updater  LatestUpdater
	clients  ClientFactory
	clock    ext.Clock

	handlers map[queue.TaskType]queue.HandlerFunc
}

func New(config etc.Config, deps Dependencies) *Pipeline {
	if deps.Clients == nil {
		deps.Clients = func(r model.Registry) (registry.Client, error) {
			return registry.NewClient(r)
		}
	}
	if deps.Clock == nil {
		deps.Clock = ext.DefaultClock
	}
	p := &Pipeline{
		config:   config.Pipeline,
		intel:    config.Intel,
		store:    deps.Store,
		enqueuer: deps.Enqueuer,
		tool:     deps.Tool,
		engine:   deps.Engine,
		resolver: deps.Resolver,
		enricher: deps.Enricher,
		updater:  deps.Updater,
		clients:  deps.Clients,
		clock:    deps.Clock,
	}
	p.handlers = map[queue.TaskType]queue.HandlerFunc{
		queue.TypeGenerateSBOM:        p.generateSBOM,
		queue.TypeParseSBOM:           p.parseSBOM,
		queue.TypeVulnScan:            p.vulnScan,
		queue.TypeProcessScanResults:  p.processScanResults,
		queue.TypeDiscoverRepos:       p.discoverRepositories,
		queue.TypeScanRepositoryTags:  p.scanRepositoryTags,
		queue.TypeProcessTag:          p.processTag,
		queue.TypeRescanImages:        p.rescanImages,
		queue.TypeUpdateLatest:        p.updateLatestVersions,
		queue.TypeUpdateImageLatest:   p.updateImageLatestVersions,
		queue.TypeEnrichAll:           p.enrichAll,
		queue.TypeEnrichPriority:      p.enrichPriority,
		queue.TypeEnrichVulnerability: p.enrichVulnerability,
		queue.TypeMonitorBulk:         p.monitorBulk,
		queue.TypeCleanupOrphans:      p.cleanupOrphans,
		queue.TypeCleanupDetails:      p.cleanupDetails,
		queue.TypeReapStuckImages:     p.reapStuckImages,
		queue.TypeDeleteOldTags:       p.deleteOldTags,
	}
	return p
}

// Handle dispatches a task to the handler of its type.
func (p *Pipeline) Handle(ctx context.Context, task queue.Task) queue.Result {
	handler, ok := p.handlers[task.Type]
	if !ok {
		return queue.Failure(task, fmt.Sprintf("no handler for task type %q", task.Type))
	}
	return handler(ctx, task)
}

// Abort fails the image of an image stage that the worker gave up on, unless
// the image already left pending or in_process.
func (p *Pipeline) Abort(ctx context.Context, task queue.Task, reason string) {
	if !task.Type.IsStage() || task.TargetID == "" {
		return
	}
	image, err := p.store.GetImage(ctx, task.TargetID)
	if err != nil {
		if !xerrors.Is(err, persistence.ErrNotFound) {
			log.WithError(err).WithField("image_id", task.TargetID).Error("Failed to load aborted image")
		}
		return
	}
	if !image.ScanStatus.IsBusy() {
		return
	}
	log.WithFields(log.Fields{"task_id": task.ID, "task_type": task.Type, "image_id": task.TargetID}).
		Warn("Failing image of aborted stage")
	p.failImage(ctx, task.TargetID, fmt.Sprintf("%s: %s", task.Type, reason))
}

// TriggerImage moves an idle image to pending and schedules its first stage.
// It reports false when the image is already pending or in process.
func (p *Pipeline) TriggerImage(ctx context.Context, imageID, parentID string) (queue.Task, bool, error) {
	marked, err := p.store.MarkImagePending(ctx, imageID)
	if err != nil {
		return queue.Task{}, false, err
	}
	if !marked {
		// Either busy or gone; only the latter is an error.
		if _, err = p.store.GetImage(ctx, imageID); err != nil {
			return queue.Task{}, false, err
		}
		return queue.Task{}, false, nil
	}
	task, err := p.enqueuer.Enqueue(ctx, queue.Task{
		Type:     queue.TypeGenerateSBOM,
		TargetID: imageID,
		Stage:    string(queue.TypeGenerateSBOM),
		ParentID: parentID,
	})
	if err != nil {
		if ferr := p.store.FailImage(ctx, imageID, fmt.Sprintf("scheduling scan: %v", err)); ferr != nil {
			log.WithError(ferr).WithField("image_id", imageID).Error("Failed to mark image as failed")
		}
		return queue.Task{}, false, err
	}
	return task, true, nil
}

// isPermanent tells data and caller errors apart from transient ones.
func isPermanent(err error) bool {
	return xerrors.Is(err, ErrPrecondition) ||
		xerrors.Is(err, persistence.ErrNotFound) ||
		xerrors.Is(err, scantool.ErrUnsafeImageRef) ||
		xerrors.Is(err, scantool.ErrMalformed)
}

func (p *Pipeline) backoff(attempt int) time.Duration {
	return p.config.RetryBase * time.Duration(1<<uint(attempt))
}
