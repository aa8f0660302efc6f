package pipeline

import (
	"context"
	"strconv"
	"time"

	"github.com/gorhill/cronexpr"
	"github.com/redis/go-redis/v9"
	log "github.com/sirupsen/logrus"
	"golang.org/x/xerrors"

	"github.com/hitrack/hitrack-scanner/pkg/etc"
	"github.com/hitrack/hitrack-scanner/pkg/ext"
	"github.com/hitrack/hitrack-scanner/pkg/queue"
)

// slotLockTTL keeps a fired slot claimed long enough for every scheduler
// replica to have ticked past it.
const slotLockTTL = 24 * time.Hour

// Entry is one periodic task.
type Entry struct {
	Name string
	Type queue.TaskType
	Args map[string]string

	expr *cronexpr.Expression
	last time.Time
}

// Entries maps the schedule configuration onto task types. Entries with an
// empty expression are disabled.
func Entries(config etc.Schedule) ([]*Entry, error) {
	specs := []struct {
		name string
		expr string
		t    queue.TaskType
	}{
		{"discovery", config.Discovery, queue.TypeDiscoverRepos},
		{"latest_versions", config.LatestVersions, queue.TypeUpdateLatest},
		{"enrichment", config.Enrichment, queue.TypeEnrichAll},
		{"priority_enrichment", config.PriorityEnrich, queue.TypeEnrichPriority},
		{"orphan_cleanup", config.OrphanCleanup, queue.TypeCleanupOrphans},
		{"details_cleanup", config.DetailsCleanup, queue.TypeCleanupDetails},
		{"stuck_image_reaper", config.StuckImageReap, queue.TypeReapStuckImages},
		{"old_tags_cleanup", config.OldTagsCleanup, queue.TypeDeleteOldTags},
	}
	var entries []*Entry
	for _, s := range specs {
		if s.expr == "" {
			continue
		}
		expr, err := cronexpr.Parse(s.expr)
		if err != nil {
			return nil, xerrors.Errorf("parsing schedule %s %q: %w", s.name, s.expr, err)
		}
		entries = append(entries, &Entry{Name: s.name, Type: s.t, expr: expr})
	}
	return entries, nil
}

// Scheduler enqueues periodic tasks. Several replicas may run at once: every
// cron slot is claimed in Redis so that it fires exactly once.
type Scheduler struct {
	namespace string
	tick      time.Duration
	entries   []*Entry
	rdb       *redis.Client
	enqueuer  queue.Enqueuer
	clock     ext.Clock
}

func NewScheduler(config etc.Config, rdb *redis.Client, enqueuer queue.Enqueuer, clock ext.Clock) (*Scheduler, error) {
	entries, err := Entries(config.Schedule)
	if err != nil {
		return nil, err
	}
	tick := config.Schedule.Tick
	if tick <= 0 {
		tick = 30 * time.Second
	}
	now := clock.Now()
	for _, e := range entries {
		e.last = now
	}
	return &Scheduler{
		namespace: config.JobQueue.Namespace,
		tick:      tick,
		entries:   entries,
		rdb:       rdb,
		enqueuer:  enqueuer,
		clock:     clock,
	}, nil
}

// Run ticks until ctx is done.
func (s *Scheduler) Run(ctx context.Context) error {
	log.WithField("entries", len(s.entries)).Info("Scheduler started")
	ticker := time.NewTicker(s.tick)
	defer ticker.Stop()
	for {
		select {
		case <-ctx.Done():
			log.Info("Scheduler stopped")
			return nil
		case <-ticker.C:
			s.Tick(ctx)
		}
	}
}

// Tick fires every entry whose next activation is due and returns the
// enqueued tasks.
func (s *Scheduler) Tick(ctx context.Context) []queue.Task {
	now := s.clock.Now()
	var fired []queue.Task
	for _, e := range s.entries {
		slot := e.expr.Next(e.last)
		if slot.IsZero() || slot.After(now) {
			continue
		}
		e.last = now

		logger := log.WithFields(log.Fields{"schedule": e.Name, "slot": slot})
		won, err := s.rdb.SetNX(ctx, s.slotKey(e, slot), s.clock.Now().Format(time.RFC3339), slotLockTTL).Result()
		if err != nil {
			logger.WithError(err).Error("Claiming schedule slot failed")
			continue
		}
		if !won {
			logger.Debug("Schedule slot claimed by another scheduler")
			continue
		}
		task, err := s.enqueuer.Enqueue(ctx, queue.Task{Type: e.Type, Args: e.Args})
		if err != nil {
			logger.WithError(err).Error("Enqueuing scheduled task failed")
			continue
		}
		logger.WithField("task_id", task.ID).Info("Enqueued scheduled task")
		fired = append(fired, task)
	}
	return fired
}

func (s *Scheduler) slotKey(e *Entry, slot time.Time) string {
	return s.namespace + ":schedule:" + e.Name + ":" + strconv.FormatInt(slot.Unix(), 10)
}
