package queue

import (
	"context"
	"encoding/json"
	"fmt"
	"strconv"
	"sync"
	"sync/atomic"
	"time"

	"github.com/redis/go-redis/v9"
	log "github.com/sirupsen/logrus"
	"golang.org/x/xerrors"

	"github.com/hitrack/hitrack-scanner/pkg/etc"
	"github.com/hitrack/hitrack-scanner/pkg/ext"
	"github.com/hitrack/hitrack-scanner/pkg/metrics"
	"github.com/hitrack/hitrack-scanner/pkg/model"
	"github.com/hitrack/hitrack-scanner/pkg/persistence"
	redisstore "github.com/hitrack/hitrack-scanner/pkg/persistence/redis"
)

const (
	promoteBatch = 100
	abortTimeout = 10 * time.Second
)

// promoteScript moves due members of the delayed set onto the ready list.
var promoteScript = redis.NewScript(`
local due = redis.call('ZRANGEBYSCORE', KEYS[1], '-inf', ARGV[1], 'LIMIT', 0, ARGV[2])
for _, payload in ipairs(due) do
	redis.call('ZREM', KEYS[1], payload)
	redis.call('LPUSH', KEYS[2], payload)
end
return #due
`)

type Worker interface {
	Start(ctx context.Context)
	Stop()
}

type worker struct {
	keys   keys
	config etc.JobQueue

	rdb      *redis.Client
	tasks    persistence.TaskStore
	mirror   *redisstore.TaskMirror
	enqueuer Enqueuer
	handler  Handler
	clock    ext.Clock

	cancel context.CancelFunc
	wg     sync.WaitGroup
}

func NewWorker(config etc.JobQueue, rdb *redis.Client, tasks persistence.TaskStore, mirror *redisstore.TaskMirror,
	enqueuer Enqueuer, handler Handler, clock ext.Clock) Worker {
	return &worker{
		keys:     keys{namespace: config.Namespace},
		config:   config,
		rdb:      rdb,
		tasks:    tasks,
		mirror:   mirror,
		enqueuer: enqueuer,
		handler:  handler,
		clock:    clock,
	}
}

func (w *worker) Start(ctx context.Context) {
	ctx, w.cancel = context.WithCancel(ctx)

	concurrency := w.config.WorkerConcurrency
	if concurrency < 1 {
		concurrency = 1
	}
	for i := 0; i < concurrency; i++ {
		w.wg.Add(1)
		go func() {
			defer w.wg.Done()
			w.consume(ctx)
		}()
	}

	w.wg.Add(1)
	go func() {
		defer w.wg.Done()
		w.promote(ctx)
	}()

	log.WithField("concurrency", concurrency).Info("Started task workers")
}

func (w *worker) Stop() {
	log.Debug("Job queue shutdown started")
	if w.cancel != nil {
		w.cancel()
	}
	w.wg.Wait()
	log.Debug("Job queue shutdown completed")
}

func (w *worker) consume(ctx context.Context) {
	for ctx.Err() == nil {
		res, err := w.rdb.BRPop(ctx, w.pollTimeout(), w.keys.ready()).Result()
		if err != nil {
			if xerrors.Is(err, redis.Nil) || ctx.Err() != nil {
				continue
			}
			log.WithError(err).Error("Polling task queue failed")
			_ = ext.Sleep(ctx, w.pollTimeout())
			continue
		}

		var task Task
		if err = json.Unmarshal([]byte(res[1]), &task); err != nil {
			log.WithError(err).WithField("payload", res[1]).Error("Dropping malformed task")
			continue
		}
		if err = w.process(ctx, task); err != nil {
			log.WithError(err).WithFields(log.Fields{
				"task_id":   task.ID,
				"task_type": task.Type,
			}).Error("Failed to process task")
		}
	}
}

func (w *worker) promote(ctx context.Context) {
	ticker := time.NewTicker(time.Second)
	defer ticker.Stop()
	for {
		select {
		case <-ctx.Done():
			return
		case <-ticker.C:
			if _, err := w.PromoteDue(ctx); err != nil && ctx.Err() == nil {
				log.WithError(err).Warn("Promoting delayed tasks failed")
			}
			w.observeDepth(ctx)
		}
	}
}

// PromoteDue moves delayed tasks whose time has come to the ready list.
func (w *worker) PromoteDue(ctx context.Context) (int, error) {
	now := strconv.FormatInt(w.clock.Now().Unix(), 10)
	n, err := promoteScript.Run(ctx, w.rdb, []string{w.keys.delayed(), w.keys.ready()}, now, promoteBatch).Int()
	if err != nil {
		return 0, xerrors.Errorf("promoting delayed tasks: %w", err)
	}
	return n, nil
}

func (w *worker) observeDepth(ctx context.Context) {
	if n, err := w.rdb.LLen(ctx, w.keys.ready()).Result(); err == nil {
		metrics.SetQueueDepth("ready", n)
	}
	if n, err := w.rdb.ZCard(ctx, w.keys.delayed()).Result(); err == nil {
		metrics.SetQueueDepth("delayed", n)
	}
}

func (w *worker) process(ctx context.Context, task Task) error {
	logger := log.WithFields(log.Fields{
		"task_id":   task.ID,
		"task_type": task.Type,
		"target_id": task.TargetID,
	})

	// Lock the task so that other workers won't process it.
	nx, err := w.rdb.SetNX(ctx, w.keys.lock(task.ID, task.Attempt), "", w.config.LockTTL).Result()
	if err != nil {
		return xerrors.Errorf("redis lock: %w", err)
	} else if !nx {
		logger.Debug("Skip the locked task")
		return nil
	}
	defer func() {
		_ = w.rdb.Del(context.Background(), w.keys.lock(task.ID, task.Attempt)).Err()
	}()

	record, err := w.tasks.GetTask(ctx, task.ID)
	if err != nil {
		return err
	}
	if record.Status == model.TaskRevoked || w.isRevoked(ctx, task.ID) {
		logger.Info("Skip the revoked task")
		w.abort(ctx, task, "revoked before start")
		return w.finish(ctx, record, Result{Status: model.TaskRevoked, Message: "revoked before start", TaskType: task.Type})
	}

	started := w.clock.Now()
	record.Status = model.TaskRunning
	record.Attempt = task.Attempt
	record.StartedAt = &started
	if err = w.tasks.UpdateTask(ctx, *record); err != nil {
		return err
	}
	_ = w.mirror.Save(ctx, redisstore.TaskState{TaskRecord: *record})

	logger.Debug("Executing task")
	result, revoked, aborted := w.run(ctx, task)
	metrics.ObserveTask(task.Type.String(), string(result.Status), w.clock.Now().Sub(started))

	switch {
	case revoked:
		result = Result{Status: model.TaskRevoked, Message: "revoked while running", TaskType: task.Type, TargetID: task.TargetID, Stage: task.Stage}
		aborted = true
	case result.RetryAfter > 0:
		next := task
		next.Attempt++
		next.NotBefore = w.clock.Now().Add(result.RetryAfter)
		if _, err = w.enqueuer.Enqueue(ctx, next); err != nil {
			result = Failure(task, fmt.Sprintf("%s; requeue failed: %v", result.Message, err))
			aborted = true
			break
		}
		logger.WithFields(log.Fields{"attempt": next.Attempt, "retry_after": result.RetryAfter}).Info("Scheduled task retry")
		return nil
	}
	if aborted {
		w.abort(ctx, task, result.Message)
	}
	return w.finish(ctx, record, result)
}

// run executes the handler bounded by the type's time limit and cancels it
// when the task gets revoked.
func (w *worker) run(ctx context.Context, task Task) (result Result, revoked, aborted bool) {
	var runCtx context.Context
	var cancel context.CancelFunc
	if limit := w.TimeLimit(task.Type); limit > 0 {
		runCtx, cancel = context.WithTimeout(ctx, limit)
	} else {
		runCtx, cancel = context.WithCancel(ctx)
	}
	defer cancel()

	var wasRevoked atomic.Bool
	done := make(chan struct{})
	watched := make(chan struct{})
	go func() {
		defer close(watched)
		ticker := time.NewTicker(w.pollTimeout())
		defer ticker.Stop()
		for {
			select {
			case <-done:
				return
			case <-runCtx.Done():
				return
			case <-ticker.C:
				if w.isRevoked(ctx, task.ID) {
					wasRevoked.Store(true)
					cancel()
					return
				}
			}
		}
	}()

	func() {
		defer func() {
			if r := recover(); r != nil {
				result = Failure(task, fmt.Sprintf("panic: %v", r))
				aborted = true
			}
		}()
		result = w.handler.Handle(runCtx, task)
	}()
	close(done)
	<-watched

	if xerrors.Is(runCtx.Err(), context.DeadlineExceeded) && result.Status != model.TaskSuccess {
		result = Failure(task, fmt.Sprintf("time limit %s exceeded: %s", w.TimeLimit(task.Type), result.Message))
		aborted = true
	}
	if ctx.Err() != nil && result.Status == model.TaskError {
		// The worker is shutting down; the handler may not have been able to persist its failure.
		aborted = true
	}
	return result, wasRevoked.Load(), aborted
}

// abort lets the handler release what it holds for the task. It runs on a
// detached context so that a shutdown does not skip it.
func (w *worker) abort(ctx context.Context, task Task, reason string) {
	aborter, ok := w.handler.(Aborter)
	if !ok {
		return
	}
	ctx, cancel := context.WithTimeout(context.WithoutCancel(ctx), abortTimeout)
	defer cancel()
	aborter.Abort(ctx, task, reason)
}

func (w *worker) finish(ctx context.Context, record *model.TaskRecord, result Result) error {
	finished := w.clock.Now()
	record.Status = result.Status
	record.Message = result.Message
	record.FinishedAt = &finished
	if err := w.tasks.UpdateTask(ctx, *record); err != nil {
		return err
	}

	raw, err := json.Marshal(result)
	if err != nil {
		return xerrors.Errorf("marshalling task result: %w", err)
	}
	if err = w.mirror.Save(ctx, redisstore.TaskState{TaskRecord: *record, Result: raw}); err != nil {
		log.WithError(err).WithField("task_id", record.ID).Warn("Failed to mirror task result")
	}

	log.WithFields(log.Fields{
		"task_id":   record.ID,
		"task_type": record.Type,
		"status":    result.Status,
	}).Info(result.Message)
	return nil
}

func (w *worker) isRevoked(ctx context.Context, taskID string) bool {
	n, err := w.rdb.Exists(ctx, w.keys.revoked(taskID)).Result()
	return err == nil && n > 0
}

// TimeLimit bounds a single invocation of the task type. Zero means unbounded.
func (w *worker) TimeLimit(t TaskType) time.Duration {
	if t == TypeDiscoverRepos {
		return w.config.DiscoveryLimit
	}
	return w.config.DefaultTimeLimit
}

func (w *worker) pollTimeout() time.Duration {
	if w.config.PollTimeout <= 0 {
		return time.Second
	}
	return w.config.PollTimeout
}
