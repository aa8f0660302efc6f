package main

import (
	"context"
	"net/http"

	"github.com/redis/go-redis/v9"
	log "github.com/sirupsen/logrus"
	"golang.org/x/xerrors"
	"gorm.io/gorm"

	"github.com/hitrack/hitrack-scanner/pkg/etc"
	"github.com/hitrack/hitrack-scanner/pkg/ext"
	v1 "github.com/hitrack/hitrack-scanner/pkg/http/api/v1"
	"github.com/hitrack/hitrack-scanner/pkg/intel"
	"github.com/hitrack/hitrack-scanner/pkg/manifest"
	redisstore "github.com/hitrack/hitrack-scanner/pkg/persistence/redis"
	"github.com/hitrack/hitrack-scanner/pkg/persistence/relational"
	"github.com/hitrack/hitrack-scanner/pkg/pipeline"
	"github.com/hitrack/hitrack-scanner/pkg/queue"
	"github.com/hitrack/hitrack-scanner/pkg/reconcile"
	"github.com/hitrack/hitrack-scanner/pkg/redisx"
	"github.com/hitrack/hitrack-scanner/pkg/scantool"
	"github.com/hitrack/hitrack-scanner/pkg/upstream"
)

// app holds the components shared by every subcommand.
type app struct {
	config   etc.Config
	db       *gorm.DB
	store    *relational.Store
	rdb      *redis.Client
	mirror   *redisstore.TaskMirror
	enqueuer queue.Enqueuer
	pipeline *pipeline.Pipeline
}

func newApp() (*app, error) {
	config, err := etc.GetConfig()
	if err != nil {
		return nil, xerrors.Errorf("getting config: %w", err)
	}
	if err = etc.Check(config); err != nil {
		return nil, xerrors.Errorf("checking config: %w", err)
	}

	db, err := relational.Open(config.Database)
	if err != nil {
		return nil, err
	}
	rdb, err := redisx.NewClient(config.Redis)
	if err != nil {
		return nil, err
	}

	clock := ext.DefaultClock
	ambassador := ext.DefaultAmbassador
	store := relational.NewStore(db)
	mirror := redisstore.NewTaskMirror(config.JobQueue, rdb)
	enqueuer := queue.NewEnqueuer(config.JobQueue, rdb, store, mirror, clock)

	intelClient := &http.Client{Timeout: config.Intel.Timeout}
	enricher := intel.NewService(config.Intel, store,
		[]intel.DetailsSource{
			intel.NewCIRCLSource(config.Intel, intelClient),
			intel.NewExploitDBSource(config.Intel, intelClient, clock),
		},
		intel.NewKEVSource(config.Intel, intelClient, clock),
		intel.NewEPSSSource(config.Intel, intelClient),
		clock,
	)

	resolver := upstream.NewResolver(config.Upstream, config.Tools, &http.Client{Timeout: config.Upstream.Timeout}, ambassador)

	p := pipeline.New(config, pipeline.Dependencies{
		Store:    store,
		Enqueuer: enqueuer,
		Tool:     scantool.NewTool(config.Tools, ambassador),
		Engine:   reconcile.NewEngine(store, reconcile.WithBatchSize(config.Pipeline.SBOMBatchSize)),
		Resolver: manifest.NewResolver(manifest.NewHelmRenderer(config.Tools, ambassador)),
		Enricher: enricher,
		Updater:  upstream.NewUpdater(store, resolver, clock, config.Upstream.StaleWindow),
		Clock:    clock,
	})

	return &app{
		config:   config,
		db:       db,
		store:    store,
		rdb:      rdb,
		mirror:   mirror,
		enqueuer: enqueuer,
		pipeline: p,
	}, nil
}

func (a *app) newWorker() queue.Worker {
	return queue.NewWorker(a.config.JobQueue, a.rdb, a.store, a.mirror, a.enqueuer, a.pipeline, ext.DefaultClock)
}

// checks backs the readiness probe.
func (a *app) checks() map[string]v1.Check {
	return map[string]v1.Check{
		"redis": func(ctx context.Context) error {
			return a.rdb.Ping(ctx).Err()
		},
		"database": func(ctx context.Context) error {
			sqlDB, err := a.db.DB()
			if err != nil {
				return err
			}
			return sqlDB.PingContext(ctx)
		},
	}
}

func (a *app) Close() {
	if err := a.rdb.Close(); err != nil {
		log.WithError(err).Warn("Error while closing redis client")
	}
	if sqlDB, err := a.db.DB(); err == nil {
		if err = sqlDB.Close(); err != nil {
			log.WithError(err).Warn("Error while closing database")
		}
	}
}
