package main

import (
	"context"
	"encoding/json"
	"os/signal"
	"syscall"
	"time"

	log "github.com/sirupsen/logrus"
	"github.com/spf13/cobra"
	"golang.org/x/xerrors"

	"github.com/hitrack/hitrack-scanner/pkg/etc"
	"github.com/hitrack/hitrack-scanner/pkg/ext"
	"github.com/hitrack/hitrack-scanner/pkg/http/api"
	v1 "github.com/hitrack/hitrack-scanner/pkg/http/api/v1"
	"github.com/hitrack/hitrack-scanner/pkg/metrics"
	"github.com/hitrack/hitrack-scanner/pkg/model"
	"github.com/hitrack/hitrack-scanner/pkg/persistence/relational"
	"github.com/hitrack/hitrack-scanner/pkg/pipeline"
	"github.com/hitrack/hitrack-scanner/pkg/queue"
)

const shutdownTimeout = 30 * time.Second

func newRootCommand(info etc.BuildInfo) *cobra.Command {
	root := &cobra.Command{
		Use:           "hitrack-scanner",
		Short:         "SBOM and vulnerability pipeline for container images and Helm charts",
		Version:       info.Version,
		SilenceUsage:  true,
		SilenceErrors: true,
		PersistentPreRun: func(cmd *cobra.Command, _ []string) {
			log.WithFields(log.Fields{
				"version":  info.Version,
				"commit":   info.Commit,
				"built_at": info.Date,
				"command":  cmd.Name(),
			}).Debug("Starting hitrack-scanner")
		},
	}

	root.AddCommand(
		newServeCommand(info),
		newWorkerCommand(),
		newScheduleCommand(),
		newTriggerCommand(),
		newCleanupCommand(),
		newMigrateCommand(),
	)
	return root
}

func newServeCommand(info etc.BuildInfo) *cobra.Command {
	var withWorker, withScheduler bool
	cmd := &cobra.Command{
		Use:   "serve",
		Short: "Serve the operational API",
		RunE: func(cmd *cobra.Command, _ []string) error {
			a, err := newApp()
			if err != nil {
				return err
			}
			defer a.Close()

			apiServer, err := api.NewServer(a.config.API, v1.NewAPIHandler(info, a.enqueuer, a.pipeline, a.checks()))
			if err != nil {
				return xerrors.Errorf("creating API server: %w", err)
			}
			metricsServer := metrics.NewServer(a.config.Metrics)

			ctx, stop := signalContext(cmd.Context())
			defer stop()

			var worker queue.Worker
			if withWorker {
				worker = a.newWorker()
				worker.Start(ctx)
			}
			if withScheduler {
				scheduler, err := pipeline.NewScheduler(a.config, a.rdb, a.enqueuer, ext.DefaultClock)
				if err != nil {
					return err
				}
				go func() {
					_ = scheduler.Run(ctx)
				}()
			}

			apiServer.ListenAndServe()
			metricsServer.ListenAndServe()

			<-ctx.Done()
			shutdownCtx, cancel := context.WithTimeout(context.Background(), shutdownTimeout)
			defer cancel()
			apiServer.Shutdown(shutdownCtx)
			metricsServer.Shutdown(shutdownCtx)
			if worker != nil {
				worker.Stop()
			}
			return nil
		},
	}
	cmd.Flags().BoolVar(&withWorker, "with-worker", false, "also consume tasks in this process")
	cmd.Flags().BoolVar(&withScheduler, "with-scheduler", false, "also run the periodic scheduler in this process")
	return cmd
}

func newWorkerCommand() *cobra.Command {
	return &cobra.Command{
		Use:   "worker",
		Short: "Consume tasks from the queue",
		RunE: func(cmd *cobra.Command, _ []string) error {
			a, err := newApp()
			if err != nil {
				return err
			}
			defer a.Close()

			metricsServer := metrics.NewServer(a.config.Metrics)
			ctx, stop := signalContext(cmd.Context())
			defer stop()

			worker := a.newWorker()
			worker.Start(ctx)
			metricsServer.ListenAndServe()

			<-ctx.Done()
			shutdownCtx, cancel := context.WithTimeout(context.Background(), shutdownTimeout)
			defer cancel()
			metricsServer.Shutdown(shutdownCtx)
			worker.Stop()
			return nil
		},
	}
}

func newScheduleCommand() *cobra.Command {
	return &cobra.Command{
		Use:   "schedule",
		Short: "Enqueue periodic tasks on their cron schedule",
		RunE: func(cmd *cobra.Command, _ []string) error {
			a, err := newApp()
			if err != nil {
				return err
			}
			defer a.Close()

			scheduler, err := pipeline.NewScheduler(a.config, a.rdb, a.enqueuer, ext.DefaultClock)
			if err != nil {
				return err
			}
			ctx, stop := signalContext(cmd.Context())
			defer stop()
			return scheduler.Run(ctx)
		},
	}
}

func newTriggerCommand() *cobra.Command {
	var targetID, imageID string
	var force, dryRun bool
	cmd := &cobra.Command{
		Use:   "trigger [task-type]",
		Short: "Enqueue a task, or the scan chain of one image with --image",
		Args:  cobra.MaximumNArgs(1),
		RunE: func(cmd *cobra.Command, args []string) error {
			if imageID == "" && len(args) == 0 {
				return xerrors.New("either a task type or --image is required")
			}
			a, err := newApp()
			if err != nil {
				return err
			}
			defer a.Close()
			ctx := cmd.Context()

			if imageID != "" {
				task, ok, err := a.pipeline.TriggerImage(ctx, imageID, "")
				if err != nil {
					return err
				}
				if !ok {
					return xerrors.Errorf("image %s is already being processed", imageID)
				}
				return printJSON(cmd, task)
			}

			task := queue.Task{Type: queue.TaskType(args[0]), TargetID: targetID, Args: map[string]string{}}
			if force {
				task.Args[queue.ArgForce] = "true"
			}
			if dryRun {
				task.Args[queue.ArgDryRun] = "true"
			}
			task, err = a.enqueuer.Enqueue(ctx, task)
			if err != nil {
				return err
			}
			return printJSON(cmd, task)
		},
	}
	cmd.Flags().StringVar(&targetID, "target-id", "", "id of the entity the task works on")
	cmd.Flags().StringVar(&imageID, "image", "", "schedule the scan chain of this image")
	cmd.Flags().BoolVar(&force, "force", false, "ignore freshness windows")
	cmd.Flags().BoolVar(&dryRun, "dry-run", false, "report without deleting")
	return cmd
}

// newCleanupCommand runs the orphan cleanup in process so an operator sees
// the result immediately.
func newCleanupCommand() *cobra.Command {
	var dryRun bool
	cmd := &cobra.Command{
		Use:   "cleanup",
		Short: "Delete vulnerabilities no longer linked to any component",
		RunE: func(cmd *cobra.Command, _ []string) error {
			a, err := newApp()
			if err != nil {
				return err
			}
			defer a.Close()

			task := queue.Task{Type: queue.TypeCleanupOrphans}
			if dryRun {
				task.Args = map[string]string{queue.ArgDryRun: "true"}
			}
			result := a.pipeline.Handle(cmd.Context(), task)
			if err = printJSON(cmd, result); err != nil {
				return err
			}
			if result.Status != model.TaskSuccess {
				return xerrors.Errorf("cleanup failed: %s", result.Message)
			}
			return nil
		},
	}
	cmd.Flags().BoolVar(&dryRun, "dry-run", false, "list orphans without deleting them")
	return cmd
}

func newMigrateCommand() *cobra.Command {
	return &cobra.Command{
		Use:   "migrate",
		Short: "Create or update the database schema",
		RunE: func(_ *cobra.Command, _ []string) error {
			config, err := etc.GetConfig()
			if err != nil {
				return xerrors.Errorf("getting config: %w", err)
			}
			config.Database.AutoMigrate = false
			db, err := relational.Open(config.Database)
			if err != nil {
				return err
			}
			if err = relational.Migrate(db); err != nil {
				return err
			}
			log.WithField("dialect", config.Database.Dialect).Info("Schema migrated")
			return nil
		},
	}
}

func signalContext(parent context.Context) (context.Context, context.CancelFunc) {
	ctx, stop := signal.NotifyContext(parent, syscall.SIGINT, syscall.SIGTERM)
	go func() {
		<-ctx.Done()
		log.Debug("Trapped os signal")
	}()
	return ctx, stop
}

func printJSON(cmd *cobra.Command, v interface{}) error {
	encoder := json.NewEncoder(cmd.OutOrStdout())
	encoder.SetIndent("", "  ")
	return encoder.Encode(v)
}
