package main

import (
	"context"
	"fmt"
	"os"
	"os/signal"
	"syscall"
	"time"

	"github.com/google/uuid"
	cli "github.com/urfave/cli/v3"

	"github.com/heritago/heritago/pkg/cmd"
	"github.com/heritago/heritago/pkg/dps"
	"github.com/heritago/heritago/pkg/log"
	"github.com/heritago/heritago/pkg/orchestrator"
	"github.com/heritago/heritago/pkg/otelhelper"
	"github.com/heritago/heritago/pkg/worker"
)

func NewRunCommand() *cli.Command {
	return &cli.Command{
		Name:    "run",
		Aliases: []string{"r"},
		Usage:   "Run the orchestration core: worker, fail-safe and scheduler",
		Flags: []cli.Flag{
			&cli.StringFlag{
				Name:    "worker-id",
				Aliases: []string{"id"},
				Usage:   "Custom worker ID (auto-generated if not provided)",
				Value:   "",
				Sources: cli.EnvVars("WORKER_ID"),
			},
			&cli.StringFlag{
				Name:     "database-url",
				Usage:    "Database connection URL (mongodb:// or memory://)",
				Required: true,
				Sources:  cli.EnvVars("DATABASE_URL"),
			},
			&cli.StringFlag{
				Name:    "redis-addr",
				Usage:   "Redis address for queue and locks (empty runs in-process)",
				Value:   "",
				Sources: cli.EnvVars("REDIS_ADDR"),
			},
			&cli.StringFlag{
				Name:    "redis-password",
				Usage:   "Redis password",
				Value:   "",
				Sources: cli.EnvVars("REDIS_PASSWORD"),
			},
			&cli.StringFlag{
				Name:    "event-bus",
				Usage:   "Event bus type (kafka, gochannel, none)",
				Value:   "none",
				Sources: cli.EnvVars("EVENT_BUS_TYPE"),
			},
			&cli.StringFlag{
				Name:    "kafka-brokers",
				Usage:   "Comma-separated Kafka brokers",
				Value:   "",
				Sources: cli.EnvVars("KAFKA_BROKERS"),
			},
			&cli.StringFlag{
				Name:     "task-service-url",
				Usage:    "Base URL of the external task service",
				Required: true,
				Sources:  cli.EnvVars("TASK_SERVICE_URL"),
			},
			&cli.StringFlag{
				Name:    "task-service-username",
				Usage:   "Basic auth username for the task service",
				Value:   "",
				Sources: cli.EnvVars("TASK_SERVICE_USERNAME"),
			},
			&cli.StringFlag{
				Name:    "task-service-password",
				Usage:   "Basic auth password for the task service",
				Value:   "",
				Sources: cli.EnvVars("TASK_SERVICE_PASSWORD"),
			},
			&cli.IntFlag{
				Name:    "max-concurrent-threads",
				Usage:   "Maximum concurrently supervised executions",
				Value:   10,
				Sources: cli.EnvVars("MAX_CONCURRENT_THREADS"),
			},
			&cli.DurationFlag{
				Name:    "monitor-check-interval",
				Usage:   "Poll interval for external task progress",
				Value:   5 * time.Second,
				Sources: cli.EnvVars("MONITOR_CHECK_INTERVAL"),
			},
			&cli.DurationFlag{
				Name:    "periodic-failsafe-check-interval",
				Usage:   "Fail-safe loop period",
				Value:   time.Minute,
				Sources: cli.EnvVars("PERIODIC_FAILSAFE_CHECK_INTERVAL"),
			},
			&cli.DurationFlag{
				Name:    "failsafe-staleness",
				Usage:   "How long an active execution may go untouched before rescue",
				Value:   10 * time.Minute,
				Sources: cli.EnvVars("FAILSAFE_STALENESS"),
			},
			&cli.DurationFlag{
				Name:    "periodic-scheduler-check-interval",
				Usage:   "Scheduler loop period",
				Value:   time.Minute,
				Sources: cli.EnvVars("PERIODIC_SCHEDULER_CHECK_INTERVAL"),
			},
			&cli.DurationFlag{
				Name:    "solr-commit-period",
				Usage:   "Index commit window before artefacts are ready for viewing",
				Value:   15 * time.Minute,
				Sources: cli.EnvVars("SOLR_COMMIT_PERIOD"),
			},
			&cli.DurationFlag{
				Name:    "lock-watchdog-timeout",
				Usage:   "Grace period after which a crashed holder's lock auto-releases",
				Value:   30 * time.Second,
				Sources: cli.EnvVars("LOCK_WATCHDOG_TIMEOUT"),
			},
			&cli.IntFlag{
				Name:    "depublish-max-records-per-dataset",
				Usage:   "Depublish registry cap per dataset",
				Value:   1000,
				Sources: cli.EnvVars("DEPUBLISH_MAX_RECORDS_PER_DATASET"),
			},
			&cli.BoolFlag{
				Name:    "tracing",
				Usage:   "Export OTLP traces",
				Value:   false,
				Sources: cli.EnvVars("TRACING_ENABLED"),
			},
			&cli.StringFlag{
				Name:    "log-level",
				Usage:   "Log level (debug, info, warn, error)",
				Value:   "info",
				Sources: cli.EnvVars("LOG_LEVEL"),
			},
		},
		Action: run,
	}
}

func run(ctx context.Context, command *cli.Command) error {
	log.Setup(command.String("log-level"))

	workerID := command.String("worker-id")
	if workerID == "" {
		workerID = fmt.Sprintf("worker-%s", uuid.New().String()[:8])
	}

	logger := log.WithModule("heritago-orchestrator").With("worker_id", workerID)
	logger.InfoContext(ctx, "Initializing orchestration core")

	store := cmd.NewPersistence(ctx, logger, command.String("database-url"))
	defer func() {
		if err := store.Close(ctx); err != nil {
			logger.ErrorContext(ctx, "Failed to close persistence", "error", err)
		}
	}()

	q := cmd.NewQueue(ctx, command.String("redis-addr"), command.String("redis-password"), logger)
	defer func() {
		if err := q.Close(); err != nil {
			logger.ErrorContext(ctx, "Failed to close queue", "error", err)
		}
	}()

	locker := cmd.NewLocker(ctx, command.String("redis-addr"), command.String("redis-password"),
		command.Duration("lock-watchdog-timeout"), logger)
	defer func() {
		if err := locker.Close(); err != nil {
			logger.ErrorContext(ctx, "Failed to close locker", "error", err)
		}
	}()

	eventBus := cmd.NewEventBus(command.String("event-bus"), command.String("kafka-brokers"), logger)
	defer func() {
		if err := eventBus.Close(); err != nil {
			logger.ErrorContext(ctx, "Failed to close event bus", "error", err)
		}
	}()

	tasks := dps.NewClient(dps.Options{
		BaseURL:  command.String("task-service-url"),
		Username: command.String("task-service-username"),
		Password: command.String("task-service-password"),
	}, logger)

	core := orchestrator.New(store, q, locker, eventBus, orchestrator.Config{
		DepublishMaxRecordsPerDataset: command.Int("depublish-max-records-per-dataset"),
		SolrCommitPeriod:              command.Duration("solr-commit-period"),
	}, logger)
	core.WithDatasetVerifier(tasks)

	if command.Bool("tracing") {
		tracer, err := otelhelper.NewTracer(ctx, "heritago-orchestrator")
		if err != nil {
			return fmt.Errorf("failed to initialize tracer: %w", err)
		}

		core.WithTracer(tracer)
	}

	executor := worker.NewExecutor(store.Executions(), tasks, core.DepublishRegistry(),
		eventBus, command.Duration("monitor-check-interval"), logger)
	manager := worker.NewManager(workerID, store.Executions(), q, executor, eventBus,
		command.Int("max-concurrent-threads"), logger).
		WithClaimStaleness(command.Duration("failsafe-staleness"))

	failsafe := worker.NewFailsafe(store.Executions(), q, locker, manager,
		command.Duration("periodic-failsafe-check-interval"),
		command.Duration("failsafe-staleness"), logger)
	if err := failsafe.Start(ctx); err != nil {
		return err
	}
	defer failsafe.Stop()

	scheduler := worker.NewScheduler(store.Schedules(), core, locker,
		command.Duration("periodic-scheduler-check-interval"), logger)
	if err := scheduler.Start(ctx); err != nil {
		return err
	}
	defer scheduler.Stop()

	runCtx, cancel := context.WithCancel(ctx)
	defer cancel()

	go func() {
		sigChan := make(chan os.Signal, 1)
		signal.Notify(sigChan, syscall.SIGINT, syscall.SIGTERM)
		<-sigChan
		logger.Info("Shutting down...")
		cancel()
	}()

	if err := manager.Start(runCtx); err != nil && runCtx.Err() == nil {
		return err
	}

	return nil
}
