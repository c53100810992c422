package worker

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"sync"
	"time"

	"github.com/robfig/cron/v3"

	"github.com/heritago/heritago/pkg/lock"
	"github.com/heritago/heritago/pkg/models"
	"github.com/heritago/heritago/pkg/orchestrator"
	"github.com/heritago/heritago/pkg/persistence"
)

// Admitter admits one workflow execution. Satisfied by the orchestrator.
type Admitter interface {
	AddWorkflowExecution(ctx context.Context, request orchestrator.AdmissionRequest) (*models.WorkflowExecution, error)
}

// Scheduler materialises scheduled workflows into admissions. Each tick
// covers the window since the previous tick; one-shot schedules are deleted
// after admission, recurring ones fire whenever their projected occurrence
// falls inside the window. A single instance runs cluster-wide, elected per
// tick via the scheduler lock.
type Scheduler struct {
	schedules persistence.ScheduleStore
	admitter  Admitter
	locker    lock.Locker
	period    time.Duration
	logger    *slog.Logger
	cron      *cron.Cron

	mu       sync.Mutex
	lastTick time.Time
}

func NewScheduler(schedules persistence.ScheduleStore, admitter Admitter,
	locker lock.Locker, period time.Duration, logger *slog.Logger) *Scheduler {

	return &Scheduler{
		schedules: schedules,
		admitter:  admitter,
		locker:    locker,
		period:    period,
		logger:    logger.With("module", "scheduler"),
		lastTick:  time.Now().UTC(),
	}
}

// Start schedules the periodic tick. It returns immediately.
func (s *Scheduler) Start(ctx context.Context) error {
	s.cron = cron.New()

	_, err := s.cron.AddFunc(fmt.Sprintf("@every %s", s.period), func() {
		if err := s.Tick(ctx); err != nil {
			s.logger.ErrorContext(ctx, "Scheduler tick failed", "error", err)
		}
	})
	if err != nil {
		return fmt.Errorf("failed to schedule scheduler loop: %w", err)
	}

	s.cron.Start()
	s.logger.InfoContext(ctx, "Scheduler started", "period", s.period)

	return nil
}

// Stop halts the tick schedule and waits for a running tick to finish.
func (s *Scheduler) Stop() {
	if s.cron == nil {
		return
	}

	<-s.cron.Stop().Done()
}

// Tick runs one scheduling pass ending now. When another instance holds the
// scheduler lock the tick is skipped and the window is not advanced.
func (s *Scheduler) Tick(ctx context.Context) error {
	return s.tick(ctx, time.Now().UTC())
}

func (s *Scheduler) tick(ctx context.Context, now time.Time) error {
	held, err := s.locker.TryAcquire(ctx, lock.SchedulerLockName)
	if err != nil {
		if errors.Is(err, lock.ErrLockHeld) {
			return nil
		}

		return fmt.Errorf("failed to acquire scheduler lock: %w", err)
	}
	defer func() { _ = held.Release(ctx) }()

	s.mu.Lock()
	from := s.lastTick
	s.lastTick = now
	s.mu.Unlock()

	scheduled, err := s.schedules.AllScheduledWorkflows(ctx)
	if err != nil {
		return fmt.Errorf("failed to list scheduled workflows: %w", err)
	}

	for _, schedule := range scheduled {
		occurrence, due := schedule.OccurrenceIn(from, now)
		if !due {
			continue
		}

		s.admit(ctx, schedule, occurrence)
	}

	return nil
}

// admit materialises one due schedule. Admission errors are logged and
// swallowed so one broken dataset cannot stall the loop.
func (s *Scheduler) admit(ctx context.Context, schedule *models.ScheduledWorkflow, occurrence time.Time) {
	logger := s.logger.With("dataset_id", schedule.DatasetID,
		"frequency", schedule.Frequency, "occurrence", occurrence)

	_, err := s.admitter.AddWorkflowExecution(ctx, orchestrator.AdmissionRequest{
		DatasetID: schedule.DatasetID,
		Priority:  schedule.Priority,
		StartedBy: models.StartedBySystem,
	})
	if err != nil {
		logger.ErrorContext(ctx, "Scheduled admission failed", "error", err)

		return
	}

	logger.InfoContext(ctx, "Admitted scheduled execution")

	if schedule.Frequency == models.FrequencyOnce {
		if err := s.schedules.DeleteScheduledWorkflow(ctx, schedule.DatasetID); err != nil {
			logger.ErrorContext(ctx, "Failed to delete one-shot schedule", "error", err)
		}
	}
}
