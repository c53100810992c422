package worker

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"time"

	"github.com/robfig/cron/v3"

	"github.com/heritago/heritago/pkg/lock"
	"github.com/heritago/heritago/pkg/persistence"
	"github.com/heritago/heritago/pkg/queue"
)

// ActiveSet reports which executions are currently supervised in this
// process.
type ActiveSet interface {
	ActiveExecutionIDs() []string
}

// Failsafe periodically rescues executions stranded by a worker crash:
// INQUEUE or RUNNING executions whose updated date went stale and which no
// local worker supervises are re-enqueued at their original priority. A
// single instance runs cluster-wide, elected per tick via the fail-safe
// lock.
type Failsafe struct {
	executions persistence.ExecutionStore
	queue      queue.Queue
	locker     lock.Locker
	active     ActiveSet
	period     time.Duration
	staleness  time.Duration
	logger     *slog.Logger
	cron       *cron.Cron
}

// NewFailsafe builds a fail-safe ticking every period and rescuing
// executions untouched for longer than staleness. The active set may be nil
// when no worker manager runs in this process.
func NewFailsafe(executions persistence.ExecutionStore, q queue.Queue, locker lock.Locker,
	active ActiveSet, period, staleness time.Duration, logger *slog.Logger) *Failsafe {

	return &Failsafe{
		executions: executions,
		queue:      q,
		locker:     locker,
		active:     active,
		period:     period,
		staleness:  staleness,
		logger:     logger.With("module", "failsafe"),
	}
}

// Start schedules the periodic tick. It returns immediately.
func (f *Failsafe) Start(ctx context.Context) error {
	f.cron = cron.New()

	_, err := f.cron.AddFunc(fmt.Sprintf("@every %s", f.period), func() {
		if err := f.Tick(ctx); err != nil {
			f.logger.ErrorContext(ctx, "Fail-safe tick failed", "error", err)
		}
	})
	if err != nil {
		return fmt.Errorf("failed to schedule fail-safe: %w", err)
	}

	f.cron.Start()
	f.logger.InfoContext(ctx, "Fail-safe started", "period", f.period, "staleness", f.staleness)

	return nil
}

// Stop halts the tick schedule and waits for a running tick to finish.
func (f *Failsafe) Stop() {
	if f.cron == nil {
		return
	}

	<-f.cron.Stop().Done()
}

// Tick runs one rescue pass. When another instance holds the fail-safe lock
// the tick is skipped.
func (f *Failsafe) Tick(ctx context.Context) error {
	held, err := f.locker.TryAcquire(ctx, lock.FailsafeLockName)
	if err != nil {
		if errors.Is(err, lock.ErrLockHeld) {
			return nil
		}

		return fmt.Errorf("failed to acquire fail-safe lock: %w", err)
	}
	defer func() { _ = held.Release(ctx) }()

	cutoff := time.Now().UTC().Add(-f.staleness)

	stranded, err := f.executions.StaleActiveExecutions(ctx, cutoff)
	if err != nil {
		return fmt.Errorf("failed to list stale executions: %w", err)
	}

	supervised := make(map[string]struct{})
	if f.active != nil {
		for _, id := range f.active.ActiveExecutionIDs() {
			supervised[id] = struct{}{}
		}
	}

	for _, execution := range stranded {
		if _, ok := supervised[execution.ID]; ok {
			continue
		}

		err := f.queue.Enqueue(ctx, queue.Message{
			ExecutionID: execution.ID,
			DatasetID:   execution.DatasetID,
			Priority:    execution.Priority,
			EnqueuedAt:  time.Now().UTC(),
		})
		if err != nil {
			return fmt.Errorf("failed to re-enqueue execution %s: %w", execution.ID, err)
		}

		f.logger.InfoContext(ctx, "Rescued stranded execution",
			"execution_id", execution.ID, "dataset_id", execution.DatasetID,
			"priority", execution.Priority, "status", execution.Status)
	}

	return nil
}
