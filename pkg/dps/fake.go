package dps

import (
	"context"
	"errors"
	"fmt"
	"sync"

	"github.com/heritago/heritago/pkg/models"
)

// Fake is an in-memory TaskService for tests. Tasks advance through a
// scripted list of progress reports, one per Progress call; the last report
// repeats once reached. Submitted task ids are "task-1", "task-2", ...
type Fake struct {
	mu        sync.Mutex
	nextID    int
	tasks     map[string]*fakeTask
	Submitted []SubmitRequest

	// Script is applied to every newly submitted task. When empty, tasks
	// report PROCESSED with one processed record immediately.
	Script []TaskProgress

	// SubmitErr, when set, fails every SubmitTask call.
	SubmitErr error

	// ProgressFailures, when positive, fails that many Progress calls
	// before reports resume.
	ProgressFailures int
}

type fakeTask struct {
	reports   []TaskProgress
	position  int
	cancelled bool
}

func NewFake() *Fake {
	return &Fake{tasks: make(map[string]*fakeTask)}
}

func (f *Fake) SubmitTask(_ context.Context, request SubmitRequest) (string, error) {
	f.mu.Lock()
	defer f.mu.Unlock()

	if f.SubmitErr != nil {
		return "", f.SubmitErr
	}

	f.nextID++
	taskID := fmt.Sprintf("task-%d", f.nextID)

	script := f.Script
	if len(script) == 0 {
		script = []TaskProgress{{Status: TaskProcessed, Processed: 1, ExpectedRecords: 1}}
	}

	f.tasks[taskID] = &fakeTask{reports: append([]TaskProgress(nil), script...)}
	f.Submitted = append(f.Submitted, request)

	return taskID, nil
}

func (f *Fake) Progress(_ context.Context, _ models.PluginKind, taskID string) (*TaskProgress, error) {
	f.mu.Lock()
	defer f.mu.Unlock()

	task, ok := f.tasks[taskID]
	if !ok {
		return nil, fmt.Errorf("%w: %s", ErrTaskNotFound, taskID)
	}

	if f.ProgressFailures > 0 {
		f.ProgressFailures--

		return nil, errors.New("progress poll unavailable")
	}

	if task.cancelled {
		report := task.reports[task.position]
		report.Status = TaskDropped

		return &report, nil
	}

	report := task.reports[task.position]
	if task.position < len(task.reports)-1 {
		task.position++
	}

	return &report, nil
}

func (f *Fake) CancelTask(_ context.Context, _ models.PluginKind, taskID string) error {
	f.mu.Lock()
	defer f.mu.Unlock()

	task, ok := f.tasks[taskID]
	if !ok {
		return fmt.Errorf("%w: %s", ErrTaskNotFound, taskID)
	}

	task.cancelled = true

	return nil
}
