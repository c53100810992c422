// Package memory implements the persistence interfaces in process memory.
// It backs unit tests and local development; semantics match the mongodb
// implementation, including the monotonic status guard.
package memory

import (
	"context"
	"sort"
	"strings"
	"sync"
	"time"

	"github.com/heritago/heritago/pkg/models"
	"github.com/heritago/heritago/pkg/persistence"
)

const defaultPageSize = 16

// Persistence is an in-memory persistence.Persistence implementation.
type Persistence struct {
	mu sync.RWMutex

	workflows  map[string]*models.Workflow          // by dataset id
	executions map[string]*models.WorkflowExecution // by execution id
	schedules  map[string]*models.ScheduledWorkflow // by dataset id
	depublish  map[string][]*models.DepublishRecordID
}

func NewPersistence() *Persistence {
	return &Persistence{
		workflows:  make(map[string]*models.Workflow),
		executions: make(map[string]*models.WorkflowExecution),
		schedules:  make(map[string]*models.ScheduledWorkflow),
		depublish:  make(map[string][]*models.DepublishRecordID),
	}
}

func (p *Persistence) Workflows() persistence.WorkflowStore         { return (*workflowStore)(p) }
func (p *Persistence) Executions() persistence.ExecutionStore       { return (*executionStore)(p) }
func (p *Persistence) Schedules() persistence.ScheduleStore         { return (*scheduleStore)(p) }
func (p *Persistence) DepublishRecords() persistence.DepublishStore { return (*depublishStore)(p) }

func (p *Persistence) HealthCheck(context.Context) error { return nil }
func (p *Persistence) Close(context.Context) error       { return nil }

func copyExecution(e *models.WorkflowExecution) *models.WorkflowExecution {
	clone := *e
	clone.Plugins = make([]*models.Plugin, len(e.Plugins))
	for i, plugin := range e.Plugins {
		pluginClone := *plugin
		if plugin.Parameters != nil {
			pluginClone.Parameters = make(map[string]any, len(plugin.Parameters))
			for k, v := range plugin.Parameters {
				pluginClone.Parameters[k] = v
			}
		}
		clone.Plugins[i] = &pluginClone
	}

	return &clone
}

func copyWorkflow(w *models.Workflow) *models.Workflow {
	clone := *w
	clone.Plugins = append([]models.PluginConfig(nil), w.Plugins...)

	return &clone
}

// --- workflows ---

type workflowStore Persistence

func (s *workflowStore) CreateWorkflow(_ context.Context, workflow *models.Workflow) error {
	s.mu.Lock()
	defer s.mu.Unlock()

	if _, ok := s.workflows[workflow.DatasetID]; ok {
		return persistence.ErrWorkflowAlreadyExists
	}

	now := time.Now().UTC()
	workflow.CreatedAt = now
	workflow.UpdatedAt = now
	s.workflows[workflow.DatasetID] = copyWorkflow(workflow)

	return nil
}

func (s *workflowStore) UpdateWorkflow(_ context.Context, workflow *models.Workflow) error {
	s.mu.Lock()
	defer s.mu.Unlock()

	if _, ok := s.workflows[workflow.DatasetID]; !ok {
		return persistence.ErrWorkflowNotFound
	}

	workflow.UpdatedAt = time.Now().UTC()
	s.workflows[workflow.DatasetID] = copyWorkflow(workflow)

	return nil
}

func (s *workflowStore) DeleteWorkflow(_ context.Context, datasetID string) error {
	s.mu.Lock()
	defer s.mu.Unlock()

	delete(s.workflows, datasetID)

	return nil
}

func (s *workflowStore) WorkflowByDataset(_ context.Context, datasetID string) (*models.Workflow, error) {
	s.mu.RLock()
	defer s.mu.RUnlock()

	workflow, ok := s.workflows[datasetID]
	if !ok {
		return nil, persistence.ErrWorkflowNotFound
	}

	return copyWorkflow(workflow), nil
}

func (s *workflowStore) WorkflowExists(_ context.Context, datasetID string) (bool, error) {
	s.mu.RLock()
	defer s.mu.RUnlock()

	_, ok := s.workflows[datasetID]

	return ok, nil
}

// --- executions ---

type executionStore Persistence

func (s *executionStore) CreateExecution(_ context.Context, execution *models.WorkflowExecution) (string, error) {
	s.mu.Lock()
	defer s.mu.Unlock()

	if _, ok := s.executions[execution.ID]; ok {
		return execution.ID, nil
	}

	execution.UpdatedDate = time.Now().UTC()
	s.executions[execution.ID] = copyExecution(execution)

	return execution.ID, nil
}

func (s *executionStore) ExecutionByID(_ context.Context, executionID string) (*models.WorkflowExecution, error) {
	s.mu.RLock()
	defer s.mu.RUnlock()

	execution, ok := s.executions[executionID]
	if !ok {
		return nil, persistence.ErrExecutionNotFound
	}

	return copyExecution(execution), nil
}

func (s *executionStore) UpdateExecution(_ context.Context, execution *models.WorkflowExecution) error {
	s.mu.Lock()
	defer s.mu.Unlock()

	stored, ok := s.executions[execution.ID]
	if !ok {
		return persistence.ErrExecutionNotFound
	}

	if stored.Status != execution.Status && !stored.Status.CanTransitionTo(execution.Status) {
		return persistence.ErrInvalidStatusTransition
	}

	for _, plugin := range execution.Plugins {
		storedPlugin := stored.PluginByID(plugin.ID)
		if storedPlugin == nil {
			continue
		}

		if storedPlugin.Status != plugin.Status && !storedPlugin.Status.CanTransitionTo(plugin.Status) {
			return persistence.ErrInvalidStatusTransition
		}
	}

	execution.UpdatedDate = time.Now().UTC()
	s.executions[execution.ID] = copyExecution(execution)

	return nil
}

func (s *executionStore) ClaimExecution(_ context.Context, executionID string,
	runningCutoff time.Time) (*models.WorkflowExecution, error) {

	s.mu.Lock()
	defer s.mu.Unlock()

	execution, ok := s.executions[executionID]
	if !ok {
		return nil, persistence.ErrExecutionNotFound
	}

	switch {
	case execution.Status == models.WorkflowStatusInQueue:
	case execution.Status == models.WorkflowStatusRunning && execution.UpdatedDate.Before(runningCutoff):
	default:
		return nil, persistence.ErrExecutionNotClaimable
	}

	now := time.Now().UTC()
	execution.Status = models.WorkflowStatusRunning
	if execution.StartedDate == nil {
		execution.StartedDate = &now
	}
	execution.UpdatedDate = now

	return copyExecution(execution), nil
}

func (s *executionStore) SetCancellingState(_ context.Context, executionID, cancelledBy string) error {
	s.mu.Lock()
	defer s.mu.Unlock()

	execution, ok := s.executions[executionID]
	if !ok {
		return persistence.ErrExecutionNotFound
	}

	execution.Cancelling = true
	execution.CancelledBy = cancelledBy
	execution.UpdatedDate = time.Now().UTC()

	return nil
}

func (s *executionStore) ExistsAndNotCompleted(_ context.Context, datasetID string) (string, error) {
	s.mu.RLock()
	defer s.mu.RUnlock()

	for _, execution := range s.executions {
		if execution.DatasetID == datasetID && !execution.Status.Terminal() {
			return execution.ID, nil
		}
	}

	return "", nil
}

func (s *executionStore) RunningOrInQueueExecution(_ context.Context, datasetID string) (*models.WorkflowExecution, error) {
	s.mu.RLock()
	defer s.mu.RUnlock()

	for _, execution := range s.executions {
		if execution.DatasetID == datasetID && !execution.Status.Terminal() {
			return copyExecution(execution), nil
		}
	}

	return nil, nil
}

func (s *executionStore) findSuccessfulPlugin(datasetID string, kinds []models.PluginKind,
	limitToValid, latest bool) *persistence.PluginWithExecutionID {

	var best *persistence.PluginWithExecutionID
	for _, execution := range s.executions {
		if execution.DatasetID != datasetID {
			continue
		}

		for _, plugin := range execution.Plugins {
			if plugin.Status != models.PluginStatusFinished || !models.KindsContain(kinds, plugin.Kind) {
				continue
			}

			if limitToValid && !plugin.DataValid() {
				continue
			}

			if plugin.FinishedDate == nil {
				continue
			}

			if best == nil ||
				(latest && plugin.FinishedDate.After(*best.Plugin.FinishedDate)) ||
				(!latest && plugin.FinishedDate.Before(*best.Plugin.FinishedDate)) {
				pluginClone := *plugin
				best = &persistence.PluginWithExecutionID{ExecutionID: execution.ID, Plugin: &pluginClone}
			}
		}
	}

	return best
}

func (s *executionStore) LatestSuccessfulExecutablePlugin(_ context.Context, datasetID string,
	kinds []models.PluginKind, limitToValid bool) (*persistence.PluginWithExecutionID, error) {

	s.mu.RLock()
	defer s.mu.RUnlock()

	executable := make([]models.PluginKind, 0, len(kinds))
	for _, kind := range kinds {
		if kind.Executable() {
			executable = append(executable, kind)
		}
	}

	return s.findSuccessfulPlugin(datasetID, executable, limitToValid, true), nil
}

func (s *executionStore) FirstSuccessfulPlugin(_ context.Context, datasetID string,
	kinds []models.PluginKind) (*persistence.PluginWithExecutionID, error) {

	s.mu.RLock()
	defer s.mu.RUnlock()

	return s.findSuccessfulPlugin(datasetID, kinds, false, false), nil
}

func (s *executionStore) LatestSuccessfulPlugin(_ context.Context, datasetID string,
	kinds []models.PluginKind) (*persistence.PluginWithExecutionID, error) {

	s.mu.RLock()
	defer s.mu.RUnlock()

	return s.findSuccessfulPlugin(datasetID, kinds, false, true), nil
}

func (s *executionStore) AllExecutions(_ context.Context, filter persistence.ExecutionFilter) ([]*models.WorkflowExecution, error) {
	s.mu.RLock()
	defer s.mu.RUnlock()

	matches := make([]*models.WorkflowExecution, 0)
	for _, execution := range s.executions {
		if len(filter.DatasetIDs) > 0 && !containsString(filter.DatasetIDs, execution.DatasetID) {
			continue
		}

		if len(filter.Statuses) > 0 && !containsStatus(filter.Statuses, execution.Status) {
			continue
		}

		matches = append(matches, copyExecution(execution))
	}

	orderField := filter.OrderField
	if orderField == "" {
		orderField = persistence.OrderByCreatedDate
	}

	sort.SliceStable(matches, func(i, j int) bool {
		before := orderTime(matches[i], orderField).Before(orderTime(matches[j], orderField))
		if filter.Ascending {
			return before
		}

		return !before
	})

	return paginate(matches, filter.Page, filter.PageSize, 1), nil
}

func (s *executionStore) ExecutionsOverview(_ context.Context, filter persistence.OverviewFilter) ([]*models.WorkflowExecution, error) {
	s.mu.RLock()
	defer s.mu.RUnlock()

	matches := make([]*models.WorkflowExecution, 0)
	for _, execution := range s.executions {
		if len(filter.DatasetIDs) > 0 && !containsString(filter.DatasetIDs, execution.DatasetID) {
			continue
		}

		if filter.FromDate != nil && execution.CreatedDate.Before(*filter.FromDate) {
			continue
		}

		if filter.ToDate != nil && !execution.CreatedDate.Before(*filter.ToDate) {
			continue
		}

		if !matchesPluginFilter(execution, filter) {
			continue
		}

		matches = append(matches, copyExecution(execution))
	}

	sort.SliceStable(matches, func(i, j int) bool {
		bucketI, bucketJ := statusBucket(matches[i].Status), statusBucket(matches[j].Status)
		if bucketI != bucketJ {
			return bucketI < bucketJ
		}

		return matches[i].CreatedDate.After(matches[j].CreatedDate)
	})

	return paginate(matches, filter.Page, filter.PageSize, filter.PageCount), nil
}

func (s *executionStore) StaleActiveExecutions(_ context.Context, cutoff time.Time) ([]*models.WorkflowExecution, error) {
	s.mu.RLock()
	defer s.mu.RUnlock()

	stale := make([]*models.WorkflowExecution, 0)
	for _, execution := range s.executions {
		if !execution.Status.Terminal() && execution.UpdatedDate.Before(cutoff) {
			stale = append(stale, copyExecution(execution))
		}
	}

	return stale, nil
}

func matchesPluginFilter(execution *models.WorkflowExecution, filter persistence.OverviewFilter) bool {
	if len(filter.PluginStatuses) == 0 && len(filter.PluginKinds) == 0 {
		return true
	}

	for _, plugin := range execution.Plugins {
		statusOK := len(filter.PluginStatuses) == 0
		for _, status := range filter.PluginStatuses {
			if plugin.Status == status {
				statusOK = true

				break
			}
		}

		kindOK := len(filter.PluginKinds) == 0 || models.KindsContain(filter.PluginKinds, plugin.Kind)
		if statusOK && kindOK {
			return true
		}
	}

	return false
}

func statusBucket(status models.WorkflowStatus) int {
	switch status {
	case models.WorkflowStatusInQueue:
		return 0
	case models.WorkflowStatusRunning:
		return 1
	default:
		return 2
	}
}

func orderTime(execution *models.WorkflowExecution, field persistence.OrderField) time.Time {
	switch field {
	case persistence.OrderByStartedDate:
		if execution.StartedDate != nil {
			return *execution.StartedDate
		}

		return time.Time{}
	case persistence.OrderByFinishedDate:
		if execution.FinishedDate != nil {
			return *execution.FinishedDate
		}

		return time.Time{}
	default:
		return execution.CreatedDate
	}
}

func paginate(executions []*models.WorkflowExecution, page, pageSize, pageCount int) []*models.WorkflowExecution {
	if pageSize <= 0 {
		pageSize = defaultPageSize
	}

	if pageCount <= 0 {
		pageCount = 1
	}

	start := page * pageSize
	if start >= len(executions) {
		return nil
	}

	end := start + pageSize*pageCount
	if end > len(executions) {
		end = len(executions)
	}

	return executions[start:end]
}

func containsString(values []string, value string) bool {
	for _, v := range values {
		if v == value {
			return true
		}
	}

	return false
}

func containsStatus(statuses []models.WorkflowStatus, status models.WorkflowStatus) bool {
	for _, s := range statuses {
		if s == status {
			return true
		}
	}

	return false
}

// --- schedules ---

type scheduleStore Persistence

func (s *scheduleStore) CreateScheduledWorkflow(_ context.Context, schedule *models.ScheduledWorkflow) error {
	s.mu.Lock()
	defer s.mu.Unlock()

	if _, ok := s.schedules[schedule.DatasetID]; ok {
		return persistence.ErrScheduleAlreadyExists
	}

	clone := *schedule
	s.schedules[schedule.DatasetID] = &clone

	return nil
}

func (s *scheduleStore) UpdateScheduledWorkflow(_ context.Context, schedule *models.ScheduledWorkflow) error {
	s.mu.Lock()
	defer s.mu.Unlock()

	if _, ok := s.schedules[schedule.DatasetID]; !ok {
		return persistence.ErrScheduleNotFound
	}

	clone := *schedule
	s.schedules[schedule.DatasetID] = &clone

	return nil
}

func (s *scheduleStore) DeleteScheduledWorkflow(_ context.Context, datasetID string) error {
	s.mu.Lock()
	defer s.mu.Unlock()

	delete(s.schedules, datasetID)

	return nil
}

func (s *scheduleStore) ScheduledWorkflowByDataset(_ context.Context, datasetID string) (*models.ScheduledWorkflow, error) {
	s.mu.RLock()
	defer s.mu.RUnlock()

	schedule, ok := s.schedules[datasetID]
	if !ok {
		return nil, persistence.ErrScheduleNotFound
	}

	clone := *schedule

	return &clone, nil
}

func (s *scheduleStore) AllScheduledWorkflows(_ context.Context) ([]*models.ScheduledWorkflow, error) {
	s.mu.RLock()
	defer s.mu.RUnlock()

	schedules := make([]*models.ScheduledWorkflow, 0, len(s.schedules))
	for _, schedule := range s.schedules {
		clone := *schedule
		schedules = append(schedules, &clone)
	}

	sort.Slice(schedules, func(i, j int) bool {
		return schedules[i].DatasetID < schedules[j].DatasetID
	})

	return schedules, nil
}

// --- depublish registry ---

type depublishStore Persistence

func (s *depublishStore) ExistingRecordIDs(_ context.Context, datasetID string, recordIDs []string) ([]string, error) {
	s.mu.RLock()
	defer s.mu.RUnlock()

	existing := make([]string, 0)
	for _, record := range s.depublish[datasetID] {
		if containsString(recordIDs, record.RecordID) {
			existing = append(existing, record.RecordID)
		}
	}

	return existing, nil
}

func (s *depublishStore) InsertRecordIDs(_ context.Context, datasetID string, recordIDs []string,
	status models.DepublicationStatus, date *time.Time) error {

	s.mu.Lock()
	defer s.mu.Unlock()

	for _, recordID := range recordIDs {
		if s.findRecord(datasetID, recordID) != nil {
			continue
		}

		s.depublish[datasetID] = append(s.depublish[datasetID], &models.DepublishRecordID{
			DatasetID:         datasetID,
			RecordID:          recordID,
			Status:            status,
			DepublicationDate: date,
		})
	}

	return nil
}

func (s *depublishStore) findRecord(datasetID, recordID string) *models.DepublishRecordID {
	for _, record := range s.depublish[datasetID] {
		if record.RecordID == recordID {
			return record
		}
	}

	return nil
}

func (s *depublishStore) DeletePendingRecordIDs(_ context.Context, datasetID string, recordIDs []string) (int, error) {
	s.mu.Lock()
	defer s.mu.Unlock()

	kept := s.depublish[datasetID][:0]
	deleted := 0
	for _, record := range s.depublish[datasetID] {
		if record.Status == models.DepublicationPending && containsString(recordIDs, record.RecordID) {
			deleted++

			continue
		}

		kept = append(kept, record)
	}
	s.depublish[datasetID] = kept

	return deleted, nil
}

func (s *depublishStore) CountRecordIDs(_ context.Context, datasetID string) (int64, error) {
	s.mu.RLock()
	defer s.mu.RUnlock()

	return int64(len(s.depublish[datasetID])), nil
}

func (s *depublishStore) CountRecordIDsByStatus(_ context.Context, datasetID string,
	status models.DepublicationStatus) (int64, error) {

	s.mu.RLock()
	defer s.mu.RUnlock()

	var count int64
	for _, record := range s.depublish[datasetID] {
		if record.Status == status {
			count++
		}
	}

	return count, nil
}

func (s *depublishStore) ListRecordIDs(_ context.Context, datasetID string, page int,
	sortField models.DepublishSortField, direction models.SortDirection, search string) ([]*models.DepublishRecordID, error) {

	s.mu.RLock()
	defer s.mu.RUnlock()

	records := make([]*models.DepublishRecordID, 0)
	for _, record := range s.depublish[datasetID] {
		if search != "" && !strings.Contains(record.RecordID, search) {
			continue
		}

		clone := *record
		records = append(records, &clone)
	}

	sort.SliceStable(records, func(i, j int) bool {
		less := depublishLess(records[i], records[j], sortField)
		if direction == models.SortDescending {
			return !less
		}

		return less
	})

	start := page * defaultPageSize
	if start >= len(records) {
		return nil, nil
	}

	end := start + defaultPageSize
	if end > len(records) {
		end = len(records)
	}

	return records[start:end], nil
}

func depublishLess(a, b *models.DepublishRecordID, field models.DepublishSortField) bool {
	switch field {
	case models.DepublishSortByStatus:
		return a.Status < b.Status
	case models.DepublishSortByDate:
		aDate, bDate := time.Time{}, time.Time{}
		if a.DepublicationDate != nil {
			aDate = *a.DepublicationDate
		}
		if b.DepublicationDate != nil {
			bDate = *b.DepublicationDate
		}

		return aDate.Before(bDate)
	default:
		return a.RecordID < b.RecordID
	}
}

func (s *depublishStore) RecordIDsByStatus(_ context.Context, datasetID string,
	status models.DepublicationStatus, subset []string) ([]string, error) {

	s.mu.RLock()
	defer s.mu.RUnlock()

	recordIDs := make([]string, 0)
	for _, record := range s.depublish[datasetID] {
		if status != "" && record.Status != status {
			continue
		}

		if len(subset) > 0 && !containsString(subset, record.RecordID) {
			continue
		}

		recordIDs = append(recordIDs, record.RecordID)
	}

	return recordIDs, nil
}

func (s *depublishStore) UpdateStatus(_ context.Context, datasetID string, recordIDs []string,
	status models.DepublicationStatus, date *time.Time) error {

	s.mu.Lock()
	defer s.mu.Unlock()

	for _, record := range s.depublish[datasetID] {
		if len(recordIDs) > 0 && !containsString(recordIDs, record.RecordID) {
			continue
		}

		record.Status = status
		if status == models.DepublicationPending {
			record.DepublicationDate = nil
		} else {
			record.DepublicationDate = date
		}
	}

	return nil
}
