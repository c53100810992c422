package mongodb

import (
	"context"
	"errors"
	"time"

	"github.com/heritago/heritago/pkg/models"
	"github.com/heritago/heritago/pkg/persistence"
	"go.mongodb.org/mongo-driver/bson"
	"go.mongodb.org/mongo-driver/mongo"
	"go.mongodb.org/mongo-driver/mongo/options"
)

type executionStore struct {
	p          *Persistence
	collection *mongo.Collection
}

var activeStatuses = bson.A{models.WorkflowStatusInQueue, models.WorkflowStatusRunning}

func (s *executionStore) CreateExecution(ctx context.Context, execution *models.WorkflowExecution) (string, error) {
	execution.CreatedDate = execution.CreatedDate.UTC()
	execution.UpdatedDate = time.Now().UTC()

	err := s.p.withRetry(ctx, func() error {
		_, err := s.collection.InsertOne(ctx, execution)

		return err
	})
	// Idempotent by execution id: a retried insert that already landed is fine.
	if err != nil && !mongo.IsDuplicateKeyError(err) {
		return "", persistence.NewStoreError("CreateExecution", execution.DatasetID, err)
	}

	return execution.ID, nil
}

func (s *executionStore) ExecutionByID(ctx context.Context, executionID string) (*models.WorkflowExecution, error) {
	var execution models.WorkflowExecution
	err := s.p.withRetry(ctx, func() error {
		return s.collection.FindOne(ctx, bson.M{"_id": executionID}).Decode(&execution)
	})
	if errors.Is(err, mongo.ErrNoDocuments) {
		return nil, persistence.ErrExecutionNotFound
	}
	if err != nil {
		return nil, persistence.NewStoreError("ExecutionByID", executionID, err)
	}

	return &execution, nil
}

func (s *executionStore) UpdateExecution(ctx context.Context, execution *models.WorkflowExecution) error {
	stored, err := s.ExecutionByID(ctx, execution.ID)
	if err != nil {
		return err
	}

	if err := checkMonotonic(stored, execution); err != nil {
		return err
	}

	execution.UpdatedDate = time.Now().UTC()

	err = s.p.withRetry(ctx, func() error {
		_, err := s.collection.ReplaceOne(ctx, bson.M{"_id": execution.ID}, execution)

		return err
	})
	if err != nil {
		return persistence.NewStoreError("UpdateExecution", execution.ID, err)
	}

	return nil
}

// checkMonotonic rejects updates that would regress the execution status or
// any recorded plugin status.
func checkMonotonic(stored, updated *models.WorkflowExecution) error {
	if stored.Status != updated.Status && !stored.Status.CanTransitionTo(updated.Status) {
		return persistence.ErrInvalidStatusTransition
	}

	for _, plugin := range updated.Plugins {
		storedPlugin := stored.PluginByID(plugin.ID)
		if storedPlugin == nil {
			continue
		}

		if storedPlugin.Status != plugin.Status && !storedPlugin.Status.CanTransitionTo(plugin.Status) {
			return persistence.ErrInvalidStatusTransition
		}
	}

	return nil
}

func (s *executionStore) ClaimExecution(ctx context.Context, executionID string,
	runningCutoff time.Time) (*models.WorkflowExecution, error) {

	now := time.Now().UTC()
	filter := bson.M{
		"_id": executionID,
		"$or": bson.A{
			bson.M{"status": models.WorkflowStatusInQueue},
			bson.M{"status": models.WorkflowStatusRunning, "updatedDate": bson.M{"$lt": runningCutoff}},
		},
	}
	update := mongo.Pipeline{{{Key: "$set", Value: bson.M{
		"status":      models.WorkflowStatusRunning,
		"updatedDate": now,
		"startedDate": bson.M{"$ifNull": bson.A{"$startedDate", now}},
	}}}}

	var execution models.WorkflowExecution
	err := s.p.withRetry(ctx, func() error {
		return s.collection.FindOneAndUpdate(ctx, filter, update,
			options.FindOneAndUpdate().SetReturnDocument(options.After)).Decode(&execution)
	})
	if errors.Is(err, mongo.ErrNoDocuments) {
		// Distinguish a missing execution from one claimed elsewhere.
		if _, lookupErr := s.ExecutionByID(ctx, executionID); lookupErr != nil {
			return nil, lookupErr
		}

		return nil, persistence.ErrExecutionNotClaimable
	}
	if err != nil {
		return nil, persistence.NewStoreError("ClaimExecution", executionID, err)
	}

	return &execution, nil
}

func (s *executionStore) SetCancellingState(ctx context.Context, executionID, cancelledBy string) error {
	var result *mongo.UpdateResult
	err := s.p.withRetry(ctx, func() error {
		var err error
		result, err = s.collection.UpdateOne(ctx, bson.M{"_id": executionID}, bson.M{
			"$set": bson.M{
				"cancelling":  true,
				"cancelledBy": cancelledBy,
				"updatedDate": time.Now().UTC(),
			},
		})

		return err
	})
	if err != nil {
		return persistence.NewStoreError("SetCancellingState", executionID, err)
	}
	if result.MatchedCount == 0 {
		return persistence.ErrExecutionNotFound
	}

	return nil
}

func (s *executionStore) ExistsAndNotCompleted(ctx context.Context, datasetID string) (string, error) {
	var result struct {
		ID string `bson:"_id"`
	}
	err := s.p.withRetry(ctx, func() error {
		return s.collection.FindOne(ctx,
			bson.M{"datasetId": datasetID, "status": bson.M{"$in": activeStatuses}},
			options.FindOne().SetProjection(bson.M{"_id": 1}),
		).Decode(&result)
	})
	if errors.Is(err, mongo.ErrNoDocuments) {
		return "", nil
	}
	if err != nil {
		return "", persistence.NewStoreError("ExistsAndNotCompleted", datasetID, err)
	}

	return result.ID, nil
}

func (s *executionStore) RunningOrInQueueExecution(ctx context.Context, datasetID string) (*models.WorkflowExecution, error) {
	var execution models.WorkflowExecution
	err := s.p.withRetry(ctx, func() error {
		return s.collection.FindOne(ctx,
			bson.M{"datasetId": datasetID, "status": bson.M{"$in": activeStatuses}},
		).Decode(&execution)
	})
	if errors.Is(err, mongo.ErrNoDocuments) {
		return nil, nil
	}
	if err != nil {
		return nil, persistence.NewStoreError("RunningOrInQueueExecution", datasetID, err)
	}

	return &execution, nil
}

// pluginProjection is the decode target of the plugin lookup pipelines.
type pluginProjection struct {
	ID     string        `bson:"_id"`
	Plugin models.Plugin `bson:"plugin"`
}

func (s *executionStore) findSuccessfulPlugin(ctx context.Context, datasetID string,
	kinds []models.PluginKind, limitToValid, latest bool) (*persistence.PluginWithExecutionID, error) {

	pluginMatch := bson.M{
		"plugins.kind":   bson.M{"$in": kinds},
		"plugins.status": models.PluginStatusFinished,
	}
	if limitToValid {
		pluginMatch["plugins.dataStatus"] = bson.M{"$in": bson.A{nil, "", models.DataStatusValid}}
		pluginMatch["$expr"] = bson.M{"$gt": bson.A{
			bson.M{"$subtract": bson.A{"$plugins.progress.processed", "$plugins.progress.errors"}},
			0,
		}}
	}

	direction := 1
	if latest {
		direction = -1
	}

	pipeline := mongo.Pipeline{
		{{Key: "$match", Value: bson.M{"datasetId": datasetID}}},
		{{Key: "$unwind", Value: "$plugins"}},
		{{Key: "$match", Value: pluginMatch}},
		{{Key: "$sort", Value: bson.D{{Key: "plugins.finishedDate", Value: direction}}}},
		{{Key: "$limit", Value: 1}},
		{{Key: "$project", Value: bson.M{"_id": 1, "plugin": "$plugins"}}},
	}

	var results []pluginProjection
	err := s.p.withRetry(ctx, func() error {
		cursor, err := s.collection.Aggregate(ctx, pipeline)
		if err != nil {
			return err
		}

		results = results[:0]

		return cursor.All(ctx, &results)
	})
	if err != nil {
		return nil, persistence.NewStoreError("FindSuccessfulPlugin", datasetID, err)
	}
	if len(results) == 0 {
		return nil, nil
	}

	return &persistence.PluginWithExecutionID{
		ExecutionID: results[0].ID,
		Plugin:      &results[0].Plugin,
	}, nil
}

func (s *executionStore) LatestSuccessfulExecutablePlugin(ctx context.Context, datasetID string,
	kinds []models.PluginKind, limitToValid bool) (*persistence.PluginWithExecutionID, error) {

	executable := make([]models.PluginKind, 0, len(kinds))
	for _, kind := range kinds {
		if kind.Executable() {
			executable = append(executable, kind)
		}
	}

	return s.findSuccessfulPlugin(ctx, datasetID, executable, limitToValid, true)
}

func (s *executionStore) FirstSuccessfulPlugin(ctx context.Context, datasetID string,
	kinds []models.PluginKind) (*persistence.PluginWithExecutionID, error) {
	return s.findSuccessfulPlugin(ctx, datasetID, kinds, false, false)
}

func (s *executionStore) LatestSuccessfulPlugin(ctx context.Context, datasetID string,
	kinds []models.PluginKind) (*persistence.PluginWithExecutionID, error) {
	return s.findSuccessfulPlugin(ctx, datasetID, kinds, false, true)
}

func (s *executionStore) AllExecutions(ctx context.Context, filter persistence.ExecutionFilter) ([]*models.WorkflowExecution, error) {
	match := bson.M{}
	if len(filter.DatasetIDs) > 0 {
		match["datasetId"] = bson.M{"$in": filter.DatasetIDs}
	}
	if len(filter.Statuses) > 0 {
		match["status"] = bson.M{"$in": filter.Statuses}
	}

	orderField := filter.OrderField
	if orderField == "" {
		orderField = persistence.OrderByCreatedDate
	}

	direction := -1
	if filter.Ascending {
		direction = 1
	}

	pageSize := filter.PageSize
	if pageSize <= 0 {
		pageSize = defaultPageSize
	}

	findOptions := options.Find().
		SetSort(bson.D{{Key: string(orderField), Value: direction}}).
		SetSkip(int64(filter.Page * pageSize)).
		SetLimit(int64(pageSize))

	var executions []*models.WorkflowExecution
	err := s.p.withRetry(ctx, func() error {
		cursor, err := s.collection.Find(ctx, match, findOptions)
		if err != nil {
			return err
		}

		executions = executions[:0]

		return cursor.All(ctx, &executions)
	})
	if err != nil {
		return nil, persistence.NewStoreError("AllExecutions", "", err)
	}

	return executions, nil
}

func (s *executionStore) ExecutionsOverview(ctx context.Context, filter persistence.OverviewFilter) ([]*models.WorkflowExecution, error) {
	match := bson.M{}
	if len(filter.DatasetIDs) > 0 {
		match["datasetId"] = bson.M{"$in": filter.DatasetIDs}
	}

	pluginMatch := bson.M{}
	if len(filter.PluginStatuses) > 0 {
		pluginMatch["status"] = bson.M{"$in": filter.PluginStatuses}
	}
	if len(filter.PluginKinds) > 0 {
		pluginMatch["kind"] = bson.M{"$in": filter.PluginKinds}
	}
	if len(pluginMatch) > 0 {
		match["plugins"] = bson.M{"$elemMatch": pluginMatch}
	}

	createdRange := bson.M{}
	if filter.FromDate != nil {
		createdRange["$gte"] = *filter.FromDate
	}
	if filter.ToDate != nil {
		createdRange["$lt"] = *filter.ToDate
	}
	if len(createdRange) > 0 {
		match["createdDate"] = createdRange
	}

	pageSize := filter.PageSize
	if pageSize <= 0 {
		pageSize = defaultPageSize
	}

	pageCount := filter.PageCount
	if pageCount <= 0 {
		pageCount = 1
	}

	// Non-terminal executions first (INQUEUE, then RUNNING), then terminal
	// ones; within each bucket newest created first.
	pipeline := mongo.Pipeline{
		{{Key: "$match", Value: match}},
		{{Key: "$addFields", Value: bson.M{"statusBucket": bson.M{"$switch": bson.M{
			"branches": bson.A{
				bson.M{"case": bson.M{"$eq": bson.A{"$status", models.WorkflowStatusInQueue}}, "then": 0},
				bson.M{"case": bson.M{"$eq": bson.A{"$status", models.WorkflowStatusRunning}}, "then": 1},
			},
			"default": 2,
		}}}}},
		{{Key: "$sort", Value: bson.D{
			{Key: "statusBucket", Value: 1},
			{Key: "createdDate", Value: -1},
		}}},
		{{Key: "$skip", Value: filter.Page * pageSize}},
		{{Key: "$limit", Value: pageCount * pageSize}},
	}

	var executions []*models.WorkflowExecution
	err := s.p.withRetry(ctx, func() error {
		cursor, err := s.collection.Aggregate(ctx, pipeline)
		if err != nil {
			return err
		}

		executions = executions[:0]

		return cursor.All(ctx, &executions)
	})
	if err != nil {
		return nil, persistence.NewStoreError("ExecutionsOverview", "", err)
	}

	return executions, nil
}

func (s *executionStore) StaleActiveExecutions(ctx context.Context, cutoff time.Time) ([]*models.WorkflowExecution, error) {
	var executions []*models.WorkflowExecution
	err := s.p.withRetry(ctx, func() error {
		cursor, err := s.collection.Find(ctx, bson.M{
			"status":      bson.M{"$in": activeStatuses},
			"updatedDate": bson.M{"$lt": cutoff},
		})
		if err != nil {
			return err
		}

		executions = executions[:0]

		return cursor.All(ctx, &executions)
	})
	if err != nil {
		return nil, persistence.NewStoreError("StaleActiveExecutions", "", err)
	}

	return executions, nil
}
