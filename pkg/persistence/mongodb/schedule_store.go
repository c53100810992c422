package mongodb

import (
	"context"
	"errors"

	"github.com/heritago/heritago/pkg/models"
	"github.com/heritago/heritago/pkg/persistence"
	"go.mongodb.org/mongo-driver/bson"
	"go.mongodb.org/mongo-driver/mongo"
)

type scheduleStore struct {
	p          *Persistence
	collection *mongo.Collection
}

func (s *scheduleStore) CreateScheduledWorkflow(ctx context.Context, schedule *models.ScheduledWorkflow) error {
	err := s.p.withRetry(ctx, func() error {
		_, err := s.collection.InsertOne(ctx, schedule)

		return err
	})
	if mongo.IsDuplicateKeyError(err) {
		return persistence.ErrScheduleAlreadyExists
	}
	if err != nil {
		return persistence.NewStoreError("CreateScheduledWorkflow", schedule.DatasetID, err)
	}

	return nil
}

func (s *scheduleStore) UpdateScheduledWorkflow(ctx context.Context, schedule *models.ScheduledWorkflow) error {
	var result *mongo.UpdateResult
	err := s.p.withRetry(ctx, func() error {
		var err error
		result, err = s.collection.ReplaceOne(ctx,
			bson.M{"datasetId": schedule.DatasetID}, schedule)

		return err
	})
	if err != nil {
		return persistence.NewStoreError("UpdateScheduledWorkflow", schedule.DatasetID, err)
	}
	if result.MatchedCount == 0 {
		return persistence.ErrScheduleNotFound
	}

	return nil
}

func (s *scheduleStore) DeleteScheduledWorkflow(ctx context.Context, datasetID string) error {
	err := s.p.withRetry(ctx, func() error {
		_, err := s.collection.DeleteOne(ctx, bson.M{"datasetId": datasetID})

		return err
	})
	if err != nil {
		return persistence.NewStoreError("DeleteScheduledWorkflow", datasetID, err)
	}

	return nil
}

func (s *scheduleStore) ScheduledWorkflowByDataset(ctx context.Context, datasetID string) (*models.ScheduledWorkflow, error) {
	var schedule models.ScheduledWorkflow
	err := s.p.withRetry(ctx, func() error {
		return s.collection.FindOne(ctx, bson.M{"datasetId": datasetID}).Decode(&schedule)
	})
	if errors.Is(err, mongo.ErrNoDocuments) {
		return nil, persistence.ErrScheduleNotFound
	}
	if err != nil {
		return nil, persistence.NewStoreError("ScheduledWorkflowByDataset", datasetID, err)
	}

	return &schedule, nil
}

func (s *scheduleStore) AllScheduledWorkflows(ctx context.Context) ([]*models.ScheduledWorkflow, error) {
	var schedules []*models.ScheduledWorkflow
	err := s.p.withRetry(ctx, func() error {
		cursor, err := s.collection.Find(ctx, bson.M{})
		if err != nil {
			return err
		}

		schedules = schedules[:0]

		return cursor.All(ctx, &schedules)
	})
	if err != nil {
		return nil, persistence.NewStoreError("AllScheduledWorkflows", "", err)
	}

	return schedules, nil
}
