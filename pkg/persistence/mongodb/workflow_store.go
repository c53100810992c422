package mongodb

import (
	"context"
	"errors"
	"time"

	"github.com/heritago/heritago/pkg/models"
	"github.com/heritago/heritago/pkg/persistence"
	"go.mongodb.org/mongo-driver/bson"
	"go.mongodb.org/mongo-driver/mongo"
)

type workflowStore struct {
	p          *Persistence
	collection *mongo.Collection
}

func (s *workflowStore) CreateWorkflow(ctx context.Context, workflow *models.Workflow) error {
	now := time.Now().UTC()
	workflow.CreatedAt = now
	workflow.UpdatedAt = now

	err := s.p.withRetry(ctx, func() error {
		_, err := s.collection.InsertOne(ctx, workflow)

		return err
	})
	if mongo.IsDuplicateKeyError(err) {
		return persistence.ErrWorkflowAlreadyExists
	}
	if err != nil {
		return persistence.NewStoreError("CreateWorkflow", workflow.DatasetID, err)
	}

	return nil
}

func (s *workflowStore) UpdateWorkflow(ctx context.Context, workflow *models.Workflow) error {
	workflow.UpdatedAt = time.Now().UTC()

	var result *mongo.UpdateResult
	err := s.p.withRetry(ctx, func() error {
		var err error
		result, err = s.collection.ReplaceOne(ctx,
			bson.M{"datasetId": workflow.DatasetID}, workflow)

		return err
	})
	if err != nil {
		return persistence.NewStoreError("UpdateWorkflow", workflow.DatasetID, err)
	}
	if result.MatchedCount == 0 {
		return persistence.ErrWorkflowNotFound
	}

	return nil
}

func (s *workflowStore) DeleteWorkflow(ctx context.Context, datasetID string) error {
	err := s.p.withRetry(ctx, func() error {
		_, err := s.collection.DeleteOne(ctx, bson.M{"datasetId": datasetID})

		return err
	})
	if err != nil {
		return persistence.NewStoreError("DeleteWorkflow", datasetID, err)
	}

	return nil
}

func (s *workflowStore) WorkflowByDataset(ctx context.Context, datasetID string) (*models.Workflow, error) {
	var workflow models.Workflow
	err := s.p.withRetry(ctx, func() error {
		return s.collection.FindOne(ctx, bson.M{"datasetId": datasetID}).Decode(&workflow)
	})
	if errors.Is(err, mongo.ErrNoDocuments) {
		return nil, persistence.ErrWorkflowNotFound
	}
	if err != nil {
		return nil, persistence.NewStoreError("WorkflowByDataset", datasetID, err)
	}

	return &workflow, nil
}

func (s *workflowStore) WorkflowExists(ctx context.Context, datasetID string) (bool, error) {
	var count int64
	err := s.p.withRetry(ctx, func() error {
		var err error
		count, err = s.collection.CountDocuments(ctx, bson.M{"datasetId": datasetID})

		return err
	})
	if err != nil {
		return false, persistence.NewStoreError("WorkflowExists", datasetID, err)
	}

	return count > 0, nil
}
