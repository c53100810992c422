package mongodb

import (
	"context"
	"regexp"
	"time"

	"github.com/google/uuid"
	"github.com/heritago/heritago/pkg/models"
	"github.com/heritago/heritago/pkg/persistence"
	"go.mongodb.org/mongo-driver/bson"
	"go.mongodb.org/mongo-driver/mongo"
	"go.mongodb.org/mongo-driver/mongo/options"
)

type depublishStore struct {
	p          *Persistence
	collection *mongo.Collection
}

func (s *depublishStore) ExistingRecordIDs(ctx context.Context, datasetID string, recordIDs []string) ([]string, error) {
	var results []struct {
		RecordID string `bson:"recordId"`
	}
	err := s.p.withRetry(ctx, func() error {
		cursor, err := s.collection.Find(ctx,
			bson.M{"datasetId": datasetID, "recordId": bson.M{"$in": recordIDs}},
			options.Find().SetProjection(bson.M{"recordId": 1, "_id": 0}))
		if err != nil {
			return err
		}

		results = results[:0]

		return cursor.All(ctx, &results)
	})
	if err != nil {
		return nil, persistence.NewStoreError("ExistingRecordIDs", datasetID, err)
	}

	existing := make([]string, 0, len(results))
	for _, r := range results {
		existing = append(existing, r.RecordID)
	}

	return existing, nil
}

func (s *depublishStore) InsertRecordIDs(ctx context.Context, datasetID string, recordIDs []string,
	status models.DepublicationStatus, date *time.Time) error {

	if len(recordIDs) == 0 {
		return nil
	}

	documents := make([]any, 0, len(recordIDs))
	for _, recordID := range recordIDs {
		documents = append(documents, &models.DepublishRecordID{
			ID:                uuid.NewString(),
			DatasetID:         datasetID,
			RecordID:          recordID,
			Status:            status,
			DepublicationDate: date,
		})
	}

	err := s.p.withRetry(ctx, func() error {
		// Unordered: duplicates from a concurrent insert are skipped, the
		// rest still land.
		_, err := s.collection.InsertMany(ctx, documents, options.InsertMany().SetOrdered(false))

		return err
	})
	if err != nil && !mongo.IsDuplicateKeyError(err) {
		return persistence.NewStoreError("InsertRecordIDs", datasetID, err)
	}

	return nil
}

func (s *depublishStore) DeletePendingRecordIDs(ctx context.Context, datasetID string, recordIDs []string) (int, error) {
	var result *mongo.DeleteResult
	err := s.p.withRetry(ctx, func() error {
		var err error
		result, err = s.collection.DeleteMany(ctx, bson.M{
			"datasetId":           datasetID,
			"recordId":            bson.M{"$in": recordIDs},
			"depublicationStatus": models.DepublicationPending,
		})

		return err
	})
	if err != nil {
		return 0, persistence.NewStoreError("DeletePendingRecordIDs", datasetID, err)
	}

	return int(result.DeletedCount), nil
}

func (s *depublishStore) CountRecordIDs(ctx context.Context, datasetID string) (int64, error) {
	return s.count(ctx, bson.M{"datasetId": datasetID})
}

func (s *depublishStore) CountRecordIDsByStatus(ctx context.Context, datasetID string,
	status models.DepublicationStatus) (int64, error) {
	return s.count(ctx, bson.M{"datasetId": datasetID, "depublicationStatus": status})
}

func (s *depublishStore) count(ctx context.Context, filter bson.M) (int64, error) {
	var count int64
	err := s.p.withRetry(ctx, func() error {
		var err error
		count, err = s.collection.CountDocuments(ctx, filter)

		return err
	})
	if err != nil {
		return 0, persistence.NewStoreError("CountRecordIDs", "", err)
	}

	return count, nil
}

func (s *depublishStore) ListRecordIDs(ctx context.Context, datasetID string, page int,
	sortField models.DepublishSortField, direction models.SortDirection, search string) ([]*models.DepublishRecordID, error) {

	filter := bson.M{"datasetId": datasetID}
	if search != "" {
		// Case-sensitive substring match on the record id.
		filter["recordId"] = bson.M{"$regex": regexp.QuoteMeta(search)}
	}

	sortDirection := 1
	if direction == models.SortDescending {
		sortDirection = -1
	}

	findOptions := options.Find().
		SetSort(bson.D{{Key: string(sortField), Value: sortDirection}}).
		SetSkip(int64(page * defaultPageSize)).
		SetLimit(int64(defaultPageSize))

	var records []*models.DepublishRecordID
	err := s.p.withRetry(ctx, func() error {
		cursor, err := s.collection.Find(ctx, filter, findOptions)
		if err != nil {
			return err
		}

		records = records[:0]

		return cursor.All(ctx, &records)
	})
	if err != nil {
		return nil, persistence.NewStoreError("ListRecordIDs", datasetID, err)
	}

	return records, nil
}

func (s *depublishStore) RecordIDsByStatus(ctx context.Context, datasetID string,
	status models.DepublicationStatus, subset []string) ([]string, error) {

	filter := bson.M{"datasetId": datasetID}
	if status != "" {
		filter["depublicationStatus"] = status
	}
	if len(subset) > 0 {
		filter["recordId"] = bson.M{"$in": subset}
	}

	var results []struct {
		RecordID string `bson:"recordId"`
	}
	err := s.p.withRetry(ctx, func() error {
		cursor, err := s.collection.Find(ctx, filter,
			options.Find().SetProjection(bson.M{"recordId": 1, "_id": 0}))
		if err != nil {
			return err
		}

		results = results[:0]

		return cursor.All(ctx, &results)
	})
	if err != nil {
		return nil, persistence.NewStoreError("RecordIDsByStatus", datasetID, err)
	}

	recordIDs := make([]string, 0, len(results))
	for _, r := range results {
		recordIDs = append(recordIDs, r.RecordID)
	}

	return recordIDs, nil
}

func (s *depublishStore) UpdateStatus(ctx context.Context, datasetID string, recordIDs []string,
	status models.DepublicationStatus, date *time.Time) error {

	filter := bson.M{"datasetId": datasetID}
	if len(recordIDs) > 0 {
		filter["recordId"] = bson.M{"$in": recordIDs}
	}

	update := bson.M{"$set": bson.M{"depublicationStatus": status}}
	if status == models.DepublicationPending {
		update["$unset"] = bson.M{"depublicationDate": ""}
	} else {
		update["$set"].(bson.M)["depublicationDate"] = date
	}

	err := s.p.withRetry(ctx, func() error {
		_, err := s.collection.UpdateMany(ctx, filter, update)

		return err
	})
	if err != nil {
		return persistence.NewStoreError("UpdateStatus", datasetID, err)
	}

	return nil
}
