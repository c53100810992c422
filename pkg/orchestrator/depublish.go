package orchestrator

import (
	"context"
	"fmt"
	"time"

	"github.com/heritago/heritago/pkg/models"
	"github.com/heritago/heritago/pkg/persistence"
)

// DepublishRegistry manages the bounded per-dataset set of record ids staged
// for depublication.
type DepublishRegistry struct {
	store         persistence.DepublishStore
	maxPerDataset int
}

func NewDepublishRegistry(store persistence.DepublishStore, maxPerDataset int) *DepublishRegistry {
	return &DepublishRegistry{store: store, maxPerDataset: maxPerDataset}
}

// AddPending stages record ids for depublication and returns how many were
// newly added. Ids already present are left untouched. The per-dataset cap
// is enforced before anything is written.
func (r *DepublishRegistry) AddPending(ctx context.Context, datasetID string, recordIDs []string) (int, error) {
	if len(recordIDs) > r.maxPerDataset {
		return 0, fmt.Errorf("%w: %d record ids exceed the per-dataset maximum of %d",
			ErrBadContent, len(recordIDs), r.maxPerDataset)
	}

	existing, err := r.store.ExistingRecordIDs(ctx, datasetID, recordIDs)
	if err != nil {
		return 0, fmt.Errorf("failed to check existing depublish records: %w", err)
	}

	existingSet := make(map[string]bool, len(existing))
	for _, recordID := range existing {
		existingSet[recordID] = true
	}

	missing := make([]string, 0, len(recordIDs))
	for _, recordID := range recordIDs {
		if !existingSet[recordID] {
			missing = append(missing, recordID)
		}
	}

	count, err := r.store.CountRecordIDs(ctx, datasetID)
	if err != nil {
		return 0, fmt.Errorf("failed to count depublish records: %w", err)
	}

	if count+int64(len(missing)) > int64(r.maxPerDataset) {
		return 0, fmt.Errorf("%w: adding %d record ids would exceed the per-dataset maximum of %d",
			ErrBadContent, len(missing), r.maxPerDataset)
	}

	if len(missing) == 0 {
		return 0, nil
	}

	err = r.store.InsertRecordIDs(ctx, datasetID, missing, models.DepublicationPending, nil)
	if err != nil {
		return 0, fmt.Errorf("failed to insert depublish records: %w", err)
	}

	return len(missing), nil
}

// DeletePending removes the given record ids, skipping any that already
// reached DEPUBLISHED. Returns the number removed.
func (r *DepublishRegistry) DeletePending(ctx context.Context, datasetID string, recordIDs []string) (int, error) {
	deleted, err := r.store.DeletePendingRecordIDs(ctx, datasetID, recordIDs)
	if err != nil {
		return 0, fmt.Errorf("failed to delete pending depublish records: %w", err)
	}

	return deleted, nil
}

// List returns one page of the registry, filtered by a case-sensitive
// substring on the record id.
func (r *DepublishRegistry) List(ctx context.Context, datasetID string, page int,
	sortField models.DepublishSortField, direction models.SortDirection,
	search string) ([]*models.DepublishRecordID, error) {

	return r.store.ListRecordIDs(ctx, datasetID, page, sortField, direction, search)
}

// AllByStatus returns record ids filtered by status. When a subset is given
// it is bounded by the per-dataset cap, mirroring AddPending.
func (r *DepublishRegistry) AllByStatus(ctx context.Context, datasetID string,
	status models.DepublicationStatus, subset []string) ([]string, error) {

	if len(subset) > r.maxPerDataset {
		return nil, fmt.Errorf("%w: %d record ids exceed the per-dataset maximum of %d",
			ErrBadContent, len(subset), r.maxPerDataset)
	}

	return r.store.RecordIDsByStatus(ctx, datasetID, status, subset)
}

// CountByStatus returns the number of registry rows in the given status.
func (r *DepublishRegistry) CountByStatus(ctx context.Context, datasetID string,
	status models.DepublicationStatus) (int64, error) {

	return r.store.CountRecordIDsByStatus(ctx, datasetID, status)
}

// MarkStatus sets the depublication status of the given record ids, or of the
// whole dataset when recordIDs is empty. Ids not yet in the registry are
// inserted first. DEPUBLISHED requires a date; PENDING clears it.
func (r *DepublishRegistry) MarkStatus(ctx context.Context, datasetID string, recordIDs []string,
	status models.DepublicationStatus, date *time.Time) error {

	if status == models.DepublicationDepublished && date == nil {
		return fmt.Errorf("%w: DEPUBLISHED requires a depublication date", ErrBadContent)
	}

	if status == models.DepublicationPending {
		date = nil
	}

	if len(recordIDs) > 0 {
		existing, err := r.store.ExistingRecordIDs(ctx, datasetID, recordIDs)
		if err != nil {
			return fmt.Errorf("failed to check existing depublish records: %w", err)
		}

		existingSet := make(map[string]bool, len(existing))
		for _, recordID := range existing {
			existingSet[recordID] = true
		}

		missing := make([]string, 0, len(recordIDs))
		for _, recordID := range recordIDs {
			if !existingSet[recordID] {
				missing = append(missing, recordID)
			}
		}

		if len(missing) > 0 {
			err := r.store.InsertRecordIDs(ctx, datasetID, missing, status, date)
			if err != nil {
				return fmt.Errorf("failed to insert depublish records: %w", err)
			}
		}

		// Only rows that existed before still need the update; an empty list
		// would address the whole dataset.
		if len(existing) == 0 {
			return nil
		}

		err = r.store.UpdateStatus(ctx, datasetID, existing, status, date)
		if err != nil {
			return fmt.Errorf("failed to update depublish record status: %w", err)
		}

		return nil
	}

	err := r.store.UpdateStatus(ctx, datasetID, nil, status, date)
	if err != nil {
		return fmt.Errorf("failed to update depublish record status: %w", err)
	}

	return nil
}
