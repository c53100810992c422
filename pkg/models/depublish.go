package models

import "time"

// DepublicationStatus is the lifecycle state of one depublish registry entry.
type DepublicationStatus string

const (
	DepublicationPending     DepublicationStatus = "PENDING_DEPUBLICATION"
	DepublicationDepublished DepublicationStatus = "DEPUBLISHED"
)

// DepublishRecordID is one record id registered for depublication. The
// depublication date is set exactly when the status is DEPUBLISHED.
type DepublishRecordID struct {
	ID                string              `json:"id"                           bson:"_id,omitempty"`
	DatasetID         string              `json:"dataset_id"                   bson:"datasetId"`
	RecordID          string              `json:"record_id"                    bson:"recordId"`
	Status            DepublicationStatus `json:"depublication_status"         bson:"depublicationStatus"`
	DepublicationDate *time.Time          `json:"depublication_date,omitempty" bson:"depublicationDate,omitempty"`
}

// DepublishSortField selects the ordering of depublish registry listings.
type DepublishSortField string

const (
	DepublishSortByRecordID DepublishSortField = "recordId"
	DepublishSortByStatus   DepublishSortField = "depublicationStatus"
	DepublishSortByDate     DepublishSortField = "depublicationDate"
)

// SortDirection is the requested ordering direction.
type SortDirection string

const (
	SortAscending  SortDirection = "ASCENDING"
	SortDescending SortDirection = "DESCENDING"
)
