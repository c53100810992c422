package models

import "time"

// PublicationStatus is the derived publication state of a dataset.
type PublicationStatus string

const (
	PublicationStatusPublished   PublicationStatus = "PUBLISHED"
	PublicationStatusDepublished PublicationStatus = "DEPUBLISHED"
)

// DatasetExecutionInformation is the derived summary of what is currently
// harvested, previewed, published and depublished for one dataset. It is
// recomputed on demand and never stored.
type DatasetExecutionInformation struct {
	DatasetID string `json:"dataset_id"`

	LastHarvestedDate    *time.Time `json:"last_harvested_date,omitempty"`
	LastHarvestedRecords int        `json:"last_harvested_records"`

	FirstPublishedDate *time.Time `json:"first_published_date,omitempty"`

	LastPreviewDate                   *time.Time `json:"last_preview_date,omitempty"`
	LastPreviewRecords                int        `json:"last_preview_records"`
	TotalPreviewRecords               int        `json:"total_preview_records"`
	LastPreviewRecordsReadyForViewing bool       `json:"last_preview_records_ready_for_viewing"`

	LastPublishedDate                   *time.Time `json:"last_published_date,omitempty"`
	LastPublishedRecords                int        `json:"last_published_records"`
	TotalPublishedRecords               int        `json:"total_published_records"`
	LastPublishedRecordsReadyForViewing bool       `json:"last_published_records_ready_for_viewing"`

	LastDepublishedDate    *time.Time `json:"last_depublished_date,omitempty"`
	LastDepublishedRecords int        `json:"last_depublished_records"`

	PublicationStatus PublicationStatus `json:"publication_status,omitempty"`
}
