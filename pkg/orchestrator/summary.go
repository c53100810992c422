package orchestrator

import (
	"context"
	"fmt"
	"time"

	"github.com/heritago/heritago/pkg/models"
	"github.com/heritago/heritago/pkg/persistence"
)

// DatasetExecutionInformation derives the current harvest/preview/publish
// state of a dataset from execution history and the depublish registry. It is
// computed on demand and never stored.
//
// Record counts come from the latest executable preview/publish plugin, while
// dates and viewing readiness follow the latest preview/publish of any kind,
// reindexes included.
func (o *Orchestrator) DatasetExecutionInformation(ctx context.Context,
	datasetID string) (*models.DatasetExecutionInformation, error) {

	executions := o.store.Executions()

	latestHarvest, err := executions.LatestSuccessfulExecutablePlugin(ctx, datasetID, models.HarvestKinds, false)
	if err != nil {
		return nil, fmt.Errorf("failed to derive dataset information: %w", err)
	}

	firstPublish, err := executions.FirstSuccessfulPlugin(ctx, datasetID, models.PublishKinds)
	if err != nil {
		return nil, fmt.Errorf("failed to derive dataset information: %w", err)
	}

	latestExecutablePreview, err := executions.LatestSuccessfulExecutablePlugin(ctx, datasetID,
		models.ExecutablePreviewKinds, false)
	if err != nil {
		return nil, fmt.Errorf("failed to derive dataset information: %w", err)
	}

	latestPreview, err := executions.LatestSuccessfulPlugin(ctx, datasetID, models.PreviewKinds)
	if err != nil {
		return nil, fmt.Errorf("failed to derive dataset information: %w", err)
	}

	latestExecutablePublish, err := executions.LatestSuccessfulExecutablePlugin(ctx, datasetID,
		models.ExecutablePublishKinds, false)
	if err != nil {
		return nil, fmt.Errorf("failed to derive dataset information: %w", err)
	}

	latestPublish, err := executions.LatestSuccessfulPlugin(ctx, datasetID, models.PublishKinds)
	if err != nil {
		return nil, fmt.Errorf("failed to derive dataset information: %w", err)
	}

	latestDepublish, err := executions.LatestSuccessfulExecutablePlugin(ctx, datasetID,
		models.ExecutableDepublishKinds, false)
	if err != nil {
		return nil, fmt.Errorf("failed to derive dataset information: %w", err)
	}

	running, err := executions.RunningOrInQueueExecution(ctx, datasetID)
	if err != nil {
		return nil, fmt.Errorf("failed to derive dataset information: %w", err)
	}

	depublishedCount, err := o.registry.CountByStatus(ctx, datasetID, models.DepublicationDepublished)
	if err != nil {
		return nil, fmt.Errorf("failed to derive dataset information: %w", err)
	}

	info := &models.DatasetExecutionInformation{DatasetID: datasetID}
	now := time.Now().UTC()

	if latestHarvest != nil {
		info.LastHarvestedDate = latestHarvest.Plugin.FinishedDate
		info.LastHarvestedRecords = latestHarvest.Plugin.Progress.NetRecords()
	}

	if firstPublish != nil {
		info.FirstPublishedDate = firstPublish.Plugin.FinishedDate
	}

	datasetDepublished := depublishCoversDataset(latestExecutablePublish, latestDepublish)

	previewCounts := recordCounts(latestExecutablePreview)
	info.LastPreviewRecords = previewCounts.net
	info.TotalPreviewRecords = previewCounts.total

	if latestPreview != nil {
		plugin := latestPreview.Plugin
		info.LastPreviewDate = plugin.FinishedDate

		available := previewCounts.recordsAvailable(previewCounts.net > 0 || previewCounts.hasDeleted)
		info.LastPreviewRecordsReadyForViewing = available &&
			o.readyForViewing(plugin, running, models.PreviewKinds, now)
	}

	publishCounts := recordCounts(latestExecutablePublish)
	info.LastPublishedRecords = publishCounts.net
	info.TotalPublishedRecords = publishCounts.total

	// A whole-dataset depublish takes down everything that was published.
	depublishedRecords := int(depublishedCount)
	if datasetDepublished {
		depublishedRecords = publishCounts.net
	}

	if latestPublish != nil {
		plugin := latestPublish.Plugin
		info.LastPublishedDate = plugin.FinishedDate

		available := publishCounts.recordsAvailable(!datasetDepublished &&
			(publishCounts.net > depublishedRecords || publishCounts.hasDeleted))
		info.LastPublishedRecordsReadyForViewing = available &&
			o.readyForViewing(plugin, running, models.PublishKinds, now)
	}

	info.LastDepublishedRecords = depublishedRecords
	if latestDepublish != nil {
		info.LastDepublishedDate = latestDepublish.Plugin.FinishedDate
	}

	switch {
	case datasetDepublished:
		info.PublicationStatus = models.PublicationStatusDepublished
	case latestExecutablePublish != nil:
		info.PublicationStatus = models.PublicationStatusPublished
	}

	return info, nil
}

// depublishCoversDataset reports whether the newest executable depublish
// finished after the newest executable publish and covered the whole dataset.
// Without a publish on record there is nothing depublished.
func depublishCoversDataset(publish, depublish *persistence.PluginWithExecutionID) bool {
	if publish == nil || depublish == nil {
		return false
	}

	if !depublish.Plugin.BoolParameter(models.ParamDatasetDepublish) {
		return false
	}

	return publish.Plugin.FinishedDate != nil && depublish.Plugin.FinishedDate != nil &&
		publish.Plugin.FinishedDate.Before(*depublish.Plugin.FinishedDate)
}

// pluginRecordCounts carries the record counts of one executable indexing
// plugin. A total of -1 means the index never reported one.
type pluginRecordCounts struct {
	net        int
	total      int
	hasDeleted bool
}

func recordCounts(plugin *persistence.PluginWithExecutionID) pluginRecordCounts {
	counts := pluginRecordCounts{total: -1}

	if plugin != nil {
		counts.net = plugin.Plugin.Progress.NetRecords()
		counts.total = plugin.Plugin.Progress.TotalDatabaseRecords
		counts.hasDeleted = plugin.Plugin.Progress.Deleted > 0
	}

	return counts
}

// recordsAvailable applies the three-way total-records rule: a known positive
// total means records exist, a known zero total means none do, and only an
// unknown total defers to the caller's fallback estimate.
func (c pluginRecordCounts) recordsAvailable(fallback bool) bool {
	switch {
	case c.total > 0:
		return true
	case c.total == 0:
		return false
	default:
		return fallback
	}
}

// readyForViewing reports whether the given preview/publish plugin's records
// are visible downstream: no same-group plugin is still indexing, the index
// commit window has passed and the data was not deprecated afterwards.
func (o *Orchestrator) readyForViewing(plugin *models.Plugin, running *models.WorkflowExecution,
	group []models.PluginKind, now time.Time) bool {

	if running != nil && running.HasPluginInKindsWithStatuses(group,
		models.PluginStatusRunning, models.PluginStatusCleaning) {
		return false
	}

	if plugin.FinishedDate == nil || now.Sub(*plugin.FinishedDate) <= o.SolrCommitPeriod() {
		return false
	}

	return plugin.EffectiveDataStatus() == models.DataStatusValid
}
