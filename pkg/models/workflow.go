package models

import "time"

// Recognised plugin configuration parameter keys. Each kind accepts only its
// own enumerated subset; the validator rejects anything else.
const (
	ParamURL                = "url"
	ParamMetadataFormat     = "metadata_format"
	ParamSetSpec            = "set_spec"
	ParamIncrementalHarvest = "incremental_harvest"
	ParamDatasetDepublish   = "dataset_depublish"
	ParamPerformSampling    = "perform_sampling"
	ParamUseAltIndexingEnv  = "use_alt_indexing_env"
)

// PluginConfig is the stored configuration of one workflow stage. Disabled
// stages keep their settings but are skipped at execution time.
type PluginConfig struct {
	Kind       PluginKind     `json:"kind"                 bson:"kind"       validate:"required"`
	Enabled    bool           `json:"enabled"              bson:"enabled"`
	Parameters map[string]any `json:"parameters,omitempty" bson:"parameters,omitempty"`
}

// BoolParameter reads a boolean parameter, absent meaning false.
func (c PluginConfig) BoolParameter(key string) bool {
	v, ok := c.Parameters[key].(bool)

	return ok && v
}

// IncrementalHarvest reports whether a harvest stage is configured to harvest
// incrementally on top of a previous harvest.
func (c PluginConfig) IncrementalHarvest() bool {
	return c.BoolParameter(ParamIncrementalHarvest)
}

// DatasetDepublish reports whether a depublish stage depublishes the whole
// dataset rather than the record ids held in the depublish registry.
func (c PluginConfig) DatasetDepublish() bool {
	return c.BoolParameter(ParamDatasetDepublish)
}

// Workflow is the ordered plugin configuration for one dataset. At most one
// workflow exists per dataset.
type Workflow struct {
	ID        string         `json:"id"         bson:"_id,omitempty"`
	DatasetID string         `json:"dataset_id" bson:"datasetId"     validate:"required"`
	Plugins   []PluginConfig `json:"plugins"    bson:"plugins"       validate:"required,min=1,dive"`
	CreatedAt time.Time      `json:"created_at" bson:"createdAt"`
	UpdatedAt time.Time      `json:"updated_at" bson:"updatedAt"`
}

// EnabledPlugins returns the enabled stages in configured order.
func (w *Workflow) EnabledPlugins() []PluginConfig {
	enabled := make([]PluginConfig, 0, len(w.Plugins))
	for _, p := range w.Plugins {
		if p.Enabled {
			enabled = append(enabled, p)
		}
	}

	return enabled
}
