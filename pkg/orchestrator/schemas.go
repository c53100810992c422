package orchestrator

import (
	"fmt"

	"github.com/xeipuuv/gojsonschema"

	"github.com/heritago/heritago/pkg/models"
)

// Parameter schemas per plugin kind. Each kind accepts only its enumerated
// keys; anything else is rejected at validation time.
var pluginParameterSchemas = map[models.PluginKind]*gojsonschema.Schema{
	models.PluginHTTPHarvest: mustSchema(`{
		"type": "object",
		"properties": {
			"url": {"type": "string", "minLength": 1},
			"incremental_harvest": {"type": "boolean"}
		},
		"required": ["url"],
		"additionalProperties": false
	}`),
	models.PluginOAIPMHHarvest: mustSchema(`{
		"type": "object",
		"properties": {
			"url": {"type": "string", "minLength": 1},
			"metadata_format": {"type": "string", "minLength": 1},
			"set_spec": {"type": "string"},
			"incremental_harvest": {"type": "boolean"}
		},
		"required": ["url", "metadata_format"],
		"additionalProperties": false
	}`),
	models.PluginValidationExternal: mustSchema(noParameters),
	models.PluginTransformation:     mustSchema(noParameters),
	models.PluginValidationInternal: mustSchema(noParameters),
	models.PluginNormalization:      mustSchema(noParameters),
	models.PluginEnrichment:         mustSchema(noParameters),
	models.PluginMediaProcess:       mustSchema(noParameters),
	models.PluginPreview: mustSchema(`{
		"type": "object",
		"properties": {
			"use_alt_indexing_env": {"type": "boolean"}
		},
		"additionalProperties": false
	}`),
	models.PluginPublish: mustSchema(`{
		"type": "object",
		"properties": {
			"use_alt_indexing_env": {"type": "boolean"}
		},
		"additionalProperties": false
	}`),
	models.PluginLinkChecking: mustSchema(`{
		"type": "object",
		"properties": {
			"perform_sampling": {"type": "boolean"}
		},
		"additionalProperties": false
	}`),
	models.PluginDepublish: mustSchema(`{
		"type": "object",
		"properties": {
			"dataset_depublish": {"type": "boolean"},
			"use_alt_indexing_env": {"type": "boolean"}
		},
		"additionalProperties": false
	}`),
}

const noParameters = `{"type": "object", "additionalProperties": false}`

func mustSchema(raw string) *gojsonschema.Schema {
	schema, err := gojsonschema.NewSchema(gojsonschema.NewStringLoader(raw))
	if err != nil {
		panic(fmt.Sprintf("invalid plugin parameter schema: %v", err))
	}

	return schema
}

// validateParameters checks a plugin's configured parameters against the
// schema for its kind.
func validateParameters(config models.PluginConfig) error {
	schema, ok := pluginParameterSchemas[config.Kind]
	if !ok {
		return fmt.Errorf("%w: unknown plugin kind %s", ErrBadContent, config.Kind)
	}

	parameters := config.Parameters
	if parameters == nil {
		parameters = map[string]any{}
	}

	result, err := schema.Validate(gojsonschema.NewGoLoader(parameters))
	if err != nil {
		return fmt.Errorf("%w: %s parameters: %v", ErrBadContent, config.Kind, err)
	}

	if !result.Valid() {
		return fmt.Errorf("%w: %s parameters: %s", ErrBadContent, config.Kind, result.Errors()[0])
	}

	return nil
}
