package models

import (
	"testing"

	"github.com/stretchr/testify/assert"
)

func TestTopology_Roots(t *testing.T) {
	topology := Topology{}

	assert.True(t, topology.Root(PluginHTTPHarvest))
	assert.True(t, topology.Root(PluginOAIPMHHarvest))
	assert.True(t, topology.Root(PluginDepublish))
	assert.False(t, topology.Root(PluginTransformation))

	assert.Nil(t, topology.PredecessorCandidates(PluginHTTPHarvest))
	assert.Nil(t, topology.PredecessorCandidates(PluginDepublish))
}

func TestTopology_MainPipelineChain(t *testing.T) {
	topology := Topology{}

	testCases := []struct {
		kind       PluginKind
		candidates []PluginKind
	}{
		{PluginValidationExternal, []PluginKind{PluginHTTPHarvest, PluginOAIPMHHarvest}},
		{PluginTransformation, []PluginKind{PluginValidationExternal}},
		{PluginValidationInternal, []PluginKind{PluginTransformation}},
		{PluginNormalization, []PluginKind{PluginValidationInternal}},
		{PluginEnrichment, []PluginKind{PluginNormalization}},
		{PluginMediaProcess, []PluginKind{PluginEnrichment}},
		{PluginPreview, []PluginKind{PluginMediaProcess}},
		{PluginPublish, []PluginKind{PluginPreview}},
	}

	for _, tc := range testCases {
		t.Run(string(tc.kind), func(t *testing.T) {
			assert.Equal(t, tc.candidates, topology.PredecessorCandidates(tc.kind))
		})
	}
}

func TestTopology_LinkChecking(t *testing.T) {
	topology := Topology{}

	candidates := topology.PredecessorCandidates(PluginLinkChecking)
	assert.NotContains(t, candidates, PluginLinkChecking)
	assert.NotContains(t, candidates, PluginDepublish)
	assert.Contains(t, candidates, PluginPublish)
	assert.Contains(t, candidates, PluginHTTPHarvest)

	permissive := Topology{AllowLinkCheckingOnDepublish: true}
	assert.Contains(t, permissive.PredecessorCandidates(PluginLinkChecking), PluginDepublish)
}

func TestPluginKind_Executable(t *testing.T) {
	assert.True(t, PluginPublish.Executable())
	assert.False(t, PluginReindexToPreview.Executable())
	assert.False(t, PluginReindexToPublish.Executable())
}
