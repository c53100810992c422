package models

// Topology is the static partial order of executable plugin kinds: which
// kinds may directly precede which. It is immutable after construction and
// shared read-only across all goroutines.
type Topology struct {
	// AllowLinkCheckingOnDepublish permits LINK_CHECKING directly on top of a
	// DEPUBLISH stage. Disabled by default.
	AllowLinkCheckingOnDepublish bool
}

// Plugin kind group constants, defined once and shared read-only.
var (
	HarvestKinds = []PluginKind{PluginHTTPHarvest, PluginOAIPMHHarvest}

	// Executable index kinds, used for predecessor lookups.
	ExecutablePreviewKinds   = []PluginKind{PluginPreview}
	ExecutablePublishKinds   = []PluginKind{PluginPublish}
	ExecutableDepublishKinds = []PluginKind{PluginDepublish}

	// Index kinds over all plugin kinds, including the reindex variants.
	PreviewKinds = []PluginKind{PluginPreview, PluginReindexToPreview}
	PublishKinds = []PluginKind{PluginPublish, PluginReindexToPublish}

	// Kinds whose output carries no displayable record XML.
	NoXMLKinds = []PluginKind{PluginLinkChecking, PluginDepublish}
)

// KindsContain reports whether kind appears in kinds.
func KindsContain(kinds []PluginKind, kind PluginKind) bool {
	for _, k := range kinds {
		if k == kind {
			return true
		}
	}

	return false
}

// Root reports whether the kind needs no predecessor. Harvests start a new
// lineage; a depublish acts on already published data and is treated as a
// second kind of root.
func (t Topology) Root(kind PluginKind) bool {
	return KindsContain(HarvestKinds, kind) || kind == PluginDepublish
}

// PredecessorCandidates returns the set of kinds whose valid output may seed
// the given kind. Root kinds return nil.
func (t Topology) PredecessorCandidates(kind PluginKind) []PluginKind {
	switch kind {
	case PluginHTTPHarvest, PluginOAIPMHHarvest, PluginDepublish:
		return nil
	case PluginValidationExternal:
		return HarvestKinds
	case PluginTransformation:
		return []PluginKind{PluginValidationExternal}
	case PluginValidationInternal:
		return []PluginKind{PluginTransformation}
	case PluginNormalization:
		return []PluginKind{PluginValidationInternal}
	case PluginEnrichment:
		return []PluginKind{PluginNormalization}
	case PluginMediaProcess:
		return []PluginKind{PluginEnrichment}
	case PluginPreview:
		return []PluginKind{PluginMediaProcess}
	case PluginPublish:
		return []PluginKind{PluginPreview}
	case PluginLinkChecking:
		candidates := make([]PluginKind, 0, len(ExecutableKinds)-1)
		for _, k := range ExecutableKinds {
			if k == PluginLinkChecking {
				continue
			}

			if k == PluginDepublish && !t.AllowLinkCheckingOnDepublish {
				continue
			}

			candidates = append(candidates, k)
		}

		return candidates
	default:
		return nil
	}
}
