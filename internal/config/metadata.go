package config

import (
	"fmt"
	"strings"
)

// ReservedMetadataPrefix namespaces metadata keys the tool itself owns.
// User-supplied metadata must not collide with it.
const ReservedMetadataPrefix = "mcpscope:"

// ValidateMetadata rejects user metadata that intrudes on the reserved
// namespace.
func ValidateMetadata(meta map[string]any) error {
	for key := range meta {
		if strings.HasPrefix(key, ReservedMetadataPrefix) {
			return fmt.Errorf("metadata key %q uses the reserved %q prefix", key, ReservedMetadataPrefix)
		}
	}
	return nil
}

// MergeMetadata combines general metadata with tool-specific metadata. On a
// key collision the tool-specific value wins. Both inputs are left intact;
// nil is returned when there is nothing to merge.
func MergeMetadata(general, specific map[string]any) map[string]any {
	if len(general) == 0 && len(specific) == 0 {
		return nil
	}

	merged := make(map[string]any, len(general)+len(specific))
	for k, v := range general {
		merged[k] = v
	}
	for k, v := range specific {
		merged[k] = v
	}
	return merged
}
