package adapters

import (
	"maps"
	"slices"
)

// ResultsContext reshapes a finished task's results document into the
// context a completion status carries: tenant, competitors and a flat
// changes list. Changes are gathered from the per-competitor analysis in
// competitor order and fall back to the top-level list when that is empty.
func ResultsContext(results map[string]any) map[string]any {
	out := make(map[string]any, 3)
	if tenant, ok := results["tenant"].(map[string]any); ok {
		out["tenant"] = tenant
	}
	switch v := results["competitors"].(type) {
	case map[string]any, []any:
		out["competitors"] = v
	}

	changes := analysisChanges(results["competitor_analysis"])
	if len(changes) == 0 {
		changes = objects(results, "changes")
	}
	if changes != nil {
		out["changes"] = changes
	}
	return out
}

func analysisChanges(raw any) []any {
	analysis, ok := raw.(map[string]any)
	if !ok {
		return nil
	}
	var out []any
	for _, k := range slices.Sorted(maps.Keys(analysis)) {
		content, ok := analysis[k].(map[string]any)
		if !ok {
			continue
		}
		switch changes := content["changes"].(type) {
		case map[string]any:
			out = append(out, objects(changes, "changes")...)
		case []any:
			out = append(out, changes...)
		}
	}
	return out
}
