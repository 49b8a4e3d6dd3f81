package adapters

import (
	"strconv"

	"github.com/rivalwatch/internal/models"
)

// Changes adapts a changes stage payload
func Changes(data map[string]any) []models.Change {
	raw := objects(data, "changes")
	out := make([]models.Change, 0, len(raw))
	for i, item := range raw {
		fields, ok := item.(map[string]any)
		if !ok {
			continue
		}
		out = append(out, Change(fields, i))
	}
	return out
}

// Change adapts one change record. A missing id is derived from the record's
// content so repeated fetches of the same change agree on it.
func Change(fields map[string]any, index int) models.Change {
	url := text(fields, "url")
	changeType := textOr(fields, PlaceholderChangeType, "change_type", "type")
	content := textOr(fields, PlaceholderContent, "content")
	timestamp := text(fields, "timestamp", "detected_at")

	id := ident(fields, "id", "change_id")
	if id == "" {
		if url == "" && content == PlaceholderContent && timestamp == "" {
			id = "change-" + strconv.Itoa(index)
		} else {
			id = fingerprint("change", url, changeType, content, timestamp)
		}
	}

	threat := DefaultThreatLevel
	if v, ok := number(fields, "threat_level"); ok {
		threat = clamp(v, 0, MaxThreatLevel)
	}

	return models.Change{
		ID:          id,
		URL:         url,
		ChangeType:  changeType,
		Content:     content,
		Timestamp:   timestamp,
		ThreatLevel: threat,
		WhyMatters:  textOr(fields, PlaceholderWhyMatters, "why_matter", "why_matters"),
		Suggestions: textOr(fields, PlaceholderSuggestions, "suggestions", "suggested_response"),
		ReadAt:      instant(fields, "read_at"),
	}
}
