package adapters

import (
	"encoding/json"

	"github.com/rivalwatch/internal/models"
)

// Archive adapts an archive record. Snapshots stay opaque documents.
func Archive(fields map[string]any) models.Archive {
	a := models.Archive{
		ID:        ident(fields, "id"),
		Title:     textOr(fields, "Untitled archive", "title"),
		MonitorID: ident(fields, "monitor_id"),
		TaskID:    ident(fields, "task_id"),
		CreatedAt: instant(fields, "created_at"),
		Profile:   document(fields["tenant"]),
		Peers:     document(fields["competitors"]),
		Changes:   document(fields["changes"]),
	}
	if meta, ok := fields["metadata"].(map[string]any); ok && len(meta) > 0 {
		a.Metadata = meta
	}
	return a
}

// Archives adapts a list of archive records
func Archives(raw []any) []models.Archive {
	out := make([]models.Archive, 0, len(raw))
	for _, item := range raw {
		if fields, ok := item.(map[string]any); ok {
			out = append(out, Archive(fields))
		}
	}
	return out
}

func document(v any) models.Document {
	if v == nil {
		return nil
	}
	data, err := json.Marshal(v)
	if err != nil {
		return nil
	}
	return models.Document(data)
}
