package adapters

import (
	"strings"

	"github.com/rivalwatch/internal/models"
)

// Monitor adapts a monitor record returned by the monitor CRUD calls
func Monitor(fields map[string]any) models.Monitor {
	url := text(fields, "url")
	domain := text(fields, "domain")
	if domain == "" {
		domain = Hostname(url)
	}

	name := text(fields, "name")
	if name == "" {
		name = domain
	}

	ids, _ := stringList(fields, "tracked_competitor_ids")
	slugs, _ := stringList(fields, "tracked_competitor_slugs")

	m := models.Monitor{
		ID:                     ident(fields, "id"),
		Name:                   name,
		URL:                    url,
		Domain:                 domain,
		CreatedAt:              instant(fields, "created_at"),
		UpdatedAt:              instant(fields, "updated_at"),
		LastRunAt:              instant(fields, "last_run_at"),
		LatestTaskID:           ident(fields, "latest_task_id"),
		LatestTaskStatus:       TaskStatus(text(fields, "latest_task_status")),
		ArchivedAt:             instant(fields, "archived_at"),
		TrackedCompetitorIDs:   dedupe(ids),
		TrackedCompetitorSlugs: dedupe(slugs),
		NameProvenance:         models.ProvenanceConfirmed,
	}
	if p, ok := number(fields, "latest_task_progress"); ok {
		m.LatestTaskProgress = int(clamp(p, 0, 100))
	}
	if n, ok := number(fields, "tracked_competitor_count"); ok && n > 0 {
		m.TrackedCompetitorCount = int(n)
	}
	return m
}

// Monitors adapts a list of monitor records, skipping entries without an id
func Monitors(raw []any) []models.Monitor {
	out := make([]models.Monitor, 0, len(raw))
	for _, item := range raw {
		fields, ok := item.(map[string]any)
		if !ok {
			continue
		}
		m := Monitor(fields)
		if m.ID == "" {
			continue
		}
		out = append(out, m)
	}
	return out
}

// TaskStatus maps the backend's status strings onto the lifecycle states
func TaskStatus(s string) models.TaskStatus {
	switch strings.ToLower(strings.TrimSpace(s)) {
	case "":
		return ""
	case "running", "processing", "in_progress":
		return models.TaskStatusRunning
	case "completed", "complete", "done":
		return models.TaskStatusCompleted
	case "failed", "error":
		return models.TaskStatusFailed
	default:
		return models.TaskStatusPending
	}
}

// Task adapts a task status response
func Task(fields map[string]any) models.Task {
	t := models.Task{
		ID:          ident(fields, "task_id", "id"),
		Status:      TaskStatus(text(fields, "status")),
		Message:     text(fields, "message"),
		CompanyName: text(fields, "company_name"),
	}
	if p, ok := number(fields, "progress"); ok {
		t.Progress = int(clamp(p, 0, 100))
	}
	return t
}
