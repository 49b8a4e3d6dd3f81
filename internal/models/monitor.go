package models

import (
	"time"
)

// TaskStatus represents the lifecycle state of a backend analysis task
type TaskStatus string

const (
	TaskStatusPending   TaskStatus = "pending"
	TaskStatusRunning   TaskStatus = "running"
	TaskStatusCompleted TaskStatus = "completed"
	TaskStatusFailed    TaskStatus = "failed"
)

// Terminal returns true once the task can no longer make progress
func (s TaskStatus) Terminal() bool {
	return s == TaskStatusCompleted || s == TaskStatusFailed
}

// Provenance tags a locally held value with where it came from, so an
// authoritative fetch can decide whether to keep, replace or merge it.
type Provenance string

const (
	ProvenanceConfirmed  Provenance = "confirmed"
	ProvenanceOptimistic Provenance = "optimistic"
)

// Task is the client's reference to a backend analysis task
type Task struct {
	ID          string     `json:"task_id"`
	Status      TaskStatus `json:"status"`
	Progress    int        `json:"progress"`
	Message     string     `json:"message"`
	CompanyName string     `json:"company_name"`
}

// Monitor is a persisted monitoring subject (a company or site)
type Monitor struct {
	ID                     string     `json:"id"`
	Name                   string     `json:"name"`
	URL                    string     `json:"url"`
	Domain                 string     `json:"domain"`
	CreatedAt              *time.Time `json:"created_at,omitempty"`
	UpdatedAt              *time.Time `json:"updated_at,omitempty"`
	LastRunAt              *time.Time `json:"last_run_at,omitempty"`
	LatestTaskID           string     `json:"latest_task_id,omitempty"`
	LatestTaskStatus       TaskStatus `json:"latest_task_status,omitempty"`
	LatestTaskProgress     int        `json:"latest_task_progress"`
	ArchivedAt             *time.Time `json:"archived_at,omitempty"`
	TrackedCompetitorIDs   []string   `json:"tracked_competitor_ids"`
	TrackedCompetitorSlugs []string   `json:"tracked_competitor_slugs"`
	TrackedCompetitorCount int        `json:"tracked_competitor_count,omitempty"`

	// Pending marks a record created locally before the server confirmed it
	Pending        bool       `json:"pending,omitempty"`
	NameProvenance Provenance `json:"name_provenance,omitempty"`
}

// Archived returns true if the monitor was archived on the server
func (m *Monitor) Archived() bool {
	return m.ArchivedAt != nil
}

// TrackedCount prefers the server-computed count and falls back to the set size
func (m *Monitor) TrackedCount() int {
	if m.TrackedCompetitorCount > 0 {
		return m.TrackedCompetitorCount
	}
	return len(m.TrackedCompetitorIDs)
}

// Clone returns a deep copy so callers never share slices with the orchestrator
func (m Monitor) Clone() Monitor {
	m.TrackedCompetitorIDs = append([]string(nil), m.TrackedCompetitorIDs...)
	m.TrackedCompetitorSlugs = append([]string(nil), m.TrackedCompetitorSlugs...)
	return m
}

// Archive is an immutable saved copy of a monitor's results
type Archive struct {
	ID        string         `json:"id"`
	Title     string         `json:"title"`
	MonitorID string         `json:"monitor_id,omitempty"`
	TaskID    string         `json:"task_id,omitempty"`
	CreatedAt *time.Time     `json:"created_at,omitempty"`
	Profile   Document       `json:"tenant,omitempty"`
	Peers     Document       `json:"competitors,omitempty"`
	Changes   Document       `json:"changes,omitempty"`
	Metadata  map[string]any `json:"metadata,omitempty"`
}
