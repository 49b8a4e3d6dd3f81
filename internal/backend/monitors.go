package backend

import (
	"context"
	"fmt"
	"net/url"

	"github.com/rivalwatch/internal/adapters"
	"github.com/rivalwatch/internal/models"
)

// ListMonitors returns the session's monitors
func (c *Client) ListMonitors(ctx context.Context) ([]models.Monitor, error) {
	var out object
	if err := c.do(ctx, "GET", "/api/monitors", nil, &out); err != nil {
		return nil, fmt.Errorf("failed to list monitors: %w", err)
	}
	return adapters.Monitors(list(out, "monitors")), nil
}

// CreateMonitor creates (or returns the existing) monitor for a URL
func (c *Client) CreateMonitor(ctx context.Context, monitorURL, name string) (*models.Monitor, error) {
	body := map[string]string{"url": monitorURL}
	if name != "" {
		body["name"] = name
	}

	var out object
	if err := c.do(ctx, "POST", "/api/monitors", body, &out); err != nil {
		return nil, fmt.Errorf("failed to create monitor: %w", err)
	}
	m := adapters.Monitor(out)
	return &m, nil
}

// RenameMonitor changes a monitor's display name
func (c *Client) RenameMonitor(ctx context.Context, id, name string) (*models.Monitor, error) {
	var out object
	if err := c.do(ctx, "PATCH", "/api/monitors/"+url.PathEscape(id), map[string]string{"name": name}, &out); err != nil {
		return nil, fmt.Errorf("failed to rename monitor: %w", err)
	}
	m := adapters.Monitor(out)
	return &m, nil
}

// DeleteMonitor removes a monitor
func (c *Client) DeleteMonitor(ctx context.Context, id string) error {
	if err := c.do(ctx, "DELETE", "/api/monitors/"+url.PathEscape(id), nil, nil); err != nil {
		return fmt.Errorf("failed to delete monitor: %w", err)
	}
	return nil
}

// ListArchives returns the session's archives
func (c *Client) ListArchives(ctx context.Context) ([]models.Archive, error) {
	var out object
	if err := c.do(ctx, "GET", "/api/archives", nil, &out); err != nil {
		return nil, fmt.Errorf("failed to list archives: %w", err)
	}
	return adapters.Archives(list(out, "archives")), nil
}

// ArchiveRequest creates an archive of a monitor's results
type ArchiveRequest struct {
	MonitorID string         `json:"monitor_id,omitempty"`
	TaskID    string         `json:"task_id,omitempty"`
	Title     string         `json:"title"`
	Metadata  map[string]any `json:"metadata,omitempty"`
}

// CreateArchive saves an immutable copy of a task's results
func (c *Client) CreateArchive(ctx context.Context, req ArchiveRequest) (*models.Archive, error) {
	var out object
	if err := c.do(ctx, "POST", "/api/archives", req, &out); err != nil {
		return nil, fmt.Errorf("failed to create archive: %w", err)
	}
	a := adapters.Archive(out)
	return &a, nil
}
