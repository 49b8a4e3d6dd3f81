package backend

import (
	"context"
	"errors"
	"fmt"
	"net/http"
	"net/url"
	"strings"

	"github.com/rivalwatch/internal/adapters"
	"github.com/rivalwatch/internal/events"
	"github.com/rivalwatch/internal/models"
)

// AnalyzeRequest starts an analysis run
type AnalyzeRequest struct {
	CompanyName    string `json:"company_name"`
	TenantURL      string `json:"tenant_url,omitempty"`
	MonitorID      string `json:"monitor_id,omitempty"`
	MonitorName    string `json:"monitor_name,omitempty"`
	EnableResearch bool   `json:"enable_research"`
	MaxCompetitors int    `json:"max_competitors"`
	EnableCaching  bool   `json:"enable_caching"`
}

// AnalyzeResponse identifies the started task and the monitor it is bound to
type AnalyzeResponse struct {
	TaskID    string
	MonitorID string
	Message   string
}

// StartAnalysis submits a new analysis run
func (c *Client) StartAnalysis(ctx context.Context, req AnalyzeRequest) (*AnalyzeResponse, error) {
	var out object
	if err := c.do(ctx, "POST", "/api/analyze", req, &out); err != nil {
		return nil, fmt.Errorf("failed to start analysis: %w", err)
	}

	task := adapters.Task(out)
	if task.ID == "" {
		return nil, fmt.Errorf("failed to start analysis: response carried no task id")
	}

	monitorID := adapters.Identifier(out["monitor_id"])
	c.log.Info().
		Str("task_id", task.ID).
		Str("monitor_id", monitorID).
		Msg("Analysis started")

	return &AnalyzeResponse{TaskID: task.ID, MonitorID: monitorID, Message: task.Message}, nil
}

// TaskStatus polls a task's lifecycle state
func (c *Client) TaskStatus(ctx context.Context, taskID string) (*models.Task, error) {
	var out object
	if err := c.do(ctx, "GET", "/api/status/"+url.PathEscape(taskID), nil, &out); err != nil {
		return nil, fmt.Errorf("failed to get task status: %w", err)
	}
	task := adapters.Task(out)
	if task.ID == "" {
		task.ID = taskID
	}
	return &task, nil
}

// TaskEvents rehydrates a settled task as the events its stream would have
// ended with. A completed task yields one completion status carrying its
// results; a failed one yields a failure status. A task that is still running
// has nothing to rehydrate yet and yields no events.
func (c *Client) TaskEvents(ctx context.Context, taskID string) ([]events.Event, error) {
	var out object
	err := c.do(ctx, "GET", "/api/results/"+url.PathEscape(taskID), nil, &out)

	var apiErr *APIError
	switch {
	case err == nil:
	case errors.As(err, &apiErr) && apiErr.StatusCode == http.StatusBadRequest:
		c.log.Debug().Str("task_id", taskID).Str("detail", apiErr.Detail).Msg("Task has no results yet")
		return nil, nil
	case errors.As(err, &apiErr) && apiErr.StatusCode == http.StatusInternalServerError &&
		strings.HasPrefix(apiErr.Detail, "Analysis failed"):
		return []events.Event{events.StatusEvent{Stage: events.StatusFailed, Message: apiErr.Detail}}, nil
	default:
		return nil, fmt.Errorf("failed to get task results: %w", err)
	}

	results, _ := out["results"].(map[string]any)
	done := 100.0
	return []events.Event{events.StatusEvent{
		Stage:    events.StatusComplete,
		Progress: &done,
		Message:  "Analysis complete",
		Data:     adapters.ResultsContext(results),
	}}, nil
}
