package backend

import (
	"context"
	"fmt"
	"net/url"
	"time"

	"github.com/rivalwatch/internal/adapters"
	"github.com/rivalwatch/internal/models"
)

// TrackRequest tracks a competitor on a monitor. The descriptive fields are
// only used when the backend does not know the competitor yet.
type TrackRequest struct {
	MonitorID   string   `json:"monitor_id"`
	DisplayName string   `json:"display_name,omitempty"`
	URL         string   `json:"url,omitempty"`
	Source      string   `json:"source,omitempty"`
	Description string   `json:"description,omitempty"`
	Confidence  *float64 `json:"confidence,omitempty"`
}

// TrackResult is the monitor's authoritative tracked set after a track call
type TrackResult struct {
	TrackedIDs []string
	Competitor *models.Peer
}

// TrackCompetitor adds a competitor to a monitor's tracked set
func (c *Client) TrackCompetitor(ctx context.Context, competitorID string, req TrackRequest) (*TrackResult, error) {
	var out object
	path := "/api/competitors/" + url.PathEscape(competitorID) + "/track"
	if err := c.do(ctx, "POST", path, req, &out); err != nil {
		return nil, fmt.Errorf("failed to track competitor: %w", err)
	}

	result := &TrackResult{TrackedIDs: adapters.TrackedIDs(out)}
	if result.TrackedIDs == nil {
		result.TrackedIDs = []string{}
	}
	if raw, ok := out["competitor"].(map[string]any); ok {
		peer := adapters.Peer(raw, 0)
		result.Competitor = &peer
	}
	return result, nil
}

// UntrackCompetitor removes a competitor from a monitor's tracked set and
// returns the set that remains
func (c *Client) UntrackCompetitor(ctx context.Context, monitorID, competitorID string) ([]string, error) {
	var out object
	path := "/api/competitors/" + url.PathEscape(competitorID) + "/untrack"
	if err := c.do(ctx, "DELETE", path, map[string]string{"monitor_id": monitorID}, &out); err != nil {
		return nil, fmt.Errorf("failed to untrack competitor: %w", err)
	}

	ids := adapters.TrackedIDs(out)
	if ids == nil {
		ids = []string{}
	}
	return ids, nil
}

// MarkChangeRead marks one change read and returns the server's read instant,
// if it reported one
func (c *Client) MarkChangeRead(ctx context.Context, changeID string) (*time.Time, error) {
	var out object
	if err := c.do(ctx, "POST", "/api/changes/"+url.PathEscape(changeID)+"/read", nil, &out); err != nil {
		return nil, fmt.Errorf("failed to mark change read: %w", err)
	}
	at, _ := out["read_at"].(string)
	return adapters.Timestamp(at), nil
}

// MarkChangesRead marks a batch of changes read in one request
func (c *Client) MarkChangesRead(ctx context.Context, monitorID string, changeIDs []string) (int, error) {
	body := struct {
		ChangeIDs []string `json:"change_ids"`
		MonitorID string   `json:"monitor_id,omitempty"`
	}{ChangeIDs: changeIDs, MonitorID: monitorID}

	var out struct {
		Updated int `json:"updated"`
	}
	if err := c.do(ctx, "POST", "/api/changes/bulk-read", body, &out); err != nil {
		return 0, fmt.Errorf("failed to mark changes read: %w", err)
	}
	return out.Updated, nil
}
