package brief

import (
	"context"
	"encoding/json"
	"fmt"
	"sort"
	"strings"

	"github.com/rivalwatch/internal/models"
)

// maxDigestChanges caps how many changes go into one prompt
const maxDigestChanges = 25

// Digest is Claude's briefing on a monitor's unread changes
type Digest struct {
	Summary    string      `json:"summary"`
	Highlights []Highlight `json:"highlights"`
	Actions    []string    `json:"recommended_actions"`
	Changes    int         `json:"-"` // changes the briefing covers
}

// Highlight points at one change worth attention
type Highlight struct {
	ChangeID string `json:"change_id"`
	Headline string `json:"headline"`
}

// Digest briefs the unread changes of a monitor, most threatening first.
// It does not call the API when nothing is unread.
func (c *Client) Digest(ctx context.Context, monitor models.Monitor, changes []models.Change) (*Digest, error) {
	selected := DigestChanges(changes)
	if len(selected) == 0 {
		return &Digest{Summary: "No unread changes."}, nil
	}

	userPrompt := BuildDigestPrompt(monitor, selected)

	c.log.Info().
		Str("monitor_id", monitor.ID).
		Int("changes", len(selected)).
		Msg("Generating change digest")

	response, err := c.CompleteWithJSON(ctx, DigestSystemPrompt, userPrompt)
	if err != nil {
		return nil, err
	}

	var digest Digest
	if err := json.Unmarshal([]byte(stripMarkdownCodeBlock(response)), &digest); err != nil {
		c.log.Error().
			Err(err).
			Str("response", response).
			Msg("Failed to parse digest response")
		return nil, fmt.Errorf("failed to parse digest response: %w", err)
	}

	// Drop highlights that point at changes we never sent
	known := make(map[string]bool, len(selected))
	for _, ch := range selected {
		known[ch.ID] = true
	}
	kept := digest.Highlights[:0]
	for _, h := range digest.Highlights {
		if known[h.ChangeID] {
			kept = append(kept, h)
		}
	}
	digest.Highlights = kept
	digest.Changes = len(selected)

	return &digest, nil
}

// DigestChanges picks the unread changes, sorted by threat level descending
// and capped. Ties keep feed order.
func DigestChanges(changes []models.Change) []models.Change {
	var out []models.Change
	for _, ch := range changes {
		if !ch.IsRead() {
			out = append(out, ch)
		}
	}
	sort.SliceStable(out, func(i, j int) bool {
		return out[i].ThreatLevel > out[j].ThreatLevel
	})
	if len(out) > maxDigestChanges {
		out = out[:maxDigestChanges]
	}
	return out
}

// BuildDigestPrompt renders the user prompt for a set of changes
func BuildDigestPrompt(monitor models.Monitor, changes []models.Change) string {
	var sb strings.Builder
	for i, ch := range changes {
		fmt.Fprintf(&sb, "%d. [%s] threat %.1f, %s on %s\n", i+1, ch.ID, ch.ThreatLevel, orDefault(ch.ChangeType, "change"), orDefault(ch.URL, "unknown page"))
		if content := strings.TrimSpace(ch.Content); content != "" {
			fmt.Fprintf(&sb, "   What changed: %s\n", truncate(content, 400))
		}
		if why := strings.TrimSpace(ch.WhyMatters); why != "" {
			fmt.Fprintf(&sb, "   Why it matters: %s\n", truncate(why, 300))
		}
	}

	name := orDefault(monitor.Name, monitor.ID)
	return fmt.Sprintf(DigestUserPrompt, name, orDefault(monitor.URL, monitor.Domain), strings.TrimRight(sb.String(), "\n"))
}

// stripMarkdownCodeBlock removes markdown code block delimiters from AI responses
func stripMarkdownCodeBlock(response string) string {
	response = strings.TrimSpace(response)

	startIdx := strings.Index(response, "{")
	if startIdx == -1 {
		return response
	}

	endIdx := strings.LastIndex(response, "}")
	if endIdx == -1 || endIdx < startIdx {
		return response
	}

	return response[startIdx : endIdx+1]
}

func truncate(s string, limit int) string {
	if runes := []rune(s); len(runes) > limit {
		return string(runes[:limit]) + "..."
	}
	return s
}

func orDefault(s, def string) string {
	if strings.TrimSpace(s) == "" {
		return def
	}
	return s
}
