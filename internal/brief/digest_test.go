package brief

import (
	"context"
	"encoding/json"
	"net/http"
	"net/http/httptest"
	"strings"
	"testing"
	"time"

	"github.com/anthropics/anthropic-sdk-go/option"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/rivalwatch/internal/config"
	"github.com/rivalwatch/internal/models"
	"github.com/rivalwatch/pkg/logger"
)

func sampleChanges() []models.Change {
	read := time.Date(2025, 1, 14, 10, 0, 0, 0, time.UTC)
	return []models.Change{
		{ID: "c1", URL: "https://rival.io/blog", ChangeType: "content", ThreatLevel: 2},
		{ID: "c2", URL: "https://rival.io/pricing", ChangeType: "pricing", ThreatLevel: 9, Content: "Free tier removed", WhyMatters: "Pushes users to us"},
		{ID: "c3", ThreatLevel: 10, ReadAt: &read},
		{ID: "c4", ThreatLevel: 2},
	}
}

func TestDigestChanges(t *testing.T) {
	got := DigestChanges(sampleChanges())

	ids := make([]string, len(got))
	for i, c := range got {
		ids[i] = c.ID
	}
	assert.Equal(t, []string{"c2", "c1", "c4"}, ids, "unread only, threat descending, ties stable")
}

func TestDigestChanges_Capped(t *testing.T) {
	changes := make([]models.Change, maxDigestChanges+5)
	for i := range changes {
		changes[i] = models.Change{ID: string(rune('a' + i%26))}
	}
	assert.Len(t, DigestChanges(changes), maxDigestChanges)
}

func TestBuildDigestPrompt(t *testing.T) {
	prompt := BuildDigestPrompt(models.Monitor{ID: "m1", Name: "Example", URL: "https://example.com"}, DigestChanges(sampleChanges()))

	assert.Contains(t, prompt, "unread changes for Example (https://example.com)")
	assert.Contains(t, prompt, "1. [c2] threat 9.0, pricing on https://rival.io/pricing")
	assert.Contains(t, prompt, "What changed: Free tier removed")
	assert.Contains(t, prompt, "Why it matters: Pushes users to us")
	assert.Contains(t, prompt, "3. [c4] threat 2.0, change on unknown page")
	assert.NotContains(t, prompt, "[c3]")
}

func TestStripMarkdownCodeBlock(t *testing.T) {
	assert.Equal(t, `{"a":1}`, stripMarkdownCodeBlock("```json\n{\"a\":1}\n```"))
	assert.Equal(t, "no json", stripMarkdownCodeBlock("  no json "))
}

func TestNewClient_Disabled(t *testing.T) {
	c, err := NewClient(config.AnthropicConfig{}, nil, logger.Nop())
	assert.ErrorIs(t, err, ErrDisabled)
	assert.Nil(t, c)
}

func newTestClient(t *testing.T, reply string, gotPrompt *string) *Client {
	t.Helper()
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		assert.True(t, strings.HasSuffix(r.URL.Path, "/v1/messages"))

		var body struct {
			Messages []struct {
				Content []struct {
					Text string `json:"text"`
				} `json:"content"`
			} `json:"messages"`
		}
		_ = json.NewDecoder(r.Body).Decode(&body)
		if len(body.Messages) > 0 && len(body.Messages[0].Content) > 0 {
			*gotPrompt = body.Messages[0].Content[0].Text
		}

		w.Header().Set("Content-Type", "application/json")
		_ = json.NewEncoder(w).Encode(map[string]any{
			"id":          "msg_1",
			"type":        "message",
			"role":        "assistant",
			"model":       "claude-test",
			"stop_reason": "end_turn",
			"content":     []map[string]any{{"type": "text", "text": reply}},
			"usage":       map[string]any{"input_tokens": 10, "output_tokens": 20},
		})
	}))
	t.Cleanup(srv.Close)

	c, err := NewClient(config.AnthropicConfig{APIKey: "test", Model: "claude-test", MaxTokens: 512}, nil, logger.Nop(),
		option.WithBaseURL(srv.URL), option.WithMaxRetries(0))
	require.NoError(t, err)
	return c
}

func TestDigest(t *testing.T) {
	var prompt string
	reply := "```json\n" + `{"summary":"Rival dropped its free tier.","highlights":[{"change_id":"c2","headline":"Free tier gone"},{"change_id":"zz","headline":"made up"}],"recommended_actions":["Target their free users"]}` + "\n```"
	c := newTestClient(t, reply, &prompt)

	d, err := c.Digest(context.Background(), models.Monitor{ID: "m1", Name: "Example"}, sampleChanges())
	require.NoError(t, err)

	assert.Equal(t, "Rival dropped its free tier.", d.Summary)
	assert.Equal(t, []Highlight{{ChangeID: "c2", Headline: "Free tier gone"}}, d.Highlights)
	assert.Equal(t, []string{"Target their free users"}, d.Actions)
	assert.Equal(t, 3, d.Changes)
	assert.Contains(t, prompt, "[c2]")
}

func TestDigest_NothingUnread(t *testing.T) {
	var prompt string
	c := newTestClient(t, "{}", &prompt)

	d, err := c.Digest(context.Background(), models.Monitor{ID: "m1"}, nil)
	require.NoError(t, err)
	assert.Equal(t, "No unread changes.", d.Summary)
	assert.Empty(t, prompt, "no request is sent")
}

func TestDigest_BadJSON(t *testing.T) {
	var prompt string
	c := newTestClient(t, "not json", &prompt)

	_, err := c.Digest(context.Background(), models.Monitor{ID: "m1"}, sampleChanges())
	assert.ErrorContains(t, err, "failed to parse digest response")
}
