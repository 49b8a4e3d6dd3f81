// Package backend talks to the analysis backend: the REST endpoints for
// tasks, monitors, competitors, changes and archives, and the websocket
// endpoint that streams a task's events.
package backend

import (
	"bytes"
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"io"
	"net/http"
	"strings"
	"time"

	"golang.org/x/oauth2"

	"github.com/rivalwatch/pkg/logger"
	"github.com/rivalwatch/pkg/ratelimit"
)

// APIError is a non-2xx answer from the backend. Detail carries the
// {"detail": ...} message the backend puts in error bodies.
type APIError struct {
	StatusCode int
	Detail     string
}

func (e *APIError) Error() string {
	if e.Detail == "" {
		return fmt.Sprintf("backend returned %d %s", e.StatusCode, http.StatusText(e.StatusCode))
	}
	return fmt.Sprintf("backend returned %d: %s", e.StatusCode, e.Detail)
}

// IsAuth reports whether the error means the session lacks access
func (e *APIError) IsAuth() bool {
	if e.StatusCode == http.StatusUnauthorized || e.StatusCode == http.StatusForbidden {
		return true
	}
	detail := strings.ToLower(e.Detail)
	for _, word := range []string{"unauthorized", "forbidden", "authentication", "not authenticated"} {
		if strings.Contains(detail, word) {
			return true
		}
	}
	return false
}

// IsAuthError reports whether any error in err's chain is an authorization failure
func IsAuthError(err error) bool {
	var apiErr *APIError
	return errors.As(err, &apiErr) && apiErr.IsAuth()
}

// IsNotFound reports whether err is a 404 from the backend
func IsNotFound(err error) bool {
	var apiErr *APIError
	return errors.As(err, &apiErr) && apiErr.StatusCode == http.StatusNotFound
}

// Client handles analysis backend requests
type Client struct {
	httpClient  *http.Client
	baseURL     string
	rateLimiter *ratelimit.MultiLimiter
	log         *logger.Logger
}

// NewClient creates a backend client. Requests carry the bearer token from
// tokens when it is non-nil.
func NewClient(baseURL string, timeout time.Duration, tokens oauth2.TokenSource, limiter *ratelimit.MultiLimiter, log *logger.Logger) *Client {
	if timeout <= 0 {
		timeout = 30 * time.Second
	}

	httpClient := &http.Client{Timeout: timeout}
	if tokens != nil {
		httpClient = oauth2.NewClient(context.Background(), tokens)
		httpClient.Timeout = timeout
	}
	if limiter == nil {
		limiter = ratelimit.NewMultiLimiter()
	}

	return &Client{
		httpClient:  httpClient,
		baseURL:     strings.TrimRight(baseURL, "/"),
		rateLimiter: limiter,
		log:         log.WithComponent("backend"),
	}
}

// do performs a JSON request and decodes the response into out (when non-nil)
func (c *Client) do(ctx context.Context, method, path string, body, out any) error {
	if err := c.rateLimiter.Wait(ctx, ratelimit.LimiterAPI); err != nil {
		return fmt.Errorf("rate limit error: %w", err)
	}

	var reqBody io.Reader
	if body != nil {
		data, err := json.Marshal(body)
		if err != nil {
			return fmt.Errorf("failed to marshal request body: %w", err)
		}
		reqBody = bytes.NewReader(data)
	}

	req, err := http.NewRequestWithContext(ctx, method, c.baseURL+path, reqBody)
	if err != nil {
		return fmt.Errorf("failed to create request: %w", err)
	}
	req.Header.Set("Accept", "application/json")
	if body != nil {
		req.Header.Set("Content-Type", "application/json")
	}

	c.log.Debug().
		Str("method", method).
		Str("path", path).
		Msg("Making backend request")

	resp, err := c.httpClient.Do(req)
	if err != nil {
		return fmt.Errorf("request failed: %w", err)
	}
	defer resp.Body.Close()

	c.log.Debug().
		Int("status", resp.StatusCode).
		Str("path", path).
		Msg("Backend response")

	if resp.StatusCode < 200 || resp.StatusCode >= 300 {
		return decodeError(resp)
	}

	if out == nil {
		return nil
	}
	if err := json.NewDecoder(resp.Body).Decode(out); err != nil && !errors.Is(err, io.EOF) {
		return fmt.Errorf("failed to decode response: %w", err)
	}
	return nil
}

func decodeError(resp *http.Response) error {
	raw, _ := io.ReadAll(io.LimitReader(resp.Body, 64<<10))
	apiErr := &APIError{StatusCode: resp.StatusCode}

	var body struct {
		Detail any `json:"detail"`
	}
	if err := json.Unmarshal(raw, &body); err == nil && body.Detail != nil {
		switch d := body.Detail.(type) {
		case string:
			apiErr.Detail = d
		default:
			// validation errors carry a list of objects
			encoded, _ := json.Marshal(d)
			apiErr.Detail = string(encoded)
		}
	} else {
		apiErr.Detail = strings.TrimSpace(string(raw))
	}
	return apiErr
}

// object is a decoded JSON object of unknown shape
type object = map[string]any

func list(o object, key string) []any {
	items, _ := o[key].([]any)
	return items
}
