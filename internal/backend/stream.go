package backend

import (
	"context"
	"errors"
	"fmt"
	"io"
	"net/http"
	"net/url"
	"strings"
	"time"

	"github.com/gorilla/websocket"
	"golang.org/x/oauth2"

	"github.com/rivalwatch/internal/stream"
	"github.com/rivalwatch/pkg/logger"
	"github.com/rivalwatch/pkg/ratelimit"
)

// closeUnauthorized is the close code the backend uses for rejected tokens
const closeUnauthorized = 4401

// StreamDialer opens /ws/analysis/{task_id} connections
type StreamDialer struct {
	baseURL     string
	tokens      oauth2.TokenSource
	dialer      *websocket.Dialer
	rateLimiter *ratelimit.MultiLimiter
	log         *logger.Logger
}

// NewStreamDialer creates a dialer for the websocket base URL (ws:// or wss://)
func NewStreamDialer(baseURL string, handshakeTimeout time.Duration, tokens oauth2.TokenSource, limiter *ratelimit.MultiLimiter, log *logger.Logger) *StreamDialer {
	if handshakeTimeout <= 0 {
		handshakeTimeout = 10 * time.Second
	}
	if limiter == nil {
		limiter = ratelimit.NewMultiLimiter()
	}
	return &StreamDialer{
		baseURL: strings.TrimRight(baseURL, "/"),
		tokens:  tokens,
		dialer: &websocket.Dialer{
			Proxy:            http.ProxyFromEnvironment,
			HandshakeTimeout: handshakeTimeout,
		},
		rateLimiter: limiter,
		log:         log.WithComponent("stream-dialer"),
	}
}

// Dial returns once the websocket handshake completed
func (d *StreamDialer) Dial(ctx context.Context, taskID string) (stream.Conn, error) {
	if err := d.rateLimiter.Wait(ctx, ratelimit.LimiterStream); err != nil {
		return nil, fmt.Errorf("rate limit error: %w", err)
	}

	target := d.baseURL + "/ws/analysis/" + url.PathEscape(taskID)
	if d.tokens != nil {
		tok, err := d.tokens.Token()
		if err != nil {
			return nil, fmt.Errorf("authentication error: %w", err)
		}
		target += "?token=" + url.QueryEscape(tok.AccessToken)
	}

	conn, resp, err := d.dialer.DialContext(ctx, target, nil)
	if err != nil {
		if resp != nil {
			defer resp.Body.Close()
			return nil, fmt.Errorf("websocket handshake: %w", &APIError{
				StatusCode: resp.StatusCode,
				Detail:     "websocket handshake rejected",
			})
		}
		return nil, fmt.Errorf("websocket handshake: %w", err)
	}

	d.log.Debug().Str("task_id", taskID).Msg("Event stream connected")
	return &wsConn{conn: conn}, nil
}

// wsConn adapts a websocket connection to stream.Conn
type wsConn struct {
	conn *websocket.Conn
}

func (c *wsConn) ReadMessage() ([]byte, error) {
	for {
		kind, data, err := c.conn.ReadMessage()
		if err != nil {
			return nil, translateClose(err)
		}
		if kind == websocket.TextMessage || kind == websocket.BinaryMessage {
			return data, nil
		}
	}
}

func (c *wsConn) Close() error {
	deadline := time.Now().Add(time.Second)
	msg := websocket.FormatCloseMessage(websocket.CloseNormalClosure, "")
	_ = c.conn.WriteControl(websocket.CloseMessage, msg, deadline)
	return c.conn.Close()
}

// translateClose maps a normal close to io.EOF and the backend's auth close
// code to an APIError
func translateClose(err error) error {
	var closeErr *websocket.CloseError
	if errors.As(err, &closeErr) {
		switch closeErr.Code {
		case websocket.CloseNormalClosure, websocket.CloseGoingAway:
			return io.EOF
		case closeUnauthorized:
			return &APIError{StatusCode: http.StatusUnauthorized, Detail: "stream authentication failed"}
		}
	}
	return err
}
