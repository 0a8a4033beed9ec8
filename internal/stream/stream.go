// Package stream follows the marketplace event feed over WebSocket.
// The feed announces app lifecycle changes; the daemon uses it to
// re-probe installed apps immediately and to surface available
// updates without waiting for the next poll.
package stream

import (
	"context"
	"fmt"
	"log/slog"
	"net/http"
	"net/url"
	"strings"
	"sync"
	"time"

	"github.com/gorilla/websocket"

	"github.com/nugget/wares"
	"github.com/nugget/wares/internal/httpkit"
)

// Event is one message from the marketplace event feed.
type Event struct {
	Type    string `json:"type"`
	AppID   string `json:"app_id"`
	Version string `json:"version,omitempty"`
}

// Event types sent by the marketplace.
const (
	EventAppPublished = "app.published"
	EventAppUpdated   = "app.updated"
	EventAppDeleted   = "app.deleted"
)

// Redial backoff bounds for [Client.Run].
const (
	initialRedialDelay = 2 * time.Second
	maxRedialDelay     = 60 * time.Second
)

// Client manages a WebSocket connection to the marketplace event feed.
// Credentials follow the same policy as the HTTP client: x-user-id on
// every dial, then x-api-key or a bearer token, with the API key
// winning when both are set.
type Client struct {
	baseURL string
	apiKey  string
	token   string
	userID  func() string
	logger  *slog.Logger

	redialMin time.Duration
	redialMax time.Duration

	connMu sync.Mutex
	conn   *websocket.Conn
	done   chan struct{} // closed when the current read loop exits

	events chan Event
}

// New creates a feed client from marketplace client configuration.
// It does not connect; call [Client.Connect] or [Client.Run].
func New(cfg wares.Config, logger *slog.Logger) *Client {
	if logger == nil {
		logger = slog.Default()
	}
	baseURL := cfg.BaseURL
	if baseURL == "" {
		baseURL = wares.DefaultBaseURL
	}
	return &Client{
		baseURL:   strings.TrimRight(baseURL, "/"),
		apiKey:    cfg.APIKey,
		token:     cfg.Token,
		userID:    cfg.UserID,
		logger:    logger,
		redialMin: initialRedialDelay,
		redialMax: maxRedialDelay,
		events:    make(chan Event, 100),
	}
}

// Events returns the channel events are delivered on. The channel is
// buffered; events are dropped (with a warning) when it is full.
func (c *Client) Events() <-chan Event {
	return c.events
}

// Connect establishes the WebSocket connection and starts the read
// loop. The connection stays up until the server closes it or
// [Client.Close] is called; it does not redial on its own.
func (c *Client) Connect(ctx context.Context) error {
	c.connMu.Lock()
	defer c.connMu.Unlock()

	feedURL, err := c.feedURL()
	if err != nil {
		return err
	}

	c.logger.Info("connecting to marketplace event feed", "url", feedURL)

	dialer := websocket.Dialer{
		HandshakeTimeout: 10 * time.Second,
	}

	conn, resp, err := dialer.DialContext(ctx, feedURL, c.dialHeader())
	if err != nil {
		// On a rejected handshake the response body says why
		// (bad credentials, unknown endpoint).
		if resp != nil && resp.Body != nil {
			if reason := httpkit.ReadErrorBody(resp.Body, 4096); reason != "" {
				return fmt.Errorf("dial event feed: %w: %s", err, strings.TrimSpace(reason))
			}
		}
		return fmt.Errorf("dial event feed: %w", err)
	}

	// Feed messages are small; anything bigger is a broken peer.
	conn.SetReadLimit(1 << 20)

	c.conn = conn
	done := make(chan struct{})
	c.done = done
	go c.readLoop(conn, done)

	return nil
}

// Close closes the WebSocket connection.
func (c *Client) Close() error {
	c.connMu.Lock()
	defer c.connMu.Unlock()

	if c.conn != nil {
		err := c.conn.Close()
		c.conn = nil
		return err
	}
	return nil
}

// Reconnect closes the existing connection (if any) and dials again.
// Safe to call from any goroutine.
func (c *Client) Reconnect(ctx context.Context) error {
	c.logger.Info("reconnecting to event feed")

	// Close the old connection. Ignore errors; it may already be dead.
	c.connMu.Lock()
	if c.conn != nil {
		c.conn.Close()
		c.conn = nil
	}
	c.connMu.Unlock()

	return c.Connect(ctx)
}

// Run keeps the feed connected until ctx is cancelled, redialing with
// capped exponential backoff after connection loss. It returns the
// context's error.
func (c *Client) Run(ctx context.Context) error {
	delay := c.redialMin

	for {
		if err := c.Connect(ctx); err != nil {
			c.logger.Warn("event feed connect failed",
				"error", err, "retry_in", delay)
		} else {
			delay = c.redialMin

			c.connMu.Lock()
			done := c.done
			c.connMu.Unlock()

			select {
			case <-ctx.Done():
				c.Close()
				return ctx.Err()
			case <-done:
				c.logger.Info("event feed disconnected, redialing",
					"retry_in", delay)
			}
		}

		select {
		case <-ctx.Done():
			c.Close()
			return ctx.Err()
		case <-time.After(delay):
		}

		delay *= 2
		if delay > c.redialMax {
			delay = c.redialMax
		}
	}
}

// feedURL converts the marketplace base URL to the feed endpoint,
// swapping http(s) for ws(s).
func (c *Client) feedURL() (string, error) {
	u, err := url.Parse(c.baseURL)
	if err != nil {
		return "", fmt.Errorf("parse base URL: %w", err)
	}

	switch u.Scheme {
	case "https":
		u.Scheme = "wss"
	case "http":
		u.Scheme = "ws"
	}
	u.Path = "/api/events"

	return u.String(), nil
}

// dialHeader builds the handshake headers using the marketplace
// credential policy.
func (c *Client) dialHeader() http.Header {
	h := http.Header{}

	userID := wares.DefaultUserID
	if c.userID != nil {
		if id := c.userID(); id != "" {
			userID = id
		}
	}
	h.Set("x-user-id", userID)

	if c.apiKey != "" {
		h.Set("x-api-key", c.apiKey)
	} else if c.token != "" {
		h.Set("Authorization", "Bearer "+c.token)
	}

	return h
}

// readLoop reads events until the connection dies. The conn and done
// channel are captured per-connection so a Reconnect never races a
// stale loop against the new connection.
func (c *Client) readLoop(conn *websocket.Conn, done chan struct{}) {
	defer close(done)

	for {
		var ev Event
		if err := conn.ReadJSON(&ev); err != nil {
			if websocket.IsCloseError(err, websocket.CloseNormalClosure, websocket.CloseGoingAway) {
				c.logger.Info("event feed closed normally")
				return
			}
			c.logger.Warn("event feed read error, connection lost", "error", err)
			return
		}

		if ev.Type == "" {
			c.logger.Debug("event feed message without type ignored")
			continue
		}

		select {
		case c.events <- ev:
		default:
			c.logger.Warn("event channel full, dropping event",
				"type", ev.Type, "app_id", ev.AppID)
		}
	}
}
