// Package indexclient subscribes to a collector's WebSocket stream and
// reconnects with backoff when the connection drops.
package indexclient

import (
	"context"
	"encoding/json"
	"fmt"
	"log/slog"
	"strconv"
	"time"

	"cryptoindex/internal/backoff"

	"nhooyr.io/websocket"
)

// Message is any server message. Type is "welcome", "index" or "snapshot".
type Message struct {
	Type      string    `json:"type"`
	Message   string    `json:"message,omitempty"`
	Client    string    `json:"client,omitempty"`
	Index     string    `json:"index,omitempty"`
	Value     float64   `json:"value,omitempty"`
	Timestamp time.Time `json:"timestamp,omitempty"`
	Seq       int64     `json:"seq,omitempty"`
}

// String renders a message for terminal output.
func (m Message) String() string {
	switch m.Type {
	case "index":
		return fmt.Sprintf("[INDEX UPDATE] %s = %s (%s)", m.Index,
			strconv.FormatFloat(m.Value, 'f', -1, 64), m.Timestamp.Format(time.RFC3339Nano))
	case "snapshot":
		return fmt.Sprintf("[LAST VALUE] %s = %s (%s)", m.Index,
			strconv.FormatFloat(m.Value, 'f', -1, 64), m.Timestamp.Format(time.RFC3339Nano))
	case "welcome":
		return "[SERVER MESSAGE] " + m.Message
	default:
		return "[SERVER MESSAGE] " + m.Type
	}
}

// Config configures a Client.
type Config struct {
	URL       string
	Reconnect bool
	Backoff   backoff.Policy
}

// Client reads messages from the collector.
type Client struct {
	cfg Config
	log *slog.Logger

	// OnMessage is called for every decoded message.
	OnMessage func(Message)
	// OnRaw is called for text frames that are not valid JSON.
	OnRaw func(string)
}

// New creates a Client. A zero Backoff uses backoff.Default.
func New(cfg Config) *Client {
	if cfg.Backoff.Initial <= 0 {
		cfg.Backoff = backoff.Default()
	}
	return &Client{cfg: cfg, log: slog.Default().With("component", "indexclient")}
}

// Run connects and consumes messages until ctx is cancelled. Without
// Reconnect it returns after the first session ends.
func (c *Client) Run(ctx context.Context) error {
	attempts := 0
	for {
		err := c.session(ctx)
		if ctx.Err() != nil {
			return nil
		}
		if !c.cfg.Reconnect {
			return err
		}

		var delay time.Duration
		if err == nil {
			attempts = 0
			delay = c.cfg.Backoff.Initial
			c.log.Info("connection closed, reconnecting", "in", delay.String())
		} else {
			attempts++
			delay = c.cfg.Backoff.Delay(attempts)
			c.log.Warn("connection error, reconnecting", "error", err, "attempt", attempts, "in", delay.String())
		}

		select {
		case <-ctx.Done():
			return nil
		case <-time.After(delay):
		}
	}
}

// session runs one connection. A close frame from the server ends it
// without error.
func (c *Client) session(ctx context.Context) error {
	ws, _, err := websocket.Dial(ctx, c.cfg.URL, nil)
	if err != nil {
		return fmt.Errorf("dial %s: %w", c.cfg.URL, err)
	}
	defer ws.Close(websocket.StatusNormalClosure, "client closing")
	c.log.Info("connected", "url", c.cfg.URL)

	for {
		typ, data, err := ws.Read(ctx)
		if err != nil {
			if ctx.Err() != nil {
				return nil
			}
			switch websocket.CloseStatus(err) {
			case websocket.StatusNormalClosure, websocket.StatusGoingAway:
				c.log.Info("server closed connection", "status", websocket.CloseStatus(err).String())
				return nil
			case -1:
				return err
			default:
				return fmt.Errorf("closed by server: %w", err)
			}
		}
		if typ != websocket.MessageText {
			continue
		}
		var m Message
		if err := json.Unmarshal(data, &m); err != nil || m.Type == "" {
			if c.OnRaw != nil {
				c.OnRaw(string(data))
			}
			continue
		}
		if c.OnMessage != nil {
			c.OnMessage(m)
		}
	}
}
