// Package client is the consumer-side session manager: it owns one logical
// connection to the broker, remembers which topics the application asked to
// join, re-subscribes after every reconnect, and degrades to a cached
// snapshot when the broker cannot be reached.
package client

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"log/slog"
	"net/http"
	"net/url"
	"sync"
	"time"

	"github.com/campuspulse/pulse/models"
	"github.com/gorilla/websocket"
)

var ErrClosed = errors.New("client is closed")

// State is the observable connection state.
type State string

const (
	StateDisconnected State = "disconnected"
	StateConnected    State = "connected"
	StateReconnecting State = "reconnecting"
	// StateOffline means the bounded retry budget is spent. The client keeps
	// probing in the background at the capped interval, and any data served
	// from the snapshot cache is explicitly stale.
	StateOffline State = "offline"
)

// Handler receives every message delivered on a subscribed topic.
type Handler func(msg models.Message)

type Config struct {
	// Endpoint is the broker's base address, e.g. "ws://127.0.0.1:8480/ws".
	Endpoint string
	// UserID optionally attaches an identity; the broker then delivers the
	// user's own topic without an explicit join-room.
	UserID string

	// Bounded reconnect policy. After MaxAttempts consecutive failures the
	// client surfaces StateOffline and keeps probing every MaxDelay.
	MaxAttempts int
	BaseDelay   time.Duration
	MaxDelay    time.Duration

	// SnapshotTTL bounds how long a cached message is served after the
	// broker goes away. Zero means snapshots never expire.
	SnapshotTTL time.Duration

	Logger *slog.Logger
}

type Client struct {
	cfg    Config
	logger *slog.Logger

	dialer *websocket.Dialer

	// writeMu serializes data writes on the live conn. gorilla permits one
	// writer at a time; Subscribe and Unsubscribe send from the caller's
	// goroutine while the reconnect loop replays topics from its own.
	writeMu sync.Mutex

	mu      sync.Mutex
	topics  map[string]struct{}
	handler Handler
	state   State
	onState func(State)
	conn    *websocket.Conn
	closed  bool
	running bool

	cache *snapshotCache

	ctx    context.Context
	cancel context.CancelFunc
	done   chan struct{}
}

// New validates cfg and returns an unconnected client. Call Run to connect.
func New(cfg Config) (*Client, error) {
	if cfg.Endpoint == "" {
		return nil, fmt.Errorf("endpoint cannot be empty")
	}
	if _, err := url.Parse(cfg.Endpoint); err != nil {
		return nil, fmt.Errorf("invalid endpoint %q: %w", cfg.Endpoint, err)
	}
	if cfg.MaxAttempts <= 0 {
		cfg.MaxAttempts = 5
	}
	if cfg.BaseDelay <= 0 {
		cfg.BaseDelay = 500 * time.Millisecond
	}
	if cfg.MaxDelay < cfg.BaseDelay {
		cfg.MaxDelay = 15 * time.Second
	}
	if cfg.Logger == nil {
		cfg.Logger = slog.Default()
	}

	ctx, cancel := context.WithCancel(context.Background())
	return &Client{
		cfg:    cfg,
		logger: cfg.Logger.WithGroup("pulse_client"),
		dialer: &websocket.Dialer{
			Proxy:            http.ProxyFromEnvironment,
			HandshakeTimeout: 10 * time.Second,
		},
		topics: make(map[string]struct{}),
		state:  StateDisconnected,
		cache:  newSnapshotCache(cfg.SnapshotTTL),
		ctx:    ctx,
		cancel: cancel,
		done:   make(chan struct{}),
	}, nil
}

// OnMessage sets the delivery callback. Must be set before Run.
func (c *Client) OnMessage(h Handler) {
	c.mu.Lock()
	defer c.mu.Unlock()
	c.handler = h
}

// OnStateChange registers an observer for connection state transitions.
func (c *Client) OnStateChange(fn func(State)) {
	c.mu.Lock()
	defer c.mu.Unlock()
	c.onState = fn
}

// State returns the current connection state.
func (c *Client) State() State {
	c.mu.Lock()
	defer c.mu.Unlock()
	return c.state
}

func (c *Client) setState(s State) {
	c.mu.Lock()
	if c.state == s {
		c.mu.Unlock()
		return
	}
	c.state = s
	observer := c.onState
	c.mu.Unlock()

	c.logger.Info("connection state changed", "state", s)
	if observer != nil {
		observer(s)
	}
}

// Subscribe adds topic to the remembered set and, when connected, issues
// join-room immediately. The remembered set survives reconnects.
func (c *Client) Subscribe(topic string) error {
	if !models.ValidTopic(topic) {
		return fmt.Errorf("malformed topic %q", topic)
	}

	c.mu.Lock()
	if c.closed {
		c.mu.Unlock()
		return ErrClosed
	}
	c.topics[topic] = struct{}{}
	conn := c.conn
	c.mu.Unlock()

	if conn != nil {
		return c.sendControl(conn, models.ControlJoinRoom, topic)
	}
	return nil
}

// Unsubscribe forgets topic and, when connected, issues leave-room.
func (c *Client) Unsubscribe(topic string) error {
	c.mu.Lock()
	if c.closed {
		c.mu.Unlock()
		return ErrClosed
	}
	delete(c.topics, topic)
	conn := c.conn
	c.mu.Unlock()

	c.cache.forget(topic)
	if conn != nil {
		return c.sendControl(conn, models.ControlLeaveRoom, topic)
	}
	return nil
}

// Topics returns the remembered subscription set.
func (c *Client) Topics() []string {
	c.mu.Lock()
	defer c.mu.Unlock()
	out := make([]string, 0, len(c.topics))
	for t := range c.topics {
		out = append(out, t)
	}
	return out
}

// Snapshot returns the last message seen on topic. ok is false when nothing
// was ever cached (or the snapshot expired). stale is true whenever the
// client is not live, so callers can mark the data accordingly.
func (c *Client) Snapshot(topic string) (msg models.Message, updatedAt time.Time, stale bool, ok bool) {
	entry, ok := c.cache.get(topic)
	if !ok {
		return models.Message{}, time.Time{}, false, false
	}
	return entry.msg, entry.updatedAt, c.State() != StateConnected, true
}

// Run connects and services the connection until ctx is cancelled or Close
// is called. It never returns a transient error; connection trouble is
// absorbed by the bounded-retry loop and surfaced through State.
func (c *Client) Run(ctx context.Context) {
	c.mu.Lock()
	c.running = true
	c.mu.Unlock()
	defer close(c.done)

	attempt := 0
	for {
		select {
		case <-ctx.Done():
			return
		case <-c.ctx.Done():
			return
		default:
		}

		conn, err := c.connect(ctx)
		if err != nil {
			attempt++
			delay := c.backoff(attempt)
			if attempt >= c.cfg.MaxAttempts {
				// Budget spent: go offline but keep probing at the cap.
				c.setState(StateOffline)
				delay = c.cfg.MaxDelay
			} else {
				c.setState(StateReconnecting)
			}
			c.logger.Warn("broker connect failed",
				"attempt", attempt, "retry_in", delay, "error", err)

			select {
			case <-time.After(delay):
			case <-ctx.Done():
				return
			case <-c.ctx.Done():
				return
			}
			continue
		}

		attempt = 0
		c.setState(StateConnected)
		c.readLoop(ctx, conn)

		c.mu.Lock()
		c.conn = nil
		closed := c.closed
		c.mu.Unlock()
		if closed || ctx.Err() != nil {
			return
		}
		c.setState(StateReconnecting)
	}
}

// backoff returns the delay before the given (1-based) attempt, doubling
// from BaseDelay and capped at MaxDelay.
func (c *Client) backoff(attempt int) time.Duration {
	delay := c.cfg.BaseDelay
	for i := 1; i < attempt; i++ {
		delay *= 2
		if delay >= c.cfg.MaxDelay {
			return c.cfg.MaxDelay
		}
	}
	if delay > c.cfg.MaxDelay {
		return c.cfg.MaxDelay
	}
	return delay
}

func (c *Client) connect(ctx context.Context) (*websocket.Conn, error) {
	endpoint := c.cfg.Endpoint
	if c.cfg.UserID != "" {
		u, err := url.Parse(endpoint)
		if err != nil {
			return nil, err
		}
		q := u.Query()
		q.Set("user", c.cfg.UserID)
		u.RawQuery = q.Encode()
		endpoint = u.String()
	}

	conn, resp, err := c.dialer.DialContext(ctx, endpoint, nil)
	if err != nil {
		if resp != nil {
			return nil, fmt.Errorf("dial %s (status %s): %w", endpoint, resp.Status, err)
		}
		return nil, fmt.Errorf("dial %s: %w", endpoint, err)
	}

	// Publish the conn before replaying so a Subscribe landing mid-replay
	// issues its own join-room instead of being silently deferred to the
	// next reconnect. The broker treats duplicate join-room as a no-op.
	c.mu.Lock()
	c.conn = conn
	c.mu.Unlock()

	// Server-side subscriptions do not survive a reconnect; replay the
	// whole remembered set before anything else.
	for _, topic := range c.Topics() {
		if err := c.sendControl(conn, models.ControlJoinRoom, topic); err != nil {
			c.mu.Lock()
			c.conn = nil
			c.mu.Unlock()
			conn.Close()
			return nil, fmt.Errorf("resubscribe %s: %w", topic, err)
		}
	}
	return conn, nil
}

func (c *Client) sendControl(conn *websocket.Conn, action models.ControlAction, topic string) error {
	raw, err := json.Marshal(models.ControlMessage{Action: action, RoomID: topic})
	if err != nil {
		return err
	}

	c.writeMu.Lock()
	defer c.writeMu.Unlock()
	conn.SetWriteDeadline(time.Now().Add(10 * time.Second))
	return conn.WriteMessage(websocket.TextMessage, raw)
}

func (c *Client) readLoop(ctx context.Context, conn *websocket.Conn) {
	defer conn.Close()

	// WriteControl is safe to call concurrently with other writers, so the
	// pong and the shutdown close frame stay off the data-write mutex.
	conn.SetPingHandler(func(appData string) error {
		return conn.WriteControl(websocket.PongMessage, []byte(appData), time.Now().Add(10*time.Second))
	})

	go func() {
		select {
		case <-ctx.Done():
		case <-c.ctx.Done():
		}
		conn.WriteControl(websocket.CloseMessage,
			websocket.FormatCloseMessage(websocket.CloseNormalClosure, ""), time.Now().Add(time.Second))
		conn.Close()
	}()

	for {
		_, raw, err := conn.ReadMessage()
		if err != nil {
			if websocket.IsUnexpectedCloseError(err, websocket.CloseNormalClosure, websocket.CloseGoingAway) {
				c.logger.Warn("websocket read failed", "error", err)
			}
			return
		}

		var msg models.Message
		if err := json.Unmarshal(raw, &msg); err != nil {
			c.logger.Warn("dropping undecodable message", "error", err)
			continue
		}

		c.cache.put(msg)

		c.mu.Lock()
		handler := c.handler
		c.mu.Unlock()
		if handler != nil {
			handler(msg)
		}
	}
}

// Close tears the connection down and stops the retry loop. Idempotent.
func (c *Client) Close() {
	c.mu.Lock()
	if c.closed {
		c.mu.Unlock()
		return
	}
	c.closed = true
	conn := c.conn
	running := c.running
	c.mu.Unlock()

	c.cancel()
	if conn != nil {
		conn.Close()
	}
	if running {
		<-c.done
	}
	c.cache.stop()
	c.setState(StateDisconnected)
}
