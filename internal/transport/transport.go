// Package transport is the realtime channel under the presence connection:
// a websocket carrying JSON envelopes routed by channel name, with the
// reconnect policy owned here so the layer above only sees connected /
// disconnected events.
package transport

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"log/slog"
	"sync"
	"time"

	"github.com/gorilla/websocket"
)

const (
	// DefaultReconnectDelay is the fixed pause between dial attempts.
	DefaultReconnectDelay = 5 * time.Second
	// DefaultPingInterval is the websocket-level keepalive, independent of
	// the application ping above.
	DefaultPingInterval = 10 * time.Second

	writeWait = 10 * time.Second
)

var ErrNotConnected = errors.New("transport not connected")

// Envelope is one websocket frame: a channel name and an opaque JSON body.
type Envelope struct {
	Channel string          `json:"channel"`
	Body    json.RawMessage `json:"body"`
}

type Config struct {
	URL            string
	ReconnectDelay time.Duration
	PingInterval   time.Duration
	Header         map[string]string
	Logger         *slog.Logger
}

// Client dials the server and keeps dialing on a fixed delay until closed.
// Handlers registered with Subscribe run on the single read loop, so delivery
// order per channel follows arrival order.
type Client struct {
	url            string
	reconnectDelay time.Duration
	pingInterval   time.Duration
	header         map[string]string
	log            *slog.Logger

	// OnConnect and OnDisconnect must be set before Run.
	OnConnect    func()
	OnDisconnect func(err error)

	mu        sync.RWMutex
	conn      *websocket.Conn
	connected bool
	handlers  map[string]func(body []byte)

	writeMu sync.Mutex

	closeOnce sync.Once
	closed    chan struct{}
}

func NewClient(cfg Config) *Client {
	if cfg.ReconnectDelay <= 0 {
		cfg.ReconnectDelay = DefaultReconnectDelay
	}
	if cfg.PingInterval <= 0 {
		cfg.PingInterval = DefaultPingInterval
	}
	if cfg.Logger == nil {
		cfg.Logger = slog.Default()
	}
	return &Client{
		url:            cfg.URL,
		reconnectDelay: cfg.ReconnectDelay,
		pingInterval:   cfg.PingInterval,
		header:         cfg.Header,
		log:            cfg.Logger,
		handlers:       make(map[string]func(body []byte)),
		closed:         make(chan struct{}),
	}
}

// Subscribe registers the handler for a channel. Typically done before Run;
// re-subscribing replaces the handler.
func (c *Client) Subscribe(channel string, fn func(body []byte)) {
	c.mu.Lock()
	c.handlers[channel] = fn
	c.mu.Unlock()
}

func (c *Client) Connected() bool {
	c.mu.RLock()
	defer c.mu.RUnlock()
	return c.connected
}

// Publish sends one envelope. Returns ErrNotConnected while the socket is
// down; callers own their retry policy.
func (c *Client) Publish(channel string, v any) error {
	body, err := json.Marshal(v)
	if err != nil {
		return fmt.Errorf("publish encode: %w", err)
	}

	c.mu.RLock()
	conn := c.conn
	connected := c.connected
	c.mu.RUnlock()

	if !connected || conn == nil {
		return ErrNotConnected
	}

	c.writeMu.Lock()
	defer c.writeMu.Unlock()
	_ = conn.SetWriteDeadline(time.Now().Add(writeWait))
	if err := conn.WriteJSON(Envelope{Channel: channel, Body: body}); err != nil {
		return fmt.Errorf("publish %s: %w", channel, err)
	}
	return nil
}

// Run dials and serves the connection until ctx is cancelled or Close is
// called. Each drop waits the fixed reconnect delay before the next dial.
func (c *Client) Run(ctx context.Context) error {
	for {
		select {
		case <-ctx.Done():
			return ctx.Err()
		case <-c.closed:
			return nil
		default:
		}

		if err := c.runOnce(ctx); err != nil {
			c.log.Warn("transport session ended", "url", c.url, "error", err)
		}

		select {
		case <-ctx.Done():
			return ctx.Err()
		case <-c.closed:
			return nil
		case <-time.After(c.reconnectDelay):
		}
	}
}

func (c *Client) runOnce(ctx context.Context) error {
	dialer := websocket.Dialer{HandshakeTimeout: 10 * time.Second}
	header := make(map[string][]string, len(c.header))
	for k, v := range c.header {
		header[k] = []string{v}
	}

	conn, _, err := dialer.DialContext(ctx, c.url, header)
	if err != nil {
		return fmt.Errorf("dial: %w", err)
	}

	c.mu.Lock()
	c.conn = conn
	c.connected = true
	c.mu.Unlock()

	c.log.Info("transport connected", "url", c.url)
	if c.OnConnect != nil {
		c.OnConnect()
	}

	pingDone := make(chan struct{})
	go c.pingLoop(conn, pingDone)

	readErr := c.readLoop(conn)

	close(pingDone)
	c.mu.Lock()
	c.connected = false
	c.conn = nil
	c.mu.Unlock()
	_ = conn.Close()

	if c.OnDisconnect != nil {
		c.OnDisconnect(readErr)
	}
	return readErr
}

func (c *Client) readLoop(conn *websocket.Conn) error {
	for {
		var env Envelope
		if err := conn.ReadJSON(&env); err != nil {
			return err
		}

		c.mu.RLock()
		fn := c.handlers[env.Channel]
		c.mu.RUnlock()

		if fn == nil {
			c.log.Debug("no handler for channel", "channel", env.Channel)
			continue
		}
		fn(env.Body)
	}
}

func (c *Client) pingLoop(conn *websocket.Conn, done chan struct{}) {
	ticker := time.NewTicker(c.pingInterval)
	defer ticker.Stop()
	for {
		select {
		case <-done:
			return
		case <-c.closed:
			return
		case <-ticker.C:
			c.writeMu.Lock()
			_ = conn.SetWriteDeadline(time.Now().Add(writeWait))
			err := conn.WriteMessage(websocket.PingMessage, nil)
			c.writeMu.Unlock()
			if err != nil {
				return
			}
		}
	}
}

// Close tears the client down for good. Idempotent; Run returns after the
// in-flight session unwinds.
func (c *Client) Close() error {
	c.closeOnce.Do(func() {
		close(c.closed)
		c.mu.Lock()
		conn := c.conn
		c.mu.Unlock()
		if conn != nil {
			c.writeMu.Lock()
			_ = conn.SetWriteDeadline(time.Now().Add(time.Second))
			_ = conn.WriteMessage(websocket.CloseMessage,
				websocket.FormatCloseMessage(websocket.CloseNormalClosure, ""))
			c.writeMu.Unlock()
			_ = conn.Close()
		}
	})
	return nil
}
