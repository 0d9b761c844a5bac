// Package conn owns the lifecycle of the presence channel: announcing this
// device, heartbeating, publishing throttled location samples, and
// reconciling inbound snapshots and deltas into the presence store.
package conn

import (
	"context"
	"errors"
	"log/slog"
	"sync"
	"time"

	"renat/internal/location"
	"renat/internal/presence"
	"renat/internal/wire"
)

// State of the connection machine. The transport owns reconnection, so after
// a drop the machine sits in StateDisconnected until the transport's fixed
// delay dial succeeds and it re-enters StateConnected.
type State string

const (
	StateIdle         State = "idle"
	StateConnecting   State = "connecting"
	StateConnected    State = "connected"
	StateDisconnected State = "disconnected"
	StateClosed       State = "closed"
)

var ErrNoUserCode = errors.New("no user code registered")

const (
	DefaultPingInterval = 5 * time.Second

	publishRetries = 3
	retryBaseDelay = 150 * time.Millisecond
)

// Transport is the slice of the realtime client the connection needs.
type Transport interface {
	Publish(channel string, v any) error
	Subscribe(channel string, fn func(body []byte))
	Connected() bool
}

type Config struct {
	UserCode  string
	Store     *presence.Store
	Transport Transport
	Location  location.Source

	PingInterval time.Duration
	Watch        location.WatchOptions
	// RetryBaseDelay overrides the publish retry step, for tests.
	RetryBaseDelay time.Duration
	Logger         *slog.Logger

	// OnSample observes every accepted location sample, before it is
	// published. The job path recorder hangs off this hook.
	OnSample func(lat, lng float64)
}

// Conn is the presence connection state machine. HandleConnected and
// HandleDisconnected are wired to the transport's lifecycle hooks; everything
// else runs off them.
type Conn struct {
	userCode  string
	store     *presence.Store
	transport Transport
	loc       location.Source
	log       *slog.Logger
	onSample  func(lat, lng float64)

	pingInterval time.Duration
	watchOpts    location.WatchOptions
	retryDelay   time.Duration

	mu      sync.Mutex
	state   State
	session *session
	hasPos  bool
	lastPos location.Position

	closed chan struct{}
}

// session is the per-connected-period resources: torn down on every drop.
type session struct {
	stop  chan struct{}
	watch location.Subscription
}

func New(cfg Config) *Conn {
	if cfg.PingInterval <= 0 {
		cfg.PingInterval = DefaultPingInterval
	}
	if cfg.Watch == (location.WatchOptions{}) {
		cfg.Watch = location.WatchOptions{
			Accuracy:    location.AccuracyBalanced,
			MinInterval: 4 * time.Second,
			MinDistance: 5,
		}
	}
	if cfg.RetryBaseDelay <= 0 {
		cfg.RetryBaseDelay = retryBaseDelay
	}
	if cfg.Logger == nil {
		cfg.Logger = slog.Default()
	}
	return &Conn{
		userCode:     cfg.UserCode,
		store:        cfg.Store,
		transport:    cfg.Transport,
		loc:          cfg.Location,
		log:          cfg.Logger,
		onSample:     cfg.OnSample,
		pingInterval: cfg.PingInterval,
		watchOpts:    cfg.Watch,
		retryDelay:   cfg.RetryBaseDelay,
		state:        StateIdle,
		closed:       make(chan struct{}),
	}
}

func (c *Conn) State() State {
	c.mu.Lock()
	defer c.mu.Unlock()
	return c.state
}

// Start moves Idle -> Connecting: registers the inbound subscriptions and
// primes the store with a best-effort local position so the UI has something
// to draw before the socket is even open. The actual dial belongs to the
// transport's run loop.
func (c *Conn) Start(ctx context.Context) error {
	if c.userCode == "" {
		return ErrNoUserCode
	}

	c.mu.Lock()
	if c.state != StateIdle {
		c.mu.Unlock()
		return errors.New("already started")
	}
	c.state = StateConnecting
	c.mu.Unlock()

	c.store.SetConnState(presence.ConnConnecting)
	c.transport.Subscribe(wire.SnapshotQueue, c.handleSnapshot)
	c.transport.Subscribe(wire.DeltaTopic, c.handleDelta)

	// Permission prompts and GPS fixes can stall indefinitely; never block
	// channel setup on them.
	go c.primeSelf(ctx)
	return nil
}

func (c *Conn) primeSelf(ctx context.Context) {
	pos := location.Position{}
	if err := c.loc.RequestPermission(ctx); err != nil {
		c.log.Warn("location permission", "error", err)
	} else if p, err := c.loc.Current(ctx); err != nil {
		c.log.Warn("initial location sample", "error", err)
	} else {
		pos = p
	}

	c.mu.Lock()
	if !c.hasPos {
		c.hasPos = true
		c.lastPos = pos
	}
	c.mu.Unlock()

	c.assertSelf()
}

// assertSelf writes the optimistic local record for this device. New records
// start ONLINE; existing status and working flags are left alone.
func (c *Conn) assertSelf() {
	c.mu.Lock()
	has, pos := c.hasPos, c.lastPos
	c.mu.Unlock()
	if !has {
		return
	}

	u := presence.Update{Lat: presence.Float(pos.Lat), Lng: presence.Float(pos.Lng)}
	if _, ok := c.store.Get(c.userCode); !ok {
		u.Status = presence.StatusOf(presence.StatusOnline)
	}
	c.store.SetSelf(c.userCode, u)
}

// HandleConnected is the transport's connected hook. Entering Connected:
// re-assert the self record, announce ourselves, ask for a snapshot, start
// the application ping and the continuous location watch.
func (c *Conn) HandleConnected() {
	c.mu.Lock()
	if c.state == StateClosed {
		c.mu.Unlock()
		return
	}
	c.state = StateConnected
	c.stopSessionLocked()
	sess := &session{stop: make(chan struct{})}
	c.session = sess
	pos, has := c.lastPos, c.hasPos
	c.mu.Unlock()

	c.store.SetConnState(presence.ConnConnected)
	c.assertSelf()

	if has {
		c.safePublish(wire.DestConnect, wire.ConnectEvent{UserCode: c.userCode, Lat: pos.Lat, Lng: pos.Lng})
	} else {
		c.safePublish(wire.DestConnect, wire.ConnectEvent{UserCode: c.userCode})
	}
	c.safePublish(wire.DestSnapshotReq, struct{}{})

	go c.pingLoop(sess.stop)
	c.startWatch(sess)
}

// HandleDisconnected is the transport's dropped hook. Heartbeat and location
// watch stop immediately so nothing publishes into a dead socket; the
// transport redials on its own schedule.
func (c *Conn) HandleDisconnected(err error) {
	c.mu.Lock()
	if c.state == StateClosed {
		c.mu.Unlock()
		return
	}
	c.state = StateDisconnected
	c.stopSessionLocked()
	c.mu.Unlock()

	if err != nil {
		c.log.Warn("presence channel dropped", "error", err)
	}
	c.store.SetConnState(presence.ConnDisconnected)
}

// Close is the terminal teardown: logout or shutdown. Idempotent. The machine
// never leaves StateClosed; reconnecting needs a fresh Conn.
func (c *Conn) Close() {
	c.mu.Lock()
	if c.state == StateClosed {
		c.mu.Unlock()
		return
	}
	c.state = StateClosed
	c.stopSessionLocked()
	c.mu.Unlock()

	close(c.closed)
	c.store.SetConnState(presence.ConnDisconnected)
}

func (c *Conn) stopSessionLocked() {
	if c.session == nil {
		return
	}
	close(c.session.stop)
	if c.session.watch != nil {
		c.session.watch.Cancel()
	}
	c.session = nil
}

func (c *Conn) startWatch(sess *session) {
	sub, err := c.loc.Watch(c.watchOpts, func(pos location.Position) {
		c.mu.Lock()
		c.hasPos = true
		c.lastPos = pos
		c.mu.Unlock()

		// Optimistic local write first, then best-effort server publish.
		c.store.SetSelf(c.userCode, presence.Update{
			Lat: presence.Float(pos.Lat),
			Lng: presence.Float(pos.Lng),
		})
		if c.onSample != nil {
			c.onSample(pos.Lat, pos.Lng)
		}
		c.safePublish(wire.DestUpdate, wire.UpdateEvent{UserCode: c.userCode, Lat: pos.Lat, Lng: pos.Lng})
	})
	if err != nil {
		c.log.Warn("location watch unavailable", "error", err)
		return
	}

	c.mu.Lock()
	if c.session == sess {
		sess.watch = sub
		c.mu.Unlock()
		return
	}
	c.mu.Unlock()
	// Session ended while the watch was being set up.
	sub.Cancel()
}

func (c *Conn) pingLoop(stop chan struct{}) {
	ticker := time.NewTicker(c.pingInterval)
	defer ticker.Stop()
	for {
		select {
		case <-stop:
			return
		case <-c.closed:
			return
		case <-ticker.C:
			c.safePublish(wire.DestPing, wire.PingEvent{
				UserCode:   c.userCode,
				ClientTime: time.Now().UnixMilli(),
			})
		}
	}
}

// safePublish delivers best effort: nothing is queued across a disconnect.
// A dead transport drops the message with a warning; a live one gets up to
// three attempts with linearly growing pauses.
func (c *Conn) safePublish(channel string, v any) {
	var lastErr error
	for attempt := 1; attempt <= publishRetries; attempt++ {
		if c.State() != StateConnected || !c.transport.Connected() {
			c.log.Warn("publish dropped, not connected", "channel", channel)
			return
		}
		lastErr = c.transport.Publish(channel, v)
		if lastErr == nil {
			return
		}
		select {
		case <-c.closed:
			return
		case <-time.After(c.retryDelay * time.Duration(attempt)):
		}
	}
	c.log.Warn("publish dropped after retries", "channel", channel, "error", lastErr)
}

func (c *Conn) handleSnapshot(body []byte) {
	records, err := wire.ParseSnapshot(body)
	if err != nil {
		c.log.Warn("bad snapshot payload", "error", err)
		return
	}
	c.store.ApplySnapshot(records)
}

func (c *Conn) handleDelta(body []byte) {
	d, err := wire.ParseDelta(body)
	if err != nil {
		c.log.Warn("bad delta payload", "error", err)
		return
	}
	if d.UserCode == "" {
		return
	}
	if d.IsLeave() {
		c.store.ApplyLeave(d.UserCode)
		return
	}

	// Our own echo: the optimistic local position stays authoritative until
	// the next local sample, but status, RTT and working still apply.
	withPosition := d.UserCode != c.userCode
	c.store.ApplyDelta(d.UserCode, d.Update(withPosition))
}
