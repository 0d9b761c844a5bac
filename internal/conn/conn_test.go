package conn

import (
	"context"
	"encoding/json"
	"errors"
	"sync"
	"testing"
	"time"

	"renat/internal/location"
	"renat/internal/presence"
	"renat/internal/wire"
)

type published struct {
	channel string
	v       any
}

type fakeTransport struct {
	mu         sync.Mutex
	connected  bool
	handlers   map[string]func([]byte)
	sent       chan published
	publishErr error
	attempts   chan string
}

func newFakeTransport() *fakeTransport {
	return &fakeTransport{
		handlers: make(map[string]func([]byte)),
		sent:     make(chan published, 64),
		attempts: make(chan string, 64),
	}
}

func (f *fakeTransport) Publish(channel string, v any) error {
	f.attempts <- channel
	f.mu.Lock()
	err := f.publishErr
	f.mu.Unlock()
	if err != nil {
		return err
	}
	f.sent <- published{channel, v}
	return nil
}

func (f *fakeTransport) Subscribe(channel string, fn func(body []byte)) {
	f.mu.Lock()
	f.handlers[channel] = fn
	f.mu.Unlock()
}

func (f *fakeTransport) Connected() bool {
	f.mu.Lock()
	defer f.mu.Unlock()
	return f.connected
}

func (f *fakeTransport) setConnected(v bool) {
	f.mu.Lock()
	f.connected = v
	f.mu.Unlock()
}

func (f *fakeTransport) setPublishErr(err error) {
	f.mu.Lock()
	f.publishErr = err
	f.mu.Unlock()
}

// inject delivers an inbound frame the way the transport read loop would.
func (f *fakeTransport) inject(t *testing.T, channel, body string) {
	t.Helper()
	f.mu.Lock()
	fn := f.handlers[channel]
	f.mu.Unlock()
	if fn == nil {
		t.Fatalf("no handler for %s", channel)
	}
	fn([]byte(body))
}

func (f *fakeTransport) expectPublish(t *testing.T, channel string) published {
	t.Helper()
	deadline := time.After(2 * time.Second)
	for {
		select {
		case p := <-f.sent:
			if p.channel == channel {
				return p
			}
		case <-deadline:
			t.Fatalf("no publish on %s", channel)
		}
	}
}

func waitChange(t *testing.T, store *presence.Store) {
	t.Helper()
	select {
	case <-store.Changes():
	case <-time.After(2 * time.Second):
		t.Fatal("no store change")
	}
}

func newTestConn(t *testing.T, userCode string, src location.Source) (*Conn, *fakeTransport, *presence.Store) {
	t.Helper()
	ft := newFakeTransport()
	store := presence.NewStore()
	c := New(Config{
		UserCode:       userCode,
		Store:          store,
		Transport:      ft,
		Location:       src,
		PingInterval:   25 * time.Millisecond,
		RetryBaseDelay: time.Millisecond,
	})
	t.Cleanup(c.Close)
	return c, ft, store
}

func TestConn_NoUserCodeStaysIdle(t *testing.T) {
	c, _, _ := newTestConn(t, "", &location.Static{})
	err := c.Start(context.Background())
	if !errors.Is(err, ErrNoUserCode) {
		t.Fatalf("expected ErrNoUserCode, got %v", err)
	}
	if c.State() != StateIdle {
		t.Errorf("state = %s, want idle", c.State())
	}
}

func TestConn_StartPrimesOptimisticSelf(t *testing.T) {
	src := &location.Static{Pos: location.Position{Lat: 37.5, Lng: 126.9}}
	c, _, store := newTestConn(t, "me", src)

	if err := c.Start(context.Background()); err != nil {
		t.Fatal(err)
	}
	if c.State() != StateConnecting {
		t.Errorf("state = %s, want connecting", c.State())
	}

	waitChange(t, store)
	r, ok := store.Get("me")
	if !ok {
		t.Fatal("self record missing before connect")
	}
	if r.Lat != 37.5 || r.Lng != 126.9 {
		t.Errorf("self position = %v,%v", r.Lat, r.Lng)
	}
	if r.Status != presence.StatusOnline {
		t.Errorf("new self record should start ONLINE, got %s", r.Status)
	}
}

func TestConn_PermissionDeniedFallsBackToZero(t *testing.T) {
	c, _, store := newTestConn(t, "me", &location.Static{Denied: true})

	if err := c.Start(context.Background()); err != nil {
		t.Fatal(err)
	}

	waitChange(t, store)
	r, ok := store.Get("me")
	if !ok {
		t.Fatal("denied permission must not abort setup")
	}
	if r.Lat != 0 || r.Lng != 0 {
		t.Errorf("fallback position = %v,%v, want 0,0", r.Lat, r.Lng)
	}
}

func TestConn_ConnectAnnouncesAndPings(t *testing.T) {
	src := &location.Static{Pos: location.Position{Lat: 1, Lng: 2}}
	c, ft, store := newTestConn(t, "me", src)

	if err := c.Start(context.Background()); err != nil {
		t.Fatal(err)
	}
	waitChange(t, store)

	ft.setConnected(true)
	c.HandleConnected()

	if c.State() != StateConnected {
		t.Errorf("state = %s, want connected", c.State())
	}
	if store.ConnState() != presence.ConnConnected {
		t.Errorf("store conn state = %s", store.ConnState())
	}

	p := ft.expectPublish(t, wire.DestConnect)
	ev, ok := p.v.(wire.ConnectEvent)
	if !ok || ev.UserCode != "me" || ev.Lat != 1 || ev.Lng != 2 {
		t.Errorf("connect event = %+v", p.v)
	}
	ft.expectPublish(t, wire.DestSnapshotReq)
	// The 25ms ping ticker should fire promptly.
	ft.expectPublish(t, wire.DestPing)
}

func TestConn_DisconnectStopsPingsAndDropsPublishes(t *testing.T) {
	c, ft, store := newTestConn(t, "me", &location.Static{})

	if err := c.Start(context.Background()); err != nil {
		t.Fatal(err)
	}
	ft.setConnected(true)
	c.HandleConnected()
	ft.expectPublish(t, wire.DestPing)

	ft.setConnected(false)
	c.HandleDisconnected(errors.New("socket closed"))

	if c.State() != StateDisconnected {
		t.Errorf("state = %s, want disconnected", c.State())
	}
	if store.ConnState() != presence.ConnDisconnected {
		t.Errorf("store conn state = %s", store.ConnState())
	}

	// Drain anything in flight, then verify silence.
	drained := true
	for drained {
		select {
		case <-ft.sent:
		case <-time.After(100 * time.Millisecond):
			drained = false
		}
	}
	select {
	case p := <-ft.sent:
		t.Errorf("publish after disconnect on %s", p.channel)
	case <-time.After(100 * time.Millisecond):
	}

	// Direct publishes are suppressed with a warning, not queued.
	c.safePublish(wire.DestPing, wire.PingEvent{UserCode: "me"})
	select {
	case <-ft.sent:
		t.Error("safePublish sent while disconnected")
	case <-time.After(50 * time.Millisecond):
	}
}

func TestConn_SnapshotThenDelta(t *testing.T) {
	c, ft, store := newTestConn(t, "me", &location.Static{})

	if err := c.Start(context.Background()); err != nil {
		t.Fatal(err)
	}
	ft.setConnected(true)
	c.HandleConnected()

	ft.inject(t, wire.SnapshotQueue, `[{"userCode":"A","lat":1,"lng":1,"status":"ONLINE"}]`)
	ft.inject(t, wire.DeltaTopic, `{"userCode":"A","status":"WORKING"}`)

	r, ok := store.Get("A")
	if !ok {
		t.Fatal("record A missing")
	}
	if r.Lat != 1 || r.Lng != 1 {
		t.Errorf("position = %v,%v, want 1,1", r.Lat, r.Lng)
	}
	if !r.Working {
		t.Error("working not derived from WORKING status")
	}
}

func TestConn_SelfDeltaKeepsLocalPosition(t *testing.T) {
	src := &location.Static{Pos: location.Position{Lat: 10, Lng: 10}}
	c, ft, store := newTestConn(t, "me", src)

	if err := c.Start(context.Background()); err != nil {
		t.Fatal(err)
	}
	waitChange(t, store)
	ft.setConnected(true)
	c.HandleConnected()

	ft.inject(t, wire.DeltaTopic, `{"userCode":"me","lat":5,"lng":5,"status":"WORKING","lastPingRtt":31}`)

	r, _ := store.Get("me")
	if r.Lat != 10 || r.Lng != 10 {
		t.Errorf("self position overwritten by server echo: %v,%v", r.Lat, r.Lng)
	}
	if r.Status != presence.StatusWorking || !r.Working {
		t.Error("status fields of a self delta must still apply")
	}
	if r.RTTMillis != 31 {
		t.Errorf("rtt = %d, want 31", r.RTTMillis)
	}
}

func TestConn_LeaveRemovesRecord(t *testing.T) {
	c, ft, store := newTestConn(t, "me", &location.Static{})

	if err := c.Start(context.Background()); err != nil {
		t.Fatal(err)
	}
	ft.setConnected(true)
	c.HandleConnected()

	ft.inject(t, wire.SnapshotQueue, `[{"userCode":"A","lat":1,"lng":1}]`)
	ft.inject(t, wire.DeltaTopic, `{"type":"LEAVE","userCode":"A"}`)

	if _, ok := store.Get("A"); ok {
		t.Error("record survives LEAVE")
	}
}

func TestConn_MalformedPayloadsSkipped(t *testing.T) {
	c, ft, store := newTestConn(t, "me", &location.Static{})

	if err := c.Start(context.Background()); err != nil {
		t.Fatal(err)
	}
	// Let the optimistic self write land before counting records.
	waitChange(t, store)
	ft.setConnected(true)
	c.HandleConnected()

	ft.inject(t, wire.SnapshotQueue, `[{"userCode":"A","lat":1,"lng":1}]`)
	before := store.Len()

	ft.inject(t, wire.SnapshotQueue, `{not json`)
	ft.inject(t, wire.DeltaTopic, `[]`)
	ft.inject(t, wire.DeltaTopic, `{"lat":5}`) // no user code

	if store.Len() != before {
		t.Errorf("store changed by malformed payloads: %d -> %d", before, store.Len())
	}
}

func TestConn_PublishRetriesThenDrops(t *testing.T) {
	c, ft, _ := newTestConn(t, "me", &location.Static{})

	if err := c.Start(context.Background()); err != nil {
		t.Fatal(err)
	}
	ft.setConnected(true)
	ft.setPublishErr(errors.New("write: broken pipe"))
	c.HandleConnected()

	// The connect announcement alone must be attempted exactly three times.
	count := 0
	deadline := time.After(time.Second)
	for count < 3 {
		select {
		case ch := <-ft.attempts:
			if ch == wire.DestConnect {
				count++
			}
		case <-deadline:
			t.Fatalf("connect attempts = %d, want 3", count)
		}
	}

	// No fourth attempt for the same destination.
	time.Sleep(50 * time.Millisecond)
	for {
		select {
		case ch := <-ft.attempts:
			if ch == wire.DestConnect {
				t.Fatal("retried past the limit")
			}
		default:
			return
		}
	}
}

func TestConn_WatchPublishesAndRecords(t *testing.T) {
	src := &location.Replay{
		Track:    []location.Position{{Lat: 37.50, Lng: 126.90}, {Lat: 37.51, Lng: 126.91}},
		Interval: 20 * time.Millisecond,
		Loop:     true,
	}
	ft := newFakeTransport()
	store := presence.NewStore()

	var mu sync.Mutex
	var sampled []location.Position
	c := New(Config{
		UserCode:     "me",
		Store:        store,
		Transport:    ft,
		Location:     src,
		PingInterval: time.Hour, // keep pings out of the way
		OnSample: func(lat, lng float64) {
			mu.Lock()
			sampled = append(sampled, location.Position{Lat: lat, Lng: lng})
			mu.Unlock()
		},
	})
	defer c.Close()

	if err := c.Start(context.Background()); err != nil {
		t.Fatal(err)
	}
	ft.setConnected(true)
	c.HandleConnected()

	p := ft.expectPublish(t, wire.DestUpdate)
	ev := p.v.(wire.UpdateEvent)
	if ev.UserCode != "me" {
		t.Errorf("update user = %s", ev.UserCode)
	}

	r, ok := store.Get("me")
	if !ok || !r.HasPosition {
		t.Fatal("watch sample not written to store")
	}

	mu.Lock()
	n := len(sampled)
	mu.Unlock()
	if n == 0 {
		t.Error("OnSample hook never fired")
	}

	// Cancelling the session stops the stream.
	c.HandleDisconnected(nil)
	time.Sleep(50 * time.Millisecond)
	for len(ft.sent) > 0 {
		<-ft.sent
	}
	select {
	case p := <-ft.sent:
		t.Errorf("publish after watch cancel on %s", p.channel)
	case <-time.After(100 * time.Millisecond):
	}
}

func TestConn_CloseIsTerminal(t *testing.T) {
	c, ft, store := newTestConn(t, "me", &location.Static{})

	if err := c.Start(context.Background()); err != nil {
		t.Fatal(err)
	}
	ft.setConnected(true)
	c.HandleConnected()

	c.Close()
	c.Close() // idempotent

	if c.State() != StateClosed {
		t.Errorf("state = %s, want closed", c.State())
	}
	if store.ConnState() != presence.ConnDisconnected {
		t.Errorf("store conn state = %s", store.ConnState())
	}

	// Lifecycle hooks after teardown are ignored.
	c.HandleConnected()
	if c.State() != StateClosed {
		t.Error("HandleConnected resurrected a closed connection")
	}
	c.HandleDisconnected(nil)
	if c.State() != StateClosed {
		t.Error("HandleDisconnected changed a closed connection")
	}
}

func TestConn_SnapshotParsesServerShape(t *testing.T) {
	// Shape check against the documented wire format.
	body, _ := json.Marshal([]wire.SnapshotEntry{
		{UserCode: "B", Lat: 2, Lng: 3, Status: "WORKING", LastPingRTT: 80},
	})

	c, ft, store := newTestConn(t, "me", &location.Static{})
	if err := c.Start(context.Background()); err != nil {
		t.Fatal(err)
	}
	ft.setConnected(true)
	c.HandleConnected()

	ft.inject(t, wire.SnapshotQueue, string(body))

	r, ok := store.Get("B")
	if !ok {
		t.Fatal("record B missing")
	}
	if !r.Working || r.RTTMillis != 80 || r.Status != presence.StatusWorking {
		t.Errorf("record = %+v", r)
	}
}
