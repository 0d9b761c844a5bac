package transport

import (
	"context"
	"encoding/json"
	"net/http"
	"net/http/httptest"
	"strings"
	"sync"
	"testing"
	"time"

	"github.com/gorilla/websocket"
)

// echoServer upgrades connections and lets the test script frames in both
// directions.
type echoServer struct {
	t        *testing.T
	upgrader websocket.Upgrader

	mu    sync.Mutex
	conns []*websocket.Conn

	received chan Envelope
	accepted chan struct{}
}

func newEchoServer(t *testing.T) (*echoServer, *httptest.Server) {
	s := &echoServer{
		t:        t,
		received: make(chan Envelope, 32),
		accepted: make(chan struct{}, 8),
	}
	srv := httptest.NewServer(http.HandlerFunc(s.handle))
	t.Cleanup(srv.Close)
	return s, srv
}

func (s *echoServer) handle(w http.ResponseWriter, r *http.Request) {
	conn, err := s.upgrader.Upgrade(w, r, nil)
	if err != nil {
		return
	}
	s.mu.Lock()
	s.conns = append(s.conns, conn)
	s.mu.Unlock()
	s.accepted <- struct{}{}

	for {
		var env Envelope
		if err := conn.ReadJSON(&env); err != nil {
			return
		}
		s.received <- env
	}
}

func (s *echoServer) send(t *testing.T, channel string, body string) {
	t.Helper()
	s.mu.Lock()
	conn := s.conns[len(s.conns)-1]
	s.mu.Unlock()
	err := conn.WriteJSON(Envelope{Channel: channel, Body: json.RawMessage(body)})
	if err != nil {
		t.Fatalf("server send: %v", err)
	}
}

func (s *echoServer) dropAll() {
	s.mu.Lock()
	defer s.mu.Unlock()
	for _, conn := range s.conns {
		_ = conn.Close()
	}
	s.conns = nil
}

func wsURL(srv *httptest.Server) string {
	return "ws" + strings.TrimPrefix(srv.URL, "http")
}

func TestClient_DispatchAndPublish(t *testing.T) {
	server, srv := newEchoServer(t)

	client := NewClient(Config{URL: wsURL(srv), ReconnectDelay: 100 * time.Millisecond})
	connected := make(chan struct{}, 4)
	client.OnConnect = func() { connected <- struct{}{} }

	got := make(chan []byte, 4)
	client.Subscribe("/topic/all", func(body []byte) { got <- body })

	ctx, cancel := context.WithCancel(context.Background())
	defer cancel()
	done := make(chan error, 1)
	go func() { done <- client.Run(ctx) }()
	defer func() {
		_ = client.Close()
		cancel()
		<-done
	}()

	select {
	case <-connected:
	case <-time.After(2 * time.Second):
		t.Fatal("client never connected")
	}
	if !client.Connected() {
		t.Fatal("Connected() false after OnConnect")
	}

	// Inbound dispatch.
	server.send(t, "/topic/all", `{"userCode":"A"}`)
	select {
	case body := <-got:
		if !strings.Contains(string(body), `"A"`) {
			t.Errorf("unexpected body: %s", body)
		}
	case <-time.After(time.Second):
		t.Fatal("handler not invoked")
	}

	// Unknown channels are skipped, not fatal.
	server.send(t, "/topic/unknown", `{}`)

	// Outbound publish.
	if err := client.Publish("/app/ping", map[string]any{"userCode": "A"}); err != nil {
		t.Fatalf("publish: %v", err)
	}
	select {
	case env := <-server.received:
		if env.Channel != "/app/ping" {
			t.Errorf("wrong channel: %s", env.Channel)
		}
	case <-time.After(time.Second):
		t.Fatal("server did not receive publish")
	}
}

func TestClient_ReconnectsAfterDrop(t *testing.T) {
	server, srv := newEchoServer(t)

	client := NewClient(Config{URL: wsURL(srv), ReconnectDelay: 50 * time.Millisecond})
	connected := make(chan struct{}, 4)
	disconnected := make(chan struct{}, 4)
	client.OnConnect = func() { connected <- struct{}{} }
	client.OnDisconnect = func(err error) { disconnected <- struct{}{} }

	ctx, cancel := context.WithCancel(context.Background())
	defer cancel()
	done := make(chan error, 1)
	go func() { done <- client.Run(ctx) }()
	defer func() {
		_ = client.Close()
		cancel()
		<-done
	}()

	select {
	case <-connected:
	case <-time.After(2 * time.Second):
		t.Fatal("initial connect timed out")
	}

	server.dropAll()

	select {
	case <-disconnected:
	case <-time.After(2 * time.Second):
		t.Fatal("OnDisconnect not called")
	}
	if client.Connected() {
		t.Error("Connected() true after drop")
	}
	if err := client.Publish("/app/ping", map[string]any{}); err != ErrNotConnected {
		t.Errorf("expected ErrNotConnected, got %v", err)
	}

	// The fixed-delay retry brings it back without help.
	select {
	case <-connected:
	case <-time.After(2 * time.Second):
		t.Fatal("client did not reconnect")
	}
}

func TestClient_CloseStopsRun(t *testing.T) {
	_, srv := newEchoServer(t)

	client := NewClient(Config{URL: wsURL(srv), ReconnectDelay: 50 * time.Millisecond})
	connected := make(chan struct{}, 1)
	client.OnConnect = func() { connected <- struct{}{} }

	done := make(chan error, 1)
	go func() { done <- client.Run(context.Background()) }()

	select {
	case <-connected:
	case <-time.After(2 * time.Second):
		t.Fatal("connect timed out")
	}

	_ = client.Close()
	_ = client.Close() // idempotent

	select {
	case err := <-done:
		if err != nil {
			t.Errorf("Run returned error on close: %v", err)
		}
	case <-time.After(2 * time.Second):
		t.Fatal("Run did not return after Close")
	}
}
