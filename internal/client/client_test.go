package client

import (
	"net/http"
	"net/http/httptest"
	"strings"
	"sync/atomic"
	"testing"
	"time"

	"github.com/gorilla/websocket"

	"github.com/eshe-huli/devreload/internal/hub"
)

func wsURL(srv *httptest.Server) string {
	return "ws" + strings.TrimPrefix(srv.URL, "http")
}

func waitForPeers(t *testing.T, h *hub.Hub, n int) {
	t.Helper()
	deadline := time.Now().Add(3 * time.Second)
	for h.Len() != n {
		if time.Now().After(deadline) {
			t.Fatalf("peers = %d, want %d", h.Len(), n)
		}
		time.Sleep(5 * time.Millisecond)
	}
}

func receive(t *testing.T, ch <-chan hub.Message) hub.Message {
	t.Helper()
	select {
	case msg := <-ch:
		return msg
	case <-time.After(3 * time.Second):
		t.Fatal("timed out waiting for event")
		return hub.Message{}
	}
}

func TestClientDispatchesByEvent(t *testing.T) {
	h := hub.New()
	srv := httptest.NewServer(h)
	defer srv.Close()

	c, err := New(wsURL(srv))
	if err != nil {
		t.Fatal(err)
	}
	defer c.Close()

	reloads := make(chan hub.Message, 4)
	all := make(chan hub.Message, 4)
	c.On(hub.EventReloadBrowser, func(msg hub.Message) { reloads <- msg })
	c.OnAny(func(msg hub.Message) { all <- msg })

	waitForPeers(t, h, 1)
	h.Broadcast(hub.EventReloadCSS, nil)
	h.Broadcast(hub.EventReloadBrowser, map[string]string{"source": "app"})

	if got := receive(t, all).Event; got != hub.EventReloadCSS {
		t.Fatalf("first event = %q", got)
	}
	if got := receive(t, all).Event; got != hub.EventReloadBrowser {
		t.Fatalf("second event = %q", got)
	}
	msg := receive(t, reloads)
	if !strings.Contains(string(msg.Payload), `"app"`) {
		t.Fatalf("payload = %s", msg.Payload)
	}
	select {
	case extra := <-reloads:
		t.Fatalf("unexpected extra reload %v", extra)
	default:
	}
}

func TestClientReconnects(t *testing.T) {
	h := hub.New()
	var attempts atomic.Int32
	upgrader := websocket.Upgrader{}

	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		if attempts.Add(1) == 1 {
			conn, err := upgrader.Upgrade(w, r, nil)
			if err != nil {
				return
			}
			_ = conn.Close()
			return
		}
		h.ServeHTTP(w, r)
	}))
	defer srv.Close()

	c := &Client{
		url:        wsURL(srv),
		handlers:   make(map[string][]Handler),
		done:       make(chan struct{}),
		minBackoff: 10 * time.Millisecond,
		maxBackoff: 50 * time.Millisecond,
	}
	if err := c.connect(); err != nil {
		t.Fatal(err)
	}
	go c.readLoop()
	defer c.Close()

	got := make(chan hub.Message, 1)
	c.On(hub.EventReloadBrowser, func(msg hub.Message) { got <- msg })

	waitForPeers(t, h, 1)
	h.Broadcast(hub.EventReloadBrowser, nil)
	receive(t, got)

	if attempts.Load() < 2 {
		t.Fatalf("attempts = %d, want at least 2", attempts.Load())
	}
}

func TestCloseDuringReconnectReleasesConnection(t *testing.T) {
	h := hub.New()
	var attempts atomic.Int32
	dialing := make(chan struct{})
	release := make(chan struct{})
	served := make(chan struct{})
	upgrader := websocket.Upgrader{}

	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		if attempts.Add(1) == 1 {
			conn, err := upgrader.Upgrade(w, r, nil)
			if err != nil {
				return
			}
			_ = conn.Close()
			return
		}
		close(dialing)
		<-release
		h.ServeHTTP(w, r)
		close(served)
	}))
	defer srv.Close()

	c := &Client{
		url:        wsURL(srv),
		handlers:   make(map[string][]Handler),
		done:       make(chan struct{}),
		minBackoff: 10 * time.Millisecond,
		maxBackoff: 50 * time.Millisecond,
	}
	if err := c.connect(); err != nil {
		t.Fatal(err)
	}
	go c.readLoop()

	select {
	case <-dialing:
	case <-time.After(3 * time.Second):
		t.Fatal("client never redialed")
	}
	_ = c.Close()
	close(release)

	select {
	case <-served:
	case <-time.After(3 * time.Second):
		t.Fatal("connection opened after Close was left open")
	}
	if h.Len() != 0 {
		t.Fatalf("peers = %d, want 0", h.Len())
	}
}

func TestNewFailsWithoutServer(t *testing.T) {
	if _, err := New("ws://127.0.0.1:1/devreload/ws"); err == nil {
		t.Fatal("expected dial error")
	}
}
