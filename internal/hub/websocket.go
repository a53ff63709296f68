package hub

import (
	"log"
	"net/http"
	"sync"
	"time"

	"github.com/google/uuid"
	"github.com/gorilla/websocket"
)

const (
	writeWait    = 10 * time.Second
	pongWait     = 60 * time.Second
	pingInterval = 30 * time.Second
	maxReadSize  = 4096
)

var upgrader = websocket.Upgrader{
	ReadBufferSize:  1024,
	WriteBufferSize: 1024,
	// The dev server only listens for the local browser; any origin may connect.
	CheckOrigin: func(r *http.Request) bool { return true },
}

// wsPeer is a browser connected over a WebSocket.
type wsPeer struct {
	id   string
	conn *websocket.Conn
	mu   sync.Mutex
	done chan struct{}
	once sync.Once
}

func newWSPeer(conn *websocket.Conn) *wsPeer {
	return &wsPeer{
		id:   uuid.NewString(),
		conn: conn,
		done: make(chan struct{}),
	}
}

func (p *wsPeer) ID() string { return p.id }

// Send writes msg as one JSON text frame.
func (p *wsPeer) Send(msg Message) error {
	p.mu.Lock()
	defer p.mu.Unlock()
	_ = p.conn.SetWriteDeadline(time.Now().Add(writeWait))
	return p.conn.WriteJSON(msg)
}

func (p *wsPeer) ping() error {
	p.mu.Lock()
	defer p.mu.Unlock()
	return p.conn.WriteControl(websocket.PingMessage, nil, time.Now().Add(writeWait))
}

// Close shuts down the connection. Safe to call more than once.
func (p *wsPeer) Close() error {
	var err error
	p.once.Do(func() {
		close(p.done)
		err = p.conn.Close()
	})
	return err
}

// ServeHTTP upgrades the request to a WebSocket, registers the peer and
// blocks until it goes away.
func (h *Hub) ServeHTTP(w http.ResponseWriter, r *http.Request) {
	conn, err := upgrader.Upgrade(w, r, nil)
	if err != nil {
		log.Printf("[hub] upgrade %s: %v", r.RemoteAddr, err)
		return
	}

	p := newWSPeer(conn)
	h.Connect(p)
	defer func() {
		h.Disconnect(p)
		_ = p.Close()
	}()

	go h.heartbeatLoop(p)
	readLoop(p)
}

// readLoop drains client frames until the connection fails. Clients send no
// application events, so anything read is discarded.
func readLoop(p *wsPeer) {
	p.conn.SetReadLimit(maxReadSize)
	_ = p.conn.SetReadDeadline(time.Now().Add(pongWait))
	p.conn.SetPongHandler(func(string) error {
		return p.conn.SetReadDeadline(time.Now().Add(pongWait))
	})

	for {
		if _, _, err := p.conn.ReadMessage(); err != nil {
			if !websocket.IsCloseError(err, websocket.CloseNormalClosure, websocket.CloseGoingAway, websocket.CloseNoStatusReceived) {
				log.Printf("[hub] read %s: %v", p.id, err)
			}
			return
		}
	}
}

func (h *Hub) heartbeatLoop(p *wsPeer) {
	ticker := time.NewTicker(pingInterval)
	defer ticker.Stop()

	for {
		select {
		case <-p.done:
			return
		case <-ticker.C:
			if err := p.ping(); err != nil {
				log.Printf("[hub] heartbeat %s: %v", p.id, err)
				if h.Disconnect(p) {
					_ = p.Close()
				}
				return
			}
		}
	}
}
