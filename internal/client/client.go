// Package client consumes the reload events pushed by a running dev server.
package client

import (
	"errors"
	"fmt"
	"log"
	"sync"
	"time"

	"github.com/gorilla/websocket"

	"github.com/eshe-huli/devreload/internal/hub"
)

// Handler processes one pushed event.
type Handler func(msg hub.Message)

// Client manages a WebSocket connection to the dev server's reload channel.
type Client struct {
	conn       *websocket.Conn
	url        string
	handlers   map[string][]Handler
	catchAll   []Handler
	mu         sync.RWMutex
	connMu     sync.Mutex
	done       chan struct{}
	closeOnce  sync.Once
	minBackoff time.Duration
	maxBackoff time.Duration
}

// New connects to url and starts reading events.
func New(url string) (*Client, error) {
	c := &Client{
		url:        url,
		handlers:   make(map[string][]Handler),
		done:       make(chan struct{}),
		minBackoff: time.Second,
		maxBackoff: 30 * time.Second,
	}

	if err := c.connect(); err != nil {
		return nil, err
	}

	go c.readLoop()
	return c, nil
}

func (c *Client) connect() error {
	conn, _, err := websocket.DefaultDialer.Dial(c.url, nil)
	if err != nil {
		return fmt.Errorf("websocket dial %s: %w", c.url, err)
	}
	c.connMu.Lock()
	c.conn = conn
	c.connMu.Unlock()
	return nil
}

func (c *Client) current() *websocket.Conn {
	c.connMu.Lock()
	defer c.connMu.Unlock()
	return c.conn
}

// Close shuts down the client.
func (c *Client) Close() error {
	var err error
	c.closeOnce.Do(func() {
		close(c.done)
		if conn := c.current(); conn != nil {
			_ = conn.WriteControl(websocket.CloseMessage,
				websocket.FormatCloseMessage(websocket.CloseNormalClosure, ""),
				time.Now().Add(time.Second))
			err = conn.Close()
		}
	})
	return err
}

// On registers a handler for a specific event.
func (c *Client) On(event string, handler Handler) {
	c.mu.Lock()
	defer c.mu.Unlock()
	c.handlers[event] = append(c.handlers[event], handler)
}

// OnAny registers a handler that sees every event.
func (c *Client) OnAny(handler Handler) {
	c.mu.Lock()
	defer c.mu.Unlock()
	c.catchAll = append(c.catchAll, handler)
}

// dispatch runs handlers in registration order on the read goroutine.
func (c *Client) dispatch(msg hub.Message) {
	c.mu.RLock()
	handlers := append([]Handler(nil), c.handlers[msg.Event]...)
	handlers = append(handlers, c.catchAll...)
	c.mu.RUnlock()

	for _, h := range handlers {
		h(msg)
	}
}

func (c *Client) closed() bool {
	select {
	case <-c.done:
		return true
	default:
		return false
	}
}

func (c *Client) readLoop() {
	for {
		if c.closed() {
			return
		}

		var msg hub.Message
		if err := c.current().ReadJSON(&msg); err != nil {
			if c.closed() {
				return
			}
			var closeErr *websocket.CloseError
			if errors.As(err, &closeErr) && closeErr.Code == websocket.CloseNormalClosure {
				log.Printf("[client] server closed the connection")
			} else {
				log.Printf("[client] read error: %v, reconnecting...", err)
			}
			_ = c.current().Close()
			if !c.reconnect() {
				return
			}
			continue
		}

		c.dispatch(msg)
	}
}

// reconnect retries with exponential backoff until it succeeds or the
// client is closed.
func (c *Client) reconnect() bool {
	backoff := c.minBackoff

	for {
		select {
		case <-c.done:
			return false
		case <-time.After(backoff):
		}

		if err := c.connect(); err != nil {
			log.Printf("[client] reconnect failed: %v", err)
			backoff *= 2
			if backoff > c.maxBackoff {
				backoff = c.maxBackoff
			}
			continue
		}
		if c.closed() {
			_ = c.current().Close()
			return false
		}

		log.Println("[client] reconnected")
		return true
	}
}
