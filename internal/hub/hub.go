// Package hub keeps the set of connected browsers and fans reload events out
// to them.
package hub

import (
	"fmt"
	"log"
	"sync"
)

// Peer is one connected client.
type Peer interface {
	ID() string
	Send(msg Message) error
	Close() error
}

// Hub is the live peer set. Peers are keyed by identity, so removing one
// never disturbs another even under concurrent connects and disconnects.
type Hub struct {
	peers map[string]Peer
	mu    sync.RWMutex
}

// New creates an empty Hub.
func New() *Hub {
	return &Hub{peers: make(map[string]Peer)}
}

// Connect adds p to the set.
func (h *Hub) Connect(p Peer) {
	h.mu.Lock()
	defer h.mu.Unlock()
	h.peers[p.ID()] = p
	log.Printf("[hub] peer %s connected (%d total)", p.ID(), len(h.peers))
}

// Disconnect removes exactly p. Calling it again, or for a peer that was
// never connected, is a no-op. It reports whether p was present.
func (h *Hub) Disconnect(p Peer) bool {
	h.mu.Lock()
	defer h.mu.Unlock()

	current, ok := h.peers[p.ID()]
	if !ok || current != p {
		return false
	}
	delete(h.peers, p.ID())
	log.Printf("[hub] peer %s disconnected (%d total)", p.ID(), len(h.peers))
	return true
}

// Len returns the number of connected peers.
func (h *Hub) Len() int {
	h.mu.RLock()
	defer h.mu.RUnlock()
	return len(h.peers)
}

// Broadcast sends event to every peer connected at the time of the call and
// returns how many sends succeeded. Sends happen outside the lock; a peer
// that fails is dropped and closed without affecting the others.
func (h *Hub) Broadcast(event string, payload any) int {
	msg, err := NewMessage(event, payload)
	if err != nil {
		log.Printf("[hub] encode %s payload: %v", event, err)
		msg = Message{Event: event}
	}

	h.mu.RLock()
	snapshot := make([]Peer, 0, len(h.peers))
	for _, p := range h.peers {
		snapshot = append(snapshot, p)
	}
	h.mu.RUnlock()

	delivered := 0
	for _, p := range snapshot {
		if err := safeSend(p, msg); err != nil {
			log.Printf("[hub] send %s to %s: %v", event, p.ID(), err)
			if h.Disconnect(p) {
				_ = p.Close()
			}
			continue
		}
		delivered++
	}
	return delivered
}

func safeSend(p Peer, msg Message) (err error) {
	defer func() {
		if r := recover(); r != nil {
			err = fmt.Errorf("send panicked: %v", r)
		}
	}()
	return p.Send(msg)
}
