// Package ws is the websocket gateway: a registry of live sockets, the
// per-socket read and write pumps and the table that dispatches inbound
// events to the engines.
package ws

import (
	"errors"
	"sync"

	"github.com/lalith-99/hackerchat/internal/fanout"
)

var ErrHubClosed = errors.New("hub is closed")

// Hub tracks the sockets open on this instance, by connection id and by
// user. It is created at startup and drained with Close at shutdown.
type Hub struct {
	mu     sync.RWMutex
	conns  map[string]*Client
	byUser map[string]map[string]*Client
	closed bool
}

func NewHub() *Hub {
	return &Hub{
		conns:  make(map[string]*Client),
		byUser: make(map[string]map[string]*Client),
	}
}

func (h *Hub) Register(c *Client) error {
	h.mu.Lock()
	defer h.mu.Unlock()
	if h.closed {
		return ErrHubClosed
	}
	h.conns[c.id] = c
	set := h.byUser[c.UserID()]
	if set == nil {
		set = make(map[string]*Client)
		h.byUser[c.UserID()] = set
	}
	set[c.id] = c
	return nil
}

// Unregister removes c and returns how many sockets its user still has
// on this instance.
func (h *Hub) Unregister(c *Client) int {
	h.mu.Lock()
	defer h.mu.Unlock()
	delete(h.conns, c.id)
	set := h.byUser[c.UserID()]
	delete(set, c.id)
	if len(set) == 0 {
		delete(h.byUser, c.UserID())
	}
	return len(set)
}

// Connections is the number of sockets userID has on this instance.
func (h *Hub) Connections(userID string) int {
	h.mu.RLock()
	defer h.mu.RUnlock()
	return len(h.byUser[userID])
}

// Len is the number of open sockets.
func (h *Hub) Len() int {
	h.mu.RLock()
	defer h.mu.RUnlock()
	return len(h.conns)
}

// Deliver queues frame on every local socket selected by t and returns
// how many accepted it.
func (h *Hub) Deliver(t fanout.Target, frame []byte) int {
	h.mu.RLock()
	var targets []*Client
	if t.All {
		targets = make([]*Client, 0, len(h.conns))
		for id, c := range h.conns {
			if id != t.ExceptConn {
				targets = append(targets, c)
			}
		}
	} else {
		for _, userID := range t.Users {
			for id, c := range h.byUser[userID] {
				if id != t.ExceptConn {
					targets = append(targets, c)
				}
			}
		}
	}
	h.mu.RUnlock()

	n := 0
	for _, c := range targets {
		if c.enqueue(frame) {
			n++
		}
	}
	return n
}

func (h *Hub) DeliverToConn(connID string, frame []byte) bool {
	h.mu.RLock()
	c := h.conns[connID]
	h.mu.RUnlock()
	return c != nil && c.enqueue(frame)
}

// Close refuses new sockets and shuts down every open one.
func (h *Hub) Close() {
	h.mu.Lock()
	h.closed = true
	clients := make([]*Client, 0, len(h.conns))
	for _, c := range h.conns {
		clients = append(clients, c)
	}
	h.mu.Unlock()

	for _, c := range clients {
		c.shutdown()
	}
}
