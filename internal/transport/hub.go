package transport

import (
	"context"
	"fmt"
	"sync"
	"sync/atomic"

	"go.uber.org/zap"
)

// Hub tracks socket clients and the relay channels they joined.
type Hub struct {
	clients    map[*Client]bool
	groups     map[string]map[*Client]bool // relay channel -> clients
	register   chan *Client
	unregister chan *Client
	broadcast  chan *groupMessage
	done       chan struct{}
	running    atomic.Bool
	mu         sync.RWMutex
	logger     *zap.Logger
}

type groupMessage struct {
	group   string
	payload []byte
}

// HubStats is a snapshot of the hub's size.
type HubStats struct {
	Clients  int `json:"clients"`
	Channels int `json:"channels"`
}

func NewHub(logger *zap.Logger) *Hub {
	return &Hub{
		clients:    make(map[*Client]bool),
		groups:     make(map[string]map[*Client]bool),
		register:   make(chan *Client),
		unregister: make(chan *Client),
		broadcast:  make(chan *groupMessage, 256),
		done:       make(chan struct{}),
		logger:     logger,
	}
}

// Run processes hub events until ctx is cancelled. A hub runs once.
func (h *Hub) Run(ctx context.Context) {
	h.running.Store(true)
	defer func() {
		h.running.Store(false)
		close(h.done)
	}()

	for {
		select {
		case <-ctx.Done():
			h.logger.Info("socket hub shutting down")
			h.shutdown()
			return

		case client := <-h.register:
			h.mu.Lock()
			h.clients[client] = true
			h.mu.Unlock()
			h.logger.Debug("socket client registered",
				zap.String("connID", client.connID),
				zap.String("clientID", client.clientID),
			)

		case client := <-h.unregister:
			h.mu.Lock()
			if _, ok := h.clients[client]; ok {
				delete(h.clients, client)
				for group := range client.groups {
					if clients, ok := h.groups[group]; ok {
						delete(clients, client)
						if len(clients) == 0 {
							delete(h.groups, group)
						}
					}
				}
				client.closed = true
				close(client.send)
			}
			h.mu.Unlock()
			h.logger.Debug("socket client unregistered", zap.String("connID", client.connID))

		case msg := <-h.broadcast:
			h.mu.RLock()
			for client := range h.groups[msg.group] {
				select {
				case client.send <- msg.payload:
				default:
					// Too slow to keep up; it can resync by reading.
					go h.drop(client)
				}
			}
			h.mu.RUnlock()
		}
	}
}

func (h *Hub) drop(c *Client) {
	select {
	case h.unregister <- c:
	case <-h.done:
	}
}

func (h *Hub) add(c *Client) error {
	if !h.running.Load() {
		return fmt.Errorf("%w: socket hub not running", ErrTransportUnavailable)
	}
	select {
	case h.register <- c:
		return nil
	case <-h.done:
		return fmt.Errorf("%w: socket hub stopped", ErrTransportUnavailable)
	}
}

func (h *Hub) shutdown() {
	h.mu.Lock()
	defer h.mu.Unlock()

	for client := range h.clients {
		client.closed = true
		close(client.send)
		delete(h.clients, client)
	}
	h.groups = make(map[string]map[*Client]bool)
}

// JoinGroup adds a client to a relay channel.
func (h *Hub) JoinGroup(client *Client, group string) {
	h.mu.Lock()
	defer h.mu.Unlock()

	if client.closed {
		return
	}
	if h.groups[group] == nil {
		h.groups[group] = make(map[*Client]bool)
	}
	h.groups[group][client] = true
	client.groups[group] = true

	h.logger.Debug("socket client joined channel",
		zap.String("connID", client.connID),
		zap.String("channel", group),
	)
}

// LeaveGroup removes a client from a relay channel.
func (h *Hub) LeaveGroup(client *Client, group string) {
	h.mu.Lock()
	defer h.mu.Unlock()

	if clients, ok := h.groups[group]; ok {
		delete(clients, client)
		if len(clients) == 0 {
			delete(h.groups, group)
		}
	}
	delete(client.groups, group)
}

func (h *Hub) member(client *Client, group string) bool {
	h.mu.RLock()
	defer h.mu.RUnlock()
	return client.groups[group]
}

// Broadcast queues payload for every client in group.
func (h *Hub) Broadcast(group string, payload []byte) error {
	if !h.running.Load() {
		return fmt.Errorf("%w: socket hub not running", ErrTransportUnavailable)
	}
	select {
	case h.broadcast <- &groupMessage{group: group, payload: payload}:
		return nil
	default:
		return fmt.Errorf("%w: socket hub backlog full", ErrTransportUnavailable)
	}
}

// members returns the clients joined to group.
func (h *Hub) members(group string) []*Client {
	h.mu.RLock()
	defer h.mu.RUnlock()
	out := make([]*Client, 0, len(h.groups[group]))
	for c := range h.groups[group] {
		out = append(out, c)
	}
	return out
}

// push queues payload for c and drops c when it cannot keep up.
func (h *Hub) push(c *Client, payload []byte) {
	h.mu.RLock()
	defer h.mu.RUnlock()
	if c.closed {
		return
	}
	select {
	case c.send <- payload:
	default:
		go h.drop(c)
	}
}

// deliver sends payload to one client unless it has already been closed.
func (h *Hub) deliver(c *Client, payload []byte) {
	h.mu.RLock()
	defer h.mu.RUnlock()
	if c.closed {
		return
	}
	select {
	case c.send <- payload:
	default:
	}
}

func (h *Hub) Stats() HubStats {
	h.mu.RLock()
	defer h.mu.RUnlock()
	return HubStats{Clients: len(h.clients), Channels: len(h.groups)}
}
