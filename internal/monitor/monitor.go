// Package monitor streams outbox and cursor positions to operators over
// server-sent events.
package monitor

import (
	"context"
	"encoding/json"
	"fmt"
	"net/http"
	"sync"
	"time"

	"github.com/google/uuid"
	"go.uber.org/zap"

	"github.com/dgnsrekt/synchromesh/internal/outbox"
	"github.com/dgnsrekt/synchromesh/internal/registry"
)

// Monitor periodically reports every channel's head and slowest cursor to
// connected SSE clients.
type Monitor struct {
	monitorID string
	transport string
	outbox    outbox.Outbox
	registry  registry.Registry
	interval  time.Duration
	logger    *zap.Logger

	mu       sync.RWMutex
	sequence uint64
	clients  map[*sseClient]bool

	// closed when Run returns; open streams end with it.
	done chan struct{}
}

type sseClient struct {
	dataCh  chan []byte
	flusher http.Flusher
	writer  http.ResponseWriter
}

func New(ob outbox.Outbox, reg registry.Registry, transport string, interval time.Duration, logger *zap.Logger) *Monitor {
	if interval <= 0 {
		interval = 5 * time.Second
	}
	return &Monitor{
		monitorID: uuid.NewString(),
		transport: transport,
		outbox:    ob,
		registry:  reg,
		interval:  interval,
		logger:    logger,
		clients:   make(map[*sseClient]bool),
		done:      make(chan struct{}),
	}
}

// Run sends a batch to every client on each tick until ctx is done. It
// must be called at most once.
func (m *Monitor) Run(ctx context.Context) {
	m.logger.Info("monitor starting",
		zap.String("monitorID", m.monitorID),
		zap.Duration("interval", m.interval),
	)

	defer close(m.done)

	ticker := time.NewTicker(m.interval)
	defer ticker.Stop()

	for {
		select {
		case <-ctx.Done():
			m.logger.Info("monitor stopping")
			return
		case <-ticker.C:
			m.broadcastToAll(ctx)
		}
	}
}

// HandleSSE streams a snapshot followed by periodic batches.
func (m *Monitor) HandleSSE(w http.ResponseWriter, r *http.Request) {
	flusher, ok := w.(http.Flusher)
	if !ok {
		http.Error(w, "SSE not supported", http.StatusInternalServerError)
		return
	}

	w.Header().Set("Content-Type", "text/event-stream")
	w.Header().Set("Cache-Control", "no-cache")
	w.Header().Set("Connection", "keep-alive")

	client := &sseClient{
		dataCh:  make(chan []byte, 10),
		flusher: flusher,
		writer:  w,
	}
	m.addClient(client)
	defer m.removeClient(client)

	m.logger.Debug("monitor client connected", zap.String("remoteAddr", r.RemoteAddr))

	snapshot, err := m.Snapshot(r.Context())
	if err != nil {
		m.logger.Warn("building monitor snapshot failed", zap.Error(err))
		return
	}
	event, err := formatEvent("snapshot", snapshot)
	if err != nil {
		return
	}
	if _, err := w.Write(event); err != nil {
		return
	}
	flusher.Flush()

	for {
		select {
		case <-r.Context().Done():
			m.logger.Debug("monitor client disconnected", zap.String("remoteAddr", r.RemoteAddr))
			return
		case <-m.done:
			return
		case event := <-client.dataCh:
			if _, err := client.writer.Write(event); err != nil {
				m.logger.Debug("failed to write to monitor client", zap.Error(err))
				return
			}
			client.flusher.Flush()
		}
	}
}

func (m *Monitor) addClient(c *sseClient) {
	m.mu.Lock()
	defer m.mu.Unlock()
	m.clients[c] = true
}

func (m *Monitor) removeClient(c *sseClient) {
	m.mu.Lock()
	defer m.mu.Unlock()
	delete(m.clients, c)
}

// Clients returns the number of connected SSE clients.
func (m *Monitor) Clients() int {
	m.mu.RLock()
	defer m.mu.RUnlock()
	return len(m.clients)
}

// Snapshot reports the current positions of every channel outbox.
func (m *Monitor) Snapshot(ctx context.Context) (*Batch, error) {
	channels, err := m.outbox.Channels(ctx)
	if err != nil {
		return nil, fmt.Errorf("listing channels: %w", err)
	}

	positions := make([]ChannelPosition, 0, len(channels))
	for _, ch := range channels {
		head, err := m.outbox.Head(ctx, ch)
		if err != nil {
			return nil, fmt.Errorf("reading head of %s: %w", ch, err)
		}
		minCursor, subscribed, err := m.registry.MinCursor(ctx, ch)
		if err != nil {
			return nil, fmt.Errorf("reading cursors of %s: %w", ch, err)
		}
		pos := ChannelPosition{
			Channel:    ch.String(),
			Head:       head,
			MinCursor:  minCursor,
			Subscribed: subscribed,
		}
		if subscribed && head > minCursor {
			pos.Lag = head - minCursor
		}
		positions = append(positions, pos)
	}

	m.mu.Lock()
	m.sequence++
	seq := m.sequence
	m.mu.Unlock()

	return &Batch{
		MonitorID: m.monitorID,
		Transport: m.transport,
		Timestamp: time.Now().UnixMilli(),
		Sequence:  seq,
		Channels:  positions,
	}, nil
}

func (m *Monitor) broadcastToAll(ctx context.Context) {
	m.mu.RLock()
	clients := make([]*sseClient, 0, len(m.clients))
	for c := range m.clients {
		clients = append(clients, c)
	}
	m.mu.RUnlock()

	if len(clients) == 0 {
		return
	}

	batch, err := m.Snapshot(ctx)
	if err != nil {
		m.logger.Warn("building monitor batch failed", zap.Error(err))
		return
	}
	event, err := formatEvent("batch", batch)
	if err != nil {
		return
	}

	for _, c := range clients {
		select {
		case c.dataCh <- event:
		default:
			// Slow client
			m.logger.Debug("monitor client channel full, dropping batch")
		}
	}
}

func formatEvent(eventType string, b *Batch) ([]byte, error) {
	data, err := json.Marshal(b)
	if err != nil {
		return nil, err
	}
	return []byte(fmt.Sprintf("event: %s\nid: %d\ndata: %s\n\n", eventType, b.Sequence, data)), nil
}
