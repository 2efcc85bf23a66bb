package registry

import (
	"context"
	"hash/fnv"
	"sort"
	"sync"
	"time"

	"go.uber.org/zap"

	"github.com/dgnsrekt/synchromesh/internal/channel"
)

const shardCount = 32

type key struct {
	clientID string
	channel  channel.Channel
}

type shard struct {
	mu    sync.RWMutex
	conns map[key]*Connection
}

// Memory is an in-process Registry. Connections are spread over shards by
// client id so unrelated clients do not contend on one lock.
type Memory struct {
	shards [shardCount]shard

	// byChannel indexes client ids per channel. It is written under the
	// owning shard's lock, taken before idxMu.
	idxMu     sync.RWMutex
	byChannel map[channel.Channel]map[string]struct{}

	now    func() time.Time
	logger *zap.Logger
}

var _ Registry = (*Memory)(nil)

func NewMemory(logger *zap.Logger) *Memory {
	m := &Memory{
		byChannel: make(map[channel.Channel]map[string]struct{}),
		now:       time.Now,
		logger:    logger,
	}
	for i := range m.shards {
		m.shards[i].conns = make(map[key]*Connection)
	}
	return m
}

func (m *Memory) shardFor(clientID string) *shard {
	h := fnv.New32a()
	h.Write([]byte(clientID))
	return &m.shards[h.Sum32()%shardCount]
}

func (m *Memory) Subscribe(ctx context.Context, conn Connection) (Connection, error) {
	if conn.ClientID == "" || conn.Channel == "" {
		return Connection{}, ErrInvalidKey
	}
	s := m.shardFor(conn.ClientID)
	k := key{conn.ClientID, conn.Channel}

	s.mu.Lock()
	defer s.mu.Unlock()

	if existing, ok := s.conns[k]; ok {
		existing.RootPath = conn.RootPath
		existing.SessionID = conn.SessionID
		existing.UserID = conn.UserID
		existing.LastSeen = m.now()
		return *existing, nil
	}

	stored := conn
	stored.LastSeen = m.now()
	s.conns[k] = &stored
	m.index(k)

	m.logger.Debug("connection opened",
		zap.String("clientID", conn.ClientID),
		zap.String("channel", conn.Channel.String()),
		zap.Uint64("cursor", conn.Cursor),
	)
	return stored, nil
}

func (m *Memory) Unsubscribe(ctx context.Context, clientID string, ch channel.Channel) error {
	s := m.shardFor(clientID)
	k := key{clientID, ch}
	s.mu.Lock()
	if _, ok := s.conns[k]; ok {
		delete(s.conns, k)
		m.unindex(k)
	}
	s.mu.Unlock()
	return nil
}

func (m *Memory) CursorFor(ctx context.Context, clientID string, ch channel.Channel) (uint64, error) {
	s := m.shardFor(clientID)
	s.mu.RLock()
	defer s.mu.RUnlock()
	if c, ok := s.conns[key{clientID, ch}]; ok {
		return c.Cursor, nil
	}
	return 0, nil
}

func (m *Memory) AdvanceCursor(ctx context.Context, clientID string, ch channel.Channel, pos uint64) (uint64, error) {
	s := m.shardFor(clientID)
	s.mu.Lock()
	defer s.mu.Unlock()

	c, ok := s.conns[key{clientID, ch}]
	if !ok {
		return 0, ErrNotFound
	}
	if pos > c.Cursor {
		c.Cursor = pos
	}
	c.LastSeen = m.now()
	return c.Cursor, nil
}

func (m *Memory) ChannelsFor(ctx context.Context, sessionID string, user channel.User) ([]channel.Channel, error) {
	set := make(map[channel.Channel]struct{})
	m.each(func(c *Connection) {
		if c.SessionID == sessionID && c.UserID == user.ID {
			set[c.Channel] = struct{}{}
		}
	})

	out := make([]channel.Channel, 0, len(set))
	for ch := range set {
		out = append(out, ch)
	}
	sort.Slice(out, func(i, j int) bool { return out[i] < out[j] })
	return out, nil
}

func (m *Memory) Connections(ctx context.Context, clientID string) ([]Connection, error) {
	s := m.shardFor(clientID)
	s.mu.RLock()
	defer s.mu.RUnlock()

	var out []Connection
	for k, c := range s.conns {
		if k.clientID == clientID {
			out = append(out, *c)
		}
	}
	sort.Slice(out, func(i, j int) bool { return out[i].Channel < out[j].Channel })
	return out, nil
}

func (m *Memory) MinCursor(ctx context.Context, ch channel.Channel) (uint64, bool, error) {
	m.idxMu.RLock()
	ids := make([]string, 0, len(m.byChannel[ch]))
	for id := range m.byChannel[ch] {
		ids = append(ids, id)
	}
	m.idxMu.RUnlock()

	var min uint64
	found := false
	for _, id := range ids {
		s := m.shardFor(id)
		s.mu.RLock()
		c, ok := s.conns[key{id, ch}]
		if ok && (!found || c.Cursor < min) {
			min = c.Cursor
			found = true
		}
		s.mu.RUnlock()
	}
	return min, found, nil
}

func (m *Memory) Evict(ctx context.Context, before time.Time) (int, error) {
	evicted := 0
	for i := range m.shards {
		s := &m.shards[i]
		s.mu.Lock()
		for k, c := range s.conns {
			if c.LastSeen.Before(before) {
				delete(s.conns, k)
				m.unindex(k)
				evicted++
			}
		}
		s.mu.Unlock()
	}
	if evicted > 0 {
		m.logger.Info("evicted idle connections", zap.Int("count", evicted))
	}
	return evicted, nil
}

func (m *Memory) Close() error { return nil }

func (m *Memory) index(k key) {
	m.idxMu.Lock()
	defer m.idxMu.Unlock()
	ids := m.byChannel[k.channel]
	if ids == nil {
		ids = make(map[string]struct{})
		m.byChannel[k.channel] = ids
	}
	ids[k.clientID] = struct{}{}
}

func (m *Memory) unindex(k key) {
	m.idxMu.Lock()
	defer m.idxMu.Unlock()
	ids := m.byChannel[k.channel]
	delete(ids, k.clientID)
	if len(ids) == 0 {
		delete(m.byChannel, k.channel)
	}
}

// indexedChannels is the number of channels with at least one connection.
func (m *Memory) indexedChannels() int {
	m.idxMu.RLock()
	defer m.idxMu.RUnlock()
	return len(m.byChannel)
}

func (m *Memory) each(fn func(*Connection)) {
	for i := range m.shards {
		s := &m.shards[i]
		s.mu.RLock()
		for _, c := range s.conns {
			fn(c)
		}
		s.mu.RUnlock()
	}
}
