package outbox

import (
	"context"
	"sort"
	"sync"
	"time"

	"go.uber.org/zap"

	"github.com/dgnsrekt/synchromesh/internal/channel"
)

type channelLog struct {
	mu         sync.Mutex
	entries    []Message
	head       uint64 // last assigned sequence
	floor      uint64 // highest pruned sequence
	lastAppend time.Time
	dead       bool // set once forgotten; appenders must fetch a new log
}

type idRef struct {
	channel channel.Channel
	id      string
}

type idRecord struct {
	seq     uint64
	expires time.Time
}

type idExpiry struct {
	key     idRef
	expires time.Time
}

// idIndex remembers broadcast ids for a fixed retention. Records expire in
// insertion order, so the oldest sit at the front of order.
type idIndex struct {
	mu        sync.Mutex
	records   map[idRef]idRecord
	order     []idExpiry
	retention time.Duration
}

func (x *idIndex) lookup(k idRef, now time.Time) (uint64, bool) {
	x.mu.Lock()
	defer x.mu.Unlock()
	x.expireLocked(now)
	rec, ok := x.records[k]
	if !ok || !now.Before(rec.expires) {
		return 0, false
	}
	return rec.seq, true
}

func (x *idIndex) add(k idRef, seq uint64, now time.Time) {
	x.mu.Lock()
	defer x.mu.Unlock()
	expires := now.Add(x.retention)
	x.records[k] = idRecord{seq: seq, expires: expires}
	x.order = append(x.order, idExpiry{key: k, expires: expires})
}

func (x *idIndex) expireLocked(now time.Time) {
	n := 0
	for _, e := range x.order {
		if now.Before(e.expires) {
			break
		}
		// A key re-added after expiring has a newer record; keep it.
		if rec, ok := x.records[e.key]; ok && rec.expires.Equal(e.expires) {
			delete(x.records, e.key)
		}
		n++
	}
	x.order = x.order[n:]
}

func (x *idIndex) len() int {
	x.mu.Lock()
	defer x.mu.Unlock()
	return len(x.records)
}

// Memory keeps every channel log in process memory. Appends to one channel
// serialize on that channel's lock only.
type Memory struct {
	mu     sync.RWMutex
	logs   map[channel.Channel]*channelLog
	base   uint64 // highest head of any forgotten channel
	ids    idIndex
	opts   Options
	now    func() time.Time
	logger *zap.Logger
}

var _ Outbox = (*Memory)(nil)

func NewMemory(opts Options, logger *zap.Logger) *Memory {
	opts = opts.withDefaults()
	return &Memory{
		logs:   make(map[channel.Channel]*channelLog),
		ids:    idIndex{records: make(map[idRef]idRecord), retention: opts.IDRetention},
		opts:   opts,
		now:    time.Now,
		logger: logger,
	}
}

func (m *Memory) log(ch channel.Channel, create bool) *channelLog {
	m.mu.RLock()
	l := m.logs[ch]
	m.mu.RUnlock()
	if l != nil || !create {
		return l
	}

	m.mu.Lock()
	defer m.mu.Unlock()
	if l = m.logs[ch]; l == nil {
		l = &channelLog{head: m.base, floor: m.base}
		m.logs[ch] = l
	}
	return l
}

// lockLive returns the live log of ch, locked.
func (m *Memory) lockLive(ch channel.Channel) *channelLog {
	for {
		l := m.log(ch, true)
		l.mu.Lock()
		if !l.dead {
			return l
		}
		l.mu.Unlock()
	}
}

func (m *Memory) Append(ctx context.Context, e Entry) (Message, error) {
	if err := validate(e); err != nil {
		return Message{}, err
	}
	l := m.lockLive(e.Channel)
	defer l.mu.Unlock()

	now := m.now()
	if e.BroadcastID != "" {
		if seq, ok := m.ids.lookup(idRef{e.Channel, e.BroadcastID}, now); ok {
			if seq > l.floor && seq <= l.head {
				return l.entries[seq-l.floor-1], ErrDuplicate
			}
			return Message{Channel: e.Channel, Sequence: seq, BroadcastID: e.BroadcastID}, ErrDuplicate
		}
	} else {
		e.BroadcastID = NewBroadcastID()
	}

	l.head++
	msg := Message{
		Channel:     e.Channel,
		Sequence:    l.head,
		BroadcastID: e.BroadcastID,
		Operation:   e.Operation,
		Payload:     append([]byte(nil), e.Payload...),
		CreatedAt:   now,
	}
	l.entries = append(l.entries, msg)
	l.lastAppend = now
	m.ids.add(idRef{e.Channel, msg.BroadcastID}, msg.Sequence, now)

	if m.opts.MaxEntries > 0 && len(l.entries) > m.opts.MaxEntries {
		dropped := l.pruneLocked(l.head - uint64(m.opts.MaxEntries))
		m.logger.Debug("outbox over capacity, dropped oldest",
			zap.String("channel", e.Channel.String()),
			zap.Int("dropped", dropped),
		)
	}
	return msg, nil
}

func (m *Memory) ReadSince(ctx context.Context, ch channel.Channel, cursor uint64) ([]Message, error) {
	l := m.log(ch, false)
	if l == nil {
		return nil, nil
	}

	l.mu.Lock()
	defer l.mu.Unlock()

	if l.dead {
		return nil, nil
	}
	if cursor < l.floor {
		return nil, ErrResyncRequired
	}
	if cursor >= l.head {
		return nil, nil
	}
	// entries[0] holds sequence floor+1.
	start := cursor - l.floor
	out := make([]Message, len(l.entries)-int(start))
	copy(out, l.entries[start:])
	return out, nil
}

func (m *Memory) Head(ctx context.Context, ch channel.Channel) (uint64, error) {
	if l := m.log(ch, false); l != nil {
		l.mu.Lock()
		head, dead := l.head, l.dead
		l.mu.Unlock()
		if !dead {
			return head, nil
		}
	}
	m.mu.RLock()
	defer m.mu.RUnlock()
	return m.base, nil
}

func (m *Memory) Prune(ctx context.Context, ch channel.Channel, upTo uint64) (int, error) {
	l := m.log(ch, false)
	if l == nil {
		return 0, nil
	}
	l.mu.Lock()
	defer l.mu.Unlock()
	return l.pruneLocked(upTo), nil
}

func (l *channelLog) pruneLocked(upTo uint64) int {
	if upTo > l.head {
		upTo = l.head
	}
	if upTo <= l.floor {
		return 0
	}
	n := int(upTo - l.floor)
	l.entries = append([]Message(nil), l.entries[n:]...)
	l.floor = upTo
	return n
}

func (m *Memory) Forget(ctx context.Context, ch channel.Channel, idleSince time.Time) (bool, error) {
	m.mu.Lock()
	defer m.mu.Unlock()

	l := m.logs[ch]
	if l == nil {
		return false, nil
	}
	l.mu.Lock()
	defer l.mu.Unlock()
	if l.head != l.floor || l.lastAppend.After(idleSince) {
		return false, nil
	}

	l.dead = true
	m.base = max(m.base, l.head)
	delete(m.logs, ch)
	return true, nil
}

func (m *Memory) Channels(ctx context.Context) ([]channel.Channel, error) {
	m.mu.RLock()
	defer m.mu.RUnlock()
	out := make([]channel.Channel, 0, len(m.logs))
	for ch := range m.logs {
		out = append(out, ch)
	}
	sort.Slice(out, func(i, j int) bool { return out[i] < out[j] })
	return out, nil
}

func (m *Memory) Close() error { return nil }
