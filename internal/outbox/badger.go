package outbox

import (
	"context"
	"encoding/binary"
	"errors"
	"fmt"
	"hash/fnv"
	"sort"
	"sync"
	"time"

	"github.com/dgraph-io/badger/v4"
	"go.uber.org/zap"

	"github.com/dgnsrekt/synchromesh/internal/channel"
)

// Key layout:
//
//	g/base                   highest head of any forgotten channel
//	h/{channel}              head, floor and last append (unix nanos), big endian
//	m/{channel}/{seq}        encoded Message, seq big endian
//	i/{channel}/{id}         sequence of a broadcast id, expires after IDRetention
const (
	pruneBatch  = 500
	lockStripes = 64
)

var baseKey = []byte("g/base")

// Badger is a durable Outbox. Appends to one channel serialize on an
// in-process lock; the store is not meant to be shared between processes.
type Badger struct {
	db     *badger.DB
	codec  *Codec
	opts   Options
	locks  [lockStripes]sync.Mutex
	now    func() time.Time
	logger *zap.Logger
}

var _ Outbox = (*Badger)(nil)

// OpenBadger opens (or creates) a store at path. An empty path keeps the
// store in memory.
func OpenBadger(path string, opts Options, logger *zap.Logger) (*Badger, error) {
	bopts := badger.DefaultOptions(path).WithLogger(nil)
	if path == "" {
		bopts = bopts.WithInMemory(true)
	}
	db, err := badger.Open(bopts)
	if err != nil {
		return nil, fmt.Errorf("open badger: %w", err)
	}
	codec, err := NewCodec(1024)
	if err != nil {
		_ = db.Close()
		return nil, err
	}
	return &Badger{db: db, codec: codec, opts: opts.withDefaults(), now: time.Now, logger: logger}, nil
}

func headKey(ch channel.Channel) []byte { return []byte("h/" + string(ch)) }
func msgPrefix(ch channel.Channel) []byte { return []byte("m/" + string(ch) + "/") }
func idKey(ch channel.Channel, id string) []byte {
	return []byte("i/" + string(ch) + "/" + id)
}

func msgKey(ch channel.Channel, seq uint64) []byte {
	return binary.BigEndian.AppendUint64(msgPrefix(ch), seq)
}

type meta struct {
	head, floor uint64
	lastAppend  int64
	found       bool
}

func readUint64(txn *badger.Txn, key []byte) (uint64, error) {
	item, err := txn.Get(key)
	if errors.Is(err, badger.ErrKeyNotFound) {
		return 0, nil
	}
	if err != nil {
		return 0, err
	}
	var v uint64
	err = item.Value(func(val []byte) error {
		if len(val) != 8 {
			return fmt.Errorf("corrupt record %q", key)
		}
		v = binary.BigEndian.Uint64(val)
		return nil
	})
	return v, err
}

// readMeta returns the channel's positions. A channel without a head record
// sits at the base.
func readMeta(txn *badger.Txn, ch channel.Channel) (meta, error) {
	item, err := txn.Get(headKey(ch))
	if errors.Is(err, badger.ErrKeyNotFound) {
		base, err := readUint64(txn, baseKey)
		return meta{head: base, floor: base}, err
	}
	if err != nil {
		return meta{}, err
	}
	m := meta{found: true}
	err = item.Value(func(val []byte) error {
		if len(val) != 16 && len(val) != 24 {
			return fmt.Errorf("corrupt head record for %s", ch)
		}
		m.head = binary.BigEndian.Uint64(val[:8])
		m.floor = binary.BigEndian.Uint64(val[8:16])
		if len(val) == 24 {
			m.lastAppend = int64(binary.BigEndian.Uint64(val[16:]))
		}
		return nil
	})
	return m, err
}

func writeMeta(txn *badger.Txn, ch channel.Channel, m meta) error {
	buf := make([]byte, 24)
	binary.BigEndian.PutUint64(buf[:8], m.head)
	binary.BigEndian.PutUint64(buf[8:16], m.floor)
	binary.BigEndian.PutUint64(buf[16:], uint64(m.lastAppend))
	return txn.Set(headKey(ch), buf)
}

func (b *Badger) lock(ch channel.Channel) *sync.Mutex {
	h := fnv.New32a()
	h.Write([]byte(ch))
	return &b.locks[h.Sum32()%lockStripes]
}

func (b *Badger) Append(ctx context.Context, e Entry) (Message, error) {
	if err := validate(e); err != nil {
		return Message{}, err
	}
	mu := b.lock(e.Channel)
	mu.Lock()
	defer mu.Unlock()

	var msg Message
	var duplicate bool
	var over uint64
	err := b.db.Update(func(txn *badger.Txn) error {
		m, err := readMeta(txn, e.Channel)
		if err != nil {
			return err
		}

		if e.BroadcastID != "" {
			existing, found, err := b.lookupID(txn, e.Channel, e.BroadcastID)
			if err != nil {
				return err
			}
			if found {
				msg, duplicate = existing, true
				return nil
			}
		} else {
			e.BroadcastID = NewBroadcastID()
		}

		now := b.now()
		m.head++
		m.lastAppend = now.UnixNano()
		msg = Message{
			Channel:     e.Channel,
			Sequence:    m.head,
			BroadcastID: e.BroadcastID,
			Operation:   e.Operation,
			Payload:     append([]byte(nil), e.Payload...),
			CreatedAt:   now,
		}
		if err := txn.Set(msgKey(e.Channel, msg.Sequence), b.codec.Marshal(msg)); err != nil {
			return err
		}
		seq := binary.BigEndian.AppendUint64(nil, msg.Sequence)
		entry := badger.NewEntry(idKey(e.Channel, msg.BroadcastID), seq).WithTTL(b.opts.IDRetention)
		if err := txn.SetEntry(entry); err != nil {
			return err
		}
		if b.opts.MaxEntries > 0 && m.head-m.floor > uint64(b.opts.MaxEntries) {
			over = m.head - uint64(b.opts.MaxEntries)
		}
		return writeMeta(txn, e.Channel, m)
	})
	if err != nil {
		return Message{}, fmt.Errorf("append to %s: %w", e.Channel, err)
	}
	if duplicate {
		return msg, ErrDuplicate
	}

	if over > 0 {
		dropped, err := b.pruneLocked(e.Channel, over)
		if err != nil {
			b.logger.Warn("failed to trim outbox", zap.String("channel", e.Channel.String()), zap.Error(err))
		} else {
			b.logger.Debug("outbox over capacity, dropped oldest",
				zap.String("channel", e.Channel.String()),
				zap.Int("dropped", dropped),
			)
		}
	}
	return msg, nil
}

func (b *Badger) lookupID(txn *badger.Txn, ch channel.Channel, id string) (Message, bool, error) {
	item, err := txn.Get(idKey(ch, id))
	if errors.Is(err, badger.ErrKeyNotFound) {
		return Message{}, false, nil
	}
	if err != nil {
		return Message{}, false, err
	}
	raw, err := item.ValueCopy(nil)
	if err != nil {
		return Message{}, false, err
	}
	seq := binary.BigEndian.Uint64(raw)
	item, err = txn.Get(msgKey(ch, seq))
	if errors.Is(err, badger.ErrKeyNotFound) {
		// Pruned; the id alone still marks it as stored.
		return Message{Channel: ch, Sequence: seq, BroadcastID: id}, true, nil
	}
	if err != nil {
		return Message{}, false, err
	}
	var msg Message
	err = item.Value(func(val []byte) error {
		msg, err = b.codec.Unmarshal(val)
		return err
	})
	return msg, err == nil, err
}

func (b *Badger) ReadSince(ctx context.Context, ch channel.Channel, cursor uint64) ([]Message, error) {
	var out []Message
	err := b.db.View(func(txn *badger.Txn) error {
		m, err := readMeta(txn, ch)
		if err != nil {
			return err
		}
		if !m.found {
			return nil
		}
		if cursor < m.floor {
			return ErrResyncRequired
		}
		if cursor >= m.head {
			return nil
		}

		opts := badger.DefaultIteratorOptions
		opts.Prefix = msgPrefix(ch)
		it := txn.NewIterator(opts)
		defer it.Close()

		for it.Seek(msgKey(ch, cursor+1)); it.Valid(); it.Next() {
			if err := ctx.Err(); err != nil {
				return err
			}
			err := it.Item().Value(func(val []byte) error {
				msg, err := b.codec.Unmarshal(val)
				if err != nil {
					return err
				}
				out = append(out, msg)
				return nil
			})
			if err != nil {
				return fmt.Errorf("decode message: %w", err)
			}
		}
		return nil
	})
	if errors.Is(err, ErrResyncRequired) {
		return nil, err
	}
	if err != nil {
		return nil, fmt.Errorf("read %s: %w", ch, err)
	}
	return out, nil
}

func (b *Badger) Head(ctx context.Context, ch channel.Channel) (uint64, error) {
	var m meta
	err := b.db.View(func(txn *badger.Txn) error {
		var err error
		m, err = readMeta(txn, ch)
		return err
	})
	return m.head, err
}

func (b *Badger) Prune(ctx context.Context, ch channel.Channel, upTo uint64) (int, error) {
	mu := b.lock(ch)
	mu.Lock()
	defer mu.Unlock()
	return b.pruneLocked(ch, upTo)
}

// pruneLocked raises the floor first so readers see a consistent view, then
// deletes the entries below it in batches. Broadcast ids stay until their
// ttl runs out.
func (b *Badger) pruneLocked(ch channel.Channel, upTo uint64) (int, error) {
	var from uint64
	err := b.db.Update(func(txn *badger.Txn) error {
		m, err := readMeta(txn, ch)
		if err != nil {
			return err
		}
		if upTo > m.head {
			upTo = m.head
		}
		if upTo <= m.floor {
			upTo = 0
			return nil
		}
		from = m.floor + 1
		m.floor = upTo
		return writeMeta(txn, ch, m)
	})
	if err != nil || upTo == 0 {
		return 0, err
	}

	deleted := 0
	for seq := from; seq <= upTo; {
		end := min(seq+pruneBatch-1, upTo)
		err := b.db.Update(func(txn *badger.Txn) error {
			for s := seq; s <= end; s++ {
				_, err := txn.Get(msgKey(ch, s))
				if errors.Is(err, badger.ErrKeyNotFound) {
					continue
				}
				if err != nil {
					return err
				}
				if err := txn.Delete(msgKey(ch, s)); err != nil {
					return err
				}
				deleted++
			}
			return nil
		})
		if err != nil {
			return deleted, fmt.Errorf("prune %s: %w", ch, err)
		}
		seq = end + 1
	}
	return deleted, nil
}

func (b *Badger) Forget(ctx context.Context, ch channel.Channel, idleSince time.Time) (bool, error) {
	mu := b.lock(ch)
	mu.Lock()
	defer mu.Unlock()

	forgotten := false
	err := b.db.Update(func(txn *badger.Txn) error {
		m, err := readMeta(txn, ch)
		if err != nil || !m.found {
			return err
		}
		if m.head != m.floor || m.lastAppend > idleSince.UnixNano() {
			return nil
		}
		base, err := readUint64(txn, baseKey)
		if err != nil {
			return err
		}
		if m.head > base {
			if err := txn.Set(baseKey, binary.BigEndian.AppendUint64(nil, m.head)); err != nil {
				return err
			}
		}
		forgotten = true
		return txn.Delete(headKey(ch))
	})
	if err != nil {
		return false, fmt.Errorf("forget %s: %w", ch, err)
	}
	return forgotten, nil
}

func (b *Badger) Channels(ctx context.Context) ([]channel.Channel, error) {
	var out []channel.Channel
	err := b.db.View(func(txn *badger.Txn) error {
		opts := badger.DefaultIteratorOptions
		opts.Prefix = []byte("h/")
		opts.PrefetchValues = false
		it := txn.NewIterator(opts)
		defer it.Close()
		for it.Rewind(); it.Valid(); it.Next() {
			out = append(out, channel.Channel(it.Item().Key()[2:]))
		}
		return nil
	})
	sort.Slice(out, func(i, j int) bool { return out[i] < out[j] })
	return out, err
}

func (b *Badger) Close() error {
	b.codec.Close()
	return b.db.Close()
}
