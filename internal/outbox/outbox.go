package outbox

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"time"

	"github.com/oklog/ulid/v2"

	"github.com/dgnsrekt/synchromesh/internal/channel"
)

var (
	// ErrResyncRequired means entries the reader has not consumed were
	// pruned. The reader must refresh its state and continue from Head.
	ErrResyncRequired = errors.New("messages were pruned; full refresh required")

	// ErrDuplicate is returned by Append when the broadcast id was already
	// stored on the channel. The existing message is returned with it; once
	// that message is pruned only its channel, sequence and id are known.
	ErrDuplicate = errors.New("broadcast already stored")

	ErrInvalidOperation = errors.New("invalid operation")
)

// Operation is the kind of change a message describes.
type Operation string

const (
	OpCreate  Operation = "create"
	OpUpdate  Operation = "update"
	OpDestroy Operation = "destroy"
)

func ParseOperation(s string) (Operation, error) {
	switch op := Operation(s); op {
	case OpCreate, OpUpdate, OpDestroy:
		return op, nil
	}
	return "", fmt.Errorf("%w: %q", ErrInvalidOperation, s)
}

// Message is one stored change event. Messages are immutable.
type Message struct {
	Channel     channel.Channel `json:"channel"`
	Sequence    uint64          `json:"sequence"`
	BroadcastID string          `json:"broadcast_id"`
	Operation   Operation       `json:"operation"`
	Payload     json.RawMessage `json:"payload"`
	CreatedAt   time.Time       `json:"created_at"`
}

// Entry is what callers hand to Append.
type Entry struct {
	Channel   channel.Channel
	Operation Operation
	Payload   json.RawMessage

	// BroadcastID is minted when empty. A caller-supplied id makes the
	// append idempotent.
	BroadcastID string
}

// Outbox is a per-channel, append-only log of change events.
type Outbox interface {
	// Append stores the entry under the channel's next sequence number.
	Append(ctx context.Context, e Entry) (Message, error)

	// ReadSince returns every message with a sequence greater than cursor,
	// in order. Returns ErrResyncRequired if some of them were pruned.
	ReadSince(ctx context.Context, ch channel.Channel, cursor uint64) ([]Message, error)

	// Head returns the last sequence assigned on ch, 0 if none.
	Head(ctx context.Context, ch channel.Channel) (uint64, error)

	// Prune drops messages with a sequence at or below upTo.
	Prune(ctx context.Context, ch channel.Channel, upTo uint64) (int, error)

	// Channels lists every channel the outbox holds state for.
	Channels(ctx context.Context) ([]channel.Channel, error)

	// Forget drops the state of ch when every message on it is pruned and
	// nothing was appended since idleSince. Sequences never restart: Head of
	// a forgotten channel, and the first sequence it is given again, are at
	// least the highest head any forgotten channel had. Broadcast ids are
	// remembered independently for Options.IDRetention.
	Forget(ctx context.Context, ch channel.Channel, idleSince time.Time) (bool, error)

	Close() error
}

// DefaultIDRetention is used when Options.IDRetention is zero.
const DefaultIDRetention = 24 * time.Hour

// Options are shared by every backend.
type Options struct {
	// MaxEntries caps each channel log; the oldest entries are pruned past
	// it. Zero means unbounded.
	MaxEntries int

	// IDRetention is how long a broadcast id is remembered for
	// deduplication. It is independent of message retention, so a
	// re-delivery after its message was pruned is still recognized.
	IDRetention time.Duration
}

func (o Options) withDefaults() Options {
	if o.IDRetention <= 0 {
		o.IDRetention = DefaultIDRetention
	}
	return o
}

// NewBroadcastID returns a fresh, time-ordered id.
func NewBroadcastID() string {
	return ulid.Make().String()
}

func validate(e Entry) error {
	if e.Channel == "" {
		return fmt.Errorf("%w: empty channel", channel.ErrInvalidChannel)
	}
	if _, err := ParseOperation(string(e.Operation)); err != nil {
		return err
	}
	if len(e.Payload) == 0 {
		return errors.New("empty payload")
	}
	return nil
}
