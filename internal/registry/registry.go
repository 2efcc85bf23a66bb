package registry

import (
	"context"
	"errors"
	"time"

	"github.com/dgnsrekt/synchromesh/internal/channel"
)

var (
	ErrInvalidKey = errors.New("client id and channel are required")
	ErrNotFound   = errors.New("connection not found")
)

// Connection is one client's subscription to one channel.
type Connection struct {
	ClientID  string          `json:"client_id"`
	Channel   channel.Channel `json:"channel"`
	RootPath  string          `json:"root_path"`
	SessionID string          `json:"session_id"`
	UserID    string          `json:"user_id"`
	Cursor    uint64          `json:"cursor"`
	LastSeen  time.Time       `json:"last_seen"`
}

// Registry tracks active subscriptions and their cursors.
//
// Operations on one (client id, channel) pair are linearizable. Cursors only
// move forward.
type Registry interface {
	// Subscribe creates the connection, or refreshes an existing one without
	// touching its cursor. The stored connection is returned.
	Subscribe(ctx context.Context, conn Connection) (Connection, error)

	// Unsubscribe removes the connection. Missing connections are not an error.
	Unsubscribe(ctx context.Context, clientID string, ch channel.Channel) error

	// CursorFor returns the stored cursor, or 0 for an unknown pair.
	CursorFor(ctx context.Context, clientID string, ch channel.Channel) (uint64, error)

	// AdvanceCursor moves the cursor to pos if pos is ahead of it and returns
	// the cursor now stored. Returns ErrNotFound for an unknown pair.
	AdvanceCursor(ctx context.Context, clientID string, ch channel.Channel, pos uint64) (uint64, error)

	// ChannelsFor lists the channels a session is subscribed to as user.
	ChannelsFor(ctx context.Context, sessionID string, user channel.User) ([]channel.Channel, error)

	// Connections lists every connection held by a client.
	Connections(ctx context.Context, clientID string) ([]Connection, error)

	// MinCursor returns the smallest cursor registered on ch; ok is false
	// when nobody is subscribed.
	MinCursor(ctx context.Context, ch channel.Channel) (min uint64, ok bool, err error)

	// Evict drops connections not seen since before. Returns how many.
	Evict(ctx context.Context, before time.Time) (int, error)

	Close() error
}
