package registry

import (
	"context"
	"errors"
	"fmt"
	"sort"
	"strconv"
	"strings"
	"time"

	"github.com/redis/go-redis/v9"
	"go.uber.org/zap"

	"github.com/dgnsrekt/synchromesh/internal/channel"
	"github.com/dgnsrekt/synchromesh/internal/redisconn"
)

// Key layout, all under the configured prefix:
//
//	conn:{client}\n{channel}  hash of one connection
//	client:{client}           set of channels
//	channel:{channel}         set of client ids
//	session:{session}         set of {client}\n{channel}
//	seen                      zset of {client}\n{channel} scored by last seen (ms)
var (
	subscribeScript = redis.NewScript(`
redis.call('HSETNX', KEYS[1], 'cursor', ARGV[6])
redis.call('HSET', KEYS[1], 'client_id', ARGV[1], 'channel', ARGV[2], 'root_path', ARGV[3],
  'session_id', ARGV[4], 'user_id', ARGV[5], 'last_seen', ARGV[7])
redis.call('SADD', KEYS[2], ARGV[2])
redis.call('SADD', KEYS[3], ARGV[1])
redis.call('SADD', KEYS[4], ARGV[8])
redis.call('ZADD', KEYS[5], ARGV[7], ARGV[8])
return redis.call('HGET', KEYS[1], 'cursor')
`)

	advanceScript = redis.NewScript(`
if redis.call('EXISTS', KEYS[1]) == 0 then
  return -1
end
local cur = tonumber(redis.call('HGET', KEYS[1], 'cursor'))
local pos = tonumber(ARGV[1])
if pos > cur then
  redis.call('HSET', KEYS[1], 'cursor', ARGV[1])
  cur = pos
end
redis.call('HSET', KEYS[1], 'last_seen', ARGV[2])
redis.call('ZADD', KEYS[2], ARGV[2], ARGV[3])
return cur
`)

	unsubscribeScript = redis.NewScript(`
local session = redis.call('HGET', KEYS[1], 'session_id')
redis.call('DEL', KEYS[1])
redis.call('SREM', KEYS[2], ARGV[2])
redis.call('SREM', KEYS[3], ARGV[1])
redis.call('ZREM', KEYS[4], ARGV[3])
if session then
  redis.call('SREM', ARGV[4] .. session, ARGV[3])
end
return 1
`)
)

// Redis is a Registry shared by every process pointed at the same server.
type Redis struct {
	client *redis.Client
	prefix string
	now    func() time.Time
	logger *zap.Logger
}

var _ Registry = (*Redis)(nil)

// ConnectRedis dials url and returns a registry on it.
func ConnectRedis(ctx context.Context, url, prefix string, logger *zap.Logger) (*Redis, error) {
	client, err := redisconn.Dial(ctx, url, logger)
	if err != nil {
		return nil, err
	}
	return NewRedis(client, prefix, logger), nil
}

func NewRedis(client *redis.Client, prefix string, logger *zap.Logger) *Redis {
	if prefix == "" {
		prefix = "synchromesh"
	}
	return &Redis{client: client, prefix: prefix + ":", now: time.Now, logger: logger}
}

func member(clientID string, ch channel.Channel) string {
	return clientID + "\n" + string(ch)
}

func (r *Redis) connKey(clientID string, ch channel.Channel) string {
	return r.prefix + "conn:" + member(clientID, ch)
}
func (r *Redis) clientKey(clientID string) string { return r.prefix + "client:" + clientID }
func (r *Redis) channelKey(ch channel.Channel) string { return r.prefix + "channel:" + string(ch) }
func (r *Redis) sessionKey(sessionID string) string { return r.prefix + "session:" + sessionID }
func (r *Redis) seenKey() string { return r.prefix + "seen" }
func (r *Redis) millis() string { return strconv.FormatInt(r.now().UnixMilli(), 10) }

func (r *Redis) Subscribe(ctx context.Context, conn Connection) (Connection, error) {
	if conn.ClientID == "" || conn.Channel == "" {
		return Connection{}, ErrInvalidKey
	}
	now := r.now()
	keys := []string{
		r.connKey(conn.ClientID, conn.Channel),
		r.clientKey(conn.ClientID),
		r.channelKey(conn.Channel),
		r.sessionKey(conn.SessionID),
		r.seenKey(),
	}
	cursor, err := subscribeScript.Run(ctx, r.client, keys,
		conn.ClientID, string(conn.Channel), conn.RootPath, conn.SessionID, conn.UserID,
		strconv.FormatUint(conn.Cursor, 10), strconv.FormatInt(now.UnixMilli(), 10),
		member(conn.ClientID, conn.Channel),
	).Text()
	if err != nil {
		return Connection{}, fmt.Errorf("redis subscribe: %w", err)
	}
	stored := conn
	stored.LastSeen = now
	stored.Cursor, err = strconv.ParseUint(cursor, 10, 64)
	if err != nil {
		return Connection{}, fmt.Errorf("redis subscribe: bad cursor %q: %w", cursor, err)
	}
	return stored, nil
}

func (r *Redis) Unsubscribe(ctx context.Context, clientID string, ch channel.Channel) error {
	keys := []string{r.connKey(clientID, ch), r.clientKey(clientID), r.channelKey(ch), r.seenKey()}
	err := unsubscribeScript.Run(ctx, r.client, keys,
		clientID, string(ch), member(clientID, ch), r.prefix+"session:",
	).Err()
	if err != nil {
		return fmt.Errorf("redis unsubscribe: %w", err)
	}
	return nil
}

func (r *Redis) CursorFor(ctx context.Context, clientID string, ch channel.Channel) (uint64, error) {
	v, err := r.client.HGet(ctx, r.connKey(clientID, ch), "cursor").Uint64()
	if errors.Is(err, redis.Nil) {
		return 0, nil
	}
	if err != nil {
		return 0, fmt.Errorf("redis cursor: %w", err)
	}
	return v, nil
}

func (r *Redis) AdvanceCursor(ctx context.Context, clientID string, ch channel.Channel, pos uint64) (uint64, error) {
	keys := []string{r.connKey(clientID, ch), r.seenKey()}
	cur, err := advanceScript.Run(ctx, r.client, keys,
		strconv.FormatUint(pos, 10), r.millis(), member(clientID, ch),
	).Int64()
	if err != nil {
		return 0, fmt.Errorf("redis advance: %w", err)
	}
	if cur < 0 {
		return 0, ErrNotFound
	}
	return uint64(cur), nil
}

// load fetches the hashes behind members; vanished members are skipped.
func (r *Redis) load(ctx context.Context, members []string) ([]Connection, error) {
	if len(members) == 0 {
		return nil, nil
	}
	cmds := make([]*redis.MapStringStringCmd, len(members))
	_, err := r.client.Pipelined(ctx, func(p redis.Pipeliner) error {
		for i, m := range members {
			cmds[i] = p.HGetAll(ctx, r.prefix+"conn:"+m)
		}
		return nil
	})
	if err != nil {
		return nil, fmt.Errorf("redis load: %w", err)
	}

	out := make([]Connection, 0, len(members))
	for _, cmd := range cmds {
		h := cmd.Val()
		if len(h) == 0 {
			continue
		}
		cursor, _ := strconv.ParseUint(h["cursor"], 10, 64)
		seen, _ := strconv.ParseInt(h["last_seen"], 10, 64)
		out = append(out, Connection{
			ClientID:  h["client_id"],
			Channel:   channel.Channel(h["channel"]),
			RootPath:  h["root_path"],
			SessionID: h["session_id"],
			UserID:    h["user_id"],
			Cursor:    cursor,
			LastSeen:  time.UnixMilli(seen),
		})
	}
	return out, nil
}

func (r *Redis) ChannelsFor(ctx context.Context, sessionID string, user channel.User) ([]channel.Channel, error) {
	members, err := r.client.SMembers(ctx, r.sessionKey(sessionID)).Result()
	if err != nil {
		return nil, fmt.Errorf("redis channels: %w", err)
	}
	conns, err := r.load(ctx, members)
	if err != nil {
		return nil, err
	}

	set := make(map[channel.Channel]struct{})
	for _, c := range conns {
		// Session sets are cleaned lazily; trust the hash.
		if c.SessionID == sessionID && c.UserID == user.ID {
			set[c.Channel] = struct{}{}
		}
	}
	out := make([]channel.Channel, 0, len(set))
	for ch := range set {
		out = append(out, ch)
	}
	sort.Slice(out, func(i, j int) bool { return out[i] < out[j] })
	return out, nil
}

func (r *Redis) Connections(ctx context.Context, clientID string) ([]Connection, error) {
	channels, err := r.client.SMembers(ctx, r.clientKey(clientID)).Result()
	if err != nil {
		return nil, fmt.Errorf("redis connections: %w", err)
	}
	members := make([]string, len(channels))
	for i, ch := range channels {
		members[i] = member(clientID, channel.Channel(ch))
	}
	conns, err := r.load(ctx, members)
	if err != nil {
		return nil, err
	}
	sort.Slice(conns, func(i, j int) bool { return conns[i].Channel < conns[j].Channel })
	return conns, nil
}

func (r *Redis) MinCursor(ctx context.Context, ch channel.Channel) (uint64, bool, error) {
	clients, err := r.client.SMembers(ctx, r.channelKey(ch)).Result()
	if err != nil {
		return 0, false, fmt.Errorf("redis min cursor: %w", err)
	}
	members := make([]string, len(clients))
	for i, c := range clients {
		members[i] = member(c, ch)
	}
	conns, err := r.load(ctx, members)
	if err != nil {
		return 0, false, err
	}
	if len(conns) == 0 {
		return 0, false, nil
	}
	min := conns[0].Cursor
	for _, c := range conns[1:] {
		if c.Cursor < min {
			min = c.Cursor
		}
	}
	return min, true, nil
}

func (r *Redis) Evict(ctx context.Context, before time.Time) (int, error) {
	stale, err := r.client.ZRangeByScore(ctx, r.seenKey(), &redis.ZRangeBy{
		Min: "-inf",
		Max: "(" + strconv.FormatInt(before.UnixMilli(), 10),
	}).Result()
	if err != nil {
		return 0, fmt.Errorf("redis evict: %w", err)
	}
	for _, m := range stale {
		clientID, ch, ok := strings.Cut(m, "\n")
		if !ok {
			continue
		}
		if err := r.Unsubscribe(ctx, clientID, channel.Channel(ch)); err != nil {
			return 0, err
		}
	}
	if len(stale) > 0 {
		r.logger.Info("evicted idle connections", zap.Int("count", len(stale)))
	}
	return len(stale), nil
}

func (r *Redis) Close() error {
	return r.client.Close()
}
