package outbox

import (
	"context"
	"errors"
	"fmt"
	"sort"
	"strconv"
	"time"

	"github.com/redis/go-redis/v9"
	"go.uber.org/zap"
	"google.golang.org/protobuf/encoding/protowire"

	"github.com/dgnsrekt/synchromesh/internal/channel"
	"github.com/dgnsrekt/synchromesh/internal/redisconn"
)

// Key layout, all under the configured prefix:
//
//	base               highest head of any forgotten channel
//	channels           set of channels with state
//	meta:{channel}     hash of head, floor and last (unix ms of the last append)
//	log:{channel}      zset of encoded records scored by sequence
//	id:{channel}:{id}  sequence of a broadcast id, expires after IDRetention
//
// Records are stored without their sequence; the score carries it.
var (
	appendScript = redis.NewScript(`
local existing = redis.call('GET', KEYS[3])
if existing then
  return {0, tonumber(existing)}
end
if redis.call('EXISTS', KEYS[1]) == 0 then
  local base = redis.call('GET', KEYS[5]) or '0'
  redis.call('HSET', KEYS[1], 'head', base, 'floor', base)
end
local seq = redis.call('HINCRBY', KEYS[1], 'head', 1)
redis.call('HSET', KEYS[1], 'last', ARGV[2])
redis.call('ZADD', KEYS[2], seq, ARGV[1])
redis.call('SET', KEYS[3], seq, 'PX', ARGV[3])
redis.call('SADD', KEYS[4], ARGV[5])
local max = tonumber(ARGV[4])
if max > 0 then
  local floor = tonumber(redis.call('HGET', KEYS[1], 'floor'))
  if seq - floor > max then
    redis.call('ZREMRANGEBYSCORE', KEYS[2], '-inf', seq - max)
    redis.call('HSET', KEYS[1], 'floor', seq - max)
  end
end
return {1, seq}
`)

	readScript = redis.NewScript(`
if redis.call('EXISTS', KEYS[1]) == 0 then
  return {}
end
local floor = tonumber(redis.call('HGET', KEYS[1], 'floor'))
if tonumber(ARGV[1]) < floor then
  return -1
end
return redis.call('ZRANGEBYSCORE', KEYS[2], '(' .. ARGV[1], '+inf', 'WITHSCORES')
`)

	pruneScript = redis.NewScript(`
if redis.call('EXISTS', KEYS[1]) == 0 then
  return 0
end
local head = tonumber(redis.call('HGET', KEYS[1], 'head'))
local floor = tonumber(redis.call('HGET', KEYS[1], 'floor'))
local upTo = tonumber(ARGV[1])
if upTo > head then
  upTo = head
end
if upTo <= floor then
  return 0
end
redis.call('ZREMRANGEBYSCORE', KEYS[2], '-inf', upTo)
redis.call('HSET', KEYS[1], 'floor', upTo)
return upTo - floor
`)

	forgetScript = redis.NewScript(`
if redis.call('EXISTS', KEYS[1]) == 0 then
  return 0
end
local head = tonumber(redis.call('HGET', KEYS[1], 'head'))
local floor = tonumber(redis.call('HGET', KEYS[1], 'floor'))
local last = tonumber(redis.call('HGET', KEYS[1], 'last') or '0')
if head ~= floor or last > tonumber(ARGV[1]) then
  return 0
end
local base = tonumber(redis.call('GET', KEYS[3]) or '0')
if head > base then
  redis.call('SET', KEYS[3], head)
end
redis.call('DEL', KEYS[1], KEYS[2])
redis.call('SREM', KEYS[4], ARGV[2])
return 1
`)
)

// Redis is an Outbox shared by every process pointed at the same server.
// Each operation runs as one script, so sequences stay gapless across
// processes.
type Redis struct {
	client *redis.Client
	codec  *Codec
	prefix string
	opts   Options
	now    func() time.Time
	logger *zap.Logger
}

var _ Outbox = (*Redis)(nil)

// ConnectRedis dials url and returns an outbox on it.
func ConnectRedis(ctx context.Context, url, prefix string, opts Options, logger *zap.Logger) (*Redis, error) {
	client, err := redisconn.Dial(ctx, url, logger)
	if err != nil {
		return nil, err
	}
	r, err := NewRedis(client, prefix, opts, logger)
	if err != nil {
		_ = client.Close()
		return nil, err
	}
	return r, nil
}

func NewRedis(client *redis.Client, prefix string, opts Options, logger *zap.Logger) (*Redis, error) {
	codec, err := NewCodec(1024)
	if err != nil {
		return nil, err
	}
	if prefix == "" {
		prefix = "synchromesh:outbox"
	}
	return &Redis{
		client: client,
		codec:  codec,
		prefix: prefix + ":",
		opts:   opts.withDefaults(),
		now:    time.Now,
		logger: logger,
	}, nil
}

func (r *Redis) metaKey(ch channel.Channel) string { return r.prefix + "meta:" + string(ch) }
func (r *Redis) logKey(ch channel.Channel) string { return r.prefix + "log:" + string(ch) }
func (r *Redis) idKey(ch channel.Channel, id string) string {
	return r.prefix + "id:" + string(ch) + ":" + id
}
func (r *Redis) baseKey() string { return r.prefix + "base" }
func (r *Redis) channelsKey() string { return r.prefix + "channels" }

// decode restores a record read from a log, appending the sequence from its
// score. Later fields win on the wire, so it replaces the stored zero.
func (r *Redis) decode(record string, seq uint64) (Message, error) {
	b := []byte(record)
	b = protowire.AppendTag(b, fieldSequence, protowire.VarintType)
	b = protowire.AppendVarint(b, seq)
	return r.codec.Unmarshal(b)
}

func (r *Redis) Append(ctx context.Context, e Entry) (Message, error) {
	if err := validate(e); err != nil {
		return Message{}, err
	}
	if e.BroadcastID == "" {
		e.BroadcastID = NewBroadcastID()
	}
	now := r.now()
	msg := Message{
		Channel:     e.Channel,
		BroadcastID: e.BroadcastID,
		Operation:   e.Operation,
		Payload:     append([]byte(nil), e.Payload...),
		CreatedAt:   now,
	}

	keys := []string{
		r.metaKey(e.Channel),
		r.logKey(e.Channel),
		r.idKey(e.Channel, e.BroadcastID),
		r.channelsKey(),
		r.baseKey(),
	}
	res, err := appendScript.Run(ctx, r.client, keys,
		string(r.codec.Marshal(msg)),
		strconv.FormatInt(now.UnixMilli(), 10),
		strconv.FormatInt(r.opts.IDRetention.Milliseconds(), 10),
		strconv.Itoa(r.opts.MaxEntries),
		string(e.Channel),
	).Int64Slice()
	if err != nil {
		return Message{}, fmt.Errorf("append to %s: %w", e.Channel, err)
	}
	if len(res) != 2 {
		return Message{}, fmt.Errorf("append to %s: unexpected reply %v", e.Channel, res)
	}

	seq := uint64(res[1])
	if res[0] == 0 {
		return r.stored(ctx, e.Channel, e.BroadcastID, seq)
	}
	msg.Sequence = seq
	return msg, nil
}

// stored returns the message a duplicate id points at, or its identity
// alone once it was pruned.
func (r *Redis) stored(ctx context.Context, ch channel.Channel, id string, seq uint64) (Message, error) {
	s := strconv.FormatUint(seq, 10)
	records, err := r.client.ZRangeByScore(ctx, r.logKey(ch), &redis.ZRangeBy{Min: s, Max: s}).Result()
	if err != nil {
		return Message{}, fmt.Errorf("read duplicate on %s: %w", ch, err)
	}
	if len(records) == 0 {
		return Message{Channel: ch, Sequence: seq, BroadcastID: id}, ErrDuplicate
	}
	msg, err := r.decode(records[0], seq)
	if err != nil {
		return Message{}, fmt.Errorf("decode message: %w", err)
	}
	return msg, ErrDuplicate
}

func (r *Redis) ReadSince(ctx context.Context, ch channel.Channel, cursor uint64) ([]Message, error) {
	res, err := readScript.Run(ctx, r.client, []string{r.metaKey(ch), r.logKey(ch)},
		strconv.FormatUint(cursor, 10),
	).Result()
	if err != nil {
		return nil, fmt.Errorf("read %s: %w", ch, err)
	}

	var pairs []interface{}
	switch v := res.(type) {
	case int64:
		return nil, ErrResyncRequired
	case []interface{}:
		pairs = v
	default:
		return nil, fmt.Errorf("read %s: unexpected reply %T", ch, res)
	}

	out := make([]Message, 0, len(pairs)/2)
	for i := 0; i+1 < len(pairs); i += 2 {
		record, _ := pairs[i].(string)
		score, _ := pairs[i+1].(string)
		seq, err := strconv.ParseFloat(score, 64)
		if err != nil {
			return nil, fmt.Errorf("read %s: bad score %q", ch, score)
		}
		msg, err := r.decode(record, uint64(seq))
		if err != nil {
			return nil, fmt.Errorf("decode message: %w", err)
		}
		out = append(out, msg)
	}
	return out, nil
}

func (r *Redis) Head(ctx context.Context, ch channel.Channel) (uint64, error) {
	head, err := r.client.HGet(ctx, r.metaKey(ch), "head").Uint64()
	if errors.Is(err, redis.Nil) {
		head, err = r.client.Get(ctx, r.baseKey()).Uint64()
		if errors.Is(err, redis.Nil) {
			return 0, nil
		}
	}
	if err != nil {
		return 0, fmt.Errorf("head of %s: %w", ch, err)
	}
	return head, nil
}

func (r *Redis) Prune(ctx context.Context, ch channel.Channel, upTo uint64) (int, error) {
	n, err := pruneScript.Run(ctx, r.client, []string{r.metaKey(ch), r.logKey(ch)},
		strconv.FormatUint(upTo, 10),
	).Int()
	if err != nil {
		return 0, fmt.Errorf("prune %s: %w", ch, err)
	}
	return n, nil
}

func (r *Redis) Forget(ctx context.Context, ch channel.Channel, idleSince time.Time) (bool, error) {
	keys := []string{r.metaKey(ch), r.logKey(ch), r.baseKey(), r.channelsKey()}
	n, err := forgetScript.Run(ctx, r.client, keys,
		strconv.FormatInt(idleSince.UnixMilli(), 10),
		string(ch),
	).Int()
	if err != nil {
		return false, fmt.Errorf("forget %s: %w", ch, err)
	}
	return n == 1, nil
}

func (r *Redis) Channels(ctx context.Context) ([]channel.Channel, error) {
	names, err := r.client.SMembers(ctx, r.channelsKey()).Result()
	if err != nil {
		return nil, fmt.Errorf("list channels: %w", err)
	}
	out := make([]channel.Channel, len(names))
	for i, n := range names {
		out[i] = channel.Channel(n)
	}
	sort.Slice(out, func(i, j int) bool { return out[i] < out[j] })
	return out, nil
}

func (r *Redis) Close() error {
	r.codec.Close()
	return r.client.Close()
}
