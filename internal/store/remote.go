package store

import (
	"context"
	"errors"
	"fmt"
	"strconv"
	"strings"
	"time"

	"github.com/redis/go-redis/v9"
)

// casScript performs a compare-and-swap in one round trip: if
// expected is the empty string, KEYS[1] must not currently exist;
// otherwise KEYS[1] must hold exactly ARGV[1]. On match it is set to
// ARGV[2] with TTL ARGV[3] (0 means no expiry) and the script returns
// 1; otherwise it returns 0.
const casScript = `
local cur = redis.call("GET", KEYS[1])
local expected = ARGV[1]
local matches = false
if expected == "" then
  matches = (cur == false)
else
  matches = (cur == expected)
end
if not matches then
  return 0
end
if tonumber(ARGV[3]) > 0 then
  redis.call("SET", KEYS[1], ARGV[2], "PX", ARGV[3])
else
  redis.call("SET", KEYS[1], ARGV[2])
end
return 1
`

// RedisStore is the remote Store Backend, built on Redis Streams for
// pub/sub channels and native Redis primitives for everything else.
type RedisStore struct {
	client *redis.Client
	cas    *redis.Script
}

// RedisOptions configures a RedisStore.
type RedisOptions struct {
	Addr     string
	Username string
	Password string
	DB       int
	// DialTimeout bounds each connection attempt this client makes; the
	// auto-detection probe (Ping) takes its own timeout.
	DialTimeout time.Duration
}

// NewRedisStore dials addr and returns a ready RedisStore. It does not
// block on PING; callers that need the auto-detect probe should use
// Ping separately.
func NewRedisStore(opts RedisOptions) *RedisStore {
	client := redis.NewClient(&redis.Options{
		Addr:        opts.Addr,
		Username:    opts.Username,
		Password:    opts.Password,
		DB:          opts.DB,
		DialTimeout: opts.DialTimeout,
	})
	return &RedisStore{
		client: client,
		cas:    redis.NewScript(casScript),
	}
}

// Ping is the auto-detection probe: a short-timeout round trip used to
// decide whether the remote backend is reachable before falling back
// to file mode.
func Ping(ctx context.Context, addr, password string, timeout time.Duration) bool {
	pingCtx, cancel := context.WithTimeout(ctx, timeout)
	defer cancel()
	client := redis.NewClient(&redis.Options{Addr: addr, Password: password, DialTimeout: timeout})
	defer client.Close()
	return client.Ping(pingCtx).Err() == nil
}

func wrapRedisErr(err error) error {
	if err == nil {
		return nil
	}
	if errors.Is(err, redis.Nil) {
		return ErrNotFound
	}
	return fmt.Errorf("%w: %v", ErrStoreUnavailable, err)
}

// Publish appends to a Redis Stream named "pop:channel:<channel>", which
// also backs Subscribe via XREAD.
func (r *RedisStore) Publish(ctx context.Context, channel string, payload []byte) error {
	if channel == "" {
		return ErrInvalidKey
	}
	err := r.client.XAdd(ctx, &redis.XAddArgs{
		Stream: streamKeyForChannel(channel),
		MaxLen: 100,
		Approx: true,
		Values: map[string]interface{}{"data": payload},
	}).Err()
	return wrapRedisErr(err)
}

func streamKeyForChannel(channel string) string {
	return "pop:channel:" + channel
}

type redisSubscription struct {
	client  *redis.Client
	channel string
	lastID  string
}

// Subscribe returns an XREAD-based cursor over the channel's stream.
// The starting position is read from the "pop:cursor:<client>:<channel>"
// key, or "0" (the start of the stream) when that key is absent. The
// subscription never writes that key: it tracks its position in memory
// only, so a new Subscribe for the same client starts again from the
// stored cursor or from the start of the stream, not from the last
// message an earlier subscription returned.
func (r *RedisStore) Subscribe(ctx context.Context, channel, clientID string) (Subscription, error) {
	if channel == "" || clientID == "" {
		return nil, ErrInvalidKey
	}
	cursorKey := fmt.Sprintf("pop:cursor:%s:%s", clientID, channel)
	lastID, err := r.client.Get(ctx, cursorKey).Result()
	if err != nil && !errors.Is(err, redis.Nil) {
		return nil, wrapRedisErr(err)
	}
	if lastID == "" {
		lastID = "0"
	}
	return &redisSubscription{client: r.client, channel: channel, lastID: lastID}, nil
}

func (s *redisSubscription) Next(ctx context.Context) (Message, bool, error) {
	for {
		streams, err := s.client.XRead(ctx, &redis.XReadArgs{
			Streams: []string{streamKeyForChannel(s.channel), s.lastID},
			Count:   1,
			Block:   2 * time.Second,
		}).Result()
		if errors.Is(err, redis.Nil) {
			select {
			case <-ctx.Done():
				return Message{}, false, ctx.Err()
			default:
				continue
			}
		}
		if err != nil {
			return Message{}, false, wrapRedisErr(err)
		}
		if len(streams) == 0 || len(streams[0].Messages) == 0 {
			continue
		}
		entry := streams[0].Messages[0]
		s.lastID = entry.ID
		data, _ := entry.Values["data"].(string)
		return Message{Channel: s.channel, Data: []byte(data), Seq: redisSeqFromID(entry.ID)}, true, nil
	}
}

// Close releases nothing and does not interrupt a Next blocked in
// XREAD; such a Next returns only with a message or when its ctx is
// done.
func (s *redisSubscription) Close() error {
	return nil
}

// redisSeqFromID derives a monotonic Seq from a Redis Stream ID
// ("<ms>-<counter>") for callers that only care about ordering.
func redisSeqFromID(id string) uint64 {
	parts := strings.SplitN(id, "-", 2)
	if len(parts) != 2 {
		return 0
	}
	ms, _ := strconv.ParseUint(parts[0], 10, 64)
	ctr, _ := strconv.ParseUint(parts[1], 10, 64)
	return ms*1000 + ctr
}

func (r *RedisStore) Set(ctx context.Context, key string, value []byte, ttl time.Duration) error {
	if key == "" {
		return ErrInvalidKey
	}
	return wrapRedisErr(r.client.Set(ctx, key, value, ttl).Err())
}

func (r *RedisStore) Get(ctx context.Context, key string) ([]byte, error) {
	if key == "" {
		return nil, ErrInvalidKey
	}
	val, err := r.client.Get(ctx, key).Bytes()
	if err != nil {
		return nil, wrapRedisErr(err)
	}
	return val, nil
}

func (r *RedisStore) CAS(ctx context.Context, key string, expected, newValue []byte, ttl time.Duration) (bool, error) {
	if key == "" {
		return false, ErrInvalidKey
	}
	expectedStr := ""
	if expected != nil {
		expectedStr = string(expected)
	}
	ttlMs := int64(0)
	if ttl > 0 {
		ttlMs = ttl.Milliseconds()
	}
	res, err := r.cas.Run(ctx, r.client, []string{key}, expectedStr, string(newValue), ttlMs).Result()
	if err != nil {
		return false, wrapRedisErr(err)
	}
	n, _ := res.(int64)
	return n == 1, nil
}

func (r *RedisStore) Delete(ctx context.Context, key string) error {
	if key == "" {
		return ErrInvalidKey
	}
	return wrapRedisErr(r.client.Del(ctx, key).Err())
}

// Expire sets key's TTL via Redis PEXPIRE, which applies uniformly to a
// string, hash, or list key. ttl <= 0 removes any existing TTL.
func (r *RedisStore) Expire(ctx context.Context, key string, ttl time.Duration) error {
	if key == "" {
		return ErrInvalidKey
	}
	if ttl <= 0 {
		return wrapRedisErr(r.client.Persist(ctx, key).Err())
	}
	return wrapRedisErr(r.client.PExpire(ctx, key, ttl).Err())
}

func (r *RedisStore) HSet(ctx context.Context, name, field string, value []byte) error {
	if name == "" || field == "" {
		return ErrInvalidKey
	}
	return wrapRedisErr(r.client.HSet(ctx, name, field, value).Err())
}

func (r *RedisStore) HGet(ctx context.Context, name, field string) ([]byte, error) {
	if name == "" || field == "" {
		return nil, ErrInvalidKey
	}
	val, err := r.client.HGet(ctx, name, field).Bytes()
	if err != nil {
		return nil, wrapRedisErr(err)
	}
	return val, nil
}

func (r *RedisStore) HGetAll(ctx context.Context, name string) (map[string][]byte, error) {
	if name == "" {
		return nil, ErrInvalidKey
	}
	vals, err := r.client.HGetAll(ctx, name).Result()
	if err != nil {
		return nil, wrapRedisErr(err)
	}
	out := make(map[string][]byte, len(vals))
	for k, v := range vals {
		out[k] = []byte(v)
	}
	return out, nil
}

func (r *RedisStore) LPush(ctx context.Context, name string, value []byte) error {
	if name == "" {
		return ErrInvalidKey
	}
	return wrapRedisErr(r.client.LPush(ctx, name, value).Err())
}

func (r *RedisStore) RPop(ctx context.Context, name string) ([]byte, error) {
	if name == "" {
		return nil, ErrInvalidKey
	}
	val, err := r.client.RPop(ctx, name).Bytes()
	if err != nil {
		return nil, wrapRedisErr(err)
	}
	return val, nil
}

func (r *RedisStore) LRange(ctx context.Context, name string, start, stop int64) ([][]byte, error) {
	if name == "" {
		return nil, ErrInvalidKey
	}
	vals, err := r.client.LRange(ctx, name, start, stop).Result()
	if err != nil {
		return nil, wrapRedisErr(err)
	}
	out := make([][]byte, len(vals))
	for i, v := range vals {
		out[i] = []byte(v)
	}
	return out, nil
}

func (r *RedisStore) XAdd(ctx context.Context, stream string, value []byte) (string, error) {
	if stream == "" {
		return "", ErrInvalidKey
	}
	id, err := r.client.XAdd(ctx, &redis.XAddArgs{
		Stream: "pop:stream:" + stream,
		MaxLen: 1000,
		Approx: true,
		Values: map[string]interface{}{"data": value},
	}).Result()
	if err != nil {
		return "", wrapRedisErr(err)
	}
	return id, nil
}

func (r *RedisStore) XRange(ctx context.Context, stream string, count int64) ([]StreamEntry, error) {
	if stream == "" {
		return nil, ErrInvalidKey
	}
	key := "pop:stream:" + stream
	var msgs []redis.XMessage
	var err error
	if count > 0 {
		msgs, err = r.client.XRevRangeN(ctx, key, "+", "-", count).Result()
		if err == nil {
			for i, j := 0, len(msgs)-1; i < j; i, j = i+1, j-1 {
				msgs[i], msgs[j] = msgs[j], msgs[i]
			}
		}
	} else {
		msgs, err = r.client.XRange(ctx, key, "-", "+").Result()
	}
	if err != nil {
		return nil, wrapRedisErr(err)
	}
	out := make([]StreamEntry, len(msgs))
	for i, m := range msgs {
		data, _ := m.Values["data"].(string)
		out[i] = StreamEntry{ID: m.ID, Data: []byte(data)}
	}
	return out, nil
}

func (r *RedisStore) Close() error {
	return r.client.Close()
}
