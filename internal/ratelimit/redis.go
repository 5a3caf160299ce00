package ratelimit

import (
	"context"
	"errors"
	"fmt"
	"strings"
	"time"

	"github.com/JeanDecroos/XMLPrompt-sub001/internal/storage"
	"github.com/redis/go-redis/v9"
)

// The whole increment-or-reset runs server side so concurrent requests can
// not both read the same count.
var fixedWindowScript = redis.NewScript(`
local raw = redis.call("HGET", KEYS[1], "window_start")
local start = nil
if raw then
  start = tonumber(raw)
end
local count
if start == nil or tonumber(ARGV[1]) - start >= tonumber(ARGV[2]) then
  start = tonumber(ARGV[3])
  redis.call("HSET", KEYS[1], "window_start", ARGV[3], "request_count", 1, "identifier_type", ARGV[4], "window_duration_seconds", ARGV[5])
  count = 1
else
  count = redis.call("HINCRBY", KEYS[1], "request_count", 1)
end
redis.call("PEXPIRE", KEYS[1], tonumber(ARGV[2]) * 2)
return {count, start}
`)

// RedisStore keeps counters in Redis hashes. Keys expire two windows after
// their last use; an expired key behaves exactly like an elapsed window.
type RedisStore struct {
	client *storage.RedisClient
	prefix string
}

func NewRedisStore(client *storage.RedisClient, prefix string) *RedisStore {
	return &RedisStore{
		client: client,
		prefix: strings.TrimSpace(prefix),
	}
}

func (s *RedisStore) Increment(ctx context.Context, key Key, window time.Duration, now time.Time) (Counter, error) {
	if s == nil || s.client == nil {
		return Counter{}, errors.New("rate limit redis: client not configured")
	}

	res, err := fixedWindowScript.Run(ctx, s.client, []string{s.buildKey(key)},
		now.UnixMilli(),
		window.Milliseconds(),
		AlignWindow(now, window).UnixMilli(),
		string(key.Type),
		int(window.Seconds()),
	).Slice()
	if err != nil {
		return Counter{}, err
	}
	if len(res) != 2 {
		return Counter{}, fmt.Errorf("rate limit redis: unexpected reply length %d", len(res))
	}

	count, okCount := res[0].(int64)
	start, okStart := res[1].(int64)
	if !okCount || !okStart {
		return Counter{}, errors.New("rate limit redis: unexpected response type")
	}
	return Counter{Count: int(count), WindowStart: time.UnixMilli(start).UTC()}, nil
}

func (s *RedisStore) buildKey(key Key) string {
	base := fmt.Sprintf("ratelimit:fixed:%s:%s:%s", key.Endpoint, key.Type, key.Identifier)
	if s.prefix == "" {
		return base
	}
	return s.prefix + ":" + base
}
