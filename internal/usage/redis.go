package usage

import (
	"context"
	"fmt"
	"log/slog"
	"time"

	"github.com/go-redis/redis/v8"
)

// reserveScript checks and increments one client window in a single round
// trip. Returns {allowed, start_ms, requests, tokens, exceeded} where
// exceeded is 0 none, 1 requests, 2 tokens.
var reserveScript = redis.NewScript(`
local now = tonumber(ARGV[1])
local length = tonumber(ARGV[2])
local rpm = tonumber(ARGV[3])
local tpm = tonumber(ARGV[4])
local tokens = tonumber(ARGV[5])

local cur = redis.call('HMGET', KEYS[1], 'start', 'req', 'tok')
local start = tonumber(cur[1])
local req = tonumber(cur[2]) or 0
local tok = tonumber(cur[3]) or 0
if (not start) or (now - start >= length) then
  start = now
  req = 0
  tok = 0
end

if rpm > 0 and req + 1 > rpm then
  return {0, start, req, tok, 1}
end
if tpm > 0 and tok + tokens > tpm then
  return {0, start, req, tok, 2}
end

req = req + 1
tok = tok + tokens
redis.call('HSET', KEYS[1], 'start', start, 'req', req, 'tok', tok)
redis.call('PEXPIRE', KEYS[1], length - (now - start))
return {1, start, req, tok, 0}
`)

// releaseScript undoes a reservation when the window it was made in is
// still current.
var releaseScript = redis.NewScript(`
local start = tonumber(redis.call('HGET', KEYS[1], 'start'))
if (not start) or start ~= tonumber(ARGV[1]) then
  return 0
end
local req = tonumber(redis.call('HGET', KEYS[1], 'req')) or 0
local tok = tonumber(redis.call('HGET', KEYS[1], 'tok')) or 0
req = req - 1
if req < 0 then req = 0 end
tok = tok - tonumber(ARGV[2])
if tok < 0 then tok = 0 end
redis.call('HSET', KEYS[1], 'req', req, 'tok', tok)
return 1
`)

// RedisStore shares client windows between agent replicas. Each window is a
// hash that expires with the window, so no sweeping is needed.
type RedisStore struct {
	client *redis.Client
	prefix string
	logger *slog.Logger
}

// NewRedisStore connects to the Redis server at url (redis://host:port/db)
// and verifies the connection.
func NewRedisStore(ctx context.Context, url, prefix string, logger *slog.Logger) (*RedisStore, error) {
	opts, err := redis.ParseURL(url)
	if err != nil {
		return nil, fmt.Errorf("failed to parse Redis URL: %w", err)
	}
	client := redis.NewClient(opts)

	pingCtx, cancel := context.WithTimeout(ctx, 5*time.Second)
	defer cancel()
	if err := client.Ping(pingCtx).Err(); err != nil {
		client.Close()
		return nil, fmt.Errorf("%w: failed to connect to Redis: %v", ErrStoreUnavailable, err)
	}
	return NewRedisStoreFromClient(client, prefix, logger), nil
}

// NewRedisStoreFromClient wraps an existing client.
func NewRedisStoreFromClient(client *redis.Client, prefix string, logger *slog.Logger) *RedisStore {
	if logger == nil {
		logger = slog.Default()
	}
	return &RedisStore{
		client: client,
		prefix: prefix,
		logger: logger.With("component", "usage.RedisStore"),
	}
}

func (s *RedisStore) Reserve(ctx context.Context, key string, tokens int, q Quota, now time.Time, length time.Duration) (Reservation, error) {
	vals, err := reserveScript.Run(ctx, s.client, []string{s.prefix + key},
		now.UnixMilli(), length.Milliseconds(), q.Requests, q.Tokens, tokens).Slice()
	if err != nil {
		return Reservation{}, fmt.Errorf("%w: reserve %s: %v", ErrStoreUnavailable, key, err)
	}
	if len(vals) != 5 {
		return Reservation{}, fmt.Errorf("%w: reserve %s: unexpected reply %v", ErrStoreUnavailable, key, vals)
	}

	n := make([]int64, len(vals))
	for i, v := range vals {
		iv, ok := v.(int64)
		if !ok {
			return Reservation{}, fmt.Errorf("%w: reserve %s: unexpected reply %v", ErrStoreUnavailable, key, vals)
		}
		n[i] = iv
	}

	res := Reservation{
		Allowed: n[0] == 1,
		Window: Window{
			Start:    time.UnixMilli(n[1]),
			Requests: int(n[2]),
			Tokens:   int(n[3]),
		},
	}
	switch n[4] {
	case 1:
		res.Exceeded = ExceededRequests
	case 2:
		res.Exceeded = ExceededTokens
	}
	return res, nil
}

func (s *RedisStore) Release(ctx context.Context, key string, start time.Time, tokens int) error {
	err := releaseScript.Run(ctx, s.client, []string{s.prefix + key},
		start.UnixMilli(), tokens).Err()
	if err != nil && err != redis.Nil {
		return fmt.Errorf("%w: release %s: %v", ErrStoreUnavailable, key, err)
	}
	return nil
}

// Cleanup is a no-op; Redis expires idle windows itself.
func (s *RedisStore) Cleanup(context.Context, time.Time, time.Duration) (int, error) {
	return 0, nil
}

// Flush removes the window of one client.
func (s *RedisStore) Flush(ctx context.Context, key string) error {
	if err := s.client.Del(ctx, s.prefix+key).Err(); err != nil {
		return fmt.Errorf("failed to flush window: %w", err)
	}
	return nil
}

func (s *RedisStore) Close() error {
	return s.client.Close()
}
