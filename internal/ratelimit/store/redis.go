package store

import (
	"context"
	"fmt"
	"time"

	"github.com/google/uuid"
	"github.com/redis/go-redis/v9"

	"trustcore/internal/ratelimit/models"
)

// slidingWindowScript trims the window, admits the request if there is room
// and reports {allowed, count, oldest_ms}. Running it as one script keeps
// the check and the insert atomic across server instances.
var slidingWindowScript = redis.NewScript(`
local key = KEYS[1]
local now = tonumber(ARGV[1])
local window = tonumber(ARGV[2])
local limit = tonumber(ARGV[3])

redis.call('ZREMRANGEBYSCORE', key, '-inf', now - window)
local count = redis.call('ZCARD', key)
local allowed = 0
if count < limit then
	redis.call('ZADD', key, now, ARGV[4])
	redis.call('PEXPIRE', key, window)
	count = count + 1
	allowed = 1
end

local oldest = redis.call('ZRANGE', key, 0, 0, 'WITHSCORES')
local oldestScore = now
if oldest[2] then
	oldestScore = tonumber(oldest[2])
end
return {allowed, count, oldestScore}
`)

// RedisStore shares counters between server instances with one sorted set
// per key, scored by request time in milliseconds.
type RedisStore struct {
	client *redis.Client
	now    func() time.Time
}

func NewRedis(client *redis.Client) *RedisStore {
	return &RedisStore{client: client, now: time.Now}
}

func (s *RedisStore) Allow(ctx context.Context, key string, limit models.Limit) (*models.Result, error) {
	now := s.now()
	res, err := slidingWindowScript.Run(ctx, s.client, []string{key},
		now.UnixMilli(),
		limit.Window.Milliseconds(),
		limit.Requests,
		uuid.NewString(),
	).Int64Slice()
	if err != nil {
		return nil, fmt.Errorf("sliding window check: %w", err)
	}
	if len(res) != 3 {
		return nil, fmt.Errorf("sliding window check: unexpected reply length %d", len(res))
	}

	resetAt := time.UnixMilli(res[2]).Add(limit.Window)
	if res[0] == 0 {
		return denied(limit.Requests, resetAt, now), nil
	}
	return &models.Result{
		Allowed:   true,
		Limit:     limit.Requests,
		Remaining: limit.Requests - int(res[1]),
		ResetAt:   resetAt,
	}, nil
}
