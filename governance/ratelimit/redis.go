package ratelimit

import (
	"context"
	"errors"
	"strconv"
	"time"

	"github.com/redis/go-redis/v9"
	"go.uber.org/zap"
)

// KEYS[1] 计数键，ARGV[1] 上限，ARGV[2] 窗口秒数。
// 返回 {allowed, count, ttl}
var allowScript = redis.NewScript(`
	local key = KEYS[1]
	local limit = tonumber(ARGV[1])
	local window = tonumber(ARGV[2])

	local current = tonumber(redis.call('GET', key) or '0')
	if current >= limit then
		return {0, current, redis.call('TTL', key)}
	end

	current = redis.call('INCR', key)
	if current == 1 then
		redis.call('EXPIRE', key, window)
	end
	return {1, current, redis.call('TTL', key)}
`)

// RedisLimiter 基于 Redis 的固定窗口限流，Redis 故障时放行
type RedisLimiter struct {
	rdb    redis.UniversalClient
	window time.Duration
	logger *zap.Logger
}

// NewRedisLimiter 创建 Redis 限流器
func NewRedisLimiter(rdb redis.UniversalClient, logger *zap.Logger) *RedisLimiter {
	if logger == nil {
		logger = zap.NewNop()
	}
	return &RedisLimiter{
		rdb:    rdb,
		window: Window,
		logger: logger.With(zap.String("component", "ratelimit")),
	}
}

var _ Limiter = (*RedisLimiter)(nil)

func (l *RedisLimiter) Allow(ctx context.Context, userID string, limit int) (Result, error) {
	if limit <= 0 {
		return unlimited(limit), nil
	}

	vals, err := allowScript.Run(ctx, l.rdb, []string{Key(userID)}, limit, int(l.window.Seconds())).Int64Slice()
	if err != nil || len(vals) != 3 {
		if err == nil {
			err = errors.New("unexpected script reply")
		}
		l.logger.Warn("rate limit check failed, allowing request",
			zap.String("user_id", userID),
			zap.Error(err))
		return Result{Allowed: true, Limit: limit, Degraded: true}, nil
	}

	res := Result{
		Allowed: vals[0] == 1,
		Count:   int(vals[1]),
		Limit:   limit,
	}
	if vals[2] > 0 {
		res.ResetIn = time.Duration(vals[2]) * time.Second
	}
	if !res.Allowed {
		l.logger.Info("rate limit exceeded",
			zap.String("user_id", userID),
			zap.Int("count", res.Count),
			zap.Int("limit", limit))
	}
	return res, nil
}

func (l *RedisLimiter) Remaining(ctx context.Context, userID string, limit int) (int, error) {
	if limit <= 0 {
		return 0, nil
	}
	val, err := l.rdb.Get(ctx, Key(userID)).Result()
	if errors.Is(err, redis.Nil) {
		return limit, nil
	}
	if err != nil {
		return 0, err
	}
	n, err := strconv.Atoi(val)
	if err != nil {
		return 0, err
	}
	return max(limit-n, 0), nil
}
