// Package ratelimit 提供按用户的小时级固定窗口限流。
//
// RedisLimiter 通过 Lua 脚本原子地完成「检查-递增-设置过期」，适用于多实例部署；
// MemoryLimiter 用于单进程部署与测试。
package ratelimit

import (
	"context"
	"fmt"
	"time"

	"github.com/BaSui01/guardflow/types"
)

// Window 固定窗口长度
const Window = time.Hour

// KeyPrefix Redis 计数键前缀
const KeyPrefix = "rate_limit:"

// Key 返回用户的计数键
func Key(userID string) string {
	return KeyPrefix + userID
}

// Result 一次限流判定
type Result struct {
	Allowed bool
	// Count 本次判定后的窗口内计数
	Count int
	Limit int
	// ResetIn 距窗口结束的时间，未知时为 0
	ResetIn time.Duration
	// Degraded 后端不可用时放行
	Degraded bool
}

// Err 拒绝时返回 RATE_LIMITED 错误
func (r Result) Err() error {
	if r.Allowed {
		return nil
	}
	return types.NewRateLimitedError(fmt.Sprintf("Rate limit exceeded. Max %d requests per hour", r.Limit))
}

// Limiter 用户级小时限流器。limit ≤ 0 表示不限制。
type Limiter interface {
	// Allow 计数未达上限时递增并放行，否则拒绝且不递增
	Allow(ctx context.Context, userID string, limit int) (Result, error)
	// Remaining 返回当前窗口的剩余次数
	Remaining(ctx context.Context, userID string, limit int) (int, error)
}

func unlimited(limit int) Result {
	return Result{Allowed: true, Limit: limit}
}
