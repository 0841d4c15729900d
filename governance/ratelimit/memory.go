package ratelimit

import (
	"context"
	"sync"
	"time"
)

type window struct {
	count   int
	resetAt time.Time
}

// MemoryLimiter 进程内固定窗口限流
type MemoryLimiter struct {
	mu      sync.Mutex
	windows map[string]*window
	size    time.Duration
	now     func() time.Time
}

// NewMemoryLimiter 创建内存限流器
func NewMemoryLimiter() *MemoryLimiter {
	return &MemoryLimiter{
		windows: make(map[string]*window),
		size:    Window,
		now:     time.Now,
	}
}

var _ Limiter = (*MemoryLimiter)(nil)

// current 返回用户当前有效窗口，过期窗口视为不存在。调用方持有 mu
func (l *MemoryLimiter) current(userID string, now time.Time) *window {
	w, ok := l.windows[userID]
	if !ok {
		return nil
	}
	if !now.Before(w.resetAt) {
		delete(l.windows, userID)
		return nil
	}
	return w
}

func (l *MemoryLimiter) Allow(_ context.Context, userID string, limit int) (Result, error) {
	if limit <= 0 {
		return unlimited(limit), nil
	}

	l.mu.Lock()
	defer l.mu.Unlock()

	now := l.now()
	w := l.current(userID, now)
	if w == nil {
		w = &window{resetAt: now.Add(l.size)}
		l.windows[userID] = w
	}

	res := Result{Limit: limit, ResetIn: w.resetAt.Sub(now)}
	if w.count >= limit {
		res.Count = w.count
		return res, nil
	}
	w.count++
	res.Allowed = true
	res.Count = w.count
	return res, nil
}

func (l *MemoryLimiter) Remaining(_ context.Context, userID string, limit int) (int, error) {
	if limit <= 0 {
		return 0, nil
	}
	l.mu.Lock()
	defer l.mu.Unlock()

	w := l.current(userID, l.now())
	if w == nil {
		return limit, nil
	}
	return max(limit-w.count, 0), nil
}
