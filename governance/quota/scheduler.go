package quota

import (
	"context"
	"sync"
	"time"

	"go.uber.org/zap"
)

// Resetter 清零日/月用量计数
type Resetter interface {
	ResetDaily(ctx context.Context) (int64, error)
	ResetMonthly(ctx context.Context) (int64, error)
}

var _ Resetter = (*Governor)(nil)

// ResetScheduler 按 UTC 日历边界触发用量清零。
// 每个检查周期比较当前日期与上次观察到的日期，跨日清零日用量，跨月再清零月用量。
// 清零失败时保留旧的边界，下个周期重试。
type ResetScheduler struct {
	resetter Resetter
	interval time.Duration
	logger   *zap.Logger
	now      func() time.Time

	mu        sync.Mutex
	lastDay   time.Time
	lastMonth time.Time
}

// SchedulerOption 配置 ResetScheduler
type SchedulerOption func(*ResetScheduler)

// WithClock 替换时钟，测试用
func WithClock(now func() time.Time) SchedulerOption {
	return func(s *ResetScheduler) { s.now = now }
}

// NewResetScheduler 创建调度器，以创建时刻所在的日与月为起点
func NewResetScheduler(r Resetter, interval time.Duration, logger *zap.Logger, opts ...SchedulerOption) *ResetScheduler {
	if logger == nil {
		logger = zap.NewNop()
	}
	if interval <= 0 {
		interval = time.Minute
	}
	s := &ResetScheduler{
		resetter: r,
		interval: interval,
		logger:   logger.With(zap.String("component", "quota_reset")),
		now:      time.Now,
	}
	for _, opt := range opts {
		opt(s)
	}
	now := s.now().UTC()
	s.lastDay = startOfDay(now)
	s.lastMonth = startOfMonth(now)
	return s
}

// Run 阻塞运行直到 ctx 结束
func (s *ResetScheduler) Run(ctx context.Context) error {
	ticker := time.NewTicker(s.interval)
	defer ticker.Stop()

	s.logger.Info("quota reset scheduler started", zap.Duration("interval", s.interval))
	for {
		select {
		case <-ctx.Done():
			return ctx.Err()
		case <-ticker.C:
			s.Tick(ctx)
		}
	}
}

// Tick 执行一次边界检查
func (s *ResetScheduler) Tick(ctx context.Context) {
	s.mu.Lock()
	defer s.mu.Unlock()

	now := s.now().UTC()
	if day := startOfDay(now); day.After(s.lastDay) {
		if _, err := s.resetter.ResetDaily(ctx); err != nil {
			s.logger.Error("daily reset failed", zap.Error(err))
			return
		}
		s.lastDay = day
	}
	if month := startOfMonth(now); month.After(s.lastMonth) {
		if _, err := s.resetter.ResetMonthly(ctx); err != nil {
			s.logger.Error("monthly reset failed", zap.Error(err))
			return
		}
		s.lastMonth = month
	}
}

func startOfDay(t time.Time) time.Time {
	return time.Date(t.Year(), t.Month(), t.Day(), 0, 0, 0, 0, time.UTC)
}

func startOfMonth(t time.Time) time.Time {
	return time.Date(t.Year(), t.Month(), 1, 0, 0, 0, 0, time.UTC)
}
