// Package anomaly 在成功的上游交互之后检查用量异常并产生告警。
//
// 历史统计并发读取；告警异步写入告警存储，严重（critical）告警会同步封禁用户。
package anomaly

import (
	"context"
	"errors"
	"fmt"
	"time"

	"github.com/google/uuid"
	"go.uber.org/zap"
	"golang.org/x/sync/errgroup"

	"github.com/BaSui01/guardflow/internal/pool"
	"github.com/BaSui01/guardflow/store"
	"github.com/BaSui01/guardflow/types"
)

// Config 触发阈值
type Config struct {
	// 单次大请求：tokens > max(LargeMultiplier × 平均值, LargeFloor)
	LargeMultiplier float64
	LargeFloor      int
	// 无历史时使用的平均值
	DefaultAverage float64
	AverageWindow  time.Duration

	// 近 RecentWindow 内超过 LargeRequestTokens 的请求达到 RepeatedLargeCount 次
	LargeRequestTokens int
	RepeatedLargeCount int64
	// 近 RecentWindow 内累计超过 RapidTokens
	RapidTokens  int64
	RecentWindow time.Duration
}

// DefaultConfig 默认阈值
func DefaultConfig() Config {
	return Config{
		LargeMultiplier:    10,
		LargeFloor:         2000,
		DefaultAverage:     100,
		AverageWindow:      30 * 24 * time.Hour,
		LargeRequestTokens: 1000,
		RepeatedLargeCount: 5,
		RapidTokens:        5000,
		RecentWindow:       time.Hour,
	}
}

const (
	DefaultActiveLimit  = 50
	DefaultForUserLimit = 20
)

// Submitter 异步任务提交，由 internal/pool 实现
type Submitter interface {
	Submit(name string, task pool.Task) error
}

// AlertSink 告警的附加写入目标（如归档）
type AlertSink interface {
	SaveAlert(ctx context.Context, alert *types.Alert) error
}

// Option 引擎选项
type Option func(*Engine)

// WithAsync 使用后台任务池写入告警；未设置时同步写入
func WithAsync(s Submitter) Option {
	return func(e *Engine) { e.async = s }
}

// WithMirror 告警同时写入附加目标
func WithMirror(sinks ...AlertSink) Option {
	return func(e *Engine) { e.mirrors = append(e.mirrors, sinks...) }
}

// WithAlertHook 每条告警产生时回调
func WithAlertHook(fn func(types.Alert)) Option {
	return func(e *Engine) { e.onAlert = fn }
}

// Engine 异常检测与告警引擎
type Engine struct {
	alerts   store.AlertStore
	history  store.History
	accounts store.Accounts
	cfg      Config
	logger   *zap.Logger

	async   Submitter
	mirrors []AlertSink
	onAlert func(types.Alert)

	now   func() time.Time
	newID func() string
}

// NewEngine 创建引擎
func NewEngine(alerts store.AlertStore, history store.History, accounts store.Accounts, cfg Config, logger *zap.Logger, opts ...Option) *Engine {
	if logger == nil {
		logger = zap.NewNop()
	}
	e := &Engine{
		alerts:   alerts,
		history:  history,
		accounts: accounts,
		cfg:      cfg,
		logger:   logger.With(zap.String("component", "anomaly")),
		now:      time.Now,
		newID:    uuid.NewString,
	}
	for _, opt := range opts {
		opt(e)
	}
	return e
}

// Usage 一次成功交互的用量
type Usage struct {
	UserID      string
	TenantID    string
	TaskID      string
	TotalTokens int
}

// Check 检查本次用量并为每个触发的规则产生告警。
// 平均值基于此前的成功记录；近一小时的计数包含本次请求。
func (e *Engine) Check(ctx context.Context, u Usage) ([]types.Alert, error) {
	now := e.now()

	var longTerm, recent store.TokenStats
	g, gctx := errgroup.WithContext(ctx)
	g.Go(func() error {
		st, err := e.history.TokenStats(gctx, u.UserID, now.Add(-e.cfg.AverageWindow), e.cfg.LargeRequestTokens)
		if err != nil {
			return fmt.Errorf("long-term token stats: %w", err)
		}
		longTerm = st
		return nil
	})
	g.Go(func() error {
		st, err := e.history.TokenStats(gctx, u.UserID, now.Add(-e.cfg.RecentWindow), e.cfg.LargeRequestTokens)
		if err != nil {
			return fmt.Errorf("recent token stats: %w", err)
		}
		recent = st
		return nil
	})
	if err := g.Wait(); err != nil {
		return nil, err
	}

	var raised []types.Alert
	emit := func(a types.Alert) {
		a.UserID = u.UserID
		a.TenantID = u.TenantID
		a.TaskID = u.TaskID
		if out, err := e.Raise(ctx, a); err == nil {
			raised = append(raised, *out)
		} else {
			e.logger.Warn("raise alert failed", zap.String("user_id", u.UserID), zap.Error(err))
		}
	}

	avg := longTerm.Average()
	if longTerm.Requests == 0 {
		avg = e.cfg.DefaultAverage
	}
	limit := max(e.cfg.LargeMultiplier*avg, float64(e.cfg.LargeFloor))
	if float64(u.TotalTokens) > limit {
		emit(types.Alert{
			Type:     types.AlertLargeRequest,
			Severity: types.SeverityHigh,
			Title:    "Unusually Large Request",
			Description: fmt.Sprintf("User requested %d tokens, %.0fx their average of %.0f",
				u.TotalTokens, e.cfg.LargeMultiplier, avg),
			Metadata: map[string]any{
				"request_tokens": u.TotalTokens,
				"average_tokens": avg,
				"ratio":          float64(u.TotalTokens) / avg,
			},
		})
	}

	large := recent.LargeRequests
	if u.TotalTokens > e.cfg.LargeRequestTokens {
		large++
	}
	if large >= e.cfg.RepeatedLargeCount {
		emit(types.Alert{
			Type:     types.AlertMultipleLargeRequests,
			Severity: types.SeverityHigh,
			Title:    "Multiple Large Requests",
			Description: fmt.Sprintf("User made %d large requests (>%d tokens) in the last hour",
				large, e.cfg.LargeRequestTokens),
			Metadata: map[string]any{"large_request_count": large},
		})
	}

	consumed := recent.TotalTokens + int64(u.TotalTokens)
	if consumed > e.cfg.RapidTokens {
		emit(types.Alert{
			Type:        types.AlertRapidUsage,
			Severity:    types.SeverityMedium,
			Title:       "Rapid Token Consumption",
			Description: fmt.Sprintf("User consumed %d tokens in the last hour", consumed),
			Metadata:    map[string]any{"tokens_last_hour": consumed},
		})
	}
	return raised, nil
}

// Raise 创建告警并异步持久化。critical 告警同步封禁用户，
// 用户已被封禁时保留原有原因。
func (e *Engine) Raise(ctx context.Context, a types.Alert) (*types.Alert, error) {
	if a.UserID == "" {
		return nil, types.NewError(types.ErrInvalidRequest, "alert requires a user id")
	}
	if a.ID == "" {
		a.ID = e.newID()
	}
	a.Status = types.AlertActive
	if a.CreatedAt.IsZero() {
		a.CreatedAt = e.now().UTC()
	}

	e.logger.Warn("alert raised",
		zap.String("alert_id", a.ID),
		zap.String("user_id", a.UserID),
		zap.String("type", string(a.Type)),
		zap.String("severity", string(a.Severity)),
		zap.String("title", a.Title))

	e.persist(a)
	if e.onAlert != nil {
		e.onAlert(a)
	}

	if a.Severity == types.SeverityCritical {
		if err := e.autoBlock(ctx, a); err != nil {
			return &a, err
		}
	}
	return &a, nil
}

func (e *Engine) persist(a types.Alert) {
	save := func(ctx context.Context) error {
		errs := []error{e.alerts.SaveAlert(ctx, &a)}
		for _, m := range e.mirrors {
			errs = append(errs, m.SaveAlert(ctx, &a))
		}
		return errors.Join(errs...)
	}

	if e.async == nil {
		if err := save(context.Background()); err != nil {
			e.logger.Warn("persist alert failed", zap.String("alert_id", a.ID), zap.Error(err))
		}
		return
	}
	// 队列满时由任务池记录丢弃
	_ = e.async.Submit("save_alert", save)
}

func (e *Engine) autoBlock(ctx context.Context, a types.Alert) error {
	reason := "Auto-blocked due to critical alert: " + a.Title
	var blocked bool
	err := e.accounts.UpdateAccount(ctx, a.UserID, "", func(u *types.User, _ *types.TaskAssignment) error {
		blocked = u.Block(reason, e.now())
		return nil
	})
	if err != nil {
		return fmt.Errorf("auto-block user %s: %w", a.UserID, err)
	}
	if blocked {
		e.logger.Warn("user automatically blocked",
			zap.String("user_id", a.UserID),
			zap.String("reason", reason))
	}
	return nil
}

// Resolve 管理员处理告警，只允许合法的状态流转
func (e *Engine) Resolve(ctx context.Context, alertID string, status types.AlertStatus, reviewer, notes string) (*types.Alert, error) {
	at := e.now().UTC()
	out, err := e.alerts.UpdateAlert(ctx, alertID, func(a *types.Alert) error {
		if !a.Status.CanTransitionTo(status) {
			return types.NewError(types.ErrInvalidTransition,
				fmt.Sprintf("cannot move alert from %s to %s", a.Status, status))
		}
		a.Status = status
		a.ReviewedBy = reviewer
		a.ReviewNotes = notes
		a.ReviewedAt = &at
		return nil
	})
	if errors.Is(err, store.ErrNotFound) {
		return nil, types.NewError(types.ErrNotFound, fmt.Sprintf("alert %s not found", alertID))
	}
	if err != nil {
		return nil, err
	}

	e.logger.Info("alert reviewed",
		zap.String("alert_id", alertID),
		zap.String("status", string(status)),
		zap.String("reviewer", reviewer))
	return out, nil
}

// Active 最近的活跃告警
func (e *Engine) Active(ctx context.Context, limit int) ([]types.Alert, error) {
	if limit <= 0 {
		limit = DefaultActiveLimit
	}
	return e.alerts.ListAlerts(ctx, store.AlertFilter{Status: types.AlertActive, Limit: limit})
}

// ForUser 某用户最近的告警
func (e *Engine) ForUser(ctx context.Context, userID string, limit int) ([]types.Alert, error) {
	if limit <= 0 {
		limit = DefaultForUserLimit
	}
	return e.alerts.ListAlerts(ctx, store.AlertFilter{UserID: userID, Limit: limit})
}
