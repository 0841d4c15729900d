// Package scoring 维护用户的偏离分数：根据意图分类与近期行为计算增量，
// 原子地累加并在越过阈值时自动封禁。
package scoring

import (
	"context"
	"errors"
	"fmt"
	"sync"
	"time"

	"go.uber.org/zap"

	"github.com/BaSui01/guardflow/governance/intent"
	"github.com/BaSui01/guardflow/store"
	"github.com/BaSui01/guardflow/types"
)

// 增量规则
const (
	OffTopicPenalty      = 1.0
	WrongCategoryPenalty = 0.3
	LowConfidencePenalty = 0.1
	TopicSwitchPenalty   = 0.5
	BurstPenalty         = 0.2

	LowConfidenceThreshold = 0.3

	// 话题切换：近 1 小时最近 5 条带意图记录中出现 ≥3 种意图
	TopicWindow        = time.Hour
	TopicSampleSize    = 5
	TopicMinSamples    = 3
	TopicDistinctLimit = 3

	// 突发：近 10 分钟超过 20 次请求（含本次）
	BurstWindow    = 10 * time.Minute
	BurstThreshold = 20
)

// Config 阈值配置
type Config struct {
	DeviationThreshold float64
	WarningThreshold   float64
}

// DefaultConfig 默认阈值 2.0 / 1.0
func DefaultConfig() Config {
	return Config{DeviationThreshold: 2.0, WarningThreshold: 1.0}
}

// Signals 计算增量所需的输入
type Signals struct {
	Intent     string
	Confidence float64
	// RecentIntents 近 1 小时内最近的带意图历史记录（不含本次）
	RecentIntents []string
	// RecentRequests 近 10 分钟请求数（含本次）
	RecentRequests int64
}

// Breakdown 各规则贡献的增量
type Breakdown struct {
	OffTopic      float64 `json:"off_topic,omitempty"`
	WrongCategory float64 `json:"wrong_category,omitempty"`
	LowConfidence float64 `json:"low_confidence,omitempty"`
	TopicSwitch   float64 `json:"topic_switch,omitempty"`
	Burst         float64 `json:"burst,omitempty"`
}

// Total 增量合计，恒为非负
func (b Breakdown) Total() float64 {
	return b.OffTopic + b.WrongCategory + b.LowConfidence + b.TopicSwitch + b.Burst
}

// ComputeDelta 计算单次请求的偏离增量。
// 允许列表为空或哑任务时不做意图惩罚；unknown 视为其他类别。
func ComputeDelta(task types.Task, s Signals) Breakdown {
	var b Breakdown

	if k, ok := task.Kind().(types.RegularTask); ok && len(k.AllowedIntents) > 0 && !k.AllowsIntent(s.Intent) {
		if s.Intent == intent.OffTopic {
			b.OffTopic = OffTopicPenalty
		} else {
			b.WrongCategory = WrongCategoryPenalty
		}
	}
	if s.Confidence < LowConfidenceThreshold {
		b.LowConfidence = LowConfidencePenalty
	}
	if len(s.RecentIntents) >= TopicMinSamples && distinct(s.RecentIntents) >= TopicDistinctLimit {
		b.TopicSwitch = TopicSwitchPenalty
	}
	if s.RecentRequests > BurstThreshold {
		b.Burst = BurstPenalty
	}
	return b
}

func distinct(values []string) int {
	seen := make(map[string]struct{}, len(values))
	for _, v := range values {
		seen[v] = struct{}{}
	}
	return len(seen)
}

// Outcome 一次分数累加的结果
type Outcome struct {
	Before  float64
	After   float64
	Blocked bool
	Warned  bool
	Reason  string
}

// ResetResult 管理员重置分数的结果
type ResetResult struct {
	UserID   string    `json:"user_id"`
	OldScore float64   `json:"old_score"`
	NewScore float64   `json:"new_score"`
	ResetAt  time.Time `json:"reset_at"`
}

// Scorer 偏离分数服务
type Scorer struct {
	accounts store.Accounts
	history  store.History
	logger   *zap.Logger
	now      func() time.Time

	mu  sync.RWMutex
	cfg Config
}

// NewScorer 创建评分器
func NewScorer(accounts store.Accounts, history store.History, cfg Config, logger *zap.Logger) *Scorer {
	if logger == nil {
		logger = zap.NewNop()
	}
	return &Scorer{
		accounts: accounts,
		history:  history,
		cfg:      cfg,
		logger:   logger.With(zap.String("component", "scoring")),
		now:      time.Now,
	}
}

// Config 返回当前阈值
func (s *Scorer) Config() Config {
	s.mu.RLock()
	defer s.mu.RUnlock()
	return s.cfg
}

// SetThresholds 热更新阈值
func (s *Scorer) SetThresholds(deviation, warning float64) {
	s.mu.Lock()
	s.cfg.DeviationThreshold = deviation
	s.cfg.WarningThreshold = warning
	s.mu.Unlock()
	s.logger.Info("deviation thresholds updated",
		zap.Float64("deviation_threshold", deviation),
		zap.Float64("warning_threshold", warning))
}

// Evaluate 读取近期历史并计算本次请求的增量
func (s *Scorer) Evaluate(ctx context.Context, userID string, task types.Task, intentName string, confidence float64) (Breakdown, error) {
	now := s.now()

	recent, err := s.history.RecentIntents(ctx, userID, now.Add(-TopicWindow), TopicSampleSize)
	if err != nil {
		return Breakdown{}, fmt.Errorf("load recent intents: %w", err)
	}
	count, err := s.history.CountRequests(ctx, userID, now.Add(-BurstWindow))
	if err != nil {
		return Breakdown{}, fmt.Errorf("count recent requests: %w", err)
	}

	return ComputeDelta(task, Signals{
		Intent:         intentName,
		Confidence:     confidence,
		RecentIntents:  recent,
		RecentRequests: count + 1,
	}), nil
}

// Apply 原子地累加增量，越过封禁阈值且未封禁时自动封禁，越过告警阈值时记录告警日志
func (s *Scorer) Apply(ctx context.Context, userID string, delta float64) (Outcome, error) {
	cfg := s.Config()
	delta = max(delta, 0)

	var out Outcome
	err := s.accounts.UpdateAccount(ctx, userID, "", func(u *types.User, _ *types.TaskAssignment) error {
		out = Outcome{Before: u.DeviationScore}
		u.DeviationScore += delta
		out.After = u.DeviationScore

		switch {
		case out.After >= cfg.DeviationThreshold:
			reason := fmt.Sprintf("Automatic block: deviation score %.2f exceeded threshold %.2f", out.After, cfg.DeviationThreshold)
			if u.Block(reason, s.now()) {
				out.Blocked = true
				out.Reason = reason
			}
		case out.After >= cfg.WarningThreshold:
			out.Warned = true
		}
		return nil
	})
	if err != nil {
		return Outcome{}, fmt.Errorf("apply deviation delta: %w", err)
	}

	switch {
	case out.Blocked:
		s.logger.Warn("user automatically blocked",
			zap.String("user_id", userID),
			zap.Float64("score", out.After),
			zap.String("reason", out.Reason))
	case out.Warned:
		s.logger.Warn("user approaching deviation threshold",
			zap.String("user_id", userID),
			zap.Float64("score", out.After),
			zap.Float64("threshold", cfg.DeviationThreshold))
	}
	return out, nil
}

// Reset 管理员重置分数，是分数下降的唯一途径
func (s *Scorer) Reset(ctx context.Context, userID string, newScore float64) (ResetResult, error) {
	if newScore < 0 {
		return ResetResult{}, types.NewError(types.ErrInvalidRequest, "score must not be negative")
	}

	res := ResetResult{UserID: userID, NewScore: newScore}
	err := s.accounts.UpdateAccount(ctx, userID, "", func(u *types.User, _ *types.TaskAssignment) error {
		res.OldScore = u.DeviationScore
		u.DeviationScore = newScore
		return nil
	})
	if errors.Is(err, store.ErrNotFound) {
		return ResetResult{}, types.NewError(types.ErrNotFound, fmt.Sprintf("user %s not found", userID))
	}
	if err != nil {
		return ResetResult{}, err
	}

	res.ResetAt = s.now().UTC()
	s.logger.Info("deviation score reset",
		zap.String("user_id", userID),
		zap.Float64("old_score", res.OldScore),
		zap.Float64("new_score", newScore))
	return res, nil
}
