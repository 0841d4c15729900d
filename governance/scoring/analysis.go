package scoring

import (
	"context"
	"errors"
	"fmt"
	"math"
	"time"

	"github.com/BaSui01/guardflow/governance/intent"
	"github.com/BaSui01/guardflow/store"
	"github.com/BaSui01/guardflow/types"
)

const (
	offTopicRatioLimit  = 0.3
	hourlyRequestsLimit = 50
)

// Analysis 用户行为分析
type Analysis struct {
	UserID              string           `json:"user_id"`
	PeriodDays          int              `json:"analysis_period_days"`
	DeviationScore      float64          `json:"current_deviation_score"`
	TotalRequests       int              `json:"total_requests"`
	AvgRequestsPerDay   float64          `json:"avg_requests_per_day"`
	TotalTokens         int64            `json:"total_tokens_used"`
	AvgTokensPerRequest float64          `json:"avg_tokens_per_request"`
	IntentDistribution  map[string]int   `json:"intent_distribution,omitempty"`
	HourlyDistribution  map[int]int      `json:"hourly_distribution,omitempty"`
	DailyTokenUsage     map[string]int64 `json:"daily_token_usage,omitempty"`
	RiskIndicators      []string         `json:"risk_indicators"`
	RiskLevel           string           `json:"risk_level"`
	Message             string           `json:"message,omitempty"`
}

func round2(v float64) float64 {
	return math.Round(v*100) / 100
}

// BehaviorAnalysis 汇总用户最近 days 天的请求记录并评估风险
func (s *Scorer) BehaviorAnalysis(ctx context.Context, userID string, days int) (*Analysis, error) {
	if days <= 0 {
		days = 7
	}
	user, err := s.accounts.GetUser(ctx, userID)
	if errors.Is(err, store.ErrNotFound) {
		return nil, types.NewError(types.ErrNotFound, fmt.Sprintf("user %s not found", userID))
	}
	if err != nil {
		return nil, err
	}

	records, err := s.history.Records(ctx, userID, s.now().Add(-time.Duration(days)*24*time.Hour))
	if err != nil {
		return nil, fmt.Errorf("load records: %w", err)
	}

	a := &Analysis{
		UserID:         userID,
		PeriodDays:     days,
		DeviationScore: user.DeviationScore,
		TotalRequests:  len(records),
		RiskIndicators: []string{},
		RiskLevel:      "low",
	}
	if len(records) == 0 {
		a.Message = "No activity in the analysis period"
		return a, nil
	}

	a.IntentDistribution = make(map[string]int)
	a.HourlyDistribution = make(map[int]int)
	a.DailyTokenUsage = make(map[string]int64)
	for _, r := range records {
		name := r.Intent
		if name == "" {
			name = types.IntentUnknown
		}
		a.IntentDistribution[name]++

		ts := r.Timestamp.UTC()
		a.HourlyDistribution[ts.Hour()]++
		a.DailyTokenUsage[ts.Format(time.DateOnly)] += int64(r.TotalTokens)
		a.TotalTokens += int64(r.TotalTokens)
	}

	a.AvgRequestsPerDay = round2(float64(a.TotalRequests) / float64(days))
	a.AvgTokensPerRequest = round2(float64(a.TotalTokens) / float64(a.TotalRequests))

	cfg := s.Config()
	if user.DeviationScore > cfg.WarningThreshold {
		a.RiskIndicators = append(a.RiskIndicators, fmt.Sprintf("High deviation score: %.2f", user.DeviationScore))
	}
	if ratio := float64(a.IntentDistribution[intent.OffTopic]) / float64(a.TotalRequests); ratio > offTopicRatioLimit {
		a.RiskIndicators = append(a.RiskIndicators, fmt.Sprintf("High off-topic ratio: %.2f%%", ratio*100))
	}
	peak := 0
	for _, n := range a.HourlyDistribution {
		peak = max(peak, n)
	}
	if peak > hourlyRequestsLimit {
		a.RiskIndicators = append(a.RiskIndicators, fmt.Sprintf("High hourly request volume: %d", peak))
	}

	switch n := len(a.RiskIndicators); {
	case n >= 2:
		a.RiskLevel = "high"
	case n == 1:
		a.RiskLevel = "medium"
	}
	return a, nil
}
