package scoring

import (
	"context"
	"fmt"
	"strings"
	"sync"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
	"go.uber.org/zap/zaptest"
	"pgregory.net/rapid"

	"github.com/BaSui01/guardflow/store"
	"github.com/BaSui01/guardflow/types"
)

var testNow = time.Date(2026, 5, 4, 15, 0, 0, 0, time.UTC)

func newTestScorer(t *testing.T, user *types.User) (*Scorer, *store.MemoryStore) {
	t.Helper()
	s := store.NewMemoryStore()
	if user != nil {
		s.PutUser(user)
	}
	sc := NewScorer(s, s, DefaultConfig(), zaptest.NewLogger(t))
	sc.now = func() time.Time { return testNow }
	return sc, s
}

func codingTask() types.Task {
	return types.Task{ID: "t1", Active: true, AllowedIntents: []string{"coding"}}
}

func TestComputeDelta_Rules(t *testing.T) {
	tests := []struct {
		name string
		task types.Task
		sig  Signals
		want float64
	}{
		{"allowed intent", codingTask(), Signals{Intent: "coding", Confidence: 0.9}, 0},
		{"off topic", codingTask(), Signals{Intent: "off_topic", Confidence: 0.9}, 1.0},
		{"other intent", codingTask(), Signals{Intent: "research", Confidence: 0.9}, 0.3},
		{"unknown counts as other", codingTask(), Signals{Intent: types.IntentUnknown, Confidence: 0.1}, 0.4},
		{"empty allow list", types.Task{Active: true}, Signals{Intent: "off_topic", Confidence: 0.9}, 0},
		{"dummy task", types.Task{IsDummy: true, AllowedIntents: []string{"coding"}}, Signals{Intent: "off_topic", Confidence: 0.9}, 0},
		{"low confidence", types.Task{}, Signals{Intent: "coding", Confidence: 0.29}, 0.1},
		{"topic switch needs three samples", types.Task{}, Signals{Confidence: 1, RecentIntents: []string{"a", "b"}}, 0},
		{"topic switch", types.Task{}, Signals{Confidence: 1, RecentIntents: []string{"a", "b", "c"}}, 0.5},
		{"two topics", types.Task{}, Signals{Confidence: 1, RecentIntents: []string{"a", "b", "a", "b", "a"}}, 0},
		{"burst boundary", types.Task{}, Signals{Confidence: 1, RecentRequests: 20}, 0},
		{"burst", types.Task{}, Signals{Confidence: 1, RecentRequests: 21}, 0.2},
	}
	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			assert.InDelta(t, tt.want, ComputeDelta(tt.task, tt.sig).Total(), 1e-9)
		})
	}
}

// 允许 coding 的任务收到置信度 0.9 的 off_topic 回复
func TestScorer_OffTopicWarnsWithoutBlocking(t *testing.T) {
	ctx := context.Background()
	sc, s := newTestScorer(t, &types.User{ID: "u1"})

	b, err := sc.Evaluate(ctx, "u1", codingTask(), "off_topic", 0.9)
	require.NoError(t, err)
	assert.Equal(t, Breakdown{OffTopic: 1.0}, b)

	out, err := sc.Apply(ctx, "u1", b.Total())
	require.NoError(t, err)
	assert.InDelta(t, 0.0, out.Before, 1e-9)
	assert.InDelta(t, 1.0, out.After, 1e-9)
	assert.False(t, out.Blocked)
	assert.True(t, out.Warned)

	u, _ := s.GetUser(ctx, "u1")
	assert.False(t, u.IsBlocked)
	assert.InDelta(t, 1.0, u.DeviationScore, 1e-9)
}

// 10 分钟内第 21 次请求，最近 5 条跨越 3 种以上意图
func TestScorer_TopicSwitchAndBurstOnTwentyFirstRequest(t *testing.T) {
	ctx := context.Background()
	sc, s := newTestScorer(t, &types.User{ID: "u1"})

	intents := []string{"coding", "testing", "research", "documentation"}
	for i := 0; i < 20; i++ {
		require.NoError(t, s.SaveRecord(ctx, types.RequestRecord{
			RequestID:   fmt.Sprintf("r%d", i),
			UserID:      "u1",
			Intent:      intents[i%len(intents)],
			TotalTokens: 50,
			Status:      types.RecordSuccess,
			Timestamp:   testNow.Add(-9*time.Minute + time.Duration(i)*20*time.Second),
		}))
	}

	b, err := sc.Evaluate(ctx, "u1", types.Task{Active: true}, "coding", 0.9)
	require.NoError(t, err)
	assert.InDelta(t, 0.5, b.TopicSwitch, 1e-9)
	assert.InDelta(t, 0.2, b.Burst, 1e-9)
	assert.InDelta(t, 0.7, b.Total(), 1e-9)
}

func TestScorer_AutoBlockKeepsFirstReason(t *testing.T) {
	ctx := context.Background()
	sc, s := newTestScorer(t, &types.User{ID: "u1", DeviationScore: 1.5})

	out, err := sc.Apply(ctx, "u1", 1.0)
	require.NoError(t, err)
	assert.True(t, out.Blocked)
	assert.Equal(t, "Automatic block: deviation score 2.50 exceeded threshold 2.00", out.Reason)

	out, err = sc.Apply(ctx, "u1", 1.0)
	require.NoError(t, err)
	assert.False(t, out.Blocked)

	u, _ := s.GetUser(ctx, "u1")
	assert.True(t, u.IsBlocked)
	assert.Equal(t, "Automatic block: deviation score 2.50 exceeded threshold 2.00", u.BlockedReason)
	assert.InDelta(t, 3.5, u.DeviationScore, 1e-9)
}

func TestScorer_NegativeDeltaIgnored(t *testing.T) {
	sc, _ := newTestScorer(t, &types.User{ID: "u1", DeviationScore: 1.2})
	out, err := sc.Apply(context.Background(), "u1", -5)
	require.NoError(t, err)
	assert.InDelta(t, 1.2, out.After, 1e-9)
}

func TestScorer_SetThresholds(t *testing.T) {
	sc, _ := newTestScorer(t, &types.User{ID: "u1"})
	sc.SetThresholds(5, 4)
	out, err := sc.Apply(context.Background(), "u1", 3)
	require.NoError(t, err)
	assert.False(t, out.Blocked)
	assert.False(t, out.Warned)
	assert.Equal(t, Config{DeviationThreshold: 5, WarningThreshold: 4}, sc.Config())
}

func TestScorer_Reset(t *testing.T) {
	ctx := context.Background()
	sc, s := newTestScorer(t, &types.User{ID: "u1", DeviationScore: 2.4})

	res, err := sc.Reset(ctx, "u1", 0)
	require.NoError(t, err)
	assert.InDelta(t, 2.4, res.OldScore, 1e-9)
	assert.Zero(t, res.NewScore)
	assert.Equal(t, testNow, res.ResetAt)

	u, _ := s.GetUser(ctx, "u1")
	assert.Zero(t, u.DeviationScore)

	_, err = sc.Reset(ctx, "u1", -1)
	assert.True(t, types.IsErrorCode(err, types.ErrInvalidRequest))
	_, err = sc.Reset(ctx, "ghost", 0)
	assert.True(t, types.IsErrorCode(err, types.ErrNotFound))
}

func TestScorer_ConcurrentApplyDoesNotLoseDeltas(t *testing.T) {
	ctx := context.Background()
	sc, s := newTestScorer(t, &types.User{ID: "u1"})
	sc.SetThresholds(1000, 1000)

	var wg sync.WaitGroup
	for i := 0; i < 100; i++ {
		wg.Add(1)
		go func() {
			defer wg.Done()
			_, err := sc.Apply(ctx, "u1", 0.5)
			assert.NoError(t, err)
		}()
	}
	wg.Wait()

	u, _ := s.GetUser(ctx, "u1")
	assert.InDelta(t, 50.0, u.DeviationScore, 1e-9)
}

// 不调用 Reset 时分数单调不减
func TestProperty_ScoreMonotonic(t *testing.T) {
	rapid.Check(t, func(rt *rapid.T) {
		s := store.NewMemoryStore()
		s.PutUser(&types.User{ID: "u1"})
		sc := NewScorer(s, s, DefaultConfig(), nil)

		last := 0.0
		n := rapid.IntRange(1, 40).Draw(rt, "n")
		for i := 0; i < n; i++ {
			delta := rapid.Float64Range(-3, 3).Draw(rt, "delta")
			out, err := sc.Apply(context.Background(), "u1", delta)
			if err != nil {
				rt.Fatal(err)
			}
			if out.After < last || out.After < out.Before {
				rt.Fatalf("score decreased: %v -> %v", last, out.After)
			}
			last = out.After
		}
	})
}

func TestBehaviorAnalysis(t *testing.T) {
	ctx := context.Background()
	sc, s := newTestScorer(t, &types.User{ID: "u1", DeviationScore: 1.5})

	empty, err := sc.BehaviorAnalysis(ctx, "u1", 7)
	require.NoError(t, err)
	assert.Zero(t, empty.TotalRequests)
	assert.Equal(t, "No activity in the analysis period", empty.Message)

	// 60 次请求集中在同一小时，半数 off_topic
	base := testNow.Add(-2 * time.Hour).Truncate(time.Hour)
	for i := 0; i < 60; i++ {
		intentName := "coding"
		if i%2 == 0 {
			intentName = "off_topic"
		}
		require.NoError(t, s.SaveRecord(ctx, types.RequestRecord{
			UserID: "u1", Intent: intentName, TotalTokens: 10,
			Status: types.RecordSuccess, Timestamp: base.Add(time.Duration(i) * 30 * time.Second),
		}))
	}
	// 超出分析窗口
	require.NoError(t, s.SaveRecord(ctx, types.RequestRecord{UserID: "u1", Timestamp: testNow.Add(-30 * 24 * time.Hour)}))

	a, err := sc.BehaviorAnalysis(ctx, "u1", 7)
	require.NoError(t, err)
	assert.Equal(t, 60, a.TotalRequests)
	assert.Equal(t, int64(600), a.TotalTokens)
	assert.InDelta(t, 10.0, a.AvgTokensPerRequest, 1e-9)
	assert.InDelta(t, 8.57, a.AvgRequestsPerDay, 1e-9)
	assert.Equal(t, 30, a.IntentDistribution["off_topic"])
	assert.Equal(t, 60, a.HourlyDistribution[base.Hour()])
	assert.Equal(t, int64(600), a.DailyTokenUsage[base.Format(time.DateOnly)])
	assert.Len(t, a.RiskIndicators, 3)
	assert.Equal(t, "high", a.RiskLevel)
	assert.True(t, strings.HasPrefix(a.RiskIndicators[1], "High off-topic ratio"))

	_, err = sc.BehaviorAnalysis(ctx, "ghost", 7)
	assert.True(t, types.IsErrorCode(err, types.ErrNotFound))
}
