// Package quota 实现 Token 配额治理：请求前的配额检查、请求后的用量记账、
// Token 估算与响应长度上限计算。
package quota

import (
	"fmt"
	"math"
	"strings"

	"github.com/BaSui01/guardflow/types"
)

const (
	// DefaultResponseBuffer 单请求上限检查时为响应预留的 Token 数
	DefaultResponseBuffer int64 = 500
	// DefaultMaxTokensPerRequest 任务未设置单请求上限时的默认值
	DefaultMaxTokensPerRequest int64 = 1000
	// DefaultResponseCeiling 响应 max_tokens 的全局上限
	DefaultResponseCeiling int64 = 1000
)

// Decision 配额检查结果
type Decision struct {
	Allowed bool
	Limit   types.QuotaLimit
	Used    int64
	Quota   int64
	Needed  int64
	Reason  string
}

// Err 将拒绝决策转换为 QUOTA_EXCEEDED 错误，允许时返回 nil
func (d Decision) Err() error {
	if d.Allowed {
		return nil
	}
	return types.NewQuotaExceededError(types.QuotaDetail{
		Limit:  d.Limit,
		Used:   d.Used,
		Quota:  d.Quota,
		Needed: d.Needed,
	}, d.Reason)
}

var allowed = Decision{Allowed: true}

func deny(limit types.QuotaLimit, label string, used, quota, needed int64) Decision {
	return Decision{
		Limit:  limit,
		Used:   used,
		Quota:  quota,
		Needed: needed,
		Reason: fmt.Sprintf("%s quota exceeded. Used: %d, Quota: %d, Needed: %d", label, used, quota, needed),
	}
}

// taskBudget 返回常规任务的 Token 预算，哑任务或未设置预算返回 0
func taskBudget(task types.Task) int64 {
	switch k := task.Kind().(type) {
	case types.RegularTask:
		return k.TokenLimit
	default:
		return 0
	}
}

// CheckQuotas 依次检查日、月、任务配额，首个违规即返回。
// 配额为 0 表示不限制。不做预留。
func CheckQuotas(user *types.User, task types.Task, a *types.TaskAssignment, estimated int64) Decision {
	if user.DailyQuota > 0 && user.DailyUsed+estimated > user.DailyQuota {
		return deny(types.LimitDaily, "Daily", user.DailyUsed, user.DailyQuota, estimated)
	}
	if user.MonthlyQuota > 0 && user.MonthlyUsed+estimated > user.MonthlyQuota {
		return deny(types.LimitMonthly, "Monthly", user.MonthlyUsed, user.MonthlyQuota, estimated)
	}
	if budget := taskBudget(task); budget > 0 && a != nil && a.TokensUsed+estimated > budget {
		return deny(types.LimitTask, "Task", a.TokensUsed, budget, estimated)
	}
	return allowed
}

// MaxTokensPerRequest 任务的单请求上限，未设置时使用 fallback
func MaxTokensPerRequest(task types.Task, fallback int64) int64 {
	if task.MaxTokensPerRequest > 0 {
		return task.MaxTokensPerRequest
	}
	if fallback > 0 {
		return fallback
	}
	return DefaultMaxTokensPerRequest
}

// CheckPerRequest 估算 Token 加响应预留不得超过任务的单请求上限
func CheckPerRequest(task types.Task, estimated, buffer, fallback int64) Decision {
	limit := MaxTokensPerRequest(task, fallback)
	if estimated+buffer > limit {
		return Decision{
			Limit:  types.LimitPerRequest,
			Used:   0,
			Quota:  limit,
			Needed: estimated + buffer,
			Reason: fmt.Sprintf("Request too large. Estimated: %d, Buffer: %d, Max per request: %d", estimated, buffer, limit),
		}
	}
	return allowed
}

// UsageDelta 一次记账实际计入各窗口的 Token 数。
// Overflow 为因计数器在配额处饱和而未能计入的最大差额。
type UsageDelta struct {
	Daily    int64
	Monthly  int64
	Task     int64
	Overflow int64
}

// saturatingAdd 返回新值与被截断的数量
func saturatingAdd(used, amount, quota int64) (next, clipped int64) {
	next = used + amount
	if quota > 0 && next > quota {
		clipped = next - max(used, quota)
		if clipped > amount {
			clipped = amount
		}
		next = max(used, quota)
	}
	return next, clipped
}

// UpdateUsage 把实际用量计入日、月与（常规任务的）分配计数器。
// 计数器在配额处饱和，保证 used ≤ quota。
func UpdateUsage(user *types.User, task types.Task, a *types.TaskAssignment, actual int64) UsageDelta {
	if actual <= 0 {
		return UsageDelta{}
	}

	var d UsageDelta
	var clipped int64

	prev := user.DailyUsed
	user.DailyUsed, clipped = saturatingAdd(user.DailyUsed, actual, user.DailyQuota)
	d.Daily = user.DailyUsed - prev
	d.Overflow = max(d.Overflow, clipped)

	prev = user.MonthlyUsed
	user.MonthlyUsed, clipped = saturatingAdd(user.MonthlyUsed, actual, user.MonthlyQuota)
	d.Monthly = user.MonthlyUsed - prev
	d.Overflow = max(d.Overflow, clipped)

	if _, regular := task.Kind().(types.RegularTask); regular && a != nil {
		prev = a.TokensUsed
		a.TokensUsed, clipped = saturatingAdd(a.TokensUsed, actual, taskBudget(task))
		d.Task = a.TokensUsed - prev
		d.Overflow = max(d.Overflow, clipped)
	}
	return d
}

// MaxResponseTokens 计算可分配给响应的 Token 上限：
// 单请求上限、任务剩余预算、日剩余、月剩余（均扣除提示估算）与全局上限的最小值，下限为 1。
func MaxResponseTokens(task types.Task, user *types.User, a *types.TaskAssignment, prompt, ceiling, fallback int64) int64 {
	if ceiling <= 0 {
		ceiling = DefaultResponseCeiling
	}
	limit := min(ceiling, MaxTokensPerRequest(task, fallback)-prompt)

	if budget := taskBudget(task); budget > 0 && a != nil {
		limit = min(limit, budget-a.TokensUsed-prompt)
	}
	if user.DailyQuota > 0 {
		limit = min(limit, user.DailyQuota-user.DailyUsed-prompt)
	}
	if user.MonthlyQuota > 0 {
		limit = min(limit, user.MonthlyQuota-user.MonthlyUsed-prompt)
	}
	return max(limit, 1)
}

// ====== Token 估算 ======

// Estimator 按词数估算提示 Token
type Estimator struct {
	Multiplier float64
	Min        int64
}

// DefaultEstimator 词数 × 1.3，最少 10
var DefaultEstimator = Estimator{Multiplier: 1.3, Min: 10}

// Estimate 估算消息列表的 Token 数
func (e Estimator) Estimate(messages []types.Message) int64 {
	mult := e.Multiplier
	if mult <= 0 {
		mult = DefaultEstimator.Multiplier
	}
	words := 0
	for _, m := range messages {
		words += len(strings.Fields(m.Content))
	}
	// 容差吸收 10×1.3 这类浮点误差
	est := int64(math.Ceil(float64(words)*mult - 1e-9))
	return max(est, e.Min)
}

// EstimateTokens 使用默认估算器
func EstimateTokens(messages []types.Message) int64 {
	return DefaultEstimator.Estimate(messages)
}
