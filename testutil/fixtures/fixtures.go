// =============================================================================
// 📦 测试数据工厂 - 用户、任务与记录
// =============================================================================
// 提供预定义的治理实体，用于测试
// =============================================================================
package fixtures

import (
	"fmt"
	"strings"
	"time"

	"github.com/BaSui01/guardflow/types"
)

// =============================================================================
// 👤 用户工厂
// =============================================================================

// DefaultUser 返回配额充足、未封禁的用户
func DefaultUser(id string) types.User {
	return types.User{
		ID:       id,
		TenantID: "tenant-001",
		Quotas: types.Quotas{
			DailyQuota:      10000,
			MonthlyQuota:    300000,
			RequestsPerHour: 100,
		},
	}
}

// UserWithUsage 返回带日用量的用户
func UserWithUsage(id string, dailyQuota, dailyUsed int64) types.User {
	u := DefaultUser(id)
	u.DailyQuota = dailyQuota
	u.DailyUsed = dailyUsed
	u.MonthlyUsed = dailyUsed
	return u
}

// BlockedUser 返回已封禁的用户
func BlockedUser(id, reason string) types.User {
	u := DefaultUser(id)
	at := time.Now()
	u.Block(reason, at)
	return u
}

// =============================================================================
// 📋 任务工厂
// =============================================================================

// DummyTask 返回不受限任务
func DummyTask(id string) types.Task {
	return types.Task{
		ID:                  id,
		TenantID:            "tenant-001",
		Name:                "Open Assistant",
		MaxTokensPerRequest: 4000,
		IsDummy:             true,
		Active:              true,
	}
}

// CodingTask 返回只允许 coding 意图的常规任务
func CodingTask(id string) types.Task {
	return RegularTask(id, "coding")
}

// RegularTask 返回带允许意图的常规任务
func RegularTask(id string, allowed ...string) types.Task {
	return types.Task{
		ID:                  id,
		TenantID:            "tenant-001",
		Name:                "Backend Refactor",
		Description:         "Refactor the billing service",
		Scope:               "Go code in the billing repository",
		TokenLimit:          100000,
		MaxTokensPerRequest: 4000,
		AllowedIntents:      allowed,
		Active:              true,
	}
}

// Assignment 返回有效的任务分配
func Assignment(userID, taskID string) *types.TaskAssignment {
	return &types.TaskAssignment{
		UserID:     userID,
		TaskID:     taskID,
		Active:     true,
		AssignedAt: time.Now().Add(-24 * time.Hour),
	}
}

// =============================================================================
// 💬 消息工厂
// =============================================================================

// Prompt 返回单条用户消息
func Prompt(content string) []types.Message {
	return []types.Message{types.NewUserMessage(content)}
}

// PromptOfWords 返回由 n 个单词组成的用户消息
func PromptOfWords(n int) []types.Message {
	words := make([]string, n)
	for i := range words {
		words[i] = fmt.Sprintf("w%d", i)
	}
	return Prompt(strings.Join(words, " "))
}

// =============================================================================
// 🧾 记录工厂
// =============================================================================

// SuccessRecord 返回一条成功的历史记录
func SuccessRecord(userID, intent string, tokens int, at time.Time) types.RequestRecord {
	return types.RequestRecord{
		RequestID:   fmt.Sprintf("req-%s-%d", userID, at.UnixNano()),
		UserID:      userID,
		Intent:      intent,
		Confidence:  0.9,
		TotalTokens: tokens,
		Status:      types.RecordSuccess,
		Timestamp:   at,
	}
}
