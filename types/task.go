package types

import (
	"slices"
	"time"
)

// Task 任务配置，单次请求内只读
type Task struct {
	ID                  string   `json:"id"`
	TenantID            string   `json:"tenant_id"`
	Name                string   `json:"name"`
	Description         string   `json:"description,omitempty"`
	Scope               string   `json:"scope,omitempty"`
	TokenLimit          int64    `json:"token_limit"`
	MaxTokensPerRequest int64    `json:"max_tokens_per_request"`
	AllowedIntents      []string `json:"allowed_intents,omitempty"`
	IsDummy             bool     `json:"is_dummy_task"`
	Active              bool     `json:"active"`
}

// TaskKind 任务变体。只有 DummyTask 与 RegularTask 两种实现，
// 调用方通过 type switch 分派。
type TaskKind interface {
	isTaskKind()
}

// DummyTask 不受限任务：只经过安全过滤与用户级配额
type DummyTask struct{}

// RegularTask 常规任务：任务预算与意图评分生效
type RegularTask struct {
	// TokenLimit 任务预算，0 表示不设任务级上限
	TokenLimit     int64
	AllowedIntents []string
}

func (DummyTask) isTaskKind()   {}
func (RegularTask) isTaskKind() {}

// Kind 返回任务变体
func (t Task) Kind() TaskKind {
	if t.IsDummy {
		return DummyTask{}
	}
	return RegularTask{TokenLimit: t.TokenLimit, AllowedIntents: t.AllowedIntents}
}

// AllowsIntent 判断意图是否在允许列表中
func (k RegularTask) AllowsIntent(intent string) bool {
	return slices.Contains(k.AllowedIntents, intent)
}

// TaskAssignment 每个 (用户, 任务) 的累计用量
type TaskAssignment struct {
	UserID     string    `json:"user_id"`
	TaskID     string    `json:"task_id"`
	TokensUsed int64     `json:"tokens_used"`
	Active     bool      `json:"active"`
	AssignedAt time.Time `json:"assigned_at,omitempty"`
}

// Clone 返回拷贝
func (a *TaskAssignment) Clone() *TaskAssignment {
	if a == nil {
		return nil
	}
	c := *a
	return &c
}
