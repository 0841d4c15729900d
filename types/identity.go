package types

import "time"

// Quotas 用户级配额。0 表示不限制
type Quotas struct {
	DailyQuota      int64 `json:"daily_quota"`
	MonthlyQuota    int64 `json:"monthly_quota"`
	RequestsPerHour int   `json:"requests_per_hour"`
}

// User 已认证的用户身份及其可变治理状态
//
// 计数器、偏离分数与封禁状态只能通过账户存储的原子更新修改。
type User struct {
	ID       string `json:"id"`
	TenantID string `json:"tenant_id"`

	Quotas

	DailyUsed   int64 `json:"daily_used"`
	MonthlyUsed int64 `json:"monthly_used"`

	DeviationScore float64    `json:"deviation_score"`
	IsBlocked      bool       `json:"is_blocked"`
	BlockedReason  string     `json:"blocked_reason,omitempty"`
	BlockedAt      *time.Time `json:"blocked_at,omitempty"`

	LastActivity time.Time `json:"last_activity,omitempty"`
}

// Block 封禁用户。已封禁时保留原因不变并返回 false
func (u *User) Block(reason string, at time.Time) bool {
	if u.IsBlocked {
		return false
	}
	u.IsBlocked = true
	u.BlockedReason = reason
	u.BlockedAt = &at
	return true
}

// Unblock 解除封禁
func (u *User) Unblock() {
	u.IsBlocked = false
	u.BlockedReason = ""
	u.BlockedAt = nil
}

// Clone 返回深拷贝
func (u *User) Clone() *User {
	if u == nil {
		return nil
	}
	c := *u
	if u.BlockedAt != nil {
		at := *u.BlockedAt
		c.BlockedAt = &at
	}
	return &c
}
