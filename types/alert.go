package types

import "time"

// AlertType 告警类型
type AlertType string

const (
	AlertLargeRequest          AlertType = "large_request"
	AlertMultipleLargeRequests AlertType = "multiple_large_requests"
	AlertRapidUsage            AlertType = "rapid_usage"
	AlertSuspiciousContent     AlertType = "suspicious_content"
	AlertQuotaAbuse            AlertType = "quota_abuse"
)

// Severity 告警严重程度
type Severity string

const (
	SeverityLow      Severity = "low"
	SeverityMedium   Severity = "medium"
	SeverityHigh     Severity = "high"
	SeverityCritical Severity = "critical"
)

// AlertStatus 告警状态
type AlertStatus string

const (
	AlertActive        AlertStatus = "active"
	AlertReviewed      AlertStatus = "reviewed"
	AlertResolved      AlertStatus = "resolved"
	AlertFalsePositive AlertStatus = "false_positive"
)

// alertTransitions 合法的状态流转
var alertTransitions = map[AlertStatus][]AlertStatus{
	AlertActive:   {AlertReviewed, AlertResolved, AlertFalsePositive},
	AlertReviewed: {AlertResolved, AlertFalsePositive},
}

// CanTransitionTo 判断状态流转是否合法
func (s AlertStatus) CanTransitionTo(next AlertStatus) bool {
	for _, allowed := range alertTransitions[s] {
		if allowed == next {
			return true
		}
	}
	return false
}

// IsTerminal 终态不再允许流转
func (s AlertStatus) IsTerminal() bool {
	return len(alertTransitions[s]) == 0
}

// Alert 异常告警
type Alert struct {
	ID          string         `json:"id"`
	UserID      string         `json:"user_id"`
	TenantID    string         `json:"tenant_id,omitempty"`
	TaskID      string         `json:"task_id,omitempty"`
	Type        AlertType      `json:"type"`
	Severity    Severity       `json:"severity"`
	Status      AlertStatus    `json:"status"`
	Title       string         `json:"title"`
	Description string         `json:"description"`
	Metadata    map[string]any `json:"metadata,omitempty"`
	ReviewedBy  string         `json:"reviewed_by,omitempty"`
	ReviewNotes string         `json:"review_notes,omitempty"`
	ReviewedAt  *time.Time     `json:"reviewed_at,omitempty"`
	CreatedAt   time.Time      `json:"created_at"`
}
