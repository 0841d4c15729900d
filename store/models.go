package store

import (
	"encoding/json"
	"time"

	"github.com/BaSui01/guardflow/types"
)

// UserModel 用户账户表
type UserModel struct {
	ID              string `gorm:"primaryKey;size:64"`
	TenantID        string `gorm:"size:64;index:idx_users_tenant"`
	DailyQuota      int64
	MonthlyQuota    int64
	RequestsPerHour int
	DailyUsed       int64
	MonthlyUsed     int64
	DeviationScore  float64
	IsBlocked       bool
	BlockedReason   string `gorm:"type:text"`
	BlockedAt       *time.Time
	LastActivity    *time.Time
	Version         int64 `gorm:"not null"` // 乐观锁版本号
	CreatedAt       time.Time
	UpdatedAt       time.Time
}

func (UserModel) TableName() string { return "users" }

// AssignmentModel 用户-任务分配表
type AssignmentModel struct {
	UserID     string `gorm:"primaryKey;size:64"`
	TaskID     string `gorm:"primaryKey;size:64"`
	TokensUsed int64
	Active     bool
	AssignedAt time.Time
	Version    int64 `gorm:"not null"`
}

func (AssignmentModel) TableName() string { return "user_tasks" }

// RecordModel 请求审计记录表（只追加）
type RecordModel struct {
	ID               uint   `gorm:"primaryKey"`
	RequestID        string `gorm:"size:64;index:idx_request_logs_request"`
	UserID           string `gorm:"size:64;not null;index:idx_request_logs_user_ts,priority:1"`
	TenantID         string `gorm:"size:64"`
	TaskID           string `gorm:"size:64"`
	Model            string `gorm:"size:100"`
	Prompt           string `gorm:"type:text"`
	SystemMessage    string `gorm:"type:text"`
	Response         string `gorm:"type:text"`
	Intent           string `gorm:"size:50"`
	Confidence       float64
	DeviationDelta   float64
	ScoreBefore      float64
	ScoreAfter       float64
	PromptTokens     int
	CompletionTokens int
	TotalTokens      int
	EstimatedTokens  int64
	OverflowTokens   int64
	SafetyRisk       string `gorm:"size:20"`
	SafetyReasons    string `gorm:"type:text"` // JSON 数组
	LatencyMS        int64
	IPAddress        string `gorm:"size:64"`
	UserAgent        string `gorm:"type:text"`
	Status           string `gorm:"size:20;not null"`
	ErrorCode        string `gorm:"size:50"`
	ErrorMessage     string `gorm:"type:text"`
	Timestamp        time.Time `gorm:"not null;index:idx_request_logs_user_ts,priority:2"`
}

func (RecordModel) TableName() string { return "request_logs" }

// AlertModel 告警表
type AlertModel struct {
	ID          string `gorm:"primaryKey;size:64"`
	UserID      string `gorm:"size:64;not null;index:idx_alerts_user"`
	TenantID    string `gorm:"size:64"`
	TaskID      string `gorm:"size:64"`
	Type        string `gorm:"size:50;not null"`
	Severity    string `gorm:"size:20;not null"`
	Status      string `gorm:"size:20;not null;index:idx_alerts_status"`
	Title       string `gorm:"size:200"`
	Description string `gorm:"type:text"`
	Metadata    string `gorm:"type:text"` // JSON 对象
	ReviewedBy  string `gorm:"size:64"`
	ReviewNotes string `gorm:"type:text"`
	ReviewedAt  *time.Time
	CreatedAt   time.Time `gorm:"index:idx_alerts_created"`
}

func (AlertModel) TableName() string { return "alerts" }

// AllModels 返回需要建表的全部模型
func AllModels() []any {
	return []any{&UserModel{}, &AssignmentModel{}, &RecordModel{}, &AlertModel{}}
}

// ====== 转换 ======

func userFromModel(m *UserModel) *types.User {
	u := &types.User{
		ID:       m.ID,
		TenantID: m.TenantID,
		Quotas: types.Quotas{
			DailyQuota:      m.DailyQuota,
			MonthlyQuota:    m.MonthlyQuota,
			RequestsPerHour: m.RequestsPerHour,
		},
		DailyUsed:      m.DailyUsed,
		MonthlyUsed:    m.MonthlyUsed,
		DeviationScore: m.DeviationScore,
		IsBlocked:      m.IsBlocked,
		BlockedReason:  m.BlockedReason,
		BlockedAt:      m.BlockedAt,
	}
	if m.LastActivity != nil {
		u.LastActivity = *m.LastActivity
	}
	return u
}

func userToModel(u *types.User) *UserModel {
	m := &UserModel{
		ID:              u.ID,
		TenantID:        u.TenantID,
		DailyQuota:      u.DailyQuota,
		MonthlyQuota:    u.MonthlyQuota,
		RequestsPerHour: u.RequestsPerHour,
		DailyUsed:       u.DailyUsed,
		MonthlyUsed:     u.MonthlyUsed,
		DeviationScore:  u.DeviationScore,
		IsBlocked:       u.IsBlocked,
		BlockedReason:   u.BlockedReason,
		BlockedAt:       u.BlockedAt,
	}
	if !u.LastActivity.IsZero() {
		at := u.LastActivity
		m.LastActivity = &at
	}
	return m
}

func assignmentFromModel(m *AssignmentModel) *types.TaskAssignment {
	return &types.TaskAssignment{
		UserID:     m.UserID,
		TaskID:     m.TaskID,
		TokensUsed: m.TokensUsed,
		Active:     m.Active,
		AssignedAt: m.AssignedAt,
	}
}

func assignmentToModel(a *types.TaskAssignment) *AssignmentModel {
	return &AssignmentModel{
		UserID:     a.UserID,
		TaskID:     a.TaskID,
		TokensUsed: a.TokensUsed,
		Active:     a.Active,
		AssignedAt: a.AssignedAt,
	}
}

func recordToModel(r types.RequestRecord) (*RecordModel, error) {
	reasons := ""
	if len(r.SafetyReasons) > 0 {
		b, err := json.Marshal(r.SafetyReasons)
		if err != nil {
			return nil, err
		}
		reasons = string(b)
	}
	return &RecordModel{
		RequestID:        r.RequestID,
		UserID:           r.UserID,
		TenantID:         r.TenantID,
		TaskID:           r.TaskID,
		Model:            r.Model,
		Prompt:           r.Prompt,
		SystemMessage:    r.SystemMessage,
		Response:         r.Response,
		Intent:           r.Intent,
		Confidence:       r.Confidence,
		DeviationDelta:   r.DeviationDelta,
		ScoreBefore:      r.ScoreBefore,
		ScoreAfter:       r.ScoreAfter,
		PromptTokens:     r.PromptTokens,
		CompletionTokens: r.CompletionTokens,
		TotalTokens:      r.TotalTokens,
		EstimatedTokens:  r.EstimatedTokens,
		OverflowTokens:   r.OverflowTokens,
		SafetyRisk:       r.SafetyRisk,
		SafetyReasons:    reasons,
		LatencyMS:        r.LatencyMS,
		IPAddress:        r.IPAddress,
		UserAgent:        r.UserAgent,
		Status:           string(r.Status),
		ErrorCode:        string(r.ErrorCode),
		ErrorMessage:     r.ErrorMessage,
		Timestamp:        r.Timestamp,
	}, nil
}

func recordFromModel(m *RecordModel) types.RequestRecord {
	r := types.RequestRecord{
		RequestID:        m.RequestID,
		UserID:           m.UserID,
		TenantID:         m.TenantID,
		TaskID:           m.TaskID,
		Model:            m.Model,
		Prompt:           m.Prompt,
		SystemMessage:    m.SystemMessage,
		Response:         m.Response,
		Intent:           m.Intent,
		Confidence:       m.Confidence,
		DeviationDelta:   m.DeviationDelta,
		ScoreBefore:      m.ScoreBefore,
		ScoreAfter:       m.ScoreAfter,
		PromptTokens:     m.PromptTokens,
		CompletionTokens: m.CompletionTokens,
		TotalTokens:      m.TotalTokens,
		EstimatedTokens:  m.EstimatedTokens,
		OverflowTokens:   m.OverflowTokens,
		SafetyRisk:       m.SafetyRisk,
		LatencyMS:        m.LatencyMS,
		IPAddress:        m.IPAddress,
		UserAgent:        m.UserAgent,
		Status:           types.RecordStatus(m.Status),
		ErrorCode:        types.ErrorCode(m.ErrorCode),
		ErrorMessage:     m.ErrorMessage,
		Timestamp:        m.Timestamp,
	}
	if m.SafetyReasons != "" {
		_ = json.Unmarshal([]byte(m.SafetyReasons), &r.SafetyReasons)
	}
	return r
}

func alertToModel(a *types.Alert) (*AlertModel, error) {
	meta := ""
	if len(a.Metadata) > 0 {
		b, err := json.Marshal(a.Metadata)
		if err != nil {
			return nil, err
		}
		meta = string(b)
	}
	return &AlertModel{
		ID:          a.ID,
		UserID:      a.UserID,
		TenantID:    a.TenantID,
		TaskID:      a.TaskID,
		Type:        string(a.Type),
		Severity:    string(a.Severity),
		Status:      string(a.Status),
		Title:       a.Title,
		Description: a.Description,
		Metadata:    meta,
		ReviewedBy:  a.ReviewedBy,
		ReviewNotes: a.ReviewNotes,
		ReviewedAt:  a.ReviewedAt,
		CreatedAt:   a.CreatedAt,
	}, nil
}

func alertFromModel(m *AlertModel) types.Alert {
	a := types.Alert{
		ID:          m.ID,
		UserID:      m.UserID,
		TenantID:    m.TenantID,
		TaskID:      m.TaskID,
		Type:        types.AlertType(m.Type),
		Severity:    types.Severity(m.Severity),
		Status:      types.AlertStatus(m.Status),
		Title:       m.Title,
		Description: m.Description,
		ReviewedBy:  m.ReviewedBy,
		ReviewNotes: m.ReviewNotes,
		ReviewedAt:  m.ReviewedAt,
		CreatedAt:   m.CreatedAt,
	}
	if m.Metadata != "" {
		_ = json.Unmarshal([]byte(m.Metadata), &a.Metadata)
	}
	return a
}
