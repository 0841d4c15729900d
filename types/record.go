package types

import "time"

// RecordStatus 请求最终状态
type RecordStatus string

const (
	RecordSuccess RecordStatus = "success"
	RecordBlocked RecordStatus = "blocked"
	RecordError   RecordStatus = "error"
)

// IntentUnknown 无法解析分类时使用的意图
const IntentUnknown = "unknown"

// RequestRecord 单次请求的审计记录，创建后不再修改
type RequestRecord struct {
	RequestID string `json:"request_id"`
	UserID    string `json:"user_id"`
	TenantID  string `json:"tenant_id,omitempty"`
	TaskID    string `json:"task_id,omitempty"`
	Model     string `json:"model,omitempty"`

	Prompt        string `json:"prompt"`
	SystemMessage string `json:"system_message,omitempty"`
	Response      string `json:"response,omitempty"`

	Intent         string  `json:"intent,omitempty"`
	Confidence     float64 `json:"confidence,omitempty"`
	DeviationDelta float64 `json:"deviation_delta"`
	ScoreBefore    float64 `json:"score_before"`
	ScoreAfter     float64 `json:"score_after"`

	PromptTokens     int   `json:"prompt_tokens"`
	CompletionTokens int   `json:"completion_tokens"`
	TotalTokens      int   `json:"total_tokens"`
	EstimatedTokens  int64 `json:"estimated_tokens"`
	OverflowTokens   int64 `json:"overflow_tokens,omitempty"`

	SafetyRisk    string   `json:"safety_risk,omitempty"`
	SafetyReasons []string `json:"safety_reasons,omitempty"`

	LatencyMS int64  `json:"response_time_ms"`
	IPAddress string `json:"ip_address,omitempty"`
	UserAgent string `json:"user_agent,omitempty"`

	Status       RecordStatus `json:"status"`
	ErrorCode    ErrorCode    `json:"error_code,omitempty"`
	ErrorMessage string       `json:"error_message,omitempty"`
	Timestamp    time.Time    `json:"timestamp"`
}
