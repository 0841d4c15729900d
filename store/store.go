package store

import (
	"context"
	"errors"
	"time"

	"github.com/BaSui01/guardflow/types"
)

var (
	// ErrNotFound 记录不存在
	ErrNotFound = errors.New("store: not found")
	// ErrConflict 乐观锁重试耗尽
	ErrConflict = errors.New("store: concurrent update conflict")
)

// AccountFunc 在用户级串行边界内修改账户。
// a 在 taskID 为空或分配不存在时为 nil。返回错误则不写回任何修改。
type AccountFunc func(u *types.User, a *types.TaskAssignment) error

// Accounts 用户账户存储：配额计数器、偏离分数与封禁状态的唯一写入口
type Accounts interface {
	// EnsureAccount 以加载器提供的快照初始化账户，已存在时不覆盖
	EnsureAccount(ctx context.Context, user *types.User, assignment *types.TaskAssignment) error
	// GetUser 返回用户快照
	GetUser(ctx context.Context, userID string) (*types.User, error)
	// GetAssignment 返回任务分配快照
	GetAssignment(ctx context.Context, userID, taskID string) (*types.TaskAssignment, error)
	// UpdateAccount 原子地读取-修改-写回单个用户的账户
	UpdateAccount(ctx context.Context, userID, taskID string, fn AccountFunc) error
	// ResetDailyUsage 清零所有用户的日用量，返回影响行数
	ResetDailyUsage(ctx context.Context) (int64, error)
	// ResetMonthlyUsage 清零所有用户的月用量，返回影响行数
	ResetMonthlyUsage(ctx context.Context) (int64, error)
}

// TokenStats 时间窗口内成功请求的 Token 统计
type TokenStats struct {
	Requests      int64
	TotalTokens   int64
	LargeRequests int64
}

// Average 平均每请求 Token 数，无请求时返回 0
func (s TokenStats) Average() float64 {
	if s.Requests == 0 {
		return 0
	}
	return float64(s.TotalTokens) / float64(s.Requests)
}

// History 用户请求历史查询
type History interface {
	// RecentIntents 返回 since 之后最近 limit 条带意图的记录的意图，按时间倒序
	RecentIntents(ctx context.Context, userID string, since time.Time, limit int) ([]string, error)
	// CountRequests 统计 since 之后的全部请求记录数
	CountRequests(ctx context.Context, userID string, since time.Time) (int64, error)
	// TokenStats 统计 since 之后消耗了 Token 的请求；
	// LargeRequests 为 TotalTokens 超过 largeThreshold 的请求数
	TokenStats(ctx context.Context, userID string, since time.Time, largeThreshold int) (TokenStats, error)
	// Records 返回 since 之后的记录，按时间正序
	Records(ctx context.Context, userID string, since time.Time) ([]types.RequestRecord, error)
}

// RecordSink 请求审计记录写入（只写一次）
type RecordSink interface {
	SaveRecord(ctx context.Context, rec types.RequestRecord) error
}

// AlertFilter 告警查询条件
type AlertFilter struct {
	UserID string
	Status types.AlertStatus
	Limit  int
}

// AlertStore 告警存储
type AlertStore interface {
	SaveAlert(ctx context.Context, alert *types.Alert) error
	GetAlert(ctx context.Context, id string) (*types.Alert, error)
	// UpdateAlert 原子地修改单条告警并返回修改后的副本
	UpdateAlert(ctx context.Context, id string, fn func(*types.Alert) error) (*types.Alert, error)
	// ListAlerts 按创建时间倒序返回告警
	ListAlerts(ctx context.Context, filter AlertFilter) ([]types.Alert, error)
}
