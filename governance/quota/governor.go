package quota

import (
	"context"
	"errors"
	"fmt"
	"time"

	"go.uber.org/zap"

	"github.com/BaSui01/guardflow/store"
	"github.com/BaSui01/guardflow/types"
)

// Config 配额治理参数
type Config struct {
	ResponseBuffer             int64
	DefaultMaxTokensPerRequest int64
	ResponseCeiling            int64
}

// DefaultConfig 返回默认参数
func DefaultConfig() Config {
	return Config{
		ResponseBuffer:             DefaultResponseBuffer,
		DefaultMaxTokensPerRequest: DefaultMaxTokensPerRequest,
		ResponseCeiling:            DefaultResponseCeiling,
	}
}

// GateFunc 在全部账户与配额检查通过后执行的附加闸门（如小时限流）
type GateFunc func(ctx context.Context, user *types.User) error

// AdmitRequest 准入请求
type AdmitRequest struct {
	UserID          string
	Task            types.Task
	EstimatedTokens int64
	Gate            GateFunc
}

// Admission 准入通过时的账户快照与响应 Token 上限
type Admission struct {
	User              *types.User
	Assignment        *types.TaskAssignment
	MaxResponseTokens int64
}

// Governor 在账户存储的用户级原子区内执行配额准入与记账
type Governor struct {
	accounts store.Accounts
	cfg      Config
	logger   *zap.Logger
	now      func() time.Time
}

// NewGovernor 创建配额治理器
func NewGovernor(accounts store.Accounts, cfg Config, logger *zap.Logger) *Governor {
	if logger == nil {
		logger = zap.NewNop()
	}
	if cfg.ResponseBuffer < 0 {
		cfg.ResponseBuffer = DefaultResponseBuffer
	}
	if cfg.DefaultMaxTokensPerRequest <= 0 {
		cfg.DefaultMaxTokensPerRequest = DefaultMaxTokensPerRequest
	}
	if cfg.ResponseCeiling <= 0 {
		cfg.ResponseCeiling = DefaultResponseCeiling
	}
	return &Governor{
		accounts: accounts,
		cfg:      cfg,
		logger:   logger.With(zap.String("component", "quota")),
		now:      time.Now,
	}
}

// 准入只读，不写回账户
var errReadOnly = errors.New("quota: read only")

// Admit 依次检查：封禁、任务启用、任务分配、单请求上限、日、月、任务预算，最后是附加闸门。
// 拒绝时返回 *types.Error，且不修改任何计数器。
func (g *Governor) Admit(ctx context.Context, req AdmitRequest) (*Admission, error) {
	var adm *Admission
	err := g.accounts.UpdateAccount(ctx, req.UserID, req.Task.ID, func(u *types.User, a *types.TaskAssignment) error {
		if err := g.admit(ctx, req, u, a); err != nil {
			return err
		}
		adm = &Admission{
			User:       u.Clone(),
			Assignment: a.Clone(),
			MaxResponseTokens: MaxResponseTokens(req.Task, u, a, req.EstimatedTokens,
				g.cfg.ResponseCeiling, g.cfg.DefaultMaxTokensPerRequest),
		}
		return errReadOnly
	})

	switch {
	case errors.Is(err, errReadOnly):
		return adm, nil
	case errors.Is(err, store.ErrNotFound):
		return nil, types.NewError(types.ErrNotFound, fmt.Sprintf("user %s not found", req.UserID))
	case err != nil:
		if _, ok := types.AsError(err); ok {
			return nil, err
		}
		return nil, types.NewInternalError("quota admission failed", err)
	}
	// 存储实现未把回调错误透传
	return nil, types.NewInternalError("quota admission returned no decision", nil)
}

func (g *Governor) admit(ctx context.Context, req AdmitRequest, u *types.User, a *types.TaskAssignment) error {
	if u.IsBlocked {
		return types.NewError(types.ErrUserBlocked, fmt.Sprintf("User is blocked: %s", u.BlockedReason))
	}
	if !req.Task.Active {
		return types.NewError(types.ErrTaskInactive, fmt.Sprintf("Task %s is not active", req.Task.ID))
	}
	if _, regular := req.Task.Kind().(types.RegularTask); regular && (a == nil || !a.Active) {
		return types.NewError(types.ErrTaskNotAssigned,
			fmt.Sprintf("Task %s is not assigned to user %s", req.Task.ID, u.ID))
	}
	if d := CheckPerRequest(req.Task, req.EstimatedTokens, g.cfg.ResponseBuffer, g.cfg.DefaultMaxTokensPerRequest); !d.Allowed {
		return d.Err()
	}
	if d := CheckQuotas(u, req.Task, a, req.EstimatedTokens); !d.Allowed {
		g.logger.Info("quota denied",
			zap.String("user_id", u.ID),
			zap.String("limit", string(d.Limit)),
			zap.Int64("used", d.Used),
			zap.Int64("quota", d.Quota),
			zap.Int64("needed", d.Needed))
		return d.Err()
	}
	// 闸门会消耗计数，只对其余检查都已通过的请求调用
	if req.Gate != nil {
		return req.Gate(ctx, u)
	}
	return nil
}

// Commit 在原子区内记入实际用量并刷新最近活跃时间
func (g *Governor) Commit(ctx context.Context, userID string, task types.Task, actual int64) (UsageDelta, error) {
	var delta UsageDelta
	err := g.accounts.UpdateAccount(ctx, userID, task.ID, func(u *types.User, a *types.TaskAssignment) error {
		delta = UpdateUsage(u, task, a, actual)
		u.LastActivity = g.now()
		return nil
	})
	if err != nil {
		return UsageDelta{}, fmt.Errorf("commit usage for %s: %w", userID, err)
	}
	if delta.Overflow > 0 {
		g.logger.Warn("usage clipped at quota",
			zap.String("user_id", userID),
			zap.String("task_id", task.ID),
			zap.Int64("actual", actual),
			zap.Int64("overflow", delta.Overflow))
	}
	return delta, nil
}

// Status 读取用户当前配额概览
func (g *Governor) Status(ctx context.Context, userID string, task types.Task) (Status, error) {
	u, err := g.accounts.GetUser(ctx, userID)
	if err != nil {
		return Status{}, err
	}
	var a *types.TaskAssignment
	if task.ID != "" {
		a, err = g.accounts.GetAssignment(ctx, userID, task.ID)
		if err != nil && !errors.Is(err, store.ErrNotFound) {
			return Status{}, err
		}
	}
	return StatusOf(u, task, a), nil
}

// ResetDaily 清零全部用户的日用量
func (g *Governor) ResetDaily(ctx context.Context) (int64, error) {
	n, err := g.accounts.ResetDailyUsage(ctx)
	if err != nil {
		return 0, err
	}
	g.logger.Info("daily usage reset", zap.Int64("users", n))
	return n, nil
}

// ResetMonthly 清零全部用户的月用量
func (g *Governor) ResetMonthly(ctx context.Context) (int64, error) {
	n, err := g.accounts.ResetMonthlyUsage(ctx)
	if err != nil {
		return 0, err
	}
	g.logger.Info("monthly usage reset", zap.Int64("users", n))
	return n, nil
}
