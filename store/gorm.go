package store

import (
	"context"
	"errors"
	"fmt"
	"time"

	"go.uber.org/zap"
	"gorm.io/gorm"
	"gorm.io/gorm/clause"

	"github.com/BaSui01/guardflow/internal/database"
	"github.com/BaSui01/guardflow/internal/keylock"
	"github.com/BaSui01/guardflow/types"
)

const defaultMaxRetries = 5

var errVersionConflict = errors.New("version conflict")

// GormStore 关系型存储实现。
// 账户更新在事务内以 version 列做乐观并发控制，
// 同进程内另按用户加锁以减少无谓冲突。
type GormStore struct {
	db         *gorm.DB
	locks      *keylock.Locker
	maxRetries int
	logger     *zap.Logger
}

// GormOption 配置 GormStore
type GormOption func(*GormStore)

// WithMaxRetries 设置乐观锁冲突的最大重试次数
func WithMaxRetries(n int) GormOption {
	return func(s *GormStore) {
		if n > 0 {
			s.maxRetries = n
		}
	}
}

// NewGormStore 创建关系型存储
func NewGormStore(db *gorm.DB, logger *zap.Logger, opts ...GormOption) *GormStore {
	if logger == nil {
		logger = zap.NewNop()
	}
	s := &GormStore{
		db:         db,
		locks:      keylock.New(),
		maxRetries: defaultMaxRetries,
		logger:     logger.With(zap.String("component", "gorm_store")),
	}
	for _, opt := range opts {
		opt(s)
	}
	return s
}

var (
	_ Accounts   = (*GormStore)(nil)
	_ History    = (*GormStore)(nil)
	_ RecordSink = (*GormStore)(nil)
	_ AlertStore = (*GormStore)(nil)
)

// AutoMigrate 按模型建表，仅用于开发与测试；生产环境使用 migrate 子命令
func (s *GormStore) AutoMigrate(ctx context.Context) error {
	if err := s.db.WithContext(ctx).AutoMigrate(AllModels()...); err != nil {
		return fmt.Errorf("failed to auto migrate: %w", err)
	}
	return nil
}

// ====== 账户 ======

func (s *GormStore) EnsureAccount(ctx context.Context, user *types.User, assignment *types.TaskAssignment) error {
	return s.db.WithContext(ctx).Transaction(func(tx *gorm.DB) error {
		if user != nil {
			if err := tx.Clauses(clause.OnConflict{DoNothing: true}).Create(userToModel(user)).Error; err != nil {
				return fmt.Errorf("ensure user %s: %w", user.ID, err)
			}
		}
		if assignment != nil {
			if err := tx.Clauses(clause.OnConflict{DoNothing: true}).Create(assignmentToModel(assignment)).Error; err != nil {
				return fmt.Errorf("ensure assignment %s/%s: %w", assignment.UserID, assignment.TaskID, err)
			}
		}
		return nil
	})
}

func (s *GormStore) GetUser(ctx context.Context, userID string) (*types.User, error) {
	var m UserModel
	if err := s.db.WithContext(ctx).First(&m, "id = ?", userID).Error; err != nil {
		return nil, translate(err)
	}
	return userFromModel(&m), nil
}

func (s *GormStore) GetAssignment(ctx context.Context, userID, taskID string) (*types.TaskAssignment, error) {
	var m AssignmentModel
	if err := s.db.WithContext(ctx).First(&m, "user_id = ? AND task_id = ?", userID, taskID).Error; err != nil {
		return nil, translate(err)
	}
	return assignmentFromModel(&m), nil
}

func (s *GormStore) UpdateAccount(ctx context.Context, userID, taskID string, fn AccountFunc) error {
	unlock := s.locks.Lock(userID)
	defer unlock()

	for attempt := 1; attempt <= s.maxRetries; attempt++ {
		err := s.db.WithContext(ctx).Transaction(func(tx *gorm.DB) error {
			return s.updateOnce(tx, userID, taskID, fn)
		})
		if !errors.Is(err, errVersionConflict) && !database.IsRetryableError(err) {
			return err
		}
		s.logger.Debug("account update conflict, retrying",
			zap.String("user_id", userID),
			zap.Int("attempt", attempt),
			zap.Error(err))
	}
	return ErrConflict
}

func (s *GormStore) updateOnce(tx *gorm.DB, userID, taskID string, fn AccountFunc) error {
	var um UserModel
	if err := tx.First(&um, "id = ?", userID).Error; err != nil {
		return translate(err)
	}

	var (
		am         AssignmentModel
		assignment *types.TaskAssignment
	)
	if taskID != "" {
		err := tx.First(&am, "user_id = ? AND task_id = ?", userID, taskID).Error
		switch {
		case err == nil:
			assignment = assignmentFromModel(&am)
		case !errors.Is(err, gorm.ErrRecordNotFound):
			return err
		}
	}

	user := userFromModel(&um)
	if err := fn(user, assignment); err != nil {
		return err
	}

	next := userToModel(user)
	res := tx.Model(&UserModel{}).
		Where("id = ? AND version = ?", userID, um.Version).
		Updates(map[string]any{
			"daily_used":      next.DailyUsed,
			"monthly_used":    next.MonthlyUsed,
			"deviation_score": next.DeviationScore,
			"is_blocked":      next.IsBlocked,
			"blocked_reason":  next.BlockedReason,
			"blocked_at":      next.BlockedAt,
			"last_activity":   next.LastActivity,
			"version":         um.Version + 1,
		})
	if res.Error != nil {
		return res.Error
	}
	if res.RowsAffected == 0 {
		return errVersionConflict
	}

	if assignment != nil {
		res = tx.Model(&AssignmentModel{}).
			Where("user_id = ? AND task_id = ? AND version = ?", userID, taskID, am.Version).
			Updates(map[string]any{
				"tokens_used": assignment.TokensUsed,
				"active":      assignment.Active,
				"version":     am.Version + 1,
			})
		if res.Error != nil {
			return res.Error
		}
		if res.RowsAffected == 0 {
			return errVersionConflict
		}
	}
	return nil
}

func (s *GormStore) ResetDailyUsage(ctx context.Context) (int64, error) {
	return s.resetColumn(ctx, "daily_used")
}

func (s *GormStore) ResetMonthlyUsage(ctx context.Context) (int64, error) {
	return s.resetColumn(ctx, "monthly_used")
}

func (s *GormStore) resetColumn(ctx context.Context, column string) (int64, error) {
	res := s.db.WithContext(ctx).Model(&UserModel{}).
		Where(column+" <> 0").
		Updates(map[string]any{
			column:    0,
			"version": gorm.Expr("version + 1"),
		})
	if res.Error != nil {
		return 0, fmt.Errorf("reset %s: %w", column, res.Error)
	}
	return res.RowsAffected, nil
}

// ====== 请求记录 ======

func (s *GormStore) SaveRecord(ctx context.Context, rec types.RequestRecord) error {
	rec.Timestamp = rec.Timestamp.UTC()
	m, err := recordToModel(rec)
	if err != nil {
		return fmt.Errorf("encode record: %w", err)
	}
	return s.db.WithContext(ctx).Create(m).Error
}

func (s *GormStore) userWindow(ctx context.Context, userID string, since time.Time) *gorm.DB {
	return s.db.WithContext(ctx).Model(&RecordModel{}).
		Where("user_id = ? AND timestamp >= ?", userID, since.UTC())
}

func (s *GormStore) RecentIntents(ctx context.Context, userID string, since time.Time, limit int) ([]string, error) {
	q := s.userWindow(ctx, userID, since).
		Where("intent <> ''").
		Order("timestamp DESC").Order("id DESC")
	if limit > 0 {
		q = q.Limit(limit)
	}
	var intents []string
	if err := q.Pluck("intent", &intents).Error; err != nil {
		return nil, err
	}
	return intents, nil
}

func (s *GormStore) CountRequests(ctx context.Context, userID string, since time.Time) (int64, error) {
	var n int64
	err := s.userWindow(ctx, userID, since).Count(&n).Error
	return n, err
}

func (s *GormStore) TokenStats(ctx context.Context, userID string, since time.Time, largeThreshold int) (TokenStats, error) {
	var row struct {
		Requests int64
		Tokens   int64
		Large    int64
	}
	err := s.userWindow(ctx, userID, since).
		Where("total_tokens > 0").
		Select("COUNT(*) AS requests, "+
			"COALESCE(SUM(total_tokens), 0) AS tokens, "+
			"COALESCE(SUM(CASE WHEN total_tokens > ? THEN 1 ELSE 0 END), 0) AS large", largeThreshold).
		Scan(&row).Error
	if err != nil {
		return TokenStats{}, err
	}
	return TokenStats{Requests: row.Requests, TotalTokens: row.Tokens, LargeRequests: row.Large}, nil
}

func (s *GormStore) Records(ctx context.Context, userID string, since time.Time) ([]types.RequestRecord, error) {
	var rows []RecordModel
	if err := s.userWindow(ctx, userID, since).Order("timestamp ASC").Order("id ASC").Find(&rows).Error; err != nil {
		return nil, err
	}
	out := make([]types.RequestRecord, 0, len(rows))
	for i := range rows {
		out = append(out, recordFromModel(&rows[i]))
	}
	return out, nil
}

// ====== 告警 ======

func (s *GormStore) SaveAlert(ctx context.Context, alert *types.Alert) error {
	m, err := alertToModel(alert)
	if err != nil {
		return fmt.Errorf("encode alert: %w", err)
	}
	return s.db.WithContext(ctx).Create(m).Error
}

func (s *GormStore) GetAlert(ctx context.Context, id string) (*types.Alert, error) {
	var m AlertModel
	if err := s.db.WithContext(ctx).First(&m, "id = ?", id).Error; err != nil {
		return nil, translate(err)
	}
	a := alertFromModel(&m)
	return &a, nil
}

func (s *GormStore) UpdateAlert(ctx context.Context, id string, fn func(*types.Alert) error) (*types.Alert, error) {
	var updated *types.Alert
	err := s.db.WithContext(ctx).Transaction(func(tx *gorm.DB) error {
		var m AlertModel
		if err := tx.Clauses(clause.Locking{Strength: "UPDATE"}).First(&m, "id = ?", id).Error; err != nil {
			return translate(err)
		}
		a := alertFromModel(&m)
		if err := fn(&a); err != nil {
			return err
		}
		next, err := alertToModel(&a)
		if err != nil {
			return err
		}
		if err := tx.Save(next).Error; err != nil {
			return err
		}
		updated = &a
		return nil
	})
	if err != nil {
		return nil, err
	}
	return updated, nil
}

func (s *GormStore) ListAlerts(ctx context.Context, filter AlertFilter) ([]types.Alert, error) {
	q := s.db.WithContext(ctx).Model(&AlertModel{})
	if filter.UserID != "" {
		q = q.Where("user_id = ?", filter.UserID)
	}
	if filter.Status != "" {
		q = q.Where("status = ?", string(filter.Status))
	}
	q = q.Order("created_at DESC")
	if filter.Limit > 0 {
		q = q.Limit(filter.Limit)
	}
	var rows []AlertModel
	if err := q.Find(&rows).Error; err != nil {
		return nil, err
	}
	out := make([]types.Alert, 0, len(rows))
	for i := range rows {
		out = append(out, alertFromModel(&rows[i]))
	}
	return out, nil
}

func translate(err error) error {
	if errors.Is(err, gorm.ErrRecordNotFound) {
		return ErrNotFound
	}
	return err
}
