package store

import (
	"context"
	"maps"
	"slices"
	"sort"
	"sync"
	"time"

	"github.com/BaSui01/guardflow/internal/keylock"
	"github.com/BaSui01/guardflow/types"
)

type assignmentKey struct {
	userID string
	taskID string
}

// MemoryStore 进程内存储实现。
// 账户修改按用户加锁串行化，map 访问由 mu 保护。
type MemoryStore struct {
	locks *keylock.Locker

	mu          sync.RWMutex
	users       map[string]*types.User
	assignments map[assignmentKey]*types.TaskAssignment
	records     map[string][]types.RequestRecord
	alerts      map[string]*types.Alert
}

// NewMemoryStore 创建内存存储
func NewMemoryStore() *MemoryStore {
	return &MemoryStore{
		locks:       keylock.New(),
		users:       make(map[string]*types.User),
		assignments: make(map[assignmentKey]*types.TaskAssignment),
		records:     make(map[string][]types.RequestRecord),
		alerts:      make(map[string]*types.Alert),
	}
}

var (
	_ Accounts   = (*MemoryStore)(nil)
	_ History    = (*MemoryStore)(nil)
	_ RecordSink = (*MemoryStore)(nil)
	_ AlertStore = (*MemoryStore)(nil)
)

// ====== 账户 ======

// PutUser 写入（覆盖）用户
func (s *MemoryStore) PutUser(user *types.User) {
	s.mu.Lock()
	defer s.mu.Unlock()
	s.users[user.ID] = user.Clone()
}

// PutAssignment 写入（覆盖）任务分配
func (s *MemoryStore) PutAssignment(a *types.TaskAssignment) {
	s.mu.Lock()
	defer s.mu.Unlock()
	s.assignments[assignmentKey{a.UserID, a.TaskID}] = a.Clone()
}

func (s *MemoryStore) EnsureAccount(_ context.Context, user *types.User, assignment *types.TaskAssignment) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	if user != nil {
		if _, ok := s.users[user.ID]; !ok {
			s.users[user.ID] = user.Clone()
		}
	}
	if assignment != nil {
		key := assignmentKey{assignment.UserID, assignment.TaskID}
		if _, ok := s.assignments[key]; !ok {
			s.assignments[key] = assignment.Clone()
		}
	}
	return nil
}

func (s *MemoryStore) GetUser(_ context.Context, userID string) (*types.User, error) {
	s.mu.RLock()
	defer s.mu.RUnlock()
	u, ok := s.users[userID]
	if !ok {
		return nil, ErrNotFound
	}
	return u.Clone(), nil
}

func (s *MemoryStore) GetAssignment(_ context.Context, userID, taskID string) (*types.TaskAssignment, error) {
	s.mu.RLock()
	defer s.mu.RUnlock()
	a, ok := s.assignments[assignmentKey{userID, taskID}]
	if !ok {
		return nil, ErrNotFound
	}
	return a.Clone(), nil
}

func (s *MemoryStore) UpdateAccount(ctx context.Context, userID, taskID string, fn AccountFunc) error {
	unlock := s.locks.Lock(userID)
	defer unlock()

	if err := ctx.Err(); err != nil {
		return err
	}

	s.mu.RLock()
	current, ok := s.users[userID]
	var assignment *types.TaskAssignment
	if taskID != "" {
		assignment = s.assignments[assignmentKey{userID, taskID}].Clone()
	}
	user := current.Clone()
	s.mu.RUnlock()

	if !ok {
		return ErrNotFound
	}
	if err := fn(user, assignment); err != nil {
		return err
	}

	s.mu.Lock()
	defer s.mu.Unlock()
	s.users[userID] = user
	if assignment != nil {
		s.assignments[assignmentKey{userID, taskID}] = assignment
	}
	return nil
}

func (s *MemoryStore) ResetDailyUsage(ctx context.Context) (int64, error) {
	return s.resetUsage(func(u *types.User) { u.DailyUsed = 0 })
}

func (s *MemoryStore) ResetMonthlyUsage(ctx context.Context) (int64, error) {
	return s.resetUsage(func(u *types.User) { u.MonthlyUsed = 0 })
}

func (s *MemoryStore) resetUsage(reset func(*types.User)) (int64, error) {
	s.mu.RLock()
	ids := slices.Collect(maps.Keys(s.users))
	s.mu.RUnlock()

	var n int64
	for _, id := range ids {
		unlock := s.locks.Lock(id)
		s.mu.Lock()
		if u, ok := s.users[id]; ok {
			c := u.Clone()
			reset(c)
			s.users[id] = c
			n++
		}
		s.mu.Unlock()
		unlock()
	}
	return n, nil
}

// ====== 请求记录 ======

func (s *MemoryStore) SaveRecord(_ context.Context, rec types.RequestRecord) error {
	rec.SafetyReasons = slices.Clone(rec.SafetyReasons)
	s.mu.Lock()
	defer s.mu.Unlock()
	s.records[rec.UserID] = append(s.records[rec.UserID], rec)
	return nil
}

// since 之后的记录（含 since），按时间正序
func (s *MemoryStore) window(userID string, since time.Time) []types.RequestRecord {
	s.mu.RLock()
	all := s.records[userID]
	out := make([]types.RequestRecord, 0, len(all))
	for _, r := range all {
		if !r.Timestamp.Before(since) {
			out = append(out, r)
		}
	}
	s.mu.RUnlock()

	sort.SliceStable(out, func(i, j int) bool { return out[i].Timestamp.Before(out[j].Timestamp) })
	return out
}

func (s *MemoryStore) RecentIntents(_ context.Context, userID string, since time.Time, limit int) ([]string, error) {
	recs := s.window(userID, since)
	var intents []string
	for i := len(recs) - 1; i >= 0 && (limit <= 0 || len(intents) < limit); i-- {
		if recs[i].Intent != "" {
			intents = append(intents, recs[i].Intent)
		}
	}
	return intents, nil
}

func (s *MemoryStore) CountRequests(_ context.Context, userID string, since time.Time) (int64, error) {
	return int64(len(s.window(userID, since))), nil
}

func (s *MemoryStore) TokenStats(_ context.Context, userID string, since time.Time, largeThreshold int) (TokenStats, error) {
	var st TokenStats
	for _, r := range s.window(userID, since) {
		if r.TotalTokens <= 0 {
			continue
		}
		st.Requests++
		st.TotalTokens += int64(r.TotalTokens)
		if r.TotalTokens > largeThreshold {
			st.LargeRequests++
		}
	}
	return st, nil
}

func (s *MemoryStore) Records(_ context.Context, userID string, since time.Time) ([]types.RequestRecord, error) {
	return s.window(userID, since), nil
}

// ====== 告警 ======

func (s *MemoryStore) SaveAlert(_ context.Context, alert *types.Alert) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	s.alerts[alert.ID] = cloneAlert(alert)
	return nil
}

func (s *MemoryStore) GetAlert(_ context.Context, id string) (*types.Alert, error) {
	s.mu.RLock()
	defer s.mu.RUnlock()
	a, ok := s.alerts[id]
	if !ok {
		return nil, ErrNotFound
	}
	return cloneAlert(a), nil
}

func (s *MemoryStore) UpdateAlert(_ context.Context, id string, fn func(*types.Alert) error) (*types.Alert, error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	a, ok := s.alerts[id]
	if !ok {
		return nil, ErrNotFound
	}
	c := cloneAlert(a)
	if err := fn(c); err != nil {
		return nil, err
	}
	s.alerts[id] = c
	return cloneAlert(c), nil
}

func (s *MemoryStore) ListAlerts(_ context.Context, filter AlertFilter) ([]types.Alert, error) {
	s.mu.RLock()
	out := make([]types.Alert, 0)
	for _, a := range s.alerts {
		if filter.UserID != "" && a.UserID != filter.UserID {
			continue
		}
		if filter.Status != "" && a.Status != filter.Status {
			continue
		}
		out = append(out, *cloneAlert(a))
	}
	s.mu.RUnlock()

	sort.SliceStable(out, func(i, j int) bool { return out[i].CreatedAt.After(out[j].CreatedAt) })
	if filter.Limit > 0 && len(out) > filter.Limit {
		out = out[:filter.Limit]
	}
	return out, nil
}

func cloneAlert(a *types.Alert) *types.Alert {
	if a == nil {
		return nil
	}
	c := *a
	c.Metadata = maps.Clone(a.Metadata)
	if a.ReviewedAt != nil {
		at := *a.ReviewedAt
		c.ReviewedAt = &at
	}
	return &c
}
