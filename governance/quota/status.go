package quota

import "github.com/BaSui01/guardflow/types"

// Window 单个配额窗口的使用情况
type Window struct {
	Used       int64   `json:"used"`
	Quota      int64   `json:"quota"`
	Remaining  int64   `json:"remaining"`
	Percentage float64 `json:"percentage"`
}

func newWindow(used, quota int64) Window {
	w := Window{Used: used, Quota: quota}
	if quota > 0 {
		w.Remaining = max(quota-used, 0)
		w.Percentage = float64(used) / float64(quota) * 100
	}
	return w
}

// Status 用户配额概览。Task 仅在常规任务设置了预算时存在。
type Status struct {
	UserID  string  `json:"user_id"`
	Daily   Window  `json:"daily"`
	Monthly Window  `json:"monthly"`
	Task    *Window `json:"task,omitempty"`
}

// StatusOf 计算配额概览
func StatusOf(user *types.User, task types.Task, a *types.TaskAssignment) Status {
	s := Status{
		UserID:  user.ID,
		Daily:   newWindow(user.DailyUsed, user.DailyQuota),
		Monthly: newWindow(user.MonthlyUsed, user.MonthlyQuota),
	}
	if budget := taskBudget(task); budget > 0 && a != nil {
		w := newWindow(a.TokensUsed, budget)
		s.Task = &w
	}
	return s
}
