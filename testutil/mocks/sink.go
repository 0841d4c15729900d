// =============================================================================
// 🗄️ RecordingSink - 审计写入模拟实现
// =============================================================================
// 同时实现 store.RecordSink 与 anomaly.AlertSink，记录写入内容并支持错误注入
//
// 使用方法:
//
//	sink := mocks.NewRecordingSink()
//	engine := anomaly.NewEngine(st, st, st, cfg, logger, anomaly.WithMirror(sink))
//	alerts := sink.Alerts()
// =============================================================================
package mocks

import (
	"context"
	"sync"

	"github.com/BaSui01/guardflow/types"
)

// RecordingSink 记录所有写入的审计记录与告警
type RecordingSink struct {
	mu sync.RWMutex

	records []types.RequestRecord
	alerts  []types.Alert

	// 错误注入
	recordErr error
	alertErr  error

	// 调用记录
	recordCalls int
	alertCalls  int
}

// NewRecordingSink 创建新的 RecordingSink
func NewRecordingSink() *RecordingSink {
	return &RecordingSink{}
}

// WithRecordError 设置 SaveRecord 的错误
func (s *RecordingSink) WithRecordError(err error) *RecordingSink {
	s.mu.Lock()
	defer s.mu.Unlock()
	s.recordErr = err
	return s
}

// WithAlertError 设置 SaveAlert 的错误
func (s *RecordingSink) WithAlertError(err error) *RecordingSink {
	s.mu.Lock()
	defer s.mu.Unlock()
	s.alertErr = err
	return s
}

// SaveRecord 记录审计记录
func (s *RecordingSink) SaveRecord(_ context.Context, rec types.RequestRecord) error {
	s.mu.Lock()
	defer s.mu.Unlock()

	s.recordCalls++
	if s.recordErr != nil {
		return s.recordErr
	}
	s.records = append(s.records, rec)
	return nil
}

// SaveAlert 记录告警
func (s *RecordingSink) SaveAlert(_ context.Context, alert *types.Alert) error {
	s.mu.Lock()
	defer s.mu.Unlock()

	s.alertCalls++
	if s.alertErr != nil {
		return s.alertErr
	}
	s.alerts = append(s.alerts, *alert)
	return nil
}

// Records 返回已写入的审计记录
func (s *RecordingSink) Records() []types.RequestRecord {
	s.mu.RLock()
	defer s.mu.RUnlock()
	return append([]types.RequestRecord(nil), s.records...)
}

// Alerts 返回已写入的告警
func (s *RecordingSink) Alerts() []types.Alert {
	s.mu.RLock()
	defer s.mu.RUnlock()
	return append([]types.Alert(nil), s.alerts...)
}

// RecordCalls 返回 SaveRecord 调用次数（含失败）
func (s *RecordingSink) RecordCalls() int {
	s.mu.RLock()
	defer s.mu.RUnlock()
	return s.recordCalls
}

// AlertCalls 返回 SaveAlert 调用次数（含失败）
func (s *RecordingSink) AlertCalls() int {
	s.mu.RLock()
	defer s.mu.RUnlock()
	return s.alertCalls
}
