// MockAdapter 的上游模型适配器测试模拟实现。
//
// 支持固定回复、意图尾行、延迟与错误注入场景。
package mocks

import (
	"context"
	"errors"
	"fmt"
	"sync"
	"time"

	"github.com/BaSui01/guardflow/llm"
)

// --- MockAdapter 结构 ---

// MockAdapter 是 llm.Adapter 的模拟实现
type MockAdapter struct {
	mu sync.RWMutex

	// 响应配置
	response string
	model    string
	err      error

	// Token 使用统计
	promptTokens     int
	completionTokens int

	// 调用记录
	calls    []MockAdapterCall
	callFunc func(ctx context.Context, req llm.CallRequest) (*llm.CallResult, error)

	// 行为控制
	delay     time.Duration
	failAfter int
	callCount int
}

// MockAdapterCall 记录单次调用
type MockAdapterCall struct {
	Request llm.CallRequest
	Result  *llm.CallResult
	Error   error
}

// --- 构造函数和 Builder 方法 ---

// NewMockAdapter 创建新的 MockAdapter
func NewMockAdapter() *MockAdapter {
	return &MockAdapter{
		response:         "Mock response",
		model:            "mock-model",
		promptTokens:     10,
		completionTokens: 20,
	}
}

// WithResponse 设置回复内容
func (m *MockAdapter) WithResponse(response string) *MockAdapter {
	m.mu.Lock()
	defer m.mu.Unlock()
	m.response = response
	return m
}

// WithIntent 设置带分类尾行的回复
func (m *MockAdapter) WithIntent(body, intent string, confidence float64) *MockAdapter {
	return m.WithResponse(fmt.Sprintf("%s\nINTENT_CLASSIFICATION: %s | CONFIDENCE: %.2f", body, intent, confidence))
}

// WithError 设置固定错误
func (m *MockAdapter) WithError(err error) *MockAdapter {
	m.mu.Lock()
	defer m.mu.Unlock()
	m.err = err
	return m
}

// WithTokenUsage 设置 Token 用量
func (m *MockAdapter) WithTokenUsage(prompt, completion int) *MockAdapter {
	m.mu.Lock()
	defer m.mu.Unlock()
	m.promptTokens = prompt
	m.completionTokens = completion
	return m
}

// WithDelay 设置模拟延迟，遵守 ctx 与请求超时
func (m *MockAdapter) WithDelay(d time.Duration) *MockAdapter {
	m.mu.Lock()
	defer m.mu.Unlock()
	m.delay = d
	return m
}

// WithFailAfter 第 N 次调用之后全部失败
func (m *MockAdapter) WithFailAfter(n int) *MockAdapter {
	m.mu.Lock()
	defer m.mu.Unlock()
	m.failAfter = n
	return m
}

// WithCallFunc 使用自定义调用函数
func (m *MockAdapter) WithCallFunc(fn func(ctx context.Context, req llm.CallRequest) (*llm.CallResult, error)) *MockAdapter {
	m.mu.Lock()
	defer m.mu.Unlock()
	m.callFunc = fn
	return m
}

// --- Adapter 接口实现 ---

// Name 返回适配器名称
func (m *MockAdapter) Name() string {
	return "mock"
}

// Call 生成响应
func (m *MockAdapter) Call(ctx context.Context, req llm.CallRequest) (*llm.CallResult, error) {
	m.mu.Lock()
	m.callCount++
	count := m.callCount
	delay := m.delay
	fn := m.callFunc
	m.mu.Unlock()

	if delay > 0 {
		if req.Timeout > 0 {
			var cancel context.CancelFunc
			ctx, cancel = context.WithTimeout(ctx, req.Timeout)
			defer cancel()
		}
		select {
		case <-time.After(delay):
		case <-ctx.Done():
			return m.record(req, nil, ctx.Err())
		}
	}

	m.mu.RLock()
	failAfter, presetErr := m.failAfter, m.err
	m.mu.RUnlock()

	// 检查是否应该失败
	if failAfter > 0 && count > failAfter {
		return m.record(req, nil, errors.New("mock adapter: configured to fail after N calls"))
	}
	if presetErr != nil {
		return m.record(req, nil, presetErr)
	}
	if fn != nil {
		res, err := fn(ctx, req)
		return m.record(req, res, err)
	}

	m.mu.RLock()
	res := &llm.CallResult{
		Content:          m.response,
		Model:            m.model,
		PromptTokens:     m.promptTokens,
		CompletionTokens: m.completionTokens,
		TotalTokens:      m.promptTokens + m.completionTokens,
		FinishReason:     "stop",
		Latency:          delay,
	}
	m.mu.RUnlock()
	if req.Model != "" {
		res.Model = req.Model
	}
	return m.record(req, res, nil)
}

func (m *MockAdapter) record(req llm.CallRequest, res *llm.CallResult, err error) (*llm.CallResult, error) {
	m.mu.Lock()
	defer m.mu.Unlock()
	m.calls = append(m.calls, MockAdapterCall{Request: req, Result: res, Error: err})
	return res, err
}

// --- 调用记录查询 ---

// GetCalls 返回所有调用记录
func (m *MockAdapter) GetCalls() []MockAdapterCall {
	m.mu.RLock()
	defer m.mu.RUnlock()
	return append([]MockAdapterCall(nil), m.calls...)
}

// GetCallCount 返回调用次数
func (m *MockAdapter) GetCallCount() int {
	m.mu.RLock()
	defer m.mu.RUnlock()
	return m.callCount
}

// GetLastCall 返回最后一次调用
func (m *MockAdapter) GetLastCall() *MockAdapterCall {
	m.mu.RLock()
	defer m.mu.RUnlock()
	if len(m.calls) == 0 {
		return nil
	}
	c := m.calls[len(m.calls)-1]
	return &c
}

// Reset 清空调用记录
func (m *MockAdapter) Reset() {
	m.mu.Lock()
	defer m.mu.Unlock()
	m.calls = nil
	m.callCount = 0
}

// --- 快捷构造 ---

// NewSuccessAdapter 返回固定回复的适配器
func NewSuccessAdapter(response string) *MockAdapter {
	return NewMockAdapter().WithResponse(response)
}

// NewErrorAdapter 返回总是失败的适配器
func NewErrorAdapter(err error) *MockAdapter {
	return NewMockAdapter().WithError(err)
}

// NewFlakeyAdapter 返回前 N 次成功、之后失败的适配器
func NewFlakeyAdapter(failAfter int, response string) *MockAdapter {
	return NewMockAdapter().WithResponse(response).WithFailAfter(failAfter)
}
