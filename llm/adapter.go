package llm

import (
	"context"
	"time"

	"github.com/BaSui01/guardflow/types"
)

// CallRequest 一次上游调用
type CallRequest struct {
	// SystemPrompt 非空时作为首条 system 消息注入
	SystemPrompt string
	Messages     []types.Message
	MaxTokens    int
	Timeout      time.Duration
	Model        string
}

// AllMessages 返回注入系统指令后的完整消息列表
func (r CallRequest) AllMessages() []types.Message {
	if r.SystemPrompt == "" {
		return r.Messages
	}
	out := make([]types.Message, 0, len(r.Messages)+1)
	out = append(out, types.NewSystemMessage(r.SystemPrompt))
	return append(out, r.Messages...)
}

// CallResult 上游调用结果
type CallResult struct {
	Content          string
	Model            string
	PromptTokens     int
	CompletionTokens int
	TotalTokens      int
	FinishReason     string
	Latency          time.Duration
}

// Usage 返回 Token 用量
func (r *CallResult) Usage() types.TokenUsage {
	return types.TokenUsage{
		PromptTokens:     r.PromptTokens,
		CompletionTokens: r.CompletionTokens,
		TotalTokens:      r.TotalTokens,
	}.Normalize()
}

// Adapter 上游模型适配器
type Adapter interface {
	Name() string
	Call(ctx context.Context, req CallRequest) (*CallResult, error)
}

// AdapterFunc 函数形式的适配器
type AdapterFunc func(ctx context.Context, req CallRequest) (*CallResult, error)

func (f AdapterFunc) Name() string { return "func" }

func (f AdapterFunc) Call(ctx context.Context, req CallRequest) (*CallResult, error) {
	return f(ctx, req)
}
