package tokenizer

import (
	"strings"
	"sync"

	"github.com/BaSui01/guardflow/types"
)

// Counter Token 计数
type Counter interface {
	Count(text string) (int, error)
	// CountMessages 包含每条消息的角色与分隔符开销
	CountMessages(messages []types.Message) (int, error)
	Name() string
}

const (
	perMessageOverhead   = 4
	conversationOverhead = 3
)

// 模型前缀到 tiktoken 编码
var modelEncodings = []struct {
	prefix   string
	encoding string
}{
	{"gpt-4o", "o200k_base"},
	{"o1", "o200k_base"},
	{"o3", "o200k_base"},
	{"gpt-4", "cl100k_base"},
	{"gpt-3.5", "cl100k_base"},
}

// EncodingFor 返回模型对应的 tiktoken 编码，未知模型返回空
func EncodingFor(model string) string {
	for _, m := range modelEncodings {
		if strings.HasPrefix(model, m.prefix) {
			return m.encoding
		}
	}
	return ""
}

var (
	countersMu sync.Mutex
	counters   = make(map[string]Counter)
)

// ForModel 返回模型的计数器。已知模型使用 tiktoken，编码加载失败时退化为估算器
func ForModel(model string) Counter {
	encoding := EncodingFor(model)
	if encoding == "" {
		return NewEstimator()
	}

	countersMu.Lock()
	defer countersMu.Unlock()
	if c, ok := counters[encoding]; ok {
		return c
	}
	c := &fallback{primary: NewTiktoken(encoding), secondary: NewEstimator()}
	counters[encoding] = c
	return c
}

// fallback 主计数器失败时使用备用计数器
type fallback struct {
	primary   Counter
	secondary Counter
}

func (f *fallback) Count(text string) (int, error) {
	if n, err := f.primary.Count(text); err == nil {
		return n, nil
	}
	return f.secondary.Count(text)
}

func (f *fallback) CountMessages(messages []types.Message) (int, error) {
	if n, err := f.primary.CountMessages(messages); err == nil {
		return n, nil
	}
	return f.secondary.CountMessages(messages)
}

func (f *fallback) Name() string { return f.primary.Name() }
