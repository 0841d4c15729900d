// Package openaicompat 实现面向 OpenAI 兼容接口的上游适配器。
package openaicompat

import (
	"bytes"
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"net/http"
	"strings"
	"time"

	"go.uber.org/zap"
	"golang.org/x/time/rate"

	"github.com/BaSui01/guardflow/internal/tlsutil"
	"github.com/BaSui01/guardflow/llm"
	"github.com/BaSui01/guardflow/llm/tokenizer"
	"github.com/BaSui01/guardflow/types"
)

// Config 适配器配置
type Config struct {
	// ProviderName 用于日志、指标与错误中的提供方标识
	ProviderName string
	APIKey       string
	BaseURL      string
	// DefaultModel 请求未指定模型时使用
	DefaultModel string
	Temperature  float64
	// Timeout 请求未指定超时时使用，默认 30s
	Timeout time.Duration

	// EndpointPath 默认 "/v1/chat/completions"
	EndpointPath string
	// ModelsEndpoint 默认 "/v1/models"
	ModelsEndpoint string

	// RequestsPerSecond 发往上游的速率上限，0 表示不限
	RequestsPerSecond float64
	Burst             int
}

// Client OpenAI 兼容适配器
type Client struct {
	cfg     Config
	http    *http.Client
	limiter *rate.Limiter
	logger  *zap.Logger
}

var _ llm.Adapter = (*Client)(nil)

// New 创建适配器
func New(cfg Config, logger *zap.Logger) *Client {
	if cfg.Timeout <= 0 {
		cfg.Timeout = 30 * time.Second
	}
	if cfg.EndpointPath == "" {
		cfg.EndpointPath = "/v1/chat/completions"
	}
	if cfg.ModelsEndpoint == "" {
		cfg.ModelsEndpoint = "/v1/models"
	}
	if cfg.ProviderName == "" {
		cfg.ProviderName = "openai"
	}
	if logger == nil {
		logger = zap.NewNop()
	}

	c := &Client{
		cfg: cfg,
		// 超时由每次调用的 context 控制
		http:   tlsutil.SecureHTTPClient(0),
		logger: logger.With(zap.String("component", "upstream"), zap.String("provider", cfg.ProviderName)),
	}
	if cfg.RequestsPerSecond > 0 {
		burst := max(cfg.Burst, 1)
		c.limiter = rate.NewLimiter(rate.Limit(cfg.RequestsPerSecond), burst)
	}
	return c
}

// Name 返回提供方名称
func (c *Client) Name() string { return c.cfg.ProviderName }

func (c *Client) endpoint(path string) string {
	return strings.TrimRight(c.cfg.BaseURL, "/") + path
}

func (c *Client) setHeaders(req *http.Request) {
	if c.cfg.APIKey != "" {
		req.Header.Set("Authorization", "Bearer "+c.cfg.APIKey)
	}
	req.Header.Set("Content-Type", "application/json")
}

// Call 执行一次非流式补全
func (c *Client) Call(ctx context.Context, req llm.CallRequest) (*llm.CallResult, error) {
	timeout := req.Timeout
	if timeout <= 0 {
		timeout = c.cfg.Timeout
	}
	ctx, cancel := context.WithTimeout(ctx, timeout)
	defer cancel()

	if c.limiter != nil {
		if err := c.limiter.Wait(ctx); err != nil {
			return nil, c.classify(ctx, err)
		}
	}

	model := req.Model
	if model == "" {
		model = c.cfg.DefaultModel
	}
	messages := req.AllMessages()
	payload, err := json.Marshal(chatRequest{
		Model:       model,
		Messages:    toWireMessages(messages),
		MaxTokens:   req.MaxTokens,
		Temperature: c.cfg.Temperature,
	})
	if err != nil {
		return nil, types.NewInternalError("marshal upstream request", err)
	}

	httpReq, err := http.NewRequestWithContext(ctx, http.MethodPost, c.endpoint(c.cfg.EndpointPath), bytes.NewReader(payload))
	if err != nil {
		return nil, types.NewInternalError("create upstream request", err)
	}
	c.setHeaders(httpReq)

	start := time.Now()
	resp, err := c.http.Do(httpReq)
	if err != nil {
		return nil, c.classify(ctx, err)
	}
	defer resp.Body.Close()

	if resp.StatusCode >= 400 {
		return nil, mapHTTPError(resp.StatusCode, readErrorMessage(resp.Body), c.Name())
	}

	var out chatResponse
	if err := json.NewDecoder(resp.Body).Decode(&out); err != nil {
		return nil, c.classify(ctx, fmt.Errorf("decode response: %w", err))
	}
	if len(out.Choices) == 0 {
		return nil, types.NewUpstreamError(c.Name(), "upstream returned no choices", nil)
	}

	result := &llm.CallResult{
		Content:      out.Choices[0].Message.Content,
		Model:        out.Model,
		FinishReason: out.Choices[0].FinishReason,
		Latency:      time.Since(start),
	}
	if result.Model == "" {
		result.Model = model
	}
	if out.Usage != nil {
		result.PromptTokens = out.Usage.PromptTokens
		result.CompletionTokens = out.Usage.CompletionTokens
		result.TotalTokens = out.Usage.TotalTokens
	} else {
		c.countLocally(result, messages)
	}
	if result.TotalTokens == 0 {
		result.TotalTokens = result.PromptTokens + result.CompletionTokens
	}

	c.logger.Debug("upstream call completed",
		zap.String("model", result.Model),
		zap.Int("total_tokens", result.TotalTokens),
		zap.Duration("latency", result.Latency))
	return result, nil
}

// 上游未返回用量时使用本地计数
func (c *Client) countLocally(result *llm.CallResult, messages []types.Message) {
	counter := tokenizer.ForModel(result.Model)
	prompt, err := counter.CountMessages(messages)
	if err != nil {
		c.logger.Warn("count prompt tokens failed", zap.Error(err))
		return
	}
	completion, err := counter.Count(result.Content)
	if err != nil {
		c.logger.Warn("count completion tokens failed", zap.Error(err))
		return
	}
	result.PromptTokens = prompt
	result.CompletionTokens = completion
	result.TotalTokens = prompt + completion
}

func (c *Client) classify(ctx context.Context, err error) *types.Error {
	if errors.Is(ctx.Err(), context.DeadlineExceeded) || errors.Is(err, context.DeadlineExceeded) {
		return types.NewUpstreamTimeoutError(c.Name(), err)
	}
	return types.NewUpstreamError(c.Name(), err.Error(), err).WithRetryable(true)
}

// HealthCheck 请求模型列表以确认上游可达
func (c *Client) HealthCheck(ctx context.Context) error {
	httpReq, err := http.NewRequestWithContext(ctx, http.MethodGet, c.endpoint(c.cfg.ModelsEndpoint), nil)
	if err != nil {
		return fmt.Errorf("create request: %w", err)
	}
	c.setHeaders(httpReq)

	resp, err := c.http.Do(httpReq)
	if err != nil {
		return fmt.Errorf("%s health check: %w", c.Name(), err)
	}
	defer resp.Body.Close()

	if resp.StatusCode != http.StatusOK {
		return fmt.Errorf("%s health check failed: status=%d msg=%s", c.Name(), resp.StatusCode, readErrorMessage(resp.Body))
	}
	return nil
}
