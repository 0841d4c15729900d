package pipeline

import (
	"context"
	"errors"
	"fmt"
	"strings"
	"time"

	"github.com/google/uuid"
	"go.opentelemetry.io/otel/attribute"
	"go.uber.org/zap"

	"github.com/BaSui01/guardflow/governance/anomaly"
	"github.com/BaSui01/guardflow/governance/intent"
	"github.com/BaSui01/guardflow/governance/quota"
	"github.com/BaSui01/guardflow/governance/ratelimit"
	"github.com/BaSui01/guardflow/governance/safety"
	"github.com/BaSui01/guardflow/governance/scoring"
	"github.com/BaSui01/guardflow/internal/metrics"
	"github.com/BaSui01/guardflow/internal/telemetry"
	"github.com/BaSui01/guardflow/llm"
	"github.com/BaSui01/guardflow/store"
	"github.com/BaSui01/guardflow/types"
)

// =============================================================================
// 🧭 请求与响应
// =============================================================================

// Request 已认证的补全请求。User/Task/Assignment 为加载器提供的快照，
// 计数器以账户存储为准。
type Request struct {
	RequestID  string
	User       types.User
	Task       types.Task
	Assignment *types.TaskAssignment
	Messages   []types.Message
	Model      string
	IPAddress  string
	UserAgent  string
}

// Response 成功请求的结果
type Response struct {
	RequestID    string            `json:"request_id"`
	Content      string            `json:"content"`
	Model        string            `json:"model"`
	FinishReason string            `json:"finish_reason,omitempty"`
	Intent       string            `json:"intent,omitempty"`
	Confidence   float64           `json:"confidence,omitempty"`
	Usage        types.TokenUsage  `json:"usage"`
	Overflow     int64             `json:"overflow_tokens,omitempty"`
	Safety       *safety.Result    `json:"safety,omitempty"`
	Deviation    scoring.Breakdown `json:"deviation"`
	Score        scoring.Outcome   `json:"-"`
	Alerts       []types.Alert     `json:"alerts,omitempty"`
	Latency      time.Duration     `json:"latency"`
}

// =============================================================================
// ⚙️ 配置与依赖
// =============================================================================

// Config 管线参数
type Config struct {
	UpstreamTimeout time.Duration
	// DefaultQuotas 快照未携带任何配额时使用
	DefaultQuotas types.Quotas
	Estimator     quota.Estimator
	DefaultModel  string
}

// DefaultConfig 返回默认参数
func DefaultConfig() Config {
	return Config{
		UpstreamTimeout: 30 * time.Second,
		DefaultQuotas: types.Quotas{
			DailyQuota:      10000,
			MonthlyQuota:    300000,
			RequestsPerHour: 100,
		},
		Estimator: quota.DefaultEstimator,
	}
}

// Deps 管线协作者。Limiter、Async、Metrics 可为空
type Deps struct {
	Accounts store.Accounts
	Records  store.RecordSink
	Governor *quota.Governor
	Limiter  ratelimit.Limiter
	Filter   *safety.Filter
	Adapter  llm.Adapter
	Parser   intent.Parser
	Scorer   *scoring.Scorer
	Anomaly  *anomaly.Engine
	Async    anomaly.Submitter
	Metrics  *metrics.Collector
}

func (d Deps) validate() error {
	var missing []string
	if d.Accounts == nil {
		missing = append(missing, "accounts")
	}
	if d.Records == nil {
		missing = append(missing, "records")
	}
	if d.Governor == nil {
		missing = append(missing, "governor")
	}
	if d.Filter == nil {
		missing = append(missing, "filter")
	}
	if d.Adapter == nil {
		missing = append(missing, "adapter")
	}
	if d.Scorer == nil {
		missing = append(missing, "scorer")
	}
	if d.Anomaly == nil {
		missing = append(missing, "anomaly")
	}
	if len(missing) > 0 {
		return fmt.Errorf("pipeline: missing dependencies: %s", strings.Join(missing, ", "))
	}
	return nil
}

// Pipeline 请求治理管线，可被多个 goroutine 并发使用
type Pipeline struct {
	deps   Deps
	cfg    Config
	logger *zap.Logger
	now    func() time.Time
}

// New 创建管线
func New(deps Deps, cfg Config, logger *zap.Logger) (*Pipeline, error) {
	if err := deps.validate(); err != nil {
		return nil, err
	}
	if logger == nil {
		logger = zap.NewNop()
	}
	if deps.Parser == nil {
		deps.Parser = intent.TrailerParser{}
	}
	if cfg.UpstreamTimeout <= 0 {
		cfg.UpstreamTimeout = 30 * time.Second
	}
	if cfg.Estimator.Multiplier <= 0 {
		cfg.Estimator = quota.DefaultEstimator
	}
	return &Pipeline{
		deps:   deps,
		cfg:    cfg,
		logger: logger.With(zap.String("component", "pipeline")),
		now:    time.Now,
	}, nil
}

// =============================================================================
// 🚦 主流程
// =============================================================================

// Process 执行一次完整的治理流程。
// 拒绝与失败返回 *types.Error，且都会留下审计记录。
func (p *Pipeline) Process(ctx context.Context, req Request) (resp *Response, err error) {
	start := p.now()

	// 1. 校验请求
	if err := validateRequest(req); err != nil {
		return nil, err
	}
	if req.RequestID == "" {
		req.RequestID = uuid.NewString()
	}
	ctx = types.WithRequestID(ctx, req.RequestID)
	ctx = types.WithUserID(ctx, req.User.ID)
	ctx = types.WithTaskID(ctx, req.Task.ID)
	if req.User.TenantID != "" {
		ctx = types.WithTenantID(ctx, req.User.TenantID)
	}

	ctx, span := telemetry.StartStage(ctx, "process", attribute.Bool("dummy_task", req.Task.IsDummy))
	defer func() { telemetry.EndSpan(span, err) }()

	rec := p.newRecord(req, start)

	// 2. 初始化账户
	user := req.User
	if user.Quotas == (types.Quotas{}) {
		user.Quotas = p.cfg.DefaultQuotas
	}
	if err := p.deps.Accounts.EnsureAccount(ctx, &user, req.Assignment); err != nil {
		return nil, p.fail(ctx, rec, types.NewInternalError("load account failed", err))
	}

	// 3. 配额预检
	estimate := p.cfg.Estimator.Estimate(req.Messages)
	rec.EstimatedTokens = estimate
	adm, err := p.admit(ctx, req, estimate)
	if err != nil {
		return nil, p.reject(ctx, rec, err)
	}
	rec.ScoreBefore = adm.User.DeviationScore
	rec.ScoreAfter = adm.User.DeviationScore

	// 4. 内容闸门
	var (
		verdict      *safety.Result
		systemPrompt string
	)
	switch req.Task.Kind().(type) {
	case types.DummyTask:
		v := p.screen(ctx, req)
		verdict = &v
		rec.SafetyRisk = string(v.RiskLevel)
		rec.SafetyReasons = v.Reasons
		if v.Action == safety.ActionBlock {
			p.raiseSuspicious(ctx, req, v)
			return nil, p.reject(ctx, rec, types.NewContentRejectedError(
				"Content rejected by safety filter: "+strings.Join(v.Reasons, "; ")))
		}
	case types.RegularTask:
		systemPrompt = intent.SystemPrompt(req.Task)
		rec.SystemMessage = systemPrompt
	}

	// 5. 上游调用，不持有账户锁
	result, err := p.call(ctx, req, systemPrompt, adm.MaxResponseTokens)
	if err != nil {
		return nil, p.fail(ctx, rec, err)
	}
	usage := result.Usage()
	rec.Model = result.Model
	rec.PromptTokens = usage.PromptTokens
	rec.CompletionTokens = usage.CompletionTokens
	rec.TotalTokens = usage.TotalTokens

	resp = &Response{
		RequestID:    req.RequestID,
		Content:      result.Content,
		Model:        result.Model,
		FinishReason: result.FinishReason,
		Usage:        usage,
		Safety:       verdict,
	}

	// 6. 记账
	delta, err := p.deps.Governor.Commit(ctx, req.User.ID, req.Task, int64(usage.TotalTokens))
	if err != nil {
		// 上游已产生消耗，响应照常返回
		p.logger.Error("usage accounting failed",
			zap.String("request_id", req.RequestID),
			zap.String("user_id", req.User.ID),
			zap.Int("tokens", usage.TotalTokens),
			zap.Error(err))
	}
	resp.Overflow = delta.Overflow
	rec.OverflowTokens = delta.Overflow

	// 7. 意图评分（仅常规任务）
	if _, ok := req.Task.Kind().(types.RegularTask); ok {
		p.score(ctx, req, resp, &rec)
	}
	rec.Response = resp.Content

	// 8. 异常检测
	alerts, err := p.deps.Anomaly.Check(ctx, anomaly.Usage{
		UserID:      req.User.ID,
		TenantID:    req.User.TenantID,
		TaskID:      req.Task.ID,
		TotalTokens: usage.TotalTokens,
	})
	if err != nil {
		p.logger.Warn("anomaly check failed",
			zap.String("request_id", req.RequestID),
			zap.String("user_id", req.User.ID),
			zap.Error(err))
	}
	resp.Alerts = alerts

	// 9. 记录
	resp.Latency = p.now().Sub(start)
	rec.LatencyMS = resp.Latency.Milliseconds()
	rec.Status = types.RecordSuccess
	p.save(ctx, rec)
	p.deps.Metrics.RecordRequest(string(types.RecordSuccess))

	p.logger.Info("request completed",
		zap.String("request_id", req.RequestID),
		zap.String("user_id", req.User.ID),
		zap.String("task_id", req.Task.ID),
		zap.String("intent", resp.Intent),
		zap.Int("total_tokens", usage.TotalTokens),
		zap.Float64("deviation_delta", rec.DeviationDelta),
		zap.Int("alerts", len(alerts)),
		zap.Duration("latency", resp.Latency))
	return resp, nil
}

func validateRequest(req Request) error {
	switch {
	case req.User.ID == "":
		return types.NewError(types.ErrInvalidRequest, "user id is required")
	case req.Task.ID == "":
		return types.NewError(types.ErrInvalidRequest, "task id is required")
	case len(req.Messages) == 0:
		return types.NewError(types.ErrInvalidRequest, "at least one message is required")
	case req.Assignment != nil && (req.Assignment.UserID != req.User.ID || req.Assignment.TaskID != req.Task.ID):
		return types.NewError(types.ErrInvalidRequest, "assignment does not match user and task")
	}
	return nil
}

func (p *Pipeline) newRecord(req Request, start time.Time) types.RequestRecord {
	model := req.Model
	if model == "" {
		model = p.cfg.DefaultModel
	}
	return types.RequestRecord{
		RequestID: req.RequestID,
		UserID:    req.User.ID,
		TenantID:  req.User.TenantID,
		TaskID:    req.Task.ID,
		Model:     model,
		Prompt:    types.LastUserContent(req.Messages),
		IPAddress: req.IPAddress,
		UserAgent: req.UserAgent,
		Timestamp: start.UTC(),
	}
}

// =============================================================================
// 🔒 阶段实现
// =============================================================================

func (p *Pipeline) admit(ctx context.Context, req Request, estimate int64) (adm *quota.Admission, err error) {
	ctx, span := telemetry.StartStage(ctx, "admit", attribute.Int64("estimated_tokens", estimate))
	defer func() { telemetry.EndSpan(span, err) }()

	return p.deps.Governor.Admit(ctx, quota.AdmitRequest{
		UserID:          req.User.ID,
		Task:            req.Task,
		EstimatedTokens: estimate,
		Gate:            p.rateGate,
	})
}

// rateGate 小时限流，在全部配额检查通过后执行
func (p *Pipeline) rateGate(ctx context.Context, u *types.User) error {
	if p.deps.Limiter == nil {
		return nil
	}
	limit := u.RequestsPerHour
	if limit == 0 {
		limit = p.cfg.DefaultQuotas.RequestsPerHour
	}
	res, err := p.deps.Limiter.Allow(ctx, u.ID, limit)
	if err != nil {
		return types.NewInternalError("rate limit check failed", err)
	}
	if res.Degraded {
		p.deps.Metrics.RecordRateLimitDegraded()
	}
	return res.Err()
}

func (p *Pipeline) screen(ctx context.Context, req Request) safety.Result {
	_, span := telemetry.StartStage(ctx, "safety")
	v := p.deps.Filter.CheckContent(req.Messages)
	span.SetAttributes(
		attribute.String("action", string(v.Action)),
		attribute.String("risk", string(v.RiskLevel)))
	telemetry.EndSpan(span, nil)

	p.deps.Metrics.RecordSafetyVerdict(string(v.Action), string(v.RiskLevel))
	if v.Action == safety.ActionWarn {
		p.logger.Warn("content flagged by safety filter",
			zap.String("request_id", req.RequestID),
			zap.String("user_id", req.User.ID),
			zap.Strings("reasons", v.Reasons))
	}
	return v
}

func (p *Pipeline) raiseSuspicious(ctx context.Context, req Request, v safety.Result) {
	categories := make([]string, 0, len(v.Categories))
	for _, c := range v.Categories {
		categories = append(categories, string(c))
	}
	_, err := p.deps.Anomaly.Raise(ctx, types.Alert{
		UserID:      req.User.ID,
		TenantID:    req.User.TenantID,
		TaskID:      req.Task.ID,
		Type:        types.AlertSuspiciousContent,
		Severity:    types.SeverityHigh,
		Title:       "Suspicious Content Blocked",
		Description: "Safety filter blocked request: " + strings.Join(v.Reasons, "; "),
		Metadata: map[string]any{
			"request_id": req.RequestID,
			"risk_level": string(v.RiskLevel),
			"categories": categories,
		},
	})
	if err != nil {
		p.logger.Warn("raise suspicious content alert failed",
			zap.String("user_id", req.User.ID),
			zap.Error(err))
	}
}

func (p *Pipeline) call(ctx context.Context, req Request, systemPrompt string, maxTokens int64) (res *llm.CallResult, err error) {
	model := req.Model
	if model == "" {
		model = p.cfg.DefaultModel
	}
	provider := p.deps.Adapter.Name()

	ctx, span := telemetry.StartStage(ctx, "upstream",
		attribute.String("provider", provider),
		attribute.String("model", model),
		attribute.Int64("max_tokens", maxTokens))
	defer func() { telemetry.EndSpan(span, err) }()

	started := p.now()
	res, err = p.deps.Adapter.Call(ctx, llm.CallRequest{
		SystemPrompt: systemPrompt,
		Messages:     req.Messages,
		MaxTokens:    int(maxTokens),
		Timeout:      p.cfg.UpstreamTimeout,
		Model:        model,
	})
	elapsed := p.now().Sub(started)
	if err != nil {
		p.deps.Metrics.RecordUpstream(provider, model, "error", elapsed, 0, 0)
		return nil, upstreamError(provider, err)
	}
	if res.Model == "" {
		res.Model = model
	}
	p.deps.Metrics.RecordUpstream(provider, res.Model, "success", elapsed, res.PromptTokens, res.CompletionTokens)
	return res, nil
}

// upstreamError 将适配器错误归一为 UPSTREAM_TIMEOUT / UPSTREAM_ERROR
func upstreamError(provider string, err error) error {
	if e, ok := types.AsError(err); ok {
		return e
	}
	if errors.Is(err, context.DeadlineExceeded) {
		return types.NewUpstreamTimeoutError(provider, err)
	}
	return types.NewUpstreamError(provider, err.Error(), err)
}

func (p *Pipeline) score(ctx context.Context, req Request, resp *Response, rec *types.RequestRecord) {
	ctx, span := telemetry.StartStage(ctx, "score")
	var spanErr error
	defer func() { telemetry.EndSpan(span, spanErr) }()

	outcome, clean := p.deps.Parser.Parse(resp.Content)
	if u, ok := outcome.(intent.Unparseable); ok {
		p.logger.Debug("intent classification unparseable",
			zap.String("request_id", req.RequestID),
			zap.String("reason", u.Reason))
	}
	name, confidence := intent.Resolve(outcome)
	resp.Content = clean
	resp.Intent = name
	resp.Confidence = confidence
	rec.Intent = name
	rec.Confidence = confidence
	span.SetAttributes(attribute.String("intent", name), attribute.Float64("confidence", confidence))

	breakdown, err := p.deps.Scorer.Evaluate(ctx, req.User.ID, req.Task, name, confidence)
	if err != nil {
		spanErr = err
		p.logger.Warn("deviation evaluation failed",
			zap.String("request_id", req.RequestID),
			zap.String("user_id", req.User.ID),
			zap.Error(err))
		return
	}
	out, err := p.deps.Scorer.Apply(ctx, req.User.ID, breakdown.Total())
	if err != nil {
		spanErr = err
		p.logger.Warn("apply deviation failed",
			zap.String("request_id", req.RequestID),
			zap.String("user_id", req.User.ID),
			zap.Error(err))
		return
	}

	resp.Deviation = breakdown
	resp.Score = out
	rec.DeviationDelta = breakdown.Total()
	rec.ScoreBefore = out.Before
	rec.ScoreAfter = out.After
	p.deps.Metrics.RecordDeviation(breakdown.Total())
	if out.Blocked {
		p.deps.Metrics.RecordBlock("deviation")
	}
}

// =============================================================================
// 📝 记录
// =============================================================================

// reject 记录准入拒绝或内容拦截
func (p *Pipeline) reject(ctx context.Context, rec types.RequestRecord, err error) error {
	code := types.GetErrorCode(err)
	limit := ""
	if e, ok := types.AsError(err); ok && e.Quota != nil {
		limit = string(e.Quota.Limit)
	}
	p.deps.Metrics.RecordDenial(string(code), limit)

	p.logger.Info("request rejected",
		zap.String("request_id", rec.RequestID),
		zap.String("user_id", rec.UserID),
		zap.String("code", string(code)),
		zap.String("reason", err.Error()))
	return p.finish(ctx, rec, types.RecordBlocked, err)
}

// fail 记录上游或内部失败
func (p *Pipeline) fail(ctx context.Context, rec types.RequestRecord, err error) error {
	p.logger.Warn("request failed",
		zap.String("request_id", rec.RequestID),
		zap.String("user_id", rec.UserID),
		zap.Error(err))
	return p.finish(ctx, rec, types.RecordError, err)
}

func (p *Pipeline) finish(ctx context.Context, rec types.RequestRecord, status types.RecordStatus, err error) error {
	rec.Status = status
	rec.ErrorCode = types.GetErrorCode(err)
	rec.ErrorMessage = err.Error()
	if e, ok := types.AsError(err); ok {
		rec.ErrorMessage = e.Message
	}
	rec.LatencyMS = p.now().Sub(rec.Timestamp).Milliseconds()
	p.save(ctx, rec)
	p.deps.Metrics.RecordRequest(string(status))
	return err
}

// save 写入审计记录。配置任务池时异步写入，不阻塞响应
func (p *Pipeline) save(ctx context.Context, rec types.RequestRecord) {
	if p.deps.Async == nil {
		if err := p.deps.Records.SaveRecord(ctx, rec); err != nil {
			p.logger.Warn("save request record failed",
				zap.String("request_id", rec.RequestID),
				zap.Error(err))
		}
		return
	}
	// 队列满时由任务池记录丢弃
	_ = p.deps.Async.Submit("save_record", func(ctx context.Context) error {
		return p.deps.Records.SaveRecord(ctx, rec)
	})
}
