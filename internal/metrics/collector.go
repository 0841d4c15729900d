package metrics

import (
	"strconv"
	"time"

	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/promauto"
	"go.uber.org/zap"
)

// =============================================================================
// 📊 指标收集器
// =============================================================================

// Collector 治理管线指标收集器。所有 Record 方法对 nil 接收者安全
type Collector struct {
	// HTTP 指标
	httpRequestsTotal   *prometheus.CounterVec
	httpRequestDuration *prometheus.HistogramVec

	// 治理指标
	requestsTotal   *prometheus.CounterVec
	denialsTotal    *prometheus.CounterVec
	safetyVerdicts  *prometheus.CounterVec
	deviationDelta  prometheus.Histogram
	blocksTotal     *prometheus.CounterVec
	alertsTotal     *prometheus.CounterVec
	rateLimitErrors prometheus.Counter

	// 上游指标
	upstreamRequests *prometheus.CounterVec
	upstreamDuration *prometheus.HistogramVec
	upstreamTokens   *prometheus.CounterVec

	// 异步写入
	asyncDropped *prometheus.CounterVec

	// 数据库指标
	dbConnectionsOpen *prometheus.GaugeVec
	dbConnectionsIdle *prometheus.GaugeVec

	logger *zap.Logger
}

// NewCollector 创建指标收集器，注册到默认 Registry
func NewCollector(namespace string, logger *zap.Logger) *Collector {
	if logger == nil {
		logger = zap.NewNop()
	}
	c := &Collector{
		logger: logger.With(zap.String("component", "metrics")),
	}

	// HTTP 指标
	c.httpRequestsTotal = promauto.NewCounterVec(
		prometheus.CounterOpts{
			Namespace: namespace,
			Name:      "http_requests_total",
			Help:      "Total number of HTTP requests",
		},
		[]string{"method", "path", "status"},
	)

	c.httpRequestDuration = promauto.NewHistogramVec(
		prometheus.HistogramOpts{
			Namespace: namespace,
			Name:      "http_request_duration_seconds",
			Help:      "HTTP request duration in seconds",
			Buckets:   prometheus.DefBuckets,
		},
		[]string{"method", "path"},
	)

	// 治理指标
	c.requestsTotal = promauto.NewCounterVec(
		prometheus.CounterOpts{
			Namespace: namespace,
			Name:      "governed_requests_total",
			Help:      "Total number of governed completion requests by final status",
		},
		[]string{"status"},
	)

	c.denialsTotal = promauto.NewCounterVec(
		prometheus.CounterOpts{
			Namespace: namespace,
			Name:      "admission_denials_total",
			Help:      "Total number of requests denied before the upstream call",
		},
		[]string{"code", "limit"},
	)

	c.safetyVerdicts = promauto.NewCounterVec(
		prometheus.CounterOpts{
			Namespace: namespace,
			Name:      "safety_verdicts_total",
			Help:      "Total number of safety filter verdicts",
		},
		[]string{"action", "risk"},
	)

	c.deviationDelta = promauto.NewHistogram(
		prometheus.HistogramOpts{
			Namespace: namespace,
			Name:      "deviation_delta",
			Help:      "Deviation score delta applied per request",
			Buckets:   []float64{0, 0.1, 0.2, 0.3, 0.5, 0.7, 1, 1.5, 2.1},
		},
	)

	c.blocksTotal = promauto.NewCounterVec(
		prometheus.CounterOpts{
			Namespace: namespace,
			Name:      "user_blocks_total",
			Help:      "Total number of automatic user blocks",
		},
		[]string{"source"},
	)

	c.alertsTotal = promauto.NewCounterVec(
		prometheus.CounterOpts{
			Namespace: namespace,
			Name:      "alerts_total",
			Help:      "Total number of alerts raised",
		},
		[]string{"type", "severity"},
	)

	c.rateLimitErrors = promauto.NewCounter(
		prometheus.CounterOpts{
			Namespace: namespace,
			Name:      "rate_limit_degraded_total",
			Help:      "Total number of rate limit checks that failed open",
		},
	)

	// 上游指标
	c.upstreamRequests = promauto.NewCounterVec(
		prometheus.CounterOpts{
			Namespace: namespace,
			Name:      "upstream_requests_total",
			Help:      "Total number of upstream model calls",
		},
		[]string{"provider", "model", "status"},
	)

	c.upstreamDuration = promauto.NewHistogramVec(
		prometheus.HistogramOpts{
			Namespace: namespace,
			Name:      "upstream_request_duration_seconds",
			Help:      "Upstream model call duration in seconds",
			Buckets:   []float64{0.1, 0.5, 1, 2, 5, 10, 30, 60},
		},
		[]string{"provider", "model"},
	)

	c.upstreamTokens = promauto.NewCounterVec(
		prometheus.CounterOpts{
			Namespace: namespace,
			Name:      "upstream_tokens_total",
			Help:      "Total number of tokens consumed upstream",
		},
		[]string{"provider", "model", "type"}, // type: prompt, completion
	)

	c.asyncDropped = promauto.NewCounterVec(
		prometheus.CounterOpts{
			Namespace: namespace,
			Name:      "async_tasks_dropped_total",
			Help:      "Total number of persistence tasks dropped because the pool was full",
		},
		[]string{"task"},
	)

	// 数据库指标
	c.dbConnectionsOpen = promauto.NewGaugeVec(
		prometheus.GaugeOpts{
			Namespace: namespace,
			Name:      "db_connections_open",
			Help:      "Number of open database connections",
		},
		[]string{"database"},
	)

	c.dbConnectionsIdle = promauto.NewGaugeVec(
		prometheus.GaugeOpts{
			Namespace: namespace,
			Name:      "db_connections_idle",
			Help:      "Number of idle database connections",
		},
		[]string{"database"},
	)

	c.logger.Info("metrics collector initialized", zap.String("namespace", namespace))
	return c
}

// =============================================================================
// 🎯 HTTP 指标记录
// =============================================================================

// RecordHTTPRequest 记录 HTTP 请求
func (c *Collector) RecordHTTPRequest(method, path string, status int, duration time.Duration) {
	if c == nil {
		return
	}
	c.httpRequestsTotal.WithLabelValues(method, path, statusCode(status)).Inc()
	c.httpRequestDuration.WithLabelValues(method, path).Observe(duration.Seconds())
}

// =============================================================================
// 🛡️ 治理指标记录
// =============================================================================

// RecordRequest 记录请求最终状态
func (c *Collector) RecordRequest(status string) {
	if c == nil {
		return
	}
	c.requestsTotal.WithLabelValues(status).Inc()
}

// RecordDenial 记录准入拒绝，limit 仅配额拒绝时非空
func (c *Collector) RecordDenial(code, limit string) {
	if c == nil {
		return
	}
	c.denialsTotal.WithLabelValues(code, limit).Inc()
}

// RecordSafetyVerdict 记录安全过滤结果
func (c *Collector) RecordSafetyVerdict(action, risk string) {
	if c == nil {
		return
	}
	c.safetyVerdicts.WithLabelValues(action, risk).Inc()
}

// RecordDeviation 记录偏离增量
func (c *Collector) RecordDeviation(delta float64) {
	if c == nil {
		return
	}
	c.deviationDelta.Observe(delta)
}

// RecordBlock 记录自动封禁，source: deviation, alert
func (c *Collector) RecordBlock(source string) {
	if c == nil {
		return
	}
	c.blocksTotal.WithLabelValues(source).Inc()
}

// RecordAlert 记录告警
func (c *Collector) RecordAlert(alertType, severity string) {
	if c == nil {
		return
	}
	c.alertsTotal.WithLabelValues(alertType, severity).Inc()
}

// RecordRateLimitDegraded 记录限流后端不可用时的放行
func (c *Collector) RecordRateLimitDegraded() {
	if c == nil {
		return
	}
	c.rateLimitErrors.Inc()
}

// =============================================================================
// 🤖 上游指标记录
// =============================================================================

// RecordUpstream 记录一次上游调用
func (c *Collector) RecordUpstream(provider, model, status string, duration time.Duration, promptTokens, completionTokens int) {
	if c == nil {
		return
	}
	c.upstreamRequests.WithLabelValues(provider, model, status).Inc()
	c.upstreamDuration.WithLabelValues(provider, model).Observe(duration.Seconds())
	c.upstreamTokens.WithLabelValues(provider, model, "prompt").Add(float64(promptTokens))
	c.upstreamTokens.WithLabelValues(provider, model, "completion").Add(float64(completionTokens))
}

// RecordAsyncDrop 记录被丢弃的异步写入
func (c *Collector) RecordAsyncDrop(task string) {
	if c == nil {
		return
	}
	c.asyncDropped.WithLabelValues(task).Inc()
}

// =============================================================================
// 🗄️ 数据库指标记录
// =============================================================================

// RecordDBConnections 记录数据库连接数
func (c *Collector) RecordDBConnections(database string, open, idle int) {
	if c == nil {
		return
	}
	c.dbConnectionsOpen.WithLabelValues(database).Set(float64(open))
	c.dbConnectionsIdle.WithLabelValues(database).Set(float64(idle))
}

// =============================================================================
// 🔧 辅助函数
// =============================================================================

// statusCode 将 HTTP 状态码归并为 2xx/3xx/4xx/5xx
func statusCode(code int) string {
	switch {
	case code >= 100 && code < 600:
		return strconv.Itoa(code/100) + "xx"
	default:
		return "unknown"
	}
}
