package config

import (
	"errors"
	"fmt"
	"time"

	"github.com/BaSui01/guardflow/types"
)

// =============================================================================
// 🎯 核心配置结构
// =============================================================================

// Config 是 GuardFlow 的完整配置结构
type Config struct {
	// Server 运维服务器配置
	Server ServerConfig `yaml:"server" env:"SERVER"`

	// Governance 治理管线配置
	Governance GovernanceConfig `yaml:"governance" env:"GOVERNANCE"`

	// Upstream 上游模型配置
	Upstream UpstreamConfig `yaml:"upstream" env:"UPSTREAM"`

	// Redis 限流存储配置
	Redis RedisConfig `yaml:"redis" env:"REDIS"`

	// Database 数据库配置
	Database DatabaseConfig `yaml:"database" env:"DATABASE"`

	// Archive 审计归档配置
	Archive ArchiveConfig `yaml:"archive" env:"ARCHIVE"`

	// Log 日志配置
	Log LogConfig `yaml:"log" env:"LOG"`

	// Telemetry 遥测配置
	Telemetry TelemetryConfig `yaml:"telemetry" env:"TELEMETRY"`
}

// ServerConfig 服务器配置
type ServerConfig struct {
	// HTTP 端口
	HTTPPort int `yaml:"http_port" env:"HTTP_PORT"`
	// Metrics 端口
	MetricsPort int `yaml:"metrics_port" env:"METRICS_PORT"`
	// 读取超时
	ReadTimeout time.Duration `yaml:"read_timeout" env:"READ_TIMEOUT"`
	// 写入超时
	WriteTimeout time.Duration `yaml:"write_timeout" env:"WRITE_TIMEOUT"`
	// 优雅关闭超时
	ShutdownTimeout time.Duration `yaml:"shutdown_timeout" env:"SHUTDOWN_TIMEOUT"`
	// 运维端点每 IP 限流
	RateLimitRPS float64 `yaml:"rate_limit_rps" env:"RATE_LIMIT_RPS"`
	// 限流突发
	RateLimitBurst int `yaml:"rate_limit_burst" env:"RATE_LIMIT_BURST"`
}

// GovernanceConfig 治理管线配置
type GovernanceConfig struct {
	// 偏离分数封禁阈值
	DeviationThreshold float64 `yaml:"deviation_threshold" env:"DEVIATION_THRESHOLD"`
	// 偏离分数警告阈值
	WarningThreshold float64 `yaml:"warning_threshold" env:"WARNING_THRESHOLD"`
	// 默认每小时请求数
	DefaultRequestsPerHour int `yaml:"default_requests_per_hour" env:"DEFAULT_REQUESTS_PER_HOUR"`
	// 默认每日配额
	DefaultDailyQuota int64 `yaml:"default_daily_quota" env:"DEFAULT_DAILY_QUOTA"`
	// 默认每月配额
	DefaultMonthlyQuota int64 `yaml:"default_monthly_quota" env:"DEFAULT_MONTHLY_QUOTA"`
	// Token 估算倍数（按词数）
	EstimateMultiplier float64 `yaml:"estimate_multiplier" env:"ESTIMATE_MULTIPLIER"`
	// 估算下限
	MinEstimateTokens int64 `yaml:"min_estimate_tokens" env:"MIN_ESTIMATE_TOKENS"`
	// 单次请求预留的回复 Token
	ResponseBuffer int64 `yaml:"response_buffer" env:"RESPONSE_BUFFER"`
	// 任务未设置时的单次请求上限
	DefaultMaxTokensPerRequest int64 `yaml:"default_max_tokens_per_request" env:"DEFAULT_MAX_TOKENS_PER_REQUEST"`
	// 回复 Token 硬上限
	MaxResponseTokens int64 `yaml:"max_response_tokens" env:"MAX_RESPONSE_TOKENS"`
	// 限流后端: redis, memory
	RateLimitBackend string `yaml:"rate_limit_backend" env:"RATE_LIMIT_BACKEND"`
	// 账户存储后端: memory, database
	StoreBackend string `yaml:"store_backend" env:"STORE_BACKEND"`
	// 异步写入工作协程数
	AsyncWorkers int `yaml:"async_workers" env:"ASYNC_WORKERS"`
	// 异步写入队列长度
	AsyncQueueSize int `yaml:"async_queue_size" env:"ASYNC_QUEUE_SIZE"`
	// 日/月计数器重置检查间隔
	ResetCheckInterval time.Duration `yaml:"reset_check_interval" env:"RESET_CHECK_INTERVAL"`
}

// UpstreamConfig 上游模型配置
type UpstreamConfig struct {
	// Provider 名称，仅用于日志与指标
	Provider string `yaml:"provider" env:"PROVIDER"`
	// OpenAI 兼容接口地址
	BaseURL string `yaml:"base_url" env:"BASE_URL"`
	// API Key
	APIKey string `yaml:"api_key" env:"API_KEY"`
	// 默认模型
	Model string `yaml:"model" env:"MODEL"`
	// 单次调用超时
	Timeout time.Duration `yaml:"timeout" env:"TIMEOUT"`
	// 温度参数
	Temperature float64 `yaml:"temperature" env:"TEMPERATURE"`
	// 发往上游的每秒请求数上限，0 表示不限
	RequestsPerSecond float64 `yaml:"requests_per_second" env:"REQUESTS_PER_SECOND"`
	// 突发
	Burst int `yaml:"burst" env:"BURST"`
}

// RedisConfig Redis 配置
type RedisConfig struct {
	// 地址
	Addr string `yaml:"addr" env:"ADDR"`
	// 密码
	Password string `yaml:"password" env:"PASSWORD"`
	// 数据库编号
	DB int `yaml:"db" env:"DB"`
	// 连接池大小
	PoolSize int `yaml:"pool_size" env:"POOL_SIZE"`
	// 最小空闲连接
	MinIdleConns int `yaml:"min_idle_conns" env:"MIN_IDLE_CONNS"`
	// 是否启用 TLS
	TLS bool `yaml:"tls" env:"TLS"`
}

// DatabaseConfig 数据库配置
type DatabaseConfig struct {
	// 驱动类型: postgres, mysql, sqlite
	Driver string `yaml:"driver" env:"DRIVER"`
	// 主机
	Host string `yaml:"host" env:"HOST"`
	// 端口
	Port int `yaml:"port" env:"PORT"`
	// 用户名
	User string `yaml:"user" env:"USER"`
	// 密码
	Password string `yaml:"password" env:"PASSWORD"`
	// 数据库名（sqlite 为文件路径）
	Name string `yaml:"name" env:"NAME"`
	// SSL 模式
	SSLMode string `yaml:"ssl_mode" env:"SSL_MODE"`
	// 最大连接数
	MaxOpenConns int `yaml:"max_open_conns" env:"MAX_OPEN_CONNS"`
	// 最大空闲连接
	MaxIdleConns int `yaml:"max_idle_conns" env:"MAX_IDLE_CONNS"`
	// 连接最大生命周期
	ConnMaxLifetime time.Duration `yaml:"conn_max_lifetime" env:"CONN_MAX_LIFETIME"`
}

// ArchiveConfig MongoDB 审计归档配置
type ArchiveConfig struct {
	// 是否启用
	Enabled bool `yaml:"enabled" env:"ENABLED"`
	// 连接 URI
	URI string `yaml:"uri" env:"URI"`
	// 数据库名
	Database string `yaml:"database" env:"DATABASE"`
	// 请求记录集合
	RecordsCollection string `yaml:"records_collection" env:"RECORDS_COLLECTION"`
	// 告警集合
	AlertsCollection string `yaml:"alerts_collection" env:"ALERTS_COLLECTION"`
	// 写入超时
	Timeout time.Duration `yaml:"timeout" env:"TIMEOUT"`
}

// LogConfig 日志配置
type LogConfig struct {
	// 日志级别: debug, info, warn, error
	Level string `yaml:"level" env:"LEVEL"`
	// 输出格式: json, console
	Format string `yaml:"format" env:"FORMAT"`
	// 输出路径
	OutputPaths []string `yaml:"output_paths" env:"OUTPUT_PATHS"`
	// 是否启用调用者信息
	EnableCaller bool `yaml:"enable_caller" env:"ENABLE_CALLER"`
	// 是否启用堆栈跟踪
	EnableStacktrace bool `yaml:"enable_stacktrace" env:"ENABLE_STACKTRACE"`
}

// TelemetryConfig 遥测配置
type TelemetryConfig struct {
	// 是否启用
	Enabled bool `yaml:"enabled" env:"ENABLED"`
	// OTLP 端点
	OTLPEndpoint string `yaml:"otlp_endpoint" env:"OTLP_ENDPOINT"`
	// 服务名称
	ServiceName string `yaml:"service_name" env:"SERVICE_NAME"`
	// 采样率
	SampleRate float64 `yaml:"sample_rate" env:"SAMPLE_RATE"`
}

// =============================================================================
// 🔍 校验
// =============================================================================

// Validate 校验完整配置，返回所有问题而不是第一个
func (c *Config) Validate() error {
	var errs []error
	add := func(format string, args ...any) { errs = append(errs, fmt.Errorf(format, args...)) }

	if c.Server.HTTPPort <= 0 || c.Server.HTTPPort > 65535 {
		add("server.http_port %d out of range", c.Server.HTTPPort)
	}
	if c.Server.MetricsPort < 0 || c.Server.MetricsPort > 65535 {
		add("server.metrics_port %d out of range", c.Server.MetricsPort)
	}
	if c.Server.MetricsPort != 0 && c.Server.MetricsPort == c.Server.HTTPPort {
		add("server.metrics_port must differ from http_port (use 0 to serve /metrics on the ops port)")
	}

	errs = append(errs, c.Governance.Validate())

	if c.Upstream.BaseURL == "" {
		add("upstream.base_url is required")
	}
	if c.Upstream.Timeout <= 0 {
		add("upstream.timeout must be positive")
	}
	if c.Upstream.RequestsPerSecond < 0 {
		add("upstream.requests_per_second must not be negative")
	}

	if c.Governance.StoreBackend == "database" {
		switch c.Database.Driver {
		case "postgres", "mysql", "sqlite":
		default:
			add("database.driver %q is not supported", c.Database.Driver)
		}
		if c.Database.Driver == "sqlite" && c.Database.Name == "" {
			add("database.name is required for sqlite")
		}
	}
	if c.Governance.RateLimitBackend == "redis" && c.Redis.Addr == "" {
		add("redis.addr is required when rate_limit_backend is redis")
	}
	if c.Archive.Enabled && c.Archive.URI == "" {
		add("archive.uri is required when archive is enabled")
	}
	if c.Telemetry.Enabled && (c.Telemetry.SampleRate < 0 || c.Telemetry.SampleRate > 1) {
		add("telemetry.sample_rate must be within [0, 1]")
	}

	if err := errors.Join(errs...); err != nil {
		return fmt.Errorf("invalid config: %w", err)
	}
	return nil
}

// Validate 校验治理参数。热更新前也会调用
func (g GovernanceConfig) Validate() error {
	var errs []error
	add := func(format string, args ...any) { errs = append(errs, fmt.Errorf(format, args...)) }

	if g.DeviationThreshold <= 0 {
		add("governance.deviation_threshold must be positive")
	}
	if g.WarningThreshold <= 0 {
		add("governance.warning_threshold must be positive")
	}
	if g.WarningThreshold > g.DeviationThreshold {
		add("governance.warning_threshold %.2f exceeds deviation_threshold %.2f", g.WarningThreshold, g.DeviationThreshold)
	}
	if g.DefaultRequestsPerHour < 0 || g.DefaultDailyQuota < 0 || g.DefaultMonthlyQuota < 0 {
		add("governance default quotas must not be negative")
	}
	if g.EstimateMultiplier <= 0 {
		add("governance.estimate_multiplier must be positive")
	}
	if g.MaxResponseTokens <= 0 {
		add("governance.max_response_tokens must be positive")
	}
	if g.ResetCheckInterval < 0 {
		add("governance.reset_check_interval must not be negative")
	}
	switch g.RateLimitBackend {
	case "redis", "memory":
	default:
		add("governance.rate_limit_backend %q is not one of redis, memory", g.RateLimitBackend)
	}
	switch g.StoreBackend {
	case "database", "memory":
	default:
		add("governance.store_backend %q is not one of database, memory", g.StoreBackend)
	}
	return errors.Join(errs...)
}

// DefaultQuotas 加载器未提供配额时使用的用户级配额
func (g GovernanceConfig) DefaultQuotas() types.Quotas {
	return types.Quotas{
		DailyQuota:      g.DefaultDailyQuota,
		MonthlyQuota:    g.DefaultMonthlyQuota,
		RequestsPerHour: g.DefaultRequestsPerHour,
	}
}

// DSN 返回 GORM 驱动使用的连接字符串，未知驱动返回空串
func (d *DatabaseConfig) DSN() string {
	switch d.Driver {
	case "postgres":
		return fmt.Sprintf(
			"host=%s port=%d user=%s password=%s dbname=%s sslmode=%s",
			d.Host, d.Port, d.User, d.Password, d.Name, d.SSLMode,
		)
	case "mysql":
		return fmt.Sprintf(
			"%s:%s@tcp(%s:%d)/%s?parseTime=true",
			d.User, d.Password, d.Host, d.Port, d.Name,
		)
	case "sqlite":
		return d.Name
	default:
		return ""
	}
}
