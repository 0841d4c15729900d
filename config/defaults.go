// =============================================================================
// 📦 GuardFlow 默认配置
// =============================================================================
// 提供所有配置项的合理默认值
// =============================================================================
package config

import "time"

// DefaultConfig 返回默认配置
func DefaultConfig() *Config {
	return &Config{
		Server:     DefaultServerConfig(),
		Governance: DefaultGovernanceConfig(),
		Upstream:   DefaultUpstreamConfig(),
		Redis:      DefaultRedisConfig(),
		Database:   DefaultDatabaseConfig(),
		Archive:    DefaultArchiveConfig(),
		Log:        DefaultLogConfig(),
		Telemetry:  DefaultTelemetryConfig(),
	}
}

// DefaultServerConfig 返回默认服务器配置
func DefaultServerConfig() ServerConfig {
	return ServerConfig{
		HTTPPort:        8080,
		MetricsPort:     9091,
		ReadTimeout:     30 * time.Second,
		WriteTimeout:    30 * time.Second,
		ShutdownTimeout: 15 * time.Second,
		RateLimitRPS:    50,
		RateLimitBurst:  100,
	}
}

// DefaultGovernanceConfig 返回默认治理配置
func DefaultGovernanceConfig() GovernanceConfig {
	return GovernanceConfig{
		DeviationThreshold:         2.0,
		WarningThreshold:           1.0,
		DefaultRequestsPerHour:     100,
		DefaultDailyQuota:          10000,
		DefaultMonthlyQuota:        300000,
		EstimateMultiplier:         1.3,
		MinEstimateTokens:          10,
		ResponseBuffer:             500,
		DefaultMaxTokensPerRequest: 1000,
		MaxResponseTokens:          1000,
		RateLimitBackend:           "redis",
		StoreBackend:               "database",
		AsyncWorkers:               8,
		AsyncQueueSize:             1024,
		ResetCheckInterval:         time.Minute,
	}
}

// DefaultUpstreamConfig 返回默认上游配置
func DefaultUpstreamConfig() UpstreamConfig {
	return UpstreamConfig{
		Provider:          "openai",
		BaseURL:           "https://api.openai.com",
		APIKey:            "",
		Model:             "gpt-3.5-turbo",
		Timeout:           30 * time.Second,
		Temperature:       0.7,
		RequestsPerSecond: 0,
		Burst:             10,
	}
}

// DefaultRedisConfig 返回默认 Redis 配置
func DefaultRedisConfig() RedisConfig {
	return RedisConfig{
		Addr:         "localhost:6379",
		Password:     "",
		DB:           0,
		PoolSize:     10,
		MinIdleConns: 2,
	}
}

// DefaultDatabaseConfig 返回默认数据库配置
func DefaultDatabaseConfig() DatabaseConfig {
	return DatabaseConfig{
		Driver:          "postgres",
		Host:            "localhost",
		Port:            5432,
		User:            "guardflow",
		Password:        "",
		Name:            "guardflow",
		SSLMode:         "disable",
		MaxOpenConns:    25,
		MaxIdleConns:    5,
		ConnMaxLifetime: 5 * time.Minute,
	}
}

// DefaultArchiveConfig 返回默认归档配置
func DefaultArchiveConfig() ArchiveConfig {
	return ArchiveConfig{
		Enabled:           false,
		URI:               "mongodb://localhost:27017",
		Database:          "guardflow",
		RecordsCollection: "request_records",
		AlertsCollection:  "alerts",
		Timeout:           5 * time.Second,
	}
}

// DefaultLogConfig 返回默认日志配置
func DefaultLogConfig() LogConfig {
	return LogConfig{
		Level:            "info",
		Format:           "json",
		OutputPaths:      []string{"stdout"},
		EnableCaller:     true,
		EnableStacktrace: false,
	}
}

// DefaultTelemetryConfig 返回默认遥测配置
func DefaultTelemetryConfig() TelemetryConfig {
	return TelemetryConfig{
		Enabled:      false,
		OTLPEndpoint: "localhost:4317",
		ServiceName:  "guardflow",
		SampleRate:   0.1,
	}
}
