package config

import (
	"os"
	"path/filepath"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func writeConfig(t *testing.T, content string) string {
	t.Helper()
	path := filepath.Join(t.TempDir(), "guardflow.yaml")
	require.NoError(t, os.WriteFile(path, []byte(content), 0o600))
	return path
}

// envMap 构造与进程环境隔离的变量来源
func envMap(vars map[string]string) func(string) (string, bool) {
	return func(key string) (string, bool) {
		v, ok := vars[key]
		return v, ok
	}
}

func TestLoader_Defaults(t *testing.T) {
	cfg, err := NewLoader().WithLookupEnv(envMap(nil)).Load()
	require.NoError(t, err)

	assert.Equal(t, DefaultConfig(), cfg)
	assert.NoError(t, cfg.Validate())
}

func TestLoader_YAML(t *testing.T) {
	path := writeConfig(t, `
server:
  http_port: 8888
  read_timeout: 60s
governance:
  deviation_threshold: 3.5
  warning_threshold: 1.5
  default_daily_quota: 5000
  rate_limit_backend: memory
upstream:
  base_url: "http://llm.internal:8000"
  model: "local-model"
  timeout: 10s
log:
  level: debug
  output_paths: [stdout, /var/log/guardflow.log]
`)

	cfg, err := NewLoader().WithConfigPath(path).WithLookupEnv(envMap(nil)).Load()
	require.NoError(t, err)

	assert.Equal(t, 8888, cfg.Server.HTTPPort)
	assert.Equal(t, 60*time.Second, cfg.Server.ReadTimeout)
	assert.Equal(t, 3.5, cfg.Governance.DeviationThreshold)
	assert.Equal(t, 1.5, cfg.Governance.WarningThreshold)
	assert.Equal(t, int64(5000), cfg.Governance.DefaultDailyQuota)
	assert.Equal(t, "memory", cfg.Governance.RateLimitBackend)
	// 未出现在 YAML 中的字段保持默认值
	assert.Equal(t, int64(300000), cfg.Governance.DefaultMonthlyQuota)
	assert.Equal(t, "http://llm.internal:8000", cfg.Upstream.BaseURL)
	assert.Equal(t, 10*time.Second, cfg.Upstream.Timeout)
	assert.Equal(t, []string{"stdout", "/var/log/guardflow.log"}, cfg.Log.OutputPaths)
}

func TestLoader_YAMLExpandsVariables(t *testing.T) {
	path := writeConfig(t, `
upstream:
  api_key: "${UPSTREAM_KEY}"
redis:
  password: "${MISSING}"
`)

	cfg, err := NewLoader().WithConfigPath(path).
		WithLookupEnv(envMap(map[string]string{"UPSTREAM_KEY": "sk-secret"})).
		Load()
	require.NoError(t, err)
	assert.Equal(t, "sk-secret", cfg.Upstream.APIKey)
	assert.Empty(t, cfg.Redis.Password)
}

func TestLoader_YAMLRejectsUnknownFields(t *testing.T) {
	path := writeConfig(t, `
governance:
  deviaton_threshold: 3.0
`)
	_, err := NewLoader().WithConfigPath(path).WithLookupEnv(envMap(nil)).Load()
	require.Error(t, err)
	assert.Contains(t, err.Error(), "deviaton_threshold")
}

func TestLoader_EmptyAndMissingFiles(t *testing.T) {
	cfg, err := NewLoader().WithConfigPath(writeConfig(t, "")).WithLookupEnv(envMap(nil)).Load()
	require.NoError(t, err)
	assert.Equal(t, 8080, cfg.Server.HTTPPort)

	cfg, err = NewLoader().WithConfigPath("/non/existent/guardflow.yaml").WithLookupEnv(envMap(nil)).Load()
	require.NoError(t, err)
	assert.Equal(t, 8080, cfg.Server.HTTPPort)
}

func TestLoader_InvalidYAML(t *testing.T) {
	path := writeConfig(t, "server:\n  http_port: [invalid\n")
	_, err := NewLoader().WithConfigPath(path).WithLookupEnv(envMap(nil)).Load()
	assert.ErrorContains(t, err, "failed to parse config file")
}

func TestLoader_Env(t *testing.T) {
	cfg, err := NewLoader().WithLookupEnv(envMap(map[string]string{
		"GUARDFLOW_SERVER_HTTP_PORT":                 "7777",
		"GUARDFLOW_GOVERNANCE_DEVIATION_THRESHOLD":   "4.0",
		"GUARDFLOW_GOVERNANCE_DEFAULT_MONTHLY_QUOTA": "123456",
		"GUARDFLOW_GOVERNANCE_STORE_BACKEND":         "memory",
		"GUARDFLOW_UPSTREAM_TIMEOUT":                 "45s",
		"GUARDFLOW_REDIS_TLS":                        "true",
		"GUARDFLOW_LOG_OUTPUT_PATHS":                 "stdout, ,/var/log/guardflow.log",
		"GUARDFLOW_ARCHIVE_URI":                      "",
	})).Load()
	require.NoError(t, err)

	assert.Equal(t, 7777, cfg.Server.HTTPPort)
	assert.Equal(t, 4.0, cfg.Governance.DeviationThreshold)
	assert.Equal(t, int64(123456), cfg.Governance.DefaultMonthlyQuota)
	assert.Equal(t, "memory", cfg.Governance.StoreBackend)
	assert.Equal(t, 45*time.Second, cfg.Upstream.Timeout)
	assert.True(t, cfg.Redis.TLS)
	assert.Equal(t, []string{"stdout", "/var/log/guardflow.log"}, cfg.Log.OutputPaths)
	// 空值不覆盖默认值
	assert.Equal(t, DefaultArchiveConfig().URI, cfg.Archive.URI)
}

func TestLoader_EnvOverridesYAML(t *testing.T) {
	path := writeConfig(t, `
server:
  http_port: 8888
upstream:
  model: yaml-model
  provider: yaml-provider
`)
	t.Setenv("GUARDFLOW_SERVER_HTTP_PORT", "9999")
	t.Setenv("GUARDFLOW_UPSTREAM_MODEL", "env-model")

	cfg, err := NewLoader().WithConfigPath(path).Load()
	require.NoError(t, err)
	assert.Equal(t, 9999, cfg.Server.HTTPPort)
	assert.Equal(t, "env-model", cfg.Upstream.Model)
	assert.Equal(t, "yaml-provider", cfg.Upstream.Provider)
}

func TestLoader_CustomEnvPrefix(t *testing.T) {
	cfg, err := NewLoader().WithEnvPrefix("MYAPP").
		WithLookupEnv(envMap(map[string]string{"MYAPP_SERVER_HTTP_PORT": "6666"})).
		Load()
	require.NoError(t, err)
	assert.Equal(t, 6666, cfg.Server.HTTPPort)
}

func TestLoader_InvalidEnvValuesAreAllReported(t *testing.T) {
	_, err := NewLoader().WithLookupEnv(envMap(map[string]string{
		"GUARDFLOW_GOVERNANCE_WARNING_THRESHOLD": "not-a-number",
		"GUARDFLOW_SERVER_SHUTDOWN_TIMEOUT":      "soon",
		"GUARDFLOW_ARCHIVE_ENABLED":              "maybe",
	})).Load()
	require.Error(t, err)
	assert.Contains(t, err.Error(), "GUARDFLOW_GOVERNANCE_WARNING_THRESHOLD")
	assert.Contains(t, err.Error(), "GUARDFLOW_SERVER_SHUTDOWN_TIMEOUT")
	assert.Contains(t, err.Error(), "GUARDFLOW_ARCHIVE_ENABLED")
}

func TestLoader_WithValidator(t *testing.T) {
	_, err := NewLoader().
		WithLookupEnv(envMap(map[string]string{"GUARDFLOW_SERVER_HTTP_PORT": "80"})).
		WithValidator(func(cfg *Config) error {
			if cfg.Server.HTTPPort < 1024 {
				return assert.AnError
			}
			return nil
		}).
		Load()
	assert.ErrorIs(t, err, assert.AnError)
}
