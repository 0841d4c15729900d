package main

import (
	"context"
	"encoding/json"
	"net/http"
	"net/http/httptest"
	"path/filepath"
	"testing"
	"time"

	"github.com/alicebob/miniredis/v2"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
	"go.uber.org/zap/zaptest"

	"github.com/BaSui01/guardflow/config"
	"github.com/BaSui01/guardflow/governance/intent"
	"github.com/BaSui01/guardflow/governance/pipeline"
	"github.com/BaSui01/guardflow/governance/ratelimit"
	"github.com/BaSui01/guardflow/store"
	"github.com/BaSui01/guardflow/testutil"
	"github.com/BaSui01/guardflow/testutil/fixtures"
)

// fakeUpstream 返回固定补全内容的 OpenAI 兼容上游
func fakeUpstream(t *testing.T, content string) *httptest.Server {
	t.Helper()
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		assert.Equal(t, "/v1/chat/completions", r.URL.Path)
		w.Header().Set("Content-Type", "application/json")
		_ = json.NewEncoder(w).Encode(map[string]any{
			"id":    "cmpl-test",
			"model": "test-model",
			"choices": []map[string]any{{
				"index":         0,
				"finish_reason": "stop",
				"message":       map[string]string{"role": "assistant", "content": content},
			}},
			"usage": map[string]int{"prompt_tokens": 12, "completion_tokens": 20, "total_tokens": 32},
		})
	}))
	t.Cleanup(srv.Close)
	return srv
}

func memoryConfig(upstreamURL string) *config.Config {
	cfg := config.DefaultConfig()
	cfg.Governance.StoreBackend = "memory"
	cfg.Governance.RateLimitBackend = "memory"
	cfg.Governance.AsyncWorkers = 2
	cfg.Upstream.BaseURL = upstreamURL
	cfg.Upstream.Model = "test-model"
	cfg.Upstream.Timeout = 5 * time.Second
	return cfg
}

func closeRuntime(t *testing.T, rt *runtime) {
	t.Helper()
	ctx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
	defer cancel()
	require.NoError(t, rt.close(ctx))
}

func TestBuildRuntime_MemoryBackends(t *testing.T) {
	upstream := fakeUpstream(t, "Add a break condition.\nINTENT_CLASSIFICATION: coding | CONFIDENCE: 0.9")
	ctx := testutil.TestContext(t)

	rt, err := buildRuntime(ctx, memoryConfig(upstream.URL), zaptest.NewLogger(t), nil)
	require.NoError(t, err)
	defer closeRuntime(t, rt)

	assert.IsType(t, &store.MemoryStore{}, rt.store)
	assert.IsType(t, &ratelimit.MemoryLimiter{}, rt.limiter)
	assert.Nil(t, rt.db)
	assert.Nil(t, rt.cache)
	assert.Nil(t, rt.archive)
	assert.Empty(t, rt.readiness(ctx))

	resp, err := rt.pipeline.Process(ctx, pipeline.Request{
		User:       fixtures.DefaultUser("u1"),
		Task:       fixtures.CodingTask("task-1"),
		Assignment: fixtures.Assignment("u1", "task-1"),
		Messages:   fixtures.Prompt("why does my for loop never terminate"),
	})
	require.NoError(t, err)
	assert.Equal(t, "Add a break condition.", resp.Content)
	assert.Equal(t, intent.Coding, resp.Intent)
	assert.Equal(t, 32, resp.Usage.TotalTokens)

	u, err := rt.store.GetUser(ctx, "u1")
	require.NoError(t, err)
	assert.Equal(t, int64(32), u.DailyUsed)

	testutil.AssertEventuallyTrue(t, func() bool {
		n, err := rt.store.CountRequests(ctx, "u1", time.Now().Add(-time.Hour))
		return err == nil && n == 1
	}, 2*time.Second)
}

func TestBuildRuntime_SQLiteAndRedis(t *testing.T) {
	mr := miniredis.RunT(t)
	upstream := fakeUpstream(t, "ok")

	cfg := memoryConfig(upstream.URL)
	cfg.Governance.StoreBackend = "database"
	cfg.Governance.RateLimitBackend = "redis"
	cfg.Database = config.DatabaseConfig{
		Driver:       "sqlite",
		Name:         filepath.Join(t.TempDir(), "guardflow.db"),
		MaxOpenConns: 1,
	}
	cfg.Redis.Addr = mr.Addr()

	ctx := testutil.TestContext(t)
	rt, err := buildRuntime(ctx, cfg, zaptest.NewLogger(t), nil)
	require.NoError(t, err)
	defer closeRuntime(t, rt)

	assert.IsType(t, &store.GormStore{}, rt.store)
	assert.IsType(t, &ratelimit.RedisLimiter{}, rt.limiter)

	checks := rt.readiness(ctx)
	require.Len(t, checks, 2)
	assert.NoError(t, checks["database"])
	assert.NoError(t, checks["redis"])

	_, err = rt.pipeline.Process(ctx, pipeline.Request{
		User:     fixtures.DefaultUser("u2"),
		Task:     fixtures.DummyTask("open"),
		Messages: fixtures.Prompt("hello there"),
	})
	require.NoError(t, err)

	// 小时计数写入 Redis
	assert.NotEmpty(t, mr.Keys())
}

func TestBuildRuntime_RedisUnavailableFallsBack(t *testing.T) {
	cfg := memoryConfig("http://127.0.0.1:1")
	cfg.Governance.RateLimitBackend = "redis"
	cfg.Redis.Addr = "127.0.0.1:1"

	rt, err := buildRuntime(testutil.TestContext(t), cfg, zaptest.NewLogger(t), nil)
	require.NoError(t, err)
	defer closeRuntime(t, rt)

	assert.Nil(t, rt.cache)
	assert.IsType(t, &ratelimit.MemoryLimiter{}, rt.limiter)
}

func TestBuildRuntime_InvalidDatabase(t *testing.T) {
	cfg := memoryConfig("http://127.0.0.1:1")
	cfg.Governance.StoreBackend = "database"
	cfg.Database.Driver = "oracle"

	rt, err := buildRuntime(testutil.TestContext(t), cfg, zaptest.NewLogger(t), nil)
	assert.ErrorContains(t, err, "unsupported database driver")
	assert.Nil(t, rt)
}
