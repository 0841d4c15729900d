package main

import (
	"context"
	"errors"
	"fmt"

	"go.uber.org/zap"

	"github.com/BaSui01/guardflow/config"
	"github.com/BaSui01/guardflow/governance/anomaly"
	"github.com/BaSui01/guardflow/governance/pipeline"
	"github.com/BaSui01/guardflow/governance/quota"
	"github.com/BaSui01/guardflow/governance/ratelimit"
	"github.com/BaSui01/guardflow/governance/safety"
	"github.com/BaSui01/guardflow/governance/scoring"
	"github.com/BaSui01/guardflow/internal/cache"
	"github.com/BaSui01/guardflow/internal/database"
	"github.com/BaSui01/guardflow/internal/metrics"
	"github.com/BaSui01/guardflow/internal/pool"
	"github.com/BaSui01/guardflow/llm/openaicompat"
	"github.com/BaSui01/guardflow/store"
	"github.com/BaSui01/guardflow/store/archive"
	"github.com/BaSui01/guardflow/types"
)

var errRedisUnhealthy = errors.New("redis health check failing")

// governanceStore 主存储需要同时提供的能力
type governanceStore interface {
	store.Accounts
	store.History
	store.RecordSink
	store.AlertStore
}

// =============================================================================
// 🧩 运行时组件
// =============================================================================

// runtime 按配置组装好的治理组件及其底层连接
type runtime struct {
	logger *zap.Logger

	async   *pool.GoroutinePool
	db      *database.PoolManager
	cache   *cache.Manager
	archive *archive.Sink

	store    governanceStore
	limiter  ratelimit.Limiter
	adapter  *openaicompat.Client
	governor *quota.Governor
	scorer   *scoring.Scorer
	anomaly  *anomaly.Engine
	pipeline *pipeline.Pipeline
}

// buildRuntime 组装治理管线。失败时已建立的连接会被释放
func buildRuntime(ctx context.Context, cfg *config.Config, logger *zap.Logger, collector *metrics.Collector) (rt *runtime, err error) {
	gov := cfg.Governance
	rt = &runtime{logger: logger}
	defer func() {
		if err != nil {
			_ = rt.close(context.Background())
			rt = nil
		}
	}()

	// 1. 后台任务池
	rt.async = pool.NewGoroutinePool(pool.Config{
		Workers:   gov.AsyncWorkers,
		QueueSize: gov.AsyncQueueSize,
	}, logger, pool.WithDropHook(collector.RecordAsyncDrop))

	// 2. 账户存储
	if err = rt.openStore(ctx, cfg, collector); err != nil {
		return rt, err
	}

	// 3. 归档（可选，失败不影响主流程）
	if cfg.Archive.Enabled {
		sink, aerr := archive.Connect(ctx, archive.Config{
			URI:               cfg.Archive.URI,
			Database:          cfg.Archive.Database,
			RecordsCollection: cfg.Archive.RecordsCollection,
			AlertsCollection:  cfg.Archive.AlertsCollection,
			Timeout:           cfg.Archive.Timeout,
		}, logger)
		if aerr != nil {
			logger.Warn("archive unavailable, continuing without it", zap.Error(aerr))
		} else {
			rt.archive = sink
		}
	}

	// 4. 小时限流
	rt.openLimiter(cfg, collector)

	// 5. 上游适配器
	rt.adapter = openaicompat.New(openaicompat.Config{
		ProviderName:      cfg.Upstream.Provider,
		APIKey:            cfg.Upstream.APIKey,
		BaseURL:           cfg.Upstream.BaseURL,
		DefaultModel:      cfg.Upstream.Model,
		Temperature:       cfg.Upstream.Temperature,
		Timeout:           cfg.Upstream.Timeout,
		RequestsPerSecond: cfg.Upstream.RequestsPerSecond,
		Burst:             cfg.Upstream.Burst,
	}, logger)

	// 6. 配额、评分与告警
	rt.governor = quota.NewGovernor(rt.store, quota.Config{
		ResponseBuffer:             gov.ResponseBuffer,
		DefaultMaxTokensPerRequest: gov.DefaultMaxTokensPerRequest,
		ResponseCeiling:            gov.MaxResponseTokens,
	}, logger)
	rt.scorer = scoring.NewScorer(rt.store, rt.store, scoring.Config{
		DeviationThreshold: gov.DeviationThreshold,
		WarningThreshold:   gov.WarningThreshold,
	}, logger)

	anomalyOpts := []anomaly.Option{
		anomaly.WithAsync(rt.async),
		anomaly.WithAlertHook(func(a types.Alert) {
			collector.RecordAlert(string(a.Type), string(a.Severity))
			if a.Severity == types.SeverityCritical {
				collector.RecordBlock("alert")
			}
		}),
	}
	records := store.MultiSink{rt.store}
	if rt.archive != nil {
		anomalyOpts = append(anomalyOpts, anomaly.WithMirror(rt.archive))
		records = append(records, rt.archive)
	}
	rt.anomaly = anomaly.NewEngine(rt.store, rt.store, rt.store, anomaly.DefaultConfig(), logger, anomalyOpts...)

	// 7. 管线
	pcfg := pipeline.DefaultConfig()
	pcfg.UpstreamTimeout = cfg.Upstream.Timeout
	pcfg.DefaultModel = cfg.Upstream.Model
	pcfg.Estimator = quota.Estimator{Multiplier: gov.EstimateMultiplier, Min: gov.MinEstimateTokens}
	pcfg.DefaultQuotas = gov.DefaultQuotas()

	rt.pipeline, err = pipeline.New(pipeline.Deps{
		Accounts: rt.store,
		Records:  records,
		Governor: rt.governor,
		Limiter:  rt.limiter,
		Filter:   safety.NewFilter(logger),
		Adapter:  rt.adapter,
		Scorer:   rt.scorer,
		Anomaly:  rt.anomaly,
		Async:    rt.async,
		Metrics:  collector,
	}, pcfg, logger)
	if err != nil {
		return rt, err
	}

	logger.Info("governance runtime ready",
		zap.String("store_backend", gov.StoreBackend),
		zap.String("rate_limit_backend", gov.RateLimitBackend),
		zap.Bool("archive", rt.archive != nil),
		zap.String("upstream", cfg.Upstream.Provider),
	)
	return rt, nil
}

func (rt *runtime) openStore(ctx context.Context, cfg *config.Config, collector *metrics.Collector) error {
	if cfg.Governance.StoreBackend == "memory" {
		rt.store = store.NewMemoryStore()
		return nil
	}

	driver := cfg.Database.Driver
	db, err := database.Open(cfg.Database, rt.logger, database.WithStatsHook(func(s database.PoolStats) {
		collector.RecordDBConnections(driver, s.OpenConnections, s.Idle)
	}))
	if err != nil {
		return err
	}
	rt.db = db

	gs := store.NewGormStore(db.DB(), rt.logger)
	// postgres/mysql 由 migrate 子命令管理 Schema
	if driver == "sqlite" {
		if err := gs.AutoMigrate(ctx); err != nil {
			return fmt.Errorf("auto migrate: %w", err)
		}
	}
	rt.store = gs
	return nil
}

func (rt *runtime) openLimiter(cfg *config.Config, collector *metrics.Collector) {
	if cfg.Governance.RateLimitBackend != "redis" {
		rt.limiter = ratelimit.NewMemoryLimiter()
		return
	}

	cc := cache.DefaultConfig()
	cc.Addr = cfg.Redis.Addr
	cc.Password = cfg.Redis.Password
	cc.DB = cfg.Redis.DB
	cc.TLS = cfg.Redis.TLS
	if cfg.Redis.PoolSize > 0 {
		cc.PoolSize = cfg.Redis.PoolSize
	}
	if cfg.Redis.MinIdleConns > 0 {
		cc.MinIdleConns = cfg.Redis.MinIdleConns
	}

	mgr, err := cache.NewManager(cc, rt.logger)
	if err != nil {
		rt.logger.Warn("redis unavailable, falling back to in-process rate limiting", zap.Error(err))
		collector.RecordRateLimitDegraded()
		rt.limiter = ratelimit.NewMemoryLimiter()
		return
	}
	rt.cache = mgr
	rt.limiter = ratelimit.NewRedisLimiter(mgr.Client(), rt.logger)
}

// =============================================================================
// 🏥 就绪检查
// =============================================================================

// readiness 依次检查已启用的外部依赖，返回每项的错误（nil 表示正常）
func (rt *runtime) readiness(ctx context.Context) map[string]error {
	checks := make(map[string]error)
	if rt.db != nil {
		checks["database"] = rt.db.Ping(ctx)
	}
	if rt.cache != nil {
		checks["redis"] = rt.redisReady(ctx)
	}
	if rt.archive != nil {
		checks["archive"] = rt.archive.Ping(ctx)
	}
	return checks
}

// redisReady 后台检查已判定故障时直接返回错误，否则再 Ping 一次
func (rt *runtime) redisReady(ctx context.Context) error {
	if !rt.cache.Healthy() {
		return errRedisUnhealthy
	}
	return rt.cache.Ping(ctx)
}

// close 按依赖逆序释放资源。先排空任务池，保证异步告警落库
func (rt *runtime) close(ctx context.Context) error {
	var errs []error
	if rt.async != nil {
		if err := rt.async.Close(ctx); err != nil {
			errs = append(errs, fmt.Errorf("async pool: %w", err))
		}
	}
	if rt.archive != nil {
		if err := rt.archive.Close(ctx); err != nil {
			errs = append(errs, fmt.Errorf("archive: %w", err))
		}
	}
	if rt.cache != nil {
		if err := rt.cache.Close(); err != nil {
			errs = append(errs, fmt.Errorf("redis: %w", err))
		}
	}
	if rt.db != nil {
		if err := rt.db.Close(); err != nil {
			errs = append(errs, fmt.Errorf("database: %w", err))
		}
	}
	return errors.Join(errs...)
}
