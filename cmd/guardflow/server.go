package main

import (
	"context"
	"errors"
	"fmt"
	"net/http"
	"time"

	"github.com/prometheus/client_golang/prometheus/promhttp"
	"go.uber.org/zap"
	"golang.org/x/sync/errgroup"

	"github.com/BaSui01/guardflow/config"
	"github.com/BaSui01/guardflow/governance/quota"
	"github.com/BaSui01/guardflow/internal/metrics"
	"github.com/BaSui01/guardflow/internal/server"
	"github.com/BaSui01/guardflow/internal/telemetry"
)

const readyTimeout = 3 * time.Second

// =============================================================================
// 🖥️ Server 结构
// =============================================================================

// Server 是 GuardFlow 的主服务器
type Server struct {
	cfg        *config.Config
	configPath string
	logger     *zap.Logger

	// 服务器管理器
	httpManager    *server.Manager
	metricsManager *server.Manager

	metricsCollector *metrics.Collector
	telemetry        *telemetry.Providers
	runtime          *runtime

	// 治理参数热更新
	watcher *config.GovernanceWatcher

	// 后台任务（用量清零调度、限流清理）
	cancel context.CancelFunc
	group  *errgroup.Group
}

// NewServer 创建新的服务器实例
func NewServer(cfg *config.Config, configPath string, logger *zap.Logger) *Server {
	return &Server{
		cfg:        cfg,
		configPath: configPath,
		logger:     logger,
	}
}

// =============================================================================
// 🚀 启动流程
// =============================================================================

// Start 启动所有服务
func (s *Server) Start(ctx context.Context) error {
	// 1. 可观测性
	providers, err := telemetry.Init(s.cfg.Telemetry, s.logger)
	if err != nil {
		return fmt.Errorf("failed to init telemetry: %w", err)
	}
	s.telemetry = providers
	if s.metricsCollector == nil {
		s.metricsCollector = metrics.NewCollector("guardflow", s.logger)
	}

	// 2. 治理组件
	rt, err := buildRuntime(ctx, s.cfg, s.logger, s.metricsCollector)
	if err != nil {
		return fmt.Errorf("failed to build runtime: %w", err)
	}
	s.runtime = rt

	// 3. 后台任务
	bgCtx, cancel := context.WithCancel(context.Background())
	s.cancel = cancel
	s.group, bgCtx = errgroup.WithContext(bgCtx)

	scheduler := quota.NewResetScheduler(rt.governor, s.cfg.Governance.ResetCheckInterval, s.logger)
	s.group.Go(func() error {
		if err := scheduler.Run(bgCtx); !errors.Is(err, context.Canceled) {
			return err
		}
		return nil
	})

	// 4. 热更新
	if err := s.startWatcher(bgCtx); err != nil {
		return err
	}

	// 5. HTTP 服务器
	if err := s.startHTTPServers(bgCtx); err != nil {
		return err
	}

	s.logger.Info("all servers started",
		zap.Int("http_port", s.cfg.Server.HTTPPort),
		zap.Int("metrics_port", s.cfg.Server.MetricsPort),
	)
	return nil
}

func (s *Server) startWatcher(ctx context.Context) error {
	if s.configPath == "" {
		s.logger.Info("no config file, governance hot reload disabled")
		return nil
	}

	s.watcher = config.NewGovernanceWatcher(s.configPath, s.cfg.Governance,
		config.WithWatcherLogger(s.logger))
	scorer := s.runtime.scorer
	s.watcher.OnChange(func(old, updated config.GovernanceConfig) {
		scorer.SetThresholds(updated.DeviationThreshold, updated.WarningThreshold)
		s.logger.Info("deviation thresholds updated",
			zap.Float64("old_deviation", old.DeviationThreshold),
			zap.Float64("deviation", updated.DeviationThreshold),
			zap.Float64("old_warning", old.WarningThreshold),
			zap.Float64("warning", updated.WarningThreshold),
		)
	})
	if err := s.watcher.Start(ctx); err != nil {
		return fmt.Errorf("failed to start config watcher: %w", err)
	}
	return nil
}

// opsHandler 运维端口路由。MetricsPort 为 0 时 /metrics 也挂在这里
func (s *Server) opsHandler(ctx context.Context) http.Handler {
	mux := http.NewServeMux()
	mux.HandleFunc("GET /health", handleHealth)
	mux.HandleFunc("GET /ready", handleReady(s.runtime.readiness, readyTimeout))
	mux.HandleFunc("GET /version", handleVersion)
	if s.cfg.Server.MetricsPort == 0 {
		mux.Handle("GET /metrics", promhttp.Handler())
	}

	return Chain(mux,
		Recovery(s.logger),
		RequestID(),
		SecurityHeaders(),
		OTelTracing(),
		MetricsMiddleware(s.metricsCollector),
		RequestLogger(s.logger),
		RateLimiter(ctx, s.cfg.Server.RateLimitRPS, s.cfg.Server.RateLimitBurst, s.logger),
	)
}

func (s *Server) startHTTPServers(ctx context.Context) error {
	s.httpManager = server.NewManager("ops", s.opsHandler(ctx),
		server.FromServerConfig(s.cfg.Server, s.cfg.Server.HTTPPort), s.logger)
	if err := s.httpManager.Start(); err != nil {
		return fmt.Errorf("failed to start ops server: %w", err)
	}

	if s.cfg.Server.MetricsPort > 0 {
		mux := http.NewServeMux()
		mux.Handle("/metrics", promhttp.Handler())
		s.metricsManager = server.NewManager("metrics", mux,
			server.FromServerConfig(s.cfg.Server, s.cfg.Server.MetricsPort), s.logger)
		if err := s.metricsManager.Start(); err != nil {
			return fmt.Errorf("failed to start metrics server: %w", err)
		}
	}
	return nil
}

// =============================================================================
// 🛑 关闭流程
// =============================================================================

func (s *Server) managers() []*server.Manager {
	var ms []*server.Manager
	for _, m := range []*server.Manager{s.httpManager, s.metricsManager} {
		if m != nil {
			ms = append(ms, m)
		}
	}
	return ms
}

// Wait 阻塞直到收到退出信号、ctx 结束或服务器异常退出
func (s *Server) Wait(ctx context.Context) error {
	return server.WaitForSignal(ctx, s.logger, s.managers()...)
}

// Shutdown 按启动逆序关闭，可在 Start 失败后调用
func (s *Server) Shutdown(ctx context.Context) {
	timeout := s.cfg.Server.ShutdownTimeout
	if timeout <= 0 {
		timeout = 30 * time.Second
	}
	ctx, cancel := context.WithTimeout(context.WithoutCancel(ctx), timeout)
	defer cancel()

	s.logger.Info("shutting down servers")
	for _, m := range s.managers() {
		if err := m.Shutdown(ctx); err != nil {
			s.logger.Error("server shutdown error", zap.Error(err))
		}
	}

	if s.watcher != nil {
		s.watcher.Stop()
	}
	if s.cancel != nil {
		s.cancel()
		if err := s.group.Wait(); err != nil {
			s.logger.Error("background task error", zap.Error(err))
		}
	}

	if s.runtime != nil {
		if err := s.runtime.close(ctx); err != nil {
			s.logger.Error("runtime close error", zap.Error(err))
		}
	}
	if err := s.telemetry.Shutdown(ctx); err != nil {
		s.logger.Error("telemetry shutdown error", zap.Error(err))
	}
}
