// 治理参数热更新。
//
// 轮询配置文件修改时间，文件变更后重新加载配置，
// 仅当 governance 段发生变化且校验通过时通知回调。
// 其余配置段的变更需要重启进程才能生效。
package config

import (
	"context"
	"fmt"
	"os"
	"sync"
	"time"

	"go.uber.org/zap"
)

// GovernanceCallback 治理配置变更回调
type GovernanceCallback func(old, new GovernanceConfig)

// GovernanceWatcher 监听配置文件并热更新治理参数
type GovernanceWatcher struct {
	mu sync.Mutex

	loader       *Loader
	path         string
	pollInterval time.Duration
	logger       *zap.Logger

	current   GovernanceConfig
	lastMod   time.Time
	callbacks []GovernanceCallback
	running   bool
	stopChan  chan struct{}
}

// WatcherOption 配置 GovernanceWatcher
type WatcherOption func(*GovernanceWatcher)

// WithPollInterval 设置轮询间隔
func WithPollInterval(d time.Duration) WatcherOption {
	return func(w *GovernanceWatcher) {
		w.pollInterval = d
	}
}

// WithWatcherLogger 设置日志
func WithWatcherLogger(logger *zap.Logger) WatcherOption {
	return func(w *GovernanceWatcher) {
		w.logger = logger
	}
}

// NewGovernanceWatcher 创建监听器。current 为当前生效的治理配置
func NewGovernanceWatcher(path string, current GovernanceConfig, opts ...WatcherOption) *GovernanceWatcher {
	w := &GovernanceWatcher{
		loader:       NewLoader().WithConfigPath(path),
		path:         path,
		pollInterval: time.Second,
		logger:       zap.NewNop(),
		current:      current,
		stopChan:     make(chan struct{}),
	}
	for _, opt := range opts {
		opt(w)
	}
	if info, err := os.Stat(path); err == nil {
		w.lastMod = info.ModTime()
	}
	return w
}

// OnChange 注册回调
func (w *GovernanceWatcher) OnChange(cb GovernanceCallback) {
	w.mu.Lock()
	defer w.mu.Unlock()
	w.callbacks = append(w.callbacks, cb)
}

// Current 返回当前生效的治理配置
func (w *GovernanceWatcher) Current() GovernanceConfig {
	w.mu.Lock()
	defer w.mu.Unlock()
	return w.current
}

// Start 开始轮询
func (w *GovernanceWatcher) Start(ctx context.Context) error {
	w.mu.Lock()
	defer w.mu.Unlock()
	if w.running {
		return fmt.Errorf("watcher already running")
	}
	w.running = true
	go w.pollLoop(ctx)

	w.logger.Info("governance watcher started",
		zap.String("path", w.path),
		zap.Duration("poll_interval", w.pollInterval))
	return nil
}

// Stop 停止轮询
func (w *GovernanceWatcher) Stop() {
	w.mu.Lock()
	defer w.mu.Unlock()
	if !w.running {
		return
	}
	close(w.stopChan)
	w.running = false
}

func (w *GovernanceWatcher) pollLoop(ctx context.Context) {
	ticker := time.NewTicker(w.pollInterval)
	defer ticker.Stop()

	for {
		select {
		case <-ctx.Done():
			return
		case <-w.stopChan:
			return
		case <-ticker.C:
			if err := w.Check(); err != nil {
				w.logger.Warn("governance reload rejected", zap.Error(err))
			}
		}
	}
}

// Check 检查文件是否变更并在需要时应用新配置
func (w *GovernanceWatcher) Check() error {
	info, err := os.Stat(w.path)
	if err != nil {
		return nil
	}

	w.mu.Lock()
	if !info.ModTime().After(w.lastMod) {
		w.mu.Unlock()
		return nil
	}
	w.lastMod = info.ModTime()
	w.mu.Unlock()

	cfg, err := w.loader.Load()
	if err != nil {
		return err
	}
	if err := cfg.Governance.Validate(); err != nil {
		return fmt.Errorf("invalid governance config: %w", err)
	}

	w.mu.Lock()
	old := w.current
	if old == cfg.Governance {
		w.mu.Unlock()
		return nil
	}
	w.current = cfg.Governance
	callbacks := make([]GovernanceCallback, len(w.callbacks))
	copy(callbacks, w.callbacks)
	w.mu.Unlock()

	w.logger.Info("governance config reloaded",
		zap.Float64("deviation_threshold", cfg.Governance.DeviationThreshold),
		zap.Float64("warning_threshold", cfg.Governance.WarningThreshold))

	for _, cb := range callbacks {
		cb(old, cfg.Governance)
	}
	return nil
}
