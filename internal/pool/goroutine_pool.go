// Package pool 提供有界的后台任务池，用于请求记录与告警的异步持久化。
// 队列满时直接丢弃任务，绝不阻塞调用方。
package pool

import (
	"context"
	"errors"
	"fmt"
	"sync"
	"sync/atomic"
	"time"

	"go.uber.org/zap"
)

var (
	ErrPoolClosed = errors.New("pool is closed")
	ErrPoolFull   = errors.New("pool is full")
)

// Task 一个后台任务
type Task func(ctx context.Context) error

// Config 任务池配置
type Config struct {
	Workers     int           `yaml:"workers" json:"workers"`
	QueueSize   int           `yaml:"queue_size" json:"queue_size"`
	TaskTimeout time.Duration `yaml:"task_timeout" json:"task_timeout"`
}

// DefaultConfig 默认配置
func DefaultConfig() Config {
	return Config{
		Workers:     8,
		QueueSize:   1024,
		TaskTimeout: 10 * time.Second,
	}
}

// Option 任务池选项
type Option func(*GoroutinePool)

// WithDropHook 任务被丢弃时回调（用于指标）
func WithDropHook(fn func(name string)) Option {
	return func(p *GoroutinePool) { p.onDrop = fn }
}

// WithFailureHook 任务失败时回调
func WithFailureHook(fn func(name string, err error)) Option {
	return func(p *GoroutinePool) { p.onFailure = fn }
}

type job struct {
	name string
	task Task
}

// GoroutinePool 固定 worker 数量的后台任务池
type GoroutinePool struct {
	cfg    Config
	queue  chan job
	logger *zap.Logger
	wg     sync.WaitGroup

	// 保护 closed 与 queue 的关闭，避免向已关闭的通道发送
	mu     sync.RWMutex
	closed bool

	onDrop    func(string)
	onFailure func(string, error)

	submitted atomic.Int64
	completed atomic.Int64
	failed    atomic.Int64
	dropped   atomic.Int64
	active    atomic.Int32
}

// NewGoroutinePool 创建并启动任务池
func NewGoroutinePool(cfg Config, logger *zap.Logger, opts ...Option) *GoroutinePool {
	def := DefaultConfig()
	if cfg.Workers <= 0 {
		cfg.Workers = def.Workers
	}
	if cfg.QueueSize <= 0 {
		cfg.QueueSize = def.QueueSize
	}
	if cfg.TaskTimeout <= 0 {
		cfg.TaskTimeout = def.TaskTimeout
	}
	if logger == nil {
		logger = zap.NewNop()
	}

	p := &GoroutinePool{
		cfg:    cfg,
		queue:  make(chan job, cfg.QueueSize),
		logger: logger.With(zap.String("component", "async_pool")),
	}
	for _, opt := range opts {
		opt(p)
	}

	p.wg.Add(cfg.Workers)
	for range cfg.Workers {
		go p.worker()
	}
	return p
}

// Submit 提交任务，不阻塞。队列已满时丢弃并返回 ErrPoolFull
func (p *GoroutinePool) Submit(name string, task Task) error {
	p.mu.RLock()
	defer p.mu.RUnlock()

	if p.closed {
		p.drop(name, ErrPoolClosed)
		return ErrPoolClosed
	}

	select {
	case p.queue <- job{name: name, task: task}:
		p.submitted.Add(1)
		return nil
	default:
		p.drop(name, ErrPoolFull)
		return ErrPoolFull
	}
}

func (p *GoroutinePool) drop(name string, reason error) {
	p.dropped.Add(1)
	p.logger.Warn("async task dropped",
		zap.String("task", name),
		zap.Error(reason))
	if p.onDrop != nil {
		p.onDrop(name)
	}
}

func (p *GoroutinePool) worker() {
	defer p.wg.Done()
	for j := range p.queue {
		p.active.Add(1)
		err := p.run(j)
		p.active.Add(-1)

		if err != nil {
			p.failed.Add(1)
			p.logger.Warn("async task failed",
				zap.String("task", j.name),
				zap.Error(err))
			if p.onFailure != nil {
				p.onFailure(j.name, err)
			}
			continue
		}
		p.completed.Add(1)
	}
}

// 任务与发起请求的 context 解耦，使用独立超时
func (p *GoroutinePool) run(j job) (err error) {
	defer func() {
		if r := recover(); r != nil {
			err = fmt.Errorf("task panicked: %v", r)
		}
	}()

	ctx, cancel := context.WithTimeout(context.Background(), p.cfg.TaskTimeout)
	defer cancel()
	return j.task(ctx)
}

// Close 停止接收新任务并等待队列排空。ctx 到期时返回其错误
func (p *GoroutinePool) Close(ctx context.Context) error {
	p.mu.Lock()
	if p.closed {
		p.mu.Unlock()
		return nil
	}
	p.closed = true
	close(p.queue)
	p.mu.Unlock()

	done := make(chan struct{})
	go func() {
		p.wg.Wait()
		close(done)
	}()

	select {
	case <-done:
		return nil
	case <-ctx.Done():
		return ctx.Err()
	}
}

// Stats 返回统计信息
func (p *GoroutinePool) Stats() Stats {
	return Stats{
		Workers:   p.cfg.Workers,
		Active:    int(p.active.Load()),
		Queued:    len(p.queue),
		Submitted: p.submitted.Load(),
		Completed: p.completed.Load(),
		Failed:    p.failed.Load(),
		Dropped:   p.dropped.Load(),
	}
}

// Stats 任务池统计
type Stats struct {
	Workers   int   `json:"workers"`
	Active    int   `json:"active"`
	Queued    int   `json:"queued"`
	Submitted int64 `json:"submitted"`
	Completed int64 `json:"completed"`
	Failed    int64 `json:"failed"`
	Dropped   int64 `json:"dropped"`
}
