// Package event 负责进程退出时的有序清理
package event

import (
	"context"
	"errors"
	"fmt"
	"os"
	"os/signal"
	"sync"
	"syscall"
	"time"

	"github.com/life-stream-dev/ghosttap-server/internal/logger"
)

const (
	DefaultStepTimeout = 10 * time.Second
	loggerTimeout      = 3 * time.Second
)

type Callable interface {
	Invoke(ctx context.Context) error
}

// CallableFunc 让普通函数满足 Callable
type CallableFunc func(ctx context.Context) error

func (f CallableFunc) Invoke(ctx context.Context) error {
	return f(ctx)
}

type step struct {
	name string
	fn   Callable
}

// Cleaner 按注册顺序执行退出清理，日志关闭总是最后一步
type Cleaner struct {
	mu       sync.Mutex
	steps    []step
	started  bool
	once     sync.Once
	err      error
	timeout  time.Duration
	shutdown Callable
}

// NewCleaner loggerShutdown 可为空；stepTimeout 为每一步的超时，非正数时使用默认值
func NewCleaner(loggerShutdown Callable, stepTimeout time.Duration) *Cleaner {
	if stepTimeout <= 0 {
		stepTimeout = DefaultStepTimeout
	}
	return &Cleaner{shutdown: loggerShutdown, timeout: stepTimeout}
}

// Add 登记一个清理步骤；清理开始后登记的步骤会被忽略
func (c *Cleaner) Add(name string, callable Callable) {
	c.mu.Lock()
	defer c.mu.Unlock()
	if c.started {
		logger.DebugF("Cleanup already started, ignore step %s", name)
		return
	}
	c.steps = append(c.steps, step{name: name, fn: callable})
}

// NotifyContext 返回一个在收到 SIGINT/SIGTERM 时取消的 context
func (c *Cleaner) NotifyContext(parent context.Context) (context.Context, context.CancelFunc) {
	return signal.NotifyContext(parent, os.Interrupt, syscall.SIGTERM)
}

func (c *Cleaner) run(s step) error {
	ctx, cancel := context.WithTimeout(context.Background(), c.timeout)
	defer cancel()
	begin := time.Now()
	if err := s.fn.Invoke(ctx); err != nil {
		logger.ErrorF("Cleanup step %s failed after %v: %v", s.name, time.Since(begin), err)
		return fmt.Errorf("%s: %w", s.name, err)
	}
	logger.DebugF("Cleanup step %s done in %v", s.name, time.Since(begin))
	return nil
}

// Clean 依次执行所有步骤，单步失败不影响后续步骤；多次调用只执行一次
func (c *Cleaner) Clean() error {
	c.once.Do(func() {
		c.mu.Lock()
		c.started = true
		steps := append([]step(nil), c.steps...)
		c.mu.Unlock()

		logger.InfoF("Shutting down, %d cleanup step(s) registered", len(steps))
		var errs []error
		for _, s := range steps {
			if err := c.run(s); err != nil {
				errs = append(errs, err)
			}
		}
		logger.Info("Cleanup finished, server offline")

		if c.shutdown != nil {
			ctx, cancel := context.WithTimeout(context.Background(), loggerTimeout)
			if err := c.shutdown.Invoke(ctx); err != nil {
				errs = append(errs, fmt.Errorf("logger: %w", err))
			}
			cancel()
		}
		c.err = errors.Join(errs...)
	})
	return c.err
}
