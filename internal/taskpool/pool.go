// Package taskpool runs detached background work on a bounded worker pool so
// that failures are observable and outstanding tasks can be drained on
// shutdown.
package taskpool

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"sync"
	"sync/atomic"
	"time"

	"github.com/panjf2000/ants/v2"
)

const defaultSize = 4

// ErrClosed is returned by Submit after Shutdown has been called.
var ErrClosed = errors.New("taskpool: pool is closed")

// Pool is a bounded executor for fire-and-forget tasks.
type Pool struct {
	pool    *ants.Pool
	timeout time.Duration
	logger  *slog.Logger

	mu     sync.RWMutex
	closed bool
	wg     sync.WaitGroup
	active atomic.Int64
}

type Option func(*Pool)

// WithTimeout bounds every task run. Zero means no pool-level timeout.
func WithTimeout(d time.Duration) Option {
	return func(p *Pool) {
		p.timeout = d
	}
}

func WithLogger(l *slog.Logger) Option {
	return func(p *Pool) {
		if l != nil {
			p.logger = l
		}
	}
}

// New creates a Pool with size workers. Submissions never block: when every
// worker is busy the task is rejected.
func New(size int, opts ...Option) (*Pool, error) {
	if size <= 0 {
		size = defaultSize
	}
	p := &Pool{logger: slog.Default()}
	for _, opt := range opts {
		opt(p)
	}
	pool, err := ants.NewPool(size, ants.WithNonblocking(true))
	if err != nil {
		return nil, fmt.Errorf("taskpool: create pool: %w", err)
	}
	p.pool = pool
	return p, nil
}

// Submit schedules task without waiting for it. The task context is detached
// from ctx cancellation so it can outlive the request that scheduled it.
// Task errors are logged; only scheduling failures are returned.
func (p *Pool) Submit(ctx context.Context, name string, task func(context.Context) error) error {
	if task == nil {
		return errors.New("taskpool: task must not be nil")
	}
	p.mu.RLock()
	defer p.mu.RUnlock()
	if p.closed {
		return ErrClosed
	}

	detached := context.WithoutCancel(ctx)
	p.wg.Add(1)
	err := p.pool.Submit(func() {
		defer p.wg.Done()
		p.run(detached, name, task)
	})
	if err != nil {
		p.wg.Done()
		return fmt.Errorf("taskpool: submit %s: %w", name, err)
	}
	return nil
}

func (p *Pool) run(ctx context.Context, name string, task func(context.Context) error) {
	p.active.Add(1)
	defer p.active.Add(-1)
	defer func() {
		if r := recover(); r != nil {
			p.logger.Error("taskpool: task panicked", "task", name, "panic", r)
		}
	}()
	if p.timeout > 0 {
		var cancel context.CancelFunc
		ctx, cancel = context.WithTimeout(ctx, p.timeout)
		defer cancel()
	}
	start := time.Now()
	if err := task(ctx); err != nil {
		p.logger.Warn("taskpool: task failed", "task", name, "elapsed", time.Since(start), "err", err)
		return
	}
	p.logger.Debug("taskpool: task done", "task", name, "elapsed", time.Since(start))
}

// Running returns the number of tasks currently executing.
func (p *Pool) Running() int {
	return int(p.active.Load())
}

// Shutdown stops accepting tasks and waits for in-flight ones until ctx is
// done. Tasks still running when ctx expires are abandoned.
func (p *Pool) Shutdown(ctx context.Context) error {
	p.mu.Lock()
	if p.closed {
		p.mu.Unlock()
		return nil
	}
	p.closed = true
	p.mu.Unlock()

	done := make(chan struct{})
	go func() {
		p.wg.Wait()
		close(done)
	}()

	var err error
	select {
	case <-done:
	case <-ctx.Done():
		err = fmt.Errorf("taskpool: shutdown: %w", ctx.Err())
	}
	p.pool.Release()
	return err
}
