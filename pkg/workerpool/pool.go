// Package workerpool provides a keyed worker pool: tasks sharing a key run one
// at a time in submission order, tasks with different keys run in parallel.
package workerpool

import (
	"context"
	"errors"
	"fmt"
	"hash/fnv"
	"sync"
	"sync/atomic"
	"time"

	"go.uber.org/zap"
)

var (
	// ErrPoolStopped is returned by Submit after Stop
	ErrPoolStopped = errors.New("pool is shutting down")
	// ErrQueueFull is returned when the key's lane has no room
	ErrQueueFull = errors.New("task queue is full")
)

// TaskFunc is one unit of work
type TaskFunc func(ctx context.Context) error

type permanentError struct{ err error }

func (p *permanentError) Error() string { return p.err.Error() }
func (p *permanentError) Unwrap() error { return p.err }

// Permanent marks err as not worth retrying
func Permanent(err error) error {
	if err == nil {
		return nil
	}
	return &permanentError{err: err}
}

// IsPermanent reports whether err was marked with Permanent
func IsPermanent(err error) bool {
	var perm *permanentError
	return errors.As(err, &perm)
}

// Config holds worker pool configuration
type Config struct {
	// Lanes is the number of serial lanes. Keys are hashed onto lanes.
	Lanes int
	// QueueSize is the buffer of each lane
	QueueSize int
	// MaxRetries is the number of retries after the first failure
	MaxRetries int
	// RetryDelay grows linearly per attempt
	RetryDelay              time.Duration
	GracefulShutdownTimeout time.Duration
}

// DefaultConfig returns sensible defaults
func DefaultConfig() Config {
	return Config{
		Lanes:                   16,
		QueueSize:               256,
		MaxRetries:              3,
		RetryDelay:              100 * time.Millisecond,
		GracefulShutdownTimeout: 30 * time.Second,
	}
}

type task struct {
	key  string
	ctx  context.Context
	fn   TaskFunc
	done chan error
}

// Pool runs tasks on per-key serial lanes
type Pool struct {
	config Config
	logger *zap.Logger
	lanes  []chan *task
	wg     sync.WaitGroup

	mu      sync.RWMutex
	stopped bool

	ctx    context.Context
	cancel context.CancelFunc

	tasksSubmitted int64
	tasksCompleted int64
	tasksFailed    int64
	tasksRetried   int64
	queueDepth     int64
}

// New creates a pool. Call Start before submitting.
func New(cfg Config, logger *zap.Logger) *Pool {
	if logger == nil {
		logger = zap.NewNop()
	}
	def := DefaultConfig()
	if cfg.Lanes <= 0 {
		cfg.Lanes = def.Lanes
	}
	if cfg.QueueSize <= 0 {
		cfg.QueueSize = def.QueueSize
	}
	if cfg.GracefulShutdownTimeout <= 0 {
		cfg.GracefulShutdownTimeout = def.GracefulShutdownTimeout
	}

	ctx, cancel := context.WithCancel(context.Background())
	p := &Pool{
		config: cfg,
		logger: logger,
		lanes:  make([]chan *task, cfg.Lanes),
		ctx:    ctx,
		cancel: cancel,
	}
	for i := range p.lanes {
		p.lanes[i] = make(chan *task, cfg.QueueSize)
	}
	return p
}

// Start launches one goroutine per lane
func (p *Pool) Start() {
	for i, lane := range p.lanes {
		p.wg.Add(1)
		go p.worker(i, lane)
	}
	p.logger.Info("worker pool started",
		zap.Int("lanes", p.config.Lanes),
		zap.Int("queue_size", p.config.QueueSize))
}

// Lane returns the lane index for key
func (p *Pool) Lane(key string) int {
	h := fnv.New32a()
	h.Write([]byte(key))
	return int(h.Sum32() % uint32(len(p.lanes)))
}

// Submit queues fn on the lane of key. The returned channel receives the
// final error (nil on success) and is then closed.
func (p *Pool) Submit(ctx context.Context, key string, fn TaskFunc) (<-chan error, error) {
	if fn == nil {
		return nil, fmt.Errorf("task function is required")
	}
	p.mu.RLock()
	defer p.mu.RUnlock()
	if p.stopped {
		return nil, ErrPoolStopped
	}

	t := &task{key: key, ctx: ctx, fn: fn, done: make(chan error, 1)}
	select {
	case p.lanes[p.Lane(key)] <- t:
		atomic.AddInt64(&p.tasksSubmitted, 1)
		atomic.AddInt64(&p.queueDepth, 1)
		return t.done, nil
	default:
		return nil, ErrQueueFull
	}
}

// SubmitWait queues fn and waits for it to finish
func (p *Pool) SubmitWait(ctx context.Context, key string, fn TaskFunc) error {
	done, err := p.Submit(ctx, key, fn)
	if err != nil {
		return err
	}
	select {
	case <-ctx.Done():
		return ctx.Err()
	case err := <-done:
		return err
	}
}

// Stop drains queued tasks and waits for the lanes to exit
func (p *Pool) Stop() error {
	p.logger.Info("stopping worker pool")

	p.mu.Lock()
	if p.stopped {
		p.mu.Unlock()
		return nil
	}
	p.stopped = true
	for _, lane := range p.lanes {
		close(lane)
	}
	p.mu.Unlock()

	done := make(chan struct{})
	go func() {
		p.wg.Wait()
		close(done)
	}()

	select {
	case <-done:
		p.logger.Info("worker pool stopped gracefully")
		p.cancel()
		return nil
	case <-time.After(p.config.GracefulShutdownTimeout):
		p.cancel()
		p.logger.Warn("worker pool shutdown timed out")
		return fmt.Errorf("worker pool shutdown timed out after %s", p.config.GracefulShutdownTimeout)
	}
}

func (p *Pool) worker(id int, lane <-chan *task) {
	defer p.wg.Done()
	for t := range lane {
		atomic.AddInt64(&p.queueDepth, -1)
		err := p.run(t)
		if err != nil {
			atomic.AddInt64(&p.tasksFailed, 1)
			p.logger.Error("task failed",
				zap.String("key", t.key),
				zap.Int("lane", id),
				zap.Error(err))
		} else {
			atomic.AddInt64(&p.tasksCompleted, 1)
		}
		t.done <- err
		close(t.done)
	}
}

// run executes a task with retries
func (p *Pool) run(t *task) error {
	ctx := t.ctx
	if ctx == nil {
		ctx = p.ctx
	}

	var lastErr error
	for attempt := 0; attempt <= p.config.MaxRetries; attempt++ {
		if err := ctx.Err(); err != nil {
			return err
		}
		lastErr = t.fn(ctx)
		if lastErr == nil {
			return nil
		}
		var perm *permanentError
		if errors.As(lastErr, &perm) {
			return perm.err
		}
		if attempt == p.config.MaxRetries {
			break
		}

		atomic.AddInt64(&p.tasksRetried, 1)
		p.logger.Debug("retrying task",
			zap.String("key", t.key),
			zap.Int("attempt", attempt+1),
			zap.Error(lastErr))
		select {
		case <-ctx.Done():
			return ctx.Err()
		case <-time.After(p.config.RetryDelay * time.Duration(attempt+1)):
		}
	}
	return fmt.Errorf("task failed after %d retries: %w", p.config.MaxRetries, lastErr)
}

// Stats holds pool counters
type Stats struct {
	TasksSubmitted int64
	TasksCompleted int64
	TasksFailed    int64
	TasksRetried   int64
	QueueDepth     int64
	Lanes          int
}

// Stats returns current pool statistics
func (p *Pool) Stats() Stats {
	return Stats{
		TasksSubmitted: atomic.LoadInt64(&p.tasksSubmitted),
		TasksCompleted: atomic.LoadInt64(&p.tasksCompleted),
		TasksFailed:    atomic.LoadInt64(&p.tasksFailed),
		TasksRetried:   atomic.LoadInt64(&p.tasksRetried),
		QueueDepth:     atomic.LoadInt64(&p.queueDepth),
		Lanes:          p.config.Lanes,
	}
}

// IsHealthy reports whether the queues are below 90% of capacity
func (p *Pool) IsHealthy() bool {
	s := p.Stats()
	capacity := float64(p.config.Lanes * p.config.QueueSize)
	return float64(s.QueueDepth)/capacity < 0.9
}
