// Package runner drives a Manager from a single goroutine.
//
// The manager is not safe for concurrent use. Every call into it, including
// completions from sources doing network work, is posted to the runner and
// executed between ticks on the runner goroutine.
package runner

import (
	"context"
	"sync"
	"time"

	"github.com/jmgilman/go/errors"
	"go.uber.org/zap"

	"github.com/GriffinCanCode/bundlemanager/internal/infrastructure/logging"
	"github.com/GriffinCanCode/bundlemanager/internal/source"
)

// ErrStopped is returned by Do once the runner has stopped.
var ErrStopped = errors.New(errors.CodeUnavailable, "runner stopped")

// Ticker is advanced once per interval.
type Ticker interface {
	Tick(now time.Time)
}

// Runner owns the tick goroutine.
type Runner struct {
	target   Ticker
	interval time.Duration
	now      func() time.Time
	logger   *zap.Logger

	mu      sync.Mutex
	posted  []func()
	stopped bool
	wake    chan struct{}

	started sync.Once
	stop    chan struct{}
	done    chan struct{}
}

var _ source.Executor = (*Runner)(nil)

// Option configures a Runner.
type Option func(*Runner)

// WithClock sets the time passed to Tick.
func WithClock(now func() time.Time) Option {
	return func(r *Runner) { r.now = now }
}

// WithLogger sets the logger.
func WithLogger(logger *zap.Logger) Option {
	return func(r *Runner) { r.logger = logging.OrNop(logger) }
}

// New creates a runner that ticks target every interval once started.
func New(target Ticker, interval time.Duration, opts ...Option) *Runner {
	r := &Runner{
		target:   target,
		interval: interval,
		now:      time.Now,
		logger:   zap.NewNop(),
		wake:     make(chan struct{}, 1),
		stop:     make(chan struct{}),
		done:     make(chan struct{}),
	}
	for _, opt := range opts {
		opt(r)
	}
	if r.interval <= 0 {
		r.interval = 16 * time.Millisecond
	}
	return r
}

// Start begins the tick loop in a goroutine. It returns immediately and is a
// no-op if the runner already started.
func (r *Runner) Start(ctx context.Context) {
	r.started.Do(func() { go r.run(ctx) })
}

// Stop ends the loop and waits for it. Posted work that has not run yet is
// dropped.
func (r *Runner) Stop() {
	r.mu.Lock()
	if r.stopped {
		r.mu.Unlock()
		<-r.done
		return
	}
	r.stopped = true
	r.mu.Unlock()

	r.started.Do(func() { close(r.done) })
	close(r.stop)
	<-r.done
}

// Post queues fn to run on the tick goroutine before the next tick.
func (r *Runner) Post(fn func()) {
	r.mu.Lock()
	if r.stopped {
		r.mu.Unlock()
		r.logger.Debug("Dropping work posted after stop")
		return
	}
	r.posted = append(r.posted, fn)
	r.mu.Unlock()

	select {
	case r.wake <- struct{}{}:
	default:
	}
}

// Do runs fn on the tick goroutine and waits for it to return.
func (r *Runner) Do(ctx context.Context, fn func()) error {
	finished := make(chan struct{})
	r.mu.Lock()
	stopped := r.stopped
	r.mu.Unlock()
	if stopped {
		return ErrStopped
	}

	r.Post(func() {
		defer close(finished)
		fn()
	})

	select {
	case <-finished:
		return nil
	case <-ctx.Done():
		return errors.Wrap(ctx.Err(), errors.CodeTimeout, "waiting for runner")
	case <-r.done:
		select {
		case <-finished:
			return nil
		default:
			return ErrStopped
		}
	}
}

// DoValue runs fn on the tick goroutine and returns its result.
func DoValue[T any](ctx context.Context, r *Runner, fn func() T) (T, error) {
	var out T
	err := r.Do(ctx, func() { out = fn() })
	return out, err
}

func (r *Runner) run(ctx context.Context) {
	defer close(r.done)

	ticker := time.NewTicker(r.interval)
	defer ticker.Stop()

	r.logger.Info("Runner started", zap.Duration("interval", r.interval))
	r.tick()

	for {
		select {
		case <-r.stop:
			r.logger.Info("Runner stopping")
			return
		case <-ctx.Done():
			r.logger.Info("Runner context cancelled")
			r.mu.Lock()
			r.stopped = true
			r.mu.Unlock()
			return
		case <-r.wake:
			r.drain()
		case <-ticker.C:
			r.tick()
		}
	}
}

func (r *Runner) tick() {
	r.drain()
	r.target.Tick(r.now())
}

func (r *Runner) drain() {
	for {
		r.mu.Lock()
		batch := r.posted
		r.posted = nil
		r.mu.Unlock()
		if len(batch) == 0 {
			return
		}
		for _, fn := range batch {
			fn()
		}
	}
}
