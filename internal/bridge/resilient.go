package bridge

import (
	"context"
	"errors"
	"sync"
	"time"

	"github.com/cenkalti/backoff/v4"
	"github.com/sony/gobreaker"
	"go.uber.org/zap"

	"github.com/aristath/taskgraph/internal/scheduler"
)

// RetryConfig configures exponential backoff around Dispatch.
type RetryConfig struct {
	MaxAttempts         int           // Total attempts including the first (default 3)
	InitialInterval     time.Duration // Initial retry interval (default 100ms)
	MaxInterval         time.Duration // Maximum retry interval (default 2s)
	Multiplier          float64       // Backoff multiplier (default 2.0)
	RandomizationFactor float64       // Jitter factor (default 0.5)
}

// DefaultRetryConfig returns the default retry configuration.
func DefaultRetryConfig() RetryConfig {
	return RetryConfig{
		MaxAttempts:         3,
		InitialInterval:     100 * time.Millisecond,
		MaxInterval:         2 * time.Second,
		Multiplier:          2.0,
		RandomizationFactor: 0.5,
	}
}

// BreakerConfig tunes the per-type circuit breakers.
type BreakerConfig struct {
	ConsecutiveFailures uint32        // Trip after this many failures in a row (default 5)
	Timeout             time.Duration // Stay open this long before probing (default 30s)
	MaxRequests         uint32        // Probes allowed while half-open (default 3)
}

// DefaultBreakerConfig returns the default breaker configuration.
func DefaultBreakerConfig() BreakerConfig {
	return BreakerConfig{ConsecutiveFailures: 5, Timeout: 30 * time.Second, MaxRequests: 3}
}

// CircuitBreakerRegistry manages per-task-type circuit breakers, so one
// broken worker type does not block dispatch of the others.
type CircuitBreakerRegistry struct {
	mu       sync.Mutex
	cfg      BreakerConfig
	logger   *zap.Logger
	breakers map[string]*gobreaker.CircuitBreaker
}

// NewCircuitBreakerRegistry creates a new circuit breaker registry.
func NewCircuitBreakerRegistry(cfg BreakerConfig, logger *zap.Logger) *CircuitBreakerRegistry {
	def := DefaultBreakerConfig()
	if cfg.ConsecutiveFailures == 0 {
		cfg.ConsecutiveFailures = def.ConsecutiveFailures
	}
	if cfg.Timeout <= 0 {
		cfg.Timeout = def.Timeout
	}
	if cfg.MaxRequests == 0 {
		cfg.MaxRequests = def.MaxRequests
	}
	if logger == nil {
		logger = zap.NewNop()
	}
	return &CircuitBreakerRegistry{
		cfg:      cfg,
		logger:   logger,
		breakers: make(map[string]*gobreaker.CircuitBreaker),
	}
}

// Get returns the circuit breaker for taskType, creating it on first use.
func (r *CircuitBreakerRegistry) Get(taskType string) *gobreaker.CircuitBreaker {
	r.mu.Lock()
	defer r.mu.Unlock()

	if cb, ok := r.breakers[taskType]; ok {
		return cb
	}

	threshold := r.cfg.ConsecutiveFailures
	cb := gobreaker.NewCircuitBreaker(gobreaker.Settings{
		Name:        taskType,
		MaxRequests: r.cfg.MaxRequests,
		Interval:    0, // Don't clear counts automatically
		Timeout:     r.cfg.Timeout,
		ReadyToTrip: func(counts gobreaker.Counts) bool {
			return counts.ConsecutiveFailures >= threshold
		},
		OnStateChange: func(name string, from gobreaker.State, to gobreaker.State) {
			r.logger.Warn("dispatch circuit breaker changed state",
				zap.String("type", name),
				zap.Stringer("from", from),
				zap.Stringer("to", to))
		},
		IsSuccessful: func(err error) bool {
			// Cancellation is not a worker failure
			return err == nil || errors.Is(err, context.Canceled) || errors.Is(err, context.DeadlineExceeded)
		},
	})

	r.breakers[taskType] = cb
	return cb
}

// Resilient wraps a Bridge with retry and circuit breaking on Dispatch.
// Poll passes straight through: a failed poll is retried on the next tick.
type Resilient struct {
	inner    Bridge
	breakers *CircuitBreakerRegistry
	retry    RetryConfig
	logger   *zap.Logger
}

// NewResilient wraps inner.
func NewResilient(inner Bridge, retry RetryConfig, breakers *CircuitBreakerRegistry, logger *zap.Logger) *Resilient {
	def := DefaultRetryConfig()
	if retry.MaxAttempts <= 0 {
		retry.MaxAttempts = def.MaxAttempts
	}
	if retry.InitialInterval <= 0 {
		retry.InitialInterval = def.InitialInterval
	}
	if retry.MaxInterval <= 0 {
		retry.MaxInterval = def.MaxInterval
	}
	if retry.Multiplier <= 0 {
		retry.Multiplier = def.Multiplier
	}
	if logger == nil {
		logger = zap.NewNop()
	}
	if breakers == nil {
		breakers = NewCircuitBreakerRegistry(BreakerConfig{}, logger)
	}
	return &Resilient{inner: inner, breakers: breakers, retry: retry, logger: logger}
}

// Dispatch forwards to the wrapped bridge with exponential backoff retry and
// circuit breaker protection.
func (r *Resilient) Dispatch(ctx context.Context, task scheduler.TaskNode) (Handle, error) {
	cb := r.breakers.Get(task.Type)
	var handle Handle
	attempt := 0

	operation := func() error {
		if ctx.Err() != nil {
			return backoff.Permanent(ctx.Err())
		}
		attempt++
		result, err := cb.Execute(func() (interface{}, error) {
			return r.inner.Dispatch(ctx, task)
		})
		if err != nil {
			if errors.Is(err, gobreaker.ErrOpenState) || errors.Is(err, gobreaker.ErrTooManyRequests) {
				return backoff.Permanent(err)
			}
			if ctx.Err() != nil {
				return backoff.Permanent(err)
			}
			r.logger.Debug("dispatch attempt failed",
				zap.String("task", task.ID),
				zap.Int("attempt", attempt),
				zap.Error(err))
			return err
		}
		handle = result.(Handle)
		return nil
	}

	policy := backoff.NewExponentialBackOff()
	policy.InitialInterval = r.retry.InitialInterval
	policy.MaxInterval = r.retry.MaxInterval
	policy.Multiplier = r.retry.Multiplier
	policy.RandomizationFactor = r.retry.RandomizationFactor
	policy.MaxElapsedTime = 0

	var b backoff.BackOff = backoff.WithMaxRetries(policy, uint64(r.retry.MaxAttempts-1))
	b = backoff.WithContext(b, ctx)

	if err := backoff.Retry(operation, b); err != nil {
		return "", err
	}
	return handle, nil
}

// Poll forwards to the wrapped bridge.
func (r *Resilient) Poll(ctx context.Context, h Handle) (Outcome, error) {
	return r.inner.Poll(ctx, h)
}

// Release forwards to the wrapped bridge when it holds per-task resources.
func (r *Resilient) Release(ctx context.Context, task scheduler.TaskNode, h Handle) error {
	if rel, ok := r.inner.(Releaser); ok {
		return rel.Release(ctx, task, h)
	}
	return nil
}
