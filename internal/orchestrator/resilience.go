package orchestrator

import (
	"context"
	"errors"
	"log/slog"
	"sync"
	"time"

	"github.com/cenkalti/backoff/v4"
	"github.com/sony/gobreaker"

	"github.com/aristath/docanalyst/internal/backend"
)

// RetryConfig configures exponential backoff retry behavior.
type RetryConfig struct {
	InitialInterval     time.Duration // Initial retry interval (default 100ms)
	MaxInterval         time.Duration // Maximum retry interval (default 10s)
	MaxElapsedTime      time.Duration // Maximum total retry time (default 2min)
	Multiplier          float64       // Backoff multiplier (default 2.0)
	RandomizationFactor float64       // Jitter factor (default 0.5)
	MaxRetries          uint64        // Retries after the first attempt, 0 = bounded by MaxElapsedTime only
}

// DefaultRetryConfig returns the default retry configuration.
func DefaultRetryConfig() RetryConfig {
	return RetryConfig{
		InitialInterval:     100 * time.Millisecond,
		MaxInterval:         10 * time.Second,
		MaxElapsedTime:      2 * time.Minute,
		Multiplier:          2.0,
		RandomizationFactor: 0.5,
		MaxRetries:          3,
	}
}

// BreakerConfig configures the per-backend circuit breakers.
type BreakerConfig struct {
	MaxRequests         uint32        // Test requests allowed while half-open (default 3, raised to the worker count)
	Timeout             time.Duration // Time spent open before probing recovery (default 30s)
	ConsecutiveFailures uint32        // Failures that trip the breaker (default 5)
}

// DefaultBreakerConfig returns the default circuit breaker configuration.
func DefaultBreakerConfig() BreakerConfig {
	return BreakerConfig{
		MaxRequests:         3,
		Timeout:             30 * time.Second,
		ConsecutiveFailures: 5,
	}
}

// CircuitBreakerRegistry manages per-backend circuit breakers.
type CircuitBreakerRegistry struct {
	mu       sync.Mutex
	breakers map[string]*gobreaker.CircuitBreaker
	cfg      BreakerConfig
	logger   *slog.Logger
}

// NewCircuitBreakerRegistry creates a new circuit breaker registry.
// Zero fields in cfg fall back to DefaultBreakerConfig.
func NewCircuitBreakerRegistry(cfg BreakerConfig, logger *slog.Logger) *CircuitBreakerRegistry {
	def := DefaultBreakerConfig()
	if cfg.MaxRequests == 0 {
		cfg.MaxRequests = def.MaxRequests
	}
	if cfg.Timeout <= 0 {
		cfg.Timeout = def.Timeout
	}
	if cfg.ConsecutiveFailures == 0 {
		cfg.ConsecutiveFailures = def.ConsecutiveFailures
	}
	if logger == nil {
		logger = slog.Default()
	}

	return &CircuitBreakerRegistry{
		breakers: make(map[string]*gobreaker.CircuitBreaker),
		cfg:      cfg,
		logger:   logger,
	}
}

// Get returns the circuit breaker for the given backend name.
// Creates a new one if it doesn't exist.
func (r *CircuitBreakerRegistry) Get(name string) *gobreaker.CircuitBreaker {
	r.mu.Lock()
	defer r.mu.Unlock()

	if cb, ok := r.breakers[name]; ok {
		return cb
	}

	threshold := r.cfg.ConsecutiveFailures
	cb := gobreaker.NewCircuitBreaker(gobreaker.Settings{
		Name:        name,
		MaxRequests: r.cfg.MaxRequests,
		Interval:    0, // Don't clear counts automatically
		Timeout:     r.cfg.Timeout,
		ReadyToTrip: func(counts gobreaker.Counts) bool {
			return counts.ConsecutiveFailures >= threshold
		},
		OnStateChange: func(name string, from gobreaker.State, to gobreaker.State) {
			r.logger.Warn("circuit breaker state changed", "backend", name, "from", from.String(), "to", to.String())
		},
		IsSuccessful: func(err error) bool {
			if err == nil {
				return true
			}
			// Cancellation, job timeouts and refusals say nothing about backend health
			if errors.Is(err, context.Canceled) || errors.Is(err, context.DeadlineExceeded) {
				return true
			}
			return errors.Is(err, backend.ErrBlocked)
		},
	})

	r.breakers[name] = cb
	return cb
}

// invokeWithRetry runs one analyzer call with exponential backoff retry and circuit breaker protection.
func invokeWithRetry(ctx context.Context, inv backend.Invoker, req backend.Request, cb *gobreaker.CircuitBreaker, retryCfg RetryConfig) (backend.Response, error) {
	var resp backend.Response

	operation := func() error {
		// Fail fast if cancelled
		if ctx.Err() != nil {
			return backoff.Permanent(ctx.Err())
		}

		result, err := cb.Execute(func() (interface{}, error) {
			return inv.Invoke(ctx, req)
		})
		if err != nil {
			// Circuit is open - don't retry
			if errors.Is(err, gobreaker.ErrOpenState) {
				return backoff.Permanent(err)
			}
			// Half-open and at its probe limit; retry once the probes settle
			if errors.Is(err, gobreaker.ErrTooManyRequests) {
				return err
			}
			// The analyzer answered; asking again gives the same answer
			if errors.Is(err, backend.ErrBlocked) || errors.Is(err, backend.ErrEmptyResponse) {
				return backoff.Permanent(err)
			}
			if ctx.Err() != nil {
				return backoff.Permanent(err)
			}
			return err
		}

		resp = result.(backend.Response)
		return nil
	}

	policy := backoff.NewExponentialBackOff()
	policy.InitialInterval = retryCfg.InitialInterval
	policy.MaxInterval = retryCfg.MaxInterval
	policy.MaxElapsedTime = retryCfg.MaxElapsedTime
	policy.Multiplier = retryCfg.Multiplier
	policy.RandomizationFactor = retryCfg.RandomizationFactor

	var b backoff.BackOff = policy
	if retryCfg.MaxRetries > 0 {
		b = backoff.WithMaxRetries(b, retryCfg.MaxRetries)
	}

	err := backoff.Retry(operation, backoff.WithContext(b, ctx))
	return resp, err
}
