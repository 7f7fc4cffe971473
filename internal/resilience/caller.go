package resilience

import (
	"context"
	"log"
	"math"
	"math/rand"
	"time"

	"github.com/buildguard/backend/internal/circuitbreaker"
	"github.com/buildguard/backend/internal/faults"
)

// Observer receives resilience telemetry. Implementations must be fast and
// non-blocking; they run on the call path.
type Observer interface {
	OnRetry(endpoint string)
	OnRateLimitWait(endpoint string, waited time.Duration)
	OnBreakerShort(endpoint string)
}

type nopObserver struct{}

func (nopObserver) OnRetry(string)                        {}
func (nopObserver) OnRateLimitWait(string, time.Duration) {}
func (nopObserver) OnBreakerShort(string)                 {}

// Caller owns the shared resilience state: one circuit breaker and one token
// bucket per logical endpoint. Create one Caller per process and share it.
type Caller struct {
	breakers *circuitbreaker.Manager
	limiters *limiterSet
	policy   Policy
	observer Observer
	logger   *log.Logger

	// sleep is swapped in tests to avoid real waits.
	sleep func(ctx context.Context, d time.Duration) error
}

// Option customizes a Caller.
type Option func(*Caller)

// WithPolicy overrides the default retry policy for call sites that do not
// pass their own.
func WithPolicy(p Policy) Option {
	return func(c *Caller) { c.policy = p.normalize() }
}

// WithRateLimit sets the per-endpoint token bucket dimensions.
func WithRateLimit(capacity int, window time.Duration) Option {
	return func(c *Caller) { c.limiters = newLimiterSet(capacity, window) }
}

// WithBreakerConfig sets the default breaker config for new endpoints.
func WithBreakerConfig(cfg *circuitbreaker.Config) Option {
	return func(c *Caller) { c.breakers = circuitbreaker.NewManager(cfg) }
}

// WithObserver attaches a telemetry observer.
func WithObserver(obs Observer) Option {
	return func(c *Caller) { c.observer = obs }
}

// NewCaller builds a Caller with production defaults: 3 attempts, base-2 backoff
// capped at 10s, breakers tripping after 3 consecutive failures with a 30s
// reset, and 50 requests per 60s per endpoint.
func NewCaller(opts ...Option) *Caller {
	c := &Caller{
		breakers: circuitbreaker.NewManager(nil),
		limiters: newLimiterSet(50, 60*time.Second),
		policy:   DefaultPolicy(),
		observer: nopObserver{},
		logger:   log.New(log.Writer(), "[RESILIENCE] ", log.LstdFlags),
		sleep:    sleepCtx,
	}
	for _, opt := range opts {
		opt(c)
	}
	return c
}

// Breakers exposes the breaker manager for the health surface.
func (c *Caller) Breakers() *circuitbreaker.Manager { return c.breakers }

// Do runs fn against the named endpoint under the Caller's default policy.
func (c *Caller) Do(ctx context.Context, endpoint string, fn func(context.Context) error) error {
	return c.DoWithPolicy(ctx, endpoint, c.policy, fn)
}

// DoWithPolicy runs fn with a call-site policy. The attempt loop:
// acquire a rate-limit token (may block), check the breaker, invoke fn,
// record the outcome on the breaker, and on a retryable error sleep
// min(base^attempt, cap) plus uniform jitter before going again. Non-retryable
// errors and exhausted attempts return immediately.
func (c *Caller) DoWithPolicy(ctx context.Context, endpoint string, p Policy, fn func(context.Context) error) error {
	p = p.normalize()
	breaker := c.breakers.Get(endpoint)
	bucket := c.limiters.get(endpoint)

	var lastErr error
	for attempt := 0; attempt < p.MaxAttempts; attempt++ {
		if attempt > 0 {
			c.observer.OnRetry(endpoint)
			if err := c.sleep(ctx, backoffDelay(p, attempt-1)); err != nil {
				return faults.Wrap(faults.KindCancelled, err, "cancelled during backoff")
			}
		}

		waitStart := time.Now()
		if err := bucket.Acquire(ctx); err != nil {
			return faults.Wrap(faults.KindCancelled, err, "cancelled waiting for rate limit")
		}
		c.observer.OnRateLimitWait(endpoint, time.Since(waitStart))

		gen, err := breaker.Allow()
		if err != nil {
			// Shorted: no external call issued. BreakerOpen is retryable,
			// so later attempts may land after the reset timeout.
			c.observer.OnBreakerShort(endpoint)
			lastErr = err
			continue
		}

		err = fn(ctx)
		if err == nil {
			breaker.Success(gen)
			return nil
		}

		breaker.Failure(gen)
		lastErr = err

		if !faults.Retryable(err) {
			return err
		}
		c.logger.Printf("attempt %d/%d against %s failed: %v", attempt+1, p.MaxAttempts, endpoint, err)
	}
	return lastErr
}

// Call is the typed variant for call sites that need a response value.
func Call[T any](ctx context.Context, c *Caller, endpoint string, p Policy, fn func(context.Context) (T, error)) (T, error) {
	var out T
	err := c.DoWithPolicy(ctx, endpoint, p, func(ctx context.Context) error {
		v, err := fn(ctx)
		if err != nil {
			return err
		}
		out = v
		return nil
	})
	return out, err
}

// backoffDelay computes min(base^k, cap) seconds plus uniform jitter.
func backoffDelay(p Policy, k int) time.Duration {
	secs := math.Pow(p.BackoffBase, float64(k))
	d := time.Duration(secs * float64(time.Second))
	if d > p.MaxBackoff || d < 0 {
		d = p.MaxBackoff
	}
	if p.JitterMax > 0 {
		d += time.Duration(rand.Int63n(int64(p.JitterMax)))
	}
	return d
}

func sleepCtx(ctx context.Context, d time.Duration) error {
	timer := time.NewTimer(d)
	defer timer.Stop()
	select {
	case <-ctx.Done():
		return ctx.Err()
	case <-timer.C:
		return nil
	}
}
