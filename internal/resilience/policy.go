// Package resilience wraps calls to slow or lossy external integrations
// with bounded retries, exponential backoff with jitter, a shared circuit
// breaker per endpoint and a blocking token-bucket rate limiter.
package resilience

import "time"

// Policy configures the retry behavior of one call site.
type Policy struct {
	// MaxAttempts bounds invocations of the wrapped function per request.
	MaxAttempts int

	// BackoffBase is the exponent base in seconds: attempt k sleeps
	// min(BackoffBase^k, MaxBackoff) plus jitter.
	BackoffBase float64

	// MaxBackoff caps a single backoff sleep.
	MaxBackoff time.Duration

	// JitterMax is the upper bound of the uniform jitter added to every
	// backoff sleep. Must be under one second.
	JitterMax time.Duration
}

// DefaultPolicy returns the stock policy: 3 attempts, base-2 exponential
// backoff capped at 10 seconds, up to 500ms jitter.
func DefaultPolicy() Policy {
	return Policy{
		MaxAttempts: 3,
		BackoffBase: 2.0,
		MaxBackoff:  10 * time.Second,
		JitterMax:   500 * time.Millisecond,
	}
}

// normalize fills zero fields with defaults so a partially specified policy
// behaves sanely.
func (p Policy) normalize() Policy {
	d := DefaultPolicy()
	if p.MaxAttempts <= 0 {
		p.MaxAttempts = d.MaxAttempts
	}
	if p.BackoffBase <= 0 {
		p.BackoffBase = d.BackoffBase
	}
	if p.MaxBackoff <= 0 {
		p.MaxBackoff = d.MaxBackoff
	}
	if p.JitterMax < 0 || p.JitterMax >= time.Second {
		p.JitterMax = d.JitterMax
	}
	return p
}
