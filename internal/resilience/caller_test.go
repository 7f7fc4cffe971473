package resilience

import (
	"context"
	"sync/atomic"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/buildguard/backend/internal/circuitbreaker"
	"github.com/buildguard/backend/internal/faults"
)

// fastCaller skips real backoff sleeps and records them.
func fastCaller(opts ...Option) (*Caller, *[]time.Duration) {
	c := NewCaller(opts...)
	sleeps := &[]time.Duration{}
	c.sleep = func(ctx context.Context, d time.Duration) error {
		*sleeps = append(*sleeps, d)
		return nil
	}
	return c, sleeps
}

func TestSucceedsFirstAttempt(t *testing.T) {
	c, sleeps := fastCaller()

	var calls int32
	err := c.Do(context.Background(), "permit-registry", func(ctx context.Context) error {
		atomic.AddInt32(&calls, 1)
		return nil
	})

	require.NoError(t, err)
	assert.Equal(t, int32(1), calls)
	assert.Empty(t, *sleeps)
}

func TestRetriesTransientThenSucceeds(t *testing.T) {
	c, sleeps := fastCaller()

	var calls int32
	err := c.Do(context.Background(), "permit-registry", func(ctx context.Context) error {
		if atomic.AddInt32(&calls, 1) < 3 {
			return faults.Transient("registry timeout")
		}
		return nil
	})

	require.NoError(t, err)
	assert.Equal(t, int32(3), calls)
	assert.Len(t, *sleeps, 2)
}

func TestAtMostMaxAttempts(t *testing.T) {
	c, _ := fastCaller(WithPolicy(Policy{MaxAttempts: 4}))

	var calls int32
	err := c.Do(context.Background(), "permit-registry", func(ctx context.Context) error {
		atomic.AddInt32(&calls, 1)
		return faults.Transient("still down")
	})

	require.Error(t, err)
	assert.Equal(t, int32(4), calls, "no more than max_attempts invocations")
	assert.Equal(t, faults.KindTransientIO, faults.KindOf(err))
}

func TestNonRetryableFailsImmediately(t *testing.T) {
	c, sleeps := fastCaller()

	var calls int32
	err := c.Do(context.Background(), "permit-registry", func(ctx context.Context) error {
		atomic.AddInt32(&calls, 1)
		return faults.Validation("missing broker contact")
	})

	require.Error(t, err)
	assert.Equal(t, int32(1), calls)
	assert.Empty(t, *sleeps)
	assert.Equal(t, faults.KindValidation, faults.KindOf(err))
}

func TestBackoffGrowsExponentiallyAndCaps(t *testing.T) {
	p := Policy{MaxAttempts: 6, BackoffBase: 2.0, MaxBackoff: 4 * time.Second, JitterMax: 1}

	c, sleeps := fastCaller()
	_ = c.DoWithPolicy(context.Background(), "permit-registry", p, func(ctx context.Context) error {
		return faults.Transient("down")
	})

	require.Len(t, *sleeps, 5)
	want := []time.Duration{time.Second, 2 * time.Second, 4 * time.Second, 4 * time.Second, 4 * time.Second}
	for i, d := range *sleeps {
		// Jitter adds less than JitterMax on top of the deterministic part.
		assert.GreaterOrEqual(t, d, want[i])
		assert.Less(t, d, want[i]+time.Second)
	}
}

func TestBreakerTripsAndShortsCalls(t *testing.T) {
	// One attempt per request so each request records exactly one failure.
	c, _ := fastCaller(
		WithPolicy(Policy{MaxAttempts: 1}),
		WithBreakerConfig(&circuitbreaker.Config{FailMax: 3, ResetTimeout: time.Minute}),
	)

	var calls int32
	fail := func(ctx context.Context) error {
		atomic.AddInt32(&calls, 1)
		return faults.Transient("registry 503")
	}

	for i := 0; i < 3; i++ {
		_ = c.Do(context.Background(), "permit-registry", fail)
	}
	require.Equal(t, int32(3), calls)

	// Fourth call within the reset window: shorted, zero external calls.
	err := c.Do(context.Background(), "permit-registry", fail)
	require.Error(t, err)
	assert.Equal(t, faults.KindBreakerOpen, faults.KindOf(err))
	assert.Equal(t, int32(3), calls, "no external call issued while open")
}

func TestBreakerHalfOpenProbe(t *testing.T) {
	c, _ := fastCaller(
		WithPolicy(Policy{MaxAttempts: 1}),
		WithBreakerConfig(&circuitbreaker.Config{FailMax: 1, ResetTimeout: 20 * time.Millisecond}),
	)

	_ = c.Do(context.Background(), "permit-registry", func(ctx context.Context) error {
		return faults.Transient("down")
	})
	require.Equal(t, circuitbreaker.StateOpen, c.Breakers().Get("permit-registry").State())

	time.Sleep(30 * time.Millisecond)

	// Probe issued and succeeds; breaker closes.
	var probes int32
	err := c.Do(context.Background(), "permit-registry", func(ctx context.Context) error {
		atomic.AddInt32(&probes, 1)
		return nil
	})
	require.NoError(t, err)
	assert.Equal(t, int32(1), probes)
	assert.Equal(t, circuitbreaker.StateClosed, c.Breakers().Get("permit-registry").State())
}

func TestEndpointsAreIsolated(t *testing.T) {
	c, _ := fastCaller(
		WithPolicy(Policy{MaxAttempts: 1}),
		WithBreakerConfig(&circuitbreaker.Config{FailMax: 1, ResetTimeout: time.Minute}),
	)

	_ = c.Do(context.Background(), "permit-registry", func(ctx context.Context) error {
		return faults.Transient("down")
	})

	err := c.Do(context.Background(), "webhook-sink", func(ctx context.Context) error {
		return nil
	})
	assert.NoError(t, err, "a tripped permit-registry breaker must not affect webhook-sink")
}

func TestTypedCall(t *testing.T) {
	c, _ := fastCaller()

	v, err := Call(context.Background(), c, "permit-registry", DefaultPolicy(),
		func(ctx context.Context) (string, error) {
			return "permit-121234567", nil
		})

	require.NoError(t, err)
	assert.Equal(t, "permit-121234567", v)
}

func TestCancellationDuringBackoff(t *testing.T) {
	c := NewCaller()
	ctx, cancel := context.WithCancel(context.Background())

	var calls int32
	done := make(chan error, 1)
	go func() {
		done <- c.Do(ctx, "permit-registry", func(ctx context.Context) error {
			atomic.AddInt32(&calls, 1)
			return faults.Transient("down")
		})
	}()

	time.Sleep(20 * time.Millisecond) // let the first attempt fail and enter backoff
	cancel()

	select {
	case err := <-done:
		require.Error(t, err)
		assert.Equal(t, faults.KindCancelled, faults.KindOf(err))
	case <-time.After(2 * time.Second):
		t.Fatal("call did not observe cancellation")
	}
	assert.Equal(t, int32(1), calls)
}

func TestTokenBucketBlocksAtCapacity(t *testing.T) {
	tb := NewTokenBucket(2, 80*time.Millisecond)
	ctx := context.Background()

	require.NoError(t, tb.Acquire(ctx))
	require.NoError(t, tb.Acquire(ctx))
	assert.Equal(t, 0, tb.Available())

	start := time.Now()
	require.NoError(t, tb.Acquire(ctx))
	waited := time.Since(start)

	assert.GreaterOrEqual(t, waited, 20*time.Millisecond, "third acquire must block until the window rolls")
	assert.LessOrEqual(t, waited, 200*time.Millisecond, "wait bounded by one window")
}

func TestTokenBucketAcquireHonorsCancellation(t *testing.T) {
	tb := NewTokenBucket(1, time.Hour)
	require.NoError(t, tb.Acquire(context.Background()))

	ctx, cancel := context.WithTimeout(context.Background(), 30*time.Millisecond)
	defer cancel()

	err := tb.Acquire(ctx)
	assert.Error(t, err)
}
