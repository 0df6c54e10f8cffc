package ratectl

import (
	"context"
	"math"
	"math/rand"
	"time"
)

// RetryPolicy configures the adaptive retry wrapper (§4.8).
type RetryPolicy struct {
	BaseDelay  time.Duration
	CapDelay   time.Duration
	Jitter     float64 // fraction, e.g. 0.3 = ±30%
	MaxRetries int
}

// DefaultRetryPolicy matches §4.8's defaults: base 1000ms, cap 30000ms,
// jitter 30%, max_retries 3.
func DefaultRetryPolicy() RetryPolicy {
	return RetryPolicy{
		BaseDelay:  1000 * time.Millisecond,
		CapDelay:   30000 * time.Millisecond,
		Jitter:     0.30,
		MaxRetries: 3,
	}
}

// RetryableCodes is the set of exchange/transport codes that the retry
// wrapper treats as transient (§4.8): -1003 (too many requests), -1015
// (too many orders), and HTTP 429.
var RetryableCodes = map[int]bool{
	-1003: true,
	-1015: true,
	429:   true,
}

// Call is the signature the retry wrapper wraps: a single callable
// returning (success, code, data, err). code is only meaningful when
// success is false; err carries transport-level failures (the callable
// itself panicking is not handled — exceptions are not a Go concept, the
// callable is expected to return err instead).
type Call func(ctx context.Context) (success bool, code int, data interface{}, err error)

// WithRetry runs fn, retrying on transient exchange codes or a non-nil
// err (both are treated the same way the Python source retries either a
// retryable code or a transport exception under the same schedule).
// Non-retryable failures return immediately. After MaxRetries retries
// (MaxRetries+1 calls in all), the last result is returned with
// success=false.
func WithRetry(ctx context.Context, policy RetryPolicy, fn Call) (success bool, code int, data interface{}, err error) {
	for attempt := 0; ; attempt++ {
		success, code, data, err = fn(ctx)
		if success {
			return success, code, data, err
		}

		retryable := err != nil || RetryableCodes[code]
		if !retryable || attempt >= policy.MaxRetries {
			return success, code, data, err
		}

		delay := backoffDelay(policy, attempt)
		select {
		case <-ctx.Done():
			return false, code, data, ctx.Err()
		case <-time.After(delay):
		}
	}
}

func backoffDelay(policy RetryPolicy, attempt int) time.Duration {
	raw := float64(policy.BaseDelay) * math.Pow(2, float64(attempt))
	if cap := float64(policy.CapDelay); raw > cap {
		raw = cap
	}
	jitterFactor := 1 + (rand.Float64()*2-1)*policy.Jitter
	delay := time.Duration(raw * jitterFactor)
	if delay < 0 {
		delay = 0
	}
	return delay
}
