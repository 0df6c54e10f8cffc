package ratectl

import (
	"context"
	"errors"
	"testing"
	"time"

	"github.com/stretchr/testify/require"
)

func fastPolicy() RetryPolicy {
	return RetryPolicy{
		BaseDelay:  1 * time.Millisecond,
		CapDelay:   5 * time.Millisecond,
		Jitter:     0.1,
		MaxRetries: 3,
	}
}

func TestWithRetrySucceedsImmediately(t *testing.T) {
	calls := 0
	ok, _, data, err := WithRetry(context.Background(), fastPolicy(), func(ctx context.Context) (bool, int, interface{}, error) {
		calls++
		return true, 0, "ok", nil
	})
	require.True(t, ok)
	require.NoError(t, err)
	require.Equal(t, "ok", data)
	require.Equal(t, 1, calls)
}

func TestWithRetryRetriesTransientCode(t *testing.T) {
	calls := 0
	ok, code, _, _ := WithRetry(context.Background(), fastPolicy(), func(ctx context.Context) (bool, int, interface{}, error) {
		calls++
		if calls < 3 {
			return false, -1003, nil, nil
		}
		return true, 0, nil, nil
	})
	require.True(t, ok)
	require.Equal(t, 0, code)
	require.Equal(t, 3, calls)
}

func TestWithRetryDoesNotRetryNonRetryableCode(t *testing.T) {
	calls := 0
	ok, code, _, _ := WithRetry(context.Background(), fastPolicy(), func(ctx context.Context) (bool, int, interface{}, error) {
		calls++
		return false, -2011, nil, nil
	})
	require.False(t, ok)
	require.Equal(t, -2011, code)
	require.Equal(t, 1, calls)
}

func TestWithRetryExhaustsAttempts(t *testing.T) {
	calls := 0
	ok, code, _, _ := WithRetry(context.Background(), fastPolicy(), func(ctx context.Context) (bool, int, interface{}, error) {
		calls++
		return false, 429, nil, nil
	})
	require.False(t, ok)
	require.Equal(t, 429, code)
	require.Equal(t, fastPolicy().MaxRetries+1, calls)
}

func TestWithRetryRetriesOnTransportError(t *testing.T) {
	calls := 0
	ok, _, _, err := WithRetry(context.Background(), fastPolicy(), func(ctx context.Context) (bool, int, interface{}, error) {
		calls++
		if calls < 2 {
			return false, 0, nil, errors.New("connection reset")
		}
		return true, 0, nil, nil
	})
	require.True(t, ok)
	require.NoError(t, err)
	require.Equal(t, 2, calls)
}

func TestWithRetryRespectsContextCancellation(t *testing.T) {
	ctx, cancel := context.WithCancel(context.Background())
	calls := 0
	ok, _, _, err := WithRetry(ctx, fastPolicy(), func(ctx context.Context) (bool, int, interface{}, error) {
		calls++
		cancel()
		return false, 429, nil, nil
	})
	require.False(t, ok)
	require.Error(t, err)
}
