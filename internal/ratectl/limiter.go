// Package ratectl implements the cross-cutting mechanisms shared by every
// lifecycle tool and REST analytic (§4.8): a process-wide windowed rate
// limiter, a retry-with-backoff wrapper keyed on exchange error codes, and
// a namespaced parameter cache.
//
// The rate limiter's shape follows the teacher's exchange.TokenBucket
// (continuous-refill token bucket guarded by one mutex, callers block in
// Wait until a slot frees up) but the spec calls for a sliding request
// window rather than a refill rate, so Limiter tracks individual request
// timestamps instead of a fractional token count.
package ratectl

import (
	"container/list"
	"context"
	"sync"
	"time"
)

// Limiter is a process-wide windowed rate limiter: at most MaxRequests
// calls to WaitIfNeeded are admitted within any trailing WindowSeconds
// window. Binance exposes per-tool weight limits, but spec.md's Open
// Question resolves to a single shared bucket (§9) — lifecycle tools and
// REST analytics both call through this one instance.
type Limiter struct {
	mu          sync.Mutex
	maxRequests int
	window      time.Duration
	timestamps  *list.List // oldest-first request timestamps within window
}

// NewLimiter creates a windowed limiter. Defaults per §4.8: 1200 requests
// per 60 second window.
func NewLimiter(maxRequests int, windowSeconds int) *Limiter {
	if maxRequests <= 0 {
		maxRequests = 1200
	}
	if windowSeconds <= 0 {
		windowSeconds = 60
	}
	return &Limiter{
		maxRequests: maxRequests,
		window:      time.Duration(windowSeconds) * time.Second,
		timestamps:  list.New(),
	}
}

// prune drops timestamps older than the window. Caller holds l.mu.
func (l *Limiter) prune(now time.Time) {
	cutoff := now.Add(-l.window)
	for e := l.timestamps.Front(); e != nil; {
		next := e.Next()
		if e.Value.(time.Time).Before(cutoff) {
			l.timestamps.Remove(e)
		} else {
			break
		}
		e = next
	}
}

// CanMakeRequest is the non-blocking check: true if a request could be
// recorded right now without waiting.
func (l *Limiter) CanMakeRequest() bool {
	l.mu.Lock()
	defer l.mu.Unlock()
	now := time.Now()
	l.prune(now)
	return l.timestamps.Len() < l.maxRequests
}

// WaitIfNeeded blocks (respecting ctx) until a slot is available, then
// records the request. Category is bookkeeping only — every category
// draws from the same shared window (see package doc).
func (l *Limiter) WaitIfNeeded(ctx context.Context, category string) error {
	for {
		l.mu.Lock()
		now := time.Now()
		l.prune(now)

		if l.timestamps.Len() < l.maxRequests {
			l.timestamps.PushBack(now)
			l.mu.Unlock()
			return nil
		}

		oldest := l.timestamps.Front().Value.(time.Time)
		wait := l.window - now.Sub(oldest)
		l.mu.Unlock()

		if wait <= 0 {
			continue
		}

		select {
		case <-ctx.Done():
			return ctx.Err()
		case <-time.After(wait):
		}
	}
}

// InUse returns how many requests currently count against the window,
// for diagnostics/logging.
func (l *Limiter) InUse() int {
	l.mu.Lock()
	defer l.mu.Unlock()
	l.prune(time.Now())
	return l.timestamps.Len()
}
