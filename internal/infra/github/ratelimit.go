package github

import (
	"context"
	"net/http"
	"strconv"
	"sync"
	"time"

	"golang.org/x/time/rate"
)

// rateLimiter throttles requests to the API and adapts to the quota GitHub
// reports on each response.
type rateLimiter struct {
	mu      sync.RWMutex // Protects concurrent access to the limiter
	limiter *rate.Limiter
	// pausedUntil is set when the quota is exhausted; no request leaves
	// before the window resets.
	pausedUntil time.Time
}

func newRateLimiter(rps float64, burst int) *rateLimiter {
	if burst < 1 {
		burst = 1
	}
	return &rateLimiter{limiter: rate.NewLimiter(rate.Limit(rps), burst)}
}

// Wait blocks until a request may be sent or ctx is done.
func (rl *rateLimiter) Wait(ctx context.Context) error {
	rl.mu.RLock()
	limiter, pausedUntil := rl.limiter, rl.pausedUntil
	rl.mu.RUnlock()

	if wait := time.Until(pausedUntil); wait > 0 {
		timer := time.NewTimer(wait)
		defer timer.Stop()
		select {
		case <-ctx.Done():
			return ctx.Err()
		case <-timer.C:
		}
	}
	return limiter.Wait(ctx)
}

// update spreads the remaining quota over the time left before the window
// resets, keeping 10% in reserve. An exhausted quota pauses requests until
// the reset.
func (rl *rateLimiter) update(headers http.Header) {
	remaining, err := strconv.ParseInt(headers.Get("X-RateLimit-Remaining"), 10, 64)
	if err != nil {
		return
	}
	reset, _ := strconv.ParseInt(headers.Get("X-RateLimit-Reset"), 10, 64)
	limit, _ := strconv.ParseInt(headers.Get("X-RateLimit-Limit"), 10, 64)
	if reset <= 0 || limit <= 0 {
		return
	}

	resetAt := time.Unix(reset, 0)
	window := time.Until(resetAt)
	if window <= 0 {
		return
	}

	if remaining <= 0 {
		rl.mu.Lock()
		rl.pausedUntil = resetAt
		rl.mu.Unlock()
		return
	}

	burst := int(remaining / 10)
	if burst < 1 {
		burst = 1
	}

	rl.mu.Lock()
	defer rl.mu.Unlock()
	rl.pausedUntil = time.Time{}
	rl.limiter.SetLimit(rate.Limit(float64(remaining) / window.Seconds() * 0.9))
	rl.limiter.SetBurst(burst)
}

func (rl *rateLimiter) limit() rate.Limit {
	rl.mu.RLock()
	defer rl.mu.RUnlock()
	return rl.limiter.Limit()
}

func (rl *rateLimiter) resumesAt() time.Time {
	rl.mu.RLock()
	defer rl.mu.RUnlock()
	return rl.pausedUntil
}
