package connection

import (
	"context"
	"sync"
	"time"

	"golang.org/x/time/rate"
)

// RateLimiter paces outbound commands of one connection and backs off
// adaptively after the venue reports rate limiting
type RateLimiter struct {
	name    string
	limiter *rate.Limiter
	mu      sync.RWMutex

	// Rate limit tracking
	requestCount     int64
	rateLimitHits    int64
	lastRateLimitHit time.Time

	// Adaptive backoff
	backoffDuration   time.Duration
	initialBackoff    time.Duration
	maxBackoff        time.Duration
	backoffMultiplier float64
}

// RateLimiterStats is a snapshot of limiter counters
type RateLimiterStats struct {
	Name           string    `json:"name"`
	RequestCount   int64     `json:"request_count"`
	RateLimitHits  int64     `json:"rate_limit_hits"`
	LastRateLimit  time.Time `json:"last_rate_limit"`
	CurrentBackoff int64     `json:"current_backoff_ms"`
}

// NewRateLimiter allows rps commands per second with the given burst
func NewRateLimiter(name string, rps float64, burst int) *RateLimiter {
	if burst < 1 {
		burst = 1
	}
	limit := rate.Limit(rps)
	if rps <= 0 {
		limit = rate.Inf
	}
	return &RateLimiter{
		name:              name,
		limiter:           rate.NewLimiter(limit, burst),
		initialBackoff:    time.Second,
		maxBackoff:        5 * time.Minute,
		backoffMultiplier: 1.5,
	}
}

// Wait waits for permission to send a command
func (e *RateLimiter) Wait(ctx context.Context) error {
	e.mu.RLock()
	backoffDuration := e.backoffDuration
	lastHit := e.lastRateLimitHit
	e.mu.RUnlock()

	// Apply adaptive backoff if we hit rate limits recently
	if remaining := backoffDuration - time.Since(lastHit); backoffDuration > 0 && remaining > 0 {
		timer := time.NewTimer(remaining)
		select {
		case <-timer.C:
		case <-ctx.Done():
			timer.Stop()
			return ctx.Err()
		}
	}

	return e.limiter.Wait(ctx)
}

// RecordRateLimitHit records a rate limit rejection and grows the backoff
func (e *RateLimiter) RecordRateLimitHit() {
	e.mu.Lock()
	defer e.mu.Unlock()

	e.rateLimitHits++
	e.lastRateLimitHit = time.Now()

	if e.backoffDuration == 0 {
		e.backoffDuration = e.initialBackoff
	} else {
		e.backoffDuration = time.Duration(float64(e.backoffDuration) * e.backoffMultiplier)
		if e.backoffDuration > e.maxBackoff {
			e.backoffDuration = e.maxBackoff
		}
	}
}

// RecordSuccess records an accepted command and shrinks the backoff
func (e *RateLimiter) RecordSuccess() {
	e.mu.Lock()
	defer e.mu.Unlock()

	e.requestCount++

	if e.backoffDuration > 0 {
		if time.Since(e.lastRateLimitHit) > 5*time.Minute {
			e.backoffDuration = 0
		} else {
			e.backoffDuration = time.Duration(float64(e.backoffDuration) * 0.9)
			if e.backoffDuration < e.initialBackoff {
				e.backoffDuration = 0
			}
		}
	}
}

// Stats returns limiter statistics
func (e *RateLimiter) Stats() RateLimiterStats {
	e.mu.RLock()
	defer e.mu.RUnlock()

	return RateLimiterStats{
		Name:           e.name,
		RequestCount:   e.requestCount,
		RateLimitHits:  e.rateLimitHits,
		LastRateLimit:  e.lastRateLimitHit,
		CurrentBackoff: e.backoffDuration.Milliseconds(),
	}
}
