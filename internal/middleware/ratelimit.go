package middleware

import (
	"context"
	"net/http"
	"sync"
	"time"

	"github.com/jonboulle/clockwork"
	"golang.org/x/time/rate"

	"github.com/heartbridge/backend/internal/logging"
	"github.com/heartbridge/backend/internal/metrics"
)

const (
	visitorCleanupInterval = time.Minute
	visitorIdleTimeout     = 3 * time.Minute
)

// visitor tracks rate limiting state for a single IP address.
type visitor struct {
	limiter  *rate.Limiter
	lastSeen time.Time
}

// RateLimiter implements per-IP rate limiting using a token bucket algorithm.
// Visitors idle for 3 minutes are removed by Run.
type RateLimiter struct {
	visitors map[string]*visitor
	mu       sync.Mutex
	rate     rate.Limit
	burst    int
	clock    clockwork.Clock
	metrics  *metrics.Metrics
}

// NewRateLimiter creates a rate limiter with the specified requests per minute.
// Call Run to start the idle-visitor cleanup loop.
func NewRateLimiter(requestsPerMinute int, clock clockwork.Clock, m *metrics.Metrics) *RateLimiter {
	return &RateLimiter{
		visitors: make(map[string]*visitor),
		rate:     rate.Limit(float64(requestsPerMinute) / 60.0),
		burst:    requestsPerMinute,
		clock:    clock,
		metrics:  m,
	}
}

// allow reports whether the IP may make another request now.
func (rl *RateLimiter) allow(ip string) bool {
	rl.mu.Lock()
	defer rl.mu.Unlock()

	now := rl.clock.Now()
	v, exists := rl.visitors[ip]
	if !exists {
		v = &visitor{limiter: rate.NewLimiter(rl.rate, rl.burst)}
		rl.visitors[ip] = v
	}
	v.lastSeen = now
	return v.limiter.AllowN(now, 1)
}

// Run removes idle visitors every minute until ctx is cancelled.
func (rl *RateLimiter) Run(ctx context.Context) error {
	ticker := rl.clock.NewTicker(visitorCleanupInterval)
	defer ticker.Stop()

	for {
		select {
		case <-ctx.Done():
			return nil
		case <-ticker.Chan():
			rl.cleanup()
		}
	}
}

// cleanup removes visitors that haven't been seen in 3 minutes.
func (rl *RateLimiter) cleanup() {
	rl.mu.Lock()
	defer rl.mu.Unlock()

	now := rl.clock.Now()
	for ip, v := range rl.visitors {
		if now.Sub(v.lastSeen) > visitorIdleTimeout {
			delete(rl.visitors, ip)
		}
	}
}

func (rl *RateLimiter) visitorCount() int {
	rl.mu.Lock()
	defer rl.mu.Unlock()
	return len(rl.visitors)
}

// Allow reports whether ip may make another request, recording a rejection
// when it may not.
func (rl *RateLimiter) Allow(ctx context.Context, ip string) bool {
	if rl.allow(ip) {
		return true
	}
	rl.metrics.RequestsRejected.WithLabelValues("rate_limited").Inc()
	logging.LogSecurityEvent(ctx, logging.SecurityEventRateLimited, "rate limit exceeded")
	return false
}

// Middleware returns the HTTP middleware that enforces rate limiting.
// Returns 429 Too Many Requests when the limit is exceeded.
func (rl *RateLimiter) Middleware(next http.Handler) http.Handler {
	return http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		if !rl.Allow(r.Context(), logging.ExtractClientIP(r)) {
			http.Error(w, `{"error":"rate limit exceeded"}`, http.StatusTooManyRequests)
			return
		}

		next.ServeHTTP(w, r)
	})
}
