package middleware

import (
	"context"
	"net/http"
	"sync"
	"time"

	"golang.org/x/time/rate"

	"github.com/ashureev/buildrelay/internal/identity"
)

// RateLimiter throttles requests per caller with a token bucket each.
// The key is the user id, so clients cannot bypass throttling by opening new
// conversations. Requests without a user fall back to the client IP.
type RateLimiter struct {
	mu       sync.Mutex
	limiters map[string]*entry
	limit    rate.Limit
	burst    int
	idleTTL  time.Duration
	now      func() time.Time
}

type entry struct {
	limiter  *rate.Limiter
	lastSeen time.Time
}

// NewRateLimiter allows perMinute requests per caller per minute, bursting up
// to perMinute. Callers idle for idleTTL are forgotten.
func NewRateLimiter(perMinute int, idleTTL time.Duration) *RateLimiter {
	if perMinute <= 0 {
		perMinute = 1
	}
	if idleTTL <= 0 {
		idleTTL = 10 * time.Minute
	}
	return &RateLimiter{
		limiters: make(map[string]*entry),
		limit:    rate.Every(time.Minute / time.Duration(perMinute)),
		burst:    perMinute,
		idleTTL:  idleTTL,
		now:      time.Now,
	}
}

// Allow reports whether one more request from key may proceed now.
func (r *RateLimiter) Allow(key string) bool {
	r.mu.Lock()
	now := r.now()
	e, ok := r.limiters[key]
	if !ok {
		e = &entry{limiter: rate.NewLimiter(r.limit, r.burst)}
		r.limiters[key] = e
	}
	e.lastSeen = now
	r.mu.Unlock()
	return e.limiter.AllowN(now, 1)
}

// Evict drops callers idle longer than the TTL and returns how many were removed.
func (r *RateLimiter) Evict() int {
	r.mu.Lock()
	defer r.mu.Unlock()
	cutoff := r.now().Add(-r.idleTTL)
	n := 0
	for key, e := range r.limiters {
		if e.lastSeen.Before(cutoff) {
			delete(r.limiters, key)
			n++
		}
	}
	return n
}

// Len returns the number of tracked callers.
func (r *RateLimiter) Len() int {
	r.mu.Lock()
	defer r.mu.Unlock()
	return len(r.limiters)
}

// StartEviction evicts idle callers every TTL until ctx is done.
func (r *RateLimiter) StartEviction(ctx context.Context) {
	go func() {
		ticker := time.NewTicker(r.idleTTL)
		defer ticker.Stop()
		for {
			select {
			case <-ctx.Done():
				return
			case <-ticker.C:
				r.Evict()
			}
		}
	}()
}

// Middleware rejects throttled callers with 429.
func (r *RateLimiter) Middleware(next http.Handler) http.Handler {
	return http.HandlerFunc(func(w http.ResponseWriter, req *http.Request) {
		key := identity.UserIDFromContext(req.Context())
		if key == "" {
			key = "ip:" + identity.IPFromRequest(req)
		}
		if !r.Allow(key) {
			w.Header().Set("Content-Type", "application/json")
			w.Header().Set("Retry-After", "60")
			w.WriteHeader(http.StatusTooManyRequests)
			_, _ = w.Write([]byte(`{"error":"rate limit exceeded","status":"error"}`))
			return
		}
		next.ServeHTTP(w, req)
	})
}
