package httpapi

import (
	"net"
	"net/http"
	"strings"
	"sync"
	"time"

	"github.com/go-chi/chi/v5"

	"qms/queue-engine/internal/telemetry"
)

type RateLimitConfig struct {
	IPPerMinute    int
	IPBurst        int
	QueuePerMinute int
	QueueBurst     int
}

// RateLimiter keeps token buckets per client address and, for self
// admission, per queue.
type RateLimiter struct {
	ipLimiter    *tokenLimiter
	queueLimiter *tokenLimiter
}

func NewRateLimiter(cfg RateLimitConfig) *RateLimiter {
	return &RateLimiter{
		ipLimiter:    newTokenLimiter(cfg.IPPerMinute, cfg.IPBurst, 60, 20),
		queueLimiter: newTokenLimiter(cfg.QueuePerMinute, cfg.QueueBurst, 600, 120),
	}
}

func (l *RateLimiter) Middleware(next http.Handler) http.Handler {
	return http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		ip := clientIP(r)
		if ip != "" && !l.ipLimiter.allow(ip) {
			telemetry.HTTPRateLimited.WithLabelValues("ip").Inc()
			writeError(w, requestIDFromRequest(r), http.StatusTooManyRequests, "rate_limited", "too many requests")
			return
		}
		next.ServeHTTP(w, r)
	})
}

// admissionLimit caps how fast a single queue admits customers, whatever
// address they come from.
func (h *Handler) admissionLimit(next http.Handler) http.Handler {
	return http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		if h.limiter == nil {
			next.ServeHTTP(w, r)
			return
		}
		queueID := chi.URLParam(r, "queueID")
		if queueID != "" && !h.limiter.queueLimiter.allow(queueID) {
			telemetry.HTTPRateLimited.WithLabelValues("queue").Inc()
			writeError(w, requestIDFromRequest(r), http.StatusTooManyRequests, "rate_limited", "too many admissions for this queue")
			return
		}
		next.ServeHTTP(w, r)
	})
}

type tokenLimiter struct {
	mu     sync.Mutex
	rate   float64
	burst  float64
	bucket map[string]*bucket
	now    func() time.Time
}

type bucket struct {
	tokens float64
	last   time.Time
}

func newTokenLimiter(perMinute, burst, defaultPerMinute, defaultBurst int) *tokenLimiter {
	if perMinute <= 0 {
		perMinute = defaultPerMinute
	}
	if burst <= 0 {
		burst = defaultBurst
	}
	return &tokenLimiter{
		rate:   float64(perMinute) / 60.0,
		burst:  float64(burst),
		bucket: make(map[string]*bucket),
		now:    time.Now,
	}
}

func (l *tokenLimiter) allow(key string) bool {
	l.mu.Lock()
	defer l.mu.Unlock()

	now := l.now()
	b, ok := l.bucket[key]
	if !ok {
		l.bucket[key] = &bucket{tokens: l.burst - 1, last: now}
		return true
	}
	elapsed := now.Sub(b.last).Seconds()
	b.tokens = min(l.burst, b.tokens+elapsed*l.rate)
	b.last = now
	if b.tokens < 1 {
		return false
	}
	b.tokens -= 1
	return true
}

// prune forgets buckets idle long enough to have refilled completely.
func (l *tokenLimiter) prune() {
	l.mu.Lock()
	defer l.mu.Unlock()
	full := time.Duration(l.burst / l.rate * float64(time.Second))
	now := l.now()
	for key, b := range l.bucket {
		if now.Sub(b.last) > full {
			delete(l.bucket, key)
		}
	}
}

// Prune drops idle buckets. Callers run it periodically.
func (l *RateLimiter) Prune() {
	l.ipLimiter.prune()
	l.queueLimiter.prune()
}

func clientIP(r *http.Request) string {
	if forwarded := r.Header.Get("X-Forwarded-For"); forwarded != "" {
		parts := strings.Split(forwarded, ",")
		return strings.TrimSpace(parts[0])
	}
	host, _, err := net.SplitHostPort(r.RemoteAddr)
	if err != nil {
		return r.RemoteAddr
	}
	return host
}
