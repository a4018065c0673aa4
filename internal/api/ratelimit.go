package api

import (
	"net"
	"net/http"
	"sync"
	"time"

	"go.uber.org/zap"
)

// RateLimiter is a fixed-window token bucket keyed by client IP
type RateLimiter struct {
	mu           sync.Mutex
	buckets      map[string]*bucket
	rate         int
	window       time.Duration
	maxCacheSize int
	now          func() time.Time
	logger       *zap.Logger

	stop     chan struct{}
	stopOnce sync.Once
}

type bucket struct {
	tokens     int
	lastRefill time.Time
}

// NewRateLimiter allows rate requests per window for each client. Stop must
// be called to end the cleanup goroutine.
func NewRateLimiter(rate int, window time.Duration, logger *zap.Logger) *RateLimiter {
	if logger == nil {
		logger = zap.NewNop()
	}
	if rate < 1 {
		rate = 1
	}
	rl := &RateLimiter{
		buckets:      make(map[string]*bucket),
		rate:         rate,
		window:       window,
		maxCacheSize: 10000,
		now:          time.Now,
		logger:       logger,
		stop:         make(chan struct{}),
	}
	go rl.cleanup(10 * time.Minute)
	return rl
}

// Allow consumes one token for ip
func (rl *RateLimiter) Allow(ip string) bool {
	rl.mu.Lock()
	defer rl.mu.Unlock()

	now := rl.now()
	b, ok := rl.buckets[ip]
	if !ok {
		if len(rl.buckets) >= rl.maxCacheSize {
			rl.evictLocked(now)
		}
		rl.buckets[ip] = &bucket{tokens: rl.rate - 1, lastRefill: now}
		return true
	}

	if now.Sub(b.lastRefill) >= rl.window {
		b.tokens = rl.rate - 1
		b.lastRefill = now
		return true
	}
	if b.tokens > 0 {
		b.tokens--
		return true
	}
	return false
}

// RetryAfter reports how long ip has to wait for a refill
func (rl *RateLimiter) RetryAfter(ip string) time.Duration {
	rl.mu.Lock()
	defer rl.mu.Unlock()
	b, ok := rl.buckets[ip]
	if !ok {
		return 0
	}
	if d := rl.window - rl.now().Sub(b.lastRefill); d > 0 {
		return d
	}
	return 0
}

// evictLocked drops stale buckets, then a tenth of the rest if still full
func (rl *RateLimiter) evictLocked(now time.Time) {
	rl.expireLocked(now)
	if len(rl.buckets) < rl.maxCacheSize {
		return
	}
	toRemove := len(rl.buckets) / 10
	for ip := range rl.buckets {
		if toRemove <= 0 {
			break
		}
		delete(rl.buckets, ip)
		toRemove--
	}
}

func (rl *RateLimiter) expireLocked(now time.Time) int {
	n := 0
	for ip, b := range rl.buckets {
		if now.Sub(b.lastRefill) > rl.window*2 {
			delete(rl.buckets, ip)
			n++
		}
	}
	return n
}

// Middleware rejects requests over the limit with 429
func (rl *RateLimiter) Middleware(next http.HandlerFunc) http.HandlerFunc {
	return func(w http.ResponseWriter, r *http.Request) {
		ip := clientIP(r)
		if !rl.Allow(ip) {
			rl.logger.Warn("Rate limit exceeded", zap.String("ip", ip), zap.String("path", r.URL.Path))
			if wait := rl.RetryAfter(ip); wait > 0 {
				w.Header().Set("Retry-After", formatSeconds(wait))
			}
			writeError(w, http.StatusTooManyRequests, "rate limit exceeded, try again later")
			return
		}
		next(w, r)
	}
}

// Stop ends the cleanup goroutine
func (rl *RateLimiter) Stop() {
	rl.stopOnce.Do(func() { close(rl.stop) })
}

func (rl *RateLimiter) cleanup(every time.Duration) {
	ticker := time.NewTicker(every)
	defer ticker.Stop()

	for {
		select {
		case <-rl.stop:
			return
		case <-ticker.C:
			rl.mu.Lock()
			n := rl.expireLocked(rl.now())
			rl.mu.Unlock()
			if n > 0 {
				rl.logger.Debug("Expired rate limit buckets", zap.Int("count", n))
			}
		}
	}
}

// clientIP uses RemoteAddr only; X-Forwarded-For is client controlled
func clientIP(r *http.Request) string {
	host, _, err := net.SplitHostPort(r.RemoteAddr)
	if err != nil {
		return r.RemoteAddr
	}
	return host
}
