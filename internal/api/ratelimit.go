package api

import (
	"net"
	"net/http"
	"strconv"
	"sync"
	"time"
)

// RateLimiter is a per-client-IP token bucket. Each IP gets rate requests
// per window; the bucket refills in full once the window has passed.
type RateLimiter struct {
	mu       sync.Mutex
	clients  map[string]*bucket
	rate     int
	window   time.Duration
	maxIPs   int
	now      func() time.Time
	done     chan struct{}
	stopOnce sync.Once
}

type bucket struct {
	tokens     int
	lastRefill time.Time
}

// NewRateLimiter creates a limiter allowing rate requests per window per IP
// and starts its sweeper. Call Stop to end the sweeper.
func NewRateLimiter(rate int, window time.Duration) *RateLimiter {
	if rate < 1 {
		rate = 1
	}
	rl := &RateLimiter{
		clients: make(map[string]*bucket),
		rate:    rate,
		window:  window,
		maxIPs:  10000,
		now:     time.Now,
		done:    make(chan struct{}),
	}
	go rl.cleanup()
	return rl
}

// Allow reports whether a request from ip may proceed and takes a token.
func (rl *RateLimiter) Allow(ip string) bool {
	_, ok := rl.take(ip)
	return ok
}

// take returns the time until the next refill when the bucket is empty.
func (rl *RateLimiter) take(ip string) (time.Duration, bool) {
	rl.mu.Lock()
	defer rl.mu.Unlock()

	now := rl.now()
	b, exists := rl.clients[ip]
	if !exists {
		if len(rl.clients) >= rl.maxIPs {
			rl.evictOldest(now)
		}
		rl.clients[ip] = &bucket{tokens: rl.rate - 1, lastRefill: now}
		return 0, true
	}

	if elapsed := now.Sub(b.lastRefill); elapsed >= rl.window {
		b.tokens = rl.rate - 1
		b.lastRefill = now
		return 0, true
	}
	if b.tokens > 0 {
		b.tokens--
		return 0, true
	}
	return rl.window - now.Sub(b.lastRefill), false
}

// evictOldest drops stale buckets, then an arbitrary tenth if still full.
func (rl *RateLimiter) evictOldest(now time.Time) {
	rl.sweep(now)

	if len(rl.clients) >= rl.maxIPs {
		toRemove := len(rl.clients) / 10
		removed := 0
		for ip := range rl.clients {
			delete(rl.clients, ip)
			removed++
			if removed >= toRemove {
				break
			}
		}
	}
}

func (rl *RateLimiter) sweep(now time.Time) {
	for ip, b := range rl.clients {
		if now.Sub(b.lastRefill) > rl.window*2 {
			delete(rl.clients, ip)
		}
	}
}

// Middleware wraps an HTTP handler with rate limiting
func (rl *RateLimiter) Middleware(next http.HandlerFunc) http.HandlerFunc {
	return func(w http.ResponseWriter, r *http.Request) {
		wait, ok := rl.take(getClientIP(r))
		if !ok {
			secs := int(wait.Round(time.Second) / time.Second)
			if secs < 1 {
				secs = 1
			}
			w.Header().Set("Retry-After", strconv.Itoa(secs))
			http.Error(w, "Rate limit exceeded. Please try again later.", http.StatusTooManyRequests)
			return
		}
		next(w, r)
	}
}

// Stop ends the background sweeper.
func (rl *RateLimiter) Stop() {
	rl.stopOnce.Do(func() { close(rl.done) })
}

// getClientIP uses RemoteAddr only; X-Forwarded-For is client controlled.
func getClientIP(r *http.Request) string {
	host, _, err := net.SplitHostPort(r.RemoteAddr)
	if err != nil {
		return r.RemoteAddr
	}
	return host
}

func (rl *RateLimiter) cleanup() {
	ticker := time.NewTicker(10 * time.Minute)
	defer ticker.Stop()

	for {
		select {
		case <-rl.done:
			return
		case <-ticker.C:
			rl.mu.Lock()
			rl.sweep(rl.now())
			rl.mu.Unlock()
		}
	}
}
