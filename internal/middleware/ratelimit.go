package middleware

import (
	"encoding/json"
	"math"
	"net"
	"net/http"
	"strconv"
	"sync"
	"time"

	"github.com/kubilitics/kubilitics-sentinel/internal/metrics"
	"github.com/kubilitics/kubilitics-sentinel/pkg/types"
)

// RateLimiter is a per-client token bucket guarding the ingestion routes.
// Buckets hold one minute's worth of requests and refill continuously.
type RateLimiter struct {
	mu             sync.Mutex
	clients        map[string]*bucket
	requestsPerMin int
	cleanupTicker  *time.Ticker
	done           chan struct{}
	stopOnce       sync.Once
	now            func() time.Time
}

type bucket struct {
	tokens     float64
	lastRefill time.Time
}

// idleAfter is how long a client may stay quiet before its bucket is dropped.
const idleAfter = 10 * time.Minute

// NewRateLimiter creates a limiter allowing requestsPerMin requests per client.
func NewRateLimiter(requestsPerMin int) *RateLimiter {
	rl := &RateLimiter{
		clients:        make(map[string]*bucket),
		requestsPerMin: requestsPerMin,
		cleanupTicker:  time.NewTicker(5 * time.Minute),
		done:           make(chan struct{}),
		now:            time.Now,
	}
	go rl.cleanup()
	return rl
}

// Middleware rejects requests over the limit with 429 and a Retry-After hint.
func (rl *RateLimiter) Middleware(next http.Handler) http.Handler {
	return http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		client := clientKey(r)
		ok, wait := rl.allow(client)
		if !ok {
			metrics.RateLimited.Inc()
			w.Header().Set("Content-Type", "application/json")
			w.Header().Set("Retry-After", strconv.Itoa(int(math.Ceil(wait.Seconds()))))
			w.WriteHeader(http.StatusTooManyRequests)
			_ = json.NewEncoder(w).Encode(types.ErrorResponse{
				Error: "rate limit exceeded, retry later",
				Code:  http.StatusTooManyRequests,
			})
			return
		}
		next.ServeHTTP(w, r)
	})
}

// clientKey identifies the caller by remote host, ignoring the port.
func clientKey(r *http.Request) string {
	host, _, err := net.SplitHostPort(r.RemoteAddr)
	if err != nil {
		return r.RemoteAddr
	}
	return host
}

// allow takes a token for client. When none is left it reports how long
// until the next one.
func (rl *RateLimiter) allow(client string) (bool, time.Duration) {
	rl.mu.Lock()
	defer rl.mu.Unlock()

	now := rl.now()
	capacity := float64(rl.requestsPerMin)
	b, exists := rl.clients[client]
	if !exists {
		rl.clients[client] = &bucket{tokens: capacity - 1, lastRefill: now}
		return true, 0
	}

	perSecond := capacity / 60
	b.tokens = math.Min(capacity, b.tokens+now.Sub(b.lastRefill).Seconds()*perSecond)
	b.lastRefill = now

	if b.tokens >= 1 {
		b.tokens--
		return true, 0
	}
	return false, time.Duration((1 - b.tokens) / perSecond * float64(time.Second))
}

func (rl *RateLimiter) cleanup() {
	for {
		select {
		case <-rl.done:
			return
		case <-rl.cleanupTicker.C:
			rl.evictIdle()
		}
	}
}

func (rl *RateLimiter) evictIdle() {
	rl.mu.Lock()
	defer rl.mu.Unlock()
	now := rl.now()
	for client, b := range rl.clients {
		if now.Sub(b.lastRefill) > idleAfter {
			delete(rl.clients, client)
		}
	}
}

// Stop ends the cleanup loop. It is safe to call more than once.
func (rl *RateLimiter) Stop() {
	rl.stopOnce.Do(func() {
		rl.cleanupTicker.Stop()
		close(rl.done)
	})
}
