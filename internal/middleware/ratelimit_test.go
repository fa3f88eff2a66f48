package middleware

import (
	"net/http"
	"net/http/httptest"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

type fakeClock struct{ t time.Time }

func (c *fakeClock) now() time.Time { return c.t }

func newTestLimiter(t *testing.T, perMin int) (*RateLimiter, *fakeClock) {
	t.Helper()
	clock := &fakeClock{t: time.Date(2026, 3, 1, 12, 0, 0, 0, time.UTC)}
	rl := NewRateLimiter(perMin)
	rl.now = clock.now
	t.Cleanup(rl.Stop)
	return rl, clock
}

func TestRateLimiter_Allow(t *testing.T) {
	rl, clock := newTestLimiter(t, 3)

	for i := 0; i < 3; i++ {
		ok, _ := rl.allow("10.0.0.1")
		require.True(t, ok, "request %d", i)
	}
	ok, wait := rl.allow("10.0.0.1")
	assert.False(t, ok)
	assert.InDelta(t, 20*time.Second, wait, float64(time.Millisecond))

	// Other clients have their own bucket.
	ok, _ = rl.allow("10.0.0.2")
	assert.True(t, ok)

	// One token refills every 20s at 3/min.
	clock.t = clock.t.Add(20 * time.Second)
	ok, _ = rl.allow("10.0.0.1")
	assert.True(t, ok)
	ok, _ = rl.allow("10.0.0.1")
	assert.False(t, ok)
}

func TestRateLimiter_RefillCapped(t *testing.T) {
	rl, clock := newTestLimiter(t, 2)
	ok, _ := rl.allow("a")
	require.True(t, ok)

	clock.t = clock.t.Add(time.Hour)
	allowed := 0
	for i := 0; i < 5; i++ {
		if ok, _ := rl.allow("a"); ok {
			allowed++
		}
	}
	assert.Equal(t, 2, allowed)
}

func TestRateLimiter_EvictIdle(t *testing.T) {
	rl, clock := newTestLimiter(t, 5)
	rl.allow("a")
	clock.t = clock.t.Add(5 * time.Minute)
	rl.allow("b")

	clock.t = clock.t.Add(6 * time.Minute)
	rl.evictIdle()

	rl.mu.Lock()
	defer rl.mu.Unlock()
	assert.NotContains(t, rl.clients, "a")
	assert.Contains(t, rl.clients, "b")
}

func TestRateLimiter_Middleware(t *testing.T) {
	rl, _ := newTestLimiter(t, 1)
	h := rl.Middleware(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		w.WriteHeader(http.StatusNoContent)
	}))

	send := func(addr string) *httptest.ResponseRecorder {
		req := httptest.NewRequest(http.MethodPost, "/api/v1/samples", nil)
		req.RemoteAddr = addr
		rr := httptest.NewRecorder()
		h.ServeHTTP(rr, req)
		return rr
	}

	assert.Equal(t, http.StatusNoContent, send("192.0.2.1:4000").Code)

	// Same host on another port shares the bucket.
	rr := send("192.0.2.1:4001")
	assert.Equal(t, http.StatusTooManyRequests, rr.Code)
	assert.Equal(t, "60", rr.Header().Get("Retry-After"))
	assert.Contains(t, rr.Body.String(), "rate limit exceeded")

	assert.Equal(t, http.StatusNoContent, send("192.0.2.2:4000").Code)
}

func TestRateLimiter_StopTwice(t *testing.T) {
	rl := NewRateLimiter(10)
	rl.Stop()
	assert.NotPanics(t, rl.Stop)
}
