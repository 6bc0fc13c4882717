package ratelimit

import (
	"net/http"
	"net/http/httptest"
	"sync"
	"testing"
	"time"

	"github.com/gin-gonic/gin"
)

type testClock struct {
	mu  sync.Mutex
	now time.Time
}

func (c *testClock) Now() time.Time {
	c.mu.Lock()
	defer c.mu.Unlock()
	return c.now
}

func (c *testClock) Advance(d time.Duration) {
	c.mu.Lock()
	defer c.mu.Unlock()
	c.now = c.now.Add(d)
}

func newTestLimiter(t *testing.T, cfg Config) (*Limiter, *testClock) {
	t.Helper()
	clock := &testClock{now: time.Date(2026, 1, 1, 0, 0, 0, 0, time.UTC)}
	l := New(cfg).WithClock(clock.Now)
	t.Cleanup(l.Stop)
	return l, clock
}

func TestLimiterAllow(t *testing.T) {
	limiter, clock := newTestLimiter(t, Config{
		RequestsPerMinute: 60,
		BurstSize:         5,
		CleanupInterval:   time.Minute,
	})

	key := "test-ip"

	for i := 0; i < 5; i++ {
		if !limiter.Allow(key) {
			t.Errorf("Request %d should be allowed (within burst)", i)
		}
	}
	if limiter.Allow(key) {
		t.Error("Request after burst should be denied")
	}

	// 1 second = 1 token at 60/min
	clock.Advance(time.Second)
	if !limiter.Allow(key) {
		t.Error("Request after waiting should be allowed")
	}
	if limiter.Allow(key) {
		t.Error("Only one token should have been replenished")
	}
}

func TestLimiterMultipleClients(t *testing.T) {
	limiter, _ := newTestLimiter(t, Config{
		RequestsPerMinute: 60,
		BurstSize:         3,
		CleanupInterval:   time.Minute,
	})

	for i := 0; i < 3; i++ {
		limiter.Allow("client-a")
	}
	if limiter.Allow("client-a") {
		t.Error("Client A should be rate limited")
	}
	if !limiter.Allow("client-b") {
		t.Error("Client B should not be rate limited")
	}
}

func TestLimiterBurstCap(t *testing.T) {
	limiter, clock := newTestLimiter(t, Config{
		RequestsPerMinute: 600,
		BurstSize:         2,
		CleanupInterval:   time.Minute,
	})

	limiter.Allow("k")
	clock.Advance(time.Hour)
	allowed := 0
	for i := 0; i < 10; i++ {
		if limiter.Allow("k") {
			allowed++
		}
	}
	if allowed != 2 {
		t.Errorf("expected refill capped at burst 2, got %d", allowed)
	}
}

func TestLimiterEvictIdle(t *testing.T) {
	limiter, clock := newTestLimiter(t, DefaultConfig())
	limiter.Allow("old")
	clock.Advance(3 * time.Minute)
	limiter.Allow("fresh")

	if n := limiter.evictIdle(2 * time.Minute); n != 1 {
		t.Errorf("expected 1 eviction, got %d", n)
	}
	limiter.Stop()
	limiter.Stop()
}

func TestForRPM(t *testing.T) {
	tests := []struct {
		rpm, burst int
	}{
		{120, 12},
		{60, 6},
		{10, 5},
	}
	for _, tt := range tests {
		cfg := ForRPM(tt.rpm)
		if cfg.RequestsPerMinute != tt.rpm || cfg.BurstSize != tt.burst {
			t.Errorf("ForRPM(%d) = %d/%d, want burst %d", tt.rpm, cfg.RequestsPerMinute, cfg.BurstSize, tt.burst)
		}
	}
	if DefaultConfig().CleanupInterval != time.Minute {
		t.Error("expected 1 minute cleanup interval")
	}
}

func TestMiddleware(t *testing.T) {
	gin.SetMode(gin.TestMode)
	cfg := ForRPM(60)
	cfg.BurstSize = 1
	limiter, _ := newTestLimiter(t, cfg)

	r := gin.New()
	r.Use(limiter.Middleware())
	r.GET("/v1/rails", func(c *gin.Context) { c.Status(http.StatusOK) })
	r.GET("/health", func(c *gin.Context) { c.Status(http.StatusOK) })

	do := func(path string) int {
		w := httptest.NewRecorder()
		r.ServeHTTP(w, httptest.NewRequest(http.MethodGet, path, nil))
		return w.Code
	}

	if code := do("/v1/rails"); code != http.StatusOK {
		t.Fatalf("first request: got %d", code)
	}
	if code := do("/v1/rails"); code != http.StatusTooManyRequests {
		t.Fatalf("second request: got %d, want 429", code)
	}
	for i := 0; i < 5; i++ {
		if code := do("/health"); code != http.StatusOK {
			t.Fatalf("exempt path limited: got %d", code)
		}
	}
}
