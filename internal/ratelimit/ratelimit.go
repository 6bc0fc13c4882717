// Package ratelimit provides per-client token bucket limiting for the
// firewall API.
package ratelimit

import (
	"net/http"
	"slices"
	"strconv"
	"sync"
	"time"

	"github.com/gin-gonic/gin"
	"github.com/prometheus/client_golang/prometheus"
)

// RejectedTotal counts requests turned away, by route template.
var RejectedTotal = prometheus.NewCounterVec(
	prometheus.CounterOpts{
		Namespace: "qff",
		Name:      "ratelimit_rejected_total",
		Help:      "Requests rejected by the rate limiter, by route.",
	},
	[]string{"route"},
)

func init() {
	prometheus.MustRegister(RejectedTotal)
}

// Config configures rate limiting
type Config struct {
	// RequestsPerMinute is the sustained rate per client
	RequestsPerMinute int
	// BurstSize allows brief bursts above the limit
	BurstSize int
	// CleanupInterval is how often idle clients are forgotten
	CleanupInterval time.Duration
	// ExemptPaths bypass the limiter entirely (probes, scrapes)
	ExemptPaths []string
}

// DefaultConfig returns sensible defaults
func DefaultConfig() Config {
	return ForRPM(60)
}

// ForRPM derives a config from a per-minute rate. Bursts are a tenth of
// the rate, never fewer than five requests.
func ForRPM(rpm int) Config {
	return Config{
		RequestsPerMinute: rpm,
		BurstSize:         max(rpm/10, 5),
		CleanupInterval:   time.Minute,
		ExemptPaths:       []string{"/health", "/health/live", "/health/ready", "/metrics"},
	}
}

// Limiter tracks rate limits by key
type Limiter struct {
	cfg     Config
	now     func() time.Time
	mu      sync.Mutex
	clients map[string]*clientState
	stop    chan struct{}
	once    sync.Once
}

type clientState struct {
	tokens    float64
	lastCheck time.Time
}

// New creates a limiter and starts its cleanup loop. Call Stop to end it.
func New(cfg Config) *Limiter {
	l := &Limiter{
		cfg:     cfg,
		now:     time.Now,
		clients: make(map[string]*clientState),
		stop:    make(chan struct{}),
	}
	go l.cleanup()
	return l
}

// WithClock replaces the time source.
func (l *Limiter) WithClock(now func() time.Time) *Limiter {
	l.now = now
	return l
}

func (l *Limiter) cleanup() {
	ticker := time.NewTicker(l.cfg.CleanupInterval)
	defer ticker.Stop()

	for {
		select {
		case <-ticker.C:
			l.evictIdle(2 * time.Minute)
		case <-l.stop:
			return
		}
	}
}

func (l *Limiter) evictIdle(idle time.Duration) int {
	l.mu.Lock()
	defer l.mu.Unlock()
	cutoff := l.now().Add(-idle)
	n := 0
	for key, state := range l.clients {
		if state.lastCheck.Before(cutoff) {
			delete(l.clients, key)
			n++
		}
	}
	return n
}

// Stop ends the cleanup loop. Safe to call more than once.
func (l *Limiter) Stop() {
	l.once.Do(func() { close(l.stop) })
}

// Allow takes a token for key if one is available.
func (l *Limiter) Allow(key string) bool {
	l.mu.Lock()
	defer l.mu.Unlock()

	now := l.now()
	state, exists := l.clients[key]
	if !exists {
		l.clients[key] = &clientState{
			tokens:    float64(l.cfg.BurstSize - 1),
			lastCheck: now,
		}
		return true
	}

	elapsed := now.Sub(state.lastCheck).Seconds()
	tokensPerSecond := float64(l.cfg.RequestsPerMinute) / 60.0
	state.tokens = min(state.tokens+elapsed*tokensPerSecond, float64(l.cfg.BurstSize))
	state.lastCheck = now

	if state.tokens >= 1 {
		state.tokens--
		return true
	}
	return false
}

// Middleware returns a Gin middleware that rate limits by client IP.
func (l *Limiter) Middleware() gin.HandlerFunc {
	return func(c *gin.Context) {
		if slices.Contains(l.cfg.ExemptPaths, c.Request.URL.Path) {
			c.Next()
			return
		}
		if !l.Allow(c.ClientIP()) {
			route := c.FullPath()
			if route == "" {
				route = "unmatched"
			}
			RejectedTotal.WithLabelValues(route).Inc()
			retryAfter := 1
			if l.cfg.RequestsPerMinute > 0 {
				retryAfter = max(1, 60/l.cfg.RequestsPerMinute)
			}
			c.Header("Retry-After", strconv.Itoa(retryAfter))
			c.AbortWithStatusJSON(http.StatusTooManyRequests, gin.H{
				"error":       "rate_limit_exceeded",
				"message":     "Too many requests. Please slow down.",
				"retry_after": retryAfter,
			})
			return
		}
		c.Next()
	}
}
