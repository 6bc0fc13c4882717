// Package health provides a registry of named subsystem health checkers.
package health

import (
	"context"
	"database/sql"
	"fmt"
	"sync"
	"time"

	"github.com/mbd888/qff/internal/ledger"
)

// Status represents the health of a single subsystem.
type Status struct {
	Name      string `json:"name"`
	Healthy   bool   `json:"healthy"`
	Detail    string `json:"detail,omitempty"`
	LatencyMs int64  `json:"latencyMs"`
}

// Checker is a function that checks the health of a subsystem.
type Checker func(ctx context.Context) Status

// DefaultCheckTimeout bounds each individual checker.
const DefaultCheckTimeout = 3 * time.Second

// Registry holds named health checkers and runs them on demand.
type Registry struct {
	mu       sync.RWMutex
	checkers []namedChecker
	timeout  time.Duration
}

type namedChecker struct {
	name  string
	check Checker
}

// NewRegistry creates a new health check registry.
func NewRegistry() *Registry {
	return &Registry{timeout: DefaultCheckTimeout}
}

// WithTimeout overrides the per-check timeout.
func (r *Registry) WithTimeout(d time.Duration) *Registry {
	r.timeout = d
	return r
}

// Register adds a named health checker.
func (r *Registry) Register(name string, check Checker) {
	r.mu.Lock()
	r.checkers = append(r.checkers, namedChecker{name: name, check: check})
	r.mu.Unlock()
}

// CheckAll runs all registered checkers concurrently and returns the
// aggregate health status plus individual subsystem results in
// registration order.
func (r *Registry) CheckAll(ctx context.Context) (healthy bool, statuses []Status) {
	r.mu.RLock()
	checkers := make([]namedChecker, len(r.checkers))
	copy(checkers, r.checkers)
	r.mu.RUnlock()

	statuses = make([]Status, len(checkers))
	var wg sync.WaitGroup
	for i, nc := range checkers {
		wg.Add(1)
		go func(i int, nc namedChecker) {
			defer wg.Done()
			cctx, cancel := context.WithTimeout(ctx, r.timeout)
			defer cancel()
			start := time.Now()
			st := nc.check(cctx)
			if st.Name == "" {
				st.Name = nc.name
			}
			st.LatencyMs = time.Since(start).Milliseconds()
			statuses[i] = st
		}(i, nc)
	}
	wg.Wait()

	healthy = true
	for _, st := range statuses {
		if !st.Healthy {
			healthy = false
		}
	}
	return healthy, statuses
}

// DBChecker pings a database connection pool.
func DBChecker(name string, db *sql.DB) Checker {
	return func(ctx context.Context) Status {
		if err := db.PingContext(ctx); err != nil {
			return Status{Name: name, Healthy: false, Detail: fmt.Sprintf("ping failed: %v", err)}
		}
		return Status{Name: name, Healthy: true}
	}
}

// Func adapts a plain error-returning probe into a Checker.
func Func(name string, probe func(ctx context.Context) error) Checker {
	return func(ctx context.Context) Status {
		if err := probe(ctx); err != nil {
			return Status{Name: name, Healthy: false, Detail: err.Error()}
		}
		return Status{Name: name, Healthy: true}
	}
}

// Pinger is anything with a context-aware liveness probe.
type Pinger interface {
	Ping(ctx context.Context) error
}

// PingChecker probes a store or client that exposes Ping.
func PingChecker(name string, p Pinger) Checker {
	return Func(name, p.Ping)
}

// ChainVerifier checks the newest entries of a hash chain.
type ChainVerifier interface {
	VerifyTail(ctx context.Context, n int) (*ledger.VerifyResult, error)
}

// LedgerChecker re-verifies the last tail entries of the chain. Any
// violation marks the ledger unhealthy.
func LedgerChecker(name string, v ChainVerifier, tail int) Checker {
	return func(ctx context.Context) Status {
		res, err := v.VerifyTail(ctx, tail)
		if err != nil {
			return Status{Name: name, Healthy: false, Detail: fmt.Sprintf("verify failed: %v", err)}
		}
		if !res.Valid {
			first := res.Violations[0]
			return Status{Name: name, Healthy: false, Detail: fmt.Sprintf("%d violation(s), first %s at index %d", len(res.Violations), first.Kind, first.Index)}
		}
		return Status{Name: name, Healthy: true, Detail: fmt.Sprintf("%d entries verified", res.Checked)}
	}
}
