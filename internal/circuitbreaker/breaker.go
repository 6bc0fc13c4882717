// Package circuitbreaker trips per-key circuits after repeated failures.
// Keys are downstream destinations: settlement rails and alert webhook
// hosts. A tripped key rejects calls until its cool-down elapses, then
// admits a single probe whose outcome closes or re-opens the circuit.
package circuitbreaker

import (
	"context"
	"errors"
	"sort"
	"sync"
	"time"

	"github.com/prometheus/client_golang/prometheus"
)

// State represents the circuit state for one key.
type State int

const (
	StateClosed   State = iota // calls flow through
	StateOpen                  // calls are rejected
	StateHalfOpen              // one probe in flight
)

// String returns the state name.
func (s State) String() string {
	switch s {
	case StateClosed:
		return "closed"
	case StateOpen:
		return "open"
	case StateHalfOpen:
		return "half_open"
	default:
		return "unknown"
	}
}

var (
	transitionsTotal = prometheus.NewCounterVec(prometheus.CounterOpts{
		Namespace: "qff",
		Subsystem: "circuitbreaker",
		Name:      "transitions_total",
		Help:      "Circuit state changes by key and target state.",
	}, []string{"key", "to"})

	rejectedTotal = prometheus.NewCounterVec(prometheus.CounterOpts{
		Namespace: "qff",
		Subsystem: "circuitbreaker",
		Name:      "rejected_total",
		Help:      "Calls rejected because the circuit was open.",
	}, []string{"key"})
)

func init() {
	prometheus.MustRegister(transitionsTotal, rejectedTotal)
}

// ErrOpen is returned by Do when the circuit for a key is open.
var ErrOpen = errors.New("circuit open")

// Status is a point-in-time view of one key.
type Status struct {
	Key      string    `json:"key"`
	State    string    `json:"state"`
	Failures int       `json:"consecutiveFailures"`
	OpenedAt time.Time `json:"openedAt,omitzero"`
}

type circuit struct {
	state    State
	failures int
	openedAt time.Time
}

// Breaker tracks consecutive failures per key.
type Breaker struct {
	mu        sync.Mutex
	circuits  map[string]*circuit
	threshold int
	coolDown  time.Duration
	now       func() time.Time
	listeners []func(key string, from, to State)
}

// New creates a breaker that opens a key after threshold consecutive
// failures and keeps it open for coolDown before probing.
func New(threshold int, coolDown time.Duration) *Breaker {
	if threshold <= 0 {
		threshold = 5
	}
	if coolDown <= 0 {
		coolDown = 30 * time.Second
	}
	return &Breaker{
		circuits:  make(map[string]*circuit),
		threshold: threshold,
		coolDown:  coolDown,
		now:       time.Now,
	}
}

// WithClock replaces the time source.
func (b *Breaker) WithClock(now func() time.Time) *Breaker {
	b.now = now
	return b
}

// OnTransition registers a listener for state changes. Listeners run
// synchronously after the breaker lock is released.
func (b *Breaker) OnTransition(fn func(key string, from, to State)) {
	b.mu.Lock()
	b.listeners = append(b.listeners, fn)
	b.mu.Unlock()
}

// Allow reports whether a call to key may proceed. An open circuit whose
// cool-down has elapsed moves to half-open and admits the caller as its probe.
func (b *Breaker) Allow(key string) bool {
	b.mu.Lock()
	c, ok := b.circuits[key]
	if !ok || c.state == StateClosed {
		b.mu.Unlock()
		return true
	}
	if c.state == StateOpen && b.now().Sub(c.openedAt) >= b.coolDown {
		notify := b.setState(key, c, StateHalfOpen)
		b.mu.Unlock()
		notify()
		return true
	}
	b.mu.Unlock()
	rejectedTotal.WithLabelValues(key).Inc()
	return false
}

// RecordSuccess closes the circuit and clears the failure count.
func (b *Breaker) RecordSuccess(key string) {
	b.mu.Lock()
	c, ok := b.circuits[key]
	if !ok {
		b.mu.Unlock()
		return
	}
	c.failures = 0
	notify := b.setState(key, c, StateClosed)
	b.mu.Unlock()
	notify()
}

// RecordFailure counts a failure. A failed probe re-opens immediately.
func (b *Breaker) RecordFailure(key string) {
	b.mu.Lock()
	c, ok := b.circuits[key]
	if !ok {
		c = &circuit{}
		b.circuits[key] = c
	}
	c.failures++

	notify := func() {}
	if c.state == StateHalfOpen || (c.state == StateClosed && c.failures >= b.threshold) {
		c.openedAt = b.now()
		notify = b.setState(key, c, StateOpen)
	}
	b.mu.Unlock()
	notify()
}

// Do runs fn if key allows it and records the outcome. Context
// cancellation is the caller giving up, not the destination failing, so it
// is not counted.
func (b *Breaker) Do(key string, fn func() error) error {
	if !b.Allow(key) {
		return ErrOpen
	}
	err := fn()
	switch {
	case err == nil:
		b.RecordSuccess(key)
	case errors.Is(err, context.Canceled):
	default:
		b.RecordFailure(key)
	}
	return err
}

// State returns the current state for key; unknown keys are closed.
func (b *Breaker) State(key string) State {
	b.mu.Lock()
	defer b.mu.Unlock()
	if c, ok := b.circuits[key]; ok {
		return c.state
	}
	return StateClosed
}

// Snapshot lists every key that has recorded a failure, sorted by key.
func (b *Breaker) Snapshot() []Status {
	b.mu.Lock()
	defer b.mu.Unlock()

	out := make([]Status, 0, len(b.circuits))
	for key, c := range b.circuits {
		s := Status{Key: key, State: c.state.String(), Failures: c.failures}
		if c.state != StateClosed {
			s.OpenedAt = c.openedAt
		}
		out = append(out, s)
	}
	sort.Slice(out, func(i, j int) bool { return out[i].Key < out[j].Key })
	return out
}

// setState must be called with b.mu held. The returned func fires the
// listeners and must be called after unlocking.
func (b *Breaker) setState(key string, c *circuit, to State) func() {
	from := c.state
	if from == to {
		return func() {}
	}
	c.state = to
	transitionsTotal.WithLabelValues(key, to.String()).Inc()
	listeners := append([]func(string, State, State){}, b.listeners...)
	return func() {
		for _, fn := range listeners {
			fn(key, from, to)
		}
	}
}
