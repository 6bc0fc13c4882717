package rails

import (
	"context"
	"errors"
	"fmt"

	"github.com/mbd888/qff/internal/circuitbreaker"
)

// GuardedExecutor stops sending orders to a rail that keeps failing.
// Orders for a tripped rail fail fast with ErrRailUnavailable until the
// breaker admits a probe.
type GuardedExecutor struct {
	next    Executor
	breaker *circuitbreaker.Breaker
}

// NewGuardedExecutor wraps next with one circuit per rail.
func NewGuardedExecutor(next Executor, breaker *circuitbreaker.Breaker) *GuardedExecutor {
	return &GuardedExecutor{next: next, breaker: breaker}
}

// Execute forwards order unless its rail's circuit is open.
func (g *GuardedExecutor) Execute(ctx context.Context, order Order) (*Receipt, error) {
	rail := DecideRail(order.Type)
	var receipt *Receipt
	err := g.breaker.Do(string(rail), func() error {
		var err error
		receipt, err = g.next.Execute(ctx, order)
		return err
	})
	if errors.Is(err, circuitbreaker.ErrOpen) {
		return nil, fmt.Errorf("%w: %s circuit open", ErrRailUnavailable, rail)
	}
	return receipt, err
}

// Availability reports each rail's circuit state.
func (g *GuardedExecutor) Availability() map[Rail]string {
	out := make(map[Rail]string, len(AllRails))
	for _, r := range AllRails {
		out[r.Code] = g.breaker.State(string(r.Code)).String()
	}
	return out
}

// Compile-time assertion that GuardedExecutor implements Executor.
var _ Executor = (*GuardedExecutor)(nil)
