package rails

import (
	"context"
	"fmt"
	"log/slog"
	"time"

	"github.com/shopspring/decimal"

	"github.com/mbd888/qff/internal/idgen"
)

// SimulatedExecutor acknowledges every order without touching a real
// network. Executed orders carry only the chain's network fee; flat and
// proportional fees are settled off-platform.
type SimulatedExecutor struct {
	latency time.Duration
	down    map[Rail]bool
	logger  *slog.Logger
}

// NewSimulatedExecutor creates an executor that always succeeds.
func NewSimulatedExecutor(logger *slog.Logger) *SimulatedExecutor {
	if logger == nil {
		logger = slog.Default()
	}
	return &SimulatedExecutor{down: make(map[Rail]bool), logger: logger}
}

// WithLatency adds an artificial delay to every execution.
func (e *SimulatedExecutor) WithLatency(d time.Duration) *SimulatedExecutor {
	e.latency = d
	return e
}

// WithRailDown makes executions on rail fail with ErrRailUnavailable.
func (e *SimulatedExecutor) WithRailDown(rail Rail) *SimulatedExecutor {
	e.down[rail] = true
	return e
}

// Execute routes order and returns a receipt referencing the simulated backend.
func (e *SimulatedExecutor) Execute(ctx context.Context, order Order) (*Receipt, error) {
	rail := DecideRail(order.Type)
	if e.down[rail] {
		return nil, fmt.Errorf("%w: %s", ErrRailUnavailable, rail)
	}
	if e.latency > 0 {
		select {
		case <-time.After(e.latency):
		case <-ctx.Done():
			return nil, ctx.Err()
		}
	}

	fees := FeeSchedule{Flat: decimal.Zero}
	if rail == RailBlockchain {
		fees = feeBlockchain
	}
	receipt := &Receipt{
		Rail:       rail,
		BackendRef: backendRef(rail),
		Fees:       fees,
		TotalFee:   fees.Total(order.Amount),
		ExecutedAt: time.Now().UTC(),
	}
	e.logger.Debug("order executed", "rail", rail, "backend_ref", receipt.BackendRef, "sealed_bytes", len(order.Sealed))
	return receipt, nil
}

// backendRef is the first six characters of the rail name, a dash, and ten hex digits.
func backendRef(rail Rail) string {
	prefix := string(rail)
	if len(prefix) > 6 {
		prefix = prefix[:6]
	}
	return prefix + "-" + idgen.Hex(5)
}

// Compile-time assertion that SimulatedExecutor implements Executor.
var _ Executor = (*SimulatedExecutor)(nil)
