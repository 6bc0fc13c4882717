package realtime

import (
	"slices"

	"github.com/shopspring/decimal"
)

// Subscription narrows what a client receives. A zero Subscription
// receives everything. Field filters only look at events whose payload
// carries the field, so an outcome filter never hides alerts.
type Subscription struct {
	EventTypes []EventType `json:"eventTypes,omitempty"`
	TxTypes    []string    `json:"txTypes,omitempty"`  // data["type"]
	Outcomes   []string    `json:"outcomes,omitempty"` // data["outcome"]
	Levels     []string    `json:"levels,omitempty"`   // risk or alert level, data["level"]
	MinAmount  string      `json:"minAmount,omitempty"`
	MaxScore   *int        `json:"maxScore,omitempty"` // only riskier than this
	Replay     int         `json:"replay,omitempty"`   // recent events to resend on subscribe

	minAmount decimal.Decimal
}

// normalize parses derived fields and clamps Replay.
func (s *Subscription) normalize() error {
	s.minAmount = decimal.Zero
	if s.MinAmount != "" {
		d, err := decimal.NewFromString(s.MinAmount)
		if err != nil {
			return err
		}
		s.minAmount = d
	}
	s.Replay = max(0, min(s.Replay, ReplayBufferSize))
	return nil
}

// Matches reports whether event passes every filter.
func (s *Subscription) Matches(event *Event) bool {
	if len(s.EventTypes) > 0 && !slices.Contains(s.EventTypes, event.Type) {
		return false
	}
	data, ok := event.Data.(map[string]any)
	if !ok {
		return true
	}
	if !matchString(s.TxTypes, data["type"]) ||
		!matchString(s.Outcomes, data["outcome"]) ||
		!matchString(s.Levels, data["level"]) {
		return false
	}
	if s.MaxScore != nil {
		if score, ok := numberOf(data["score"]); ok && score.GreaterThan(decimal.NewFromInt(int64(*s.MaxScore))) {
			return false
		}
	}
	if s.minAmount.IsPositive() {
		if amount, ok := numberOf(data["amount"]); ok && amount.LessThan(s.minAmount) {
			return false
		}
	}
	return true
}

func matchString(allowed []string, v any) bool {
	if len(allowed) == 0 {
		return true
	}
	s, ok := v.(string)
	return !ok || slices.Contains(allowed, s)
}

// numberOf reads a value published as a Go number or a decimal string.
func numberOf(v any) (decimal.Decimal, bool) {
	switch n := v.(type) {
	case int:
		return decimal.NewFromInt(int64(n)), true
	case int64:
		return decimal.NewFromInt(n), true
	case float64:
		return decimal.NewFromFloat(n), true
	case string:
		d, err := decimal.NewFromString(n)
		return d, err == nil
	case decimal.Decimal:
		return n, true
	default:
		return decimal.Zero, false
	}
}
