package realtime

import (
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func outcome(kind, result string, amount any, score int) *Event {
	return &Event{Type: EventOutcome, Data: map[string]any{
		"type": kind, "outcome": result, "amount": amount, "score": score, "level": "LOW",
	}}
}

func TestSubscription_Matches(t *testing.T) {
	maxScore := 40
	tests := []struct {
		name  string
		sub   Subscription
		event *Event
		want  bool
	}{
		{"zero value matches", Subscription{}, outcome("CARD_PAYMENT", "EXECUTED", "5", 95), true},
		{"event type hit", Subscription{EventTypes: []EventType{EventAlert}}, &Event{Type: EventAlert}, true},
		{"event type miss", Subscription{EventTypes: []EventType{EventAlert}}, outcome("CARD_PAYMENT", "EXECUTED", "5", 95), false},
		{"tx type miss", Subscription{TxTypes: []string{"CRYPTO_TRANSFER"}}, outcome("WIRE_TRANSFER", "EXECUTED", "5", 95), false},
		{"tx type ignores sessions", Subscription{TxTypes: []string{"CRYPTO_TRANSFER"}},
			&Event{Type: EventSession, Data: map[string]any{"sessionId": "qss_1"}}, true},
		{"outcome hit", Subscription{Outcomes: []string{"BLOCKED", "INTERCEPTED"}}, outcome("CARD_PAYMENT", "BLOCKED", "5", 0), true},
		{"outcome miss", Subscription{Outcomes: []string{"BLOCKED"}}, outcome("CARD_PAYMENT", "EXECUTED", "5", 95), false},
		{"level miss", Subscription{Levels: []string{"CRITICAL"}},
			&Event{Type: EventAlert, Data: map[string]any{"level": "INFO"}}, false},
		{"score at limit", Subscription{MaxScore: &maxScore}, outcome("CARD_PAYMENT", "FLAGGED", "5", 40), true},
		{"score too safe", Subscription{MaxScore: &maxScore}, outcome("CARD_PAYMENT", "EXECUTED", "5", 95), false},
		{"non-map data passes", Subscription{TxTypes: []string{"CARD_PAYMENT"}}, &Event{Type: EventLedgerEntry, Data: "raw"}, true},
	}
	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			require.NoError(t, tt.sub.normalize())
			assert.Equal(t, tt.want, tt.sub.Matches(tt.event))
		})
	}
}

func TestSubscription_MinAmount(t *testing.T) {
	sub := Subscription{MinAmount: "10.00"}
	require.NoError(t, sub.normalize())

	assert.True(t, sub.Matches(outcome("WIRE_TRANSFER", "EXECUTED", "15000", 80)))
	assert.False(t, sub.Matches(outcome("WIRE_TRANSFER", "EXECUTED", "9.99", 80)))
	assert.False(t, sub.Matches(outcome("WIRE_TRANSFER", "EXECUTED", 5.0, 80)))
	assert.True(t, sub.Matches(outcome("WIRE_TRANSFER", "EXECUTED", "abc", 80)), "unparseable amounts are not filtered")
	assert.True(t, sub.Matches(&Event{Type: EventAlert, Data: map[string]any{"level": "INFO"}}))
}

func TestSubscription_Normalize(t *testing.T) {
	sub := Subscription{MinAmount: "ten"}
	assert.Error(t, sub.normalize())

	sub = Subscription{Replay: 5000}
	require.NoError(t, sub.normalize())
	assert.Equal(t, ReplayBufferSize, sub.Replay)

	sub = Subscription{Replay: -3}
	require.NoError(t, sub.normalize())
	assert.Zero(t, sub.Replay)
}
