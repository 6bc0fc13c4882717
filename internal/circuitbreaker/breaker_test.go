package circuitbreaker

import (
	"context"
	"errors"
	"fmt"
	"sync"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

type testClock struct {
	mu sync.Mutex
	t  time.Time
}

func (c *testClock) Now() time.Time {
	c.mu.Lock()
	defer c.mu.Unlock()
	return c.t
}

func (c *testClock) Advance(d time.Duration) {
	c.mu.Lock()
	c.t = c.t.Add(d)
	c.mu.Unlock()
}

func newTestBreaker(threshold int, coolDown time.Duration) (*Breaker, *testClock) {
	clock := &testClock{t: time.Date(2026, 1, 1, 0, 0, 0, 0, time.UTC)}
	return New(threshold, coolDown).WithClock(clock.Now), clock
}

var errRail = errors.New("rail down")

func TestBreaker_TripsAfterThreshold(t *testing.T) {
	b, _ := newTestBreaker(3, time.Minute)

	assert.True(t, b.Allow("CARD"))
	b.RecordFailure("CARD")
	b.RecordFailure("CARD")
	assert.True(t, b.Allow("CARD"), "below threshold")

	b.RecordFailure("CARD")
	assert.False(t, b.Allow("CARD"))
	assert.Equal(t, StateOpen, b.State("CARD"))
	assert.True(t, b.Allow("BANK"), "keys are independent")
}

func TestBreaker_SuccessResetsCount(t *testing.T) {
	b, _ := newTestBreaker(3, time.Minute)

	b.RecordFailure("UPI")
	b.RecordFailure("UPI")
	b.RecordSuccess("UPI")
	b.RecordFailure("UPI")
	b.RecordFailure("UPI")
	assert.Equal(t, StateClosed, b.State("UPI"))
}

func TestBreaker_HalfOpenProbe(t *testing.T) {
	b, clock := newTestBreaker(2, 30*time.Second)
	b.RecordFailure("BLOCKCHAIN")
	b.RecordFailure("BLOCKCHAIN")
	require.Equal(t, StateOpen, b.State("BLOCKCHAIN"))

	clock.Advance(29 * time.Second)
	assert.False(t, b.Allow("BLOCKCHAIN"), "still cooling down")

	clock.Advance(time.Second)
	assert.True(t, b.Allow("BLOCKCHAIN"), "probe admitted")
	assert.Equal(t, StateHalfOpen, b.State("BLOCKCHAIN"))
	assert.False(t, b.Allow("BLOCKCHAIN"), "only one probe")

	b.RecordSuccess("BLOCKCHAIN")
	assert.Equal(t, StateClosed, b.State("BLOCKCHAIN"))
	assert.True(t, b.Allow("BLOCKCHAIN"))
}

func TestBreaker_FailedProbeReopens(t *testing.T) {
	b, clock := newTestBreaker(2, 10*time.Second)
	b.RecordFailure("k")
	b.RecordFailure("k")
	clock.Advance(10 * time.Second)
	require.True(t, b.Allow("k"))

	b.RecordFailure("k")
	assert.Equal(t, StateOpen, b.State("k"))
	assert.False(t, b.Allow("k"), "cool-down restarts from the failed probe")

	clock.Advance(10 * time.Second)
	assert.True(t, b.Allow("k"))
}

func TestBreaker_Do(t *testing.T) {
	b, _ := newTestBreaker(2, time.Minute)
	calls := 0
	fail := func() error { calls++; return errRail }

	assert.ErrorIs(t, b.Do("CARD", fail), errRail)
	assert.ErrorIs(t, b.Do("CARD", fail), errRail)
	assert.ErrorIs(t, b.Do("CARD", fail), ErrOpen)
	assert.Equal(t, 2, calls, "open circuit does not call fn")

	assert.NoError(t, b.Do("BANK", func() error { return nil }))
}

func TestBreaker_DoIgnoresCancellation(t *testing.T) {
	b, _ := newTestBreaker(1, time.Minute)
	err := b.Do("CARD", func() error { return fmt.Errorf("execute: %w", context.Canceled) })
	assert.ErrorIs(t, err, context.Canceled)
	assert.Equal(t, StateClosed, b.State("CARD"))
	assert.Empty(t, b.Snapshot())
}

func TestBreaker_Snapshot(t *testing.T) {
	b, clock := newTestBreaker(1, time.Minute)
	opened := clock.Now()
	b.RecordFailure("UPI")
	b.RecordFailure("CARD")
	b.RecordSuccess("CARD")

	snap := b.Snapshot()
	require.Len(t, snap, 2)
	assert.Equal(t, Status{Key: "CARD", State: "closed"}, snap[0])
	assert.Equal(t, Status{Key: "UPI", State: "open", Failures: 1, OpenedAt: opened}, snap[1])
}

func TestBreaker_OnTransition(t *testing.T) {
	b, clock := newTestBreaker(1, time.Second)
	var got []string
	b.OnTransition(func(key string, from, to State) {
		got = append(got, fmt.Sprintf("%s:%s->%s", key, from, to))
	})

	b.RecordFailure("k")
	clock.Advance(time.Second)
	b.Allow("k")
	b.RecordSuccess("k")

	assert.Equal(t, []string{"k:closed->open", "k:open->half_open", "k:half_open->closed"}, got)
}

func TestBreaker_ConcurrentUse(t *testing.T) {
	b := New(1000, time.Minute)
	var wg sync.WaitGroup
	for i := range 50 {
		wg.Add(1)
		go func() {
			defer wg.Done()
			key := fmt.Sprintf("k%d", i%5)
			for range 100 {
				if b.Allow(key) {
					b.RecordFailure(key)
				}
				_ = b.State(key)
			}
		}()
	}
	wg.Wait()
	assert.Len(t, b.Snapshot(), 5)
}

func TestState_String(t *testing.T) {
	assert.Equal(t, "closed", StateClosed.String())
	assert.Equal(t, "open", StateOpen.String())
	assert.Equal(t, "half_open", StateHalfOpen.String())
	assert.Equal(t, "unknown", State(9).String())
}
