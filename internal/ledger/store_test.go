package ledger

import (
	"context"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

// exerciseStore runs the behaviour every Store implementation must share.
// store must be empty.
func exerciseStore(t *testing.T, store Store) {
	t.Helper()
	ctx := context.Background()
	clock := time.Date(2026, 5, 4, 10, 30, 0, 987654321, time.UTC)
	l := New(store, nil).WithClock(func() time.Time {
		clock = clock.Add(time.Second)
		return clock
	})

	tail, err := store.Tail(ctx)
	require.NoError(t, err)
	require.Nil(t, tail)

	var appended []*Entry
	for _, amt := range []string{"15000", "0.01", "250.75"} {
		e, err := l.Append(ctx, sampleRequest(amt))
		require.NoError(t, err)
		appended = append(appended, e)
	}
	assert.Equal(t, 0, appended[0].CreatedAt.Nanosecond()%1000, "timestamps are truncated to microseconds")

	got, err := store.Get(ctx, appended[1].ID)
	require.NoError(t, err)
	assert.Equal(t, appended[1].Hash, got.Hash)
	assert.Equal(t, appended[1].Hash, got.ComputeHash(), "digest survives a storage round trip")
	assert.True(t, appended[1].CreatedAt.Equal(got.CreatedAt))
	assert.Equal(t, appended[1].Snapshot, got.Snapshot)
	assert.True(t, got.QuantumProtected)

	bySeq, err := store.GetBySequence(ctx, 3)
	require.NoError(t, err)
	assert.Equal(t, appended[2].ID, bySeq.ID)

	_, err = store.Get(ctx, "led_nope")
	assert.ErrorIs(t, err, ErrEntryNotFound)
	_, err = store.GetBySequence(ctx, 99)
	assert.ErrorIs(t, err, ErrEntryNotFound)

	rng, err := store.Range(ctx, 2, 10)
	require.NoError(t, err)
	require.Len(t, rng, 2)
	assert.Equal(t, int64(2), rng[0].Sequence)
	assert.Equal(t, int64(3), rng[1].Sequence)

	recent, err := store.Recent(ctx, 2)
	require.NoError(t, err)
	require.Len(t, recent, 2)
	assert.Equal(t, appended[2].ID, recent[0].ID)
	assert.Equal(t, appended[1].ID, recent[1].ID)

	n, err := store.Count(ctx)
	require.NoError(t, err)
	assert.Equal(t, int64(3), n)

	fork := *appended[2]
	fork.ID = "led_fork"
	assert.ErrorIs(t, store.Insert(ctx, &fork), ErrConflict)

	res, err := l.VerifyChain(ctx, 0)
	require.NoError(t, err)
	assert.True(t, res.Valid, "%+v", res.Violations)
	assert.Equal(t, 3, res.Checked)
}

func TestMemoryStore_Contract(t *testing.T) {
	exerciseStore(t, NewMemoryStore())
}
