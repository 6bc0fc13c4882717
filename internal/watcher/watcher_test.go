package watcher

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"sync"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/mbd888/qff/internal/alerts"
	"github.com/mbd888/qff/internal/ledger"
)

// tamperStore serves a rewritten amount for one sequence, the way an
// edited database row would look to a reader.
type tamperStore struct {
	*ledger.MemoryStore
	mu      sync.Mutex
	seq     int64
	amount  string
	tailErr error
	shrink  int64
}

func (s *tamperStore) tamper(seq int64, amount string) {
	s.mu.Lock()
	s.seq, s.amount = seq, amount
	s.mu.Unlock()
}

func (s *tamperStore) rewrite(e *ledger.Entry) *ledger.Entry {
	s.mu.Lock()
	defer s.mu.Unlock()
	if e != nil && e.Sequence == s.seq {
		c := *e
		c.Snapshot.Amount = s.amount
		return &c
	}
	return e
}

func (s *tamperStore) Tail(ctx context.Context) (*ledger.Entry, error) {
	s.mu.Lock()
	err, shrink := s.tailErr, s.shrink
	s.mu.Unlock()
	if err != nil {
		return nil, err
	}
	if shrink > 0 {
		return s.MemoryStore.GetBySequence(ctx, shrink)
	}
	return s.MemoryStore.Tail(ctx)
}

func (s *tamperStore) GetBySequence(ctx context.Context, seq int64) (*ledger.Entry, error) {
	e, err := s.MemoryStore.GetBySequence(ctx, seq)
	return s.rewrite(e), err
}

func (s *tamperStore) Range(ctx context.Context, from int64, limit int) ([]*ledger.Entry, error) {
	entries, err := s.MemoryStore.Range(ctx, from, limit)
	for i, e := range entries {
		entries[i] = s.rewrite(e)
	}
	return entries, err
}

type recordingAlerter struct {
	mu     sync.Mutex
	titles []string
	levels []alerts.Level
}

func (r *recordingAlerter) Notify(_ context.Context, level alerts.Level, title, _ string, _ map[string]any) *alerts.Alert {
	r.mu.Lock()
	defer r.mu.Unlock()
	r.titles = append(r.titles, title)
	r.levels = append(r.levels, level)
	return &alerts.Alert{Level: level, Title: title}
}

func (r *recordingAlerter) count() int {
	r.mu.Lock()
	defer r.mu.Unlock()
	return len(r.titles)
}

type fixture struct {
	store   *tamperStore
	ledger  *ledger.Ledger
	alerter *recordingAlerter
	watcher *Watcher
}

func newFixture(t *testing.T, cfg Config) *fixture {
	t.Helper()
	store := &tamperStore{MemoryStore: ledger.NewMemoryStore()}
	l := ledger.New(store, slog.Default())
	a := &recordingAlerter{}
	return &fixture{store: store, ledger: l, alerter: a, watcher: New(l, a, cfg, slog.Default())}
}

func (f *fixture) append(t *testing.T, n int) {
	t.Helper()
	for i := range n {
		_, err := f.ledger.Append(context.Background(), ledger.AppendRequest{
			Snapshot:  ledger.Snapshot{Type: "WIRE_TRANSFER", Amount: fmt.Sprintf("%d.00", 100+i), Currency: "USD", Receiver: "acct-001"},
			RiskScore: 80,
			Status:    ledger.StatusExecuted,
		})
		require.NoError(t, err)
	}
}

func TestCheck_AdvancesIncrementally(t *testing.T) {
	f := newFixture(t, Config{BatchSize: 3})
	ctx := context.Background()

	require.NoError(t, f.watcher.Check(ctx))
	assert.Equal(t, int64(0), f.watcher.Status().VerifiedThrough, "empty chain")

	f.append(t, 5)
	require.NoError(t, f.watcher.Check(ctx))
	assert.Equal(t, int64(3), f.watcher.Status().VerifiedThrough, "one batch per poll")
	require.NoError(t, f.watcher.Check(ctx))

	st := f.watcher.Status()
	assert.Equal(t, int64(5), st.VerifiedThrough)
	assert.True(t, st.Healthy)
	assert.Equal(t, int64(3), st.Polls)
	assert.False(t, st.LastCheck.IsZero())
	assert.Zero(t, f.alerter.count())
}

func TestCheck_NewEntryTampered(t *testing.T) {
	f := newFixture(t, Config{})
	ctx := context.Background()
	f.append(t, 2)
	require.NoError(t, f.watcher.Check(ctx))

	f.append(t, 2)
	f.store.tamper(4, "1.00")
	require.NoError(t, f.watcher.Check(ctx))
	require.NoError(t, f.watcher.Check(ctx))

	st := f.watcher.Status()
	assert.False(t, st.Healthy)
	assert.Equal(t, int64(2), st.VerifiedThrough, "does not advance past a violation")
	require.NotNil(t, st.Violation)
	assert.Equal(t, ledger.ViolationHashMismatch, st.Violation.Kind)
	assert.Equal(t, []string{"Ledger integrity violation"}, f.alerter.titles, "alerted once")
	assert.Equal(t, alerts.LevelSecurity, f.alerter.levels[0])
}

func TestCheck_RescanCatchesOldEdit(t *testing.T) {
	f := newFixture(t, Config{RescanEvery: 2})
	ctx := context.Background()
	f.append(t, 4)
	require.NoError(t, f.watcher.Check(ctx))
	require.Equal(t, int64(4), f.watcher.Status().VerifiedThrough)

	f.store.tamper(2, "999999.00")
	require.NoError(t, f.watcher.Check(ctx), "second poll is a rescan")

	st := f.watcher.Status()
	assert.False(t, st.Healthy)
	require.NotNil(t, st.Violation)
	assert.Equal(t, 1, f.alerter.count())
}

func TestCheck_RecoversAfterRepair(t *testing.T) {
	f := newFixture(t, Config{})
	ctx := context.Background()
	f.append(t, 3)
	f.store.tamper(3, "0.01")
	require.NoError(t, f.watcher.Check(ctx))
	require.False(t, f.watcher.Status().Healthy)

	f.store.tamper(0, "")
	require.NoError(t, f.watcher.Check(ctx))
	st := f.watcher.Status()
	assert.True(t, st.Healthy)
	assert.Nil(t, st.Violation)
	assert.Equal(t, int64(3), st.VerifiedThrough)
}

func TestCheck_Truncation(t *testing.T) {
	f := newFixture(t, Config{})
	ctx := context.Background()
	f.append(t, 5)
	require.NoError(t, f.watcher.Check(ctx))

	f.store.shrink = 3
	require.NoError(t, f.watcher.Check(ctx))
	assert.Equal(t, []string{"Ledger truncated"}, f.alerter.titles)
	assert.False(t, f.watcher.Status().Healthy)
}

func TestCheck_TailError(t *testing.T) {
	f := newFixture(t, Config{})
	f.store.tailErr = errors.New("connection reset")

	err := f.watcher.Check(context.Background())
	require.Error(t, err)
	assert.Contains(t, f.watcher.Status().LastError, "connection reset")
	assert.True(t, f.watcher.Status().Healthy, "read errors are not integrity failures")
}

func TestStartStop(t *testing.T) {
	f := newFixture(t, Config{PollInterval: 10 * time.Millisecond})
	f.append(t, 2)

	go f.watcher.Start(context.Background())
	require.Eventually(t, func() bool { return f.watcher.Status().VerifiedThrough == 2 }, time.Second, 5*time.Millisecond)
	f.watcher.Stop()
	assert.GreaterOrEqual(t, f.watcher.Status().Polls, int64(1))
}

func TestNew_Defaults(t *testing.T) {
	w := New(nil, nil, Config{}, slog.Default())
	assert.Equal(t, DefaultConfig().PollInterval, w.config.PollInterval)
	assert.Equal(t, DefaultConfig().BatchSize, w.config.BatchSize)
	assert.Zero(t, w.config.RescanEvery, "zero disables rescans")
}
