package firewall

import (
	"context"
	"encoding/hex"
	"errors"
	"sync"
	"testing"

	"github.com/shopspring/decimal"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/mbd888/qff/internal/alerts"
	"github.com/mbd888/qff/internal/ledger"
	"github.com/mbd888/qff/internal/quantum"
	"github.com/mbd888/qff/internal/rails"
	"github.com/mbd888/qff/internal/realtime"
	"github.com/mbd888/qff/internal/risk"
)

type fixedSource float64

func (f fixedSource) Float64() float64 { return float64(f) }

type recordedAlert struct {
	level alerts.Level
	title string
}

type recordingNotifier struct {
	mu     sync.Mutex
	alerts []recordedAlert
}

func (r *recordingNotifier) Notify(_ context.Context, level alerts.Level, title, _ string, _ map[string]any) *alerts.Alert {
	r.mu.Lock()
	defer r.mu.Unlock()
	r.alerts = append(r.alerts, recordedAlert{level, title})
	return &alerts.Alert{Level: level, Title: title}
}

func (r *recordingNotifier) levels() []alerts.Level {
	r.mu.Lock()
	defer r.mu.Unlock()
	out := make([]alerts.Level, 0, len(r.alerts))
	for _, a := range r.alerts {
		out = append(out, a.level)
	}
	return out
}

type recordingPublisher struct {
	mu     sync.Mutex
	events []realtime.EventType
}

func (p *recordingPublisher) Publish(eventType realtime.EventType, _ map[string]any) {
	p.mu.Lock()
	defer p.mu.Unlock()
	p.events = append(p.events, eventType)
}

type failingHistory struct{}

func (failingHistory) RecentAmounts(context.Context, int) ([]decimal.Decimal, error) {
	return nil, errors.New("history offline")
}

type fixture struct {
	svc       *Service
	ledger    *ledger.Ledger
	store     *ledger.MemoryStore
	keys      *quantum.KeyStore
	sessions  *quantum.Manager
	notifier  *recordingNotifier
	publisher *recordingPublisher
	executor  *rails.SimulatedExecutor
}

func newFixture(t *testing.T) *fixture {
	t.Helper()
	backend := quantum.NewSimulatedBackend()
	keys, err := quantum.NewKeyStore(backend, nil)
	require.NoError(t, err)
	require.NoError(t, keys.ProvisionDefaults())

	f := &fixture{
		store:     ledger.NewMemoryStore(),
		keys:      keys,
		sessions:  quantum.NewManager(backend, quantum.NewMemoryStore(), nil),
		notifier:  &recordingNotifier{},
		publisher: &recordingPublisher{},
		executor:  rails.NewSimulatedExecutor(nil),
	}
	f.ledger = ledger.New(f.store, nil)
	engine := risk.NewEngine(risk.NewMemoryStore(), nil).WithVelocitySource(fixedSource(0.1))
	f.svc = NewService(engine, f.sessions, f.ledger, f.executor, nil).
		WithNotifier(f.notifier).
		WithSigner(keys).
		WithPublisher(f.publisher)
	return f
}

func transfer(amount string, typ risk.TransactionType, receiver string) Request {
	return Request{Transaction: risk.Transaction{
		Sender:   "acct-sender",
		Receiver: receiver,
		Amount:   amount,
		Currency: "USD",
		Type:     typ,
	}}
}

func prob(p float64) *float64 { return &p }

func TestProcess_ExecutesAndAppends(t *testing.T) {
	f := newFixture(t)
	ctx := context.Background()

	res, err := f.svc.Process(ctx, transfer("15000.00", risk.TypeBankTransfer, "acct-clean"))
	require.NoError(t, err)

	assert.Equal(t, OutcomeExecuted, res.Outcome)
	assert.Regexp(t, `^tx_[0-9a-f]{24}$`, res.TransactionID)
	assert.Equal(t, 80, res.Assessment.Score)
	assert.Equal(t, risk.RecommendProceed, res.Assessment.Recommendation)
	require.NotNil(t, res.Session)
	assert.Equal(t, quantum.StatusEstablished, res.Session.Status)
	require.NotNil(t, res.Receipt)
	assert.Equal(t, rails.RailBank, res.Receipt.Rail)
	assert.Equal(t, int64(1), res.Sequence)
	assert.Equal(t, quantum.TxSigningKeyID, res.SignedWith)

	entry, err := f.store.Get(ctx, res.LedgerEntryID)
	require.NoError(t, err)
	assert.Equal(t, res.LedgerHash, entry.Hash)
	assert.Equal(t, ledger.GenesisHash, entry.PreviousHash)
	assert.Equal(t, ledger.StatusExecuted, entry.Status)
	assert.Equal(t, "15000", entry.Snapshot.Amount, "amounts are normalized")
	assert.Equal(t, "BANK_TRANSFER", entry.Snapshot.Type)
	assert.Equal(t, res.Session.SessionID, entry.SessionRef)
	assert.True(t, entry.QuantumProtected)

	sig, err := hex.DecodeString(entry.Signature)
	require.NoError(t, err)
	assert.NotEmpty(t, sig)

	assert.Empty(t, f.notifier.levels())
	assert.Equal(t, []realtime.EventType{realtime.EventSession, realtime.EventOutcome, realtime.EventLedgerEntry}, f.publisher.events)
	assert.Equal(t, Stats{Processed: 1, Executed: 1}, f.svc.Stats())
}

func TestProcess_KeepsCallerTransactionID(t *testing.T) {
	f := newFixture(t)
	req := transfer("10", risk.TypeUPIPayment, "merchant@upi")
	req.Transaction.ID = "tx_caller"

	res, err := f.svc.Process(context.Background(), req)
	require.NoError(t, err)
	assert.Equal(t, "tx_caller", res.TransactionID)
	assert.Equal(t, rails.RailUPI, res.Receipt.Rail)
}

func TestProcess_FlaggedStillExecutes(t *testing.T) {
	f := newFixture(t)
	ctx := context.Background()

	res, err := f.svc.Process(ctx, transfer("15000", risk.TypeCryptoTransfer, "0xabc123"))
	require.NoError(t, err)
	assert.Equal(t, OutcomeExecuted, res.Outcome)
	assert.Equal(t, 60, res.Assessment.Score)
	assert.Equal(t, risk.RecommendFlag, res.Assessment.Recommendation)
	assert.Equal(t, rails.RailBlockchain, res.Receipt.Rail)

	entry, err := f.store.Get(ctx, res.LedgerEntryID)
	require.NoError(t, err)
	assert.Equal(t, ledger.StatusFlagged, entry.Status)
	assert.Equal(t, []alerts.Level{alerts.LevelWarning}, f.notifier.levels())
}

func TestProcess_BlockedReceiverNeverReachesLedger(t *testing.T) {
	f := newFixture(t)
	ctx := context.Background()

	res, err := f.svc.Process(ctx, transfer("10", risk.TypeBankTransfer, "acct-UNVERIFIED-77"))
	require.NoError(t, err)
	assert.Equal(t, OutcomeBlocked, res.Outcome)
	assert.Equal(t, 0, res.Assessment.Score)
	assert.Nil(t, res.Session, "no key exchange for blocked transactions")
	assert.Empty(t, res.LedgerEntryID)

	n, err := f.store.Count(ctx)
	require.NoError(t, err)
	assert.Zero(t, n)
	assert.Equal(t, []alerts.Level{alerts.LevelCritical}, f.notifier.levels())
	assert.Equal(t, int64(1), f.svc.Stats().Blocked)
}

func TestProcess_InterceptedNeverReachesLedger(t *testing.T) {
	f := newFixture(t)
	ctx := context.Background()

	req := transfer("100", risk.TypeCardPayment, "merchant-1")
	req.InterceptProbability = prob(1)
	res, err := f.svc.Process(ctx, req)
	require.NoError(t, err)
	assert.Equal(t, OutcomeIntercepted, res.Outcome)
	require.NotNil(t, res.Session)
	assert.True(t, res.Session.Intercepted())
	assert.Nil(t, res.Receipt)

	n, err := f.store.Count(ctx)
	require.NoError(t, err)
	assert.Zero(t, n)
	assert.Equal(t, []alerts.Level{alerts.LevelSecurity}, f.notifier.levels())
}

func TestProcess_DefaultInterceptProbability(t *testing.T) {
	f := newFixture(t)
	f.svc.WithInterceptProbability(1)

	res, err := f.svc.Process(context.Background(), transfer("100", risk.TypeCardPayment, "merchant-1"))
	require.NoError(t, err)
	assert.Equal(t, OutcomeIntercepted, res.Outcome)

	req := transfer("100", risk.TypeCardPayment, "merchant-1")
	req.InterceptProbability = prob(0)
	res, err = f.svc.Process(context.Background(), req)
	require.NoError(t, err)
	assert.Equal(t, OutcomeExecuted, res.Outcome, "per-request probability overrides the default")
}

func TestProcess_RailFailureAbortsBeforeAppend(t *testing.T) {
	f := newFixture(t)
	f.executor.WithRailDown(rails.RailCard)
	ctx := context.Background()

	_, err := f.svc.Process(ctx, transfer("100", risk.TypeCardPayment, "merchant-1"))
	require.Error(t, err)
	assert.ErrorIs(t, err, rails.ErrRailUnavailable)

	n, err := f.store.Count(ctx)
	require.NoError(t, err)
	assert.Zero(t, n)
	assert.Equal(t, []alerts.Level{alerts.LevelWarning}, f.notifier.levels())
	assert.Equal(t, int64(1), f.svc.Stats().Failed)
}

func TestProcess_SigningFailureAborts(t *testing.T) {
	f := newFixture(t)
	require.NoError(t, f.keys.Delete(quantum.TxSigningKeyID))
	ctx := context.Background()

	_, err := f.svc.Process(ctx, transfer("100", risk.TypeBankTransfer, "acct-clean"))
	require.Error(t, err)
	assert.ErrorIs(t, err, quantum.ErrKeyInactive)

	n, err := f.store.Count(ctx)
	require.NoError(t, err)
	assert.Zero(t, n)
}

func TestProcess_HistoryFailureIsNotFatal(t *testing.T) {
	f := newFixture(t)
	f.svc.WithHistory(failingHistory{}, 10)

	res, err := f.svc.Process(context.Background(), transfer("100", risk.TypeBankTransfer, "acct-clean"))
	require.NoError(t, err)
	assert.Equal(t, OutcomeExecuted, res.Outcome)
}

func TestProcess_ConcurrentCallsKeepChainValid(t *testing.T) {
	f := newFixture(t)
	ctx := context.Background()

	const workers = 16
	var wg sync.WaitGroup
	errs := make(chan error, workers)
	for range workers {
		wg.Add(1)
		go func() {
			defer wg.Done()
			if _, err := f.svc.Process(ctx, transfer("250", risk.TypeBankTransfer, "acct-clean")); err != nil {
				errs <- err
			}
		}()
	}
	wg.Wait()
	close(errs)
	for err := range errs {
		t.Fatalf("process: %v", err)
	}

	res, err := f.ledger.VerifyChain(ctx, workers)
	require.NoError(t, err)
	assert.True(t, res.Valid, "%+v", res.Violations)
	assert.Equal(t, workers, res.Checked)
	assert.Equal(t, int64(workers), f.svc.Stats().Executed)
}

type failingInsertStore struct {
	*ledger.MemoryStore
}

func (failingInsertStore) Insert(context.Context, *ledger.Entry) error {
	return errors.New("disk full")
}

type countingExecutor struct {
	rails.Executor
	mu    sync.Mutex
	calls int
}

func (c *countingExecutor) Execute(ctx context.Context, order rails.Order) (*rails.Receipt, error) {
	c.mu.Lock()
	c.calls++
	c.mu.Unlock()
	return c.Executor.Execute(ctx, order)
}

func TestProcess_LedgerFailureAfterRailIsReported(t *testing.T) {
	f := newFixture(t)
	exec := &countingExecutor{Executor: f.executor}
	chain := ledger.New(failingInsertStore{ledger.NewMemoryStore()}, nil)
	engine := risk.NewEngine(risk.NewMemoryStore(), nil).WithVelocitySource(fixedSource(0.1))
	svc := NewService(engine, f.sessions, chain, exec, nil).
		WithNotifier(f.notifier).
		WithSigner(f.keys)

	_, err := svc.Process(context.Background(), transfer("100", risk.TypeBankTransfer, "acct-clean"))
	require.Error(t, err)

	var unrecorded *UnrecordedExecutionError
	require.ErrorAs(t, err, &unrecorded)
	require.NotNil(t, unrecorded.Receipt)
	assert.Regexp(t, `-[0-9a-f]{10}$`, unrecorded.Receipt.BackendRef)
	assert.Contains(t, err.Error(), unrecorded.Receipt.BackendRef)
	assert.Contains(t, err.Error(), "disk full")

	assert.Equal(t, 1, exec.calls)
	assert.Equal(t, []alerts.Level{alerts.LevelCritical}, f.notifier.levels())
	assert.Equal(t, int64(1), svc.Stats().Failed)
}
