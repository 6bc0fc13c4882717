// Package firewall runs a transaction through the full protection pipeline:
// risk scoring, quantum-safe session establishment, payload sealing and
// signing, rail execution, and the hash-chained ledger.
package firewall

import (
	"context"
	"encoding/hex"
	"encoding/json"
	"fmt"
	"log/slog"
	"sync/atomic"
	"time"

	"github.com/shopspring/decimal"

	"github.com/mbd888/qff/internal/alerts"
	"github.com/mbd888/qff/internal/idgen"
	"github.com/mbd888/qff/internal/ledger"
	"github.com/mbd888/qff/internal/logging"
	"github.com/mbd888/qff/internal/metrics"
	"github.com/mbd888/qff/internal/quantum"
	"github.com/mbd888/qff/internal/rails"
	"github.com/mbd888/qff/internal/realtime"
	"github.com/mbd888/qff/internal/risk"
	"github.com/mbd888/qff/internal/traces"
)

// DefaultHistoryWindow is how many trailing amounts feed the outlier refit.
const DefaultHistoryWindow = 500

// HistoryProvider supplies recent transaction amounts, most recent first.
type HistoryProvider interface {
	RecentAmounts(ctx context.Context, limit int) ([]decimal.Decimal, error)
}

// Notifier raises alerts. Implementations must not block on delivery.
type Notifier interface {
	Notify(ctx context.Context, level alerts.Level, title, message string, meta map[string]any) *alerts.Alert
}

// PayloadSigner signs ledger-bound payloads with a named custody key.
type PayloadSigner interface {
	Sign(keyID string, msg []byte) ([]byte, error)
}

// Publisher mirrors pipeline events onto a live feed.
type Publisher interface {
	Publish(eventType realtime.EventType, data map[string]any)
}

// Outcome is the terminal state of a processed transaction.
type Outcome string

const (
	OutcomeExecuted    Outcome = "EXECUTED"
	OutcomeBlocked     Outcome = "BLOCKED"
	OutcomeIntercepted Outcome = "INTERCEPTED"
)

// UnrecordedExecutionError is returned when a rail executed the transfer
// but the ledger append failed. Receipt identifies the settled transfer so
// it can be reconciled by hand.
type UnrecordedExecutionError struct {
	Receipt *rails.Receipt
	Err     error
}

func (e *UnrecordedExecutionError) Error() string {
	return fmt.Sprintf("append to ledger after %s execution %s: %v", e.Receipt.Rail, e.Receipt.BackendRef, e.Err)
}

func (e *UnrecordedExecutionError) Unwrap() error { return e.Err }

// Request is a transaction submitted for execution. A nil
// InterceptProbability uses the service default.
type Request struct {
	Transaction          risk.Transaction
	InterceptProbability *float64
}

// Result describes what the pipeline did with a transaction. BLOCKED and
// INTERCEPTED are successful results, not errors.
type Result struct {
	TransactionID string                 `json:"transactionId"`
	Outcome       Outcome                `json:"outcome"`
	Message       string                 `json:"message"`
	Assessment    *risk.Assessment       `json:"assessment"`
	Session       *quantum.SessionResult `json:"session,omitempty"`
	Receipt       *rails.Receipt         `json:"receipt,omitempty"`
	LedgerEntryID string                 `json:"ledgerEntryId,omitempty"`
	LedgerHash    string                 `json:"ledgerHash,omitempty"`
	Sequence      int64                  `json:"sequence,omitempty"`
	SignedWith    string                 `json:"signedWith,omitempty"`
	ProcessedAt   time.Time              `json:"processedAt"`
}

// Stats counts pipeline outcomes since start.
type Stats struct {
	Processed   int64 `json:"processed"`
	Executed    int64 `json:"executed"`
	Blocked     int64 `json:"blocked"`
	Intercepted int64 `json:"intercepted"`
	Failed      int64 `json:"failed"`
}

// Service is the orchestrator.
type Service struct {
	engine   *risk.Engine
	sessions *quantum.Manager
	ledger   *ledger.Ledger
	executor rails.Executor

	history       HistoryProvider
	historyWindow int
	notifier      Notifier
	signer        PayloadSigner
	publisher     Publisher
	interceptProb float64
	logger        *slog.Logger

	processed, executed, blocked, intercepted, failed atomic.Int64
}

// NewService wires the pipeline. The ledger doubles as the history
// provider until WithHistory says otherwise.
func NewService(engine *risk.Engine, sessions *quantum.Manager, chain *ledger.Ledger, executor rails.Executor, logger *slog.Logger) *Service {
	if logger == nil {
		logger = slog.Default()
	}
	return &Service{
		engine:        engine,
		sessions:      sessions,
		ledger:        chain,
		executor:      executor,
		history:       chain,
		historyWindow: DefaultHistoryWindow,
		logger:        logger,
	}
}

// WithHistory replaces the history provider and window.
func (s *Service) WithHistory(h HistoryProvider, window int) *Service {
	s.history = h
	if window > 0 {
		s.historyWindow = window
	}
	return s
}

// WithNotifier sets where blocks, interceptions and failures are reported.
func (s *Service) WithNotifier(n Notifier) *Service {
	s.notifier = n
	return s
}

// WithSigner signs every executed payload with quantum.TxSigningKeyID.
func (s *Service) WithSigner(signer PayloadSigner) *Service {
	s.signer = signer
	return s
}

// WithPublisher mirrors outcomes onto a live feed.
func (s *Service) WithPublisher(p Publisher) *Service {
	s.publisher = p
	return s
}

// WithInterceptProbability sets the default interception probability.
func (s *Service) WithInterceptProbability(p float64) *Service {
	s.interceptProb = p
	return s
}

// Ledger returns the chain the service appends to.
func (s *Service) Ledger() *ledger.Ledger { return s.ledger }

// Sessions returns the quantum session manager.
func (s *Service) Sessions() *quantum.Manager { return s.sessions }

// Stats returns a snapshot of outcome counters.
func (s *Service) Stats() Stats {
	return Stats{
		Processed:   s.processed.Load(),
		Executed:    s.executed.Load(),
		Blocked:     s.blocked.Load(),
		Intercepted: s.intercepted.Load(),
		Failed:      s.failed.Load(),
	}
}

// Process runs one transaction through the pipeline. Errors are hard
// failures (key exchange, sealing, signing, rail or ledger); nothing is
// appended to the ledger when an error is returned.
func (s *Service) Process(ctx context.Context, req Request) (*Result, error) {
	tx := req.Transaction
	if tx.ID == "" {
		tx.ID = idgen.WithPrefix(idgen.PrefixTx)
	}
	ctx = logging.WithTransactionID(ctx, tx.ID)
	ctx, span := traces.StartSpan(ctx, "firewall.Process",
		traces.TransactionType(string(tx.Type)),
		traces.Amount(tx.Amount),
	)
	defer span.End()
	log := logging.L(ctx)
	s.processed.Add(1)
	start := time.Now()

	result, err := s.process(ctx, tx, req.InterceptProbability, log)
	if err != nil {
		s.failed.Add(1)
		metrics.PipelineOutcomesTotal.WithLabelValues("FAILED").Inc()
		metrics.PipelineDuration.WithLabelValues("FAILED").Observe(time.Since(start).Seconds())
		traces.Fail(span, err)
		log.Error("transaction pipeline failed", "error", err)
		return nil, err
	}

	metrics.PipelineOutcomesTotal.WithLabelValues(string(result.Outcome)).Inc()
	metrics.PipelineDuration.WithLabelValues(string(result.Outcome)).Observe(time.Since(start).Seconds())
	s.publish(result, tx)
	log.Info("transaction processed",
		"outcome", result.Outcome,
		"score", result.Assessment.Score,
		"entry_id", result.LedgerEntryID,
	)
	return result, nil
}

func (s *Service) process(ctx context.Context, tx risk.Transaction, interceptProb *float64, log *slog.Logger) (*Result, error) {
	var history []decimal.Decimal
	if s.history != nil {
		h, err := s.history.RecentAmounts(ctx, s.historyWindow)
		if err != nil {
			log.Warn("history unavailable, scoring without refit", "error", err)
		} else {
			history = h
		}
	}

	assessment := s.engine.Analyze(ctx, tx, history)
	result := &Result{
		TransactionID: tx.ID,
		Assessment:    assessment,
		ProcessedAt:   time.Now().UTC(),
	}

	switch assessment.Recommendation {
	case risk.RecommendBlock:
		s.blocked.Add(1)
		s.notify(ctx, alerts.LevelCritical, "Transaction blocked",
			fmt.Sprintf("score=%d level=%s", assessment.Score, assessment.Level),
			map[string]any{"transactionId": tx.ID, "receiver": tx.Receiver, "factors": assessment.Factors})
		result.Outcome = OutcomeBlocked
		result.Message = "Transaction blocked by risk engine"
		return result, nil
	case risk.RecommendFlag:
		s.notify(ctx, alerts.LevelWarning, "Transaction flagged",
			fmt.Sprintf("score=%d level=%s", assessment.Score, assessment.Level),
			map[string]any{"transactionId": tx.ID, "factors": assessment.Factors})
	}

	p := s.interceptProb
	if interceptProb != nil {
		p = *interceptProb
	}
	session, err := s.sessions.Establish(ctx, quantum.EstablishRequest{InterceptProbability: p})
	if err != nil {
		return nil, fmt.Errorf("establish session: %w", err)
	}
	result.Session = session
	if session.Intercepted() {
		s.intercepted.Add(1)
		s.notify(ctx, alerts.LevelSecurity, "Quantum interception",
			"Key exchange interception detected; transaction not executed",
			map[string]any{"transactionId": tx.ID, "sessionId": session.SessionID, "probability": p})
		result.Outcome = OutcomeIntercepted
		result.Message = "Key exchange intercepted; transaction aborted"
		return result, nil
	}

	payload, err := json.Marshal(tx)
	if err != nil {
		return nil, fmt.Errorf("encode payload: %w", err)
	}
	sealed, err := s.sessions.Encrypt(ctx, session.SessionID, payload)
	if err != nil {
		return nil, fmt.Errorf("seal payload: %w", err)
	}

	var signature string
	if s.signer != nil {
		sig, err := s.signer.Sign(quantum.TxSigningKeyID, payload)
		if err != nil {
			return nil, fmt.Errorf("sign payload: %w", err)
		}
		signature = hex.EncodeToString(sig)
		result.SignedWith = quantum.TxSigningKeyID
	}

	amount, amountErr := decimal.NewFromString(tx.Amount)
	receipt, err := s.executor.Execute(ctx, rails.Order{
		Type:     string(tx.Type),
		Amount:   amount,
		Currency: tx.Currency,
		Receiver: tx.Receiver,
		Sealed:   sealed.Ciphertext,
	})
	if err != nil {
		s.notify(ctx, alerts.LevelWarning, "Rail execution failed", err.Error(),
			map[string]any{"transactionId": tx.ID, "rail": string(rails.DecideRail(string(tx.Type)))})
		return nil, fmt.Errorf("execute on rail: %w", err)
	}
	result.Receipt = receipt

	snapshotAmount := tx.Amount
	if amountErr == nil {
		snapshotAmount = amount.String()
	}
	status := ledger.StatusExecuted
	if assessment.Recommendation == risk.RecommendFlag {
		status = ledger.StatusFlagged
	}
	entry, err := s.ledger.Append(ctx, ledger.AppendRequest{
		Snapshot: ledger.Snapshot{
			Type:     string(tx.Type.Normalize()),
			Amount:   snapshotAmount,
			Currency: tx.Currency,
			Receiver: tx.Receiver,
		},
		RiskScore:        assessment.Score,
		Status:           status,
		SessionRef:       session.SessionID,
		QuantumProtected: true,
		Signature:        signature,
	})
	if err != nil {
		s.notify(ctx, alerts.LevelCritical, "Executed transaction not recorded",
			fmt.Sprintf("rail %s settled %s but the ledger append failed: %v", receipt.Rail, receipt.BackendRef, err),
			map[string]any{
				"transactionId":    tx.ID,
				"rail":             string(receipt.Rail),
				"backendReference": receipt.BackendRef,
				"sessionId":        session.SessionID,
			})
		return nil, &UnrecordedExecutionError{Receipt: receipt, Err: err}
	}

	s.executed.Add(1)
	result.Outcome = OutcomeExecuted
	result.Message = "Transaction executed over quantum-safe channel"
	result.LedgerEntryID = entry.ID
	result.LedgerHash = entry.Hash
	result.Sequence = entry.Sequence
	return result, nil
}

func (s *Service) notify(ctx context.Context, level alerts.Level, title, message string, meta map[string]any) {
	if s.notifier == nil {
		return
	}
	s.notifier.Notify(ctx, level, title, message, meta)
}

func (s *Service) publish(r *Result, tx risk.Transaction) {
	if s.publisher == nil {
		return
	}
	if r.Session != nil {
		s.publisher.Publish(realtime.EventSession, map[string]any{
			"sessionId": r.Session.SessionID,
			"status":    string(r.Session.Status),
			"algorithm": r.Session.Algorithm,
		})
	}
	s.publisher.Publish(realtime.EventOutcome, map[string]any{
		"transactionId": r.TransactionID,
		"outcome":       string(r.Outcome),
		"type":          string(tx.Type),
		"amount":        tx.Amount,
		"score":         r.Assessment.Score,
		"level":         string(r.Assessment.Level),
	})
	if r.LedgerEntryID != "" {
		s.publisher.Publish(realtime.EventLedgerEntry, map[string]any{
			"entryId":  r.LedgerEntryID,
			"sequence": r.Sequence,
			"hash":     r.LedgerHash,
		})
	}
}
