// Package watcher tails the ledger and re-verifies new entries as they
// land, raising a security alert the first time a violation or a
// shrinking chain is seen. Verification resumes from the last verified
// sequence, and every RescanEvery polls the whole verified prefix is
// checked again to catch edits to old entries.
package watcher

import (
	"context"
	"fmt"
	"log/slog"
	"sync"
	"time"

	"github.com/mbd888/qff/internal/alerts"
	"github.com/mbd888/qff/internal/ledger"
)

// Chain is the part of *ledger.Ledger the watcher reads.
type Chain interface {
	Tail(ctx context.Context) (*ledger.Entry, error)
	VerifyFrom(ctx context.Context, fromSeq int64, limit int) (*ledger.VerifyResult, error)
}

// Alerter raises alerts. *alerts.Service satisfies it.
type Alerter interface {
	Notify(ctx context.Context, level alerts.Level, title, message string, meta map[string]any) *alerts.Alert
}

// Config controls polling.
type Config struct {
	PollInterval time.Duration
	BatchSize    int // entries verified per poll
	RescanEvery  int // polls between full rescans; 0 disables
}

// DefaultConfig returns the production polling settings.
func DefaultConfig() Config {
	return Config{
		PollInterval: 30 * time.Second,
		BatchSize:    1000,
		RescanEvery:  120,
	}
}

// Status is the watcher's view of the chain.
type Status struct {
	Healthy         bool              `json:"healthy"`
	VerifiedThrough int64             `json:"verifiedThrough"`
	Polls           int64             `json:"polls"`
	LastCheck       time.Time         `json:"lastCheck,omitzero"`
	LastError       string            `json:"lastError,omitempty"`
	Violation       *ledger.Violation `json:"violation,omitempty"`
}

// Watcher polls a Chain for integrity.
type Watcher struct {
	chain   Chain
	alerter Alerter
	config  Config
	logger  *slog.Logger
	now     func() time.Time

	run      sync.Mutex // serializes Check
	mu       sync.Mutex
	status   Status
	alerted  string // key of the last condition alerted on
	lastSeen int64  // highest sequence observed at the tail

	stop chan struct{}
	done chan struct{}
}

// New creates a watcher. alerter may be nil.
func New(chain Chain, alerter Alerter, cfg Config, logger *slog.Logger) *Watcher {
	def := DefaultConfig()
	if cfg.PollInterval <= 0 {
		cfg.PollInterval = def.PollInterval
	}
	if cfg.BatchSize <= 0 {
		cfg.BatchSize = def.BatchSize
	}
	return &Watcher{
		chain:   chain,
		alerter: alerter,
		config:  cfg,
		logger:  logger,
		now:     time.Now,
		status:  Status{Healthy: true},
		stop:    make(chan struct{}),
		done:    make(chan struct{}),
	}
}

// Start runs the poll loop until ctx is cancelled or Stop is called.
func (w *Watcher) Start(ctx context.Context) {
	defer close(w.done)
	w.logger.Info("ledger watcher started", "interval", w.config.PollInterval, "batch", w.config.BatchSize)

	ticker := time.NewTicker(w.config.PollInterval)
	defer ticker.Stop()

	for {
		if err := w.Check(ctx); err != nil && ctx.Err() == nil {
			w.logger.Error("ledger integrity check failed", "error", err)
		}
		select {
		case <-ctx.Done():
			return
		case <-w.stop:
			return
		case <-ticker.C:
		}
	}
}

// Stop ends a running Start loop and waits for it to exit.
func (w *Watcher) Stop() {
	close(w.stop)
	<-w.done
}

// Status returns a copy of the current status.
func (w *Watcher) Status() Status {
	w.mu.Lock()
	defer w.mu.Unlock()
	s := w.status
	if s.Violation != nil {
		v := *s.Violation
		s.Violation = &v
	}
	return s
}

// Check runs one poll: a full rescan when due, otherwise the entries
// appended since the last poll.
func (w *Watcher) Check(ctx context.Context) error {
	w.run.Lock()
	defer w.run.Unlock()

	w.mu.Lock()
	w.status.Polls++
	polls := w.status.Polls
	through := w.status.VerifiedThrough
	w.mu.Unlock()

	err := w.check(ctx, polls, through)

	w.mu.Lock()
	w.status.LastCheck = w.now().UTC()
	w.status.LastError = ""
	if err != nil {
		w.status.LastError = err.Error()
	}
	w.mu.Unlock()
	return err
}

func (w *Watcher) check(ctx context.Context, polls, through int64) error {
	tail, err := w.chain.Tail(ctx)
	if err != nil {
		return fmt.Errorf("read tail: %w", err)
	}
	var head int64
	if tail != nil {
		head = tail.Sequence
	}

	if head < w.lastSeen {
		w.raise(ctx, fmt.Sprintf("shrink:%d", head), "Ledger truncated",
			fmt.Sprintf("Chain length fell from %d to %d entries", w.lastSeen, head),
			map[string]any{"previousLength": w.lastSeen, "length": head}, nil)
		w.lastSeen = head
		return nil
	}
	w.lastSeen = head

	if w.config.RescanEvery > 0 && polls%int64(w.config.RescanEvery) == 0 && through > 0 {
		result, err := w.chain.VerifyFrom(ctx, 1, int(through))
		if err != nil {
			return fmt.Errorf("rescan: %w", err)
		}
		if !result.Valid {
			w.violation(ctx, 1, result)
			return nil
		}
	}

	if head <= through {
		return nil
	}
	from := through + 1
	result, err := w.chain.VerifyFrom(ctx, from, w.config.BatchSize)
	if err != nil {
		return fmt.Errorf("verify from %d: %w", from, err)
	}
	if !result.Valid {
		w.violation(ctx, from, result)
		return nil
	}

	w.mu.Lock()
	w.status.VerifiedThrough = from + int64(result.Checked) - 1
	w.status.Healthy = true
	w.status.Violation = nil
	w.alerted = ""
	w.mu.Unlock()
	return nil
}

// violation records the first violation of result, whose window begins
// at sequence from, and alerts once per distinct violation.
func (w *Watcher) violation(ctx context.Context, from int64, result *ledger.VerifyResult) {
	v := result.Violations[0]
	seq := from + int64(v.Index)
	w.raise(ctx, v.Kind+":"+v.EntryID, "Ledger integrity violation",
		fmt.Sprintf("%s at sequence %d (%s): %s", v.Kind, seq, v.EntryID, v.Detail),
		map[string]any{"sequence": seq, "entryId": v.EntryID, "kind": v.Kind, "violations": len(result.Violations)},
		&v)
}

func (w *Watcher) raise(ctx context.Context, key, title, message string, meta map[string]any, v *ledger.Violation) {
	w.mu.Lock()
	w.status.Healthy = false
	w.status.Violation = v
	repeat := w.alerted == key
	w.alerted = key
	w.mu.Unlock()

	if repeat {
		return
	}
	w.logger.Error(title, "detail", message)
	if w.alerter != nil {
		w.alerter.Notify(ctx, alerts.LevelSecurity, title, message, meta)
	}
}
