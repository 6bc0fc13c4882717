package ledger

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"time"

	"github.com/shopspring/decimal"

	"github.com/mbd888/qff/internal/idgen"
	"github.com/mbd888/qff/internal/retry"
	"github.com/mbd888/qff/internal/syncutil"
	"github.com/mbd888/qff/internal/traces"
)

// DefaultVerifyLimit is how many entries VerifyChain walks when no limit is given.
const DefaultVerifyLimit = 100

const (
	appendAttempts  = 3
	appendBaseDelay = 5 * time.Millisecond
)

// Store persists chain entries. Insert must reject an entry whose sequence
// or previous hash is already taken by returning ErrConflict.
type Store interface {
	Insert(ctx context.Context, e *Entry) error
	Tail(ctx context.Context) (*Entry, error) // nil, nil on an empty chain
	Get(ctx context.Context, id string) (*Entry, error)
	GetBySequence(ctx context.Context, seq int64) (*Entry, error)
	Range(ctx context.Context, fromSeq int64, limit int) ([]*Entry, error) // ascending sequence
	Recent(ctx context.Context, limit int) ([]*Entry, error)               // descending sequence
	Count(ctx context.Context) (int64, error)
}

// AppendRequest carries everything an entry records except chain metadata.
type AppendRequest struct {
	Snapshot         Snapshot
	RiskScore        int
	Status           string
	SessionRef       string
	QuantumProtected bool
	Signature        string
}

// Ledger is the hash-chained transaction log.
type Ledger struct {
	store  Store
	mu     *syncutil.Mutex // serializes tail read + insert
	now    func() time.Time
	logger *slog.Logger
}

// New creates a ledger over store.
func New(store Store, logger *slog.Logger) *Ledger {
	if logger == nil {
		logger = slog.Default()
	}
	return &Ledger{store: store, mu: syncutil.NewMutex(), now: time.Now, logger: logger}
}

// WithClock overrides the entry timestamp source.
func (l *Ledger) WithClock(now func() time.Time) *Ledger {
	l.now = now
	return l
}

// Store returns the underlying store.
func (l *Ledger) Store() Store {
	return l.store
}

// Append links a new entry to the current tail and stores it.
func (l *Ledger) Append(ctx context.Context, req AppendRequest) (*Entry, error) {
	defer observeOp("append")()
	ctx, span := traces.StartSpan(ctx, "ledger.Append")
	defer span.End()

	if err := l.mu.Lock(ctx); err != nil {
		return nil, fmt.Errorf("waiting to append: %w", err)
	}
	defer l.mu.Unlock()

	entry, err := retry.Value(ctx, appendAttempts, appendBaseDelay, func() (*Entry, error) {
		tail, err := l.store.Tail(ctx)
		if err != nil {
			return nil, retry.Permanent(fmt.Errorf("failed to read chain tail: %w", err))
		}

		e := &Entry{
			ID:               idgen.WithPrefix(idgen.PrefixLedger),
			Sequence:         1,
			Snapshot:         req.Snapshot,
			RiskScore:        req.RiskScore,
			Status:           req.Status,
			SessionRef:       req.SessionRef,
			QuantumProtected: req.QuantumProtected,
			Signature:        req.Signature,
			// Postgres keeps microseconds; truncating keeps digests stable across a round trip.
			CreatedAt:    l.now().UTC().Truncate(time.Microsecond),
			PreviousHash: GenesisHash,
		}
		if tail != nil {
			e.Sequence = tail.Sequence + 1
			e.PreviousHash = tail.Hash
		}
		e.Hash = e.ComputeHash()

		if err := l.store.Insert(ctx, e); err != nil {
			if errors.Is(err, ErrConflict) {
				AppendConflictsTotal.Inc()
				l.logger.Warn("ledger append conflict, retrying", "sequence", e.Sequence)
				return nil, err
			}
			return nil, retry.Permanent(err)
		}
		return e, nil
	})
	if err != nil {
		traces.Fail(span, err)
		return nil, err
	}

	span.SetAttributes(traces.LedgerEntryID(entry.ID))
	ChainLength.Set(float64(entry.Sequence))
	l.logger.Info("ledger entry appended",
		"entry_id", entry.ID,
		"sequence", entry.Sequence,
		"status", entry.Status,
	)
	return entry, nil
}

// Violation kinds reported by VerifyChain.
const (
	ViolationHashMismatch  = "hash_mismatch"
	ViolationBrokenLink    = "broken_link"
	ViolationDuplicateHash = "duplicate_hash"
	ViolationSequenceGap   = "sequence_gap"
)

// Violation describes one integrity failure. Index is the position within
// the verified window.
type Violation struct {
	Index   int    `json:"index"`
	EntryID string `json:"entryId"`
	Kind    string `json:"kind"`
	Detail  string `json:"detail"`
}

// VerifyResult summarizes a chain walk.
type VerifyResult struct {
	Valid      bool        `json:"valid"`
	Checked    int         `json:"checked"`
	Violations []Violation `json:"violations"`
	HeadHash   string      `json:"headHash,omitempty"`
	VerifiedAt time.Time   `json:"verifiedAt"`
}

// VerifyChain walks the chain from genesis, oldest first, checking up to
// limit entries (DefaultVerifyLimit when limit <= 0).
func (l *Ledger) VerifyChain(ctx context.Context, limit int) (*VerifyResult, error) {
	return l.VerifyFrom(ctx, 1, limit)
}

// VerifyTail checks the most recent n entries. The first entry of the window
// is linked against its stored predecessor.
func (l *Ledger) VerifyTail(ctx context.Context, n int) (*VerifyResult, error) {
	if n <= 0 {
		n = DefaultVerifyLimit
	}
	tail, err := l.store.Tail(ctx)
	if err != nil {
		return nil, fmt.Errorf("failed to read chain tail: %w", err)
	}
	from := int64(1)
	if tail != nil {
		from = max(1, tail.Sequence-int64(n)+1)
	}
	return l.VerifyFrom(ctx, from, n)
}

// VerifyFrom checks up to limit entries starting at sequence fromSeq.
// Digests are always recomputed; stored hashes are only compared, never
// trusted for linkage.
func (l *Ledger) VerifyFrom(ctx context.Context, fromSeq int64, limit int) (*VerifyResult, error) {
	defer observeOp("verify")()
	ctx, span := traces.StartSpan(ctx, "ledger.VerifyChain")
	defer span.End()

	if limit <= 0 {
		limit = DefaultVerifyLimit
	}
	if fromSeq < 1 {
		fromSeq = 1
	}

	entries, err := l.store.Range(ctx, fromSeq, limit)
	if err != nil {
		traces.Fail(span, err)
		return nil, fmt.Errorf("failed to read chain: %w", err)
	}

	expectedPrev := GenesisHash
	expectedSeq := fromSeq
	if fromSeq > 1 {
		prev, err := l.store.GetBySequence(ctx, fromSeq-1)
		switch {
		case errors.Is(err, ErrEntryNotFound):
			expectedPrev = ""
		case err != nil:
			traces.Fail(span, err)
			return nil, fmt.Errorf("failed to read predecessor: %w", err)
		default:
			expectedPrev = prev.ComputeHash()
		}
	}

	result := &VerifyResult{
		Checked:    len(entries),
		Violations: []Violation{},
		VerifiedAt: time.Now().UTC(),
	}
	seen := make(map[string]string, len(entries))

	for i, e := range entries {
		add := func(kind, detail string) {
			result.Violations = append(result.Violations, Violation{
				Index: i, EntryID: e.ID, Kind: kind, Detail: detail,
			})
		}

		digest := e.ComputeHash()
		if digest != e.Hash {
			add(ViolationHashMismatch, fmt.Sprintf("stored %s, recomputed %s", short(e.Hash), short(digest)))
		}
		if expectedPrev != "" && e.PreviousHash != expectedPrev {
			add(ViolationBrokenLink, fmt.Sprintf("previous hash %s, predecessor digest %s",
				short(e.PreviousHash), short(expectedPrev)))
		}
		if e.Sequence != expectedSeq {
			add(ViolationSequenceGap, fmt.Sprintf("expected sequence %d, found %d", expectedSeq, e.Sequence))
		}
		if other, dup := seen[e.Hash]; dup {
			add(ViolationDuplicateHash, "hash also stored on "+other)
		} else {
			seen[e.Hash] = e.ID
		}

		expectedPrev = digest
		expectedSeq = e.Sequence + 1
		result.HeadHash = e.Hash
	}

	result.Valid = len(result.Violations) == 0
	if !result.Valid {
		ChainViolationsTotal.Add(float64(len(result.Violations)))
		l.logger.Error("ledger integrity violation",
			"violations", len(result.Violations),
			"first_kind", result.Violations[0].Kind,
			"first_entry", result.Violations[0].EntryID,
		)
	}
	return result, nil
}

// AuditTrail is the integrity view of a single entry.
type AuditTrail struct {
	Entry         *Entry `json:"entry"`
	PreviousHash  string `json:"previousHash"`
	PredecessorID string `json:"predecessorId,omitempty"`
	ComputedHash  string `json:"computedHash"`
	HashValid     bool   `json:"hashValid"`
	LinkValid     bool   `json:"linkValid"`
}

// GetAuditTrail returns an entry with its own digest and link checked.
func (l *Ledger) GetAuditTrail(ctx context.Context, id string) (*AuditTrail, error) {
	defer observeOp("audit")()

	e, err := l.store.Get(ctx, id)
	if err != nil {
		return nil, err
	}

	trail := &AuditTrail{
		Entry:        e,
		PreviousHash: e.PreviousHash,
		ComputedHash: e.ComputeHash(),
	}
	trail.HashValid = trail.ComputedHash == e.Hash

	if e.Sequence <= 1 {
		trail.LinkValid = e.PreviousHash == GenesisHash
		return trail, nil
	}
	prev, err := l.store.GetBySequence(ctx, e.Sequence-1)
	if errors.Is(err, ErrEntryNotFound) {
		return trail, nil
	}
	if err != nil {
		return nil, fmt.Errorf("failed to read predecessor: %w", err)
	}
	trail.PredecessorID = prev.ID
	trail.LinkValid = prev.ComputeHash() == e.PreviousHash
	return trail, nil
}

// Recent returns up to limit entries, newest first.
func (l *Ledger) Recent(ctx context.Context, limit int) ([]*Entry, error) {
	return l.store.Recent(ctx, limit)
}

// After returns up to limit entries with sequence greater than seq,
// oldest first.
func (l *Ledger) After(ctx context.Context, seq int64, limit int) ([]*Entry, error) {
	return l.store.Range(ctx, seq+1, limit)
}

// RecentAmounts returns the amounts of the newest entries, most recent
// first. Amounts that do not parse are skipped.
func (l *Ledger) RecentAmounts(ctx context.Context, limit int) ([]decimal.Decimal, error) {
	entries, err := l.store.Recent(ctx, limit)
	if err != nil {
		return nil, err
	}
	amounts := make([]decimal.Decimal, 0, len(entries))
	for _, e := range entries {
		d, err := decimal.NewFromString(e.Snapshot.Amount)
		if err != nil {
			continue
		}
		amounts = append(amounts, d)
	}
	return amounts, nil
}

// Tail returns the newest entry, or nil when the chain is empty.
func (l *Ledger) Tail(ctx context.Context) (*Entry, error) {
	return l.store.Tail(ctx)
}

// Count returns the chain length.
func (l *Ledger) Count(ctx context.Context) (int64, error) {
	return l.store.Count(ctx)
}

func short(h string) string {
	if len(h) > 12 {
		return h[:12]
	}
	return h
}
