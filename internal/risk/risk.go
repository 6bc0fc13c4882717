// Package risk implements explainable fraud-risk scoring for transactions.
//
// Every transaction starts from a base score of 95 and loses points for
// rule hits: invalid or high-value amounts, statistically anomalous amounts,
// irreversible or cross-border transaction types, and simulated velocity
// spikes. A receiver on the flagged list forces the score to zero. Scores
// map onto a risk level and a recommendation (BLOCK, FLAG, PROCEED).
package risk

import (
	"bytes"
	"context"
	"encoding/json"
	"errors"
	"strings"
	"time"

	"github.com/mbd888/qff/internal/validation"
)

// TransactionType enumerates the supported payment types.
type TransactionType string

const (
	TypeBankTransfer   TransactionType = "BANK_TRANSFER"
	TypeUPIPayment     TransactionType = "UPI_PAYMENT"
	TypeCardPayment    TransactionType = "CARD_PAYMENT"
	TypeCryptoTransfer TransactionType = "CRYPTO_TRANSFER"
	TypeSmartContract  TransactionType = "SMART_CONTRACT"
	TypeForexPayment   TransactionType = "FOREX_PAYMENT"
	TypeWireTransfer   TransactionType = "WIRE_TRANSFER"
	TypeACHTransfer    TransactionType = "ACH_TRANSFER"
	TypeSEPATransfer   TransactionType = "SEPA_TRANSFER"
	TypeSWIFTPayment   TransactionType = "SWIFT_PAYMENT"
)

// AllTypes lists every known transaction type in display order.
var AllTypes = []TransactionType{
	TypeBankTransfer, TypeUPIPayment, TypeCardPayment, TypeCryptoTransfer,
	TypeSmartContract, TypeForexPayment, TypeWireTransfer, TypeACHTransfer,
	TypeSEPATransfer, TypeSWIFTPayment,
}

// Normalize upper-cases and trims a raw type string.
func (t TransactionType) Normalize() TransactionType {
	return TransactionType(strings.ToUpper(strings.TrimSpace(string(t))))
}

// Known reports whether t is one of AllTypes.
func (t TransactionType) Known() bool {
	n := t.Normalize()
	for _, k := range AllTypes {
		if k == n {
			return true
		}
	}
	return false
}

// Level is the coarse risk band derived from a score.
type Level string

const (
	LevelCritical Level = "CRITICAL"
	LevelHigh     Level = "HIGH"
	LevelMedium   Level = "MEDIUM"
	LevelLow      Level = "LOW"
)

// Recommendation is the action the orchestrator should take.
type Recommendation string

const (
	RecommendBlock   Recommendation = "BLOCK"
	RecommendFlag    Recommendation = "FLAG"
	RecommendProceed Recommendation = "PROCEED"
)

// Score bounds and band edges.
const (
	BaseScore = 95
	MinScore  = 0
	MaxScore  = 100

	criticalBelow = 50
	highBelow     = 70
	mediumBelow   = 85
)

// Explainability categories.
const (
	ExplainAmount   = "amount"
	ExplainType     = "type"
	ExplainReceiver = "receiver"
	ExplainAnomaly  = "anomaly"
	ExplainVelocity = "velocity"
)

// Classify maps a score onto its level and recommendation.
func Classify(score int) (Level, Recommendation) {
	switch {
	case score < criticalBelow:
		return LevelCritical, RecommendBlock
	case score < highBelow:
		return LevelHigh, RecommendFlag
	case score < mediumBelow:
		return LevelMedium, RecommendProceed
	default:
		return LevelLow, RecommendProceed
	}
}

// Transaction is the immutable input to scoring.
type Transaction struct {
	ID       string          `json:"id,omitempty"`
	Sender   string          `json:"sender"`
	Receiver string          `json:"receiver"`
	Amount   string          `json:"amount"`
	Currency string          `json:"currency"`
	Type     TransactionType `json:"type"`
}

// Field limits shared with the transaction schema.
const (
	maxIDLength       = 64
	maxPartyLength    = 256
	maxAmountLength   = 64
	maxCurrencyLength = 8
	maxTypeLength     = 32
)

// Sanitize trims identifiers, strips NUL bytes and truncates every field
// to its schema limit. Transactions from any ingress pass through it
// before scoring.
func (t *Transaction) Sanitize() {
	t.ID = validation.SanitizeString(t.ID, maxIDLength)
	t.Sender = validation.SanitizeString(t.Sender, maxPartyLength)
	t.Receiver = validation.SanitizeString(t.Receiver, maxPartyLength)
	t.Amount = validation.SanitizeString(t.Amount, maxAmountLength)
	t.Currency = validation.SanitizeString(t.Currency, maxCurrencyLength)
	t.Type = TransactionType(validation.SanitizeString(string(t.Type), maxTypeLength))
}

// UnmarshalJSON accepts the amount as either a JSON string or number.
func (t *Transaction) UnmarshalJSON(data []byte) error {
	type plain Transaction
	var raw struct {
		plain
		Amount json.RawMessage `json:"amount"`
	}
	if err := json.Unmarshal(data, &raw); err != nil {
		return err
	}
	*t = Transaction(raw.plain)
	amt := bytes.TrimSpace(raw.Amount)
	switch {
	case len(amt) == 0 || bytes.Equal(amt, []byte("null")):
		t.Amount = ""
	case amt[0] == '"':
		return json.Unmarshal(amt, &t.Amount)
	default:
		t.Amount = string(amt)
	}
	return nil
}

// Assessment is the result of scoring a single transaction.
type Assessment struct {
	ID             string         `json:"id"`
	TransactionID  string         `json:"transactionId,omitempty"`
	Score          int            `json:"score"`
	Level          Level          `json:"riskLevel"`
	Recommendation Recommendation `json:"recommendation"`
	Factors        []string       `json:"factors"`
	Explain        map[string]int `json:"explainability"`
	Narrative      string         `json:"narrative"`
	ModelVersion   uint64         `json:"modelVersion"`
	EvaluatedAt    time.Time      `json:"evaluatedAt"`
}

// Blocked reports whether the assessment stops the pipeline.
func (a *Assessment) Blocked() bool {
	return a.Recommendation == RecommendBlock
}

// Errors
var (
	ErrInsufficientSamples = errors.New("risk: not enough samples to fit outlier model")
	ErrFit                 = errors.New("risk: outlier model fit failed")
	ErrNonFinite           = errors.New("risk: value is not finite")
)

// Store persists assessments for the analytics audit trail.
type Store interface {
	Record(ctx context.Context, assessment *Assessment) error
	ListRecent(ctx context.Context, limit int) ([]*Assessment, error)
}
