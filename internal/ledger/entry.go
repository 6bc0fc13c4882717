// Package ledger keeps an append-only, hash-chained record of every
// transaction the firewall lets through.
//
// Each entry commits to its predecessor by embedding the predecessor's
// SHA-256 digest, so any edit to a stored row shows up as a digest mismatch
// or a broken link when the chain is verified.
package ledger

import (
	"crypto/sha256"
	"encoding/hex"
	"encoding/json"
	"errors"
	"time"
)

// GenesisHash is the previous hash of the first entry in every chain.
const GenesisHash = "0000000000000000000000000000000000000000000000000000000000000000"

var (
	ErrEntryNotFound = errors.New("ledger: entry not found")
	ErrConflict      = errors.New("ledger: chain tail moved during append")
)

// Status values written by the pipeline.
const (
	StatusExecuted = "EXECUTED"
	StatusFlagged  = "EXECUTED_FLAGGED"
)

// Snapshot is the part of the submitted transaction kept on the chain.
type Snapshot struct {
	Type     string `json:"type"`
	Amount   string `json:"amount"`
	Currency string `json:"currency,omitempty"`
	Receiver string `json:"receiver"`
}

// Entry is one link of the chain. Entries are never updated or deleted.
type Entry struct {
	ID               string    `json:"id"`
	Sequence         int64     `json:"sequence"`
	Snapshot         Snapshot  `json:"transaction"`
	RiskScore        int       `json:"riskScore"`
	Status           string    `json:"status"`
	SessionRef       string    `json:"sessionRef,omitempty"`
	QuantumProtected bool      `json:"quantumProtected"`
	Signature        string    `json:"signature,omitempty"`
	CreatedAt        time.Time `json:"createdAt"`
	PreviousHash     string    `json:"previousHash"`
	Hash             string    `json:"hash"`
}

// canonicalEntry fixes the field order of the hashed payload. Changing it
// invalidates every stored chain.
type canonicalEntry struct {
	ID               string `json:"id"`
	Sequence         int64  `json:"sequence"`
	Type             string `json:"type"`
	Amount           string `json:"amount"`
	Currency         string `json:"currency"`
	Receiver         string `json:"receiver"`
	RiskScore        int    `json:"risk_score"`
	Status           string `json:"status"`
	SessionRef       string `json:"session_ref"`
	QuantumProtected bool   `json:"quantum_protected"`
	Signature        string `json:"signature"`
	CreatedAt        string `json:"created_at"`
	PreviousHash     string `json:"previous_hash"`
}

// CanonicalBytes returns the serialization the entry's digest is computed over.
func (e *Entry) CanonicalBytes() []byte {
	b, _ := json.Marshal(canonicalEntry{
		ID:               e.ID,
		Sequence:         e.Sequence,
		Type:             e.Snapshot.Type,
		Amount:           e.Snapshot.Amount,
		Currency:         e.Snapshot.Currency,
		Receiver:         e.Snapshot.Receiver,
		RiskScore:        e.RiskScore,
		Status:           e.Status,
		SessionRef:       e.SessionRef,
		QuantumProtected: e.QuantumProtected,
		Signature:        e.Signature,
		CreatedAt:        e.CreatedAt.UTC().Format(time.RFC3339Nano),
		PreviousHash:     e.PreviousHash,
	})
	return b
}

// ComputeHash returns the hex SHA-256 digest of the entry's canonical form.
// The stored Hash field is not part of the input.
func (e *Entry) ComputeHash() string {
	sum := sha256.Sum256(e.CanonicalBytes())
	return hex.EncodeToString(sum[:])
}

func (e *Entry) clone() *Entry {
	c := *e
	return &c
}
