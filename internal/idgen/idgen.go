// Package idgen provides cryptographically random ID generation.
package idgen

import (
	"crypto/rand"
	"encoding/hex"
)

// Prefixes used across the firewall. Keeping them here makes ids
// recognisable in logs and audit exports.
const (
	PrefixAssessment = "risk_"
	PrefixSession    = "qss_"
	PrefixKeyRef     = "qhk_"
	PrefixLedger     = "led_"
	PrefixAlert      = "alt_"
	PrefixRequest    = "req_"
	PrefixTx         = "tx_"
)

// WithPrefix generates a random ID with a prefix (e.g. "risk_", "led_").
// Result is prefix + 24 hex chars (12 random bytes).
func WithPrefix(prefix string) string {
	return prefix + Hex(12)
}

// SessionID returns a short quantum session id: "qss_" + 8 hex chars.
func SessionID() string {
	return PrefixSession + Hex(4)
}

// Hex generates a random hex string of the given byte length.
func Hex(numBytes int) string {
	b := make([]byte, numBytes)
	if _, err := rand.Read(b); err != nil {
		panic("crypto/rand failed: " + err.Error())
	}
	return hex.EncodeToString(b)
}
