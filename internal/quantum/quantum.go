// Package quantum manages quantum-safe sessions for transaction payloads.
//
// A session is established by a key-encapsulation exchange (ML-KEM-1024 via
// circl, or a Keccak/SHAKE simulation when circl is unavailable). Establishment
// can be "intercepted" with a configurable probability, which models an
// eavesdropper disturbing the exchange: intercepted sessions are terminal and
// never carry key material. Established sessions seal payloads with
// ChaCha20-Poly1305 under an HKDF expansion of the shared secret and sign
// them with a per-session post-quantum signing key.
package quantum

import (
	"context"
	"errors"
	"time"
)

// Status is the session lifecycle state.
type Status string

const (
	StatusInit        Status = "INIT"
	StatusEstablished Status = "ESTABLISHED"
	StatusIntercepted Status = "INTERCEPTED"
	StatusExpired     Status = "EXPIRED"
)

// DefaultSessionTTL is how long an established session stays usable.
const DefaultSessionTTL = time.Hour

// AEADAlgorithm names the payload cipher.
const AEADAlgorithm = "ChaCha20-Poly1305"

// Errors
var (
	ErrSessionNotFound      = errors.New("quantum: session not found")
	ErrAuthenticationFailed = errors.New("quantum: authentication failed")
	ErrKeyExchangeFailed    = errors.New("quantum: key exchange self-check failed")
	ErrInvalidProbability   = errors.New("quantum: intercept probability must be in [0,1]")
	ErrSessionExists        = errors.New("quantum: session id already in use")
	ErrKeyNotFound          = errors.New("quantum: key not found")
	ErrKeyExists            = errors.New("quantum: key already exists")
	ErrKeyInactive          = errors.New("quantum: key is not active")
	ErrKeyType              = errors.New("quantum: operation not supported for key type")
)

// Session is a quantum-safe session. The shared secret and signing key are
// unexported and never appear in JSON.
type Session struct {
	ID                 string    `json:"sessionId"`
	Status             Status    `json:"status"`
	Algorithm          string    `json:"algorithm"`
	SignatureAlgorithm string    `json:"signatureAlgorithm"`
	KeyRef             string    `json:"keyRef,omitempty"`
	PublicKey          []byte    `json:"-"`
	Ciphertext         []byte    `json:"-"`
	SigningPublicKey   []byte    `json:"-"`
	CreatedAt          time.Time `json:"createdAt"`
	ExpiresAt          time.Time `json:"expiresAt"`

	secret     []byte
	signingKey []byte
}

// Expired reports whether the session's TTL has elapsed at now.
func (s *Session) Expired(now time.Time) bool {
	return !now.Before(s.ExpiresAt)
}

// SessionInfo is the public view of a session.
type SessionInfo struct {
	*Session
	PublicKeySize  int `json:"publicKeySize"`
	CiphertextSize int `json:"ciphertextSize"`
}

// Info returns the public view of s.
func (s *Session) Info() *SessionInfo {
	return &SessionInfo{Session: s, PublicKeySize: len(s.PublicKey), CiphertextSize: len(s.Ciphertext)}
}

func (s *Session) clone() *Session {
	c := *s
	return &c
}

// EstablishRequest asks for a new session.
type EstablishRequest struct {
	SessionID            string  `json:"sessionId,omitempty"`
	InterceptProbability float64 `json:"interceptProbability"`
}

// SessionResult is the outcome of Establish. An intercepted result has no
// key reference and no stored session.
type SessionResult struct {
	SessionID          string    `json:"sessionId"`
	Status             Status    `json:"status"`
	Algorithm          string    `json:"algorithm"`
	SignatureAlgorithm string    `json:"signatureAlgorithm,omitempty"`
	KeyRef             string    `json:"keyRef,omitempty"`
	SigningPublicKey   []byte    `json:"signingPublicKey,omitempty"`
	ExpiresAt          time.Time `json:"expiresAt,omitzero"`
	Message            string    `json:"message"`
}

// Intercepted reports whether the exchange was disturbed.
func (r *SessionResult) Intercepted() bool {
	return r.Status == StatusIntercepted
}

// Sealed is an encrypted payload bound to a session.
type Sealed struct {
	SessionID  string `json:"sessionId"`
	Algorithm  string `json:"algorithm"`
	Nonce      []byte `json:"nonce"`
	Ciphertext []byte `json:"ciphertext"`
}

// SessionStore holds established sessions.
type SessionStore interface {
	Put(ctx context.Context, s *Session) error
	// PutIfAbsent stores s unless a session with the same id that has not
	// expired at now is already stored, in which case it returns
	// ErrSessionExists.
	PutIfAbsent(ctx context.Context, s *Session, now time.Time) error
	Get(ctx context.Context, id string) (*Session, error)
	Delete(ctx context.Context, id string) error
	DeleteExpired(ctx context.Context, now time.Time) (int, error)
	Count(ctx context.Context) (int, error)
}
