package quantum

import (
	"context"
	"crypto/cipher"
	"crypto/rand"
	"crypto/sha256"
	"crypto/subtle"
	"encoding/hex"
	"errors"
	"fmt"
	"io"
	"log/slog"
	"math"
	mrand "math/rand/v2"
	"sync/atomic"
	"time"

	"golang.org/x/crypto/chacha20poly1305"
	"golang.org/x/crypto/hkdf"

	"github.com/mbd888/qff/internal/idgen"
	"github.com/mbd888/qff/internal/metrics"
	"github.com/mbd888/qff/internal/traces"
)

// HKDF info labels.
const (
	infoAEADKey = "qff session aead v1"
	infoKeyRef  = "qff session key reference v1"
)

// DrawSource supplies uniform draws in [0,1) for interception.
type DrawSource interface {
	Float64() float64
}

type globalDraw struct{}

func (globalDraw) Float64() float64 { return mrand.Float64() }

// Manager establishes and operates quantum-safe sessions.
type Manager struct {
	backend Backend
	store   SessionStore
	ttl     time.Duration
	draw    DrawSource
	now     func() time.Time
	logger  *slog.Logger

	established atomic.Uint64
	intercepted atomic.Uint64
}

// NewManager creates a session manager over backend and store.
func NewManager(backend Backend, store SessionStore, logger *slog.Logger) *Manager {
	if logger == nil {
		logger = slog.Default()
	}
	return &Manager{
		backend: backend,
		store:   store,
		ttl:     DefaultSessionTTL,
		draw:    globalDraw{},
		now:     time.Now,
		logger:  logger,
	}
}

// WithTTL overrides the session lifetime.
func (m *Manager) WithTTL(ttl time.Duration) *Manager {
	if ttl > 0 {
		m.ttl = ttl
	}
	return m
}

// WithDrawSource replaces the interception draw source.
func (m *Manager) WithDrawSource(d DrawSource) *Manager {
	m.draw = d
	return m
}

// WithClock replaces the wall clock, for expiry tests.
func (m *Manager) WithClock(now func() time.Time) *Manager {
	m.now = now
	return m
}

// Backend returns the active PQC backend.
func (m *Manager) Backend() Backend { return m.backend }

// Algorithm names the key-encapsulation scheme in use.
func (m *Manager) Algorithm() string { return m.backend.KEMAlgorithm() }

// Establish runs one key exchange. The interception draw happens first: an
// intercepted exchange stores nothing and returns no key material.
func (m *Manager) Establish(ctx context.Context, req EstablishRequest) (*SessionResult, error) {
	defer observeOp("establish")()
	ctx, span := traces.StartSpan(ctx, "quantum.Establish")
	defer span.End()

	p := req.InterceptProbability
	if math.IsNaN(p) || p < 0 || p > 1 {
		return nil, ErrInvalidProbability
	}
	id := req.SessionID
	if id == "" {
		id = idgen.SessionID()
	} else if err := m.checkFree(ctx, id); err != nil {
		return nil, err
	}
	span.SetAttributes(traces.SessionID(id))

	if m.draw.Float64() < p {
		m.intercepted.Add(1)
		metrics.QKDAttemptTotal.WithLabelValues(string(StatusIntercepted)).Inc()
		span.SetAttributes(traces.SessionStatus(string(StatusIntercepted)))
		m.logger.Warn("quantum key exchange intercepted", "session_id", id)
		return &SessionResult{
			SessionID: id,
			Status:    StatusIntercepted,
			Algorithm: m.Algorithm(),
			Message:   "Eavesdropping detected during key exchange; session discarded",
		}, nil
	}

	s, err := m.exchange(id)
	if err != nil {
		traces.Fail(span, err)
		metrics.QKDAttemptTotal.WithLabelValues("FAILED").Inc()
		return nil, err
	}
	if err := m.store.PutIfAbsent(ctx, s, m.now()); err != nil {
		traces.Fail(span, err)
		if errors.Is(err, ErrSessionExists) {
			return nil, err
		}
		return nil, fmt.Errorf("store session: %w", err)
	}

	m.established.Add(1)
	metrics.QKDAttemptTotal.WithLabelValues(string(StatusEstablished)).Inc()
	span.SetAttributes(traces.SessionStatus(string(StatusEstablished)))
	m.logger.Debug("quantum session established", "session_id", id, "algorithm", s.Algorithm)

	return &SessionResult{
		SessionID:          s.ID,
		Status:             StatusEstablished,
		Algorithm:          s.Algorithm,
		SignatureAlgorithm: s.SignatureAlgorithm,
		KeyRef:             s.KeyRef,
		SigningPublicKey:   s.SigningPublicKey,
		ExpiresAt:          s.ExpiresAt,
		Message:            "Quantum-safe session established",
	}, nil
}

// checkFree rejects a caller-chosen id that names a live session. An
// expired session that has not been swept yet does not block the id.
func (m *Manager) checkFree(ctx context.Context, id string) error {
	s, err := m.store.Get(ctx, id)
	switch {
	case errors.Is(err, ErrSessionNotFound):
		return nil
	case err != nil:
		return fmt.Errorf("look up session: %w", err)
	case !s.Expired(m.now()):
		return ErrSessionExists
	}
	return nil
}

func (m *Manager) exchange(id string) (*Session, error) {
	pub, priv, err := m.backend.GenerateKeyPair()
	if err != nil {
		return nil, fmt.Errorf("%w: %w", ErrKeyExchangeFailed, err)
	}
	ct, secret, err := m.backend.Encapsulate(pub)
	if err != nil {
		return nil, fmt.Errorf("%w: %w", ErrKeyExchangeFailed, err)
	}
	check, err := m.backend.Decapsulate(priv, ct)
	if err != nil {
		return nil, fmt.Errorf("%w: %w", ErrKeyExchangeFailed, err)
	}
	if subtle.ConstantTimeCompare(secret, check) != 1 {
		return nil, ErrKeyExchangeFailed
	}
	signPub, signPriv, err := m.backend.GenerateSigningKey()
	if err != nil {
		return nil, fmt.Errorf("signing keygen: %w", err)
	}
	ref, err := deriveKey(secret, id, infoKeyRef, 16)
	if err != nil {
		return nil, err
	}

	now := m.now().UTC()
	return &Session{
		ID:                 id,
		Status:             StatusEstablished,
		Algorithm:          m.backend.KEMAlgorithm(),
		SignatureAlgorithm: m.backend.SignatureAlgorithm(),
		KeyRef:             idgen.PrefixKeyRef + hex.EncodeToString(ref),
		PublicKey:          pub,
		Ciphertext:         ct,
		SigningPublicKey:   signPub,
		CreatedAt:          now,
		ExpiresAt:          now.Add(m.ttl),
		secret:             secret,
		signingKey:         signPriv,
	}, nil
}

// Info returns the session's public view. Elapsed sessions report EXPIRED.
func (m *Manager) Info(ctx context.Context, id string) (*SessionInfo, error) {
	s, err := m.store.Get(ctx, id)
	if err != nil {
		return nil, err
	}
	view := s.clone()
	view.secret, view.signingKey = nil, nil
	if view.Expired(m.now()) {
		view.Status = StatusExpired
		view.KeyRef = ""
	}
	return view.Info(), nil
}

// active returns a usable session or ErrSessionNotFound.
func (m *Manager) active(ctx context.Context, id string) (*Session, error) {
	s, err := m.store.Get(ctx, id)
	if err != nil {
		return nil, err
	}
	if s.Status != StatusEstablished || s.Expired(m.now()) {
		return nil, ErrSessionNotFound
	}
	return s, nil
}

// Encrypt seals plaintext under the session key with a fresh nonce.
func (m *Manager) Encrypt(ctx context.Context, sessionID string, plaintext []byte) (*Sealed, error) {
	defer observeOp("encrypt")()
	s, err := m.active(ctx, sessionID)
	if err != nil {
		return nil, err
	}
	aead, err := sessionAEAD(s)
	if err != nil {
		return nil, err
	}
	nonce := make([]byte, aead.NonceSize())
	if _, err := rand.Read(nonce); err != nil {
		return nil, fmt.Errorf("read nonce: %w", err)
	}
	return &Sealed{
		SessionID:  s.ID,
		Algorithm:  AEADAlgorithm,
		Nonce:      nonce,
		Ciphertext: aead.Seal(nil, nonce, plaintext, []byte(s.ID)),
	}, nil
}

// Decrypt opens a payload sealed under the same session.
func (m *Manager) Decrypt(ctx context.Context, sessionID string, sealed *Sealed) ([]byte, error) {
	defer observeOp("decrypt")()
	s, err := m.active(ctx, sessionID)
	if err != nil {
		return nil, err
	}
	if sealed == nil {
		return nil, ErrAuthenticationFailed
	}
	aead, err := sessionAEAD(s)
	if err != nil {
		return nil, err
	}
	if len(sealed.Nonce) != aead.NonceSize() {
		return nil, ErrAuthenticationFailed
	}
	pt, err := aead.Open(nil, sealed.Nonce, sealed.Ciphertext, []byte(s.ID))
	if err != nil {
		return nil, ErrAuthenticationFailed
	}
	return pt, nil
}

// Sign signs msg with the session's signing key.
func (m *Manager) Sign(ctx context.Context, sessionID string, msg []byte) ([]byte, error) {
	defer observeOp("sign")()
	s, err := m.active(ctx, sessionID)
	if err != nil {
		return nil, err
	}
	return m.backend.Sign(s.signingKey, msg)
}

// Verify checks a signature made by Sign on the same session.
func (m *Manager) Verify(ctx context.Context, sessionID string, msg, sig []byte) (bool, error) {
	defer observeOp("verify")()
	s, err := m.active(ctx, sessionID)
	if err != nil {
		return false, err
	}
	return m.backend.Verify(s.SigningPublicKey, msg, sig), nil
}

// GenerateSigningKey creates a standalone keypair for SignWithKey.
func (m *Manager) GenerateSigningKey() (publicKey, privateKey []byte, err error) {
	return m.backend.GenerateSigningKey()
}

// SignWithKey signs msg with an explicit private key.
func (m *Manager) SignWithKey(msg, signingKey []byte) ([]byte, error) {
	return m.backend.Sign(signingKey, msg)
}

// VerifyWithKey verifies sig over msg with an explicit public key.
func (m *Manager) VerifyWithKey(msg, sig, publicKey []byte) bool {
	return m.backend.Verify(publicKey, msg, sig)
}

// StatusReport summarizes the manager for operators.
type StatusReport struct {
	Backend            string `json:"backend"`
	KEMAlgorithm       string `json:"kemAlgorithm"`
	SignatureAlgorithm string `json:"signatureAlgorithm"`
	AEADAlgorithm      string `json:"aeadAlgorithm"`
	ActiveSessions     int    `json:"activeSessions"`
	Established        uint64 `json:"established"`
	Intercepted        uint64 `json:"intercepted"`
	SessionTTLSeconds  int64  `json:"sessionTtlSeconds"`
}

// Status reports backend details and counters.
func (m *Manager) Status(ctx context.Context) (*StatusReport, error) {
	n, err := m.store.Count(ctx)
	if err != nil {
		return nil, fmt.Errorf("count sessions: %w", err)
	}
	ActiveSessions.Set(float64(n))
	return &StatusReport{
		Backend:            m.backend.Name(),
		KEMAlgorithm:       m.backend.KEMAlgorithm(),
		SignatureAlgorithm: m.backend.SignatureAlgorithm(),
		AEADAlgorithm:      AEADAlgorithm,
		ActiveSessions:     n,
		Established:        m.established.Load(),
		Intercepted:        m.intercepted.Load(),
		SessionTTLSeconds:  int64(m.ttl / time.Second),
	}, nil
}

// SelfTest runs a full exchange and sign/verify without storing anything.
func (m *Manager) SelfTest(ctx context.Context) error {
	s, err := m.exchange("qss_selftest")
	if err != nil {
		return err
	}
	msg := []byte("qff self-test")
	sig, err := m.backend.Sign(s.signingKey, msg)
	if err != nil {
		return fmt.Errorf("self-test sign: %w", err)
	}
	if !m.backend.Verify(s.SigningPublicKey, msg, sig) {
		return errors.New("quantum: self-test signature did not verify")
	}
	return nil
}

// SweepExpired deletes elapsed sessions from the store.
func (m *Manager) SweepExpired(ctx context.Context) (int, error) {
	return m.store.DeleteExpired(ctx, m.now())
}

func sessionAEAD(s *Session) (cipher.AEAD, error) {
	key, err := deriveKey(s.secret, s.ID, infoAEADKey, chacha20poly1305.KeySize)
	if err != nil {
		return nil, err
	}
	return chacha20poly1305.New(key)
}

func deriveKey(secret []byte, salt, info string, size int) ([]byte, error) {
	if len(secret) == 0 {
		return nil, ErrSessionNotFound
	}
	out := make([]byte, size)
	r := hkdf.New(sha256.New, secret, []byte(salt), []byte(info))
	if _, err := io.ReadFull(r, out); err != nil {
		return nil, fmt.Errorf("hkdf: %w", err)
	}
	return out, nil
}
