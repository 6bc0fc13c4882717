package quantum

import (
	"crypto/cipher"
	"crypto/rand"
	"encoding/hex"
	"errors"
	"fmt"

	"golang.org/x/crypto/chacha20poly1305"
)

// SealKeySize is the length of a shared session seal key.
const SealKeySize = chacha20poly1305.KeySize

var sealAAD = []byte("qff-session-record-v1")

// SharedSealer seals session records with XChaCha20-Poly1305 under a key
// that every node is configured with, so any node can open a record
// another node wrote.
type SharedSealer struct {
	aead cipher.AEAD
}

// NewSharedSealer creates a sealer from a SealKeySize-byte key.
func NewSharedSealer(key []byte) (*SharedSealer, error) {
	if len(key) != SealKeySize {
		return nil, fmt.Errorf("session seal key must be %d bytes, got %d", SealKeySize, len(key))
	}
	aead, err := chacha20poly1305.NewX(key)
	if err != nil {
		return nil, err
	}
	return &SharedSealer{aead: aead}, nil
}

// ParseSealKey decodes a hex-encoded seal key.
func ParseSealKey(s string) ([]byte, error) {
	key, err := hex.DecodeString(s)
	if err != nil {
		return nil, fmt.Errorf("session seal key is not hex: %w", err)
	}
	if len(key) != SealKeySize {
		return nil, fmt.Errorf("session seal key must be %d hex characters", 2*SealKeySize)
	}
	return key, nil
}

// SealRecord returns nonce || ciphertext.
func (s *SharedSealer) SealRecord(plaintext []byte) ([]byte, error) {
	nonce := make([]byte, s.aead.NonceSize(), s.aead.NonceSize()+len(plaintext)+s.aead.Overhead())
	if _, err := rand.Read(nonce); err != nil {
		return nil, err
	}
	return s.aead.Seal(nonce, nonce, plaintext, sealAAD), nil
}

// OpenRecord reverses SealRecord.
func (s *SharedSealer) OpenRecord(sealed []byte) ([]byte, error) {
	if len(sealed) < s.aead.NonceSize()+s.aead.Overhead() {
		return nil, errors.New("sealed record too short")
	}
	nonce, ct := sealed[:s.aead.NonceSize()], sealed[s.aead.NonceSize():]
	pt, err := s.aead.Open(nil, nonce, ct, sealAAD)
	if err != nil {
		return nil, ErrAuthenticationFailed
	}
	return pt, nil
}
