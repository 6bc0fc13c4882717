package quantum

import (
	"fmt"
	"log/slog"
	"strings"
)

// KEM is a key-encapsulation mechanism.
type KEM interface {
	KEMAlgorithm() string
	GenerateKeyPair() (publicKey, privateKey []byte, err error)
	Encapsulate(publicKey []byte) (ciphertext, sharedSecret []byte, err error)
	Decapsulate(privateKey, ciphertext []byte) (sharedSecret []byte, err error)
}

// Signer is a digital signature scheme. Verify never errors: malformed
// keys or signatures simply fail verification.
type Signer interface {
	SignatureAlgorithm() string
	GenerateSigningKey() (publicKey, privateKey []byte, err error)
	Sign(privateKey, msg []byte) ([]byte, error)
	Verify(publicKey, msg, sig []byte) bool
}

// Backend bundles the two capabilities a session manager needs.
type Backend interface {
	KEM
	Signer
	Name() string
}

// Backend selection values.
const (
	BackendAuto      = "auto"
	BackendCircl     = "circl"
	BackendSimulated = "simulated"
)

// SelectBackend picks a backend once at construction. "auto" prefers circl
// and falls back to the simulation when its schemes are unavailable.
func SelectBackend(name string, logger *slog.Logger) (Backend, error) {
	if logger == nil {
		logger = slog.Default()
	}
	switch strings.ToLower(strings.TrimSpace(name)) {
	case "", BackendAuto:
		b, err := NewCirclBackend()
		if err == nil {
			return b, nil
		}
		logger.Warn("circl PQC schemes unavailable, using simulated backend", "error", err)
		return NewSimulatedBackend(), nil
	case BackendCircl:
		return NewCirclBackend()
	case BackendSimulated:
		return NewSimulatedBackend(), nil
	default:
		return nil, fmt.Errorf("quantum: unknown backend %q", name)
	}
}
