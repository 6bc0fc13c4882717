package quantum

import (
	"crypto/rand"
	"crypto/subtle"
	"errors"
	"fmt"

	"github.com/ethereum/go-ethereum/crypto"
	"golang.org/x/crypto/sha3"
)

// Kyber1024 and Dilithium5 object sizes reproduced by the simulation.
const (
	SimKEMPublicKeySize  = 1568
	SimKEMPrivateKeySize = 3168
	SimKEMCiphertextSize = 1568
	SimSharedSecretSize  = 32

	SimSignPublicKeySize  = 2592
	SimSignPrivateKeySize = 4864
	SimSignatureSize      = 4595

	simSeedSize = 32
)

// Simulated algorithm names.
const (
	SimKEMAlgorithm       = "Kyber1024-Simulated"
	SimSignatureAlgorithm = "Dilithium5-Simulated"
)

// SimulatedBackend imitates a lattice KEM and signature scheme with
// Keccak/SHAKE digests. It offers no post-quantum security: anyone holding
// a public key can decapsulate or forge. It exists so the protocol runs
// where no PQC library is available.
type SimulatedBackend struct{}

// NewSimulatedBackend returns the digest-based simulation.
func NewSimulatedBackend() *SimulatedBackend { return &SimulatedBackend{} }

func (SimulatedBackend) Name() string               { return BackendSimulated }
func (SimulatedBackend) KEMAlgorithm() string       { return SimKEMAlgorithm }
func (SimulatedBackend) SignatureAlgorithm() string { return SimSignatureAlgorithm }

func shake(size int, parts ...[]byte) []byte {
	h := sha3.NewShake256()
	for _, p := range parts {
		_, _ = h.Write(p)
	}
	out := make([]byte, size)
	_, _ = h.Read(out)
	return out
}

func randomSeed() ([]byte, error) {
	seed := make([]byte, simSeedSize)
	if _, err := rand.Read(seed); err != nil {
		return nil, fmt.Errorf("read seed: %w", err)
	}
	return seed, nil
}

func simKEMPublic(seed []byte) []byte {
	return shake(SimKEMPublicKeySize, []byte("qff-kem-pk"), seed)
}

func (SimulatedBackend) GenerateKeyPair() ([]byte, []byte, error) {
	seed, err := randomSeed()
	if err != nil {
		return nil, nil, err
	}
	priv := append(seed, shake(SimKEMPrivateKeySize-simSeedSize, []byte("qff-kem-sk"), seed)...)
	return simKEMPublic(seed), priv, nil
}

// Encapsulate masks a random message with a digest of the public key and
// pads the ciphertext to Kyber1024 size with a binding tag.
func (SimulatedBackend) Encapsulate(publicKey []byte) ([]byte, []byte, error) {
	if len(publicKey) != SimKEMPublicKeySize {
		return nil, nil, errors.New("encapsulate: wrong public key size")
	}
	m, err := randomSeed()
	if err != nil {
		return nil, nil, err
	}
	mask := shake(simSeedSize, []byte("qff-kem-mask"), publicKey)
	ct := make([]byte, 0, SimKEMCiphertextSize)
	for i := range m {
		ct = append(ct, m[i]^mask[i])
	}
	ct = append(ct, shake(SimKEMCiphertextSize-simSeedSize, []byte("qff-kem-tag"), m, publicKey)...)
	return ct, crypto.Keccak256(m, crypto.Keccak256(ct)), nil
}

// Decapsulate recovers the message and checks the binding tag. A bad tag
// yields a pseudo-random secret (implicit rejection) rather than an error.
func (SimulatedBackend) Decapsulate(privateKey, ciphertext []byte) ([]byte, error) {
	if len(privateKey) != SimKEMPrivateKeySize {
		return nil, errors.New("decapsulate: wrong private key size")
	}
	if len(ciphertext) != SimKEMCiphertextSize {
		return nil, errors.New("decapsulate: wrong ciphertext size")
	}
	seed := privateKey[:simSeedSize]
	pub := simKEMPublic(seed)
	mask := shake(simSeedSize, []byte("qff-kem-mask"), pub)
	m := make([]byte, simSeedSize)
	for i := range m {
		m[i] = ciphertext[i] ^ mask[i]
	}
	tag := shake(SimKEMCiphertextSize-simSeedSize, []byte("qff-kem-tag"), m, pub)
	if subtle.ConstantTimeCompare(tag, ciphertext[simSeedSize:]) != 1 {
		return crypto.Keccak256(seed, ciphertext), nil
	}
	return crypto.Keccak256(m, crypto.Keccak256(ciphertext)), nil
}

func simSignPublic(seed []byte) []byte {
	return shake(SimSignPublicKeySize, []byte("qff-dsa-pk"), seed)
}

func simSignature(publicKey, msg []byte) []byte {
	return shake(SimSignatureSize, crypto.Keccak256(publicKey, msg))
}

func (SimulatedBackend) GenerateSigningKey() ([]byte, []byte, error) {
	seed, err := randomSeed()
	if err != nil {
		return nil, nil, err
	}
	priv := append(seed, shake(SimSignPrivateKeySize-simSeedSize, []byte("qff-dsa-sk"), seed)...)
	return simSignPublic(seed), priv, nil
}

func (SimulatedBackend) Sign(privateKey, msg []byte) ([]byte, error) {
	if len(privateKey) != SimSignPrivateKeySize {
		return nil, errors.New("sign: wrong private key size")
	}
	return simSignature(simSignPublic(privateKey[:simSeedSize]), msg), nil
}

func (SimulatedBackend) Verify(publicKey, msg, sig []byte) bool {
	if len(publicKey) != SimSignPublicKeySize || len(sig) != SimSignatureSize {
		return false
	}
	return subtle.ConstantTimeCompare(simSignature(publicKey, msg), sig) == 1
}
