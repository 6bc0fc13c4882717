package quantum

import (
	"errors"
	"fmt"

	"github.com/cloudflare/circl/kem"
	kemschemes "github.com/cloudflare/circl/kem/schemes"
	"github.com/cloudflare/circl/sign"
	signschemes "github.com/cloudflare/circl/sign/schemes"
)

// Scheme names looked up in circl.
const (
	CirclKEMScheme  = "ML-KEM-1024"
	CirclSignScheme = "ML-DSA-87"
)

// CirclBackend uses real lattice schemes from cloudflare/circl.
type CirclBackend struct {
	kem  kem.Scheme
	sign sign.Scheme
}

// NewCirclBackend resolves the ML-KEM and ML-DSA schemes.
func NewCirclBackend() (*CirclBackend, error) {
	k := kemschemes.ByName(CirclKEMScheme)
	if k == nil {
		return nil, fmt.Errorf("quantum: circl scheme %s not available", CirclKEMScheme)
	}
	s := signschemes.ByName(CirclSignScheme)
	if s == nil {
		return nil, fmt.Errorf("quantum: circl scheme %s not available", CirclSignScheme)
	}
	return &CirclBackend{kem: k, sign: s}, nil
}

func (b *CirclBackend) Name() string               { return BackendCircl }
func (b *CirclBackend) KEMAlgorithm() string       { return b.kem.Name() }
func (b *CirclBackend) SignatureAlgorithm() string { return b.sign.Name() }

func (b *CirclBackend) GenerateKeyPair() ([]byte, []byte, error) {
	pk, sk, err := b.kem.GenerateKeyPair()
	if err != nil {
		return nil, nil, fmt.Errorf("kem keygen: %w", err)
	}
	pub, err := pk.MarshalBinary()
	if err != nil {
		return nil, nil, fmt.Errorf("marshal kem public key: %w", err)
	}
	priv, err := sk.MarshalBinary()
	if err != nil {
		return nil, nil, fmt.Errorf("marshal kem private key: %w", err)
	}
	return pub, priv, nil
}

func (b *CirclBackend) Encapsulate(publicKey []byte) ([]byte, []byte, error) {
	pk, err := b.kem.UnmarshalBinaryPublicKey(publicKey)
	if err != nil {
		return nil, nil, fmt.Errorf("unmarshal kem public key: %w", err)
	}
	ct, ss, err := b.kem.Encapsulate(pk)
	if err != nil {
		return nil, nil, fmt.Errorf("encapsulate: %w", err)
	}
	return ct, ss, nil
}

func (b *CirclBackend) Decapsulate(privateKey, ciphertext []byte) ([]byte, error) {
	sk, err := b.kem.UnmarshalBinaryPrivateKey(privateKey)
	if err != nil {
		return nil, fmt.Errorf("unmarshal kem private key: %w", err)
	}
	if len(ciphertext) != b.kem.CiphertextSize() {
		return nil, errors.New("decapsulate: wrong ciphertext size")
	}
	ss, err := b.kem.Decapsulate(sk, ciphertext)
	if err != nil {
		return nil, fmt.Errorf("decapsulate: %w", err)
	}
	return ss, nil
}

func (b *CirclBackend) GenerateSigningKey() ([]byte, []byte, error) {
	pk, sk, err := b.sign.GenerateKey()
	if err != nil {
		return nil, nil, fmt.Errorf("signing keygen: %w", err)
	}
	pub, err := pk.MarshalBinary()
	if err != nil {
		return nil, nil, fmt.Errorf("marshal signing public key: %w", err)
	}
	priv, err := sk.MarshalBinary()
	if err != nil {
		return nil, nil, fmt.Errorf("marshal signing private key: %w", err)
	}
	return pub, priv, nil
}

func (b *CirclBackend) Sign(privateKey, msg []byte) ([]byte, error) {
	sk, err := b.sign.UnmarshalBinaryPrivateKey(privateKey)
	if err != nil {
		return nil, fmt.Errorf("unmarshal signing key: %w", err)
	}
	return b.sign.Sign(sk, msg, nil), nil
}

func (b *CirclBackend) Verify(publicKey, msg, sig []byte) bool {
	pk, err := b.sign.UnmarshalBinaryPublicKey(publicKey)
	if err != nil {
		return false
	}
	if len(sig) != b.sign.SignatureSize() {
		return false
	}
	return b.sign.Verify(pk, msg, sig, nil)
}
