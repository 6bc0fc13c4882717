package quantum

import (
	"crypto/aes"
	"crypto/cipher"
	"crypto/rand"
	"fmt"
	"log/slog"
	"slices"
	"strings"
	"sync"
	"time"

	"golang.org/x/crypto/chacha20poly1305"
)

// KeyType identifies what a managed key can do.
type KeyType string

const (
	KeyTypeAES256  KeyType = "AES256"
	KeyTypeSigning KeyType = "PQC_SIGNING"
)

// KeyStatus is the custody state of a key.
type KeyStatus string

const (
	KeyActive     KeyStatus = "ACTIVE"
	KeyDeprecated KeyStatus = "DEPRECATED"
	KeyDeleted    KeyStatus = "DELETED"
)

// Default keys provisioned at startup.
const (
	MasterKeyID    = "qff_master_key"
	TxSigningKeyID = "qff_tx_signing_key"
)

const maxAuditRecords = 1000

// KeyMetadata describes a managed key. Key material is never exposed.
type KeyMetadata struct {
	ID         string     `json:"keyId"`
	Type       KeyType    `json:"keyType"`
	Algorithm  string     `json:"algorithm"`
	Status     KeyStatus  `json:"status"`
	Exportable bool       `json:"exportable"`
	Version    int        `json:"version"`
	Successor  string     `json:"successor,omitempty"`
	CreatedAt  time.Time  `json:"createdAt"`
	RotatedAt  *time.Time `json:"rotatedAt,omitempty"`
	DeletedAt  *time.Time `json:"deletedAt,omitempty"`
	PublicKey  []byte     `json:"publicKey,omitempty"`
}

// AuditRecord is one key custody operation.
type AuditRecord struct {
	Time      time.Time `json:"timestamp"`
	Operation string    `json:"operation"`
	KeyID     string    `json:"keyId"`
	Success   bool      `json:"success"`
	Detail    string    `json:"detail,omitempty"`
}

type managedKey struct {
	meta   KeyMetadata
	sealed []byte // key material sealed under the custody wrapping key
}

// KeyStore is an HSM-style named key custodian. Key material is held
// sealed under a process-local wrapping key and only unsealed for the
// duration of an operation.
type KeyStore struct {
	mu     sync.RWMutex
	keys   map[string]*managedKey
	audit  []AuditRecord
	wrap   cipher.AEAD
	signer Signer
	now    func() time.Time
	logger *slog.Logger
}

// NewKeyStore creates an empty keystore. signer backs PQC_SIGNING keys.
func NewKeyStore(signer Signer, logger *slog.Logger) (*KeyStore, error) {
	if logger == nil {
		logger = slog.Default()
	}
	wrapKey := make([]byte, chacha20poly1305.KeySize)
	if _, err := rand.Read(wrapKey); err != nil {
		return nil, fmt.Errorf("generate wrapping key: %w", err)
	}
	wrap, err := chacha20poly1305.NewX(wrapKey)
	if err != nil {
		return nil, fmt.Errorf("init wrapping cipher: %w", err)
	}
	return &KeyStore{
		keys:   make(map[string]*managedKey),
		wrap:   wrap,
		signer: signer,
		now:    time.Now,
		logger: logger,
	}, nil
}

// ProvisionDefaults creates the master and transaction signing keys if absent.
func (k *KeyStore) ProvisionDefaults() error {
	defaults := []struct {
		id  string
		typ KeyType
	}{
		{MasterKeyID, KeyTypeAES256},
		{TxSigningKeyID, KeyTypeSigning},
	}
	for _, d := range defaults {
		if _, err := k.Metadata(d.id); err == nil {
			continue
		}
		if _, err := k.GenerateKey(d.id, d.typ, false); err != nil {
			return fmt.Errorf("provision %s: %w", d.id, err)
		}
	}
	return nil
}

// GenerateKey creates a new named key.
func (k *KeyStore) GenerateKey(id string, typ KeyType, exportable bool) (*KeyMetadata, error) {
	k.mu.Lock()
	defer k.mu.Unlock()

	id = strings.TrimSpace(id)
	if id == "" {
		k.record("generate", id, false, "empty key id")
		return nil, fmt.Errorf("%w: empty id", ErrKeyNotFound)
	}
	if _, ok := k.keys[id]; ok {
		k.record("generate", id, false, "exists")
		return nil, ErrKeyExists
	}
	mk, err := k.newKey(id, typ, exportable, 1)
	if err != nil {
		k.record("generate", id, false, err.Error())
		return nil, err
	}
	k.keys[id] = mk
	k.record("generate", id, true, string(typ))
	meta := mk.meta
	return &meta, nil
}

func (k *KeyStore) newKey(id string, typ KeyType, exportable bool, version int) (*managedKey, error) {
	meta := KeyMetadata{
		ID:         id,
		Type:       typ,
		Status:     KeyActive,
		Exportable: exportable,
		Version:    version,
		CreatedAt:  k.now().UTC(),
	}
	var material []byte
	switch typ {
	case KeyTypeAES256:
		meta.Algorithm = "AES-256-GCM"
		material = make([]byte, 32)
		if _, err := rand.Read(material); err != nil {
			return nil, fmt.Errorf("generate key material: %w", err)
		}
	case KeyTypeSigning:
		if k.signer == nil {
			return nil, ErrKeyType
		}
		pub, priv, err := k.signer.GenerateSigningKey()
		if err != nil {
			return nil, fmt.Errorf("generate signing key: %w", err)
		}
		meta.Algorithm = k.signer.SignatureAlgorithm()
		meta.PublicKey = pub
		material = priv
	default:
		return nil, fmt.Errorf("%w: %s", ErrKeyType, typ)
	}
	sealed, err := k.seal(material, id)
	if err != nil {
		return nil, err
	}
	return &managedKey{meta: meta, sealed: sealed}, nil
}

func (k *KeyStore) seal(material []byte, id string) ([]byte, error) {
	nonce := make([]byte, k.wrap.NonceSize())
	if _, err := rand.Read(nonce); err != nil {
		return nil, fmt.Errorf("read nonce: %w", err)
	}
	return k.wrap.Seal(nonce, nonce, material, []byte(id)), nil
}

func (k *KeyStore) unseal(mk *managedKey) ([]byte, error) {
	n := k.wrap.NonceSize()
	if len(mk.sealed) < n {
		return nil, ErrAuthenticationFailed
	}
	material, err := k.wrap.Open(nil, mk.sealed[:n], mk.sealed[n:], []byte(mk.meta.ID))
	if err != nil {
		return nil, ErrAuthenticationFailed
	}
	return material, nil
}

// lookup returns a key usable for op. Encrypt and sign need an ACTIVE key;
// decrypt and verify also accept DEPRECATED keys.
func (k *KeyStore) lookup(id string, typ KeyType, allowDeprecated bool) (*managedKey, error) {
	mk, ok := k.keys[id]
	if !ok {
		return nil, ErrKeyNotFound
	}
	if mk.meta.Type != typ {
		return nil, ErrKeyType
	}
	switch mk.meta.Status {
	case KeyActive:
	case KeyDeprecated:
		if !allowDeprecated {
			return nil, ErrKeyInactive
		}
	default:
		return nil, ErrKeyInactive
	}
	return mk, nil
}

// Encrypt seals plaintext with an AES256 key. Output is nonce || ciphertext.
func (k *KeyStore) Encrypt(id string, plaintext []byte) ([]byte, error) {
	k.mu.Lock()
	defer k.mu.Unlock()
	out, err := k.encrypt(id, plaintext)
	k.record("encrypt", id, err == nil, errDetail(err))
	return out, err
}

func (k *KeyStore) encrypt(id string, plaintext []byte) ([]byte, error) {
	mk, err := k.lookup(id, KeyTypeAES256, false)
	if err != nil {
		return nil, err
	}
	gcm, err := k.gcm(mk)
	if err != nil {
		return nil, err
	}
	nonce := make([]byte, gcm.NonceSize())
	if _, err := rand.Read(nonce); err != nil {
		return nil, fmt.Errorf("read nonce: %w", err)
	}
	return gcm.Seal(nonce, nonce, plaintext, []byte(id)), nil
}

// Decrypt opens data produced by Encrypt on the same key.
func (k *KeyStore) Decrypt(id string, data []byte) ([]byte, error) {
	k.mu.Lock()
	defer k.mu.Unlock()
	out, err := k.decrypt(id, data)
	k.record("decrypt", id, err == nil, errDetail(err))
	return out, err
}

func (k *KeyStore) decrypt(id string, data []byte) ([]byte, error) {
	mk, err := k.lookup(id, KeyTypeAES256, true)
	if err != nil {
		return nil, err
	}
	gcm, err := k.gcm(mk)
	if err != nil {
		return nil, err
	}
	n := gcm.NonceSize()
	if len(data) < n {
		return nil, ErrAuthenticationFailed
	}
	pt, err := gcm.Open(nil, data[:n], data[n:], []byte(id))
	if err != nil {
		return nil, ErrAuthenticationFailed
	}
	return pt, nil
}

func (k *KeyStore) gcm(mk *managedKey) (cipher.AEAD, error) {
	material, err := k.unseal(mk)
	if err != nil {
		return nil, err
	}
	block, err := aes.NewCipher(material)
	if err != nil {
		return nil, fmt.Errorf("aes: %w", err)
	}
	return cipher.NewGCM(block)
}

// Sign signs msg with a PQC_SIGNING key.
func (k *KeyStore) Sign(id string, msg []byte) ([]byte, error) {
	k.mu.Lock()
	defer k.mu.Unlock()
	sig, err := k.sign(id, msg)
	k.record("sign", id, err == nil, errDetail(err))
	return sig, err
}

func (k *KeyStore) sign(id string, msg []byte) ([]byte, error) {
	mk, err := k.lookup(id, KeyTypeSigning, false)
	if err != nil {
		return nil, err
	}
	priv, err := k.unseal(mk)
	if err != nil {
		return nil, err
	}
	return k.signer.Sign(priv, msg)
}

// Verify checks sig with a PQC_SIGNING key's public half.
func (k *KeyStore) Verify(id string, msg, sig []byte) (bool, error) {
	k.mu.Lock()
	defer k.mu.Unlock()
	mk, err := k.lookup(id, KeyTypeSigning, true)
	if err != nil {
		k.record("verify", id, false, err.Error())
		return false, err
	}
	ok := k.signer.Verify(mk.meta.PublicKey, msg, sig)
	k.record("verify", id, true, fmt.Sprintf("valid=%t", ok))
	return ok, nil
}

// Rotate replaces an active key with a new version. The old key becomes
// DEPRECATED and names its successor.
func (k *KeyStore) Rotate(id string) (*KeyMetadata, error) {
	k.mu.Lock()
	defer k.mu.Unlock()

	old, ok := k.keys[id]
	if !ok {
		k.record("rotate", id, false, ErrKeyNotFound.Error())
		return nil, ErrKeyNotFound
	}
	if old.meta.Status != KeyActive {
		k.record("rotate", id, false, ErrKeyInactive.Error())
		return nil, ErrKeyInactive
	}
	version := old.meta.Version + 1
	newID := fmt.Sprintf("%s_v%d", baseKeyID(id), version)
	mk, err := k.newKey(newID, old.meta.Type, old.meta.Exportable, version)
	if err != nil {
		k.record("rotate", id, false, err.Error())
		return nil, err
	}
	now := k.now().UTC()
	old.meta.Status = KeyDeprecated
	old.meta.Successor = newID
	old.meta.RotatedAt = &now
	k.keys[newID] = mk
	k.record("rotate", id, true, "successor="+newID)
	meta := mk.meta
	return &meta, nil
}

// Delete destroys a key's material. Metadata remains with status DELETED.
func (k *KeyStore) Delete(id string) error {
	k.mu.Lock()
	defer k.mu.Unlock()
	mk, ok := k.keys[id]
	if !ok {
		k.record("delete", id, false, ErrKeyNotFound.Error())
		return ErrKeyNotFound
	}
	now := k.now().UTC()
	clear(mk.sealed)
	mk.sealed = nil
	mk.meta.Status = KeyDeleted
	mk.meta.DeletedAt = &now
	k.record("delete", id, true, "")
	return nil
}

// Metadata returns a key's metadata.
func (k *KeyStore) Metadata(id string) (*KeyMetadata, error) {
	k.mu.RLock()
	defer k.mu.RUnlock()
	mk, ok := k.keys[id]
	if !ok {
		return nil, ErrKeyNotFound
	}
	meta := mk.meta
	return &meta, nil
}

// List returns every key's metadata ordered by id.
func (k *KeyStore) List() []KeyMetadata {
	k.mu.RLock()
	defer k.mu.RUnlock()
	out := make([]KeyMetadata, 0, len(k.keys))
	for _, mk := range k.keys {
		out = append(out, mk.meta)
	}
	slices.SortFunc(out, func(a, b KeyMetadata) int { return strings.Compare(a.ID, b.ID) })
	return out
}

// AuditLog returns up to limit records, most recent first. limit <= 0
// means 100.
func (k *KeyStore) AuditLog(limit int) []AuditRecord {
	if limit <= 0 {
		limit = 100
	}
	k.mu.RLock()
	defer k.mu.RUnlock()
	limit = min(limit, len(k.audit))
	out := make([]AuditRecord, 0, limit)
	for i := len(k.audit) - 1; i >= 0 && len(out) < limit; i-- {
		out = append(out, k.audit[i])
	}
	return out
}

// record appends an audit entry. Caller holds k.mu.
func (k *KeyStore) record(op, id string, ok bool, detail string) {
	k.audit = append(k.audit, AuditRecord{
		Time:      k.now().UTC(),
		Operation: op,
		KeyID:     id,
		Success:   ok,
		Detail:    detail,
	})
	if over := len(k.audit) - maxAuditRecords; over > 0 {
		k.audit = slices.Delete(k.audit, 0, over)
	}
	if !ok {
		k.logger.Warn("key custody operation failed", "operation", op, "key_id", id, "detail", detail)
	}
}

func errDetail(err error) string {
	if err == nil {
		return ""
	}
	return err.Error()
}

func baseKeyID(id string) string {
	if i := strings.LastIndex(id, "_v"); i > 0 {
		rest := id[i+2:]
		if rest != "" && strings.Trim(rest, "0123456789") == "" {
			return id[:i]
		}
	}
	return id
}
