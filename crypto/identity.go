package crypto

import (
	"bytes"
	"crypto/rand"
	"crypto/rsa"
	"crypto/x509"
	"encoding/base64"
	"fmt"
	"sync"

	"github.com/sirupsen/logrus"
)

const (
	// IdentityKeyBits is the RSA modulus size for identity key pairs.
	IdentityKeyBits = 2048

	// identityKeyEntry is the secure store entry holding the private key.
	identityKeyEntry = "identity.key"
)

// selfTestValue is the fixed plaintext used for the key pair round-trip check.
var selfTestValue = []byte("sealchat-key-self-test")

// KeyHandle is an opaque reference to the identity private key. The key
// itself never leaves the crypto package; holders can only pass the
// handle back into UnwrapContentKey.
type KeyHandle struct {
	key *rsa.PrivateKey
}

// IdentityKeyPair is the local user's asymmetric identity. The public
// half is exportable for publication; the private half is reachable only
// through its opaque handle.
type IdentityKeyPair struct {
	public *rsa.PublicKey
	handle *KeyHandle
}

// Public returns the public half of the pair.
func (kp *IdentityKeyPair) Public() *rsa.PublicKey {
	return kp.public
}

// ExportPublicKey encodes the public key as base64 PKIX DER, the
// deterministic form published to the store for other users.
func (kp *IdentityKeyPair) ExportPublicKey() (string, error) {
	der, err := x509.MarshalPKIXPublicKey(kp.public)
	if err != nil {
		return "", fmt.Errorf("failed to encode public key: %w", err)
	}
	return base64.StdEncoding.EncodeToString(der), nil
}

// ImportPublicKey decodes a public key previously produced by
// ExportPublicKey. Returns ErrMalformedKey if the string cannot be
// decoded or is not an RSA public key.
func ImportPublicKey(encoded string) (*rsa.PublicKey, error) {
	der, err := base64.StdEncoding.DecodeString(encoded)
	if err != nil {
		return nil, fmt.Errorf("%w: %v", ErrMalformedKey, err)
	}

	parsed, err := x509.ParsePKIXPublicKey(der)
	if err != nil {
		return nil, fmt.Errorf("%w: %v", ErrMalformedKey, err)
	}

	public, ok := parsed.(*rsa.PublicKey)
	if !ok {
		return nil, fmt.Errorf("%w: not an RSA public key", ErrMalformedKey)
	}

	return public, nil
}

// IdentityKeyManager owns the local identity key pair. It serializes all
// secure store access, validates retrieved pairs with a round-trip
// self-test, and regenerates the pair when the stored one is unusable.
//
// Regeneration is lossy: messages encrypted against the previous public
// key become permanently undecryptable once the pair is replaced. This
// is an accepted limitation, not a silent failure.
type IdentityKeyManager struct {
	mu      sync.Mutex
	store   *SecureStore
	current *IdentityKeyPair
}

// NewIdentityKeyManager creates a key manager backed by the given secure store.
func NewIdentityKeyManager(store *SecureStore) *IdentityKeyManager {
	return &IdentityKeyManager{store: store}
}

// GetOrCreateKeyPair returns the existing valid pair or generates a new
// one. Repeated calls return identical public-key material unless a
// prior call invalidated the pair. Safe for concurrent use.
func (m *IdentityKeyManager) GetOrCreateKeyPair() (*IdentityKeyPair, error) {
	m.mu.Lock()
	defer m.mu.Unlock()

	if m.current != nil {
		return m.current, nil
	}

	if pair, err := m.loadLocked(); err == nil {
		m.current = pair
		return pair, nil
	} else {
		logrus.WithFields(logrus.Fields{
			"function": "GetOrCreateKeyPair",
			"package":  "crypto",
			"error":    err.Error(),
		}).Warn("Stored identity key unusable, generating a new pair")
	}

	pair, err := m.generateLocked()
	if err != nil {
		return nil, err
	}

	m.current = pair
	return pair, nil
}

// PrivateKeyHandle returns the handle to the identity private key, or
// nil if no pair exists or the store is inaccessible. A nil handle means
// "cannot decrypt now", not a fatal error; it never triggers generation.
func (m *IdentityKeyManager) PrivateKeyHandle() *KeyHandle {
	m.mu.Lock()
	defer m.mu.Unlock()

	if m.current != nil {
		return m.current.handle
	}

	pair, err := m.loadLocked()
	if err != nil {
		return nil
	}

	m.current = pair
	return pair.handle
}

// Regenerate destroys the stored pair and creates a fresh one. Existing
// wrapped content keys become permanently unrecoverable.
func (m *IdentityKeyManager) Regenerate() (*IdentityKeyPair, error) {
	m.mu.Lock()
	defer m.mu.Unlock()
	return m.regenerateLocked()
}

// RecoverIfInvalid re-runs the self-test on the current pair and
// regenerates it if it is unusable. Reports whether a new pair was
// generated. Used by the receive path when a content key unwrap fails in
// a way that suggests the key store is broken.
func (m *IdentityKeyManager) RecoverIfInvalid() bool {
	m.mu.Lock()
	defer m.mu.Unlock()

	if m.current != nil && selfTest(m.current.handle.key) {
		return false
	}

	if _, err := m.regenerateLocked(); err != nil {
		logrus.WithFields(logrus.Fields{
			"function": "RecoverIfInvalid",
			"package":  "crypto",
			"error":    err.Error(),
		}).Error("Identity key recovery failed")
		return false
	}

	return true
}

// loadLocked retrieves and validates the stored pair. On any failure it
// deletes the broken entry so the next access regenerates cleanly.
// Caller must hold m.mu.
func (m *IdentityKeyManager) loadLocked() (*IdentityKeyPair, error) {
	if !m.store.Contains(identityKeyEntry) {
		return nil, fmt.Errorf("%w: no stored pair", ErrKeyRetrieval)
	}

	der, err := m.store.Read(identityKeyEntry)
	if err != nil {
		m.store.Delete(identityKeyEntry)
		return nil, fmt.Errorf("%w: %v", ErrKeyRetrieval, err)
	}

	key, err := x509.ParsePKCS1PrivateKey(der)
	ZeroBytes(der)
	if err != nil {
		m.store.Delete(identityKeyEntry)
		return nil, fmt.Errorf("%w: %v", ErrKeyRetrieval, err)
	}

	if !selfTest(key) {
		m.store.Delete(identityKeyEntry)
		return nil, ErrKeyValidation
	}

	return newPair(key), nil
}

// generateLocked creates and persists a fresh pair. Caller must hold m.mu.
func (m *IdentityKeyManager) generateLocked() (*IdentityKeyPair, error) {
	key, err := rsa.GenerateKey(rand.Reader, IdentityKeyBits)
	if err != nil {
		return nil, fmt.Errorf("%w: %v", ErrKeyGeneration, err)
	}

	der := x509.MarshalPKCS1PrivateKey(key)
	err = m.store.Write(identityKeyEntry, der)
	ZeroBytes(der)
	if err != nil {
		return nil, fmt.Errorf("%w: %v", ErrKeyGeneration, err)
	}

	logrus.WithFields(logrus.Fields{
		"function": "generateLocked",
		"package":  "crypto",
		"bits":     IdentityKeyBits,
	}).Info("Generated new identity key pair")

	return newPair(key), nil
}

// regenerateLocked drops the stored pair and generates a replacement.
// Caller must hold m.mu.
func (m *IdentityKeyManager) regenerateLocked() (*IdentityKeyPair, error) {
	m.store.Delete(identityKeyEntry)
	m.current = nil

	logrus.WithFields(logrus.Fields{
		"function": "regenerateLocked",
		"package":  "crypto",
	}).Warn("Regenerating identity key pair; previously wrapped content keys are lost")

	pair, err := m.generateLocked()
	if err != nil {
		return nil, err
	}

	m.current = pair
	return pair, nil
}

func newPair(key *rsa.PrivateKey) *IdentityKeyPair {
	return &IdentityKeyPair{
		public: &key.PublicKey,
		handle: &KeyHandle{key: key},
	}
}

// selfTest checks the pair with an encrypt/decrypt round trip of a fixed value.
func selfTest(key *rsa.PrivateKey) bool {
	encrypted, err := rsa.EncryptPKCS1v15(rand.Reader, &key.PublicKey, selfTestValue)
	if err != nil {
		return false
	}

	decrypted, err := rsa.DecryptPKCS1v15(nil, key, encrypted)
	if err != nil {
		return false
	}

	return bytes.Equal(decrypted, selfTestValue)
}
