package crypto

import (
	"crypto/aes"
	"crypto/cipher"
	"crypto/rand"
	"crypto/sha256"
	"encoding/binary"
	"fmt"
	"io"
	"os"
	"path/filepath"

	"golang.org/x/crypto/pbkdf2"
)

// SecureStore is the platform-backed secure store the identity key pair
// lives in. Entries are AES-256-GCM encrypted files under a data
// directory, keyed by a PBKDF2-derived key, so the private key never
// touches disk in the clear. Callers only ever see opaque handles to
// what it holds.
type SecureStore struct {
	encryptionKey [32]byte
	dataDir       string
	saltFile      string
}

const (
	// PBKDF2Iterations is the number of iterations for key derivation.
	PBKDF2Iterations = 100000
	// StoreVersion is the current on-disk entry format version.
	StoreVersion = 1
	// SaltSize is the size of the salt for PBKDF2.
	SaltSize = 32
)

// NewSecureStore opens (or initializes) a secure store rooted at dataDir.
// masterPassword should be a user-provided passphrase or derived from a
// system keyring; it is wiped before this function returns.
func NewSecureStore(dataDir string, masterPassword []byte) (*SecureStore, error) {
	if len(masterPassword) == 0 {
		return nil, fmt.Errorf("master password cannot be empty")
	}

	if err := os.MkdirAll(dataDir, 0o700); err != nil {
		return nil, fmt.Errorf("failed to create data directory: %w", err)
	}

	ss := &SecureStore{
		dataDir:  dataDir,
		saltFile: filepath.Join(dataDir, ".salt"),
	}

	salt, err := ss.loadOrGenerateSalt()
	if err != nil {
		return nil, fmt.Errorf("failed to initialize salt: %w", err)
	}

	derivedKey := pbkdf2.Key(masterPassword, salt, PBKDF2Iterations, 32, sha256.New)
	copy(ss.encryptionKey[:], derivedKey)

	SecureWipe(derivedKey)
	SecureWipe(masterPassword)

	return ss, nil
}

// loadOrGenerateSalt loads the existing salt or generates a new one.
func (ss *SecureStore) loadOrGenerateSalt() ([]byte, error) {
	salt := make([]byte, SaltSize)

	data, err := os.ReadFile(ss.saltFile)
	if err != nil {
		if !os.IsNotExist(err) {
			return nil, fmt.Errorf("failed to read salt file: %w", err)
		}

		if _, err := rand.Read(salt); err != nil {
			return nil, fmt.Errorf("failed to generate salt: %w", err)
		}

		if err := os.WriteFile(ss.saltFile, salt, 0o600); err != nil {
			return nil, fmt.Errorf("failed to save salt: %w", err)
		}

		return salt, nil
	}

	if len(data) != SaltSize {
		return nil, fmt.Errorf("invalid salt file size: got %d, want %d", len(data), SaltSize)
	}

	copy(salt, data)
	return salt, nil
}

// Contains reports whether an entry with the given name exists.
func (ss *SecureStore) Contains(name string) bool {
	_, err := os.Stat(filepath.Join(ss.dataDir, name))
	return err == nil
}

// Write encrypts and stores an entry.
// Format: [version:2][nonce:12][ciphertext+tag:N]
func (ss *SecureStore) Write(name string, plaintext []byte) error {
	block, err := aes.NewCipher(ss.encryptionKey[:])
	if err != nil {
		return fmt.Errorf("failed to create cipher: %w", err)
	}

	gcm, err := cipher.NewGCM(block)
	if err != nil {
		return fmt.Errorf("failed to create GCM: %w", err)
	}

	// Unique nonce per write; reuse would break GCM security.
	nonce := make([]byte, gcm.NonceSize())
	if _, err := io.ReadFull(rand.Reader, nonce); err != nil {
		return fmt.Errorf("failed to generate nonce: %w", err)
	}

	ciphertext := gcm.Seal(nil, nonce, plaintext, nil)

	output := make([]byte, 2+len(nonce)+len(ciphertext))
	binary.BigEndian.PutUint16(output[0:2], StoreVersion)
	copy(output[2:2+len(nonce)], nonce)
	copy(output[2+len(nonce):], ciphertext)

	// Atomic write using temporary file + rename.
	tmpFile := filepath.Join(ss.dataDir, name+".tmp")
	finalFile := filepath.Join(ss.dataDir, name)

	if err := os.WriteFile(tmpFile, output, 0o600); err != nil {
		return fmt.Errorf("failed to write temporary file: %w", err)
	}

	if err := os.Rename(tmpFile, finalFile); err != nil {
		os.Remove(tmpFile)
		return fmt.Errorf("failed to rename file: %w", err)
	}

	return nil
}

// Read loads and decrypts an entry. Returns an error if the entry does
// not exist, is corrupted, or authentication fails.
func (ss *SecureStore) Read(name string) ([]byte, error) {
	data, err := os.ReadFile(filepath.Join(ss.dataDir, name))
	if err != nil {
		return nil, fmt.Errorf("failed to read entry: %w", err)
	}

	// Minimum size: version + nonce + tag.
	if len(data) < 2+12+16 {
		return nil, fmt.Errorf("entry too short: %d bytes", len(data))
	}

	version := binary.BigEndian.Uint16(data[0:2])
	if version != StoreVersion {
		return nil, fmt.Errorf("unsupported store version: %d (expected %d)", version, StoreVersion)
	}

	block, err := aes.NewCipher(ss.encryptionKey[:])
	if err != nil {
		return nil, fmt.Errorf("failed to create cipher: %w", err)
	}

	gcm, err := cipher.NewGCM(block)
	if err != nil {
		return nil, fmt.Errorf("failed to create GCM: %w", err)
	}

	nonceSize := gcm.NonceSize()
	if len(data) < 2+nonceSize {
		return nil, fmt.Errorf("entry too short for nonce: %d bytes", len(data))
	}

	nonce := data[2 : 2+nonceSize]
	ciphertext := data[2+nonceSize:]

	plaintext, err := gcm.Open(nil, nonce, ciphertext, nil)
	if err != nil {
		return nil, fmt.Errorf("entry decryption failed (wrong password or corrupted data): %w", err)
	}

	return plaintext, nil
}

// Delete removes an entry, overwriting it with zeros first (best effort).
// Deleting a missing entry is not an error.
func (ss *SecureStore) Delete(name string) error {
	path := filepath.Join(ss.dataDir, name)

	info, err := os.Stat(path)
	if err != nil {
		if os.IsNotExist(err) {
			return nil
		}
		return fmt.Errorf("failed to stat entry: %w", err)
	}

	zeros := make([]byte, info.Size())
	if err := os.WriteFile(path, zeros, 0o600); err != nil {
		return os.Remove(path)
	}

	return os.Remove(path)
}

// Close wipes the derived encryption key from memory. The store must not
// be used afterwards.
func (ss *SecureStore) Close() error {
	ZeroBytes(ss.encryptionKey[:])
	return nil
}
