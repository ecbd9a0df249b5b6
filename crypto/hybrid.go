package crypto

import (
	"crypto/aes"
	"crypto/rand"
	"crypto/rsa"
	"fmt"
)

// ContentKeySize is the size of a per-message symmetric key (AES-256).
const ContentKeySize = 32

// ContentKey is a fresh symmetric key generated for a single message. It
// is never persisted on its own: it exists wrapped inside an envelope
// and transiently in the reconciler's key cache.
type ContentKey []byte

// GenerateContentKey creates a cryptographically random 256-bit content key.
func GenerateContentKey() (ContentKey, error) {
	key := make(ContentKey, ContentKeySize)
	if _, err := rand.Read(key); err != nil {
		return nil, fmt.Errorf("%w: %v", ErrKeyGeneration, err)
	}
	return key, nil
}

// EncryptMessage encrypts a message body with AES-256-ECB and PKCS#7
// padding. Encryption is deterministic given (key, plaintext): no IV or
// nonce is mixed in. This matches the legacy wire format; identical
// plaintext blocks under the same key produce identical ciphertext
// blocks. See the open questions in DESIGN.md before changing it.
func EncryptMessage(plaintext []byte, key ContentKey) ([]byte, error) {
	block, err := aes.NewCipher(key)
	if err != nil {
		return nil, fmt.Errorf("%w: %v", ErrEncryption, err)
	}

	padded := pkcs7Pad(plaintext, block.BlockSize())
	ciphertext := make([]byte, len(padded))
	for i := 0; i < len(padded); i += block.BlockSize() {
		block.Encrypt(ciphertext[i:i+block.BlockSize()], padded[i:i+block.BlockSize()])
	}

	return ciphertext, nil
}

// DecryptMessage reverses EncryptMessage. Returns ErrDecryption if the
// ciphertext is empty, not block-aligned, or the padding is invalid.
func DecryptMessage(ciphertext []byte, key ContentKey) ([]byte, error) {
	block, err := aes.NewCipher(key)
	if err != nil {
		return nil, fmt.Errorf("%w: %v", ErrDecryption, err)
	}

	if len(ciphertext) == 0 || len(ciphertext)%block.BlockSize() != 0 {
		return nil, fmt.Errorf("%w: ciphertext length %d is not block aligned", ErrDecryption, len(ciphertext))
	}

	padded := make([]byte, len(ciphertext))
	for i := 0; i < len(ciphertext); i += block.BlockSize() {
		block.Decrypt(padded[i:i+block.BlockSize()], ciphertext[i:i+block.BlockSize()])
	}

	plaintext, err := pkcs7Unpad(padded, block.BlockSize())
	if err != nil {
		return nil, fmt.Errorf("%w: %v", ErrDecryption, err)
	}

	return plaintext, nil
}

// WrapContentKey encrypts the raw content key bytes with the recipient's
// public key so only the holder of the matching private key can recover it.
func WrapContentKey(key ContentKey, recipient *rsa.PublicKey) ([]byte, error) {
	if recipient == nil {
		return nil, fmt.Errorf("%w: nil recipient public key", ErrKeyWrap)
	}

	wrapped, err := rsa.EncryptPKCS1v15(rand.Reader, recipient, key)
	if err != nil {
		return nil, fmt.Errorf("%w: %v", ErrKeyWrap, err)
	}

	return wrapped, nil
}

// UnwrapContentKey recovers a content key wrapped for the local identity.
// A nil handle means the private key is unavailable right now.
func UnwrapContentKey(wrapped []byte, handle *KeyHandle) (ContentKey, error) {
	if handle == nil || handle.key == nil {
		return nil, fmt.Errorf("%w: private key unavailable", ErrKeyUnwrap)
	}

	key, err := rsa.DecryptPKCS1v15(nil, handle.key, wrapped)
	if err != nil {
		return nil, fmt.Errorf("%w: %v", ErrKeyUnwrap, err)
	}

	if len(key) != ContentKeySize {
		ZeroBytes(key)
		return nil, fmt.Errorf("%w: unwrapped key has size %d, want %d", ErrKeyUnwrap, len(key), ContentKeySize)
	}

	return ContentKey(key), nil
}

// pkcs7Pad appends PKCS#7 padding up to the next block boundary. Input
// that is already block-aligned gains a full block of padding.
func pkcs7Pad(data []byte, blockSize int) []byte {
	padLen := blockSize - len(data)%blockSize
	padded := make([]byte, len(data)+padLen)
	copy(padded, data)
	for i := len(data); i < len(padded); i++ {
		padded[i] = byte(padLen)
	}
	return padded
}

// pkcs7Unpad validates and strips PKCS#7 padding.
func pkcs7Unpad(data []byte, blockSize int) ([]byte, error) {
	if len(data) == 0 || len(data)%blockSize != 0 {
		return nil, fmt.Errorf("invalid padded length %d", len(data))
	}

	padLen := int(data[len(data)-1])
	if padLen == 0 || padLen > blockSize || padLen > len(data) {
		return nil, fmt.Errorf("invalid padding length %d", padLen)
	}

	for _, b := range data[len(data)-padLen:] {
		if int(b) != padLen {
			return nil, fmt.Errorf("inconsistent padding bytes")
		}
	}

	return data[:len(data)-padLen], nil
}
