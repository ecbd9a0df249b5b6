package crypto

import "errors"

var (
	// ErrKeyGeneration indicates the identity key pair could not be created.
	// Fatal for any encryption in this session; callers should surface a retry.
	ErrKeyGeneration = errors.New("identity key generation failed")
	// ErrKeyRetrieval indicates the stored key pair is missing or incomplete.
	// Triggers automatic (lossy) regeneration.
	ErrKeyRetrieval = errors.New("identity key retrieval failed")
	// ErrKeyValidation indicates the stored key pair failed its round-trip
	// self-test. Triggers deletion and regeneration.
	ErrKeyValidation = errors.New("identity key pair validation failed")
	// ErrMalformedKey indicates a published public key could not be decoded.
	ErrMalformedKey = errors.New("malformed public key")
	// ErrEncryption indicates symmetric encryption of a message body failed.
	ErrEncryption = errors.New("message encryption failed")
	// ErrDecryption indicates symmetric decryption of a message body failed.
	ErrDecryption = errors.New("message decryption failed")
	// ErrKeyWrap indicates a content key could not be wrapped with the
	// recipient's public key.
	ErrKeyWrap = errors.New("content key wrap failed")
	// ErrKeyUnwrap indicates a wrapped content key could not be recovered
	// with the local private key.
	ErrKeyUnwrap = errors.New("content key unwrap failed")
)
