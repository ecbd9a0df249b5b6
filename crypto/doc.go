// Package crypto implements the cryptographic core of sealchat.
//
// It provides the identity key manager (an RSA-2048 key pair kept in an
// encrypted secure store), the hybrid message cipher (a fresh AES-256
// content key per message, wrapped with the recipient's public key) and
// HMAC-SHA256 integrity tags keyed by the content key.
//
// Example:
//
//	ks, err := crypto.NewSecureStore(dataDir, []byte("master password"))
//	if err != nil {
//	    log.Fatal(err)
//	}
//	manager := crypto.NewIdentityKeyManager(ks)
//	pair, err := manager.GetOrCreateKeyPair()
//	if err != nil {
//	    log.Fatal(err)
//	}
//	published, _ := pair.ExportPublicKey()
//	fmt.Println("Public key:", published)
package crypto
