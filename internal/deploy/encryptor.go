package deploy

import "io"

// Encryptor handles at-rest encryption of vault content.
// Encryption uses the public key only, so uploads never need a passphrase.
// Serving content requires unlocking the private key once per process.
type Encryptor interface {
	// Setup performs one-time key generation. Called during `deploy keys init`.
	Setup(passphrase string) error

	// Encrypt encrypts data read from r and writes ciphertext to w.
	Encrypt(r io.Reader, w io.Writer) error

	// Unlock decrypts the private key using the passphrase.
	// Returns an error if the passphrase is incorrect.
	Unlock(passphrase string) (DecryptionContext, error)

	// IsConfigured returns true if both key files exist at configured paths.
	IsConfigured() bool
}

// DecryptionContext holds an unlocked private key in memory.
// The unlocked key is never written to disk.
type DecryptionContext interface {
	Decrypt(r io.Reader, w io.Writer) error
}
