// Package encryption protects database snapshots before they leave the
// machine for a vault.
package encryption

import "io"

// Encryptor encrypts snapshot streams with a locally held key pair.
type Encryptor interface {
	// Setup generates and stores the key material, protecting the private
	// half with the passphrase.
	Setup(passphrase string) error

	// Encrypt reads plaintext from r and writes ciphertext to w.
	Encrypt(r io.Reader, w io.Writer) error

	// Unlock decrypts the private key with the passphrase and returns a
	// context able to decrypt snapshots.
	Unlock(passphrase string) (DecryptionContext, error)

	// IsConfigured reports whether key material is present.
	IsConfigured() bool
}

// DecryptionContext holds unlocked key material for decrypting snapshots.
type DecryptionContext interface {
	Decrypt(r io.Reader, w io.Writer) error
}
