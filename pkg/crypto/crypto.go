// Package crypto provides the cryptographic primitives for examvault:
// Argon2id key derivation and AES-256-GCM authenticated encryption.
//
// The Argon2id parameters are fixed. Changing them would make every
// previously sealed artifact underivable, so they are part of the
// artifact format contract, not tunables.
package crypto

import (
	"crypto/aes"
	"crypto/cipher"
	"crypto/rand"
	"errors"
	"fmt"
	"runtime"

	"golang.org/x/crypto/argon2"
)

const (
	// Argon2Memory is the memory cost in KiB (64 MiB).
	Argon2Memory = 64 * 1024

	// Argon2Time is the number of passes over memory.
	Argon2Time = 3

	// Argon2Threads is the degree of parallelism.
	Argon2Threads = 4

	// KeyLength is the derived key length in bytes (256 bits).
	KeyLength = 32

	// SaltLength is the key-derivation salt length in bytes.
	SaltLength = 16

	// NonceLength is the GCM nonce length in bytes (96 bits).
	NonceLength = 12
)

var (
	// ErrInvalidKeyLength indicates the key is not KeyLength bytes.
	ErrInvalidKeyLength = errors.New("crypto: invalid key length, must be 32 bytes")

	// ErrInvalidNonceLength indicates the nonce is not NonceLength bytes.
	ErrInvalidNonceLength = errors.New("crypto: invalid nonce length, must be 12 bytes")

	// ErrDecryptionFailed indicates GCM authentication failed. A wrong key
	// and corrupted ciphertext are deliberately indistinguishable here.
	ErrDecryptionFailed = errors.New("crypto: decryption failed")

	// ErrCiphertextTooShort indicates the ciphertext cannot contain a GCM tag.
	ErrCiphertextTooShort = errors.New("crypto: ciphertext too short")
)

// DeriveKey stretches a passphrase into a 32-byte key using Argon2id with
// the package's fixed work factor. Deterministic: the same (passphrase,
// salt) pair always yields the same key.
func DeriveKey(passphrase, salt []byte) []byte {
	return argon2.IDKey(passphrase, salt, Argon2Time, Argon2Memory, Argon2Threads, KeyLength)
}

// NewSalt returns SaltLength bytes from crypto/rand.
func NewSalt() ([]byte, error) {
	salt := make([]byte, SaltLength)
	if _, err := rand.Read(salt); err != nil {
		return nil, fmt.Errorf("crypto: failed to generate salt: %w", err)
	}
	return salt, nil
}

// Encrypt seals plaintext with AES-256-GCM under a fresh random nonce.
// The authentication tag is appended to the returned ciphertext.
func Encrypt(key, plaintext []byte) (ciphertext, nonce []byte, err error) {
	if len(key) != KeyLength {
		return nil, nil, ErrInvalidKeyLength
	}

	block, err := aes.NewCipher(key)
	if err != nil {
		return nil, nil, fmt.Errorf("crypto: failed to create cipher: %w", err)
	}
	gcm, err := cipher.NewGCM(block)
	if err != nil {
		return nil, nil, fmt.Errorf("crypto: failed to create GCM: %w", err)
	}

	nonce = make([]byte, NonceLength)
	if _, err := rand.Read(nonce); err != nil {
		return nil, nil, fmt.Errorf("crypto: failed to generate nonce: %w", err)
	}

	return gcm.Seal(nil, nonce, plaintext, nil), nonce, nil
}

// Decrypt opens AES-256-GCM ciphertext, verifying the authentication tag.
// Tag verification failure is reported as ErrDecryptionFailed with no
// further detail.
func Decrypt(key, ciphertext, nonce []byte) ([]byte, error) {
	if len(key) != KeyLength {
		return nil, ErrInvalidKeyLength
	}
	if len(nonce) != NonceLength {
		return nil, ErrInvalidNonceLength
	}

	block, err := aes.NewCipher(key)
	if err != nil {
		return nil, fmt.Errorf("crypto: failed to create cipher: %w", err)
	}
	gcm, err := cipher.NewGCM(block)
	if err != nil {
		return nil, fmt.Errorf("crypto: failed to create GCM: %w", err)
	}

	if len(ciphertext) < gcm.Overhead() {
		return nil, ErrCiphertextTooShort
	}

	plaintext, err := gcm.Open(nil, nonce, ciphertext, nil)
	if err != nil {
		return nil, ErrDecryptionFailed
	}
	return plaintext, nil
}

// SecureWipe overwrites b with zeros. runtime.KeepAlive stops the compiler
// from eliding the writes as dead stores.
func SecureWipe(b []byte) {
	for i := range b {
		b[i] = 0
	}
	runtime.KeepAlive(b)
}
