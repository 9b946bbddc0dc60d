// Package envelope implements the at-rest artifact format that wraps a
// store snapshot when it is not in active use.
//
// Layout: salt[16] ‖ nonce[12] ‖ AES-256-GCM ciphertext. The salt is stored
// in the clear so the key can be re-derived from the passphrase on any run.
// The GCM tag is the only integrity mechanism; a decrypted payload is
// accepted only if it begins with the SQLite magic header.
package envelope

import (
	"bytes"
	"fmt"
	"os"

	"github.com/radmedic/examvault/pkg/crypto"
)

// Magic is the header every valid store snapshot begins with.
var Magic = []byte("SQLite format 3\x00")

// FileMode for sealed and unsealed artifacts (owner read/write only).
const FileMode = 0600

// minArtifactLen is the smallest artifact that can contain a salt and nonce.
const minArtifactLen = crypto.SaltLength + crypto.NonceLength

// Encode seals a store snapshot under a passphrase. A fresh random salt is
// generated per artifact; the same plaintext sealed twice yields different
// artifacts.
func Encode(plaintext []byte, passphrase string) ([]byte, error) {
	if passphrase == "" {
		return nil, ErrEmptyPassphrase
	}

	salt, err := crypto.NewSalt()
	if err != nil {
		return nil, err
	}

	key := crypto.DeriveKey([]byte(passphrase), salt)
	defer crypto.SecureWipe(key)

	ciphertext, nonce, err := crypto.Encrypt(key, plaintext)
	if err != nil {
		return nil, fmt.Errorf("envelope: encrypt failed: %w", err)
	}

	artifact := make([]byte, 0, len(salt)+len(nonce)+len(ciphertext))
	artifact = append(artifact, salt...)
	artifact = append(artifact, nonce...)
	artifact = append(artifact, ciphertext...)
	return artifact, nil
}

// EncodeWithKey seals a store snapshot under an already-derived key, bound
// to the salt the key was derived from. The launcher uses this to re-seal a
// session after the passphrase has been wiped; the artifact remains openable
// by Decode with the original passphrase.
func EncodeWithKey(plaintext, salt, key []byte) ([]byte, error) {
	if len(salt) != crypto.SaltLength {
		return nil, ErrCorruptArtifact
	}

	ciphertext, nonce, err := crypto.Encrypt(key, plaintext)
	if err != nil {
		return nil, fmt.Errorf("envelope: encrypt failed: %w", err)
	}

	artifact := make([]byte, 0, len(salt)+len(nonce)+len(ciphertext))
	artifact = append(artifact, salt...)
	artifact = append(artifact, nonce...)
	artifact = append(artifact, ciphertext...)
	return artifact, nil
}

// Decode opens a sealed artifact. Error kinds, in order of detection:
// ErrCorruptArtifact if too short to carry a salt and nonce,
// ErrWrongKeyOrCorrupt if authenticated decryption fails (wrong passphrase
// and corrupted ciphertext are reported identically), ErrFormatMismatch if
// the payload decrypts but is not a store snapshot. The format check runs
// only after successful decryption.
func Decode(artifact []byte, passphrase string) ([]byte, error) {
	if passphrase == "" {
		return nil, ErrEmptyPassphrase
	}
	if len(artifact) < minArtifactLen {
		return nil, ErrCorruptArtifact
	}

	salt := artifact[:crypto.SaltLength]
	nonce := artifact[crypto.SaltLength:minArtifactLen]
	ciphertext := artifact[minArtifactLen:]

	key := crypto.DeriveKey([]byte(passphrase), salt)
	defer crypto.SecureWipe(key)

	plaintext, err := crypto.Decrypt(key, ciphertext, nonce)
	if err != nil {
		return nil, ErrWrongKeyOrCorrupt
	}

	if !bytes.HasPrefix(plaintext, Magic) {
		return nil, ErrFormatMismatch
	}
	return plaintext, nil
}

// Salt extracts the key-derivation salt from an artifact without decrypting
// it. Used by the authentication flow to hand a derived key to the keyring
// after verification.
func Salt(artifact []byte) ([]byte, error) {
	if len(artifact) < minArtifactLen {
		return nil, ErrCorruptArtifact
	}
	salt := make([]byte, crypto.SaltLength)
	copy(salt, artifact[:crypto.SaltLength])
	return salt, nil
}

// EncodeFile seals the store file at src into the artifact at dst. The
// artifact is replaced atomically; a crash mid-seal leaves the previous
// artifact intact.
func EncodeFile(src, dst, passphrase string) error {
	plaintext, err := os.ReadFile(src)
	if err != nil {
		return fmt.Errorf("envelope: failed to read store file: %w", err)
	}

	artifact, err := Encode(plaintext, passphrase)
	if err != nil {
		return err
	}
	return WriteArtifact(dst, artifact)
}

// WriteArtifact writes a sealed artifact to dst via a same-directory
// temporary file and rename, so dst is never observed torn.
func WriteArtifact(dst string, artifact []byte) error {
	tmp := dst + ".tmp"
	if err := os.WriteFile(tmp, artifact, FileMode); err != nil {
		return fmt.Errorf("envelope: failed to write artifact: %w", err)
	}
	if err := os.Rename(tmp, dst); err != nil {
		os.Remove(tmp)
		return fmt.Errorf("envelope: failed to replace artifact: %w", err)
	}
	return nil
}

// DecodeFile opens the artifact at src and writes the store snapshot to dst
// with owner-only permissions.
func DecodeFile(src, dst, passphrase string) error {
	artifact, err := os.ReadFile(src)
	if err != nil {
		return fmt.Errorf("envelope: failed to read artifact: %w", err)
	}

	plaintext, err := Decode(artifact, passphrase)
	if err != nil {
		return err
	}

	if err := os.WriteFile(dst, plaintext, FileMode); err != nil {
		return fmt.Errorf("envelope: failed to write store file: %w", err)
	}
	return nil
}
