package envelope

import "errors"

var (
	// ErrEmptyPassphrase is returned before any crypto runs.
	ErrEmptyPassphrase = errors.New("envelope: passphrase cannot be empty")

	// ErrCorruptArtifact indicates the artifact is too short to contain a
	// salt and nonce.
	ErrCorruptArtifact = errors.New("envelope: artifact too short or corrupted")

	// ErrWrongKeyOrCorrupt indicates authenticated decryption failed. Wrong
	// passphrase and corrupted ciphertext are not distinguished; splitting
	// them would hand an attacker a padding-oracle-style signal.
	ErrWrongKeyOrCorrupt = errors.New("envelope: wrong passphrase or corrupted artifact")

	// ErrFormatMismatch indicates the payload decrypted but is not a
	// recognized store snapshot.
	ErrFormatMismatch = errors.New("envelope: decrypted data is not a valid store snapshot")
)
