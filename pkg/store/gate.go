package store

import (
	"context"
	"database/sql"
	"errors"

	"github.com/radmedic/examvault/pkg/crypto"
	"github.com/radmedic/examvault/pkg/keyring"
)

// ErrAuthentication indicates a connection's liveness check failed after
// the key was applied. The gate never retries with a different key; the
// caller should purge the keyring on receipt, since the cached key is
// stale or the store was tampered with.
var ErrAuthentication = errors.New("store: connection failed authentication check")

// Gate wraps every store access in a scoped acquisition. It holds no key
// material and no connection between calls.
type Gate struct {
	keys   *keyring.Service
	opener Opener
}

// NewGate returns a gate over the given keyring and opener.
func NewGate(keys *keyring.Service, opener Opener) *Gate {
	return &Gate{keys: keys, opener: opener}
}

// WithStore acquires the current key, opens a gated connection, and runs
// op. The connection is closed on every exit path and never outlives the
// call. If no key is available and the keyring cannot prompt, the error is
// keyring.ErrLocked and op is never invoked.
func (g *Gate) WithStore(ctx context.Context, op func(db *sql.DB) error) error {
	key, err := g.keys.Acquire(ctx)
	if err != nil {
		return err
	}
	defer crypto.SecureWipe(key)

	// Snapshot after Acquire: a prompting Acquire legitimately bumps the
	// generation when it stores the new key.
	gen := g.keys.Generation()

	db, err := g.opener.OpenGated(ctx, key)
	if err != nil {
		return err
	}
	defer db.Close()

	// A purge that raced the open means the operation must not proceed on
	// a key the keyring no longer vouches for.
	if g.keys.Generation() != gen {
		return keyring.ErrLocked
	}

	return op(db)
}
