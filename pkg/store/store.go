// Package store gates every live-store access behind the keyring. The Gate
// owns no state between calls: each operation acquires the current key,
// opens its own connection, proves the connection live, and closes it on
// every exit path.
//
// Two store lifecycles share the gate contract and differ only in where the
// key is applied:
//
//   - SessionOpener (default): the store is sealed into an envelope at rest
//     and the live session runs on a decrypted 0600 temporary copy. The key
//     gates the operation; the connection itself needs no key.
//   - KeyedOpener: the store file is transparently encrypted and every new
//     connection must receive the key before any other statement.
package store

import (
	"bytes"
	"context"
	"database/sql"
	"encoding/hex"
	"fmt"
	"os"

	_ "modernc.org/sqlite"
)

// driverName is the modernc.org/sqlite database/sql driver.
const driverName = "sqlite"

// storeMagic identifies a readable store file on disk.
var storeMagic = []byte("SQLite format 3\x00")

// Opener opens a gated connection with the supplied key applied. A failed
// liveness check must surface as ErrAuthentication.
type Opener interface {
	OpenGated(ctx context.Context, key []byte) (*sql.DB, error)
}

// SessionOpener opens connections against a decrypted session copy
// (opaque-at-rest mode). The copy is produced by the authentication flow
// and removed when the store re-seals.
type SessionOpener struct {
	Path string
}

// OpenGated opens the session store and runs the liveness check. The key is
// not applied to the connection in this mode; it has already gated the
// operation and authenticated the session copy at unseal time.
func (o *SessionOpener) OpenGated(ctx context.Context, key []byte) (*sql.DB, error) {
	if err := checkStoreHeader(o.Path); err != nil {
		return nil, err
	}

	db, err := open(o.Path)
	if err != nil {
		return nil, err
	}
	if err := liveness(ctx, db); err != nil {
		db.Close()
		return nil, err
	}
	return db, nil
}

// KeyedOpener opens connections against a transparently-encrypted store.
// The derived key is supplied as a raw hex key in the first statement after
// open; the passphrase itself never reaches the store driver.
type KeyedOpener struct {
	Path string
}

// OpenGated opens the store, applies the key, and runs the liveness check.
// With a wrong or missing key the store header is unreadable and the check
// fails with ErrAuthentication.
func (o *KeyedOpener) OpenGated(ctx context.Context, key []byte) (*sql.DB, error) {
	db, err := open(o.Path)
	if err != nil {
		return nil, err
	}

	// Key application must be the very first statement on the connection.
	pragma := fmt.Sprintf(`PRAGMA key = "x'%s'"`, hex.EncodeToString(key))
	if _, err := db.ExecContext(ctx, pragma); err != nil {
		db.Close()
		return nil, fmt.Errorf("%w: failed to apply key: %v", ErrAuthentication, err)
	}

	if err := liveness(ctx, db); err != nil {
		db.Close()
		return nil, err
	}
	return db, nil
}

func open(path string) (*sql.DB, error) {
	db, err := sql.Open(driverName, path+"?_pragma=busy_timeout(5000)")
	if err != nil {
		return nil, fmt.Errorf("store: failed to open store: %w", err)
	}
	// Single-connection mode avoids "database is locked" errors; every gated
	// operation holds its own *sql.DB anyway.
	db.SetMaxOpenConns(1)
	db.SetMaxIdleConns(1)
	return db, nil
}

// liveness proves the connection can read the store. It is the gate's only
// probe; a failure means the key is wrong, stale, or the store is
// unreadable, and the caller should purge the keyring.
func liveness(ctx context.Context, db *sql.DB) error {
	var n int
	if err := db.QueryRowContext(ctx, "SELECT count(*) FROM sqlite_master").Scan(&n); err != nil {
		return fmt.Errorf("%w: %v", ErrAuthentication, err)
	}
	return nil
}

// checkStoreHeader verifies the session file begins with the store magic.
func checkStoreHeader(path string) error {
	f, err := os.Open(path)
	if err != nil {
		return fmt.Errorf("%w: %v", ErrAuthentication, err)
	}
	defer f.Close()

	header := make([]byte, len(storeMagic))
	if _, err := f.Read(header); err != nil {
		return fmt.Errorf("%w: %v", ErrAuthentication, err)
	}
	if !bytes.Equal(header, storeMagic) {
		return fmt.Errorf("%w: not a valid store file", ErrAuthentication)
	}
	return nil
}
