// Package keyring owns the process-wide derived-key cache. It is the only
// place a key may live between gated store operations; every other holder
// gets a copy scoped to a single call.
//
// The cache is a two-state machine: Empty and Cached. Acquire moves it to
// Cached through the token stub or the configured prompt; Purge moves it
// back to Empty from any state. The service performs no store I/O.
package keyring

import (
	"context"
	"errors"
	"sync"
	"time"

	"github.com/radmedic/examvault/pkg/crypto"
)

// Source records how the cached key was obtained.
type Source int

const (
	SourceNone Source = iota
	SourcePrompted
	SourceToken
)

// String returns a human-readable source name.
func (s Source) String() string {
	switch s {
	case SourcePrompted:
		return "prompted"
	case SourceToken:
		return "token"
	default:
		return "none"
	}
}

// ErrLocked is returned when no key is cached and the context does not
// permit prompting. Callers must treat it as a hard stop, not retry.
var ErrLocked = errors.New("keyring: no key available, store is locked")

// ErrKeyLength is returned when a caller tries to cache a key of the wrong size.
var ErrKeyLength = errors.New("keyring: key must be 32 bytes")

// PromptFunc obtains a verified key out-of-band (the authentication flow).
// It must return a key only after the key has been verified against the
// store; an unverified key must never reach the cache.
type PromptFunc func(ctx context.Context) ([]byte, error)

// Service is the security service: a guarded single-entry key cache.
type Service struct {
	mu         sync.Mutex
	key        []byte
	source     Source
	acquiredAt time.Time
	generation uint64

	prompt PromptFunc
}

// New returns a Service in the Empty state. prompt may be nil, in which
// case Acquire fails with ErrLocked whenever the cache is empty.
func New(prompt PromptFunc) *Service {
	return &Service{prompt: prompt}
}

// Acquire returns a copy of the cached key, obtaining one first if needed.
// Order of attempts: cache, external token (stub), prompt. On prompt
// cancellation or verification failure the cache stays Empty and the error
// is returned; automatic retries are the caller's bug, not this package's
// feature.
func (s *Service) Acquire(ctx context.Context) ([]byte, error) {
	s.mu.Lock()
	if s.key != nil {
		key := cloneKey(s.key)
		s.mu.Unlock()
		return key, nil
	}
	prompt := s.prompt
	s.mu.Unlock()

	// Token lookup runs outside the lock; it is a stub today but may block
	// on hardware in the future.
	if key := lookupToken(); key != nil {
		s.store(key, SourceToken)
		return cloneKey(key), nil
	}

	if prompt == nil {
		return nil, ErrLocked
	}

	key, err := prompt(ctx)
	if err != nil {
		return nil, err
	}
	if len(key) != crypto.KeyLength {
		crypto.SecureWipe(key)
		return nil, ErrKeyLength
	}

	s.store(key, SourcePrompted)
	return cloneKey(key), nil
}

// Store caches a verified key, overwriting (and wiping) any previous entry.
// Re-authentication replaces the entry; entries never stack.
func (s *Service) Store(key []byte, source Source) error {
	if len(key) != crypto.KeyLength {
		return ErrKeyLength
	}
	if source == SourceNone {
		return errors.New("keyring: cached key requires a source")
	}
	s.store(cloneKey(key), source)
	return nil
}

func (s *Service) store(key []byte, source Source) {
	s.mu.Lock()
	defer s.mu.Unlock()

	if s.key != nil {
		crypto.SecureWipe(s.key)
	}
	s.key = key
	s.source = source
	s.acquiredAt = time.Now()
	s.generation++
}

// Purge overwrites the cached key's backing bytes and returns the service
// to Empty. Callable from any state; purging an Empty cache is a no-op.
func (s *Service) Purge() {
	s.mu.Lock()
	defer s.mu.Unlock()

	if s.key != nil {
		crypto.SecureWipe(s.key)
		s.key = nil
		s.generation++
	}
	s.source = SourceNone
	s.acquiredAt = time.Time{}
}

// IsCached reports whether a key is currently cached.
func (s *Service) IsCached() bool {
	s.mu.Lock()
	defer s.mu.Unlock()
	return s.key != nil
}

// State returns the cache entry's source and acquisition time. Source is
// SourceNone exactly when the cache is Empty.
func (s *Service) State() (Source, time.Time) {
	s.mu.Lock()
	defer s.mu.Unlock()
	return s.source, s.acquiredAt
}

// Generation increments on every Store and every effective Purge. Gated
// operations snapshot it at key acquisition and re-check before touching
// the store, so a racing purge fails the operation instead of letting it
// run on a stale key.
func (s *Service) Generation() uint64 {
	s.mu.Lock()
	defer s.mu.Unlock()
	return s.generation
}

func cloneKey(key []byte) []byte {
	out := make([]byte, len(key))
	copy(out, key)
	return out
}
