package keyring

import (
	"bytes"
	"context"
	"errors"
	"testing"

	"github.com/radmedic/examvault/pkg/crypto"
)

func testKey(b byte) []byte {
	key := make([]byte, crypto.KeyLength)
	for i := range key {
		key[i] = b
	}
	return key
}

func TestAcquireEmptyNoPrompt(t *testing.T) {
	s := New(nil)

	if _, err := s.Acquire(context.Background()); err != ErrLocked {
		t.Errorf("expected ErrLocked, got %v", err)
	}
	if s.IsCached() {
		t.Error("failed acquire must not populate the cache")
	}
}

func TestAcquireCachedReturnsCopy(t *testing.T) {
	s := New(nil)
	if err := s.Store(testKey(0xaa), SourcePrompted); err != nil {
		t.Fatalf("Store failed: %v", err)
	}

	k1, err := s.Acquire(context.Background())
	if err != nil {
		t.Fatalf("Acquire failed: %v", err)
	}
	if !bytes.Equal(k1, testKey(0xaa)) {
		t.Error("acquired key does not match stored key")
	}

	// Wiping the caller's copy must not affect the cache.
	crypto.SecureWipe(k1)
	k2, err := s.Acquire(context.Background())
	if err != nil {
		t.Fatalf("second Acquire failed: %v", err)
	}
	if !bytes.Equal(k2, testKey(0xaa)) {
		t.Error("cache was corrupted by wiping a returned copy")
	}
}

func TestAcquirePromptPath(t *testing.T) {
	prompted := 0
	s := New(func(ctx context.Context) ([]byte, error) {
		prompted++
		return testKey(0x11), nil
	})

	key, err := s.Acquire(context.Background())
	if err != nil {
		t.Fatalf("Acquire failed: %v", err)
	}
	if !bytes.Equal(key, testKey(0x11)) {
		t.Error("acquired key mismatch")
	}

	source, _ := s.State()
	if source != SourcePrompted {
		t.Errorf("expected SourcePrompted, got %v", source)
	}

	// Cached now: no re-prompt.
	if _, err := s.Acquire(context.Background()); err != nil {
		t.Fatalf("cached Acquire failed: %v", err)
	}
	if prompted != 1 {
		t.Errorf("prompt invoked %d times, want 1", prompted)
	}
}

func TestAcquirePromptFailureStaysEmpty(t *testing.T) {
	wantErr := errors.New("cancelled")
	s := New(func(ctx context.Context) ([]byte, error) {
		return nil, wantErr
	})

	if _, err := s.Acquire(context.Background()); !errors.Is(err, wantErr) {
		t.Errorf("expected prompt error, got %v", err)
	}
	if s.IsCached() {
		t.Error("cache must stay Empty after prompt failure")
	}
	if source, _ := s.State(); source != SourceNone {
		t.Errorf("expected SourceNone, got %v", source)
	}
}

func TestPurgeIdempotent(t *testing.T) {
	s := New(nil)
	if err := s.Store(testKey(0x42), SourcePrompted); err != nil {
		t.Fatal(err)
	}

	s.Purge()
	if s.IsCached() {
		t.Error("cache not Empty after purge")
	}
	gen := s.Generation()

	// Second purge is a no-op.
	s.Purge()
	if s.IsCached() {
		t.Error("cache not Empty after double purge")
	}
	if s.Generation() != gen {
		t.Error("no-op purge changed the generation")
	}
	if source, at := s.State(); source != SourceNone || !at.IsZero() {
		t.Error("purge did not clear all cache fields")
	}
}

func TestStoreOverwritesNotStacks(t *testing.T) {
	s := New(nil)
	if err := s.Store(testKey(0x01), SourcePrompted); err != nil {
		t.Fatal(err)
	}
	if err := s.Store(testKey(0x02), SourceToken); err != nil {
		t.Fatal(err)
	}

	key, err := s.Acquire(context.Background())
	if err != nil {
		t.Fatal(err)
	}
	if !bytes.Equal(key, testKey(0x02)) {
		t.Error("re-authentication did not overwrite the cached key")
	}
	if source, _ := s.State(); source != SourceToken {
		t.Errorf("expected SourceToken, got %v", source)
	}
}

func TestStoreValidation(t *testing.T) {
	s := New(nil)
	if err := s.Store([]byte("short"), SourcePrompted); err != ErrKeyLength {
		t.Errorf("expected ErrKeyLength, got %v", err)
	}
	if err := s.Store(testKey(0x01), SourceNone); err == nil {
		t.Error("expected error storing a key with SourceNone")
	}
}

func TestGenerationTracksMutations(t *testing.T) {
	s := New(nil)
	g0 := s.Generation()

	if err := s.Store(testKey(0x01), SourcePrompted); err != nil {
		t.Fatal(err)
	}
	g1 := s.Generation()
	if g1 == g0 {
		t.Error("Store did not bump generation")
	}

	s.Purge()
	if s.Generation() == g1 {
		t.Error("Purge did not bump generation")
	}
}
