package authflow

import (
	"bytes"
	"context"
	"errors"
	"os"
	"path/filepath"
	"testing"

	"github.com/radmedic/examvault/pkg/crypto"
	"github.com/radmedic/examvault/pkg/envelope"
)

const testPassphrase = "correct horse battery"

// sealArtifact writes a sealed store snapshot to a temp file.
func sealArtifact(t *testing.T) string {
	t.Helper()

	plaintext := append([]byte{}, envelope.Magic...)
	plaintext = append(plaintext, []byte("store body")...)
	artifact, err := envelope.Encode(plaintext, testPassphrase)
	if err != nil {
		t.Fatalf("Encode failed: %v", err)
	}

	path := filepath.Join(t.TempDir(), "store.sealed")
	if err := os.WriteFile(path, artifact, 0600); err != nil {
		t.Fatal(err)
	}
	return path
}

// fixedPrompt replays canned passphrase attempts.
func fixedPrompt(attempts ...string) PromptFunc {
	i := 0
	return func(ctx context.Context, attempt int) ([]byte, error) {
		if i >= len(attempts) {
			return nil, errors.New("prompt exhausted")
		}
		p := []byte(attempts[i])
		i++
		return p, nil
	}
}

func TestRunUnlocksFirstAttempt(t *testing.T) {
	path := sealArtifact(t)
	flow := New(path, fixedPrompt(testPassphrase))

	result, err := flow.Run(context.Background())
	if err != nil {
		t.Fatalf("Run failed: %v", err)
	}
	if result.State != StateUnlocked || !result.Unlocked() {
		t.Fatalf("state = %s, want unlocked", result.State)
	}
	if result.Attempts != 1 {
		t.Errorf("attempts = %d, want 1", result.Attempts)
	}
	if !bytes.HasPrefix(result.Plaintext, envelope.Magic) {
		t.Error("plaintext missing store header")
	}

	// The key must be the Argon2id derivation over the artifact's salt.
	artifact, err := os.ReadFile(path)
	if err != nil {
		t.Fatal(err)
	}
	salt, err := envelope.Salt(artifact)
	if err != nil {
		t.Fatal(err)
	}
	want := crypto.DeriveKey([]byte(testPassphrase), salt)
	if !bytes.Equal(result.Key, want) {
		t.Error("derived key does not match salt-bound derivation")
	}
}

func TestRunRetriesWrongPassphrase(t *testing.T) {
	path := sealArtifact(t)
	flow := New(path, fixedPrompt("wrong", testPassphrase))

	result, err := flow.Run(context.Background())
	if err != nil {
		t.Fatalf("Run failed: %v", err)
	}
	if result.State != StateUnlocked {
		t.Fatalf("state = %s, want unlocked", result.State)
	}
	if result.Attempts != 2 {
		t.Errorf("attempts = %d, want 2", result.Attempts)
	}
}

func TestRunRejectsAfterMaxAttempts(t *testing.T) {
	path := sealArtifact(t)
	flow := New(path, fixedPrompt("a", "b", "c"))

	result, err := flow.Run(context.Background())
	if err != nil {
		t.Fatalf("Run failed: %v", err)
	}
	if result.State != StateRejected || result.Unlocked() {
		t.Fatalf("state = %s, want rejected", result.State)
	}
	if result.Attempts != MaxAttempts {
		t.Errorf("attempts = %d, want %d", result.Attempts, MaxAttempts)
	}
	if result.Key != nil || result.Plaintext != nil {
		t.Error("rejected flow leaked key material")
	}
}

func TestRunCancelledByPrompt(t *testing.T) {
	path := sealArtifact(t)
	flow := New(path, func(ctx context.Context, attempt int) ([]byte, error) {
		return nil, errors.New("operator pressed ctrl-c")
	})

	result, err := flow.Run(context.Background())
	if !errors.Is(err, ErrCancelled) {
		t.Fatalf("expected ErrCancelled, got %v", err)
	}
	if result.State != StateCancelled {
		t.Errorf("state = %s, want cancelled", result.State)
	}
}

func TestRunCancelledByContext(t *testing.T) {
	path := sealArtifact(t)
	ctx, cancel := context.WithCancel(context.Background())

	flow := New(path, func(ctx context.Context, attempt int) ([]byte, error) {
		cancel()
		return []byte(testPassphrase), nil
	})

	result, err := flow.Run(ctx)
	if !errors.Is(err, ErrCancelled) {
		t.Fatalf("expected ErrCancelled, got %v", err)
	}
	if result.State != StateCancelled {
		t.Errorf("state = %s, want cancelled", result.State)
	}
}

func TestRunCorruptArtifactNotRetried(t *testing.T) {
	path := filepath.Join(t.TempDir(), "store.sealed")
	if err := os.WriteFile(path, []byte("short"), 0600); err != nil {
		t.Fatal(err)
	}

	prompts := 0
	flow := New(path, func(ctx context.Context, attempt int) ([]byte, error) {
		prompts++
		return []byte(testPassphrase), nil
	})

	_, err := flow.Run(context.Background())
	if !errors.Is(err, envelope.ErrCorruptArtifact) {
		t.Fatalf("expected ErrCorruptArtifact, got %v", err)
	}
	if prompts != 1 {
		t.Errorf("corrupt artifact prompted %d times, want 1", prompts)
	}
	if flow.State() != StateCancelled {
		t.Errorf("state = %s, want cancelled", flow.State())
	}
}

func TestRunWipesPassphrase(t *testing.T) {
	path := sealArtifact(t)

	var retained []byte
	flow := New(path, func(ctx context.Context, attempt int) ([]byte, error) {
		retained = []byte(testPassphrase)
		return retained, nil
	})

	if _, err := flow.Run(context.Background()); err != nil {
		t.Fatal(err)
	}
	for _, b := range retained {
		if b != 0 {
			t.Fatal("passphrase buffer not wiped after unlock")
		}
	}
}

func TestRunOnlyOnce(t *testing.T) {
	path := sealArtifact(t)
	flow := New(path, fixedPrompt(testPassphrase))

	if _, err := flow.Run(context.Background()); err != nil {
		t.Fatal(err)
	}
	if _, err := flow.Run(context.Background()); err == nil {
		t.Error("second Run on the same flow must fail")
	}
}
