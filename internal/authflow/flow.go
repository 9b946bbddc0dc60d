// Package authflow runs the interactive unlock sequence in the launcher
// process. The flow owns the passphrase for its whole lifetime: it prompts,
// verifies against the sealed artifact, and hands out only the derived key
// and the decrypted store image. The agent subprocess never sees any of it;
// the only thing that crosses the process boundary is whether the unlock
// succeeded.
package authflow

import (
	"context"
	"errors"
	"fmt"
	"os"

	"github.com/radmedic/examvault/pkg/crypto"
	"github.com/radmedic/examvault/pkg/envelope"
)

// State is the flow's position in the unlock sequence. Transitions are
// linear: Idle -> Prompting -> Verifying -> one of the terminal states,
// with Verifying looping back to Prompting on a failed attempt.
type State int

const (
	StateIdle State = iota
	StatePrompting
	StateVerifying
	StateUnlocked
	StateRejected
	StateCancelled
)

func (s State) String() string {
	switch s {
	case StateIdle:
		return "idle"
	case StatePrompting:
		return "prompting"
	case StateVerifying:
		return "verifying"
	case StateUnlocked:
		return "unlocked"
	case StateRejected:
		return "rejected"
	case StateCancelled:
		return "cancelled"
	default:
		return "unknown"
	}
}

// MaxAttempts bounds the number of passphrase prompts per flow run.
const MaxAttempts = 3

// ErrCancelled is returned when the operator aborts the prompt or the
// context is cancelled before a terminal state is reached.
var ErrCancelled = errors.New("authflow: unlock cancelled")

// PromptFunc collects one passphrase attempt. The flow wipes the returned
// bytes; implementations must not retain them.
type PromptFunc func(ctx context.Context, attempt int) ([]byte, error)

// Result is the terminal outcome of one flow run. Key and Plaintext are set
// only when State is StateUnlocked and belong to the caller, which must
// wipe them when done.
type Result struct {
	State     State
	Attempts  int
	Key       []byte
	Plaintext []byte
}

// Unlocked reports the one bit that may leave the launcher process.
func (r *Result) Unlocked() bool {
	return r.State == StateUnlocked
}

// Flow drives a single unlock of one sealed artifact.
type Flow struct {
	artifactPath string
	prompt       PromptFunc
	state        State
}

// New returns a flow for the sealed artifact at path.
func New(artifactPath string, prompt PromptFunc) *Flow {
	return &Flow{artifactPath: artifactPath, prompt: prompt, state: StateIdle}
}

// State returns the flow's current state.
func (f *Flow) State() State {
	return f.state
}

// Run executes the flow to a terminal state. Wrong passphrases are retried
// up to MaxAttempts; a prompt error or context cancellation ends the run as
// StateCancelled. The passphrase is wiped on every path, success included.
func (f *Flow) Run(ctx context.Context) (*Result, error) {
	if f.state != StateIdle {
		return nil, fmt.Errorf("authflow: flow already ran (state %s)", f.state)
	}

	artifact, err := os.ReadFile(f.artifactPath)
	if err != nil {
		f.state = StateCancelled
		return nil, fmt.Errorf("authflow: failed to read sealed store: %w", err)
	}

	result := &Result{}
	for attempt := 1; attempt <= MaxAttempts; attempt++ {
		result.Attempts = attempt

		f.state = StatePrompting
		passphrase, err := f.prompt(ctx, attempt)
		if err != nil || ctx.Err() != nil {
			crypto.SecureWipe(passphrase)
			f.state = StateCancelled
			result.State = StateCancelled
			return result, ErrCancelled
		}

		f.state = StateVerifying
		plaintext, err := envelope.Decode(artifact, string(passphrase))
		if err == nil {
			salt, saltErr := envelope.Salt(artifact)
			if saltErr != nil {
				crypto.SecureWipe(passphrase)
				crypto.SecureWipe(plaintext)
				f.state = StateCancelled
				return nil, saltErr
			}
			result.Key = crypto.DeriveKey(passphrase, salt)
			result.Plaintext = plaintext
			crypto.SecureWipe(passphrase)

			f.state = StateUnlocked
			result.State = StateUnlocked
			return result, nil
		}
		crypto.SecureWipe(passphrase)

		// Corruption and format errors are not going to improve with another
		// passphrase; only a wrong-key or empty-passphrase failure is worth
		// retrying.
		if !errors.Is(err, envelope.ErrWrongKeyOrCorrupt) && !errors.Is(err, envelope.ErrEmptyPassphrase) {
			f.state = StateCancelled
			result.State = StateCancelled
			return result, err
		}
	}

	f.state = StateRejected
	result.State = StateRejected
	return result, nil
}
