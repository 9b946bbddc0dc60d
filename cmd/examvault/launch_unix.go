//go:build !windows

package main

import (
	"context"
	"fmt"
	"os"
	"os/exec"
	"syscall"

	"golang.org/x/term"

	"github.com/radmedic/examvault/internal/authflow"
)

// launchPrompt prompts on the controlling terminal. Under launch, stdin and
// stdout belong to the MCP transport, so the passphrase dialog must go
// through /dev/tty; when no tty is available it falls back to the standard
// prompt.
func launchPrompt() authflow.PromptFunc {
	tty, err := os.OpenFile("/dev/tty", os.O_RDWR, 0)
	if err != nil {
		return authflow.TerminalPrompt(os.Stderr)
	}

	return func(ctx context.Context, attempt int) ([]byte, error) {
		if attempt > 1 {
			fmt.Fprintf(tty, "Passphrase incorrect (attempt %d of %d).\n", attempt, authflow.MaxAttempts)
		}
		fmt.Fprint(tty, "Enter store passphrase: ")
		passphrase, err := term.ReadPassword(int(tty.Fd()))
		fmt.Fprintln(tty)
		if err != nil {
			return nil, fmt.Errorf("failed to read passphrase: %w", err)
		}
		return passphrase, nil
	}
}

// setupProcAttr puts the agent in its own process group so a terminal
// Ctrl-C reaches the launcher, which shuts the agent down in order.
func setupProcAttr(cmd *exec.Cmd) {
	cmd.SysProcAttr = &syscall.SysProcAttr{Setpgid: true}
}
