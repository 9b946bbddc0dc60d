//go:build windows

package main

import (
	"os"
	"os/exec"

	"github.com/radmedic/examvault/internal/authflow"
)

// launchPrompt falls back to the standard prompt on Windows, where there is
// no /dev/tty equivalent worth special-casing.
func launchPrompt() authflow.PromptFunc {
	return authflow.TerminalPrompt(os.Stderr)
}

// setupProcAttr is a no-op on Windows.
func setupProcAttr(_ *exec.Cmd) {}
