package authflow

import (
	"bufio"
	"context"
	"fmt"
	"io"
	"os"
	"strings"

	"golang.org/x/term"
)

// TerminalPrompt returns a PromptFunc reading a masked passphrase from
// stdin. When stdin is not a terminal (piped input, tests) it falls back to
// reading a plain line.
func TerminalPrompt(out io.Writer) PromptFunc {
	return func(ctx context.Context, attempt int) ([]byte, error) {
		if attempt > 1 {
			fmt.Fprintf(out, "Passphrase incorrect (attempt %d of %d).\n", attempt, MaxAttempts)
		}
		fmt.Fprint(out, "Enter store passphrase: ")

		fd := int(os.Stdin.Fd())
		if term.IsTerminal(fd) {
			passphrase, err := term.ReadPassword(fd)
			fmt.Fprintln(out) // newline after hidden input
			if err != nil {
				return nil, fmt.Errorf("authflow: failed to read passphrase: %w", err)
			}
			return passphrase, nil
		}

		reader := bufio.NewReader(os.Stdin)
		line, err := reader.ReadString('\n')
		if err != nil && err != io.EOF {
			return nil, fmt.Errorf("authflow: failed to read passphrase: %w", err)
		}
		line = strings.TrimSuffix(line, "\n")
		line = strings.TrimSuffix(line, "\r")
		if line == "" && err == io.EOF {
			return nil, io.EOF
		}
		return []byte(line), nil
	}
}
