package main

import (
	"context"
	"encoding/hex"
	"fmt"
	"os"
	"os/exec"
	"os/signal"
	"syscall"
	"time"

	"github.com/spf13/cobra"

	"github.com/radmedic/examvault/internal/authflow"
	"github.com/radmedic/examvault/internal/mcp"
	"github.com/radmedic/examvault/pkg/audit"
	"github.com/radmedic/examvault/pkg/crypto"
	"github.com/radmedic/examvault/pkg/envelope"
)

var launchIdle time.Duration

func init() {
	rootCmd.AddCommand(launchCmd)
	launchCmd.Flags().DurationVar(&launchIdle, "auto-lock", mcp.DefaultIdleTimeout,
		"re-seal the store after this much agent inactivity")
}

var launchCmd = &cobra.Command{
	Use:   "launch",
	Short: "Unlock the store and run an agent session",
	Long: `Unlock the store and serve it to an AI agent for one session.

The launcher prompts for the passphrase on the controlling terminal,
decrypts a private working copy, and spawns "examvault mcp-server" as a
subprocess wired to this process's stdio. The subprocess receives only the
working-copy path and the audit key; the passphrase and the store key stay
in the launcher.

The session ends when the agent disconnects, the inactivity timer expires,
or the launcher receives SIGINT/SIGTERM. On every exit path the working
copy is re-sealed into the artifact and removed.

Configure your agent to run this command as its MCP stdio server:
  {
    "mcpServers": {
      "examvault": {
        "type": "stdio",
        "command": "/path/to/examvault",
        "args": ["launch"]
      }
    }
  }`,
	RunE: func(cmd *cobra.Command, args []string) error {
		return runLaunch(cmd.Context())
	},
}

func runLaunch(ctx context.Context) error {
	dir, err := resolveVaultDir()
	if err != nil {
		return err
	}
	sealed := sealedPath(dir)
	session := sessionPath(dir)

	if _, err := os.Stat(sealed); os.IsNotExist(err) {
		return fmt.Errorf("no sealed store at %s; run \"examvault init\" first", sealed)
	}
	if _, err := os.Stat(session); err == nil {
		return fmt.Errorf("stale working copy at %s; run \"examvault seal\" to recover", session)
	}

	flow := authflow.New(sealed, launchPrompt())
	result, err := flow.Run(ctx)
	if err != nil {
		return err
	}
	if !result.Unlocked() {
		return fmt.Errorf("store remains locked (%s after %d attempts)", result.State, result.Attempts)
	}
	defer crypto.SecureWipe(result.Key)
	defer crypto.SecureWipe(result.Plaintext)

	// The salt is needed to re-seal under the derived key after the
	// passphrase is gone.
	artifact, err := os.ReadFile(sealed)
	if err != nil {
		return err
	}
	salt, err := envelope.Salt(artifact)
	if err != nil {
		return err
	}

	if err := os.WriteFile(session, result.Plaintext, 0600); err != nil {
		return fmt.Errorf("failed to write working copy: %w", err)
	}

	log := audit.NewLogger(dir)
	if err := log.SetHMACKey(result.Key); err != nil {
		os.Remove(session)
		return err
	}
	_ = log.Success(audit.OpUnlock, audit.SourceLauncher, "")

	auditKey, err := audit.DeriveHMACKey(result.Key)
	if err != nil {
		os.Remove(session)
		return err
	}
	defer crypto.SecureWipe(auditKey)

	agentErr := runAgent(ctx, log, dir, session, auditKey)

	// Re-seal on every exit path, agent failure included.
	if err := reseal(sealed, session, salt, result.Key); err != nil {
		_ = log.Error(audit.OpSeal, audit.SourceLauncher, "", err.Error())
		return fmt.Errorf("agent session ended but re-seal FAILED, plaintext remains at %s: %w", session, err)
	}
	_ = log.Success(audit.OpLock, audit.SourceLauncher, "")

	return agentErr
}

// runAgent spawns the MCP server subprocess bridged to our stdio and waits
// for it to end, forwarding termination signals.
func runAgent(ctx context.Context, log *audit.Logger, dir, session string, auditKey []byte) error {
	exe, err := os.Executable()
	if err != nil {
		return fmt.Errorf("failed to resolve own executable: %w", err)
	}

	agent := exec.Command(exe, "mcp-server")
	agent.Stdin = os.Stdin
	agent.Stdout = os.Stdout
	agent.Stderr = os.Stderr
	agent.Env = append(os.Environ(),
		mcp.EnvSessionPath+"="+session,
		mcp.EnvVaultDir+"="+dir,
		mcp.EnvAuditKey+"="+hex.EncodeToString(auditKey),
		mcp.EnvIdleTimeout+"="+launchIdle.String(),
	)
	setupProcAttr(agent)

	if err := agent.Start(); err != nil {
		return fmt.Errorf("failed to start agent session: %w", err)
	}
	_ = log.Success(audit.OpAgentStart, audit.SourceLauncher, fmt.Sprintf("pid-%d", agent.Process.Pid))

	sigCh := make(chan os.Signal, 1)
	signal.Notify(sigCh, os.Interrupt, syscall.SIGTERM)
	defer signal.Stop(sigCh)

	done := make(chan error, 1)
	go func() { done <- agent.Wait() }()

	var waitErr error
	select {
	case waitErr = <-done:
	case <-sigCh:
		// Operator lock-now: terminate the agent and wait for it.
		_ = agent.Process.Signal(syscall.SIGTERM)
		waitErr = <-done
	case <-ctx.Done():
		_ = agent.Process.Signal(syscall.SIGTERM)
		waitErr = <-done
	}

	_ = log.Success(audit.OpAgentStop, audit.SourceLauncher, "")
	if waitErr != nil {
		return fmt.Errorf("agent session ended abnormally: %w", waitErr)
	}
	return nil
}

// reseal encrypts the working copy back into the artifact under the derived
// key and removes it. The artifact is replaced atomically so a crash cannot
// leave a torn sealed store.
func reseal(sealed, session string, salt, key []byte) error {
	plaintext, err := os.ReadFile(session)
	if err != nil {
		return fmt.Errorf("failed to read working copy: %w", err)
	}
	defer crypto.SecureWipe(plaintext)

	artifact, err := envelope.EncodeWithKey(plaintext, salt, key)
	if err != nil {
		return err
	}

	if err := envelope.WriteArtifact(sealed, artifact); err != nil {
		return err
	}
	if err := os.Remove(session); err != nil {
		return fmt.Errorf("failed to remove working copy: %w", err)
	}
	return nil
}
