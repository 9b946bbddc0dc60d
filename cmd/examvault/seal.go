package main

import (
	"fmt"
	"os"
	"syscall"

	"github.com/spf13/cobra"
	"golang.org/x/term"

	"github.com/radmedic/examvault/pkg/audit"
	"github.com/radmedic/examvault/pkg/crypto"
	"github.com/radmedic/examvault/pkg/envelope"
)

func init() {
	rootCmd.AddCommand(sealCmd)
	rootCmd.AddCommand(unsealCmd)
}

var sealCmd = &cobra.Command{
	Use:   "seal",
	Short: "Seal the working copy back into the encrypted store",
	Long: `Encrypt the plaintext working copy back into the sealed artifact and
remove it. Use this to recover if a session ended without re-sealing (for
example after a crash or power loss).

The passphrase is verified against the existing sealed artifact before the
working copy overwrites it, so a typo cannot seal the store under a
passphrase nobody knows.`,
	RunE: func(cmd *cobra.Command, args []string) error {
		return runSeal()
	},
}

func runSeal() error {
	dir, err := resolveVaultDir()
	if err != nil {
		return err
	}
	session := sessionPath(dir)
	sealed := sealedPath(dir)

	if _, err := os.Stat(session); os.IsNotExist(err) {
		return fmt.Errorf("no working copy at %s; store is already sealed", session)
	}

	fmt.Print("Enter store passphrase: ")
	passphrase, err := term.ReadPassword(int(syscall.Stdin))
	fmt.Println()
	if err != nil {
		return fmt.Errorf("failed to read passphrase: %w", err)
	}
	defer crypto.SecureWipe(passphrase)

	// Verify against the current artifact when one exists.
	if artifact, err := os.ReadFile(sealed); err == nil {
		if _, err := envelope.Decode(artifact, string(passphrase)); err != nil {
			return fmt.Errorf("passphrase rejected: %w", err)
		}
	}

	if err := envelope.EncodeFile(session, sealed, string(passphrase)); err != nil {
		return err
	}
	if err := os.Remove(session); err != nil {
		return fmt.Errorf("sealed, but failed to remove working copy: %w", err)
	}

	logAuditWithPassphrase(dir, sealed, passphrase, audit.OpSeal)
	fmt.Printf("Store sealed at %s\n", sealed)
	return nil
}

var unsealCmd = &cobra.Command{
	Use:   "unseal",
	Short: "Decrypt the store into a plaintext working copy",
	Long: `Decrypt the sealed store into a plaintext working copy for direct
inspection with external SQLite tooling. The copy is owner-readable only,
but it is NOT protected at rest: run "examvault seal" as soon as you are
done. Prefer "examvault launch" for agent sessions; it seals automatically.`,
	RunE: func(cmd *cobra.Command, args []string) error {
		return runUnseal()
	},
}

func runUnseal() error {
	dir, err := resolveVaultDir()
	if err != nil {
		return err
	}
	session := sessionPath(dir)
	sealed := sealedPath(dir)

	if _, err := os.Stat(session); err == nil {
		return fmt.Errorf("working copy already exists at %s", session)
	}

	fmt.Print("Enter store passphrase: ")
	passphrase, err := term.ReadPassword(int(syscall.Stdin))
	fmt.Println()
	if err != nil {
		return fmt.Errorf("failed to read passphrase: %w", err)
	}
	defer crypto.SecureWipe(passphrase)

	if err := envelope.DecodeFile(sealed, session, string(passphrase)); err != nil {
		return err
	}

	logAuditWithPassphrase(dir, sealed, passphrase, audit.OpUnseal)
	fmt.Printf("Working copy written to %s\n", session)
	fmt.Println("Remember to run \"examvault seal\" when finished.")
	return nil
}

// logAuditWithPassphrase best-effort logs a CLI seal/unseal under the store
// key derived from the artifact's salt.
func logAuditWithPassphrase(dir, sealed string, passphrase []byte, op string) {
	artifact, err := os.ReadFile(sealed)
	if err != nil {
		return
	}
	salt, err := envelope.Salt(artifact)
	if err != nil {
		return
	}
	key := crypto.DeriveKey(passphrase, salt)
	defer crypto.SecureWipe(key)

	log := audit.NewLogger(dir)
	if log.SetHMACKey(key) == nil {
		_ = log.Success(op, audit.SourceCLI, "")
	}
}
