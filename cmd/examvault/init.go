package main

import (
	"bytes"
	"context"
	"database/sql"
	"fmt"
	"os"
	"path/filepath"
	"syscall"

	"github.com/spf13/cobra"
	"golang.org/x/term"

	"github.com/radmedic/examvault/internal/mcp"
	"github.com/radmedic/examvault/pkg/audit"
	"github.com/radmedic/examvault/pkg/crypto"
	"github.com/radmedic/examvault/pkg/envelope"
	"github.com/radmedic/examvault/pkg/exam"
)

// minPassphraseLen rejects trivially guessable passphrases at creation time.
const minPassphraseLen = 8

// defaultPolicyYAML is written at init so operators edit grants instead of
// authoring the file from scratch. Everything starts denied.
const defaultPolicyYAML = `# examvault MCP agent policy.
# Reads are always available to the agent; every write surface below is
# deny-by-default and must be granted explicitly.
version: 1
default_action: deny

# Allow the agent to open new examination records.
allow_exam_create: false

# Section tables the agent may insert into. certifications can never be
# granted; sign-off is a human action.
writable_tables: []
#  - medical_history
#  - laboratory_findings
#  - urine_tests
#  - additional_studies
#  - physical_examination
#  - abnormal_findings
#  - assessments

max_list_limit: 50
`

func init() {
	rootCmd.AddCommand(initCmd)
}

var initCmd = &cobra.Command{
	Use:   "init",
	Short: "Create a new sealed exam store",
	Long: `Create the vault directory, build an empty examination store with the full
NAVMED 6470/13 schema, and seal it under a new passphrase. A commented
deny-all MCP policy file is written alongside it.`,
	RunE: func(cmd *cobra.Command, args []string) error {
		return runInit()
	},
}

func runInit() error {
	dir, err := resolveVaultDir()
	if err != nil {
		return err
	}
	sealed := sealedPath(dir)
	if _, err := os.Stat(sealed); err == nil {
		return fmt.Errorf("store already exists at %s", sealed)
	}

	if err := os.MkdirAll(dir, 0700); err != nil {
		return fmt.Errorf("failed to create vault directory: %w", err)
	}

	passphrase, err := promptNewPassphrase()
	if err != nil {
		return err
	}
	defer crypto.SecureWipe(passphrase)

	// Build the empty schema in a working copy, then seal it.
	session := sessionPath(dir)
	if err := createSessionStore(context.Background(), session); err != nil {
		return err
	}

	if err := envelope.EncodeFile(session, sealed, string(passphrase)); err != nil {
		os.Remove(session)
		return err
	}
	if err := os.Remove(session); err != nil {
		return fmt.Errorf("failed to remove working copy: %w", err)
	}

	policyPath := filepath.Join(dir, mcp.PolicyFileName)
	if _, err := os.Stat(policyPath); os.IsNotExist(err) {
		if err := os.WriteFile(policyPath, []byte(defaultPolicyYAML), 0600); err != nil {
			return fmt.Errorf("failed to write policy file: %w", err)
		}
	}

	// Start the audit chain under the new store key.
	artifact, err := os.ReadFile(sealed)
	if err != nil {
		return err
	}
	salt, err := envelope.Salt(artifact)
	if err != nil {
		return err
	}
	key := crypto.DeriveKey(passphrase, salt)
	defer crypto.SecureWipe(key)

	log := audit.NewLogger(dir)
	if err := log.SetHMACKey(key); err != nil {
		return err
	}
	_ = log.Success(audit.OpSeal, audit.SourceCLI, "init")

	fmt.Printf("Initialized sealed exam store at %s\n", sealed)
	fmt.Printf("Agent policy (deny-all) written to %s\n", policyPath)
	return nil
}

// createSessionStore builds an empty schema in a fresh working copy. The
// file is created owner-only before the driver touches it; the driver would
// otherwise create it with umask permissions.
func createSessionStore(ctx context.Context, session string) error {
	f, err := os.OpenFile(session, os.O_CREATE|os.O_EXCL|os.O_WRONLY, 0600)
	if err != nil {
		return fmt.Errorf("failed to create store: %w", err)
	}
	f.Close()

	db, err := sql.Open("sqlite", session)
	if err != nil {
		os.Remove(session)
		return fmt.Errorf("failed to open store: %w", err)
	}
	if err := exam.InitSchema(ctx, db); err != nil {
		db.Close()
		os.Remove(session)
		return err
	}
	db.Close()
	return nil
}

// promptNewPassphrase reads and confirms a new passphrase without echo.
func promptNewPassphrase() ([]byte, error) {
	fmt.Print("Enter new store passphrase: ")
	p1, err := term.ReadPassword(int(syscall.Stdin))
	fmt.Println()
	if err != nil {
		return nil, fmt.Errorf("failed to read passphrase: %w", err)
	}
	if len(p1) < minPassphraseLen {
		crypto.SecureWipe(p1)
		return nil, fmt.Errorf("passphrase must be at least %d characters", minPassphraseLen)
	}

	fmt.Print("Confirm passphrase: ")
	p2, err := term.ReadPassword(int(syscall.Stdin))
	fmt.Println()
	if err != nil {
		crypto.SecureWipe(p1)
		return nil, fmt.Errorf("failed to read passphrase: %w", err)
	}
	defer crypto.SecureWipe(p2)

	if !bytes.Equal(p1, p2) {
		crypto.SecureWipe(p1)
		return nil, fmt.Errorf("passphrases do not match")
	}
	return p1, nil
}
