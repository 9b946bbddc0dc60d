package main

import (
	"context"
	"database/sql"
	"fmt"
	"os"
	"path/filepath"

	"github.com/spf13/cobra"

	"github.com/radmedic/examvault/internal/authflow"
	"github.com/radmedic/examvault/pkg/audit"
	"github.com/radmedic/examvault/pkg/crypto"
	"github.com/radmedic/examvault/pkg/exam"
)

func init() {
	rootCmd.AddCommand(checkCmd)
}

var checkCmd = &cobra.Command{
	Use:   "check",
	Short: "Verify store integrity and the audit chain",
	Long: `Unlock the store into a private temporary copy and run the full health
check: SQLite integrity, presence of every examination table, and the HMAC
chain of the audit log. The sealed artifact is never modified.`,
	RunE: func(cmd *cobra.Command, args []string) error {
		return runCheck(cmd.Context())
	},
}

func runCheck(ctx context.Context) error {
	dir, err := resolveVaultDir()
	if err != nil {
		return err
	}

	flow := authflow.New(sealedPath(dir), authflow.TerminalPrompt(os.Stderr))
	result, err := flow.Run(ctx)
	if err != nil {
		return err
	}
	if !result.Unlocked() {
		return fmt.Errorf("store remains locked (%s after %d attempts)", result.State, result.Attempts)
	}
	defer crypto.SecureWipe(result.Key)
	defer crypto.SecureWipe(result.Plaintext)

	tmpDir, err := os.MkdirTemp("", "examvault-check-")
	if err != nil {
		return err
	}
	defer os.RemoveAll(tmpDir)

	copyPath := filepath.Join(tmpDir, "check.db")
	if err := os.WriteFile(copyPath, result.Plaintext, 0600); err != nil {
		return err
	}

	db, err := sql.Open("sqlite", copyPath)
	if err != nil {
		return err
	}
	defer db.Close()

	var integrity string
	if err := db.QueryRowContext(ctx, "PRAGMA integrity_check").Scan(&integrity); err != nil {
		return fmt.Errorf("integrity check failed to run: %w", err)
	}
	fmt.Printf("integrity_check: %s\n", integrity)

	missing, err := exam.CheckTables(ctx, db)
	if err != nil {
		return err
	}
	if len(missing) == 0 {
		fmt.Printf("schema: all %d tables present\n", len(exam.ExpectedTables))
	} else {
		fmt.Printf("schema: MISSING tables: %v\n", missing)
	}

	log := audit.NewLogger(dir)
	if err := log.SetHMACKey(result.Key); err != nil {
		return err
	}
	chain, err := log.Verify()
	if err != nil {
		return err
	}
	if chain.Valid {
		fmt.Printf("audit chain: valid (%d records)\n", chain.Records)
	} else {
		fmt.Printf("audit chain: INVALID: %v\n", chain.Errors)
	}
	_ = log.Success(audit.OpCheck, audit.SourceCLI, integrity)

	if integrity != "ok" || len(missing) > 0 || !chain.Valid {
		return fmt.Errorf("store check found problems")
	}
	return nil
}
