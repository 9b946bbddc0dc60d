package main

import (
	"fmt"
	"os"
	"path/filepath"

	"github.com/spf13/cobra"
)

// Vault file names.
const (
	// SealedFileName is the at-rest encrypted store artifact.
	SealedFileName = "store.sealed"
	// SessionFileName is the decrypted working copy, present only while the
	// store is unlocked.
	SessionFileName = "session.db"
)

var vaultFlag string

var rootCmd = &cobra.Command{
	Use:   "examvault",
	Short: "examvault manages encrypted radiation medical-examination records",
	Long: `examvault stores NAVMED 6470/13 radiation medical-examination records in
an encrypted SQLite store and exposes them to AI agents over the Model
Context Protocol.

The store lives sealed on disk at all times. "examvault launch" unlocks it
for one agent session: the launcher prompts for the passphrase, decrypts a
private working copy, and spawns the MCP server as a subprocess that never
receives the passphrase or the store key.`,
}

func init() {
	rootCmd.PersistentFlags().StringVar(&vaultFlag, "vault", "", "vault directory (default ~/.examvault)")
}

// resolveVaultDir returns the vault directory, creating nothing.
func resolveVaultDir() (string, error) {
	if vaultFlag != "" {
		return vaultFlag, nil
	}
	home, err := os.UserHomeDir()
	if err != nil {
		return "", fmt.Errorf("failed to get user home directory: %w", err)
	}
	return filepath.Join(home, ".examvault"), nil
}

func sealedPath(dir string) string {
	return filepath.Join(dir, SealedFileName)
}

func sessionPath(dir string) string {
	return filepath.Join(dir, SessionFileName)
}
