package main

import (
	"context"
	"fmt"
	"os"
	"os/signal"
	"syscall"

	"github.com/spf13/cobra"

	"github.com/radmedic/examvault/internal/mcp"
)

func init() {
	rootCmd.AddCommand(mcpServerCmd)
}

// mcpServerCmd is the agent-facing subprocess spawned by "examvault launch".
var mcpServerCmd = &cobra.Command{
	Use:   "mcp-server",
	Short: "Serve the unlocked exam store to an AI agent (internal)",
	Long: `Serve the unlocked exam store over MCP stdio transport.

This command is normally spawned by "examvault launch", which provides the
working-copy path and audit key through the environment. It holds no
passphrase and no store key; when the working copy is gone or the idle
timer expires, every tool fails closed and the process exits.

Available tools:
  - exam_list:        List examinations (SSNs masked)
  - exam_get:         Get one examination, optionally with sections
  - exam_summary:     Per-section record counts and qualification status
  - exam_create:      Open a new examination (policy-gated)
  - exam_add_section: Add a section record (policy-gated per table)
  - table_schema:     Describe an examination table
  - store_status:     Session health and policy mode`,
	RunE: func(cmd *cobra.Command, args []string) error {
		return runMCPServer()
	},
}

func runMCPServer() error {
	server, err := mcp.NewServer(nil)
	if err != nil {
		return fmt.Errorf("failed to create MCP server: %w", err)
	}

	ctx, cancel := context.WithCancel(context.Background())
	defer cancel()

	sigCh := make(chan os.Signal, 1)
	signal.Notify(sigCh, os.Interrupt, syscall.SIGTERM)
	go func() {
		<-sigCh
		cancel()
		server.Close()
	}()

	if err := server.Run(ctx); err != nil {
		if ctx.Err() != nil {
			return nil
		}
		return fmt.Errorf("MCP server error: %w", err)
	}
	return nil
}
