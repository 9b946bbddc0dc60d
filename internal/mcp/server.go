// Package mcp exposes the unlocked exam store to an AI agent over the
// Model Context Protocol. The server runs in a subprocess that holds only
// the decrypted session copy and the audit key; the store passphrase and
// the store key never enter this process. SSNs are masked in every tool
// output, and all write surfaces are gated by a deny-by-default policy.
package mcp

import (
	"context"
	"crypto/rand"
	"encoding/hex"
	"fmt"
	"log"
	"os"
	"time"

	"github.com/modelcontextprotocol/go-sdk/mcp"

	"github.com/radmedic/examvault/internal/autolock"
	"github.com/radmedic/examvault/pkg/audit"
	"github.com/radmedic/examvault/pkg/exam"
	"github.com/radmedic/examvault/pkg/keyring"
	"github.com/radmedic/examvault/pkg/store"
)

// Environment variables set by the launcher.
const (
	// EnvSessionPath points at the decrypted session store.
	EnvSessionPath = "EXAMVAULT_SESSION"
	// EnvVaultDir points at the vault directory (policy, audit log).
	EnvVaultDir = "EXAMVAULT_DIR"
	// EnvAuditKey carries the hex-encoded derived audit key. It is cleared
	// from the environment as soon as it is read.
	EnvAuditKey = "EXAMVAULT_AUDIT_KEY"
	// EnvIdleTimeout overrides the inactivity lock timeout.
	EnvIdleTimeout = "EXAMVAULT_AUTOLOCK"
)

// DefaultIdleTimeout locks an idle agent session after fifteen minutes.
const DefaultIdleTimeout = 15 * time.Minute

// Server is the agent-facing MCP server over one unlocked session.
type Server struct {
	server *mcp.Server
	repo   *exam.Repository
	keys   *keyring.Service
	policy *Policy
	audit  *audit.Logger
	idle   *autolock.Supervisor
	cancel context.CancelFunc
}

// ServerOptions configures the MCP server. Zero-value fields fall back to
// the launcher-provided environment.
type ServerOptions struct {
	SessionPath string
	VaultDir    string
	IdleTimeout time.Duration
}

// NewServer builds the server over the launcher-provided session.
func NewServer(opts *ServerOptions) (*Server, error) {
	if opts == nil {
		opts = &ServerOptions{}
	}

	sessionPath := opts.SessionPath
	if sessionPath == "" {
		sessionPath = os.Getenv(EnvSessionPath)
	}
	if sessionPath == "" {
		return nil, fmt.Errorf("mcp: no session store: %s not set", EnvSessionPath)
	}
	vaultDir := opts.VaultDir
	if vaultDir == "" {
		vaultDir = os.Getenv(EnvVaultDir)
	}
	if vaultDir == "" {
		return nil, fmt.Errorf("mcp: no vault directory: %s not set", EnvVaultDir)
	}

	idle := opts.IdleTimeout
	if idle == 0 {
		idle = DefaultIdleTimeout
		if v := os.Getenv(EnvIdleTimeout); v != "" {
			d, err := time.ParseDuration(v)
			if err != nil {
				return nil, fmt.Errorf("mcp: invalid %s: %w", EnvIdleTimeout, err)
			}
			idle = d
		}
	}

	policy, err := LoadPolicy(vaultDir)
	if err != nil {
		// Without a valid policy the server still runs, read-only.
		log.Printf("warning: no usable MCP policy, store is read-only to agents: %v", err)
		policy = nil
	}

	// The session token gates every store access in this process. It is the
	// audit key when the launcher provided one, a random value otherwise;
	// either way purging it fail-closes all tools.
	var auditLog *audit.Logger
	token := readAuditKey()
	if token != nil {
		auditLog = audit.NewLogger(vaultDir)
		if err := auditLog.SetRawHMACKey(token); err != nil {
			return nil, err
		}
	} else {
		token = make([]byte, 32)
		if _, err := rand.Read(token); err != nil {
			return nil, fmt.Errorf("mcp: failed to generate session token: %w", err)
		}
	}

	keys := keyring.New(nil)
	if err := keys.Store(token, keyring.SourceToken); err != nil {
		return nil, err
	}

	gate := store.NewGate(keys, &store.SessionOpener{Path: sessionPath})

	s := &Server{
		server: mcp.NewServer(&mcp.Implementation{
			Name:    "examvault",
			Version: "0.3.0",
		}, nil),
		repo:   exam.NewRepository(gate, auditLog, audit.SourceMCP),
		keys:   keys,
		policy: policy,
		audit:  auditLog,
	}
	s.idle = autolock.New(idle, s.onIdleLock)
	s.registerTools()
	return s, nil
}

// readAuditKey reads and clears the audit key from the environment.
func readAuditKey() []byte {
	v := os.Getenv(EnvAuditKey)
	os.Unsetenv(EnvAuditKey)
	if v == "" {
		return nil
	}
	key, err := hex.DecodeString(v)
	if err != nil || len(key) != 32 {
		log.Printf("warning: ignoring malformed %s", EnvAuditKey)
		return nil
	}
	return key
}

func (s *Server) registerTools() {
	mcp.AddTool(s.server, &mcp.Tool{
		Name:        "exam_list",
		Description: "List radiation medical examinations. Filters by patient last name, exam type (PE/RE/SE/TE), and status (open/complete). SSNs are masked.",
	}, s.handleExamList)

	mcp.AddTool(s.server, &mcp.Tool{
		Name:        "exam_get",
		Description: "Get one examination by id, optionally with all recorded sections (history, labs, physical findings, assessments). SSNs are masked.",
	}, s.handleExamGet)

	mcp.AddTool(s.server, &mcp.Tool{
		Name:        "exam_summary",
		Description: "Get a compact overview of one examination: patient, status, per-section record counts, and qualification determination if assessed.",
	}, s.handleExamSummary)

	mcp.AddTool(s.server, &mcp.Tool{
		Name:        "exam_create",
		Description: "Open a new examination record. Requires policy approval (allow_exam_create).",
	}, s.handleExamCreate)

	mcp.AddTool(s.server, &mcp.Tool{
		Name:        "exam_add_section",
		Description: "Add a section record (medical_history, laboratory_findings, urine_tests, additional_studies, physical_examination, abnormal_findings, assessments) to an examination. The table must be granted in the policy's writable_tables.",
	}, s.handleExamAddSection)

	mcp.AddTool(s.server, &mcp.Tool{
		Name:        "table_schema",
		Description: "Describe the columns of one examination table.",
	}, s.handleTableSchema)

	mcp.AddTool(s.server, &mcp.Tool{
		Name:        "store_status",
		Description: "Report session health: store reachability, table inventory, policy mode, and auto-lock state.",
	}, s.handleStoreStatus)
}

// Run serves MCP over stdio until the context ends or the idle supervisor
// locks the session. The keyring is purged on every exit path.
func (s *Server) Run(ctx context.Context) error {
	ctx, cancel := context.WithCancel(ctx)
	s.cancel = cancel
	defer s.Close()

	s.idle.Arm()
	defer s.idle.Stop()

	return s.server.Run(ctx, &mcp.StdioTransport{})
}

// Close purges the session keyring, fail-closing every tool.
func (s *Server) Close() error {
	s.keys.Purge()
	return nil
}

// touch reports tool activity to the idle supervisor.
func (s *Server) touch() {
	s.idle.Activity()
}

// onIdleLock ends the session after inactivity. The launcher observes the
// process exit and re-seals the store.
func (s *Server) onIdleLock(reason autolock.Reason) {
	if s.audit != nil {
		_ = s.audit.Success(audit.OpAutoLockExpired, audit.SourceMCP, reason.String())
	}
	s.keys.Purge()
	if s.cancel != nil {
		s.cancel()
	}
}
