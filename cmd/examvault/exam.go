package main

import (
	"context"
	"crypto/rand"
	"encoding/json"
	"errors"
	"fmt"
	"os"
	"path/filepath"
	"strconv"

	"github.com/spf13/cobra"

	"github.com/radmedic/examvault/internal/authflow"
	"github.com/radmedic/examvault/pkg/audit"
	"github.com/radmedic/examvault/pkg/crypto"
	"github.com/radmedic/examvault/pkg/exam"
	"github.com/radmedic/examvault/pkg/keyring"
	"github.com/radmedic/examvault/pkg/store"
)

var (
	listPatient string
	listType    string
	listStatus  string
	listLimit   int

	getSections bool
)

func init() {
	rootCmd.AddCommand(examCmd)
	examCmd.AddCommand(examListCmd)
	examCmd.AddCommand(examGetCmd)
	examCmd.AddCommand(examSummaryCmd)

	examListCmd.Flags().StringVar(&listPatient, "patient", "", "Filter by patient last name")
	examListCmd.Flags().StringVar(&listType, "type", "", "Filter by exam type (PE, RE, SE, TE)")
	examListCmd.Flags().StringVar(&listStatus, "status", "", "Filter by status (open, complete)")
	examListCmd.Flags().IntVar(&listLimit, "limit", 10, "Maximum number of examinations to show")

	examGetCmd.Flags().BoolVar(&getSections, "sections", false, "Include all section records")
}

var examCmd = &cobra.Command{
	Use:   "exam",
	Short: "Read examination records from the store",
}

var examListCmd = &cobra.Command{
	Use:   "list",
	Short: "List examinations",
	RunE: func(cmd *cobra.Command, args []string) error {
		return withRepo(cmd.Context(), func(ctx context.Context, repo *exam.Repository) error {
			exams, err := repo.ListExams(ctx, exam.Filter{
				PatientLastName: listPatient,
				ExamType:        listType,
				Status:          listStatus,
				Limit:           listLimit,
			})
			if err != nil {
				return err
			}
			if len(exams) == 0 {
				fmt.Println("No examinations found.")
				return nil
			}
			fmt.Printf("%-6s %-4s %-12s %-24s %-10s %s\n", "ID", "TYPE", "DATE", "PATIENT", "STATUS", "FACILITY")
			for _, e := range exams {
				name := e.PatientLastName + ", " + e.PatientFirstName
				fmt.Printf("%-6d %-4s %-12s %-24s %-10s %d\n",
					e.ID, e.ExamType, e.ExamDate, name, e.Status, e.FacilityID)
			}
			return nil
		})
	},
}

var examGetCmd = &cobra.Command{
	Use:   "get [exam-id]",
	Short: "Show one examination as JSON",
	Args:  cobra.ExactArgs(1),
	RunE: func(cmd *cobra.Command, args []string) error {
		id, err := strconv.ParseInt(args[0], 10, 64)
		if err != nil {
			return fmt.Errorf("invalid exam id %q", args[0])
		}
		return withRepo(cmd.Context(), func(ctx context.Context, repo *exam.Repository) error {
			var out any
			if getSections {
				e, sections, err := repo.GetExamWithSections(ctx, id)
				if err != nil {
					return err
				}
				out = map[string]any{"exam": e, "sections": sections}
			} else {
				e, err := repo.GetExam(ctx, id)
				if err != nil {
					return err
				}
				out = e
			}
			enc := json.NewEncoder(os.Stdout)
			enc.SetIndent("", "  ")
			return enc.Encode(out)
		})
	},
}

var examSummaryCmd = &cobra.Command{
	Use:   "summary [exam-id]",
	Short: "Show an examination overview",
	Args:  cobra.ExactArgs(1),
	RunE: func(cmd *cobra.Command, args []string) error {
		id, err := strconv.ParseInt(args[0], 10, 64)
		if err != nil {
			return fmt.Errorf("invalid exam id %q", args[0])
		}
		return withRepo(cmd.Context(), func(ctx context.Context, repo *exam.Repository) error {
			s, err := repo.GetSummary(ctx, id)
			if err != nil {
				return err
			}
			fmt.Printf("Exam %d: %s on %s\n", s.Exam.ID, s.Exam.ExamType, s.Exam.ExamDate)
			fmt.Printf("Patient: %s, %s  Status: %s\n", s.Exam.PatientLastName, s.Exam.PatientFirstName, s.Exam.Status)
			if s.Qualification != "" {
				fmt.Printf("Qualification: %s\n", s.Qualification)
			} else {
				fmt.Println("Qualification: not yet assessed")
			}
			fmt.Println("Sections:")
			for _, table := range exam.SectionTables {
				fmt.Printf("  %-22s %d\n", table, s.SectionCounts[table])
			}
			return nil
		})
	},
}

// withRepo runs op against a gated repository. If an unlocked session
// already exists (a launch is running) it is reused; otherwise the store is
// unlocked into a private temporary copy that is discarded afterwards, so
// the sealed artifact is never touched. Reads only: writes to the
// temporary copy would be lost.
func withRepo(ctx context.Context, op func(context.Context, *exam.Repository) error) error {
	dir, err := resolveVaultDir()
	if err != nil {
		return err
	}

	session := sessionPath(dir)
	if _, err := os.Stat(session); err == nil {
		token := make([]byte, 32)
		if _, err := rand.Read(token); err != nil {
			return err
		}
		keys := keyring.New(nil)
		if err := keys.Store(token, keyring.SourceToken); err != nil {
			return err
		}
		gate := store.NewGate(keys, &store.SessionOpener{Path: session})
		return purgeOnAuthFailure(keys, nil, op(ctx, exam.NewRepository(gate, nil, audit.SourceCLI)))
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

	tmpDir, err := os.MkdirTemp("", "examvault-cli-")
	if err != nil {
		return err
	}
	defer os.RemoveAll(tmpDir)

	copyPath := filepath.Join(tmpDir, "session.db")
	if err := os.WriteFile(copyPath, result.Plaintext, 0600); err != nil {
		return err
	}

	keys := keyring.New(nil)
	if err := keys.Store(result.Key, keyring.SourcePrompted); err != nil {
		return err
	}
	defer keys.Purge()

	log := audit.NewLogger(dir)
	var auditLog *audit.Logger
	if log.SetHMACKey(result.Key) == nil {
		auditLog = log
	}

	gate := store.NewGate(keys, &store.SessionOpener{Path: copyPath})
	return purgeOnAuthFailure(keys, auditLog, op(ctx, exam.NewRepository(gate, auditLog, audit.SourceCLI)))
}

// purgeOnAuthFailure discards the cached key when a gated operation fails
// its liveness check. A key that failed once is stale or the session copy is
// damaged; holding on to it would just repeat the failure.
func purgeOnAuthFailure(keys *keyring.Service, log *audit.Logger, err error) error {
	if err == nil || !errors.Is(err, store.ErrAuthentication) {
		return err
	}
	keys.Purge()
	if log != nil {
		_ = log.Denied(audit.OpGateDenied, audit.SourceCLI, "", "store authentication failed; session key purged")
	}
	return err
}
