package mcp

import (
	"context"
	"database/sql"
	"os"
	"path/filepath"
	"strings"
	"testing"
	"time"

	"github.com/modelcontextprotocol/go-sdk/mcp"

	"github.com/radmedic/examvault/internal/autolock"
	"github.com/radmedic/examvault/pkg/crypto"
	"github.com/radmedic/examvault/pkg/exam"
	"github.com/radmedic/examvault/pkg/keyring"
	"github.com/radmedic/examvault/pkg/store"
)

// newTestServer wires a server over a fresh session store with one seeded
// examination. No transport is involved; handlers are called directly.
func newTestServer(t *testing.T, policy *Policy) (*Server, int64) {
	t.Helper()
	path := filepath.Join(t.TempDir(), "session.db")

	db, err := sql.Open("sqlite", path)
	if err != nil {
		t.Fatal(err)
	}
	if err := exam.InitSchema(context.Background(), db); err != nil {
		t.Fatal(err)
	}
	db.Close()

	keys := keyring.New(nil)
	token := crypto.DeriveKey([]byte("session"), []byte("0123456789abcdef"))
	if err := keys.Store(token, keyring.SourceToken); err != nil {
		t.Fatal(err)
	}
	gate := store.NewGate(keys, &store.SessionOpener{Path: path})
	repo := exam.NewRepository(gate, nil, "test")

	ctx := context.Background()
	facilityID, err := repo.CreateFacility(ctx, &exam.Facility{Name: "Naval Hospital"})
	if err != nil {
		t.Fatal(err)
	}
	examID, err := repo.CreateExam(ctx, &exam.Examination{
		ExamType:         "PE",
		ExamDate:         "2026-08-15",
		PatientLastName:  "Ramirez",
		PatientFirstName: "Ana",
		PatientSSN:       "123-45-6789",
		PatientDOB:       "1994-03-02",
		FacilityID:       facilityID,
	})
	if err != nil {
		t.Fatal(err)
	}

	s := &Server{
		server: mcp.NewServer(&mcp.Implementation{Name: "examvault", Version: "test"}, nil),
		repo:   repo,
		keys:   keys,
		policy: policy,
	}
	s.idle = autolock.New(time.Hour, func(autolock.Reason) {})
	s.idle.Arm()
	return s, examID
}

func TestMaskSSN(t *testing.T) {
	tests := []struct{ in, want string }{
		{"123-45-6789", "***-**-6789"},
		{"123456789", "***-**-6789"},
		{"12", "***-**-****"},
		{"", "***-**-****"},
	}
	for _, tt := range tests {
		if got := maskSSN(tt.in); got != tt.want {
			t.Errorf("maskSSN(%q) = %q, want %q", tt.in, got, tt.want)
		}
	}
}

func TestExamListMasksSSN(t *testing.T) {
	s, _ := newTestServer(t, nil)

	_, out, err := s.handleExamList(context.Background(), nil, ExamListInput{})
	if err != nil {
		t.Fatalf("exam_list failed: %v", err)
	}
	if out.Count != 1 {
		t.Fatalf("count = %d, want 1", out.Count)
	}
	if out.Exams[0].PatientSSN != "***-**-6789" {
		t.Errorf("SSN not masked: %q", out.Exams[0].PatientSSN)
	}
	if strings.Contains(out.Exams[0].PatientSSN, "123-45") {
		t.Error("raw SSN leaked to agent output")
	}
}

func TestExamGetWithSections(t *testing.T) {
	s, examID := newTestServer(t, &Policy{Version: 1, WritableTables: []string{"laboratory_findings"}})

	_, _, err := s.handleExamAddSection(context.Background(), nil, ExamAddSectionInput{
		ExamID: examID,
		Table:  "laboratory_findings",
		Fields: map[string]any{"hematocrit": 42.5},
	})
	if err != nil {
		t.Fatalf("exam_add_section failed: %v", err)
	}

	_, out, err := s.handleExamGet(context.Background(), nil, ExamGetInput{ExamID: examID, IncludeSections: true})
	if err != nil {
		t.Fatalf("exam_get failed: %v", err)
	}
	if len(out.Sections["laboratory_findings"]) != 1 {
		t.Errorf("sections missing: %v", out.Sections)
	}
}

func TestExamCreateDeniedByDefault(t *testing.T) {
	s, _ := newTestServer(t, &Policy{Version: 1, DefaultAction: ActionDeny})

	_, _, err := s.handleExamCreate(context.Background(), nil, ExamCreateInput{
		ExamType:         "RE",
		ExamDate:         "2026-01-01",
		PatientLastName:  "Doe",
		PatientFirstName: "Jo",
		PatientSSN:       "987-65-4321",
		PatientDOB:       "1990-01-01",
		FacilityID:       1,
	})
	if err == nil || !strings.Contains(err.Error(), "denied by policy") {
		t.Errorf("expected policy denial, got %v", err)
	}
}

func TestExamCreateWithGrant(t *testing.T) {
	s, _ := newTestServer(t, &Policy{Version: 1, DefaultAction: ActionDeny, AllowExamCreate: true})

	_, out, err := s.handleExamCreate(context.Background(), nil, ExamCreateInput{
		ExamType:         "RE",
		ExamDate:         "2026-01-01",
		PatientLastName:  "Doe",
		PatientFirstName: "Jo",
		PatientSSN:       "987-65-4321",
		PatientDOB:       "1990-01-01",
		FacilityID:       1,
	})
	if err != nil {
		t.Fatalf("exam_create failed: %v", err)
	}
	if out.ExamID == 0 {
		t.Error("expected non-zero exam id")
	}
}

func TestAddSectionDeniedTable(t *testing.T) {
	s, examID := newTestServer(t, &Policy{Version: 1, DefaultAction: ActionDeny})

	_, _, err := s.handleExamAddSection(context.Background(), nil, ExamAddSectionInput{
		ExamID: examID,
		Table:  "assessments",
		Fields: map[string]any{"assessment_notes": "x"},
	})
	if err == nil || !strings.Contains(err.Error(), "denied by policy") {
		t.Errorf("expected policy denial, got %v", err)
	}
}

func TestAddSectionCertificationsNeverWritable(t *testing.T) {
	s, examID := newTestServer(t, &Policy{
		Version:        1,
		DefaultAction:  ActionAllow,
		WritableTables: []string{"certifications"},
	})

	_, _, err := s.handleExamAddSection(context.Background(), nil, ExamAddSectionInput{
		ExamID: examID,
		Table:  "certifications",
		Fields: map[string]any{"certifying_officer": "agent"},
	})
	if err == nil || !strings.Contains(err.Error(), "denied by policy") {
		t.Errorf("certifications write must be denied, got %v", err)
	}
}

func TestTableSchema(t *testing.T) {
	s, _ := newTestServer(t, nil)

	_, out, err := s.handleTableSchema(context.Background(), nil, TableSchemaInput{Table: "examinations"})
	if err != nil {
		t.Fatalf("table_schema failed: %v", err)
	}
	if len(out.Columns) == 0 {
		t.Error("expected column metadata")
	}
}

func TestStoreStatus(t *testing.T) {
	s, _ := newTestServer(t, &Policy{Version: 1})

	_, out, err := s.handleStoreStatus(context.Background(), nil, StoreStatusInput{})
	if err != nil {
		t.Fatalf("store_status failed: %v", err)
	}
	if !out.Reachable || len(out.MissingTables) != 0 {
		t.Errorf("healthy store reported %+v", out)
	}
	if !out.PolicyLoaded || out.ReadOnly {
		t.Errorf("policy state wrong: %+v", out)
	}
	if !out.AutoLockArmed {
		t.Error("auto-lock should be armed")
	}
}

func TestAuthFailurePurgesSessionKey(t *testing.T) {
	path := filepath.Join(t.TempDir(), "session.db")

	db, err := sql.Open("sqlite", path)
	if err != nil {
		t.Fatal(err)
	}
	if err := exam.InitSchema(context.Background(), db); err != nil {
		t.Fatal(err)
	}
	db.Close()

	keys := keyring.New(nil)
	token := crypto.DeriveKey([]byte("session"), []byte("0123456789abcdef"))
	if err := keys.Store(token, keyring.SourceToken); err != nil {
		t.Fatal(err)
	}
	s := &Server{
		server: mcp.NewServer(&mcp.Implementation{Name: "examvault", Version: "test"}, nil),
		repo:   exam.NewRepository(store.NewGate(keys, &store.SessionOpener{Path: path}), nil, "test"),
		keys:   keys,
	}
	s.idle = autolock.New(time.Hour, func(autolock.Reason) {})
	s.idle.Arm()

	// Clobber the session copy so the gate's liveness check fails.
	if err := os.WriteFile(path, []byte("not a store"), 0600); err != nil {
		t.Fatal(err)
	}

	_, _, err = s.handleExamList(context.Background(), nil, ExamListInput{})
	if err == nil {
		t.Fatal("unreadable store still served exam_list")
	}
	if !strings.Contains(err.Error(), "authentication failed") {
		t.Errorf("expected authentication failure message, got %v", err)
	}
	if keys.IsCached() {
		t.Error("session key survived a failed liveness check")
	}

	// Later calls fail closed as locked, not with a retried key.
	if _, _, err := s.handleExamList(context.Background(), nil, ExamListInput{}); err == nil {
		t.Fatal("purged session still served exam_list")
	} else if !strings.Contains(err.Error(), "locked") {
		t.Errorf("expected locked message, got %v", err)
	}
}

func TestToolsFailClosedAfterPurge(t *testing.T) {
	s, examID := newTestServer(t, nil)
	s.keys.Purge()

	if _, _, err := s.handleExamGet(context.Background(), nil, ExamGetInput{ExamID: examID}); err == nil {
		t.Fatal("purged session still served exam_get")
	} else if !strings.Contains(err.Error(), "locked") {
		t.Errorf("expected locked message, got %v", err)
	}

	_, out, err := s.handleStoreStatus(context.Background(), nil, StoreStatusInput{})
	if err != nil {
		t.Fatalf("store_status failed: %v", err)
	}
	if out.Reachable {
		t.Error("purged session reported reachable")
	}
}
