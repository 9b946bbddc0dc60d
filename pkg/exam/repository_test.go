package exam

import (
	"context"
	"database/sql"
	"errors"
	"path/filepath"
	"testing"

	"github.com/radmedic/examvault/pkg/crypto"
	"github.com/radmedic/examvault/pkg/keyring"
	"github.com/radmedic/examvault/pkg/store"
)

// newTestRepository builds a session store with the full schema and a gate
// whose keyring already holds a derived key.
func newTestRepository(t *testing.T) *Repository {
	t.Helper()
	path := filepath.Join(t.TempDir(), "session.db")

	db, err := sql.Open("sqlite", path)
	if err != nil {
		t.Fatalf("failed to open store: %v", err)
	}
	if err := InitSchema(context.Background(), db); err != nil {
		t.Fatalf("InitSchema failed: %v", err)
	}
	db.Close()

	keys := keyring.New(nil)
	key := crypto.DeriveKey([]byte("abc123"), []byte("0123456789abcdef"))
	if err := keys.Store(key, keyring.SourcePrompted); err != nil {
		t.Fatal(err)
	}
	gate := store.NewGate(keys, &store.SessionOpener{Path: path})
	return NewRepository(gate, nil, "test")
}

func testExam(t *testing.T, repo *Repository) (*Examination, int64) {
	t.Helper()
	ctx := context.Background()

	facilityID, err := repo.CreateFacility(ctx, &Facility{Name: "Naval Hospital Bremerton"})
	if err != nil {
		t.Fatalf("CreateFacility failed: %v", err)
	}

	e := &Examination{
		ExamType:         "PE",
		ExamDate:         "2026-08-15",
		PatientLastName:  "Ramirez",
		PatientFirstName: "Ana",
		PatientSSN:       "123-45-6789",
		PatientDOB:       "1994-03-02",
		CommandUnit:      "USS Example",
		RankGrade:        "HM2",
		FacilityID:       facilityID,
	}
	id, err := repo.CreateExam(ctx, e)
	if err != nil {
		t.Fatalf("CreateExam failed: %v", err)
	}
	return e, id
}

func TestCreateAndGetExam(t *testing.T) {
	repo := newTestRepository(t)
	want, id := testExam(t, repo)

	got, err := repo.GetExam(context.Background(), id)
	if err != nil {
		t.Fatalf("GetExam failed: %v", err)
	}
	if got.ExamType != want.ExamType || got.PatientLastName != want.PatientLastName {
		t.Errorf("got %q/%q, want %q/%q", got.ExamType, got.PatientLastName, want.ExamType, want.PatientLastName)
	}
	if got.Status != "open" {
		t.Errorf("new exam status = %q, want open", got.Status)
	}
}

func TestGetExamNotFound(t *testing.T) {
	repo := newTestRepository(t)
	if _, err := repo.GetExam(context.Background(), 9999); !errors.Is(err, ErrExamNotFound) {
		t.Errorf("expected ErrExamNotFound, got %v", err)
	}
}

func TestCreateExamValidation(t *testing.T) {
	repo := newTestRepository(t)
	ctx := context.Background()

	facilityID, err := repo.CreateFacility(ctx, &Facility{Name: "Clinic"})
	if err != nil {
		t.Fatal(err)
	}

	valid := Examination{
		ExamType:         "RE",
		ExamDate:         "2026-01-10",
		PatientLastName:  "Doe",
		PatientFirstName: "Jo",
		PatientSSN:       "987-65-4321",
		PatientDOB:       "1990-01-01",
		FacilityID:       facilityID,
	}

	tests := []struct {
		name   string
		mutate func(e *Examination)
	}{
		{"bad exam type", func(e *Examination) { e.ExamType = "XX" }},
		{"missing last name", func(e *Examination) { e.PatientLastName = "" }},
		{"bad ssn", func(e *Examination) { e.PatientSSN = "12-3456" }},
		{"bad date", func(e *Examination) { e.ExamDate = "01/10/2026" }},
		{"missing facility", func(e *Examination) { e.FacilityID = 0 }},
	}
	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			e := valid
			tt.mutate(&e)
			if _, err := repo.CreateExam(ctx, &e); !errors.Is(err, ErrInvalidExam) {
				t.Errorf("expected ErrInvalidExam, got %v", err)
			}
		})
	}
}

func TestNormalizeName(t *testing.T) {
	// NFD "é" (i + combining accent) must normalize to the NFC form.
	decomposed := "García"
	composed := "García"
	if got := NormalizeName(decomposed); got != composed {
		t.Errorf("NormalizeName(%q) = %q, want %q", decomposed, got, composed)
	}
	if got := NormalizeName("  Del   Toro "); got != "Del Toro" {
		t.Errorf("whitespace collapse failed: %q", got)
	}
}

func TestListExamsFilters(t *testing.T) {
	repo := newTestRepository(t)
	ctx := context.Background()
	_, _ = testExam(t, repo)

	facilityID, err := repo.CreateFacility(ctx, &Facility{Name: "Branch Clinic"})
	if err != nil {
		t.Fatal(err)
	}
	_, err = repo.CreateExam(ctx, &Examination{
		ExamType:         "TE",
		ExamDate:         "2026-06-01",
		PatientLastName:  "Okafor",
		PatientFirstName: "Ben",
		PatientSSN:       "111-22-3333",
		PatientDOB:       "1988-11-20",
		FacilityID:       facilityID,
	})
	if err != nil {
		t.Fatal(err)
	}

	all, err := repo.ListExams(ctx, Filter{})
	if err != nil {
		t.Fatalf("ListExams failed: %v", err)
	}
	if len(all) != 2 {
		t.Fatalf("got %d exams, want 2", len(all))
	}

	byName, err := repo.ListExams(ctx, Filter{PatientLastName: "Okafor"})
	if err != nil {
		t.Fatal(err)
	}
	if len(byName) != 1 || byName[0].ExamType != "TE" {
		t.Errorf("name filter returned %d exams", len(byName))
	}

	byType, err := repo.ListExams(ctx, Filter{ExamType: "PE"})
	if err != nil {
		t.Fatal(err)
	}
	if len(byType) != 1 || byType[0].PatientLastName != "Ramirez" {
		t.Errorf("type filter returned %d exams", len(byType))
	}

	limited, err := repo.ListExams(ctx, Filter{Limit: 1})
	if err != nil {
		t.Fatal(err)
	}
	if len(limited) != 1 {
		t.Errorf("limit 1 returned %d exams", len(limited))
	}
}

func TestAddSection(t *testing.T) {
	repo := newTestRepository(t)
	ctx := context.Background()
	_, id := testExam(t, repo)

	labID, err := repo.AddSection(ctx, "laboratory_findings", id, map[string]any{
		"hematocrit": 44.1,
		"wbc_count":  6800,
	})
	if err != nil {
		t.Fatalf("AddSection failed: %v", err)
	}
	if labID == 0 {
		t.Error("expected non-zero row id")
	}

	_, sections, err := repo.GetExamWithSections(ctx, id)
	if err != nil {
		t.Fatalf("GetExamWithSections failed: %v", err)
	}
	rows := sections["laboratory_findings"]
	if len(rows) != 1 {
		t.Fatalf("got %d lab rows, want 1", len(rows))
	}
	if rows[0]["wbc_count"] != int64(6800) {
		t.Errorf("wbc_count = %v, want 6800", rows[0]["wbc_count"])
	}
}

func TestAddSectionRejectsBadInput(t *testing.T) {
	repo := newTestRepository(t)
	ctx := context.Background()
	_, id := testExam(t, repo)

	if _, err := repo.AddSection(ctx, "examinations", id, map[string]any{"status": "complete"}); !errors.Is(err, ErrUnknownTable) {
		t.Errorf("main table accepted as section: %v", err)
	}
	if _, err := repo.AddSection(ctx, "sqlite_master", id, map[string]any{"x": 1}); !errors.Is(err, ErrUnknownTable) {
		t.Errorf("arbitrary table accepted: %v", err)
	}
	if _, err := repo.AddSection(ctx, "assessments", id, map[string]any{"notes; DROP TABLE": "x"}); !errors.Is(err, ErrInvalidColumn) {
		t.Errorf("malformed column accepted: %v", err)
	}
	if _, err := repo.AddSection(ctx, "assessments", 9999, map[string]any{"assessment_notes": "x"}); !errors.Is(err, ErrExamNotFound) {
		t.Errorf("missing exam accepted: %v", err)
	}
}

func TestGetSummary(t *testing.T) {
	repo := newTestRepository(t)
	ctx := context.Background()
	_, id := testExam(t, repo)

	if _, err := repo.AddSection(ctx, "assessments", id, map[string]any{
		"qualification_status": "PQ",
		"examiner_name":        "LCDR Smith",
	}); err != nil {
		t.Fatal(err)
	}
	if _, err := repo.AddSection(ctx, "urine_tests", id, map[string]any{
		"dipstick_blood_result": "Negative",
	}); err != nil {
		t.Fatal(err)
	}

	s, err := repo.GetSummary(ctx, id)
	if err != nil {
		t.Fatalf("GetSummary failed: %v", err)
	}
	if s.Qualification != "PQ" {
		t.Errorf("qualification = %q, want PQ", s.Qualification)
	}
	if s.SectionCounts["assessments"] != 1 || s.SectionCounts["urine_tests"] != 1 {
		t.Errorf("section counts wrong: %v", s.SectionCounts)
	}
	if s.SectionCounts["medical_history"] != 0 {
		t.Errorf("empty section counted: %v", s.SectionCounts)
	}
}

func TestTableSchema(t *testing.T) {
	repo := newTestRepository(t)

	cols, err := repo.TableSchema(context.Background(), "examinations")
	if err != nil {
		t.Fatalf("TableSchema failed: %v", err)
	}
	found := false
	for _, col := range cols {
		if col["name"] == "patient_ssn" {
			found = true
		}
	}
	if !found {
		t.Error("patient_ssn column missing from schema listing")
	}

	if _, err := repo.TableSchema(context.Background(), "sqlite_master"); !errors.Is(err, ErrUnknownTable) {
		t.Errorf("arbitrary table accepted: %v", err)
	}
}

func TestCheckTables(t *testing.T) {
	path := filepath.Join(t.TempDir(), "partial.db")
	db, err := sql.Open("sqlite", path)
	if err != nil {
		t.Fatal(err)
	}
	defer db.Close()

	missing, err := CheckTables(context.Background(), db)
	if err != nil {
		t.Fatalf("CheckTables failed: %v", err)
	}
	if len(missing) != len(ExpectedTables) {
		t.Errorf("empty store missing %d tables, want %d", len(missing), len(ExpectedTables))
	}

	if err := InitSchema(context.Background(), db); err != nil {
		t.Fatal(err)
	}
	missing, err = CheckTables(context.Background(), db)
	if err != nil {
		t.Fatal(err)
	}
	if len(missing) != 0 {
		t.Errorf("initialized store still missing %v", missing)
	}
}
