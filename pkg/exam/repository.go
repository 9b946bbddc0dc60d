// Package exam provides gated access to NAVMED 6470/13 radiation
// medical-examination records. All store I/O goes through the encrypted
// connection gate; this package never sees key material.
package exam

import (
	"context"
	"database/sql"
	"errors"
	"fmt"
	"regexp"
	"strings"
	"time"

	"golang.org/x/text/unicode/norm"

	"github.com/radmedic/examvault/pkg/audit"
	"github.com/radmedic/examvault/pkg/store"
)

// Errors.
var (
	ErrExamNotFound  = errors.New("exam: examination not found")
	ErrUnknownTable  = errors.New("exam: not a valid examination table")
	ErrInvalidColumn = errors.New("exam: invalid column name")
	ErrInvalidExam   = errors.New("exam: invalid examination record")
)

// Valid exam types per NAVMED 6470/13: pre-placement, re-examination,
// situational, termination.
var examTypes = map[string]bool{"PE": true, "RE": true, "SE": true, "TE": true}

// Examination is the main exam record.
type Examination struct {
	ID                   int64
	ExamType             string
	ExamDate             string
	PatientLastName      string
	PatientFirstName     string
	PatientMiddleInitial string
	PatientSSN           string
	PatientDOB           string
	CommandUnit          string
	RankGrade            string
	DepartmentService    string
	FacilityID           int64
	Status               string
	CreatedAt            time.Time
	UpdatedAt            time.Time
}

// Facility is an examining facility.
type Facility struct {
	ID      int64
	Name    string
	Address string
	Phone   string
	Type    string
}

// Filter narrows ListExams results. Zero values mean "no constraint".
type Filter struct {
	PatientLastName string
	ExamType        string
	Status          string
	Limit           int
}

// Summary is a compact view of one examination and its section coverage.
type Summary struct {
	Exam          Examination
	SectionCounts map[string]int
	Qualification string // PQ, NPQ, PDQ, or empty if not assessed
}

// Repository runs examination operations through the gate.
type Repository struct {
	gate   *store.Gate
	audit  *audit.Logger
	source string
}

// NewRepository returns a repository bound to a gate. log may be nil when
// no audit trail is configured (tests, read-only tooling).
func NewRepository(gate *store.Gate, log *audit.Logger, source string) *Repository {
	return &Repository{gate: gate, audit: log, source: source}
}

// InitSchema creates all examination tables on an open store connection.
// Used at store creation time, before any gate exists.
func InitSchema(ctx context.Context, db *sql.DB) error {
	for _, stmt := range schemaStatements {
		if _, err := db.ExecContext(ctx, stmt); err != nil {
			return fmt.Errorf("exam: failed to create schema: %w", err)
		}
	}
	return nil
}

// CheckTables verifies every expected table exists on the connection.
func CheckTables(ctx context.Context, db *sql.DB) ([]string, error) {
	var missing []string
	for _, table := range ExpectedTables {
		var name string
		err := db.QueryRowContext(ctx,
			"SELECT name FROM sqlite_master WHERE type='table' AND name=?", table).Scan(&name)
		if errors.Is(err, sql.ErrNoRows) {
			missing = append(missing, table)
			continue
		}
		if err != nil {
			return nil, fmt.Errorf("exam: failed to check table %s: %w", table, err)
		}
	}
	return missing, nil
}

// ssnPattern accepts 123-45-6789 with or without dashes.
var ssnPattern = regexp.MustCompile(`^\d{3}-?\d{2}-?\d{4}$`)

// Validate checks the fields required before an examination can be stored.
func (e *Examination) Validate() error {
	if !examTypes[e.ExamType] {
		return fmt.Errorf("%w: exam_type must be PE, RE, SE, or TE", ErrInvalidExam)
	}
	if e.PatientLastName == "" || e.PatientFirstName == "" {
		return fmt.Errorf("%w: patient name is required", ErrInvalidExam)
	}
	if !ssnPattern.MatchString(e.PatientSSN) {
		return fmt.Errorf("%w: patient_ssn format invalid", ErrInvalidExam)
	}
	for _, date := range []string{e.ExamDate, e.PatientDOB} {
		if _, err := time.Parse("2006-01-02", date); err != nil {
			return fmt.Errorf("%w: dates must be YYYY-MM-DD", ErrInvalidExam)
		}
	}
	if e.FacilityID <= 0 {
		return fmt.Errorf("%w: facility_id is required", ErrInvalidExam)
	}
	return nil
}

// NormalizeName canonicalizes a patient name for storage and search: NFC
// normalization plus whitespace collapse, so accented names entered from
// different keyboards compare equal.
func NormalizeName(name string) string {
	name = norm.NFC.String(name)
	return strings.Join(strings.Fields(name), " ")
}

// CreateFacility inserts an examining facility and returns its id.
func (r *Repository) CreateFacility(ctx context.Context, f *Facility) (int64, error) {
	if f.Name == "" {
		return 0, fmt.Errorf("%w: facility_name is required", ErrInvalidExam)
	}

	var id int64
	err := r.gate.WithStore(ctx, func(db *sql.DB) error {
		res, err := db.ExecContext(ctx, `
			INSERT INTO examining_facilities (facility_name, facility_address, facility_phone, facility_type)
			VALUES (?, ?, ?, ?)`,
			f.Name, f.Address, f.Phone, f.Type)
		if err != nil {
			return fmt.Errorf("exam: failed to insert facility: %w", err)
		}
		id, err = res.LastInsertId()
		return err
	})
	return id, err
}

// CreateExam validates and inserts an examination, returning its id.
func (r *Repository) CreateExam(ctx context.Context, e *Examination) (int64, error) {
	e.PatientLastName = NormalizeName(e.PatientLastName)
	e.PatientFirstName = NormalizeName(e.PatientFirstName)
	if err := e.Validate(); err != nil {
		r.logError(audit.OpExamCreate, "", err)
		return 0, err
	}

	var id int64
	err := r.gate.WithStore(ctx, func(db *sql.DB) error {
		res, err := db.ExecContext(ctx, `
			INSERT INTO examinations (
				exam_type, exam_date, patient_last_name, patient_first_name,
				patient_middle_initial, patient_ssn, patient_dob, command_unit,
				rank_grade, department_service, facility_id, status
			) VALUES (?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?, 'open')`,
			e.ExamType, e.ExamDate, e.PatientLastName, e.PatientFirstName,
			e.PatientMiddleInitial, e.PatientSSN, e.PatientDOB, e.CommandUnit,
			e.RankGrade, e.DepartmentService, e.FacilityID)
		if err != nil {
			return fmt.Errorf("exam: failed to insert examination: %w", err)
		}
		id, err = res.LastInsertId()
		return err
	})
	if err != nil {
		r.logError(audit.OpExamCreate, "", err)
		return 0, err
	}

	r.logSuccess(audit.OpExamCreate, fmt.Sprintf("exam-%d", id))
	return id, nil
}

// GetExam fetches one examination by id.
func (r *Repository) GetExam(ctx context.Context, id int64) (*Examination, error) {
	var e Examination
	err := r.gate.WithStore(ctx, func(db *sql.DB) error {
		row := db.QueryRowContext(ctx, `
			SELECT exam_id, exam_type, exam_date, patient_last_name, patient_first_name,
				COALESCE(patient_middle_initial, ''), patient_ssn, patient_dob,
				COALESCE(command_unit, ''), COALESCE(rank_grade, ''),
				COALESCE(department_service, ''), facility_id, status, created_at, updated_at
			FROM examinations WHERE exam_id = ?`, id)
		err := row.Scan(&e.ID, &e.ExamType, &e.ExamDate, &e.PatientLastName,
			&e.PatientFirstName, &e.PatientMiddleInitial, &e.PatientSSN, &e.PatientDOB,
			&e.CommandUnit, &e.RankGrade, &e.DepartmentService, &e.FacilityID,
			&e.Status, &e.CreatedAt, &e.UpdatedAt)
		if errors.Is(err, sql.ErrNoRows) {
			return ErrExamNotFound
		}
		return err
	})
	if err != nil {
		return nil, err
	}

	r.logSuccess(audit.OpExamGet, fmt.Sprintf("exam-%d", id))
	return &e, nil
}

// GetExamWithSections fetches an examination plus every section table's
// rows for it, keyed by table name.
func (r *Repository) GetExamWithSections(ctx context.Context, id int64) (*Examination, map[string][]map[string]any, error) {
	exam, err := r.GetExam(ctx, id)
	if err != nil {
		return nil, nil, err
	}

	sections := make(map[string][]map[string]any)
	err = r.gate.WithStore(ctx, func(db *sql.DB) error {
		for _, table := range SectionTables {
			rows, err := queryRows(ctx, db,
				fmt.Sprintf("SELECT * FROM %s WHERE exam_id = ?", table), id)
			if err != nil {
				return err
			}
			if len(rows) > 0 {
				sections[table] = rows
			}
		}
		return nil
	})
	if err != nil {
		return nil, nil, err
	}
	return exam, sections, nil
}

// ListExams returns examinations matching the filter, newest first.
func (r *Repository) ListExams(ctx context.Context, f Filter) ([]*Examination, error) {
	query := `
		SELECT exam_id, exam_type, exam_date, patient_last_name, patient_first_name,
			COALESCE(patient_middle_initial, ''), patient_ssn, patient_dob,
			COALESCE(command_unit, ''), COALESCE(rank_grade, ''),
			COALESCE(department_service, ''), facility_id, status, created_at, updated_at
		FROM examinations`

	var conds []string
	var args []any
	if f.PatientLastName != "" {
		conds = append(conds, "patient_last_name = ?")
		args = append(args, NormalizeName(f.PatientLastName))
	}
	if f.ExamType != "" {
		conds = append(conds, "exam_type = ?")
		args = append(args, f.ExamType)
	}
	if f.Status != "" {
		conds = append(conds, "status = ?")
		args = append(args, f.Status)
	}
	if len(conds) > 0 {
		query += " WHERE " + strings.Join(conds, " AND ")
	}
	query += " ORDER BY created_at DESC"

	limit := f.Limit
	if limit <= 0 {
		limit = 10
	}
	query += " LIMIT ?"
	args = append(args, limit)

	var exams []*Examination
	err := r.gate.WithStore(ctx, func(db *sql.DB) error {
		rows, err := db.QueryContext(ctx, query, args...)
		if err != nil {
			return fmt.Errorf("exam: failed to query examinations: %w", err)
		}
		defer rows.Close()

		for rows.Next() {
			var e Examination
			if err := rows.Scan(&e.ID, &e.ExamType, &e.ExamDate, &e.PatientLastName,
				&e.PatientFirstName, &e.PatientMiddleInitial, &e.PatientSSN, &e.PatientDOB,
				&e.CommandUnit, &e.RankGrade, &e.DepartmentService, &e.FacilityID,
				&e.Status, &e.CreatedAt, &e.UpdatedAt); err != nil {
				return fmt.Errorf("exam: failed to scan row: %w", err)
			}
			exams = append(exams, &e)
		}
		return rows.Err()
	})
	if err != nil {
		return nil, err
	}

	r.logSuccess(audit.OpExamList, "")
	return exams, nil
}

// AddSection inserts a record into one of the per-exam section tables.
// Column names are validated as identifiers before they reach SQL text.
func (r *Repository) AddSection(ctx context.Context, table string, examID int64, fields map[string]any) (int64, error) {
	if !isSectionTable(table) {
		r.logError(audit.OpExamAddSection, table, ErrUnknownTable)
		return 0, ErrUnknownTable
	}
	if len(fields) == 0 {
		return 0, fmt.Errorf("%w: no fields provided", ErrInvalidExam)
	}

	columns := make([]string, 0, len(fields)+1)
	args := make([]any, 0, len(fields)+1)
	columns = append(columns, "exam_id")
	args = append(args, examID)
	for col, val := range fields {
		if !identPattern.MatchString(col) {
			return 0, fmt.Errorf("%w: %q", ErrInvalidColumn, col)
		}
		columns = append(columns, col)
		args = append(args, val)
	}

	placeholders := strings.TrimSuffix(strings.Repeat("?, ", len(columns)), ", ")
	query := fmt.Sprintf("INSERT INTO %s (%s) VALUES (%s)",
		table, strings.Join(columns, ", "), placeholders)

	var id int64
	err := r.gate.WithStore(ctx, func(db *sql.DB) error {
		// The exam must exist; FK enforcement is off by default in SQLite.
		var n int
		if err := db.QueryRowContext(ctx,
			"SELECT count(*) FROM examinations WHERE exam_id = ?", examID).Scan(&n); err != nil {
			return err
		}
		if n == 0 {
			return ErrExamNotFound
		}

		res, err := db.ExecContext(ctx, query, args...)
		if err != nil {
			return fmt.Errorf("exam: failed to insert into %s: %w", table, err)
		}
		id, err = res.LastInsertId()
		return err
	})
	if err != nil {
		r.logError(audit.OpExamAddSection, table, err)
		return 0, err
	}

	r.logSuccess(audit.OpExamAddSection, table)
	return id, nil
}

// GetSummary returns a compact overview of one examination.
func (r *Repository) GetSummary(ctx context.Context, id int64) (*Summary, error) {
	exam, err := r.GetExam(ctx, id)
	if err != nil {
		return nil, err
	}

	s := &Summary{Exam: *exam, SectionCounts: make(map[string]int)}
	err = r.gate.WithStore(ctx, func(db *sql.DB) error {
		for _, table := range SectionTables {
			var n int
			if err := db.QueryRowContext(ctx,
				fmt.Sprintf("SELECT count(*) FROM %s WHERE exam_id = ?", table), id).Scan(&n); err != nil {
				return err
			}
			s.SectionCounts[table] = n
		}

		err := db.QueryRowContext(ctx, `
			SELECT qualification_status FROM assessments
			WHERE exam_id = ? AND qualification_status IS NOT NULL
			ORDER BY created_at DESC LIMIT 1`, id).Scan(&s.Qualification)
		if errors.Is(err, sql.ErrNoRows) {
			return nil
		}
		return err
	})
	if err != nil {
		return nil, err
	}

	r.logSuccess(audit.OpExamSummary, fmt.Sprintf("exam-%d", id))
	return s, nil
}

// CheckStore verifies the gated store carries every expected table and
// returns the names of any missing ones.
func (r *Repository) CheckStore(ctx context.Context) ([]string, error) {
	var missing []string
	err := r.gate.WithStore(ctx, func(db *sql.DB) error {
		var err error
		missing, err = CheckTables(ctx, db)
		return err
	})
	return missing, err
}

// TableSchema returns column metadata for one examination table.
func (r *Repository) TableSchema(ctx context.Context, table string) ([]map[string]any, error) {
	if !isExpectedTable(table) {
		return nil, ErrUnknownTable
	}

	var columns []map[string]any
	err := r.gate.WithStore(ctx, func(db *sql.DB) error {
		var err error
		columns, err = queryRows(ctx, db, fmt.Sprintf("PRAGMA table_info(%s)", table))
		return err
	})
	return columns, err
}

// identPattern restricts dynamic column names to plain identifiers.
var identPattern = regexp.MustCompile(`^[a-z][a-z0-9_]*$`)

func isSectionTable(table string) bool {
	for _, t := range SectionTables {
		if t == table {
			return true
		}
	}
	return false
}

func isExpectedTable(table string) bool {
	for _, t := range ExpectedTables {
		if t == table {
			return true
		}
	}
	return false
}

// queryRows runs a query and returns generic rows keyed by column name.
func queryRows(ctx context.Context, db *sql.DB, query string, args ...any) ([]map[string]any, error) {
	rows, err := db.QueryContext(ctx, query, args...)
	if err != nil {
		return nil, fmt.Errorf("exam: query failed: %w", err)
	}
	defer rows.Close()

	cols, err := rows.Columns()
	if err != nil {
		return nil, err
	}

	var out []map[string]any
	for rows.Next() {
		values := make([]any, len(cols))
		ptrs := make([]any, len(cols))
		for i := range values {
			ptrs[i] = &values[i]
		}
		if err := rows.Scan(ptrs...); err != nil {
			return nil, fmt.Errorf("exam: failed to scan row: %w", err)
		}

		row := make(map[string]any, len(cols))
		for i, col := range cols {
			if b, ok := values[i].([]byte); ok {
				row[col] = string(b)
			} else {
				row[col] = values[i]
			}
		}
		out = append(out, row)
	}
	return out, rows.Err()
}

func (r *Repository) logSuccess(op, subject string) {
	if r.audit != nil {
		_ = r.audit.Success(op, r.source, subject)
	}
}

func (r *Repository) logError(op, subject string, err error) {
	if r.audit != nil {
		_ = r.audit.Error(op, r.source, subject, err.Error())
	}
}
