package mcp

import (
	"context"
	"errors"
	"fmt"
	"strings"

	"github.com/modelcontextprotocol/go-sdk/mcp"

	"github.com/radmedic/examvault/pkg/audit"
	"github.com/radmedic/examvault/pkg/exam"
	"github.com/radmedic/examvault/pkg/keyring"
	"github.com/radmedic/examvault/pkg/store"
)

// ExamInfo is an examination as exposed to the agent. The SSN is always
// masked to its last four digits.
type ExamInfo struct {
	ExamID      int64  `json:"exam_id"`
	ExamType    string `json:"exam_type"`
	ExamDate    string `json:"exam_date"`
	PatientName string `json:"patient_name"`
	PatientSSN  string `json:"patient_ssn_masked"`
	PatientDOB  string `json:"patient_dob"`
	CommandUnit string `json:"command_unit,omitempty"`
	RankGrade   string `json:"rank_grade,omitempty"`
	FacilityID  int64  `json:"facility_id"`
	Status      string `json:"status"`
}

// ExamListInput represents input for the exam_list tool.
type ExamListInput struct {
	PatientLastName string `json:"patient_last_name,omitempty"`
	ExamType        string `json:"exam_type,omitempty"`
	Status          string `json:"status,omitempty"`
	Limit           int    `json:"limit,omitempty"`
}

// ExamListOutput represents output for the exam_list tool.
type ExamListOutput struct {
	Exams []ExamInfo `json:"exams"`
	Count int        `json:"count"`
}

// ExamGetInput represents input for the exam_get tool.
type ExamGetInput struct {
	ExamID          int64 `json:"exam_id"`
	IncludeSections bool  `json:"include_sections,omitempty"`
}

// ExamGetOutput represents output for the exam_get tool.
type ExamGetOutput struct {
	Exam     ExamInfo                    `json:"exam"`
	Sections map[string][]map[string]any `json:"sections,omitempty"`
}

// ExamSummaryInput represents input for the exam_summary tool.
type ExamSummaryInput struct {
	ExamID int64 `json:"exam_id"`
}

// ExamSummaryOutput represents output for the exam_summary tool.
type ExamSummaryOutput struct {
	Exam          ExamInfo       `json:"exam"`
	SectionCounts map[string]int `json:"section_counts"`
	Qualification string         `json:"qualification,omitempty"`
}

// ExamCreateInput represents input for the exam_create tool.
type ExamCreateInput struct {
	ExamType             string `json:"exam_type"`
	ExamDate             string `json:"exam_date"`
	PatientLastName      string `json:"patient_last_name"`
	PatientFirstName     string `json:"patient_first_name"`
	PatientMiddleInitial string `json:"patient_middle_initial,omitempty"`
	PatientSSN           string `json:"patient_ssn"`
	PatientDOB           string `json:"patient_dob"`
	CommandUnit          string `json:"command_unit,omitempty"`
	RankGrade            string `json:"rank_grade,omitempty"`
	DepartmentService    string `json:"department_service,omitempty"`
	FacilityID           int64  `json:"facility_id"`
}

// ExamCreateOutput represents output for the exam_create tool.
type ExamCreateOutput struct {
	ExamID int64 `json:"exam_id"`
}

// ExamAddSectionInput represents input for the exam_add_section tool.
type ExamAddSectionInput struct {
	ExamID int64          `json:"exam_id"`
	Table  string         `json:"table"`
	Fields map[string]any `json:"fields"`
}

// ExamAddSectionOutput represents output for the exam_add_section tool.
type ExamAddSectionOutput struct {
	RecordID int64  `json:"record_id"`
	Table    string `json:"table"`
}

// TableSchemaInput represents input for the table_schema tool.
type TableSchemaInput struct {
	Table string `json:"table"`
}

// TableSchemaOutput represents output for the table_schema tool.
type TableSchemaOutput struct {
	Table   string           `json:"table"`
	Columns []map[string]any `json:"columns"`
}

// StoreStatusInput represents input for the store_status tool.
type StoreStatusInput struct{}

// StoreStatusOutput represents output for the store_status tool.
type StoreStatusOutput struct {
	Reachable     bool     `json:"reachable"`
	MissingTables []string `json:"missing_tables,omitempty"`
	PolicyLoaded  bool     `json:"policy_loaded"`
	ReadOnly      bool     `json:"read_only"`
	AutoLockArmed bool     `json:"auto_lock_armed"`
}

// maskSSN hides everything but the last four digits.
func maskSSN(ssn string) string {
	digits := strings.Map(func(r rune) rune {
		if r >= '0' && r <= '9' {
			return r
		}
		return -1
	}, ssn)
	if len(digits) < 4 {
		return "***-**-****"
	}
	return "***-**-" + digits[len(digits)-4:]
}

func examInfo(e *exam.Examination) ExamInfo {
	name := e.PatientLastName + ", " + e.PatientFirstName
	if e.PatientMiddleInitial != "" {
		name += " " + e.PatientMiddleInitial + "."
	}
	return ExamInfo{
		ExamID:      e.ID,
		ExamType:    e.ExamType,
		ExamDate:    e.ExamDate,
		PatientName: name,
		PatientSSN:  maskSSN(e.PatientSSN),
		PatientDOB:  e.PatientDOB,
		CommandUnit: e.CommandUnit,
		RankGrade:   e.RankGrade,
		FacilityID:  e.FacilityID,
		Status:      e.Status,
	}
}

// lockedMessage replaces raw gate errors so the agent sees a stable,
// actionable failure instead of internals. A liveness failure means the key
// is stale or the session copy is unreadable: the keyring is purged so every
// later call fails closed instead of retrying a bad key.
func (s *Server) lockedMessage(op string, err error) error {
	if errors.Is(err, keyring.ErrLocked) {
		if s.audit != nil {
			_ = s.audit.Denied(audit.OpGateDenied, audit.SourceMCP, op, "session locked")
		}
		return errors.New("store is locked; the session has ended")
	}
	if errors.Is(err, store.ErrAuthentication) {
		s.keys.Purge()
		if s.audit != nil {
			_ = s.audit.Denied(audit.OpGateDenied, audit.SourceMCP, op, "store authentication failed; session key purged")
		}
		return errors.New("store authentication failed; the session has been locked")
	}
	return err
}

// scrubSSN drops raw SSN columns from generic section rows. The main table
// is the only one carrying the field, but a belt-and-suspenders sweep over
// dynamic rows is cheap.
func scrubSSN(rows []map[string]any) []map[string]any {
	for _, row := range rows {
		if v, ok := row["patient_ssn"]; ok {
			if s, isStr := v.(string); isStr {
				row["patient_ssn"] = maskSSN(s)
			}
		}
	}
	return rows
}

func (s *Server) handleExamList(ctx context.Context, _ *mcp.CallToolRequest, input ExamListInput) (*mcp.CallToolResult, ExamListOutput, error) {
	s.touch()

	exams, err := s.repo.ListExams(ctx, exam.Filter{
		PatientLastName: input.PatientLastName,
		ExamType:        input.ExamType,
		Status:          input.Status,
		Limit:           s.policy.ListLimit(input.Limit),
	})
	if err != nil {
		return nil, ExamListOutput{}, s.lockedMessage("exam_list", err)
	}

	output := ExamListOutput{Exams: make([]ExamInfo, 0, len(exams)), Count: len(exams)}
	for _, e := range exams {
		output.Exams = append(output.Exams, examInfo(e))
	}
	return nil, output, nil
}

func (s *Server) handleExamGet(ctx context.Context, _ *mcp.CallToolRequest, input ExamGetInput) (*mcp.CallToolResult, ExamGetOutput, error) {
	s.touch()

	if input.ExamID <= 0 {
		return nil, ExamGetOutput{}, errors.New("exam_id is required")
	}

	if !input.IncludeSections {
		e, err := s.repo.GetExam(ctx, input.ExamID)
		if err != nil {
			return nil, ExamGetOutput{}, s.lockedMessage("exam_get", err)
		}
		return nil, ExamGetOutput{Exam: examInfo(e)}, nil
	}

	e, sections, err := s.repo.GetExamWithSections(ctx, input.ExamID)
	if err != nil {
		return nil, ExamGetOutput{}, s.lockedMessage("exam_get", err)
	}
	for table := range sections {
		sections[table] = scrubSSN(sections[table])
	}
	return nil, ExamGetOutput{Exam: examInfo(e), Sections: sections}, nil
}

func (s *Server) handleExamSummary(ctx context.Context, _ *mcp.CallToolRequest, input ExamSummaryInput) (*mcp.CallToolResult, ExamSummaryOutput, error) {
	s.touch()

	if input.ExamID <= 0 {
		return nil, ExamSummaryOutput{}, errors.New("exam_id is required")
	}

	summary, err := s.repo.GetSummary(ctx, input.ExamID)
	if err != nil {
		return nil, ExamSummaryOutput{}, s.lockedMessage("exam_summary", err)
	}
	return nil, ExamSummaryOutput{
		Exam:          examInfo(&summary.Exam),
		SectionCounts: summary.SectionCounts,
		Qualification: summary.Qualification,
	}, nil
}

func (s *Server) handleExamCreate(ctx context.Context, _ *mcp.CallToolRequest, input ExamCreateInput) (*mcp.CallToolResult, ExamCreateOutput, error) {
	s.touch()

	if allowed, reason := s.policy.CanCreateExams(); !allowed {
		if s.audit != nil {
			_ = s.audit.Denied(audit.OpExamCreate, audit.SourceMCP, "", reason)
		}
		return nil, ExamCreateOutput{}, fmt.Errorf("denied by policy: %s", reason)
	}

	id, err := s.repo.CreateExam(ctx, &exam.Examination{
		ExamType:             input.ExamType,
		ExamDate:             input.ExamDate,
		PatientLastName:      input.PatientLastName,
		PatientFirstName:     input.PatientFirstName,
		PatientMiddleInitial: input.PatientMiddleInitial,
		PatientSSN:           input.PatientSSN,
		PatientDOB:           input.PatientDOB,
		CommandUnit:          input.CommandUnit,
		RankGrade:            input.RankGrade,
		DepartmentService:    input.DepartmentService,
		FacilityID:           input.FacilityID,
	})
	if err != nil {
		return nil, ExamCreateOutput{}, s.lockedMessage("exam_create", err)
	}
	return nil, ExamCreateOutput{ExamID: id}, nil
}

func (s *Server) handleExamAddSection(ctx context.Context, _ *mcp.CallToolRequest, input ExamAddSectionInput) (*mcp.CallToolResult, ExamAddSectionOutput, error) {
	s.touch()

	if input.ExamID <= 0 || input.Table == "" {
		return nil, ExamAddSectionOutput{}, errors.New("exam_id and table are required")
	}

	if allowed, reason := s.policy.IsTableWritable(input.Table); !allowed {
		if s.audit != nil {
			_ = s.audit.Denied(audit.OpExamAddSection, audit.SourceMCP, input.Table, reason)
		}
		return nil, ExamAddSectionOutput{}, fmt.Errorf("denied by policy: %s", reason)
	}

	id, err := s.repo.AddSection(ctx, input.Table, input.ExamID, input.Fields)
	if err != nil {
		return nil, ExamAddSectionOutput{}, s.lockedMessage("exam_add_section", err)
	}
	return nil, ExamAddSectionOutput{RecordID: id, Table: input.Table}, nil
}

func (s *Server) handleTableSchema(ctx context.Context, _ *mcp.CallToolRequest, input TableSchemaInput) (*mcp.CallToolResult, TableSchemaOutput, error) {
	s.touch()

	if input.Table == "" {
		return nil, TableSchemaOutput{}, errors.New("table is required")
	}

	columns, err := s.repo.TableSchema(ctx, input.Table)
	if err != nil {
		return nil, TableSchemaOutput{}, s.lockedMessage("table_schema", err)
	}
	return nil, TableSchemaOutput{Table: input.Table, Columns: columns}, nil
}

func (s *Server) handleStoreStatus(ctx context.Context, _ *mcp.CallToolRequest, _ StoreStatusInput) (*mcp.CallToolResult, StoreStatusOutput, error) {
	s.touch()

	output := StoreStatusOutput{
		PolicyLoaded:  s.policy != nil,
		ReadOnly:      s.policy == nil,
		AutoLockArmed: s.idle.Armed(),
	}

	missing, err := s.repo.CheckStore(ctx)
	if err != nil {
		return nil, output, nil // reachable=false is the answer, not an error
	}
	output.Reachable = true
	output.MissingTables = missing
	return nil, output, nil
}
