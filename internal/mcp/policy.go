package mcp

import (
	"errors"
	"fmt"
	"io"
	"path/filepath"

	"gopkg.in/yaml.v3"
)

// Policy controls what the connected agent may do with the exam store.
// Reads are always available; every write surface is deny-by-default and
// must be granted explicitly.
type Policy struct {
	Version         int      `yaml:"version"`
	DefaultAction   string   `yaml:"default_action"`
	AllowExamCreate bool     `yaml:"allow_exam_create"`
	WritableTables  []string `yaml:"writable_tables"`
	MaxListLimit    int      `yaml:"max_list_limit"`
}

// PolicyFileName is the policy file inside the vault directory.
const PolicyFileName = "mcp-policy.yaml"

// Policy action constants.
const (
	ActionAllow = "allow"
	ActionDeny  = "deny"
)

// Policy errors.
var (
	ErrPolicyNotFound       = errors.New("mcp: policy file not found")
	ErrPolicyInsecure       = errors.New("mcp: policy file has insecure permissions")
	ErrPolicySymlink        = errors.New("mcp: policy file is a symlink")
	ErrPolicyNotOwnedByUser = errors.New("mcp: policy file not owned by current user")
)

// alwaysDeniedTables can never be granted to an agent. Certification is a
// human sign-off; an agent writing it would forge the reviewing chain.
func alwaysDeniedTables() []string {
	return []string{"certifications"}
}

// LoadPolicy loads and validates the policy from the vault directory. The
// load is TOCTOU-safe: the file is opened with symlinks rejected, and
// permission and ownership checks run on the opened descriptor.
func LoadPolicy(vaultDir string) (*Policy, error) {
	policyPath := filepath.Join(vaultDir, PolicyFileName)

	f, err := openPolicyFile(policyPath)
	if err != nil {
		return nil, err
	}
	defer f.Close()

	info, err := f.Stat()
	if err != nil {
		return nil, fmt.Errorf("mcp: failed to stat policy file: %w", err)
	}
	if perm := info.Mode().Perm(); perm != 0600 {
		return nil, fmt.Errorf("%w: %o (expected 0600)", ErrPolicyInsecure, perm)
	}
	if err := checkFileOwnership(info); err != nil {
		return nil, err
	}

	content, err := io.ReadAll(f)
	if err != nil {
		return nil, fmt.Errorf("mcp: failed to read policy file: %w", err)
	}

	var policy Policy
	if err := yaml.Unmarshal(content, &policy); err != nil {
		return nil, fmt.Errorf("mcp: failed to parse policy file: %w", err)
	}
	if policy.Version != 1 {
		return nil, fmt.Errorf("mcp: unsupported policy version: %d", policy.Version)
	}
	if policy.DefaultAction == "" {
		policy.DefaultAction = ActionDeny
	}
	return &policy, nil
}

// IsTableWritable reports whether the agent may insert into table.
// Evaluation order: always-denied tables, then the writable grant list,
// then default_action. A nil policy denies all writes.
func (p *Policy) IsTableWritable(table string) (bool, string) {
	for _, denied := range alwaysDeniedTables() {
		if table == denied {
			return false, fmt.Sprintf("table %q requires human sign-off and is never agent-writable", table)
		}
	}
	if p == nil {
		return false, "no policy loaded; store is read-only to agents"
	}
	for _, granted := range p.WritableTables {
		if table == granted {
			return true, ""
		}
	}
	if p.DefaultAction == ActionAllow {
		return true, ""
	}
	return false, fmt.Sprintf("table %q is not in writable_tables", table)
}

// CanCreateExams reports whether the agent may open new examinations.
func (p *Policy) CanCreateExams() (bool, string) {
	if p == nil {
		return false, "no policy loaded; store is read-only to agents"
	}
	if p.AllowExamCreate || p.DefaultAction == ActionAllow {
		return true, ""
	}
	return false, "exam creation is not granted by policy"
}

// ListLimit clamps a requested list size to the policy ceiling.
func (p *Policy) ListLimit(requested int) int {
	max := 50
	if p != nil && p.MaxListLimit > 0 {
		max = p.MaxListLimit
	}
	if requested <= 0 || requested > max {
		return max
	}
	return requested
}
