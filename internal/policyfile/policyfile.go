// Package policyfile reads approval policy documents written in YAML so an
// organisation's rules, groups and directory can be kept under version
// control and applied in one step.
package policyfile

import (
	"fmt"
	"io"
	"os"
	"strings"

	"gopkg.in/yaml.v3"
)

// Document is a complete policy for one organisation.
type Document struct {
	Version   int              `yaml:"version"`
	Directory []DirectoryEntry `yaml:"directory,omitempty"`
	Groups    []Group          `yaml:"groups,omitempty"`
	Rules     []Rule           `yaml:"rules,omitempty"`
}

// DirectoryEntry declares an approver known by email.
type DirectoryEntry struct {
	Email      string `yaml:"email"`
	FullName   string `yaml:"full_name,omitempty"`
	Role       string `yaml:"role,omitempty"`
	Department string `yaml:"department,omitempty"`
}

// Group declares an approval group and its members.
type Group struct {
	Name         string   `yaml:"name"`
	ArtifactType string   `yaml:"artifact_type"`
	Description  string   `yaml:"description,omitempty"`
	Members      []Member `yaml:"members,omitempty"`
}

// Member is either an account id or a directory email.
type Member struct {
	UserID string `yaml:"user_id,omitempty"`
	Email  string `yaml:"email,omitempty"`
}

// Rule declares one approval step. Group refers to a group by name.
type Rule struct {
	ArtifactType   string `yaml:"artifact_type"`
	Step           int    `yaml:"step"`
	ApprovalRole   string `yaml:"approval_role"`
	MinAmount      int64  `yaml:"min_amount,omitempty"`
	MaxAmount      *int64 `yaml:"max_amount,omitempty"`
	ApproverUserID string `yaml:"approver_user_id,omitempty"`
	Group          string `yaml:"group,omitempty"`
}

// Load reads and validates a document from path.
func Load(path string) (*Document, error) {
	f, err := os.Open(path)
	if err != nil {
		return nil, fmt.Errorf("open policy file: %w", err)
	}
	defer f.Close()
	return Parse(f)
}

// Parse decodes and validates a document. Unknown keys are rejected.
func Parse(r io.Reader) (*Document, error) {
	dec := yaml.NewDecoder(r)
	dec.KnownFields(true)

	var doc Document
	if err := dec.Decode(&doc); err != nil {
		if err == io.EOF {
			return nil, fmt.Errorf("policy file is empty")
		}
		return nil, fmt.Errorf("decode policy file: %w", err)
	}
	if err := doc.Validate(); err != nil {
		return nil, err
	}
	return &doc, nil
}

// Encode writes doc as YAML.
func Encode(w io.Writer, doc *Document) error {
	enc := yaml.NewEncoder(w)
	enc.SetIndent(2)
	if err := enc.Encode(doc); err != nil {
		return fmt.Errorf("encode policy file: %w", err)
	}
	return enc.Close()
}

// ValidationError lists every problem found in a document.
type ValidationError struct {
	Problems []string
	// PolicyViolation is set when a rule's amount band or approver target
	// is unusable, as opposed to a malformed field.
	PolicyViolation bool
}

func (e *ValidationError) Error() string {
	return "invalid policy file:\n  " + strings.Join(e.Problems, "\n  ")
}

// Validate checks the document's internal consistency. Constraints that need
// the store, such as account membership, are checked on import. A failure is
// a *ValidationError.
func (d *Document) Validate() error {
	var problems []string
	add := func(format string, args ...any) {
		problems = append(problems, fmt.Sprintf(format, args...))
	}
	violation := false

	if d.Version != 1 {
		add("version must be 1")
	}

	emails := make(map[string]bool)
	for i, e := range d.Directory {
		email := strings.ToLower(strings.TrimSpace(e.Email))
		if !strings.Contains(email, "@") {
			add("directory[%d]: email %q is invalid", i, e.Email)
			continue
		}
		if emails[email] {
			add("directory[%d]: duplicate email %q", i, e.Email)
		}
		emails[email] = true
	}

	groups := make(map[string]string)
	for i, g := range d.Groups {
		if strings.TrimSpace(g.Name) == "" {
			add("groups[%d]: name is required", i)
			continue
		}
		key := g.ArtifactType + "/" + g.Name
		if _, dup := groups[key]; dup {
			add("groups[%d]: duplicate group %q for %s", i, g.Name, g.ArtifactType)
		}
		groups[key] = g.ArtifactType
		for j, m := range g.Members {
			hasUser, hasEmail := m.UserID != "", m.Email != ""
			if hasUser == hasEmail {
				add("groups[%d].members[%d]: exactly one of user_id and email is required", i, j)
				continue
			}
			if hasEmail && !emails[strings.ToLower(strings.TrimSpace(m.Email))] {
				add("groups[%d].members[%d]: email %q is not in the directory section", i, j, m.Email)
			}
		}
	}

	for i, r := range d.Rules {
		if r.Step < 1 {
			add("rules[%d]: step must be at least 1", i)
		}
		if strings.TrimSpace(r.ApprovalRole) == "" {
			add("rules[%d]: approval_role is required", i)
		}
		if r.MinAmount < 0 {
			add("rules[%d]: min_amount must not be negative", i)
		}
		if r.MaxAmount != nil && *r.MaxAmount <= r.MinAmount {
			add("rules[%d]: max_amount must be greater than min_amount", i)
			violation = true
		}
		hasUser, hasGroup := r.ApproverUserID != "", r.Group != ""
		if hasUser == hasGroup {
			add("rules[%d]: exactly one of approver_user_id and group is required", i)
			violation = true
			continue
		}
		if hasGroup {
			if _, ok := groups[r.ArtifactType+"/"+r.Group]; !ok {
				add("rules[%d]: group %q for %s is not declared", i, r.Group, r.ArtifactType)
			}
		}
	}

	if len(problems) > 0 {
		return &ValidationError{Problems: problems, PolicyViolation: violation}
	}
	return nil
}
