package service

import (
	"context"
	"strconv"

	"github.com/pesio-ai/be-approval-governance/internal/platform/errors"
	"github.com/pesio-ai/be-approval-governance/internal/policyfile"
	"github.com/pesio-ai/be-approval-governance/internal/repository"
)

// ImportReport counts what an import created. Existing directory entries,
// groups, memberships and identical active rules are left untouched.
type ImportReport struct {
	DirectoryCreated int `json:"directory_created"`
	GroupsCreated    int `json:"groups_created"`
	MembersAdded     int `json:"members_added"`
	RulesCreated     int `json:"rules_created"`
	RulesUnchanged   int `json:"rules_unchanged"`
}

// PolicyDocumentError classifies a policy file failure. Unusable amount bands
// and approver targets are policy violations; anything else is invalid input.
func PolicyDocumentError(err error) error {
	var ve *policyfile.ValidationError
	if errors.As(err, &ve) && ve.PolicyViolation {
		e := errors.PolicyViolation("policy document violates rule constraints",
			map[string]string{"problems": strconv.Itoa(len(ve.Problems))})
		e.Cause = err
		return e
	}
	return errors.Wrap(err, errors.ErrCodeInvalidInput, "invalid policy document")
}

// ImportPolicy applies a policy document to an organisation. Re-importing the
// same document is a no-op. Each object goes through the same validation as
// the individual administration calls; the first failure stops the import.
func (s *PolicyService) ImportPolicy(ctx context.Context, organisationID, userID string, doc *policyfile.Document) (*ImportReport, error) {
	if err := s.requireAdmin(ctx, organisationID, userID); err != nil {
		return nil, err
	}
	if err := doc.Validate(); err != nil {
		return nil, PolicyDocumentError(err)
	}

	report := &ImportReport{}

	directoryIDs := make(map[string]string, len(doc.Directory))
	for _, d := range doc.Directory {
		email := repository.NormalizeEmail(d.Email)
		entry, err := s.directory.GetByEmail(ctx, organisationID, email)
		if err != nil && errors.CodeOf(err) != errors.ErrCodeNotFound {
			return nil, err
		}
		if entry == nil {
			entry, err = s.CreateDirectoryEntry(ctx, organisationID, userID, DirectoryInput{
				Email: email, FullName: d.FullName, Role: d.Role, Department: d.Department,
			})
			if err != nil {
				return nil, err
			}
			report.DirectoryCreated++
		}
		directoryIDs[email] = entry.ID
	}

	groupIDs := make(map[string]string, len(doc.Groups))
	for _, g := range doc.Groups {
		group, err := s.groups.GetByName(ctx, organisationID, g.ArtifactType, g.Name)
		if err != nil && errors.CodeOf(err) != errors.ErrCodeNotFound {
			return nil, err
		}
		if group == nil {
			group, err = s.CreateGroup(ctx, organisationID, userID, GroupInput{
				ArtifactType: g.ArtifactType, Name: g.Name, Description: g.Description,
			})
			if err != nil {
				return nil, err
			}
			report.GroupsCreated++
		}
		groupIDs[g.ArtifactType+"/"+g.Name] = group.ID

		existing, err := s.groups.ListMembers(ctx, group.ID)
		if err != nil {
			return nil, err
		}
		for _, m := range g.Members {
			in := MemberInput{}
			if m.UserID != "" {
				uid := m.UserID
				in.UserID = &uid
			} else {
				did := directoryIDs[repository.NormalizeEmail(m.Email)]
				in.DirectoryID = &did
			}
			if hasMember(existing, in) {
				continue
			}
			if _, err := s.AddGroupMember(ctx, organisationID, userID, group.ID, in); err != nil {
				return nil, err
			}
			report.MembersAdded++
		}
	}

	current := make(map[string][]*repository.ApprovalRule)
	for _, r := range doc.Rules {
		if _, ok := current[r.ArtifactType]; !ok {
			rules, err := s.rules.List(ctx, organisationID, r.ArtifactType, true)
			if err != nil {
				return nil, err
			}
			current[r.ArtifactType] = rules
		}

		in := RuleInput{
			ArtifactType: r.ArtifactType,
			Step:         r.Step,
			ApprovalRole: r.ApprovalRole,
			MinAmount:    r.MinAmount,
			MaxAmount:    r.MaxAmount,
		}
		if r.ApproverUserID != "" {
			uid := r.ApproverUserID
			in.ApproverUserID = &uid
		} else {
			gid := groupIDs[r.ArtifactType+"/"+r.Group]
			in.ApprovalGroupID = &gid
		}

		if hasRule(current[r.ArtifactType], in) {
			report.RulesUnchanged++
			continue
		}
		rule, err := s.CreateRule(ctx, organisationID, userID, in)
		if err != nil {
			return nil, err
		}
		current[r.ArtifactType] = append(current[r.ArtifactType], rule)
		report.RulesCreated++
	}

	s.log.Info().
		Str("organisation_id", organisationID).
		Int("directory_created", report.DirectoryCreated).
		Int("groups_created", report.GroupsCreated).
		Int("members_added", report.MembersAdded).
		Int("rules_created", report.RulesCreated).
		Msg("Policy imported")
	return report, nil
}

func hasMember(members []*repository.ApprovalGroupMember, in MemberInput) bool {
	for _, m := range members {
		if in.UserID != nil && m.UserID != nil && *m.UserID == *in.UserID {
			return true
		}
		if in.DirectoryID != nil && m.DirectoryID != nil && *m.DirectoryID == *in.DirectoryID {
			return true
		}
	}
	return false
}

func hasRule(rules []*repository.ApprovalRule, in RuleInput) bool {
	for _, r := range rules {
		if r.IsActive &&
			r.ArtifactType == in.ArtifactType &&
			r.Step == in.Step &&
			r.ApprovalRole == in.ApprovalRole &&
			r.MinAmount == in.MinAmount &&
			equalInt64(r.MaxAmount, in.MaxAmount) &&
			equalStr(r.ApproverUserID, in.ApproverUserID) &&
			equalStr(r.ApprovalGroupID, in.ApprovalGroupID) {
			return true
		}
	}
	return false
}

func equalInt64(a, b *int64) bool {
	if a == nil || b == nil {
		return a == nil && b == nil
	}
	return *a == *b
}

// ExportPolicy renders an organisation's active rules, its groups and its
// directory as a document that ImportPolicy accepts.
func (s *PolicyService) ExportPolicy(ctx context.Context, organisationID, userID string) (*policyfile.Document, error) {
	if err := s.requireAdmin(ctx, organisationID, userID); err != nil {
		return nil, err
	}

	doc := &policyfile.Document{Version: 1}

	entries, err := s.directory.List(ctx, organisationID)
	if err != nil {
		return nil, err
	}
	emails := make(map[string]string, len(entries))
	for _, e := range entries {
		emails[e.ID] = e.Email
		if !e.IsActive {
			continue
		}
		doc.Directory = append(doc.Directory, policyfile.DirectoryEntry{
			Email: e.Email, FullName: e.FullName, Role: e.Role, Department: e.Department,
		})
	}

	groups, err := s.groups.List(ctx, organisationID, "")
	if err != nil {
		return nil, err
	}
	groupNames := make(map[string]string, len(groups))
	for _, g := range groups {
		if !g.IsActive {
			continue
		}
		groupNames[g.ID] = g.Name
		members, err := s.groups.ListMembers(ctx, g.ID)
		if err != nil {
			return nil, err
		}
		out := policyfile.Group{Name: g.Name, ArtifactType: g.ArtifactType, Description: g.Description}
		for _, m := range members {
			switch {
			case m.UserID != nil:
				out.Members = append(out.Members, policyfile.Member{UserID: *m.UserID})
			case m.DirectoryID != nil && m.Directory != nil && m.Directory.IsActive:
				out.Members = append(out.Members, policyfile.Member{Email: emails[*m.DirectoryID]})
			}
		}
		doc.Groups = append(doc.Groups, out)
	}

	rules, err := s.rules.List(ctx, organisationID, "", true)
	if err != nil {
		return nil, err
	}
	for _, r := range rules {
		out := policyfile.Rule{
			ArtifactType: r.ArtifactType,
			Step:         r.Step,
			ApprovalRole: r.ApprovalRole,
			MinAmount:    r.MinAmount,
			MaxAmount:    r.MaxAmount,
		}
		switch target, _ := r.Target(); t := target.(type) {
		case repository.UserTarget:
			out.ApproverUserID = t.UserID
		case repository.GroupTarget:
			name, ok := groupNames[t.GroupID]
			if !ok {
				// Rules on inactive groups cannot be imported elsewhere.
				continue
			}
			out.Group = name
		default:
			continue
		}
		doc.Rules = append(doc.Rules, out)
	}
	return doc, nil
}
