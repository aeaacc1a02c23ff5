package service

import (
	"context"
	"strconv"
	"strings"

	"github.com/pesio-ai/be-approval-governance/internal/platform/errors"
	"github.com/pesio-ai/be-approval-governance/internal/platform/logger"
	"github.com/pesio-ai/be-approval-governance/internal/repository"
)

// PolicyService administers approval rules, groups and the approver
// directory. Every mutation requires an organisation owner or admin.
type PolicyService struct {
	rules      RulesStore
	groups     GroupsStore
	directory  DirectoryStore
	membership MembershipStore
	resolver   *GroupResolver
	log        *logger.Logger
}

// NewPolicyService creates a new PolicyService.
func NewPolicyService(
	rules RulesStore,
	groups GroupsStore,
	directory DirectoryStore,
	membership MembershipStore,
	resolver *GroupResolver,
	log *logger.Logger,
) *PolicyService {
	return &PolicyService{
		rules:      rules,
		groups:     groups,
		directory:  directory,
		membership: membership,
		resolver:   resolver,
		log:        log,
	}
}

// ── Rules ─────────────────────────────────────────────────────────────────────

// RuleInput is the writable shape of an approval rule.
type RuleInput struct {
	ArtifactType    string  `json:"artifact_type" yaml:"artifact_type"`
	Step            int     `json:"step" yaml:"step"`
	ApprovalRole    string  `json:"approval_role" yaml:"approval_role"`
	MinAmount       int64   `json:"min_amount" yaml:"min_amount"`
	MaxAmount       *int64  `json:"max_amount,omitempty" yaml:"max_amount,omitempty"`
	ApproverUserID  *string `json:"approver_user_id,omitempty" yaml:"approver_user_id,omitempty"`
	ApprovalGroupID *string `json:"approval_group_id,omitempty" yaml:"approval_group_id,omitempty"`
}

// RulePatch carries optional rule changes.
type RulePatch struct {
	ArtifactType    *string `json:"artifact_type,omitempty"`
	Step            *int    `json:"step,omitempty"`
	ApprovalRole    *string `json:"approval_role,omitempty"`
	MinAmount       *int64  `json:"min_amount,omitempty"`
	MaxAmount       *int64  `json:"max_amount,omitempty"`
	ClearMaxAmount  bool    `json:"clear_max_amount,omitempty"`
	ApproverUserID  *string `json:"approver_user_id,omitempty"`
	ApprovalGroupID *string `json:"approval_group_id,omitempty"`
	IsActive        *bool   `json:"is_active,omitempty"`
}

func (p RulePatch) changesRouting() bool {
	return p.ArtifactType != nil || p.Step != nil || p.ApprovalRole != nil || p.MinAmount != nil ||
		p.MaxAmount != nil || p.ClearMaxAmount || p.ApproverUserID != nil || p.ApprovalGroupID != nil
}

// CreateRule validates and stores a new active rule.
func (s *PolicyService) CreateRule(ctx context.Context, organisationID, userID string, in RuleInput) (*repository.ApprovalRule, error) {
	if err := s.requireAdmin(ctx, organisationID, userID); err != nil {
		return nil, err
	}

	rule := &repository.ApprovalRule{
		OrganisationID:  organisationID,
		ArtifactType:    in.ArtifactType,
		Step:            in.Step,
		ApprovalRole:    strings.TrimSpace(in.ApprovalRole),
		MinAmount:       in.MinAmount,
		MaxAmount:       in.MaxAmount,
		ApproverUserID:  blankToNil(in.ApproverUserID),
		ApprovalGroupID: blankToNil(in.ApprovalGroupID),
		IsActive:        true,
		CreatedBy:       userID,
	}
	if err := s.validateRule(ctx, rule); err != nil {
		return nil, err
	}
	if err := s.rules.Create(ctx, rule); err != nil {
		return nil, err
	}

	s.log.Info().
		Str("rule_id", rule.ID).
		Str("artifact_type", rule.ArtifactType).
		Int("step", rule.Step).
		Msg("Approval rule created")
	return rule, nil
}

// GetRule returns one rule.
func (s *PolicyService) GetRule(ctx context.Context, organisationID, userID, ruleID string) (*repository.ApprovalRule, error) {
	if err := s.requireAdmin(ctx, organisationID, userID); err != nil {
		return nil, err
	}
	return s.rules.GetByID(ctx, ruleID, organisationID)
}

// ListRules returns an organisation's rules.
func (s *PolicyService) ListRules(ctx context.Context, organisationID, userID, artifactType string, activeOnly bool) ([]*repository.ApprovalRule, error) {
	if err := s.requireAdmin(ctx, organisationID, userID); err != nil {
		return nil, err
	}
	if artifactType != "" {
		if err := validateArtifactType(artifactType); err != nil {
			return nil, err
		}
	}
	return s.rules.List(ctx, organisationID, artifactType, activeOnly)
}

// UpdateRule applies a patch. Rules with pending tasks may only be
// deactivated; changing their routing would desynchronise in-flight rounds.
func (s *PolicyService) UpdateRule(ctx context.Context, organisationID, userID, ruleID string, patch RulePatch) (*repository.ApprovalRule, error) {
	if err := s.requireAdmin(ctx, organisationID, userID); err != nil {
		return nil, err
	}

	rule, err := s.rules.GetByID(ctx, ruleID, organisationID)
	if err != nil {
		return nil, err
	}

	if patch.ArtifactType != nil {
		if err := validateArtifactType(*patch.ArtifactType); err != nil {
			return nil, err
		}
	}

	if patch.changesRouting() {
		pending, err := s.rules.HasPendingTasks(ctx, ruleID)
		if err != nil {
			return nil, err
		}
		if pending {
			return nil, errors.Conflict("approval rule has pending tasks and can only be deactivated")
		}
	}

	if patch.ArtifactType != nil {
		rule.ArtifactType = *patch.ArtifactType
	}
	if patch.Step != nil {
		rule.Step = *patch.Step
	}
	if patch.ApprovalRole != nil {
		rule.ApprovalRole = strings.TrimSpace(*patch.ApprovalRole)
	}
	if patch.MinAmount != nil {
		rule.MinAmount = *patch.MinAmount
	}
	if patch.ClearMaxAmount {
		rule.MaxAmount = nil
	} else if patch.MaxAmount != nil {
		rule.MaxAmount = patch.MaxAmount
	}
	if patch.ApproverUserID != nil {
		rule.ApproverUserID = blankToNil(patch.ApproverUserID)
		if rule.ApproverUserID != nil && patch.ApprovalGroupID == nil {
			rule.ApprovalGroupID = nil
		}
	}
	if patch.ApprovalGroupID != nil {
		rule.ApprovalGroupID = blankToNil(patch.ApprovalGroupID)
		if rule.ApprovalGroupID != nil && patch.ApproverUserID == nil {
			rule.ApproverUserID = nil
		}
	}
	if patch.IsActive != nil {
		rule.IsActive = *patch.IsActive
	}

	if patch.changesRouting() || rule.IsActive {
		if err := s.validateRule(ctx, rule); err != nil {
			return nil, err
		}
	}
	if err := s.rules.Update(ctx, rule); err != nil {
		return nil, err
	}
	return rule, nil
}

// DeactivateRule soft-deletes a rule. It is always allowed.
func (s *PolicyService) DeactivateRule(ctx context.Context, organisationID, userID, ruleID string) error {
	if err := s.requireAdmin(ctx, organisationID, userID); err != nil {
		return err
	}
	if err := s.rules.Deactivate(ctx, ruleID, organisationID); err != nil {
		return err
	}
	s.log.Info().Str("rule_id", ruleID).Msg("Approval rule deactivated")
	return nil
}

func (s *PolicyService) validateRule(ctx context.Context, rule *repository.ApprovalRule) error {
	if err := validateArtifactType(rule.ArtifactType); err != nil {
		return err
	}
	if rule.Step < 1 {
		return errors.InvalidInput("step", "must be at least 1")
	}
	if rule.ApprovalRole == "" {
		return errors.InvalidInput("approval_role", "is required")
	}
	if rule.MinAmount < 0 {
		return errors.InvalidInput("min_amount", "must not be negative")
	}
	if rule.MaxAmount != nil && *rule.MaxAmount <= rule.MinAmount {
		return errors.PolicyViolation("max_amount must be greater than min_amount", map[string]string{
			"min_amount": strconv.FormatInt(rule.MinAmount, 10),
			"max_amount": strconv.FormatInt(*rule.MaxAmount, 10),
		})
	}

	target, err := rule.Target()
	if err != nil {
		return errors.PolicyViolation("exactly one of approver_user_id and approval_group_id is required",
			map[string]string{"field": "target"})
	}

	switch t := target.(type) {
	case repository.UserTarget:
		if _, err := s.membership.GetRole(ctx, rule.OrganisationID, t.UserID); err != nil {
			if errors.CodeOf(err) == errors.ErrCodeNotFound {
				return errors.InvalidInput("approver_user_id", "is not a member of the organisation")
			}
			return err
		}
	case repository.GroupTarget:
		group, err := s.groups.GetByID(ctx, t.GroupID, rule.OrganisationID)
		if err != nil {
			if errors.CodeOf(err) == errors.ErrCodeNotFound {
				return errors.InvalidInput("approval_group_id", "does not exist in the organisation")
			}
			return err
		}
		if group.ArtifactType != rule.ArtifactType {
			return errors.PolicyViolation("approval group serves a different artifact type",
				map[string]string{"group_id": group.ID, "group_artifact_type": group.ArtifactType})
		}
	}
	return nil
}

// ── Groups ────────────────────────────────────────────────────────────────────

// GroupInput is the writable shape of a group.
type GroupInput struct {
	ArtifactType string `json:"artifact_type"`
	Name         string `json:"name"`
	Description  string `json:"description"`
}

// GroupPatch carries optional group changes.
type GroupPatch struct {
	Name        *string `json:"name,omitempty"`
	Description *string `json:"description,omitempty"`
	IsActive    *bool   `json:"is_active,omitempty"`
}

// MemberInput adds either an account or a directory entry to a group.
type MemberInput struct {
	UserID      *string `json:"user_id,omitempty"`
	DirectoryID *string `json:"directory_id,omitempty"`
}

// GroupDetail is a group with its members.
type GroupDetail struct {
	*repository.ApprovalGroup
	Members []*repository.ApprovalGroupMember `json:"members"`
}

// CreateGroup stores a new active group.
func (s *PolicyService) CreateGroup(ctx context.Context, organisationID, userID string, in GroupInput) (*repository.ApprovalGroup, error) {
	if err := s.requireAdmin(ctx, organisationID, userID); err != nil {
		return nil, err
	}
	if err := validateArtifactType(in.ArtifactType); err != nil {
		return nil, err
	}
	name := strings.TrimSpace(in.Name)
	if name == "" {
		return nil, errors.InvalidInput("name", "is required")
	}

	group := &repository.ApprovalGroup{
		OrganisationID: organisationID,
		ArtifactType:   in.ArtifactType,
		Name:           name,
		Description:    strings.TrimSpace(in.Description),
		IsActive:       true,
	}
	if err := s.groups.Create(ctx, group); err != nil {
		return nil, err
	}
	s.log.Info().Str("group_id", group.ID).Str("name", group.Name).Msg("Approval group created")
	return group, nil
}

// GetGroup returns a group and its members.
func (s *PolicyService) GetGroup(ctx context.Context, organisationID, userID, groupID string) (*GroupDetail, error) {
	if err := s.requireAdmin(ctx, organisationID, userID); err != nil {
		return nil, err
	}
	group, err := s.groups.GetByID(ctx, groupID, organisationID)
	if err != nil {
		return nil, err
	}
	members, err := s.groups.ListMembers(ctx, groupID)
	if err != nil {
		return nil, err
	}
	return &GroupDetail{ApprovalGroup: group, Members: members}, nil
}

// ListGroups returns an organisation's groups.
func (s *PolicyService) ListGroups(ctx context.Context, organisationID, userID, artifactType string) ([]*repository.ApprovalGroup, error) {
	if err := s.requireAdmin(ctx, organisationID, userID); err != nil {
		return nil, err
	}
	return s.groups.List(ctx, organisationID, artifactType)
}

// UpdateGroup applies a patch.
func (s *PolicyService) UpdateGroup(ctx context.Context, organisationID, userID, groupID string, patch GroupPatch) (*repository.ApprovalGroup, error) {
	if err := s.requireAdmin(ctx, organisationID, userID); err != nil {
		return nil, err
	}
	group, err := s.groups.GetByID(ctx, groupID, organisationID)
	if err != nil {
		return nil, err
	}
	if patch.Name != nil {
		name := strings.TrimSpace(*patch.Name)
		if name == "" {
			return nil, errors.InvalidInput("name", "must not be empty")
		}
		group.Name = name
	}
	if patch.Description != nil {
		group.Description = strings.TrimSpace(*patch.Description)
	}
	if patch.IsActive != nil {
		group.IsActive = *patch.IsActive
	}
	if err := s.groups.Update(ctx, group); err != nil {
		return nil, err
	}
	return group, nil
}

// AddGroupMember adds an organisation member or directory entry to a group.
func (s *PolicyService) AddGroupMember(ctx context.Context, organisationID, userID, groupID string, in MemberInput) (*repository.ApprovalGroupMember, error) {
	if err := s.requireAdmin(ctx, organisationID, userID); err != nil {
		return nil, err
	}
	if _, err := s.groups.GetByID(ctx, groupID, organisationID); err != nil {
		return nil, err
	}

	member := &repository.ApprovalGroupMember{
		GroupID:     groupID,
		UserID:      blankToNil(in.UserID),
		DirectoryID: blankToNil(in.DirectoryID),
	}
	switch {
	case member.UserID != nil && member.DirectoryID != nil, member.UserID == nil && member.DirectoryID == nil:
		return nil, errors.InvalidInput("member", "exactly one of user_id and directory_id is required")
	case member.UserID != nil:
		if _, err := s.membership.GetRole(ctx, organisationID, *member.UserID); err != nil {
			if errors.CodeOf(err) == errors.ErrCodeNotFound {
				return nil, errors.InvalidInput("user_id", "is not a member of the organisation")
			}
			return nil, err
		}
	default:
		if _, err := s.directory.GetByID(ctx, *member.DirectoryID, organisationID); err != nil {
			if errors.CodeOf(err) == errors.ErrCodeNotFound {
				return nil, errors.InvalidInput("directory_id", "does not exist in the organisation")
			}
			return nil, err
		}
	}

	if err := s.groups.AddMember(ctx, member); err != nil {
		return nil, err
	}
	return member, nil
}

// RemoveGroupMember removes one member row.
func (s *PolicyService) RemoveGroupMember(ctx context.Context, organisationID, userID, groupID, memberID string) error {
	if err := s.requireAdmin(ctx, organisationID, userID); err != nil {
		return err
	}
	if _, err := s.groups.GetByID(ctx, groupID, organisationID); err != nil {
		return err
	}
	return s.groups.RemoveMember(ctx, groupID, memberID)
}

// GroupCandidates previews who a group resolves to right now.
func (s *PolicyService) GroupCandidates(ctx context.Context, organisationID, userID, groupID string) ([]repository.ApproverIdentity, error) {
	if err := s.requireAdmin(ctx, organisationID, userID); err != nil {
		return nil, err
	}
	return s.resolver.Resolve(ctx, organisationID, groupID)
}

// ── Directory ─────────────────────────────────────────────────────────────────

// DirectoryInput is the writable shape of a directory entry.
type DirectoryInput struct {
	Email      string `json:"email"`
	FullName   string `json:"full_name"`
	Role       string `json:"role"`
	Department string `json:"department"`
}

// CreateDirectoryEntry stores an approver known only by contact details.
func (s *PolicyService) CreateDirectoryEntry(ctx context.Context, organisationID, userID string, in DirectoryInput) (*repository.DirectoryEntry, error) {
	if err := s.requireAdmin(ctx, organisationID, userID); err != nil {
		return nil, err
	}
	email := repository.NormalizeEmail(in.Email)
	if email == "" || !strings.Contains(email, "@") {
		return nil, errors.InvalidInput("email", "must be an email address")
	}

	entry := &repository.DirectoryEntry{
		OrganisationID: organisationID,
		Email:          email,
		FullName:       strings.TrimSpace(in.FullName),
		Role:           strings.TrimSpace(in.Role),
		Department:     strings.TrimSpace(in.Department),
		IsActive:       true,
	}
	if err := s.directory.Create(ctx, entry); err != nil {
		return nil, err
	}
	return entry, nil
}

// ListDirectory returns an organisation's directory.
func (s *PolicyService) ListDirectory(ctx context.Context, organisationID, userID string) ([]*repository.DirectoryEntry, error) {
	if err := s.requireAdmin(ctx, organisationID, userID); err != nil {
		return nil, err
	}
	return s.directory.List(ctx, organisationID)
}

// LinkDirectoryEntry attaches an account to a directory entry; the entry's
// pending tasks become decidable by that account.
func (s *PolicyService) LinkDirectoryEntry(ctx context.Context, organisationID, userID, entryID, accountID string) (int64, error) {
	if err := s.requireAdmin(ctx, organisationID, userID); err != nil {
		return 0, err
	}
	entry, err := s.directory.GetByID(ctx, entryID, organisationID)
	if err != nil {
		return 0, err
	}
	if entry.UserID != nil && *entry.UserID != accountID {
		return 0, errors.Conflict("directory entry is already linked to another account")
	}
	if _, err := s.membership.GetRole(ctx, organisationID, accountID); err != nil {
		if errors.CodeOf(err) == errors.ErrCodeNotFound {
			return 0, errors.InvalidInput("user_id", "is not a member of the organisation")
		}
		return 0, err
	}

	reassigned, err := s.directory.Link(ctx, entryID, organisationID, accountID)
	if err != nil {
		return 0, err
	}

	s.log.Info().
		Str("directory_id", entryID).
		Str("user_id", accountID).
		Int64("reassigned_tasks", reassigned).
		Msg("Directory entry linked")
	return reassigned, nil
}

// ── Authorisation ─────────────────────────────────────────────────────────────

func (s *PolicyService) requireAdmin(ctx context.Context, organisationID, userID string) error {
	if organisationID == "" {
		return errors.InvalidInput("organisation_id", "is required")
	}
	role, err := s.membership.GetRole(ctx, organisationID, userID)
	if err != nil {
		if errors.CodeOf(err) == errors.ErrCodeNotFound {
			return errors.Forbidden("not a member of the organisation")
		}
		return err
	}
	if role != repository.RoleOwner && role != repository.RoleAdmin {
		return errors.Forbidden("policy administration requires the owner or admin role")
	}
	return nil
}

func blankToNil(s *string) *string {
	if s == nil {
		return nil
	}
	v := strings.TrimSpace(*s)
	if v == "" {
		return nil
	}
	return &v
}
