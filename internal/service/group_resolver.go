package service

import (
	"context"

	"github.com/pesio-ai/be-approval-governance/internal/platform/errors"
	"github.com/pesio-ai/be-approval-governance/internal/platform/logger"
	"github.com/pesio-ai/be-approval-governance/internal/repository"
)

// GroupResolver expands an approval group into candidate approver identities.
type GroupResolver struct {
	groups     GroupsStore
	membership MembershipStore
	log        *logger.Logger
}

// NewGroupResolver creates a new GroupResolver.
func NewGroupResolver(groups GroupsStore, membership MembershipStore, log *logger.Logger) *GroupResolver {
	return &GroupResolver{groups: groups, membership: membership, log: log}
}

// Resolve returns the de-duplicated candidates of an active group. An account
// identity wins over a directory-only identity with the same email. A group
// with no resolvable candidate is a PolicyViolation so that misconfigured
// policy surfaces to the administrator instead of silently skipping a step.
func (r *GroupResolver) Resolve(ctx context.Context, organisationID, groupID string) ([]repository.ApproverIdentity, error) {
	group, err := r.groups.GetByID(ctx, groupID, organisationID)
	if err != nil {
		return nil, err
	}
	if !group.IsActive {
		return nil, errors.PolicyViolation("approval group is inactive: "+group.Name,
			map[string]string{"group_id": groupID})
	}

	members, err := r.groups.ListMembers(ctx, groupID)
	if err != nil {
		return nil, err
	}

	raw := make([]repository.ApproverIdentity, 0, len(members))
	for _, m := range members {
		identity, err := r.resolveMember(ctx, organisationID, m)
		if err != nil {
			return nil, err
		}
		if identity != nil {
			raw = append(raw, identity)
		}
	}

	candidates := dedupeCandidates(raw)
	if len(candidates) == 0 {
		return nil, errors.PolicyViolation("approval group has no resolvable approvers: "+group.Name,
			map[string]string{"group_id": groupID})
	}
	return candidates, nil
}

func (r *GroupResolver) resolveMember(ctx context.Context, organisationID string, m *repository.ApprovalGroupMember) (repository.ApproverIdentity, error) {
	switch {
	case m.UserID != nil:
		if _, err := r.membership.GetRole(ctx, organisationID, *m.UserID); err != nil {
			if errors.CodeOf(err) == errors.ErrCodeNotFound {
				r.log.Debug().Str("user_id", *m.UserID).Str("group_id", m.GroupID).
					Msg("Skipping group member who left the organisation")
				return nil, nil
			}
			return nil, err
		}
		email := ""
		if m.AccountEmail != nil {
			email = *m.AccountEmail
		}
		return repository.AccountApprover{UserID: *m.UserID, Email: repository.NormalizeEmail(email)}, nil

	case m.Directory != nil:
		d := m.Directory
		if !d.IsActive {
			return nil, nil
		}
		if d.UserID != nil {
			email := d.Email
			if d.LinkedAccountEmail != nil {
				email = *d.LinkedAccountEmail
			}
			return repository.AccountApprover{UserID: *d.UserID, Email: repository.NormalizeEmail(email)}, nil
		}
		account, err := r.membership.FindMemberAccountByEmail(ctx, organisationID, d.Email)
		if err != nil {
			return nil, err
		}
		if account != nil {
			return repository.AccountApprover{UserID: account.ID, Email: repository.NormalizeEmail(account.Email)}, nil
		}
		return repository.DirectoryApprover{
			DirectoryID: d.ID,
			Email:       repository.NormalizeEmail(d.Email),
			FullName:    d.FullName,
		}, nil
	}
	return nil, nil
}

// dedupeCandidates keeps first-seen order, drops repeated identities, and
// drops directory-only identities whose email belongs to an account candidate.
func dedupeCandidates(raw []repository.ApproverIdentity) []repository.ApproverIdentity {
	accountEmails := make(map[string]struct{})
	for _, c := range raw {
		if a, ok := c.(repository.AccountApprover); ok && a.Email != "" {
			accountEmails[a.Email] = struct{}{}
		}
	}

	seen := make(map[string]struct{}, len(raw))
	seenDirectoryEmails := make(map[string]struct{})
	out := make([]repository.ApproverIdentity, 0, len(raw))
	for _, c := range raw {
		if _, dup := seen[c.Key()]; dup {
			continue
		}
		if d, ok := c.(repository.DirectoryApprover); ok {
			if _, shadowed := accountEmails[d.Email]; shadowed {
				continue
			}
			if _, dup := seenDirectoryEmails[d.Email]; dup {
				continue
			}
			seenDirectoryEmails[d.Email] = struct{}{}
		}
		seen[c.Key()] = struct{}{}
		out = append(out, c)
	}
	return out
}
