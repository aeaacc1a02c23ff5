package service

import (
	"context"

	"github.com/pesio-ai/be-approval-governance/internal/client"
	"github.com/pesio-ai/be-approval-governance/internal/repository"
)

// The interfaces below are satisfied by the repository package and let the
// services be exercised with in-memory fakes.

// RulesStore persists approval rules.
type RulesStore interface {
	Create(ctx context.Context, rule *repository.ApprovalRule) error
	GetByID(ctx context.Context, id, organisationID string) (*repository.ApprovalRule, error)
	List(ctx context.Context, organisationID, artifactType string, activeOnly bool) ([]*repository.ApprovalRule, error)
	ListActiveForResolution(ctx context.Context, organisationID, artifactType string) ([]*repository.ApprovalRule, error)
	Update(ctx context.Context, rule *repository.ApprovalRule) error
	Deactivate(ctx context.Context, id, organisationID string) error
	HasPendingTasks(ctx context.Context, ruleID string) (bool, error)
}

// GroupsStore persists approval groups and their members.
type GroupsStore interface {
	Create(ctx context.Context, group *repository.ApprovalGroup) error
	GetByID(ctx context.Context, id, organisationID string) (*repository.ApprovalGroup, error)
	GetByName(ctx context.Context, organisationID, artifactType, name string) (*repository.ApprovalGroup, error)
	List(ctx context.Context, organisationID, artifactType string) ([]*repository.ApprovalGroup, error)
	Update(ctx context.Context, group *repository.ApprovalGroup) error
	AddMember(ctx context.Context, member *repository.ApprovalGroupMember) error
	RemoveMember(ctx context.Context, groupID, memberID string) error
	ListMembers(ctx context.Context, groupID string) ([]*repository.ApprovalGroupMember, error)
}

// DirectoryStore persists approver directory entries.
type DirectoryStore interface {
	Create(ctx context.Context, entry *repository.DirectoryEntry) error
	GetByID(ctx context.Context, id, organisationID string) (*repository.DirectoryEntry, error)
	GetByEmail(ctx context.Context, organisationID, email string) (*repository.DirectoryEntry, error)
	List(ctx context.Context, organisationID string) ([]*repository.DirectoryEntry, error)
	Link(ctx context.Context, id, organisationID, userID string) (int64, error)
}

// MembershipStore answers identity and role questions.
type MembershipStore interface {
	GetRole(ctx context.Context, organisationID, userID string) (string, error)
	FindMemberAccountByEmail(ctx context.Context, organisationID, email string) (*repository.Account, error)
}

// ArtifactStore persists governed artifacts and submissions.
type ArtifactStore interface {
	Create(ctx context.Context, a *repository.Artifact) error
	GetByID(ctx context.Context, id string) (*repository.Artifact, error)
	MoveLane(ctx context.Context, id, from, to, decisionStatus string) (*repository.Artifact, error)
	Submit(ctx context.Context, s *repository.Submission) (*repository.Artifact, error)
	ApplyAggregate(ctx context.Context, id string, expectedVersion int64, w repository.AggregateWrite) (bool, error)
}

// TasksStore persists approval tasks.
type TasksStore interface {
	Decide(ctx context.Context, id, userID, status string, comment *string) (*repository.ApprovalTask, error)
	GetForApprover(ctx context.Context, id, userID string) (*repository.ApprovalTask, error)
	ListByArtifactRound(ctx context.Context, artifactID string, round int) ([]*repository.ApprovalTask, error)
	ListByArtifact(ctx context.Context, artifactID string) ([]*repository.ApprovalTask, error)
	ListPendingForUser(ctx context.Context, organisationID, userID string) ([]*repository.ApprovalTask, error)
}

// AuditStore persists audit entries.
type AuditStore interface {
	Append(ctx context.Context, entry *repository.AuditEntry) error
	ListByArtifact(ctx context.Context, artifactID, organisationID string) ([]*repository.AuditEntry, error)
}

// EventPublisher delivers governance events to the broker.
type EventPublisher interface {
	Publish(ctx context.Context, event *client.GovernanceEvent)
	PublishApprovalRequired(ctx context.Context, organisationID, artifactID, actorID string, recipients []string, payload map[string]interface{})
}
