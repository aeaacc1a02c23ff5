package repository

import (
	"context"
	"time"

	"github.com/google/uuid"
	"github.com/jackc/pgx/v5"

	"github.com/pesio-ai/be-approval-governance/internal/platform/database"
	"github.com/pesio-ai/be-approval-governance/internal/platform/errors"
)

// ApprovalGroupsRepository handles approval_groups and approval_group_members.
type ApprovalGroupsRepository struct {
	db *database.DB
}

// NewApprovalGroupsRepository creates a new ApprovalGroupsRepository.
func NewApprovalGroupsRepository(db *database.DB) *ApprovalGroupsRepository {
	return &ApprovalGroupsRepository{db: db}
}

const groupColumns = `
	id, organisation_id, artifact_type, name, description, is_active, created_at, updated_at`

// Create inserts a new group.
func (r *ApprovalGroupsRepository) Create(ctx context.Context, group *ApprovalGroup) error {
	if group.ID == "" {
		group.ID = uuid.NewString()
	}

	query := `
		INSERT INTO approval_groups
		    (id, organisation_id, artifact_type, name, description, is_active)
		VALUES ($1, $2, $3, $4, $5, $6)
		ON CONFLICT (organisation_id, artifact_type, name) DO NOTHING
		RETURNING created_at, updated_at
	`

	err := r.db.QueryRow(ctx, query,
		group.ID,
		group.OrganisationID,
		group.ArtifactType,
		group.Name,
		group.Description,
		group.IsActive,
	).Scan(&group.CreatedAt, &group.UpdatedAt)
	if errors.Is(err, pgx.ErrNoRows) {
		return errors.Conflict("approval group already exists: " + group.Name)
	}
	if err != nil {
		return errors.Wrap(err, errors.ErrCodeInternal, "failed to create approval group")
	}
	return nil
}

// GetByID retrieves a group scoped to its organisation.
func (r *ApprovalGroupsRepository) GetByID(ctx context.Context, id, organisationID string) (*ApprovalGroup, error) {
	query := `SELECT` + groupColumns + `
		FROM approval_groups
		WHERE id = $1 AND organisation_id = $2
	`

	group, err := r.scanGroup(r.db.QueryRow(ctx, query, id, organisationID))
	if errors.Is(err, pgx.ErrNoRows) {
		return nil, errors.NotFound("approval_group", id)
	}
	if err != nil {
		return nil, errors.Wrap(err, errors.ErrCodeInternal, "failed to get approval group")
	}
	return group, nil
}

// GetByName looks a group up by its natural key.
func (r *ApprovalGroupsRepository) GetByName(ctx context.Context, organisationID, artifactType, name string) (*ApprovalGroup, error) {
	query := `SELECT` + groupColumns + `
		FROM approval_groups
		WHERE organisation_id = $1 AND artifact_type = $2 AND name = $3
	`

	group, err := r.scanGroup(r.db.QueryRow(ctx, query, organisationID, artifactType, name))
	if errors.Is(err, pgx.ErrNoRows) {
		return nil, errors.NotFound("approval_group", name)
	}
	if err != nil {
		return nil, errors.Wrap(err, errors.ErrCodeInternal, "failed to get approval group")
	}
	return group, nil
}

// List returns an organisation's groups, optionally for one artifact type.
func (r *ApprovalGroupsRepository) List(ctx context.Context, organisationID, artifactType string) ([]*ApprovalGroup, error) {
	query := `SELECT` + groupColumns + `
		FROM approval_groups
		WHERE organisation_id = $1
		  AND ($2 = '' OR artifact_type = $2)
		ORDER BY artifact_type ASC, name ASC
	`

	rows, err := r.db.Query(ctx, query, organisationID, artifactType)
	if err != nil {
		return nil, errors.Wrap(err, errors.ErrCodeInternal, "failed to list approval groups")
	}
	defer rows.Close()

	var groups []*ApprovalGroup
	for rows.Next() {
		group, err := r.scanGroup(rows)
		if err != nil {
			return nil, errors.Wrap(err, errors.ErrCodeInternal, "failed to scan approval group")
		}
		groups = append(groups, group)
	}
	if err := rows.Err(); err != nil {
		return nil, errors.Wrap(err, errors.ErrCodeInternal, "failed to iterate approval groups")
	}
	return groups, nil
}

// Update persists name, description and activity changes.
func (r *ApprovalGroupsRepository) Update(ctx context.Context, group *ApprovalGroup) error {
	query := `
		UPDATE approval_groups
		SET name        = $3,
		    description = $4,
		    is_active   = $5,
		    updated_at  = NOW()
		WHERE id = $1 AND organisation_id = $2
		RETURNING updated_at
	`

	err := r.db.QueryRow(ctx, query,
		group.ID,
		group.OrganisationID,
		group.Name,
		group.Description,
		group.IsActive,
	).Scan(&group.UpdatedAt)
	if errors.Is(err, pgx.ErrNoRows) {
		return errors.NotFound("approval_group", group.ID)
	}
	if err != nil {
		return errors.Wrap(err, errors.ErrCodeInternal, "failed to update approval group")
	}
	return nil
}

// AddMember inserts a member row referencing either an account or a
// directory entry. Adding an existing member is a no-op.
func (r *ApprovalGroupsRepository) AddMember(ctx context.Context, member *ApprovalGroupMember) error {
	if member.ID == "" {
		member.ID = uuid.NewString()
	}

	query := `
		INSERT INTO approval_group_members (id, group_id, user_id, directory_id)
		VALUES ($1, $2, $3, $4)
		ON CONFLICT DO NOTHING
		RETURNING created_at
	`

	err := r.db.QueryRow(ctx, query, member.ID, member.GroupID, member.UserID, member.DirectoryID).
		Scan(&member.CreatedAt)
	if errors.Is(err, pgx.ErrNoRows) {
		return nil
	}
	if err != nil {
		return errors.Wrap(err, errors.ErrCodeInternal, "failed to add approval group member")
	}
	return nil
}

// RemoveMember deletes one member row.
func (r *ApprovalGroupsRepository) RemoveMember(ctx context.Context, groupID, memberID string) error {
	tag, err := r.db.Exec(ctx,
		`DELETE FROM approval_group_members WHERE id = $1 AND group_id = $2`,
		memberID, groupID)
	if err != nil {
		return errors.Wrap(err, errors.ErrCodeInternal, "failed to remove approval group member")
	}
	if tag.RowsAffected() == 0 {
		return errors.NotFound("approval_group_member", memberID)
	}
	return nil
}

// ListMembers returns a group's members joined with their account email or
// directory entry, oldest first.
func (r *ApprovalGroupsRepository) ListMembers(ctx context.Context, groupID string) ([]*ApprovalGroupMember, error) {
	query := `
		SELECT m.id, m.group_id, m.user_id, m.directory_id, m.created_at,
		       a.email,
		       d.id, d.organisation_id, d.email, d.full_name, d.role, d.department,
		       d.user_id, d.is_active, d.created_at, d.updated_at,
		       da.email
		FROM approval_group_members m
		LEFT JOIN accounts a            ON a.id = m.user_id
		LEFT JOIN approver_directory d  ON d.id = m.directory_id
		LEFT JOIN accounts da           ON da.id = d.user_id
		WHERE m.group_id = $1
		ORDER BY m.created_at ASC, m.id ASC
	`

	rows, err := r.db.Query(ctx, query, groupID)
	if err != nil {
		return nil, errors.Wrap(err, errors.ErrCodeInternal, "failed to list approval group members")
	}
	defer rows.Close()

	var members []*ApprovalGroupMember
	for rows.Next() {
		member, err := r.scanMember(rows)
		if err != nil {
			return nil, errors.Wrap(err, errors.ErrCodeInternal, "failed to scan approval group member")
		}
		members = append(members, member)
	}
	if err := rows.Err(); err != nil {
		return nil, errors.Wrap(err, errors.ErrCodeInternal, "failed to iterate approval group members")
	}
	return members, nil
}

// ── scan helpers ──────────────────────────────────────────────────────────────

type groupScanner interface {
	Scan(dest ...any) error
}

func (r *ApprovalGroupsRepository) scanGroup(sc groupScanner) (*ApprovalGroup, error) {
	g := &ApprovalGroup{}
	err := sc.Scan(
		&g.ID,
		&g.OrganisationID,
		&g.ArtifactType,
		&g.Name,
		&g.Description,
		&g.IsActive,
		&g.CreatedAt,
		&g.UpdatedAt,
	)
	if err != nil {
		return nil, err
	}
	return g, nil
}

func (r *ApprovalGroupsRepository) scanMember(sc groupScanner) (*ApprovalGroupMember, error) {
	m := &ApprovalGroupMember{}

	// Directory columns are all NULL for account members.
	var (
		dirID, dirOrg, dirEmail, dirName, dirRole, dirDept *string
		dirUserID                                          *string
		dirActive                                          *bool
		dirCreated, dirUpdated                             *time.Time
		linkedEmail                                        *string
	)

	err := sc.Scan(
		&m.ID,
		&m.GroupID,
		&m.UserID,
		&m.DirectoryID,
		&m.CreatedAt,
		&m.AccountEmail,
		&dirID, &dirOrg, &dirEmail, &dirName, &dirRole, &dirDept,
		&dirUserID, &dirActive, &dirCreated, &dirUpdated,
		&linkedEmail,
	)
	if err != nil {
		return nil, err
	}

	if dirID != nil {
		entry := &DirectoryEntry{
			ID:                 *dirID,
			OrganisationID:     deref(dirOrg),
			Email:              deref(dirEmail),
			FullName:           deref(dirName),
			Role:               deref(dirRole),
			Department:         deref(dirDept),
			UserID:             dirUserID,
			IsActive:           dirActive != nil && *dirActive,
			LinkedAccountEmail: linkedEmail,
		}
		if dirCreated != nil {
			entry.CreatedAt = *dirCreated
		}
		if dirUpdated != nil {
			entry.UpdatedAt = *dirUpdated
		}
		m.Directory = entry
	}
	return m, nil
}
