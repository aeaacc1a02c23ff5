package repository

import (
	"context"

	"github.com/jackc/pgx/v5"

	"github.com/pesio-ai/be-approval-governance/internal/platform/database"
	"github.com/pesio-ai/be-approval-governance/internal/platform/errors"
)

// Organisation roles with policy-administration rights.
const (
	RoleOwner = "owner"
	RoleAdmin = "admin"
)

// MembershipRepository reads the replicated accounts and
// organisation_members tables.
type MembershipRepository struct {
	db *database.DB
}

// NewMembershipRepository creates a new MembershipRepository.
func NewMembershipRepository(db *database.DB) *MembershipRepository {
	return &MembershipRepository{db: db}
}

// GetRole returns the user's role in the organisation, or NotFound when the
// user is not a member.
func (r *MembershipRepository) GetRole(ctx context.Context, organisationID, userID string) (string, error) {
	var role string
	err := r.db.QueryRow(ctx, `
		SELECT role FROM organisation_members
		WHERE organisation_id = $1 AND user_id = $2
	`, organisationID, userID).Scan(&role)
	if errors.Is(err, pgx.ErrNoRows) {
		return "", errors.NotFound("organisation_member", userID)
	}
	if err != nil {
		return "", errors.Wrap(err, errors.ErrCodeInternal, "failed to get organisation role")
	}
	return role, nil
}

// FindMemberAccountByEmail returns the account with the given email if it is a
// member of the organisation. It returns nil, nil when there is none.
func (r *MembershipRepository) FindMemberAccountByEmail(ctx context.Context, organisationID, email string) (*Account, error) {
	a := &Account{}
	err := r.db.QueryRow(ctx, `
		SELECT a.id, a.email, a.display_name
		FROM accounts a
		JOIN organisation_members m ON m.user_id = a.id
		WHERE m.organisation_id = $1 AND LOWER(a.email) = LOWER($2)
	`, organisationID, email).Scan(&a.ID, &a.Email, &a.DisplayName)
	if errors.Is(err, pgx.ErrNoRows) {
		return nil, nil
	}
	if err != nil {
		return nil, errors.Wrap(err, errors.ErrCodeInternal, "failed to find account by email")
	}
	return a, nil
}
