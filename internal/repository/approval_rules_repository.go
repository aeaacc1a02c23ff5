package repository

import (
	"context"

	"github.com/google/uuid"
	"github.com/jackc/pgx/v5"

	"github.com/pesio-ai/be-approval-governance/internal/platform/database"
	"github.com/pesio-ai/be-approval-governance/internal/platform/errors"
)

// ApprovalRulesRepository handles CRUD for approval_rules.
type ApprovalRulesRepository struct {
	db *database.DB
}

// NewApprovalRulesRepository creates a new ApprovalRulesRepository.
func NewApprovalRulesRepository(db *database.DB) *ApprovalRulesRepository {
	return &ApprovalRulesRepository{db: db}
}

const ruleColumns = `
	id, organisation_id, artifact_type, step, approval_role,
	min_amount, max_amount, approver_user_id, approval_group_id,
	is_active, created_by, created_at, updated_at`

// Create inserts a new approval rule.
func (r *ApprovalRulesRepository) Create(ctx context.Context, rule *ApprovalRule) error {
	if rule.ID == "" {
		rule.ID = uuid.NewString()
	}

	query := `
		INSERT INTO approval_rules
		    (id, organisation_id, artifact_type, step, approval_role,
		     min_amount, max_amount, approver_user_id, approval_group_id,
		     is_active, created_by)
		VALUES ($1, $2, $3, $4, $5,
		        $6, $7, $8, $9,
		        $10, $11)
		RETURNING created_at, updated_at
	`

	err := r.db.QueryRow(ctx, query,
		rule.ID,
		rule.OrganisationID,
		rule.ArtifactType,
		rule.Step,
		rule.ApprovalRole,
		rule.MinAmount,
		rule.MaxAmount,
		rule.ApproverUserID,
		rule.ApprovalGroupID,
		rule.IsActive,
		rule.CreatedBy,
	).Scan(&rule.CreatedAt, &rule.UpdatedAt)
	if err != nil {
		return errors.Wrap(err, errors.ErrCodeInternal, "failed to create approval rule")
	}
	return nil
}

// GetByID retrieves a rule scoped to its organisation.
func (r *ApprovalRulesRepository) GetByID(ctx context.Context, id, organisationID string) (*ApprovalRule, error) {
	query := `SELECT` + ruleColumns + `
		FROM approval_rules
		WHERE id = $1 AND organisation_id = $2
	`

	rule, err := r.scanRule(r.db.QueryRow(ctx, query, id, organisationID))
	if errors.Is(err, pgx.ErrNoRows) {
		return nil, errors.NotFound("approval_rule", id)
	}
	if err != nil {
		return nil, errors.Wrap(err, errors.ErrCodeInternal, "failed to get approval rule")
	}
	return rule, nil
}

// List returns an organisation's rules, optionally narrowed to one artifact
// type and to active rules.
func (r *ApprovalRulesRepository) List(ctx context.Context, organisationID, artifactType string, activeOnly bool) ([]*ApprovalRule, error) {
	query := `SELECT` + ruleColumns + `
		FROM approval_rules
		WHERE organisation_id = $1
		  AND ($2 = '' OR artifact_type = $2)
	`
	if activeOnly {
		query += " AND is_active = TRUE"
	}
	query += " ORDER BY artifact_type ASC, step ASC, min_amount ASC, id ASC"

	rows, err := r.db.Query(ctx, query, organisationID, artifactType)
	if err != nil {
		return nil, errors.Wrap(err, errors.ErrCodeInternal, "failed to list approval rules")
	}
	defer rows.Close()

	return r.scanRows(rows)
}

// ListActiveForResolution returns the active rules for one organisation and
// artifact type ordered by step, then min_amount. Band filtering happens in
// the resolver.
func (r *ApprovalRulesRepository) ListActiveForResolution(ctx context.Context, organisationID, artifactType string) ([]*ApprovalRule, error) {
	query := `SELECT` + ruleColumns + `
		FROM approval_rules
		WHERE organisation_id = $1 AND artifact_type = $2 AND is_active = TRUE
		ORDER BY step ASC, min_amount ASC, id ASC
	`

	rows, err := r.db.Query(ctx, query, organisationID, artifactType)
	if err != nil {
		return nil, errors.Wrap(err, errors.ErrCodeInternal, "failed to load approval rules")
	}
	defer rows.Close()

	return r.scanRows(rows)
}

// Update persists changes to an existing rule.
func (r *ApprovalRulesRepository) Update(ctx context.Context, rule *ApprovalRule) error {
	query := `
		UPDATE approval_rules
		SET step              = $3,
		    approval_role     = $4,
		    min_amount        = $5,
		    max_amount        = $6,
		    approver_user_id  = $7,
		    approval_group_id = $8,
		    is_active         = $9,
		    artifact_type     = $10,
		    updated_at        = NOW()
		WHERE id = $1 AND organisation_id = $2
		RETURNING updated_at
	`

	err := r.db.QueryRow(ctx, query,
		rule.ID,
		rule.OrganisationID,
		rule.Step,
		rule.ApprovalRole,
		rule.MinAmount,
		rule.MaxAmount,
		rule.ApproverUserID,
		rule.ApprovalGroupID,
		rule.IsActive,
		rule.ArtifactType,
	).Scan(&rule.UpdatedAt)

	if errors.Is(err, pgx.ErrNoRows) {
		return errors.NotFound("approval_rule", rule.ID)
	}
	if err != nil {
		return errors.Wrap(err, errors.ErrCodeInternal, "failed to update approval rule")
	}
	return nil
}

// Deactivate soft-deletes a rule. Tasks already created from it keep their
// rule_id reference.
func (r *ApprovalRulesRepository) Deactivate(ctx context.Context, id, organisationID string) error {
	tag, err := r.db.Exec(ctx, `
		UPDATE approval_rules
		SET is_active = FALSE, updated_at = NOW()
		WHERE id = $1 AND organisation_id = $2
	`, id, organisationID)
	if err != nil {
		return errors.Wrap(err, errors.ErrCodeInternal, "failed to deactivate approval rule")
	}
	if tag.RowsAffected() == 0 {
		return errors.NotFound("approval_rule", id)
	}
	return nil
}

// HasPendingTasks reports whether any pending task was fanned out from the rule.
func (r *ApprovalRulesRepository) HasPendingTasks(ctx context.Context, ruleID string) (bool, error) {
	var exists bool
	err := r.db.QueryRow(ctx, `
		SELECT EXISTS (
		    SELECT 1 FROM change_approvals WHERE rule_id = $1 AND status = 'pending'
		)
	`, ruleID).Scan(&exists)
	if err != nil {
		return false, errors.Wrap(err, errors.ErrCodeInternal, "failed to check pending tasks for rule")
	}
	return exists, nil
}

// ── scan helpers ──────────────────────────────────────────────────────────────

type ruleScanner interface {
	Scan(dest ...any) error
}

func (r *ApprovalRulesRepository) scanRule(sc ruleScanner) (*ApprovalRule, error) {
	rule := &ApprovalRule{}
	err := sc.Scan(
		&rule.ID,
		&rule.OrganisationID,
		&rule.ArtifactType,
		&rule.Step,
		&rule.ApprovalRole,
		&rule.MinAmount,
		&rule.MaxAmount,
		&rule.ApproverUserID,
		&rule.ApprovalGroupID,
		&rule.IsActive,
		&rule.CreatedBy,
		&rule.CreatedAt,
		&rule.UpdatedAt,
	)
	if err != nil {
		return nil, err
	}
	return rule, nil
}

func (r *ApprovalRulesRepository) scanRows(rows pgx.Rows) ([]*ApprovalRule, error) {
	var rules []*ApprovalRule
	for rows.Next() {
		rule, err := r.scanRule(rows)
		if err != nil {
			return nil, errors.Wrap(err, errors.ErrCodeInternal, "failed to scan approval rule")
		}
		rules = append(rules, rule)
	}
	if err := rows.Err(); err != nil {
		return nil, errors.Wrap(err, errors.ErrCodeInternal, "failed to iterate approval rules")
	}
	return rules, nil
}
