package repository

import (
	"context"

	"github.com/jackc/pgx/v5"

	"github.com/pesio-ai/be-approval-governance/internal/platform/database"
	"github.com/pesio-ai/be-approval-governance/internal/platform/errors"
)

// ApprovalTasksRepository handles change_approvals, the per-approver decision
// trail. Rows are never deleted; a task leaves pending exactly once.
type ApprovalTasksRepository struct {
	db *database.DB
}

// NewApprovalTasksRepository creates a new ApprovalTasksRepository.
func NewApprovalTasksRepository(db *database.DB) *ApprovalTasksRepository {
	return &ApprovalTasksRepository{db: db}
}

const taskColumns = `
	t.id, t.organisation_id, t.artifact_id, t.project_id, t.approval_round,
	t.step, t.rule_id, t.approval_group_id, t.approver_user_id,
	t.approver_directory_id, t.approval_role, t.status,
	t.decided_at, t.decided_by, t.decision_comment, t.created_at`

// ErrTaskNotDecidable is returned by Decide when the guarded update matched no
// row: the task is unknown, owned by someone else, already decided, or its
// round is closed.
var ErrTaskNotDecidable = errors.New(errors.ErrCodeNotFound, "approval task not found or already decided")

// Decide records approve or reject on a pending task owned by userID whose
// round is still open. The guard makes the transition at-most-once.
func (r *ApprovalTasksRepository) Decide(ctx context.Context, id, userID, status string, comment *string) (*ApprovalTask, error) {
	query := `
		UPDATE change_approvals t
		SET status           = $3,
		    decided_at       = NOW(),
		    decided_by       = $2,
		    decision_comment = $4
		FROM governed_artifacts a
		WHERE t.id = $1
		  AND t.approver_user_id = $2
		  AND t.status = 'pending'
		  AND a.id = t.artifact_id
		  AND a.approval_round = t.approval_round
		  AND a.decision_status IN ('submitted', 'review', 'approved', 'rejected')
		RETURNING` + taskColumns

	task, err := r.scanTask(r.db.QueryRow(ctx, query, id, userID, status, comment))
	if errors.Is(err, pgx.ErrNoRows) {
		return nil, ErrTaskNotDecidable
	}
	if err != nil {
		return nil, errors.Wrap(err, errors.ErrCodeInternal, "failed to record decision")
	}
	return task, nil
}

// GetForApprover returns the task only when userID is its approver.
func (r *ApprovalTasksRepository) GetForApprover(ctx context.Context, id, userID string) (*ApprovalTask, error) {
	query := `SELECT` + taskColumns + `
		FROM change_approvals t
		WHERE t.id = $1 AND t.approver_user_id = $2
	`

	task, err := r.scanTask(r.db.QueryRow(ctx, query, id, userID))
	if errors.Is(err, pgx.ErrNoRows) {
		return nil, errors.NotFound("approval_task", id)
	}
	if err != nil {
		return nil, errors.Wrap(err, errors.ErrCodeInternal, "failed to get approval task")
	}
	return task, nil
}

// ListByArtifactRound returns one round's tasks ordered by step.
func (r *ApprovalTasksRepository) ListByArtifactRound(ctx context.Context, artifactID string, round int) ([]*ApprovalTask, error) {
	query := `SELECT` + taskColumns + `
		FROM change_approvals t
		WHERE t.artifact_id = $1 AND t.approval_round = $2
		ORDER BY t.step ASC, t.created_at ASC, t.id ASC
	`

	rows, err := r.db.Query(ctx, query, artifactID, round)
	if err != nil {
		return nil, errors.Wrap(err, errors.ErrCodeInternal, "failed to list approval tasks")
	}
	defer rows.Close()

	return r.scanRows(rows)
}

// ListByArtifact returns every task of every round, oldest round first.
func (r *ApprovalTasksRepository) ListByArtifact(ctx context.Context, artifactID string) ([]*ApprovalTask, error) {
	query := `SELECT` + taskColumns + `
		FROM change_approvals t
		WHERE t.artifact_id = $1
		ORDER BY t.approval_round ASC, t.step ASC, t.created_at ASC, t.id ASC
	`

	rows, err := r.db.Query(ctx, query, artifactID)
	if err != nil {
		return nil, errors.Wrap(err, errors.ErrCodeInternal, "failed to list approval tasks")
	}
	defer rows.Close()

	return r.scanRows(rows)
}

// ListPendingForUser returns the user's open tasks in an organisation,
// skipping tasks from closed rounds.
func (r *ApprovalTasksRepository) ListPendingForUser(ctx context.Context, organisationID, userID string) ([]*ApprovalTask, error) {
	query := `SELECT` + taskColumns + `
		FROM change_approvals t
		JOIN governed_artifacts a ON a.id = t.artifact_id
		WHERE t.organisation_id = $1
		  AND t.approver_user_id = $2
		  AND t.status = 'pending'
		  AND a.approval_round = t.approval_round
		  AND a.decision_status IN ('submitted', 'review', 'approved', 'rejected')
		ORDER BY t.created_at ASC, t.id ASC
	`

	rows, err := r.db.Query(ctx, query, organisationID, userID)
	if err != nil {
		return nil, errors.Wrap(err, errors.ErrCodeInternal, "failed to list pending approvals")
	}
	defer rows.Close()

	return r.scanRows(rows)
}

// ── scan helpers ──────────────────────────────────────────────────────────────

type taskScanner interface {
	Scan(dest ...any) error
}

func (r *ApprovalTasksRepository) scanTask(sc taskScanner) (*ApprovalTask, error) {
	t := &ApprovalTask{}
	err := sc.Scan(
		&t.ID,
		&t.OrganisationID,
		&t.ArtifactID,
		&t.ProjectID,
		&t.ApprovalRound,
		&t.Step,
		&t.RuleID,
		&t.ApprovalGroupID,
		&t.ApproverUserID,
		&t.ApproverDirectoryID,
		&t.ApprovalRole,
		&t.Status,
		&t.DecidedAt,
		&t.DecidedBy,
		&t.DecisionComment,
		&t.CreatedAt,
	)
	if err != nil {
		return nil, err
	}
	return t, nil
}

func (r *ApprovalTasksRepository) scanRows(rows pgx.Rows) ([]*ApprovalTask, error) {
	var tasks []*ApprovalTask
	for rows.Next() {
		t, err := r.scanTask(rows)
		if err != nil {
			return nil, errors.Wrap(err, errors.ErrCodeInternal, "failed to scan approval task")
		}
		tasks = append(tasks, t)
	}
	if err := rows.Err(); err != nil {
		return nil, errors.Wrap(err, errors.ErrCodeInternal, "failed to iterate approval tasks")
	}
	return tasks, nil
}
