package repository

import (
	"context"
	"time"

	"github.com/google/uuid"
	"github.com/jackc/pgx/v5"

	"github.com/pesio-ai/be-approval-governance/internal/platform/database"
	"github.com/pesio-ai/be-approval-governance/internal/platform/errors"
)

// ArtifactRepository handles governed_artifacts and the task fan-out that
// accompanies a submission.
type ArtifactRepository struct {
	db *database.DB
}

// NewArtifactRepository creates a new ArtifactRepository.
func NewArtifactRepository(db *database.DB) *ArtifactRepository {
	return &ArtifactRepository{db: db}
}

const artifactColumns = `
	id, organisation_id, project_id, artifact_type, title, amount,
	delivery_status, decision_status, decision_by, decision_at, decision_role,
	approval_round, version, created_by, created_at, updated_at`

// Submission is the outcome of routing an artifact in the review lane.
type Submission struct {
	ArtifactID string
	Round      int
	Tasks      []*ApprovalTask
	// AutoApprove is set when no rule applied; the artifact skips the
	// submitted lane and no tasks are written.
	AutoApprove bool
	SubmittedAt time.Time
}

// Create inserts a new artifact in the draft lane.
func (r *ArtifactRepository) Create(ctx context.Context, a *Artifact) error {
	if a.ID == "" {
		a.ID = uuid.NewString()
	}
	a.Lane = LaneDraft
	a.DecisionStatus = DecisionDraft

	query := `
		INSERT INTO governed_artifacts
		    (id, organisation_id, project_id, artifact_type, title, amount,
		     delivery_status, decision_status, created_by)
		VALUES ($1, $2, $3, $4, $5, $6,
		        $7, $8, $9)
		RETURNING approval_round, version, created_at, updated_at
	`

	err := r.db.QueryRow(ctx, query,
		a.ID,
		a.OrganisationID,
		a.ProjectID,
		a.ArtifactType,
		a.Title,
		a.Amount,
		a.Lane,
		a.DecisionStatus,
		a.CreatedBy,
	).Scan(&a.ApprovalRound, &a.Version, &a.CreatedAt, &a.UpdatedAt)
	if err != nil {
		return errors.Wrap(err, errors.ErrCodeInternal, "failed to create artifact")
	}
	return nil
}

// GetByID retrieves an artifact by primary key.
func (r *ArtifactRepository) GetByID(ctx context.Context, id string) (*Artifact, error) {
	query := `SELECT` + artifactColumns + `
		FROM governed_artifacts
		WHERE id = $1
	`

	a, err := r.scanArtifact(r.db.QueryRow(ctx, query, id))
	if errors.Is(err, pgx.ErrNoRows) {
		return nil, errors.NotFound("artifact", id)
	}
	if err != nil {
		return nil, errors.Wrap(err, errors.ErrCodeInternal, "failed to get artifact")
	}
	return a, nil
}

// MoveLane performs a compare-and-set lane transition. It returns Conflict
// when the artifact is no longer in the from lane.
func (r *ArtifactRepository) MoveLane(ctx context.Context, id, from, to, decisionStatus string) (*Artifact, error) {
	query := `
		UPDATE governed_artifacts
		SET delivery_status = $3,
		    decision_status = $4,
		    version         = version + 1,
		    updated_at      = NOW()
		WHERE id = $1 AND delivery_status = $2
		RETURNING` + artifactColumns

	a, err := r.scanArtifact(r.db.QueryRow(ctx, query, id, from, to, decisionStatus))
	if errors.Is(err, pgx.ErrNoRows) {
		return nil, errors.Conflict("artifact is not in the " + from + " lane")
	}
	if err != nil {
		return nil, errors.Wrap(err, errors.ErrCodeInternal, "failed to move artifact lane")
	}
	return a, nil
}

// Submit moves the artifact out of the review lane and writes the round's
// tasks in one transaction. Only one concurrent submission can pass the lane
// gate; the others get Conflict.
func (r *ArtifactRepository) Submit(ctx context.Context, s *Submission) (*Artifact, error) {
	lane, status := LaneSubmitted, DecisionSubmitted
	var decisionAt *time.Time
	var decisionRole *string
	if s.AutoApprove {
		lane, status = LaneInProgress, DecisionApproved
		at := s.SubmittedAt
		role := "auto"
		decisionAt, decisionRole = &at, &role
	}

	var artifact *Artifact
	err := r.db.InTransaction(ctx, func(tx pgx.Tx) error {
		query := `
			UPDATE governed_artifacts
			SET delivery_status = $2,
			    decision_status = $3,
			    approval_round  = $4,
			    decision_by     = NULL,
			    decision_at     = $5,
			    decision_role   = $6,
			    version         = version + 1,
			    updated_at      = NOW()
			WHERE id = $1 AND delivery_status = 'review' AND approval_round = $4 - 1
			RETURNING` + artifactColumns

		a, err := r.scanArtifact(tx.QueryRow(ctx, query,
			s.ArtifactID, lane, status, s.Round, decisionAt, decisionRole))
		if errors.Is(err, pgx.ErrNoRows) {
			return errors.Conflict("artifact is not awaiting submission")
		}
		if err != nil {
			return errors.Wrap(err, errors.ErrCodeInternal, "failed to submit artifact")
		}
		artifact = a

		taskQuery := `
			INSERT INTO change_approvals
			    (id, organisation_id, artifact_id, project_id, approval_round,
			     step, rule_id, approval_group_id, approver_user_id,
			     approver_directory_id, approval_role, status)
			VALUES ($1, $2, $3, $4, $5,
			        $6, $7, $8, $9,
			        $10, $11, 'pending')
			RETURNING created_at
		`
		for _, t := range s.Tasks {
			if t.ID == "" {
				t.ID = uuid.NewString()
			}
			t.OrganisationID = a.OrganisationID
			t.ArtifactID = a.ID
			t.ProjectID = a.ProjectID
			t.ApprovalRound = s.Round
			t.Status = TaskPending

			err := tx.QueryRow(ctx, taskQuery,
				t.ID,
				t.OrganisationID,
				t.ArtifactID,
				t.ProjectID,
				t.ApprovalRound,
				t.Step,
				t.RuleID,
				t.ApprovalGroupID,
				t.ApproverUserID,
				t.ApproverDirectoryID,
				t.ApprovalRole,
			).Scan(&t.CreatedAt)
			if err != nil {
				return errors.Wrap(err, errors.ErrCodeInternal, "failed to create approval task")
			}
		}
		return nil
	})
	if err != nil {
		return nil, err
	}
	return artifact, nil
}

// ApplyAggregate writes an aggregate outcome if the artifact still has
// expectedVersion. It returns false when another writer got there first.
func (r *ArtifactRepository) ApplyAggregate(ctx context.Context, id string, expectedVersion int64, w AggregateWrite) (bool, error) {
	tag, err := r.db.Exec(ctx, `
		UPDATE governed_artifacts
		SET decision_status = $3,
		    delivery_status = $4,
		    decision_by     = $5,
		    decision_at     = $6,
		    decision_role   = $7,
		    version         = version + 1,
		    updated_at      = NOW()
		WHERE id = $1 AND version = $2
	`, id, expectedVersion, w.DecisionStatus, w.Lane, w.DecisionBy, w.DecisionAt, w.DecisionRole)
	if err != nil {
		return false, errors.Wrap(err, errors.ErrCodeInternal, "failed to write aggregate decision")
	}
	return tag.RowsAffected() == 1, nil
}

// ── scan helpers ──────────────────────────────────────────────────────────────

type artifactScanner interface {
	Scan(dest ...any) error
}

func (r *ArtifactRepository) scanArtifact(sc artifactScanner) (*Artifact, error) {
	a := &Artifact{}
	err := sc.Scan(
		&a.ID,
		&a.OrganisationID,
		&a.ProjectID,
		&a.ArtifactType,
		&a.Title,
		&a.Amount,
		&a.Lane,
		&a.DecisionStatus,
		&a.DecisionBy,
		&a.DecisionAt,
		&a.DecisionRole,
		&a.ApprovalRound,
		&a.Version,
		&a.CreatedBy,
		&a.CreatedAt,
		&a.UpdatedAt,
	)
	if err != nil {
		return nil, err
	}
	return a, nil
}
