package repository

import (
	"context"
	"encoding/json"

	"github.com/google/uuid"
	"github.com/jackc/pgx/v5"

	"github.com/pesio-ai/be-approval-governance/internal/platform/database"
	"github.com/pesio-ai/be-approval-governance/internal/platform/errors"
)

// ApprovalAuditRepository appends and reads immutable governance audit entries.
type ApprovalAuditRepository struct {
	db *database.DB
}

// NewApprovalAuditRepository creates a new ApprovalAuditRepository.
func NewApprovalAuditRepository(db *database.DB) *ApprovalAuditRepository {
	return &ApprovalAuditRepository{db: db}
}

// Append inserts one audit entry. The table has a delete-prevention trigger so
// this is the only mutation operation exposed.
func (r *ApprovalAuditRepository) Append(ctx context.Context, entry *AuditEntry) error {
	if entry.ID == "" {
		entry.ID = uuid.NewString()
	}

	var metadataJSON []byte
	if entry.Metadata != nil {
		var err error
		metadataJSON, err = json.Marshal(entry.Metadata)
		if err != nil {
			return errors.Wrap(err, errors.ErrCodeInternal, "failed to marshal audit metadata")
		}
	}

	query := `
		INSERT INTO governance_audit_log
		    (id, organisation_id, artifact_id, task_id,
		     action, performed_by, performed_at,
		     status_before, status_after, metadata)
		VALUES ($1, $2, $3, $4,
		        $5, $6, $7,
		        $8, $9, $10)
	`

	_, err := r.db.Exec(ctx, query,
		entry.ID,
		entry.OrganisationID,
		entry.ArtifactID,
		entry.TaskID,
		entry.Action,
		entry.PerformedBy,
		entry.PerformedAt,
		entry.StatusBefore,
		entry.StatusAfter,
		metadataJSON,
	)
	if err != nil {
		return errors.Wrap(err, errors.ErrCodeInternal, "failed to append audit entry")
	}
	return nil
}

// ListByArtifact returns the full audit trail for an artifact ordered oldest-first.
func (r *ApprovalAuditRepository) ListByArtifact(ctx context.Context, artifactID, organisationID string) ([]*AuditEntry, error) {
	query := `
		SELECT id, organisation_id, artifact_id, task_id,
		       action, performed_by, performed_at,
		       status_before, status_after, metadata
		FROM governance_audit_log
		WHERE artifact_id = $1 AND organisation_id = $2
		ORDER BY performed_at ASC, id ASC
	`

	rows, err := r.db.Query(ctx, query, artifactID, organisationID)
	if err != nil {
		return nil, errors.Wrap(err, errors.ErrCodeInternal, "failed to get audit log")
	}
	defer rows.Close()

	return r.scanRows(rows)
}

// ── scan helpers ──────────────────────────────────────────────────────────────

func (r *ApprovalAuditRepository) scanRows(rows pgx.Rows) ([]*AuditEntry, error) {
	var entries []*AuditEntry
	for rows.Next() {
		entry, err := r.scanEntry(rows)
		if err != nil {
			return nil, err
		}
		entries = append(entries, entry)
	}
	if err := rows.Err(); err != nil {
		return nil, errors.Wrap(err, errors.ErrCodeInternal, "failed to iterate audit log")
	}
	return entries, nil
}

type auditScanner interface {
	Scan(dest ...any) error
}

func (r *ApprovalAuditRepository) scanEntry(sc auditScanner) (*AuditEntry, error) {
	entry := &AuditEntry{}
	var metadataJSON []byte

	err := sc.Scan(
		&entry.ID,
		&entry.OrganisationID,
		&entry.ArtifactID,
		&entry.TaskID,
		&entry.Action,
		&entry.PerformedBy,
		&entry.PerformedAt,
		&entry.StatusBefore,
		&entry.StatusAfter,
		&metadataJSON,
	)
	if err != nil {
		return nil, errors.Wrap(err, errors.ErrCodeInternal, "failed to scan audit entry")
	}

	if metadataJSON != nil {
		if err := json.Unmarshal(metadataJSON, &entry.Metadata); err != nil {
			return nil, errors.Wrap(err, errors.ErrCodeInternal, "failed to unmarshal audit metadata")
		}
	}

	return entry, nil
}
