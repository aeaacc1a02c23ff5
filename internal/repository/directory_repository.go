package repository

import (
	"context"

	"github.com/google/uuid"
	"github.com/jackc/pgx/v5"

	"github.com/pesio-ai/be-approval-governance/internal/platform/database"
	"github.com/pesio-ai/be-approval-governance/internal/platform/errors"
)

// DirectoryRepository handles approver_directory entries.
type DirectoryRepository struct {
	db *database.DB
}

// NewDirectoryRepository creates a new DirectoryRepository.
func NewDirectoryRepository(db *database.DB) *DirectoryRepository {
	return &DirectoryRepository{db: db}
}

const directoryColumns = `
	d.id, d.organisation_id, d.email, d.full_name, d.role, d.department,
	d.user_id, d.is_active, d.created_at, d.updated_at, a.email`

// Create inserts a new directory entry. Emails are unique per organisation,
// case-insensitively.
func (r *DirectoryRepository) Create(ctx context.Context, entry *DirectoryEntry) error {
	if entry.ID == "" {
		entry.ID = uuid.NewString()
	}

	query := `
		INSERT INTO approver_directory
		    (id, organisation_id, email, full_name, role, department, user_id, is_active)
		VALUES ($1, $2, $3, $4, $5, $6, $7, $8)
		ON CONFLICT DO NOTHING
		RETURNING created_at, updated_at
	`

	err := r.db.QueryRow(ctx, query,
		entry.ID,
		entry.OrganisationID,
		entry.Email,
		entry.FullName,
		entry.Role,
		entry.Department,
		entry.UserID,
		entry.IsActive,
	).Scan(&entry.CreatedAt, &entry.UpdatedAt)
	if errors.Is(err, pgx.ErrNoRows) {
		return errors.Conflict("directory entry already exists: " + entry.Email)
	}
	if err != nil {
		return errors.Wrap(err, errors.ErrCodeInternal, "failed to create directory entry")
	}
	return nil
}

// GetByID retrieves an entry scoped to its organisation.
func (r *DirectoryRepository) GetByID(ctx context.Context, id, organisationID string) (*DirectoryEntry, error) {
	query := `SELECT` + directoryColumns + `
		FROM approver_directory d
		LEFT JOIN accounts a ON a.id = d.user_id
		WHERE d.id = $1 AND d.organisation_id = $2
	`

	entry, err := r.scanEntry(r.db.QueryRow(ctx, query, id, organisationID))
	if errors.Is(err, pgx.ErrNoRows) {
		return nil, errors.NotFound("directory_entry", id)
	}
	if err != nil {
		return nil, errors.Wrap(err, errors.ErrCodeInternal, "failed to get directory entry")
	}
	return entry, nil
}

// GetByEmail retrieves an entry by organisation and email.
func (r *DirectoryRepository) GetByEmail(ctx context.Context, organisationID, email string) (*DirectoryEntry, error) {
	query := `SELECT` + directoryColumns + `
		FROM approver_directory d
		LEFT JOIN accounts a ON a.id = d.user_id
		WHERE d.organisation_id = $1 AND LOWER(d.email) = LOWER($2)
	`

	entry, err := r.scanEntry(r.db.QueryRow(ctx, query, organisationID, email))
	if errors.Is(err, pgx.ErrNoRows) {
		return nil, errors.NotFound("directory_entry", email)
	}
	if err != nil {
		return nil, errors.Wrap(err, errors.ErrCodeInternal, "failed to get directory entry")
	}
	return entry, nil
}

// List returns an organisation's directory ordered by email.
func (r *DirectoryRepository) List(ctx context.Context, organisationID string) ([]*DirectoryEntry, error) {
	query := `SELECT` + directoryColumns + `
		FROM approver_directory d
		LEFT JOIN accounts a ON a.id = d.user_id
		WHERE d.organisation_id = $1
		ORDER BY LOWER(d.email) ASC
	`

	rows, err := r.db.Query(ctx, query, organisationID)
	if err != nil {
		return nil, errors.Wrap(err, errors.ErrCodeInternal, "failed to list directory entries")
	}
	defer rows.Close()

	var entries []*DirectoryEntry
	for rows.Next() {
		entry, err := r.scanEntry(rows)
		if err != nil {
			return nil, errors.Wrap(err, errors.ErrCodeInternal, "failed to scan directory entry")
		}
		entries = append(entries, entry)
	}
	if err := rows.Err(); err != nil {
		return nil, errors.Wrap(err, errors.ErrCodeInternal, "failed to iterate directory entries")
	}
	return entries, nil
}

// Link attaches an account to a directory entry and hands the entry's pending
// tasks to that account, in one transaction. It returns the number of tasks
// reassigned.
func (r *DirectoryRepository) Link(ctx context.Context, id, organisationID, userID string) (int64, error) {
	var reassigned int64

	err := r.db.InTransaction(ctx, func(tx pgx.Tx) error {
		tag, err := tx.Exec(ctx, `
			UPDATE approver_directory
			SET user_id = $3, updated_at = NOW()
			WHERE id = $1 AND organisation_id = $2
		`, id, organisationID, userID)
		if err != nil {
			return errors.Wrap(err, errors.ErrCodeInternal, "failed to link directory entry")
		}
		if tag.RowsAffected() == 0 {
			return errors.NotFound("directory_entry", id)
		}

		tag, err = tx.Exec(ctx, `
			UPDATE change_approvals
			SET approver_user_id = $2
			WHERE approver_directory_id = $1
			  AND approver_user_id IS NULL
			  AND status = 'pending'
		`, id, userID)
		if err != nil {
			return errors.Wrap(err, errors.ErrCodeInternal, "failed to reassign directory tasks")
		}
		reassigned = tag.RowsAffected()
		return nil
	})
	return reassigned, err
}

// ── scan helpers ──────────────────────────────────────────────────────────────

type directoryScanner interface {
	Scan(dest ...any) error
}

func (r *DirectoryRepository) scanEntry(sc directoryScanner) (*DirectoryEntry, error) {
	e := &DirectoryEntry{}
	err := sc.Scan(
		&e.ID,
		&e.OrganisationID,
		&e.Email,
		&e.FullName,
		&e.Role,
		&e.Department,
		&e.UserID,
		&e.IsActive,
		&e.CreatedAt,
		&e.UpdatedAt,
		&e.LinkedAccountEmail,
	)
	if err != nil {
		return nil, err
	}
	return e, nil
}
