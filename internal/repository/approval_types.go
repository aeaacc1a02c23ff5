package repository

import "time"

// ── Artifact types ───────────────────────────────────────────────────────────

const (
	ArtifactTypeChange  = "change"
	ArtifactTypeCharter = "charter"
	ArtifactTypeClosure = "closure"
)

// AllowedArtifactTypes is the fixed allow-list of governable artifact types.
var AllowedArtifactTypes = []string{ArtifactTypeChange, ArtifactTypeCharter, ArtifactTypeClosure}

// IsAllowedArtifactType reports whether t is on the allow-list.
func IsAllowedArtifactType(t string) bool {
	for _, allowed := range AllowedArtifactTypes {
		if t == allowed {
			return true
		}
	}
	return false
}

// ── Lanes and decision statuses ──────────────────────────────────────────────

const (
	LaneDraft      = "draft"
	LaneAnalysis   = "analysis"
	LaneReview     = "review"
	LaneSubmitted  = "submitted"
	LaneInProgress = "in_progress"
)

const (
	DecisionDraft     = "draft"
	DecisionAnalysis  = "analysis"
	DecisionReview    = "review"
	DecisionSubmitted = "submitted"
	DecisionApproved  = "approved"
	DecisionRejected  = "rejected"
	DecisionRework    = "rework"
)

// openDecisionStatuses are the artifact decision statuses under which the
// current approval round still accepts task decisions.
var openDecisionStatuses = []string{DecisionSubmitted, DecisionReview, DecisionApproved, DecisionRejected}

// ── Task statuses ────────────────────────────────────────────────────────────

const (
	TaskPending  = "pending"
	TaskApproved = "approved"
	TaskRejected = "rejected"
)

// ── Policy rows ──────────────────────────────────────────────────────────────

// ApprovalRule binds one approval step for an artifact type and amount band to
// either a specific approver or an approval group.
type ApprovalRule struct {
	ID              string    `json:"id"`
	OrganisationID  string    `json:"organisation_id"`
	ArtifactType    string    `json:"artifact_type"`
	Step            int       `json:"step"`
	ApprovalRole    string    `json:"approval_role"`
	MinAmount       int64     `json:"min_amount"`
	MaxAmount       *int64    `json:"max_amount,omitempty"` // nil = unbounded
	ApproverUserID  *string   `json:"approver_user_id,omitempty"`
	ApprovalGroupID *string   `json:"approval_group_id,omitempty"`
	IsActive        bool      `json:"is_active"`
	CreatedBy       string    `json:"created_by"`
	CreatedAt       time.Time `json:"created_at"`
	UpdatedAt       time.Time `json:"updated_at"`
}

// Contains reports whether amount falls in the rule's [min, max) band.
func (r *ApprovalRule) Contains(amount int64) bool {
	if amount < r.MinAmount {
		return false
	}
	if r.MaxAmount != nil && amount >= *r.MaxAmount {
		return false
	}
	return true
}

// ApprovalGroup is a named set of approvers for one organisation and artifact type.
type ApprovalGroup struct {
	ID             string    `json:"id"`
	OrganisationID string    `json:"organisation_id"`
	ArtifactType   string    `json:"artifact_type"`
	Name           string    `json:"name"`
	Description    string    `json:"description"`
	IsActive       bool      `json:"is_active"`
	CreatedAt      time.Time `json:"created_at"`
	UpdatedAt      time.Time `json:"updated_at"`
}

// ApprovalGroupMember references either an account or a directory entry.
// The joined fields are populated by ListMembers.
type ApprovalGroupMember struct {
	ID          string    `json:"id"`
	GroupID     string    `json:"group_id"`
	UserID      *string   `json:"user_id,omitempty"`
	DirectoryID *string   `json:"directory_id,omitempty"`
	CreatedAt   time.Time `json:"created_at"`

	AccountEmail *string         `json:"account_email,omitempty"`
	Directory    *DirectoryEntry `json:"directory,omitempty"`
}

// DirectoryEntry is an approver known by contact details, optionally linked
// to an account.
type DirectoryEntry struct {
	ID             string    `json:"id"`
	OrganisationID string    `json:"organisation_id"`
	Email          string    `json:"email"`
	FullName       string    `json:"full_name"`
	Role           string    `json:"role"`
	Department     string    `json:"department"`
	UserID         *string   `json:"user_id,omitempty"`
	IsActive       bool      `json:"is_active"`
	CreatedAt      time.Time `json:"created_at"`
	UpdatedAt      time.Time `json:"updated_at"`

	// LinkedAccountEmail is the email of the linked account, when joined.
	LinkedAccountEmail *string `json:"linked_account_email,omitempty"`
}

// Account is a read-only view of an identity-service account.
type Account struct {
	ID          string `json:"id"`
	Email       string `json:"email"`
	DisplayName string `json:"display_name"`
}

// ── Governed artifacts and tasks ─────────────────────────────────────────────

// Artifact is a governed artifact (change request, charter, closure report).
type Artifact struct {
	ID             string     `json:"id"`
	OrganisationID string     `json:"organisation_id"`
	ProjectID      string     `json:"project_id"`
	ArtifactType   string     `json:"artifact_type"`
	Title          string     `json:"title"`
	Amount         *int64     `json:"amount,omitempty"` // nil when the artifact has no monetary dimension
	Lane           string     `json:"delivery_status"`
	DecisionStatus string     `json:"decision_status"`
	DecisionBy     *string    `json:"decision_by,omitempty"`
	DecisionAt     *time.Time `json:"decision_at,omitempty"`
	DecisionRole   *string    `json:"decision_role,omitempty"`
	ApprovalRound  int        `json:"approval_round"`
	Version        int64      `json:"version"`
	CreatedBy      string     `json:"created_by"`
	CreatedAt      time.Time  `json:"created_at"`
	UpdatedAt      time.Time  `json:"updated_at"`
}

// AmountOrZero returns the artifact amount, defaulting to 0.
func (a *Artifact) AmountOrZero() int64 {
	if a.Amount == nil {
		return 0
	}
	return *a.Amount
}

// AcceptsDecisions reports whether the artifact's current round is open for
// task decisions and aggregate writes.
func (a *Artifact) AcceptsDecisions() bool {
	if a.ApprovalRound == 0 {
		return false
	}
	for _, s := range openDecisionStatuses {
		if a.DecisionStatus == s {
			return true
		}
	}
	return false
}

// ApprovalTask is one approver's decision slot for one artifact round
// (stored in change_approvals).
type ApprovalTask struct {
	ID                  string     `json:"id"`
	OrganisationID      string     `json:"organisation_id"`
	ArtifactID          string     `json:"artifact_id"`
	ProjectID           string     `json:"project_id"`
	ApprovalRound       int        `json:"approval_round"`
	Step                int        `json:"step"`
	RuleID              string     `json:"rule_id"`
	ApprovalGroupID     *string    `json:"approval_group_id,omitempty"`
	ApproverUserID      *string    `json:"approver_user_id,omitempty"`
	ApproverDirectoryID *string    `json:"approver_directory_id,omitempty"`
	ApprovalRole        string     `json:"approval_role"`
	Status              string     `json:"status"`
	DecidedAt           *time.Time `json:"decided_at,omitempty"`
	DecidedBy           *string    `json:"decided_by,omitempty"`
	DecisionComment     *string    `json:"decision_comment,omitempty"`
	CreatedAt           time.Time  `json:"created_at"`
}

// AggregateWrite is the artifact state produced by aggregate evaluation.
type AggregateWrite struct {
	DecisionStatus string
	Lane           string
	DecisionBy     *string
	DecisionAt     *time.Time
	DecisionRole   *string
}

// AuditEntry is one immutable record in the governance audit log.
type AuditEntry struct {
	ID             string                 `json:"id"`
	OrganisationID string                 `json:"organisation_id"`
	ArtifactID     string                 `json:"artifact_id"`
	TaskID         *string                `json:"task_id,omitempty"`
	Action         string                 `json:"action"` // submitted | auto_approved | approved | rejected | lane_changed | aggregate_changed
	PerformedBy    string                 `json:"performed_by"`
	PerformedAt    time.Time              `json:"performed_at"`
	StatusBefore   *string                `json:"status_before,omitempty"`
	StatusAfter    *string                `json:"status_after,omitempty"`
	Metadata       map[string]interface{} `json:"metadata,omitempty"`
}

func deref(s *string) string {
	if s == nil {
		return ""
	}
	return *s
}
