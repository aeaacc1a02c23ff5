package service

import (
	"context"
	"strings"
	"time"

	"github.com/google/uuid"
	"go.opentelemetry.io/otel"
	"go.opentelemetry.io/otel/attribute"
	"go.opentelemetry.io/otel/codes"
	"go.opentelemetry.io/otel/trace"

	"github.com/pesio-ai/be-approval-governance/internal/platform/errors"
	"github.com/pesio-ai/be-approval-governance/internal/platform/logger"
	"github.com/pesio-ai/be-approval-governance/internal/repository"
)

var tracer = otel.Tracer("github.com/pesio-ai/be-approval-governance/internal/service")

// Decision verbs accepted from callers.
const (
	DecisionApprove = "approve"
	DecisionReject  = "reject"
)

// ApprovalService runs artifact lifecycle, submission fan-out and decision
// recording.
type ApprovalService struct {
	artifacts  ArtifactStore
	tasks      TasksStore
	auditLog   AuditStore
	membership MembershipStore
	rules      *RuleResolver
	groups     *GroupResolver
	aggregator *Aggregator
	audit      *AuditEmitter
	notifier   EventPublisher
	log        *logger.Logger
	now        func() time.Time
}

// NewApprovalService creates a new ApprovalService.
func NewApprovalService(
	artifacts ArtifactStore,
	tasks TasksStore,
	auditLog AuditStore,
	membership MembershipStore,
	rules *RuleResolver,
	groups *GroupResolver,
	aggregator *Aggregator,
	audit *AuditEmitter,
	notifier EventPublisher,
	log *logger.Logger,
) *ApprovalService {
	return &ApprovalService{
		artifacts:  artifacts,
		tasks:      tasks,
		auditLog:   auditLog,
		membership: membership,
		rules:      rules,
		groups:     groups,
		aggregator: aggregator,
		audit:      audit,
		notifier:   notifier,
		log:        log,
		now:        time.Now,
	}
}

// ── Artifacts ─────────────────────────────────────────────────────────────────

// CreateArtifactRequest carries the fields of a new governed artifact.
type CreateArtifactRequest struct {
	ProjectID    string `json:"project_id"`
	ArtifactType string `json:"artifact_type"`
	Title        string `json:"title"`
	Amount       *int64 `json:"amount,omitempty"`
}

// CreateArtifact registers a new artifact in the draft lane.
func (s *ApprovalService) CreateArtifact(ctx context.Context, organisationID, userID string, req CreateArtifactRequest) (*repository.Artifact, error) {
	if err := s.requireMember(ctx, organisationID, userID); err != nil {
		return nil, err
	}
	if err := validateArtifactType(req.ArtifactType); err != nil {
		return nil, err
	}
	if strings.TrimSpace(req.ProjectID) == "" {
		return nil, errors.InvalidInput("project_id", "is required")
	}
	if strings.TrimSpace(req.Title) == "" {
		return nil, errors.InvalidInput("title", "is required")
	}
	if req.Amount != nil && *req.Amount < 0 {
		return nil, errors.InvalidInput("amount", "must not be negative")
	}

	a := &repository.Artifact{
		OrganisationID: organisationID,
		ProjectID:      req.ProjectID,
		ArtifactType:   req.ArtifactType,
		Title:          strings.TrimSpace(req.Title),
		Amount:         req.Amount,
		CreatedBy:      userID,
	}
	if err := s.artifacts.Create(ctx, a); err != nil {
		return nil, err
	}

	s.log.Info().
		Str("artifact_id", a.ID).
		Str("artifact_type", a.ArtifactType).
		Str("organisation_id", organisationID).
		Msg("Artifact created")
	return a, nil
}

// GetArtifact returns an artifact visible to the caller.
func (s *ApprovalService) GetArtifact(ctx context.Context, artifactID, userID string) (*repository.Artifact, error) {
	return s.visibleArtifact(ctx, artifactID, userID)
}

// AdvanceLane moves an artifact through the pre-submission lanes:
// draft to analysis, and analysis to review. Leaving analysis after a
// rejection marks the artifact for rework.
func (s *ApprovalService) AdvanceLane(ctx context.Context, artifactID, userID, to string) (*repository.Artifact, error) {
	artifact, err := s.visibleArtifact(ctx, artifactID, userID)
	if err != nil {
		return nil, err
	}

	var status string
	switch {
	case artifact.Lane == repository.LaneDraft && to == repository.LaneAnalysis:
		status = repository.DecisionAnalysis
	case artifact.Lane == repository.LaneAnalysis && to == repository.LaneReview:
		status = repository.DecisionReview
		if artifact.DecisionStatus == repository.DecisionRejected {
			status = repository.DecisionRework
		}
	case to == repository.LaneSubmitted:
		return nil, errors.InvalidInput("lane", "use submit to enter the submitted lane")
	default:
		return nil, errors.Conflict("cannot move artifact from " + artifact.Lane + " to " + to)
	}

	updated, err := s.artifacts.MoveLane(ctx, artifactID, artifact.Lane, to, status)
	if err != nil {
		return nil, err
	}

	before, after := artifact.Lane, updated.Lane
	s.audit.Emit(&repository.AuditEntry{
		OrganisationID: updated.OrganisationID,
		ArtifactID:     updated.ID,
		Action:         ActionLaneChanged,
		PerformedBy:    userID,
		PerformedAt:    s.now().UTC(),
		StatusBefore:   &before,
		StatusAfter:    &after,
		Metadata:       map[string]interface{}{"decision_status": updated.DecisionStatus},
	})
	return updated, nil
}

// ── Submission fan-out ────────────────────────────────────────────────────────

// SubmitResult describes a completed submission.
type SubmitResult struct {
	Artifact     *repository.Artifact       `json:"artifact"`
	Tasks        []*repository.ApprovalTask `json:"tasks"`
	AutoApproved bool                       `json:"auto_approved"`
}

// SubmitForApproval resolves the applicable rules, expands groups, and
// creates one pending task per (step, approver) for a new round. Task
// creation and the lane change commit together; a second concurrent submit
// fails the lane gate with Conflict. When no rule applies the artifact is
// approved immediately.
func (s *ApprovalService) SubmitForApproval(ctx context.Context, artifactID, userID string) (*SubmitResult, error) {
	ctx, span := tracer.Start(ctx, "ApprovalService.SubmitForApproval",
		trace.WithAttributes(attribute.String("artifact.id", artifactID)))
	defer span.End()

	result, err := s.submit(ctx, artifactID, userID)
	if err != nil {
		span.RecordError(err)
		span.SetStatus(codes.Error, err.Error())
		return nil, err
	}
	span.SetAttributes(
		attribute.Int("tasks.count", len(result.Tasks)),
		attribute.Bool("auto_approved", result.AutoApproved),
	)
	return result, nil
}

func (s *ApprovalService) submit(ctx context.Context, artifactID, userID string) (*SubmitResult, error) {
	artifact, err := s.visibleArtifact(ctx, artifactID, userID)
	if err != nil {
		return nil, err
	}
	if artifact.Lane != repository.LaneReview {
		return nil, errors.Conflict("artifact is not awaiting submission")
	}

	steps, err := s.rules.Resolve(ctx, artifact.OrganisationID, artifact.ArtifactType, artifact.AmountOrZero())
	if err != nil {
		return nil, err
	}

	tasks, err := s.fanOut(ctx, artifact.OrganisationID, steps)
	if err != nil {
		return nil, err
	}

	now := s.now().UTC()
	updated, err := s.artifacts.Submit(ctx, &repository.Submission{
		ArtifactID:  artifact.ID,
		Round:       artifact.ApprovalRound + 1,
		Tasks:       tasks,
		AutoApprove: len(tasks) == 0,
		SubmittedAt: now,
	})
	if err != nil {
		return nil, err
	}

	before, after := artifact.DecisionStatus, updated.DecisionStatus
	action := ActionSubmitted
	if len(tasks) == 0 {
		action = ActionAutoApproved
	}
	s.audit.Emit(&repository.AuditEntry{
		OrganisationID: updated.OrganisationID,
		ArtifactID:     updated.ID,
		Action:         action,
		PerformedBy:    userID,
		PerformedAt:    now,
		StatusBefore:   &before,
		StatusAfter:    &after,
		Metadata: map[string]interface{}{
			"approval_round": updated.ApprovalRound,
			"steps":          len(steps),
			"tasks":          len(tasks),
		},
	})

	if s.notifier != nil {
		s.notifier.PublishApprovalRequired(ctx, updated.OrganisationID, updated.ID, userID, accountRecipients(tasks),
			map[string]interface{}{
				"artifact_type":  updated.ArtifactType,
				"title":          updated.Title,
				"approval_round": updated.ApprovalRound,
			})
	}

	s.log.Info().
		Str("artifact_id", updated.ID).
		Int("approval_round", updated.ApprovalRound).
		Int("tasks", len(tasks)).
		Bool("auto_approved", len(tasks) == 0).
		Msg("Artifact submitted for approval")

	return &SubmitResult{Artifact: updated, Tasks: tasks, AutoApproved: len(tasks) == 0}, nil
}

// fanOut turns resolved steps into unsaved tasks, one per distinct approver
// within a step.
func (s *ApprovalService) fanOut(ctx context.Context, organisationID string, steps []ResolvedStep) ([]*repository.ApprovalTask, error) {
	var tasks []*repository.ApprovalTask
	seen := make(map[int]map[string]struct{})

	add := func(step ResolvedStep, groupID *string, who repository.ApproverIdentity) {
		if seen[step.Step] == nil {
			seen[step.Step] = make(map[string]struct{})
		}
		if _, dup := seen[step.Step][who.Key()]; dup {
			return
		}
		seen[step.Step][who.Key()] = struct{}{}

		t := &repository.ApprovalTask{
			ID:              uuid.NewString(),
			Step:            step.Step,
			RuleID:          step.RuleID,
			ApprovalGroupID: groupID,
			ApprovalRole:    step.ApprovalRole,
			Status:          repository.TaskPending,
		}
		switch w := who.(type) {
		case repository.AccountApprover:
			uid := w.UserID
			t.ApproverUserID = &uid
		case repository.DirectoryApprover:
			did := w.DirectoryID
			t.ApproverDirectoryID = &did
		}
		tasks = append(tasks, t)
	}

	for _, step := range steps {
		switch target := step.Target.(type) {
		case repository.UserTarget:
			add(step, nil, repository.AccountApprover{UserID: target.UserID})
		case repository.GroupTarget:
			candidates, err := s.groups.Resolve(ctx, organisationID, target.GroupID)
			if err != nil {
				return nil, err
			}
			gid := target.GroupID
			for _, c := range candidates {
				add(step, &gid, c)
			}
		default:
			return nil, errors.New(errors.ErrCodeInternal, "unknown approval target")
		}
	}
	return tasks, nil
}

func accountRecipients(tasks []*repository.ApprovalTask) []string {
	seen := make(map[string]struct{})
	var out []string
	for _, t := range tasks {
		if t.ApproverUserID == nil {
			continue
		}
		if _, ok := seen[*t.ApproverUserID]; ok {
			continue
		}
		seen[*t.ApproverUserID] = struct{}{}
		out = append(out, *t.ApproverUserID)
	}
	return out
}

// ── Decisions ─────────────────────────────────────────────────────────────────

// DecisionRequest is an approver's verdict on one task.
type DecisionRequest struct {
	TaskID   string `json:"task_id"`
	Decision string `json:"decision"`
	Comment  string `json:"comment,omitempty"`
}

// DecisionResult is the recorded task plus the artifact aggregate.
type DecisionResult struct {
	Task *repository.ApprovalTask `json:"task"`
	AggregateSummary
}

// RecordDecision applies approve or reject to a pending task owned by the
// caller, then recomputes the artifact aggregate. The decision stays
// committed even when the aggregate write fails; the result then reports
// aggregateUpdated=false.
func (s *ApprovalService) RecordDecision(ctx context.Context, userID string, req DecisionRequest) (*DecisionResult, error) {
	ctx, span := tracer.Start(ctx, "ApprovalService.RecordDecision",
		trace.WithAttributes(
			attribute.String("task.id", req.TaskID),
			attribute.String("decision", req.Decision),
		))
	defer span.End()

	res, err := s.recordDecision(ctx, userID, req)
	if err != nil {
		span.RecordError(err)
		span.SetStatus(codes.Error, err.Error())
		return nil, err
	}
	span.SetAttributes(
		attribute.String("decision_status", res.DecisionStatus),
		attribute.Bool("aggregate_updated", res.AggregateUpdated),
	)
	return res, nil
}

func (s *ApprovalService) recordDecision(ctx context.Context, userID string, req DecisionRequest) (*DecisionResult, error) {
	if _, err := uuid.Parse(req.TaskID); err != nil {
		return nil, errors.InvalidInput("task_id", "must be a UUID")
	}

	var status string
	switch req.Decision {
	case DecisionApprove:
		status = repository.TaskApproved
	case DecisionReject:
		status = repository.TaskRejected
	default:
		return nil, errors.InvalidInput("decision", "must be approve or reject")
	}

	comment := strings.TrimSpace(req.Comment)
	if status == repository.TaskRejected && comment == "" {
		return nil, errors.InvalidInput("comment", "is required when rejecting")
	}
	var commentPtr *string
	if comment != "" {
		commentPtr = &comment
	}

	task, err := s.tasks.Decide(ctx, req.TaskID, userID, status, commentPtr)
	if err != nil {
		if errors.Is(err, repository.ErrTaskNotDecidable) {
			return nil, s.explainUndecidable(ctx, req.TaskID, userID)
		}
		return nil, err
	}

	s.log.Info().
		Str("task_id", task.ID).
		Str("artifact_id", task.ArtifactID).
		Str("decision", status).
		Str("user_id", userID).
		Msg("Approval decision recorded")

	pending := repository.TaskPending
	action := ActionApproved
	if status == repository.TaskRejected {
		action = ActionRejected
	}
	taskID := task.ID
	metadata := map[string]interface{}{
		"step":           task.Step,
		"approval_role":  task.ApprovalRole,
		"approval_round": task.ApprovalRound,
	}
	if commentPtr != nil {
		metadata["comment"] = comment
	}
	s.audit.Emit(&repository.AuditEntry{
		OrganisationID: task.OrganisationID,
		ArtifactID:     task.ArtifactID,
		TaskID:         &taskID,
		Action:         action,
		PerformedBy:    userID,
		PerformedAt:    s.now().UTC(),
		StatusBefore:   &pending,
		StatusAfter:    &status,
		Metadata:       metadata,
	})

	summary, aggErr := s.aggregator.Apply(ctx, task.ArtifactID, userID)
	if aggErr != nil {
		s.log.Warn().Err(aggErr).
			Str("artifact_id", task.ArtifactID).
			Str("task_id", task.ID).
			Msg("Decision recorded but aggregate update failed")
		summary.AggregateUpdated = false
	}
	return &DecisionResult{Task: task, AggregateSummary: *summary}, nil
}

// explainUndecidable distinguishes the reasons a guarded decision write
// matched nothing without revealing tasks the caller does not own.
func (s *ApprovalService) explainUndecidable(ctx context.Context, taskID, userID string) error {
	task, err := s.tasks.GetForApprover(ctx, taskID, userID)
	if err != nil {
		if errors.CodeOf(err) == errors.ErrCodeNotFound {
			return repository.ErrTaskNotDecidable
		}
		return err
	}
	if task.Status != repository.TaskPending {
		return errors.Conflict("approval task already decided")
	}
	return errors.Conflict("approval round is closed")
}

// RecomputeAggregate re-runs aggregate evaluation for an artifact. It is safe
// to call any number of times.
func (s *ApprovalService) RecomputeAggregate(ctx context.Context, artifactID, userID string) (*AggregateSummary, error) {
	ctx, span := tracer.Start(ctx, "ApprovalService.RecomputeAggregate",
		trace.WithAttributes(attribute.String("artifact.id", artifactID)))
	defer span.End()

	artifact, err := s.visibleArtifact(ctx, artifactID, userID)
	if err != nil {
		return nil, err
	}
	summary, err := s.aggregator.Apply(ctx, artifact.ID, userID)
	if err != nil {
		span.RecordError(err)
		span.SetStatus(codes.Error, err.Error())
		return nil, err
	}
	return summary, nil
}

// GetAggregate evaluates the current round without writing anything.
func (s *ApprovalService) GetAggregate(ctx context.Context, artifactID, userID string) (*AggregateSummary, error) {
	artifact, err := s.visibleArtifact(ctx, artifactID, userID)
	if err != nil {
		return nil, err
	}
	summary := &AggregateSummary{
		ArtifactID:       artifact.ID,
		DecisionStatus:   artifact.DecisionStatus,
		Lane:             artifact.Lane,
		AggregateUpdated: true,
	}
	if artifact.ApprovalRound == 0 {
		return summary, nil
	}
	tasks, err := s.tasks.ListByArtifactRound(ctx, artifact.ID, artifact.ApprovalRound)
	if err != nil {
		return nil, err
	}
	res := Evaluate(tasks)
	summary.AnyPending, summary.AnyRejected, summary.AnyApproved = res.AnyPending, res.AnyRejected, res.AnyApproved
	return summary, nil
}

// ── Reads ─────────────────────────────────────────────────────────────────────

// ListPending returns the caller's open tasks in an organisation.
func (s *ApprovalService) ListPending(ctx context.Context, organisationID, userID string) ([]*repository.ApprovalTask, error) {
	if err := s.requireMember(ctx, organisationID, userID); err != nil {
		return nil, err
	}
	return s.tasks.ListPendingForUser(ctx, organisationID, userID)
}

// ListTasks returns every task of every round for an artifact.
func (s *ApprovalService) ListTasks(ctx context.Context, artifactID, userID string) ([]*repository.ApprovalTask, error) {
	if _, err := s.visibleArtifact(ctx, artifactID, userID); err != nil {
		return nil, err
	}
	return s.tasks.ListByArtifact(ctx, artifactID)
}

// ListAudit returns an artifact's audit trail.
func (s *ApprovalService) ListAudit(ctx context.Context, artifactID, userID string) ([]*repository.AuditEntry, error) {
	artifact, err := s.visibleArtifact(ctx, artifactID, userID)
	if err != nil {
		return nil, err
	}
	return s.auditLog.ListByArtifact(ctx, artifact.ID, artifact.OrganisationID)
}

// visibleArtifact loads an artifact and hides it from non-members.
func (s *ApprovalService) visibleArtifact(ctx context.Context, artifactID, userID string) (*repository.Artifact, error) {
	artifact, err := s.artifacts.GetByID(ctx, artifactID)
	if err != nil {
		return nil, err
	}
	if _, err := s.membership.GetRole(ctx, artifact.OrganisationID, userID); err != nil {
		if errors.CodeOf(err) == errors.ErrCodeNotFound {
			return nil, errors.NotFound("artifact", artifactID)
		}
		return nil, err
	}
	return artifact, nil
}

func (s *ApprovalService) requireMember(ctx context.Context, organisationID, userID string) error {
	if organisationID == "" {
		return errors.InvalidInput("organisation_id", "is required")
	}
	if _, err := s.membership.GetRole(ctx, organisationID, userID); err != nil {
		if errors.CodeOf(err) == errors.ErrCodeNotFound {
			return errors.Forbidden("not a member of the organisation")
		}
		return err
	}
	return nil
}
