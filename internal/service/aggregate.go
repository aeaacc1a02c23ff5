package service

import (
	"context"
	"time"

	"github.com/pesio-ai/be-approval-governance/internal/platform/errors"
	"github.com/pesio-ai/be-approval-governance/internal/platform/logger"
	"github.com/pesio-ai/be-approval-governance/internal/repository"
)

// maxAggregateAttempts bounds the optimistic read-evaluate-write loop.
const maxAggregateAttempts = 3

// AggregateResult is the pure outcome of evaluating one round's tasks.
type AggregateResult struct {
	DecisionStatus string
	AnyPending     bool
	AnyRejected    bool
	AnyApproved    bool
	// Decisive is the task that fixed a final outcome: the earliest
	// rejection, or the latest approval when everything approved.
	Decisive *repository.ApprovalTask
}

// Evaluate folds a round's tasks into an aggregate decision. Any rejection
// vetoes the artifact; approval requires no pending task and at least one
// approval; anything else stays in review. Evaluate is deterministic and
// idempotent for a given snapshot.
func Evaluate(tasks []*repository.ApprovalTask) AggregateResult {
	var res AggregateResult
	var firstReject, lastApprove *repository.ApprovalTask

	for _, t := range tasks {
		switch t.Status {
		case repository.TaskPending:
			res.AnyPending = true
		case repository.TaskRejected:
			res.AnyRejected = true
			if firstReject == nil || decidedBefore(t, firstReject) {
				firstReject = t
			}
		case repository.TaskApproved:
			res.AnyApproved = true
			if lastApprove == nil || decidedBefore(lastApprove, t) {
				lastApprove = t
			}
		}
	}

	switch {
	case res.AnyRejected:
		res.DecisionStatus = repository.DecisionRejected
		res.Decisive = firstReject
	case !res.AnyPending && res.AnyApproved:
		res.DecisionStatus = repository.DecisionApproved
		res.Decisive = lastApprove
	default:
		res.DecisionStatus = repository.DecisionReview
	}
	return res
}

// decidedBefore orders tasks by decision time, then id.
func decidedBefore(a, b *repository.ApprovalTask) bool {
	var at, bt time.Time
	if a.DecidedAt != nil {
		at = *a.DecidedAt
	}
	if b.DecidedAt != nil {
		bt = *b.DecidedAt
	}
	if !at.Equal(bt) {
		return at.Before(bt)
	}
	return a.ID < b.ID
}

// laneFor maps an aggregate decision onto the delivery lane. Review leaves
// the lane where it is.
func laneFor(decision, current string) string {
	switch decision {
	case repository.DecisionRejected:
		return repository.LaneAnalysis
	case repository.DecisionApproved:
		return repository.LaneInProgress
	default:
		return current
	}
}

// AggregateSummary is returned to callers after a decision or recompute.
type AggregateSummary struct {
	ArtifactID       string `json:"artifact_id"`
	DecisionStatus   string `json:"decision_status"`
	Lane             string `json:"delivery_status,omitempty"`
	AnyPending       bool   `json:"anyPending"`
	AnyRejected      bool   `json:"anyRejected"`
	AnyApproved      bool   `json:"anyApproved"`
	AggregateUpdated bool   `json:"aggregateUpdated"`
}

// Aggregator is the only writer of an artifact's decision status after
// submission. It re-reads the full round on every attempt and writes with a
// version guard, so concurrent decisions converge on the same result.
type Aggregator struct {
	artifacts ArtifactStore
	tasks     TasksStore
	audit     *AuditEmitter
	log       *logger.Logger
	now       func() time.Time
}

// NewAggregator creates a new Aggregator.
func NewAggregator(artifacts ArtifactStore, tasks TasksStore, audit *AuditEmitter, log *logger.Logger) *Aggregator {
	return &Aggregator{artifacts: artifacts, tasks: tasks, audit: audit, log: log, now: time.Now}
}

// Apply recomputes and stores the aggregate for the artifact's current round.
// On error the returned summary carries whatever was evaluated and
// AggregateUpdated is false.
func (a *Aggregator) Apply(ctx context.Context, artifactID, actorID string) (*AggregateSummary, error) {
	summary := &AggregateSummary{ArtifactID: artifactID}

	for attempt := 1; attempt <= maxAggregateAttempts; attempt++ {
		artifact, err := a.artifacts.GetByID(ctx, artifactID)
		if err != nil {
			return summary, err
		}
		summary.DecisionStatus = artifact.DecisionStatus
		summary.Lane = artifact.Lane

		if !artifact.AcceptsDecisions() {
			return summary, errors.Conflict("artifact has no open approval round")
		}

		tasks, err := a.tasks.ListByArtifactRound(ctx, artifactID, artifact.ApprovalRound)
		if err != nil {
			return summary, err
		}
		if len(tasks) == 0 {
			// Auto-approved rounds have nothing to aggregate.
			summary.AggregateUpdated = true
			return summary, nil
		}

		res := Evaluate(tasks)
		summary.AnyPending, summary.AnyRejected, summary.AnyApproved = res.AnyPending, res.AnyRejected, res.AnyApproved
		summary.DecisionStatus = res.DecisionStatus
		summary.Lane = laneFor(res.DecisionStatus, artifact.Lane)

		write := a.buildWrite(artifact, res)
		if unchanged(artifact, write) {
			summary.AggregateUpdated = true
			return summary, nil
		}

		ok, err := a.artifacts.ApplyAggregate(ctx, artifactID, artifact.Version, write)
		if err != nil {
			return summary, err
		}
		if ok {
			summary.AggregateUpdated = true
			a.log.Info().
				Str("artifact_id", artifactID).
				Str("decision_status", write.DecisionStatus).
				Str("lane", write.Lane).
				Int("attempt", attempt).
				Msg("Aggregate decision updated")
			a.emitChange(artifact, write, actorID)
			return summary, nil
		}

		a.log.Debug().
			Str("artifact_id", artifactID).
			Int64("version", artifact.Version).
			Int("attempt", attempt).
			Msg("Aggregate write lost a version race, retrying")
	}

	return summary, errors.Conflict("aggregate decision could not be written after concurrent updates")
}

func (a *Aggregator) buildWrite(artifact *repository.Artifact, res AggregateResult) repository.AggregateWrite {
	w := repository.AggregateWrite{
		DecisionStatus: res.DecisionStatus,
		Lane:           laneFor(res.DecisionStatus, artifact.Lane),
	}
	if res.Decisive != nil {
		w.DecisionBy = res.Decisive.DecidedBy
		w.DecisionAt = res.Decisive.DecidedAt
		role := res.Decisive.ApprovalRole
		w.DecisionRole = &role
	}
	return w
}

func unchanged(artifact *repository.Artifact, w repository.AggregateWrite) bool {
	return artifact.DecisionStatus == w.DecisionStatus &&
		artifact.Lane == w.Lane &&
		equalStr(artifact.DecisionBy, w.DecisionBy) &&
		equalStr(artifact.DecisionRole, w.DecisionRole)
}

func equalStr(a, b *string) bool {
	if a == nil || b == nil {
		return a == nil && b == nil
	}
	return *a == *b
}

func (a *Aggregator) emitChange(artifact *repository.Artifact, w repository.AggregateWrite, actorID string) {
	before, after := artifact.DecisionStatus, w.DecisionStatus
	a.audit.Emit(&repository.AuditEntry{
		OrganisationID: artifact.OrganisationID,
		ArtifactID:     artifact.ID,
		Action:         ActionAggregateChanged,
		PerformedBy:    actorID,
		PerformedAt:    a.now().UTC(),
		StatusBefore:   &before,
		StatusAfter:    &after,
		Metadata: map[string]interface{}{
			"lane_before":    artifact.Lane,
			"lane_after":     w.Lane,
			"approval_round": artifact.ApprovalRound,
		},
	})
}
