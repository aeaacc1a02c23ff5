package service

import (
	"context"
	"sync"
	"sync/atomic"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/pesio-ai/be-approval-governance/internal/platform/errors"
	"github.com/pesio-ai/be-approval-governance/internal/repository"
)

func boardHarness(t *testing.T) *harness {
	t.Helper()
	h := newHarness()
	h.w.addAccount(testOrg, "author", "author@example.com", "member")
	h.w.addAccount(testOrg, "u1", "u1@example.com", "member")
	h.w.addAccount(testOrg, "u2", "u2@example.com", "member")
	h.w.addAccount(testOrg, "u3", "u3@example.com", "member")
	h.w.addGroup(testOrg, "board", repository.ArtifactTypeChange, "u1", "u2", "u3")
	gid := "board"
	h.w.addRule(&repository.ApprovalRule{
		OrganisationID: testOrg, ArtifactType: repository.ArtifactTypeChange,
		Step: 1, ApprovalRole: "change_board", ApprovalGroupID: &gid,
	})
	return h
}

func submitted(t *testing.T, h *harness) *SubmitResult {
	t.Helper()
	ctx := context.Background()
	a, err := h.reviewArtifact(ctx, "author", 5000)
	require.NoError(t, err)
	res, err := h.approvals.SubmitForApproval(ctx, a.ID, "author")
	require.NoError(t, err)
	return res
}

func decide(h *harness, userID, artifactID string, round int, verdict, comment string) (*DecisionResult, error) {
	task := h.w.taskFor(artifactID, userID, round)
	if task == nil {
		return nil, errors.NotFound("approval_task", userID)
	}
	return h.approvals.RecordDecision(context.Background(), userID, DecisionRequest{
		TaskID: task.ID, Decision: verdict, Comment: comment,
	})
}

func TestSubmit_FansOutOneTaskPerGroupMember(t *testing.T) {
	h := boardHarness(t)
	res := submitted(t, h)

	assert.False(t, res.AutoApproved)
	assert.Equal(t, repository.LaneSubmitted, res.Artifact.Lane)
	assert.Equal(t, repository.DecisionSubmitted, res.Artifact.DecisionStatus)
	assert.Equal(t, 1, res.Artifact.ApprovalRound)
	require.Len(t, res.Tasks, 3)
	for _, task := range res.Tasks {
		assert.Equal(t, repository.TaskPending, task.Status)
		assert.Equal(t, 1, task.Step)
		require.NotNil(t, task.ApprovalGroupID)
		assert.Equal(t, "board", *task.ApprovalGroupID)
	}

	require.Len(t, h.publisher.required, 1)
	assert.ElementsMatch(t, []string{"u1", "u2", "u3"}, h.publisher.required[0])
}

func TestRecordDecision_RejectionVetoes(t *testing.T) {
	h := boardHarness(t)
	res := submitted(t, h)
	id := res.Artifact.ID

	r1, err := decide(h, "u1", id, 1, DecisionApprove, "")
	require.NoError(t, err)
	assert.Equal(t, repository.DecisionReview, r1.DecisionStatus)
	assert.True(t, r1.AnyPending)
	assert.True(t, r1.AggregateUpdated)

	r2, err := decide(h, "u2", id, 1, DecisionReject, "budget not justified")
	require.NoError(t, err)
	assert.Equal(t, repository.DecisionRejected, r2.DecisionStatus)
	assert.Equal(t, repository.LaneAnalysis, r2.Lane)
	assert.True(t, r2.AnyRejected)

	a := h.w.artifact(id)
	assert.Equal(t, repository.DecisionRejected, a.DecisionStatus)
	assert.Equal(t, repository.LaneAnalysis, a.Lane)
	require.NotNil(t, a.DecisionBy)
	assert.Equal(t, "u2", *a.DecisionBy)
	require.NotNil(t, a.DecisionRole)
	assert.Equal(t, "change_board", *a.DecisionRole)

	// A later approval cannot overturn the veto.
	r3, err := decide(h, "u3", id, 1, DecisionApprove, "")
	require.NoError(t, err)
	assert.Equal(t, repository.DecisionRejected, r3.DecisionStatus)
	assert.Equal(t, "u2", *h.w.artifact(id).DecisionBy)
}

func TestRecordDecision_UnanimousApproval(t *testing.T) {
	h := boardHarness(t)
	res := submitted(t, h)
	id := res.Artifact.ID

	for _, u := range []string{"u1", "u2"} {
		r, err := decide(h, u, id, 1, DecisionApprove, "")
		require.NoError(t, err)
		assert.Equal(t, repository.DecisionReview, r.DecisionStatus)
		assert.Equal(t, repository.LaneSubmitted, r.Lane)
	}

	r, err := decide(h, "u3", id, 1, DecisionApprove, "ok")
	require.NoError(t, err)
	assert.Equal(t, repository.DecisionApproved, r.DecisionStatus)
	assert.Equal(t, repository.LaneInProgress, r.Lane)
	assert.False(t, r.AnyPending)

	a := h.w.artifact(id)
	assert.Equal(t, "u3", *a.DecisionBy)
	require.NotNil(t, a.DecisionAt)

	h.flushAudit()
	actions := h.w.auditActions()
	assert.Contains(t, actions, ActionSubmitted)
	assert.Contains(t, actions, ActionApproved)
	assert.Contains(t, actions, ActionAggregateChanged)
}

func TestRecordDecision_RepeatIsRejected(t *testing.T) {
	h := boardHarness(t)
	res := submitted(t, h)
	id := res.Artifact.ID

	task := h.w.taskFor(id, "u1", 1)
	_, err := h.approvals.RecordDecision(context.Background(), "u1", DecisionRequest{TaskID: task.ID, Decision: DecisionApprove})
	require.NoError(t, err)

	_, err = h.approvals.RecordDecision(context.Background(), "u1", DecisionRequest{TaskID: task.ID, Decision: DecisionReject, Comment: "changed my mind"})
	require.Error(t, err)
	assert.Equal(t, errors.ErrCodeConflict, errors.CodeOf(err))
	assert.Contains(t, err.Error(), "already decided")

	// Someone else's task looks like it does not exist.
	_, err = h.approvals.RecordDecision(context.Background(), "u2", DecisionRequest{TaskID: task.ID, Decision: DecisionApprove})
	require.Error(t, err)
	assert.Equal(t, errors.ErrCodeNotFound, errors.CodeOf(err))
}

func TestRecordDecision_Validation(t *testing.T) {
	h := boardHarness(t)
	ctx := context.Background()

	_, err := h.approvals.RecordDecision(ctx, "u1", DecisionRequest{TaskID: "not-a-uuid", Decision: DecisionApprove})
	assert.Equal(t, errors.ErrCodeInvalidInput, errors.CodeOf(err))

	_, err = h.approvals.RecordDecision(ctx, "u1", DecisionRequest{TaskID: "5b1f7a52-8d2c-4f45-9a8e-3c1a9b0f6e11", Decision: "maybe"})
	assert.Equal(t, errors.ErrCodeInvalidInput, errors.CodeOf(err))

	_, err = h.approvals.RecordDecision(ctx, "u1", DecisionRequest{TaskID: "5b1f7a52-8d2c-4f45-9a8e-3c1a9b0f6e11", Decision: DecisionReject, Comment: "  "})
	require.Error(t, err)
	assert.Contains(t, err.Error(), "comment")
}

func TestRework_ClosesPreviousRound(t *testing.T) {
	h := boardHarness(t)
	ctx := context.Background()
	res := submitted(t, h)
	id := res.Artifact.ID

	_, err := decide(h, "u1", id, 1, DecisionReject, "rework the estimate")
	require.NoError(t, err)

	a, err := h.approvals.AdvanceLane(ctx, id, "author", repository.LaneReview)
	require.NoError(t, err)
	assert.Equal(t, repository.DecisionRework, a.DecisionStatus)

	_, err = decide(h, "u3", id, 1, DecisionApprove, "")
	require.Error(t, err)
	assert.Equal(t, errors.ErrCodeConflict, errors.CodeOf(err))
	assert.Contains(t, err.Error(), "round is closed")

	pending, err := h.approvals.ListPending(ctx, testOrg, "u3")
	require.NoError(t, err)
	assert.Empty(t, pending)

	again, err := h.approvals.SubmitForApproval(ctx, id, "author")
	require.NoError(t, err)
	assert.Equal(t, 2, again.Artifact.ApprovalRound)
	assert.Len(t, again.Tasks, 3)

	pending, err = h.approvals.ListPending(ctx, testOrg, "u3")
	require.NoError(t, err)
	require.Len(t, pending, 1)
	assert.Equal(t, 2, pending[0].ApprovalRound)

	all, err := h.approvals.ListTasks(ctx, id, "author")
	require.NoError(t, err)
	assert.Len(t, all, 6)
}

func TestSubmit_ConcurrentSecondSubmitConflicts(t *testing.T) {
	h := boardHarness(t)
	ctx := context.Background()
	res := submitted(t, h)

	_, err := h.approvals.SubmitForApproval(ctx, res.Artifact.ID, "author")
	require.Error(t, err)
	assert.Equal(t, errors.ErrCodeConflict, errors.CodeOf(err))
}

func TestSubmit_AutoApprovesWithoutRules(t *testing.T) {
	h := newHarness()
	h.w.addAccount(testOrg, "author", "author@example.com", "member")
	ctx := context.Background()

	a, err := h.reviewArtifact(ctx, "author", 100)
	require.NoError(t, err)
	res, err := h.approvals.SubmitForApproval(ctx, a.ID, "author")
	require.NoError(t, err)

	assert.True(t, res.AutoApproved)
	assert.Empty(t, res.Tasks)
	assert.Equal(t, repository.LaneInProgress, res.Artifact.Lane)
	assert.Equal(t, repository.DecisionApproved, res.Artifact.DecisionStatus)
	require.NotNil(t, res.Artifact.DecisionRole)
	assert.Equal(t, "auto", *res.Artifact.DecisionRole)

	h.flushAudit()
	assert.Contains(t, h.w.auditActions(), ActionAutoApproved)
}

func TestSubmit_DedupesApproverWithinStep(t *testing.T) {
	h := boardHarness(t)
	u1 := "u1"
	h.w.addRule(&repository.ApprovalRule{
		OrganisationID: testOrg, ArtifactType: repository.ArtifactTypeChange,
		Step: 1, ApprovalRole: "project_manager", ApproverUserID: &u1,
	})
	h.w.addRule(&repository.ApprovalRule{
		OrganisationID: testOrg, ArtifactType: repository.ArtifactTypeChange,
		Step: 2, ApprovalRole: "sponsor", ApproverUserID: &u1,
	})

	res := submitted(t, h)

	perStep := map[int]int{}
	for _, task := range res.Tasks {
		perStep[task.Step]++
	}
	assert.Equal(t, 3, perStep[1])
	assert.Equal(t, 1, perStep[2])
}

func TestSubmit_AmountBandSelectsRules(t *testing.T) {
	h := boardHarness(t)
	sponsor := "u3"
	upper := int64(10000)
	h.w.addRule(&repository.ApprovalRule{
		OrganisationID: testOrg, ArtifactType: repository.ArtifactTypeChange,
		Step: 2, ApprovalRole: "sponsor", MinAmount: 10000, ApproverUserID: &sponsor,
	})
	h.w.addRule(&repository.ApprovalRule{
		OrganisationID: testOrg, ArtifactType: repository.ArtifactTypeChange,
		Step: 2, ApprovalRole: "pm", MinAmount: 0, MaxAmount: &upper, ApproverUserID: &sponsor,
	})
	ctx := context.Background()

	a, err := h.reviewArtifact(ctx, "author", 10000)
	require.NoError(t, err)
	res, err := h.approvals.SubmitForApproval(ctx, a.ID, "author")
	require.NoError(t, err)

	var roles []string
	for _, task := range res.Tasks {
		if task.Step == 2 {
			roles = append(roles, task.ApprovalRole)
		}
	}
	assert.Equal(t, []string{"sponsor"}, roles)
}

func TestSubmit_UpperBandStepSkippedForSmallAmount(t *testing.T) {
	h := newHarness()
	h.w.addAccount(testOrg, "author", "author@example.com", "member")
	h.w.addAccount(testOrg, "u1", "u1@example.com", "member")
	h.w.addAccount(testOrg, "u2", "u2@example.com", "member")
	u1, u2 := "u1", "u2"
	h.w.addRule(&repository.ApprovalRule{
		OrganisationID: testOrg, ArtifactType: repository.ArtifactTypeChange,
		Step: 1, ApprovalRole: "project_manager", ApproverUserID: &u1,
	})
	h.w.addRule(&repository.ApprovalRule{
		OrganisationID: testOrg, ArtifactType: repository.ArtifactTypeChange,
		Step: 2, ApprovalRole: "sponsor", MinAmount: 1000, ApproverUserID: &u2,
	})
	ctx := context.Background()

	a, err := h.reviewArtifact(ctx, "author", 50)
	require.NoError(t, err)
	res, err := h.approvals.SubmitForApproval(ctx, a.ID, "author")
	require.NoError(t, err)
	assert.False(t, res.AutoApproved)
	require.Len(t, res.Tasks, 1)
	require.NotNil(t, res.Tasks[0].ApproverUserID)
	assert.Equal(t, "u1", *res.Tasks[0].ApproverUserID)
	assert.Equal(t, 1, res.Tasks[0].Step)
	assert.Nil(t, h.w.taskFor(a.ID, "u2", 1))

	r, err := decide(h, "u1", a.ID, 1, DecisionApprove, "")
	require.NoError(t, err)
	assert.Equal(t, repository.DecisionApproved, r.DecisionStatus)
	assert.Equal(t, repository.LaneInProgress, r.Lane)
	assert.False(t, r.AnyPending)
}

func TestRecordDecision_ConcurrentDecisionsOnOneTask(t *testing.T) {
	h := boardHarness(t)
	res := submitted(t, h)
	task := h.w.taskFor(res.Artifact.ID, "u1", 1)
	require.NotNil(t, task)

	const callers = 16
	var (
		wg        sync.WaitGroup
		succeeded atomic.Int32
		conflicts atomic.Int32
	)
	start := make(chan struct{})
	for i := 0; i < callers; i++ {
		verdict := DecisionApprove
		if i%2 == 1 {
			verdict = DecisionReject
		}
		wg.Add(1)
		go func() {
			defer wg.Done()
			<-start
			_, err := h.approvals.RecordDecision(context.Background(), "u1", DecisionRequest{
				TaskID: task.ID, Decision: verdict, Comment: "race",
			})
			switch {
			case err == nil:
				succeeded.Add(1)
			case errors.CodeOf(err) == errors.ErrCodeConflict:
				conflicts.Add(1)
			}
		}()
	}
	close(start)
	wg.Wait()

	assert.Equal(t, int32(1), succeeded.Load())
	assert.Equal(t, int32(callers-1), conflicts.Load())

	decided := h.w.taskFor(res.Artifact.ID, "u1", 1)
	assert.NotEqual(t, repository.TaskPending, decided.Status)
	require.NotNil(t, decided.DecidedBy)
	assert.Equal(t, "u1", *decided.DecidedBy)
}

func TestSubmit_EmptyGroupIsPolicyViolation(t *testing.T) {
	h := newHarness()
	h.w.addAccount(testOrg, "author", "author@example.com", "member")
	h.w.addAccount("other-org", "outsider", "outsider@example.com", "member")
	h.w.addGroup(testOrg, "ghosts", repository.ArtifactTypeChange, "outsider")
	gid := "ghosts"
	h.w.addRule(&repository.ApprovalRule{
		OrganisationID: testOrg, ArtifactType: repository.ArtifactTypeChange,
		Step: 1, ApprovalRole: "board", ApprovalGroupID: &gid,
	})
	ctx := context.Background()

	a, err := h.reviewArtifact(ctx, "author", 1)
	require.NoError(t, err)
	_, err = h.approvals.SubmitForApproval(ctx, a.ID, "author")
	require.Error(t, err)
	assert.Equal(t, errors.ErrCodePolicyViolation, errors.CodeOf(err))

	after := h.w.artifact(a.ID)
	assert.Equal(t, repository.LaneReview, after.Lane)
	assert.Equal(t, 0, after.ApprovalRound)
}

func TestDirectoryApprover_DecidesAfterLink(t *testing.T) {
	h := boardHarness(t)
	h.w.addAccount(testOrg, "admin", "admin@example.com", repository.RoleAdmin)
	entry := &repository.DirectoryEntry{
		ID: "dir-1", OrganisationID: testOrg, Email: "contractor@example.com", FullName: "Contractor", IsActive: true,
	}
	h.w.addDirectoryMember("board", entry)
	ctx := context.Background()

	res := submitted(t, h)
	require.Len(t, res.Tasks, 4)

	var dirTask *repository.ApprovalTask
	for _, task := range res.Tasks {
		if task.ApproverDirectoryID != nil {
			dirTask = task
		}
	}
	require.NotNil(t, dirTask)
	assert.Nil(t, dirTask.ApproverUserID)

	h.w.addAccount(testOrg, "contractor", "contractor@example.com", "member")
	_, err := h.approvals.RecordDecision(ctx, "contractor", DecisionRequest{TaskID: dirTask.ID, Decision: DecisionApprove})
	require.Error(t, err)
	assert.Equal(t, errors.ErrCodeNotFound, errors.CodeOf(err))

	n, err := h.policy.LinkDirectoryEntry(ctx, testOrg, "admin", "dir-1", "contractor")
	require.NoError(t, err)
	assert.Equal(t, int64(1), n)

	r, err := h.approvals.RecordDecision(ctx, "contractor", DecisionRequest{TaskID: dirTask.ID, Decision: DecisionApprove})
	require.NoError(t, err)
	assert.Equal(t, repository.DecisionReview, r.DecisionStatus)
}

func TestVisibility_NonMemberSeesNotFound(t *testing.T) {
	h := boardHarness(t)
	res := submitted(t, h)
	h.w.addAccount("other-org", "stranger", "stranger@example.com", "member")

	_, err := h.approvals.GetArtifact(context.Background(), res.Artifact.ID, "stranger")
	require.Error(t, err)
	assert.Equal(t, errors.ErrCodeNotFound, errors.CodeOf(err))

	_, err = h.approvals.ListPending(context.Background(), testOrg, "stranger")
	assert.Equal(t, errors.ErrCodeForbidden, errors.CodeOf(err))
}

func TestAdvanceLane_Transitions(t *testing.T) {
	h := boardHarness(t)
	ctx := context.Background()
	amount := int64(1)
	a, err := h.approvals.CreateArtifact(ctx, testOrg, "author", CreateArtifactRequest{
		ProjectID: "proj-1", ArtifactType: repository.ArtifactTypeChange, Title: "t", Amount: &amount,
	})
	require.NoError(t, err)

	_, err = h.approvals.AdvanceLane(ctx, a.ID, "author", repository.LaneReview)
	assert.Equal(t, errors.ErrCodeConflict, errors.CodeOf(err))

	_, err = h.approvals.AdvanceLane(ctx, a.ID, "author", repository.LaneSubmitted)
	assert.Equal(t, errors.ErrCodeInvalidInput, errors.CodeOf(err))

	moved, err := h.approvals.AdvanceLane(ctx, a.ID, "author", repository.LaneAnalysis)
	require.NoError(t, err)
	assert.Equal(t, repository.DecisionAnalysis, moved.DecisionStatus)
}

func TestCreateArtifact_Validation(t *testing.T) {
	h := boardHarness(t)
	ctx := context.Background()
	neg := int64(-1)

	_, err := h.approvals.CreateArtifact(ctx, testOrg, "author", CreateArtifactRequest{ProjectID: "p", ArtifactType: "invoice", Title: "t"})
	assert.Equal(t, errors.ErrCodePolicyViolation, errors.CodeOf(err))

	_, err = h.approvals.CreateArtifact(ctx, testOrg, "author", CreateArtifactRequest{ProjectID: "p", ArtifactType: "change", Title: "t", Amount: &neg})
	assert.Equal(t, errors.ErrCodeInvalidInput, errors.CodeOf(err))

	_, err = h.approvals.CreateArtifact(ctx, testOrg, "nobody", CreateArtifactRequest{ProjectID: "p", ArtifactType: "change", Title: "t"})
	assert.Equal(t, errors.ErrCodeForbidden, errors.CodeOf(err))
}

func TestAggregator_RetriesLostVersionRace(t *testing.T) {
	h := boardHarness(t)
	res := submitted(t, h)
	id := res.Artifact.ID

	h.w.loseRaces = 2
	r, err := decide(h, "u1", id, 1, DecisionReject, "no")
	require.NoError(t, err)
	assert.True(t, r.AggregateUpdated)
	assert.Equal(t, repository.DecisionRejected, h.w.artifact(id).DecisionStatus)
}

func TestAggregator_GivesUpAfterRepeatedRaces(t *testing.T) {
	h := boardHarness(t)
	res := submitted(t, h)
	id := res.Artifact.ID

	h.w.loseRaces = maxAggregateAttempts
	r, err := decide(h, "u1", id, 1, DecisionReject, "no")
	require.NoError(t, err, "the decision itself stays committed")
	assert.False(t, r.AggregateUpdated)
	assert.Equal(t, repository.TaskRejected, r.Task.Status)
	assert.Equal(t, repository.DecisionSubmitted, h.w.artifact(id).DecisionStatus)

	// A recompute converges once the contention is gone.
	summary, err := h.approvals.RecomputeAggregate(context.Background(), id, "author")
	require.NoError(t, err)
	assert.True(t, summary.AggregateUpdated)
	assert.Equal(t, repository.DecisionRejected, summary.DecisionStatus)

	again, err := h.approvals.RecomputeAggregate(context.Background(), id, "author")
	require.NoError(t, err)
	assert.Equal(t, summary.DecisionStatus, again.DecisionStatus)
}

func TestGetAggregate_ReadOnly(t *testing.T) {
	h := boardHarness(t)
	res := submitted(t, h)
	id := res.Artifact.ID
	before := h.w.artifact(id).Version

	summary, err := h.approvals.GetAggregate(context.Background(), id, "author")
	require.NoError(t, err)
	assert.True(t, summary.AnyPending)
	assert.Equal(t, repository.DecisionSubmitted, summary.DecisionStatus)
	assert.Equal(t, before, h.w.artifact(id).Version)
}

func TestEvaluate(t *testing.T) {
	t0 := time.Date(2026, 5, 1, 10, 0, 0, 0, time.UTC)
	task := func(id, status string, at time.Time) *repository.ApprovalTask {
		tk := &repository.ApprovalTask{ID: id, Status: status}
		if status != repository.TaskPending {
			who := "by-" + id
			tk.DecidedAt, tk.DecidedBy = &at, &who
		}
		return tk
	}

	tests := []struct {
		name     string
		tasks    []*repository.ApprovalTask
		want     string
		decisive string
	}{
		{"no tasks", nil, repository.DecisionReview, ""},
		{"all pending", []*repository.ApprovalTask{task("a", repository.TaskPending, t0)}, repository.DecisionReview, ""},
		{"partial approval", []*repository.ApprovalTask{
			task("a", repository.TaskApproved, t0), task("b", repository.TaskPending, t0),
		}, repository.DecisionReview, ""},
		{"all approved", []*repository.ApprovalTask{
			task("a", repository.TaskApproved, t0.Add(time.Minute)), task("b", repository.TaskApproved, t0),
		}, repository.DecisionApproved, "a"},
		{"reject with pending", []*repository.ApprovalTask{
			task("a", repository.TaskPending, t0), task("b", repository.TaskRejected, t0),
		}, repository.DecisionRejected, "b"},
		{"earliest rejection wins", []*repository.ApprovalTask{
			task("a", repository.TaskRejected, t0.Add(time.Hour)), task("b", repository.TaskApproved, t0), task("c", repository.TaskRejected, t0),
		}, repository.DecisionRejected, "c"},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			got := Evaluate(tt.tasks)
			assert.Equal(t, tt.want, got.DecisionStatus)
			if tt.decisive == "" {
				assert.Nil(t, got.Decisive)
			} else {
				require.NotNil(t, got.Decisive)
				assert.Equal(t, tt.decisive, got.Decisive.ID)
			}
			assert.Equal(t, got, Evaluate(tt.tasks))
		})
	}
}
