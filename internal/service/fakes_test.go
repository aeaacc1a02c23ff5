package service

import (
	"context"
	"sync"
	"time"

	"github.com/google/uuid"

	"github.com/pesio-ai/be-approval-governance/internal/client"
	"github.com/pesio-ai/be-approval-governance/internal/platform/errors"
	"github.com/pesio-ai/be-approval-governance/internal/platform/logger"
	"github.com/pesio-ai/be-approval-governance/internal/repository"
)

// world is an in-memory stand-in for the governance tables. The store types
// below are views onto it so that guards spanning tables behave like the SQL.
type world struct {
	mu sync.Mutex

	rules     map[string]*repository.ApprovalRule
	groups    map[string]*repository.ApprovalGroup
	members   map[string][]*repository.ApprovalGroupMember
	directory map[string]*repository.DirectoryEntry
	roles     map[string]string // organisation/user -> role
	accounts  map[string]*repository.Account
	artifacts map[string]*repository.Artifact
	tasks     []*repository.ApprovalTask
	audit     []*repository.AuditEntry

	// loseRaces makes the next n aggregate writes fail their version guard.
	loseRaces int

	clock time.Time
}

func newWorld() *world {
	return &world{
		rules:     make(map[string]*repository.ApprovalRule),
		groups:    make(map[string]*repository.ApprovalGroup),
		members:   make(map[string][]*repository.ApprovalGroupMember),
		directory: make(map[string]*repository.DirectoryEntry),
		roles:     make(map[string]string),
		accounts:  make(map[string]*repository.Account),
		artifacts: make(map[string]*repository.Artifact),
		clock:     time.Date(2026, 5, 1, 9, 0, 0, 0, time.UTC),
	}
}

func (w *world) tick() time.Time {
	w.clock = w.clock.Add(time.Minute)
	return w.clock
}

func (w *world) addAccount(org, id, email, role string) {
	w.accounts[id] = &repository.Account{ID: id, Email: email, DisplayName: id}
	if role != "" {
		w.roles[org+"/"+id] = role
	}
}

func (w *world) addGroup(org, id, artifactType string, userIDs ...string) {
	w.groups[id] = &repository.ApprovalGroup{
		ID: id, OrganisationID: org, ArtifactType: artifactType, Name: id, IsActive: true,
	}
	for _, uid := range userIDs {
		uid := uid
		m := &repository.ApprovalGroupMember{ID: uuid.NewString(), GroupID: id, UserID: &uid}
		if a, ok := w.accounts[uid]; ok {
			email := a.Email
			m.AccountEmail = &email
		}
		w.members[id] = append(w.members[id], m)
	}
}

func (w *world) addDirectoryMember(groupID string, entry *repository.DirectoryEntry) {
	w.directory[entry.ID] = entry
	did := entry.ID
	w.members[groupID] = append(w.members[groupID], &repository.ApprovalGroupMember{
		ID: uuid.NewString(), GroupID: groupID, DirectoryID: &did, Directory: entry,
	})
}

func (w *world) addRule(r *repository.ApprovalRule) {
	if r.ID == "" {
		r.ID = uuid.NewString()
	}
	r.IsActive = true
	w.rules[r.ID] = r
}

func (w *world) artifact(id string) *repository.Artifact {
	w.mu.Lock()
	defer w.mu.Unlock()
	cp := *w.artifacts[id]
	return &cp
}

func (w *world) taskFor(artifactID, userID string, round int) *repository.ApprovalTask {
	w.mu.Lock()
	defer w.mu.Unlock()
	for _, t := range w.tasks {
		if t.ArtifactID == artifactID && t.ApprovalRound == round && t.ApproverUserID != nil && *t.ApproverUserID == userID {
			cp := *t
			return &cp
		}
	}
	return nil
}

func (w *world) auditActions() []string {
	w.mu.Lock()
	defer w.mu.Unlock()
	out := make([]string, 0, len(w.audit))
	for _, e := range w.audit {
		out = append(out, e.Action)
	}
	return out
}

// ── rules ─────────────────────────────────────────────────────────────────────

type rulesStore struct {
	*world
	pending map[string]bool
}

func (s *rulesStore) Create(_ context.Context, rule *repository.ApprovalRule) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	rule.ID = uuid.NewString()
	cp := *rule
	s.rules[rule.ID] = &cp
	return nil
}

func (s *rulesStore) GetByID(_ context.Context, id, org string) (*repository.ApprovalRule, error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	r, ok := s.rules[id]
	if !ok || r.OrganisationID != org {
		return nil, errors.NotFound("approval_rule", id)
	}
	cp := *r
	return &cp, nil
}

func (s *rulesStore) List(_ context.Context, org, artifactType string, activeOnly bool) ([]*repository.ApprovalRule, error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	var out []*repository.ApprovalRule
	for _, r := range s.rules {
		if r.OrganisationID != org || (artifactType != "" && r.ArtifactType != artifactType) || (activeOnly && !r.IsActive) {
			continue
		}
		cp := *r
		out = append(out, &cp)
	}
	return out, nil
}

func (s *rulesStore) ListActiveForResolution(ctx context.Context, org, artifactType string) ([]*repository.ApprovalRule, error) {
	return s.List(ctx, org, artifactType, true)
}

func (s *rulesStore) Update(_ context.Context, rule *repository.ApprovalRule) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	cp := *rule
	s.rules[rule.ID] = &cp
	return nil
}

func (s *rulesStore) Deactivate(_ context.Context, id, org string) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	r, ok := s.rules[id]
	if !ok || r.OrganisationID != org {
		return errors.NotFound("approval_rule", id)
	}
	r.IsActive = false
	return nil
}

func (s *rulesStore) HasPendingTasks(_ context.Context, ruleID string) (bool, error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	if s.pending[ruleID] {
		return true, nil
	}
	for _, t := range s.tasks {
		if t.RuleID == ruleID && t.Status == repository.TaskPending {
			return true, nil
		}
	}
	return false, nil
}

// ── groups ────────────────────────────────────────────────────────────────────

type groupsStore struct{ *world }

func (s *groupsStore) Create(_ context.Context, g *repository.ApprovalGroup) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	for _, existing := range s.groups {
		if existing.OrganisationID == g.OrganisationID && existing.ArtifactType == g.ArtifactType && existing.Name == g.Name {
			return errors.Conflict("approval group already exists")
		}
	}
	g.ID = uuid.NewString()
	cp := *g
	s.groups[g.ID] = &cp
	return nil
}

func (s *groupsStore) GetByID(_ context.Context, id, org string) (*repository.ApprovalGroup, error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	g, ok := s.groups[id]
	if !ok || g.OrganisationID != org {
		return nil, errors.NotFound("approval_group", id)
	}
	cp := *g
	return &cp, nil
}

func (s *groupsStore) GetByName(_ context.Context, org, artifactType, name string) (*repository.ApprovalGroup, error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	for _, g := range s.groups {
		if g.OrganisationID == org && g.ArtifactType == artifactType && g.Name == name {
			cp := *g
			return &cp, nil
		}
	}
	return nil, errors.NotFound("approval_group", name)
}

func (s *groupsStore) List(_ context.Context, org, artifactType string) ([]*repository.ApprovalGroup, error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	var out []*repository.ApprovalGroup
	for _, g := range s.groups {
		if g.OrganisationID == org && (artifactType == "" || g.ArtifactType == artifactType) {
			cp := *g
			out = append(out, &cp)
		}
	}
	return out, nil
}

func (s *groupsStore) Update(_ context.Context, g *repository.ApprovalGroup) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	cp := *g
	s.groups[g.ID] = &cp
	return nil
}

func (s *groupsStore) AddMember(_ context.Context, m *repository.ApprovalGroupMember) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	m.ID = uuid.NewString()
	cp := *m
	if cp.UserID != nil {
		if a, ok := s.accounts[*cp.UserID]; ok {
			email := a.Email
			cp.AccountEmail = &email
		}
	}
	if cp.DirectoryID != nil {
		cp.Directory = s.directory[*cp.DirectoryID]
	}
	s.members[m.GroupID] = append(s.members[m.GroupID], &cp)
	return nil
}

func (s *groupsStore) RemoveMember(_ context.Context, groupID, memberID string) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	list := s.members[groupID]
	for i, m := range list {
		if m.ID == memberID {
			s.members[groupID] = append(list[:i], list[i+1:]...)
			return nil
		}
	}
	return errors.NotFound("approval_group_member", memberID)
}

func (s *groupsStore) ListMembers(_ context.Context, groupID string) ([]*repository.ApprovalGroupMember, error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	out := make([]*repository.ApprovalGroupMember, 0, len(s.members[groupID]))
	for _, m := range s.members[groupID] {
		cp := *m
		out = append(out, &cp)
	}
	return out, nil
}

// ── directory ─────────────────────────────────────────────────────────────────

type directoryStore struct{ *world }

func (s *directoryStore) Create(_ context.Context, e *repository.DirectoryEntry) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	e.ID = uuid.NewString()
	cp := *e
	s.directory[e.ID] = &cp
	return nil
}

func (s *directoryStore) GetByID(_ context.Context, id, org string) (*repository.DirectoryEntry, error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	e, ok := s.directory[id]
	if !ok || e.OrganisationID != org {
		return nil, errors.NotFound("directory_entry", id)
	}
	cp := *e
	return &cp, nil
}

func (s *directoryStore) GetByEmail(_ context.Context, org, email string) (*repository.DirectoryEntry, error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	for _, e := range s.directory {
		if e.OrganisationID == org && repository.NormalizeEmail(e.Email) == repository.NormalizeEmail(email) {
			cp := *e
			return &cp, nil
		}
	}
	return nil, errors.NotFound("directory_entry", email)
}

func (s *directoryStore) List(_ context.Context, org string) ([]*repository.DirectoryEntry, error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	var out []*repository.DirectoryEntry
	for _, e := range s.directory {
		if e.OrganisationID == org {
			cp := *e
			out = append(out, &cp)
		}
	}
	return out, nil
}

func (s *directoryStore) Link(_ context.Context, id, org, userID string) (int64, error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	e, ok := s.directory[id]
	if !ok || e.OrganisationID != org {
		return 0, errors.NotFound("directory_entry", id)
	}
	uid := userID
	e.UserID = &uid
	var n int64
	for _, t := range s.tasks {
		if t.ApproverDirectoryID != nil && *t.ApproverDirectoryID == id && t.ApproverUserID == nil && t.Status == repository.TaskPending {
			t.ApproverUserID = &uid
			n++
		}
	}
	return n, nil
}

// ── membership ────────────────────────────────────────────────────────────────

type membershipStore struct{ *world }

func (s *membershipStore) GetRole(_ context.Context, org, userID string) (string, error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	role, ok := s.roles[org+"/"+userID]
	if !ok {
		return "", errors.NotFound("organisation_member", userID)
	}
	return role, nil
}

func (s *membershipStore) FindMemberAccountByEmail(_ context.Context, org, email string) (*repository.Account, error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	for id, a := range s.accounts {
		if _, member := s.roles[org+"/"+id]; member && repository.NormalizeEmail(a.Email) == repository.NormalizeEmail(email) {
			cp := *a
			return &cp, nil
		}
	}
	return nil, nil
}

// ── artifacts ─────────────────────────────────────────────────────────────────

type artifactStore struct{ *world }

func (s *artifactStore) Create(_ context.Context, a *repository.Artifact) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	a.ID = uuid.NewString()
	a.Lane = repository.LaneDraft
	a.DecisionStatus = repository.DecisionDraft
	a.Version = 1
	a.CreatedAt = s.clock
	cp := *a
	s.artifacts[a.ID] = &cp
	return nil
}

func (s *artifactStore) GetByID(_ context.Context, id string) (*repository.Artifact, error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	a, ok := s.artifacts[id]
	if !ok {
		return nil, errors.NotFound("artifact", id)
	}
	cp := *a
	return &cp, nil
}

func (s *artifactStore) MoveLane(_ context.Context, id, from, to, decisionStatus string) (*repository.Artifact, error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	a, ok := s.artifacts[id]
	if !ok || a.Lane != from {
		return nil, errors.Conflict("artifact is not in the " + from + " lane")
	}
	a.Lane, a.DecisionStatus = to, decisionStatus
	a.Version++
	cp := *a
	return &cp, nil
}

func (s *artifactStore) Submit(_ context.Context, sub *repository.Submission) (*repository.Artifact, error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	a, ok := s.artifacts[sub.ArtifactID]
	if !ok || a.Lane != repository.LaneReview || a.ApprovalRound != sub.Round-1 {
		return nil, errors.Conflict("artifact is not awaiting submission")
	}
	a.ApprovalRound = sub.Round
	a.Lane, a.DecisionStatus = repository.LaneSubmitted, repository.DecisionSubmitted
	a.DecisionBy, a.DecisionAt, a.DecisionRole = nil, nil, nil
	if sub.AutoApprove {
		at, role := sub.SubmittedAt, "auto"
		a.Lane, a.DecisionStatus = repository.LaneInProgress, repository.DecisionApproved
		a.DecisionAt, a.DecisionRole = &at, &role
	}
	a.Version++

	for _, t := range sub.Tasks {
		t.OrganisationID = a.OrganisationID
		t.ArtifactID = a.ID
		t.ProjectID = a.ProjectID
		t.ApprovalRound = sub.Round
		t.Status = repository.TaskPending
		t.CreatedAt = s.clock
		cp := *t
		s.tasks = append(s.tasks, &cp)
	}
	cp := *a
	return &cp, nil
}

func (s *artifactStore) ApplyAggregate(_ context.Context, id string, expectedVersion int64, w repository.AggregateWrite) (bool, error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	a := s.artifacts[id]
	if s.loseRaces > 0 {
		s.loseRaces--
		a.Version++
		return false, nil
	}
	if a.Version != expectedVersion {
		return false, nil
	}
	a.DecisionStatus, a.Lane = w.DecisionStatus, w.Lane
	a.DecisionBy, a.DecisionAt, a.DecisionRole = w.DecisionBy, w.DecisionAt, w.DecisionRole
	a.Version++
	return true, nil
}

// ── tasks ─────────────────────────────────────────────────────────────────────

type tasksStore struct{ *world }

func (s *tasksStore) Decide(_ context.Context, id, userID, status string, comment *string) (*repository.ApprovalTask, error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	for _, t := range s.tasks {
		if t.ID != id {
			continue
		}
		a := s.artifacts[t.ArtifactID]
		if t.ApproverUserID == nil || *t.ApproverUserID != userID || t.Status != repository.TaskPending ||
			a.ApprovalRound != t.ApprovalRound || !a.AcceptsDecisions() {
			return nil, repository.ErrTaskNotDecidable
		}
		at, by := s.tick(), userID
		t.Status, t.DecidedAt, t.DecidedBy, t.DecisionComment = status, &at, &by, comment
		cp := *t
		return &cp, nil
	}
	return nil, repository.ErrTaskNotDecidable
}

func (s *tasksStore) GetForApprover(_ context.Context, id, userID string) (*repository.ApprovalTask, error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	for _, t := range s.tasks {
		if t.ID == id && t.ApproverUserID != nil && *t.ApproverUserID == userID {
			cp := *t
			return &cp, nil
		}
	}
	return nil, errors.NotFound("approval_task", id)
}

func (s *tasksStore) ListByArtifactRound(_ context.Context, artifactID string, round int) ([]*repository.ApprovalTask, error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	var out []*repository.ApprovalTask
	for _, t := range s.tasks {
		if t.ArtifactID == artifactID && t.ApprovalRound == round {
			cp := *t
			out = append(out, &cp)
		}
	}
	return out, nil
}

func (s *tasksStore) ListByArtifact(_ context.Context, artifactID string) ([]*repository.ApprovalTask, error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	var out []*repository.ApprovalTask
	for _, t := range s.tasks {
		if t.ArtifactID == artifactID {
			cp := *t
			out = append(out, &cp)
		}
	}
	return out, nil
}

func (s *tasksStore) ListPendingForUser(_ context.Context, org, userID string) ([]*repository.ApprovalTask, error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	var out []*repository.ApprovalTask
	for _, t := range s.tasks {
		a := s.artifacts[t.ArtifactID]
		if t.OrganisationID == org && t.Status == repository.TaskPending &&
			t.ApproverUserID != nil && *t.ApproverUserID == userID &&
			a.ApprovalRound == t.ApprovalRound && a.AcceptsDecisions() {
			cp := *t
			out = append(out, &cp)
		}
	}
	return out, nil
}

// ── audit ─────────────────────────────────────────────────────────────────────

type auditStore struct{ *world }

func (s *auditStore) Append(_ context.Context, e *repository.AuditEntry) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	s.audit = append(s.audit, e)
	return nil
}

func (s *auditStore) ListByArtifact(_ context.Context, artifactID, org string) ([]*repository.AuditEntry, error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	var out []*repository.AuditEntry
	for _, e := range s.audit {
		if e.ArtifactID == artifactID && e.OrganisationID == org {
			out = append(out, e)
		}
	}
	return out, nil
}

// ── events ────────────────────────────────────────────────────────────────────

type recordingPublisher struct {
	mu       sync.Mutex
	events   []*client.GovernanceEvent
	required [][]string
}

func (p *recordingPublisher) Publish(_ context.Context, e *client.GovernanceEvent) {
	p.mu.Lock()
	defer p.mu.Unlock()
	p.events = append(p.events, e)
}

func (p *recordingPublisher) PublishApprovalRequired(_ context.Context, _, _, _ string, recipients []string, _ map[string]interface{}) {
	p.mu.Lock()
	defer p.mu.Unlock()
	p.required = append(p.required, recipients)
}

// ── harness ───────────────────────────────────────────────────────────────────

const testOrg = "org-1"

type harness struct {
	w         *world
	rules     *rulesStore
	artifacts *artifactStore
	tasks     *tasksStore
	emitter   *AuditEmitter
	publisher *recordingPublisher
	approvals *ApprovalService
	policy    *PolicyService
}

func newHarness() *harness {
	w := newWorld()
	log := logger.Nop()

	rules := &rulesStore{world: w, pending: make(map[string]bool)}
	groups := &groupsStore{world: w}
	directory := &directoryStore{world: w}
	membership := &membershipStore{world: w}
	artifacts := &artifactStore{world: w}
	tasks := &tasksStore{world: w}
	audit := &auditStore{world: w}
	publisher := &recordingPublisher{}

	emitter := NewAuditEmitter(audit, publisher, 64, log)
	resolver := NewGroupResolver(groups, membership, log)
	aggregator := NewAggregator(artifacts, tasks, emitter, log)
	approvals := NewApprovalService(artifacts, tasks, audit, membership,
		NewRuleResolver(rules), resolver, aggregator, emitter, publisher, log)
	approvals.now = func() time.Time { return w.clock }
	policy := NewPolicyService(rules, groups, directory, membership, resolver, log)

	return &harness{
		w: w, rules: rules, artifacts: artifacts, tasks: tasks,
		emitter: emitter, publisher: publisher, approvals: approvals, policy: policy,
	}
}

// flushAudit waits for queued audit entries to be written.
func (h *harness) flushAudit() {
	ctx, cancel := context.WithTimeout(context.Background(), 2*time.Second)
	defer cancel()
	_ = h.emitter.Close(ctx)
}

// reviewArtifact creates an artifact and walks it to the review lane.
func (h *harness) reviewArtifact(ctx context.Context, author string, amount int64) (*repository.Artifact, error) {
	a, err := h.approvals.CreateArtifact(ctx, testOrg, author, CreateArtifactRequest{
		ProjectID: "proj-1", ArtifactType: repository.ArtifactTypeChange, Title: "Scope change", Amount: &amount,
	})
	if err != nil {
		return nil, err
	}
	if _, err := h.approvals.AdvanceLane(ctx, a.ID, author, repository.LaneAnalysis); err != nil {
		return nil, err
	}
	return h.approvals.AdvanceLane(ctx, a.ID, author, repository.LaneReview)
}
