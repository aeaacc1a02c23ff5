package handler

import (
	"encoding/json"
	"io"
	"math"
	"net/http"
	"strconv"
	"time"

	"github.com/go-chi/chi/v5"
	"github.com/rs/zerolog/hlog"

	"github.com/pesio-ai/be-approval-governance/internal/platform/auth"
	"github.com/pesio-ai/be-approval-governance/internal/platform/errors"
	"github.com/pesio-ai/be-approval-governance/internal/platform/logger"
	"github.com/pesio-ai/be-approval-governance/internal/policyfile"
	"github.com/pesio-ai/be-approval-governance/internal/ratelimit"
	"github.com/pesio-ai/be-approval-governance/internal/service"
)

const maxBodyBytes = 1 << 20

// HTTPHandler handles HTTP requests
type HTTPHandler struct {
	approvals *service.ApprovalService
	policy    *service.PolicyService
	guard     *ratelimit.Guard
	log       *logger.Logger
}

// NewHTTPHandler creates a new HTTP handler
func NewHTTPHandler(approvals *service.ApprovalService, policy *service.PolicyService, guard *ratelimit.Guard, log *logger.Logger) *HTTPHandler {
	return &HTTPHandler{
		approvals: approvals,
		policy:    policy,
		guard:     guard,
		log:       log,
	}
}

// Routes mounts the API. Callers are expected to have authenticated the
// request before it reaches these handlers.
func (h *HTTPHandler) Routes(r chi.Router) {
	r.Route("/artifacts", func(r chi.Router) {
		r.Post("/", h.CreateArtifact)
		r.Route("/{artifactID}", func(r chi.Router) {
			r.Get("/", h.GetArtifact)
			r.Post("/lane", h.AdvanceLane)
			r.Post("/submit", h.SubmitForApproval)
			r.Get("/aggregate", h.GetAggregate)
			r.Post("/recompute", h.RecomputeAggregate)
			r.Get("/approvals", h.ListTasks)
			r.Get("/audit", h.ListAudit)
		})
	})

	r.Route("/approvals", func(r chi.Router) {
		r.Get("/pending", h.ListPending)
		r.Post("/{taskID}/decision", h.RecordDecision)
	})

	r.Route("/policy", func(r chi.Router) {
		r.Get("/rules", h.ListRules)
		r.Post("/rules", h.CreateRule)
		r.Get("/rules/{ruleID}", h.GetRule)
		r.Patch("/rules/{ruleID}", h.UpdateRule)
		r.Delete("/rules/{ruleID}", h.DeactivateRule)

		r.Get("/groups", h.ListGroups)
		r.Post("/groups", h.CreateGroup)
		r.Get("/groups/{groupID}", h.GetGroup)
		r.Patch("/groups/{groupID}", h.UpdateGroup)
		r.Delete("/groups/{groupID}", h.DeactivateGroup)
		r.Post("/groups/{groupID}/members", h.AddGroupMember)
		r.Delete("/groups/{groupID}/members/{memberID}", h.RemoveGroupMember)
		r.Get("/groups/{groupID}/candidates", h.GroupCandidates)

		r.Get("/directory", h.ListDirectory)
		r.Post("/directory", h.CreateDirectoryEntry)
		r.Post("/directory/{entryID}/link", h.LinkDirectoryEntry)

		r.Get("/export", h.ExportPolicy)
		r.Post("/import", h.ImportPolicy)
	})

	r.Post("/guard/{operationKind}", h.CheckRateLimit)
}

// ── Artifacts ─────────────────────────────────────────────────────────────────

// CreateArtifact handles create artifact HTTP requests
func (h *HTTPHandler) CreateArtifact(w http.ResponseWriter, r *http.Request) {
	uc, ok := h.caller(w, r)
	if !ok {
		return
	}
	var req service.CreateArtifactRequest
	if !h.decode(w, r, &req) {
		return
	}

	artifact, err := h.approvals.CreateArtifact(r.Context(), uc.OrganisationID, uc.UserID, req)
	if err != nil {
		h.writeError(w, r, err)
		return
	}
	writeJSON(w, http.StatusCreated, artifact)
}

// GetArtifact handles get artifact HTTP requests
func (h *HTTPHandler) GetArtifact(w http.ResponseWriter, r *http.Request) {
	uc, ok := h.caller(w, r)
	if !ok {
		return
	}
	artifact, err := h.approvals.GetArtifact(r.Context(), chi.URLParam(r, "artifactID"), uc.UserID)
	if err != nil {
		h.writeError(w, r, err)
		return
	}
	writeJSON(w, http.StatusOK, artifact)
}

// AdvanceLane handles lane transition HTTP requests
func (h *HTTPHandler) AdvanceLane(w http.ResponseWriter, r *http.Request) {
	uc, ok := h.caller(w, r)
	if !ok {
		return
	}
	var req struct {
		Lane string `json:"lane"`
	}
	if !h.decode(w, r, &req) {
		return
	}

	artifact, err := h.approvals.AdvanceLane(r.Context(), chi.URLParam(r, "artifactID"), uc.UserID, req.Lane)
	if err != nil {
		h.writeError(w, r, err)
		return
	}
	writeJSON(w, http.StatusOK, artifact)
}

// SubmitForApproval handles submit for approval HTTP requests
func (h *HTTPHandler) SubmitForApproval(w http.ResponseWriter, r *http.Request) {
	uc, ok := h.caller(w, r)
	if !ok {
		return
	}
	res, err := h.approvals.SubmitForApproval(r.Context(), chi.URLParam(r, "artifactID"), uc.UserID)
	if err != nil {
		h.writeError(w, r, err)
		return
	}
	writeJSON(w, http.StatusOK, res)
}

// GetAggregate handles aggregate read HTTP requests
func (h *HTTPHandler) GetAggregate(w http.ResponseWriter, r *http.Request) {
	uc, ok := h.caller(w, r)
	if !ok {
		return
	}
	summary, err := h.approvals.GetAggregate(r.Context(), chi.URLParam(r, "artifactID"), uc.UserID)
	if err != nil {
		h.writeError(w, r, err)
		return
	}
	writeJSON(w, http.StatusOK, summary)
}

// RecomputeAggregate handles recompute HTTP requests
func (h *HTTPHandler) RecomputeAggregate(w http.ResponseWriter, r *http.Request) {
	uc, ok := h.caller(w, r)
	if !ok {
		return
	}
	summary, err := h.approvals.RecomputeAggregate(r.Context(), chi.URLParam(r, "artifactID"), uc.UserID)
	if err != nil {
		h.writeError(w, r, err)
		return
	}
	writeJSON(w, http.StatusOK, summary)
}

// ListTasks handles artifact task list HTTP requests
func (h *HTTPHandler) ListTasks(w http.ResponseWriter, r *http.Request) {
	uc, ok := h.caller(w, r)
	if !ok {
		return
	}
	tasks, err := h.approvals.ListTasks(r.Context(), chi.URLParam(r, "artifactID"), uc.UserID)
	if err != nil {
		h.writeError(w, r, err)
		return
	}
	writeJSON(w, http.StatusOK, map[string]interface{}{"approvals": tasks})
}

// ListAudit handles audit trail HTTP requests
func (h *HTTPHandler) ListAudit(w http.ResponseWriter, r *http.Request) {
	uc, ok := h.caller(w, r)
	if !ok {
		return
	}
	entries, err := h.approvals.ListAudit(r.Context(), chi.URLParam(r, "artifactID"), uc.UserID)
	if err != nil {
		h.writeError(w, r, err)
		return
	}
	writeJSON(w, http.StatusOK, map[string]interface{}{"entries": entries})
}

// ── Approvals ─────────────────────────────────────────────────────────────────

// ListPending handles pending inbox HTTP requests
func (h *HTTPHandler) ListPending(w http.ResponseWriter, r *http.Request) {
	uc, ok := h.caller(w, r)
	if !ok {
		return
	}
	tasks, err := h.approvals.ListPending(r.Context(), uc.OrganisationID, uc.UserID)
	if err != nil {
		h.writeError(w, r, err)
		return
	}
	writeJSON(w, http.StatusOK, map[string]interface{}{"approvals": tasks})
}

// RecordDecision handles approve and reject HTTP requests
func (h *HTTPHandler) RecordDecision(w http.ResponseWriter, r *http.Request) {
	uc, ok := h.caller(w, r)
	if !ok {
		return
	}
	var req service.DecisionRequest
	if !h.decode(w, r, &req) {
		return
	}
	req.TaskID = chi.URLParam(r, "taskID")

	res, err := h.approvals.RecordDecision(r.Context(), uc.UserID, req)
	if err != nil {
		h.writeError(w, r, err)
		return
	}
	writeJSON(w, http.StatusOK, res)
}

// ── Policy ────────────────────────────────────────────────────────────────────

// ListRules handles rule list HTTP requests
func (h *HTTPHandler) ListRules(w http.ResponseWriter, r *http.Request) {
	uc, ok := h.caller(w, r)
	if !ok {
		return
	}
	activeOnly, _ := strconv.ParseBool(r.URL.Query().Get("active"))
	rules, err := h.policy.ListRules(r.Context(), uc.OrganisationID, uc.UserID, r.URL.Query().Get("artifact_type"), activeOnly)
	if err != nil {
		h.writeError(w, r, err)
		return
	}
	writeJSON(w, http.StatusOK, map[string]interface{}{"rules": rules})
}

// CreateRule handles rule creation HTTP requests
func (h *HTTPHandler) CreateRule(w http.ResponseWriter, r *http.Request) {
	uc, ok := h.caller(w, r)
	if !ok {
		return
	}
	var req service.RuleInput
	if !h.decode(w, r, &req) {
		return
	}
	rule, err := h.policy.CreateRule(r.Context(), uc.OrganisationID, uc.UserID, req)
	if err != nil {
		h.writeError(w, r, err)
		return
	}
	writeJSON(w, http.StatusCreated, rule)
}

// GetRule handles rule read HTTP requests
func (h *HTTPHandler) GetRule(w http.ResponseWriter, r *http.Request) {
	uc, ok := h.caller(w, r)
	if !ok {
		return
	}
	rule, err := h.policy.GetRule(r.Context(), uc.OrganisationID, uc.UserID, chi.URLParam(r, "ruleID"))
	if err != nil {
		h.writeError(w, r, err)
		return
	}
	writeJSON(w, http.StatusOK, rule)
}

// UpdateRule handles rule patch HTTP requests
func (h *HTTPHandler) UpdateRule(w http.ResponseWriter, r *http.Request) {
	uc, ok := h.caller(w, r)
	if !ok {
		return
	}
	var patch service.RulePatch
	if !h.decode(w, r, &patch) {
		return
	}
	rule, err := h.policy.UpdateRule(r.Context(), uc.OrganisationID, uc.UserID, chi.URLParam(r, "ruleID"), patch)
	if err != nil {
		h.writeError(w, r, err)
		return
	}
	writeJSON(w, http.StatusOK, rule)
}

// DeactivateRule handles rule delete HTTP requests. Rules are soft-deleted.
func (h *HTTPHandler) DeactivateRule(w http.ResponseWriter, r *http.Request) {
	uc, ok := h.caller(w, r)
	if !ok {
		return
	}
	if err := h.policy.DeactivateRule(r.Context(), uc.OrganisationID, uc.UserID, chi.URLParam(r, "ruleID")); err != nil {
		h.writeError(w, r, err)
		return
	}
	w.WriteHeader(http.StatusNoContent)
}

// ListGroups handles group list HTTP requests
func (h *HTTPHandler) ListGroups(w http.ResponseWriter, r *http.Request) {
	uc, ok := h.caller(w, r)
	if !ok {
		return
	}
	groups, err := h.policy.ListGroups(r.Context(), uc.OrganisationID, uc.UserID, r.URL.Query().Get("artifact_type"))
	if err != nil {
		h.writeError(w, r, err)
		return
	}
	writeJSON(w, http.StatusOK, map[string]interface{}{"groups": groups})
}

// CreateGroup handles group creation HTTP requests
func (h *HTTPHandler) CreateGroup(w http.ResponseWriter, r *http.Request) {
	uc, ok := h.caller(w, r)
	if !ok {
		return
	}
	var req service.GroupInput
	if !h.decode(w, r, &req) {
		return
	}
	group, err := h.policy.CreateGroup(r.Context(), uc.OrganisationID, uc.UserID, req)
	if err != nil {
		h.writeError(w, r, err)
		return
	}
	writeJSON(w, http.StatusCreated, group)
}

// GetGroup handles group read HTTP requests
func (h *HTTPHandler) GetGroup(w http.ResponseWriter, r *http.Request) {
	uc, ok := h.caller(w, r)
	if !ok {
		return
	}
	group, err := h.policy.GetGroup(r.Context(), uc.OrganisationID, uc.UserID, chi.URLParam(r, "groupID"))
	if err != nil {
		h.writeError(w, r, err)
		return
	}
	writeJSON(w, http.StatusOK, group)
}

// UpdateGroup handles group patch HTTP requests
func (h *HTTPHandler) UpdateGroup(w http.ResponseWriter, r *http.Request) {
	uc, ok := h.caller(w, r)
	if !ok {
		return
	}
	var patch service.GroupPatch
	if !h.decode(w, r, &patch) {
		return
	}
	group, err := h.policy.UpdateGroup(r.Context(), uc.OrganisationID, uc.UserID, chi.URLParam(r, "groupID"), patch)
	if err != nil {
		h.writeError(w, r, err)
		return
	}
	writeJSON(w, http.StatusOK, group)
}

// DeactivateGroup handles group delete HTTP requests. Groups are soft-deleted.
func (h *HTTPHandler) DeactivateGroup(w http.ResponseWriter, r *http.Request) {
	uc, ok := h.caller(w, r)
	if !ok {
		return
	}
	inactive := false
	if _, err := h.policy.UpdateGroup(r.Context(), uc.OrganisationID, uc.UserID, chi.URLParam(r, "groupID"),
		service.GroupPatch{IsActive: &inactive}); err != nil {
		h.writeError(w, r, err)
		return
	}
	w.WriteHeader(http.StatusNoContent)
}

// AddGroupMember handles group member HTTP requests
func (h *HTTPHandler) AddGroupMember(w http.ResponseWriter, r *http.Request) {
	uc, ok := h.caller(w, r)
	if !ok {
		return
	}
	var req service.MemberInput
	if !h.decode(w, r, &req) {
		return
	}
	member, err := h.policy.AddGroupMember(r.Context(), uc.OrganisationID, uc.UserID, chi.URLParam(r, "groupID"), req)
	if err != nil {
		h.writeError(w, r, err)
		return
	}
	writeJSON(w, http.StatusCreated, member)
}

// RemoveGroupMember handles group member removal HTTP requests
func (h *HTTPHandler) RemoveGroupMember(w http.ResponseWriter, r *http.Request) {
	uc, ok := h.caller(w, r)
	if !ok {
		return
	}
	err := h.policy.RemoveGroupMember(r.Context(), uc.OrganisationID, uc.UserID,
		chi.URLParam(r, "groupID"), chi.URLParam(r, "memberID"))
	if err != nil {
		h.writeError(w, r, err)
		return
	}
	w.WriteHeader(http.StatusNoContent)
}

// GroupCandidates handles group preview HTTP requests
func (h *HTTPHandler) GroupCandidates(w http.ResponseWriter, r *http.Request) {
	uc, ok := h.caller(w, r)
	if !ok {
		return
	}
	candidates, err := h.policy.GroupCandidates(r.Context(), uc.OrganisationID, uc.UserID, chi.URLParam(r, "groupID"))
	if err != nil {
		h.writeError(w, r, err)
		return
	}

	out := make([]map[string]string, 0, len(candidates))
	for _, c := range candidates {
		out = append(out, candidateJSON(c))
	}
	writeJSON(w, http.StatusOK, map[string]interface{}{"candidates": out})
}

// ListDirectory handles directory list HTTP requests
func (h *HTTPHandler) ListDirectory(w http.ResponseWriter, r *http.Request) {
	uc, ok := h.caller(w, r)
	if !ok {
		return
	}
	entries, err := h.policy.ListDirectory(r.Context(), uc.OrganisationID, uc.UserID)
	if err != nil {
		h.writeError(w, r, err)
		return
	}
	writeJSON(w, http.StatusOK, map[string]interface{}{"entries": entries})
}

// CreateDirectoryEntry handles directory creation HTTP requests
func (h *HTTPHandler) CreateDirectoryEntry(w http.ResponseWriter, r *http.Request) {
	uc, ok := h.caller(w, r)
	if !ok {
		return
	}
	var req service.DirectoryInput
	if !h.decode(w, r, &req) {
		return
	}
	entry, err := h.policy.CreateDirectoryEntry(r.Context(), uc.OrganisationID, uc.UserID, req)
	if err != nil {
		h.writeError(w, r, err)
		return
	}
	writeJSON(w, http.StatusCreated, entry)
}

// LinkDirectoryEntry handles directory link HTTP requests
func (h *HTTPHandler) LinkDirectoryEntry(w http.ResponseWriter, r *http.Request) {
	uc, ok := h.caller(w, r)
	if !ok {
		return
	}
	var req struct {
		UserID string `json:"user_id"`
	}
	if !h.decode(w, r, &req) {
		return
	}
	reassigned, err := h.policy.LinkDirectoryEntry(r.Context(), uc.OrganisationID, uc.UserID, chi.URLParam(r, "entryID"), req.UserID)
	if err != nil {
		h.writeError(w, r, err)
		return
	}
	writeJSON(w, http.StatusOK, map[string]interface{}{"reassigned_tasks": reassigned})
}

// ExportPolicy writes the organisation's policy as YAML.
func (h *HTTPHandler) ExportPolicy(w http.ResponseWriter, r *http.Request) {
	uc, ok := h.caller(w, r)
	if !ok {
		return
	}
	doc, err := h.policy.ExportPolicy(r.Context(), uc.OrganisationID, uc.UserID)
	if err != nil {
		h.writeError(w, r, err)
		return
	}
	w.Header().Set("Content-Type", "application/yaml")
	w.WriteHeader(http.StatusOK)
	if err := policyfile.Encode(w, doc); err != nil {
		hlog.FromRequest(r).Warn().Err(err).Msg("Failed to write policy export")
	}
}

// ImportPolicy applies a YAML policy document from the request body.
func (h *HTTPHandler) ImportPolicy(w http.ResponseWriter, r *http.Request) {
	uc, ok := h.caller(w, r)
	if !ok {
		return
	}
	doc, err := policyfile.Parse(io.LimitReader(r.Body, maxBodyBytes))
	if err != nil {
		h.writeError(w, r, service.PolicyDocumentError(err))
		return
	}
	report, err := h.policy.ImportPolicy(r.Context(), uc.OrganisationID, uc.UserID, doc)
	if err != nil {
		h.writeError(w, r, err)
		return
	}
	writeJSON(w, http.StatusOK, report)
}

// ── Rate limit guard ──────────────────────────────────────────────────────────

// CheckRateLimit admits or rejects one invocation of an expensive operation.
// A rejection is answered with 429 and the exceeded limit.
func (h *HTTPHandler) CheckRateLimit(w http.ResponseWriter, r *http.Request) {
	uc, ok := h.caller(w, r)
	if !ok {
		return
	}
	decision, err := h.guard.Check(r.Context(), ratelimit.Request{
		ActorID:        uc.UserID,
		OrganisationID: uc.OrganisationID,
		OperationKind:  chi.URLParam(r, "operationKind"),
	})
	if err != nil {
		h.writeError(w, r, err)
		return
	}
	if !decision.Allowed {
		rej := decision.Rejection
		reset := rej.WindowStart.Add(time.Duration(rej.WindowSeconds) * time.Second)
		w.Header().Set("Retry-After", strconv.Itoa(int(math.Ceil(time.Until(reset).Seconds()))))
		writeJSON(w, http.StatusTooManyRequests, map[string]interface{}{
			"error":     rej.Err().Error(),
			"code":      errors.ErrCodeRateLimited,
			"rejection": rej,
		})
		return
	}
	writeJSON(w, http.StatusOK, decision)
}

// ── helpers ───────────────────────────────────────────────────────────────────

func (h *HTTPHandler) caller(w http.ResponseWriter, r *http.Request) (auth.UserContext, bool) {
	uc, err := auth.GetUserContext(r.Context())
	if err != nil {
		h.writeError(w, r, err)
		return auth.UserContext{}, false
	}
	return uc, true
}

func (h *HTTPHandler) decode(w http.ResponseWriter, r *http.Request, dst any) bool {
	dec := json.NewDecoder(io.LimitReader(r.Body, maxBodyBytes))
	dec.DisallowUnknownFields()
	if err := dec.Decode(dst); err != nil {
		h.writeError(w, r, errors.Wrap(err, errors.ErrCodeInvalidInput, "invalid request body"))
		return false
	}
	return true
}

func (h *HTTPHandler) writeError(w http.ResponseWriter, r *http.Request, err error) {
	status := errors.HTTPStatus(err)
	if status >= http.StatusInternalServerError {
		hlog.FromRequest(r).Error().Err(err).Str("path", r.URL.Path).Msg("Request failed")
	}

	body := map[string]interface{}{
		"error": err.Error(),
		"code":  errors.CodeOf(err),
	}
	if status >= http.StatusInternalServerError {
		body["error"] = "internal server error"
	} else if md := errors.MetadataOf(err); len(md) > 0 {
		body["metadata"] = md
	}
	writeJSON(w, status, body)
}

func writeJSON(w http.ResponseWriter, status int, v interface{}) {
	w.Header().Set("Content-Type", "application/json")
	w.WriteHeader(status)
	_ = json.NewEncoder(w).Encode(v)
}
