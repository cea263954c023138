package admin

import (
	"errors"
	"net/http"
	"strings"

	"github.com/go-chi/chi/v5"

	"github.com/piwi3910/podshield/internal/api/middleware"
	"github.com/piwi3910/podshield/internal/audit"
	"github.com/piwi3910/podshield/internal/auth"
	"github.com/piwi3910/podshield/internal/policy"
	"github.com/piwi3910/podshield/internal/session"
	"github.com/piwi3910/podshield/pkg/apierrors"
)

func (h *Handler) registerPolicyRoutes(r chi.Router) {
	admins := middleware.RequireRole(auth.RoleAdmin)
	readers := middleware.RequireRole(auth.RoleAdmin, auth.RoleReviewer, auth.RoleService)
	lifecycle := middleware.RequireRole(auth.RoleAdmin, auth.RoleService)

	r.With(readers).Get("/policies", h.ListPolicies)
	r.With(admins).Post("/policies", h.CreatePolicy)
	r.With(readers).Get("/policies/{id}", h.GetPolicy)
	r.With(admins).Put("/policies/{id}", h.UpdatePolicy)
	r.With(admins).Delete("/policies/{id}", h.DeletePolicy)

	r.With(lifecycle).Put("/sessions/{id}", h.PutSession)
	r.With(readers).Get("/sessions/{id}", h.GetSession)
	r.With(lifecycle).Put("/sessions/{id}/policy", h.AttachPolicy)

	if h.deps.Resolver != nil {
		r.With(readers).Get("/sessions/{id}/policy", h.ResolvePolicy)
	}
}

// policyFor loads a policy the caller may see.
func (h *Handler) policyFor(r *http.Request, id string) (*policy.SecurityPolicy, error) {
	p, err := h.deps.Policies.Get(r.Context(), id)
	if err != nil {
		return nil, err
	}

	if err := visible(r, p.TenantID, "policy", id); err != nil {
		return nil, err
	}

	return p, nil
}

// ListPolicies lists the caller's tenant policies.
func (h *Handler) ListPolicies(w http.ResponseWriter, r *http.Request) {
	tenant := scopeTenant(r)
	if tenant == "" {
		writeError(w, apierrors.Validation("tenantId is required"))
		return
	}

	list, err := h.deps.Policies.List(r.Context(), tenant)
	if err != nil {
		writeError(w, err)
		return
	}

	if list == nil {
		list = []*policy.SecurityPolicy{}
	}

	writeJSON(w, http.StatusOK, map[string]any{"policies": list, "total": len(list)})
}

// CreatePolicy stores a new policy.
func (h *Handler) CreatePolicy(w http.ResponseWriter, r *http.Request) {
	var p policy.SecurityPolicy
	if err := h.decodeJSON(w, r, &p, false); err != nil {
		writeError(w, err)
		return
	}

	tenant, err := ownTenant(r, p.TenantID)
	if err != nil {
		writeError(w, err)
		return
	}

	p.TenantID = tenant

	created, err := h.deps.Policies.Create(r.Context(), &p)
	if err != nil {
		writeError(w, err)
		return
	}

	h.emit(adminEvent(r, audit.EventPolicyChanged, "CreatePolicy", created.TenantID, "").
		WithResult(audit.ResultSuccess).
		WithExtra("policy_id", created.ID))

	writeJSON(w, http.StatusCreated, created)
}

// GetPolicy returns one policy.
func (h *Handler) GetPolicy(w http.ResponseWriter, r *http.Request) {
	p, err := h.policyFor(r, chi.URLParam(r, "id"))
	if err != nil {
		writeError(w, err)
		return
	}

	writeJSON(w, http.StatusOK, p)
}

// UpdatePolicyResponse carries the stored policy and what changed.
type UpdatePolicyResponse struct {
	Policy  *policy.SecurityPolicy `json:"policy"`
	Changes []string               `json:"changes"`
}

// UpdatePolicy replaces a policy's rules. Cached copies are dropped and
// connected sessions are told about the change.
func (h *Handler) UpdatePolicy(w http.ResponseWriter, r *http.Request) {
	id := chi.URLParam(r, "id")

	if _, err := h.policyFor(r, id); err != nil {
		writeError(w, err)
		return
	}

	var p policy.SecurityPolicy
	if err := h.decodeJSON(w, r, &p, false); err != nil {
		writeError(w, err)
		return
	}

	updated, changes, err := h.deps.Policies.Update(r.Context(), id, &p)
	if err != nil {
		writeError(w, err)
		return
	}

	if changes == nil {
		changes = []string{}
	}

	h.emit(adminEvent(r, audit.EventPolicyChanged, "UpdatePolicy", updated.TenantID, "").
		WithResult(audit.ResultSuccess).
		WithExtra("policy_id", id).
		WithExtra("changes", strings.Join(changes, ",")))

	writeJSON(w, http.StatusOK, UpdatePolicyResponse{Policy: updated, Changes: changes})
}

// DeletePolicy removes a policy.
func (h *Handler) DeletePolicy(w http.ResponseWriter, r *http.Request) {
	id := chi.URLParam(r, "id")

	p, err := h.policyFor(r, id)
	if err != nil {
		writeError(w, err)
		return
	}

	if err := h.deps.Policies.Delete(r.Context(), id); err != nil {
		writeError(w, err)
		return
	}

	h.emit(adminEvent(r, audit.EventPolicyChanged, "DeletePolicy", p.TenantID, "").
		WithResult(audit.ResultSuccess).
		WithExtra("policy_id", id))

	w.WriteHeader(http.StatusNoContent)
}

// PutSession registers or updates a session record. The lifecycle service
// calls it on every state change.
func (h *Handler) PutSession(w http.ResponseWriter, r *http.Request) {
	id := chi.URLParam(r, "id")

	var s session.Session
	if err := h.decodeJSON(w, r, &s, false); err != nil {
		writeError(w, err)
		return
	}

	if s.ID != "" && s.ID != id {
		writeError(w, apierrors.Validation("session id in body does not match path"))
		return
	}

	s.ID = id

	tenant, err := ownTenant(r, s.TenantID)
	if err != nil {
		writeError(w, err)
		return
	}

	s.TenantID = tenant

	existing, err := h.deps.Sessions.GetSession(r.Context(), id)

	switch {
	case err == nil:
		if existing.TenantID != s.TenantID {
			writeError(w, apierrors.Validation("session tenantId cannot change"))
			return
		}
	case !errors.Is(err, apierrors.ErrNotFound):
		writeError(w, err)
		return
	}

	if err := h.deps.Sessions.PutSession(r.Context(), &s); err != nil {
		writeError(w, err)
		return
	}

	if h.deps.Resolver != nil {
		h.deps.Resolver.InvalidateSession(id)
	}

	status := http.StatusOK
	if existing == nil {
		status = http.StatusCreated
	}

	writeJSON(w, status, &s)
}

// GetSession returns a session record.
func (h *Handler) GetSession(w http.ResponseWriter, r *http.Request) {
	sess, err := h.sessionFor(r, chi.URLParam(r, "id"))
	if err != nil {
		writeError(w, err)
		return
	}

	writeJSON(w, http.StatusOK, sess)
}

// AttachPolicyRequest names the policy to attach.
type AttachPolicyRequest struct {
	PolicyID string `json:"policyId"`
}

// AttachPolicy binds a policy to a session.
func (h *Handler) AttachPolicy(w http.ResponseWriter, r *http.Request) {
	id := chi.URLParam(r, "id")

	sess, err := h.sessionFor(r, id)
	if err != nil {
		writeError(w, err)
		return
	}

	var req AttachPolicyRequest
	if err := h.decodeJSON(w, r, &req, false); err != nil {
		writeError(w, err)
		return
	}

	if req.PolicyID == "" {
		writeError(w, apierrors.Validation("policyId is required"))
		return
	}

	p, err := h.deps.Policies.Get(r.Context(), req.PolicyID)
	if err != nil {
		writeError(w, err)
		return
	}

	if p.TenantID != sess.TenantID {
		writeError(w, apierrors.Validation("policy %s belongs to another tenant", req.PolicyID))
		return
	}

	updated, err := h.deps.Sessions.AttachPolicy(r.Context(), id, req.PolicyID)
	if err != nil {
		writeError(w, err)
		return
	}

	if h.deps.Resolver != nil {
		h.deps.Resolver.InvalidateSession(id)
	}

	h.emit(adminEvent(r, audit.EventPolicyChanged, "AttachPolicy", sess.TenantID, id).
		WithResult(audit.ResultSuccess).
		WithExtra("policy_id", req.PolicyID))

	writeJSON(w, http.StatusOK, updated)
}

// ResolvePolicy returns the policy currently in effect for a session.
func (h *Handler) ResolvePolicy(w http.ResponseWriter, r *http.Request) {
	id := chi.URLParam(r, "id")

	if _, err := h.sessionFor(r, id); err != nil {
		writeError(w, err)
		return
	}

	p, err := h.deps.Resolver.Resolve(r.Context(), id)
	if err != nil {
		writeError(w, err)
		return
	}

	writeJSON(w, http.StatusOK, p)
}
