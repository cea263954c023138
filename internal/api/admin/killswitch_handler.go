package admin

import (
	"net/http"

	"github.com/go-chi/chi/v5"

	"github.com/piwi3910/podshield/internal/api/middleware"
	"github.com/piwi3910/podshield/internal/audit"
	"github.com/piwi3910/podshield/internal/auth"
	"github.com/piwi3910/podshield/internal/killswitch"
)

func (h *Handler) registerKillSwitchRoutes(r chi.Router) {
	r.With(middleware.RequireRole(auth.RoleAdmin)).Post("/killswitch/sessions/{id}", h.KillSession)
	r.With(middleware.RequireRole(auth.RoleAdmin, auth.RoleReviewer)).Get("/killswitch/events", h.ListKillEvents)
}

// KillSessionRequest carries the operator's reason.
type KillSessionRequest struct {
	Reason string `json:"reason"`
}

// KillSessionResponse reports the kill event and whether this call caused it.
type KillSessionResponse struct {
	Event   *killswitch.KillEvent `json:"event"`
	Created bool                  `json:"created"`
}

// KillSession activates the kill switch for a session. Repeated calls
// return the original event with 200.
func (h *Handler) KillSession(w http.ResponseWriter, r *http.Request) {
	id := chi.URLParam(r, "id")

	sess, err := h.sessionFor(r, id)
	if err != nil {
		writeError(w, err)
		return
	}

	var req KillSessionRequest
	if err := h.decodeJSON(w, r, &req, true); err != nil {
		writeError(w, err)
		return
	}

	event, created, err := h.deps.Kill.Activate(r.Context(), killswitch.Request{
		SessionID:   id,
		Reason:      req.Reason,
		Trigger:     killswitch.TriggerManual,
		TriggeredBy: caller(r).UserID(),
	})
	if err != nil {
		writeError(w, err)
		return
	}

	status := http.StatusOK
	if created {
		status = http.StatusCreated

		h.emit(adminEvent(r, audit.EventKillSwitch, "KillSession", sess.TenantID, id).
			WithResult(audit.ResultSuccess).
			WithExtra("kill_event_id", event.ID).
			WithExtra("reason", event.Reason))
	}

	writeJSON(w, status, KillSessionResponse{Event: event, Created: created})
}

// ListKillEvents lists kill events of the caller's tenant.
func (h *Handler) ListKillEvents(w http.ResponseWriter, r *http.Request) {
	page, limit, err := parsePaging(r)
	if err != nil {
		writeError(w, err)
		return
	}

	list, err := h.deps.Kill.ListEvents(r.Context(), killswitch.Filter{
		TenantID:  scopeTenant(r),
		SessionID: r.URL.Query().Get("sessionId"),
		Page:      page,
		Limit:     limit,
	})
	if err != nil {
		writeError(w, err)
		return
	}

	writeJSON(w, http.StatusOK, list)
}
