package admin

import (
	"net/http"

	"github.com/go-chi/chi/v5"

	"github.com/piwi3910/podshield/internal/api/middleware"
	"github.com/piwi3910/podshield/internal/audit"
	"github.com/piwi3910/podshield/internal/auth"
	"github.com/piwi3910/podshield/internal/dlp"
	"github.com/piwi3910/podshield/pkg/apierrors"
)

func (h *Handler) registerTransferRoutes(r chi.Router) {
	if h.deps.Evaluator != nil && h.deps.Sessions != nil {
		r.With(middleware.RequireRole(auth.RoleAdmin, auth.RoleService)).
			Post("/transfers/evaluate", h.EvaluateTransfer)
	}

	if h.deps.Records != nil {
		readers := middleware.RequireRole(auth.RoleAdmin, auth.RoleReviewer)

		r.With(readers).Get("/transfers", h.ListTransfers)
		r.With(readers).Get("/violations", h.ListViolations)
	}
}

// EvaluateRequest mirrors the real-time policy_check for clients that do
// not hold a channel. Content carries text; ContentBase64 carries binary
// payloads and wins when both are set.
type EvaluateRequest struct {
	Metadata      *dlp.Metadata `json:"metadata,omitempty"`
	SessionID     string        `json:"sessionId"`
	RequestID     string        `json:"requestId,omitempty"`
	Action        string        `json:"action"`
	Content       string        `json:"content,omitempty"`
	ContentBase64 []byte        `json:"contentBase64,omitempty"`
	FileName      string        `json:"fileName,omitempty"`
	MimeType      string        `json:"mimeType,omitempty"`
	FileSize      int64         `json:"fileSize,omitempty"`
}

// EvaluateResponse is the decision plus the derived detection flag.
type EvaluateResponse struct {
	*dlp.Decision
	SensitiveDataDetected bool `json:"sensitiveDataDetected"`
}

// EvaluateTransfer decides one transfer request.
func (h *Handler) EvaluateTransfer(w http.ResponseWriter, r *http.Request) {
	var req EvaluateRequest
	if err := h.decodeJSON(w, r, &req, false); err != nil {
		writeError(w, err)
		return
	}

	if req.SessionID == "" {
		writeError(w, apierrors.Validation("sessionId is required"))
		return
	}

	if _, err := h.sessionFor(r, req.SessionID); err != nil {
		writeError(w, err)
		return
	}

	action, err := dlp.ParseAction(req.Action)
	if err != nil {
		writeError(w, err)
		return
	}

	tr := &dlp.TransferRequest{
		SessionID: req.SessionID,
		RequestID: req.RequestID,
		Action:    action,
		FileName:  req.FileName,
		MimeType:  req.MimeType,
		FileSize:  req.FileSize,
	}

	switch {
	case len(req.ContentBase64) > 0:
		tr.Content = req.ContentBase64
	case req.Content != "":
		tr.Content = []byte(req.Content)
	}

	tr.ApplyMetadata(req.Metadata)

	d, err := h.deps.Evaluator.EvaluateTransfer(r.Context(), tr)
	if err != nil {
		writeError(w, err)
		return
	}

	writeJSON(w, http.StatusOK, EvaluateResponse{Decision: d, SensitiveDataDetected: d.SensitiveDataDetected()})
}

func (h *Handler) recordFilter(r *http.Request) (audit.Filter, error) {
	page, limit, err := parsePaging(r)
	if err != nil {
		return audit.Filter{}, err
	}

	from, to, err := parseTimeRange(r)
	if err != nil {
		return audit.Filter{}, err
	}

	return audit.Filter{
		TenantID:  scopeTenant(r),
		SessionID: r.URL.Query().Get("sessionId"),
		From:      from,
		To:        to,
		Page:      page,
		Limit:     limit,
	}, nil
}

// ListTransfers lists transfer attempts newest first.
func (h *Handler) ListTransfers(w http.ResponseWriter, r *http.Request) {
	f, err := h.recordFilter(r)
	if err != nil {
		writeError(w, err)
		return
	}

	page, err := h.deps.Records.ListAttempts(r.Context(), f)
	if err != nil {
		writeError(w, err)
		return
	}

	writeJSON(w, http.StatusOK, page)
}

// ListViolations lists security violations newest first.
func (h *Handler) ListViolations(w http.ResponseWriter, r *http.Request) {
	f, err := h.recordFilter(r)
	if err != nil {
		writeError(w, err)
		return
	}

	page, err := h.deps.Records.ListViolations(r.Context(), f)
	if err != nil {
		writeError(w, err)
		return
	}

	writeJSON(w, http.StatusOK, page)
}
