package admin

import (
	"net/http"

	"github.com/go-chi/chi/v5"

	"github.com/piwi3910/podshield/internal/api/middleware"
	"github.com/piwi3910/podshield/internal/audit"
	"github.com/piwi3910/podshield/internal/auth"
	"github.com/piwi3910/podshield/internal/forensics"
	"github.com/piwi3910/podshield/pkg/apierrors"
)

func (h *Handler) registerForensicsRoutes(r chi.Router) {
	r.Group(func(r chi.Router) {
		r.Use(middleware.RequireRole(auth.RoleAdmin, auth.RoleReviewer))

		r.Post("/forensics/detect", h.Detect)
		r.Post("/forensics/scan-url", h.ScanURL)
		r.Post("/forensics/bulk-scan", h.BulkScan)
		r.Get("/forensics/detections", h.ListDetections)
		r.Get("/forensics/detections/{id}", h.GetDetection)
		r.Patch("/forensics/detections/{id}", h.UpdateDetection)
		r.Get("/forensics/stats", h.DetectionStats)
	})
}

func source(r *http.Request, t forensics.SourceType) forensics.Source {
	c := caller(r)

	src := forensics.Source{Type: t, Reporter: c.UserID()}
	if c.TenantID != auth.AllTenants {
		src.TenantID = c.TenantID
	}

	return src
}

// redact strips the session identity from a result the caller's tenant
// does not own. The detection is still recorded for its tenant.
func redact(r *http.Request, res *forensics.Result) *forensics.Result {
	if res == nil || !res.Detected || caller(r).CanAccessTenant(res.TenantID) {
		return res
	}

	return &forensics.Result{
		URL:        res.URL,
		Method:     res.Method,
		Confidence: res.Confidence,
		Detected:   true,
	}
}

// Detect screens an uploaded image.
func (h *Handler) Detect(w http.ResponseWriter, r *http.Request) {
	data, err := h.readImage(w, r)
	if err != nil {
		writeError(w, err)
		return
	}

	res, err := h.deps.Forensics.Detect(r.Context(), data, source(r, forensics.SourceUpload))
	if err != nil {
		writeError(w, err)
		return
	}

	writeJSON(w, http.StatusOK, redact(r, res))
}

// ScanURLRequest names one remote asset.
type ScanURLRequest struct {
	URL string `json:"url"`
}

// ScanURL fetches and screens a remote asset.
func (h *Handler) ScanURL(w http.ResponseWriter, r *http.Request) {
	var req ScanURLRequest
	if err := h.decodeJSON(w, r, &req, false); err != nil {
		writeError(w, err)
		return
	}

	if req.URL == "" {
		writeError(w, apierrors.Validation("url is required"))
		return
	}

	res, err := h.deps.Forensics.ScanURL(r.Context(), req.URL, source(r, forensics.SourceURL))
	if err != nil {
		writeError(w, err)
		return
	}

	writeJSON(w, http.StatusOK, redact(r, res))
}

// BulkScanRequest lists remote assets.
type BulkScanRequest struct {
	URLs []string `json:"urls"`
}

// BulkScanResponse keeps results in request order.
type BulkScanResponse struct {
	Results  []*forensics.Result `json:"results"`
	Scanned  int                 `json:"scanned"`
	Detected int                 `json:"detected"`
	Failed   int                 `json:"failed"`
}

// BulkScan screens many remote assets.
func (h *Handler) BulkScan(w http.ResponseWriter, r *http.Request) {
	var req BulkScanRequest
	if err := h.decodeJSON(w, r, &req, false); err != nil {
		writeError(w, err)
		return
	}

	results, err := h.deps.Forensics.BulkScan(r.Context(), req.URLs, source(r, forensics.SourceCrawl))
	if err != nil {
		writeError(w, err)
		return
	}

	resp := BulkScanResponse{Results: make([]*forensics.Result, len(results)), Scanned: len(results)}

	for i, res := range results {
		resp.Results[i] = redact(r, res)

		switch {
		case res.Error != "":
			resp.Failed++
		case res.Detected:
			resp.Detected++
		}
	}

	writeJSON(w, http.StatusOK, resp)
}

// ListDetections lists detections of the caller's tenant.
func (h *Handler) ListDetections(w http.ResponseWriter, r *http.Request) {
	page, limit, err := parsePaging(r)
	if err != nil {
		writeError(w, err)
		return
	}

	from, to, err := parseTimeRange(r)
	if err != nil {
		writeError(w, err)
		return
	}

	q := r.URL.Query()

	f := forensics.Filter{
		TenantID:   scopeTenant(r),
		SessionID:  q.Get("sessionId"),
		SourceType: forensics.SourceType(q.Get("sourceType")),
		From:       from,
		To:         to,
		Page:       page,
		Limit:      limit,
	}

	if s := q.Get("status"); s != "" {
		if f.Status, err = forensics.ParseStatus(s); err != nil {
			writeError(w, err)
			return
		}
	}

	list, err := h.deps.Forensics.List(r.Context(), f)
	if err != nil {
		writeError(w, err)
		return
	}

	writeJSON(w, http.StatusOK, list)
}

func (h *Handler) detectionFor(r *http.Request, id string) (*forensics.Detection, error) {
	d, err := h.deps.Forensics.Get(r.Context(), id)
	if err != nil {
		return nil, err
	}

	if err := visible(r, d.TenantID, "detection", id); err != nil {
		return nil, err
	}

	return d, nil
}

// GetDetection returns one detection.
func (h *Handler) GetDetection(w http.ResponseWriter, r *http.Request) {
	d, err := h.detectionFor(r, chi.URLParam(r, "id"))
	if err != nil {
		writeError(w, err)
		return
	}

	writeJSON(w, http.StatusOK, d)
}

// UpdateDetection applies a reviewer update to an investigation.
func (h *Handler) UpdateDetection(w http.ResponseWriter, r *http.Request) {
	id := chi.URLParam(r, "id")

	current, err := h.detectionFor(r, id)
	if err != nil {
		writeError(w, err)
		return
	}

	// Evidence blobs ride in the body, so it may be as large as an image.
	var u forensics.Update
	if err := decodeLimited(w, r, &u, false, h.cfg.MaxImageBytes); err != nil {
		writeError(w, err)
		return
	}

	if u.Status != "" {
		if u.Status, err = forensics.ParseStatus(string(u.Status)); err != nil {
			writeError(w, err)
			return
		}
	}

	u.Author = caller(r).UserID()

	updated, err := h.deps.Forensics.UpdateInvestigation(r.Context(), id, u)

	event := adminEvent(r, audit.EventInvestigationUpdate, "UpdateInvestigation", current.TenantID, current.SessionID).
		WithExtra("detection_id", id).
		WithExtra("from", string(current.Status)).
		WithExtra("to", string(u.Status))

	if err != nil {
		h.emit(event.WithResult(audit.ResultFailure).WithExtra("error", err.Error()))
		writeError(w, err)

		return
	}

	h.emit(event.WithResult(audit.ResultSuccess))

	writeJSON(w, http.StatusOK, updated)
}

// DetectionStats returns the caller's tenant statistics.
func (h *Handler) DetectionStats(w http.ResponseWriter, r *http.Request) {
	tenant := scopeTenant(r)
	if tenant == "" {
		writeError(w, apierrors.Validation("tenantId is required"))
		return
	}

	stats, err := h.deps.Forensics.Stats(r.Context(), tenant)
	if err != nil {
		writeError(w, err)
		return
	}

	writeJSON(w, http.StatusOK, stats)
}
