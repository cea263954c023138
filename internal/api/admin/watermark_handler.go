package admin

import (
	"errors"
	"io"
	"mime"
	"net/http"

	"github.com/go-chi/chi/v5"

	"github.com/piwi3910/podshield/internal/api/middleware"
	"github.com/piwi3910/podshield/internal/auth"
	"github.com/piwi3910/podshield/internal/watermark"
	"github.com/piwi3910/podshield/pkg/apierrors"
)

// imageField is the multipart field carrying an uploaded image.
const imageField = "image"

func (h *Handler) registerWatermarkRoutes(r chi.Router) {
	admins := middleware.RequireRole(auth.RoleAdmin)
	readers := middleware.RequireRole(auth.RoleAdmin, auth.RoleReviewer)

	r.With(admins).Post("/watermarks/configs", h.CreateWatermarkConfig)
	r.With(readers).Get("/watermarks/configs", h.ListWatermarkConfigs)
	r.With(readers).Get("/watermarks/configs/{id}", h.GetWatermarkConfig)
	r.With(admins).Put("/watermarks/configs/{id}", h.UpdateWatermarkConfig)
	r.With(admins).Delete("/watermarks/configs/{id}", h.DeleteWatermarkConfig)

	if h.deps.Sessions == nil {
		return
	}

	lifecycle := middleware.RequireRole(auth.RoleAdmin, auth.RoleService)

	r.With(lifecycle).Post("/watermarks/sessions/{id}", h.InitializeWatermark)
	r.With(lifecycle).Post("/watermarks/sessions/{id}/refresh", h.RefreshWatermark)
	r.With(middleware.RequireRole(auth.RoleAdmin, auth.RoleReviewer, auth.RoleService)).
		Get("/watermarks/sessions/{id}", h.GetWatermark)
	r.With(lifecycle).Delete("/watermarks/sessions/{id}", h.DiscardWatermark)
	r.With(lifecycle).Post("/watermarks/sessions/{id}/embed", h.EmbedWatermark)
}

func (h *Handler) configFor(r *http.Request, id string) (*watermark.Configuration, error) {
	c, err := h.deps.Watermarks.GetConfig(r.Context(), id)
	if err != nil {
		return nil, err
	}

	if err := visible(r, c.TenantID, "watermark configuration", id); err != nil {
		return nil, err
	}

	return c, nil
}

// CreateWatermarkConfig stores a watermark configuration.
func (h *Handler) CreateWatermarkConfig(w http.ResponseWriter, r *http.Request) {
	var c watermark.Configuration
	if err := h.decodeJSON(w, r, &c, false); err != nil {
		writeError(w, err)
		return
	}

	tenant, err := ownTenant(r, c.TenantID)
	if err != nil {
		writeError(w, err)
		return
	}

	c.TenantID = tenant

	created, err := h.deps.Watermarks.CreateConfig(r.Context(), &c)
	if err != nil {
		writeError(w, err)
		return
	}

	writeJSON(w, http.StatusCreated, created)
}

// ListWatermarkConfigs lists the caller's tenant configurations.
func (h *Handler) ListWatermarkConfigs(w http.ResponseWriter, r *http.Request) {
	tenant := scopeTenant(r)
	if tenant == "" {
		writeError(w, apierrors.Validation("tenantId is required"))
		return
	}

	list, err := h.deps.Watermarks.ListConfigs(r.Context(), tenant)
	if err != nil {
		writeError(w, err)
		return
	}

	if list == nil {
		list = []*watermark.Configuration{}
	}

	writeJSON(w, http.StatusOK, map[string]any{"configs": list, "total": len(list)})
}

// GetWatermarkConfig returns one configuration.
func (h *Handler) GetWatermarkConfig(w http.ResponseWriter, r *http.Request) {
	c, err := h.configFor(r, chi.URLParam(r, "id"))
	if err != nil {
		writeError(w, err)
		return
	}

	writeJSON(w, http.StatusOK, c)
}

// UpdateWatermarkConfig replaces a configuration.
func (h *Handler) UpdateWatermarkConfig(w http.ResponseWriter, r *http.Request) {
	id := chi.URLParam(r, "id")

	if _, err := h.configFor(r, id); err != nil {
		writeError(w, err)
		return
	}

	var c watermark.Configuration
	if err := h.decodeJSON(w, r, &c, false); err != nil {
		writeError(w, err)
		return
	}

	updated, err := h.deps.Watermarks.UpdateConfig(r.Context(), id, &c)
	if err != nil {
		writeError(w, err)
		return
	}

	writeJSON(w, http.StatusOK, updated)
}

// DeleteWatermarkConfig removes a configuration.
func (h *Handler) DeleteWatermarkConfig(w http.ResponseWriter, r *http.Request) {
	id := chi.URLParam(r, "id")

	if _, err := h.configFor(r, id); err != nil {
		writeError(w, err)
		return
	}

	if err := h.deps.Watermarks.DeleteConfig(r.Context(), id); err != nil {
		writeError(w, err)
		return
	}

	w.WriteHeader(http.StatusNoContent)
}

// InitializeWatermark creates the session's watermark instance. The body
// is optional.
func (h *Handler) InitializeWatermark(w http.ResponseWriter, r *http.Request) {
	id := chi.URLParam(r, "id")

	if _, err := h.sessionFor(r, id); err != nil {
		writeError(w, err)
		return
	}

	var req watermark.InitRequest
	if err := h.decodeJSON(w, r, &req, true); err != nil {
		writeError(w, err)
		return
	}

	inst, err := h.deps.Watermarks.InitializeInstance(r.Context(), id, req)
	if err != nil {
		writeError(w, err)
		return
	}

	writeJSON(w, http.StatusCreated, inst)
}

// RefreshWatermark regenerates the session overlay.
func (h *Handler) RefreshWatermark(w http.ResponseWriter, r *http.Request) {
	id := chi.URLParam(r, "id")

	if _, err := h.sessionFor(r, id); err != nil {
		writeError(w, err)
		return
	}

	inst, err := h.deps.Watermarks.RefreshInstance(r.Context(), id)
	if err != nil {
		writeError(w, err)
		return
	}

	writeJSON(w, http.StatusOK, inst)
}

// GetWatermark returns the session's instance.
func (h *Handler) GetWatermark(w http.ResponseWriter, r *http.Request) {
	id := chi.URLParam(r, "id")

	if _, err := h.sessionFor(r, id); err != nil {
		writeError(w, err)
		return
	}

	inst, err := h.deps.Watermarks.GetInstance(r.Context(), id)
	if err != nil {
		writeError(w, err)
		return
	}

	writeJSON(w, http.StatusOK, inst)
}

// DiscardWatermark removes the session's instance at session end. The
// session record may already be gone, so only the instance is checked.
func (h *Handler) DiscardWatermark(w http.ResponseWriter, r *http.Request) {
	id := chi.URLParam(r, "id")

	inst, err := h.deps.Watermarks.GetInstance(r.Context(), id)
	if err != nil {
		writeError(w, err)
		return
	}

	if err := visible(r, inst.TenantID, "watermark instance", id); err != nil {
		writeError(w, err)
		return
	}

	if err := h.deps.Watermarks.DiscardInstance(r.Context(), id); err != nil {
		writeError(w, err)
		return
	}

	w.WriteHeader(http.StatusNoContent)
}

// EmbedWatermark embeds the session payload into an uploaded image and
// returns it as PNG.
func (h *Handler) EmbedWatermark(w http.ResponseWriter, r *http.Request) {
	id := chi.URLParam(r, "id")

	if _, err := h.sessionFor(r, id); err != nil {
		writeError(w, err)
		return
	}

	data, err := h.readImage(w, r)
	if err != nil {
		writeError(w, err)
		return
	}

	out, err := h.deps.Watermarks.Embed(r.Context(), id, data)
	if err != nil {
		writeError(w, err)
		return
	}

	w.Header().Set("Content-Type", "image/png")
	w.WriteHeader(http.StatusOK)
	_, _ = w.Write(out)
}

// readImage reads an image either from the "image" field of a multipart
// form or from the raw request body.
func (h *Handler) readImage(w http.ResponseWriter, r *http.Request) ([]byte, error) {
	r.Body = http.MaxBytesReader(w, r.Body, h.cfg.MaxImageBytes)

	var src io.Reader = r.Body

	if mediaType, _, _ := mime.ParseMediaType(r.Header.Get("Content-Type")); mediaType == "multipart/form-data" {
		if err := r.ParseMultipartForm(h.cfg.MaxImageBytes); err != nil {
			return nil, imageReadError(err)
		}

		f, _, err := r.FormFile(imageField)
		if err != nil {
			return nil, apierrors.Validation("multipart field %q is required", imageField)
		}
		defer f.Close()

		src = f
	}

	data, err := io.ReadAll(src)
	if err != nil {
		return nil, imageReadError(err)
	}

	if len(data) == 0 {
		return nil, apierrors.Validation("image body is empty")
	}

	return data, nil
}

func imageReadError(err error) error {
	var tooLarge *http.MaxBytesError
	if errors.As(err, &tooLarge) {
		return apierrors.Validation("image exceeds %d bytes", tooLarge.Limit)
	}

	return apierrors.Validation("cannot read image: %s", err.Error())
}
