package admin

import (
	"encoding/json"
	"fmt"
	"net/http"
	"strings"

	"github.com/go-chi/chi/v5"
	"gopkg.in/yaml.v3"
)

const defaultSpecMaxAge = 3600

// OpenAPIHandler serves the API description as YAML or JSON.
type OpenAPIHandler struct {
	specYAML []byte
	specJSON []byte
	maxAge   int
}

// NewOpenAPIHandler parses yamlSpec once and keeps both renderings.
func NewOpenAPIHandler(yamlSpec []byte) (*OpenAPIHandler, error) {
	var doc any
	if err := yaml.Unmarshal(yamlSpec, &doc); err != nil {
		return nil, fmt.Errorf("failed to parse OpenAPI document: %w", err)
	}

	specJSON, err := json.Marshal(stringKeys(doc))
	if err != nil {
		return nil, fmt.Errorf("failed to render OpenAPI document as JSON: %w", err)
	}

	return &OpenAPIHandler{specYAML: yamlSpec, specJSON: specJSON, maxAge: defaultSpecMaxAge}, nil
}

// stringKeys turns the map[any]any nodes YAML produces for non-string keys
// into JSON-encodable maps.
func stringKeys(v any) any {
	switch typed := v.(type) {
	case map[string]any:
		out := make(map[string]any, len(typed))
		for k, val := range typed {
			out[k] = stringKeys(val)
		}

		return out
	case map[any]any:
		out := make(map[string]any, len(typed))
		for k, val := range typed {
			out[fmt.Sprint(k)] = stringKeys(val)
		}

		return out
	case []any:
		out := make([]any, len(typed))
		for i, val := range typed {
			out[i] = stringKeys(val)
		}

		return out
	default:
		return v
	}
}

// RegisterRoutes mounts the document routes. They need no token.
func (h *OpenAPIHandler) RegisterRoutes(r chi.Router) {
	r.Get("/openapi", h.ServeOpenAPI)
	r.Get("/openapi.json", h.serve("json"))
	r.Get("/openapi.yaml", h.serve("yaml"))
}

// ServeOpenAPI picks the format from ?format= or the Accept header,
// defaulting to JSON.
func (h *OpenAPIHandler) ServeOpenAPI(w http.ResponseWriter, r *http.Request) {
	format := "json"
	if r.URL.Query().Get("format") == "yaml" || strings.Contains(r.Header.Get("Accept"), "yaml") {
		format = "yaml"
	}

	h.serve(format)(w, r)
}

func (h *OpenAPIHandler) serve(format string) http.HandlerFunc {
	body, contentType := h.specJSON, "application/json"
	if format == "yaml" {
		body, contentType = h.specYAML, "application/yaml"
	}

	return func(w http.ResponseWriter, _ *http.Request) {
		w.Header().Set("Content-Type", contentType)
		w.Header().Set("Cache-Control", fmt.Sprintf("public, max-age=%d", h.maxAge))
		w.WriteHeader(http.StatusOK)
		_, _ = w.Write(body)
	}
}
