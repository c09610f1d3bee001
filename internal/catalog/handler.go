package catalog

import (
	"encoding/json"
	"net/http"
)

// Handler serves the catalog endpoints. The builder is looked up per request
// so a configuration reload is reflected immediately.
type Handler struct {
	current func() *Builder
}

// NewHandler creates a catalog HTTP handler.
func NewHandler(current func() *Builder) *Handler {
	return &Handler{current: current}
}

// Catalog returns the route catalog as JSON.
func (h *Handler) Catalog(w http.ResponseWriter, r *http.Request) {
	writeJSON(w, h.current().Build())
}

// OpenAPI returns the OpenAPI document as JSON.
func (h *Handler) OpenAPI(w http.ResponseWriter, r *http.Request) {
	writeJSON(w, h.current().OpenAPI())
}

func writeJSON(w http.ResponseWriter, v any) {
	w.Header().Set("Content-Type", "application/json")
	json.NewEncoder(w).Encode(v)
}
