package api

import (
	"net/http"

	"github.com/go-chi/chi/v5"
)

// ListSpecs возвращает зарегистрированные specs.
// GET /api/v1/specs
func (h *Handler) ListSpecs(w http.ResponseWriter, r *http.Request) {
	names := h.specs.Names()
	result := make([]SpecResponse, 0, len(names))
	for _, name := range names {
		spec, err := h.specs.Lookup(name)
		if err != nil {
			continue
		}
		result = append(result, SpecFromDomain(spec, h.runtime.IsFlow(name)))
	}

	List(w, result, len(result))
}

// GetSpec возвращает spec по имени.
// GET /api/v1/specs/{name}
func (h *Handler) GetSpec(w http.ResponseWriter, r *http.Request) {
	name := chi.URLParam(r, "name")

	spec, err := h.specs.Lookup(name)
	if HandleError(w, h.logger, err) {
		return
	}

	Success(w, SpecFromDomain(spec, h.runtime.IsFlow(name)))
}

// GetGraph возвращает граф flow в JSON или, с ?format=text, текстовое описание.
// GET /api/v1/specs/{name}/graph
func (h *Handler) GetGraph(w http.ResponseWriter, r *http.Request) {
	g, err := h.runtime.Graph(chi.URLParam(r, "name"))
	if HandleError(w, h.logger, err) {
		return
	}

	if r.URL.Query().Get("format") == "text" {
		w.Header().Set("Content-Type", "text/plain; charset=utf-8")
		w.WriteHeader(http.StatusOK)
		_, _ = w.Write([]byte(g.Describe()))
		return
	}

	Success(w, g)
}
