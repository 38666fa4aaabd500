package api

import (
	"net/http"

	"github.com/go-chi/chi/v5"
	"github.com/go-chi/chi/v5/middleware"
)

// Routes возвращает роутер со всеми маршрутами API.
func (h *Handler) Routes() http.Handler {
	r := chi.NewRouter()

	r.Use(middleware.RequestID)
	r.Use(Recovery(h.logger))
	r.Use(Logging(h.logger))

	r.NotFound(func(w http.ResponseWriter, _ *http.Request) {
		NotFound(w, "route not found")
	})
	r.MethodNotAllowed(func(w http.ResponseWriter, _ *http.Request) {
		MethodNotAllowed(w)
	})

	r.Route("/api/v1", func(r chi.Router) {
		// Specs
		r.Get("/specs", h.ListSpecs)
		r.Get("/specs/{name}", h.GetSpec)
		r.Get("/specs/{name}/graph", h.GetGraph)

		// Jobs
		r.Route("/projects/{project}/jobs", func(r chi.Router) {
			r.Post("/", h.EnqueueJob)
			r.Route("/{id}", func(r chi.Router) {
				r.Get("/", h.GetJob)
				r.Get("/history", h.GetHistory)
				r.Get("/state", h.GetFlowState)
				r.Post("/inputs/{tag}", h.FeedInput)
				r.Post("/inputs/{tag}/stream", h.StreamInput)
				r.Post("/inputs/{tag}/terminate", h.TerminateInput)
				r.Get("/outputs/{tag}/last", h.LastOutput)
			})
		})

		// Capacity
		r.Post("/capacity/increase", h.IncreaseCapacity)
	})

	return r
}
