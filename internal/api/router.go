// Package api exposes the scanner over HTTP: task lifecycle endpoints,
// rate-limit introspection, and a websocket progress stream.
package api

import (
	"github.com/go-chi/chi/v5"
	"github.com/go-chi/chi/v5/middleware"
)

// NewRouter assembles the HTTP routes.
func NewRouter(tasks *TaskHandler, prog *ProgressHandler) *chi.Mux {
	router := chi.NewRouter()

	router.Use(middleware.RequestID)
	router.Use(middleware.RealIP)
	router.Use(middleware.Recoverer)

	router.Get("/healthz", tasks.Healthz)

	router.Route("/api", func(r chi.Router) {
		r.Post("/tasks", tasks.Submit)
		r.Get("/tasks", tasks.List)
		r.Get("/tasks/{id}", tasks.Get)
		r.Delete("/tasks/{id}", tasks.Cancel)

		r.Get("/task-types", tasks.ListTypes)
		r.Get("/limits/{principal}", tasks.GetLimits)

		r.Get("/ws/progress", prog.Serve)
	})

	return router
}
