package main

import (
	"net/http"

	"github.com/UniQw/taskpoll"
	"github.com/go-chi/chi/v5"
	"github.com/go-chi/chi/v5/middleware"
)

// setupRouter mounts one long-poll route per task type under /tasks and the job
// inspection routes under /jobs.
func (app *application) setupRouter() http.Handler {
	r := chi.NewRouter()
	r.Use(middleware.RequestID)
	r.Use(middleware.RealIP)
	r.Use(middleware.Recoverer)

	r.Route("/tasks", func(r chi.Router) {
		if app.gate != nil {
			r.Use(app.gate.Middleware)
		}
		for _, name := range taskNames {
			// literal routes: a task is bound to the exact route pattern it was started on
			r.Post("/"+name, app.mgr.Endpoint(name, taskpoll.WithPollTimeout(app.cfg.Tasks.PollTimeout)).ServeHTTP)
		}
	})

	r.Route("/jobs", func(r chi.Router) {
		if app.gate != nil {
			r.Use(app.gate.Middleware)
		}
		r.Get("/{queue}", app.listJobs)
		r.Delete("/{queue}/{id}", app.deleteJob)
	})

	r.Get("/healthz", func(w http.ResponseWriter, r *http.Request) {
		if err := app.rdb.Ping(r.Context()).Err(); err != nil {
			app.log.Warnf("health check failed: %v", err)
			http.Error(w, "redis unavailable", http.StatusServiceUnavailable)
			return
		}
		w.WriteHeader(http.StatusOK)
		_, _ = w.Write([]byte("OK"))
	})
	return r
}
