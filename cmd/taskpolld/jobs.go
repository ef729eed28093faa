package main

import (
	"context"
	"errors"
	"net/http"
	"time"

	"github.com/UniQw/taskpoll/jobqueue"
	"github.com/UniQw/taskpoll/logging"
	"github.com/bytedance/sonic"
	"github.com/go-chi/chi/v5"
)

// jobTiming logs the run time of every job executed by this process.
func jobTiming(l logging.Logger) jobqueue.Middleware {
	return func(next jobqueue.HandlerFunc) jobqueue.HandlerFunc {
		return func(ctx context.Context, payload []byte) error {
			start := time.Now()
			err := next(ctx, payload)
			if info, ok := jobqueue.JobFromContext(ctx); ok {
				l.Debugf("job finished: id=%s queue=%s took=%s err=%v", info.ID, info.Queue, time.Since(start), err)
			}
			return err
		}
	}
}

// listJobs serves GET /jobs/{queue}. Without ?state it returns every state.
func (app *application) listJobs(w http.ResponseWriter, r *http.Request) {
	q := app.queues.Queue(chi.URLParam(r, "queue"))

	states := jobqueue.AllStates
	if raw := r.URL.Query().Get("state"); raw != "" {
		st, err := jobqueue.ParseState(raw)
		if err != nil {
			respondError(w, http.StatusBadRequest, err.Error())
			return
		}
		states = []jobqueue.State{st}
	}

	out := make(map[string][]*jobqueue.Job, len(states))
	for _, st := range states {
		jobs, err := q.List(r.Context(), st)
		if err != nil {
			app.log.Errorf("job list failed: queue=%s state=%s err=%v", q.Name(), st, err)
			respondError(w, http.StatusInternalServerError, "job list failed")
			return
		}
		out[st.String()] = jobs
	}
	respondJSON(w, http.StatusOK, out)
}

// deleteJob serves DELETE /jobs/{queue}/{id}.
func (app *application) deleteJob(w http.ResponseWriter, r *http.Request) {
	q := app.queues.Queue(chi.URLParam(r, "queue"))
	id := chi.URLParam(r, "id")

	err := q.Delete(r.Context(), id)
	switch {
	case err == nil:
		w.WriteHeader(http.StatusNoContent)
	case errors.Is(err, jobqueue.ErrJobNotFound):
		respondError(w, http.StatusNotFound, err.Error())
	case errors.Is(err, jobqueue.ErrActiveState):
		respondError(w, http.StatusConflict, err.Error())
	default:
		app.log.Errorf("job delete failed: queue=%s id=%s err=%v", q.Name(), id, err)
		respondError(w, http.StatusInternalServerError, "job delete failed")
	}
}

func respondJSON(w http.ResponseWriter, status int, v any) {
	b, err := sonic.Marshal(v)
	if err != nil {
		http.Error(w, "encode failed", http.StatusInternalServerError)
		return
	}
	w.Header().Set("Content-Type", "application/json")
	w.WriteHeader(status)
	_, _ = w.Write(b)
}

func respondError(w http.ResponseWriter, status int, msg string) {
	respondJSON(w, status, map[string]string{"error": msg})
}
