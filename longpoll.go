package taskpoll

import (
	"bytes"
	"context"
	"errors"
	"io"
	"net/http"
	"time"

	"github.com/go-chi/chi/v5"
)

const maxBodyBytes = 1 << 20

// PollRequest is the body of both initiation and poll requests.
// A request without ID starts a new task.
type PollRequest struct {
	ID string `json:"id,omitempty"`
	// Timestamp is the checkpoint from the previous response, in unix milliseconds.
	Timestamp float64        `json:"timestamp,omitempty"`
	TaskData  map[string]any `json:"taskData,omitempty"`
}

// Initiator starts the task for an initiation request.
type Initiator func(ctx context.Context, r *http.Request, req PollRequest) (*TaskState, error)

// Endpoint serves the long-poll protocol for one task type.
type Endpoint struct {
	m         *Manager
	name      string
	initiator Initiator
	timeout   time.Duration
	route     string
}

type taskResponse struct {
	Task TaskView `json:"task"`
}

// Endpoint returns an http.Handler for tasks named name. Mount it on exactly one
// route: polls are only answered on the route the task was started on.
func (m *Manager) Endpoint(name string, opts ...EndpointOption) *Endpoint {
	e := &Endpoint{m: m, name: name, timeout: DefaultPollTimeout}
	e.initiator = func(ctx context.Context, _ *http.Request, req PollRequest) (*TaskState, error) {
		return m.SubmitTask(ctx, Spec{Name: name, TaskData: req.TaskData})
	}
	for _, opt := range opts {
		opt(e)
	}
	return e
}

func (e *Endpoint) ServeHTTP(w http.ResponseWriter, r *http.Request) {
	if r.Method != http.MethodPost {
		w.Header().Set("Allow", http.MethodPost)
		http.Error(w, http.StatusText(http.StatusMethodNotAllowed), http.StatusMethodNotAllowed)
		return
	}

	var req PollRequest
	body, err := io.ReadAll(http.MaxBytesReader(w, r.Body, maxBodyBytes))
	if err != nil {
		http.Error(w, "unreadable body", http.StatusBadRequest)
		return
	}
	if len(bytes.TrimSpace(body)) > 0 {
		if err := e.m.enc.Decode(body, &req); err != nil {
			http.Error(w, "malformed body", http.StatusBadRequest)
			return
		}
	}

	route := e.routeOf(r)
	if req.ID == "" {
		e.initiate(w, r, req, route)
		return
	}
	e.poll(w, r, req, route)
}

func (e *Endpoint) initiate(w http.ResponseWriter, r *http.Request, req PollRequest, route string) {
	ctx := r.Context()
	st, err := e.initiator(ctx, r, req)
	if err == nil && st == nil {
		err = errors.New("initiator returned no task")
	}
	if err != nil {
		e.m.log.Errorf("task initiation failed: name=%s route=%s err=%v", e.name, route, err)
		e.write(w, TerminalView(""))
		return
	}
	bound, err := e.m.BindRoute(ctx, st.ID, route)
	if err != nil {
		e.m.log.Errorf("task route binding failed: task=%s route=%s err=%v", st.ID, route, err)
		e.write(w, TerminalView(st.ID))
		return
	}
	e.write(w, bound.View())
}

func (e *Endpoint) poll(w http.ResponseWriter, r *http.Request, req PollRequest, route string) {
	ctx := r.Context()
	since := int64(req.Timestamp)

	st, err := e.m.GetTaskState(ctx, req.ID)
	if err != nil {
		if !errors.Is(err, ErrTaskNotFound) {
			e.m.log.Errorf("task load failed: task=%s err=%v", req.ID, err)
		}
		e.write(w, TerminalView(req.ID))
		return
	}
	if st.Route != route {
		e.m.log.Warnf("%v: task=%s stored=%s got=%s", ErrRouteMismatch, st.ID, st.Route, route)
		http.Error(w, http.StatusText(http.StatusBadRequest), http.StatusBadRequest)
		return
	}
	if st.IsChanged(since) {
		e.write(w, st.View())
		return
	}

	next, err := e.m.WaitForChange(ctx, req.ID, since, e.timeout)
	switch {
	case errors.Is(err, ErrTaskNotFound):
		e.write(w, TerminalView(req.ID))
	case ctx.Err() != nil:
		// client went away
	case err != nil:
		e.m.log.Errorf("task wait failed: task=%s err=%v", req.ID, err)
		e.write(w, st.View())
	default:
		e.write(w, next.View())
	}
}

// routeOf is the chi route pattern when routed through chi, else the request path.
func (e *Endpoint) routeOf(r *http.Request) string {
	if e.route != "" {
		return e.route
	}
	if rctx := chi.RouteContext(r.Context()); rctx != nil {
		if p := rctx.RoutePattern(); p != "" {
			return p
		}
	}
	return r.URL.Path
}

func (e *Endpoint) write(w http.ResponseWriter, v TaskView) {
	b, err := e.m.enc.Encode(taskResponse{Task: v})
	if err != nil {
		e.m.log.Errorf("response encode failed: task=%s err=%v", v.ID, err)
		http.Error(w, http.StatusText(http.StatusInternalServerError), http.StatusInternalServerError)
		return
	}
	w.Header().Set("Content-Type", "application/json")
	_, _ = w.Write(b)
}
