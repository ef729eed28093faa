// Package taskpoll synchronizes client-visible state of long-running background tasks.
//
// A Manager owns durable task state records, submits work to a jobqueue, adapts queue
// workers so they operate on task state, and bridges native job progress notifications
// into a local per-task publish/subscribe hub. An Endpoint exposes the long-poll
// protocol over HTTP: clients initiate a task, then poll with the last timestamp they
// observed and are answered as soon as the task changes or a bounded wait elapses.
package taskpoll

import (
	"time"

	"github.com/UniQw/taskpoll/store"
)

// TaskState is the full state of one task.
type TaskState struct {
	ID          string
	Name        string
	JobID       string
	Progress    float64
	Completed   bool
	TaskData    map[string]any
	TaskResults map[string]any
	// Timestamp is the record's last modification time in unix milliseconds.
	Timestamp int64
	Lifespan  time.Duration
	Route     string
	ExpiresAt time.Time
	CreatedAt time.Time
}

// TaskView is the client-facing subset of TaskState.
type TaskView struct {
	ID          string         `json:"id"`
	Progress    float64        `json:"progress"`
	TaskResults map[string]any `json:"taskResults"`
	Completed   bool           `json:"completed"`
	Timestamp   int64          `json:"timestamp"`
}

// View strips internal fields. A nil state yields TerminalView("").
func (s *TaskState) View() TaskView {
	if s == nil {
		return TerminalView("")
	}
	return TaskView{
		ID:          s.ID,
		Progress:    s.Progress,
		TaskResults: s.TaskResults,
		Completed:   s.Completed,
		Timestamp:   s.Timestamp,
	}
}

// TerminalView is returned for tasks whose record no longer exists.
func TerminalView(id string) TaskView {
	return TaskView{ID: id, Progress: 1, Completed: true}
}

// IsChanged reports whether a poller that last saw checkpoint since should be answered:
// the task is gone, completed, or modified after since.
func (s *TaskState) IsChanged(since int64) bool {
	return s == nil || s.Completed || s.Timestamp > since
}

// Spec describes a task to create.
type Spec struct {
	Name     string
	Progress float64
	TaskData map[string]any
	// Lifespan overrides the manager default when positive.
	Lifespan time.Duration
}

// NamedTask is the Spec for a bare task-type name.
func NamedTask(name string) Spec { return Spec{Name: name} }

// Properties is a partial update of a task. Nil fields are left untouched.
type Properties struct {
	Progress    *float64
	TaskData    map[string]any
	TaskResults map[string]any
}

// ProgressOnly is the Properties for a bare progress value.
func ProgressOnly(p float64) Properties { return Properties{Progress: &p} }

// apply merges p into r and recomputes the derived fields.
func (p Properties) apply(r *store.Record, now time.Time) {
	if p.Progress != nil {
		r.Progress = *p.Progress
		r.Completed = r.Progress >= 1
	}
	r.TaskData = merge(r.TaskData, p.TaskData)
	r.TaskResults = merge(r.TaskResults, p.TaskResults)
	r.ExpiresAt = now.Add(time.Duration(r.Lifespan) * time.Millisecond).UnixMilli()
}

// merge overwrites dst key-wise with src, keeping keys src does not mention.
func merge(dst, src map[string]any) map[string]any {
	if len(src) == 0 {
		return dst
	}
	if dst == nil {
		dst = make(map[string]any, len(src))
	}
	for k, v := range src {
		dst[k] = v
	}
	return dst
}

func stateFromRecord(r *store.Record) *TaskState {
	return &TaskState{
		ID:          r.ID,
		Name:        r.Name,
		JobID:       r.JobID,
		Progress:    r.Progress,
		Completed:   r.Completed,
		TaskData:    r.TaskData,
		TaskResults: r.TaskResults,
		Timestamp:   r.UpdatedAt,
		Lifespan:    time.Duration(r.Lifespan) * time.Millisecond,
		Route:       r.Route,
		ExpiresAt:   time.UnixMilli(r.ExpiresAt),
		CreatedAt:   time.UnixMilli(r.CreatedAt),
	}
}

// jobPayload is the job queue payload linking a job to its task.
type jobPayload struct {
	TaskID string `json:"task_id"`
}
