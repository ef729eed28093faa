package jobqueue

import "github.com/UniQw/taskpoll/internal/worker"

// Job is a unit of work held by the queue engine.
// Its fields are stored in a Redis hash so that progress can be updated in place.
type Job struct {
	// ID is the unique identifier for the job.
	ID string `json:"id"`
	// Queue is the name of the queue this job belongs to.
	Queue string `json:"queue"`
	// Payload is the raw job data.
	Payload []byte `json:"payload"`
	// State is the job's current lifecycle state.
	State State `json:"state"`
	// Progress is the native job progress (0..100).
	Progress int `json:"progress"`
	// Retention is the duration (in seconds) to keep the job after successful completion.
	Retention int64 `json:"retention"`
	// ErrRetention is the duration (in seconds) to keep the job after it failed.
	ErrRetention int64 `json:"err_retention,omitempty"`
	// CreatedAt is the timestamp (ms) when the job was submitted.
	CreatedAt int64 `json:"created_at,omitempty"`
	// StartedAt is the timestamp (ms) when a worker started processing the job.
	StartedAt int64 `json:"started_at,omitempty"`
	// CompletedAt is the timestamp (ms) when the job finished (success or failure).
	CompletedAt int64 `json:"completed_at,omitempty"`
	// LastError is the error message of the failed execution.
	LastError string `json:"last_error,omitempty"`
}

// ProgressEvent is published on a queue's progress channel whenever a job's
// native progress is written.
type ProgressEvent struct {
	Queue    string `json:"queue"`
	JobID    string `json:"job_id"`
	Progress int    `json:"progress"`
	// Payload is the job payload at the time of the write.
	Payload []byte `json:"payload,omitempty"`
}

func fromRecord(r *worker.Record) *Job {
	return &Job{
		ID:           r.ID,
		Queue:        r.Queue,
		Payload:      r.Payload,
		State:        State(r.State),
		Progress:     r.Progress,
		Retention:    r.Retention,
		ErrRetention: r.ErrRetention,
		CreatedAt:    r.CreatedAt,
		StartedAt:    r.StartedAt,
		CompletedAt:  r.CompletedAt,
		LastError:    r.LastError,
	}
}
