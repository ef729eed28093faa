package jobqueue

import (
	"context"
	"time"

	"github.com/UniQw/taskpoll/internal/hctx"
)

// JobInfo describes the job a handler is executing.
type JobInfo struct {
	ID        string
	Queue     string
	StartedAt time.Time
}

// JobFromContext returns metadata of the job being executed.
// ok is false if ctx was not provided by the job runtime.
func JobFromContext(ctx context.Context) (info JobInfo, ok bool) {
	st, ok := hctx.From(ctx)
	if !ok || st == nil {
		return JobInfo{}, false
	}
	return JobInfo{ID: st.JobID, Queue: st.Queue, StartedAt: time.UnixMilli(st.StartedAt)}, true
}
