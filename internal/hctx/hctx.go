package hctx

import "context"

// State holds per-execution job metadata that handlers can read
// while the runtime executes them.
type State struct {
	JobID     string
	Queue     string
	StartedAt int64
}

// New creates a fresh handler state container.
func New(jobID, queue string, startedAt int64) *State {
	return &State{JobID: jobID, Queue: queue, StartedAt: startedAt}
}

type ctxKey struct{}

// WithState returns a child context carrying the given handler state.
func WithState(parent context.Context, s *State) context.Context {
	return context.WithValue(parent, ctxKey{}, s)
}

// From extracts the handler state from context if present.
func From(ctx context.Context) (*State, bool) {
	v := ctx.Value(ctxKey{})
	if v == nil {
		return nil, false
	}
	st, ok := v.(*State)
	return st, ok
}
