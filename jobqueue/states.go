package jobqueue

import "github.com/UniQw/taskpoll/internal/worker"

// State represents a job state. Use the exported constants instead of
// raw strings to avoid typos.
type State string

const (
	// StatePending contains jobs ready for execution (LIST).
	StatePending State = worker.StatePending
	// StateActive contains jobs currently being processed by workers (ZSET).
	StateActive State = worker.StateActive
	// StateSucceeded contains successfully completed jobs kept for their retention (ZSET).
	StateSucceeded State = worker.StateSucceeded
	// StateDead contains failed jobs kept for their error retention (ZSET).
	StateDead State = worker.StateDead
)

// AllStates lists every valid job state in a stable order.
var AllStates = []State{StatePending, StateActive, StateSucceeded, StateDead}

// String returns the raw string value of the state.
func (s State) String() string { return string(s) }

// ParseState converts a string into a State, returning an error for unknown values.
func ParseState(s string) (State, error) {
	for _, st := range AllStates {
		if string(st) == s {
			return st, nil
		}
	}
	return "", ErrUnknownState
}
