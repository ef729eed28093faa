package jobqueue

import "errors"

// ErrDuplicateJob is returned when Submit is called with an ID that already exists for the queue.
var ErrDuplicateJob = errors.New("jobqueue: duplicate job id")

// ErrUnknownState is returned when an invalid state is used.
var ErrUnknownState = errors.New("jobqueue: unknown state")

// ErrActiveState is returned when an operation is not allowed on the active state.
var ErrActiveState = errors.New("jobqueue: operation not allowed on active state")

// ErrJobNotFound is returned when a job with the specified ID is not found.
var ErrJobNotFound = errors.New("jobqueue: job not found")
