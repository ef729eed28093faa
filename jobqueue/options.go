package jobqueue

import "time"

// DefaultRetention is how long finished jobs stay inspectable when no option says otherwise.
const DefaultRetention = time.Hour

type options struct {
	id           string
	retention    time.Duration
	errRetention time.Duration
}

// Option is a function that configures job behavior during Submit.
type Option func(*options)

// JobID sets a custom ID for the job. If not provided, a random UUID will be generated.
func JobID(id string) Option {
	return func(o *options) {
		o.id = id
	}
}

// Retention sets how long the job is kept in the Succeeded state.
// If d is 0, the job is dropped as soon as it succeeds.
func Retention(d time.Duration) Option {
	return func(o *options) {
		o.retention = d
	}
}

// RetentionError sets how long the job is kept in the Dead state.
// If d is 0, the job will be dropped immediately after failure.
// If d is negative, the job will be kept forever.
func RetentionError(d time.Duration) Option {
	return func(o *options) {
		o.errRetention = d
	}
}

// RegisterOption configures a queue when its handler is registered on a Server.
type RegisterOption func(*registerOptions)

type registerOptions struct {
	concurrency int
}

// Concurrency sets the number of worker goroutines for the queue.
func Concurrency(n int) RegisterOption {
	return func(o *registerOptions) {
		o.concurrency = n
	}
}
