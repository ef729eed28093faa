package taskpoll

import (
	"time"

	"github.com/UniQw/taskpoll/jobqueue"
	"github.com/UniQw/taskpoll/logging"
)

// DefaultLifespan is how long a task record outlives its last update when the Spec does not say.
const DefaultLifespan = time.Hour

// DefaultPollTimeout bounds a suspended poll. It stays under the common 30s proxy timeout.
const DefaultPollTimeout = 20 * time.Second

// WorkerHost runs queue handlers. *jobqueue.Server implements it.
type WorkerHost interface {
	Register(queue string, fn jobqueue.HandlerFunc, opts ...jobqueue.RegisterOption)
}

type options struct {
	log      logging.Logger
	workers  WorkerHost
	lifespan time.Duration
	encoder  jobqueue.Encoder
	jobOpts  []jobqueue.Option
}

// Option configures a Manager.
type Option func(*options)

// WithLogger sets the manager logger. Defaults to FmtLogger.
func WithLogger(l logging.Logger) Option {
	return func(o *options) {
		o.log = l
	}
}

// WithWorkers sets the host that CreateTaskQueue registers workers on.
func WithWorkers(w WorkerHost) Option {
	return func(o *options) {
		o.workers = w
	}
}

// WithDefaultLifespan sets the lifespan of tasks whose Spec leaves it unset.
func WithDefaultLifespan(d time.Duration) Option {
	return func(o *options) {
		if d > 0 {
			o.lifespan = d
		}
	}
}

// WithEncoder sets the codec for HTTP request and response bodies. Job payloads
// always use the codec of the jobqueue.Client given to NewManager.
func WithEncoder(e jobqueue.Encoder) Option {
	return func(o *options) {
		if e != nil {
			o.encoder = e
		}
	}
}

// WithJobRetention sets how long finished jobs stay in their queue after the task
// they served has completed.
func WithJobRetention(d time.Duration) Option {
	return func(o *options) {
		o.jobOpts = append(o.jobOpts, jobqueue.Retention(d), jobqueue.RetentionError(d))
	}
}

// EndpointOption configures an Endpoint.
type EndpointOption func(*Endpoint)

// WithInitiator replaces the default initiator (create the task and submit its job).
func WithInitiator(fn Initiator) EndpointOption {
	return func(e *Endpoint) {
		e.initiator = fn
	}
}

// WithPollTimeout bounds how long a poll may be suspended.
func WithPollTimeout(d time.Duration) EndpointOption {
	return func(e *Endpoint) {
		if d > 0 {
			e.timeout = d
		}
	}
}

// WithRoute fixes the route recorded on and required from a task, instead of
// deriving it from the request.
func WithRoute(route string) EndpointOption {
	return func(e *Endpoint) {
		e.route = route
	}
}
