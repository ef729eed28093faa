package taskpoll

import "errors"

// ErrTaskNotFound is returned when no record exists for a task id, typically because it expired.
var ErrTaskNotFound = errors.New("taskpoll: task not found")

// ErrRouteMismatch is returned when a poll arrives on a route other than the one the task was started on.
var ErrRouteMismatch = errors.New("taskpoll: route mismatch")

// ErrJobRebind is returned when a task is already bound to a different job.
var ErrJobRebind = errors.New("taskpoll: task already bound to another job")

// ErrRouteRebind is returned when a task is already bound to a different route.
var ErrRouteRebind = errors.New("taskpoll: task already bound to another route")

// ErrNoWorkers is returned by CreateTaskQueue when the manager has no worker host.
var ErrNoWorkers = errors.New("taskpoll: no worker host configured")

// ErrNoName is returned when a task is created without a task-type name.
var ErrNoName = errors.New("taskpoll: task name required")
