// Package keys centralizes Redis key construction.
// It is kept in internal to avoid leaking key formats to public API.
package keys

func Pending(q string) string   { return "taskpoll:{" + q + "}:pending" }
func Active(q string) string    { return "taskpoll:{" + q + "}:active" }
func Dead(q string) string      { return "taskpoll:{" + q + "}:dead" }
func Succeeded(q string) string { return "taskpoll:{" + q + "}:succeeded" }

// Job returns the hash key holding a single job's fields, including its native progress.
func Job(q, id string) string { return "taskpoll:{" + q + "}:job:" + id }

// Progress returns the pub/sub channel carrying native progress events for a queue.
func Progress(q string) string { return "taskpoll:{" + q + "}:progress" }

// Queue holds all precomputed keys for a queue name to avoid repeated concatenations.
type Queue struct {
	Name      string
	Pending   string
	Active    string
	Dead      string
	Succeeded string
	Progress  string
	jobPrefix string
}

// For returns a set of precomputed keys for the provided queue.
func For(q string) Queue {
	prefix := "taskpoll:{" + q + "}:"
	return Queue{
		Name:      q,
		Pending:   prefix + "pending",
		Active:    prefix + "active",
		Dead:      prefix + "dead",
		Succeeded: prefix + "succeeded",
		Progress:  prefix + "progress",
		jobPrefix: prefix + "job:",
	}
}

// Job returns the job hash key for id within the queue.
func (k Queue) Job(id string) string { return k.jobPrefix + id }

// Task returns the key holding a task state record.
func Task(id string) string { return "taskpoll:task:" + id }

// TaskExpiry is a ZSET index of task ids scored by their expiration time in ms.
func TaskExpiry() string { return "taskpoll:task_expiry" }
