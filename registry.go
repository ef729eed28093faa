package taskpoll

import (
	"context"
	"sync"

	"github.com/UniQw/taskpoll/jobqueue"
	"github.com/UniQw/taskpoll/logging"
)

// registry maps task-type names to their queue and owns the single native progress
// listener per name. Bindings are process-local and populated lazily.
type registry struct {
	queues   *jobqueue.Client
	listener func(*jobqueue.Queue) func(jobqueue.ProgressEvent)
	log      logging.Logger

	mu       sync.Mutex
	bindings map[string]*binding
}

type binding struct {
	queue *jobqueue.Queue
	sub   *jobqueue.Subscription
}

func newRegistry(queues *jobqueue.Client, l logging.Logger, listener func(*jobqueue.Queue) func(jobqueue.ProgressEvent)) *registry {
	return &registry{
		queues:   queues,
		listener: listener,
		log:      l,
		bindings: make(map[string]*binding),
	}
}

// ensure returns the queue for name, installing its progress listener on first use.
// When the listener cannot be installed the binding is still recorded and the
// install is retried by the next ensure.
func (r *registry) ensure(ctx context.Context, name string) (*jobqueue.Queue, error) {
	r.mu.Lock()
	defer r.mu.Unlock()

	b, ok := r.bindings[name]
	if !ok {
		b = &binding{queue: r.queues.Queue(name)}
		r.bindings[name] = b
	}
	if b.sub != nil {
		return b.queue, nil
	}
	sub, err := b.queue.SubscribeProgress(ctx, r.listener(b.queue))
	if err != nil {
		r.log.Warnf("progress listener install failed: queue=%s err=%v", name, err)
		return b.queue, err
	}
	b.sub = sub
	r.log.Debugf("progress listener installed: queue=%s", name)
	return b.queue, nil
}

func (r *registry) lookup(name string) (*jobqueue.Queue, bool) {
	r.mu.Lock()
	defer r.mu.Unlock()
	b, ok := r.bindings[name]
	if !ok {
		return nil, false
	}
	return b.queue, true
}

func (r *registry) close() {
	r.mu.Lock()
	defer r.mu.Unlock()
	for name, b := range r.bindings {
		if b.sub != nil {
			if err := b.sub.Close(); err != nil {
				r.log.Warnf("progress listener close failed: queue=%s err=%v", name, err)
			}
		}
		delete(r.bindings, name)
	}
}
