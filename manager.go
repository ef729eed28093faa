package taskpoll

import (
	"context"
	"errors"
	"fmt"
	"math"
	"time"

	"github.com/UniQw/taskpoll/jobqueue"
	"github.com/UniQw/taskpoll/logging"
	"github.com/UniQw/taskpoll/store"
)

// Manager owns the lifecycle of task state records and bridges job progress into
// local change notifications.
type Manager struct {
	store    store.Store
	queues   *jobqueue.Client
	workers  WorkerHost
	log      logging.Logger
	enc      jobqueue.Encoder
	lifespan time.Duration
	jobOpts  []jobqueue.Option
	hub      *hub
	reg      *registry
}

// NewManager creates a Manager on top of a record store and a job queue client.
func NewManager(st store.Store, queues *jobqueue.Client, opts ...Option) *Manager {
	o := &options{
		lifespan: DefaultLifespan,
		encoder:  &jobqueue.JSONEncoder{},
	}
	for _, opt := range opts {
		opt(o)
	}
	if o.log == nil {
		o.log = logging.NewFmtLogger()
	}
	m := &Manager{
		store:    st,
		queues:   queues,
		workers:  o.workers,
		log:      o.log,
		enc:      o.encoder,
		lifespan: o.lifespan,
		jobOpts:  o.jobOpts,
		hub:      newHub(),
	}
	m.reg = newRegistry(queues, o.log, m.progressListener)
	return m
}

// CreateTask persists a new task without submitting any work for it.
func (m *Manager) CreateTask(ctx context.Context, spec Spec) (*TaskState, error) {
	if spec.Name == "" {
		return nil, ErrNoName
	}
	lifespan := spec.Lifespan
	if lifespan <= 0 {
		lifespan = m.lifespan
	}
	now := time.Now()
	rec, err := m.store.Create(ctx, &store.Record{
		Name:      spec.Name,
		Progress:  spec.Progress,
		Completed: spec.Progress >= 1,
		TaskData:  merge(nil, spec.TaskData),
		Lifespan:  lifespan.Milliseconds(),
		ExpiresAt: now.Add(lifespan).UnixMilli(),
	})
	if err != nil {
		return nil, fmt.Errorf("create task %s: %w", spec.Name, err)
	}
	return stateFromRecord(rec), nil
}

// SubmitTask creates a task, submits a job for it on the queue named after the task
// and binds the job. If the job cannot be submitted the task is finalized with an
// error result so pollers still converge, and the error is returned.
func (m *Manager) SubmitTask(ctx context.Context, spec Spec) (*TaskState, error) {
	st, err := m.CreateTask(ctx, spec)
	if err != nil {
		return nil, err
	}
	q, err := m.reg.ensure(ctx, spec.Name)
	if err != nil {
		m.log.Warnf("submitting without progress listener: name=%s err=%v", spec.Name, err)
	}
	job, err := q.Submit(ctx, jobPayload{TaskID: st.ID}, m.jobOpts...)
	if err != nil {
		m.log.Errorf("job submit failed: task=%s name=%s err=%v", st.ID, spec.Name, err)
		if _, ferr := m.UpdateTaskState(ctx, st.ID, failure(err)); ferr != nil {
			m.log.Errorf("task finalize failed: task=%s err=%v", st.ID, ferr)
		}
		return nil, fmt.Errorf("submit job for task %s: %w", st.ID, err)
	}
	return m.BindJob(ctx, st.ID, job.ID)
}

// GetTaskState returns ErrTaskNotFound when the task does not exist.
func (m *Manager) GetTaskState(ctx context.Context, id string) (*TaskState, error) {
	rec, err := m.store.FindOne(ctx, id)
	if errors.Is(err, store.ErrNotFound) {
		return nil, ErrTaskNotFound
	}
	if err != nil {
		return nil, err
	}
	return stateFromRecord(rec), nil
}

// UpdateTaskState merges props into the task and pushes its expiry forward.
// When props carries a progress it is mirrored into the job's native progress, if
// the task's queue is known to this process. Every successful update is published
// to local subscribers.
func (m *Manager) UpdateTaskState(ctx context.Context, id string, props Properties) (*TaskState, error) {
	st, err := m.update(ctx, id, func(r *store.Record) error {
		props.apply(r, time.Now())
		return nil
	})
	if err != nil {
		return nil, err
	}
	if props.Progress != nil {
		m.mirrorProgress(ctx, st)
	}
	return st, nil
}

// BindJob links the task to a queue job. A task is bound to at most one job.
func (m *Manager) BindJob(ctx context.Context, id, jobID string) (*TaskState, error) {
	return m.update(ctx, id, func(r *store.Record) error {
		if r.JobID != "" && r.JobID != jobID {
			return ErrJobRebind
		}
		r.JobID = jobID
		Properties{}.apply(r, time.Now())
		return nil
	})
}

// BindRoute records the route the task was started on. A task is bound to at most one route.
func (m *Manager) BindRoute(ctx context.Context, id, route string) (*TaskState, error) {
	return m.update(ctx, id, func(r *store.Record) error {
		if r.Route != "" && r.Route != route {
			return ErrRouteRebind
		}
		r.Route = route
		Properties{}.apply(r, time.Now())
		return nil
	})
}

func (m *Manager) update(ctx context.Context, id string, fn func(*store.Record) error) (*TaskState, error) {
	rec, err := m.store.Update(ctx, id, fn)
	if errors.Is(err, store.ErrNotFound) {
		return nil, ErrTaskNotFound
	}
	if err != nil {
		return nil, err
	}
	st := stateFromRecord(rec)
	m.hub.publish(st.ID, st)
	return st, nil
}

func (m *Manager) mirrorProgress(ctx context.Context, st *TaskState) {
	q, ok := m.reg.lookup(st.Name)
	if !ok {
		m.log.Debugf("no queue binding, progress not mirrored: task=%s name=%s", st.ID, st.Name)
		return
	}
	jobID := st.JobID
	if jobID == "" {
		// the worker can run before the submitter binds the job
		if info, ok := jobqueue.JobFromContext(ctx); ok && info.Queue == st.Name {
			jobID = info.ID
		}
	}
	if jobID == "" {
		m.log.Debugf("task has no job yet, progress not mirrored: task=%s", st.ID)
		return
	}
	pct := int(math.Round(st.Progress * 100))
	if err := q.SetProgress(ctx, jobID, pct); err != nil {
		m.log.Warnf("progress mirror failed: task=%s job=%s err=%v", st.ID, jobID, err)
	}
}

// progressListener resolves native progress events to task states and publishes them.
func (m *Manager) progressListener(q *jobqueue.Queue) func(jobqueue.ProgressEvent) {
	return func(ev jobqueue.ProgressEvent) {
		ctx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
		defer cancel()

		payload := ev.Payload
		if len(payload) == 0 {
			job, err := q.Job(ctx, ev.JobID)
			if err != nil {
				m.log.Debugf("progress event for unknown job: queue=%s job=%s err=%v", ev.Queue, ev.JobID, err)
				return
			}
			payload = job.Payload
		}
		var p jobPayload
		if err := m.queues.Encoder().Decode(payload, &p); err != nil || p.TaskID == "" {
			m.log.Debugf("progress event for non-task job: queue=%s job=%s", ev.Queue, ev.JobID)
			return
		}
		st, err := m.GetTaskState(ctx, p.TaskID)
		if errors.Is(err, ErrTaskNotFound) {
			m.hub.publish(p.TaskID, nil)
			return
		}
		if err != nil {
			m.log.Warnf("progress event state load failed: task=%s err=%v", p.TaskID, err)
			return
		}
		m.hub.publish(st.ID, st)
	}
}

// CreateTaskQueue registers handler as the worker for tasks named name.
func (m *Manager) CreateTaskQueue(ctx context.Context, name string, handler TaskHandler, opts ...jobqueue.RegisterOption) error {
	if m.workers == nil {
		return ErrNoWorkers
	}
	m.workers.Register(name, m.adapt(name, handler), opts...)
	if _, err := m.reg.ensure(ctx, name); err != nil {
		m.log.Warnf("worker registered without progress listener: name=%s err=%v", name, err)
	}
	m.log.Infof("task queue registered: name=%s", name)
	return nil
}

// Subscribe returns a local subscription to changes of task id. Close it when done.
func (m *Manager) Subscribe(id string) *Subscription {
	return m.hub.subscribe(id)
}

// ReapExpired destroys records whose expiry passed and wakes their waiters.
func (m *Manager) ReapExpired(ctx context.Context) (int, error) {
	ids, err := m.store.DestroyExpired(ctx, time.Now())
	for _, id := range ids {
		m.hub.publish(id, nil)
	}
	if err != nil {
		return len(ids), fmt.Errorf("reap expired tasks: %w", err)
	}
	if len(ids) > 0 {
		m.log.Infof("reaped expired tasks: count=%d", len(ids))
	}
	return len(ids), nil
}

// RunReaper reaps once, then every interval until ctx is done.
func (m *Manager) RunReaper(ctx context.Context, interval time.Duration) {
	if _, err := m.ReapExpired(ctx); err != nil {
		m.log.Errorf("%v", err)
	}
	ticker := time.NewTicker(interval)
	defer ticker.Stop()
	for {
		select {
		case <-ctx.Done():
			return
		case <-ticker.C:
			if _, err := m.ReapExpired(ctx); err != nil && ctx.Err() == nil {
				m.log.Errorf("%v", err)
			}
		}
	}
}

// Close removes the native progress listeners. The store and queue clients are not closed.
func (m *Manager) Close() {
	m.reg.close()
}

// failure is the terminal update recorded for a task whose work failed.
func failure(err error) Properties {
	p := ProgressOnly(1)
	p.TaskResults = map[string]any{"msg": err.Error(), "severity": "error"}
	return p
}
