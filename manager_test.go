package taskpoll

import (
	"context"
	"errors"
	"testing"
	"time"

	"github.com/UniQw/taskpoll/jobqueue"
	"github.com/UniQw/taskpoll/logging"
	"github.com/UniQw/taskpoll/store"
	mrd "github.com/alicebob/miniredis/v2"
	"github.com/redis/go-redis/v9"
	"github.com/stretchr/testify/require"
)

type testEnv struct {
	rdb    *redis.Client
	queues *jobqueue.Client
	srv    *jobqueue.Server
	m      *Manager
}

func newTestEnv(t *testing.T, opts ...Option) *testEnv {
	t.Helper()
	s := mrd.RunT(t)
	rdb := redis.NewClient(&redis.Options{Addr: s.Addr()})
	srv := jobqueue.NewServer(rdb, jobqueue.ServerConfig{
		Concurrency:   2,
		VisibilityTTL: 30 * time.Second,
		Logger:        logging.Nop(),
	}, nil)
	queues := jobqueue.NewClient(rdb)
	base := []Option{WithLogger(logging.Nop()), WithWorkers(srv)}
	m := NewManager(store.NewRedis(rdb), queues, append(base, opts...)...)
	srv.Start()
	t.Cleanup(func() {
		srv.Stop()
		m.Close()
		_ = rdb.Close()
	})
	return &testEnv{rdb: rdb, queues: queues, srv: srv, m: m}
}

func TestManager_CreateTask_Defaults(t *testing.T) {
	env := newTestEnv(t, WithDefaultLifespan(2*time.Minute))
	ctx := context.Background()

	before := time.Now()
	st, err := env.m.CreateTask(ctx, NamedTask("count"))
	require.NoError(t, err)
	require.NotEmpty(t, st.ID)
	require.Equal(t, "count", st.Name)
	require.Zero(t, st.Progress)
	require.False(t, st.Completed)
	require.Empty(t, st.JobID)
	require.Equal(t, 2*time.Minute, st.Lifespan)
	require.WithinDuration(t, before.Add(2*time.Minute), st.ExpiresAt, time.Second)
	require.NotZero(t, st.Timestamp)

	st, err = env.m.CreateTask(ctx, Spec{Name: "count", Progress: 0.25, TaskData: map[string]any{"n": 1}, Lifespan: time.Second})
	require.NoError(t, err)
	require.Equal(t, 0.25, st.Progress)
	require.Equal(t, time.Second, st.Lifespan)

	got, err := env.m.GetTaskState(ctx, st.ID)
	require.NoError(t, err)
	require.Equal(t, 1.0, got.TaskData["n"])

	_, err = env.m.CreateTask(ctx, Spec{})
	require.ErrorIs(t, err, ErrNoName)
}

func TestManager_GetTaskState_NotFound(t *testing.T) {
	env := newTestEnv(t)
	_, err := env.m.GetTaskState(context.Background(), "missing")
	require.ErrorIs(t, err, ErrTaskNotFound)

	_, err = env.m.UpdateTaskState(context.Background(), "missing", ProgressOnly(0.5))
	require.ErrorIs(t, err, ErrTaskNotFound)
}

func TestManager_UpdateTaskState_CompletedDerivation(t *testing.T) {
	env := newTestEnv(t)
	ctx := context.Background()
	st, err := env.m.CreateTask(ctx, NamedTask("derive"))
	require.NoError(t, err)

	for _, p := range []float64{0, 0.1, 0.5, 0.999, 1, 1.5} {
		got, err := env.m.UpdateTaskState(ctx, st.ID, ProgressOnly(p))
		require.NoError(t, err)
		require.Equal(t, p >= 1.0, got.Completed, "progress %v", p)

		stored, err := env.m.GetTaskState(ctx, st.ID)
		require.NoError(t, err)
		require.Equal(t, got.Completed, stored.Completed)
		require.Equal(t, p, stored.Progress)
	}
}

func TestManager_UpdateTaskState_MergePreservesKeys(t *testing.T) {
	env := newTestEnv(t)
	ctx := context.Background()
	st, err := env.m.CreateTask(ctx, Spec{Name: "merge", TaskData: map[string]any{"a": 1, "b": 2}})
	require.NoError(t, err)

	_, err = env.m.UpdateTaskState(ctx, st.ID, Properties{
		TaskData:    map[string]any{"b": 3, "c": 4},
		TaskResults: map[string]any{"r1": "x"},
	})
	require.NoError(t, err)
	got, err := env.m.UpdateTaskState(ctx, st.ID, Properties{TaskResults: map[string]any{"r2": "y"}})
	require.NoError(t, err)

	require.Equal(t, map[string]any{"a": 1.0, "b": 3.0, "c": 4.0}, got.TaskData)
	require.Equal(t, map[string]any{"r1": "x", "r2": "y"}, got.TaskResults)
	require.Zero(t, got.Progress, "progress untouched when not supplied")
}

func TestManager_UpdateTaskState_PushesExpiryAndTimestamp(t *testing.T) {
	env := newTestEnv(t)
	ctx := context.Background()
	st, err := env.m.CreateTask(ctx, Spec{Name: "expiry", Lifespan: time.Minute})
	require.NoError(t, err)

	time.Sleep(5 * time.Millisecond)
	got, err := env.m.UpdateTaskState(ctx, st.ID, ProgressOnly(0.1))
	require.NoError(t, err)
	require.True(t, got.ExpiresAt.After(st.ExpiresAt))
	require.Greater(t, got.Timestamp, st.Timestamp)

	// same-millisecond writes still move the checkpoint
	a, err := env.m.UpdateTaskState(ctx, st.ID, ProgressOnly(0.2))
	require.NoError(t, err)
	b, err := env.m.UpdateTaskState(ctx, st.ID, ProgressOnly(0.2))
	require.NoError(t, err)
	require.Greater(t, b.Timestamp, a.Timestamp)
}

func TestManager_BindJobAndRoute_SetOnce(t *testing.T) {
	env := newTestEnv(t)
	ctx := context.Background()
	st, err := env.m.CreateTask(ctx, NamedTask("bind"))
	require.NoError(t, err)

	_, err = env.m.BindJob(ctx, st.ID, "job-1")
	require.NoError(t, err)
	_, err = env.m.BindJob(ctx, st.ID, "job-1")
	require.NoError(t, err)
	_, err = env.m.BindJob(ctx, st.ID, "job-2")
	require.ErrorIs(t, err, ErrJobRebind)

	_, err = env.m.BindRoute(ctx, st.ID, "/tasks/bind")
	require.NoError(t, err)
	_, err = env.m.BindRoute(ctx, st.ID, "/tasks/other")
	require.ErrorIs(t, err, ErrRouteRebind)

	got, err := env.m.GetTaskState(ctx, st.ID)
	require.NoError(t, err)
	require.Equal(t, "job-1", got.JobID)
	require.Equal(t, "/tasks/bind", got.Route)
}

func TestManager_SubmitTask_BindsJobAndMirrorsProgress(t *testing.T) {
	env := newTestEnv(t)
	ctx := context.Background()

	// no worker registered: the job stays pending
	st, err := env.m.SubmitTask(ctx, Spec{Name: "mirror", TaskData: map[string]any{"k": "v"}})
	require.NoError(t, err)
	require.NotEmpty(t, st.JobID)

	q := env.queues.Queue("mirror")
	job, err := q.Job(ctx, st.JobID)
	require.NoError(t, err)
	require.JSONEq(t, `{"task_id":"`+st.ID+`"}`, string(job.Payload))

	_, err = env.m.UpdateTaskState(ctx, st.ID, ProgressOnly(0.42))
	require.NoError(t, err)
	job, err = q.Job(ctx, st.JobID)
	require.NoError(t, err)
	require.Equal(t, 42, job.Progress)
}

func TestManager_UpdateTaskState_WithoutBindingStillSucceeds(t *testing.T) {
	env := newTestEnv(t)
	ctx := context.Background()
	st, err := env.m.CreateTask(ctx, NamedTask("unbound"))
	require.NoError(t, err)

	sub := env.m.Subscribe(st.ID)
	defer sub.Close()

	got, err := env.m.UpdateTaskState(ctx, st.ID, ProgressOnly(0.3))
	require.NoError(t, err)
	require.Equal(t, 0.3, got.Progress)

	_, ok := env.m.reg.lookup("unbound")
	require.False(t, ok)

	select {
	case pub := <-sub.C():
		require.Equal(t, 0.3, pub.Progress)
	case <-time.After(time.Second):
		t.Fatal("update was not published")
	}
}

func TestManager_NativeProgressReachesSubscribers(t *testing.T) {
	env := newTestEnv(t)
	ctx := context.Background()
	st, err := env.m.SubmitTask(ctx, NamedTask("native"))
	require.NoError(t, err)

	sub := env.m.Subscribe(st.ID)
	defer sub.Close()

	// another process writes native progress directly on the job
	other := jobqueue.NewClient(env.rdb).Queue("native")
	require.NoError(t, other.SetProgress(ctx, st.JobID, 70))

	select {
	case pub := <-sub.C():
		require.NotNil(t, pub)
		require.Equal(t, st.ID, pub.ID)
	case <-time.After(2 * time.Second):
		t.Fatal("native progress was not bridged")
	}
}

func TestManager_ReapExpired(t *testing.T) {
	env := newTestEnv(t)
	ctx := context.Background()

	short, err := env.m.CreateTask(ctx, Spec{Name: "reap", Lifespan: time.Millisecond})
	require.NoError(t, err)
	long, err := env.m.CreateTask(ctx, Spec{Name: "reap", Lifespan: time.Hour})
	require.NoError(t, err)

	sub := env.m.Subscribe(short.ID)
	defer sub.Close()

	time.Sleep(10 * time.Millisecond)
	n, err := env.m.ReapExpired(ctx)
	require.NoError(t, err)
	require.Equal(t, 1, n)

	_, err = env.m.GetTaskState(ctx, short.ID)
	require.ErrorIs(t, err, ErrTaskNotFound)
	_, err = env.m.GetTaskState(ctx, long.ID)
	require.NoError(t, err)

	select {
	case pub := <-sub.C():
		require.Nil(t, pub)
	case <-time.After(time.Second):
		t.Fatal("waiters were not woken")
	}
}

func TestManager_RunReaper_StopsWithContext(t *testing.T) {
	env := newTestEnv(t)
	ctx, cancel := context.WithCancel(context.Background())

	st, err := env.m.CreateTask(ctx, Spec{Name: "reap", Lifespan: time.Millisecond})
	require.NoError(t, err)

	done := make(chan struct{})
	go func() {
		env.m.RunReaper(ctx, 20*time.Millisecond)
		close(done)
	}()

	require.Eventually(t, func() bool {
		_, err := env.m.GetTaskState(context.Background(), st.ID)
		return errors.Is(err, ErrTaskNotFound)
	}, 2*time.Second, 10*time.Millisecond)

	cancel()
	select {
	case <-done:
	case <-time.After(time.Second):
		t.Fatal("reaper did not stop")
	}
}

func TestManager_CreateTaskQueue_NoWorkers(t *testing.T) {
	s := mrd.RunT(t)
	rdb := redis.NewClient(&redis.Options{Addr: s.Addr()})
	defer rdb.Close()

	m := NewManager(store.NewRedis(rdb), jobqueue.NewClient(rdb), WithLogger(logging.Nop()))
	defer m.Close()
	err := m.CreateTaskQueue(context.Background(), "x", func(context.Context, *TaskState) (Properties, error) {
		return Properties{}, nil
	})
	require.ErrorIs(t, err, ErrNoWorkers)
}

func TestManager_ProgressListenerUsesEventPayload(t *testing.T) {
	env := newTestEnv(t)
	ctx := context.Background()
	st, err := env.m.CreateTask(ctx, NamedTask("gone-job"))
	require.NoError(t, err)

	sub := env.m.Subscribe(st.ID)
	defer sub.Close()

	// the job hash is already dropped; the event alone identifies the task
	payload, err := env.queues.Encoder().Encode(jobPayload{TaskID: st.ID})
	require.NoError(t, err)
	listen := env.m.progressListener(env.queues.Queue("gone-job"))
	listen(jobqueue.ProgressEvent{Queue: "gone-job", JobID: "dropped", Progress: 100, Payload: payload})

	select {
	case pub := <-sub.C():
		require.NotNil(t, pub)
		require.Equal(t, st.ID, pub.ID)
	case <-time.After(time.Second):
		t.Fatal("event without a job hash was not bridged")
	}
}

func TestManager_WorkerProcessWakesPollerProcess(t *testing.T) {
	s := mrd.RunT(t)
	ctx := context.Background()

	// poller side: no workers
	webRdb := redis.NewClient(&redis.Options{Addr: s.Addr()})
	web := NewManager(store.NewRedis(webRdb), jobqueue.NewClient(webRdb), WithLogger(logging.Nop()))

	// worker side: its own clients and manager on the same Redis
	workRdb := redis.NewClient(&redis.Options{Addr: s.Addr()})
	srv := jobqueue.NewServer(workRdb, jobqueue.ServerConfig{Concurrency: 1, Logger: logging.Nop()}, nil)
	worker := NewManager(store.NewRedis(workRdb), jobqueue.NewClient(workRdb), WithLogger(logging.Nop()), WithWorkers(srv))
	t.Cleanup(func() {
		srv.Stop()
		worker.Close()
		web.Close()
		_ = workRdb.Close()
		_ = webRdb.Close()
	})

	release := make(chan struct{})
	require.NoError(t, worker.CreateTaskQueue(ctx, "remote", func(ctx context.Context, st *TaskState) (Properties, error) {
		<-release
		if _, err := worker.UpdateTaskState(ctx, st.ID, ProgressOnly(0.5)); err != nil {
			return Properties{}, err
		}
		<-release
		return Properties{TaskResults: map[string]any{"done": true}}, nil
	}))
	srv.Start()

	st, err := web.SubmitTask(ctx, NamedTask("remote"))
	require.NoError(t, err)

	wait := func(since int64) (*TaskState, time.Duration) {
		start := time.Now()
		got, err := web.WaitForChange(ctx, st.ID, since, 5*time.Second)
		require.NoError(t, err)
		return got, time.Since(start)
	}

	go func() {
		time.Sleep(100 * time.Millisecond)
		release <- struct{}{}
	}()
	mid, took := wait(st.Timestamp)
	require.Less(t, took, 3*time.Second, "woken by the timer, not by the worker")
	require.Equal(t, 0.5, mid.Progress)
	require.False(t, mid.Completed)

	go func() {
		time.Sleep(100 * time.Millisecond)
		release <- struct{}{}
	}()
	final, took := wait(mid.Timestamp)
	require.Less(t, took, 3*time.Second, "woken by the timer, not by the worker")
	require.True(t, final.Completed)
	require.Equal(t, true, final.TaskResults["done"])
}
