package runtime

import (
	"context"
	"errors"
	"fmt"
	"strconv"
	"sync"
	"time"

	"github.com/UniQw/taskpoll/internal/hctx"
	ikeys "github.com/UniQw/taskpoll/internal/keys"
	"github.com/UniQw/taskpoll/internal/worker"
	"github.com/UniQw/taskpoll/logging"
	"github.com/redis/go-redis/v9"
)

// ErrNoHandler indicates there is no handler for the queue; the runtime moves the job to dead.
var ErrNoHandler = errors.New("no handler")

type Config struct {
	VisibilityTTL time.Duration
	// IdleWait is how long a worker sleeps when its queue is empty.
	IdleWait time.Duration
	Logger   logging.Logger
}

// Executor executes a job payload for a given queue.
type Executor func(ctx context.Context, queue string, payload []byte) error

type queueSpec struct {
	keys        ikeys.Queue
	concurrency int
	launched    bool
}

type Runtime struct {
	rdb     redis.UniversalClient
	cfg     Config
	exec    Executor
	wg      sync.WaitGroup
	mu      sync.Mutex
	started bool
	ctx     context.Context
	cancel  context.CancelFunc
	queues  map[string]*queueSpec
	log     logging.Logger
}

// reclaimOneScript atomically reclaims one expired active job back to pending.
var reclaimOneScript = redis.NewScript(`
local akey = KEYS[1]
local pkey = KEYS[2]
local now  = ARGV[1]
local items = redis.call('ZRANGEBYSCORE', akey, '-inf', now, 'LIMIT', 0, 1)
if #items == 0 then return false end
local m = items[1]
local rem = redis.call('ZREM', akey, m)
if rem == 1 then
  redis.call('LPUSH', pkey, m)
  redis.call('HSET', ARGV[2] .. m, 'state', 'pending')
  return m
end
return false
`)

// New creates a new background runtime that manages workers and maintenance routines.
func New(rdb redis.UniversalClient, cfg Config, exec Executor) *Runtime {
	if cfg.VisibilityTTL <= 0 {
		cfg.VisibilityTTL = 30 * time.Second
	}
	if cfg.IdleWait <= 0 {
		cfg.IdleWait = 50 * time.Millisecond
	}
	return &Runtime{
		rdb:    rdb,
		cfg:    cfg,
		exec:   exec,
		queues: make(map[string]*queueSpec),
		log:    logging.OrNop(cfg.Logger),
	}
}

// AddQueue registers a queue with the given number of workers. If the runtime is
// already running, the workers start immediately. Adding a known queue is a no-op.
func (rt *Runtime) AddQueue(name string, concurrency int) {
	rt.mu.Lock()
	defer rt.mu.Unlock()
	if _, ok := rt.queues[name]; ok {
		return
	}
	q := &queueSpec{keys: ikeys.For(name), concurrency: concurrency}
	rt.queues[name] = q
	if rt.started {
		rt.launchLocked(q)
	}
}

// Start launches workers and background maintenance goroutines.
func (rt *Runtime) Start() {
	rt.mu.Lock()
	defer rt.mu.Unlock()
	if rt.started {
		rt.log.Warnf("runtime already started; ignoring Start()")
		return
	}
	rt.started = true
	rt.ctx, rt.cancel = context.WithCancel(context.Background())
	rt.log.Infof("runtime starting: queues=%d", len(rt.queues))
	for _, q := range rt.queues {
		q.launched = false
		rt.launchLocked(q)
	}
}

// Stop cancels the internal context and waits for all goroutines to exit.
func (rt *Runtime) Stop() {
	rt.mu.Lock()
	if !rt.started {
		rt.log.Warnf("runtime not started; ignoring Stop()")
		rt.mu.Unlock()
		return
	}
	rt.started = false
	cancel := rt.cancel
	rt.mu.Unlock()
	rt.log.Infof("runtime stopping")

	cancel()
	rt.wg.Wait()
}

func (rt *Runtime) launchLocked(q *queueSpec) {
	if q.launched {
		return
	}
	q.launched = true
	ctx := rt.ctx
	for i := 0; i < q.concurrency; i++ {
		rt.wg.Add(1)
		go func() {
			defer rt.wg.Done()
			rt.workerLoop(ctx, q.keys)
		}()
	}

	// Retention cleaner: drops succeeded and dead jobs whose retention passed.
	rt.wg.Add(1)
	go func(k ikeys.Queue) {
		defer rt.wg.Done()
		ticker := time.NewTicker(1 * time.Second)
		defer ticker.Stop()
		for {
			select {
			case <-ctx.Done():
				return
			case <-ticker.C:
				nowMs := time.Now().UnixMilli()
				if _, err := worker.Purge(ctx, rt.rdb, k, k.Succeeded, nowMs, 256); err != nil {
					rt.log.Warnf("cleaner: succeeded sweep failed queue=%s err=%v", k.Name, err)
				}
				if _, err := worker.Purge(ctx, rt.rdb, k, k.Dead, nowMs, 256); err != nil {
					rt.log.Warnf("cleaner: dead sweep failed queue=%s err=%v", k.Name, err)
				}
			}
		}
	}(q.keys)

	// Visibility reclaimer: move expired active jobs back to pending atomically.
	rt.wg.Add(1)
	go func(k ikeys.Queue) {
		defer rt.wg.Done()
		ticker := time.NewTicker(200 * time.Millisecond)
		defer ticker.Stop()
		for {
			select {
			case <-ctx.Done():
				return
			case <-ticker.C:
				now := strconv.FormatInt(time.Now().UnixMilli(), 10)
				for i := 0; i < 256; i++ {
					res, err := reclaimOneScript.Run(ctx, rt.rdb, []string{k.Active, k.Pending}, now, k.Job("")).Result()
					if err == redis.Nil || res == nil || res == false {
						break
					}
					if err != nil {
						rt.log.Warnf("reclaimer: script failed queue=%s err=%v", k.Name, err)
						break
					}
					rt.log.Warnf("reclaimed: id=%v queue=%s", res, k.Name)
				}
			}
		}
	}(q.keys)
}

func (rt *Runtime) workerLoop(ctx context.Context, k ikeys.Queue) {
	for {
		select {
		case <-ctx.Done():
			return
		default:
		}

		job, err := worker.Dequeue(ctx, rt.rdb, k, rt.cfg.VisibilityTTL)
		if err != nil && ctx.Err() == nil {
			rt.log.Warnf("dequeue failed: queue=%s err=%v", k.Name, err)
		}
		if job == nil {
			select {
			case <-ctx.Done():
				return
			case <-time.After(rt.cfg.IdleWait):
			}
			continue
		}

		st := hctx.New(job.ID, k.Name, job.StartedAt)
		release := rt.holdLease(ctx, k, job.ID)
		err = rt.run(hctx.WithState(ctx, st), k.Name, job.Payload)
		release()
		if err != nil {
			reason := err.Error()
			if errors.Is(err, ErrNoHandler) {
				rt.log.Warnf("no handler for job: id=%s queue=%s", job.ID, k.Name)
			} else {
				rt.log.Warnf("handler error: id=%s queue=%s err=%v", job.ID, k.Name, err)
			}
			if e := worker.FailToDead(ctx, rt.rdb, k, job, reason); e != nil {
				rt.log.Errorf("deadletter failed: id=%s queue=%s err=%v", job.ID, k.Name, e)
			}
			continue
		}

		if e := worker.Ack(ctx, rt.rdb, k, job); e != nil {
			rt.log.Errorf("ack failed: id=%s queue=%s err=%v", job.ID, k.Name, e)
			continue
		}
		rt.log.Debugf("processed: id=%s queue=%s", job.ID, k.Name)
	}
}

// holdLease keeps the job's visibility deadline ahead of the reclaimer until the
// returned func is called, so only jobs of dead workers are reclaimed.
func (rt *Runtime) holdLease(ctx context.Context, k ikeys.Queue, id string) func() {
	stop := make(chan struct{})
	done := make(chan struct{})
	go func() {
		defer close(done)
		ticker := time.NewTicker(rt.cfg.VisibilityTTL / 3)
		defer ticker.Stop()
		for {
			select {
			case <-stop:
				return
			case <-ctx.Done():
				return
			case <-ticker.C:
				if err := worker.Extend(ctx, rt.rdb, k, id, rt.cfg.VisibilityTTL); err != nil && ctx.Err() == nil {
					rt.log.Warnf("lease extend failed: id=%s queue=%s err=%v", id, k.Name, err)
				}
			}
		}
	}()
	return func() {
		close(stop)
		<-done
	}
}

// run executes one job and converts a handler panic into an error.
func (rt *Runtime) run(ctx context.Context, queue string, payload []byte) (err error) {
	defer func() {
		if r := recover(); r != nil {
			err = fmt.Errorf("handler panic: %v", r)
		}
	}()
	return rt.exec(ctx, queue, payload)
}

// Queues returns the registered queue names.
func (rt *Runtime) Queues() []string {
	rt.mu.Lock()
	defer rt.mu.Unlock()
	out := make([]string, 0, len(rt.queues))
	for name := range rt.queues {
		out = append(out, name)
	}
	return out
}
