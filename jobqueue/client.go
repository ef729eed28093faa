// Package jobqueue is a Redis-backed job queue engine. Jobs live in per-queue Redis
// structures, carry a native 0..100 progress value, and every progress write is
// published on the queue's notification channel.
package jobqueue

import (
	"context"
	"errors"
	"time"

	ikeys "github.com/UniQw/taskpoll/internal/keys"
	"github.com/UniQw/taskpoll/internal/worker"
	"github.com/google/uuid"
	"github.com/redis/go-redis/v9"
)

// Client provides APIs to submit and inspect jobs in Redis.
type Client struct {
	rdb     redis.UniversalClient
	encoder Encoder
}

// ClientOption configures a Client.
type ClientOption func(*Client)

// WithClientEncoder sets the codec for job payloads and progress events.
// Every process sharing the queues must use the same codec.
func WithClientEncoder(e Encoder) ClientOption {
	return func(c *Client) {
		if e != nil {
			c.encoder = e
		}
	}
}

// NewClient creates a new job queue client.
func NewClient(rdb redis.UniversalClient, opts ...ClientOption) *Client {
	c := &Client{rdb: rdb, encoder: &JSONEncoder{}}
	for _, opt := range opts {
		opt(c)
	}
	return c
}

// Encoder returns the codec used for job payloads and progress events.
func (c *Client) Encoder() Encoder { return c.encoder }

// Queue returns a handle for the named queue. Handles are cheap and stateless.
func (c *Client) Queue(name string) *Queue {
	return &Queue{c: c, k: ikeys.For(name)}
}

// Queue is a handle on one named queue.
type Queue struct {
	c *Client
	k ikeys.Queue
}

// Name returns the queue name.
func (q *Queue) Name() string { return q.k.Name }

// Submit adds a new job to the queue and returns it.
// It returns ErrDuplicateJob if the job ID (explicit or generated) already exists.
func (q *Queue) Submit(ctx context.Context, payload any, opts ...Option) (*Job, error) {
	data, err := q.c.encoder.Encode(payload)
	if err != nil {
		return nil, err
	}

	cfg := &options{
		retention:    DefaultRetention,
		errRetention: DefaultRetention,
	}
	for _, opt := range opts {
		opt(cfg)
	}

	id := cfg.id
	if id == "" {
		id = uuid.NewString()
	}

	// Uniqueness check: reserve the job hash.
	key := q.k.Job(id)
	ok, err := q.c.rdb.HSetNX(ctx, key, "id", id).Result()
	if err != nil {
		return nil, err
	}
	if !ok {
		return nil, ErrDuplicateJob
	}

	rec := &worker.Record{
		ID:           id,
		Queue:        q.k.Name,
		Payload:      data,
		State:        worker.StatePending,
		Retention:    int64(cfg.retention.Seconds()),
		ErrRetention: int64(cfg.errRetention.Seconds()),
		CreatedAt:    time.Now().UnixMilli(),
	}
	_, err = q.c.rdb.TxPipelined(ctx, func(p redis.Pipeliner) error {
		p.HSet(ctx, key, rec.Fields())
		p.LPush(ctx, q.k.Pending, id)
		return nil
	})
	if err != nil {
		// Rollback the reservation on failure
		_ = q.c.rdb.Del(ctx, key).Err()
		return nil, err
	}
	return fromRecord(rec), nil
}

// Job looks up a job by id. It returns ErrJobNotFound if the job does not exist
// (never submitted, or dropped after its retention).
func (q *Queue) Job(ctx context.Context, id string) (*Job, error) {
	r, err := worker.Load(ctx, q.c.rdb, q.k, id)
	if errors.Is(err, worker.ErrNoJob) {
		return nil, ErrJobNotFound
	}
	if err != nil {
		return nil, err
	}
	return fromRecord(r), nil
}

// SetProgress writes the job's native progress (clamped to 0..100) and publishes a
// ProgressEvent carrying the job payload on the queue's progress channel, so
// listeners need no lookup of a job that may already be gone.
func (q *Queue) SetProgress(ctx context.Context, id string, pct int) error {
	if pct < 0 {
		pct = 0
	} else if pct > 100 {
		pct = 100
	}
	key := q.k.Job(id)
	vals, err := q.c.rdb.HMGet(ctx, key, "id", "payload").Result()
	if err != nil {
		return err
	}
	if vals[0] == nil {
		return ErrJobNotFound
	}
	ev := ProgressEvent{Queue: q.k.Name, JobID: id, Progress: pct}
	if p, ok := vals[1].(string); ok {
		ev.Payload = []byte(p)
	}
	msg, err := q.c.encoder.Encode(ev)
	if err != nil {
		return err
	}
	_, err = q.c.rdb.TxPipelined(ctx, func(p redis.Pipeliner) error {
		p.HSet(ctx, key, "progress", pct)
		p.Publish(ctx, q.k.Progress, msg)
		return nil
	})
	return err
}

// Subscription is an active listener on a queue's progress channel.
type Subscription struct {
	ps   *redis.PubSub
	done chan struct{}
}

// Close stops the listener and waits for its delivery goroutine to exit.
func (s *Subscription) Close() error {
	err := s.ps.Close()
	<-s.done
	return err
}

// SubscribeProgress installs fn as a listener on the queue's native progress events.
// The subscription is confirmed by Redis before SubscribeProgress returns, so no
// event published afterwards is missed. fn runs on a single goroutine per subscription.
func (q *Queue) SubscribeProgress(ctx context.Context, fn func(ProgressEvent)) (*Subscription, error) {
	ps := q.c.rdb.Subscribe(ctx, q.k.Progress)
	if _, err := ps.Receive(ctx); err != nil {
		_ = ps.Close()
		return nil, err
	}
	sub := &Subscription{ps: ps, done: make(chan struct{})}
	ch := ps.Channel()
	go func() {
		defer close(sub.done)
		for msg := range ch {
			var ev ProgressEvent
			if err := q.c.encoder.Decode([]byte(msg.Payload), &ev); err != nil {
				continue
			}
			fn(ev)
		}
	}()
	return sub, nil
}

// List returns the jobs currently in the given state.
func (q *Queue) List(ctx context.Context, state State) ([]*Job, error) {
	var ids []string
	var err error
	switch state {
	case StatePending:
		ids, err = q.c.rdb.LRange(ctx, q.k.Pending, 0, -1).Result()
	case StateActive:
		ids, err = q.c.rdb.ZRange(ctx, q.k.Active, 0, -1).Result()
	case StateSucceeded:
		ids, err = q.c.rdb.ZRange(ctx, q.k.Succeeded, 0, -1).Result()
	case StateDead:
		ids, err = q.c.rdb.ZRange(ctx, q.k.Dead, 0, -1).Result()
	default:
		return nil, ErrUnknownState
	}
	if err != nil {
		return nil, err
	}

	out := make([]*Job, 0, len(ids))
	for _, id := range ids {
		r, err := worker.Load(ctx, q.c.rdb, q.k, id)
		if errors.Is(err, worker.ErrNoJob) {
			continue
		}
		if err != nil {
			return nil, err
		}
		out = append(out, fromRecord(r))
	}
	return out, nil
}

// Delete removes a job that is not currently being processed.
// It returns ErrActiveState for active jobs and ErrJobNotFound for unknown ids.
func (q *Queue) Delete(ctx context.Context, id string) error {
	r, err := worker.Load(ctx, q.c.rdb, q.k, id)
	if errors.Is(err, worker.ErrNoJob) {
		return ErrJobNotFound
	}
	if err != nil {
		return err
	}
	if r.State == worker.StateActive {
		return ErrActiveState
	}
	_, err = q.c.rdb.TxPipelined(ctx, func(p redis.Pipeliner) error {
		switch r.State {
		case worker.StatePending:
			p.LRem(ctx, q.k.Pending, 1, id)
		case worker.StateSucceeded:
			p.ZRem(ctx, q.k.Succeeded, id)
		case worker.StateDead:
			p.ZRem(ctx, q.k.Dead, id)
		}
		p.Del(ctx, q.k.Job(id))
		return nil
	})
	return err
}
