package worker

import (
	"context"
	"errors"
	"strconv"
	"time"

	"github.com/UniQw/taskpoll/internal/keys"
	"github.com/redis/go-redis/v9"
)

// Job states as stored in the job hash.
const (
	StatePending   = "pending"
	StateActive    = "active"
	StateSucceeded = "succeeded"
	StateDead      = "dead"
)

// farFuture scores members that never expire.
const farFuture = 1 << 62

// ErrNoJob is returned when a job hash does not exist.
var ErrNoJob = errors.New("job not found")

// Record is the internal representation of a job hash.
type Record struct {
	ID           string
	Queue        string
	Payload      []byte
	State        string
	Progress     int
	Retention    int64 // seconds kept after success; 0 drops immediately
	ErrRetention int64 // seconds kept after failure; <0 keeps forever, 0 drops immediately
	CreatedAt    int64
	StartedAt    int64
	CompletedAt  int64
	LastError    string
}

// Fields returns the hash fields for r.
func (r *Record) Fields() map[string]any {
	return map[string]any{
		"id":            r.ID,
		"queue":         r.Queue,
		"payload":       string(r.Payload),
		"state":         r.State,
		"progress":      r.Progress,
		"retention":     r.Retention,
		"err_retention": r.ErrRetention,
		"created_at":    r.CreatedAt,
		"started_at":    r.StartedAt,
		"completed_at":  r.CompletedAt,
		"last_error":    r.LastError,
	}
}

// Parse builds a Record from HGETALL output. It returns nil for an empty hash.
func Parse(m map[string]string) *Record {
	if len(m) == 0 {
		return nil
	}
	atoi := func(k string) int64 {
		n, _ := strconv.ParseInt(m[k], 10, 64)
		return n
	}
	return &Record{
		ID:           m["id"],
		Queue:        m["queue"],
		Payload:      []byte(m["payload"]),
		State:        m["state"],
		Progress:     int(atoi("progress")),
		Retention:    atoi("retention"),
		ErrRetention: atoi("err_retention"),
		CreatedAt:    atoi("created_at"),
		StartedAt:    atoi("started_at"),
		CompletedAt:  atoi("completed_at"),
		LastError:    m["last_error"],
	}
}

// Load reads a job hash. It returns ErrNoJob if the job does not exist.
func Load(ctx context.Context, rdb redis.UniversalClient, k keys.Queue, id string) (*Record, error) {
	m, err := rdb.HGetAll(ctx, k.Job(id)).Result()
	if err != nil {
		return nil, err
	}
	r := Parse(m)
	if r == nil {
		return nil, ErrNoJob
	}
	return r, nil
}

// Atomic dequeue script: RPOP from pending, ZADD into active with visibility score,
// and mark the job hash active.
var dequeueScript = redis.NewScript(
	// language=Lua
	`
	local id = redis.call('RPOP', KEYS[1])
	if not id then return false end
	redis.call('ZADD', KEYS[2], ARGV[1], id)
	redis.call('HSET', ARGV[3] .. id, 'state', 'active', 'started_at', ARGV[2])
	return id
	`,
)

// Dequeue atomically moves a job id from the Pending list to the Active ZSET
// and returns the loaded job. It returns nil when nothing is pending.
func Dequeue(ctx context.Context, rdb redis.UniversalClient, k keys.Queue, ttl time.Duration) (*Record, error) {
	now := time.Now()
	visible := now.Add(ttl).UnixMilli()
	res, err := dequeueScript.Run(ctx, rdb, []string{k.Pending, k.Active},
		strconv.FormatInt(visible, 10), strconv.FormatInt(now.UnixMilli(), 10), k.Job("")).Result()
	if err == redis.Nil || res == nil {
		return nil, nil
	}
	if err != nil {
		return nil, err
	}
	id, ok := res.(string)
	if !ok {
		return nil, nil
	}
	r, err := Load(ctx, rdb, k, id)
	if errors.Is(err, ErrNoJob) {
		// deleted while pending; drop the orphan lease
		_ = rdb.ZRem(ctx, k.Active, id).Err()
		return nil, nil
	}
	return r, err
}

// Extend pushes the visibility deadline of an active job to now+ttl. A job that
// already left the Active ZSET is not re-added.
func Extend(ctx context.Context, rdb redis.UniversalClient, k keys.Queue, id string, ttl time.Duration) error {
	visible := time.Now().Add(ttl).UnixMilli()
	return rdb.ZAddXX(ctx, k.Active, redis.Z{Score: float64(visible), Member: id}).Err()
}

// Ack removes a job from the Active ZSET and records it as succeeded for its retention.
func Ack(ctx context.Context, rdb redis.UniversalClient, k keys.Queue, r *Record) error {
	r.CompletedAt = time.Now().UnixMilli()
	r.State = StateSucceeded
	_, err := rdb.TxPipelined(ctx, func(p redis.Pipeliner) error {
		p.ZRem(ctx, k.Active, r.ID)
		if r.Retention <= 0 {
			p.Del(ctx, k.Job(r.ID))
			return nil
		}
		p.HSet(ctx, k.Job(r.ID), "state", r.State, "completed_at", r.CompletedAt)
		p.ZAdd(ctx, k.Succeeded, redis.Z{Score: float64(r.CompletedAt + r.Retention*1000), Member: r.ID})
		return nil
	})
	return err
}

// FailToDead moves a job from the Active ZSET to the Dead ZSET.
func FailToDead(ctx context.Context, rdb redis.UniversalClient, k keys.Queue, r *Record, reason string) error {
	r.CompletedAt = time.Now().UnixMilli()
	r.State = StateDead
	r.LastError = reason
	score := float64(farFuture)
	if r.ErrRetention > 0 {
		score = float64(r.CompletedAt + r.ErrRetention*1000)
	}
	_, err := rdb.TxPipelined(ctx, func(p redis.Pipeliner) error {
		p.ZRem(ctx, k.Active, r.ID)
		if r.ErrRetention == 0 {
			p.Del(ctx, k.Job(r.ID))
			return nil
		}
		p.HSet(ctx, k.Job(r.ID), "state", r.State, "completed_at", r.CompletedAt, "last_error", reason)
		p.ZAdd(ctx, k.Dead, redis.Z{Score: score, Member: r.ID})
		return nil
	})
	return err
}

// Purge deletes up to limit jobs whose index score in zkey is at or below nowMs,
// together with their hashes. It returns the number of purged jobs.
func Purge(ctx context.Context, rdb redis.UniversalClient, k keys.Queue, zkey string, nowMs int64, limit int64) (int, error) {
	ids, err := rdb.ZRangeByScore(ctx, zkey, &redis.ZRangeBy{
		Min: "0", Max: strconv.FormatInt(nowMs, 10), Offset: 0, Count: limit,
	}).Result()
	if err != nil && err != redis.Nil {
		return 0, err
	}
	if len(ids) == 0 {
		return 0, nil
	}
	_, err = rdb.TxPipelined(ctx, func(p redis.Pipeliner) error {
		for _, id := range ids {
			p.Del(ctx, k.Job(id))
			p.ZRem(ctx, zkey, id)
		}
		return nil
	})
	if err != nil {
		return 0, err
	}
	return len(ids), nil
}
