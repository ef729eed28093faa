package store

import (
	"context"
	"errors"
	"strconv"
	"time"

	ikeys "github.com/UniQw/taskpoll/internal/keys"
	"github.com/bytedance/sonic"
	"github.com/google/uuid"
	"github.com/redis/go-redis/v9"
)

// Redis stores each record as a JSON string and indexes expiry in a ZSET.
type Redis struct {
	rdb redis.UniversalClient
}

// NewRedis returns a Redis-backed store. The client is owned by the caller.
func NewRedis(rdb redis.UniversalClient) *Redis {
	return &Redis{rdb: rdb}
}

func (s *Redis) Create(ctx context.Context, r *Record) (*Record, error) {
	prepareNew(r, uuid.NewString(), time.Now())
	b, err := sonic.Marshal(r)
	if err != nil {
		return nil, err
	}
	_, err = s.rdb.TxPipelined(ctx, func(p redis.Pipeliner) error {
		p.Set(ctx, ikeys.Task(r.ID), b, 0)
		indexExpiry(ctx, p, r)
		return nil
	})
	if err != nil {
		return nil, err
	}
	return r, nil
}

func (s *Redis) FindOne(ctx context.Context, id string) (*Record, error) {
	b, err := s.rdb.Get(ctx, ikeys.Task(id)).Bytes()
	if errors.Is(err, redis.Nil) {
		return nil, ErrNotFound
	}
	if err != nil {
		return nil, err
	}
	var r Record
	if err := sonic.Unmarshal(b, &r); err != nil {
		return nil, err
	}
	return &r, nil
}

// Update uses WATCH/MULTI and retries when another writer touched the record first.
func (s *Redis) Update(ctx context.Context, id string, fn func(*Record) error) (*Record, error) {
	key := ikeys.Task(id)
	for i := 0; i < maxUpdateAttempts; i++ {
		var out *Record
		err := s.rdb.Watch(ctx, func(tx *redis.Tx) error {
			b, err := tx.Get(ctx, key).Bytes()
			if errors.Is(err, redis.Nil) {
				return ErrNotFound
			}
			if err != nil {
				return err
			}
			var r Record
			if err := sonic.Unmarshal(b, &r); err != nil {
				return err
			}
			if err := fn(&r); err != nil {
				return err
			}
			r.ID = id
			r.Touch(time.Now())
			nb, err := sonic.Marshal(&r)
			if err != nil {
				return err
			}
			_, err = tx.TxPipelined(ctx, func(p redis.Pipeliner) error {
				p.Set(ctx, key, nb, 0)
				indexExpiry(ctx, p, &r)
				return nil
			})
			out = &r
			return err
		}, key)
		if errors.Is(err, redis.TxFailedErr) {
			continue
		}
		if err != nil {
			return nil, err
		}
		return out, nil
	}
	return nil, ErrConflict
}

// destroyExpiredScript removes a batch of records whose expiry score is below ARGV[1].
var destroyExpiredScript = redis.NewScript(
	// language=Lua
	`
	local ids = redis.call('ZRANGEBYSCORE', KEYS[1], '-inf', '(' .. ARGV[1], 'LIMIT', 0, tonumber(ARGV[3]))
	for _, id in ipairs(ids) do
		redis.call('DEL', ARGV[2] .. id)
		redis.call('ZREM', KEYS[1], id)
	end
	return ids
	`,
)

const destroyBatch = 256

func (s *Redis) DestroyExpired(ctx context.Context, now time.Time) ([]string, error) {
	var out []string
	nowMs := strconv.FormatInt(now.UnixMilli(), 10)
	for {
		ids, err := destroyExpiredScript.Run(ctx, s.rdb, []string{ikeys.TaskExpiry()},
			nowMs, ikeys.Task(""), destroyBatch).StringSlice()
		if err != nil && !errors.Is(err, redis.Nil) {
			return out, err
		}
		out = append(out, ids...)
		if len(ids) < destroyBatch {
			return out, nil
		}
	}
}

// Close is a no-op; the Redis client belongs to the caller.
func (s *Redis) Close() error { return nil }

func indexExpiry(ctx context.Context, p redis.Pipeliner, r *Record) {
	if r.ExpiresAt > 0 {
		p.ZAdd(ctx, ikeys.TaskExpiry(), redis.Z{Score: float64(r.ExpiresAt), Member: r.ID})
	} else {
		p.ZRem(ctx, ikeys.TaskExpiry(), r.ID)
	}
}
