package worker

import (
	"context"
	"testing"
	"time"

	"github.com/UniQw/taskpoll/internal/keys"
	mrd "github.com/alicebob/miniredis/v2"
	"github.com/redis/go-redis/v9"
	"github.com/stretchr/testify/require"
)

func newMiniClient(t *testing.T) (*redis.Client, func()) {
	t.Helper()
	s := mrd.RunT(t)
	rdb := redis.NewClient(&redis.Options{Addr: s.Addr()})
	cleanup := func() {
		_ = rdb.Close()
		s.Close()
	}
	return rdb, cleanup
}

func seed(t *testing.T, rdb *redis.Client, k keys.Queue, r *Record) {
	t.Helper()
	ctx := context.Background()
	require.NoError(t, rdb.HSet(ctx, k.Job(r.ID), r.Fields()).Err())
	require.NoError(t, rdb.LPush(ctx, k.Pending, r.ID).Err())
}

func TestRecord_FieldsParseRoundtrip(t *testing.T) {
	rdb, done := newMiniClient(t)
	defer done()
	ctx := context.Background()
	k := keys.For("q")

	in := &Record{ID: "j1", Queue: "q", Payload: []byte(`{"task_id":"t1"}`), State: StatePending,
		Progress: 40, Retention: 60, ErrRetention: -1, CreatedAt: 10, LastError: "x"}
	require.NoError(t, rdb.HSet(ctx, k.Job(in.ID), in.Fields()).Err())

	out, err := Load(ctx, rdb, k, "j1")
	require.NoError(t, err)
	require.Equal(t, in, out)
	require.Nil(t, Parse(nil))

	_, err = Load(ctx, rdb, k, "missing")
	require.ErrorIs(t, err, ErrNoJob)
}

func TestWorker_Dequeue(t *testing.T) {
	rdb, done := newMiniClient(t)
	defer done()
	ctx := context.Background()
	k := keys.For("q")

	// empty
	got, err := Dequeue(ctx, rdb, k, time.Minute)
	require.NoError(t, err)
	require.Nil(t, got)

	seed(t, rdb, k, &Record{ID: "j1", Queue: "q", Payload: []byte("p"), State: StatePending})

	got, err = Dequeue(ctx, rdb, k, time.Minute)
	require.NoError(t, err)
	require.NotNil(t, got)
	require.Equal(t, "j1", got.ID)
	require.Equal(t, StateActive, got.State)
	require.NotZero(t, got.StartedAt)
	require.Equal(t, []byte("p"), got.Payload)

	active, _ := rdb.ZCard(ctx, k.Active).Result()
	require.Equal(t, int64(1), active)
}

func TestWorker_Dequeue_OrphanIDDropped(t *testing.T) {
	rdb, done := newMiniClient(t)
	defer done()
	ctx := context.Background()
	k := keys.For("q")

	require.NoError(t, rdb.LPush(ctx, k.Pending, "ghost").Err())
	got, err := Dequeue(ctx, rdb, k, time.Minute)
	require.NoError(t, err)
	require.Nil(t, got)
	active, _ := rdb.ZCard(ctx, k.Active).Result()
	require.Equal(t, int64(0), active)
}

func TestWorker_Extend(t *testing.T) {
	rdb, done := newMiniClient(t)
	defer done()
	ctx := context.Background()
	k := keys.For("q")

	seed(t, rdb, k, &Record{ID: "e1", Queue: "q"})
	r, err := Dequeue(ctx, rdb, k, 100*time.Millisecond)
	require.NoError(t, err)
	before, err := rdb.ZScore(ctx, k.Active, "e1").Result()
	require.NoError(t, err)

	require.NoError(t, Extend(ctx, rdb, k, "e1", time.Minute))
	after, err := rdb.ZScore(ctx, k.Active, "e1").Result()
	require.NoError(t, err)
	require.Greater(t, after, before+float64(50*time.Second/time.Millisecond))

	// finished jobs are not resurrected
	require.NoError(t, Ack(ctx, rdb, k, r))
	require.NoError(t, Extend(ctx, rdb, k, "e1", time.Minute))
	n, _ := rdb.ZCard(ctx, k.Active).Result()
	require.Zero(t, n)
}

func TestWorker_Ack_WithAndWithoutRetention(t *testing.T) {
	rdb, done := newMiniClient(t)
	defer done()
	ctx := context.Background()
	k := keys.For("q")

	seed(t, rdb, k, &Record{ID: "keep", Queue: "q", Retention: 60})
	r, err := Dequeue(ctx, rdb, k, time.Minute)
	require.NoError(t, err)
	require.NoError(t, Ack(ctx, rdb, k, r))

	state, _ := rdb.HGet(ctx, k.Job("keep"), "state").Result()
	require.Equal(t, StateSucceeded, state)
	n, _ := rdb.ZCard(ctx, k.Succeeded).Result()
	require.Equal(t, int64(1), n)

	seed(t, rdb, k, &Record{ID: "drop", Queue: "q", Retention: 0})
	r, err = Dequeue(ctx, rdb, k, time.Minute)
	require.NoError(t, err)
	require.NoError(t, Ack(ctx, rdb, k, r))
	exists, _ := rdb.Exists(ctx, k.Job("drop")).Result()
	require.Equal(t, int64(0), exists)
	active, _ := rdb.ZCard(ctx, k.Active).Result()
	require.Equal(t, int64(0), active)
}

func TestWorker_FailToDead(t *testing.T) {
	rdb, done := newMiniClient(t)
	defer done()
	ctx := context.Background()
	k := keys.For("q")

	seed(t, rdb, k, &Record{ID: "f1", Queue: "q", ErrRetention: -1})
	r, err := Dequeue(ctx, rdb, k, time.Minute)
	require.NoError(t, err)
	require.NoError(t, FailToDead(ctx, rdb, k, r, "boom"))

	got, err := Load(ctx, rdb, k, "f1")
	require.NoError(t, err)
	require.Equal(t, StateDead, got.State)
	require.Equal(t, "boom", got.LastError)
	score, err := rdb.ZScore(ctx, k.Dead, "f1").Result()
	require.NoError(t, err)
	require.Equal(t, float64(farFuture), score)
}

func TestWorker_Purge(t *testing.T) {
	rdb, done := newMiniClient(t)
	defer done()
	ctx := context.Background()
	k := keys.For("q")

	now := time.Now().UnixMilli()
	require.NoError(t, rdb.HSet(ctx, k.Job("old"), "id", "old").Err())
	require.NoError(t, rdb.HSet(ctx, k.Job("new"), "id", "new").Err())
	require.NoError(t, rdb.ZAdd(ctx, k.Succeeded,
		redis.Z{Score: float64(now - 1000), Member: "old"},
		redis.Z{Score: float64(now + 60000), Member: "new"}).Err())

	n, err := Purge(ctx, rdb, k, k.Succeeded, now, 256)
	require.NoError(t, err)
	require.Equal(t, 1, n)

	_, err = Load(ctx, rdb, k, "old")
	require.ErrorIs(t, err, ErrNoJob)
	_, err = Load(ctx, rdb, k, "new")
	require.NoError(t, err)
}
