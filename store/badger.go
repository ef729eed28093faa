package store

import (
	"context"
	"errors"
	"strings"
	"sync"
	"time"

	"github.com/UniQw/taskpoll/logging"
	"github.com/bytedance/sonic"
	"github.com/dgraph-io/badger/v3"
	"github.com/google/uuid"
)

var errClosed = errors.New("store: database is closed")

const badgerPrefix = "task:"

// BadgerOptions configures OpenBadger.
type BadgerOptions struct {
	// Path is the database directory. Ignored when InMemory is set.
	Path string
	// InMemory keeps everything in memory; used by tests.
	InMemory bool
	// GCInterval is the value log GC period. Defaults to 2 minutes.
	GCInterval time.Duration
	Logger     logging.Logger
}

// Badger is an embedded store on BadgerDB.
type Badger struct {
	db       *badger.DB
	log      logging.Logger
	mu       sync.RWMutex
	closed   bool
	cancelGC context.CancelFunc
	gcDone   chan struct{}
}

// OpenBadger opens (or creates) a Badger database.
func OpenBadger(o BadgerOptions) (*Badger, error) {
	l := logging.OrNop(o.Logger)

	opts := badger.DefaultOptions(o.Path)
	if o.InMemory {
		opts = badger.DefaultOptions("").WithInMemory(true)
	}
	opts.ValueLogFileSize = 16 << 20
	opts.MemTableSize = 4 << 20
	opts.NumMemtables = 2
	opts.NumLevelZeroTables = 2
	opts.NumLevelZeroTablesStall = 3
	opts.CompactL0OnClose = true
	opts.ValueThreshold = 64 << 10
	opts.Logger = badgerLogger{l}

	db, err := badger.Open(opts)
	if err != nil {
		l.Errorf("badger open failed: path=%s err=%v", o.Path, err)
		return nil, err
	}

	b := &Badger{db: db, log: l}
	if !o.InMemory {
		interval := o.GCInterval
		if interval <= 0 {
			interval = 2 * time.Minute
		}
		ctx, cancel := context.WithCancel(context.Background())
		b.cancelGC = cancel
		b.gcDone = make(chan struct{})
		go b.valueLogGCWorker(ctx, interval)
	}
	l.Infof("badger opened: path=%s in_memory=%t", o.Path, o.InMemory)
	return b, nil
}

func (b *Badger) valueLogGCWorker(ctx context.Context, interval time.Duration) {
	defer close(b.gcDone)
	ticker := time.NewTicker(interval)
	defer ticker.Stop()

	for {
		select {
		case <-ctx.Done():
			return
		case <-ticker.C:
			err := b.db.RunValueLogGC(0.7)
			if err != nil && !errors.Is(err, badger.ErrNoRewrite) && !errors.Is(err, badger.ErrRejected) {
				b.log.Warnf("badger value log GC failed: %v", err)
			}
		}
	}
}

func badgerKey(id string) []byte { return []byte(badgerPrefix + id) }

func (b *Badger) Create(ctx context.Context, r *Record) (*Record, error) {
	b.mu.RLock()
	defer b.mu.RUnlock()
	if b.closed {
		return nil, errClosed
	}

	prepareNew(r, uuid.NewString(), time.Now())
	v, err := sonic.Marshal(r)
	if err != nil {
		return nil, err
	}
	if err := b.db.Update(func(txn *badger.Txn) error {
		return txn.Set(badgerKey(r.ID), v)
	}); err != nil {
		return nil, err
	}
	return r, nil
}

func (b *Badger) FindOne(ctx context.Context, id string) (*Record, error) {
	b.mu.RLock()
	defer b.mu.RUnlock()
	if b.closed {
		return nil, errClosed
	}

	var r *Record
	err := b.db.View(func(txn *badger.Txn) error {
		var err error
		r, err = readRecord(txn, id)
		return err
	})
	if err != nil {
		return nil, err
	}
	return r, nil
}

// Update retries the transaction when Badger reports a write conflict.
func (b *Badger) Update(ctx context.Context, id string, fn func(*Record) error) (*Record, error) {
	b.mu.RLock()
	defer b.mu.RUnlock()
	if b.closed {
		return nil, errClosed
	}

	for i := 0; i < maxUpdateAttempts; i++ {
		var out *Record
		err := b.db.Update(func(txn *badger.Txn) error {
			r, err := readRecord(txn, id)
			if err != nil {
				return err
			}
			if err := fn(r); err != nil {
				return err
			}
			r.ID = id
			r.Touch(time.Now())
			v, err := sonic.Marshal(r)
			if err != nil {
				return err
			}
			out = r
			return txn.Set(badgerKey(id), v)
		})
		if errors.Is(err, badger.ErrConflict) {
			continue
		}
		if err != nil {
			return nil, err
		}
		return out, nil
	}
	return nil, ErrConflict
}

// DestroyExpired scans every record. Each candidate is re-checked inside its own
// write transaction so a concurrent update that extended the expiry wins.
func (b *Badger) DestroyExpired(ctx context.Context, now time.Time) ([]string, error) {
	b.mu.RLock()
	defer b.mu.RUnlock()
	if b.closed {
		return nil, errClosed
	}

	nowMs := now.UnixMilli()
	var candidates []string
	err := b.db.View(func(txn *badger.Txn) error {
		it := txn.NewIterator(badger.DefaultIteratorOptions)
		defer it.Close()
		prefix := []byte(badgerPrefix)
		for it.Seek(prefix); it.ValidForPrefix(prefix); it.Next() {
			item := it.Item()
			err := item.Value(func(v []byte) error {
				var r Record
				if err := sonic.Unmarshal(v, &r); err != nil {
					return err
				}
				if expired(&r, nowMs) {
					candidates = append(candidates, strings.TrimPrefix(string(item.Key()), badgerPrefix))
				}
				return nil
			})
			if err != nil {
				return err
			}
		}
		return nil
	})
	if err != nil {
		return nil, err
	}

	out := make([]string, 0, len(candidates))
	for _, id := range candidates {
		deleted := false
		err := b.db.Update(func(txn *badger.Txn) error {
			r, err := readRecord(txn, id)
			if err != nil {
				return err
			}
			if !expired(r, nowMs) {
				return nil
			}
			deleted = true
			return txn.Delete(badgerKey(id))
		})
		switch {
		case err == nil:
			if deleted {
				out = append(out, id)
			}
		case errors.Is(err, ErrNotFound), errors.Is(err, badger.ErrConflict):
		default:
			return out, err
		}
	}
	return out, nil
}

func (b *Badger) Close() error {
	b.mu.Lock()
	defer b.mu.Unlock()
	if b.closed {
		return nil
	}
	b.closed = true
	if b.cancelGC != nil {
		b.cancelGC()
		<-b.gcDone
	}
	if err := b.db.Close(); err != nil {
		b.log.Errorf("badger close failed: %v", err)
		return err
	}
	b.log.Infof("badger closed")
	return nil
}

func readRecord(txn *badger.Txn, id string) (*Record, error) {
	item, err := txn.Get(badgerKey(id))
	if errors.Is(err, badger.ErrKeyNotFound) {
		return nil, ErrNotFound
	}
	if err != nil {
		return nil, err
	}
	var r Record
	if err := item.Value(func(v []byte) error { return sonic.Unmarshal(v, &r) }); err != nil {
		return nil, err
	}
	return &r, nil
}

// badgerLogger routes Badger's internal logging into Logger.
type badgerLogger struct{ logging.Logger }

func (l badgerLogger) Warningf(format string, args ...any) { l.Warnf(format, args...) }
