// Package store persists task state records. The core only depends on the Store
// interface; Redis, Badger and Postgres backends are provided.
package store

import (
	"context"
	"errors"
	"time"
)

// ErrNotFound is returned when no record exists for an id.
var ErrNotFound = errors.New("store: record not found")

// ErrConflict is returned when an update kept losing optimistic concurrency races.
var ErrConflict = errors.New("store: too many concurrent updates")

// Record is the persisted form of a task state. Times are unix milliseconds.
type Record struct {
	ID          string         `json:"id"`
	Name        string         `json:"name"`
	JobID       string         `json:"jobId,omitempty"`
	Progress    float64        `json:"progress"`
	Completed   bool           `json:"completed"`
	TaskData    map[string]any `json:"taskData,omitempty"`
	TaskResults map[string]any `json:"taskResults,omitempty"`
	Lifespan    int64          `json:"lifespan"`
	Route       string         `json:"route,omitempty"`
	ExpiresAt   int64          `json:"expiresAt"`
	CreatedAt   int64          `json:"createdAt"`
	UpdatedAt   int64          `json:"updatedAt"`
}

// Touch sets the modification time. It always moves UpdatedAt forward, even when two
// writes land in the same millisecond.
func (r *Record) Touch(now time.Time) {
	ms := now.UnixMilli()
	if ms <= r.UpdatedAt {
		ms = r.UpdatedAt + 1
	}
	r.UpdatedAt = ms
}

// Store is a durable record store.
type Store interface {
	// Create assigns a new id and timestamps to r and persists it.
	Create(ctx context.Context, r *Record) (*Record, error)
	// FindOne returns ErrNotFound when the record is absent.
	FindOne(ctx context.Context, id string) (*Record, error)
	// Update applies fn to the current record and persists the result atomically.
	// An error from fn aborts the update and is returned as is.
	Update(ctx context.Context, id string, fn func(*Record) error) (*Record, error)
	// DestroyExpired removes records whose ExpiresAt is before now and returns their ids.
	DestroyExpired(ctx context.Context, now time.Time) ([]string, error)
	Close() error
}

const maxUpdateAttempts = 16

func prepareNew(r *Record, id string, now time.Time) {
	r.ID = id
	r.CreatedAt = now.UnixMilli()
	r.UpdatedAt = 0
	r.Touch(now)
}

// expired reports whether r carries an expiry that is before now.
func expired(r *Record, nowMs int64) bool {
	return r.ExpiresAt > 0 && r.ExpiresAt < nowMs
}
